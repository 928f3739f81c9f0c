package card

import (
	"errors"
	"fmt"
)

// APDU status words
const (
	SW1Success          = 0x90
	SW2Success          = 0x00
	SW1MoreData         = 0x61 // More data available
	SW1WrongLength      = 0x6C // Wrong Le field
	SW1InvalidatedState = 0x62 // Warning: state of non-volatile memory unchanged
	SW2Invalidated      = 0x83 // Selected file invalidated
)

// Common APDU command classes
const (
	CLAStandard = 0x00 // Standard ISO7816-4
	CLAPCSC     = 0xFF // PC/SC pseudo-APDU (reader commands)
)

// Instructions used by selection and storage transactions
const (
	INSSelectFile = 0xA4 // Select file / application by DF name
	INSReadRecord = 0xB2 // Read record
	INSReadBinary = 0xB0 // Read binary (block read on storage cards)
	INSUpdateBin  = 0xD6 // Update binary (block write on storage cards)
	INSGetData    = 0xCA // Get data (UID via PC/SC pseudo-APDU)
)

// APDUResponse represents a parsed APDU response
type APDUResponse struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// IsSuccess returns true if the response indicates success (SW1=90, SW2=00)
func (r APDUResponse) IsSuccess() bool {
	return r.SW1 == SW1Success && r.SW2 == SW2Success
}

// IsInvalidated returns true if the response indicates a selected but
// invalidated application (SW=6283).
func (r APDUResponse) IsInvalidated() bool {
	return r.SW1 == SW1InvalidatedState && r.SW2 == SW2Invalidated
}

// Error returns an error if the response is not successful
func (r APDUResponse) Error() error {
	if r.IsSuccess() {
		return nil
	}
	return fmt.Errorf("APDU error: SW1=%02X SW2=%02X", r.SW1, r.SW2)
}

// StatusWord returns the 2-byte status word as uint16
func (r APDUResponse) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// ParseAPDUResponse parses a raw response into APDUResponse
func ParseAPDUResponse(raw []byte) (APDUResponse, error) {
	if len(raw) < 2 {
		return APDUResponse{}, errors.New("response too short")
	}
	return APDUResponse{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// selectApplicationAPDU builds a SELECT by DF name command for the given AID.
func selectApplicationAPDU(aid []byte) []byte {
	cmd := []byte{CLAStandard, INSSelectFile, 0x04, 0x00, byte(len(aid))}
	cmd = append(cmd, aid...)
	return append(cmd, 0x00)
}

// readRecordAPDU builds a READ RECORD command addressing record number rec
// of the file identified by sfi (P2 = SFI<<3 | 4).
func readRecordAPDU(sfi byte, rec int) []byte {
	return []byte{CLAStandard, INSReadRecord, byte(rec), sfi<<3 | 0x04, 0x00}
}

// getUIDAPDU builds the PC/SC pseudo-APDU requesting the card UID.
func getUIDAPDU() []byte {
	return []byte{CLAPCSC, INSGetData, 0x00, 0x00, 0x00}
}

// readBinaryAPDU builds a block read starting at block with the given
// expected length in bytes. Storage cards address READ BINARY by block
// number in P2.
func readBinaryAPDU(block, length int) []byte {
	return []byte{CLAPCSC, INSReadBinary, 0x00, byte(block), byte(length)}
}

// updateBinaryAPDU builds a single-block write of data at block.
func updateBinaryAPDU(block int, data []byte) []byte {
	cmd := []byte{CLAPCSC, INSUpdateBin, 0x00, byte(block), byte(len(data))}
	return append(cmd, data...)
}
