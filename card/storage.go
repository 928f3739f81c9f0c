package card

import "fmt"

// maxReadLength is the largest byte count one READ BINARY exchange can
// return with a single-byte Le field.
const maxReadLength = 255

// exchange transmits cmd on the channel and parses the response. A non-nil
// error always means a transport-level failure; card-reported statuses are
// carried in the returned APDUResponse for the caller to interpret.
func exchange(ch Channel, cmd []byte) (APDUResponse, error) {
	raw, err := ch.Transmit(cmd)
	if err != nil {
		return APDUResponse{}, err
	}
	resp, err := ParseAPDUResponse(raw)
	if err != nil {
		return APDUResponse{}, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}

// readBlockRange reads blocks first..last (inclusive) and returns the
// concatenated block data. With multi set, contiguous blocks are coalesced
// into as few READ BINARY exchanges as the single-byte length field allows;
// otherwise every block is its own exchange.
//
// rejected reports a card status error; err reports a transport failure.
func readBlockRange(ch Channel, blockSize, first, last int, multi bool) (data []byte, rejected bool, err error) {
	perExchange := 1
	if multi {
		if n := maxReadLength / blockSize; n > 1 {
			perExchange = n
		}
	}

	data = make([]byte, 0, (last-first+1)*blockSize)
	for blk := first; blk <= last; blk += perExchange {
		span := perExchange
		if blk+span-1 > last {
			span = last - blk + 1
		}
		resp, err := exchange(ch, readBinaryAPDU(blk, span*blockSize))
		if err != nil {
			return nil, false, err
		}
		if !resp.IsSuccess() {
			return nil, true, nil
		}
		if len(resp.Data) != span*blockSize {
			return nil, false, fmt.Errorf("read of blocks %d..%d returned %d bytes, want %d",
				blk, blk+span-1, len(resp.Data), span*blockSize)
		}
		data = append(data, resp.Data...)
	}
	return data, false, nil
}

// writeBlock writes exactly one block. rejected reports a card status error;
// err reports a transport failure.
func writeBlock(ch Channel, index int, data []byte) (rejected bool, err error) {
	resp, err := exchange(ch, updateBinaryAPDU(index, data))
	if err != nil {
		return false, err
	}
	if !resp.IsSuccess() {
		return true, nil
	}
	return false, nil
}
