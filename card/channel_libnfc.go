package card

import (
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
)

// LibNFCChannel implements Channel on top of a libnfc device.
//
// libnfc has no notion of the PC/SC pseudo-APDU layer, so the channel
// provides it: GET DATA, READ BINARY and UPDATE BINARY commands are mapped
// onto native freefare page operations for storage tags, and standard-class
// APDUs are passed through InitiatorTransceiveBytes for ISO 14443-4 targets.
// This keeps the selection engine and transaction manager transport-agnostic.
type LibNFCChannel struct {
	device nfc.Device
	tag    freefare.Tag
	active ProtocolTag
	mu     sync.Mutex
}

// Ensure LibNFCChannel implements Channel
var _ Channel = (*LibNFCChannel)(nil)

// OpenLibNFCChannel opens the libnfc device identified by conn (empty for
// the first available) and initializes it as an initiator.
func OpenLibNFCChannel(conn string) (*LibNFCChannel, error) {
	device, err := nfc.Open(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libnfc device %q: %w", conn, err)
	}
	if err := device.InitiatorInit(); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to initialize initiator: %w", err)
	}
	log.Printf("Using libnfc device: %s", device.String())
	return &LibNFCChannel{device: device}, nil
}

// IsCardPresent polls the field for any freefare-recognized tag.
func (c *LibNFCChannel) IsCardPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tag != nil {
		return true
	}
	tags, err := freefare.GetTags(c.device)
	if err != nil {
		return false
	}
	return len(tags) > 0
}

// NegotiateProtocol polls for tags and matches the requested logical
// protocol against the freefare type of the first tag in field.
func (c *LibNFCChannel) NegotiateProtocol(tag ProtocolTag) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags, err := freefare.GetTags(c.device)
	if err != nil {
		return fmt.Errorf("failed to poll tags: %w", err)
	}
	if len(tags) == 0 {
		return ErrProtocolMismatch
	}

	for _, t := range tags {
		if protocolFromFreefareType(t.Type()) != tag {
			continue
		}
		if err := t.Connect(); err != nil {
			return fmt.Errorf("failed to connect tag %s: %w", t.UID(), err)
		}
		c.tag = t
		c.active = tag
		return nil
	}
	return ErrProtocolMismatch
}

// protocolFromFreefareType maps a freefare tag type to a logical protocol.
// The SRT512 family is ISO 14443B-2 and not visible to freefare, so it never
// matches on a libnfc channel.
func protocolFromFreefareType(t int) ProtocolTag {
	switch t {
	case freefare.Ultralight, freefare.UltralightC:
		return ProtocolMifareUltralight
	case freefare.DESFire:
		return ProtocolISO14443_4
	default:
		return ""
	}
}

// Transmit executes a command APDU against the connected tag, emulating the
// PC/SC pseudo-APDU layer for storage tags.
func (c *LibNFCChannel) Transmit(command []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tag == nil {
		return nil, fmt.Errorf("no tag connected")
	}
	if len(command) < 4 {
		return nil, fmt.Errorf("command too short")
	}

	if command[0] == CLAPCSC {
		return c.pseudoAPDU(command)
	}

	// Standard-class APDUs go to the card as-is (ISO 14443-4 targets).
	var rx [262]byte
	n, err := c.device.InitiatorTransceiveBytes(command, rx[:], 0)
	if err != nil {
		return nil, fmt.Errorf("LibNFCChannel.Transmit: %w", err)
	}
	return rx[:n], nil
}

// pseudoAPDU services reader-class commands from native tag operations.
// Callers hold the mutex.
func (c *LibNFCChannel) pseudoAPDU(command []byte) ([]byte, error) {
	ul, isUltralight := c.tag.(freefare.UltralightTag)

	switch command[1] {
	case INSGetData:
		uid, err := hex.DecodeString(c.tag.UID())
		if err != nil {
			return nil, fmt.Errorf("bad tag UID %q: %w", c.tag.UID(), err)
		}
		return append(uid, SW1Success, SW2Success), nil

	case INSReadBinary:
		if !isUltralight {
			return []byte{0x6D, 0x00}, nil
		}
		first := int(command[3])
		length := int(command[4])
		if length%4 != 0 {
			return []byte{0x67, 0x00}, nil
		}
		data := make([]byte, 0, length)
		for page := first; page < first+length/4; page++ {
			pd, err := ul.ReadPage(byte(page))
			if err != nil {
				// A vanished tag is a transport failure; anything else is
				// the tag refusing the page.
				if c.tagGone() {
					return nil, fmt.Errorf("tag removed during read: %w", err)
				}
				return []byte{0x69, 0x81}, nil
			}
			data = append(data, pd[:]...)
		}
		return append(data, SW1Success, SW2Success), nil

	case INSUpdateBin:
		if !isUltralight {
			return []byte{0x6D, 0x00}, nil
		}
		index := int(command[3])
		payload := command[5:]
		if len(payload) != 4 || int(command[4]) != 4 {
			return []byte{0x67, 0x00}, nil
		}
		var page [4]byte
		copy(page[:], payload)
		if err := ul.WritePage(byte(index), page); err != nil {
			if c.tagGone() {
				return nil, fmt.Errorf("tag removed during write: %w", err)
			}
			return []byte{0x69, 0x81}, nil
		}
		return []byte{SW1Success, SW2Success}, nil
	}

	return []byte{0x6D, 0x00}, nil
}

// tagGone reports whether the connected tag has left the field. Callers
// hold the mutex.
func (c *LibNFCChannel) tagGone() bool {
	tags, err := freefare.GetTags(c.device)
	if err != nil {
		return true
	}
	for _, t := range tags {
		if t.UID() == c.tag.UID() {
			return false
		}
	}
	return true
}

// ReleaseChannel disconnects the tag on CloseAfter.
func (c *LibNFCChannel) ReleaseChannel(d ChannelDisposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d == KeepOpen || c.tag == nil {
		return nil
	}
	err := c.tag.Disconnect()
	c.tag = nil
	c.active = ""
	return err
}

// Close shuts down the libnfc device. The channel is unusable afterwards.
func (c *LibNFCChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tag != nil {
		c.tag.Disconnect()
		c.tag = nil
	}
	return c.device.Close()
}
