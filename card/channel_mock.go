package card

import (
	"fmt"
	"sync"
)

// MockChannel is a test implementation of Channel that simulates a card on a
// contactless reader without hardware.
//
// Its default Transmit understands the APDUs the selection engine and
// transaction manager emit (SELECT by AID, GET DATA, READ RECORD,
// READ/UPDATE BINARY) and answers from in-memory state, so tests can script
// entire selection and transaction flows.
//
// Example:
//
//	mock := NewMockUltralightChannel()
//	outcome, err := Select(mock, candidates)
type MockChannel struct {
	// CardPresent is returned by IsCardPresent.
	CardPresent bool

	// Protocols holds the logical protocols the simulated card speaks.
	// NegotiateProtocol returns ErrProtocolMismatch for any other tag.
	Protocols map[ProtocolTag]bool

	// NegotiateError, if set, is returned by NegotiateProtocol as a
	// transport failure regardless of the tag.
	NegotiateError error

	// TransmitFunc overrides the simulated card for custom behavior.
	TransmitFunc func([]byte) ([]byte, error)

	// FailTransmitAt makes the Nth Transmit call (1-based) fail with
	// TransmitError, simulating a transport drop mid-batch. Zero disables.
	FailTransmitAt int

	// TransmitError is the transport error injected by FailTransmitAt.
	TransmitError error

	// ReleaseError, if set, is returned by ReleaseChannel.
	ReleaseError error

	// Simulated card state.
	UID       []byte
	AIDs      map[string]bool         // selectable applications, keyed by hex of the AID
	Records   map[byte]map[int][]byte // record data by SFI and record number
	BlockSize int                     // block size for READ/UPDATE BINARY
	Blocks    [][]byte                // block store
	RejectOps map[int]bool            // blocks whose read or write answers an error status

	// Released records every ReleaseChannel disposition.
	Released []ChannelDisposition

	// CallLog tracks all method calls for verification in tests.
	CallLog []string

	transmitCount int
	mu            sync.Mutex
}

// NewMockChannel creates a MockChannel with a present card and empty state.
func NewMockChannel() *MockChannel {
	return &MockChannel{
		CardPresent: true,
		Protocols:   make(map[ProtocolTag]bool),
		AIDs:        make(map[string]bool),
		Records:     make(map[byte]map[int][]byte),
		RejectOps:   make(map[int]bool),
		CallLog:     make([]string, 0),
	}
}

// NewMockUltralightChannel creates a MockChannel simulating a blank MIFARE
// Ultralight storage card.
func NewMockUltralightChannel() *MockChannel {
	m := NewMockChannel()
	m.Protocols[ProtocolMifareUltralight] = true
	m.SetStorage(MifareUltralight)
	return m
}

// SetStorage resizes the simulated block store to the profile's geometry.
func (m *MockChannel) SetStorage(profile ProductProfile) {
	m.BlockSize = profile.BlockSize
	m.Blocks = make([][]byte, profile.BlockCount)
	for i := range m.Blocks {
		m.Blocks[i] = make([]byte, profile.BlockSize)
	}
}

// IsCardPresent reports the scripted presence flag.
func (m *MockChannel) IsCardPresent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "IsCardPresent")
	return m.CardPresent
}

// NegotiateProtocol matches tag against the scripted protocol set.
func (m *MockChannel) NegotiateProtocol(tag ProtocolTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("NegotiateProtocol %s", tag))

	if m.NegotiateError != nil {
		return m.NegotiateError
	}
	if !m.Protocols[tag] {
		return ErrProtocolMismatch
	}
	return nil
}

// Transmit answers the command from the simulated card state, or delegates
// to TransmitFunc when set.
func (m *MockChannel) Transmit(command []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("Transmit %X", command))

	m.transmitCount++
	if m.FailTransmitAt > 0 && m.transmitCount >= m.FailTransmitAt {
		err := m.TransmitError
		if err == nil {
			err = fmt.Errorf("simulated transport failure")
		}
		return nil, err
	}

	if m.TransmitFunc != nil {
		return m.TransmitFunc(command)
	}
	return m.respond(command)
}

// ReleaseChannel records the disposition.
func (m *MockChannel) ReleaseChannel(d ChannelDisposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("ReleaseChannel %s", d))
	m.Released = append(m.Released, d)
	return m.ReleaseError
}

// respond implements the simulated card. Callers hold the mutex.
func (m *MockChannel) respond(command []byte) ([]byte, error) {
	if len(command) < 4 {
		return nil, fmt.Errorf("mock: command too short: %X", command)
	}
	cla, ins, p2 := command[0], command[1], command[3]

	switch {
	case cla == CLAStandard && ins == INSSelectFile:
		lc := int(command[4])
		aid := fmt.Sprintf("%X", command[5:5+lc])
		if m.AIDs[aid] {
			return []byte{SW1Success, SW2Success}, nil
		}
		return []byte{0x6A, 0x82}, nil // file not found

	case cla == CLAPCSC && ins == INSGetData:
		return append(append([]byte{}, m.UID...), SW1Success, SW2Success), nil

	case cla == CLAStandard && ins == INSReadRecord:
		sfi := p2 >> 3
		rec := int(command[2])
		if data, ok := m.Records[sfi][rec]; ok {
			return append(append([]byte{}, data...), SW1Success, SW2Success), nil
		}
		return []byte{0x6A, 0x83}, nil // record not found

	case cla == CLAPCSC && ins == INSReadBinary:
		first := int(p2)
		length := int(command[4])
		if m.BlockSize == 0 || length%m.BlockSize != 0 {
			return []byte{0x67, 0x00}, nil // wrong length
		}
		last := first + length/m.BlockSize - 1
		if last >= len(m.Blocks) {
			return []byte{0x6B, 0x00}, nil // wrong parameters
		}
		var data []byte
		for i := first; i <= last; i++ {
			if m.RejectOps[i] {
				return []byte{0x69, 0x81}, nil // command incompatible
			}
			data = append(data, m.Blocks[i]...)
		}
		return append(data, SW1Success, SW2Success), nil

	case cla == CLAPCSC && ins == INSUpdateBin:
		index := int(p2)
		lc := int(command[4])
		if index >= len(m.Blocks) {
			return []byte{0x6B, 0x00}, nil
		}
		if lc != m.BlockSize || len(command) != 5+lc {
			return []byte{0x67, 0x00}, nil
		}
		if m.RejectOps[index] {
			return []byte{0x69, 0x81}, nil
		}
		copy(m.Blocks[index], command[5:])
		return []byte{SW1Success, SW2Success}, nil
	}

	return []byte{0x6D, 0x00}, nil // instruction not supported
}
