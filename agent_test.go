package main

import (
	"bytes"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/dotside-studios/storagecard-agent/card"
)

func newTestAgent(t *testing.T, ch card.Channel) *Agent {
	t.Helper()
	agent, err := NewAgent(ch, nil)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	agent.Logger = log.New(io.Discard, "", 0)
	return agent
}

func TestAgent_StorageCardPass(t *testing.T) {
	mock := card.NewMockUltralightChannel()
	seed := []byte{0x10, 0x20, 0x30, 0x40}
	copy(mock.Blocks[4], seed)

	agent := newTestAgent(t, mock)
	if err := agent.runOnce(); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	// The demo transaction increments every byte of the user area.
	if !bytes.Equal(mock.Blocks[4], card.IncrementBlock(seed)) {
		t.Errorf("block 4 on card = %X, want %X", mock.Blocks[4], card.IncrementBlock(seed))
	}
	if !bytes.Equal(mock.Blocks[15], []byte{0x01, 0x01, 0x01, 0x01}) {
		t.Errorf("block 15 on card = %X, want 01010101", mock.Blocks[15])
	}
	// Manufacturer area stays untouched.
	if !bytes.Equal(mock.Blocks[0], make([]byte, 4)) {
		t.Errorf("block 0 on card = %X, want zeros", mock.Blocks[0])
	}

	// The final batch releases the channel.
	if len(mock.Released) != 1 || mock.Released[0] != card.CloseAfter {
		t.Errorf("released dispositions = %v, want [CloseAfter]", mock.Released)
	}
}

func TestAgent_FileBasedCardPass(t *testing.T) {
	mock := card.NewMockChannel()
	mock.Protocols[card.ProtocolISO14443_4] = true
	mock.AIDs["A000000291FF9101"] = true
	mock.UID = []byte{0x04, 0x01, 0x02, 0x03}
	mock.Records[sfiEnvironmentAndHolder] = map[int][]byte{
		1: {0xEC, 0x01},
	}

	agent := newTestAgent(t, mock)
	if err := agent.runOnce(); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if len(mock.Released) != 1 || mock.Released[0] != card.CloseAfter {
		t.Errorf("released dispositions = %v, want [CloseAfter]", mock.Released)
	}
}

func TestAgent_NoMatchIsNotAnError(t *testing.T) {
	mock := card.NewMockChannel() // no protocols at all

	agent := newTestAgent(t, mock)
	if err := agent.runOnce(); err != nil {
		t.Fatalf("runOnce on unmatched card: %v", err)
	}

	// An unmatched card must not leave the channel holding a connection: the
	// next card would otherwise be evaluated against this one's state.
	if len(mock.Released) != 1 || mock.Released[0] != card.CloseAfter {
		t.Errorf("released dispositions = %v, want [CloseAfter]", mock.Released)
	}
}

func TestAgent_TransportFailureSurfaces(t *testing.T) {
	mock := card.NewMockUltralightChannel()
	mock.FailTransmitAt = 1
	mock.TransmitError = errors.New("reader unplugged")

	agent := newTestAgent(t, mock)
	err := agent.runOnce()
	var cerr *card.CardError
	if !errors.As(err, &cerr) || cerr.Code != card.ErrCodeChannelError {
		t.Fatalf("runOnce error = %v, want ErrCodeChannelError", err)
	}

	// A failed selection run still releases the channel so a retry starts
	// from a fresh connection.
	if len(mock.Released) != 1 || mock.Released[0] != card.CloseAfter {
		t.Errorf("released dispositions = %v, want [CloseAfter]", mock.Released)
	}
}

func TestAgent_MidTransactionFailureReleasesChannel(t *testing.T) {
	// The selection prefetch (first transmit) succeeds; the full read inside
	// the storage transaction (second transmit) dies mid-batch with KeepOpen,
	// so only the agent's own cleanup can release the channel.
	mock := card.NewMockUltralightChannel()
	mock.FailTransmitAt = 2
	mock.TransmitError = errors.New("card torn away")

	agent := newTestAgent(t, mock)
	err := agent.runOnce()
	var cerr *card.CardError
	if !errors.As(err, &cerr) || cerr.Code != card.ErrCodeChannelError {
		t.Fatalf("runOnce error = %v, want ErrCodeChannelError", err)
	}
	if len(mock.Released) != 1 || mock.Released[0] != card.CloseAfter {
		t.Errorf("released dispositions = %v, want [CloseAfter]", mock.Released)
	}
}
