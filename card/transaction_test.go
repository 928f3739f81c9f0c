package card

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newUltralightManager(t *testing.T) (*TransactionManager, *MockChannel) {
	t.Helper()
	mock := NewMockUltralightChannel()
	tm, err := NewTransactionManager(mock, MifareUltralight, nil)
	if err != nil {
		t.Fatalf("NewTransactionManager: %v", err)
	}
	return tm, mock
}

func TestTransactionManager_QueueValidation(t *testing.T) {
	tm, _ := newUltralightManager(t)

	tests := []struct {
		name string
		call func() error
		code ErrorCode
	}{
		{
			name: "read first negative",
			call: func() error { return tm.QueueReadBlocks(-1, 3) },
			code: ErrCodeInvalidRange,
		},
		{
			name: "read last beyond count",
			call: func() error { return tm.QueueReadBlocks(0, 16) },
			code: ErrCodeInvalidRange,
		},
		{
			name: "read inverted range",
			call: func() error { return tm.QueueReadBlocks(5, 4) },
			code: ErrCodeInvalidRange,
		},
		{
			name: "write index beyond count",
			call: func() error { return tm.QueueWriteBlocks(16, []byte{1, 2, 3, 4}) },
			code: ErrCodeInvalidRange,
		},
		{
			name: "write short payload",
			call: func() error { return tm.QueueWriteBlocks(4, []byte{1, 2, 3}) },
			code: ErrCodeInvalidData,
		},
		{
			name: "write long payload",
			call: func() error { return tm.QueueWriteBlocks(4, []byte{1, 2, 3, 4, 5}) },
			code: ErrCodeInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var cerr *CardError
			if !errors.As(err, &cerr) || cerr.Code != tt.code {
				t.Errorf("error = %v, want code %v", err, tt.code)
			}
		})
	}
}

func TestTransactionManager_WriteThenReadIsIdempotent(t *testing.T) {
	payloads := [][]byte{
		{0x01, 0x02, 0x03, 0x04},
		{0x00, 0x00, 0x00, 0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
		{0xDE, 0xAD, 0xBE, 0xEF},
	}

	for index := 4; index < MifareUltralight.BlockCount; index += 3 {
		for _, payload := range payloads {
			tm, _ := newUltralightManager(t)

			if err := tm.QueueWriteBlocks(index, payload); err != nil {
				t.Fatalf("QueueWriteBlocks(%d): %v", index, err)
			}
			if err := tm.ProcessCommands(KeepOpen); err != nil {
				t.Fatalf("ProcessCommands(write): %v", err)
			}

			if err := tm.QueueReadBlocks(index, index); err != nil {
				t.Fatalf("QueueReadBlocks(%d): %v", index, err)
			}
			if err := tm.ProcessCommands(KeepOpen); err != nil {
				t.Fatalf("ProcessCommands(read): %v", err)
			}

			got, err := tm.Memory().Block(index)
			if err != nil {
				t.Fatalf("Block(%d): %v", index, err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("block %d after write+read = %X, want %X", index, got, payload)
			}
		}
	}
}

func TestTransactionManager_UltralightScenario(t *testing.T) {
	// Write block 4, process with KeepOpen; read it back, process with
	// CloseAfter; the manager must then reject everything until a fresh
	// selection provides a new one.
	tm, mock := newUltralightManager(t)
	payload := []byte{0x01, 0x02, 0x03, 0x04}

	if err := tm.QueueWriteBlocks(4, payload); err != nil {
		t.Fatalf("QueueWriteBlocks: %v", err)
	}
	if err := tm.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("ProcessCommands(KeepOpen): %v", err)
	}
	if len(mock.Released) != 0 {
		t.Fatalf("channel released after KeepOpen batch: %v", mock.Released)
	}

	if err := tm.QueueReadBlocks(4, 4); err != nil {
		t.Fatalf("QueueReadBlocks: %v", err)
	}
	if err := tm.ProcessCommands(CloseAfter); err != nil {
		t.Fatalf("ProcessCommands(CloseAfter): %v", err)
	}

	got, err := tm.Memory().Block(4)
	if err != nil {
		t.Fatalf("Block(4): %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("block 4 = %X, want %X", got, payload)
	}

	if len(mock.Released) != 1 || mock.Released[0] != CloseAfter {
		t.Errorf("released dispositions = %v, want [CloseAfter]", mock.Released)
	}

	var cerr *CardError
	if err := tm.QueueReadBlocks(0, 0); !errors.As(err, &cerr) || cerr.Code != ErrCodeChannelClosed {
		t.Errorf("QueueReadBlocks after close: %v, want ErrCodeChannelClosed", err)
	}
	if err := tm.QueueWriteBlocks(4, payload); !errors.As(err, &cerr) || cerr.Code != ErrCodeChannelClosed {
		t.Errorf("QueueWriteBlocks after close: %v, want ErrCodeChannelClosed", err)
	}
	if err := tm.ProcessCommands(KeepOpen); !errors.As(err, &cerr) || cerr.Code != ErrCodeChannelClosed {
		t.Errorf("ProcessCommands after close: %v, want ErrCodeChannelClosed", err)
	}
}

func TestTransactionManager_CardRejectedAbortsRemainder(t *testing.T) {
	tm, mock := newUltralightManager(t)
	mock.RejectOps[5] = true

	before6, _ := tm.Memory().Block(6)

	if err := tm.QueueWriteBlocks(4, []byte{0x11, 0x11, 0x11, 0x11}); err != nil {
		t.Fatal(err)
	}
	if err := tm.QueueWriteBlocks(5, []byte{0x22, 0x22, 0x22, 0x22}); err != nil {
		t.Fatal(err)
	}
	if err := tm.QueueWriteBlocks(6, []byte{0x33, 0x33, 0x33, 0x33}); err != nil {
		t.Fatal(err)
	}

	err := tm.ProcessCommands(KeepOpen)
	var cerr *CardError
	if !errors.As(err, &cerr) || cerr.Code != ErrCodeCardRejected {
		t.Fatalf("ProcessCommands error = %v, want ErrCodeCardRejected", err)
	}
	if cerr.Index != 1 {
		t.Errorf("rejected index = %d, want 1", cerr.Index)
	}

	// Operations before the failure point are applied; everything after is
	// untouched.
	blk4, _ := tm.Memory().Block(4)
	if !bytes.Equal(blk4, []byte{0x11, 0x11, 0x11, 0x11}) {
		t.Errorf("block 4 = %X, want 11111111", blk4)
	}
	blk5, _ := tm.Memory().Block(5)
	if !bytes.Equal(blk5, make([]byte, 4)) {
		t.Errorf("block 5 = %X, want zeros", blk5)
	}
	blk6, _ := tm.Memory().Block(6)
	if !bytes.Equal(blk6, before6) {
		t.Errorf("block 6 = %X, want untouched %X", blk6, before6)
	}
	if !bytes.Equal(mock.Blocks[6], make([]byte, 4)) {
		t.Errorf("block 6 reached the card: %X", mock.Blocks[6])
	}

	// The queue is cleared win or lose: a fresh ProcessCommands has
	// nothing to do and must not retry the failed batch.
	transmitsBefore := countTransmits(mock)
	if err := tm.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("ProcessCommands on empty queue: %v", err)
	}
	if got := countTransmits(mock); got != transmitsBefore {
		t.Errorf("empty-queue ProcessCommands transmitted %d commands", got-transmitsBefore)
	}
}

func TestTransactionManager_TransportFailureLeavesImageStale(t *testing.T) {
	tm, mock := newUltralightManager(t)
	mock.FailTransmitAt = 2
	mock.TransmitError = errors.New("card removed")

	if err := tm.QueueWriteBlocks(4, []byte{0xAA, 0xAA, 0xAA, 0xAA}); err != nil {
		t.Fatal(err)
	}
	if err := tm.QueueWriteBlocks(5, []byte{0xBB, 0xBB, 0xBB, 0xBB}); err != nil {
		t.Fatal(err)
	}

	err := tm.ProcessCommands(KeepOpen)
	var cerr *CardError
	if !errors.As(err, &cerr) || cerr.Code != ErrCodeChannelError {
		t.Fatalf("ProcessCommands error = %v, want ErrCodeChannelError", err)
	}
	if cerr.Index != 1 {
		t.Errorf("failing queue index = %d, want 1", cerr.Index)
	}

	// The first operation completed and is reflected; the image is stale
	// from the failure point on.
	blk4, _ := tm.Memory().Block(4)
	if !bytes.Equal(blk4, []byte{0xAA, 0xAA, 0xAA, 0xAA}) {
		t.Errorf("block 4 = %X, want AAAAAAAA", blk4)
	}
	blk5, _ := tm.Memory().Block(5)
	if !bytes.Equal(blk5, make([]byte, 4)) {
		t.Errorf("block 5 = %X, want zeros", blk5)
	}
}

func TestTransactionManager_ReleaseFailureSurfaces(t *testing.T) {
	tm, mock := newUltralightManager(t)
	mock.ReleaseError = errors.New("reader gone")

	if err := tm.QueueReadBlocks(4, 4); err != nil {
		t.Fatal(err)
	}
	err := tm.ProcessCommands(CloseAfter)
	var cerr *CardError
	if !errors.As(err, &cerr) || cerr.Code != ErrCodeChannelError {
		t.Fatalf("ProcessCommands error = %v, want ErrCodeChannelError for failed release", err)
	}

	// The manager is still latched closed after the failed release.
	if err := tm.QueueReadBlocks(0, 0); !errors.As(err, &cerr) || cerr.Code != ErrCodeChannelClosed {
		t.Errorf("QueueReadBlocks after failed release: %v, want ErrCodeChannelClosed", err)
	}

	// A batch failure takes precedence over the release failure.
	tm2, mock2 := newUltralightManager(t)
	mock2.ReleaseError = errors.New("reader gone")
	mock2.RejectOps[4] = true
	if err := tm2.QueueWriteBlocks(4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	err = tm2.ProcessCommands(CloseAfter)
	if !errors.As(err, &cerr) || cerr.Code != ErrCodeCardRejected {
		t.Fatalf("ProcessCommands error = %v, want ErrCodeCardRejected", err)
	}
}

func TestTransactionManager_OperationsExecuteInQueueOrder(t *testing.T) {
	tm, mock := newUltralightManager(t)
	copy(mock.Blocks[7], []byte{0x05, 0x06, 0x07, 0x08})

	// Read before write: the read must observe the pre-write value even
	// though a write to the same block follows in the queue.
	if err := tm.QueueReadBlocks(7, 7); err != nil {
		t.Fatal(err)
	}
	if err := tm.QueueWriteBlocks(7, []byte{0x99, 0x99, 0x99, 0x99}); err != nil {
		t.Fatal(err)
	}
	if err := tm.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("ProcessCommands: %v", err)
	}

	blk7, _ := tm.Memory().Block(7)
	if !bytes.Equal(blk7, []byte{0x99, 0x99, 0x99, 0x99}) {
		t.Errorf("block 7 = %X, want the written value", blk7)
	}
	if !bytes.Equal(mock.Blocks[7], []byte{0x99, 0x99, 0x99, 0x99}) {
		t.Errorf("card block 7 = %X, want the written value", mock.Blocks[7])
	}
}

func TestTransactionManager_MultiBlockReadBatchesExchanges(t *testing.T) {
	tm, mock := newUltralightManager(t)
	if err := tm.QueueReadBlocks(0, 15); err != nil {
		t.Fatal(err)
	}
	if err := tm.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("ProcessCommands: %v", err)
	}
	// 16 blocks of 4 bytes fit one READ BINARY exchange.
	if got := countTransmits(mock); got != 1 {
		t.Errorf("multi-block read used %d exchanges, want 1", got)
	}

	tm2, mock2 := newUltralightManager(t)
	tm2.DisableMultiBlockRead()
	if err := tm2.QueueReadBlocks(0, 15); err != nil {
		t.Fatal(err)
	}
	if err := tm2.ProcessCommands(KeepOpen); err != nil {
		t.Fatalf("ProcessCommands: %v", err)
	}
	if got := countTransmits(mock2); got != 16 {
		t.Errorf("single-block read used %d exchanges, want 16", got)
	}
}

func TestTransactionManager_SeededFromSelectionPrefetch(t *testing.T) {
	mock := NewMockUltralightChannel()
	copy(mock.Blocks[2], []byte{0x0A, 0x0B, 0x0C, 0x0D})

	table := DefaultDescriptorTable()
	sel, err := NewProtocolSelector(table, ProtocolMifareUltralight)
	if err != nil {
		t.Fatal(err)
	}
	sel.Prefetch = &BlockRange{First: 0, Last: 15}

	outcome, err := Select(mock, []SelectionCandidate{sel})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	tm, err := NewStorageCardTransactionManager(mock, outcome.Storage)
	if err != nil {
		t.Fatalf("NewStorageCardTransactionManager: %v", err)
	}
	blk2, _ := tm.Memory().Block(2)
	if !bytes.Equal(blk2, []byte{0x0A, 0x0B, 0x0C, 0x0D}) {
		t.Errorf("seeded block 2 = %X, want 0A0B0C0D", blk2)
	}
}

func TestNewTransactionManager_Validation(t *testing.T) {
	mock := NewMockUltralightChannel()

	if _, err := NewTransactionManager(mock, ProductProfile{BlockSize: 0, BlockCount: 16}, nil); err == nil {
		t.Error("expected error for invalid profile")
	}

	wrongImage := NewMemoryImage(ST25SRT512)
	if _, err := NewTransactionManager(mock, MifareUltralight, wrongImage); err == nil {
		t.Error("expected error for mismatched image geometry")
	}

	// Block numbers are single bytes on the wire: a profile with more blocks
	// than a byte can address would make reads of high blocks wrap around and
	// silently target the wrong block, so it must be rejected up front.
	if _, err := NewTransactionManager(mock, ProductProfile{BlockSize: 4, BlockCount: 300}, nil); err == nil {
		t.Error("expected error for profile beyond single-byte block addressing")
	}
}

func countTransmits(m *MockChannel) int {
	n := 0
	for _, call := range m.CallLog {
		if strings.HasPrefix(call, "Transmit ") {
			n++
		}
	}
	return n
}
