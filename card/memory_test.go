package card

import (
	"bytes"
	"testing"
)

func TestMemoryImage_Geometry(t *testing.T) {
	m := NewMemoryImage(MifareUltralight)

	if m.BlockCount() != 16 {
		t.Errorf("BlockCount() = %d, want 16", m.BlockCount())
	}
	if m.BlockSize() != 4 {
		t.Errorf("BlockSize() = %d, want 4", m.BlockSize())
	}

	blk, err := m.Block(0)
	if err != nil {
		t.Fatalf("Block(0): %v", err)
	}
	if !bytes.Equal(blk, make([]byte, 4)) {
		t.Errorf("fresh block = %X, want zeros", blk)
	}
}

func TestMemoryImage_BlockBounds(t *testing.T) {
	m := NewMemoryImage(MifareUltralight)

	if _, err := m.Block(-1); err == nil {
		t.Error("expected error for negative index")
	}
	if _, err := m.Block(16); err == nil {
		t.Error("expected error for index past end")
	}
	if _, err := m.Blocks(4, 3); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := m.Blocks(0, 16); err == nil {
		t.Error("expected error for range past end")
	}
}

func TestMemoryImage_AccessorsCopy(t *testing.T) {
	m := NewMemoryImage(MifareUltralight)
	m.setBlock(3, []byte{0x01, 0x02, 0x03, 0x04})

	blk, _ := m.Block(3)
	blk[0] = 0xFF

	again, _ := m.Block(3)
	if again[0] != 0x01 {
		t.Errorf("mutating a returned block leaked into the image: %X", again)
	}
}

func TestMemoryImage_BlocksFlattensRange(t *testing.T) {
	m := NewMemoryImage(MifareUltralight)
	m.setRange(2, 3, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	got, err := m.Blocks(2, 3)
	if err != nil {
		t.Fatalf("Blocks(2,3): %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Blocks(2,3) = %X, want 0102030405060708", got)
	}
}
