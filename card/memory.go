package card

import "fmt"

// MemoryImage is the logical byte-addressable view of a storage card's
// blocks. It holds exactly profile.BlockCount blocks of profile.BlockSize
// bytes each and is mutated only by successful transaction operations.
// All accessors copy, so callers can never alias the internal buffers.
type MemoryImage struct {
	blockSize int
	blocks    [][]byte
}

// NewMemoryImage creates an all-zero image with the profile's geometry.
func NewMemoryImage(profile ProductProfile) *MemoryImage {
	blocks := make([][]byte, profile.BlockCount)
	for i := range blocks {
		blocks[i] = make([]byte, profile.BlockSize)
	}
	return &MemoryImage{blockSize: profile.BlockSize, blocks: blocks}
}

// BlockSize returns the size of one block in bytes.
func (m *MemoryImage) BlockSize() int {
	return m.blockSize
}

// BlockCount returns the number of blocks in the image.
func (m *MemoryImage) BlockCount() int {
	return len(m.blocks)
}

// Block returns a copy of the block at index i.
func (m *MemoryImage) Block(i int) ([]byte, error) {
	if i < 0 || i >= len(m.blocks) {
		return nil, fmt.Errorf("block %d outside 0..%d", i, len(m.blocks)-1)
	}
	out := make([]byte, m.blockSize)
	copy(out, m.blocks[i])
	return out, nil
}

// Blocks returns a copy of blocks first..last (inclusive) flattened into a
// single byte sequence.
func (m *MemoryImage) Blocks(first, last int) ([]byte, error) {
	if first < 0 || last >= len(m.blocks) || first > last {
		return nil, fmt.Errorf("block range %d..%d outside 0..%d", first, last, len(m.blocks)-1)
	}
	out := make([]byte, 0, (last-first+1)*m.blockSize)
	for i := first; i <= last; i++ {
		out = append(out, m.blocks[i]...)
	}
	return out, nil
}

// setBlock overwrites block i with data. Callers validate bounds and length.
func (m *MemoryImage) setBlock(i int, data []byte) {
	copy(m.blocks[i], data)
}

// setRange overwrites blocks first..last from the flat byte sequence data,
// which must hold exactly (last-first+1) blocks.
func (m *MemoryImage) setRange(first, last int, data []byte) {
	for i := first; i <= last; i++ {
		m.setBlock(i, data[(i-first)*m.blockSize:(i-first+1)*m.blockSize])
	}
}
