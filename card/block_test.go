package card

import (
	"bytes"
	"testing"
)

func TestIncrementBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{
			name:     "simple increment",
			input:    []byte{0x00, 0x01, 0x02, 0x03},
			expected: []byte{0x01, 0x02, 0x03, 0x04},
		},
		{
			name:     "sign boundary wraps",
			input:    []byte{0x7F},
			expected: []byte{0x80},
		},
		{
			name:     "unsigned overflow wraps",
			input:    []byte{0xFF},
			expected: []byte{0x00},
		},
		{
			name:     "mixed values",
			input:    []byte{0xFF, 0x7F, 0x00, 0xFE},
			expected: []byte{0x00, 0x80, 0x01, 0xFF},
		},
		{
			name:     "empty input",
			input:    []byte{},
			expected: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IncrementBlock(tt.input)
			if !bytes.Equal(got, tt.expected) {
				t.Errorf("IncrementBlock(%X) = %X, want %X", tt.input, got, tt.expected)
			}
		})
	}
}

func TestIncrementBlock_DoesNotModifyInput(t *testing.T) {
	input := []byte{0x10, 0x20, 0x30, 0x40}
	original := append([]byte{}, input...)

	IncrementBlock(input)

	if !bytes.Equal(input, original) {
		t.Errorf("input modified: got %X, want %X", input, original)
	}
}

func TestIncrementBlock_256ApplicationsAreIdentity(t *testing.T) {
	original := []byte{0x00, 0x7F, 0x80, 0xFF, 0x42}
	data := append([]byte{}, original...)

	for i := 0; i < 256; i++ {
		data = IncrementBlock(data)
	}

	if !bytes.Equal(data, original) {
		t.Errorf("after 256 increments got %X, want %X", data, original)
	}
}
