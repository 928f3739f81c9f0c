package card

// IncrementBlock returns a new byte sequence of the same length where each
// byte is incremented by one with unsigned wrapping (0xFF becomes 0x00).
// The input is never modified.
func IncrementBlock(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b + 1
	}
	return out
}
