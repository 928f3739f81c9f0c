package card

import "testing"

func TestProtocolFromATR(t *testing.T) {
	tests := []struct {
		name string
		atr  []byte
		want ProtocolTag
	}{
		{
			name: "mifare ultralight",
			atr: []byte{
				0x3B, 0x8F, 0x80, 0x01,
				0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06,
				0x03, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x68,
			},
			want: ProtocolMifareUltralight,
		},
		{
			name: "st25 srt512",
			atr: []byte{
				0x3B, 0x8F, 0x80, 0x01,
				0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06,
				0x07, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00, 0x6C,
			},
			want: ProtocolST25SRT512,
		},
		{
			name: "iso 14443-4 via t=1",
			atr:  []byte{0x3B, 0x81, 0x81, 0x01, 0x2A},
			want: ProtocolISO14443_4,
		},
		{
			name: "unknown storage card name",
			atr: []byte{
				0x3B, 0x8F, 0x80, 0x01,
				0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06,
				0x03, 0x00, 0x26, 0x00, 0x00, 0x00, 0x00, 0x4D,
			},
			want: "",
		},
		{
			name: "truncated atr",
			atr:  []byte{0x3B},
			want: "",
		},
		{
			name: "not an atr",
			atr:  []byte{0x00, 0x01, 0x02, 0x03},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := protocolFromATR(tt.atr); got != tt.want {
				t.Errorf("protocolFromATR() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindHistoricalBytesStart(t *testing.T) {
	// 3B 8F 80 01 ...: TD1=80 chains to TD2=01, historical bytes start at 4.
	atr := []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F}
	if got := findHistoricalBytesStart(atr); got != 4 {
		t.Errorf("findHistoricalBytesStart() = %d, want 4", got)
	}

	if got := findHistoricalBytesStart([]byte{0x3B, 0x00}); got != -1 {
		t.Errorf("no historical bytes: got %d, want -1", got)
	}
	if got := findHistoricalBytesStart([]byte{0xFF, 0x8F}); got != -1 {
		t.Errorf("bad TS byte: got %d, want -1", got)
	}
}
