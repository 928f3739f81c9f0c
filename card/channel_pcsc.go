package card

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/ebfe/scard"
)

// DefaultReaderPattern matches the contactless readers the agent knows to
// work, plus anything advertising itself as contactless.
const DefaultReaderPattern = `.*ASK LoGO.*|.*Contactless.*|.*ACR.*|.*PICC.*`

// PCSCChannel implements Channel on top of PC/SC via ebfe/scard.
type PCSCChannel struct {
	ctx        *scard.Context
	card       *scard.Card
	readerName string
	atr        []byte
	active     ProtocolTag
	mu         sync.Mutex
}

// Ensure PCSCChannel implements Channel
var _ Channel = (*PCSCChannel)(nil)

// OpenPCSCChannel establishes a PC/SC context, picks the first reader whose
// name matches pattern (DefaultReaderPattern when empty) and connects to the
// card in shared mode, letting the reader pick the protocol.
//
// The returned channel is exclusively owned by the caller; close it with
// ReleaseChannel(CloseAfter) followed by Close.
func OpenPCSCChannel(pattern string) (*PCSCChannel, error) {
	if pattern == "" {
		pattern = DefaultReaderPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid reader pattern: %w", err)
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}

	readerName := ""
	for _, r := range readers {
		// Skip SAM slots, they never see the contactless interface
		if strings.Contains(strings.ToUpper(r), "SAM") {
			continue
		}
		if re.MatchString(r) {
			readerName = r
			break
		}
	}
	if readerName == "" {
		ctx.Release()
		return nil, fmt.Errorf("no reader matching %q among %v", pattern, readers)
	}
	log.Printf("Using PC/SC reader: %s", readerName)

	return &PCSCChannel{ctx: ctx, readerName: readerName}, nil
}

// Reader returns the name of the PC/SC reader backing the channel.
func (c *PCSCChannel) Reader() string {
	return c.readerName
}

// IsCardPresent checks the reader state without waiting.
func (c *PCSCChannel) IsCardPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := []scard.ReaderState{
		{Reader: c.readerName, CurrentState: scard.StateUnaware},
	}
	// Timeout 0 returns the current state immediately; a timeout error is
	// expected and still fills in the state.
	if err := c.ctx.GetStatusChange(states, 0); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "timeout") {
			return false
		}
	}
	present := states[0].EventState&scard.StatePresent != 0
	if !present {
		// The card left the field; drop the handle so the next card gets a
		// fresh connection and ATR instead of being classified by this one's.
		c.dropHandle()
	}
	return present
}

// dropHandle discards the cached card connection and ATR. Callers hold the
// mutex.
func (c *PCSCChannel) dropHandle() {
	if c.card != nil {
		c.card.Disconnect(scard.LeaveCard)
		c.card = nil
	}
	c.atr = nil
	c.active = ""
}

// connect attaches to the card and captures its ATR. A cached handle is kept
// only while it still answers a status query; a dead handle (card removed or
// reset since the last exchange) is dropped and the connection redone so the
// ATR always describes the card currently in the field. Callers hold the
// mutex.
func (c *PCSCChannel) connect() error {
	if c.card != nil {
		status, err := c.card.Status()
		if err == nil {
			c.atr = status.Atr
			return nil
		}
		c.dropHandle()
	}
	card, err := c.ctx.Connect(c.readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.readerName, err)
	}
	status, err := card.Status()
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		return fmt.Errorf("failed to get card status: %w", err)
	}
	c.card = card
	c.atr = status.Atr
	return nil
}

// NegotiateProtocol connects to the card if needed and matches the requested
// logical protocol against the protocol identified from the ATR.
func (c *PCSCChannel) NegotiateProtocol(tag ProtocolTag) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(); err != nil {
		return err
	}
	detected := protocolFromATR(c.atr)
	if detected != tag {
		return ErrProtocolMismatch
	}
	c.active = tag
	return nil
}

// Transmit sends a raw command APDU over the active connection.
func (c *PCSCChannel) Transmit(command []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.card == nil {
		return nil, fmt.Errorf("no card connection")
	}
	resp, err := c.card.Transmit(command)
	if err != nil {
		return nil, fmt.Errorf("PCSCChannel.Transmit: %w", err)
	}
	return resp, nil
}

// ReleaseChannel disconnects from the card on CloseAfter; KeepOpen leaves
// the connection up for further batches.
func (c *PCSCChannel) ReleaseChannel(d ChannelDisposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d == KeepOpen || c.card == nil {
		return nil
	}
	err := c.card.Disconnect(scard.ResetCard)
	c.card = nil
	c.active = ""
	c.atr = nil
	return err
}

// Close releases the PC/SC context. The channel is unusable afterwards.
func (c *PCSCChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropHandle()
	if c.ctx != nil {
		err := c.ctx.Release()
		c.ctx = nil
		return err
	}
	return nil
}

// PC/SC part 3 card name bytes found in the ATR of contactless storage
// cards, mapped to logical protocols.
var atrCardNames = map[byte]ProtocolTag{
	0x03: ProtocolMifareUltralight,
	0x07: ProtocolST25SRT512, // SR/SRT family short-range tags
}

// protocolFromATR identifies the logical protocol of the card from its ATR.
//
// Contactless storage cards answer with the PC/SC 2.01 part 3 ATR carrying
// the registry RID A0 00 00 03 06 in the historical bytes, followed by a
// standard byte and the card name; anything else negotiating T=1 is treated
// as an ISO 14443-4 card.
func protocolFromATR(atr []byte) ProtocolTag {
	histStart := findHistoricalBytesStart(atr)
	if histStart >= 0 && histStart < len(atr) {
		hist := atr[histStart:]
		// 80 4F 0C A0 00 00 03 06 SS C0 C1 ...: card name is C0 C1, with
		// the discriminating byte at offset +10 from the 0x80 tag.
		for i := 0; i+11 < len(hist); i++ {
			if hist[i] == 0x80 && hist[i+1] == 0x4F &&
				hist[i+3] == 0xA0 && hist[i+4] == 0x00 &&
				hist[i+5] == 0x00 && hist[i+6] == 0x03 && hist[i+7] == 0x06 {
				if tag, ok := atrCardNames[hist[i+10]]; ok {
					return tag
				}
			}
		}
	}

	if containsISO14443_4Indicator(atr) {
		return ProtocolISO14443_4
	}
	return ""
}

// findHistoricalBytesStart finds the start of historical bytes in ATR
func findHistoricalBytesStart(atr []byte) int {
	if len(atr) < 2 {
		return -1
	}

	ts := atr[0]
	if ts != 0x3B && ts != 0x3F {
		return -1
	}

	t0 := atr[1]
	if t0&0x0F == 0 {
		return -1
	}

	// Walk interface bytes: each TDi's high nibble announces the next group.
	pos := 2
	td := t0
	for {
		if td&0x10 != 0 {
			pos++
		}
		if td&0x20 != 0 {
			pos++
		}
		if td&0x40 != 0 {
			pos++
		}
		if td&0x80 == 0 {
			break
		}
		if pos >= len(atr) {
			return -1
		}
		td = atr[pos]
		pos++
	}
	if pos >= len(atr) {
		return -1
	}
	return pos
}

// containsISO14443_4Indicator checks for ISO14443-4 indicators in ATR
func containsISO14443_4Indicator(atr []byte) bool {
	if len(atr) < 3 {
		return false
	}

	t0 := atr[1]
	pos := 2

	// Skip TA1, TB1, TC1
	if t0&0x10 != 0 {
		pos++
	}
	if t0&0x20 != 0 {
		pos++
	}
	if t0&0x40 != 0 {
		pos++
	}

	// TD1 lower nibble is the protocol type; T=1 maps to ISO14443-4 (T=CL)
	if t0&0x80 != 0 && pos < len(atr) {
		return atr[pos]&0x0F == 0x01
	}
	return false
}
