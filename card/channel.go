package card

// ChannelDisposition governs whether the physical channel stays active after
// a batch of commands. It is consumed once per ProcessCommands call and not
// persisted.
type ChannelDisposition int

const (
	// KeepOpen leaves the channel active for further operations.
	KeepOpen ChannelDisposition = iota
	// CloseAfter releases the channel once the current batch completes.
	CloseAfter
)

func (d ChannelDisposition) String() string {
	switch d {
	case KeepOpen:
		return "KeepOpen"
	case CloseAfter:
		return "CloseAfter"
	default:
		return "Unknown"
	}
}

// Channel abstracts a half-duplex request/response exchange with a single
// card over one logical protocol at a time. The caller owns the channel and
// the underlying reader lifecycle; the selection engine and transaction
// manager only drive exchanges over it.
//
// A Channel is an exclusively-owned resource for the duration of a Select or
// ProcessCommands call. Concurrent use from multiple goroutines must be
// serialized by the caller. Blocking exchanges carry no built-in timeout;
// implementations that need bounded latency must enforce it themselves and
// surface expiry as a transport error.
type Channel interface {
	// IsCardPresent reports whether a card is in field.
	IsCardPresent() bool

	// NegotiateProtocol restricts the channel to the given logical protocol.
	// It returns ErrProtocolMismatch when the present card does not speak
	// that protocol, or a transport error when the exchange itself fails.
	NegotiateProtocol(tag ProtocolTag) error

	// Transmit sends a raw command APDU and returns the raw response,
	// including the trailing status word. An error indicates a transport
	// failure, never a card-reported status.
	Transmit(command []byte) ([]byte, error)

	// ReleaseChannel releases the logical channel according to disposition.
	ReleaseChannel(d ChannelDisposition) error
}
