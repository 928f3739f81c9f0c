package card

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of card error for programmatic handling.
type ErrorCode int

const (
	// Selection errors (100-199)
	ErrCodeNoCardPresent ErrorCode = iota + 100
	ErrCodeNoCandidates
	ErrCodeChannelError
	// Transaction errors (continue the block)
	ErrCodeCardRejected
	ErrCodeChannelClosed
	ErrCodeInvalidRange
	ErrCodeInvalidData
)

// ErrProtocolMismatch is returned by Channel.NegotiateProtocol when the card
// on the channel does not speak the requested protocol. During selection it
// is expected control flow, not a fault: the candidate is skipped and the
// next one is tried.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// CardError provides structured error information for programmatic handling.
type CardError struct {
	Code      ErrorCode
	Op        string // Operation that failed (e.g., "Select", "ProcessCommands")
	Candidate int    // Index of the selection candidate involved, -1 if n/a
	Index     int    // Index of the queued operation or block involved, -1 if n/a
	Message   string // Human-readable message
	Cause     error  // Underlying error
}

func (e *CardError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *CardError) Unwrap() error {
	return e.Cause
}

func (e *CardError) Is(target error) bool {
	if t, ok := target.(*CardError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewNoCardPresentError creates an error for selection attempted without a card.
func NewNoCardPresentError(op string) *CardError {
	return &CardError{
		Code:      ErrCodeNoCardPresent,
		Op:        op,
		Candidate: -1,
		Index:     -1,
		Message:   "no card present on channel",
	}
}

// NewChannelError creates an error for a transport-level failure. Candidate
// and index are optional context; pass -1 when not applicable.
func NewChannelError(op string, candidate, index int, cause error) *CardError {
	return &CardError{
		Code:      ErrCodeChannelError,
		Op:        op,
		Candidate: candidate,
		Index:     index,
		Message:   "channel transport failure",
		Cause:     cause,
	}
}

// NewCardRejectedError creates an error for a card-reported status failure
// on the queued operation at index.
func NewCardRejectedError(op string, index int, cause error) *CardError {
	return &CardError{
		Code:      ErrCodeCardRejected,
		Op:        op,
		Candidate: -1,
		Index:     index,
		Message:   fmt.Sprintf("card rejected queued operation %d", index),
		Cause:     cause,
	}
}

// NewChannelClosedError creates an error for use of a manager after CloseAfter.
func NewChannelClosedError(op string) *CardError {
	return &CardError{
		Code:      ErrCodeChannelClosed,
		Op:        op,
		Candidate: -1,
		Index:     -1,
		Message:   "channel released, a new selection is required",
	}
}

// NewInvalidRangeError creates an error for an out-of-range block reference.
func NewInvalidRangeError(op string, first, last, blockCount int) *CardError {
	return &CardError{
		Code:      ErrCodeInvalidRange,
		Op:        op,
		Candidate: -1,
		Index:     first,
		Message:   fmt.Sprintf("block range %d..%d outside 0..%d", first, last, blockCount-1),
	}
}

// NewInvalidDataError creates an error for a write payload of the wrong length.
func NewInvalidDataError(op string, got, want int) *CardError {
	return &CardError{
		Code:      ErrCodeInvalidData,
		Op:        op,
		Candidate: -1,
		Index:     -1,
		Message:   fmt.Sprintf("payload length %d, block size is %d", got, want),
	}
}
