package card

import (
	"errors"
	"fmt"
)

// RecordRef identifies a record to prefetch during application selection.
type RecordRef struct {
	SFI    byte // short file identifier
	Record int  // record number, 1-based
}

// BlockRange is an inclusive block range to prefetch during protocol selection.
type BlockRange struct {
	First int
	Last  int
}

// SelectionCandidate is one entry of a selection scenario. Candidates are
// tried in declaration order; the first one whose protocol negotiation and
// (if applicable) application selection succeed wins and later candidates
// are never evaluated.
//
// There are exactly two implementations: ApplicationSelector for file-based
// cards and ProtocolSelector for storage cards.
type SelectionCandidate interface {
	// Protocol returns the logical protocol this candidate negotiates.
	Protocol() ProtocolTag

	// attempt runs the candidate's post-negotiation steps on the channel.
	// It returns a non-nil outcome on a match, (nil, nil) when the card
	// rejected the candidate (skip, try the next one), and a non-nil error
	// only on a transport failure, which aborts the whole scenario.
	attempt(ch Channel) (*SelectionOutcome, error)
}

// ApplicationSelector matches file-based cards by negotiating a protocol and
// then selecting an application by its AID.
type ApplicationSelector struct {
	Tag               ProtocolTag
	AID               []byte
	AcceptInvalidated bool       // accept a card whose application is invalidated (SW 6283)
	Prefetch          *RecordRef // optional record read executed during selection
}

// NewApplicationSelector builds an ApplicationSelector for a protocol
// registered in table with the FilterByApplication strategy.
func NewApplicationSelector(table *DescriptorTable, tag ProtocolTag, aid []byte) (*ApplicationSelector, error) {
	d, ok := table.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("protocol %s not registered", tag)
	}
	if d.Strategy != FilterByApplication {
		return nil, fmt.Errorf("protocol %s is not application-selectable", tag)
	}
	if len(aid) == 0 {
		return nil, errors.New("empty AID")
	}
	return &ApplicationSelector{Tag: tag, AID: aid}, nil
}

func (s *ApplicationSelector) Protocol() ProtocolTag {
	return s.Tag
}

func (s *ApplicationSelector) attempt(ch Channel) (*SelectionOutcome, error) {
	resp, err := exchange(ch, selectApplicationAPDU(s.AID))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() && !(s.AcceptInvalidated && resp.IsInvalidated()) {
		return nil, nil
	}

	uidResp, err := exchange(ch, getUIDAPDU())
	if err != nil {
		return nil, err
	}
	if !uidResp.IsSuccess() {
		return nil, nil
	}

	fb := &FileBasedCard{SerialNumber: uidResp.Data}
	if s.Prefetch != nil {
		recResp, err := exchange(ch, readRecordAPDU(s.Prefetch.SFI, s.Prefetch.Record))
		if err != nil {
			return nil, err
		}
		if !recResp.IsSuccess() {
			return nil, nil
		}
		fb.PrefetchedRecord = recResp.Data
	}
	return &SelectionOutcome{Kind: KindFileBasedCard, FileBased: fb}, nil
}

// ProtocolSelector matches storage cards by protocol negotiation alone, with
// no application-layer selection.
type ProtocolSelector struct {
	Tag      ProtocolTag
	Profile  ProductProfile
	Prefetch *BlockRange // optional block range read executed during selection
}

// NewProtocolSelector builds a ProtocolSelector for a storage protocol
// registered in table, taking the product profile from its descriptor.
func NewProtocolSelector(table *DescriptorTable, tag ProtocolTag) (*ProtocolSelector, error) {
	d, ok := table.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("protocol %s not registered", tag)
	}
	if d.Strategy != FilterByProtocol {
		return nil, fmt.Errorf("protocol %s is not a storage protocol", tag)
	}
	return &ProtocolSelector{Tag: tag, Profile: d.Profile}, nil
}

func (s *ProtocolSelector) Protocol() ProtocolTag {
	return s.Tag
}

func (s *ProtocolSelector) attempt(ch Channel) (*SelectionOutcome, error) {
	if err := s.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("candidate profile: %w", err)
	}

	image := NewMemoryImage(s.Profile)
	if s.Prefetch != nil {
		first, last := s.Prefetch.First, s.Prefetch.Last
		if first < 0 || last >= s.Profile.BlockCount || first > last {
			return nil, NewInvalidRangeError("Select", first, last, s.Profile.BlockCount)
		}
		data, rejected, err := readBlockRange(ch, s.Profile.BlockSize, first, last, true)
		if err != nil {
			return nil, err
		}
		if rejected {
			return nil, nil
		}
		image.setRange(first, last, data)
	}
	return &SelectionOutcome{
		Kind: KindStorageCard,
		Storage: &StorageCard{
			Profile:    s.Profile,
			Prefetched: image,
		},
	}, nil
}

// OutcomeKind discriminates the variants of a SelectionOutcome.
type OutcomeKind int

const (
	// KindNoMatch means no candidate matched; the scenario is exhausted.
	KindNoMatch OutcomeKind = iota
	// KindFileBasedCard means an ApplicationSelector matched.
	KindFileBasedCard
	// KindStorageCard means a ProtocolSelector matched.
	KindStorageCard
)

func (k OutcomeKind) String() string {
	switch k {
	case KindNoMatch:
		return "NoMatch"
	case KindFileBasedCard:
		return "FileBasedCard"
	case KindStorageCard:
		return "StorageCard"
	default:
		return "Unknown"
	}
}

// FileBasedCard is the typed result of a successful application selection.
type FileBasedCard struct {
	SerialNumber     []byte
	PrefetchedRecord []byte
}

// StorageCard is the typed result of a successful storage protocol
// selection. Prefetched is seeded with any blocks read during selection and
// becomes the initial image of a TransactionManager.
type StorageCard struct {
	Profile    ProductProfile
	Prefetched *MemoryImage
}

// SelectionOutcome is the tagged result of one selection run. Exactly one
// variant is active, indicated by Kind; Candidate records which scenario
// entry produced the match (-1 for NoMatch).
type SelectionOutcome struct {
	Kind      OutcomeKind
	Candidate int
	FileBased *FileBasedCard
	Storage   *StorageCard
}

// Select runs the selection scenario: it tries each candidate in order
// against the channel and returns the outcome of the first match.
//
// A candidate whose protocol negotiation fails, or whose application
// selection or prefetch is rejected by the card, is skipped silently and the
// next candidate is tried. A transport failure aborts the run immediately;
// the caller may retry the whole scenario once card presence is reconfirmed.
//
// Exhausting all candidates is a definitive outcome, not a fault: Select
// returns a NoMatch outcome and a nil error.
func Select(ch Channel, candidates []SelectionCandidate) (*SelectionOutcome, error) {
	if len(candidates) == 0 {
		return nil, &CardError{
			Code:      ErrCodeNoCandidates,
			Op:        "Select",
			Candidate: -1,
			Index:     -1,
			Message:   "selection scenario has no candidates",
		}
	}
	if !ch.IsCardPresent() {
		return nil, NewNoCardPresentError("Select")
	}

	for i, c := range candidates {
		if err := ch.NegotiateProtocol(c.Protocol()); err != nil {
			if errors.Is(err, ErrProtocolMismatch) {
				continue
			}
			return nil, NewChannelError("Select", i, -1, err)
		}

		outcome, err := c.attempt(ch)
		if err != nil {
			var cerr *CardError
			if errors.As(err, &cerr) {
				return nil, err
			}
			return nil, NewChannelError("Select", i, -1, err)
		}
		if outcome == nil {
			continue
		}
		outcome.Candidate = i
		return outcome, nil
	}

	return &SelectionOutcome{Kind: KindNoMatch, Candidate: -1}, nil
}
