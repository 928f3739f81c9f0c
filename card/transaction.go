package card

import "fmt"

type opKind int

const (
	opRead opKind = iota
	opWrite
)

// queuedOp is one pending storage operation. Reads cover an inclusive block
// range; writes cover exactly one block.
type queuedOp struct {
	kind  opKind
	first int
	last  int
	data  []byte // write payload, owned by the queue
}

// TransactionManager batches block reads and writes against a selected
// storage card. Operations are queued and executed in order by
// ProcessCommands; nothing touches the channel until then.
//
// The manager owns its MemoryImage: read results overwrite the corresponding
// blocks and writes are reflected write-through, with no read-back
// verification. A manager whose channel was released with CloseAfter rejects
// all further operations; a fresh selection is required.
type TransactionManager struct {
	ch        Channel
	profile   ProductProfile
	image     *MemoryImage
	queue     []queuedOp
	closed    bool
	multiRead bool
}

// NewTransactionManager creates a manager for a storage card matched on ch.
// initial seeds the memory image, typically with blocks prefetched during
// selection; pass nil to start from an all-zero image.
func NewTransactionManager(ch Channel, profile ProductProfile, initial *MemoryImage) (*TransactionManager, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("NewTransactionManager: %w", err)
	}
	image := initial
	if image == nil {
		image = NewMemoryImage(profile)
	}
	if image.BlockCount() != profile.BlockCount || image.BlockSize() != profile.BlockSize {
		return nil, fmt.Errorf("NewTransactionManager: image geometry %dx%d does not match profile %dx%d",
			image.BlockCount(), image.BlockSize(), profile.BlockCount, profile.BlockSize)
	}
	return &TransactionManager{
		ch:        ch,
		profile:   profile,
		image:     image,
		multiRead: true,
	}, nil
}

// NewStorageCardTransactionManager creates a manager from a StorageCard
// selection outcome, seeded with the blocks prefetched during selection.
func NewStorageCardTransactionManager(ch Channel, sc *StorageCard) (*TransactionManager, error) {
	return NewTransactionManager(ch, sc.Profile, sc.Prefetched)
}

// DisableMultiBlockRead forces one exchange per block for read operations.
// Some cards do not support multi-block READ BINARY.
func (t *TransactionManager) DisableMultiBlockRead() {
	t.multiRead = false
}

// Profile returns the product profile the manager was built for.
func (t *TransactionManager) Profile() ProductProfile {
	return t.profile
}

// Memory returns the manager's memory image. The image is mutated only by
// ProcessCommands; after a transport failure it must be treated as stale
// and re-read before being trusted.
func (t *TransactionManager) Memory() *MemoryImage {
	return t.image
}

// QueueReadBlocks queues a read of blocks first..last (inclusive).
func (t *TransactionManager) QueueReadBlocks(first, last int) error {
	if t.closed {
		return NewChannelClosedError("QueueReadBlocks")
	}
	if first < 0 || last >= t.profile.BlockCount || first > last {
		return NewInvalidRangeError("QueueReadBlocks", first, last, t.profile.BlockCount)
	}
	t.queue = append(t.queue, queuedOp{kind: opRead, first: first, last: last})
	return nil
}

// QueueWriteBlocks queues a write of exactly one block. Multi-block writes
// are composed as multiple calls, keeping every write block-aligned.
func (t *TransactionManager) QueueWriteBlocks(index int, data []byte) error {
	if t.closed {
		return NewChannelClosedError("QueueWriteBlocks")
	}
	if index < 0 || index >= t.profile.BlockCount {
		return NewInvalidRangeError("QueueWriteBlocks", index, index, t.profile.BlockCount)
	}
	if len(data) != t.profile.BlockSize {
		return NewInvalidDataError("QueueWriteBlocks", len(data), t.profile.BlockSize)
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	t.queue = append(t.queue, queuedOp{kind: opWrite, first: index, last: index, data: payload})
	return nil
}

// ProcessCommands executes all queued operations in queue order as one or
// more exchanges over the channel. Contiguous blocks of a queued read are
// coalesced into a single exchange when multi-block read mode is enabled;
// operations are never reordered.
//
// A card-reported status error aborts the remaining operations and is
// returned as a CardRejected error carrying the queue index; the image is
// left unmodified for every operation after the failure point. A transport
// failure is returned as a ChannelError and leaves the image in whatever
// state the last applied operation produced.
//
// The queue is cleared win or lose. With CloseAfter the channel is released
// after this call and the manager is latched closed; a release failure on an
// otherwise successful batch is reported as a ChannelError.
func (t *TransactionManager) ProcessCommands(disposition ChannelDisposition) (err error) {
	const op = "ProcessCommands"

	if t.closed {
		return NewChannelClosedError(op)
	}

	defer func() {
		t.queue = nil
		if disposition == CloseAfter {
			relErr := t.ch.ReleaseChannel(CloseAfter)
			t.closed = true
			if relErr != nil && err == nil {
				err = NewChannelError(op, -1, -1, relErr)
			}
		}
	}()

	for i, q := range t.queue {
		switch q.kind {
		case opRead:
			data, rejected, err := readBlockRange(t.ch, t.profile.BlockSize, q.first, q.last, t.multiRead)
			if err != nil {
				return NewChannelError(op, -1, i, err)
			}
			if rejected {
				return NewCardRejectedError(op, i, fmt.Errorf("read blocks %d..%d", q.first, q.last))
			}
			t.image.setRange(q.first, q.last, data)

		case opWrite:
			rejected, err := writeBlock(t.ch, q.first, q.data)
			if err != nil {
				return NewChannelError(op, -1, i, err)
			}
			if rejected {
				return NewCardRejectedError(op, i, fmt.Errorf("write block %d", q.first))
			}
			t.image.setBlock(q.first, q.data)
		}
	}
	return nil
}
