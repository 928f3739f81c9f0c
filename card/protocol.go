// Package card implements multi-protocol contactless card selection and
// block-oriented storage card transactions.
//
// The package is built around a Channel collaborator that exchanges raw
// command APDUs with a single card. Select tries an ordered list of
// candidate technologies against the channel and returns a typed outcome;
// for storage cards a TransactionManager then batches block reads and
// writes against the card memory.
package card

import "fmt"

// ProtocolTag identifies a logical contactless protocol active on a channel,
// decoupled from vendor-specific physical naming. Tags are opaque values
// compared by equality.
type ProtocolTag string

// Logical protocols known out of the box. The mapping from physical reader
// protocol names to these tags is the channel implementation's concern.
const (
	ProtocolISO14443_4       ProtocolTag = "ISO_14443_4"
	ProtocolMifareUltralight ProtocolTag = "MIFARE_ULTRALIGHT"
	ProtocolST25SRT512       ProtocolTag = "ST25_SRT512"
)

// ProductProfile describes the memory geometry of a storage card product.
type ProductProfile struct {
	BlockSize  int // bytes per block
	BlockCount int // number of addressable blocks
}

// Built-in storage card products.
var (
	// MifareUltralight is the NXP MIFARE Ultralight profile: 16 blocks of 4 bytes.
	MifareUltralight = ProductProfile{BlockSize: 4, BlockCount: 16}

	// ST25SRT512 is the STMicroelectronics SRT512 profile: 128 blocks of 4 bytes.
	ST25SRT512 = ProductProfile{BlockSize: 4, BlockCount: 128}
)

// Block numbers and transfer lengths travel in single-byte APDU fields, which
// bounds the geometry a profile can describe.
const (
	maxBlockCount = 256
	maxBlockSize  = 255
)

// MemorySize returns the total addressable memory of the product in bytes.
func (p ProductProfile) MemorySize() int {
	return p.BlockSize * p.BlockCount
}

// Validate checks the profile invariants.
func (p ProductProfile) Validate() error {
	if p.BlockSize < 1 || p.BlockSize > maxBlockSize {
		return fmt.Errorf("invalid block size %d, must be 1..%d", p.BlockSize, maxBlockSize)
	}
	if p.BlockCount < 1 || p.BlockCount > maxBlockCount {
		return fmt.Errorf("invalid block count %d, must be 1..%d", p.BlockCount, maxBlockCount)
	}
	return nil
}

// SelectionStrategy distinguishes how a protocol's cards are selected.
type SelectionStrategy int

const (
	// FilterByApplication selects by protocol negotiation followed by an
	// application-layer SELECT of an AID (file-based cards).
	FilterByApplication SelectionStrategy = iota
	// FilterByProtocol selects by protocol negotiation alone (storage cards).
	FilterByProtocol
)

// Descriptor binds a protocol tag to its selection strategy and, for
// storage products, to the memory profile of the card family.
type Descriptor struct {
	Tag      ProtocolTag
	Strategy SelectionStrategy
	Profile  ProductProfile // meaningful only when Strategy == FilterByProtocol
}

// DescriptorTable maps protocol tags to descriptors. Callers build one and
// pass it to the components that need it; there is no package-level table.
type DescriptorTable struct {
	entries map[ProtocolTag]Descriptor
}

// NewDescriptorTable creates an empty table.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{entries: make(map[ProtocolTag]Descriptor)}
}

// Register adds or replaces the descriptor for its tag. Storage descriptors
// must carry a valid profile.
func (t *DescriptorTable) Register(d Descriptor) error {
	if d.Tag == "" {
		return fmt.Errorf("descriptor has empty protocol tag")
	}
	if d.Strategy == FilterByProtocol {
		if err := d.Profile.Validate(); err != nil {
			return fmt.Errorf("descriptor %s: %w", d.Tag, err)
		}
	}
	t.entries[d.Tag] = d
	return nil
}

// Lookup returns the descriptor for tag, if registered.
func (t *DescriptorTable) Lookup(tag ProtocolTag) (Descriptor, bool) {
	d, ok := t.entries[tag]
	return d, ok
}

// Len returns the number of registered descriptors.
func (t *DescriptorTable) Len() int {
	return len(t.entries)
}

// DefaultDescriptorTable returns a table covering the built-in protocols:
// ISO 14443-4 file-based cards plus the MIFARE Ultralight and ST25/SRT512
// storage families.
func DefaultDescriptorTable() *DescriptorTable {
	t := NewDescriptorTable()
	t.Register(Descriptor{Tag: ProtocolISO14443_4, Strategy: FilterByApplication})
	t.Register(Descriptor{Tag: ProtocolMifareUltralight, Strategy: FilterByProtocol, Profile: MifareUltralight})
	t.Register(Descriptor{Tag: ProtocolST25SRT512, Strategy: FilterByProtocol, Profile: ST25SRT512})
	return t
}
