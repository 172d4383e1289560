package stream

import "sync/atomic"

const (
	ownerShift = 56
	counterMax = 1<<ownerShift - 1

	// MaxOwners is the number of distinct worker tags an identifier can carry.
	MaxOwners = 1 << (64 - ownerShift)
)

// Sequence is an IDSupplier whose identifiers carry the tag of the worker that
// allocated them in the top byte, so any identifier can be routed back to its
// owner without a shared lookup. Safe for concurrent use.
type Sequence struct {
	owner        uint64
	streamIDs    atomic.Uint64
	correlations atomic.Uint64
}

var _ IDSupplier = (*Sequence)(nil)

// NewSequence creates a supplier tagged with owner. Owner must be below MaxOwners.
func NewSequence(owner int) *Sequence {
	if owner < 0 || owner >= MaxOwners {
		panic("stream: sequence owner out of range")
	}
	return &Sequence{owner: uint64(owner) << ownerShift}
}

func (s *Sequence) NextStreamID() uint64 {
	return s.owner | (s.streamIDs.Add(1) & counterMax)
}

func (s *Sequence) NextCorrelationID() uint64 {
	return s.owner | (s.correlations.Add(1) & counterMax)
}

// OwnerOf returns the worker tag embedded in an identifier.
func OwnerOf(id uint64) int {
	return int(id >> ownerShift)
}
