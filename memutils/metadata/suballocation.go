package metadata

import "math"

// BlockAllocationHandle identifies a region of memory inside a single BlockMetadata. Handles are
// only meaningful to the metadata that produced them. 0 is never a valid handle.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation is a single region tracked by LinearBlockMetadata
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Free     bool
}
