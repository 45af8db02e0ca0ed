package metadata

// AllocationRequestType records which placement path produced an AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestTLSF is a placement chosen by TLSFBlockMetadata
	AllocationRequestTLSF AllocationRequestType = iota
	// AllocationRequestUpperAddress pushes onto the top stack of a LinearBlockMetadata
	AllocationRequestUpperAddress
	// AllocationRequestEndOf1st appends to the first suballocation vector of a LinearBlockMetadata
	AllocationRequestEndOf1st
	// AllocationRequestEndOf2nd appends to the second suballocation vector of a LinearBlockMetadata,
	// which is either the wrapped part of a ring buffer or the bottom of a double stack
	AllocationRequestEndOf2nd
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestTLSF:         "TLSF",
	AllocationRequestUpperAddress: "UpperAddress",
	AllocationRequestEndOf1st:     "EndOf1st",
	AllocationRequestEndOf2nd:     "EndOf2nd",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest describes where CreateAllocationRequest found room. Nothing is reserved until
// the request is passed to BlockMetadata.Alloc.
type AllocationRequest struct {
	BlockAllocationHandle BlockAllocationHandle
	// Size may be larger than the size that was requested
	Size int
	Item Suballocation
	Type AllocationRequestType

	// AlgorithmData is private to the metadata implementation that produced the request
	AlgorithmData uint64
}
