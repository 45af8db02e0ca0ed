package defrag

// Algorithm identifies which defragmentation algorithm will be used for defrag passes
type Algorithm uint32

const (
	// AlgorithmFast only moves allocations out of the last blocks and into the free space of
	// earlier blocks. It never compacts memory within a block, but requires the fewest passes.
	AlgorithmFast Algorithm = iota + 1
	// AlgorithmBalanced moves allocations between blocks like AlgorithmFast, and additionally
	// compacts allocations within a block when the gaps around them are large compared to the
	// average free region.
	//
	// This is the default algorithm if none is specified.
	AlgorithmBalanced
	// AlgorithmFull moves every allocation it can to the lowest available offset, either in an
	// earlier block or lower in its own block. It produces the most compact result but moves the
	// most memory.
	AlgorithmFull
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmFast:     "AlgorithmFast",
	AlgorithmBalanced: "AlgorithmBalanced",
	AlgorithmFull:     "AlgorithmFull",
}

// Valid reports whether a names one of the defragmentation algorithms
func (a Algorithm) Valid() bool {
	_, ok := algorithmMapping[a]
	return ok
}

func (a Algorithm) String() string {
	str, ok := algorithmMapping[a]
	if !ok {
		return "AlgorithmUnknown"
	}
	return str
}

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// BytesFreed is the number of bytes that have been freed: bear in mind that relocating an allocation doesn't necessarily
	// free its memory- only if the defragmentation run completely frees up a block of memory and the
	// BlockList chooses to free it will this value increase
	BytesFreed int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// HeapsFreed is the number of memory blocks that the BlockList has chosen to free as a consequence
	// of relocating allocations out of the block
	HeapsFreed int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.BytesFreed += stats.BytesFreed
	s.AllocationsMoved += stats.AllocationsMoved
	s.HeapsFreed += stats.HeapsFreed
}

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}
