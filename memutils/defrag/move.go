package defrag

import (
	"math"

	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

// MoveOperation tells EndPass what to do with a relocation collected by BeginPass
type MoveOperation uint32

const (
	// MoveOperationCopy is the default: the caller copied the data and the source allocation now
	// lives at the destination
	MoveOperationCopy MoveOperation = iota
	// MoveOperationIgnore abandons the relocation. The source block will not be moved out of again
	// for the rest of the run.
	MoveOperationIgnore
	// MoveOperationDestroy frees the source allocation without relocating it
	MoveOperationDestroy
)

var moveOperationMapping = map[MoveOperation]string{
	MoveOperationCopy:    "MoveOperationCopy",
	MoveOperationIgnore:  "MoveOperationIgnore",
	MoveOperationDestroy: "MoveOperationDestroy",
}

func (o MoveOperation) String() string {
	return moveOperationMapping[o]
}

// DefragmentOperationHandler is called once per move while a pass is being completed. It should
// apply the move's operation to the allocations involved and free DstTmpAllocation.
type DefragmentOperationHandler[T any] func(move DefragmentationMove[T]) error

// DefragmentationMove is a single relocation: SrcAllocation currently lives in SrcBlockMetadata,
// and DstTmpAllocation has reserved the space it should be copied to in DstBlockMetadata.
type DefragmentationMove[T any] struct {
	MoveOperation    MoveOperation
	Size             int
	SrcBlockMetadata metadata.BlockMetadata
	SrcAllocation    *T
	DstBlockMetadata metadata.BlockMetadata
	DstTmpAllocation *T
}

// MoveAllocationData is what a BlockList reports about an allocation the defragmenter is
// considering moving
type MoveAllocationData[T any] struct {
	Alignment uint
	Move      DefragmentationMove[T]
}

// BalancedHeuristics controls when AlgorithmBalanced will relocate an allocation within its own block.
// A move happens when a free neighbour is at least the average free region size divided by
// FreeRegionDivisor, or when the allocation is no larger than the average free region or the
// average allocation of the block list. Disabling both average checks leaves only the neighbour test.
type BalancedHeuristics struct {
	FreeRegionDivisor       int
	CompareAverageFreeSize  bool
	CompareAverageAllocSize bool
}

// DefaultBalancedHeuristics returns the thresholds AlgorithmBalanced uses when none are provided
func DefaultBalancedHeuristics() BalancedHeuristics {
	return BalancedHeuristics{
		FreeRegionDivisor:       2,
		CompareAverageFreeSize:  true,
		CompareAverageAllocSize: true,
	}
}

type stateBalanced struct {
	AverageFreeSize  int
	AverageAllocSize int
}

func (s *stateBalanced) Invalidate() {
	s.AverageAllocSize = math.MaxInt
}

func (s *stateBalanced) Invalid() bool {
	return s.AverageAllocSize == math.MaxInt
}

type metadataSource interface {
	BlockCount() int
	MetadataForBlock(index int) metadata.BlockMetadata
}

func (s *stateBalanced) UpdateStatistics(blockList metadataSource) {
	s.AverageFreeSize = 0
	s.AverageAllocSize = 0

	var allocCount, freeCount int
	for i := 0; i < blockList.BlockCount(); i++ {
		md := blockList.MetadataForBlock(i)

		allocCount += md.AllocationCount()
		freeCount += md.FreeRegionsCount()
		s.AverageFreeSize += md.SumFreeSize()
		s.AverageAllocSize += md.Size()
	}

	s.AverageAllocSize -= s.AverageFreeSize
	if allocCount > 0 {
		s.AverageAllocSize /= allocCount
	}
	if freeCount > 0 {
		s.AverageFreeSize /= freeCount
	}
}
