package heapmem

import (
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
)

// AllocationCreateFlags changes how an allocation request is satisfied
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateCommitted gives the allocation its own heap or committed resource instead
	// of suballocating it from a block. It cannot be combined with AllocationCreateNeverAllocate.
	AllocationCreateCommitted AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate only allows the allocation to be placed in an existing block. No
	// new blocks or committed allocations will be created to satisfy it.
	AllocationCreateNeverAllocate
	// AllocationCreateWithinBudget fails the allocation with ErrOutOfMemory instead of pushing the
	// segment group's usage past its budget
	AllocationCreateWithinBudget
	// AllocationCreateUpperAddress places the allocation at the top of a linear pool's only block,
	// growing downward. This turns the block into a double stack.
	AllocationCreateUpperAddress
	// AllocationCreateCanAlias causes committed allocations made with CreateResource to be backed
	// by a heap that other resources can be placed in with Allocator.CreateAliasingResource
	AllocationCreateCanAlias
	// AllocationCreateStrategyMinMemory chooses the smallest free region that fits
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime chooses the first free region that is quick to find
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinOffset chooses the lowest offset that fits
	AllocationCreateStrategyMinOffset

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinOffset
)

func (f AllocationCreateFlags) strategy() metadata.AllocationStrategy {
	var strategy metadata.AllocationStrategy
	if f&AllocationCreateStrategyMinOffset != 0 {
		strategy |= metadata.AllocationStrategyMinOffset
	}
	if f&AllocationCreateStrategyMinMemory != 0 {
		strategy |= metadata.AllocationStrategyMinMemory
	}
	if f&AllocationCreateStrategyMinTime != 0 {
		strategy |= metadata.AllocationStrategyMinTime
	}
	return strategy
}

// PoolCreateFlags changes the behavior of a custom Pool
type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateLinearAlgorithm uses metadata.LinearBlockMetadata for the pool's blocks, which
	// supports free-at-once, stack, double stack and ring buffer usage. Linear pools cannot be
	// defragmented.
	PoolCreateLinearAlgorithm PoolCreateFlags = 1 << iota
	// PoolCreateMsaaTexturesAlwaysCommitted creates MSAA textures requested from the pool as
	// committed resources so that the pool's blocks can use the smaller placement alignment
	PoolCreateMsaaTexturesAlwaysCommitted

	PoolCreateAlgorithmMask = PoolCreateLinearAlgorithm
)

// AllocationKind identifies how an Allocation is backed
type AllocationKind int32

const (
	// AllocationKindCommitted is a committed resource that owns its implicit heap
	AllocationKindCommitted AllocationKind = iota
	// AllocationKindPlaced is a region of a block shared with other allocations
	AllocationKindPlaced
	// AllocationKindHeap is a whole heap owned by one allocation
	AllocationKindHeap
)

var allocationKindMapping = map[AllocationKind]string{
	AllocationKindCommitted: "AllocationKindCommitted",
	AllocationKindPlaced:    "AllocationKindPlaced",
	AllocationKindHeap:      "AllocationKindHeap",
}

func (k AllocationKind) String() string {
	str, ok := allocationKindMapping[k]
	if !ok {
		return "AllocationKindUnknown"
	}
	return str
}

func init() {
	AllocationCreateCommitted.Register("AllocationCreateCommitted")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateUpperAddress.Register("AllocationCreateUpperAddress")
	AllocationCreateCanAlias.Register("AllocationCreateCanAlias")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")

	PoolCreateLinearAlgorithm.Register("PoolCreateLinearAlgorithm")
	PoolCreateMsaaTexturesAlwaysCommitted.Register("PoolCreateMsaaTexturesAlwaysCommitted")
}
