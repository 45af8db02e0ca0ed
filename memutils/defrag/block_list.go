package defrag

import (
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

// BlockList is the set of blocks a MetadataDefragContext relocates allocations within
type BlockList[T any] interface {
	MetadataForBlock(index int) metadata.BlockMetadata
	BlockCount() int
	AddStatistics(stats *memutils.Statistics)
	MoveDataForUserData(userData any) MoveAllocationData[T]

	Lock()
	Unlock()

	// CommitDefragAllocationRequest reserves the space described by allocRequest in the block at
	// blockIndex and returns a temporary allocation that owns it. userData must be recorded in the
	// block metadata so the defragmenter can recognize its own reservations.
	CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, userData any) (*T, error)
	SwapBlocks(leftIndex, rightIndex int)
}
