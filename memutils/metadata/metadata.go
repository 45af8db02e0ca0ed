package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

// RegionVisitor is called by BlockMetadata.VisitAllRegions once for every allocation and free region
type RegionVisitor func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error

// AllocationWriter is called by BlockMetadata.BlockJsonData to describe a live allocation's user data
type AllocationWriter func(json jwriter.ObjectState, userData any)

// BlockMetadata represents a single large allocation of memory within some system. It manages
// suballocations within the block, allowing allocations to be requested and freed, as well as
// enumerated and queried.
//
// Implementations are not safe for concurrent use. The owner of the block is expected to hold a lock
// around every call.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It informs the implementation of the size in
	// bytes of the block of memory it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int
	// DebugMargin is the number of bytes reserved after every allocation
	DebugMargin() int
	// SupportsRandomAccess returns a boolean indicating whether the implementation allows allocations
	// to be made in arbitrary sections of the managed block, or whether the implementation demands
	// that allocation offsets be deterministic. The two-level segregated fit implementation
	// allows random access, while the linear (stack and ring buffer) implementation does not.
	// This method must return true for the block to be used with the defrag package.
	SupportsRandomAccess() bool

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method to
	// return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation.
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct regions of free memory in the block.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether the block could possibly support a new
	// allocation of the provided size. It must not produce false negatives. False positives are ok.
	MayHaveFreeBlock(size int) bool

	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in ascending offset order. This can be slow and is intended for diagnostics.
	VisitAllRegions(visit RegionVisitor) error
	// AllocationListBegin will retrieve the handle of the first allocation in the block, if any. If none exist, the
	// BlockAllocationHandle value NoAllocation will be returned.
	//
	// The implementation must return an error if SupportsRandomAccess() returns false.
	AllocationListBegin() (BlockAllocationHandle, error)
	// FindNextAllocation accepts a BlockAllocationHandle that maps to a live allocation within the block
	// and returns the handle for the next live allocation within the block, if any. If none exist, the
	// BlockAllocationHandle value NoAllocation will be returned.
	//
	// The implementation must return an error if SupportsRandomAccess() returns false.
	FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error)
	// FindNextFreeRegionSize returns the size of the free region that FindNextAllocation would step over
	// when moving on from the provided allocation, or 0 if there is none.
	//
	// The implementation must return an error if SupportsRandomAccess() returns false.
	FindNextFreeRegionSize(allocHandle BlockAllocationHandle) (int, error)

	// AllocationOffset accepts a BlockAllocationHandle that maps to a live region of memory
	// (allocated or free) within the block and returns the offset in bytes within the block for that
	// region of memory.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the size in bytes of the live allocation the provided handle maps to
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the block
	// and returns the userdata value provided by the consumer for that allocation.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the
	// block and a userData value. The allocation's userData is changed to the provided userData.
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with summary information about this block, followed by a
	// Suballocations array. writeAllocation is called for every live allocation and may be nil.
	BlockJsonData(json jwriter.ObjectState, writeAllocation AllocationWriter)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the implementation
	// would prefer to allocate the requested memory. That object can be passed to Alloc to commit the
	// allocation. A false return value with a nil error means the request does not fit in this block.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation
	// upperAddress - In implementations that split the memory block into two tranches (such as
	// LinearBlockMetadata and its double stack mode), this parameter indicates that the allocation should
	// be made in the upper tranche if true. Implementations with a single tranche return an error.
	// strategy - Whether to prioritize memory usage, memory offset, or allocation speed when choosing
	// a place for the requested allocation.
	// maxOffset - This parameter should usually be math.MaxInt. The request fails if the allocation
	// cannot be placed at an offset below maxOffset. This is used by defragmentation when relocating an
	// allocation within its own block.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		upperAddress bool,
		strategy AllocationStrategy,
		maxOffset int,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the suballocation within the block based
	// on the data described in the AllocationRequest. The implementation must return an error if the
	// request is no longer valid.
	Alloc(request AllocationRequest, userData any) error

	// Free frees a suballocation within the block, causing it to become a free region once again.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in this package.
type BlockMetadataBase struct {
	size        int
	debugMargin int
}

// NewBlockMetadata creates a new BlockMetadataBase. debugMargin is the number of bytes that will be
// kept free after every allocation, and is usually 0.
func NewBlockMetadata(debugMargin int) BlockMetadataBase {
	if debugMargin < 0 {
		debugMargin = 0
	}
	return BlockMetadataBase{
		debugMargin: debugMargin,
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// DebugMargin returns the number of bytes reserved after every allocation
func (m *BlockMetadataBase) DebugMargin() int { return m.debugMargin }

func (m *BlockMetadataBase) writeJsonHeader(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}

func writeJsonSuballocations(md BlockMetadata, json jwriter.ObjectState, writeAllocation AllocationWriter) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		if free {
			obj.Name("Type").String("FREE")
			obj.Name("Size").Int(size)
			return nil
		}

		obj.Name("Size").Int(size)
		if writeAllocation != nil {
			writeAllocation(obj, userData)
		}
		return nil
	})
}

func writeBlockJson(md BlockMetadata, base *BlockMetadataBase, json jwriter.ObjectState, writeAllocation AllocationWriter) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	base.writeJsonHeader(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
	writeJsonSuballocations(md, json, writeAllocation)
}
