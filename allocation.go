package heapmem

import (
	"container/list"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

// allocationVariant is the backing of an Allocation. It is implemented by placedVariant,
// committedVariant and heapVariant only.
type allocationVariant interface {
	kind() AllocationKind
}

// placedVariant caches the offset read from the block metadata when the region was committed, so
// Offset never touches the metadata outside the block list lock.
type placedVariant struct {
	blockList *memoryBlockList
	block     *memoryBlock
	handle    metadata.BlockAllocationHandle
	offset    int
}

func (v *placedVariant) kind() AllocationKind { return AllocationKindPlaced }

type committedVariant struct {
	list    *committedAllocationList
	element *list.Element
}

func (v *committedVariant) kind() AllocationKind { return AllocationKindCommitted }

type heapVariant struct {
	list    *committedAllocationList
	element *list.Element
	heap    device.Heap
}

func (v *heapVariant) kind() AllocationKind { return AllocationKindHeap }

// Allocation is a reference-counted region of device memory, optionally holding a resource created
// in it. Allocations are returned with a reference count of 1. Release frees the memory and the
// owned resource once the count reaches 0.
type Allocation struct {
	allocator *Allocator
	refCount  atomic.Int32

	size            int
	alignment       uint
	heapType        device.HeapType
	variant         allocationVariant
	resource        device.Resource
	privateData     any
	name            string
	zeroInitialized bool
	frameIndex      uint32
}

func newAllocation(allocator *Allocator, size int, alignment uint, heapType device.HeapType, zeroInitialized bool) *Allocation {
	alloc := &Allocation{
		allocator:       allocator,
		size:            size,
		alignment:       alignment,
		heapType:        heapType,
		zeroInitialized: zeroInitialized,
		frameIndex:      allocator.currentFrameIndex.Load(),
	}
	alloc.refCount.Store(1)
	return alloc
}

func (a *Allocation) Kind() AllocationKind {
	if a.variant == nil {
		panic("allocation has no backing memory")
	}
	return a.variant.kind()
}

func (a *Allocation) Size() int                 { return a.size }
func (a *Allocation) Alignment() uint           { return a.alignment }
func (a *Allocation) HeapType() device.HeapType { return a.heapType }
func (a *Allocation) Resource() device.Resource { return a.resource }
func (a *Allocation) PrivateData() any          { return a.privateData }
func (a *Allocation) Name() string              { return a.name }

// WasZeroInitialized reports whether the memory was known to be zeroed when the allocation was made
func (a *Allocation) WasZeroInitialized() bool { return a.zeroInitialized }

// CreationFrameIndex returns the value passed to Allocator.SetCurrentFrameIndex when the allocation was made
func (a *Allocation) CreationFrameIndex() uint32 { return a.frameIndex }

func (a *Allocation) SetPrivateData(privateData any) { a.privateData = privateData }
func (a *Allocation) SetName(name string)             { a.name = name }

// SetResource replaces the resource owned by this allocation. The previous resource is not
// released. This is used after a defragmentation move, once the caller has recreated the resource
// at its new location and released the old one.
func (a *Allocation) SetResource(resource device.Resource) {
	a.resource = resource
}

// Offset returns the offset of the allocation within its heap. Committed and heap allocations are
// always at offset 0.
func (a *Allocation) Offset() int {
	placed, ok := a.variant.(*placedVariant)
	if !ok {
		return 0
	}
	return placed.offset
}

// Heap returns the heap the allocation lives in, or nil for committed resources, whose heap is implicit
func (a *Allocation) Heap() device.Heap {
	switch v := a.variant.(type) {
	case *placedVariant:
		return v.block.heap
	case *heapVariant:
		return v.heap
	}
	return nil
}

// AddRef increments the reference count
func (a *Allocation) AddRef() {
	a.refCount.Add(1)
}

// RefCount returns the current reference count
func (a *Allocation) RefCount() int {
	return int(a.refCount.Load())
}

// Release decrements the reference count. When it reaches 0 the owned resource is released and
// the memory is returned to the allocator. The error is the first failure encountered while doing so.
func (a *Allocation) Release() error {
	newCount := a.refCount.Add(-1)
	if newCount > 0 {
		return nil
	} else if newCount < 0 {
		return errors.Wrapf(ErrInvalidArgument, "allocation %q was released more times than it was referenced", a.name)
	}

	return a.allocator.freeAllocation(a)
}

// swapBlockAllocation exchanges the placement of two placed allocations. The block list lock must be held.
func (a *Allocation) swapBlockAllocation(other *Allocation) {
	mine, ok := a.variant.(*placedVariant)
	if !ok {
		panic("tried to swap blocks but this is not a placed allocation")
	}
	theirs, ok := other.variant.(*placedVariant)
	if !ok {
		panic(fmt.Sprintf("tried to swap blocks with a non-placed allocation: %s", other.Kind()))
	}

	err := mine.block.metadata.SetAllocationUserData(mine.handle, other)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when attempting to set current metadata during block swap: %+v", err))
	}
	a.variant, other.variant = theirs, mine
	err = theirs.block.metadata.SetAllocationUserData(theirs.handle, a)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when attempting to set new metadata during block swap: %+v", err))
	}

	a.zeroInitialized = false
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.Kind().String())
	json.Name("CreationFrameIndex").Int(int(a.frameIndex))

	if a.resource != nil {
		desc := a.resource.Desc()
		json.Name("ResourceDimension").String(desc.Dimension.String())
		if desc.Flags != device.ResourceFlagsNone {
			json.Name("ResourceFlags").String(desc.Flags.String())
		}
	}

	if a.privateData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.privateData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
