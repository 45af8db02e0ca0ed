package heapmem

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/internal/budget"
	"github.com/vkngwrapper/arsenal/heapmem/internal/utils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

// Budget is a snapshot of one memory segment group: the allocator's own statistics, the estimated
// process usage and the budget the driver reported
type Budget = budget.Budget

// AllocationCreateInfo chooses where and how an allocation is made
type AllocationCreateInfo struct {
	Flags AllocationCreateFlags
	// HeapType selects the default pool. It is ignored when Pool is set.
	HeapType device.HeapType
	// HeapFlags are added to the default pool's heap flags. Under resource heap tier 1, AllocateMemory
	// requires one of the AllowOnly combinations to select a resource class. Flags beyond the resource
	// class and HeapFlagsCreateNotZeroed can only be satisfied with committed allocations. Ignored when
	// Pool is set.
	HeapFlags device.HeapFlags
	// Pool is the custom pool to allocate from, or nil for the default pools
	Pool *Pool

	PrivateData any
	Name        string
}

// AllocationInfo is the size and alignment of memory requested through AllocateMemory
type AllocationInfo struct {
	Size int
	// Alignment of 0 means device.DefaultResourcePlacementAlignment
	Alignment uint
}

// TotalStatistics is the result of Allocator.CalculateStatistics
type TotalStatistics struct {
	HeapType           [device.HeapTypeCount]memutils.DetailedStatistics
	MemorySegmentGroup [device.MemorySegmentGroupCount]memutils.DetailedStatistics
	Total              memutils.DetailedStatistics
}

// Allocator suballocates device heaps. It holds a default pool for each heap type, and under resource
// heap tier 1 for each resource class, together with any number of custom pools.
type Allocator struct {
	useMutex   bool
	logger     *slog.Logger
	device     device.Device
	properties device.Properties
	budget     *budget.Tracker

	preferredBlockSize int
	alwaysCommitted    bool
	debugMargin        int
	currentFrameIndex  atomic.Uint32

	nextPoolId int
	poolsMutex utils.OptionalRWMutex
	pools      *Pool

	blockLists           [maxDefaultPools]*memoryBlockList
	committedAllocations [maxDefaultPools]*committedAllocationList
}

// allocationTarget is the block list and committed list a request is satisfied from
type allocationTarget struct {
	pool                 *Pool
	blockList            *memoryBlockList
	committedAllocations *committedAllocationList
	heapType             device.HeapType
	heapFlags            device.HeapFlags
	committedPreferred   bool
}

func (a *Allocator) calcAllocationTarget(o *AllocationCreateInfo, class resourceClass, msaa bool) (allocationTarget, error) {
	if o.Flags&AllocationCreateCommitted != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return allocationTarget{}, errors.Wrap(ErrInvalidArgument, "AllocationCreateCommitted and AllocationCreateNeverAllocate cannot be specified together")
	}

	if o.Pool != nil {
		if o.Pool.blockList.HasExplicitBlockSize() && o.Flags&AllocationCreateCommitted != 0 {
			return allocationTarget{}, errors.Wrap(ErrInvalidArgument, "specified AllocationCreateCommitted with a pool that does not support it")
		}
		if o.Flags&AllocationCreateUpperAddress != 0 && o.Pool.blockList.Algorithm() != PoolCreateLinearAlgorithm {
			return allocationTarget{}, errors.Wrap(ErrInvalidArgument, "AllocationCreateUpperAddress can only be used with linear pools")
		}

		return allocationTarget{
			pool:                 o.Pool,
			blockList:            &o.Pool.blockList,
			committedAllocations: &o.Pool.committedAllocations,
			heapType:             o.Pool.blockList.HeapType(),
			heapFlags:            o.Pool.blockList.HeapFlags(),
			committedPreferred:   msaa && o.Pool.flags&PoolCreateMsaaTexturesAlwaysCommitted != 0,
		}, nil
	}

	if o.Flags&AllocationCreateUpperAddress != 0 {
		return allocationTarget{}, errors.Wrap(ErrInvalidArgument, "AllocationCreateUpperAddress can only be used with linear pools")
	}
	if !o.HeapType.Valid() {
		return allocationTarget{}, errors.Wrapf(ErrInvalidArgument, "unknown heap type %d", o.HeapType)
	}

	poolIndex := a.defaultPoolIndex(o.HeapType, class)
	if poolIndex < 0 {
		return allocationTarget{}, errors.Wrap(ErrInvalidArgument, "resource heap tier 1 requires HeapFlags to allow only one resource class")
	}

	blockList := a.blockLists[poolIndex]
	target := allocationTarget{
		blockList:            blockList,
		committedAllocations: a.committedAllocations[poolIndex],
		heapType:             o.HeapType,
		heapFlags:            blockList.HeapFlags() | o.HeapFlags,
	}

	// The default pool's heaps cannot carry extra flags
	if o.HeapFlags&^(device.HeapFlagsResourceClassMask|device.HeapFlagsCreateNotZeroed) != 0 {
		target.blockList = nil
	}

	return target, nil
}

func (a *Allocator) allocate(target allocationTarget, o *AllocationCreateInfo, size int, alignment uint, desc *device.ResourceDesc) (*Allocation, error) {
	blockList := target.blockList
	canAllocateCommitted := o.Flags&AllocationCreateNeverAllocate == 0 &&
		(target.pool == nil || !blockList.HasExplicitBlockSize())

	if o.Flags&AllocationCreateCommitted != 0 || blockList == nil {
		if !canAllocateCommitted {
			return nil, errors.Wrap(ErrOutOfMemory, "the allocation can only be satisfied by a committed allocation, which is not permitted")
		}
		return a.allocateCommitted(target, o, size, alignment, desc)
	}

	committedPreferred := false
	if canAllocateCommitted {
		// Allocate committed memory if requested size is more than half of preferred block size
		committedPreferred = target.committedPreferred || a.alwaysCommitted || size > blockList.PreferredBlockSize()/2

		if committedPreferred {
			alloc, err := a.allocateCommitted(target, o, size, alignment, desc)
			if err == nil {
				a.logger.Debug("  Allocated as committed memory")
				return alloc, nil
			}
			a.logger.Debug("  Committed allocation failed, trying block list", slog.Any("error", err))
		}
	}

	alloc, err := a.allocatePlaced(blockList, o, size, alignment, desc)
	if err == nil {
		return alloc, nil
	} else if !errors.Is(err, ErrOutOfMemory) {
		return nil, err
	}

	// Try committed memory
	if canAllocateCommitted && !committedPreferred {
		alloc, committedErr := a.allocateCommitted(target, o, size, alignment, desc)
		if committedErr == nil {
			a.logger.Debug("  Allocated as committed memory")
			return alloc, nil
		}
		err = committedErr
	}

	a.logger.Debug("  AllocateMemory FAILED", slog.Any("error", err))
	return nil, err
}

func (a *Allocator) allocatePlaced(blockList *memoryBlockList, o *AllocationCreateInfo, size int, alignment uint, desc *device.ResourceDesc) (*Allocation, error) {
	alloc, err := blockList.Allocate(size, alignment, o.Flags)
	if err != nil {
		return nil, err
	}
	alloc.privateData = o.PrivateData
	alloc.name = o.Name

	if desc == nil {
		return alloc, nil
	}

	resource, err := a.device.CreatePlacedResource(alloc.Heap(), alloc.Offset(), *desc)
	if err != nil {
		freeErr := blockList.Free(alloc)
		if freeErr != nil {
			a.logger.Error("error attempting to free an allocation after resource creation failed", slog.Any("error", freeErr))
		}
		return nil, wrapDeviceError(err, "failed to create a placed resource of %d bytes", desc.Size)
	}
	alloc.resource = resource

	return alloc, nil
}

func (a *Allocator) allocateCommitted(target allocationTarget, o *AllocationCreateInfo, size int, alignment uint, desc *device.ResourceDesc) (*Allocation, error) {
	group := a.properties.SegmentGroupForHeapType(target.heapType)

	if o.Flags&AllocationCreateWithinBudget != 0 {
		heapBudget, err := a.budget.Budget(group)
		if err != nil {
			return nil, err
		}
		if heapBudget.Usage+size > heapBudget.Budget {
			return nil, errors.Wrapf(ErrOutOfMemory, "a committed allocation of %d bytes would exceed the budget of %s", size, group)
		}
	}

	zeroInitialized := target.heapFlags&device.HeapFlagsCreateNotZeroed == 0
	alloc := newAllocation(a, size, alignment, target.heapType, zeroInitialized)
	alloc.privateData = o.PrivateData
	alloc.name = o.Name

	if desc != nil && o.Flags&AllocationCreateCanAlias == 0 {
		resource, err := a.device.CreateCommittedResource(target.heapType, target.heapFlags, *desc)
		if err != nil {
			return nil, wrapDeviceError(err, "failed to create a committed resource of %d bytes", desc.Size)
		}

		alloc.variant = &committedVariant{}
		alloc.resource = resource
	} else {
		heap, err := a.device.CreateHeap(device.HeapDesc{
			Size:      size,
			Type:      target.heapType,
			Flags:     target.heapFlags,
			Alignment: memutils.MaxAlignment(alignment, device.DefaultResourcePlacementAlignment),
		})
		if err != nil {
			return nil, wrapDeviceError(err, "failed to create a %d byte heap of type %s", size, target.heapType)
		}

		if desc != nil {
			resource, err := a.device.CreatePlacedResource(heap, 0, *desc)
			if err != nil {
				releaseErr := heap.Release()
				if releaseErr != nil {
					a.logger.Error("error attempting to release a heap after resource creation failed", slog.Any("error", releaseErr))
				}
				return nil, wrapDeviceError(err, "failed to create a resource of %d bytes in its own heap", desc.Size)
			}
			alloc.resource = resource
		}

		alloc.variant = &heapVariant{heap: heap}
	}

	target.committedAllocations.Register(alloc)
	a.budget.AddBlock(group, size)
	a.budget.AddAllocation(group, size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created committed allocation",
		slog.String("kind", alloc.Kind().String()),
		slog.Int("size", size),
		slog.String("heap.type", target.heapType.String()))

	return alloc, nil
}

// AllocateMemory allocates memory that resources can later be placed in with CreateAliasingResource.
// The result is a placed allocation in a shared block or a heap allocation that owns its own heap.
func (a *Allocator) AllocateMemory(o AllocationCreateInfo, info AllocationInfo) (*Allocation, error) {
	a.logger.Debug("Allocator::AllocateMemory",
		slog.Int("Size", info.Size),
		slog.String("Flags", o.Flags.String()),
	)

	if info.Size <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "allocation size %d must be positive", info.Size)
	}

	alignment := info.Alignment
	if alignment == 0 {
		alignment = device.DefaultResourcePlacementAlignment
	}
	err := memutils.CheckPow2(alignment, "info.Alignment")
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}

	target, err := a.calcAllocationTarget(&o, resourceClassForHeapFlags(o.HeapFlags), false)
	if err != nil {
		return nil, err
	}

	// There is no resource to give a committed allocation, so it gets a heap
	o.Flags &^= AllocationCreateCanAlias
	return a.allocate(target, &o, info.Size, alignment, nil)
}

// CreateResource allocates memory for a resource and creates the resource in it. The allocation owns
// the resource and releases it when the allocation is released.
func (a *Allocator) CreateResource(o AllocationCreateInfo, desc device.ResourceDesc) (*Allocation, error) {
	a.logger.Debug("Allocator::CreateResource",
		slog.Int("Size", desc.Size),
		slog.String("Dimension", desc.Dimension.String()),
		slog.String("Flags", o.Flags.String()),
	)

	if desc.Size <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "resource size %d must be positive", desc.Size)
	}

	alignment := desc.PlacementAlignment()
	err := memutils.CheckPow2(alignment, "desc.Alignment")
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}

	target, err := a.calcAllocationTarget(&o, resourceClassForDesc(desc), desc.IsMSAA())
	if err != nil {
		return nil, err
	}

	return a.allocate(target, &o, memutils.AlignUp(desc.Size, alignment), alignment, &desc)
}

// CreateAliasingResource creates a resource at offset within an existing placed or heap allocation.
// The caller owns the returned resource and must release it before the allocation is released.
func (a *Allocator) CreateAliasingResource(alloc *Allocation, offset int, desc device.ResourceDesc) (device.Resource, error) {
	a.logger.Debug("Allocator::CreateAliasingResource",
		slog.Int("Offset", offset),
		slog.Int("Size", desc.Size),
	)

	if alloc == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "an allocation is required")
	}

	heap := alloc.Heap()
	if heap == nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "resources cannot alias a %s allocation", alloc.Kind())
	}
	if offset < 0 || desc.Size <= 0 || offset+desc.Size > alloc.Size() {
		return nil, errors.Wrapf(ErrInvalidArgument, "a resource of %d bytes at offset %d does not fit in an allocation of %d bytes", desc.Size, offset, alloc.Size())
	}

	resourceOffset := alloc.Offset() + offset
	if memutils.AlignUp(resourceOffset, desc.PlacementAlignment()) != resourceOffset {
		return nil, errors.Wrapf(ErrInvalidArgument, "offset %d in the heap is not aligned to %d", resourceOffset, desc.PlacementAlignment())
	}

	resource, err := a.device.CreatePlacedResource(heap, resourceOffset, desc)
	if err != nil {
		return nil, wrapDeviceError(err, "failed to create an aliasing resource at offset %d", resourceOffset)
	}

	return resource, nil
}

// Free releases one reference to the allocation, as Allocation.Release does
func (a *Allocator) Free(alloc *Allocation) error {
	a.logger.Debug("Allocator::Free")

	if alloc == nil {
		return nil
	}
	return alloc.Release()
}

// freeAllocation releases the allocation's resource and then its memory
func (a *Allocator) freeAllocation(alloc *Allocation) error {
	var err error
	if alloc.resource != nil {
		releaseErr := alloc.resource.Release()
		if releaseErr != nil {
			err = errors.Wrap(releaseErr, "failed to release the allocation's resource")
		}
		alloc.resource = nil
	}

	group := a.properties.SegmentGroupForHeapType(alloc.heapType)

	switch v := alloc.variant.(type) {
	case *placedVariant:
		err = errors.CombineErrors(err, v.blockList.Free(alloc))
	case *committedVariant:
		v.list.Unregister(alloc)
		a.budget.RemoveBlock(group, alloc.size)
		a.budget.RemoveAllocation(group, alloc.size)
	case *heapVariant:
		v.list.Unregister(alloc)
		releaseErr := v.heap.Release()
		if releaseErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(releaseErr, "failed to release the allocation's heap"))
		}
		a.budget.RemoveBlock(group, alloc.size)
		a.budget.RemoveAllocation(group, alloc.size)
	default:
		panic("attempted to free an allocation that has no backing memory")
	}

	alloc.variant = nil
	return err
}

// CreatePool creates a custom pool
func (a *Allocator) CreatePool(createInfo PoolCreateInfo) (*Pool, error) {
	a.logger.Debug("Allocator::CreatePool",
		slog.String("HeapType", createInfo.HeapType.String()),
		slog.String("Flags", createInfo.Flags.String()),
	)

	if createInfo.MaxBlockCount == 0 {
		createInfo.MaxBlockCount = math.MaxInt
	}
	if createInfo.MinBlockCount < 0 || createInfo.MaxBlockCount < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "block counts cannot be negative")
	}
	if createInfo.MinBlockCount > createInfo.MaxBlockCount {
		return nil, errors.Wrapf(ErrInvalidArgument, "provided MinBlockCount %d was greater than provided MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount)
	}
	if !createInfo.HeapType.Valid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown heap type %d", createInfo.HeapType)
	}
	if createInfo.BlockSize < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "block size %d is negative", createInfo.BlockSize)
	}
	if a.properties.ResourceHeapTier == 1 && resourceClassForHeapFlags(createInfo.HeapFlags) == resourceClassUnknown {
		return nil, errors.Wrap(ErrInvalidArgument, "resource heap tier 1 requires pool HeapFlags to allow only one resource class")
	}

	if createInfo.MinAllocationAlignment > 0 {
		err := memutils.CheckPow2(createInfo.MinAllocationAlignment, "createInfo.MinAllocationAlignment")
		if err != nil {
			return nil, errors.Mark(err, ErrInvalidArgument)
		}
	}

	pool := &Pool{
		logger:          a.logger,
		parentAllocator: a,
		flags:           createInfo.Flags,
		name:            createInfo.Name,
	}
	blockSize := a.preferredBlockSize
	if createInfo.BlockSize != 0 {
		blockSize = createInfo.BlockSize
	}

	pool.blockList.Init(
		a,
		pool,
		createInfo.HeapType,
		createInfo.HeapFlags,
		blockSize,
		createInfo.MinBlockCount,
		createInfo.MaxBlockCount,
		createInfo.BlockSize != 0,
		createInfo.Flags&PoolCreateAlgorithmMask,
		createInfo.MinAllocationAlignment,
	)
	pool.committedAllocations.Init(a.useMutex, createInfo.HeapType, pool)

	err := pool.blockList.CreateMinBlocks()
	if err != nil {
		destroyErr := pool.blockList.Destroy()
		if destroyErr != nil {
			a.logger.Error("error attempting to destroy pool after creation failure", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	a.nextPoolId++
	pool.id = a.nextPoolId
	pool.next = a.pools
	if a.pools != nil {
		a.pools.prev = pool
	}
	a.pools = pool

	return pool, nil
}

// SetCurrentFrameIndex sets the frame index recorded on allocations made from now on
func (a *Allocator) SetCurrentFrameIndex(frameIndex uint32) {
	a.logger.Debug("Allocator::SetCurrentFrameIndex")

	a.currentFrameIndex.Store(frameIndex)
}

// GetBudget returns the current budget of the local and non-local segment groups. On UMA adapters
// all memory is local.
func (a *Allocator) GetBudget() (local Budget, nonLocal Budget, err error) {
	a.logger.Debug("Allocator::GetBudget")

	local, err = a.budget.Budget(device.MemorySegmentGroupLocal)
	if err != nil {
		return local, nonLocal, err
	}

	nonLocal, err = a.budget.Budget(device.MemorySegmentGroupNonLocal)
	return local, nonLocal, err
}

// CalculateStatistics walks every block of every pool to compute detailed statistics
func (a *Allocator) CalculateStatistics() TotalStatistics {
	a.logger.Debug("Allocator::CalculateStatistics")

	var stats TotalStatistics
	stats.Total.Clear()
	for heapType := 0; heapType < device.HeapTypeCount; heapType++ {
		stats.HeapType[heapType].Clear()
	}
	for group := 0; group < device.MemorySegmentGroupCount; group++ {
		stats.MemorySegmentGroup[group].Clear()
	}

	// Default pools
	for poolIndex := 0; poolIndex < maxDefaultPools; poolIndex++ {
		blockList := a.blockLists[poolIndex]
		if blockList == nil {
			continue
		}

		heapStats := &stats.HeapType[blockList.HeapType()]
		blockList.AddDetailedStatistics(heapStats)
		a.committedAllocations[poolIndex].AddDetailedStatistics(heapStats)
	}

	// Custom pools
	a.poolsMutex.RLock()
	for pool := a.pools; pool != nil; pool = pool.next {
		heapStats := &stats.HeapType[pool.HeapType()]
		pool.blockList.AddDetailedStatistics(heapStats)
		pool.committedAllocations.AddDetailedStatistics(heapStats)
	}
	a.poolsMutex.RUnlock()

	// Sum up
	for heapType := device.HeapTypeDefault; int(heapType) < device.HeapTypeCount; heapType++ {
		group := a.properties.SegmentGroupForHeapType(heapType)
		stats.MemorySegmentGroup[group].AddDetailedStatistics(&stats.HeapType[heapType])
	}
	for group := 0; group < device.MemorySegmentGroupCount; group++ {
		stats.Total.AddDetailedStatistics(&stats.MemorySegmentGroup[group])
	}

	return stats
}

// Destroy releases every block of the default pools. Custom pools and allocations must be released
// first; anything still live is logged and reported as an error.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.poolsMutex.RLock()
	hasPools := a.pools != nil
	a.poolsMutex.RUnlock()
	if hasPools {
		return errors.Wrap(ErrInvalidArgument, "custom pools must be destroyed before the allocator")
	}

	var err error
	for poolIndex := maxDefaultPools - 1; poolIndex >= 0; poolIndex-- {
		committedList := a.committedAllocations[poolIndex]
		if committedList != nil && !committedList.IsEmpty() {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed committed allocations",
				slog.String("heap.type", committedList.heapType.String()),
				slog.Int("count", committedList.Count()))
			err = errors.CombineErrors(err, errors.AssertionFailedf("%d committed allocations were not freed", committedList.Count()))
		}

		blockList := a.blockLists[poolIndex]
		if blockList != nil {
			err = errors.CombineErrors(err, blockList.Destroy())
		}
	}

	return err
}
