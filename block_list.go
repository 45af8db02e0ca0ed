package heapmem

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/internal/budget"
	"github.com/vkngwrapper/arsenal/heapmem/internal/utils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/defrag"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
	"golang.org/x/exp/slices"
)

// memoryBlockList is the ordered set of blocks behind one default pool or custom pool
type memoryBlockList struct {
	parentAllocator *Allocator
	parentPool      *Pool
	logger          *slog.Logger
	device          device.Device
	budget          *budget.Tracker

	heapType  device.HeapType
	heapFlags device.HeapFlags
	group     device.MemorySegmentGroup

	preferredBlockSize     int
	minBlockCount          int
	maxBlockCount          int
	explicitBlockSize      bool
	algorithm              PoolCreateFlags
	minAllocationAlignment uint
	debugMargin            int

	mutex           utils.OptionalRWMutex
	blocks          []*memoryBlock
	nextBlockId     int
	incrementalSort bool
}

var _ defrag.BlockList[Allocation] = &memoryBlockList{}

func (l *memoryBlockList) HeapType() device.HeapType   { return l.heapType }
func (l *memoryBlockList) HeapFlags() device.HeapFlags { return l.heapFlags }
func (l *memoryBlockList) PreferredBlockSize() int     { return l.preferredBlockSize }
func (l *memoryBlockList) Algorithm() PoolCreateFlags  { return l.algorithm }
func (l *memoryBlockList) HasExplicitBlockSize() bool  { return l.explicitBlockSize }
func (l *memoryBlockList) BlockCount() int             { return len(l.blocks) }

func (l *memoryBlockList) Init(
	allocator *Allocator,
	pool *Pool,
	heapType device.HeapType,
	heapFlags device.HeapFlags,
	preferredBlockSize int,
	minBlockCount, maxBlockCount int,
	explicitBlockSize bool,
	algorithm PoolCreateFlags,
	minAllocationAlignment uint,
) {
	l.parentAllocator = allocator
	l.parentPool = pool
	l.logger = allocator.logger
	l.device = allocator.device
	l.budget = allocator.budget
	l.heapType = heapType
	l.heapFlags = heapFlags
	l.group = allocator.properties.SegmentGroupForHeapType(heapType)
	l.preferredBlockSize = preferredBlockSize
	l.minBlockCount = minBlockCount
	l.maxBlockCount = maxBlockCount
	l.explicitBlockSize = explicitBlockSize
	l.algorithm = algorithm
	l.minAllocationAlignment = minAllocationAlignment
	l.debugMargin = allocator.debugMargin
	l.incrementalSort = true
	l.mutex = utils.OptionalRWMutex{UseMutex: allocator.useMutex}
}

func (l *memoryBlockList) Destroy() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for index, block := range l.blocks {
		err := l.destroyBlock(block)
		if err != nil {
			l.blocks = l.blocks[index:]
			return err
		}
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) CreateMinBlocks() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for len(l.blocks) < l.minBlockCount {
		_, err := l.CreateBlock(l.preferredBlockSize)
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks) == 0
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if !l.blocks[blockIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

// heapAlignment is large enough for MSAA textures unless the heap refuses render target and depth
// stencil textures, which are the only textures that can be multisampled
func (l *memoryBlockList) heapAlignment() uint {
	if l.heapFlags&device.HeapFlagsDenyRTDSTextures != 0 {
		return device.DefaultResourcePlacementAlignment
	}
	return device.DefaultMSAAResourcePlacementAlignment
}

// CreateBlock creates a new heap and appends a block for it. The write lock must be held.
func (l *memoryBlockList) CreateBlock(blockSize int) (int, error) {
	heap, err := l.device.CreateHeap(device.HeapDesc{
		Size:      blockSize,
		Type:      l.heapType,
		Flags:     l.heapFlags,
		Alignment: l.heapAlignment(),
	})
	if err != nil {
		return -1, wrapDeviceError(err, "failed to create a %d byte heap of type %s", blockSize, l.heapType)
	}

	block := newMemoryBlock(l.logger, heap, l.nextBlockId, l.algorithm, l.debugMargin)
	l.nextBlockId++
	l.budget.AddBlock(l.group, blockSize)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("block.size", blockSize),
		slog.String("heap.type", l.heapType.String()))

	l.blocks = append(l.blocks, block)
	return len(l.blocks) - 1, nil
}

func (l *memoryBlockList) destroyBlock(block *memoryBlock) error {
	size := block.Size()
	err := block.Destroy()
	if err != nil {
		return err
	}

	l.budget.RemoveBlock(l.group, size)
	return nil
}

func (l *memoryBlockList) Remove(block *memoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = append(l.blocks[0:blockIndex], l.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

// Allocate suballocates size bytes from the list's blocks, creating a new block if allowed
func (l *memoryBlockList) Allocate(size int, alignment uint, flags AllocationCreateFlags) (*Allocation, error) {
	if l.minAllocationAlignment > alignment {
		alignment = l.minAllocationAlignment
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.allocPage(size, alignment, flags)
}

func (l *memoryBlockList) allocPage(size int, alignment uint, flags AllocationCreateFlags) (*Allocation, error) {
	isUpperAddress := flags&AllocationCreateUpperAddress != 0
	neverAllocate := flags&AllocationCreateNeverAllocate != 0
	withinBudget := flags&AllocationCreateWithinBudget != 0

	// Upper address can only be used with the linear allocator and within a single block
	if isUpperAddress && (l.algorithm != PoolCreateLinearAlgorithm || l.maxBlockCount > 1) {
		return nil, errors.Wrap(ErrInvalidArgument, "upper address allocations require a linear pool with a maximum block count of 1")
	}

	// Early reject: requested allocation size is larger than maximum block size for this block list
	if size+l.debugMargin > l.preferredBlockSize {
		return nil, errors.Wrapf(ErrOutOfMemory, "an allocation of %d bytes does not fit in a %d byte block", size, l.preferredBlockSize)
	}

	heapBudget, err := l.budget.Budget(l.group)
	if err != nil {
		return nil, err
	}
	freeMemory := heapBudget.Free()

	canFallbackToCommitted := !l.explicitBlockSize && !neverAllocate
	// Without a committed fallback, blocks may be created over budget unless the caller asked not to be
	ignoreBudget := !canFallbackToCommitted && !withinBudget
	canCreateNewBlock := !neverAllocate &&
		len(l.blocks) < l.maxBlockCount &&
		(freeMemory >= size || ignoreBudget)
	strategy := flags & AllocationCreateStrategyMask

	// 1. Search existing blocks
	if l.algorithm == PoolCreateLinearAlgorithm {
		// Only use the last block in linear
		if len(l.blocks) > 0 {
			currentBlock := l.blocks[len(l.blocks)-1]
			if currentBlock == nil {
				panic("a nil block was found in this block list")
			}

			alloc, err := l.allocFromBlock(currentBlock, size, alignment, flags, false)
			if err != nil {
				return nil, err
			} else if alloc != nil {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from last block", slog.Int("block.id", currentBlock.id))
				return alloc, nil
			}
		}
	} else if strategy != AllocationCreateStrategyMinTime {
		// Prefer blocks with the smallest amount of free space by iterating forward
		for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
			currentBlock := l.blocks[blockIndex]
			if currentBlock == nil {
				panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
			}

			alloc, err := l.allocFromBlock(currentBlock, size, alignment, flags, false)
			if err != nil {
				return nil, err
			} else if alloc != nil {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return alloc, nil
			}
		}
	} else {
		// Prefer blocks with the largest amount of free space by iterating backward
		for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
			currentBlock := l.blocks[blockIndex]
			if currentBlock == nil {
				panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
			}

			alloc, err := l.allocFromBlock(currentBlock, size, alignment, flags, false)
			if err != nil {
				return nil, err
			} else if alloc != nil {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return alloc, nil
			}
		}
	}

	// 2. Try to create a new block
	if canCreateNewBlock {
		newBlockSize := l.preferredBlockSize
		newBlockSizeShift := 0
		const maxNewBlockSizeShift = 3

		if !l.explicitBlockSize {
			maxExistingBlockSize := l.calcMaxBlockSize()

			for i := 0; i < maxNewBlockSizeShift; i++ {
				smallerNewBlockSize := newBlockSize / 2
				if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= size*2 {
					newBlockSize = smallerNewBlockSize
					newBlockSizeShift++
				} else {
					break
				}
			}
		}

		newBlockIndex := 0
		if newBlockSize <= freeMemory || ignoreBudget {
			newBlockIndex, err = l.CreateBlock(newBlockSize)
		} else {
			err = errors.Wrapf(ErrOutOfMemory, "a %d byte block would exceed the budget of %s", newBlockSize, l.group)
		}

		if !l.explicitBlockSize {
			for err != nil && newBlockSizeShift < maxNewBlockSizeShift {
				smallerNewBlockSize := newBlockSize / 2
				if smallerNewBlockSize < size {
					break
				}

				newBlockSize = smallerNewBlockSize
				newBlockSizeShift++
				if newBlockSize <= freeMemory || ignoreBudget {
					newBlockIndex, err = l.CreateBlock(newBlockSize)
				}
			}
		}

		if err != nil {
			return nil, err
		}

		block := l.blocks[newBlockIndex]
		if block.metadata.Size() < size {
			panic(fmt.Sprintf("created a new block at index %d to hold an allocation of size %d but the created block was somehow only size %d", newBlockIndex, size, block.metadata.Size()))
		}

		alloc, err := l.allocFromBlock(block, size, alignment, flags, l.heapFlags&device.HeapFlagsCreateNotZeroed == 0)
		if err != nil {
			return nil, err
		} else if alloc != nil {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block for allocation",
				slog.Int("block.id", block.id),
				slog.Int("block.size", newBlockSize))
			l.incrementallySortBlocks()
			return alloc, nil
		}
	}

	return nil, errors.Wrapf(ErrOutOfMemory, "no block of heap type %s could hold %d bytes", l.heapType, size)
}

// Free returns a placed allocation's region to its block. An emptied block is destroyed if another
// empty block already exists or the segment group is over budget.
func (l *memoryBlockList) Free(alloc *Allocation) error {
	blockToDelete, err := l.freeWithLock(alloc)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err = l.destroyBlock(blockToDelete)
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
	}

	l.budget.RemoveAllocation(l.group, alloc.size)
	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation) (blockToDelete *memoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	placed, ok := alloc.variant.(*placedVariant)
	if !ok || placed.blockList != l {
		panic("attempted to free an allocation from a block list that did not create it")
	}
	block := placed.block

	budgetExceeded := false
	heapBudget, err := l.budget.Budget(l.group)
	if err != nil {
		l.logger.Warn("failed to refresh the budget while freeing an allocation", slog.Any("error", err))
	} else {
		budgetExceeded = heapBudget.Usage >= heapBudget.Budget
	}

	hasEmptyBlockBeforeFree := l.hasEmptyBlock()
	err = block.metadata.Free(placed.handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation with handle %+v in metadata: %+v", placed.handle, err))
	}
	memutils.DebugValidate(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("block.id", block.id))

	canDeleteBlock := len(l.blocks) > l.minBlockCount

	if block.metadata.IsEmpty() && (hasEmptyBlockBeforeFree || budgetExceeded) && canDeleteBlock {
		// The block is empty & we can delete it
		blockToDelete = block
		l.Remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		// There is an empty block somewhere we don't need
		lastBlock := l.blocks[len(l.blocks)-1]
		if lastBlock.metadata.IsEmpty() {
			blockToDelete = lastBlock
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.incrementallySortBlocks()

	return blockToDelete, nil
}

// RemoveEmptyBlocks destroys every empty block above the minimum block count
func (l *memoryBlockList) RemoveEmptyBlocks() error {
	var blocksToDelete []*memoryBlock

	l.mutex.Lock()
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0 && len(l.blocks) > l.minBlockCount; blockIndex-- {
		block := l.blocks[blockIndex]
		if block.metadata.IsEmpty() {
			blocksToDelete = append(blocksToDelete, block)
			l.blocks = append(l.blocks[:blockIndex], l.blocks[blockIndex+1:]...)
		}
	}
	l.mutex.Unlock()

	for _, block := range blocksToDelete {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", block.id))
		err := l.destroyBlock(block)
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

func (l *memoryBlockList) incrementallySortBlocks() {
	if !l.incrementalSort || l.algorithm == PoolCreateLinearAlgorithm {
		return
	}

	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].metadata.SumFreeSize() > l.blocks[blockIndex].metadata.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

func (l *memoryBlockList) SortByFreeSize() {
	slices.SortStableFunc(l.blocks, func(left, right *memoryBlock) bool {
		return left.metadata.SumFreeSize() < right.metadata.SumFreeSize()
	})
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		blockSize := l.blocks[blockIndex].metadata.Size()
		if blockSize <= result {
			continue
		}

		result = blockSize
		if result >= l.preferredBlockSize {
			return result
		}
	}

	return result
}

func (l *memoryBlockList) allocFromBlock(block *memoryBlock, size int, alignment uint, flags AllocationCreateFlags, zeroInitialized bool) (*Allocation, error) {
	if !block.metadata.MayHaveFreeBlock(size) {
		return nil, nil
	}

	isUpperAddress := flags&AllocationCreateUpperAddress != 0

	success, currRequest, err := block.metadata.CreateAllocationRequest(size, alignment, isUpperAddress, flags.strategy(), math.MaxInt)
	if err != nil {
		return nil, err
	} else if !success {
		return nil, nil
	}

	return l.commitAllocationRequest(currRequest, block, alignment, zeroInitialized, nil)
}

// commitAllocationRequest creates the allocation for a request. The metadata records userData as the
// region's owner, or the new allocation itself when userData is nil.
func (l *memoryBlockList) commitAllocationRequest(allocRequest metadata.AllocationRequest, block *memoryBlock, alignment uint, zeroInitialized bool, userData any) (*Allocation, error) {
	alloc := newAllocation(l.parentAllocator, allocRequest.Size, alignment, l.heapType, zeroInitialized)
	if userData == nil {
		userData = alloc
	}

	err := block.metadata.Alloc(allocRequest, userData)
	if err != nil {
		return nil, err
	}
	memutils.DebugValidate(block)

	offset, err := block.metadata.AllocationOffset(allocRequest.BlockAllocationHandle)
	if err != nil {
		return nil, errors.CombineErrors(err, block.metadata.Free(allocRequest.BlockAllocationHandle))
	}

	alloc.variant = &placedVariant{
		blockList: l,
		block:     block,
		handle:    allocRequest.BlockAllocationHandle,
		offset:    offset,
	}
	l.budget.AddAllocation(l.group, allocRequest.Size)

	return alloc, nil
}

func (l *memoryBlockList) PrintDetailedMap(json *jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for i := 0; i < len(l.blocks); i++ {
		block := l.blocks[i]

		blockObj := json.Name(strconv.Itoa(block.id)).Object()
		block.metadata.BlockJsonData(blockObj, writeAllocationJson)
		blockObj.End()
	}
}

func writeAllocationJson(json jwriter.ObjectState, userData any) {
	alloc, isAllocation := userData.(*Allocation)
	if isAllocation && alloc != nil {
		alloc.printParameters(&json)
	} else if userData != nil {
		json.Name("Type").String("DEFRAGMENTATION_RESERVATION")
	}
}

func (l *memoryBlockList) MetadataForBlock(blockIndex int) metadata.BlockMetadata {
	return l.blocks[blockIndex].metadata
}

func (l *memoryBlockList) Lock() {
	l.mutex.Lock()
}

func (l *memoryBlockList) Unlock() {
	l.mutex.Unlock()
}

func (l *memoryBlockList) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, userData any) (*Allocation, error) {
	return l.commitAllocationRequest(allocRequest, l.blocks[blockIndex], alignment, false, userData)
}

func (l *memoryBlockList) MoveDataForUserData(userData any) defrag.MoveAllocationData[Allocation] {
	alloc, ok := userData.(*Allocation)
	if !ok || alloc == nil {
		panic(fmt.Sprintf("attempted to create a MoveAllocationData for a non-Allocation userData: %+v", userData))
	}

	placed, ok := alloc.variant.(*placedVariant)
	if !ok {
		panic(fmt.Sprintf("attempted to move a %s allocation", alloc.Kind()))
	}

	return defrag.MoveAllocationData[Allocation]{
		Alignment: alloc.alignment,
		Move: defrag.DefragmentationMove[Allocation]{
			Size:             alloc.size,
			SrcAllocation:    alloc,
			SrcBlockMetadata: placed.block.metadata,
		},
	}
}

func (l *memoryBlockList) SwapBlocks(left, right int) {
	l.blocks[left], l.blocks[right] = l.blocks[right], l.blocks[left]
}
