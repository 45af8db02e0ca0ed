package defrag

import (
	"errors"
	"fmt"
	"math"

	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

// MetadataDefragContext is the core of the defragmentation logic for memutils. One of these must be created
// and initialized for each BlockList in a defragmentation run, which will then consist of multiple passes
type MetadataDefragContext[T any] struct {
	// Algorithm is the defragmentation algorithm that should be used
	Algorithm Algorithm
	// Balanced holds the thresholds used by AlgorithmBalanced. The zero value is replaced with
	// DefaultBalancedHeuristics during Init
	Balanced BalancedHeuristics
	// Handler is a method that will be called to complete each relocation as part of BlockListCompletePass
	Handler DefragmentOperationHandler[T]
	// BlockList is the memory object this context exists to defragment
	BlockList BlockList[T]

	moves               []DefragmentationMove[T]
	immovableBlockCount int
	balancedState       stateBalanced

	// scratchStats exists to avoid allocating statistics objects when passing them in to be populated
	// because we pass them to an interface so the escape analyzer will get annoying about it
	scratchStats memutils.Statistics
}

// Init sets up this MetadataDefragContext to be used in a fresh defragmentation run. MetadataDefragContext can
// be reused for multiple runs, as long as this method is called prior to beginning each run, including the first
func (c *MetadataDefragContext[T]) Init() error {
	if c.BlockList == nil {
		panic("attempted to init defragmentation context without a block list")
	}

	for index := 0; index < c.BlockList.BlockCount(); index++ {
		mtData := c.BlockList.MetadataForBlock(index)
		if !mtData.SupportsRandomAccess() {
			return errors.New("attempted to defragment a BlockList that does not support random access- non-random access allocators such as Linear allocators cannot be and do not need to be defragmented")
		}
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmBalanced
	}

	if !c.Algorithm.Valid() {
		return fmt.Errorf("unknown defragmentation algorithm: %d", c.Algorithm)
	}

	if c.Balanced == (BalancedHeuristics{}) {
		c.Balanced = DefaultBalancedHeuristics()
	}
	if c.Balanced.FreeRegionDivisor < 1 {
		c.Balanced.FreeRegionDivisor = 1
	}

	c.moves = c.moves[:0]
	c.immovableBlockCount = 0
	c.balancedState.Invalidate()

	return nil
}

// BlockListCompletePass should be called after a defragmentation pass has been worked: BlockListCollectMoves
// have been called, we have copied data over for all relocation operations found, and the set of DefragmentationMove
// operations have had their operation type changed away from MoveOperationCopy if necessary.
//
// This method will clean up the pass by updating the pass's DefragmentationStats, calling MetadataDefragContext.Handler
// for each operation, and moving blocks with immovable allocations to the front of the BlockList. Errors returned
// from MetadataDefragContext.Handler are combined and returned. The boolean return is true if any move
// was a copy or a destroy, meaning that another pass may find more work to do.
func (c *MetadataDefragContext[T]) BlockListCompletePass(pass *PassContext) (bool, error) {
	var immovableBlocks []metadata.BlockMetadata
	var allErrors []error
	progressed := false

	for i := 0; i < len(c.moves); i++ {
		move := c.moves[i]

		c.scratchStats.Clear()
		c.BlockList.AddStatistics(&c.scratchStats)
		prevCount := c.scratchStats.BlockCount
		prevBytes := c.scratchStats.BlockBytes

		err := c.Handler(move)
		if err != nil {
			allErrors = append(allErrors, err)
			continue
		}

		c.scratchStats.Clear()
		c.BlockList.AddStatistics(&c.scratchStats)
		pass.Stats.HeapsFreed += prevCount - c.scratchStats.BlockCount
		pass.Stats.BytesFreed += prevBytes - c.scratchStats.BlockBytes

		switch move.MoveOperation {
		case MoveOperationCopy:
			progressed = true

		case MoveOperationIgnore:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			immovableBlocks = append(immovableBlocks, move.SrcBlockMetadata)

		case MoveOperationDestroy:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			progressed = true
		}
	}

	// Move blocks with immovable allocations to the beginning
	for _, block := range immovableBlocks {
		c.swapImmovableBlock(block)
	}

	c.moves = c.moves[:0]

	if len(allErrors) == 1 {
		return progressed, allErrors[0]
	}

	return progressed, errors.Join(allErrors...)
}

func (c *MetadataDefragContext[T]) swapImmovableBlock(mtdata metadata.BlockMetadata) {
	c.BlockList.Lock()
	defer c.BlockList.Unlock()

	for i := c.immovableBlockCount; i < c.BlockList.BlockCount(); i++ {
		if c.BlockList.MetadataForBlock(i) == mtdata {
			c.BlockList.SwapBlocks(i, c.immovableBlockCount)
			c.immovableBlockCount++
			return
		}
	}
}

// BlockListCollectMoves will retrieve relocation operations for this BlockList into the current pass.
// Those operations can be retrieved from MetadataDefragContext.Moves. The boolean return is true
// when the pass has reached one of its limits and no further block lists should be visited.
func (c *MetadataDefragContext[T]) BlockListCollectMoves(pass *PassContext) (bool, error) {
	c.BlockList.Lock()
	defer c.BlockList.Unlock()

	if c.BlockList.BlockCount() > 1 {
		switch c.Algorithm {
		case AlgorithmFast:
			return c.walkSuballocations(pass, c.defragFastSuballocHandler)
		case AlgorithmBalanced:
			return c.defragBalanced(pass, false)
		case AlgorithmFull:
			return c.walkSuballocations(pass, c.defragFullSuballocHandler)
		default:
			panic(fmt.Sprintf("attempted to defragment with unknown algorithm: %s", c.Algorithm.String()))
		}
	} else if c.BlockList.BlockCount() == 1 && c.Algorithm != AlgorithmFast {
		return c.reallocWithinBlock(pass, 0)
	}

	return false, nil
}

// Moves returns the list of relocation operations collected by BlockListCollectMoves since the last
// call to BlockListCompletePass
func (c *MetadataDefragContext[T]) Moves() []DefragmentationMove[T] {
	return c.moves
}

func (c *MetadataDefragContext[T]) mustBeginAllocationList(mtdata metadata.BlockMetadata) metadata.BlockAllocationHandle {
	handle, err := mtdata.AllocationListBegin()
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting first allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindNextAllocation(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) metadata.BlockAllocationHandle {
	handle, err := mtdata.FindNextAllocation(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindNextFreeRegionSize(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) int {
	size, err := mtdata.FindNextFreeRegionSize(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next free region size: %+v", err))
	}

	return size
}

func (c *MetadataDefragContext[T]) mustFindOffset(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) int {
	offset, err := mtdata.AllocationOffset(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting allocation offset: %+v", err))
	}

	return offset
}

func (c *MetadataDefragContext[T]) getMoveData(handle metadata.BlockAllocationHandle, mtdata metadata.BlockMetadata) (MoveAllocationData[T], bool) {
	userData, err := mtdata.AllocationUserData(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving allocation user data: %+v", err))
	}

	// Reservations made by this context are never moved again
	if userData == c {
		return MoveAllocationData[T]{}, true
	}

	moveData := c.BlockList.MoveDataForUserData(userData)
	moveData.Move.SrcBlockMetadata = mtdata
	return moveData, false
}

// allocInOtherBlock tries the blocks in [start, end) in order and records a move into the first one
// with room. It returns true only when the move filled the pass.
func (c *MetadataDefragContext[T]) allocInOtherBlock(pass *PassContext, start, end int, data *MoveAllocationData[T]) (bool, error) {
	for ; start < end; start++ {
		dstMetadata := c.BlockList.MetadataForBlock(start)
		if dstMetadata.SumFreeSize() < data.Move.Size {
			continue
		}

		success, request, err := dstMetadata.CreateAllocationRequest(data.Move.Size, data.Alignment, false, 0, math.MaxInt)
		if err != nil {
			return false, err
		} else if !success {
			continue
		}

		data.Move.DstTmpAllocation, err = c.BlockList.CommitDefragAllocationRequest(request, start, data.Alignment, c)
		if err != nil {
			return false, err
		}

		data.Move.DstBlockMetadata = dstMetadata
		c.moves = append(c.moves, data.Move)
		return pass.incrementCounters(data.Move.Size), nil
	}

	return false, nil
}

// allocIfLowerOffset records a move within the source block if a region below offset can take the allocation
func (c *MetadataDefragContext[T]) allocIfLowerOffset(pass *PassContext, offset int, blockIndex int, mtdata metadata.BlockMetadata, moveData *MoveAllocationData[T]) (bool, error) {
	success, allocRequest, err := mtdata.CreateAllocationRequest(
		moveData.Move.Size,
		moveData.Alignment,
		false,
		metadata.AllocationStrategyMinOffset,
		offset,
	)
	if err != nil {
		return false, err
	}

	if !success || allocRequest.Item.Offset >= offset {
		return false, nil
	}

	moveData.Move.DstTmpAllocation, err = c.BlockList.CommitDefragAllocationRequest(allocRequest, blockIndex, moveData.Alignment, c)
	if err != nil {
		return false, err
	}

	moveData.Move.DstBlockMetadata = mtdata
	c.moves = append(c.moves, moveData.Move)
	return pass.incrementCounters(moveData.Move.Size), nil
}

type walkHandler[T any] func(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) (bool, error)

func (c *MetadataDefragContext[T]) walkBlock(pass *PassContext, blockIndex int, suballocHandler walkHandler[T]) (bool, error) {
	mtdata := c.BlockList.MetadataForBlock(blockIndex)

	for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
		moveData, immobile := c.getMoveData(handle, mtdata)
		if immobile {
			continue
		}

		counter := pass.checkCounters(moveData.Move.Size)
		switch counter {
		case defragCounterIgnore:
			continue
		case defragCounterEnd:
			return true, nil
		case defragCounterPass:
		default:
			panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
		}

		done, err := suballocHandler(pass, blockIndex, mtdata, handle, moveData)
		if err != nil || done {
			return done, err
		}
	}

	return false, nil
}

func (c *MetadataDefragContext[T]) walkSuballocations(pass *PassContext, suballocHandler walkHandler[T]) (bool, error) {
	// Go through allocation in last blocks and try to fit them inside first ones
	for blockIndex := c.BlockList.BlockCount() - 1; blockIndex > c.immovableBlockCount; blockIndex-- {
		done, err := c.walkBlock(pass, blockIndex, suballocHandler)
		if err != nil || done {
			return done, err
		}
	}

	return false, nil
}

func (c *MetadataDefragContext[T]) reallocWithinBlock(pass *PassContext, blockIndex int) (bool, error) {
	return c.walkBlock(pass, blockIndex, c.reallocSuballocHandler)
}

func (c *MetadataDefragContext[T]) reallocSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) (bool, error) {
	offset := c.mustFindOffset(mtdata, handle)
	if offset == 0 || mtdata.SumFreeSize() < moveData.Move.Size {
		return false, nil
	}

	return c.allocIfLowerOffset(pass, offset, blockIndex, mtdata, &moveData)
}

func (c *MetadataDefragContext[T]) defragFastSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) (bool, error) {
	return c.allocInOtherBlock(pass, 0, blockIndex, &moveData)
}

func (c *MetadataDefragContext[T]) defragFullSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) (bool, error) {
	// Check all previous blocks for free space
	prevMoveCount := len(c.moves)
	done, err := c.allocInOtherBlock(pass, 0, blockIndex, &moveData)
	if err != nil || done || prevMoveCount != len(c.moves) {
		return done, err
	}

	// If no room found then realloc within block for lower offset
	return c.reallocSuballocHandler(pass, blockIndex, mtdata, handle, moveData)
}

func (c *MetadataDefragContext[T]) defragBalanced(pass *PassContext, update bool) (bool, error) {
	if c.balancedState.Invalid() {
		c.balancedState.UpdateStatistics(c.BlockList)
	}

	startMoveCount := len(c.moves)
	minimalFreeRegion := c.balancedState.AverageFreeSize / c.Balanced.FreeRegionDivisor

	for blockIndex := c.BlockList.BlockCount() - 1; blockIndex > c.immovableBlockCount; blockIndex-- {
		mtdata := c.BlockList.MetadataForBlock(blockIndex)
		prevFreeRegionSize := 0

		for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
			moveData, immobile := c.getMoveData(handle, mtdata)
			if immobile {
				continue
			}

			counter := pass.checkCounters(moveData.Move.Size)
			switch counter {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				return true, nil
			case defragCounterPass:
			default:
				panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
			}

			// Check all previous blocks for free space
			prevMoveCount := len(c.moves)
			done, err := c.allocInOtherBlock(pass, 0, blockIndex, &moveData)
			if err != nil || done {
				return done, err
			}

			nextFreeRegionSize := c.mustFindNextFreeRegionSize(mtdata, handle)

			// If no room found then realloc within block for lower offset, but only if the gaps make it worthwhile
			offset := c.mustFindOffset(mtdata, handle)
			if prevMoveCount == len(c.moves) && offset != 0 && mtdata.SumFreeSize() >= moveData.Move.Size &&
				c.worthReallocating(moveData.Move.Size, prevFreeRegionSize, nextFreeRegionSize, minimalFreeRegion) {

				done, err = c.allocIfLowerOffset(pass, offset, blockIndex, mtdata, &moveData)
				if err != nil || done {
					return done, err
				}
			}

			prevFreeRegionSize = nextFreeRegionSize
		}
	}

	// No moves performed, refresh statistics to the current state and try once more
	if startMoveCount == len(c.moves) && !update {
		c.balancedState.Invalidate()
		return c.defragBalanced(pass, true)
	}

	return false, nil
}

func (c *MetadataDefragContext[T]) worthReallocating(size, prevFreeRegionSize, nextFreeRegionSize, minimalFreeRegion int) bool {
	if prevFreeRegionSize >= minimalFreeRegion || nextFreeRegionSize >= minimalFreeRegion {
		return true
	}

	if c.Balanced.CompareAverageFreeSize && size <= c.balancedState.AverageFreeSize {
		return true
	}

	return c.Balanced.CompareAverageAllocSize && size <= c.balancedState.AverageAllocSize
}
