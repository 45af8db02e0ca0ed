package heapmem

import (
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/defrag"
)

// DefragmentationInfo is used to specify options for a defragmentation run
type DefragmentationInfo struct {
	// Algorithm selects the defragmentation algorithm. 0 means defrag.AlgorithmBalanced.
	Algorithm defrag.Algorithm
	// Balanced holds the thresholds of defrag.AlgorithmBalanced. The zero value means
	// defrag.DefaultBalancedHeuristics.
	Balanced defrag.BalancedHeuristics

	// MaxBytesPerPass is the maximum number of bytes to relocate in each pass, or 0 for no limit. If
	// one pass is performed per frame, this bounds the amount of copying done in a single frame.
	MaxBytesPerPass int
	// MaxAllocationsPerPass is the maximum number of allocations to relocate in each pass, or 0 for
	// no limit
	MaxAllocationsPerPass int
}

// DefragmentationMove is a single relocation returned from DefragmentationContext.BeginPass
type DefragmentationMove = defrag.DefragmentationMove[Allocation]

// DefragmentationContext is a single run of the defragmentation algorithm over one custom pool or over
// every default pool. A run consists of passes, each of which may be spread out over an extended
// period of time: between BeginPass and EndPass the caller copies each source allocation's data to
// its destination and recreates its resource there.
type DefragmentationContext struct {
	allocator *Allocator
	logger    *slog.Logger

	maxPassBytes       int
	maxPassAllocations int

	blockLists []*memoryBlockList
	context    []defrag.MetadataDefragContext[Allocation]
	pass       defrag.PassContext
	passOpen   bool
	closed     bool
	stats      defrag.DefragmentationStats
}

// BeginDefragmentation starts a defragmentation run over pool, or over the default pools if pool is
// nil. Linear pools cannot be defragmented and return ErrUnsupported.
func (a *Allocator) BeginDefragmentation(pool *Pool, info DefragmentationInfo) (*DefragmentationContext, error) {
	a.logger.Debug("Allocator::BeginDefragmentation",
		slog.String("Algorithm", info.Algorithm.String()),
	)

	if info.Algorithm != 0 && !info.Algorithm.Valid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown defragmentation algorithm %d", info.Algorithm)
	}
	if info.MaxBytesPerPass < 0 || info.MaxAllocationsPerPass < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "pass limits cannot be negative")
	}

	c := &DefragmentationContext{
		allocator:          a,
		logger:             a.logger,
		maxPassBytes:       info.MaxBytesPerPass,
		maxPassAllocations: info.MaxAllocationsPerPass,
	}
	if c.maxPassBytes == 0 {
		c.maxPassBytes = math.MaxInt
	}
	if c.maxPassAllocations == 0 {
		c.maxPassAllocations = math.MaxInt
	}

	if pool != nil {
		if pool.blockList.Algorithm() == PoolCreateLinearAlgorithm {
			return nil, errors.Wrap(ErrUnsupported, "linear pools cannot be defragmented")
		}
		c.blockLists = []*memoryBlockList{&pool.blockList}
	} else {
		for _, blockList := range a.blockLists {
			if blockList != nil {
				c.blockLists = append(c.blockLists, blockList)
			}
		}
	}

	c.context = make([]defrag.MetadataDefragContext[Allocation], len(c.blockLists))
	for index, blockList := range c.blockLists {
		blockList.Lock()
		blockList.incrementalSort = false
		blockList.SortByFreeSize()
		blockList.Unlock()

		c.context[index] = defrag.MetadataDefragContext[Allocation]{
			Algorithm: info.Algorithm,
			Balanced:  info.Balanced,
			Handler:   c.completePassForMove,
			BlockList: blockList,
		}

		err := c.context[index].Init()
		if err != nil {
			c.Close()
			return nil, errors.Mark(err, ErrUnsupported)
		}
	}

	return c, nil
}

// BeginPass collects the relocations for the next pass. An empty slice means the run is complete.
// Each move's MoveOperation is defrag.MoveOperationCopy; the caller may change it to
// defrag.MoveOperationIgnore or defrag.MoveOperationDestroy before passing the slice to EndPass.
func (c *DefragmentationContext) BeginPass() ([]DefragmentationMove, error) {
	c.logger.Debug("DefragmentationContext::BeginPass")

	if c.closed {
		return nil, errors.Wrap(ErrInvalidArgument, "the defragmentation context has been closed")
	}
	if c.passOpen {
		return nil, errors.Wrap(ErrInvalidArgument, "the previous pass has not been ended")
	}

	c.pass = defrag.PassContext{
		MaxPassBytes:       c.maxPassBytes,
		MaxPassAllocations: c.maxPassAllocations,
	}

	var moves []DefragmentationMove
	for index := range c.context {
		full, err := c.context[index].BlockListCollectMoves(&c.pass)
		moves = append(moves, c.context[index].Moves()...)
		if err != nil {
			c.abandonPass()
			return nil, err
		}

		if full {
			break
		}
	}

	c.passOpen = len(moves) > 0
	return moves, nil
}

// EndPass applies the operations of the moves returned by the last BeginPass. Copy moves leave the
// source allocation at its destination, Ignore moves leave it where it was and Destroy moves free it.
// Blocks emptied by the pass are released. The returned bool is true when the run is complete.
//
// Before ending a Copy move the caller must have recreated the allocation's resource at the
// destination, released the old resource and called Allocation.SetResource.
func (c *DefragmentationContext) EndPass(moves []DefragmentationMove) (bool, error) {
	c.logger.Debug("DefragmentationContext::EndPass")

	if !c.passOpen {
		return true, nil
	}

	moveIndex := 0
	for index := range c.context {
		contextMoves := c.context[index].Moves()
		if moveIndex+len(contextMoves) > len(moves) {
			return false, errors.Wrapf(ErrInvalidArgument, "EndPass received %d moves but the pass has more", len(moves))
		}

		for i := range contextMoves {
			if moves[moveIndex].SrcAllocation != contextMoves[i].SrcAllocation {
				return false, errors.Wrap(ErrInvalidArgument, "EndPass received moves in a different order than BeginPass returned them")
			}
			contextMoves[i].MoveOperation = moves[moveIndex].MoveOperation
			moveIndex++
		}
	}
	if moveIndex != len(moves) {
		return false, errors.Wrapf(ErrInvalidArgument, "EndPass received %d moves but the pass has %d", len(moves), moveIndex)
	}

	var err error
	progressed := false
	for index := range c.context {
		contextProgressed, passErr := c.context[index].BlockListCompletePass(&c.pass)
		progressed = progressed || contextProgressed
		err = errors.CombineErrors(err, passErr)
	}

	for _, blockList := range c.blockLists {
		var before, after memutils.Statistics
		blockList.AddStatistics(&before)

		removeErr := blockList.RemoveEmptyBlocks()
		err = errors.CombineErrors(err, removeErr)

		blockList.AddStatistics(&after)
		c.pass.Stats.HeapsFreed += before.BlockCount - after.BlockCount
		c.pass.Stats.BytesFreed += before.BlockBytes - after.BlockBytes
	}

	c.stats.Add(c.pass.Stats)
	c.passOpen = false

	return !progressed, err
}

// Stats returns the totals of every pass ended so far
func (c *DefragmentationContext) Stats() defrag.DefragmentationStats {
	return c.stats
}

// Close ends the run and restores the pools' normal block ordering. A pass that is still open is
// ended as if every move was ignored.
func (c *DefragmentationContext) Close() {
	c.logger.Debug("DefragmentationContext::Close")

	if c.closed {
		return
	}

	if c.passOpen {
		c.abandonPass()
	}

	for _, blockList := range c.blockLists {
		blockList.Lock()
		blockList.incrementalSort = true
		blockList.Unlock()
	}
	c.closed = true
}

// abandonPass releases every reservation collected for the current pass without moving anything
func (c *DefragmentationContext) abandonPass() {
	for index := range c.context {
		moves := c.context[index].Moves()
		for i := range moves {
			moves[i].MoveOperation = defrag.MoveOperationIgnore
		}
		_, err := c.context[index].BlockListCompletePass(&c.pass)
		if err != nil {
			c.logger.Error("error attempting to release reservations of an abandoned pass", slog.Any("error", err))
		}
	}
	c.passOpen = false
}

func (c *DefragmentationContext) completePassForMove(move DefragmentationMove) error {
	switch move.MoveOperation {
	case defrag.MoveOperationCopy:
		placed, ok := move.SrcAllocation.variant.(*placedVariant)
		if !ok {
			return errors.AssertionFailedf("the source of a move is a %s allocation", move.SrcAllocation.Kind())
		}

		placed.blockList.Lock()
		move.SrcAllocation.swapBlockAllocation(move.DstTmpAllocation)
		placed.blockList.Unlock()

	case defrag.MoveOperationDestroy:
		move.SrcAllocation.refCount.Store(0)
		err := c.allocator.freeAllocation(move.SrcAllocation)
		if err != nil {
			c.logger.Error("error attempting to free the source of a destroyed move", slog.Any("error", err))
		}
	}

	return c.allocator.freeAllocation(move.DstTmpAllocation)
}
