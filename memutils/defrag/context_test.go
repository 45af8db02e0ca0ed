package defrag_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/defrag"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

func TestFastMovesIntoEarlierBlock(t *testing.T) {
	list := newTestBlockList(1000, 1000)
	list.alloc(t, 0, "resident", 500)
	straggler := list.alloc(t, 1, "straggler", 100)

	ctx := newContext(t, list, defrag.AlgorithmFast)
	pass := unlimitedPass()

	full, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.False(t, full)
	require.Len(t, ctx.Moves(), 1)

	move := ctx.Moves()[0]
	require.Equal(t, straggler, move.SrcAllocation)
	require.Equal(t, 100, move.Size)
	require.Same(t, list.blocks[0].md, move.DstBlockMetadata)
	require.Same(t, list.blocks[1].md, move.SrcBlockMetadata)

	progressed, err := ctx.BlockListCompletePass(pass)
	require.NoError(t, err)
	require.True(t, progressed)
	require.Empty(t, ctx.Moves())

	require.Equal(t, defrag.DefragmentationStats{
		BytesMoved:       100,
		AllocationsMoved: 1,
		BytesFreed:       1000,
		HeapsFreed:       1,
	}, pass.Stats)
	require.Equal(t, 1, list.BlockCount())
	require.Equal(t, 0, list.indexOf(straggler.block))
	require.Equal(t, 500, straggler.offset(t))

	// Fast never works within a single block
	pass = unlimitedPass()
	full, err = ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.False(t, full)
	require.Empty(t, ctx.Moves())

	progressed, err = ctx.BlockListCompletePass(pass)
	require.NoError(t, err)
	require.False(t, progressed)
}

func TestFullCompactsSingleBlock(t *testing.T) {
	list := newTestBlockList(1000)
	first := list.alloc(t, 0, "first", 100)
	second := list.alloc(t, 0, "second", 100)
	list.free(t, first)

	ctx := newContext(t, list, defrag.AlgorithmFull)
	pass := unlimitedPass()

	_, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.Len(t, ctx.Moves(), 1)
	require.Equal(t, second, ctx.Moves()[0].SrcAllocation)

	_, err = ctx.BlockListCompletePass(pass)
	require.NoError(t, err)
	require.Equal(t, 0, second.offset(t))
	require.Equal(t, 1, list.blocks[0].md.AllocationCount())
	require.NoError(t, list.blocks[0].md.Validate())

	// Nothing left to do
	pass = unlimitedPass()
	_, err = ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.Empty(t, ctx.Moves())
}

func TestFullCompactsWithinLaterBlock(t *testing.T) {
	list := newTestBlockList(1000, 1000)
	list.alloc(t, 0, "full", 1000)
	gap := list.alloc(t, 1, "gap", 200)
	tail := list.alloc(t, 1, "tail", 100)
	list.free(t, gap)

	ctx := newContext(t, list, defrag.AlgorithmFull)
	pass := unlimitedPass()

	_, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.Len(t, ctx.Moves(), 1)
	require.Same(t, list.blocks[1].md, ctx.Moves()[0].DstBlockMetadata)

	_, err = ctx.BlockListCompletePass(pass)
	require.NoError(t, err)
	require.Equal(t, 0, tail.offset(t))
}

func TestFastIgnoresSingleBlock(t *testing.T) {
	list := newTestBlockList(1000)
	first := list.alloc(t, 0, "first", 100)
	list.alloc(t, 0, "second", 100)
	list.free(t, first)

	ctx := newContext(t, list, defrag.AlgorithmFast)
	_, err := ctx.BlockListCollectMoves(unlimitedPass())
	require.NoError(t, err)
	require.Empty(t, ctx.Moves())
}

func TestMaxPassAllocations(t *testing.T) {
	list := newTestBlockList(1000, 1000)
	list.alloc(t, 0, "resident", 100)
	list.alloc(t, 1, "x", 100)
	list.alloc(t, 1, "y", 100)

	ctx := newContext(t, list, defrag.AlgorithmFast)
	pass := unlimitedPass()
	pass.MaxPassAllocations = 1

	full, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.True(t, full)
	require.Len(t, ctx.Moves(), 1)
}

func TestMaxPassBytesIgnoresLargeAllocations(t *testing.T) {
	list := newTestBlockList(2000, 2000)
	for i := 0; i < 15; i++ {
		list.alloc(t, 1, "large", 100)
	}

	ctx := newContext(t, list, defrag.AlgorithmFast)
	pass := unlimitedPass()
	pass.MaxPassBytes = 50

	full, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.False(t, full)
	require.Empty(t, ctx.Moves())

	// One more oversized candidate in a row and the pass gives up
	list.alloc(t, 1, "large", 100)
	pass = unlimitedPass()
	pass.MaxPassBytes = 50

	full, err = ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.True(t, full)
	require.Empty(t, ctx.Moves())
}

func TestMaxPassBytesStopsAtLimit(t *testing.T) {
	list := newTestBlockList(1000, 1000)
	list.alloc(t, 1, "a", 100)
	list.alloc(t, 1, "b", 100)
	list.alloc(t, 1, "c", 100)

	ctx := newContext(t, list, defrag.AlgorithmFast)
	pass := unlimitedPass()
	pass.MaxPassBytes = 200

	full, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.True(t, full)
	require.Len(t, ctx.Moves(), 2)
	require.Equal(t, 200, pass.Stats.BytesMoved)
}

func TestIgnoreMarksBlockImmovable(t *testing.T) {
	list := newTestBlockList(1000, 1000, 1000)
	list.alloc(t, 0, "resident", 500)
	middle := list.alloc(t, 1, "middle", 100)
	last := list.alloc(t, 2, "last", 100)
	lastBlock := last.block

	ctx := newContext(t, list, defrag.AlgorithmFast)
	pass := unlimitedPass()

	_, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	moves := ctx.Moves()
	require.Len(t, moves, 2)
	require.Equal(t, last, moves[0].SrcAllocation)
	require.Equal(t, middle, moves[1].SrcAllocation)

	moves[0].MoveOperation = defrag.MoveOperationIgnore

	progressed, err := ctx.BlockListCompletePass(pass)
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, 1, pass.Stats.AllocationsMoved)
	require.Equal(t, 100, pass.Stats.BytesMoved)

	// The block holding the ignored allocation moved to the front and is left alone from now on
	require.Equal(t, 2, list.BlockCount())
	require.Equal(t, 0, list.indexOf(lastBlock))
	require.Same(t, lastBlock, last.block)

	pass = unlimitedPass()
	_, err = ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.Empty(t, ctx.Moves())
}

func TestDestroyFreesSource(t *testing.T) {
	list := newTestBlockList(1000, 1000)
	list.alloc(t, 0, "resident", 500)
	list.alloc(t, 1, "doomed", 100)

	ctx := newContext(t, list, defrag.AlgorithmFast)
	pass := unlimitedPass()

	_, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.Len(t, ctx.Moves(), 1)
	ctx.Moves()[0].MoveOperation = defrag.MoveOperationDestroy

	progressed, err := ctx.BlockListCompletePass(pass)
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, defrag.DefragmentationStats{
		BytesFreed: 1000,
		HeapsFreed: 1,
	}, pass.Stats)
	require.Equal(t, 1, list.BlockCount())
	require.Equal(t, 1, list.blocks[0].md.AllocationCount())
}

func TestBalancedSkipsSmallGaps(t *testing.T) {
	setup := func() *testBlockList {
		list := newTestBlockList(1000, 1000)
		list.alloc(t, 0, "full", 1000)
		a := list.alloc(t, 1, "a", 100)
		b := list.alloc(t, 1, "b", 50)
		list.alloc(t, 1, "c", 100)
		list.free(t, a)
		list.free(t, b)
		return list
	}

	// c is smaller than the average free region, so it is worth moving
	list := setup()
	ctx := newContext(t, list, defrag.AlgorithmBalanced)
	_, err := ctx.BlockListCollectMoves(unlimitedPass())
	require.NoError(t, err)
	require.Len(t, ctx.Moves(), 1)

	// Only the gap test applies: a 150 byte gap is under half the 450 byte average free size
	list = setup()
	ctx = &defrag.MetadataDefragContext[testAlloc]{
		Algorithm: defrag.AlgorithmBalanced,
		BlockList: list,
		Handler:   list.completeMove,
		Balanced:  defrag.BalancedHeuristics{FreeRegionDivisor: 2},
	}
	require.NoError(t, ctx.Init())
	_, err = ctx.BlockListCollectMoves(unlimitedPass())
	require.NoError(t, err)
	require.Empty(t, ctx.Moves())

	// A quarter of the average is small enough
	list = setup()
	ctx = &defrag.MetadataDefragContext[testAlloc]{
		Algorithm: defrag.AlgorithmBalanced,
		BlockList: list,
		Handler:   list.completeMove,
		Balanced:  defrag.BalancedHeuristics{FreeRegionDivisor: 4},
	}
	require.NoError(t, ctx.Init())
	pass := unlimitedPass()
	_, err = ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.Len(t, ctx.Moves(), 1)

	moved := ctx.Moves()[0].SrcAllocation
	_, err = ctx.BlockListCompletePass(pass)
	require.NoError(t, err)
	require.Equal(t, 0, moved.offset(t))
}

func TestBalancedMovesBetweenBlocks(t *testing.T) {
	list := newTestBlockList(1000, 1000)
	list.alloc(t, 0, "resident", 600)
	list.alloc(t, 1, "x", 100)
	list.alloc(t, 1, "y", 100)

	ctx := newContext(t, list, defrag.AlgorithmBalanced)
	pass := unlimitedPass()
	_, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)
	require.Len(t, ctx.Moves(), 2)

	progressed, err := ctx.BlockListCompletePass(pass)
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, 1, list.BlockCount())
	require.Equal(t, 1, pass.Stats.HeapsFreed)
}

func TestDefaultAlgorithmIsBalanced(t *testing.T) {
	list := newTestBlockList(1000)
	ctx := newContext(t, list, 0)
	require.Equal(t, defrag.AlgorithmBalanced, ctx.Algorithm)
	require.Equal(t, defrag.DefaultBalancedHeuristics(), ctx.Balanced)
}

func TestInitRejectsLinearBlocks(t *testing.T) {
	md := metadata.NewLinearBlockMetadata(0)
	md.Init(1000)
	list := &testBlockList{blocks: []*testBlock{{md: md}}}

	ctx := &defrag.MetadataDefragContext[testAlloc]{BlockList: list, Handler: list.completeMove}
	require.Error(t, ctx.Init())
}

func TestAlgorithmValid(t *testing.T) {
	require.True(t, defrag.AlgorithmFast.Valid())
	require.True(t, defrag.AlgorithmBalanced.Valid())
	require.True(t, defrag.AlgorithmFull.Valid())
	require.False(t, defrag.Algorithm(0).Valid())
	require.False(t, defrag.Algorithm(17).Valid())
	require.Equal(t, "AlgorithmUnknown", defrag.Algorithm(17).String())
}

func TestInitRejectsUnknownAlgorithm(t *testing.T) {
	list := newTestBlockList(1000)
	ctx := &defrag.MetadataDefragContext[testAlloc]{Algorithm: 17, BlockList: list, Handler: list.completeMove}
	require.Error(t, ctx.Init())
}

func TestHandlerErrorsAreReturned(t *testing.T) {
	list := newTestBlockList(1000, 1000)
	list.alloc(t, 0, "resident", 500)
	list.alloc(t, 1, "straggler", 100)

	ctx := &defrag.MetadataDefragContext[testAlloc]{
		Algorithm: defrag.AlgorithmFast,
		BlockList: list,
		Handler: func(move defrag.DefragmentationMove[testAlloc]) error {
			return errFailedMove
		},
	}
	require.NoError(t, ctx.Init())

	pass := unlimitedPass()
	_, err := ctx.BlockListCollectMoves(pass)
	require.NoError(t, err)

	_, err = ctx.BlockListCompletePass(pass)
	require.ErrorIs(t, err, errFailedMove)
}
