package defrag_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/defrag"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

type testAlloc struct {
	name   string
	block  *testBlock
	handle metadata.BlockAllocationHandle
	size   int
}

func (a *testAlloc) offset(t *testing.T) int {
	offset, err := a.block.md.AllocationOffset(a.handle)
	require.NoError(t, err)
	return offset
}

type testBlock struct {
	md metadata.BlockMetadata
}

// testBlockList is a minimal block list over real TLSF metadata. Blocks are dropped as soon as
// they become empty.
type testBlockList struct {
	blocks []*testBlock
}

var _ defrag.BlockList[testAlloc] = &testBlockList{}

func newTestBlockList(sizes ...int) *testBlockList {
	list := &testBlockList{}
	for _, size := range sizes {
		md := metadata.NewTLSFBlockMetadata(0)
		md.Init(size)
		list.blocks = append(list.blocks, &testBlock{md: md})
	}
	return list
}

func (l *testBlockList) alloc(t *testing.T, blockIndex int, name string, size int) *testAlloc {
	t.Helper()

	block := l.blocks[blockIndex]
	success, req, err := block.md.CreateAllocationRequest(size, 1, false, metadata.AllocationStrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc := &testAlloc{name: name, block: block, handle: req.BlockAllocationHandle, size: size}
	require.NoError(t, block.md.Alloc(req, alloc))
	return alloc
}

func (l *testBlockList) free(t *testing.T, alloc *testAlloc) {
	t.Helper()
	require.NoError(t, l.freeAlloc(alloc))
}

func (l *testBlockList) freeAlloc(alloc *testAlloc) error {
	err := alloc.block.md.Free(alloc.handle)
	if err != nil {
		return err
	}

	if alloc.block.md.IsEmpty() {
		for i, block := range l.blocks {
			if block == alloc.block {
				l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (l *testBlockList) indexOf(block *testBlock) int {
	for i, b := range l.blocks {
		if b == block {
			return i
		}
	}
	return -1
}

func (l *testBlockList) MetadataForBlock(index int) metadata.BlockMetadata {
	return l.blocks[index].md
}

func (l *testBlockList) BlockCount() int { return len(l.blocks) }

func (l *testBlockList) AddStatistics(stats *memutils.Statistics) {
	for _, block := range l.blocks {
		block.md.AddStatistics(stats)
	}
}

func (l *testBlockList) MoveDataForUserData(userData any) defrag.MoveAllocationData[testAlloc] {
	alloc := userData.(*testAlloc)
	return defrag.MoveAllocationData[testAlloc]{
		Alignment: 1,
		Move: defrag.DefragmentationMove[testAlloc]{
			Size:          alloc.size,
			SrcAllocation: alloc,
		},
	}
}

func (l *testBlockList) Lock()   {}
func (l *testBlockList) Unlock() {}

func (l *testBlockList) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, userData any) (*testAlloc, error) {
	block := l.blocks[blockIndex]
	err := block.md.Alloc(allocRequest, userData)
	if err != nil {
		return nil, err
	}

	return &testAlloc{name: "tmp", block: block, handle: allocRequest.BlockAllocationHandle, size: allocRequest.Size}, nil
}

func (l *testBlockList) SwapBlocks(leftIndex, rightIndex int) {
	l.blocks[leftIndex], l.blocks[rightIndex] = l.blocks[rightIndex], l.blocks[leftIndex]
}

// completeMove applies a move the way an allocator would: copies take over the destination region
func (l *testBlockList) completeMove(move defrag.DefragmentationMove[testAlloc]) error {
	src, dst := move.SrcAllocation, move.DstTmpAllocation

	switch move.MoveOperation {
	case defrag.MoveOperationCopy:
		src.block, dst.block = dst.block, src.block
		src.handle, dst.handle = dst.handle, src.handle
		if err := src.block.md.SetAllocationUserData(src.handle, src); err != nil {
			return err
		}
	case defrag.MoveOperationDestroy:
		if err := l.freeAlloc(src); err != nil {
			return err
		}
	}

	return l.freeAlloc(dst)
}

func newContext(t *testing.T, list *testBlockList, algorithm defrag.Algorithm) *defrag.MetadataDefragContext[testAlloc] {
	t.Helper()

	ctx := &defrag.MetadataDefragContext[testAlloc]{
		Algorithm: algorithm,
		BlockList: list,
		Handler:   list.completeMove,
	}
	require.NoError(t, ctx.Init())
	return ctx
}

func unlimitedPass() *defrag.PassContext {
	return &defrag.PassContext{
		MaxPassBytes:       math.MaxInt,
		MaxPassAllocations: math.MaxInt,
	}
}

var errFailedMove = errors.New("move failed")
