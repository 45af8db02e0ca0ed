package heapmem

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/defrag"
	"github.com/vkngwrapper/arsenal/heapmem/simdevice"
)

// fragmentedPool returns a pool of two 8MB blocks: the first holds six 1MB allocations and the
// second holds only the returned sparse allocation
func fragmentedPool(t *testing.T) (*simdevice.Device, *Allocator, *Pool, []*Allocation, *Allocation) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	pool, err := allocator.CreatePool(PoolCreateInfo{BlockSize: 8 * mb})
	require.NoError(t, err)

	var allocs []*Allocation
	for i := 0; i < 9; i++ {
		alloc, err := pool.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	require.Equal(t, 2, pool.Statistics().BlockCount)

	sparse := allocs[8]
	require.NotEqual(t, allocs[0].Heap(), sparse.Heap())

	releaseAll(t, allocs[0], allocs[1])
	return dev, allocator, pool, allocs[2:8], sparse
}

func runDefragmentation(t *testing.T, context *DefragmentationContext) {
	for pass := 0; pass < 16; pass++ {
		moves, err := context.BeginPass()
		require.NoError(t, err)
		if len(moves) == 0 {
			return
		}

		done, err := context.EndPass(moves)
		require.NoError(t, err)
		if done {
			return
		}
	}

	t.Fatal("defragmentation did not finish")
}

func TestDefragmentFastEmptiesSparseBlock(t *testing.T) {
	dev, allocator, pool, dense, sparse := fragmentedPool(t)

	context, err := allocator.BeginDefragmentation(pool, DefragmentationInfo{Algorithm: defrag.AlgorithmFast})
	require.NoError(t, err)

	moves, err := context.BeginPass()
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.Equal(t, sparse, moves[0].SrcAllocation)
	require.Equal(t, defrag.MoveOperationCopy, moves[0].MoveOperation)
	require.Equal(t, mb, moves[0].Size)
	require.Equal(t, dense[0].Heap(), moves[0].DstTmpAllocation.Heap())

	_, err = context.BeginPass()
	require.True(t, errors.Is(err, ErrInvalidArgument))

	done, err := context.EndPass(moves)
	require.NoError(t, err)
	require.False(t, done)

	// The sparse allocation now lives in the first block and the second block is gone
	require.Equal(t, dense[0].Heap(), sparse.Heap())
	require.False(t, sparse.WasZeroInitialized())
	require.Equal(t, 1, pool.Statistics().BlockCount)
	require.Len(t, dev.LiveHeaps(), 1)

	moves, err = context.BeginPass()
	require.NoError(t, err)
	require.Empty(t, moves)

	stats := context.Stats()
	require.Equal(t, 1, stats.AllocationsMoved)
	require.Equal(t, mb, stats.BytesMoved)
	require.Equal(t, 1, stats.HeapsFreed)
	require.Equal(t, 8*mb, stats.BytesFreed)
	context.Close()

	releaseAll(t, dense...)
	releaseAll(t, sparse)
	require.NoError(t, pool.Destroy())
	destroyAllocator(t, dev, allocator)
}

func TestDefragmentAlgorithmsFinish(t *testing.T) {
	algorithms := map[string]defrag.Algorithm{
		"Default":  0,
		"Fast":     defrag.AlgorithmFast,
		"Balanced": defrag.AlgorithmBalanced,
		"Full":     defrag.AlgorithmFull,
	}

	for name, algorithm := range algorithms {
		algorithm := algorithm
		t.Run(name, func(t *testing.T) {
			dev, allocator, pool, dense, sparse := fragmentedPool(t)

			context, err := allocator.BeginDefragmentation(pool, DefragmentationInfo{Algorithm: algorithm})
			require.NoError(t, err)
			runDefragmentation(t, context)
			context.Close()

			require.Equal(t, 1, pool.Statistics().BlockCount)
			require.Equal(t, 7, pool.Statistics().AllocationCount)
			require.GreaterOrEqual(t, context.Stats().HeapsFreed, 1)

			releaseAll(t, dense...)
			releaseAll(t, sparse)
			require.NoError(t, pool.Destroy())
			destroyAllocator(t, dev, allocator)
		})
	}
}

func TestDefragmentMovesResources(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	pool, err := allocator.CreatePool(PoolCreateInfo{BlockSize: 4 * mb})
	require.NoError(t, err)

	var allocs []*Allocation
	for i := 0; i < 5; i++ {
		alloc, err := pool.CreateResource(AllocationCreateInfo{}, bufferDesc(mb))
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	releaseAll(t, allocs[0])
	moved := allocs[4]

	context, err := allocator.BeginDefragmentation(pool, DefragmentationInfo{Algorithm: defrag.AlgorithmFast})
	require.NoError(t, err)

	moves, err := context.BeginPass()
	require.NoError(t, err)
	require.Len(t, moves, 1)

	// Recreate the resource at its destination the way an application would after copying it
	oldResource := moved.Resource()
	newResource, err := allocator.CreateAliasingResource(moves[0].DstTmpAllocation, 0, oldResource.Desc())
	require.NoError(t, err)
	require.NoError(t, oldResource.Release())
	moved.SetResource(newResource)

	_, err = context.EndPass(moves)
	require.NoError(t, err)
	context.Close()

	require.Equal(t, moved.Heap(), moved.Resource().Heap())
	require.Equal(t, moved.Offset(), moved.Resource().Offset())
	require.Len(t, dev.LiveHeaps(), 1)

	releaseAll(t, allocs[1:]...)
	require.NoError(t, pool.Destroy())
	destroyAllocator(t, dev, allocator)
}

func TestDefragmentIgnoredMove(t *testing.T) {
	dev, allocator, pool, dense, sparse := fragmentedPool(t)
	sparseHeap := sparse.Heap()

	context, err := allocator.BeginDefragmentation(pool, DefragmentationInfo{Algorithm: defrag.AlgorithmFast})
	require.NoError(t, err)

	moves, err := context.BeginPass()
	require.NoError(t, err)
	require.Len(t, moves, 1)
	moves[0].MoveOperation = defrag.MoveOperationIgnore

	done, err := context.EndPass(moves)
	require.NoError(t, err)
	require.True(t, done)
	context.Close()

	require.Equal(t, sparseHeap, sparse.Heap())
	require.Equal(t, 2, pool.Statistics().BlockCount)
	require.Equal(t, 7, pool.Statistics().AllocationCount)
	require.Equal(t, 0, context.Stats().AllocationsMoved)

	releaseAll(t, dense...)
	releaseAll(t, sparse)
	require.NoError(t, pool.Destroy())
	destroyAllocator(t, dev, allocator)
}

func TestDefragmentDestroyedMove(t *testing.T) {
	dev, allocator, pool, dense, _ := fragmentedPool(t)

	context, err := allocator.BeginDefragmentation(pool, DefragmentationInfo{Algorithm: defrag.AlgorithmFast})
	require.NoError(t, err)

	moves, err := context.BeginPass()
	require.NoError(t, err)
	require.Len(t, moves, 1)
	moves[0].MoveOperation = defrag.MoveOperationDestroy

	_, err = context.EndPass(moves)
	require.NoError(t, err)
	context.Close()

	// The source was freed in place of being moved
	require.Equal(t, 0, moves[0].SrcAllocation.RefCount())
	require.Equal(t, 1, pool.Statistics().BlockCount)
	require.Equal(t, 6, pool.Statistics().AllocationCount)

	releaseAll(t, dense...)
	require.NoError(t, pool.Destroy())
	destroyAllocator(t, dev, allocator)
}

func TestDefragmentPassValidation(t *testing.T) {
	dev, allocator, pool, dense, sparse := fragmentedPool(t)

	context, err := allocator.BeginDefragmentation(pool, DefragmentationInfo{Algorithm: defrag.AlgorithmFast})
	require.NoError(t, err)

	// Ending a pass that was never begun is a no-op
	done, err := context.EndPass(nil)
	require.NoError(t, err)
	require.True(t, done)

	moves, err := context.BeginPass()
	require.NoError(t, err)
	require.Len(t, moves, 1)

	_, err = context.EndPass(nil)
	require.True(t, errors.Is(err, ErrInvalidArgument))

	wrongSource := append([]DefragmentationMove{}, moves...)
	wrongSource[0].SrcAllocation = dense[0]
	_, err = context.EndPass(wrongSource)
	require.True(t, errors.Is(err, ErrInvalidArgument))

	// Closing with the pass still open releases the reservation and moves nothing
	context.Close()
	require.Equal(t, 2, pool.Statistics().BlockCount)
	require.Equal(t, 7, pool.Statistics().AllocationCount)

	_, err = context.BeginPass()
	require.True(t, errors.Is(err, ErrInvalidArgument))

	releaseAll(t, dense...)
	releaseAll(t, sparse)
	require.NoError(t, pool.Destroy())
	destroyAllocator(t, dev, allocator)
}

func TestDefragmentPassLimits(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	pool, err := allocator.CreatePool(PoolCreateInfo{BlockSize: 8 * mb})
	require.NoError(t, err)

	var allocs []*Allocation
	for i := 0; i < 12; i++ {
		alloc, err := pool.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	// Leave four allocations in the second block and room for them in the first
	releaseAll(t, allocs[0], allocs[1], allocs[2], allocs[3])
	live := allocs[4:]

	context, err := allocator.BeginDefragmentation(pool, DefragmentationInfo{
		Algorithm:             defrag.AlgorithmFast,
		MaxAllocationsPerPass: 1,
	})
	require.NoError(t, err)

	passes := 0
	for ; passes < 16; passes++ {
		moves, err := context.BeginPass()
		require.NoError(t, err)
		if len(moves) == 0 {
			break
		}
		require.Len(t, moves, 1)

		done, err := context.EndPass(moves)
		require.NoError(t, err)
		if done {
			break
		}
	}
	context.Close()

	require.Equal(t, 4, passes)
	require.Equal(t, 4, context.Stats().AllocationsMoved)
	require.Equal(t, 1, pool.Statistics().BlockCount)

	releaseAll(t, live...)
	require.NoError(t, pool.Destroy())
	destroyAllocator(t, dev, allocator)
}

func TestDefragmentDefaultPools(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	alloc, err := allocator.AllocateMemory(AllocationCreateInfo{HeapType: device.HeapTypeUpload}, AllocationInfo{Size: mb})
	require.NoError(t, err)

	context, err := allocator.BeginDefragmentation(nil, DefragmentationInfo{})
	require.NoError(t, err)
	runDefragmentation(t, context)
	context.Close()
	require.Equal(t, 0, context.Stats().AllocationsMoved)

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestBeginDefragmentationValidation(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	_, err := allocator.BeginDefragmentation(nil, DefragmentationInfo{Algorithm: defrag.Algorithm(42)})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.BeginDefragmentation(nil, DefragmentationInfo{MaxBytesPerPass: -1})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	linear, err := allocator.CreatePool(PoolCreateInfo{Flags: PoolCreateLinearAlgorithm})
	require.NoError(t, err)
	_, err = allocator.BeginDefragmentation(linear, DefragmentationInfo{})
	require.True(t, errors.Is(err, ErrUnsupported))

	require.NoError(t, linear.Destroy())
	destroyAllocator(t, dev, allocator)
}
