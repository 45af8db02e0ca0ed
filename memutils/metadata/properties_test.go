package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

var testAlignments = []uint{1, 4, 16, 64, 256}
var testStrategies = []metadata.AllocationStrategy{
	0,
	metadata.AllocationStrategyMinMemory,
	metadata.AllocationStrategyMinTime,
	metadata.AllocationStrategyMinOffset,
}

type liveAllocation struct {
	handle metadata.BlockAllocationHandle
	offset int
	size   int
}

func requireNoOverlap(t *testing.T, live []liveAllocation) {
	t.Helper()

	for i := range live {
		for j := i + 1; j < len(live); j++ {
			a, b := live[i], live[j]
			require.True(t, a.offset+a.size <= b.offset || b.offset+b.size <= a.offset,
				"allocations [%d,%d) and [%d,%d) overlap", a.offset, a.offset+a.size, b.offset, b.offset+b.size)
		}
	}
}

// requireUndiscoverable fails if some free region could have held the rejected request
func requireUndiscoverable(t *testing.T, md metadata.BlockMetadata, size int, alignment uint) {
	t.Helper()

	for _, r := range regions(t, md) {
		if !r.free {
			continue
		}
		aligned := memutils.AlignUp(r.offset, alignment)
		require.False(t, aligned+size <= r.offset+r.size,
			"request of size %d alignment %d was rejected but fits the free region [%d,%d)", size, alignment, r.offset, r.offset+r.size)
	}
}

func TestTLSFRandomSequences(t *testing.T) {
	for seed := int64(1); seed <= 8; seed++ {
		rng := rand.New(rand.NewSource(seed))
		tlsf := metadata.NewTLSFBlockMetadata(0)
		tlsf.Init(64 * 1024)

		var live []liveAllocation
		for step := 0; step < 2000; step++ {
			if len(live) > 0 && rng.Intn(100) < 45 {
				index := rng.Intn(len(live))
				require.NoError(t, tlsf.Free(live[index].handle))
				live[index] = live[len(live)-1]
				live = live[:len(live)-1]
			} else {
				size := 1 + rng.Intn(2048)
				alignment := testAlignments[rng.Intn(len(testAlignments))]
				strategy := testStrategies[rng.Intn(len(testStrategies))]

				success, req, err := tlsf.CreateAllocationRequest(size, alignment, false, strategy, math.MaxInt)
				require.NoError(t, err)
				if !success {
					requireUndiscoverable(t, tlsf, size, alignment)
					continue
				}

				require.NoError(t, tlsf.Alloc(req, nil))
				offset, err := tlsf.AllocationOffset(req.BlockAllocationHandle)
				require.NoError(t, err)
				require.Zero(t, offset%int(alignment))
				live = append(live, liveAllocation{handle: req.BlockAllocationHandle, offset: offset, size: size})
			}

			require.NoError(t, tlsf.Validate())
			require.Equal(t, len(live), tlsf.AllocationCount())

			all := requireCoverage(t, tlsf)
			for i := 1; i < len(all); i++ {
				require.False(t, all[i-1].free && all[i].free, "free regions at %d and %d were not coalesced", all[i-1].offset, all[i].offset)
			}
		}

		requireNoOverlap(t, live)

		for _, alloc := range live {
			require.NoError(t, tlsf.Free(alloc.handle))
		}

		require.True(t, tlsf.IsEmpty())
		require.Equal(t, tlsf.Size(), tlsf.SumFreeSize())
		require.Equal(t, 1, tlsf.FreeRegionsCount())
		require.NoError(t, tlsf.Validate())
	}
}

func TestLinearRandomSequences(t *testing.T) {
	for seed := int64(1); seed <= 8; seed++ {
		rng := rand.New(rand.NewSource(seed))
		linear := metadata.NewLinearBlockMetadata(0)
		linear.Init(16 * 1024)

		// Mostly free the oldest allocations so the block turns into a ring buffer
		var live []liveAllocation
		for step := 0; step < 2000; step++ {
			if len(live) > 0 && rng.Intn(100) < 45 {
				index := 0
				if rng.Intn(4) == 0 {
					index = rng.Intn(len(live))
				}
				require.NoError(t, linear.Free(live[index].handle))
				live = append(live[:index], live[index+1:]...)
			} else {
				size := 1 + rng.Intn(1024)
				alignment := testAlignments[rng.Intn(len(testAlignments))]

				success, req, err := linear.CreateAllocationRequest(size, alignment, false, 0, math.MaxInt)
				require.NoError(t, err)
				if !success {
					continue
				}

				require.NoError(t, linear.Alloc(req, nil))
				offset, err := linear.AllocationOffset(req.BlockAllocationHandle)
				require.NoError(t, err)
				require.Zero(t, offset%int(alignment))
				live = append(live, liveAllocation{handle: req.BlockAllocationHandle, offset: offset, size: size})
			}

			require.NoError(t, linear.Validate())
			require.Equal(t, len(live), linear.AllocationCount())
			requireCoverage(t, linear)
		}

		requireNoOverlap(t, live)

		for _, alloc := range live {
			require.NoError(t, linear.Free(alloc.handle))
		}

		require.True(t, linear.IsEmpty())
		require.Equal(t, linear.Size(), linear.SumFreeSize())
	}
}

func TestTLSFRandomSequencesWithMargin(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	tlsf := metadata.NewTLSFBlockMetadata(32)
	tlsf.Init(32 * 1024)

	var live []liveAllocation
	for step := 0; step < 1000; step++ {
		if len(live) > 0 && rng.Intn(100) < 40 {
			index := rng.Intn(len(live))
			require.NoError(t, tlsf.Free(live[index].handle))
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			size := 1 + rng.Intn(1024)
			alignment := testAlignments[rng.Intn(len(testAlignments))]

			success, req, err := tlsf.CreateAllocationRequest(size, alignment, false, 0, math.MaxInt)
			require.NoError(t, err)
			if !success {
				continue
			}

			require.NoError(t, tlsf.Alloc(req, nil))
			offset, err := tlsf.AllocationOffset(req.BlockAllocationHandle)
			require.NoError(t, err)
			live = append(live, liveAllocation{handle: req.BlockAllocationHandle, offset: offset, size: size + 32})
		}

		require.NoError(t, tlsf.Validate())
		requireCoverage(t, tlsf)
	}

	// Allocations plus their margins never overlap
	requireNoOverlap(t, live)
}
