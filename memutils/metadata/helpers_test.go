package metadata_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

func allocate(t *testing.T, md metadata.BlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) (metadata.BlockAllocationHandle, int) {
	t.Helper()

	success, req, err := md.CreateAllocationRequest(size, alignment, false, strategy, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success, "allocation of size %d did not fit", size)

	err = md.Alloc(req, size)
	require.NoError(t, err)

	offset, err := md.AllocationOffset(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Zero(t, offset%int(alignment), "offset %d is not aligned to %d", offset, alignment)

	return req.BlockAllocationHandle, offset
}

func detailedStats(md metadata.BlockMetadata) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)
	return stats
}

type region struct {
	offset int
	size   int
	free   bool
}

func regions(t *testing.T, md metadata.BlockMetadata) []region {
	t.Helper()

	var out []region
	err := md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		out = append(out, region{offset: offset, size: size, free: free})
		return nil
	})
	require.NoError(t, err)
	return out
}

// requireCoverage checks that the visited regions tile the block exactly
func requireCoverage(t *testing.T, md metadata.BlockMetadata) []region {
	t.Helper()

	all := regions(t, md)
	end := 0
	freeSum := 0
	usedSum := 0
	for _, r := range all {
		require.Equal(t, end, r.offset, "regions must be contiguous")
		end = r.offset + r.size
		if r.free {
			freeSum += r.size
		} else {
			usedSum += r.size
		}
	}
	require.Equal(t, md.Size(), end)
	require.Equal(t, md.Size(), freeSum+usedSum)
	require.Equal(t, md.SumFreeSize(), freeSum)
	return all
}
