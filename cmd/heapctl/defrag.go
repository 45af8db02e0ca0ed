package main

import (
	"math/rand"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arsenal/heapmem"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/defrag"
)

var (
	defragAlgorithm   string
	defragCount       int
	defragSize        string
	defragBlockSize   string
	defragKeepPercent int
	defragSeed        int64
	defragMaxBytes    string
	defragMaxAllocs   int
	defragIgnoreEvery int
)

var defragAlgorithms = map[string]defrag.Algorithm{
	"fast":     defrag.AlgorithmFast,
	"balanced": defrag.AlgorithmBalanced,
	"full":     defrag.AlgorithmFull,
}

func init() {
	cmd := newDefragCmd()
	cmd.Flags().StringVarP(&defragAlgorithm, "algorithm", "a", "balanced", "Defragmentation algorithm: fast, balanced or full")
	cmd.Flags().IntVar(&defragCount, "count", 64, "Number of buffers to create before fragmenting")
	cmd.Flags().StringVar(&defragSize, "size", "1M", "Size of each buffer")
	cmd.Flags().StringVar(&defragBlockSize, "block-size", "8M", "Block size of the pool being defragmented")
	cmd.Flags().IntVar(&defragKeepPercent, "keep-percent", 30, "Percentage of buffers left alive after fragmenting")
	cmd.Flags().Int64Var(&defragSeed, "seed", 1, "Seed used to choose which buffers are released")
	cmd.Flags().StringVar(&defragMaxBytes, "max-bytes", "0", "Bytes to move per pass, 0 for unlimited")
	cmd.Flags().IntVar(&defragMaxAllocs, "max-allocations", 0, "Allocations to move per pass, 0 for unlimited")
	cmd.Flags().IntVar(&defragIgnoreEvery, "ignore-every", 0, "Ignore every Nth move to simulate resources the application keeps in use")
	rootCmd.AddCommand(cmd)
}

func newDefragCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "defrag",
		Short: "Fragment a pool and defragment it",
		Long: `The defrag command fills a custom pool with buffers, releases most of them at
random and then runs a defragmentation until it completes. Each copy move is
carried out by recreating the buffer at its destination, the way an application
would after copying the data on the GPU.

Example:
  heapctl defrag
  heapctl defrag --algorithm fast --max-bytes 4M
  heapctl defrag --algorithm full --count 256 --size 256K --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefrag()
		},
	}
	return cmd
}

type defragReport struct {
	passes       int
	blocksBefore int
	blocksAfter  int
	stats        defrag.DefragmentationStats
}

func runDefrag() error {
	algorithm, ok := defragAlgorithms[strings.ToLower(defragAlgorithm)]
	if !ok {
		return errors.Newf("unknown algorithm %q: expected fast, balanced or full", defragAlgorithm)
	}
	size, err := parseSize(defragSize)
	if err != nil {
		return err
	}
	blockSize, err := parseSize(defragBlockSize)
	if err != nil {
		return err
	}
	maxBytes, err := parseSize(defragMaxBytes)
	if err != nil {
		return err
	}
	if size <= 0 || size > blockSize {
		return errors.Newf("buffer size %d must be positive and no larger than the block size %d", size, blockSize)
	}

	dev, err := newDevice()
	if err != nil {
		return err
	}
	allocator, err := heapmem.New(newLogger(), dev, heapmem.CreateOptions{})
	if err != nil {
		return errors.Wrap(err, "failed to create allocator")
	}

	pool, err := allocator.CreatePool(heapmem.PoolCreateInfo{
		HeapType:  device.HeapTypeDefault,
		HeapFlags: device.HeapFlagsAllowOnlyBuffers,
		BlockSize: blockSize,
		Name:      "heapctl defrag",
	})
	if err != nil {
		return errors.Wrap(err, "failed to create pool")
	}

	live, err := fragmentPool(pool, size)
	if err != nil {
		return err
	}

	report := defragReport{blocksBefore: pool.Statistics().BlockCount}
	printVerbose("Fragmented pool: %d buffers in %d blocks\n", len(live), report.blocksBefore)

	err = defragmentPool(allocator, pool, algorithm, maxBytes, &report)
	if err != nil {
		return err
	}
	report.blocksAfter = pool.Statistics().BlockCount

	if jsonOut {
		document, err := allocator.BuildStatsString(true)
		if err != nil {
			return err
		}
		printRaw(document)
	} else {
		printDefragReport(report)
	}

	for _, alloc := range live {
		err := alloc.Release()
		if err != nil {
			return errors.Wrap(err, "failed to release a buffer")
		}
	}
	err = pool.Destroy()
	if err != nil {
		return errors.Wrap(err, "failed to destroy pool")
	}
	err = allocator.Destroy()
	if err != nil {
		return errors.Wrap(err, "failed to destroy allocator")
	}
	return dev.CheckLeaks()
}

// fragmentPool fills the pool with buffers and releases most of them at random
func fragmentPool(pool *heapmem.Pool, size int) ([]*heapmem.Allocation, error) {
	rng := rand.New(rand.NewSource(defragSeed))
	desc := device.ResourceDesc{
		Dimension: device.ResourceDimensionBuffer,
		Size:      size,
	}

	var live []*heapmem.Allocation
	for i := 0; i < defragCount; i++ {
		alloc, err := pool.CreateResource(heapmem.AllocationCreateInfo{}, desc)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create buffer %d", i)
		}

		if rng.Intn(100) < defragKeepPercent {
			live = append(live, alloc)
			continue
		}

		err = alloc.Release()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to release buffer %d", i)
		}
	}

	return live, nil
}

func defragmentPool(allocator *heapmem.Allocator, pool *heapmem.Pool, algorithm defrag.Algorithm, maxBytes int, report *defragReport) error {
	defragContext, err := allocator.BeginDefragmentation(pool, heapmem.DefragmentationInfo{
		Algorithm:             algorithm,
		MaxBytesPerPass:       maxBytes,
		MaxAllocationsPerPass: defragMaxAllocs,
	})
	if err != nil {
		return errors.Wrap(err, "failed to begin defragmentation")
	}
	defer defragContext.Close()

	moveCount := 0
	for {
		moves, err := defragContext.BeginPass()
		if err != nil {
			return errors.Wrapf(err, "failed to begin pass %d", report.passes)
		}
		if len(moves) == 0 {
			break
		}
		report.passes++

		for i := range moves {
			moveCount++
			if defragIgnoreEvery > 0 && moveCount%defragIgnoreEvery == 0 {
				moves[i].MoveOperation = defrag.MoveOperationIgnore
				continue
			}

			err := recreateResource(allocator, moves[i])
			if err != nil {
				return err
			}
		}

		done, err := defragContext.EndPass(moves)
		if err != nil {
			return errors.Wrapf(err, "failed to end pass %d", report.passes)
		}
		printVerbose("Pass %d: %d moves\n", report.passes, len(moves))
		if done {
			break
		}
	}

	report.stats = defragContext.Stats()
	return nil
}

// recreateResource carries out a copy move: the resource is created again at the destination and
// the old one is released. A real application would copy the contents in between.
func recreateResource(allocator *heapmem.Allocator, move heapmem.DefragmentationMove) error {
	oldResource := move.SrcAllocation.Resource()
	if oldResource == nil {
		return nil
	}

	newResource, err := allocator.CreateAliasingResource(move.DstTmpAllocation, 0, oldResource.Desc())
	if err != nil {
		return errors.Wrap(err, "failed to recreate a resource at its destination")
	}

	err = oldResource.Release()
	if err != nil {
		return errors.Wrap(err, "failed to release a moved resource")
	}
	move.SrcAllocation.SetResource(newResource)
	return nil
}

func printDefragReport(report defragReport) {
	printInfo("\nDefragmentation (%s):\n", strings.ToLower(defragAlgorithm))
	printInfo("  Passes:            %d\n", report.passes)
	printInfo("  Allocations moved: %d\n", report.stats.AllocationsMoved)
	printInfo("  Bytes moved:       %s\n", formatBytes(report.stats.BytesMoved))
	printInfo("  Heaps freed:       %d\n", report.stats.HeapsFreed)
	printInfo("  Bytes freed:       %s\n", formatBytes(report.stats.BytesFreed))
	printInfo("  Blocks:            %d -> %d\n", report.blocksBefore, report.blocksAfter)
}
