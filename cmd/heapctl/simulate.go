package main

import (
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arsenal/heapmem"
	"github.com/vkngwrapper/arsenal/heapmem/device"
)

var (
	simOps        int
	simMinSize    string
	simMaxSize    string
	simSeed       int64
	simFreeChance int
	simHeapType   string
	simTextures   bool
	simBudget     bool
	simDetailed   bool
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().IntVar(&simOps, "ops", 1000, "Number of allocate and free operations to run")
	cmd.Flags().StringVar(&simMinSize, "min-size", "4K", "Smallest resource to create")
	cmd.Flags().StringVar(&simMaxSize, "max-size", "4M", "Largest resource to create")
	cmd.Flags().Int64Var(&simSeed, "seed", 1, "Seed for the random workload")
	cmd.Flags().IntVar(&simFreeChance, "free-percent", 40, "Chance that an operation frees a live resource")
	cmd.Flags().StringVar(&simHeapType, "heap-type", "default", "Heap type to allocate from")
	cmd.Flags().BoolVar(&simTextures, "textures", false, "Mix textures and render targets in with buffers")
	cmd.Flags().BoolVar(&simBudget, "within-budget", false, "Create every resource with AllocationCreateWithinBudget")
	cmd.Flags().BoolVar(&simDetailed, "detailed", false, "Include every block and allocation in JSON output")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a randomized allocation workload",
		Long: `The simulate command creates and releases resources of random sizes on a
simulated adapter and reports the allocator's statistics and budgets at the end.
Allocations that fail with out-of-memory are counted rather than treated as errors.

Example:
  heapctl simulate --ops 5000 --max-size 16M
  heapctl simulate --tier 1 --textures --json --detailed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate()
		},
	}
	return cmd
}

type simulateResult struct {
	created     int
	released    int
	outOfMemory int
}

func runSimulate() error {
	minSize, err := parseSize(simMinSize)
	if err != nil {
		return err
	}
	maxSize, err := parseSize(simMaxSize)
	if err != nil {
		return err
	}
	if minSize <= 0 || maxSize < minSize {
		return errors.Newf("resource sizes must satisfy 0 < min-size <= max-size, got %d and %d", minSize, maxSize)
	}
	heapType, err := parseHeapType(simHeapType)
	if err != nil {
		return err
	}

	dev, err := newDevice()
	if err != nil {
		return err
	}
	allocator, err := heapmem.New(newLogger(), dev, heapmem.CreateOptions{})
	if err != nil {
		return errors.Wrap(err, "failed to create allocator")
	}

	printVerbose("Running %d operations with seed %d\n", simOps, simSeed)

	rng := rand.New(rand.NewSource(simSeed))
	var live []*heapmem.Allocation
	var result simulateResult

	createInfo := heapmem.AllocationCreateInfo{HeapType: heapType}
	if simBudget {
		createInfo.Flags |= heapmem.AllocationCreateWithinBudget
	}

	for op := 0; op < simOps; op++ {
		allocator.SetCurrentFrameIndex(uint32(op))

		if len(live) > 0 && rng.Intn(100) < simFreeChance {
			index := rng.Intn(len(live))
			err := live[index].Release()
			if err != nil {
				return errors.Wrap(err, "failed to release a resource")
			}
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
			result.released++
			continue
		}

		desc := randomResourceDesc(rng, minSize, maxSize)
		alloc, err := allocator.CreateResource(createInfo, desc)
		if errors.Is(err, heapmem.ErrOutOfMemory) {
			result.outOfMemory++
			continue
		} else if err != nil {
			return errors.Wrapf(err, "operation %d failed", op)
		}
		live = append(live, alloc)
		result.created++
	}

	if jsonOut {
		document, err := allocator.BuildStatsString(simDetailed)
		if err != nil {
			return err
		}
		printRaw(document)
	} else {
		err = printSimulateSummary(allocator, result, len(live))
		if err != nil {
			return err
		}
	}

	for _, alloc := range live {
		err := alloc.Release()
		if err != nil {
			return errors.Wrap(err, "failed to release a resource")
		}
	}

	err = allocator.Destroy()
	if err != nil {
		return errors.Wrap(err, "failed to destroy allocator")
	}
	return dev.CheckLeaks()
}

func randomResourceDesc(rng *rand.Rand, minSize, maxSize int) device.ResourceDesc {
	desc := device.ResourceDesc{
		Dimension: device.ResourceDimensionBuffer,
		Size:      minSize + rng.Intn(maxSize-minSize+1),
	}
	if !simTextures {
		return desc
	}

	switch rng.Intn(3) {
	case 1:
		desc.Dimension = device.ResourceDimensionTexture2D
	case 2:
		desc.Dimension = device.ResourceDimensionTexture2D
		desc.Flags = device.ResourceFlagsAllowRenderTarget
	}
	return desc
}

func printSimulateSummary(allocator *heapmem.Allocator, result simulateResult, liveCount int) error {
	stats := allocator.CalculateStatistics()
	local, nonLocal, err := allocator.GetBudget()
	if err != nil {
		return err
	}

	printInfo("\nWorkload:\n")
	printInfo("  Created:       %d\n", result.created)
	printInfo("  Released:      %d\n", result.released)
	printInfo("  Out of memory: %d\n", result.outOfMemory)
	printInfo("  Live:          %d\n", liveCount)

	printInfo("\nTotal:\n")
	printInfo("  Blocks:       %d (%s)\n", stats.Total.BlockCount, formatBytes(stats.Total.BlockBytes))
	printInfo("  Allocations:  %d (%s)\n", stats.Total.AllocationCount, formatBytes(stats.Total.AllocationBytes))
	printInfo("  Free ranges:  %d\n", stats.Total.UnusedRangeCount)

	printInfo("\nBudget:\n")
	printInfo("  Local:        %s used of %s\n", formatBytes(local.Usage), formatBytes(local.Budget))
	printInfo("  Non-local:    %s used of %s\n", formatBytes(nonLocal.Usage), formatBytes(nonLocal.Budget))

	for heapType := device.HeapTypeDefault; int(heapType) < device.HeapTypeCount; heapType++ {
		heapStats := stats.HeapType[heapType]
		if heapStats.BlockCount == 0 {
			continue
		}
		printVerbose("  %s: %d blocks, %d allocations\n", heapType, heapStats.BlockCount, heapStats.AllocationCount)
	}

	return nil
}
