package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arsenal/heapmem"
)

var (
	virtualBlockSize string
	virtualLinear    bool
	virtualAlignment string
	virtualUpper     bool
	virtualFree      []int
	virtualMargin    int
)

func init() {
	cmd := newVirtualCmd()
	cmd.Flags().StringVar(&virtualBlockSize, "block-size", "1M", "Size of the virtual block")
	cmd.Flags().BoolVar(&virtualLinear, "linear", false, "Use the linear algorithm instead of TLSF")
	cmd.Flags().StringVar(&virtualAlignment, "alignment", "0", "Alignment of every allocation, 0 for none")
	cmd.Flags().BoolVar(&virtualUpper, "upper", false, "Allocate from the top of the block (requires --linear)")
	cmd.Flags().IntSliceVar(&virtualFree, "free", nil, "Indices of allocations to free once every size has been allocated")
	cmd.Flags().IntVar(&virtualMargin, "debug-margin", 0, "Bytes left free after every allocation")
	rootCmd.AddCommand(cmd)
}

func newVirtualCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "virtual <size>...",
		Short: "Lay out allocations in a virtual block",
		Long: `The virtual command allocates each size in order from a virtual block, a range
of offsets with no memory behind it, and prints the offset each allocation was
given. Sizes accept K, M and G suffixes.

Example:
  heapctl virtual 64K 128K 1K
  heapctl virtual --linear --upper --block-size 4M 1M 1M
  heapctl virtual --free 0,2 --json 4K 4K 4K 4K`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVirtual(args)
		},
	}
	return cmd
}

func runVirtual(args []string) error {
	blockSize, err := parseSize(virtualBlockSize)
	if err != nil {
		return err
	}
	alignment, err := parseSize(virtualAlignment)
	if err != nil {
		return err
	}

	createInfo := heapmem.VirtualBlockCreateInfo{
		Size:        blockSize,
		DebugMargin: virtualMargin,
	}
	if virtualLinear {
		createInfo.Flags = heapmem.VirtualBlockCreateLinearAlgorithm
	}

	block, err := heapmem.NewVirtualBlock(createInfo)
	if err != nil {
		return errors.Wrap(err, "failed to create virtual block")
	}

	var allocFlags heapmem.VirtualAllocationCreateFlags
	if virtualUpper {
		allocFlags = heapmem.VirtualAllocationCreateUpperAddress
	}

	allocations := make([]heapmem.VirtualAllocation, 0, len(args))
	for index, arg := range args {
		size, err := parseSize(arg)
		if err != nil {
			return err
		}

		alloc, offset, err := block.Allocate(heapmem.VirtualAllocationCreateInfo{
			Size:        size,
			Alignment:   uint(alignment),
			Flags:       allocFlags,
			PrivateData: index,
		})
		if err != nil {
			return errors.Wrapf(err, "allocation %d of %d bytes failed", index, size)
		}
		allocations = append(allocations, alloc)
		printVerbose("Allocated #%d: %d bytes at offset %d\n", index, size, offset)
	}

	for _, index := range virtualFree {
		if index < 0 || index >= len(allocations) {
			return errors.Newf("--free index %d is out of range", index)
		}
		err := block.Free(allocations[index])
		if err != nil {
			return errors.Wrapf(err, "failed to free allocation %d", index)
		}
	}

	if jsonOut {
		document, err := block.BuildStatsString(true)
		if err != nil {
			return err
		}
		printRaw(document)
		return nil
	}

	freed := make(map[int]bool, len(virtualFree))
	for _, index := range virtualFree {
		freed[index] = true
	}

	printInfo("\n%-6s %-12s %-12s\n", "Index", "Offset", "Size")
	for index, alloc := range allocations {
		if freed[index] {
			continue
		}
		info, err := block.AllocationInfo(alloc)
		if err != nil {
			return err
		}
		printInfo("%-6d %-12d %-12d\n", index, info.Offset, info.Size)
	}

	stats := block.Statistics()
	printInfo("\nAllocated %s of %s in %d allocations\n", formatBytes(stats.AllocationBytes), formatBytes(stats.BlockBytes), stats.AllocationCount)
	return nil
}
