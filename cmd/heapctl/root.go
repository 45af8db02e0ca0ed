package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/simdevice"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool

	// Simulated adapter
	tier        int
	uma         bool
	localMB     int
	nonLocalMB  int
	noBudgets   bool
	maxHeapSize string
)

var rootCmd = &cobra.Command{
	Use:   "heapctl",
	Short: "Exercise the heapmem allocator against a simulated device",
	Long: `heapctl drives the heapmem device memory allocator against an in-process
simulated adapter. It can run randomized allocation workloads, defragment
fragmented pools and lay out virtual blocks, and it prints the allocator's
statistics as text or as the allocator's JSON stats document.`,
	Version: "0.1.0",
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log allocator activity to stderr")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")

	rootCmd.PersistentFlags().IntVar(&tier, "tier", 2, "Resource heap tier of the simulated adapter (1 or 2)")
	rootCmd.PersistentFlags().BoolVar(&uma, "uma", false, "Simulate a UMA adapter")
	rootCmd.PersistentFlags().IntVar(&localMB, "local-mb", 256, "Local memory of the simulated adapter in MB")
	rootCmd.PersistentFlags().IntVar(&nonLocalMB, "nonlocal-mb", 128, "Non-local memory of the simulated adapter in MB")
	rootCmd.PersistentFlags().BoolVar(&noBudgets, "no-budgets", false, "Simulate a driver that does not report budgets")
	rootCmd.PersistentFlags().StringVar(&maxHeapSize, "max-heap-size", "0", "Largest heap the simulated adapter will create, 0 for unlimited")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger returns the logger handed to the allocator. Allocator entry points log at Debug, so
// they only appear with --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newDevice builds the simulated adapter described by the global flags
func newDevice() (*simdevice.Device, error) {
	if tier != 1 && tier != 2 {
		return nil, errors.Newf("resource heap tier must be 1 or 2, got %d", tier)
	}
	if localMB <= 0 || nonLocalMB < 0 {
		return nil, errors.New("memory sizes must be positive")
	}
	heapLimit, err := parseSize(maxHeapSize)
	if err != nil {
		return nil, errors.Wrap(err, "invalid --max-heap-size")
	}

	config := simdevice.DefaultConfig()
	config.Properties.ResourceHeapTier = tier
	config.Properties.UMA = uma
	config.Properties.LocalMemorySize = localMB * 1024 * 1024
	config.Properties.NonLocalMemorySize = nonLocalMB * 1024 * 1024
	config.ReportBudgets = !noBudgets
	config.MaxHeapSize = heapLimit

	return simdevice.New(config), nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printRaw writes an already-encoded JSON document
func printRaw(document string) {
	fmt.Fprintln(os.Stdout, document)
}

var heapTypeNames = map[string]device.HeapType{
	"default":   device.HeapTypeDefault,
	"upload":    device.HeapTypeUpload,
	"readback":  device.HeapTypeReadback,
	"gpuupload": device.HeapTypeGPUUpload,
}

func parseHeapType(name string) (device.HeapType, error) {
	heapType, ok := heapTypeNames[strings.ToLower(name)]
	if !ok {
		return 0, errors.Newf("unknown heap type %q: expected default, upload, readback or gpuupload", name)
	}
	return heapType, nil
}

// parseSize parses a byte count with an optional K, M or G suffix
func parseSize(value string) (int, error) {
	value = strings.TrimSpace(strings.ToUpper(value))
	value = strings.TrimSuffix(value, "B")

	multiplier := 1
	switch {
	case strings.HasSuffix(value, "K"):
		multiplier = 1024
	case strings.HasSuffix(value, "M"):
		multiplier = 1024 * 1024
	case strings.HasSuffix(value, "G"):
		multiplier = 1024 * 1024 * 1024
	}
	if multiplier != 1 {
		value = value[:len(value)-1]
	}

	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", value)
	}
	if count < 0 {
		return 0, errors.Newf("size %q is negative", value)
	}
	return count * multiplier, nil
}

// formatBytes renders a byte count for humans
func formatBytes(size int) string {
	switch {
	case size >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GB", float64(size)/(1024*1024*1024))
	case size >= 1024*1024:
		return fmt.Sprintf("%.2f MB", float64(size)/(1024*1024))
	case size >= 1024:
		return fmt.Sprintf("%.2f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d B", size)
}
