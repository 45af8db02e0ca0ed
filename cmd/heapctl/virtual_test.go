package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVirtualLinearOffsets(t *testing.T) {
	resetFlags()
	virtualLinear = true

	output, err := captureOutput(t, func() error {
		return runVirtual([]string{"64K", "128K", "1K"})
	})
	require.NoError(t, err)
	require.Contains(t, output, "65536")
	require.Contains(t, output, "196608")
	require.Contains(t, output, "in 3 allocations")
}

func TestVirtualUpperAddress(t *testing.T) {
	resetFlags()
	virtualLinear = true
	virtualUpper = true

	output, err := captureOutput(t, func() error {
		return runVirtual([]string{"64K"})
	})
	require.NoError(t, err)
	require.Contains(t, output, "983040")
}

func TestVirtualUpperAddressRequiresLinear(t *testing.T) {
	resetFlags()
	virtualUpper = true

	_, err := captureOutput(t, func() error {
		return runVirtual([]string{"64K"})
	})
	require.Error(t, err)
}

func TestVirtualFreeAndJSON(t *testing.T) {
	resetFlags()
	jsonOut = true
	virtualFree = []int{0, 2}

	output, err := captureOutput(t, func() error {
		return runVirtual([]string{"4K", "4K", "4K", "4K"})
	})
	require.NoError(t, err)

	document := requireJSON(t, output)
	require.Contains(t, document, "Stats")
	require.Contains(t, document, "Details")

	stats := document["Stats"].(map[string]any)
	require.Equal(t, float64(2), stats["AllocationCount"])
}

func TestVirtualOutOfSpace(t *testing.T) {
	resetFlags()
	virtualLinear = true
	virtualBlockSize = "64K"

	_, err := captureOutput(t, func() error {
		return runVirtual([]string{"32K", "32K", "1K"})
	})
	require.Error(t, err)
}

func TestVirtualFreeIndexOutOfRange(t *testing.T) {
	resetFlags()
	virtualFree = []int{3}

	_, err := captureOutput(t, func() error {
		return runVirtual([]string{"4K"})
	})
	require.Error(t, err)
}
