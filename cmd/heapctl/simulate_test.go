package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimulateSummary(t *testing.T) {
	resetFlags()
	simOps = 300
	simMaxSize = "1M"

	output, err := captureOutput(t, func() error {
		return runSimulate()
	})
	require.NoError(t, err)
	require.Contains(t, output, "Created:")
	require.Contains(t, output, "Budget:")
	require.Contains(t, output, "Out of memory: 0")
}

func TestSimulateJSON(t *testing.T) {
	resetFlags()
	simOps = 100
	simMaxSize = "256K"
	jsonOut = true

	output, err := captureOutput(t, func() error {
		return runSimulate()
	})
	require.NoError(t, err)

	document := requireJSON(t, output)
	require.Contains(t, document, "General")
	require.Contains(t, document, "Total")
	require.Contains(t, document, "MemoryInfo")
	require.NotContains(t, document, "DefaultPools")
}

func TestSimulateTierOneDetailed(t *testing.T) {
	resetFlags()
	tier = 1
	simOps = 100
	simMaxSize = "256K"
	simTextures = true
	simDetailed = true
	jsonOut = true

	output, err := captureOutput(t, func() error {
		return runSimulate()
	})
	require.NoError(t, err)

	document := requireJSON(t, output)
	require.Contains(t, document, "DefaultPools")
	pools := document["DefaultPools"].(map[string]any)
	require.Contains(t, pools, "HeapTypeDefault - Buffers")
}

func TestSimulateWithinBudgetCountsFailures(t *testing.T) {
	resetFlags()
	localMB = 16
	simOps = 200
	simMinSize = "1M"
	simMaxSize = "2M"
	simFreeChance = 0
	simBudget = true

	output, err := captureOutput(t, func() error {
		return runSimulate()
	})
	require.NoError(t, err)
	require.NotContains(t, output, "Out of memory: 0\n")
}

func TestSimulateRejectsBadSizes(t *testing.T) {
	resetFlags()
	simMinSize = "4M"
	simMaxSize = "1M"

	_, err := captureOutput(t, func() error {
		return runSimulate()
	})
	require.Error(t, err)

	resetFlags()
	simHeapType = "shared"
	_, err = captureOutput(t, func() error {
		return runSimulate()
	})
	require.Error(t, err)
}
