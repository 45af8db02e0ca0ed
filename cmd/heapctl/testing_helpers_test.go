package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// resetFlags puts every global flag back to its default
func resetFlags() {
	verbose = false
	quiet = false
	jsonOut = false

	tier = 2
	uma = false
	localMB = 256
	nonLocalMB = 128
	noBudgets = false
	maxHeapSize = "0"

	simOps = 1000
	simMinSize = "4K"
	simMaxSize = "4M"
	simSeed = 1
	simFreeChance = 40
	simHeapType = "default"
	simTextures = false
	simBudget = false
	simDetailed = false

	defragAlgorithm = "balanced"
	defragCount = 64
	defragSize = "1M"
	defragBlockSize = "8M"
	defragKeepPercent = 30
	defragSeed = 1
	defragMaxBytes = "0"
	defragMaxAllocs = 0
	defragIgnoreEvery = 0

	virtualBlockSize = "1M"
	virtualLinear = false
	virtualAlignment = "0"
	virtualUpper = false
	virtualFree = nil
	virtualMargin = 0
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	// Drain the pipe while fn runs so large documents cannot fill it
	var buf bytes.Buffer
	done := make(chan error)
	go func() {
		_, readErr := buf.ReadFrom(r)
		done <- readErr
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	require.NoError(t, <-done)
	r.Close()

	return buf.String(), fnErr
}

// requireJSON checks that output is a JSON object and returns it
func requireJSON(t *testing.T, output string) map[string]any {
	t.Helper()

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &result), "output is not valid JSON:\n%s", output)
	return result
}
