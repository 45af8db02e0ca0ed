package heapmem

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/simdevice"
)

const mb = 1024 * 1024

type AllocatorSetup struct {
	Config           *simdevice.Config
	PreNew           func(config *simdevice.Config)
	AllocatorOptions CreateOptions
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyAllocator(t *testing.T, setup AllocatorSetup) (*simdevice.Device, *Allocator) {
	config := simdevice.DefaultConfig()
	if setup.Config != nil {
		config = *setup.Config
	}
	if setup.PreNew != nil {
		setup.PreNew(&config)
	}

	dev := simdevice.New(config)
	allocator, err := New(testLogger(), dev, setup.AllocatorOptions)
	require.NoError(t, err)

	return dev, allocator
}

// destroyAllocator tears the allocator down and checks that nothing leaked
func destroyAllocator(t *testing.T, dev *simdevice.Device, allocator *Allocator) {
	require.NoError(t, allocator.Destroy())
	require.NoError(t, dev.CheckLeaks())
}

func bufferDesc(size int) device.ResourceDesc {
	return device.ResourceDesc{
		Dimension: device.ResourceDimensionBuffer,
		Size:      size,
	}
}

func releaseAll(t *testing.T, allocs ...*Allocation) {
	for _, alloc := range allocs {
		require.NoError(t, alloc.Release())
	}
}
