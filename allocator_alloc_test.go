package heapmem

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/simdevice"
)

func TestAllocateMemory(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	first, err := allocator.AllocateMemory(AllocationCreateInfo{
		HeapType:    device.HeapTypeDefault,
		Name:        "first",
		PrivateData: 7,
	}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.Equal(t, AllocationKindPlaced, first.Kind())
	require.Equal(t, mb, first.Size())
	require.Equal(t, device.DefaultResourcePlacementAlignment, first.Alignment())
	require.Equal(t, 0, first.Offset())
	require.Equal(t, "first", first.Name())
	require.Equal(t, 7, first.PrivateData())
	require.Equal(t, 1, first.RefCount())
	require.Nil(t, first.Resource())
	require.NotNil(t, first.Heap())

	second, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.Equal(t, AllocationKindPlaced, second.Kind())
	require.Equal(t, first.Heap(), second.Heap())
	require.NotEqual(t, first.Offset(), second.Offset())

	stats := allocator.CalculateStatistics()
	require.Equal(t, 1, stats.Total.BlockCount)
	require.Equal(t, 2, stats.Total.AllocationCount)
	require.Equal(t, 2*mb, stats.Total.AllocationBytes)
	require.Equal(t, 2, stats.HeapType[device.HeapTypeDefault].AllocationCount)
	require.Equal(t, 2, stats.MemorySegmentGroup[device.MemorySegmentGroupLocal].AllocationCount)

	releaseAll(t, first, second)
	destroyAllocator(t, dev, allocator)
}

func TestCreateResourcePlaced(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	// Sizes are rounded up to the placement alignment
	alloc, err := allocator.CreateResource(AllocationCreateInfo{}, bufferDesc(1000))
	require.NoError(t, err)
	require.Equal(t, AllocationKindPlaced, alloc.Kind())
	require.Equal(t, int(device.DefaultResourcePlacementAlignment), alloc.Size())

	resource := alloc.Resource()
	require.NotNil(t, resource)
	require.Equal(t, alloc.Heap(), resource.Heap())
	require.Equal(t, alloc.Offset(), resource.Offset())
	require.Len(t, dev.LiveResources(), 1)

	releaseAll(t, alloc)
	require.Empty(t, dev.LiveResources())
	destroyAllocator(t, dev, allocator)
}

func TestNewBlockSizeHalving(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	// The first block is an eighth of the preferred block size
	small, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.Equal(t, 8*mb, small.Heap().Desc().Size)

	// Later blocks are halved only while they stay larger than the largest existing block
	large, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: 8 * mb})
	require.NoError(t, err)
	require.Equal(t, AllocationKindPlaced, large.Kind())
	require.Equal(t, 16*mb, large.Heap().Desc().Size)

	stats := allocator.CalculateStatistics()
	require.Equal(t, 2, stats.Total.BlockCount)
	require.Equal(t, 24*mb, stats.Total.BlockBytes)

	releaseAll(t, small, large)
	destroyAllocator(t, dev, allocator)
}

func TestExplicitPreferredBlockSize(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{PreferredBlockSize: 16*mb + 1},
	})

	// Rounded up to the placement alignment, then halved for the first block
	alloc, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: 64 * 1024})
	require.NoError(t, err)
	require.Equal(t, (16*mb+int(device.DefaultResourcePlacementAlignment))/8, alloc.Heap().Desc().Size)

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestEmptyBlockHysteresis(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	first, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	second, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: 8 * mb})
	require.NoError(t, err)
	require.NotEqual(t, first.Heap(), second.Heap())
	require.Len(t, dev.LiveHeaps(), 2)

	// The first empty block is kept in reserve
	releaseAll(t, first)
	require.Len(t, dev.LiveHeaps(), 2)

	// A second empty block is destroyed
	releaseAll(t, second)
	require.Len(t, dev.LiveHeaps(), 1)

	// The reserve block is reused
	third, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.Equal(t, 2, dev.HeapsCreated())

	releaseAll(t, third)
	destroyAllocator(t, dev, allocator)
}

func TestZeroInitialization(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	first, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.True(t, first.WasZeroInitialized())

	second, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.False(t, second.WasZeroInitialized())

	committed, err := allocator.CreateResource(AllocationCreateInfo{Flags: AllocationCreateCommitted}, bufferDesc(mb))
	require.NoError(t, err)
	require.True(t, committed.WasZeroInitialized())

	releaseAll(t, first, second, committed)
	destroyAllocator(t, dev, allocator)

	dev, allocator = readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{DefaultPoolsNotZeroed: true},
	})

	notZeroed, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.False(t, notZeroed.WasZeroInitialized())
	require.Equal(t, device.HeapFlagsCreateNotZeroed, notZeroed.Heap().Desc().Flags&device.HeapFlagsCreateNotZeroed)

	releaseAll(t, notZeroed)
	destroyAllocator(t, dev, allocator)
}

func TestLargeAllocationsPreferCommitted(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	resource, err := allocator.CreateResource(AllocationCreateInfo{}, bufferDesc(40*mb))
	require.NoError(t, err)
	require.Equal(t, AllocationKindCommitted, resource.Kind())
	require.Nil(t, resource.Heap())
	require.Equal(t, 0, resource.Offset())
	require.NotNil(t, resource.Resource())
	require.Nil(t, resource.Resource().Heap())

	memory, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: 40 * mb})
	require.NoError(t, err)
	require.Equal(t, AllocationKindHeap, memory.Kind())
	require.Equal(t, 40*mb, memory.Heap().Desc().Size)
	require.Equal(t, 0, memory.Offset())

	stats := allocator.CalculateStatistics()
	require.Equal(t, 2, stats.Total.BlockCount)
	require.Equal(t, 2, stats.Total.AllocationCount)
	require.Equal(t, 80*mb, stats.Total.BlockBytes)

	releaseAll(t, resource, memory)
	destroyAllocator(t, dev, allocator)
}

func TestAlwaysCommitted(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{AlwaysCommitted: true},
	})

	alloc, err := allocator.CreateResource(AllocationCreateInfo{}, bufferDesc(mb))
	require.NoError(t, err)
	require.Equal(t, AllocationKindCommitted, alloc.Kind())
	require.Equal(t, 0, dev.HeapsCreated())

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestCommittedFlag(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	alloc, err := allocator.CreateResource(AllocationCreateInfo{Flags: AllocationCreateCommitted}, bufferDesc(mb))
	require.NoError(t, err)
	require.Equal(t, AllocationKindCommitted, alloc.Kind())

	_, err = allocator.CreateResource(AllocationCreateInfo{
		Flags: AllocationCreateCommitted | AllocationCreateNeverAllocate,
	}, bufferDesc(mb))
	require.True(t, errors.Is(err, ErrInvalidArgument))

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestNeverAllocateOversizeFails(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	_, err := allocator.AllocateMemory(AllocationCreateInfo{
		Flags: AllocationCreateNeverAllocate,
	}, AllocationInfo{Size: 128 * mb})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, 0, dev.HeapsCreated())

	// The same request succeeds once it may be given its own heap
	alloc, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: 128 * mb})
	require.NoError(t, err)
	require.Equal(t, AllocationKindHeap, alloc.Kind())
	require.Equal(t, 1, dev.HeapsCreated())

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestNeverAllocateUsesExistingBlocks(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	_, err := allocator.AllocateMemory(AllocationCreateInfo{Flags: AllocationCreateNeverAllocate}, AllocationInfo{Size: mb})
	require.True(t, errors.Is(err, ErrOutOfMemory))

	first, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)

	second, err := allocator.AllocateMemory(AllocationCreateInfo{Flags: AllocationCreateNeverAllocate}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.Equal(t, first.Heap(), second.Heap())
	require.Equal(t, 1, dev.HeapsCreated())

	releaseAll(t, first, second)
	destroyAllocator(t, dev, allocator)
}

func TestWithinBudget(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		PreNew: func(config *simdevice.Config) {
			config.Budgets[device.MemorySegmentGroupLocal] = 40 * mb
		},
	})

	// A preferred-size block would exceed the budget, so a smaller one is made
	first, err := allocator.AllocateMemory(AllocationCreateInfo{Flags: AllocationCreateWithinBudget}, AllocationInfo{Size: 24 * mb})
	require.NoError(t, err)
	require.Equal(t, AllocationKindPlaced, first.Kind())
	require.Equal(t, 32*mb, first.Heap().Desc().Size)

	// Neither a new block nor a committed allocation fits in the 8MB that remain
	_, err = allocator.AllocateMemory(AllocationCreateInfo{Flags: AllocationCreateWithinBudget}, AllocationInfo{Size: 24 * mb})
	require.True(t, errors.Is(err, ErrOutOfMemory))

	// Without the flag the budget is exceeded
	second, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: 24 * mb})
	require.NoError(t, err)
	require.Equal(t, AllocationKindHeap, second.Kind())

	local, _, err := allocator.GetBudget()
	require.NoError(t, err)
	require.Equal(t, 40*mb, local.Budget)
	require.Equal(t, 56*mb, local.Usage)
	require.Equal(t, 0, local.Free())
	require.Equal(t, 2, local.Statistics.BlockCount)
	require.Equal(t, 48*mb, local.Statistics.AllocationBytes)

	releaseAll(t, first, second)
	destroyAllocator(t, dev, allocator)
}

func TestBudgetWithoutDriverSupport(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		PreNew: func(config *simdevice.Config) {
			config.ReportBudgets = false
		},
	})

	alloc, err := allocator.AllocateMemory(AllocationCreateInfo{HeapType: device.HeapTypeUpload}, AllocationInfo{Size: mb})
	require.NoError(t, err)

	local, nonLocal, err := allocator.GetBudget()
	require.NoError(t, err)
	require.Equal(t, 256*mb*8/10, local.Budget)
	require.Equal(t, 0, local.Usage)
	require.Equal(t, 128*mb*8/10, nonLocal.Budget)
	require.Equal(t, 8*mb, nonLocal.Usage)
	require.Equal(t, 1, nonLocal.Statistics.AllocationCount)

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestUMAUsesLocalSegment(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		PreNew: func(config *simdevice.Config) {
			config.Properties.UMA = true
		},
	})

	alloc, err := allocator.AllocateMemory(AllocationCreateInfo{HeapType: device.HeapTypeReadback}, AllocationInfo{Size: mb})
	require.NoError(t, err)

	stats := allocator.CalculateStatistics()
	require.Equal(t, 1, stats.MemorySegmentGroup[device.MemorySegmentGroupLocal].AllocationCount)
	require.Equal(t, 0, stats.MemorySegmentGroup[device.MemorySegmentGroupNonLocal].AllocationCount)
	require.Equal(t, 1, stats.HeapType[device.HeapTypeReadback].AllocationCount)

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestCommittedFallbackWhenHeapCreationFails(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	dev.FailNextHeapCreations(1)
	alloc, err := allocator.CreateResource(AllocationCreateInfo{}, bufferDesc(mb))
	require.NoError(t, err)
	require.Equal(t, AllocationKindCommitted, alloc.Kind())
	require.Equal(t, 0, dev.HeapsCreated())

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestCommittedFallbackWhenPlacedResourceFails(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	dev.FailNextResourceCreations(1)
	alloc, err := allocator.CreateResource(AllocationCreateInfo{}, bufferDesc(mb))
	require.NoError(t, err)
	require.Equal(t, AllocationKindCommitted, alloc.Kind())

	// The block made for the placed attempt stays behind, empty
	stats := allocator.CalculateStatistics()
	require.Equal(t, 2, stats.Total.BlockCount)
	require.Equal(t, 1, stats.Total.AllocationCount)

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestNoFallbackWhenNeverAllocate(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	first, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)

	dev.FailNextResourceCreations(1)
	_, err = allocator.CreateResource(AllocationCreateInfo{Flags: AllocationCreateNeverAllocate}, bufferDesc(mb))
	require.True(t, errors.Is(err, ErrOutOfMemory))

	stats := allocator.CalculateStatistics()
	require.Equal(t, 1, stats.Total.AllocationCount)

	releaseAll(t, first)
	destroyAllocator(t, dev, allocator)
}

func TestReferenceCounting(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	alloc, err := allocator.CreateResource(AllocationCreateInfo{Name: "counted"}, bufferDesc(mb))
	require.NoError(t, err)

	alloc.AddRef()
	require.Equal(t, 2, alloc.RefCount())

	require.NoError(t, alloc.Release())
	require.Equal(t, 1, alloc.RefCount())
	require.Equal(t, AllocationKindPlaced, alloc.Kind())
	require.Len(t, dev.LiveResources(), 1)

	require.NoError(t, allocator.Free(alloc))
	require.Equal(t, 0, alloc.RefCount())
	require.Empty(t, dev.LiveResources())

	err = alloc.Release()
	require.True(t, errors.Is(err, ErrInvalidArgument))

	require.NoError(t, allocator.Free(nil))
	destroyAllocator(t, dev, allocator)
}

func TestCreateAliasingResource(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	aliased, err := allocator.CreateResource(AllocationCreateInfo{Flags: AllocationCreateCanAlias}, bufferDesc(40*mb))
	require.NoError(t, err)
	require.Equal(t, AllocationKindHeap, aliased.Kind())
	require.NotNil(t, aliased.Resource())
	require.Equal(t, aliased.Heap(), aliased.Resource().Heap())

	first, err := allocator.CreateAliasingResource(aliased, 0, bufferDesc(mb))
	require.NoError(t, err)
	require.Equal(t, aliased.Heap(), first.Heap())
	require.Equal(t, 0, first.Offset())

	second, err := allocator.CreateAliasingResource(aliased, mb, bufferDesc(mb))
	require.NoError(t, err)
	require.Equal(t, mb, second.Offset())

	_, err = allocator.CreateAliasingResource(aliased, 100, bufferDesc(mb))
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.CreateAliasingResource(aliased, 40*mb-64*1024, bufferDesc(mb))
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.CreateAliasingResource(nil, 0, bufferDesc(mb))
	require.True(t, errors.Is(err, ErrInvalidArgument))

	committed, err := allocator.CreateResource(AllocationCreateInfo{}, bufferDesc(40*mb))
	require.NoError(t, err)
	_, err = allocator.CreateAliasingResource(committed, 0, bufferDesc(mb))
	require.True(t, errors.Is(err, ErrInvalidArgument))

	// Placed allocations alias at their offset in the block
	placed, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: 2 * mb})
	require.NoError(t, err)
	third, err := allocator.CreateAliasingResource(placed, 64*1024, bufferDesc(mb))
	require.NoError(t, err)
	require.Equal(t, placed.Heap(), third.Heap())
	require.Equal(t, placed.Offset()+64*1024, third.Offset())

	require.NoError(t, first.Release())
	require.NoError(t, second.Release())
	require.NoError(t, third.Release())
	releaseAll(t, aliased, committed, placed)
	destroyAllocator(t, dev, allocator)
}

func TestInvalidArguments(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	_, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: 0})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb, Alignment: 3})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.AllocateMemory(AllocationCreateInfo{HeapType: device.HeapType(9)}, AllocationInfo{Size: mb})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.AllocateMemory(AllocationCreateInfo{Flags: AllocationCreateUpperAddress}, AllocationInfo{Size: mb})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.CreateResource(AllocationCreateInfo{}, bufferDesc(0))
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.CreateResource(AllocationCreateInfo{}, device.ResourceDesc{Size: mb, Alignment: 1000})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	require.Equal(t, 0, dev.HeapsCreated())
	destroyAllocator(t, dev, allocator)
}

func TestNewValidatesOptions(t *testing.T) {
	dev := simdevice.New(simdevice.DefaultConfig())

	_, err := New(nil, dev, CreateOptions{})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = New(testLogger(), nil, CreateOptions{})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = New(testLogger(), dev, CreateOptions{PreferredBlockSize: -1})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = New(testLogger(), dev, CreateOptions{DebugMargin: 6})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	config := simdevice.DefaultConfig()
	config.Properties.ResourceHeapTier = 3
	_, err = New(testLogger(), simdevice.New(config), CreateOptions{})
	require.True(t, errors.Is(err, ErrUnsupported))
}

func TestDebugMargin(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{DebugMargin: 16},
	})

	first, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	second, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)

	// The margin after the first allocation pushes the second one to the next aligned offset
	require.Equal(t, first.Heap(), second.Heap())
	require.GreaterOrEqual(t, second.Offset(), first.Offset()+mb+int(device.DefaultResourcePlacementAlignment))

	releaseAll(t, first, second)
	destroyAllocator(t, dev, allocator)
}

func TestTierOneResourceClasses(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		PreNew: func(config *simdevice.Config) {
			config.Properties.ResourceHeapTier = 1
		},
	})

	_, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	memory, err := allocator.AllocateMemory(AllocationCreateInfo{HeapFlags: device.HeapFlagsAllowOnlyBuffers}, AllocationInfo{Size: mb})
	require.NoError(t, err)

	buffer, err := allocator.CreateResource(AllocationCreateInfo{}, bufferDesc(mb))
	require.NoError(t, err)
	texture, err := allocator.CreateResource(AllocationCreateInfo{}, device.ResourceDesc{
		Dimension: device.ResourceDimensionTexture2D,
		Size:      mb,
	})
	require.NoError(t, err)
	renderTarget, err := allocator.CreateResource(AllocationCreateInfo{}, device.ResourceDesc{
		Dimension: device.ResourceDimensionTexture2D,
		Flags:     device.ResourceFlagsAllowRenderTarget,
		Size:      mb,
	})
	require.NoError(t, err)

	require.Equal(t, memory.Heap(), buffer.Heap())
	require.Equal(t, device.HeapFlagsAllowOnlyBuffers, buffer.Heap().Desc().Flags)
	require.Equal(t, device.HeapFlagsAllowOnlyNonRTDSTextures, texture.Heap().Desc().Flags)
	require.Equal(t, device.HeapFlagsAllowOnlyRTDSTextures, renderTarget.Heap().Desc().Flags)
	require.Equal(t, device.DefaultMSAAResourcePlacementAlignment, renderTarget.Heap().Desc().Alignment)
	require.Equal(t, device.DefaultResourcePlacementAlignment, buffer.Heap().Desc().Alignment)
	require.Equal(t, 3, dev.HeapsCreated())

	_, err = allocator.CreatePool(PoolCreateInfo{HeapType: device.HeapTypeDefault})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	releaseAll(t, memory, buffer, texture, renderTarget)
	destroyAllocator(t, dev, allocator)
}

func TestExtraHeapFlagsAreCommitted(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	alloc, err := allocator.AllocateMemory(AllocationCreateInfo{HeapFlags: device.HeapFlagsShared}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.Equal(t, AllocationKindHeap, alloc.Kind())
	require.Equal(t, device.HeapFlagsShared, alloc.Heap().Desc().Flags&device.HeapFlagsShared)

	_, err = allocator.AllocateMemory(AllocationCreateInfo{
		Flags:     AllocationCreateNeverAllocate,
		HeapFlags: device.HeapFlagsShared,
	}, AllocationInfo{Size: mb})
	require.True(t, errors.Is(err, ErrOutOfMemory))

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestCreationFrameIndex(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	allocator.SetCurrentFrameIndex(5)
	alloc, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	require.Equal(t, uint32(5), alloc.CreationFrameIndex())

	alloc.SetName("renamed")
	alloc.SetPrivateData("data")
	require.Equal(t, "renamed", alloc.Name())
	require.Equal(t, "data", alloc.PrivateData())

	releaseAll(t, alloc)
	destroyAllocator(t, dev, allocator)
}

func TestDestroyReportsUnreleasedMemory(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	_, err := allocator.AllocateMemory(AllocationCreateInfo{}, AllocationInfo{Size: mb})
	require.NoError(t, err)
	_, err = allocator.CreateResource(AllocationCreateInfo{Flags: AllocationCreateCommitted}, bufferDesc(mb))
	require.NoError(t, err)

	require.Error(t, allocator.Destroy())
}
