package heapmem

import (
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/internal/budget"
	"github.com/vkngwrapper/arsenal/heapmem/internal/utils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

const (
	// defaultPreferredBlockSize is the value that is used as the PreferredBlockSize when none
	// is provided via CreateOptions. It is equal to 64Mb.
	defaultPreferredBlockSize int = 64 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// PreferredBlockSize is the size of the blocks in default pools and in custom pools that do not
	// set a block size. Smaller blocks may be created early on.
	PreferredBlockSize int

	// SingleThreaded ensures that this allocator and all objects created from it will not be
	// synchronized internally. The consumer must guarantee they are used from only one goroutine at a
	// time or are synchronized by some other mechanism.
	SingleThreaded bool

	// AlwaysCommitted gives every allocation that may be committed its own heap or committed
	// resource. This is a debugging aid.
	AlwaysCommitted bool

	// DebugMargin is the number of bytes left free after every allocation in every block. It must be a
	// multiple of 4.
	DebugMargin int

	// DefaultPoolsNotZeroed creates default pool heaps with device.HeapFlagsCreateNotZeroed
	DefaultPoolsNotZeroed bool
}

// New creates a new Allocator
//
// logger - Allocator entry points and lifecycle events are logged here at Debug
//
// dev - The device that heaps and resources will be created from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, dev device.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "a logger is required")
	}
	if dev == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "a device is required")
	}
	if options.PreferredBlockSize < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "preferred block size %d is negative", options.PreferredBlockSize)
	}
	if options.DebugMargin < 0 || options.DebugMargin%4 != 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "debug margin %d must be a non-negative multiple of 4", options.DebugMargin)
	}

	useMutex := !options.SingleThreaded
	properties := dev.Properties()
	if properties.ResourceHeapTier != 1 && properties.ResourceHeapTier != 2 {
		return nil, errors.Wrapf(ErrUnsupported, "resource heap tier %d", properties.ResourceHeapTier)
	}

	tracker, err := budget.NewTracker(useMutex, properties, dev)
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		useMutex:        useMutex,
		logger:          logger,
		device:          dev,
		properties:      properties,
		budget:          tracker,
		alwaysCommitted: options.AlwaysCommitted,
		debugMargin:     options.DebugMargin,
		poolsMutex:      utils.OptionalRWMutex{UseMutex: useMutex},
	}

	allocator.preferredBlockSize = defaultPreferredBlockSize
	if options.PreferredBlockSize != 0 {
		allocator.preferredBlockSize = memutils.AlignUp(options.PreferredBlockSize, device.DefaultResourcePlacementAlignment)
	}

	var extraHeapFlags device.HeapFlags
	if options.DefaultPoolsNotZeroed {
		extraHeapFlags = device.HeapFlagsCreateNotZeroed
	}

	// Initialize default pools
	for heapType := device.HeapTypeDefault; int(heapType) < device.HeapTypeCount; heapType++ {
		for class := resourceClassBuffer; class < resourceClassCount; class++ {
			poolIndex := allocator.defaultPoolIndex(heapType, class)
			if allocator.blockLists[poolIndex] != nil {
				continue
			}

			heapFlags := extraHeapFlags
			if properties.ResourceHeapTier == 1 {
				heapFlags |= class.heapFlags()
			}

			allocator.blockLists[poolIndex] = &memoryBlockList{}
			allocator.blockLists[poolIndex].Init(
				allocator,
				nil,
				heapType,
				heapFlags,
				allocator.preferredBlockSize,
				0,
				math.MaxInt,
				false,
				0,
				0,
			)

			allocator.committedAllocations[poolIndex] = &committedAllocationList{}
			allocator.committedAllocations[poolIndex].Init(useMutex, heapType, nil)
		}
	}

	logger.Debug("Allocator::New",
		slog.Int("ResourceHeapTier", properties.ResourceHeapTier),
		slog.Int("PreferredBlockSize", allocator.preferredBlockSize),
		slog.Bool("SingleThreaded", options.SingleThreaded),
	)

	return allocator, nil
}

// resourceClass is the category of resource a heap may hold under resource heap tier 1
type resourceClass int

const (
	resourceClassBuffer resourceClass = iota
	resourceClassNonRTDSTexture
	resourceClassRTDSTexture
	resourceClassCount

	resourceClassUnknown resourceClass = -1
)

func (c resourceClass) heapFlags() device.HeapFlags {
	switch c {
	case resourceClassBuffer:
		return device.HeapFlagsAllowOnlyBuffers
	case resourceClassNonRTDSTexture:
		return device.HeapFlagsAllowOnlyNonRTDSTextures
	case resourceClassRTDSTexture:
		return device.HeapFlagsAllowOnlyRTDSTextures
	}
	return device.HeapFlagsAllowAllBuffersAndTextures
}

func resourceClassForHeapFlags(flags device.HeapFlags) resourceClass {
	switch flags & device.HeapFlagsResourceClassMask {
	case device.HeapFlagsAllowOnlyBuffers:
		return resourceClassBuffer
	case device.HeapFlagsAllowOnlyNonRTDSTextures:
		return resourceClassNonRTDSTexture
	case device.HeapFlagsAllowOnlyRTDSTextures:
		return resourceClassRTDSTexture
	}
	return resourceClassUnknown
}

func resourceClassForDesc(desc device.ResourceDesc) resourceClass {
	if desc.Dimension == device.ResourceDimensionBuffer {
		return resourceClassBuffer
	}
	if desc.Flags&(device.ResourceFlagsAllowRenderTarget|device.ResourceFlagsAllowDepthStencil) != 0 {
		return resourceClassRTDSTexture
	}
	return resourceClassNonRTDSTexture
}

const maxDefaultPools = device.HeapTypeCount * int(resourceClassCount)

// defaultPoolIndex locates the default pool for a heap type. Under resource heap tier 1 each resource
// class has its own pool, so the class must be known; -1 is returned when it is not.
func (a *Allocator) defaultPoolIndex(heapType device.HeapType, class resourceClass) int {
	if a.properties.ResourceHeapTier != 1 {
		return int(heapType)
	}
	if class == resourceClassUnknown {
		return -1
	}
	return int(heapType)*int(resourceClassCount) + int(class)
}
