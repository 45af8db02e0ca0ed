//go:generate mockgen -source device.go -destination ./mocks/device.go -package mocks

// Package device is the boundary between the allocator and a graphics driver. The allocator only
// ever creates heaps, places resources in them, creates committed resources and asks for budgets;
// everything else about the driver stays on the other side of these interfaces.
package device

import (
	"github.com/cockroachdb/errors"
)

const (
	// DefaultResourcePlacementAlignment is the alignment of heaps and of resources placed in them
	DefaultResourcePlacementAlignment uint = 64 * 1024
	// DefaultMSAAResourcePlacementAlignment is the alignment of multisampled textures
	DefaultMSAAResourcePlacementAlignment uint = 4 * 1024 * 1024
	// SmallResourcePlacementAlignment is the alignment small textures may request
	SmallResourcePlacementAlignment uint = 4 * 1024
)

var (
	// ErrOutOfDeviceMemory is returned by a Device when it cannot provide the memory requested
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrBudgetUnavailable is returned by QueryVideoMemoryInfo when the driver cannot report budgets
	ErrBudgetUnavailable = errors.New("video memory budget is unavailable")
)

// Properties describes the adapter
type Properties struct {
	// UMA is true when the adapter shares one pool of memory with the CPU
	UMA bool
	// ResourceHeapTier is 1 if a heap can only hold one class of resource (buffers, render target or
	// depth stencil textures, other textures), or 2 if heaps may mix them
	ResourceHeapTier int
	// LocalMemorySize is the size of the local segment group in bytes
	LocalMemorySize int
	// NonLocalMemorySize is the size of the non-local segment group in bytes
	NonLocalMemorySize int
}

// SegmentGroupSize returns the number of bytes in the provided segment group
func (p Properties) SegmentGroupSize(group MemorySegmentGroup) int {
	if group == MemorySegmentGroupLocal {
		return p.LocalMemorySize
	}
	return p.NonLocalMemorySize
}

// SegmentGroupForHeapType returns the segment group that heaps of the provided type draw from
func (p Properties) SegmentGroupForHeapType(heapType HeapType) MemorySegmentGroup {
	if p.UMA {
		return MemorySegmentGroupLocal
	}

	switch heapType {
	case HeapTypeDefault, HeapTypeGPUUpload:
		return MemorySegmentGroupLocal
	default:
		return MemorySegmentGroupNonLocal
	}
}

// VideoMemoryInfo is the driver's view of one segment group
type VideoMemoryInfo struct {
	// Budget is the number of bytes the process should try to stay under
	Budget int
	// CurrentUsage is the number of bytes the process is currently using
	CurrentUsage int
}

// HeapDesc describes a heap to create
type HeapDesc struct {
	Size      int
	Type      HeapType
	Flags     HeapFlags
	Alignment uint
}

// ResourceDesc describes a buffer or texture. Size and Alignment are the values the driver reported
// for the resource; an Alignment of 0 means DefaultResourcePlacementAlignment, or
// DefaultMSAAResourcePlacementAlignment for multisampled textures.
type ResourceDesc struct {
	Dimension   ResourceDimension
	Flags       ResourceFlags
	Size        int
	Alignment   uint
	SampleCount int
	Name        string
}

// IsMSAA returns true if the resource is a multisampled texture
func (d ResourceDesc) IsMSAA() bool {
	return d.Dimension != ResourceDimensionBuffer && d.SampleCount > 1
}

// PlacementAlignment returns the alignment the resource needs within a heap
func (d ResourceDesc) PlacementAlignment() uint {
	if d.Alignment != 0 {
		return d.Alignment
	}
	if d.IsMSAA() {
		return DefaultMSAAResourcePlacementAlignment
	}
	return DefaultResourcePlacementAlignment
}

// Heap is a single chunk of device memory
type Heap interface {
	Desc() HeapDesc
	Release() error
}

// Resource is a buffer or texture that lives in device memory
type Resource interface {
	Desc() ResourceDesc
	// Heap returns the heap a placed resource lives in, or nil for committed resources
	Heap() Heap
	// Offset returns the offset of a placed resource within its heap
	Offset() int
	Release() error
}

// Device is the driver surface the allocator consumes
type Device interface {
	Properties() Properties
	CreateHeap(desc HeapDesc) (Heap, error)
	CreatePlacedResource(heap Heap, offset int, desc ResourceDesc) (Resource, error)
	CreateCommittedResource(heapType HeapType, heapFlags HeapFlags, desc ResourceDesc) (Resource, error)
	// QueryVideoMemoryInfo returns ErrBudgetUnavailable if the driver cannot report budgets
	QueryVideoMemoryInfo(group MemorySegmentGroup) (VideoMemoryInfo, error)
}
