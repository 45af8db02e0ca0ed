package simdevice

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapmem/device"
)

// Heap is a simulated device.Heap
type Heap struct {
	id     uint64
	desc   device.HeapDesc
	group  device.MemorySegmentGroup
	device *Device

	resourceCount int
	released      bool
}

var _ device.Heap = &Heap{}

func (h *Heap) ID() uint64 { return h.id }

func (h *Heap) Desc() device.HeapDesc { return h.desc }

// ResourceCount returns the number of live resources placed in this heap
func (h *Heap) ResourceCount() int {
	h.device.mutex.Lock()
	defer h.device.mutex.Unlock()

	return h.resourceCount
}

// Release frees the heap's memory. Resources still placed in the heap keep working until they
// are released, the way a driver keeps a heap alive while resources reference it.
func (h *Heap) Release() error {
	h.device.mutex.Lock()
	defer h.device.mutex.Unlock()

	if h.released {
		return errors.Wrapf(ErrAlreadyReleased, "heap %d", h.id)
	}

	h.released = true
	h.device.heaps.Delete(h.id)
	h.device.usage[h.group] -= h.desc.Size
	return nil
}

// Resource is a simulated device.Resource
type Resource struct {
	id     uint64
	desc   device.ResourceDesc
	device *Device

	// Placed resources
	heap   *Heap
	offset int

	// Committed resources
	heapType  device.HeapType
	heapFlags device.HeapFlags
	group     device.MemorySegmentGroup
	size      int

	released bool
}

var _ device.Resource = &Resource{}

func (r *Resource) ID() uint64 { return r.id }

func (r *Resource) Desc() device.ResourceDesc { return r.desc }

func (r *Resource) Heap() device.Heap {
	if r.heap == nil {
		return nil
	}
	return r.heap
}

func (r *Resource) Offset() int { return r.offset }

// Committed returns true if the resource was created with its own implicit heap
func (r *Resource) Committed() bool { return r.heap == nil }

// HeapType returns the heap type of a committed resource, or of the heap a placed resource lives in
func (r *Resource) HeapType() device.HeapType {
	if r.heap != nil {
		return r.heap.desc.Type
	}
	return r.heapType
}

// HeapFlags returns the heap flags of a committed resource, or of the heap a placed resource lives in
func (r *Resource) HeapFlags() device.HeapFlags {
	if r.heap != nil {
		return r.heap.desc.Flags
	}
	return r.heapFlags
}

func (r *Resource) Release() error {
	r.device.mutex.Lock()
	defer r.device.mutex.Unlock()

	if r.released {
		return errors.Wrapf(ErrAlreadyReleased, "resource %d", r.id)
	}

	r.released = true
	r.device.resources.Delete(r.id)
	if r.heap != nil {
		r.heap.resourceCount--
	} else {
		r.device.usage[r.group] -= r.size
	}
	return nil
}
