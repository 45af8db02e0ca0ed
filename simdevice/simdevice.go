// Package simdevice provides a device.Device that keeps its heaps and resources in process memory.
// It enforces segment capacity, reports configurable budgets and can be told to fail, which makes it
// useful for exercising allocator behaviour without a driver.
package simdevice

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/internal/utils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

var (
	// ErrAlreadyReleased is returned when a heap or resource is released twice
	ErrAlreadyReleased = errors.New("object was already released")
	// ErrInvalidPlacement is returned when a placed resource does not fit its heap at the requested offset
	ErrInvalidPlacement = errors.New("invalid resource placement")
)

// Config describes the simulated adapter
type Config struct {
	Properties device.Properties
	// ReportBudgets makes QueryVideoMemoryInfo answer. When false it returns device.ErrBudgetUnavailable.
	ReportBudgets bool
	// Budgets is the budget reported for each segment group. 0 reports the segment size.
	Budgets [device.MemorySegmentGroupCount]int
	// ExternalUsage is memory in each segment group used by something other than this device's
	// objects. It counts toward reported usage and segment capacity.
	ExternalUsage [device.MemorySegmentGroupCount]int
	// MaxHeapSize causes heap creation to fail with device.ErrOutOfDeviceMemory for larger heaps. 0 is unlimited.
	MaxHeapSize int
}

// DefaultConfig is a discrete tier 2 adapter with 256MB of local and 128MB of non-local memory
func DefaultConfig() Config {
	return Config{
		Properties: device.Properties{
			ResourceHeapTier:   2,
			LocalMemorySize:    256 * 1024 * 1024,
			NonLocalMemorySize: 128 * 1024 * 1024,
		},
		ReportBudgets: true,
	}
}

// Device is a simulated device.Device. It is safe for concurrent use.
type Device struct {
	config Config
	mutex  utils.OptionalMutex

	nextID    uint64
	heaps     *swiss.Map[uint64, *Heap]
	resources *swiss.Map[uint64, *Resource]
	usage     [device.MemorySegmentGroupCount]int

	failHeapCreations     int
	failResourceCreations int
	heapsCreated          int
}

var _ device.Device = &Device{}

func New(config Config) *Device {
	if config.Properties.ResourceHeapTier == 0 {
		config.Properties.ResourceHeapTier = 2
	}

	return &Device{
		config:    config,
		mutex:     utils.OptionalMutex{UseMutex: true},
		heaps:     swiss.NewMap[uint64, *Heap](42),
		resources: swiss.NewMap[uint64, *Resource](42),
	}
}

func (d *Device) Properties() device.Properties {
	return d.config.Properties
}

func (d *Device) reserve(group device.MemorySegmentGroup, size int) error {
	capacity := d.config.Properties.SegmentGroupSize(group)
	if d.usage[group]+d.config.ExternalUsage[group]+size > capacity {
		return errors.Wrapf(device.ErrOutOfDeviceMemory, "%d bytes requested from %s with %d of %d in use",
			size, group, d.usage[group]+d.config.ExternalUsage[group], capacity)
	}

	d.usage[group] += size
	return nil
}

func (d *Device) CreateHeap(desc device.HeapDesc) (device.Heap, error) {
	if desc.Size <= 0 {
		return nil, errors.Newf("heap size must be positive, got %d", desc.Size)
	}
	if !desc.Type.Valid() {
		return nil, errors.Newf("unknown heap type %d", desc.Type)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.failHeapCreations > 0 {
		d.failHeapCreations--
		return nil, errors.Wrap(device.ErrOutOfDeviceMemory, "injected heap creation failure")
	}

	if d.config.MaxHeapSize > 0 && desc.Size > d.config.MaxHeapSize {
		return nil, errors.Wrapf(device.ErrOutOfDeviceMemory, "heap of %d bytes exceeds the %d byte limit", desc.Size, d.config.MaxHeapSize)
	}

	group := d.config.Properties.SegmentGroupForHeapType(desc.Type)
	err := d.reserve(group, desc.Size)
	if err != nil {
		return nil, err
	}

	d.nextID++
	d.heapsCreated++
	heap := &Heap{
		id:     d.nextID,
		desc:   desc,
		group:  group,
		device: d,
	}
	d.heaps.Put(heap.id, heap)

	return heap, nil
}

func (d *Device) CreatePlacedResource(heap device.Heap, offset int, desc device.ResourceDesc) (device.Resource, error) {
	simHeap, ok := heap.(*Heap)
	if !ok || simHeap.device != d {
		return nil, errors.Wrap(ErrInvalidPlacement, "heap does not belong to this device")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if simHeap.released {
		return nil, errors.Wrapf(ErrAlreadyReleased, "heap %d", simHeap.id)
	}

	if d.failResourceCreations > 0 {
		d.failResourceCreations--
		return nil, errors.Wrap(device.ErrOutOfDeviceMemory, "injected resource creation failure")
	}

	alignment := desc.PlacementAlignment()
	if offset < 0 || offset+desc.Size > simHeap.desc.Size {
		return nil, errors.Wrapf(ErrInvalidPlacement, "%d bytes at offset %d do not fit in a heap of %d bytes", desc.Size, offset, simHeap.desc.Size)
	}
	if memutils.AlignDown(offset, alignment) != offset {
		return nil, errors.Wrapf(ErrInvalidPlacement, "offset %d is not aligned to %d", offset, alignment)
	}

	d.nextID++
	resource := &Resource{
		id:     d.nextID,
		desc:   desc,
		heap:   simHeap,
		offset: offset,
		device: d,
	}
	simHeap.resourceCount++
	d.resources.Put(resource.id, resource)

	return resource, nil
}

func (d *Device) CreateCommittedResource(heapType device.HeapType, heapFlags device.HeapFlags, desc device.ResourceDesc) (device.Resource, error) {
	if desc.Size <= 0 {
		return nil, errors.Newf("resource size must be positive, got %d", desc.Size)
	}
	if !heapType.Valid() {
		return nil, errors.Newf("unknown heap type %d", heapType)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.failResourceCreations > 0 {
		d.failResourceCreations--
		return nil, errors.Wrap(device.ErrOutOfDeviceMemory, "injected resource creation failure")
	}

	size := memutils.AlignUp(desc.Size, desc.PlacementAlignment())
	group := d.config.Properties.SegmentGroupForHeapType(heapType)
	err := d.reserve(group, size)
	if err != nil {
		return nil, err
	}

	d.nextID++
	resource := &Resource{
		id:        d.nextID,
		desc:      desc,
		heapType:  heapType,
		heapFlags: heapFlags,
		group:     group,
		size:      size,
		device:    d,
	}
	d.resources.Put(resource.id, resource)

	return resource, nil
}

func (d *Device) QueryVideoMemoryInfo(group device.MemorySegmentGroup) (device.VideoMemoryInfo, error) {
	if !d.config.ReportBudgets {
		return device.VideoMemoryInfo{}, device.ErrBudgetUnavailable
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	budget := d.config.Budgets[group]
	if budget == 0 {
		budget = d.config.Properties.SegmentGroupSize(group)
	}

	return device.VideoMemoryInfo{
		Budget:       budget,
		CurrentUsage: d.usage[group] + d.config.ExternalUsage[group],
	}, nil
}

// FailNextHeapCreations causes the next count calls to CreateHeap to fail with device.ErrOutOfDeviceMemory
func (d *Device) FailNextHeapCreations(count int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failHeapCreations = count
}

// FailNextResourceCreations causes the next count resource creations to fail with device.ErrOutOfDeviceMemory
func (d *Device) FailNextResourceCreations(count int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failResourceCreations = count
}

// SetBudget changes the budget reported for a segment group
func (d *Device) SetBudget(group device.MemorySegmentGroup, budget int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.config.Budgets[group] = budget
}

// SetExternalUsage changes how much of a segment group is in use outside of this device's objects
func (d *Device) SetExternalUsage(group device.MemorySegmentGroup, usage int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.config.ExternalUsage[group] = usage
}

// Usage returns the bytes held by live heaps and committed resources in a segment group
func (d *Device) Usage(group device.MemorySegmentGroup) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.usage[group]
}

// HeapsCreated returns the number of heaps successfully created over the device's lifetime
func (d *Device) HeapsCreated() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.heapsCreated
}

// LiveHeaps returns every heap that has not been released
func (d *Device) LiveHeaps() []*Heap {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	heaps := make([]*Heap, 0, d.heaps.Count())
	d.heaps.Iter(func(_ uint64, heap *Heap) bool {
		heaps = append(heaps, heap)
		return false
	})
	return heaps
}

// LiveResources returns every resource that has not been released
func (d *Device) LiveResources() []*Resource {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	resources := make([]*Resource, 0, d.resources.Count())
	d.resources.Iter(func(_ uint64, resource *Resource) bool {
		resources = append(resources, resource)
		return false
	})
	return resources
}

// CheckLeaks returns an error if any heap or resource is still alive
func (d *Device) CheckLeaks() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.heaps.Count() > 0 || d.resources.Count() > 0 {
		return errors.Newf("%d heaps and %d resources were never released", d.heaps.Count(), d.resources.Count())
	}
	return nil
}
