package heapmem

import (
	"container/list"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/internal/utils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

// committedAllocationList tracks the committed and heap allocations of one default pool or custom pool
type committedAllocationList struct {
	mutex       utils.OptionalRWMutex
	heapType    device.HeapType
	pool        *Pool
	allocations list.List
}

func (l *committedAllocationList) Init(useMutex bool, heapType device.HeapType, pool *Pool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
	l.heapType = heapType
	l.pool = pool
	l.allocations.Init()
}

func (l *committedAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for element := l.allocations.Front(); element != nil; element = element.Next() {
		alloc, ok := element.Value.(*Allocation)
		if !ok || alloc == nil {
			return errors.Newf("committed allocation list holds a non-allocation value %+v", element.Value)
		}

		switch v := alloc.variant.(type) {
		case *committedVariant:
			if v.list != l || v.element != element {
				return errors.New("a committed allocation does not point back at its list entry")
			}
		case *heapVariant:
			if v.list != l || v.element != element {
				return errors.New("a heap allocation does not point back at its list entry")
			}
		default:
			return errors.Newf("committed allocation list holds an allocation of kind %s", alloc.Kind())
		}
	}

	return nil
}

func (l *committedAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	element := l.allocations.PushBack(alloc)
	switch v := alloc.variant.(type) {
	case *committedVariant:
		v.list = l
		v.element = element
	case *heapVariant:
		v.list = l
		v.element = element
	default:
		panic(fmt.Sprintf("attempted to register a %s allocation as committed", alloc.Kind()))
	}
}

func (l *committedAllocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var element *list.Element
	switch v := alloc.variant.(type) {
	case *committedVariant:
		element = v.element
		v.element = nil
	case *heapVariant:
		element = v.element
		v.element = nil
	}

	if element == nil {
		panic("attempted to unregister an allocation that is not in a committed allocation list")
	}
	l.allocations.Remove(element)
}

func (l *committedAllocationList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.allocations.Len()
}

func (l *committedAllocationList) IsEmpty() bool {
	return l.Count() == 0
}

func (l *committedAllocationList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for element := l.allocations.Front(); element != nil; element = element.Next() {
		size := element.Value.(*Allocation).size
		stats.AddBlock(size)
		stats.AllocationCount++
		stats.AllocationBytes += size
	}
}

func (l *committedAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for element := l.allocations.Front(); element != nil; element = element.Next() {
		size := element.Value.(*Allocation).size
		stats.Statistics.AddBlock(size)
		stats.AddAllocation(size)
	}
}

func (l *committedAllocationList) BuildStatsString(s *jwriter.ArrayState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for element := l.allocations.Front(); element != nil; element = element.Next() {
		alloc := element.Value.(*Allocation)
		o := s.Object()
		o.Name("Size").Int(alloc.size)
		alloc.printParameters(&o)
		o.End()
	}
}
