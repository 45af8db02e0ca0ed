// Package budget tracks how much device memory the allocator is using in each memory segment group,
// and how much the driver says it may use.
package budget

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/internal/utils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

// RefreshInterval is the number of allocations and frees after which Budget asks the driver for
// fresh numbers
const RefreshInterval = 30

// Budget is a snapshot of one segment group
type Budget struct {
	// Statistics counts the heaps and allocations the allocator currently holds in the group
	Statistics memutils.Statistics
	// Usage is the estimated number of bytes the process is using in the group
	Usage int
	// Budget is the number of bytes the process should try to stay under
	Budget int
}

// Free returns the number of bytes left before usage reaches the budget, or 0 when over budget
func (b Budget) Free() int {
	if b.Usage >= b.Budget {
		return 0
	}
	return b.Budget - b.Usage
}

// VideoMemorySource is the part of device.Device the tracker needs
type VideoMemorySource interface {
	QueryVideoMemoryInfo(group device.MemorySegmentGroup) (device.VideoMemoryInfo, error)
}

type Tracker struct {
	properties device.Properties
	source     VideoMemorySource

	// Number of heaps that have been created from device memory
	blockCount [device.MemorySegmentGroupCount]atomic.Int32
	// Number of user allocations that have been doled out- committed allocations plus placed suballocations
	allocationCount [device.MemorySegmentGroupCount]atomic.Int32
	// Size of heaps and committed resources that have been created from device memory
	blockBytes [device.MemorySegmentGroupCount]atomic.Int64
	// Size of user allocations that have been doled out
	allocationBytes [device.MemorySegmentGroupCount]atomic.Int64

	operationsSinceFetch atomic.Uint32

	fetchMutex        utils.OptionalRWMutex
	fetchSupported    bool
	fetchedUsage      [device.MemorySegmentGroupCount]int
	fetchedBudget     [device.MemorySegmentGroupCount]int
	blockBytesAtFetch [device.MemorySegmentGroupCount]int
}

// NewTracker creates a tracker and fetches the first set of budgets from source
func NewTracker(useMutex bool, properties device.Properties, source VideoMemorySource) (*Tracker, error) {
	t := &Tracker{
		properties: properties,
		source:     source,
		fetchMutex: utils.OptionalRWMutex{UseMutex: useMutex},
	}

	err := t.Refresh()
	if err != nil {
		return nil, err
	}

	return t, nil
}

// AddBlock records a new heap or committed resource of the provided size
func (t *Tracker) AddBlock(group device.MemorySegmentGroup, size int) {
	t.blockBytes[group].Add(int64(size))
	t.blockCount[group].Add(1)
}

// RemoveBlock records the release of a heap or committed resource of the provided size
func (t *Tracker) RemoveBlock(group device.MemorySegmentGroup, size int) {
	newVal := t.blockBytes[group].Add(int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for segment group %s went negative", group))
	}

	newCountVal := t.blockCount[group].Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for segment group %s went negative", group))
	}
}

// AddAllocation records a new user allocation and counts one operation toward the next refresh
func (t *Tracker) AddAllocation(group device.MemorySegmentGroup, size int) {
	t.allocationBytes[group].Add(int64(size))
	t.allocationCount[group].Add(1)
	t.operationsSinceFetch.Add(1)
}

// RemoveAllocation records a freed user allocation and counts one operation toward the next refresh
func (t *Tracker) RemoveAllocation(group device.MemorySegmentGroup, size int) {
	newSizeVal := t.allocationBytes[group].Add(int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for segment group %s went negative", group))
	}

	newCountVal := t.allocationCount[group].Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for segment group %s went negative", group))
	}

	t.operationsSinceFetch.Add(1)
}

// Statistics returns the current counters for a segment group
func (t *Tracker) Statistics(group device.MemorySegmentGroup) memutils.Statistics {
	return memutils.Statistics{
		BlockCount:      int(t.blockCount[group].Load()),
		AllocationCount: int(t.allocationCount[group].Load()),
		BlockBytes:      int(t.blockBytes[group].Load()),
		AllocationBytes: int(t.allocationBytes[group].Load()),
	}
}

// Budget returns the current budget of a segment group, refreshing it from the driver first if
// RefreshInterval operations have passed since the last fetch
func (t *Tracker) Budget(group device.MemorySegmentGroup) (Budget, error) {
	if t.operationsSinceFetch.Load() >= RefreshInterval {
		err := t.Refresh()
		if err != nil {
			return Budget{}, err
		}
	}

	budget := Budget{
		Statistics: t.Statistics(group),
	}

	t.fetchMutex.RLock()
	defer t.fetchMutex.RUnlock()

	if !t.fetchSupported {
		budget.Usage = budget.Statistics.BlockBytes
		budget.Budget = t.properties.SegmentGroupSize(group) * 8 / 10
		return budget, nil
	}

	// Estimate usage from the driver's last answer plus whatever has changed since
	if t.fetchedUsage[group]+budget.Statistics.BlockBytes > t.blockBytesAtFetch[group] {
		budget.Usage = t.fetchedUsage[group] + budget.Statistics.BlockBytes - t.blockBytesAtFetch[group]
	}
	budget.Budget = t.fetchedBudget[group]

	return budget, nil
}

// Refresh asks the driver for the current usage and budget of every segment group. Drivers that
// cannot report budgets leave the tracker estimating from its own counters.
func (t *Tracker) Refresh() error {
	var infos [device.MemorySegmentGroupCount]device.VideoMemoryInfo
	supported := true

	groupCount := device.MemorySegmentGroupCount
	if t.properties.UMA {
		groupCount = 1
	}

	for group := 0; group < groupCount; group++ {
		info, err := t.source.QueryVideoMemoryInfo(device.MemorySegmentGroup(group))
		if errors.Is(err, device.ErrBudgetUnavailable) {
			supported = false
			break
		} else if err != nil {
			return errors.Wrapf(err, "failed to query video memory info for %s", device.MemorySegmentGroup(group))
		}

		infos[group] = info
	}

	t.fetchMutex.Lock()
	defer t.fetchMutex.Unlock()

	t.fetchSupported = supported
	for group := 0; group < device.MemorySegmentGroupCount; group++ {
		t.fetchedUsage[group] = infos[group].CurrentUsage
		t.fetchedBudget[group] = infos[group].Budget
		t.blockBytesAtFetch[group] = int(t.blockBytes[group].Load())
	}
	t.operationsSinceFetch.Store(0)

	return nil
}
