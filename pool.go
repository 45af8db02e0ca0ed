package heapmem

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

// PoolCreateInfo describes a custom pool. The zero value of each field selects the default.
type PoolCreateInfo struct {
	HeapType  device.HeapType
	HeapFlags device.HeapFlags
	Flags     PoolCreateFlags

	// BlockSize is the size of every block in the pool. When it is 0 the allocator's preferred block
	// size is used, blocks may be smaller than that, and large requests may fall back to committed
	// allocations.
	BlockSize     int
	MinBlockCount int
	// MaxBlockCount of 0 means unlimited
	MaxBlockCount int

	MinAllocationAlignment uint
	Name                   string
}

// Pool is a custom set of blocks with its own heap type, heap flags and block policy
type Pool struct {
	logger               *slog.Logger
	blockList            memoryBlockList
	committedAllocations committedAllocationList
	parentAllocator      *Allocator
	flags                PoolCreateFlags

	id   int
	name string
	prev *Pool
	next *Pool
}

func (p *Pool) ID() int {
	return p.id
}

func (p *Pool) Name() string {
	p.logger.Debug("Pool::Name")

	return p.name
}

func (p *Pool) SetName(name string) {
	p.logger.Debug("Pool::SetName")

	p.name = name
}

func (p *Pool) HeapType() device.HeapType {
	return p.blockList.heapType
}

// AllocateMemory allocates memory from this pool. Any pool set in createInfo is replaced by this one.
func (p *Pool) AllocateMemory(createInfo AllocationCreateInfo, info AllocationInfo) (*Allocation, error) {
	createInfo.Pool = p
	return p.parentAllocator.AllocateMemory(createInfo, info)
}

// CreateResource allocates memory from this pool and creates a resource in it. Any pool set in
// createInfo is replaced by this one.
func (p *Pool) CreateResource(createInfo AllocationCreateInfo, desc device.ResourceDesc) (*Allocation, error) {
	createInfo.Pool = p
	return p.parentAllocator.CreateResource(createInfo, desc)
}

// Statistics returns the block and allocation counts of the pool
func (p *Pool) Statistics() memutils.Statistics {
	p.logger.Debug("Pool::Statistics")

	var stats memutils.Statistics
	p.blockList.AddStatistics(&stats)
	p.committedAllocations.AddStatistics(&stats)
	return stats
}

// CalculateStatistics walks every block of the pool to compute detailed statistics
func (p *Pool) CalculateStatistics() memutils.DetailedStatistics {
	p.logger.Debug("Pool::CalculateStatistics")

	var stats memutils.DetailedStatistics
	stats.Clear()
	p.blockList.AddDetailedStatistics(&stats)
	p.committedAllocations.AddDetailedStatistics(&stats)
	return stats
}

// Destroy releases the pool's blocks. It fails while the pool still holds allocations.
func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()

	return p.destroyAfterLock()
}

func (p *Pool) destroyAfterLock() error {
	memutils.DebugValidate(&p.committedAllocations)
	if !p.committedAllocations.IsEmpty() {
		return errors.Wrapf(ErrInvalidArgument, "the pool still has %d committed allocations that remain unfreed", p.committedAllocations.Count())
	}
	if !p.blockList.HasNoAllocations() {
		return errors.Wrap(ErrInvalidArgument, "the pool still has placed allocations that remain unfreed")
	}

	err := p.blockList.Destroy()
	if err != nil {
		return err
	}

	next := p.next
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p.prev != nil {
		p.prev.next = next
	}

	if p.parentAllocator.pools == p {
		p.parentAllocator.pools = next
	}
	p.next = nil
	p.prev = nil

	return nil
}
