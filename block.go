package heapmem

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapmem/device"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
)

type memoryBlock struct {
	id       int
	heap     device.Heap
	logger   *slog.Logger
	metadata metadata.BlockMetadata
}

func newMemoryBlock(logger *slog.Logger, heap device.Heap, id int, algorithm PoolCreateFlags, debugMargin int) *memoryBlock {
	if heap == nil {
		panic("attempting to initialize a memory block without a heap")
	}

	block := &memoryBlock{
		id:     id,
		heap:   heap,
		logger: logger,
	}

	switch algorithm {
	case 0:
		block.metadata = metadata.NewTLSFBlockMetadata(debugMargin)
	case PoolCreateLinearAlgorithm:
		block.metadata = metadata.NewLinearBlockMetadata(debugMargin)
	default:
		panic(fmt.Sprintf("unknown pool algorithm: %s", algorithm.String()))
	}

	block.metadata.Init(heap.Desc().Size)
	return block
}

func (b *memoryBlock) Size() int { return b.metadata.Size() }

// Destroy releases the block's heap. Blocks that still hold allocations are not destroyed: every
// remaining allocation is logged and an error is returned.
func (b *memoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.AssertionFailedf("block %d still has %d live allocations", b.id, b.metadata.AllocationCount())
	}

	if b.heap == nil {
		panic("attempting to destroy a memory block, but it did not have a backing heap")
	}

	err := b.heap.Release()
	if err != nil {
		return errors.Wrapf(err, "failed to release the heap of block %d", b.id)
	}

	b.heap = nil
	return nil
}

func (b *memoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	attrs := []slog.Attr{
		slog.Int("block.id", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
	}

	if allocation, ok := userData.(*Allocation); ok && allocation != nil {
		name := allocation.Name()
		if name == "" {
			name = "empty"
		}
		attrs = append(attrs, slog.String("name", name), slog.Any("privateData", allocation.PrivateData()))
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation", attrs...)
}

func (b *memoryBlock) Validate() error {
	if b.heap == nil {
		return errors.New("no valid heap for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		if free && userData != nil {
			return errors.Newf("the region at offset %d is marked as free but carries user data", offset)
		} else if !free && userData == nil {
			return errors.Newf("the region at offset %d is marked as allocated but has no owner", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

var _ memutils.Validatable = &memoryBlock{}
