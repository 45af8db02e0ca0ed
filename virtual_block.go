package heapmem

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/heapmem/internal/utils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
	"github.com/vkngwrapper/arsenal/heapmem/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
)

type VirtualBlockCreateFlags uint32

var virtualBlockCreateFlagsMapping = common.NewFlagStringMapping[VirtualBlockCreateFlags]()

func (f VirtualBlockCreateFlags) Register(str string) {
	virtualBlockCreateFlagsMapping.Register(f, str)
}

func (f VirtualBlockCreateFlags) String() string {
	return virtualBlockCreateFlagsMapping.FlagsToString(f)
}

const (
	// VirtualBlockCreateLinearAlgorithm uses metadata.LinearBlockMetadata for the block
	VirtualBlockCreateLinearAlgorithm VirtualBlockCreateFlags = VirtualBlockCreateFlags(PoolCreateLinearAlgorithm)
)

type VirtualAllocationCreateFlags uint32

var virtualAllocationCreateFlagsMapping = common.NewFlagStringMapping[VirtualAllocationCreateFlags]()

func (f VirtualAllocationCreateFlags) Register(str string) {
	virtualAllocationCreateFlagsMapping.Register(f, str)
}

func (f VirtualAllocationCreateFlags) String() string {
	return virtualAllocationCreateFlagsMapping.FlagsToString(f)
}

const (
	VirtualAllocationCreateUpperAddress      VirtualAllocationCreateFlags = VirtualAllocationCreateFlags(AllocationCreateUpperAddress)
	VirtualAllocationCreateStrategyMinMemory VirtualAllocationCreateFlags = VirtualAllocationCreateFlags(AllocationCreateStrategyMinMemory)
	VirtualAllocationCreateStrategyMinTime   VirtualAllocationCreateFlags = VirtualAllocationCreateFlags(AllocationCreateStrategyMinTime)
	VirtualAllocationCreateStrategyMinOffset VirtualAllocationCreateFlags = VirtualAllocationCreateFlags(AllocationCreateStrategyMinOffset)

	VirtualAllocationCreateStrategyMask VirtualAllocationCreateFlags = VirtualAllocationCreateFlags(AllocationCreateStrategyMask)
)

func init() {
	VirtualBlockCreateLinearAlgorithm.Register("VirtualBlockCreateLinearAlgorithm")

	VirtualAllocationCreateUpperAddress.Register("VirtualAllocationCreateUpperAddress")
	VirtualAllocationCreateStrategyMinMemory.Register("VirtualAllocationCreateStrategyMinMemory")
	VirtualAllocationCreateStrategyMinTime.Register("VirtualAllocationCreateStrategyMinTime")
	VirtualAllocationCreateStrategyMinOffset.Register("VirtualAllocationCreateStrategyMinOffset")
}

type VirtualBlockCreateInfo struct {
	Size  int
	Flags VirtualBlockCreateFlags

	// DebugMargin is the number of bytes left free after every allocation. It must be a multiple of 4.
	DebugMargin    int
	SingleThreaded bool
}

type VirtualAllocationCreateInfo struct {
	Size      int
	Alignment uint

	Flags VirtualAllocationCreateFlags

	PrivateData any
}

type VirtualAllocationInfo struct {
	Offset int
	Size   int

	PrivateData any
}

// VirtualAllocation identifies a region of a VirtualBlock
type VirtualAllocation struct {
	handle metadata.BlockAllocationHandle
}

type virtualAllocationData struct {
	privateData any
}

// VirtualBlock runs the allocator's metadata algorithms over a range of offsets that has no memory
// behind it. It can be used to manage any resource that is addressed by offset.
type VirtualBlock struct {
	mutex    utils.OptionalMutex
	metadata metadata.BlockMetadata
}

func NewVirtualBlock(createInfo VirtualBlockCreateInfo) (*VirtualBlock, error) {
	if createInfo.Size <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "virtual block size %d must be positive", createInfo.Size)
	}
	if createInfo.DebugMargin < 0 || createInfo.DebugMargin%4 != 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "debug margin %d must be a non-negative multiple of 4", createInfo.DebugMargin)
	}

	block := &VirtualBlock{
		mutex: utils.OptionalMutex{UseMutex: !createInfo.SingleThreaded},
	}

	switch createInfo.Flags {
	case 0:
		block.metadata = metadata.NewTLSFBlockMetadata(createInfo.DebugMargin)
	case VirtualBlockCreateLinearAlgorithm:
		block.metadata = metadata.NewLinearBlockMetadata(createInfo.DebugMargin)
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown virtual block flags: %s", createInfo.Flags)
	}

	block.metadata.Init(createInfo.Size)
	return block, nil
}

// Allocate reserves a region of the block and returns it along with its offset. ErrOutOfMemory is
// returned when no region is large enough.
func (b *VirtualBlock) Allocate(createInfo VirtualAllocationCreateInfo) (VirtualAllocation, int, error) {
	if createInfo.Size <= 0 {
		return VirtualAllocation{}, 0, errors.Wrapf(ErrInvalidArgument, "allocation size %d must be positive", createInfo.Size)
	}

	alignment := createInfo.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "createInfo.Alignment")
	if err != nil {
		return VirtualAllocation{}, 0, errors.Mark(err, ErrInvalidArgument)
	}

	upperAddress := createInfo.Flags&VirtualAllocationCreateUpperAddress != 0
	strategy := AllocationCreateFlags(createInfo.Flags & VirtualAllocationCreateStrategyMask).strategy()

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if upperAddress && b.metadata.SupportsRandomAccess() {
		return VirtualAllocation{}, 0, errors.Wrap(ErrInvalidArgument, "VirtualAllocationCreateUpperAddress requires a linear virtual block")
	}

	if createInfo.Size+b.metadata.DebugMargin() > b.metadata.Size() {
		return VirtualAllocation{}, 0, errors.Wrapf(ErrOutOfMemory, "an allocation of %d bytes does not fit in a %d byte virtual block", createInfo.Size, b.metadata.Size())
	}

	success, request, err := b.metadata.CreateAllocationRequest(createInfo.Size, alignment, upperAddress, strategy, math.MaxInt)
	if err != nil {
		return VirtualAllocation{}, 0, err
	} else if !success {
		return VirtualAllocation{}, 0, errors.Wrapf(ErrOutOfMemory, "no free region of the virtual block can hold %d bytes", createInfo.Size)
	}

	err = b.metadata.Alloc(request, &virtualAllocationData{privateData: createInfo.PrivateData})
	if err != nil {
		return VirtualAllocation{}, 0, err
	}
	memutils.DebugValidate(b.metadata)

	offset, err := b.metadata.AllocationOffset(request.BlockAllocationHandle)
	if err != nil {
		return VirtualAllocation{}, 0, err
	}

	return VirtualAllocation{handle: request.BlockAllocationHandle}, offset, nil
}

func (b *VirtualBlock) Free(alloc VirtualAllocation) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	err := b.metadata.Free(alloc.handle)
	if err != nil {
		return errors.Mark(err, ErrInvalidArgument)
	}
	memutils.DebugValidate(b.metadata)
	return nil
}

// Clear frees every allocation in the block at once
func (b *VirtualBlock) Clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.metadata.Clear()
}

func (b *VirtualBlock) IsEmpty() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.metadata.IsEmpty()
}

func (b *VirtualBlock) AllocationInfo(alloc VirtualAllocation) (VirtualAllocationInfo, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	offset, err := b.metadata.AllocationOffset(alloc.handle)
	if err != nil {
		return VirtualAllocationInfo{}, errors.Mark(err, ErrInvalidArgument)
	}
	size, err := b.metadata.AllocationSize(alloc.handle)
	if err != nil {
		return VirtualAllocationInfo{}, errors.Mark(err, ErrInvalidArgument)
	}
	userData, err := b.metadata.AllocationUserData(alloc.handle)
	if err != nil {
		return VirtualAllocationInfo{}, errors.Mark(err, ErrInvalidArgument)
	}

	return VirtualAllocationInfo{
		Offset:      offset,
		Size:        size,
		PrivateData: userData.(*virtualAllocationData).privateData,
	}, nil
}

func (b *VirtualBlock) SetAllocationPrivateData(alloc VirtualAllocation, privateData any) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	err := b.metadata.SetAllocationUserData(alloc.handle, &virtualAllocationData{privateData: privateData})
	if err != nil {
		return errors.Mark(err, ErrInvalidArgument)
	}
	return nil
}

func (b *VirtualBlock) Statistics() memutils.Statistics {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var stats memutils.Statistics
	b.metadata.AddStatistics(&stats)
	return stats
}

func (b *VirtualBlock) CalculateStatistics() memutils.DetailedStatistics {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	b.metadata.AddDetailedStatistics(&stats)
	return stats
}

// BuildStatsString returns a JSON document with the block's statistics and, when detailed is true,
// every region of the block
func (b *VirtualBlock) BuildStatsString(detailed bool) (string, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	var stats memutils.DetailedStatistics
	stats.Clear()
	b.metadata.AddDetailedStatistics(&stats)
	statsObj := obj.Name("Stats").Object()
	stats.PrintJson(statsObj)
	statsObj.End()

	if detailed {
		details := obj.Name("Details").Object()
		b.metadata.BlockJsonData(details, func(json jwriter.ObjectState, userData any) {
			data, ok := userData.(*virtualAllocationData)
			if ok && data.privateData != nil {
				json.Name("CustomData").String(fmt.Sprintf("%+v", data.privateData))
			}
		})
		details.End()
	}

	obj.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}
