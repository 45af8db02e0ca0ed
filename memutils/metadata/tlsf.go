package metadata

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift

	smallSizeStep = SmallBufferSize / 4
)

var blockAllocator = sync.Pool{
	New: func() any {
		return &tlsfBlock{}
	},
}

// tlsfBlock is one physical region of the block, free or taken. Physical neighbours are linked
// through prevPhysical/nextPhysical, free regions in the same bucket through prevFree/nextFree.
// A taken region points prevFree at itself.
type tlsfBlock struct {
	offset       int
	size         int
	prevPhysical *tlsfBlock
	nextPhysical *tlsfBlock

	prevFree *tlsfBlock
	nextFree *tlsfBlock

	userData    any
	blockHandle BlockAllocationHandle
}

func (b *tlsfBlock) MarkFree() {
	b.prevFree = nil
}

func (b *tlsfBlock) MarkTaken() {
	b.prevFree = b
}

func (b *tlsfBlock) IsFree() bool {
	return b.prevFree != b
}

// TLSFBlockMetadata is a two-level segregated fit implementation of BlockMetadata. Free regions are
// bucketed by the highest set bit of their size and then by the next SecondLevelIndex bits, and
// bitmaps mark which buckets are non-empty so that the next usable bucket can be found in constant time.
//
// The unallocated tail of the block is represented by a single "null" region that is not stored in
// any bucket.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount        int
	blocksFreeCount   int
	blocksFreeSize    int
	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nextAllocationHandle BlockAllocationHandle
	handleKey            *swiss.Map[BlockAllocationHandle, *tlsfBlock]
	freeList             []*tlsfBlock
	nullBlock            *tlsfBlock
	tailBlock            *tlsfBlock
}

var _ BlockMetadata = &TLSFBlockMetadata{}

// NewTLSFBlockMetadata creates an uninitialized TLSFBlockMetadata. Init must be called before use.
func NewTLSFBlockMetadata(debugMargin int) *TLSFBlockMetadata {
	return &TLSFBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(debugMargin),
	}
}

func (m *TLSFBlockMetadata) allocateBlock() *tlsfBlock {
	b := blockAllocator.Get().(*tlsfBlock)
	b.offset = 0
	b.size = 0
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.nextFree = nil
	b.prevFree = nil
	b.userData = nil
	m.nextAllocationHandle++
	b.blockHandle = m.nextAllocationHandle
	m.handleKey.Put(b.blockHandle, b)
	return b
}

func (m *TLSFBlockMetadata) freeBlock(b *tlsfBlock) {
	m.handleKey.Delete(b.blockHandle)
	b.userData = nil
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.prevFree = nil
	b.nextFree = nil
	blockAllocator.Put(b)
}

func (m *TLSFBlockMetadata) getBlock(handle BlockAllocationHandle) (*tlsfBlock, error) {
	block, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Errorf("handle %d does not belong to this metadata", handle)
	}
	return block, nil
}

func (m *TLSFBlockMetadata) getTakenBlock(handle BlockAllocationHandle) (*tlsfBlock, error) {
	block, err := m.getBlock(handle)
	if err != nil {
		return nil, err
	}
	if block.IsFree() {
		return nil, errors.Errorf("handle %d refers to a free region", handle)
	}
	return block, nil
}

func (m *TLSFBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *tlsfBlock](42)

	m.nullBlock = m.allocateBlock()
	m.nullBlock.size = size
	m.nullBlock.MarkFree()
	m.tailBlock = m.nullBlock
	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]*tlsfBlock, listSize)
}

func (m *TLSFBlockMetadata) SupportsRandomAccess() bool { return true }

func (m *TLSFBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	calculatedSize := m.nullBlock.size
	calculatedFreeSize := m.nullBlock.size
	var allocCount, freeCount, freeListCount int

	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		block := m.freeList[listIndex]
		if block == nil {
			continue
		}

		if block.prevFree != nil {
			return errors.Errorf("block at offset %d is the head of a free list but has a previous block", block.offset)
		}

		for ; block != nil; block = block.nextFree {
			if !block.IsFree() {
				return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
			}
			if m.getListIndexFromSize(block.size) != listIndex {
				return errors.Errorf("block at offset %d with size %d is in free list %d", block.offset, block.size, listIndex)
			}
			if block.nextFree != nil && block.nextFree.prevFree != block {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}

			freeListCount++
		}
	}

	if m.nullBlock.nextPhysical != nil {
		return errors.New("null block must be the tail of its physical block chain")
	}

	if m.nullBlock.prevPhysical != nil && m.nullBlock.prevPhysical.nextPhysical != m.nullBlock {
		return errors.New("null block has a physical block before it in its chain, but the reverse reference is broken")
	}

	nextOffset := m.nullBlock.offset

	for prev := m.nullBlock.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical block at offset %d does not end at the next block's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.IsFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("block at offset %d has a previous physical block, but the reverse reference is broken", prev.offset)
		}
		if prev.prevPhysical == nil && prev != m.tailBlock {
			return errors.Errorf("block at offset %d begins the physical chain but is not the tail block", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical block should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free blocks only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}

	return nil
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(m.size)
	if m.nullBlock.size > 0 {
		stats.AddUnusedRange(m.nullBlock.size)
	}

	for block := m.nullBlock.prevPhysical; block != nil; block = block.prevPhysical {
		if block.IsFree() {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.AddBlock(m.size)
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *TLSFBlockMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFBlockMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *TLSFBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFBlockMetadata) FreeRegionsCount() int {
	if m.nullBlock.size > 0 {
		return m.blocksFreeCount + 1
	}
	return m.blocksFreeCount
}

func (m *TLSFBlockMetadata) SumFreeSize() int {
	return m.blocksFreeSize + m.nullBlock.size
}

func (m *TLSFBlockMetadata) IsEmpty() bool {
	return m.nullBlock.offset == 0
}

func (m *TLSFBlockMetadata) MayHaveFreeBlock(size int) bool {
	return m.SumFreeSize() >= size+m.debugMargin
}

func (m *TLSFBlockMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFBlockMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / smallSizeStep)
}

func (m *TLSFBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	strategy AllocationStrategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if upperAddress {
		return false, allocRequest, errors.New("upper address allocations can only be made with the linear algorithm")
	}

	memutils.DebugValidate(m)

	allocSize += m.debugMargin

	// Is the block big enough?
	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	// Any free regions besides the tail?
	if m.blocksFreeCount == 0 {
		success := m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest)
		return success, allocRequest, nil
	}

	// Round up to the next bucket
	sizeForNextList := allocSize

	if allocSize > SmallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(SecondLevelIndex)))
	} else if allocSize > SmallBufferSize-smallSizeStep {
		sizeForNextList = SmallBufferSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	var found bool

	switch {
	case strategy&AllocationStrategyMinTime != 0:
		found = m.searchMinTime(allocSize, sizeForNextList, allocAlignment, maxOffset, &allocRequest)
	case strategy&AllocationStrategyMinOffset != 0:
		// The physical scan already covers every free region
		found = m.searchMinOffset(allocSize, allocAlignment, maxOffset, &allocRequest)
		return found, allocRequest, nil
	default:
		found = m.searchMinMemory(allocSize, sizeForNextList, allocAlignment, maxOffset, &allocRequest)
	}

	if found {
		return true, allocRequest, nil
	}

	// Worst case, full search over every bucket that could hold a large enough region
	for listIndex := m.getListIndexFromSize(allocSize); listIndex < len(m.freeList); listIndex++ {
		if m.checkList(listIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}
	}

	// No more memory to check
	return false, allocRequest, nil
}

func (m *TLSFBlockMetadata) checkList(listIndex int, allocSize int, allocAlignment uint, maxOffset int, allocRequest *AllocationRequest) bool {
	for block := m.freeList[listIndex]; block != nil; block = block.nextFree {
		if m.checkBlock(block, listIndex, allocSize, allocAlignment, maxOffset, allocRequest) {
			return true
		}
	}
	return false
}

func (m *TLSFBlockMetadata) searchMinTime(allocSize, sizeForNextList int, allocAlignment uint, maxOffset int, allocRequest *AllocationRequest) bool {
	// Check the larger bucket first, its head will fit without alignment trouble most of the time
	nextListBlock, nextListIndex := m.findFreeBlock(sizeForNextList)
	if nextListBlock != nil && m.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, maxOffset, allocRequest) {
		return true
	}

	if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, maxOffset, allocRequest) {
		return true
	}

	if nextListBlock != nil && m.checkList(nextListIndex, allocSize, allocAlignment, maxOffset, allocRequest) {
		return true
	}

	_, prevListIndex := m.findFreeBlock(allocSize)
	return prevListIndex >= 0 && m.checkList(prevListIndex, allocSize, allocAlignment, maxOffset, allocRequest)
}

func (m *TLSFBlockMetadata) searchMinMemory(allocSize, sizeForNextList int, allocAlignment uint, maxOffset int, allocRequest *AllocationRequest) bool {
	// Best fit bucket first
	_, prevListIndex := m.findFreeBlock(allocSize)
	if prevListIndex >= 0 && m.checkList(prevListIndex, allocSize, allocAlignment, maxOffset, allocRequest) {
		return true
	}

	if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, maxOffset, allocRequest) {
		return true
	}

	_, nextListIndex := m.findFreeBlock(sizeForNextList)
	return nextListIndex >= 0 && m.checkList(nextListIndex, allocSize, allocAlignment, maxOffset, allocRequest)
}

func (m *TLSFBlockMetadata) searchMinOffset(allocSize int, allocAlignment uint, maxOffset int, allocRequest *AllocationRequest) bool {
	for block := m.tailBlock; block != nil && block.offset < maxOffset; block = block.nextPhysical {
		if !block.IsFree() || block.size < allocSize {
			continue
		}

		listIndex := len(m.freeList)
		if block != m.nullBlock {
			listIndex = m.getListIndexFromSize(block.size)
		}

		if m.checkBlock(block, listIndex, allocSize, allocAlignment, maxOffset, allocRequest) {
			return true
		}
	}

	return false
}

func (m *TLSFBlockMetadata) checkBlock(
	block *tlsfBlock,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	maxOffset int,
	allocRequest *AllocationRequest,
) bool {
	if !block.IsFree() {
		panic(fmt.Sprintf("block at offset %d is already taken", block.offset))
	}

	alignedOffset := memutils.AlignUp(block.offset, allocAlignment)

	if alignedOffset >= maxOffset {
		return false
	}

	if block.size < allocSize+alignedOffset-block.offset {
		return false
	}

	allocRequest.Type = AllocationRequestTLSF
	allocRequest.BlockAllocationHandle = block.blockHandle
	allocRequest.Size = allocSize - m.debugMargin
	allocRequest.Item = Suballocation{Offset: alignedOffset, Size: allocSize - m.debugMargin}
	allocRequest.AlgorithmData = uint64(alignedOffset)

	// Place block at the start of list if it's a normal block
	if listIndex != len(m.freeList) && block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
		if block.nextFree != nil {
			block.nextFree.prevFree = block.prevFree
		}

		block.prevFree = nil
		block.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = block
		if block.nextFree != nil {
			block.nextFree.prevFree = block
		}
	}

	return true
}

// findFreeBlock returns the head of the first non-empty bucket that can hold regions of the provided size,
// along with that bucket's index. The index is -1 when there is no such bucket.
func (m *TLSFBlockMetadata) findFreeBlock(size int) (*tlsfBlock, int) {
	memoryClass := m.sizeToMemoryClass(size)
	if int(memoryClass) >= MaxMemoryClasses {
		return nil, -1
	}

	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (^uint32(0) << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available blocks
		freeMap := m.isFreeBitmap & (^uint32(0) << (memoryClass + 1))
		if freeMap == 0 {
			return nil, -1
		}

		// Find lowest free region
		memoryClass = uint8(bits.TrailingZeros32(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subregion
	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free blocks, but no blocks were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFBlockMetadata) BlockJsonData(json jwriter.ObjectState, writeAllocation AllocationWriter) {
	writeBlockJson(m, &m.BlockMetadataBase, json, writeAllocation)
}

func (m *TLSFBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	if req.Type != AllocationRequestTLSF {
		return errors.Errorf("allocation request of type %s was received by TLSF metadata", req.Type)
	}

	// Get block and pop it from the free list
	currentBlock, err := m.getBlock(req.BlockAllocationHandle)
	if err != nil {
		return err
	}
	if !currentBlock.IsFree() {
		return errors.New("allocation request refers to a region that is no longer free")
	}

	offset := int(req.AlgorithmData)
	if currentBlock.offset > offset {
		return errors.New("allocation request had a block allocation header that was incompatible with the requested offset")
	}

	size := req.Size + m.debugMargin
	if currentBlock.size < size+offset-currentBlock.offset {
		return errors.New("allocation request had a block allocation header too small for the request")
	}

	if currentBlock != m.nullBlock {
		m.removeFreeBlock(currentBlock)
	}

	missingAlignment := offset - currentBlock.offset

	// Append missing alignment to the previous region or create a new one
	if missingAlignment != 0 {
		prevBlock := currentBlock.prevPhysical

		if prevBlock == nil {
			return errors.New("somehow had missing alignment at offset 0")
		}

		if prevBlock.IsFree() && prevBlock.size != m.debugMargin {
			oldListIndex := m.getListIndexFromSize(prevBlock.size)
			newListIndex := m.getListIndexFromSize(prevBlock.size + missingAlignment)

			if oldListIndex != newListIndex {
				m.removeFreeBlock(prevBlock)
				prevBlock.size += missingAlignment
				m.insertFreeBlock(prevBlock)
			} else {
				prevBlock.size += missingAlignment
				m.blocksFreeSize += missingAlignment
			}
		} else {
			newBlock := m.allocateBlock()
			currentBlock.prevPhysical = newBlock
			prevBlock.nextPhysical = newBlock
			newBlock.prevPhysical = prevBlock
			newBlock.nextPhysical = currentBlock
			newBlock.size = missingAlignment
			newBlock.offset = currentBlock.offset
			newBlock.MarkTaken()

			m.insertFreeBlock(newBlock)
		}

		currentBlock.size -= missingAlignment
		currentBlock.offset += missingAlignment
	}

	if currentBlock.size == size {
		if currentBlock == m.nullBlock {
			// Set up a new, empty null block
			m.nullBlock = m.allocateBlock()
			m.nullBlock.size = 0
			m.nullBlock.offset = currentBlock.offset + size
			m.nullBlock.prevPhysical = currentBlock
			m.nullBlock.MarkFree()
			currentBlock.nextPhysical = m.nullBlock
			currentBlock.MarkTaken()
		}
	} else {
		// Trailing space becomes a new free region
		newBlock := m.allocateBlock()
		newBlock.size = currentBlock.size - size
		newBlock.offset = currentBlock.offset + size
		newBlock.prevPhysical = currentBlock
		newBlock.nextPhysical = currentBlock.nextPhysical
		currentBlock.nextPhysical = newBlock
		currentBlock.size = size

		if currentBlock == m.nullBlock {
			m.nullBlock = newBlock
			m.nullBlock.MarkFree()
			currentBlock.MarkTaken()
		} else {
			newBlock.nextPhysical.prevPhysical = newBlock
			newBlock.MarkTaken()
			m.insertFreeBlock(newBlock)
		}
	}

	currentBlock.userData = userData

	if m.debugMargin > 0 {
		currentBlock.size -= m.debugMargin
		newBlock := m.allocateBlock()
		newBlock.size = m.debugMargin
		newBlock.offset = currentBlock.offset + currentBlock.size
		newBlock.prevPhysical = currentBlock
		newBlock.nextPhysical = currentBlock.nextPhysical
		newBlock.MarkTaken()
		currentBlock.nextPhysical.prevPhysical = newBlock
		currentBlock.nextPhysical = newBlock
		m.insertFreeBlock(newBlock)
	}

	m.allocCount++
	memutils.DebugValidate(m)

	return nil
}

func (m *TLSFBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return err
	}

	next := block.nextPhysical
	m.allocCount--
	block.userData = nil

	if m.debugMargin > 0 {
		m.removeFreeBlock(next)
		m.mergeBlock(next, block)

		block = next
		next = next.nextPhysical
	}

	// Try merging
	prev := block.prevPhysical
	if prev != nil && prev.IsFree() && prev.size != m.debugMargin {
		m.removeFreeBlock(prev)
		m.mergeBlock(block, prev)
	}

	if !next.IsFree() {
		m.insertFreeBlock(block)
	} else if next == m.nullBlock {
		m.mergeBlock(m.nullBlock, block)
	} else {
		m.removeFreeBlock(next)
		m.mergeBlock(next, block)

		m.insertFreeBlock(next)
	}

	memutils.DebugValidate(m)
	return nil
}

func (m *TLSFBlockMetadata) removeFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot remove the null block")
	}
	if !block.IsFree() {
		panic("provided block is not free")
	}

	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		memClass := m.sizeToMemoryClass(block.size)
		secondIndex := m.sizeToSecondIndex(block.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != block {
			panic("block was not in the free list at the expected location")
		}
		m.freeList[index] = block.nextFree
		if block.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(uint32(1) << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(uint32(1) << memClass)
			}
		}
	}

	block.nextFree = nil
	block.MarkTaken()
	block.userData = nil
	m.blocksFreeCount--
	m.blocksFreeSize -= block.size
}

func (m *TLSFBlockMetadata) insertFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot insert the null block")
	}

	if block.IsFree() {
		panic("block is already free")
	}

	memClass := m.sizeToMemoryClass(block.size)
	secondIndex := m.sizeToSecondIndex(block.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for block")
	}

	block.prevFree = nil
	block.nextFree = m.freeList[index]
	m.freeList[index] = block
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	} else {
		m.innerIsFreeBitmap[memClass] |= uint32(1) << secondIndex
		m.isFreeBitmap |= uint32(1) << memClass
	}
	m.blocksFreeCount++
	m.blocksFreeSize += block.size
}

// mergeBlock folds prev into block, which must directly follow it
func (m *TLSFBlockMetadata) mergeBlock(block *tlsfBlock, prev *tlsfBlock) {
	if block.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.IsFree() {
		panic("cannot merge a block that belongs to the free list")
	}

	block.offset = prev.offset
	block.size += prev.size
	block.prevPhysical = prev.prevPhysical
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block
	} else {
		m.tailBlock = block
	}

	m.freeBlock(prev)
}

func (m *TLSFBlockMetadata) VisitAllRegions(visit RegionVisitor) error {
	for block := m.tailBlock; block != nil; block = block.nextPhysical {
		if block == m.nullBlock && block.size == 0 {
			break
		}

		err := visit(block.blockHandle, block.offset, block.size, block.userData, block.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	if m.allocCount == 0 {
		return NoAllocation, nil
	}

	for block := m.nullBlock.prevPhysical; block != nil; block = block.prevPhysical {
		if !block.IsFree() {
			return block.blockHandle, nil
		}
	}

	return NoAllocation, errors.New("the metadata has an allocation but none could be found in the physical blocks")
}

func (m *TLSFBlockMetadata) FindNextAllocation(alloc BlockAllocationHandle) (BlockAllocationHandle, error) {
	startBlock, err := m.getTakenBlock(alloc)
	if err != nil {
		return NoAllocation, err
	}

	for block := startBlock.prevPhysical; block != nil; block = block.prevPhysical {
		if !block.IsFree() {
			return block.blockHandle, nil
		}
	}

	return NoAllocation, nil
}

func (m *TLSFBlockMetadata) FindNextFreeRegionSize(alloc BlockAllocationHandle) (int, error) {
	block, err := m.getTakenBlock(alloc)
	if err != nil {
		return 0, err
	}

	if block.prevPhysical != nil && block.prevPhysical.IsFree() {
		return block.prevPhysical.size, nil
	}

	return 0, nil
}

func (m *TLSFBlockMetadata) Clear() {
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.nullBlock.offset = 0
	m.nullBlock.size = m.size
	block := m.nullBlock.prevPhysical
	m.nullBlock.prevPhysical = nil
	m.tailBlock = m.nullBlock

	for block != nil {
		prev := block.prevPhysical
		m.freeBlock(block)
		block = prev
	}

	m.freeList = make([]*tlsfBlock, len(m.freeList))
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
}

func (m *TLSFBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.offset, nil
}

func (m *TLSFBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.size, nil
}

func (m *TLSFBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return nil, err
	}

	return block.userData, nil
}

func (m *TLSFBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	block, err := m.getTakenBlock(allocHandle)
	if err != nil {
		return err
	}

	block.userData = userData
	return nil
}
