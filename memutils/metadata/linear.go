package metadata

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/heapmem/memutils"
)

// ErrLinearModeConflict is returned when a linear block in ring buffer mode is used as a double
// stack, or the reverse. Builds with the debug_mem_utils tag panic instead.
var ErrLinearModeConflict = errors.New("linear block cannot be used as a ring buffer and a double stack at once")

func linearModeConflict(format string, args ...any) error {
	err := errors.Wrapf(ErrLinearModeConflict, format, args...)
	if memutils.DebugEnabled {
		panic(err)
	}
	return err
}

type secondVectorMode uint32

const (
	SecondVectorModeEmpty secondVectorMode = iota
	SecondVectorModeRingBuffer
	SecondVectorModeDoubleStack
)

var secondVectorModeMapping = map[secondVectorMode]string{
	SecondVectorModeEmpty:       "SecondVectorModeEmpty",
	SecondVectorModeRingBuffer:  "SecondVectorModeRingBuffer",
	SecondVectorModeDoubleStack: "SecondVectorModeDoubleStack",
}

func (m secondVectorMode) String() string {
	return secondVectorModeMapping[m]
}

const compactMinSuballocations = 32

// LinearBlockMetadata is a BlockMetadata implementation that represents a simple
// vector memory arena.
//
// The LinearBlockMetadata has three operation modes:
//   - Stack, which is the default.  Allocations will be applied to the end of the
//     current block.  Deallocations will only free up space for new allocations when
//     taken from the end of the allocation.
//   - Double stack, which the metadata will switch to when it's in stack mode and
//     a new allocation with upperAddress=true is requested. The metadata functions
//     like two stacks, with the second one growing down from the end of the block.
//   - Ring buffer, which the metadata will switch to when the first stack reaches the
//     end of the block while space has been freed at its beginning. New allocations wrap
//     around to the start of the block. When every allocation in the first stack has been
//     freed, the stacks are swapped.
//
// Ring buffer and double stack use cannot be mixed in the same block.
type LinearBlockMetadata struct {
	BlockMetadataBase

	sumFreeSize      int
	suballocations0  []Suballocation
	suballocations1  []Suballocation
	firstVectorIndex int
	secondVectorMode secondVectorMode

	// Number of items in the first vector with nil allocations at the beginning
	firstNullItemsBeginCount int
	// Number of other items in the first vector with nil allocations in the middle
	firstNullItemsMiddleCount int
	// Number of items in the second vector with nil allocations
	secondNullItemsCount int
}

var _ BlockMetadata = &LinearBlockMetadata{}

// NewLinearBlockMetadata creates an uninitialized LinearBlockMetadata. Init must be called before use.
func NewLinearBlockMetadata(debugMargin int) *LinearBlockMetadata {
	return &LinearBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(debugMargin),
		secondVectorMode:  SecondVectorModeEmpty,
	}
}

// SumFreeSize returns the number of free bytes of memory in the block.
func (m *LinearBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

// IsEmpty will return true if this block has no live suballocations
func (m *LinearBlockMetadata) IsEmpty() bool {
	return m.AllocationCount() == 0
}

// SupportsRandomAccess always returns false: offsets are dictated by the order of allocations, so
// blocks using this metadata cannot be defragmented.
func (m *LinearBlockMetadata) SupportsRandomAccess() bool { return false }

// AllocationOffset returns the offset of the allocation. Handles for this metadata are the offset plus one.
func (m *LinearBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	if allocHandle == 0 || allocHandle == NoAllocation {
		return 0, errors.Errorf("invalid handle %d", allocHandle)
	}
	return int(allocHandle) - 1, nil
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *LinearBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.sumFreeSize = size
}

// Validate performs internal consistency checks on the metadata.
func (m *LinearBlockMetadata) Validate() error {
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if len(secondVector) == 0 && m.secondVectorMode != SecondVectorModeEmpty {
		return errors.New("the second vector mode isn't SecondVectorModeEmpty, but the second vector is empty")
	} else if len(secondVector) != 0 && m.secondVectorMode == SecondVectorModeEmpty {
		return errors.New("the second vector mode is SecondVectorModeEmpty, but the second vector isn't empty")
	}

	if m.firstNullItemsBeginCount+m.firstNullItemsMiddleCount > len(firstVector) {
		return errors.Errorf("metadata indicates that there are %d free items in the primary vector, but there are only %d total items", m.firstNullItemsMiddleCount+m.firstNullItemsBeginCount, len(firstVector))
	}

	if m.secondNullItemsCount > len(secondVector) {
		return errors.Errorf("metadata indicates that there are %d free items in the secondary vector, but there are only %d total items", m.secondNullItemsCount, len(secondVector))
	}

	if len(firstVector) != 0 {
		if m.firstNullItemsBeginCount >= len(firstVector) || firstVector[m.firstNullItemsBeginCount].Free {
			return errors.Errorf("there should only be %d free items at the beginning of the primary vector, but there seem to be more", m.firstNullItemsBeginCount)
		}

		if firstVector[len(firstVector)-1].Free {
			return errors.New("there should not be lingering free items at the end of the primary vector")
		}
	}

	if len(secondVector) != 0 {
		if secondVector[0].Free || secondVector[len(secondVector)-1].Free {
			return errors.New("there should not be lingering free items at either end of the secondary vector")
		}
	}

	var sumUsedSize, offset, nullItemSecondCount int
	debugMargin := m.debugMargin

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		if len(firstVector) == 0 {
			return errors.New("invalid ring buffer setup: the primary vector is empty")
		}

		for suballocIndex, suballoc := range secondVector {
			if suballoc.Offset < offset {
				return errors.Errorf("suballoc at index %d in the secondary ring buffer has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
			}

			if suballoc.Free {
				nullItemSecondCount++
			} else {
				sumUsedSize += suballoc.Size
			}

			offset = suballoc.Offset + suballoc.Size + debugMargin
		}
	}

	for suballocIndex := 0; suballocIndex < m.firstNullItemsBeginCount; suballocIndex++ {
		if !firstVector[suballocIndex].Free {
			return errors.Errorf("suballoc at index %d should be free", suballocIndex)
		}
	}

	nullItemsFirstCount := m.firstNullItemsBeginCount
	for suballocIndex := m.firstNullItemsBeginCount; suballocIndex < len(firstVector); suballocIndex++ {
		suballoc := firstVector[suballocIndex]

		if suballoc.Offset < offset {
			return errors.Errorf("suballoc at index %d in the primary vector has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
		}

		if suballoc.Free {
			nullItemsFirstCount++
		} else {
			sumUsedSize += suballoc.Size
		}

		offset = suballoc.Offset + suballoc.Size + debugMargin
	}

	if nullItemsFirstCount != m.firstNullItemsBeginCount+m.firstNullItemsMiddleCount {
		return errors.Errorf("counted %d null items in the primary vector, but metadata indicates we should have %d", nullItemsFirstCount, m.firstNullItemsMiddleCount+m.firstNullItemsBeginCount)
	}

	if m.secondVectorMode == SecondVectorModeDoubleStack {
		// The upper stack grows down, so walk it from its most recent (lowest) entry
		for suballocIndex := len(secondVector) - 1; suballocIndex >= 0; suballocIndex-- {
			suballoc := secondVector[suballocIndex]

			if suballoc.Offset < offset {
				return errors.Errorf("suballoc at index %d in the upper stack has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
			}

			if suballoc.Free {
				nullItemSecondCount++
			} else {
				sumUsedSize += suballoc.Size
			}

			offset = suballoc.Offset + suballoc.Size + debugMargin
		}
	}

	if nullItemSecondCount != m.secondNullItemsCount {
		return errors.Errorf("counted %d null items in the secondary vector, but metadata indicates we should have %d", nullItemSecondCount, m.secondNullItemsCount)
	}

	if offset > m.Size()+debugMargin {
		return errors.Errorf("calculated a combined maximum memory offset of %d, but the metadata indicates a total size of %d, which is smaller", offset, m.Size())
	}

	if m.sumFreeSize != m.Size()-sumUsedSize {
		return errors.Errorf("the metadata's free size %d and the calculated used size %d don't add up to the metadata-reported size of %d", m.sumFreeSize, sumUsedSize, m.Size())
	}

	return nil
}

// AllocationCount returns the number of suballocations currently live in the implementation.
func (m *LinearBlockMetadata) AllocationCount() int {
	first := *m.accessSuballocationsFirst()
	second := *m.accessSuballocationsSecond()

	return len(first) - m.firstNullItemsBeginCount - m.firstNullItemsMiddleCount + len(second) - m.secondNullItemsCount
}

// FreeRegionsCount returns the number of distinct free ranges between live allocations
func (m *LinearBlockMetadata) FreeRegionsCount() int {
	count := 0
	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			count++
		}
		return nil
	})
	return count
}

// MayHaveFreeBlock returns false when the block definitely cannot hold an allocation of the provided size
func (m *LinearBlockMetadata) MayHaveFreeBlock(size int) bool {
	return m.sumFreeSize >= size+m.debugMargin
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block, in ascending offset order.
func (m *LinearBlockMetadata) VisitAllRegions(visit RegionVisitor) error {
	size := m.Size()
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()
	lastOffset := 0

	emit := func(suballoc Suballocation) error {
		if suballoc.Offset > lastOffset {
			err := visit(NoAllocation, lastOffset, suballoc.Offset-lastOffset, nil, true)
			if err != nil {
				return err
			}
		}

		err := visit(BlockAllocationHandle(suballoc.Offset+1), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
		if err != nil {
			return err
		}

		lastOffset = suballoc.Offset + suballoc.Size
		return nil
	}

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		for _, suballoc := range secondVector {
			if suballoc.Free {
				continue
			}
			if err := emit(suballoc); err != nil {
				return err
			}
		}
	}

	for index := m.firstNullItemsBeginCount; index < len(firstVector); index++ {
		suballoc := firstVector[index]
		if suballoc.Free {
			continue
		}
		if err := emit(suballoc); err != nil {
			return err
		}
	}

	if m.secondVectorMode == SecondVectorModeDoubleStack {
		for index := len(secondVector) - 1; index >= 0; index-- {
			suballoc := secondVector[index]
			if suballoc.Free {
				continue
			}
			if err := emit(suballoc); err != nil {
				return err
			}
		}
	}

	if lastOffset < size {
		return visit(NoAllocation, lastOffset, size-lastOffset, nil, true)
	}

	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *LinearBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(m.Size())

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *LinearBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.AddBlock(m.Size())
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.Size() - m.sumFreeSize
}

// BlockJsonData populates a json object with information about this block
func (m *LinearBlockMetadata) BlockJsonData(json jwriter.ObjectState, writeAllocation AllocationWriter) {
	writeBlockJson(m, &m.BlockMetadataBase, json, writeAllocation)
}

// CreateAllocationRequest finds a place for a new allocation at the end of the first vector, at the
// end of the ring buffer's second part, or on top of the upper stack when upperAddress is true.
// The strategy and maxOffset parameters are ignored, since placement is dictated by call order.
func (m *LinearBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	strategy AllocationStrategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	memutils.DebugValidate(m)

	if allocSize > m.Size() {
		return false, allocRequest, nil
	}

	allocRequest.Size = allocSize

	if upperAddress {
		success, err := m.populateAllocationRequestUpper(allocSize, allocAlignment, &allocRequest)
		return success, allocRequest, err
	}

	success := m.populateAllocationRequestLower(allocSize, allocAlignment, &allocRequest)
	return success, allocRequest, nil
}

func (m *LinearBlockMetadata) populateAllocationRequestLower(allocSize int, allocAlignment uint, allocRequest *AllocationRequest) bool {
	blockSize := m.Size()
	debugMargin := m.debugMargin
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if m.secondVectorMode == SecondVectorModeEmpty || m.secondVectorMode == SecondVectorModeDoubleStack {
		// Try to allocate at the end of the first vector
		resultBaseOffset := 0
		if len(firstVector) > 0 {
			lastSuballoc := firstVector[len(firstVector)-1]
			resultBaseOffset = lastSuballoc.Offset + lastSuballoc.Size + debugMargin
		}

		resultOffset := memutils.AlignUp(resultBaseOffset, allocAlignment)

		freeSpaceEnd := blockSize
		if m.secondVectorMode == SecondVectorModeDoubleStack {
			freeSpaceEnd = secondVector[len(secondVector)-1].Offset
		}

		if resultOffset+allocSize+debugMargin <= freeSpaceEnd {
			allocRequest.BlockAllocationHandle = BlockAllocationHandle(resultOffset + 1)
			allocRequest.Item = Suballocation{Offset: resultOffset, Size: allocSize}
			allocRequest.Type = AllocationRequestEndOf1st
			return true
		}
	}

	// Wrap around to the end of the second vector, watching for the beginning of the first vector
	// as the end of free space
	if (m.secondVectorMode == SecondVectorModeEmpty || m.secondVectorMode == SecondVectorModeRingBuffer) &&
		len(firstVector) > 0 {

		resultBaseOffset := 0
		if len(secondVector) > 0 {
			lastSuballoc := secondVector[len(secondVector)-1]
			resultBaseOffset = lastSuballoc.Offset + lastSuballoc.Size + debugMargin
		}

		resultOffset := memutils.AlignUp(resultBaseOffset, allocAlignment)

		freeSpaceEnd := blockSize
		if m.firstNullItemsBeginCount < len(firstVector) {
			freeSpaceEnd = firstVector[m.firstNullItemsBeginCount].Offset
		}

		if resultOffset+allocSize+debugMargin <= freeSpaceEnd {
			allocRequest.BlockAllocationHandle = BlockAllocationHandle(resultOffset + 1)
			allocRequest.Item = Suballocation{Offset: resultOffset, Size: allocSize}
			allocRequest.Type = AllocationRequestEndOf2nd
			return true
		}
	}

	return false
}

func (m *LinearBlockMetadata) populateAllocationRequestUpper(allocSize int, allocAlignment uint, allocRequest *AllocationRequest) (bool, error) {
	blockSize := m.Size()
	debugMargin := m.debugMargin
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		return false, linearModeConflict("upper address allocation of %d bytes", allocSize)
	}

	// Try to allocate before the top of the upper stack, or the end of the block if it's empty
	resultBaseOffset := blockSize - allocSize
	if len(secondVector) > 0 {
		lastSuballoc := secondVector[len(secondVector)-1]
		if allocSize > lastSuballoc.Offset {
			return false, nil
		}
		resultBaseOffset = lastSuballoc.Offset - allocSize
	}

	resultOffset := resultBaseOffset

	// Leave the debug margin above the allocation
	if debugMargin > 0 {
		if resultOffset < debugMargin {
			return false, nil
		}
		resultOffset -= debugMargin
	}

	resultOffset = memutils.AlignDown(resultOffset, allocAlignment)

	endOfFirst := 0
	if len(firstVector) > 0 {
		lastSuballoc := firstVector[len(firstVector)-1]
		endOfFirst = lastSuballoc.Offset + lastSuballoc.Size
	}

	// The two stacks would cross
	if endOfFirst+debugMargin > resultOffset {
		return false, nil
	}

	allocRequest.BlockAllocationHandle = BlockAllocationHandle(resultOffset + 1)
	allocRequest.Item = Suballocation{Offset: resultOffset, Size: allocSize}
	allocRequest.Type = AllocationRequestUpperAddress
	return true, nil
}

// Alloc commits an AllocationRequest object, creating the suballocation within the block based
// on the data described in the AllocationRequest.
func (m *LinearBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	offset := int(req.BlockAllocationHandle) - 1
	newSuballoc := Suballocation{
		Offset:   offset,
		Size:     req.Size,
		UserData: userData,
	}

	switch req.Type {
	case AllocationRequestUpperAddress:
		if m.secondVectorMode == SecondVectorModeRingBuffer {
			return linearModeConflict("upper address allocation at offset %d", offset)
		}

		secondVector := m.accessSuballocationsSecond()
		*secondVector = append(*secondVector, newSuballoc)
		m.secondVectorMode = SecondVectorModeDoubleStack
	case AllocationRequestEndOf1st:
		firstVector := m.accessSuballocationsFirst()

		if len(*firstVector) > 0 {
			last := (*firstVector)[len(*firstVector)-1]
			if offset < last.Offset+last.Size {
				return errors.Errorf("new allocation at offset %d overlaps the last allocation of the primary vector", offset)
			}
		}

		if offset+req.Size > m.Size() {
			return errors.Errorf("new allocation at offset %d with size %d does not fit in the block", offset, req.Size)
		}

		*firstVector = append(*firstVector, newSuballoc)
	case AllocationRequestEndOf2nd:
		firstVector := *m.accessSuballocationsFirst()
		if len(firstVector) == 0 || offset+req.Size > firstVector[m.firstNullItemsBeginCount].Offset {
			return errors.New("new allocation at the end of the ring buffer overlaps the primary vector")
		}

		secondVector := m.accessSuballocationsSecond()

		switch m.secondVectorMode {
		case SecondVectorModeEmpty:
			m.secondVectorMode = SecondVectorModeRingBuffer
		case SecondVectorModeRingBuffer:
		case SecondVectorModeDoubleStack:
			return linearModeConflict("ring buffer allocation at offset %d", offset)
		}

		*secondVector = append(*secondVector, newSuballoc)
	default:
		return errors.Errorf("allocation request of type %s was received by linear metadata", req.Type)
	}

	m.sumFreeSize -= newSuballoc.Size
	memutils.DebugValidate(m)
	return nil
}

// Free frees a suballocation within the block. Frees of the oldest allocation, or of the most
// recent allocation on either stack, reclaim space immediately. Other frees mark the entry
// as null until cleanup can trim it.
func (m *LinearBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	offset, err := m.AllocationOffset(allocHandle)
	if err != nil {
		return err
	}

	firstVector := m.accessSuballocationsFirst()
	secondVector := m.accessSuballocationsSecond()

	if len(*firstVector) > 0 {
		// First allocation: mark it as the next empty one at the beginning
		firstSuballoc := &(*firstVector)[m.firstNullItemsBeginCount]
		if firstSuballoc.Offset == offset {
			m.markFree(firstSuballoc)
			m.firstNullItemsBeginCount++
			m.cleanupAfterFree()
			return nil
		}
	}

	// Last allocation in a 2-part ring buffer or top of upper stack (same logic)
	if m.secondVectorMode == SecondVectorModeRingBuffer || m.secondVectorMode == SecondVectorModeDoubleStack {
		lastSuballoc := (*secondVector)[len(*secondVector)-1]
		if lastSuballoc.Offset == offset {
			m.sumFreeSize += lastSuballoc.Size
			*secondVector = (*secondVector)[:len(*secondVector)-1]
			m.cleanupAfterFree()
			return nil
		}
	} else if m.secondVectorMode == SecondVectorModeEmpty && len(*firstVector) > 0 {
		// Last allocation in the first vector
		lastSuballoc := (*firstVector)[len(*firstVector)-1]
		if lastSuballoc.Offset == offset {
			m.sumFreeSize += lastSuballoc.Size
			*firstVector = (*firstVector)[:len(*firstVector)-1]
			m.cleanupAfterFree()
			return nil
		}
	}

	// Item from the middle of the first vector
	if suballoc := findAscending((*firstVector)[m.firstNullItemsBeginCount:], offset); suballoc != nil && !suballoc.Free {
		m.markFree(suballoc)
		m.firstNullItemsMiddleCount++
		m.cleanupAfterFree()
		return nil
	}

	if m.secondVectorMode != SecondVectorModeEmpty {
		// Item from the middle of the second vector
		var suballoc *Suballocation
		if m.secondVectorMode == SecondVectorModeRingBuffer {
			suballoc = findAscending(*secondVector, offset)
		} else {
			suballoc = findDescending(*secondVector, offset)
		}

		if suballoc != nil && !suballoc.Free {
			m.markFree(suballoc)
			m.secondNullItemsCount++
			m.cleanupAfterFree()
			return nil
		}
	}

	return errors.Errorf("allocation at offset %d to free not found in linear metadata", offset)
}

func (m *LinearBlockMetadata) markFree(suballoc *Suballocation) {
	suballoc.Free = true
	suballoc.UserData = nil
	m.sumFreeSize += suballoc.Size
}

func findAscending(suballocs []Suballocation, offset int) *Suballocation {
	index := sort.Search(len(suballocs), func(i int) bool {
		return suballocs[i].Offset >= offset
	})
	if index < len(suballocs) && suballocs[index].Offset == offset {
		return &suballocs[index]
	}
	return nil
}

func findDescending(suballocs []Suballocation, offset int) *Suballocation {
	index := sort.Search(len(suballocs), func(i int) bool {
		return suballocs[i].Offset <= offset
	})
	if index < len(suballocs) && suballocs[index].Offset == offset {
		return &suballocs[index]
	}
	return nil
}

func (m *LinearBlockMetadata) findSuballocation(allocHandle BlockAllocationHandle) (*Suballocation, error) {
	offset, err := m.AllocationOffset(allocHandle)
	if err != nil {
		return nil, err
	}

	firstVector := *m.accessSuballocationsFirst()
	if suballoc := findAscending(firstVector[m.firstNullItemsBeginCount:], offset); suballoc != nil && !suballoc.Free {
		return suballoc, nil
	}

	secondVector := *m.accessSuballocationsSecond()
	var suballoc *Suballocation
	switch m.secondVectorMode {
	case SecondVectorModeRingBuffer:
		suballoc = findAscending(secondVector, offset)
	case SecondVectorModeDoubleStack:
		suballoc = findDescending(secondVector, offset)
	}

	if suballoc != nil && !suballoc.Free {
		return suballoc, nil
	}

	return nil, errors.Errorf("allocation at offset %d not found in linear metadata", offset)
}

// AllocationSize returns the size of the allocation the handle maps to
func (m *LinearBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return suballoc.Size, nil
}

// AllocationUserData returns the userData the allocation was created with
func (m *LinearBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return suballoc.UserData, nil
}

// SetAllocationUserData changes the userData of the allocation the handle maps to
func (m *LinearBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	suballoc, err := m.findSuballocation(allocHandle)
	if err != nil {
		return err
	}

	suballoc.UserData = userData
	return nil
}

func (m *LinearBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	return NoAllocation, errors.New("linear metadata does not support random access")
}

func (m *LinearBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	return NoAllocation, errors.New("linear metadata does not support random access")
}

func (m *LinearBlockMetadata) FindNextFreeRegionSize(allocHandle BlockAllocationHandle) (int, error) {
	return 0, errors.New("linear metadata does not support random access")
}

// Clear instantly frees all allocations
func (m *LinearBlockMetadata) Clear() {
	m.sumFreeSize = m.Size()
	m.suballocations0 = m.suballocations0[:0]
	m.suballocations1 = m.suballocations1[:0]
	m.secondVectorMode = SecondVectorModeEmpty
	m.firstNullItemsBeginCount = 0
	m.firstNullItemsMiddleCount = 0
	m.secondNullItemsCount = 0
}

func (m *LinearBlockMetadata) shouldCompactFirstVector() bool {
	nullItemCount := m.firstNullItemsBeginCount + m.firstNullItemsMiddleCount
	suballocCount := len(*m.accessSuballocationsFirst())
	return suballocCount > compactMinSuballocations && nullItemCount*2 >= (suballocCount-nullItemCount)*3
}

func (m *LinearBlockMetadata) cleanupAfterFree() {
	firstVector := m.accessSuballocationsFirst()
	secondVector := m.accessSuballocationsSecond()

	if m.IsEmpty() {
		m.Clear()
		return
	}

	// Find more null items at the beginning of the first vector
	for m.firstNullItemsBeginCount < len(*firstVector) && (*firstVector)[m.firstNullItemsBeginCount].Free {
		m.firstNullItemsBeginCount++
		m.firstNullItemsMiddleCount--
	}

	// Find more null items at the end of the first vector
	for m.firstNullItemsMiddleCount > 0 && (*firstVector)[len(*firstVector)-1].Free {
		m.firstNullItemsMiddleCount--
		*firstVector = (*firstVector)[:len(*firstVector)-1]
	}

	// Find more null items at the end of the second vector
	for m.secondNullItemsCount > 0 && (*secondVector)[len(*secondVector)-1].Free {
		m.secondNullItemsCount--
		*secondVector = (*secondVector)[:len(*secondVector)-1]
	}

	// Find more null items at the beginning of the second vector
	for m.secondNullItemsCount > 0 && (*secondVector)[0].Free {
		m.secondNullItemsCount--
		*secondVector = append((*secondVector)[:0], (*secondVector)[1:]...)
	}

	if m.shouldCompactFirstVector() {
		dst := 0
		for _, suballoc := range (*firstVector)[m.firstNullItemsBeginCount:] {
			if suballoc.Free {
				continue
			}
			(*firstVector)[dst] = suballoc
			dst++
		}
		clearTail(*firstVector, dst)
		*firstVector = (*firstVector)[:dst]
		m.firstNullItemsBeginCount = 0
		m.firstNullItemsMiddleCount = 0
	}

	if len(*secondVector) == 0 {
		m.secondVectorMode = SecondVectorModeEmpty
	}

	// The first vector became empty
	if len(*firstVector)-m.firstNullItemsBeginCount == 0 {
		*firstVector = (*firstVector)[:0]
		m.firstNullItemsBeginCount = 0

		if len(*secondVector) > 0 && m.secondVectorMode == SecondVectorModeRingBuffer {
			// Swap the vectors so that the ring buffer's second part becomes the first vector
			m.secondVectorMode = SecondVectorModeEmpty
			m.firstNullItemsMiddleCount = m.secondNullItemsCount
			for m.firstNullItemsBeginCount < len(*secondVector) && (*secondVector)[m.firstNullItemsBeginCount].Free {
				m.firstNullItemsBeginCount++
				m.firstNullItemsMiddleCount--
			}
			m.secondNullItemsCount = 0
			m.firstVectorIndex ^= 1
		}
	}

	memutils.DebugValidate(m)
}

// clearTail drops references held by entries past the new length so user data can be collected
func clearTail(suballocs []Suballocation, newLen int) {
	for i := newLen; i < len(suballocs); i++ {
		suballocs[i] = Suballocation{}
	}
}

func (m *LinearBlockMetadata) accessSuballocationsFirst() *[]Suballocation {
	if m.firstVectorIndex != 0 {
		return &m.suballocations1
	}

	return &m.suballocations0
}

func (m *LinearBlockMetadata) accessSuballocationsSecond() *[]Suballocation {
	if m.firstVectorIndex != 0 {
		return &m.suballocations0
	}

	return &m.suballocations1
}
