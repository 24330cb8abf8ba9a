package metadata

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/exp/slices"
)

// MaxBufferSize is the largest range an AllocationBuffer will manage
const MaxBufferSize int64 = 1 << 48

// Interval is a single entry of an AllocationBuffer's interval list. [Start, End) is the full range
// consumed by the entry, including any padding in front of the aligned offset.
type Interval struct {
	Start     int
	End       int
	Alignment uint
	Free      bool
	NonLinear bool
}

// Offset is the aligned offset handed out for this interval
func (i Interval) Offset() int {
	return memutils.AlignUp(i.Start, i.Alignment)
}

func (i Interval) Size() int {
	return i.End - i.Start
}

// AllocationBuffer is a ring allocator with a first-fit fallback over a fixed range. While allocations
// are freed roughly in the order they were made, new allocations are placed behind the most recent one
// (or in front of the oldest one) in constant time. Once the range wraps or holes are left behind,
// free intervals are scanned left to right.
//
// The buffer can own its backing bytes, view bytes owned by someone else (CreateRefFromRegion), or
// manage offsets only (NewVirtualAllocationBuffer), which is how device memory blocks use it.
//
// AllocationBuffer is not safe for concurrent use.
type AllocationBuffer struct {
	BlockMetadataBase

	data               []byte
	isRef              bool
	nonLinearAlignment uint

	// Ordered by Start. No free interval is ever first or last, and no two free intervals are adjacent.
	intervals       []Interval
	allocationCount int
	usedBytes       int
}

var _ BlockMetadata = &AllocationBuffer{}

func checkBufferArgs(size int, nonLinearAlignment uint) error {
	if size <= 0 || int64(size) >= MaxBufferSize {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "allocation buffer size %d is out of range", size)
	}

	if nonLinearAlignment > 1 && memutils.CheckPow2(nonLinearAlignment, "nonLinearAlignment") != nil {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "nonLinearAlignment %d is not a power of two", nonLinearAlignment)
	}

	return nil
}

// NewAllocationBuffer creates a buffer that owns size bytes of host memory
func NewAllocationBuffer(size int, nonLinearAlignment uint) (*AllocationBuffer, error) {
	if err := checkBufferArgs(size, nonLinearAlignment); err != nil {
		return nil, err
	}

	b := &AllocationBuffer{
		data:               make([]byte, size),
		nonLinearAlignment: max(nonLinearAlignment, 1),
	}
	b.Init(size)
	return b, nil
}

// NewVirtualAllocationBuffer creates a buffer that only manages offsets within a range of size bytes.
// AllocateAndFill and Bytes are unavailable on virtual buffers.
func NewVirtualAllocationBuffer(size int, nonLinearAlignment uint) (*AllocationBuffer, error) {
	if err := checkBufferArgs(size, nonLinearAlignment); err != nil {
		return nil, err
	}

	b := &AllocationBuffer{
		nonLinearAlignment: max(nonLinearAlignment, 1),
	}
	b.Init(size)
	return b, nil
}

// CreateRefFromRegion creates a buffer managing origin[offset:offset+size]. The buffer never owns
// the bytes: Release only drops the interval list.
func CreateRefFromRegion(origin []byte, offset, size int, nonLinearAlignment uint) (*AllocationBuffer, error) {
	if err := checkBufferArgs(size, nonLinearAlignment); err != nil {
		return nil, err
	}

	if offset < 0 || offset+size > len(origin) {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument,
			"region [%d, %d) is out of bounds for a %d byte origin", offset, offset+size, len(origin))
	}

	b := &AllocationBuffer{
		data:               origin[offset : offset+size : offset+size],
		isRef:              true,
		nonLinearAlignment: max(nonLinearAlignment, 1),
	}
	b.Init(size)
	return b, nil
}

// IsRef returns true if the buffer views memory it does not own
func (b *AllocationBuffer) IsRef() bool { return b.isRef }

// IsVirtual returns true if the buffer has no backing bytes
func (b *AllocationBuffer) IsVirtual() bool { return b.data == nil }

// Bytes returns the backing bytes of the buffer, or nil for virtual buffers
func (b *AllocationBuffer) Bytes() []byte { return b.data }

// NonLinearAlignment is the page size that separates linear and non-linear neighbors
func (b *AllocationBuffer) NonLinearAlignment() uint { return b.nonLinearAlignment }

// Release drops all allocations, and the backing bytes if the buffer owns them
func (b *AllocationBuffer) Release() {
	b.FreeAll()
	if !b.isRef {
		b.data = nil
	}
}

func (b *AllocationBuffer) AllocationCount() int { return b.allocationCount }

// IntervalCount is the number of entries in the interval list, free or not
func (b *AllocationBuffer) IntervalCount() int { return len(b.intervals) }

// Intervals returns a copy of the interval list
func (b *AllocationBuffer) Intervals() []Interval {
	return slices.Clone(b.intervals)
}

func (b *AllocationBuffer) FreeRegionsCount() int {
	var count int
	_ = b.VisitAllRegions(func(offset int, size int, free bool) error {
		if free {
			count++
		}
		return nil
	})
	return count
}

func (b *AllocationBuffer) SumFreeSize() int { return b.Size() - b.usedBytes }

func (b *AllocationBuffer) IsEmpty() bool { return b.allocationCount == 0 }

func (b *AllocationBuffer) MayHaveFreeBlock(size int) bool {
	return size <= b.SumFreeSize()
}

func (b *AllocationBuffer) conflicts(neighbor *Interval, nonLinear bool) bool {
	return b.nonLinearAlignment > 1 && neighbor != nil && !neighbor.Free && neighbor.NonLinear != nonLinear
}

// alignAfter raises the alignment for an allocation placed behind prev, so that the two never
// share a nonLinearAlignment page when their linearity differs
func (b *AllocationBuffer) alignAfter(prev *Interval, alignment uint, nonLinear bool) uint {
	if b.conflicts(prev, nonLinear) {
		return max(alignment, b.nonLinearAlignment)
	}
	return alignment
}

// limitBefore returns the highest end an allocation placed in front of next may have
func (b *AllocationBuffer) limitBefore(next *Interval, end int, nonLinear bool) int {
	if b.conflicts(next, nonLinear) {
		return memutils.AlignDown(end, b.nonLinearAlignment)
	}
	return end
}

func (b *AllocationBuffer) commit(interval Interval) {
	b.allocationCount++
	b.usedBytes += interval.Size()
}

// Allocate places a new sub-allocation and returns its offset
func (b *AllocationBuffer) Allocate(size int, alignment uint, nonLinear bool) (int, error) {
	if alignment == 0 {
		alignment = 1
	}

	if size <= 0 {
		return 0, cerrors.Wrapf(memutils.ErrInvalidArgument, "allocation size %d must be positive", size)
	}

	if memutils.CheckPow2(alignment, "alignment") != nil {
		return 0, cerrors.Wrapf(memutils.ErrInvalidArgument, "allocation alignment %d is not a power of two", alignment)
	}

	if int(alignment) > b.Size() {
		return 0, cerrors.Wrapf(memutils.ErrInvalidArgument,
			"allocation alignment %d exceeds buffer size %d", alignment, b.Size())
	}

	if size > b.Size() {
		return 0, cerrors.Wrapf(memutils.ErrOutOfSpace,
			"allocation of %d bytes exceeds buffer size %d", size, b.Size())
	}

	offset, ok := b.allocateRing(size, alignment, nonLinear)
	if !ok {
		offset, ok = b.allocateFirstFit(size, alignment, nonLinear)
	}

	if !ok {
		return 0, cerrors.Wrapf(memutils.ErrOutOfSpace,
			"no room for %d bytes (alignment %d) in buffer of %d bytes with %d free",
			size, alignment, b.Size(), b.SumFreeSize())
	}

	memutils.DebugValidate(b)
	return offset, nil
}

func (b *AllocationBuffer) allocateRing(size int, alignment uint, nonLinear bool) (int, bool) {
	if len(b.intervals) == 0 {
		interval := Interval{Start: 0, End: size, Alignment: alignment, NonLinear: nonLinear}
		b.intervals = append(b.intervals, interval)
		b.commit(interval)
		return 0, true
	}

	// Behind the newest allocation
	last := &b.intervals[len(b.intervals)-1]
	align := b.alignAfter(last, alignment, nonLinear)
	offset := memutils.AlignUp(last.End, align)
	if offset+size <= b.Size() {
		interval := Interval{Start: last.End, End: offset + size, Alignment: align, NonLinear: nonLinear}
		b.intervals = append(b.intervals, interval)
		b.commit(interval)
		return offset, true
	}

	// Wrapped around, in front of the oldest allocation
	first := &b.intervals[0]
	limit := b.limitBefore(first, first.Start, nonLinear)
	if size <= limit {
		offset = memutils.AlignDown(limit-size, alignment)
		interval := Interval{Start: offset, End: first.Start, Alignment: alignment, NonLinear: nonLinear}
		b.intervals = slices.Insert(b.intervals, 0, interval)
		b.commit(interval)
		return offset, true
	}

	return 0, false
}

func (b *AllocationBuffer) allocateFirstFit(size int, alignment uint, nonLinear bool) (int, bool) {
	for i := 0; i < len(b.intervals); i++ {
		hole := b.intervals[i]
		if !hole.Free || hole.Size() < size {
			continue
		}

		// Free intervals are never first or last, so both neighbors exist and are in use
		prev := &b.intervals[i-1]
		next := &b.intervals[i+1]

		align := b.alignAfter(prev, alignment, nonLinear)
		limit := b.limitBefore(next, hole.End, nonLinear)
		offset := memutils.AlignUp(hole.Start, align)
		if offset+size > limit {
			continue
		}

		used := Interval{Alignment: align, NonLinear: nonLinear}

		switch {
		case size*3/2 >= hole.Size():
			// Splitting would leave a sliver behind, take the whole hole
			used.Start, used.End = hole.Start, hole.End
			b.intervals[i] = used

		case (hole.Start+hole.End)/2 >= b.Size()/2:
			// Upper half of the buffer: allocate from the front of the hole
			used.Start, used.End = hole.Start, offset+size
			if used.End == hole.End {
				b.intervals[i] = used
				break
			}
			b.intervals[i].Start = used.End
			b.intervals = slices.Insert(b.intervals, i, used)

		default:
			// Lower half: allocate from the back of the hole, keeping the free space next to the ring front
			offset = memutils.AlignDown(limit-size, align)
			used.Start, used.End = offset, hole.End
			if offset == hole.Start {
				b.intervals[i] = used
				break
			}
			b.intervals[i].End = offset
			b.intervals = slices.Insert(b.intervals, i+1, used)
		}

		b.commit(used)
		return offset, true
	}

	return 0, false
}

// AllocateAndFill allocates room for data and copies it in
func (b *AllocationBuffer) AllocateAndFill(data []byte, alignment uint, nonLinear bool) (int, error) {
	if b.IsVirtual() {
		return 0, cerrors.Wrap(memutils.ErrInvalidArgument, "cannot fill an allocation in a virtual buffer")
	}

	offset, err := b.Allocate(len(data), alignment, nonLinear)
	if err != nil {
		return 0, err
	}

	copy(b.data[offset:], data)
	return offset, nil
}

func (b *AllocationBuffer) find(offset int) (int, bool) {
	// First interval ending after offset
	index, _ := slices.BinarySearchFunc(b.intervals, offset, func(interval Interval, target int) int {
		if interval.End <= target {
			return -1
		}
		return 1
	})

	if index >= len(b.intervals) {
		return index, false
	}

	interval := b.intervals[index]
	if interval.Free || (interval.Start != offset && interval.Offset() != offset) {
		return index, false
	}

	return index, true
}

// Free releases the sub-allocation at offset, which may be either the offset returned by Allocate
// or the start of the interval's padding
func (b *AllocationBuffer) Free(offset int) error {
	index, ok := b.find(offset)
	if !ok {
		return cerrors.Wrapf(memutils.ErrInvalidArgument, "no live allocation at offset %d", offset)
	}

	interval := &b.intervals[index]
	b.allocationCount--
	b.usedBytes -= interval.Size()

	interval.Free = true
	interval.NonLinear = false
	interval.Alignment = 1

	if index+1 < len(b.intervals) && b.intervals[index+1].Free {
		interval.End = b.intervals[index+1].End
		b.intervals = slices.Delete(b.intervals, index+1, index+2)
	}

	if index > 0 && b.intervals[index-1].Free {
		b.intervals[index-1].End = b.intervals[index].End
		b.intervals = slices.Delete(b.intervals, index, index+1)
		index--
	}

	if index == len(b.intervals)-1 {
		b.intervals = b.intervals[:index]
	}

	if len(b.intervals) > 0 && b.intervals[0].Free {
		b.intervals = slices.Delete(b.intervals, 0, 1)
	}

	memutils.DebugValidate(b)
	return nil
}

func (b *AllocationBuffer) FreeAll() {
	b.intervals = b.intervals[:0]
	b.allocationCount = 0
	b.usedBytes = 0
}

// AllocationSize returns the number of bytes between offset and the end of the live allocation at offset
func (b *AllocationBuffer) AllocationSize(offset int) (int, bool) {
	index, ok := b.find(offset)
	if !ok {
		return 0, false
	}

	return b.intervals[index].End - offset, true
}

// AllocationData returns the backing bytes of the live allocation at offset
func (b *AllocationBuffer) AllocationData(offset int) ([]byte, error) {
	if b.IsVirtual() {
		return nil, cerrors.Wrap(memutils.ErrInvalidArgument, "virtual buffers have no backing bytes")
	}

	index, ok := b.find(offset)
	if !ok {
		return nil, cerrors.Wrapf(memutils.ErrInvalidArgument, "no live allocation at offset %d", offset)
	}

	end := b.intervals[index].End
	return b.data[offset:end:end], nil
}

func (b *AllocationBuffer) Validate() error {
	var allocationCount, usedBytes int

	for i, interval := range b.intervals {
		if interval.Start < 0 || interval.End > b.Size() {
			return errors.Errorf("interval %d [%d, %d) is outside of the buffer", i, interval.Start, interval.End)
		}

		if interval.Start >= interval.End {
			return errors.Errorf("interval %d [%d, %d) is empty", i, interval.Start, interval.End)
		}

		if i > 0 && interval.Start != b.intervals[i-1].End {
			return errors.Errorf("interval %d starts at %d but interval %d ends at %d", i, interval.Start, i-1, b.intervals[i-1].End)
		}

		if interval.Free {
			if i == 0 || i == len(b.intervals)-1 {
				return errors.Errorf("interval %d is free at the edge of the interval list", i)
			}

			if b.intervals[i-1].Free {
				return errors.Errorf("intervals %d and %d are both free and were not merged", i-1, i)
			}
			continue
		}

		if interval.Offset() >= interval.End {
			return errors.Errorf("interval %d has aligned offset %d beyond its end %d", i, interval.Offset(), interval.End)
		}

		allocationCount++
		usedBytes += interval.Size()
	}

	if allocationCount != b.allocationCount {
		return errors.Errorf("allocation count is %d but %d intervals are in use", b.allocationCount, allocationCount)
	}

	if usedBytes != b.usedBytes {
		return errors.Errorf("used bytes is %d but intervals hold %d", b.usedBytes, usedBytes)
	}

	return nil
}

func (b *AllocationBuffer) VisitAllRegions(handleBlock func(offset int, size int, free bool) error) error {
	if len(b.intervals) == 0 {
		return handleBlock(0, b.Size(), true)
	}

	if b.intervals[0].Start > 0 {
		if err := handleBlock(0, b.intervals[0].Start, true); err != nil {
			return err
		}
	}

	for _, interval := range b.intervals {
		var err error
		if interval.Free {
			err = handleBlock(interval.Start, interval.Size(), true)
		} else {
			err = handleBlock(interval.Offset(), interval.End-interval.Offset(), false)
		}
		if err != nil {
			return err
		}
	}

	last := b.intervals[len(b.intervals)-1]
	if last.End < b.Size() {
		return handleBlock(last.End, b.Size()-last.End, true)
	}

	return nil
}

func (b *AllocationBuffer) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += b.Size()

	_ = b.VisitAllRegions(func(offset int, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

func (b *AllocationBuffer) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += b.Size()
	stats.AllocationCount += b.allocationCount
	stats.AllocationBytes += b.usedBytes
}

// BlockJsonData populates a json object with information about this block
func (b *AllocationBuffer) BlockJsonData(json jwriter.ObjectState) {
	b.WriteBlockJson(json, b.SumFreeSize(), b.allocationCount, b.FreeRegionsCount())

	arrayState := json.Name("Intervals").Array()
	defer arrayState.End()

	for _, interval := range b.intervals {
		obj := arrayState.Object()
		obj.Name("Start").Int(interval.Start)
		obj.Name("End").Int(interval.End)
		obj.Name("Free").Bool(interval.Free)
		if !interval.Free {
			obj.Name("Offset").Int(interval.Offset())
			obj.Name("NonLinear").Bool(interval.NonLinear)
		}
		obj.End()
	}
}
