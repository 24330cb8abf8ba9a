package residency

import (
	"context"
	"sync/atomic"
	"weak"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/residency/descriptor"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/dirty"
	"github.com/vkngwrapper/residency/memutils"
)

// BufferUsage describes how a buffer is accessed
type BufferUsage int32

var bufferUsageMapping = common.NewFlagStringMapping[BufferUsage]()

func (u BufferUsage) Register(str string) {
	bufferUsageMapping.Register(u, str)
}
func (u BufferUsage) String() string {
	return bufferUsageMapping.FlagsToString(u)
}

const (
	// BufferShaderRead buffers get a KindBuffer descriptor
	BufferShaderRead BufferUsage = 1 << iota
	// BufferShaderWrite buffers get a KindRWBuffer descriptor
	BufferShaderWrite
	// BufferCPUBacked buffers keep a CPU copy of their contents that can be modified and marked
	// dirty at any time. Other buffers can only be given contents at creation.
	BufferCPUBacked
	// BufferCPUAllocated buffers live in host-visible memory. When they are not in use by the GPU,
	// dirty ranges are written into them directly instead of going through the staging buffer.
	BufferCPUAllocated
)

func init() {
	BufferShaderRead.Register("BufferShaderRead")
	BufferShaderWrite.Register("BufferShaderWrite")
	BufferCPUBacked.Register("BufferCPUBacked")
	BufferCPUAllocated.Register("BufferCPUAllocated")
}

// bufferAlignment is the alignment of every buffer allocation
const bufferAlignment = 256

// Resource is a reference-counted object the GPU may use
type Resource interface {
	Retain()
	Release() error
}

// BufferView is the descriptor view written for a buffer's descriptors
type BufferView struct {
	Native devmem.NativeBlock
	Offset int
	Size   int
}

// Buffer is a reference-counted GPU buffer. It is created with one reference; when the last
// reference is released its memory and descriptors are freed.
type Buffer struct {
	device *Device
	name   string
	usage  BufferUsage
	length int

	refs     atomic.Int32
	inFlight atomic.Int32

	// CPU copy of the contents. Dropped after the first upload unless the buffer is CPU backed.
	data atomic.Pointer[[]byte]

	allocation  devmem.Allocation
	readHandle  descriptor.Handle
	writeHandle descriptor.Handle

	tracker dirty.Tracker
}

var _ Resource = &Buffer{}

func (b *Buffer) Name() string { return b.name }
func (b *Buffer) Usage() BufferUsage { return b.usage }
func (b *Buffer) Len() int { return b.length }
func (b *Buffer) CPUBacked() bool { return b.usage&BufferCPUBacked != 0 }
func (b *Buffer) CPUAllocated() bool { return b.usage&BufferCPUAllocated != 0 }
func (b *Buffer) Allocation() devmem.Allocation { return b.allocation }

// ReadHandle is the buffer's KindBuffer descriptor, or descriptor.NoHandle
func (b *Buffer) ReadHandle() descriptor.Handle { return b.readHandle }

// WriteHandle is the buffer's KindRWBuffer descriptor, or descriptor.NoHandle
func (b *Buffer) WriteHandle() descriptor.Handle { return b.writeHandle }

// Data returns the CPU copy of the buffer. Writes to it become visible to the GPU after they are
// marked dirty and the next submission completes. Returns nil for buffers that aren't CPU backed
// once their initial contents were uploaded.
func (b *Buffer) Data() []byte {
	data := b.data.Load()
	if data == nil {
		return nil
	}
	return *data
}

// MarkDirty schedules [offset, offset+count) of Data for upload with the next submission. A count of
// 0 marks the rest of the buffer from offset. Buffers without CPU data can't be marked dirty.
func (b *Buffer) MarkDirty(offset, count int) error {
	if b.refs.Load() <= 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "buffer %q was already released", b.name)
	}

	if b.Data() == nil {
		return errors.Wrapf(memutils.ErrInvalidArgument, "buffer %q has no CPU data to upload", b.name)
	}

	err := b.tracker.MarkDirty(offset, count, func() error {
		return b.device.register(pendingRef{buffer: weak.Make(b)}, b.name)
	})
	if err != nil {
		return errors.Wrapf(err, "marking buffer %q dirty", b.name)
	}

	return nil
}

func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// tryRetain adds a reference unless the buffer was already released
func (b *Buffer) tryRetain() bool {
	for {
		refs := b.refs.Load()
		if refs <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (b *Buffer) Release() error {
	refs := b.refs.Add(-1)
	if refs > 0 {
		return nil
	} else if refs < 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "buffer %q was released too many times", b.name)
	}

	return b.device.destroyBuffer(b)
}

// Refs returns the number of live references
func (b *Buffer) Refs() int {
	return int(b.refs.Load())
}

// Pending returns true while the buffer has uploads waiting for the next submission
func (b *Buffer) Pending() bool {
	return b.tracker.Pending()
}

// PendingRanges returns the ranges of the buffer waiting for upload. It is empty when the whole
// buffer is pending.
func (b *Buffer) PendingRanges() []dirty.Range {
	return b.tracker.Ranges()
}

func (b *Buffer) PendingFullCopy() bool {
	return b.tracker.FullCopy()
}

func (b *Buffer) view() BufferView {
	return BufferView{
		Native: b.allocation.Native,
		Offset: b.allocation.Offset,
		Size:   b.length,
	}
}

func (b *Buffer) writeDescriptors(ctx context.Context, space *descriptor.Space) error {
	for _, handle := range []descriptor.Handle{b.readHandle, b.writeHandle} {
		if handle == descriptor.NoHandle {
			continue
		}

		if err := space.Write(ctx, handle, b.view()); err != nil {
			return errors.Wrapf(err, "writing descriptors of buffer %q", b.name)
		}
	}

	return nil
}
