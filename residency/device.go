package residency

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/descriptor"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/memutils"
	"github.com/vkngwrapper/residency/memutils/metadata"
)

// Device owns the memory allocator and descriptor space of one GPU, and uploads the dirty ranges of
// its buffers with every submission. Buffers can be created, written and released from any
// goroutine. Submit, AddPendingPrimitives, Wait and Destroy are serialized with one another.
type Device struct {
	logger      *slog.Logger
	allocator   *devmem.Allocator
	descriptors *descriptor.Space
	queue       Queue

	framesInFlight           int
	flushThreshold           int
	flushThresholdPrimitives uint64

	pendingMutex sync.Mutex
	// Resources waiting for upload. The device doesn't keep them alive.
	pending []pendingRef
	closed  atomic.Bool

	// Everything below is only modified while submitMutex is held
	submitMutex sync.Mutex
	submitID    atomic.Uint64
	// Submissions below this id have had their frame slot retired
	retired uint64
	// Resources used by each frame slot's most recent submission
	inFlight      [][]Resource
	inFlightCount atomic.Int64

	staging     devmem.Allocation
	stagingSize atomic.Int64
	regionSize  int
	regions     []*metadata.AllocationBuffer
	constants   devmem.Allocation

	pendingBytes      atomic.Int64
	pendingPrimitives atomic.Uint64
}

// Stats is a snapshot of a device's residency state
type Stats struct {
	SubmitID          uint64
	FramesInFlight    int
	PendingResources  int
	InFlightResources int
	PendingBytes      int
	PendingPrimitives uint64
	StagingSize       int
}

// New creates a device
//
// logger - Destination for upload decisions and leak reports. May be nil.
//
// native - The backend that allocates device memory
//
// writer - The backend that publishes descriptors
//
// queue - The backend that executes copies and submissions
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(ctx context.Context, logger *slog.Logger, native devmem.NativeAllocator, writer descriptor.Writer, queue Queue, options Options) (*Device, error) {
	if queue == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a queue is required")
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	settings, err := options.settings()
	if err != nil {
		return nil, err
	}

	allocator, err := devmem.New(logger, native, options.Allocator)
	if err != nil {
		return nil, err
	}

	descriptors, err := descriptor.New(logger, writer, options.Descriptors)
	if err != nil {
		_ = allocator.Destroy()
		return nil, err
	}

	device := &Device{
		logger:                   logger,
		allocator:                allocator,
		descriptors:              descriptors,
		queue:                    queue,
		framesInFlight:           settings.framesInFlight,
		flushThreshold:           settings.flushThreshold,
		flushThresholdPrimitives: settings.flushThresholdPrimitives,
		inFlight:                 make([][]Resource, settings.framesInFlight),
	}

	device.constants, err = allocator.Allocate(ctx, devmem.AllocationRequest{
		Size:         FrameConstantsSize * settings.framesInFlight,
		Alignment:    bufferAlignment,
		CPUSided:     true,
		ResourceType: devmem.ResourceBuffer,
		Name:         "frame constants",
	})
	if err != nil {
		_ = descriptors.Destroy()
		_ = allocator.Destroy()
		return nil, errors.Wrap(err, "creating frame constants buffer")
	}

	staging, err := device.allocateStaging(ctx, settings.stagingSize)
	if err != nil {
		_ = allocator.Free(device.constants)
		_ = descriptors.Destroy()
		_ = allocator.Destroy()
		return nil, err
	}
	if err := device.useStaging(staging); err != nil {
		_ = allocator.Free(staging)
		_ = allocator.Free(device.constants)
		_ = descriptors.Destroy()
		_ = allocator.Destroy()
		return nil, err
	}

	return device, nil
}

func (d *Device) Allocator() *devmem.Allocator    { return d.allocator }
func (d *Device) Descriptors() *descriptor.Space { return d.descriptors }
func (d *Device) FramesInFlight() int            { return d.framesInFlight }

// SubmitID is the id the next submission will get
func (d *Device) SubmitID() uint64 { return d.submitID.Load() }

// FrameConstants returns the allocation holding every frame slot's constants
func (d *Device) FrameConstants() devmem.Allocation { return d.constants }

// CreateBuffer creates a zeroed buffer. Buffers that are not CPU backed have no CPU copy and
// never upload anything.
func (d *Device) CreateBuffer(ctx context.Context, usage BufferUsage, name string, length int) (*Buffer, error) {
	return d.createBuffer(ctx, usage, name, length, nil)
}

// CreateBufferData creates a buffer whose contents are uploaded with the next submission
func (d *Device) CreateBufferData(ctx context.Context, usage BufferUsage, name string, data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "buffer %q has no data", name)
	}

	return d.createBuffer(ctx, usage, name, len(data), data)
}

func (d *Device) createBuffer(ctx context.Context, usage BufferUsage, name string, length int, data []byte) (buffer *Buffer, err error) {
	if d.closed.Load() {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "creating buffer %q on a destroyed device", name)
	}

	if length <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "buffer %q has invalid length %d", name, length)
	}

	allocation, err := d.allocator.Allocate(ctx, devmem.AllocationRequest{
		Size:         length,
		Alignment:    bufferAlignment,
		CPUSided:     usage&BufferCPUAllocated != 0,
		ResourceType: devmem.ResourceBuffer,
		Name:         name,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating buffer %q", name)
	}

	buffer = &Buffer{
		device:     d,
		name:       name,
		usage:      usage,
		length:     length,
		allocation: allocation,
	}
	buffer.refs.Store(1)
	buffer.tracker.Init(length, usage&BufferCPUBacked != 0)

	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, buffer.Release())
			buffer = nil
		}
	}()

	if usage&BufferShaderRead != 0 {
		buffer.readHandle, err = d.descriptors.Allocate(ctx, descriptor.KindBuffer, name)
		if err != nil {
			return buffer, errors.Wrapf(err, "creating buffer %q", name)
		}
	}

	if usage&BufferShaderWrite != 0 {
		buffer.writeHandle, err = d.descriptors.Allocate(ctx, descriptor.KindRWBuffer, name)
		if err != nil {
			return buffer, errors.Wrapf(err, "creating buffer %q", name)
		}
	}

	if err = buffer.writeDescriptors(ctx, d.descriptors); err != nil {
		return buffer, err
	}

	if usage&BufferCPUBacked != 0 || data != nil {
		contents := make([]byte, length)
		copy(contents, data)
		buffer.data.Store(&contents)
	}

	if data != nil {
		if err = buffer.MarkDirty(0, 0); err != nil {
			return buffer, err
		}
	}

	return buffer, nil
}

// uploadable is a resource that can sit in the pending list
type uploadable interface {
	Resource
	tryRetain() bool
}

// pendingRef is a weak reference to a buffer or a texture
type pendingRef struct {
	buffer  weak.Pointer[Buffer]
	texture weak.Pointer[Texture]
}

// value returns the referenced resource, or nil once it was collected
func (r pendingRef) value() uploadable {
	if buffer := r.buffer.Value(); buffer != nil {
		return buffer
	}
	if texture := r.texture.Value(); texture != nil {
		return texture
	}
	return nil
}

// register adds a resource to the pending list. Called by the resource's tracker, with the tracker locked.
func (d *Device) register(ref pendingRef, name string) error {
	d.pendingMutex.Lock()
	defer d.pendingMutex.Unlock()

	if d.closed.Load() {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%q belongs to a destroyed device", name)
	}

	d.pending = append(d.pending, ref)
	return nil
}

func (d *Device) requeue(pending []pendingRef) {
	d.pendingMutex.Lock()
	defer d.pendingMutex.Unlock()

	for _, ref := range pending {
		if ref.value() != nil {
			d.pending = append(d.pending, ref)
		}
	}
}

func (d *Device) takePending() []pendingRef {
	d.pendingMutex.Lock()
	defer d.pendingMutex.Unlock()

	pending := d.pending
	d.pending = nil
	return pending
}

// forget removes a released resource from the pending list
func (d *Device) forget(resource uploadable) {
	d.pendingMutex.Lock()
	defer d.pendingMutex.Unlock()

	kept := d.pending[:0]
	for _, ref := range d.pending {
		if value := ref.value(); value != nil && value != resource {
			kept = append(kept, ref)
		}
	}
	clear(d.pending[len(kept):])
	d.pending = kept
}

func (d *Device) destroyBuffer(buffer *Buffer) error {
	d.forget(buffer)
	buffer.data.Store(nil)

	var err error
	if _, freeErr := d.descriptors.Free(context.Background(), buffer.readHandle, buffer.writeHandle); freeErr != nil {
		err = errors.Wrapf(freeErr, "releasing buffer %q", buffer.name)
	}

	if freeErr := d.allocator.Free(buffer.allocation); freeErr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(freeErr, "releasing buffer %q", buffer.name))
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Released buffer",
		slog.String("name", buffer.name),
		slog.Int("size", buffer.length))
	return err
}

// allocationResource keeps a bare allocation alive while the GPU may still read it
type allocationResource struct {
	allocator  *devmem.Allocator
	allocation devmem.Allocation
	refs       atomic.Int32
}

func newAllocationResource(allocator *devmem.Allocator, allocation devmem.Allocation) *allocationResource {
	resource := &allocationResource{allocator: allocator, allocation: allocation}
	resource.refs.Store(1)
	return resource
}

func (r *allocationResource) Retain() {
	r.refs.Add(1)
}

func (r *allocationResource) Release() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	return r.allocator.Free(r.allocation)
}

// track keeps resource alive until slot is retired. The caller's reference is handed over.
func (d *Device) track(slot int, resource Resource) {
	if buffer, ok := resource.(*Buffer); ok {
		buffer.inFlight.Add(1)
	}

	d.inFlight[slot] = append(d.inFlight[slot], resource)
	d.inFlightCount.Add(1)
}

// releaseSlot drops the references held by a frame slot whose submission has finished
func (d *Device) releaseSlot(slot int) {
	for _, resource := range d.inFlight[slot] {
		if buffer, ok := resource.(*Buffer); ok {
			buffer.inFlight.Add(-1)
		}

		if err := resource.Release(); err != nil {
			d.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release in-flight resource",
				slog.Int("slot", slot),
				slog.Any("error", err))
		}
	}

	d.inFlightCount.Add(-int64(len(d.inFlight[slot])))
	clear(d.inFlight[slot])
	d.inFlight[slot] = d.inFlight[slot][:0]
	d.regions[slot].FreeAll()
}

// Wait blocks until the GPU is idle, then releases every in-flight resource
func (d *Device) Wait(ctx context.Context) error {
	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	return d.waitIdle(ctx)
}

func (d *Device) waitIdle(ctx context.Context) error {
	if err := d.queue.WaitIdle(ctx); err != nil {
		if ctxErr := memutils.ContextError(ctx, "waiting for the device to go idle"); ctxErr != nil {
			return errors.WithSecondaryError(ctxErr, err)
		}
		return errors.Wrap(err, "waiting for the device to go idle")
	}

	for slot := range d.inFlight {
		d.releaseSlot(slot)
	}

	d.pendingBytes.Store(0)
	d.pendingPrimitives.Store(0)
	return nil
}

// Destroy waits for the GPU, then frees the device's internal buffers, its descriptor space and
// its allocator. Buffers and descriptors that are still live are logged as leaks and reported in
// the returned error.
func (d *Device) Destroy(ctx context.Context) error {
	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	if d.closed.Load() {
		return errors.Wrap(memutils.ErrInvalidArgument, "device was already destroyed")
	}

	if err := d.waitIdle(ctx); err != nil {
		return err
	}

	d.pendingMutex.Lock()
	d.closed.Store(true)
	d.pending = nil
	d.pendingMutex.Unlock()

	for _, region := range d.regions {
		region.Release()
	}

	err := errors.CombineErrors(d.allocator.Free(d.staging), d.allocator.Free(d.constants))
	err = errors.CombineErrors(err, d.descriptors.Destroy())
	err = errors.CombineErrors(err, d.allocator.Destroy())
	return err
}

// Stats may be called from any goroutine
func (d *Device) Stats() Stats {
	d.pendingMutex.Lock()
	pendingResources := len(d.pending)
	d.pendingMutex.Unlock()

	return Stats{
		SubmitID:          d.submitID.Load(),
		FramesInFlight:    d.framesInFlight,
		PendingResources:  pendingResources,
		InFlightResources: int(d.inFlightCount.Load()),
		PendingBytes:      int(d.pendingBytes.Load()),
		PendingPrimitives: d.pendingPrimitives.Load(),
		StagingSize:       int(d.stagingSize.Load()),
	}
}
