package residency

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/dirty"
	"github.com/vkngwrapper/residency/memutils"
	"github.com/vkngwrapper/residency/memutils/metadata"
	"golang.org/x/exp/slices"
)

// Submit uploads every pending buffer and texture, writes the frame constants and hands the frame to
// the queue. It first waits for the submission that last used the frame slot, which is framesInFlight
// submissions ago.
//
// If an upload fails, the resources that were not uploaded stay pending and the error is returned
// without submitting anything. Calling Submit again retries the same submission.
func (d *Device) Submit(ctx context.Context, info SubmitInfo) error {
	if len(info.CommandLists) == 0 && len(info.Swapchains) == 0 {
		return errors.Wrap(memutils.ErrInvalidArgument, "a submission needs at least one command list or swapchain")
	}

	if len(info.AppData) > MaxAppDataSize {
		return errors.Wrapf(memutils.ErrInvalidArgument, "app data is %d bytes, at most %d are allowed", len(info.AppData), MaxAppDataSize)
	}

	if len(info.Swapchains) > MaxSwapchains {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%d swapchains submitted, at most %d are allowed", len(info.Swapchains), MaxSwapchains)
	}

	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	if d.closed.Load() {
		return errors.Wrap(memutils.ErrInvalidArgument, "submitting to a destroyed device")
	}

	submitID := d.submitID.Load()
	slot := int(submitID % uint64(d.framesInFlight))

	if err := d.retireSlot(ctx, submitID, slot); err != nil {
		return err
	}

	if err := d.uploadPending(ctx, slot); err != nil {
		return err
	}

	constants := newFrameConstants(submitID, &info)
	constantsOffset := slot * FrameConstantsSize
	if err := constants.Encode(d.constants.Mapped[constantsOffset : constantsOffset+FrameConstantsSize]); err != nil {
		return err
	}

	frame := Frame{
		SubmitID:        submitID,
		Slot:            slot,
		CommandLists:    info.CommandLists,
		Swapchains:      info.Swapchains,
		Constants:       d.constants,
		ConstantsOffset: constantsOffset,
	}
	if err := d.queue.Submit(ctx, frame); err != nil {
		return errors.Wrapf(err, "submitting frame %d", submitID)
	}

	for _, list := range info.CommandLists {
		for _, resource := range list.Resources() {
			resource.Retain()
			d.track(slot, resource)
		}
	}

	d.logger.LogAttrs(ctx, slog.LevelDebug, "Submitted frame",
		slog.Uint64("submitID", submitID),
		slog.Int("slot", slot),
		slog.Int64("uploadedBytes", d.pendingBytes.Load()),
		slog.Int("inFlight", len(d.inFlight[slot])))

	d.submitID.Store(submitID + 1)
	d.pendingBytes.Store(0)
	d.pendingPrimitives.Store(0)
	return nil
}

// retireSlot waits until the GPU is done with the previous occupant of slot and releases its resources.
// A slot is retired once per submission id: when a submission fails and is retried, the resources and
// staging the failed attempt left in the slot stay there until the slot comes around again.
func (d *Device) retireSlot(ctx context.Context, submitID uint64, slot int) error {
	if submitID < d.retired {
		return nil
	}

	frames := uint64(d.framesInFlight)
	if submitID >= frames {
		if err := d.queue.WaitForSubmission(ctx, submitID-frames); err != nil {
			if ctxErr := memutils.ContextError(ctx, "waiting for submission %d", submitID-frames); ctxErr != nil {
				return errors.WithSecondaryError(ctxErr, err)
			}
			return errors.Wrapf(err, "waiting for submission %d", submitID-frames)
		}
	}

	d.releaseSlot(slot)
	d.retired = submitID + 1
	return nil
}

// uploadPending uploads every resource in the pending list. A resource whose upload fails with
// ErrInvalidArgument can never succeed: it is dropped with an error log and the others carry on. Any
// other failure stops the pass; the failed resource goes back to the pending list behind the ones that
// were not reached yet, so it can't hold them up on the next attempt.
func (d *Device) uploadPending(ctx context.Context, slot int) error {
	pending := d.takePending()

	for i, ref := range pending {
		resource := ref.value()
		if resource == nil || !resource.tryRetain() {
			continue
		}

		var uploaded, requeue bool
		var err error
		switch r := resource.(type) {
		case *Buffer:
			uploaded, requeue, err = d.uploadBuffer(ctx, slot, r)
		case *Texture:
			uploaded, requeue, err = d.uploadTexture(ctx, slot, r)
		}

		if err != nil {
			releaseErr := resource.Release()

			if errors.Is(err, memutils.ErrInvalidArgument) {
				d.logger.LogAttrs(ctx, slog.LevelError, "Dropped upload",
					slog.Any("error", err))
				if releaseErr != nil {
					return releaseErr
				}
				continue
			}

			retry := slices.Clone(pending[i+1:])
			if requeue {
				retry = append(retry, ref)
			}
			d.requeue(retry)

			err = errors.CombineErrors(err, releaseErr)
			// Complete the copies that were already recorded, so the next attempt can reuse the
			// staging region
			return errors.CombineErrors(err, d.flush(ctx, slot))
		}

		if !uploaded {
			if err := resource.Release(); err != nil {
				return err
			}
			continue
		}

		d.track(slot, resource)
	}

	return nil
}

// uploadBuffer copies a buffer's dirty ranges to the GPU. It returns false if nothing was pending.
// When the upload fails with a retryable error, the ranges are put back and requeue reports whether
// the buffer must be returned to the pending list.
func (d *Device) uploadBuffer(ctx context.Context, slot int, buffer *Buffer) (uploaded, requeue bool, err error) {
	snapshot, ok := buffer.tracker.Drain()
	if !ok {
		return false, false, nil
	}

	direct, err := d.copyRanges(ctx, slot, buffer, snapshot)
	if err != nil {
		if !errors.Is(err, memutils.ErrInvalidArgument) {
			requeue = buffer.tracker.Restore(snapshot)
		}
		return false, requeue, errors.Wrapf(err, "uploading buffer %q", buffer.name)
	}

	buffer.tracker.Complete()
	if !buffer.CPUBacked() {
		buffer.data.Store(nil)
	}

	d.logger.LogAttrs(ctx, slog.LevelDebug, "    Uploaded buffer",
		slog.String("name", buffer.name),
		slog.Int("bytes", snapshot.Bytes(buffer.length)),
		slog.Bool("fullCopy", snapshot.FullCopy),
		slog.Int("ranges", len(snapshot.Ranges)),
		slog.Bool("direct", direct))
	return true, false, nil
}

// uploadTexture stages a texture's dirty boxes and records one copy per box
func (d *Device) uploadTexture(ctx context.Context, slot int, texture *Texture) (uploaded, requeue bool, err error) {
	snapshot, ok := texture.tracker.Drain()
	if !ok {
		return false, false, nil
	}

	if err := d.copyBoxes(ctx, slot, texture, snapshot); err != nil {
		if !errors.Is(err, memutils.ErrInvalidArgument) {
			requeue = texture.tracker.Restore(snapshot)
		}
		return false, requeue, errors.Wrapf(err, "uploading texture %q", texture.name)
	}

	texture.tracker.Complete()
	if !texture.CPUBacked() {
		texture.data.Store(nil)
	}

	d.logger.LogAttrs(ctx, slog.LevelDebug, "    Uploaded texture",
		slog.String("name", texture.name),
		slog.Int("bytes", snapshot.Texels(texture.desc.extent())*texture.desc.PixelSize),
		slog.Bool("fullCopy", snapshot.FullCopy),
		slog.Int("boxes", len(snapshot.Boxes)))
	return true, false, nil
}

func (d *Device) copyBoxes(ctx context.Context, slot int, texture *Texture, snapshot dirty.BoxPending) error {
	data := texture.Data()
	if data == nil {
		return errors.Wrap(memutils.ErrInvalidArgument, "texture has no CPU data to upload")
	}

	desc := texture.desc
	boxes := snapshot.Boxes
	if snapshot.FullCopy {
		boxes = []dirty.Box{{Max: desc.extent()}}
	}

	size := snapshot.Texels(desc.extent()) * desc.PixelSize
	source, cursor, err := d.stage(ctx, slot, size, uint(max(desc.PixelSize, stagingAlignment)))
	if err != nil {
		return err
	}

	rowPitch := desc.Width * desc.PixelSize
	slicePitch := rowPitch * desc.Height

	copies := make([]TextureCopy, 0, len(boxes))
	for _, box := range boxes {
		copies = append(copies, TextureCopy{SrcOffset: cursor, Region: box})

		rowSize := (box.Max[0] - box.Min[0]) * desc.PixelSize
		for z := box.Min[2]; z < box.Max[2]; z++ {
			for y := box.Min[1]; y < box.Max[1]; y++ {
				start := z*slicePitch + y*rowPitch + box.Min[0]*desc.PixelSize
				copy(source.Mapped[cursor:cursor+rowSize], data[start:start+rowSize])
				cursor += rowSize
			}
		}
	}

	if err := d.queue.CopyBufferToTexture(source, texture.target(), copies); err != nil {
		return errors.Wrap(err, "recording texture copies")
	}

	if d.pendingBytes.Add(int64(size)) >= int64(d.flushThreshold) {
		return d.flush(ctx, slot)
	}

	return nil
}

func (d *Device) copyRanges(ctx context.Context, slot int, buffer *Buffer, snapshot dirty.Pending) (direct bool, err error) {
	data := buffer.Data()
	if data == nil {
		return false, errors.Wrap(memutils.ErrInvalidArgument, "buffer has no CPU data to upload")
	}

	ranges := snapshot.Ranges
	if snapshot.FullCopy {
		ranges = []dirty.Range{{Start: 0, End: buffer.length}}
	}

	// The GPU can't be reading the allocation, so write it in place
	if buffer.allocation.Mapped != nil && buffer.inFlight.Load() == 0 {
		for _, r := range ranges {
			copy(buffer.allocation.Mapped[r.Start:r.End], data[r.Start:r.End])
		}
		return true, nil
	}

	size := snapshot.Bytes(buffer.length)
	source, cursor, err := d.stage(ctx, slot, size, stagingAlignment)
	if err != nil {
		return false, err
	}

	copies := make([]BufferCopy, 0, len(ranges))
	for _, r := range ranges {
		copy(source.Mapped[cursor:cursor+r.Size()], data[r.Start:r.End])
		copies = append(copies, BufferCopy{SrcOffset: cursor, DstOffset: r.Start, Size: r.Size()})
		cursor += r.Size()
	}

	if err := d.queue.CopyBuffer(source, buffer.allocation, copies); err != nil {
		return false, errors.Wrap(err, "recording copies")
	}

	if d.pendingBytes.Add(int64(size)) >= int64(d.flushThreshold) {
		if err := d.flush(ctx, slot); err != nil {
			return false, err
		}
	}

	return false, nil
}

// stage reserves size bytes of host-visible memory for the current frame, and returns the
// allocation holding them along with their offset in it
func (d *Device) stage(ctx context.Context, slot, size int, alignment uint) (devmem.Allocation, int, error) {
	if int64(size) >= d.stagingSize.Load()/4 {
		temp, err := d.allocator.Allocate(ctx, devmem.AllocationRequest{
			Size:         size,
			Alignment:    alignment,
			CPUSided:     true,
			ResourceType: devmem.ResourceBuffer,
			Name:         "temporary staging",
		})
		if err != nil {
			return devmem.Allocation{}, 0, errors.Wrapf(err, "allocating %d bytes of temporary staging", size)
		}

		d.track(slot, newAllocationResource(d.allocator, temp))
		return temp, 0, nil
	}

	offset, err := d.regions[slot].Allocate(size, alignment, false)
	if errors.Is(err, memutils.ErrOutOfSpace) {
		if err = d.growStaging(ctx, slot, int(d.stagingSize.Load())*2+size*3); err != nil {
			return devmem.Allocation{}, 0, err
		}
		offset, err = d.regions[slot].Allocate(size, alignment, false)
	}
	if err != nil {
		return devmem.Allocation{}, 0, errors.Wrapf(err, "staging %d bytes", size)
	}

	return d.staging, slot*d.regionSize + offset, nil
}

func (d *Device) allocateStaging(ctx context.Context, size int) (devmem.Allocation, error) {
	staging, err := d.allocator.Allocate(ctx, devmem.AllocationRequest{
		Size:         size,
		Alignment:    stagingRegionAlignment,
		CPUSided:     true,
		ResourceType: devmem.ResourceBuffer,
		Name:         "staging",
	})
	if err != nil {
		return staging, errors.Wrapf(err, "allocating %d byte staging buffer", size)
	}

	return staging, nil
}

// useStaging splits a new staging allocation between the frame slots
func (d *Device) useStaging(staging devmem.Allocation) error {
	regionSize := staging.Size / d.framesInFlight
	regions := make([]*metadata.AllocationBuffer, d.framesInFlight)

	for slot := range regions {
		var err error
		regions[slot], err = metadata.CreateRefFromRegion(staging.Mapped, slot*regionSize, regionSize, 0)
		if err != nil {
			return errors.Wrap(err, "splitting staging buffer")
		}
	}

	for _, region := range d.regions {
		if region != nil {
			region.Release()
		}
	}

	d.staging = staging
	d.stagingSize.Store(int64(staging.Size))
	d.regionSize = regionSize
	d.regions = regions
	return nil
}

// growStaging replaces the staging buffer with a larger one. The old buffer is kept alive until the
// current slot is retired: by then every frame that could have staged data in it has finished.
func (d *Device) growStaging(ctx context.Context, slot, requested int) error {
	size := stagingRegionSize(requested, d.framesInFlight) * d.framesInFlight

	staging, err := d.allocateStaging(ctx, size)
	if err != nil {
		return err
	}

	previous := d.staging
	if err := d.useStaging(staging); err != nil {
		return errors.CombineErrors(err, d.allocator.Free(staging))
	}
	d.track(slot, newAllocationResource(d.allocator, previous))

	d.logger.LogAttrs(ctx, slog.LevelWarn, "Grew staging buffer",
		slog.Int("previousSize", previous.Size),
		slog.Int("size", staging.Size))
	return nil
}

// flush executes the copies recorded so far, after which the current slot's staging region is free again
func (d *Device) flush(ctx context.Context, slot int) error {
	if err := d.queue.Flush(ctx); err != nil {
		if ctxErr := memutils.ContextError(ctx, "flushing pending uploads"); ctxErr != nil {
			return errors.WithSecondaryError(ctxErr, err)
		}
		return errors.Wrap(err, "flushing pending uploads")
	}

	d.logger.LogAttrs(ctx, slog.LevelDebug, "    Flushed pending uploads",
		slog.Int64("bytes", d.pendingBytes.Load()),
		slog.Uint64("primitives", d.pendingPrimitives.Load()))

	d.regions[slot].FreeAll()
	d.pendingBytes.Store(0)
	d.pendingPrimitives.Store(0)
	return nil
}

// AddPendingPrimitives counts geometry that acceleration structure builds recorded for the current
// frame. Once the count reaches the primitive flush threshold, recorded work is flushed early.
func (d *Device) AddPendingPrimitives(ctx context.Context, count uint64) error {
	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	if d.closed.Load() {
		return errors.Wrap(memutils.ErrInvalidArgument, "adding primitives to a destroyed device")
	}

	if d.pendingPrimitives.Add(count) < d.flushThresholdPrimitives {
		return nil
	}

	return d.flush(ctx, int(d.submitID.Load()%uint64(d.framesInFlight)))
}
