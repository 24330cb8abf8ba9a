package hostmem

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/memutils"
	"github.com/vkngwrapper/residency/residency"
)

type recordedCopy struct {
	src, dst devmem.Allocation
	copies   []residency.BufferCopy

	// Set for buffer to texture copies, which write dst.Allocation instead of dst
	texture *residency.TextureTarget
	regions []residency.TextureCopy
}

// Queue is a residency.Queue that executes recorded copies on Flush and Submit. Every submission
// has finished by the time Submit returns.
type Queue struct {
	mutex     sync.Mutex
	recorded  []recordedCopy
	frames    []residency.Frame
	submitted uint64
	flushes   int
	executed  int
}

var _ residency.Queue = &Queue{}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) CopyBuffer(src, dst devmem.Allocation, copies []residency.BufferCopy) error {
	for _, c := range copies {
		if c.Size <= 0 || c.SrcOffset < 0 || c.DstOffset < 0 ||
			c.SrcOffset+c.Size > src.Size || c.DstOffset+c.Size > dst.Size {
			return errors.Wrapf(memutils.ErrInvalidArgument,
				"copy of %d bytes from offset %d of %d to offset %d of %d is out of bounds",
				c.Size, c.SrcOffset, src.Size, c.DstOffset, dst.Size)
		}
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.recorded = append(q.recorded, recordedCopy{src: src, dst: dst, copies: copies})
	return nil
}

// CopyBufferToTexture records copies of tightly packed rows of texels into a texture. Each region's
// rows are read one after the other starting at its SrcOffset.
func (q *Queue) CopyBufferToTexture(src devmem.Allocation, dst residency.TextureTarget, copies []residency.TextureCopy) error {
	extent := [3]int{dst.Desc.Width, dst.Desc.Height, dst.Desc.Depth}

	for _, c := range copies {
		for axis := range 3 {
			if c.Region.Min[axis] < 0 || c.Region.Min[axis] >= c.Region.Max[axis] || c.Region.Max[axis] > extent[axis] {
				return errors.Wrapf(memutils.ErrInvalidArgument,
					"texture region %v is out of bounds of a %v texture", c.Region, extent)
			}
		}

		size := c.Region.Texels() * dst.Desc.PixelSize
		if c.SrcOffset < 0 || c.SrcOffset+size > src.Size {
			return errors.Wrapf(memutils.ErrInvalidArgument,
				"texture copy of %d bytes from offset %d of %d is out of bounds", size, c.SrcOffset, src.Size)
		}
	}

	if dst.Desc.Size() > dst.Allocation.Size {
		return errors.Wrapf(memutils.ErrInvalidArgument,
			"texture needs %d bytes, its allocation has %d", dst.Desc.Size(), dst.Allocation.Size)
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.recorded = append(q.recorded, recordedCopy{src: src, texture: &dst, regions: copies})
	return nil
}

func (q *Queue) executeTexture(src []byte, recorded recordedCopy) error {
	dst, err := Contents(recorded.texture.Allocation)
	if err != nil {
		return err
	}

	desc := recorded.texture.Desc
	rowPitch := desc.Width * desc.PixelSize
	slicePitch := rowPitch * desc.Height

	for _, c := range recorded.regions {
		cursor := c.SrcOffset
		rowSize := (c.Region.Max[0] - c.Region.Min[0]) * desc.PixelSize

		for z := c.Region.Min[2]; z < c.Region.Max[2]; z++ {
			for y := c.Region.Min[1]; y < c.Region.Max[1]; y++ {
				start := z*slicePitch + y*rowPitch + c.Region.Min[0]*desc.PixelSize
				copy(dst[start:start+rowSize], src[cursor:cursor+rowSize])
				cursor += rowSize
			}
		}
		q.executed++
	}

	return nil
}

func (q *Queue) execute() error {
	for _, recorded := range q.recorded {
		src, err := Contents(recorded.src)
		if err != nil {
			return err
		}

		if recorded.texture != nil {
			if err := q.executeTexture(src, recorded); err != nil {
				return err
			}
			continue
		}

		dst, err := Contents(recorded.dst)
		if err != nil {
			return err
		}

		for _, c := range recorded.copies {
			copy(dst[c.DstOffset:c.DstOffset+c.Size], src[c.SrcOffset:c.SrcOffset+c.Size])
			q.executed++
		}
	}

	clear(q.recorded)
	q.recorded = q.recorded[:0]
	return nil
}

func (q *Queue) Flush(ctx context.Context) error {
	if err := memutils.ContextError(ctx, "flushing copies"); err != nil {
		return err
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.flushes++
	return q.execute()
}

func (q *Queue) Submit(ctx context.Context, frame residency.Frame) error {
	if err := memutils.ContextError(ctx, "submitting frame %d", frame.SubmitID); err != nil {
		return err
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if err := q.execute(); err != nil {
		return err
	}

	q.frames = append(q.frames, frame)
	q.submitted = frame.SubmitID + 1
	return nil
}

func (q *Queue) WaitForSubmission(ctx context.Context, submitID uint64) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if submitID >= q.submitted {
		return errors.Wrapf(memutils.ErrInvalidArgument, "submission %d was never made", submitID)
	}

	return nil
}

func (q *Queue) WaitIdle(ctx context.Context) error {
	return memutils.ContextError(ctx, "waiting for the queue to go idle")
}

// Frames returns every frame submitted so far
func (q *Queue) Frames() []residency.Frame {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	frames := make([]residency.Frame, len(q.frames))
	copy(frames, q.frames)
	return frames
}

// Flushes counts Flush calls
func (q *Queue) Flushes() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.flushes
}

// ExecutedCopies counts the BufferCopy and TextureCopy commands executed so far
func (q *Queue) ExecutedCopies() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.executed
}

// Recorded is the number of CopyBuffer and CopyBufferToTexture calls waiting for the next Flush or Submit
func (q *Queue) Recorded() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.recorded)
}
