package residency

import (
	"context"
	"time"

	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/dirty"
)

// BufferCopy is a single copy command. Offsets are relative to the start of the source and
// destination allocations.
type BufferCopy struct {
	SrcOffset int
	DstOffset int
	Size      int
}

// TextureCopy copies a region of texels from a staging allocation into a texture. The source holds
// the region's texels tightly packed, row by row and then slice by slice, starting at SrcOffset.
type TextureCopy struct {
	SrcOffset int
	Region    dirty.Box
}

// TextureTarget is the destination of texture copies
type TextureTarget struct {
	Allocation devmem.Allocation
	Desc       TextureDesc
}

// CommandList is recorded GPU work. The resources it references are kept alive until the GPU has
// finished the submission that executes it.
type CommandList interface {
	Resources() []Resource
}

// Frame is handed to the Queue once per submission
type Frame struct {
	// SubmitID counts submissions from 0
	SubmitID uint64
	// Slot is the frame-in-flight slot the submission occupies
	Slot         int
	CommandLists []CommandList
	Swapchains   []any
	// Constants holds the frame's FrameConstants at ConstantsOffset
	Constants       devmem.Allocation
	ConstantsOffset int
}

// Queue executes copies and submissions on the GPU
//
//go:generate mockgen -source queue.go -destination ../mocks/queue.go -package mocks
type Queue interface {
	// CopyBuffer records copies from src into dst. Recorded copies execute before any work submitted
	// after them.
	CopyBuffer(src, dst devmem.Allocation, copies []BufferCopy) error
	// CopyBufferToTexture records copies from src into regions of dst, ordered with CopyBuffer
	CopyBufferToTexture(src devmem.Allocation, dst TextureTarget, copies []TextureCopy) error
	// Flush executes every copy recorded so far and returns once they have completed
	Flush(ctx context.Context) error
	// Submit executes the recorded copies followed by the frame's command lists. When it fails, the
	// copies recorded so far stay recorded for the next Flush or Submit.
	Submit(ctx context.Context, frame Frame) error
	// WaitForSubmission blocks until the GPU has finished the submission with the given id
	WaitForSubmission(ctx context.Context, submitID uint64) error
	// WaitIdle blocks until every submission has finished
	WaitIdle(ctx context.Context) error
}

// SubmitInfo describes one frame of work
type SubmitInfo struct {
	CommandLists []CommandList
	// Swapchains are presented by the submission. Their contents are opaque to the Device.
	Swapchains []any
	// AppData is copied verbatim into the frame constants. At most MaxAppDataSize bytes.
	AppData   []byte
	Time      time.Duration
	DeltaTime time.Duration
}
