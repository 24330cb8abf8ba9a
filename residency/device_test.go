package residency_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/residency/backend/hostmem"
	"github.com/vkngwrapper/residency/descriptor"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/dirty"
	"github.com/vkngwrapper/residency/memutils"
	"github.com/vkngwrapper/residency/mocks"
	"github.com/vkngwrapper/residency/residency"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"
)

type commandList []residency.Resource

func (l commandList) Resources() []residency.Resource { return l }

// A submission with nothing in it
var emptyFrame = residency.SubmitInfo{CommandLists: []residency.CommandList{commandList{}}}

func testOptions(options residency.Options) residency.Options {
	if options.StagingSize == 0 {
		options.StagingSize = 3 * 4096
	}
	if options.Allocator.BlockSize == 0 {
		options.Allocator.BlockSize = 64 * 1024
	}
	return options
}

type testDevice struct {
	*residency.Device
	native      *hostmem.Allocator
	descriptors *hostmem.DescriptorTable
	queue       *hostmem.Queue
}

func readyDevice(t *testing.T, options residency.Options) testDevice {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	device := testDevice{
		native:      hostmem.NewAllocator(0),
		descriptors: hostmem.NewDescriptorTable(),
		queue:       hostmem.NewQueue(),
	}

	var err error
	device.Device, err = residency.New(context.Background(), logger, device.native, device.descriptors, device.queue, testOptions(options))
	require.NoError(t, err)

	return device
}

func pattern(length int, seed byte) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	return data
}

func requireContents(t *testing.T, buffer *residency.Buffer, expected []byte) {
	t.Helper()

	contents, err := hostmem.Contents(buffer.Allocation())
	require.NoError(t, err)
	require.Equal(t, expected, contents)
}

func TestNewDevice(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	require.Equal(t, 3, device.FramesInFlight())
	require.Equal(t, uint64(0), device.SubmitID())
	require.Len(t, device.FrameConstants().Mapped, 3*residency.FrameConstantsSize)
	require.Equal(t, residency.Stats{FramesInFlight: 3, StagingSize: 3 * 4096}, device.Stats())

	require.NoError(t, device.Destroy(context.Background()))
	require.Equal(t, 0, device.native.Used())
	require.ErrorIs(t, device.Destroy(context.Background()), memutils.ErrInvalidArgument)
}

func TestNewRequiresQueue(t *testing.T) {
	_, err := residency.New(context.Background(), nil, hostmem.NewAllocator(0), hostmem.NewDescriptorTable(), nil, testOptions(residency.Options{}))
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = residency.New(context.Background(), nil, hostmem.NewAllocator(0), hostmem.NewDescriptorTable(), hostmem.NewQueue(),
		testOptions(residency.Options{FramesInFlight: -1}))
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestNewOutOfMemory(t *testing.T) {
	native := hostmem.NewAllocator(1024)
	_, err := residency.New(context.Background(), nil, native, hostmem.NewDescriptorTable(), hostmem.NewQueue(), testOptions(residency.Options{}))
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, 0, native.Used())
}

func TestCreateBufferDataUploads(t *testing.T) {
	device := readyDevice(t, residency.Options{})
	data := pattern(1000, 1)

	buffer, err := device.CreateBufferData(context.Background(), residency.BufferShaderRead|residency.BufferCPUBacked, "vertices", data)
	require.NoError(t, err)
	require.True(t, buffer.Pending())
	require.True(t, buffer.PendingFullCopy())
	require.Equal(t, 1, device.Stats().PendingResources)

	require.Equal(t, descriptor.KindBuffer, buffer.ReadHandle().Kind())
	require.Equal(t, descriptor.NoHandle, buffer.WriteHandle())
	view, ok := device.descriptors.View(descriptor.KindBuffer, buffer.ReadHandle().Index())
	require.True(t, ok)
	require.Equal(t, residency.BufferView{
		Native: buffer.Allocation().Native,
		Offset: buffer.Allocation().Offset,
		Size:   1000,
	}, view)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.False(t, buffer.Pending())
	requireContents(t, buffer, data)
	require.Equal(t, 1, device.queue.ExecutedCopies())

	stats := device.Stats()
	require.Equal(t, uint64(1), stats.SubmitID)
	require.Equal(t, 0, stats.PendingResources)
	require.Equal(t, 0, stats.PendingBytes)
	require.Equal(t, 1, stats.InFlightResources)

	require.NoError(t, buffer.Release())
	require.NoError(t, device.Destroy(context.Background()))
	require.Equal(t, 0, device.native.Used())
}

func TestCreateBufferRejectsBadArguments(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	_, err := device.CreateBuffer(context.Background(), residency.BufferCPUBacked, "empty", 0)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "empty", nil)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	require.NoError(t, device.Destroy(context.Background()))

	_, err = device.CreateBuffer(context.Background(), residency.BufferCPUBacked, "late", 16)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestCreateBufferExhaustsDescriptors(t *testing.T) {
	device := readyDevice(t, residency.Options{
		Descriptors: descriptor.Options{Capacities: map[descriptor.Kind]int{descriptor.KindRWBuffer: 1}},
	})

	first, err := device.CreateBuffer(context.Background(), residency.BufferShaderRead|residency.BufferShaderWrite, "first", 64)
	require.NoError(t, err)
	require.Equal(t, descriptor.KindRWBuffer, first.WriteHandle().Kind())

	used := device.native.Used()
	_, err = device.CreateBuffer(context.Background(), residency.BufferShaderRead|residency.BufferShaderWrite, "second", 64)
	require.ErrorIs(t, err, memutils.ErrExhausted)
	require.Contains(t, err.Error(), "second")

	// The failed buffer gave back its read descriptor and its memory
	require.Equal(t, 1, device.Descriptors().Live(descriptor.KindBuffer))
	require.Equal(t, used, device.native.Used())
	require.Equal(t, 1, device.Allocator().Statistics().AllocationCount-2)

	require.NoError(t, first.Release())
	require.NoError(t, device.Destroy(context.Background()))
}

func TestBufferDataDroppedAfterUpload(t *testing.T) {
	device := readyDevice(t, residency.Options{})
	data := pattern(512, 3)

	buffer, err := device.CreateBufferData(context.Background(), residency.BufferShaderRead, "static", data)
	require.NoError(t, err)
	require.Equal(t, data, buffer.Data())

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	requireContents(t, buffer, data)
	require.Nil(t, buffer.Data())

	// Only CPU backed buffers can be modified after their first upload
	require.ErrorIs(t, buffer.MarkDirty(0, 16), memutils.ErrInvalidArgument)

	require.NoError(t, buffer.Release())
	require.NoError(t, device.Destroy(context.Background()))
}

func TestMarkDirtyUploadsRanges(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	buffer, err := device.CreateBuffer(context.Background(), residency.BufferCPUBacked, "uniforms", 8192)
	require.NoError(t, err)
	require.False(t, buffer.Pending())
	require.Len(t, buffer.Data(), 8192)

	buffer.Data()[5000] = 7
	require.NoError(t, buffer.MarkDirty(5000, 1))
	require.Equal(t, []dirty.Range{{Start: 4744, End: 5257}}, buffer.PendingRanges())

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, 1, device.queue.ExecutedCopies())

	expected := make([]byte, 8192)
	expected[5000] = 7
	requireContents(t, buffer, expected)

	buffer.Data()[10] = 1
	buffer.Data()[8000] = 2
	require.NoError(t, buffer.MarkDirty(10, 1))
	require.NoError(t, buffer.MarkDirty(8000, 1))
	require.Len(t, buffer.PendingRanges(), 2)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	// One copy per range
	require.Equal(t, 3, device.queue.ExecutedCopies())

	expected[10] = 1
	expected[8000] = 2
	requireContents(t, buffer, expected)

	require.NoError(t, buffer.Release())
	require.NoError(t, device.Destroy(context.Background()))
}

func TestDirectWriteToHostVisibleBuffer(t *testing.T) {
	device := readyDevice(t, residency.Options{})
	data := pattern(1024, 5)

	buffer, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked|residency.BufferCPUAllocated, "dynamic", data)
	require.NoError(t, err)
	require.NotNil(t, buffer.Allocation().Mapped)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, 0, device.queue.ExecutedCopies())
	require.Equal(t, data, buffer.Allocation().Mapped)

	// The buffer is in flight until slot 0 is retired, so this write goes through staging
	buffer.Data()[0] = 99
	require.NoError(t, buffer.MarkDirty(0, 1))
	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, 1, device.queue.ExecutedCopies())
	require.Equal(t, byte(99), buffer.Allocation().Mapped[0])

	require.NoError(t, device.Wait(context.Background()))
	require.Equal(t, 0, device.Stats().InFlightResources)

	buffer.Data()[1] = 98
	require.NoError(t, buffer.MarkDirty(1, 1))
	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, 1, device.queue.ExecutedCopies())
	require.Equal(t, byte(98), buffer.Allocation().Mapped[1])

	require.NoError(t, buffer.Release())
	require.NoError(t, device.Destroy(context.Background()))
}

func TestLargeUploadUsesTemporaryStaging(t *testing.T) {
	device := readyDevice(t, residency.Options{})
	data := pattern(4096, 9)

	buffer, err := device.CreateBufferData(context.Background(), residency.BufferShaderRead, "texture data", data)
	require.NoError(t, err)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	requireContents(t, buffer, data)

	stats := device.Stats()
	require.Equal(t, 3*4096, stats.StagingSize)
	// The buffer and its temporary staging buffer
	require.Equal(t, 2, stats.InFlightResources)
	require.Equal(t, 2, buffer.Refs())

	require.NoError(t, buffer.Release())
	require.Equal(t, 1, buffer.Refs())

	allocations := device.Allocator().Statistics().AllocationCount
	require.NoError(t, device.Wait(context.Background()))
	require.Equal(t, 0, device.Stats().InFlightResources)
	require.Equal(t, 0, buffer.Refs())
	require.Equal(t, allocations-2, device.Allocator().Statistics().AllocationCount)

	require.NoError(t, device.Destroy(context.Background()))
}

func TestStagingGrows(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	var buffers []*residency.Buffer
	var contents [][]byte
	for i := range 3 {
		data := pattern(2000, byte(i))
		buffer, err := device.CreateBufferData(context.Background(), residency.BufferShaderRead, "mesh", data)
		require.NoError(t, err)

		buffers = append(buffers, buffer)
		contents = append(contents, data)
	}

	require.NoError(t, device.Submit(context.Background(), emptyFrame))

	// Two uploads fill a 4096 byte region, the third needs 2*12288 + 3*2000 bytes rounded to
	// three 512 byte aligned regions
	require.Equal(t, 30720, device.Stats().StagingSize)
	for i, buffer := range buffers {
		requireContents(t, buffer, contents[i])
		require.NoError(t, buffer.Release())
	}

	require.NoError(t, device.Destroy(context.Background()))
	require.Equal(t, 0, device.native.Used())
}

func TestFlushThreshold(t *testing.T) {
	device := readyDevice(t, residency.Options{FlushThreshold: 1000})

	first, err := device.CreateBufferData(context.Background(), residency.BufferShaderRead, "first", pattern(800, 1))
	require.NoError(t, err)
	second, err := device.CreateBufferData(context.Background(), residency.BufferShaderRead, "second", pattern(800, 2))
	require.NoError(t, err)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, 1, device.queue.Flushes())
	requireContents(t, first, pattern(800, 1))
	requireContents(t, second, pattern(800, 2))

	require.NoError(t, first.Release())
	require.NoError(t, second.Release())
	require.NoError(t, device.Destroy(context.Background()))
}

func TestAddPendingPrimitives(t *testing.T) {
	device := readyDevice(t, residency.Options{FlushThresholdPrimitives: 100})

	require.NoError(t, device.AddPendingPrimitives(context.Background(), 60))
	require.Equal(t, 0, device.queue.Flushes())
	require.Equal(t, uint64(60), device.Stats().PendingPrimitives)

	require.NoError(t, device.AddPendingPrimitives(context.Background(), 50))
	require.Equal(t, 1, device.queue.Flushes())
	require.Equal(t, uint64(0), device.Stats().PendingPrimitives)

	require.NoError(t, device.AddPendingPrimitives(context.Background(), 10))
	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, uint64(0), device.Stats().PendingPrimitives)

	require.NoError(t, device.Destroy(context.Background()))
}

func TestReleasedBufferIsNotUploaded(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	buffer, err := device.CreateBufferData(context.Background(), residency.BufferShaderRead, "discarded", pattern(256, 0))
	require.NoError(t, err)
	require.Equal(t, 1, device.Stats().PendingResources)

	require.NoError(t, buffer.Release())
	require.Equal(t, 0, device.Stats().PendingResources)
	require.Equal(t, 0, device.Descriptors().Live(descriptor.KindBuffer))
	require.ErrorIs(t, buffer.MarkDirty(0, 1), memutils.ErrInvalidArgument)
	require.ErrorIs(t, buffer.Release(), memutils.ErrInvalidArgument)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, 0, device.queue.ExecutedCopies())
	require.Equal(t, 0, device.Stats().InFlightResources)

	require.NoError(t, device.Destroy(context.Background()))
}

func TestBufferLivesUntilSlotRetires(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	buffer, err := device.CreateBuffer(context.Background(), residency.BufferShaderRead|residency.BufferCPUBacked, "per frame", 64)
	require.NoError(t, err)

	require.NoError(t, device.Submit(context.Background(), residency.SubmitInfo{
		CommandLists: []residency.CommandList{commandList{buffer}},
	}))
	require.Equal(t, 2, buffer.Refs())

	require.NoError(t, buffer.Release())
	require.Equal(t, 1, device.Descriptors().Live(descriptor.KindBuffer))

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, 1, buffer.Refs())
	require.Equal(t, 1, device.Descriptors().Live(descriptor.KindBuffer))

	// Submission 3 reuses slot 0
	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, 0, buffer.Refs())
	require.Equal(t, 0, device.Descriptors().Live(descriptor.KindBuffer))

	require.NoError(t, device.Destroy(context.Background()))
}

func TestSubmitValidation(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	err := device.Submit(context.Background(), residency.SubmitInfo{})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	err = device.Submit(context.Background(), residency.SubmitInfo{
		CommandLists: emptyFrame.CommandLists,
		AppData:      make([]byte, residency.MaxAppDataSize+1),
	})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	err = device.Submit(context.Background(), residency.SubmitInfo{
		Swapchains: make([]any, residency.MaxSwapchains+1),
	})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	require.Equal(t, uint64(0), device.SubmitID())
	require.NoError(t, device.Destroy(context.Background()))

	require.ErrorIs(t, device.Submit(context.Background(), emptyFrame), memutils.ErrInvalidArgument)
}

func TestFrameConstants(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	require.NoError(t, device.Submit(context.Background(), residency.SubmitInfo{
		Swapchains: []any{"window"},
		AppData:    []byte("hello"),
		Time:       2 * time.Second,
		DeltaTime:  250 * time.Millisecond,
	}))
	require.NoError(t, device.Submit(context.Background(), emptyFrame))

	frames := device.queue.Frames()
	require.Len(t, frames, 2)

	require.Equal(t, uint64(0), frames[0].SubmitID)
	require.Equal(t, 0, frames[0].Slot)
	require.Equal(t, 0, frames[0].ConstantsOffset)
	require.Equal(t, []any{"window"}, frames[0].Swapchains)

	constants, err := residency.DecodeFrameConstants(frames[0].Constants.Mapped[frames[0].ConstantsOffset:])
	require.NoError(t, err)
	require.Equal(t, uint32(0), constants.FrameID)
	require.Equal(t, float32(2), constants.Time)
	require.Equal(t, float32(0.25), constants.DeltaTime)
	require.Equal(t, uint32(1), constants.SwapchainCount)
	require.Equal(t, []byte("hello"), constants.AppData[:5])

	require.Equal(t, 1, frames[1].Slot)
	require.Equal(t, residency.FrameConstantsSize, frames[1].ConstantsOffset)
	constants, err = residency.DecodeFrameConstants(frames[1].Constants.Mapped[frames[1].ConstantsOffset:])
	require.NoError(t, err)
	require.Equal(t, uint32(1), constants.FrameID)
	require.Equal(t, uint32(0), constants.SwapchainCount)

	require.NoError(t, device.Destroy(context.Background()))
}

func readyMockDevice(t *testing.T, ctrl *gomock.Controller, options residency.Options) (*residency.Device, *mocks.MockQueue) {
	queue := mocks.NewMockQueue(ctrl)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	device, err := residency.New(context.Background(), logger, hostmem.NewAllocator(0), hostmem.NewDescriptorTable(), queue, testOptions(options))
	require.NoError(t, err)

	return device, queue
}

func TestSubmitWaitsForSlot(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, queue := readyMockDevice(t, ctrl, residency.Options{FramesInFlight: 2})

	gomock.InOrder(
		queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(nil),
		queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(nil),
		queue.EXPECT().WaitForSubmission(gomock.Any(), uint64(0)).Return(nil),
		queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(nil),
		queue.EXPECT().WaitForSubmission(gomock.Any(), uint64(1)).Return(nil),
		queue.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, frame residency.Frame) error {
			require.Equal(t, uint64(3), frame.SubmitID)
			require.Equal(t, 1, frame.Slot)
			return nil
		}),
		queue.EXPECT().WaitIdle(gomock.Any()).Return(nil),
	)

	for range 4 {
		require.NoError(t, device.Submit(context.Background(), emptyFrame))
	}

	require.NoError(t, device.Destroy(context.Background()))
}

func TestSubmitWaitTimesOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, queue := readyMockDevice(t, ctrl, residency.Options{FramesInFlight: 1})

	ctx, cancel := context.WithCancel(context.Background())

	queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(nil)
	queue.EXPECT().WaitForSubmission(gomock.Any(), uint64(0)).DoAndReturn(func(ctx context.Context, submitID uint64) error {
		cancel()
		return ctx.Err()
	})

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	err := device.Submit(ctx, emptyFrame)
	require.ErrorIs(t, err, memutils.ErrTimedOut)
	require.Equal(t, uint64(1), device.SubmitID())

	queue.EXPECT().WaitIdle(gomock.Any()).Return(nil)
	require.NoError(t, device.Destroy(context.Background()))
}

func TestUploadFailureKeepsBuffersPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, queue := readyMockDevice(t, ctrl, residency.Options{})

	first, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "first", pattern(100, 1))
	require.NoError(t, err)
	second, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "second", pattern(100, 2))
	require.NoError(t, err)

	queue.EXPECT().CopyBuffer(gomock.Any(), first.Allocation(), gomock.Any()).Return(errors.New("device lost"))
	queue.EXPECT().Flush(gomock.Any()).Return(nil)

	err = device.Submit(context.Background(), emptyFrame)
	require.Error(t, err)
	require.Contains(t, err.Error(), "first")
	require.True(t, first.Pending())
	require.True(t, first.PendingFullCopy())
	require.True(t, second.Pending())
	require.Equal(t, 2, device.Stats().PendingResources)
	require.Equal(t, uint64(0), device.SubmitID())
	require.Equal(t, 1, first.Refs())

	// The failed buffer went back behind the one that was never reached
	gomock.InOrder(
		queue.EXPECT().CopyBuffer(gomock.Any(), second.Allocation(), []residency.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: 100}}).Return(nil),
		queue.EXPECT().CopyBuffer(gomock.Any(), first.Allocation(), []residency.BufferCopy{{SrcOffset: 100, DstOffset: 0, Size: 100}}).Return(nil),
	)
	queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(nil)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.False(t, first.Pending())
	require.False(t, second.Pending())
	require.Equal(t, uint64(1), device.SubmitID())

	require.NoError(t, first.Release())
	require.NoError(t, second.Release())

	queue.EXPECT().WaitIdle(gomock.Any()).Return(nil)
	require.NoError(t, device.Destroy(context.Background()))
}

func TestFailingBufferDoesNotBlockOthers(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, queue := readyMockDevice(t, ctrl, residency.Options{})

	broken, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "broken", pattern(64, 1))
	require.NoError(t, err)
	healthy, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "healthy", pattern(64, 2))
	require.NoError(t, err)

	queue.EXPECT().CopyBuffer(gomock.Any(), broken.Allocation(), gomock.Any()).Return(errors.New("device lost"))
	queue.EXPECT().Flush(gomock.Any()).Return(nil)
	require.Error(t, device.Submit(context.Background(), emptyFrame))
	require.True(t, healthy.Pending())

	// broken keeps failing, but healthy is uploaded ahead of it
	gomock.InOrder(
		queue.EXPECT().CopyBuffer(gomock.Any(), healthy.Allocation(), gomock.Any()).Return(nil),
		queue.EXPECT().CopyBuffer(gomock.Any(), broken.Allocation(), gomock.Any()).Return(errors.New("device lost")),
		queue.EXPECT().Flush(gomock.Any()).Return(nil),
	)
	require.Error(t, device.Submit(context.Background(), emptyFrame))
	require.False(t, healthy.Pending())
	require.True(t, broken.Pending())
	require.Equal(t, 1, device.Stats().PendingResources)
	require.Equal(t, 2, healthy.Refs())

	queue.EXPECT().CopyBuffer(gomock.Any(), broken.Allocation(), gomock.Any()).Return(nil)
	queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(nil)
	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.False(t, broken.Pending())

	require.NoError(t, broken.Release())
	require.NoError(t, healthy.Release())

	queue.EXPECT().WaitIdle(gomock.Any()).Return(nil)
	require.NoError(t, device.Destroy(context.Background()))
}

func TestInvalidUploadIsDropped(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	ctrl := gomock.NewController(t)
	queue := mocks.NewMockQueue(ctrl)
	device, err := residency.New(context.Background(), logger, hostmem.NewAllocator(0), hostmem.NewDescriptorTable(), queue, testOptions(residency.Options{}))
	require.NoError(t, err)

	rejected, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "rejected", pattern(64, 1))
	require.NoError(t, err)
	accepted, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "accepted", pattern(64, 2))
	require.NoError(t, err)

	gomock.InOrder(
		queue.EXPECT().CopyBuffer(gomock.Any(), rejected.Allocation(), gomock.Any()).
			Return(errors.Wrap(memutils.ErrInvalidArgument, "copy out of bounds")),
		queue.EXPECT().CopyBuffer(gomock.Any(), accepted.Allocation(), gomock.Any()).Return(nil),
		queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(nil),
	)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.False(t, rejected.Pending())
	require.False(t, accepted.Pending())
	require.Equal(t, 0, device.Stats().PendingResources)
	require.Equal(t, 1, rejected.Refs())
	require.Equal(t, 2, accepted.Refs())
	require.Contains(t, logs.String(), "Dropped upload")
	require.Contains(t, logs.String(), "rejected")

	// Nothing left to retry
	queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(nil)
	require.NoError(t, device.Submit(context.Background(), emptyFrame))

	require.NoError(t, rejected.Release())
	require.NoError(t, accepted.Release())

	queue.EXPECT().WaitIdle(gomock.Any()).Return(nil)
	require.NoError(t, device.Destroy(context.Background()))
}

func TestMarkDirtyWithoutCPUData(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	buffer, err := device.CreateBuffer(context.Background(), residency.BufferShaderRead, "gpu only", 256)
	require.NoError(t, err)
	require.Nil(t, buffer.Data())

	require.ErrorIs(t, buffer.MarkDirty(0, 16), memutils.ErrInvalidArgument)
	require.False(t, buffer.Pending())
	require.Equal(t, 0, device.Stats().PendingResources)

	other, err := device.CreateBufferData(context.Background(), residency.BufferShaderRead, "uploaded", pattern(128, 5))
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, device.Submit(context.Background(), emptyFrame))
	}
	requireContents(t, other, pattern(128, 5))
	require.Equal(t, 1, device.queue.ExecutedCopies())

	require.NoError(t, buffer.Release())
	require.NoError(t, other.Release())
	require.NoError(t, device.Destroy(context.Background()))
}

func TestRetriedSubmitKeepsSlotResources(t *testing.T) {
	device := readyDevice(t, residency.Options{})

	first, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "first", pattern(100, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, device.Submit(ctx, emptyFrame), memutils.ErrTimedOut)
	require.Equal(t, uint64(0), device.SubmitID())
	require.Equal(t, 1, device.queue.Recorded())

	// Staged after the failed attempt: it must not land on top of first's staged bytes
	second, err := device.CreateBufferData(context.Background(), residency.BufferCPUBacked, "second", pattern(100, 2))
	require.NoError(t, err)

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	require.Equal(t, uint64(1), device.SubmitID())
	require.Equal(t, 2, first.Refs())
	require.Equal(t, 2, second.Refs())
	require.Equal(t, 2, device.Stats().InFlightResources)
	requireContents(t, first, pattern(100, 1))
	requireContents(t, second, pattern(100, 2))

	require.NoError(t, first.Release())
	require.NoError(t, second.Release())
	require.NoError(t, device.Destroy(context.Background()))
}

func TestDestroyReportsLeakedBuffers(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	device, err := residency.New(context.Background(), logger, hostmem.NewAllocator(0), hostmem.NewDescriptorTable(), hostmem.NewQueue(), testOptions(residency.Options{}))
	require.NoError(t, err)

	_, err = device.CreateBuffer(context.Background(), residency.BufferShaderRead, "forgotten", 128)
	require.NoError(t, err)

	require.Error(t, device.Destroy(context.Background()))
	require.Contains(t, logs.String(), "[LEAKED DESCRIPTOR]")
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY]")
	require.Contains(t, logs.String(), "forgotten")
}

func TestConcurrentMarkDirty(t *testing.T) {
	device := readyDevice(t, residency.Options{StagingSize: 3 * 64 * 1024, Allocator: devmem.CreateOptions{BlockSize: 1024 * 1024}})

	const bufferCount = 8
	buffers := make([]*residency.Buffer, bufferCount)
	for i := range buffers {
		var err error
		buffers[i], err = device.CreateBuffer(context.Background(), residency.BufferCPUBacked, "shared", 16*1024)
		require.NoError(t, err)

		copy(buffers[i].Data(), pattern(16*1024, byte(i)))
	}

	var group errgroup.Group
	for _, buffer := range buffers {
		group.Go(func() error {
			for offset := 0; offset < buffer.Len(); offset += 1000 {
				if err := buffer.MarkDirty(offset, min(100, buffer.Len()-offset)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	group.Go(func() error {
		for range 10 {
			if err := device.Submit(context.Background(), emptyFrame); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, group.Wait())

	require.NoError(t, device.Submit(context.Background(), emptyFrame))
	for _, buffer := range buffers {
		require.False(t, buffer.Pending())
		contents, err := hostmem.Contents(buffer.Allocation())
		require.NoError(t, err)

		for offset := 0; offset < buffer.Len(); offset += 1000 {
			end := offset + min(100, buffer.Len()-offset)
			require.Equal(t, buffer.Data()[offset:end], contents[offset:end])
		}
		require.NoError(t, buffer.Release())
	}

	require.NoError(t, device.Destroy(context.Background()))
}
