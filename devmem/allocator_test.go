package devmem_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/memutils"
	"github.com/vkngwrapper/residency/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"
)

func readyAllocator(t *testing.T, native devmem.NativeAllocator, options devmem.CreateOptions) *devmem.Allocator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := devmem.New(logger, native, options)
	require.NoError(t, err)

	return allocator
}

func deviceBlock(handle int) devmem.NativeBlock {
	return devmem.NativeBlock{
		Handle: handle,
		Flags:  devmem.MemoryDeviceLocal,
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)

	_, err := devmem.New(nil, nil, devmem.CreateOptions{})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = devmem.New(nil, native, devmem.CreateOptions{BufferImageGranularity: 3})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = devmem.New(nil, native, devmem.CreateOptions{BlockSize: -1})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = devmem.New(nil, native, devmem.CreateOptions{HostHeapLimit: -1})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	allocator, err := devmem.New(nil, native, devmem.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, 256*1024*1024, allocator.BlockSize())
	require.Equal(t, 128*1024*1024, allocator.DedicatedThreshold())
	require.Empty(t, allocator.Blocks())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateFromSharedBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	native.EXPECT().AllocateNative(gomock.Any(), devmem.BlockDesc{
		Size:         1024,
		ResourceType: devmem.ResourceBuffer,
		Name:         "vertices",
	}).Return(deviceBlock(1), nil)

	first, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{
		Size:         100,
		ResourceType: devmem.ResourceBuffer,
		Name:         "vertices",
	})
	require.NoError(t, err)
	require.Equal(t, 0, first.BlockID)
	require.Equal(t, 0, first.Offset)
	require.Equal(t, 100, first.Size)
	require.False(t, first.Dedicated)
	require.Nil(t, first.Mapped)

	second, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{
		Size:         200,
		Alignment:    16,
		ResourceType: devmem.ResourceBuffer,
		Name:         "indices",
	})
	require.NoError(t, err)
	require.Equal(t, 0, second.BlockID)
	require.Equal(t, 112, second.Offset)

	blocks := allocator.Blocks()
	require.Len(t, blocks, 1)
	require.Equal(t, 2, blocks[0].AllocationCount)
	require.Equal(t, 1024, blocks[0].Size)
	require.Equal(t, "vertices", blocks[0].Name)

	stats := allocator.Statistics()
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1024, stats.BlockBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 300, stats.AllocationBytes)

	require.NoError(t, allocator.Free(first))
	require.NoError(t, allocator.Free(second))
	require.NoError(t, allocator.Validate())

	// The only empty block is kept around
	blocks = allocator.Blocks()
	require.Len(t, blocks, 1)
	require.Equal(t, 0, blocks[0].AllocationCount)

	native.EXPECT().FreeNative(deviceBlock(1))
	require.NoError(t, allocator.Destroy())
	require.Empty(t, allocator.Blocks())
}

func TestAllocateDedicated(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	native.EXPECT().AllocateNative(gomock.Any(), devmem.BlockDesc{
		Size:         600,
		ResourceType: devmem.ResourceTexture,
		Dedicated:    true,
		Name:         "shadow map",
	}).Return(deviceBlock(1), nil)

	alloc, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{
		Size:         600,
		ResourceType: devmem.ResourceTexture,
		Name:         "shadow map",
	})
	require.NoError(t, err)
	require.True(t, alloc.Dedicated)
	require.Equal(t, 0, alloc.Offset)
	require.Equal(t, 600, alloc.Size)

	native.EXPECT().AllocateNative(gomock.Any(), devmem.BlockDesc{
		Size:         64,
		ResourceType: devmem.ResourceAccelerationStructure,
		Dedicated:    true,
		Priority:     1,
		Name:         "tlas",
	}).Return(deviceBlock(2), nil)

	required, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{
		Size:              64,
		ResourceType:      devmem.ResourceAccelerationStructure,
		RequiresDedicated: true,
		Priority:          1,
		Name:              "tlas",
	})
	require.NoError(t, err)
	require.True(t, required.Dedicated)
	require.Equal(t, 1, required.BlockID)

	require.Equal(t, 2, allocator.Statistics().DedicatedBlockCount)

	require.ErrorIs(t, allocator.FreeAt(alloc.BlockID, 12), memutils.ErrInvalidArgument)

	native.EXPECT().FreeNative(deviceBlock(1))
	require.NoError(t, allocator.Free(alloc))

	native.EXPECT().FreeNative(deviceBlock(2))
	require.NoError(t, allocator.Free(required))

	require.Empty(t, allocator.Blocks())
	require.Equal(t, memutils.Statistics{}, allocator.Statistics())
	require.NoError(t, allocator.Destroy())
}

func TestNewBlockSizeRoundsUp(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{
		BlockSize:          1024,
		DedicatedThreshold: 4096,
	})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, desc devmem.BlockDesc) (devmem.NativeBlock, error) {
			require.Equal(t, 3072, desc.Size)
			require.False(t, desc.Dedicated)
			return deviceBlock(1), nil
		})

	alloc, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 1500})
	require.NoError(t, err)
	require.False(t, alloc.Dedicated)
	require.Equal(t, 3072, allocator.Blocks()[0].Size)

	require.NoError(t, allocator.Free(alloc))
	native.EXPECT().FreeNative(deviceBlock(1))
	require.NoError(t, allocator.Destroy())
}

func TestEmptyBlockEviction(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	var nextHandle int
	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, desc devmem.BlockDesc) (devmem.NativeBlock, error) {
			nextHandle++
			return deviceBlock(nextHandle), nil
		}).Times(2)

	request := devmem.AllocationRequest{Size: 400, Name: "chunk"}
	var allocs []devmem.Allocation
	for i := 0; i < 3; i++ {
		alloc, err := allocator.Allocate(context.Background(), request)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	require.Equal(t, 0, allocs[0].BlockID)
	require.Equal(t, 0, allocs[1].BlockID)
	require.Equal(t, 1, allocs[2].BlockID)

	// Block 1 is the only empty block, so it survives
	require.NoError(t, allocator.Free(allocs[2]))
	require.Len(t, allocator.Blocks(), 2)

	require.NoError(t, allocator.Free(allocs[0]))
	require.Len(t, allocator.Blocks(), 2)

	// Block 0 empties while block 1 is already empty
	native.EXPECT().FreeNative(deviceBlock(1))
	require.NoError(t, allocator.Free(allocs[1]))

	blocks := allocator.Blocks()
	require.Len(t, blocks, 1)
	require.Equal(t, 1, blocks[0].ID)

	// Block 1 fills up, and the next block takes the empty slot 0
	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(3), nil)
	for i := 0; i < 3; i++ {
		alloc, err := allocator.Allocate(context.Background(), request)
		require.NoError(t, err)
		allocs[i] = alloc
	}
	require.Equal(t, 1, allocs[0].BlockID)
	require.Equal(t, 1, allocs[1].BlockID)
	require.Equal(t, 0, allocs[2].BlockID)
	require.NoError(t, allocator.Validate())

	for _, alloc := range allocs {
		require.NoError(t, allocator.Free(alloc))
	}

	native.EXPECT().FreeNative(gomock.Any()).Times(2)
	require.NoError(t, allocator.Destroy())
}

func TestMinBlockCount(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024, MinBlockCount: 2})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(1), nil)
	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(2), nil)

	first, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 512})
	require.NoError(t, err)
	second, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 512})
	require.NoError(t, err)
	third, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 512})
	require.NoError(t, err)
	require.Equal(t, 1, third.BlockID)

	require.NoError(t, allocator.Free(third))
	require.NoError(t, allocator.Free(first))
	require.NoError(t, allocator.Free(second))
	require.Len(t, allocator.Blocks(), 2)

	native.EXPECT().FreeNative(gomock.Any()).Times(2)
	require.NoError(t, allocator.Destroy())
}

func TestResourceTypesDoNotShareBlocks(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(1), nil)
	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(2), nil)

	buffer, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 64, ResourceType: devmem.ResourceBuffer})
	require.NoError(t, err)
	texture, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 64, ResourceType: devmem.ResourceTexture})
	require.NoError(t, err)
	require.NotEqual(t, buffer.BlockID, texture.BlockID)

	require.NoError(t, allocator.Free(buffer))
	require.NoError(t, allocator.Free(texture))

	native.EXPECT().FreeNative(gomock.Any()).Times(2)
	require.NoError(t, allocator.Destroy())
}

func TestHostVisibleNonCoherentAlignment(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	backing := make([]byte, 1024)
	block := devmem.NativeBlock{
		Handle: 1,
		Flags:  devmem.MemoryHostVisible,
		Mapped: backing,
	}
	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, desc devmem.BlockDesc) (devmem.NativeBlock, error) {
			require.True(t, desc.CPUSided)
			return block, nil
		})

	first, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 10, CPUSided: true})
	require.NoError(t, err)
	second, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 10, CPUSided: true})
	require.NoError(t, err)

	require.Equal(t, 0, first.Offset)
	require.Equal(t, 256, second.Offset)
	require.Len(t, second.Mapped, 10)

	copy(second.Mapped, "residency!")
	require.Equal(t, []byte("residency!"), backing[256:266])

	require.Equal(t, 1, allocator.Budget(devmem.DomainHost).Statistics.BlockCount)
	require.Equal(t, 0, allocator.Budget(devmem.DomainDevice).Statistics.BlockCount)

	require.NoError(t, allocator.Free(first))
	require.NoError(t, allocator.Free(second))

	native.EXPECT().FreeNative(gomock.Any())
	require.NoError(t, allocator.Destroy())
}

func TestCPUSidedRequiresMappedMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(1), nil)
	native.EXPECT().FreeNative(deviceBlock(1))

	_, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 10, CPUSided: true, Name: "upload"})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, devmem.Budget{}, allocator.Budget(devmem.DomainHost))
}

func TestNativeFailureIsOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(devmem.NativeBlock{}, errors.New("device lost"))

	_, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 100, Name: "terrain"})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Contains(t, err.Error(), "terrain")
	require.Contains(t, err.Error(), "1024")
	require.Contains(t, fmt.Sprintf("%+v", err), "device lost")

	require.Empty(t, allocator.Blocks())
	require.Equal(t, devmem.Budget{}, allocator.Budget(devmem.DomainDevice))
	require.NoError(t, allocator.Destroy())
}

func TestHeapLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024, DeviceHeapLimit: 1024})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(1), nil)

	first, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 512})
	require.NoError(t, err)

	_, err = allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 512, Name: "overflow"})
	require.NoError(t, err)

	_, err = allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 512, Name: "overflow"})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Contains(t, err.Error(), "overflow")

	budget := allocator.Budget(devmem.DomainDevice)
	require.Equal(t, 1024, budget.Limit)
	require.Equal(t, 1024, budget.Statistics.BlockBytes)
	require.Equal(t, 2, budget.Statistics.AllocationCount)

	require.NoError(t, allocator.Free(first))
	native.EXPECT().FreeNative(gomock.Any())
	require.Error(t, allocator.Destroy())
}

func TestAllocateTimesOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, desc devmem.BlockDesc) (devmem.NativeBlock, error) {
			<-ctx.Done()
			return devmem.NativeBlock{}, ctx.Err()
		})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := allocator.Allocate(ctx, devmem.AllocationRequest{Size: 100})
	require.ErrorIs(t, err, memutils.ErrTimedOut)
	require.NotErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, devmem.Budget{}, allocator.Budget(devmem.DomainDevice))
	require.NoError(t, allocator.Destroy())
}

func TestAllocateRejectsBadRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	_, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 0})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 10, Alignment: 12})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	require.ErrorIs(t, allocator.FreeAt(3, 0), memutils.ErrInvalidArgument)
	require.ErrorIs(t, allocator.FreeAt(-1, 0), memutils.ErrInvalidArgument)

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(1), nil)
	alloc, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 10})
	require.NoError(t, err)

	require.ErrorIs(t, allocator.FreeAt(alloc.BlockID, 5), memutils.ErrInvalidArgument)
	require.NoError(t, allocator.Free(alloc))
	require.ErrorIs(t, allocator.Free(alloc), memutils.ErrInvalidArgument)

	native.EXPECT().FreeNative(gomock.Any())
	require.NoError(t, allocator.Destroy())
}

func TestDestroyReportsLeaks(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	allocator, err := devmem.New(logger, native, devmem.CreateOptions{BlockSize: 1024, TrackStacks: true})
	require.NoError(t, err)

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(1), nil)
	_, err = allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 10, Name: "forgotten"})
	require.NoError(t, err)

	native.EXPECT().FreeNative(deviceBlock(1))
	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 allocations")

	require.Contains(t, logs.String(), "[UNRELEASED MEMORY]")
	require.Contains(t, logs.String(), "forgotten")
	require.Contains(t, logs.String(), "TestDestroyReportsLeaks")
}

func TestMemoryCallbacks(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)

	var allocated, freed int
	allocator := readyAllocator(t, native, devmem.CreateOptions{
		BlockSize: 1024,
		MemoryCallbackOptions: &devmem.MemoryCallbackOptions{
			Allocate: func(allocator *devmem.Allocator, memory devmem.NativeBlock, size int, userData interface{}) {
				require.Equal(t, "user data", userData)
				allocated += size
			},
			Free: func(allocator *devmem.Allocator, memory devmem.NativeBlock, size int, userData interface{}) {
				freed += size
			},
			UserData: "user data",
		},
	})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(1), nil)
	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(2), nil)
	native.EXPECT().FreeNative(gomock.Any()).Times(2)

	shared, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 10})
	require.NoError(t, err)
	dedicated, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 10, RequiresDedicated: true})
	require.NoError(t, err)
	require.Equal(t, 1034, allocated)

	require.NoError(t, allocator.Free(dedicated))
	require.Equal(t, 10, freed)

	require.NoError(t, allocator.Free(shared))
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 1034, freed)
}

func TestPrintDetailedMap(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 1024})

	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).Return(deviceBlock(1), nil)
	alloc, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{Size: 100, Name: "mesh"})
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	allocator.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	var parsed map[string]map[string]any
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))
	require.Contains(t, parsed, "0")
	require.Equal(t, "mesh", parsed["0"]["Name"])
	require.Equal(t, float64(1024), parsed["0"]["TotalBytes"])
	require.Equal(t, float64(924), parsed["0"]["UnusedBytes"])
	require.Len(t, parsed["0"]["Intervals"], 1)

	stats := allocator.DetailedStatistics()
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 100, stats.AllocationSizeMax)

	require.NoError(t, allocator.Free(alloc))
	native.EXPECT().FreeNative(gomock.Any())
	require.NoError(t, allocator.Destroy())
}

func TestConcurrentAllocateFree(t *testing.T) {
	ctrl := gomock.NewController(t)
	native := mocks.NewMockNativeAllocator(ctrl)
	allocator := readyAllocator(t, native, devmem.CreateOptions{BlockSize: 4096})

	var handles atomic.Int32
	native.EXPECT().AllocateNative(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, desc devmem.BlockDesc) (devmem.NativeBlock, error) {
			return deviceBlock(int(handles.Add(1))), nil
		}).AnyTimes()
	native.EXPECT().FreeNative(gomock.Any()).AnyTimes()

	var group errgroup.Group
	for worker := 0; worker < 8; worker++ {
		group.Go(func() error {
			var live []devmem.Allocation
			for i := 0; i < 200; i++ {
				alloc, err := allocator.Allocate(context.Background(), devmem.AllocationRequest{
					Size:      16 + (i*37+worker*11)%300,
					Alignment: 16,
				})
				if err != nil {
					return err
				}
				live = append(live, alloc)

				if i%3 == 0 {
					if err := allocator.Free(live[0]); err != nil {
						return err
					}
					live = live[1:]
				}
			}

			for _, alloc := range live {
				if err := allocator.Free(alloc); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	require.NoError(t, allocator.Validate())

	stats := allocator.Statistics()
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 0, stats.AllocationBytes)
	require.NoError(t, allocator.Destroy())
}
