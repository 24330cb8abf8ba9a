package devmem

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/internal/utils"
	"github.com/vkngwrapper/residency/memutils"
)

const (
	// defaultBlockSize is the value that is used as the BlockSize when none is provided via
	// CreateOptions. It is equal to 256Mb.
	defaultBlockSize int = 256 * 1024 * 1024
	// maxPreferredDedicatedBlocks is the number of live blocks above which allocations that merely
	// prefer dedicated memory are sub-allocated instead
	maxPreferredDedicatedBlocks = 2000
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags `yaml:"-"`
	// BlockSize is the size of new shared blocks. Requests larger than half a block are rounded
	// up to a multiple of it. Defaults to 256Mb.
	BlockSize int `yaml:"block_size"`
	// DedicatedThreshold is the request size above which an allocation gets a dedicated block.
	// Defaults to half of BlockSize.
	DedicatedThreshold int `yaml:"dedicated_threshold"`
	// MinBlockCount is the number of shared blocks that are never released once created
	MinBlockCount int `yaml:"min_block_count"`
	// BufferImageGranularity is the page size that separates linear and non-linear resources
	// sharing a block. Defaults to 1, which disables padding.
	BufferImageGranularity uint `yaml:"buffer_image_granularity"`

	// HostHeapLimit and DeviceHeapLimit cap the number of block bytes held in each domain. The
	// allocator returns memutils.ErrOutOfMemory rather than exceed them. 0 means no limit.
	HostHeapLimit   int `yaml:"host_heap_limit"`
	DeviceHeapLimit int `yaml:"device_heap_limit"`

	// TrackStacks is equivalent to AllocatorCreateTrackStacks, for configuration files
	TrackStacks bool `yaml:"track_stacks"`

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when native
	// memory is allocated or freed by this allocator
	MemoryCallbackOptions *MemoryCallbackOptions `yaml:"-"`
}

// New creates a new Allocator
//
// logger - Destination for routing decisions and leak reports. May be nil.
//
// native - The backend that creates and destroys native memory blocks
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, native NativeAllocator, options CreateOptions) (*Allocator, error) {
	if native == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a native allocator is required")
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0
	trackStacks := memutils.DebugStackTraces || options.TrackStacks || options.Flags&AllocatorCreateTrackStacks != 0

	allocator := &Allocator{
		logger:        logger,
		native:        native,
		mutex:         utils.NewOptionalMutex(useMutex),
		trackStacks:   trackStacks,
		minBlockCount: options.MinBlockCount,
		granularity:   max(options.BufferImageGranularity, 1),
	}

	allocator.blockSize = options.BlockSize
	if allocator.blockSize == 0 {
		allocator.blockSize = defaultBlockSize
	}

	if allocator.blockSize < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "block size %d is negative", allocator.blockSize)
	}

	allocator.dedicatedThreshold = options.DedicatedThreshold
	if allocator.dedicatedThreshold == 0 {
		allocator.dedicatedThreshold = allocator.blockSize / 2
	}

	if memutils.CheckPow2(allocator.granularity, "BufferImageGranularity") != nil {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument,
			"BufferImageGranularity %d is not a power of two", allocator.granularity)
	}

	if options.HostHeapLimit < 0 || options.DeviceHeapLimit < 0 {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "heap limits may not be negative")
	}
	allocator.budget.limits[DomainHost] = options.HostHeapLimit
	allocator.budget.limits[DomainDevice] = options.DeviceHeapLimit

	allocator.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	}

	empty := []BlockInfo{}
	allocator.snapshot.Store(&empty)

	return allocator, nil
}
