package devmem

import (
	"context"
	"log/slog"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/residency/memutils"
	"github.com/vkngwrapper/residency/memutils/metadata"
)

// subAllocation is the bookkeeping a block keeps for each of its live sub-allocations
type subAllocation struct {
	size int
	name string
}

type deviceMemoryBlock struct {
	id           int
	size         int
	dedicated    bool
	cpuSided     bool
	resourceType ResourceType
	name         string
	logger       *slog.Logger

	native NativeBlock
	// nil for dedicated blocks
	metadata *metadata.AllocationBuffer
	// Live sub-allocations by offset. nil for dedicated blocks.
	allocs *swiss.Map[int, subAllocation]

	stackTrace error
}

func (b *deviceMemoryBlock) Init(logger *slog.Logger, id int, desc BlockDesc, native NativeBlock, nonLinearAlignment uint) error {
	if b.native.Handle != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.id = id
	b.size = desc.Size
	b.dedicated = desc.Dedicated
	b.cpuSided = desc.CPUSided
	b.resourceType = desc.ResourceType
	b.name = desc.Name
	b.logger = logger
	b.native = native

	if b.dedicated {
		return nil
	}

	var err error
	b.metadata, err = metadata.NewVirtualAllocationBuffer(desc.Size, nonLinearAlignment)
	if err != nil {
		return err
	}
	b.allocs = swiss.NewMap[int, subAllocation](8)
	return nil
}

// matches returns true if a sub-allocation for request may be placed in this block
func (b *deviceMemoryBlock) matches(request *AllocationRequest) bool {
	if b.dedicated || b.cpuSided != request.CPUSided || b.resourceType != request.ResourceType {
		return false
	}

	return request.MemoryTypeBits == 0 || request.MemoryTypeBits&(1<<b.native.MemoryType) != 0
}

// minAlignment is the smallest alignment sub-allocations in this block may use. Host-visible memory
// that isn't coherent is flushed in atoms, which must not straddle two allocations.
func (b *deviceMemoryBlock) minAlignment() uint {
	if b.native.Flags&(MemoryHostVisible|MemoryHostCoherent) == MemoryHostVisible {
		return 256
	}
	return 1
}

func (b *deviceMemoryBlock) isEmpty() bool {
	return b.dedicated || b.metadata.IsEmpty()
}

func (b *deviceMemoryBlock) allocationCount() int {
	if b.dedicated {
		return 1
	}
	return b.metadata.AllocationCount()
}

func (b *deviceMemoryBlock) freeBytes() int {
	if b.dedicated {
		return 0
	}
	return b.metadata.SumFreeSize()
}

func (b *deviceMemoryBlock) mapped(offset, size int) []byte {
	if b.native.Mapped == nil {
		return nil
	}
	return b.native.Mapped[offset : offset+size : offset+size]
}

// logLeaks logs every allocation still live in this block and returns how many there were
func (b *deviceMemoryBlock) logLeaks() int {
	if b.dedicated {
		b.logUnreleasedMemory(0, b.size, b.name)
		return 1
	}

	if b.metadata.IsEmpty() {
		return 0
	}

	err := b.metadata.VisitAllRegions(func(offset int, size int, free bool) error {
		if free {
			return nil
		}

		alloc, _ := b.allocs.Get(offset)
		b.logUnreleasedMemory(offset, size, alloc.name)
		return nil
	})
	if err != nil {
		b.logger.LogAttrs(context.Background(),
			slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
	}

	return b.metadata.AllocationCount()
}

func (b *deviceMemoryBlock) logUnreleasedMemory(offset, size int, name string) {
	if name == "" {
		name = "empty"
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("block.id", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.String("name", name),
		slog.String("block.stack", memutils.FormatStack(b.stackTrace)),
	)
}

func (b *deviceMemoryBlock) Validate() error {
	if b.native.Handle == nil {
		return errors.New("no valid native memory for this memory block")
	}
	if b.size < 1 {
		return errors.New("this memory block has an invalid size")
	}

	if b.dedicated {
		if b.metadata != nil {
			return errors.Errorf("dedicated block %d has sub-allocation metadata", b.id)
		}
		return nil
	}

	if b.metadata.Size() != b.size {
		return errors.Errorf("block %d is %d bytes but its metadata manages %d", b.id, b.size, b.metadata.Size())
	}

	if b.allocs.Count() != b.metadata.AllocationCount() {
		return errors.Errorf("block %d tracks %d allocations but its metadata holds %d", b.id, b.allocs.Count(), b.metadata.AllocationCount())
	}

	return b.metadata.Validate()
}

func (b *deviceMemoryBlock) info() BlockInfo {
	return BlockInfo{
		ID:              b.id,
		Size:            b.size,
		Dedicated:       b.dedicated,
		CPUSided:        b.cpuSided,
		ResourceType:    b.resourceType,
		Flags:           b.native.Flags,
		MemoryType:      b.native.MemoryType,
		AllocationCount: b.allocationCount(),
		FreeBytes:       b.freeBytes(),
		Name:            b.name,
	}
}
