// Package hostmem is a headless backend that keeps "device" memory in ordinary Go slices. Copies and
// submissions complete as soon as they are submitted, which makes it a deterministic stand-in for a
// GPU in tests and tools.
package hostmem

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/memutils"
)

const (
	memoryTypeDevice = iota
	memoryTypeHost
)

// Block is the native handle of every block created by an Allocator
type Block struct {
	ID   uint64
	Desc devmem.BlockDesc
	Data []byte
}

// Allocator is a devmem.NativeAllocator over Go slices
type Allocator struct {
	mutex    sync.Mutex
	capacity int
	used     int
	nextID   uint64
	blocks   *swiss.Map[uint64, *Block]
}

var _ devmem.NativeAllocator = &Allocator{}

// NewAllocator creates an allocator that hands out at most capacity bytes. A capacity of 0 means
// no limit.
func NewAllocator(capacity int) *Allocator {
	return &Allocator{
		capacity: capacity,
		blocks:   swiss.NewMap[uint64, *Block](8),
	}
}

func (a *Allocator) AllocateNative(ctx context.Context, desc devmem.BlockDesc) (devmem.NativeBlock, error) {
	if err := memutils.ContextError(ctx, "allocating %d bytes of host memory", desc.Size); err != nil {
		return devmem.NativeBlock{}, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.capacity > 0 && a.used+desc.Size > a.capacity {
		return devmem.NativeBlock{}, errors.Wrapf(memutils.ErrOutOfMemory,
			"%d bytes requested for %q, %d of %d in use", desc.Size, desc.Name, a.used, a.capacity)
	}

	block := &Block{
		ID:   a.nextID,
		Desc: desc,
		Data: make([]byte, desc.Size),
	}
	a.nextID++
	a.used += desc.Size
	a.blocks.Put(block.ID, block)

	native := devmem.NativeBlock{
		Handle:     block,
		MemoryType: memoryTypeDevice,
		Flags:      devmem.MemoryDeviceLocal,
	}
	if desc.CPUSided {
		native.MemoryType = memoryTypeHost
		native.Flags = devmem.MemoryHostVisible | devmem.MemoryHostCoherent
		native.Mapped = block.Data
	}

	return native, nil
}

func (a *Allocator) FreeNative(native devmem.NativeBlock) {
	block, ok := native.Handle.(*Block)
	if !ok {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if _, live := a.blocks.Get(block.ID); live {
		a.blocks.Delete(block.ID)
		a.used -= len(block.Data)
	}
}

// Used is the number of bytes held by live blocks
func (a *Allocator) Used() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.used
}

// BlockCount is the number of live blocks
func (a *Allocator) BlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks.Count()
}

// Contents returns the bytes behind an allocation made from this backend, including memory that
// a real GPU would not let the CPU see
func Contents(allocation devmem.Allocation) ([]byte, error) {
	block, ok := allocation.Native.Handle.(*Block)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "allocation in block %d is not host memory", allocation.BlockID)
	}

	end := allocation.Offset + allocation.Size
	if allocation.Offset < 0 || end > len(block.Data) {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument,
			"allocation [%d, %d) is out of bounds for block of %d bytes", allocation.Offset, end, len(block.Data))
	}

	return block.Data[allocation.Offset:end:end], nil
}
