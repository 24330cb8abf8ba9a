// Package vulkan creates the native memory blocks of a devmem.Allocator with vkAllocateMemory.
package vulkan

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/memutils"
)

// defaultPriority is used for blocks that don't request a priority
const defaultPriority = 0.5

// Allocator is a devmem.NativeAllocator for a Vulkan device. Host-visible blocks are mapped for
// their whole lifetime.
type Allocator struct {
	device            core1_0.Device
	callbacks         *driver.AllocationCallbacks
	memoryProperties  *core1_0.PhysicalDeviceMemoryProperties
	useMemoryPriority bool
}

var _ devmem.NativeAllocator = &Allocator{}

// New creates an Allocator
//
// physicalDevice - The physical device that device was created from
//
// device - The device memory is allocated from. If VK_EXT_memory_priority is active on it, block
// priorities are passed on to the driver.
//
// callbacks - Optional host allocation callbacks passed to vkAllocateMemory and vkFreeMemory
func New(physicalDevice core1_0.PhysicalDevice, device core1_0.Device, callbacks *driver.AllocationCallbacks) (*Allocator, error) {
	if physicalDevice == nil || device == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a physical device and a device are required")
	}

	return &Allocator{
		device:            device,
		callbacks:         callbacks,
		memoryProperties:  physicalDevice.MemoryProperties(),
		useMemoryPriority: device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
	}, nil
}

func (a *Allocator) allocateInfo(desc devmem.BlockDesc, memoryTypeIndex int) core1_0.MemoryAllocateInfo {
	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.MemoryTypeIndex = memoryTypeIndex
	allocInfo.AllocationSize = desc.Size

	if a.useMemoryPriority {
		priority := desc.Priority
		if priority == 0 {
			priority = defaultPriority
		}

		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: priority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	return allocInfo
}

func (a *Allocator) AllocateNative(ctx context.Context, desc devmem.BlockDesc) (devmem.NativeBlock, error) {
	if err := memutils.ContextError(ctx, "allocating %d bytes for %q", desc.Size, desc.Name); err != nil {
		return devmem.NativeBlock{}, err
	}

	if desc.Priority < 0 || desc.Priority > 1 {
		return devmem.NativeBlock{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"priority %f for %q is outside of [0, 1]", desc.Priority, desc.Name)
	}

	memoryTypeIndex, err := FindMemoryTypeIndex(a.memoryProperties, desc.MemoryTypeBits, desc.CPUSided)
	if err != nil {
		return devmem.NativeBlock{}, err
	}

	memory, res, err := a.device.AllocateMemory(a.callbacks, a.allocateInfo(desc, memoryTypeIndex))
	if err != nil {
		return devmem.NativeBlock{}, errors.Wrapf(err, "vkAllocateMemory of %d bytes from memory type %d returned %v",
			desc.Size, memoryTypeIndex, res)
	}

	flags := a.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags
	block := devmem.NativeBlock{
		Handle:     memory,
		MemoryType: memoryTypeIndex,
		Flags:      memoryFlags(flags),
	}

	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		ptr, res, err := memory.Map(0, -1, 0)
		if err != nil {
			memory.Free(a.callbacks)
			return devmem.NativeBlock{}, errors.Wrapf(err, "vkMapMemory of %d bytes returned %v", desc.Size, res)
		}
		block.Mapped = unsafe.Slice((*byte)(ptr), desc.Size)
	}

	return block, nil
}

func (a *Allocator) FreeNative(block devmem.NativeBlock) {
	memory, ok := block.Handle.(core1_0.DeviceMemory)
	if !ok {
		return
	}

	if block.Mapped != nil {
		memory.Unmap()
	}
	memory.Free(a.callbacks)
}

// MemoryTypeCount is the number of memory types the physical device exposes
func (a *Allocator) MemoryTypeCount() int {
	return len(a.memoryProperties.MemoryTypes)
}

// HeapSize returns the size of the heap backing a memory type
func (a *Allocator) HeapSize(memoryTypeIndex int) int {
	heapIndex := a.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
	return a.memoryProperties.MemoryHeaps[heapIndex].Size
}
