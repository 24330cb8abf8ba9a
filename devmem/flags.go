package devmem

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateTrackStacks records the call stack of every block allocation, so that leaked
	// blocks can be traced back to their creator when the allocator is destroyed
	AllocatorCreateTrackStacks
)

// MemoryFlags describe the properties of the native memory backing a block
type MemoryFlags int32

var memoryFlagsMapping = common.NewFlagStringMapping[MemoryFlags]()

func (f MemoryFlags) Register(str string) {
	memoryFlagsMapping.Register(f, str)
}
func (f MemoryFlags) String() string {
	return memoryFlagsMapping.FlagsToString(f)
}

const (
	// MemoryDeviceLocal memory is fast for the GPU to access
	MemoryDeviceLocal MemoryFlags = 1 << iota
	// MemoryHostVisible memory can be mapped and written by the CPU
	MemoryHostVisible
	// MemoryHostCoherent memory does not need explicit flushes after CPU writes
	MemoryHostCoherent
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateTrackStacks.Register("AllocatorCreateTrackStacks")

	MemoryDeviceLocal.Register("MemoryDeviceLocal")
	MemoryHostVisible.Register("MemoryHostVisible")
	MemoryHostCoherent.Register("MemoryHostCoherent")
}

// ResourceType tags the kind of resource a block holds. Blocks only serve requests of their own type.
type ResourceType int32

const (
	ResourceBuffer ResourceType = iota
	ResourceTexture
	ResourceAccelerationStructure
)

func (t ResourceType) String() string {
	switch t {
	case ResourceBuffer:
		return "Buffer"
	case ResourceTexture:
		return "Texture"
	case ResourceAccelerationStructure:
		return "AccelerationStructure"
	}

	return fmt.Sprintf("ResourceType(%d)", int32(t))
}
