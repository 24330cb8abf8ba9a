package devmem

type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memory NativeBlock,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memory NativeBlock,
	size int,
	userData interface{},
)

// MemoryCallbackOptions is an optional set of callbacks executed whenever this allocator creates or
// destroys a native block. Sub-allocations do not trigger these callbacks.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(memory NativeBlock, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(memory NativeBlock, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memory, size, c.Callbacks.UserData)
	}
}
