package devmem

import "context"

// BlockDesc describes a native memory block the allocator needs
type BlockDesc struct {
	// Size is the exact number of bytes requested
	Size int
	// MemoryTypeBits restricts the backend to a subset of its memory types. 0 allows all of them.
	MemoryTypeBits uint32
	// CPUSided blocks must be host visible. Other blocks should be device local.
	CPUSided     bool
	ResourceType ResourceType
	// Dedicated blocks hold exactly one resource
	Dedicated bool
	// Priority is a hint between 0 and 1 for backends that support residency priorities
	Priority float32
	// Name is a debug name, typically the name of the resource that caused the block to be created
	Name string
}

// NativeBlock is a block of memory created by a NativeAllocator
type NativeBlock struct {
	// Handle is the backend's opaque handle for the block
	Handle any
	// MemoryType is the backend memory type index the block was allocated from
	MemoryType int
	Flags      MemoryFlags
	// Mapped is the persistently mapped contents of the block, or nil for memory the CPU can't see
	Mapped []byte
}

// NativeAllocator creates and destroys native memory blocks. Implementations must be safe for
// concurrent use, and AllocateNative should give up when ctx expires.
//
//go:generate mockgen -source native.go -destination ../mocks/native_allocator.go -package mocks
type NativeAllocator interface {
	AllocateNative(ctx context.Context, desc BlockDesc) (NativeBlock, error)
	FreeNative(block NativeBlock)
}
