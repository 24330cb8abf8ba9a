package memutils

import "github.com/pkg/errors"

var (
	// ErrNotPowerOfTwo is returned from CheckPow2 or other methods if the number being tested is not a power of two
	ErrNotPowerOfTwo = errors.New("number must be a power of two")

	// ErrOutOfMemory indicates the native backend could not satisfy a block allocation. It is fatal to the
	// call that produced it, and is never retried internally.
	ErrOutOfMemory = errors.New("out of device memory")
	// ErrOutOfSpace indicates a sub-allocator could not place a request within its fixed range. Callers
	// recover by escalating to a new block.
	ErrOutOfSpace = errors.New("out of sub-allocation space")
	// ErrExhausted indicates a descriptor kind is at its fixed capacity
	ErrExhausted = errors.New("descriptor space exhausted")
	// ErrInvalidArgument indicates a programmer error: a bad offset, range, or handle
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTimedOut indicates a lock or native call exceeded the caller's context deadline
	ErrTimedOut = errors.New("timed out")
)
