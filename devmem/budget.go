package devmem

import (
	"fmt"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
)

// MemoryDomain separates the budget of memory the CPU writes into from memory that lives on the device
type MemoryDomain int

const (
	DomainDevice MemoryDomain = iota
	DomainHost
	domainCount
)

func (d MemoryDomain) String() string {
	if d == DomainHost {
		return "Host"
	}
	return "Device"
}

func domainOf(cpuSided bool) MemoryDomain {
	if cpuSided {
		return DomainHost
	}
	return DomainDevice
}

// Budget is a snapshot of the memory held by the allocator in one domain
type Budget struct {
	Statistics memutils.Statistics
	// Limit is the maximum number of block bytes the domain may hold, or 0 for no limit
	Limit int
}

type heapBudget struct {
	// Number of native blocks
	blockCount [domainCount]int32
	// Number of allocations handed out: dedicated blocks and sub-allocations
	allocationCount [domainCount]int32
	blockBytes      [domainCount]int64
	allocationBytes [domainCount]int64

	limits [domainCount]int
}

func (b *heapBudget) addBlock(domain MemoryDomain, size int) error {
	limit := b.limits[domain]
	for {
		currentVal := atomic.LoadInt64(&b.blockBytes[domain])
		targetVal := currentVal + int64(size)

		if limit > 0 && targetVal > int64(limit) {
			return cerrors.Wrapf(memutils.ErrOutOfMemory,
				"%s heap limit of %d bytes would be exceeded by a %d byte block (%d in use)",
				domain, limit, size, currentVal)
		}

		if atomic.CompareAndSwapInt64(&b.blockBytes[domain], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&b.blockCount[domain], 1)
	return nil
}

func (b *heapBudget) removeBlock(domain MemoryDomain, size int) {
	newVal := atomic.AddInt64(&b.blockBytes[domain], int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for the %s domain went negative", domain))
	}

	newCountVal := atomic.AddInt32(&b.blockCount[domain], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for the %s domain went negative", domain))
	}
}

func (b *heapBudget) addAllocation(domain MemoryDomain, size int) {
	atomic.AddInt64(&b.allocationBytes[domain], int64(size))
	atomic.AddInt32(&b.allocationCount[domain], 1)
}

func (b *heapBudget) removeAllocation(domain MemoryDomain, size int) {
	newSizeVal := atomic.AddInt64(&b.allocationBytes[domain], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for the %s domain went negative", domain))
	}

	newCountVal := atomic.AddInt32(&b.allocationCount[domain], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for the %s domain went negative", domain))
	}
}

func (b *heapBudget) budget(domain MemoryDomain) Budget {
	return Budget{
		Statistics: memutils.Statistics{
			BlockCount:      int(atomic.LoadInt32(&b.blockCount[domain])),
			AllocationCount: int(atomic.LoadInt32(&b.allocationCount[domain])),
			BlockBytes:      int(atomic.LoadInt64(&b.blockBytes[domain])),
			AllocationBytes: int(atomic.LoadInt64(&b.allocationBytes[domain])),
		},
		Limit: b.limits[domain],
	}
}
