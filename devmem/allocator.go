package devmem

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/residency/internal/utils"
	"github.com/vkngwrapper/residency/memutils"
)

var blockPool = sync.Pool{
	New: func() any {
		return &deviceMemoryBlock{}
	},
}

// AllocationRequest describes the memory a resource needs
type AllocationRequest struct {
	Size      int
	Alignment uint
	// CPUSided requests host-visible memory the CPU can write directly
	CPUSided     bool
	ResourceType ResourceType
	// MemoryTypeBits restricts the allocation to a subset of the backend's memory types. 0 allows all.
	MemoryTypeBits uint32
	// NonLinear marks resources such as optimally tiled images, which may not share a
	// BufferImageGranularity page with linear resources
	NonLinear bool
	// RequiresDedicated forces a dedicated block
	RequiresDedicated bool
	// PrefersDedicated requests a dedicated block unless the allocator already holds a large
	// number of blocks
	PrefersDedicated bool
	Priority         float32
	// Name identifies the resource in errors and leak reports
	Name string
}

// Allocation is a range of device memory handed out by an Allocator
type Allocation struct {
	BlockID   int
	Offset    int
	Size      int
	Dedicated bool
	// Mapped is the CPU view of the allocation's bytes, or nil if the memory is not host visible
	Mapped []byte
	// Native is the block that contains the allocation
	Native NativeBlock
}

// BlockInfo is a read-only description of a block, used for diagnostics
type BlockInfo struct {
	ID              int
	Size            int
	Dedicated       bool
	CPUSided        bool
	ResourceType    ResourceType
	Flags           MemoryFlags
	MemoryType      int
	AllocationCount int
	FreeBytes       int
	Name            string
}

// Allocator carves native memory blocks into allocations. Small requests share blocks through
// an AllocationBuffer per block; large ones get a dedicated block.
type Allocator struct {
	logger      *slog.Logger
	native      NativeAllocator
	callbacks   memoryCallbacks
	trackStacks bool

	blockSize          int
	dedicatedThreshold int
	minBlockCount      int
	granularity        uint

	mutex utils.OptionalMutex
	// Indexed by block id. Slots of destroyed blocks are nil until they are reused.
	blocks     []*deviceMemoryBlock
	liveBlocks int

	budget   heapBudget
	snapshot atomic.Pointer[[]BlockInfo]
}

// BlockSize is the size of new shared blocks
func (a *Allocator) BlockSize() int { return a.blockSize }

// DedicatedThreshold is the request size above which allocations get a dedicated block
func (a *Allocator) DedicatedThreshold() int { return a.dedicatedThreshold }

func (a *Allocator) isDedicated(request *AllocationRequest) bool {
	return request.RequiresDedicated ||
		request.Size > a.dedicatedThreshold ||
		(request.PrefersDedicated && a.liveBlocks < maxPreferredDedicatedBlocks)
}

// Allocate finds room for request in an existing block or creates a new block for it. ctx bounds
// both the wait for the allocator's lock and the native allocation, if one is needed; when it
// expires, an error wrapping memutils.ErrTimedOut is returned and nothing is allocated.
func (a *Allocator) Allocate(ctx context.Context, request AllocationRequest) (Allocation, error) {
	if request.Alignment == 0 {
		request.Alignment = 1
	}

	if request.Size <= 0 {
		return Allocation{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"allocation of %d bytes for %q", request.Size, request.Name)
	}

	if memutils.CheckPow2(request.Alignment, "alignment") != nil {
		return Allocation{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"alignment %d for %q is not a power of two", request.Alignment, request.Name)
	}

	if err := a.mutex.Lock(ctx); err != nil {
		return Allocation{}, errors.Wrapf(err, "allocating %d bytes for %q", request.Size, request.Name)
	}
	defer a.mutex.Unlock()

	if a.isDedicated(&request) {
		return a.allocateDedicated(ctx, &request)
	}

	for _, block := range a.blocks {
		if block == nil || !block.matches(&request) || !block.metadata.MayHaveFreeBlock(request.Size) {
			continue
		}

		alloc, err := a.allocFromBlock(block, &request)
		if errors.Is(err, memutils.ErrOutOfSpace) {
			continue
		} else if err != nil {
			return Allocation{}, err
		}

		a.logger.LogAttrs(ctx, slog.LevelDebug, "    Returned from existing block",
			slog.Int("block.id", block.id),
			slog.Int("offset", alloc.Offset),
			slog.Int("size", alloc.Size))
		return alloc, nil
	}

	blockSize := memutils.RoundUp(max(a.blockSize, 2*request.Size), a.blockSize)
	block, err := a.createBlock(ctx, BlockDesc{
		Size:           blockSize,
		MemoryTypeBits: request.MemoryTypeBits,
		CPUSided:       request.CPUSided,
		ResourceType:   request.ResourceType,
		Priority:       request.Priority,
		Name:           request.Name,
	})
	if err != nil {
		return Allocation{}, err
	}

	alloc, err := a.allocFromBlock(block, &request)
	if err != nil {
		// A fresh block at least twice the request size can only refuse on a backend bug
		a.destroyBlock(block)
		a.publish()
		return Allocation{}, errors.Wrapf(err, "new block %d could not hold %d bytes for %q", block.id, request.Size, request.Name)
	}

	a.logger.LogAttrs(ctx, slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("block.size", blockSize),
		slog.String("name", request.Name))
	return alloc, nil
}

func (a *Allocator) allocFromBlock(block *deviceMemoryBlock, request *AllocationRequest) (Allocation, error) {
	alignment := max(request.Alignment, block.minAlignment())

	offset, err := block.metadata.Allocate(request.Size, alignment, request.NonLinear)
	if err != nil {
		return Allocation{}, err
	}

	block.allocs.Put(offset, subAllocation{size: request.Size, name: request.Name})

	memutils.DebugValidate(block)
	a.budget.addAllocation(domainOf(block.cpuSided), request.Size)
	a.publish()

	return Allocation{
		BlockID: block.id,
		Offset:  offset,
		Size:    request.Size,
		Mapped:  block.mapped(offset, request.Size),
		Native:  block.native,
	}, nil
}

func (a *Allocator) allocateDedicated(ctx context.Context, request *AllocationRequest) (Allocation, error) {
	block, err := a.createBlock(ctx, BlockDesc{
		Size:           request.Size,
		MemoryTypeBits: request.MemoryTypeBits,
		CPUSided:       request.CPUSided,
		ResourceType:   request.ResourceType,
		Dedicated:      true,
		Priority:       request.Priority,
		Name:           request.Name,
	})
	if err != nil {
		return Allocation{}, err
	}

	a.budget.addAllocation(domainOf(block.cpuSided), request.Size)
	a.publish()

	a.logger.LogAttrs(ctx, slog.LevelDebug, "    Created dedicated block",
		slog.Int("block.id", block.id),
		slog.Int("block.size", request.Size),
		slog.String("name", request.Name))

	return Allocation{
		BlockID:   block.id,
		Offset:    0,
		Size:      request.Size,
		Dedicated: true,
		Mapped:    block.mapped(0, request.Size),
		Native:    block.native,
	}, nil
}

func (a *Allocator) createBlock(ctx context.Context, desc BlockDesc) (block *deviceMemoryBlock, err error) {
	domain := domainOf(desc.CPUSided)
	if err := a.budget.addBlock(domain, desc.Size); err != nil {
		return nil, errors.Wrapf(err, "allocating %d bytes for %q", desc.Size, desc.Name)
	}
	defer func() {
		if err != nil {
			a.budget.removeBlock(domain, desc.Size)
		}
	}()

	native, err := a.native.AllocateNative(ctx, desc)
	if err != nil {
		if ctxErr := memutils.ContextError(ctx, "native allocation of %d bytes for %q", desc.Size, desc.Name); ctxErr != nil {
			return nil, errors.WithSecondaryError(ctxErr, err)
		}

		return nil, errors.WithSecondaryError(
			errors.Wrapf(memutils.ErrOutOfMemory, "native allocation of %d bytes for %q (%s) failed",
				desc.Size, desc.Name, desc.ResourceType),
			err)
	}

	if desc.CPUSided && native.Mapped == nil {
		a.native.FreeNative(native)
		return nil, errors.Wrapf(memutils.ErrOutOfMemory,
			"backend returned unmapped memory for CPU-sided block of %d bytes for %q", desc.Size, desc.Name)
	}

	id := a.nextBlockID()
	block = blockPool.Get().(*deviceMemoryBlock)
	if err = block.Init(a.logger, id, desc, native, a.granularity); err != nil {
		a.native.FreeNative(native)
		*block = deviceMemoryBlock{}
		blockPool.Put(block)
		return nil, err
	}

	if a.trackStacks {
		block.stackTrace = memutils.CaptureStack(2, "block %d of %d bytes allocated for %q", id, desc.Size, desc.Name)
	}

	if id == len(a.blocks) {
		a.blocks = append(a.blocks, block)
	} else {
		a.blocks[id] = block
	}
	a.liveBlocks++

	a.callbacks.Allocate(native, desc.Size)
	return block, nil
}

func (a *Allocator) nextBlockID() int {
	for id, block := range a.blocks {
		if block == nil {
			return id
		}
	}
	return len(a.blocks)
}

// destroyBlock releases a block's native memory and its slot. The allocator lock must be held.
func (a *Allocator) destroyBlock(block *deviceMemoryBlock) {
	a.callbacks.Free(block.native, block.size)
	a.native.FreeNative(block.native)
	a.budget.removeBlock(domainOf(block.cpuSided), block.size)

	a.blocks[block.id] = nil
	a.liveBlocks--
	for len(a.blocks) > 0 && a.blocks[len(a.blocks)-1] == nil {
		a.blocks = a.blocks[:len(a.blocks)-1]
	}

	*block = deviceMemoryBlock{}
	blockPool.Put(block)
}

func (a *Allocator) lookup(blockID int) (*deviceMemoryBlock, error) {
	if blockID < 0 || blockID >= len(a.blocks) || a.blocks[blockID] == nil {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "no live block with id %d", blockID)
	}
	return a.blocks[blockID], nil
}

// Free releases an allocation made by this allocator
func (a *Allocator) Free(alloc Allocation) error {
	return a.FreeAt(alloc.BlockID, alloc.Offset)
}

// FreeAt releases the allocation at offset within the block blockID. Dedicated blocks are destroyed
// outright. A shared block left empty is destroyed only if another empty block of the same kind is
// already being kept, and only while more than MinBlockCount shared blocks exist.
func (a *Allocator) FreeAt(blockID, offset int) error {
	// Free never gives up on the lock: abandoning it would leak the allocation
	_ = a.mutex.Lock(context.Background())
	defer a.mutex.Unlock()

	block, err := a.lookup(blockID)
	if err != nil {
		return err
	}

	domain := domainOf(block.cpuSided)

	if block.dedicated {
		if offset != 0 {
			return errors.Wrapf(memutils.ErrInvalidArgument,
				"dedicated block %d has no allocation at offset %d", blockID, offset)
		}

		a.budget.removeAllocation(domain, block.size)
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted dedicated block", slog.Int("block.id", blockID))
		a.destroyBlock(block)
		a.publish()
		return nil
	}

	alloc, ok := block.allocs.Get(offset)
	if !ok {
		return errors.Wrapf(memutils.ErrInvalidArgument, "block %d has no allocation at offset %d", blockID, offset)
	}

	hasEmptyBlockBeforeFree := a.hasEmptyBlock(block)
	if err = block.metadata.Free(offset); err != nil {
		return err
	}
	block.allocs.Delete(offset)
	memutils.DebugValidate(block)

	a.budget.removeAllocation(domain, alloc.size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block",
		slog.Int("block.id", blockID),
		slog.Int("offset", offset))

	if block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && a.sharedBlockCount() > a.minBlockCount {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockID))
		a.destroyBlock(block)
	}

	a.publish()
	return nil
}

// hasEmptyBlock returns true if a shared block other than exclude, serving the same kind of
// request, has no allocations
func (a *Allocator) hasEmptyBlock(exclude *deviceMemoryBlock) bool {
	for _, block := range a.blocks {
		if block == nil || block == exclude || block.dedicated {
			continue
		}

		if block.cpuSided == exclude.cpuSided && block.resourceType == exclude.resourceType && block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

func (a *Allocator) sharedBlockCount() int {
	var count int
	for _, block := range a.blocks {
		if block != nil && !block.dedicated {
			count++
		}
	}
	return count
}

// publish replaces the diagnostic snapshot. The allocator lock must be held.
func (a *Allocator) publish() {
	infos := make([]BlockInfo, 0, a.liveBlocks)
	for _, block := range a.blocks {
		if block != nil {
			infos = append(infos, block.info())
		}
	}
	a.snapshot.Store(&infos)
}

// Blocks returns a description of every live block without taking the allocator's lock. The
// result reflects the state after the most recent completed allocation or free, and must not be
// modified.
func (a *Allocator) Blocks() []BlockInfo {
	return *a.snapshot.Load()
}

// Budget returns the memory currently held in a domain
func (a *Allocator) Budget(domain MemoryDomain) Budget {
	return a.budget.budget(domain)
}

// Statistics sums the budgets of both domains, plus the dedicated block count from the
// diagnostic snapshot
func (a *Allocator) Statistics() memutils.Statistics {
	var stats memutils.Statistics
	for domain := MemoryDomain(0); domain < domainCount; domain++ {
		budget := a.budget.budget(domain)
		stats.AddStatistics(&budget.Statistics)
	}

	for _, info := range a.Blocks() {
		if info.Dedicated {
			stats.DedicatedBlockCount++
		}
	}

	return stats
}

// DetailedStatistics walks every block under the allocator's lock
func (a *Allocator) DetailedStatistics() memutils.DetailedStatistics {
	_ = a.mutex.Lock(context.Background())
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()

	for _, block := range a.blocks {
		if block == nil {
			continue
		}

		if block.dedicated {
			stats.BlockCount++
			stats.DedicatedBlockCount++
			stats.BlockBytes += block.size
			stats.AddAllocation(block.size)
			continue
		}

		block.metadata.AddDetailedStatistics(&stats)
	}

	return stats
}

// Validate checks every block's internal consistency
func (a *Allocator) Validate() error {
	_ = a.mutex.Lock(context.Background())
	defer a.mutex.Unlock()

	var live int
	for id, block := range a.blocks {
		if block == nil {
			continue
		}

		live++
		if block.id != id {
			return errors.Newf("block in slot %d believes its id is %d", id, block.id)
		}

		if err := block.Validate(); err != nil {
			return errors.Wrapf(err, "block %d", id)
		}
	}

	if live != a.liveBlocks {
		return errors.Newf("allocator counts %d live blocks but holds %d", a.liveBlocks, live)
	}

	return nil
}

func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	_ = a.mutex.Lock(context.Background())
	defer a.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	for _, block := range a.blocks {
		if block == nil {
			continue
		}

		blockObj := objState.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("Name").String(block.name)
		blockObj.Name("ResourceType").String(block.resourceType.String())
		blockObj.Name("Flags").String(block.native.Flags.String())
		blockObj.Name("CPUSided").Bool(block.cpuSided)
		blockObj.Name("Dedicated").Bool(block.dedicated)

		if block.dedicated {
			blockObj.Name("TotalBytes").Int(block.size)
		} else {
			block.metadata.BlockJsonData(blockObj)
		}

		blockObj.End()
	}
}

// Destroy frees every block. Allocations that are still live are logged as leaks, and an error
// is returned if there were any.
func (a *Allocator) Destroy() error {
	_ = a.mutex.Lock(context.Background())
	defer a.mutex.Unlock()

	var leaked int
	for _, block := range a.blocks {
		if block == nil {
			continue
		}

		leaked += block.logLeaks()
		a.destroyBlock(block)
	}

	a.blocks = nil
	a.publish()

	if leaked > 0 {
		return errors.Newf("%d allocations were not freed before the destruction of this allocator", leaked)
	}

	return nil
}
