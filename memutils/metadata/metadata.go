package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/residency/memutils"
)

// BlockMetadata represents a single fixed range of memory within some system. It manages
// sub-allocations within the range, allowing allocations to be requested and freed, as well as
// enumerated and queried. Offsets are always relative to the start of the range.
type BlockMetadata interface {
	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// Size retrieves the size in bytes of the managed range
	Size() int
	// AllocationCount returns the number of sub-allocations currently live in the implementation. This number
	// should generally be the number of successful allocations minus the number of successful frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the block. Adjacent regions
	// of free memory are counted as a single region.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether the block could possibly support a new
	// allocation of the provided size. False positives are acceptable, false negatives are not.
	MayHaveFreeBlock(size int) bool
	// IsEmpty will return true if this block has no live sub-allocations
	IsEmpty() bool

	// Allocate places a new sub-allocation of size bytes and returns its offset. The offset is a multiple
	// of alignment. nonLinear marks allocations that may not share a page with allocations of the other
	// linearity (optimal-tiling images next to buffers, for instance). memutils.ErrOutOfSpace is returned
	// when no placement exists.
	Allocate(size int, alignment uint, nonLinear bool) (int, error)
	// Free releases the sub-allocation at the provided offset. memutils.ErrInvalidArgument is returned
	// when no live sub-allocation starts at offset.
	Free(offset int) error
	// FreeAll instantly frees all sub-allocations
	FreeAll()

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order. This should generally not be done except for diagnostic purposes.
	VisitAllRegions(handleBlock func(offset int, size int, free bool) error) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations.
type BlockMetadataBase struct {
	size int
}

// Init sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// WriteBlockJson populates a json object with the summary fields shared by all implementations
func (m *BlockMetadataBase) WriteBlockJson(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
