package vulkan

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/memutils"
)

// memoryPreferences returns the property flags a block must have, the flags it should have, and the
// flags it should not have
func memoryPreferences(cpuSided bool) (required, preferred, notPreferred core1_0.MemoryPropertyFlags) {
	if cpuSided {
		// Written sequentially by the CPU and read by the GPU: uncached write-combined memory,
		// on the device if the device exposes any
		return core1_0.MemoryPropertyHostVisible,
			core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCoherent,
			core1_0.MemoryPropertyHostCached
	}

	return 0, core1_0.MemoryPropertyDeviceLocal, core1_0.MemoryPropertyHostVisible
}

// FindMemoryTypeIndex picks the memory type for a block. Every memory type allowed by
// memoryTypeBits that has the required flags is scored by the number of preferred flags it lacks
// plus the number of unwanted flags it has, and the first type with the lowest score wins.
// A memoryTypeBits of 0 allows every type.
func FindMemoryTypeIndex(properties *core1_0.PhysicalDeviceMemoryProperties, memoryTypeBits uint32, cpuSided bool) (int, error) {
	if memoryTypeBits == 0 {
		memoryTypeBits = math.MaxUint32
	}

	required, preferred, notPreferred := memoryPreferences(cpuSided)

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex, memoryType := range properties.MemoryTypes {
		if memoryTypeBits&(1<<memTypeIndex) == 0 {
			continue
		}

		flags := memoryType.PropertyFlags
		if required&flags != required {
			continue
		}

		missingPreferredFlags := preferred & ^flags
		presentNotPreferredFlags := notPreferred & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(memutils.ErrOutOfMemory,
			"no memory type in bits %#x is suitable for cpuSided=%t", memoryTypeBits, cpuSided)
	}

	return bestMemoryTypeIndex, nil
}

func memoryFlags(flags core1_0.MemoryPropertyFlags) devmem.MemoryFlags {
	var result devmem.MemoryFlags
	if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
		result |= devmem.MemoryDeviceLocal
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		result |= devmem.MemoryHostVisible
	}
	if flags&core1_0.MemoryPropertyHostCoherent != 0 {
		result |= devmem.MemoryHostCoherent
	}
	return result
}
