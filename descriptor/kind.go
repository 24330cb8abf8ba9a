package descriptor

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
)

// Kind is the type of resource view a descriptor slot holds. Each kind has its own fixed-size slot range.
type Kind int32

const (
	KindTexture2D Kind = iota
	KindTextureCube
	KindTexture3D
	KindBuffer
	KindRWBuffer
	KindRWTexture3D
	KindRWTexture3Ds
	KindRWTexture3Df
	KindRWTexture3Di
	KindRWTexture3Du
	KindRWTexture2D
	KindRWTexture2Ds
	KindRWTexture2Df
	KindRWTexture2Di
	KindRWTexture2Du

	// KindSampler and later kinds use the extended handle encoding
	KindSampler
	KindAccelerationStructure

	kindCount
)

var kindNames = [kindCount]string{
	KindTexture2D:             "Texture2D",
	KindTextureCube:           "TextureCube",
	KindTexture3D:             "Texture3D",
	KindBuffer:                "Buffer",
	KindRWBuffer:              "RWBuffer",
	KindRWTexture3D:           "RWTexture3D",
	KindRWTexture3Ds:          "RWTexture3Ds",
	KindRWTexture3Df:          "RWTexture3Df",
	KindRWTexture3Di:          "RWTexture3Di",
	KindRWTexture3Du:          "RWTexture3Du",
	KindRWTexture2D:           "RWTexture2D",
	KindRWTexture2Ds:          "RWTexture2Ds",
	KindRWTexture2Df:          "RWTexture2Df",
	KindRWTexture2Di:          "RWTexture2Di",
	KindRWTexture2Du:          "RWTexture2Du",
	KindSampler:               "Sampler",
	KindAccelerationStructure: "AccelerationStructure",
}

// defaultCapacities is the number of slots each kind gets unless Options overrides it
var defaultCapacities = [kindCount]int{
	KindSampler:               2048,
	KindTexture2D:             184464,
	KindTextureCube:           32768,
	KindTexture3D:             32768,
	KindBuffer:                249999,
	KindAccelerationStructure: 1,
	KindRWBuffer:              250000,
	KindRWTexture3D:           6553,
	KindRWTexture3Ds:          4809,
	KindRWTexture3Df:          43690,
	KindRWTexture3Di:          5242,
	KindRWTexture3Du:          5242,
	KindRWTexture2D:           92232,
	KindRWTexture2Ds:          9224,
	KindRWTexture2Df:          61488,
	KindRWTexture2Di:          10760,
	KindRWTexture2Du:          10760,
}

// Kinds returns every descriptor kind, in handle order
func Kinds() []Kind {
	kinds := make([]Kind, kindCount)
	for i := range kinds {
		kinds[i] = Kind(i)
	}
	return kinds
}

func (k Kind) Valid() bool {
	return k >= 0 && k < kindCount
}

func (k Kind) extended() bool {
	return k >= KindSampler
}

// maxSlots is the number of indices the handle encoding can address for this kind
func (k Kind) maxSlots() int {
	if k.extended() {
		return 1 << extendedIndexBits
	}
	return 1 << baseIndexBits
}

// DefaultCapacity is the number of slots this kind has when Options leaves it unset
func (k Kind) DefaultCapacity() int {
	if !k.Valid() {
		return 0
	}
	return defaultCapacities[k]
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "unknown descriptor kind %d", int32(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = Kind(kind)
			return nil
		}
	}

	return errors.Wrapf(memutils.ErrInvalidArgument, "unknown descriptor kind %q", string(text))
}
