package descriptor

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
)

const (
	baseIndexBits     = 20
	extendedIndexBits = 16

	kindShift         = baseIndexBits
	kindMask          = 0xF
	extendedKindShift = extendedIndexBits
	extendedNibble    = 0xF

	baseIndexMask     = 1<<baseIndexBits - 1
	extendedIndexMask = 1<<extendedIndexBits - 1
)

// Handle is a bindless descriptor index packed with its kind.
//
// Base kinds are encoded as kind<<20 | index. Extended kinds (samplers and acceleration
// structures) set the kind nibble to 0xF and store (kind - KindSampler)<<16 | index, trading four
// index bits for more kinds. The top byte is always zero.
type Handle uint32

const (
	// NoHandle means "no allocation". Slot 0 of KindTexture2D is reserved so it is never issued.
	NoHandle Handle = 0
	// InvalidHandle can't be produced by the encoding because the top byte is always zero
	InvalidHandle Handle = 0xFFFFFFFF
)

// MakeHandle packs kind and index into a handle
func MakeHandle(kind Kind, index int) (Handle, error) {
	if !kind.Valid() {
		return InvalidHandle, errors.Wrapf(memutils.ErrInvalidArgument, "unknown descriptor kind %d", int32(kind))
	}

	if index < 0 || index >= kind.maxSlots() {
		return InvalidHandle, errors.Wrapf(memutils.ErrInvalidArgument,
			"index %d is out of the encodable range of %s", index, kind)
	}

	if kind.extended() {
		extended := uint32(kind - KindSampler)
		return Handle(extendedNibble<<kindShift | extended<<extendedKindShift | uint32(index)), nil
	}

	return Handle(uint32(kind)<<kindShift | uint32(index)), nil
}

// Kind decodes the kind of a handle. The result is not a valid Kind for malformed handles.
func (h Handle) Kind() Kind {
	nibble := Kind(h >> kindShift & kindMask)
	if nibble != extendedNibble {
		return nibble
	}

	return KindSampler + Kind(h>>extendedKindShift&kindMask)
}

// Index decodes the slot index of a handle
func (h Handle) Index() int {
	if h.Kind().extended() {
		return int(h & extendedIndexMask)
	}
	return int(h & baseIndexMask)
}

// Valid returns true if the handle is well formed. It says nothing about whether the slot is allocated.
func (h Handle) Valid() bool {
	return h != NoHandle && h>>24 == 0 && h.Kind().Valid()
}

func (h Handle) String() string {
	switch {
	case h == NoHandle:
		return "NoHandle"
	case !h.Valid():
		return fmt.Sprintf("Handle(%#08x)", uint32(h))
	}
	return fmt.Sprintf("%s[%d]", h.Kind(), h.Index())
}
