package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
)

// Writer publishes resource views into the backend's bindless descriptor heap
//
//go:generate mockgen -source options.go -destination ../mocks/descriptor_writer.go -package mocks
type Writer interface {
	WriteDescriptor(kind Kind, index int, view any) error
}

// Options contains optional settings when creating a Space
type Options struct {
	// Capacities overrides the number of slots of individual kinds. Kinds that are missing keep
	// their default capacity. A capacity must fit in the kind's index field.
	Capacities map[Kind]int `yaml:"capacities"`
	// TrackAllocations records the name and call stack of every live descriptor, so that leaks can
	// be traced back when the space is destroyed
	TrackAllocations bool `yaml:"track_allocations"`
	// ExternallySynchronized disables the space's internal lock
	ExternallySynchronized bool `yaml:"externally_synchronized"`
}

func (o *Options) capacities() ([kindCount]int, error) {
	capacities := defaultCapacities

	for kind, capacity := range o.Capacities {
		if !kind.Valid() {
			return capacities, errors.Wrapf(memutils.ErrInvalidArgument, "unknown descriptor kind %d", int32(kind))
		}

		if capacity <= 0 || capacity > kind.maxSlots() {
			return capacities, errors.Wrapf(memutils.ErrInvalidArgument,
				"capacity %d for %s is outside of [1, %d]", capacity, kind, kind.maxSlots())
		}

		capacities[kind] = capacity
	}

	if capacities[KindTexture2D] < 2 {
		return capacities, errors.Wrapf(memutils.ErrInvalidArgument,
			"%s needs at least 2 slots because slot 0 is reserved", KindTexture2D)
	}

	return capacities, nil
}
