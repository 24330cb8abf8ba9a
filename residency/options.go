package residency

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/descriptor"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/memutils"
	"gopkg.in/yaml.v3"
)

const (
	defaultFramesInFlight = 3
	// defaultStagingSize is the staging buffer size shared by all frame slots. It is equal to 64Mb.
	defaultStagingSize = 64 * 1024 * 1024
	// maxFlushThreshold is 4Gb
	maxFlushThreshold int64 = 4 * 1024 * 1024 * 1024
	// defaultFlushThresholdPrimitives bounds the geometry a single frame may build acceleration
	// structures for before an early flush
	defaultFlushThresholdPrimitives = 100 * 1024 * 1024 / 3

	stagingRegionAlignment = 512
	// stagingAlignment is the smallest alignment of data copied into the staging buffer
	stagingAlignment = 4
)

// Options contains optional settings when creating a Device. It is valid to leave all fields blank.
type Options struct {
	// FramesInFlight is the number of submissions the CPU may run ahead of the GPU. Defaults to 3.
	FramesInFlight int `yaml:"frames_in_flight"`
	// StagingSize is the initial size of the staging buffer, which is split evenly between the frame
	// slots. It is rounded up so that every slot's region is a multiple of 512 bytes. Defaults to 64Mb.
	StagingSize int `yaml:"staging_size"`
	// FlushThreshold is the number of bytes staged in a single frame after which the copies recorded so
	// far are flushed early. Defaults to the smaller of 4Gb and three times the staging size.
	FlushThreshold int `yaml:"flush_threshold"`
	// FlushThresholdPrimitives is the number of primitives passed to AddPendingPrimitives after which
	// recorded work is flushed early
	FlushThresholdPrimitives uint64 `yaml:"flush_threshold_primitives"`

	Allocator   devmem.CreateOptions `yaml:"allocator"`
	Descriptors descriptor.Options   `yaml:"descriptors"`
}

// LoadOptions reads Options from a yaml document. Unknown fields are rejected. An empty document
// produces zero Options, which select every default.
func LoadOptions(reader io.Reader) (Options, error) {
	var options Options

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	err := decoder.Decode(&options)
	if errors.Is(err, io.EOF) {
		return Options{}, nil
	} else if err != nil {
		return Options{}, errors.Wrap(err, "decoding residency options")
	}

	return options, nil
}

// stagingRegionSize rounds a requested staging size up so it splits into slots regions that are
// each a multiple of 512 bytes, and returns the size of one region
func stagingRegionSize(size, slots int) int {
	return memutils.AlignUp((size+slots-1)/slots, stagingRegionAlignment)
}

type settings struct {
	framesInFlight           int
	stagingSize              int
	flushThreshold           int
	flushThresholdPrimitives uint64
}

func (o *Options) settings() (settings, error) {
	s := settings{
		framesInFlight:           o.FramesInFlight,
		stagingSize:              o.StagingSize,
		flushThreshold:           o.FlushThreshold,
		flushThresholdPrimitives: o.FlushThresholdPrimitives,
	}

	if s.framesInFlight == 0 {
		s.framesInFlight = defaultFramesInFlight
	}
	if s.stagingSize == 0 {
		s.stagingSize = defaultStagingSize
	}

	if s.framesInFlight < 1 || s.stagingSize < 0 || s.flushThreshold < 0 {
		return s, errors.Wrapf(memutils.ErrInvalidArgument,
			"invalid residency options: %d frames in flight, %d byte staging buffer, %d byte flush threshold",
			s.framesInFlight, s.stagingSize, s.flushThreshold)
	}

	s.stagingSize = stagingRegionSize(s.stagingSize, s.framesInFlight) * s.framesInFlight

	if s.flushThreshold == 0 {
		s.flushThreshold = int(min(maxFlushThreshold, 3*int64(s.stagingSize)))
	}
	if s.flushThresholdPrimitives == 0 {
		s.flushThresholdPrimitives = defaultFlushThresholdPrimitives
	}

	return s, nil
}
