package residency

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
)

const (
	// FrameConstantsSize is the size of one frame's constants in the device constants buffer
	FrameConstantsSize = 384
	// MaxAppDataSize is the largest per-frame application payload
	MaxAppDataSize = 368
	// MaxSwapchains is the largest number of swapchains a single submission may present
	MaxSwapchains = 16
)

// FrameConstants is the per-frame block shaders read from the device constants buffer. It is
// encoded little endian, with no padding.
type FrameConstants struct {
	FrameID uint32
	// Time and DeltaTime are in seconds
	Time           float32
	DeltaTime      float32
	SwapchainCount uint32
	AppData        [MaxAppDataSize]byte
}

func newFrameConstants(frameID uint64, info *SubmitInfo) FrameConstants {
	constants := FrameConstants{
		FrameID:        uint32(frameID),
		Time:           float32(info.Time.Seconds()),
		DeltaTime:      float32(info.DeltaTime.Seconds()),
		SwapchainCount: uint32(len(info.Swapchains)),
	}
	copy(constants.AppData[:], info.AppData)

	return constants
}

// Encode writes the constants into dst, which must hold at least FrameConstantsSize bytes
func (c *FrameConstants) Encode(dst []byte) error {
	if len(dst) < FrameConstantsSize {
		return errors.Wrapf(memutils.ErrInvalidArgument, "frame constants need %d bytes, got %d", FrameConstantsSize, len(dst))
	}

	_, err := binary.Encode(dst, binary.LittleEndian, c)
	return err
}

// DecodeFrameConstants reads constants written by FrameConstants.Encode
func DecodeFrameConstants(src []byte) (FrameConstants, error) {
	var constants FrameConstants
	_, err := binary.Decode(src, binary.LittleEndian, &constants)
	if err != nil {
		return constants, errors.Wrap(err, "decoding frame constants")
	}

	return constants, nil
}
