package memutils

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T constraints.Integer](value T, alignment uint) T {
	if alignment <= 1 {
		return value
	}
	mask := T(alignment) - 1
	return (value + mask) &^ mask
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T constraints.Integer](value T, alignment uint) T {
	if alignment <= 1 {
		return value
	}
	return value &^ (T(alignment) - 1)
}

// RoundUp rounds value up to the next multiple of unit, which does not need to be a power of two
func RoundUp[T constraints.Integer](value, unit T) T {
	if unit <= 0 {
		return value
	}
	return (value + unit - 1) / unit * unit
}

// ContextError converts a context failure into ErrTimedOut. The context's own error is attached as a
// secondary error, visible when the error is printed with %+v.
func ContextError(ctx context.Context, format string, args ...any) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	return cerrors.WithSecondaryError(cerrors.Wrapf(ErrTimedOut, format, args...), err)
}
