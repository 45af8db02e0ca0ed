package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type accepted by the alignment helpers
type Number interface {
	constraints.Integer
}

// CheckPow2 returns PowerOfTwoError, annotated with the provided name, if number is not a power of two.
// Zero is treated as a power of two so that unset alignments pass.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return value & int(^(alignment - 1))
}

// MaxAlignment returns the larger of two alignments
func MaxAlignment(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}
