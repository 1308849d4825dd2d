package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64 | ~uintptr
}

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func CheckPageAligned[T Number](value T, pageSize T, name string) error {
	if value&(pageSize-1) != 0 {
		return cerrors.Wrapf(PageAlignmentError, "%s is 0x%x", name, value)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a
// power of two. An aligned value is returned unchanged.
func AlignUp(value uint64, alignment uint64) uint64 {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which
// must be a power of two. An aligned value is returned unchanged.
func AlignDown(value uint64, alignment uint64) uint64 {
	return value &^ (alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment, which must be
// a power of two.
func IsAligned(value uint64, alignment uint64) bool {
	return value&(alignment-1) == 0
}
