// Package memcore holds the plumbing shared by the kernel's allocators:
// alignment arithmetic, error sentinels, statistics types, and the debug
// validation hooks.
package memcore

import (
	cerrors "github.com/cockroachdb/errors"
)

// Number covers the integer types used for sizes and physical addresses.
type Number interface {
	~int | ~uint | ~int64 | ~uint64
}

// CheckPow2 returns an error when number is not a power of two. name
// identifies the value in the error message.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be
// a power of two.
func AlignUp[T Number](value, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to a multiple of alignment, which must be a
// power of two.
func AlignDown[T Number](value, alignment T) T {
	return value &^ (alignment - 1)
}
