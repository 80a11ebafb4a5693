package memcore

import "github.com/pkg/errors"

// Sentinel errors shared by the allocators. Call sites annotate these with
// additional context; errors.Is still matches through the wrapping.
var (
	// ErrNotPowerOfTwo is returned from CheckPow2 or other methods if the number being tested is not a power of two
	ErrNotPowerOfTwo = errors.New("number must be a power of two")
	// ErrInvalidOrder is returned when an allocation or free names an order above the supported maximum
	ErrInvalidOrder = errors.New("order exceeds the maximum supported order")
	// ErrOutOfMemory is returned when no free block of sufficient size or order is available
	ErrOutOfMemory = errors.New("no free block of sufficient size is available")
	// ErrInvalidAddress is returned when a physical address lies outside the managed range or is
	// misaligned for its claimed order
	ErrInvalidAddress = errors.New("address is outside the managed range or misaligned for its order")
	// ErrInvalidPointer is returned when a heap pointer does not point just past a live block header
	ErrInvalidPointer = errors.New("pointer does not map to a live heap block")
	// ErrDoubleFree is returned when freeing a block that is already free
	ErrDoubleFree = errors.New("block is already free")
	// ErrInvalidSize is returned when an allocation requests zero or negative bytes
	ErrInvalidSize = errors.New("allocation size must be a positive number of bytes")
)
