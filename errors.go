package brkheap

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned from Allocate when the underlying region could not be grown
	// to fit the requested block
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrRegionShrinkFailure is returned from Deallocate when a free block at the top of the heap
	// could not be released back to the underlying region. The block remains tracked as a free
	// block and the release is retried on the next deallocation.
	ErrRegionShrinkFailure error = errors.New("could not shrink region")
	// ErrRegionMismatch is returned when the underlying region was grown by something other than
	// the heap, so that new space no longer begins where the heap's last block ends
	ErrRegionMismatch error = errors.New("region top moved outside of the heap")

	// ErrInvalidSize is returned from Allocate when the requested size is negative
	ErrInvalidSize error = errors.New("allocation size must not be negative")
	// ErrInvalidPointer is returned when a pointer does not identify a live allocation owned by
	// the heap
	ErrInvalidPointer error = errors.New("invalid pointer")
	// ErrDoubleFree is returned from Deallocate when the pointer identifies a block that is
	// already free
	ErrDoubleFree error = errors.New("pointer was already freed")
	// ErrCorruptHeader is returned when the block header in front of a live allocation has been
	// overwritten
	ErrCorruptHeader error = errors.New("block header is corrupt")
)
