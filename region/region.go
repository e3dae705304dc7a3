package region

import "github.com/cockroachdb/errors"

//go:generate mockgen -source=region.go -destination=mocks/region.go -package=mocks

var (
	// ErrRegionExhausted is returned from Extend when the region cannot grow any further
	ErrRegionExhausted error = errors.New("region cannot be extended")
	// ErrInvalidTop is returned from Shrink when the requested top lies outside of the region
	ErrInvalidTop error = errors.New("requested top is outside of the region")
	// ErrUnsupported is returned from constructors of regions that the current platform cannot back
	ErrUnsupported error = errors.New("region type is not supported on this platform")
)

// Region is a single contiguous span of memory whose upper boundary (the "top", or program break)
// can be moved up and down. Offsets are measured from the start of the region, so the region's
// lowest byte is always at offset 0.
type Region interface {
	// Extend grows the region by delta bytes and returns the previous top, which is the offset
	// where the new space begins. A delta of 0 returns the current top without changing anything.
	Extend(delta int) (int, error)
	// Shrink moves the top of the region down to newTop, releasing everything above it.
	Shrink(newTop int) error
	// Top returns the current top of the region
	Top() int
	// Bytes returns the memory between offset 0 and the current top. The returned slice remains
	// valid until the next call to Shrink.
	Bytes() []byte
}
