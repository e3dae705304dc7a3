package region

import "github.com/cockroachdb/errors"

// MemoryRegion is a Region backed by a Go byte slice. The backing array is allocated once at
// its full capacity so that slices returned from Bytes never move as the region grows.
type MemoryRegion struct {
	buf []byte
	top int
}

var _ Region = &MemoryRegion{}

func NewMemoryRegion(capacity int) *MemoryRegion {
	if capacity < 0 {
		capacity = 0
	}

	return &MemoryRegion{
		buf: make([]byte, capacity),
	}
}

// Capacity returns the largest top this region can ever reach
func (r *MemoryRegion) Capacity() int {
	return len(r.buf)
}

func (r *MemoryRegion) Extend(delta int) (int, error) {
	if delta < 0 {
		return r.top, errors.Newf("cannot extend a region by a negative amount: %d", delta)
	}

	if delta > len(r.buf)-r.top {
		return r.top, errors.Wrapf(ErrRegionExhausted, "requested %d bytes with %d of %d bytes in use", delta, r.top, len(r.buf))
	}

	oldTop := r.top
	r.top += delta

	return oldTop, nil
}

func (r *MemoryRegion) Shrink(newTop int) error {
	if newTop < 0 || newTop > r.top {
		return errors.Wrapf(ErrInvalidTop, "requested top %d with current top %d", newTop, r.top)
	}

	// Released memory is handed out zeroed again, the same way a fresh break would be
	released := r.buf[newTop:r.top]
	for i := range released {
		released[i] = 0
	}
	r.top = newTop

	return nil
}

func (r *MemoryRegion) Top() int {
	return r.top
}

func (r *MemoryRegion) Bytes() []byte {
	return r.buf[:r.top:r.top]
}
