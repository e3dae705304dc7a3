//go:build linux

package region

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkheap"
	"golang.org/x/sys/unix"
)

// MmapRegion is a Region backed by an anonymous private mapping. The whole address range is
// reserved up front without any access rights; Extend makes whole pages readable and writable
// as the top moves past them and Shrink hands pages back to the kernel as the top falls below them.
type MmapRegion struct {
	mem       []byte
	pageSize  int
	top       int
	committed int
}

var _ Region = &MmapRegion{}

// NewMmapRegion reserves reserve bytes of address space, rounded up to the page size
func NewMmapRegion(reserve int) (*MmapRegion, error) {
	pageSize := unix.Getpagesize()
	err := brkheap.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	if reserve <= 0 {
		return nil, errors.Newf("reservation must be positive: %d", reserve)
	}
	reserve = brkheap.AlignUp(reserve, uint(pageSize))

	mem, err := unix.Mmap(-1, 0, reserve, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap: failed to reserve %d bytes", reserve)
	}

	return &MmapRegion{
		mem:      mem,
		pageSize: pageSize,
	}, nil
}

// Capacity returns the largest top this region can ever reach
func (r *MmapRegion) Capacity() int {
	return len(r.mem)
}

func (r *MmapRegion) Extend(delta int) (int, error) {
	if r.mem == nil {
		return 0, errors.New("region has been closed")
	}
	if delta < 0 {
		return r.top, errors.Newf("cannot extend a region by a negative amount: %d", delta)
	}
	if delta > len(r.mem)-r.top {
		return r.top, errors.Wrapf(ErrRegionExhausted, "requested %d bytes with %d of %d bytes in use", delta, r.top, len(r.mem))
	}

	brkheap.DebugCheckPow2(r.pageSize, "page size")

	newTop := r.top + delta
	commitTop := brkheap.AlignUp(newTop, uint(r.pageSize))
	if commitTop > r.committed {
		err := unix.Mprotect(r.mem[r.committed:commitTop], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return r.top, errors.Mark(errors.Wrapf(err, "mprotect: failed to commit %d bytes", commitTop-r.committed), ErrRegionExhausted)
		}
		r.committed = commitTop
	}

	oldTop := r.top
	r.top = newTop
	return oldTop, nil
}

func (r *MmapRegion) Shrink(newTop int) error {
	if r.mem == nil {
		return errors.New("region has been closed")
	}
	if newTop < 0 || newTop > r.top {
		return errors.Wrapf(ErrInvalidTop, "requested top %d with current top %d", newTop, r.top)
	}

	brkheap.DebugCheckPow2(r.pageSize, "page size")

	keep := brkheap.AlignUp(newTop, uint(r.pageSize))
	if keep < r.committed {
		released := r.mem[keep:r.committed]
		err := unix.Madvise(released, unix.MADV_DONTNEED)
		if err != nil {
			return errors.Wrapf(err, "madvise: failed to release %d bytes", len(released))
		}

		err = unix.Mprotect(released, unix.PROT_NONE)
		if err != nil {
			return errors.Wrapf(err, "mprotect: failed to decommit %d bytes", len(released))
		}
		r.committed = keep
	}

	// The tail of the last kept page stays resident, so clear it by hand
	tailEnd := r.top
	if keep < tailEnd {
		tailEnd = keep
	}
	tail := r.mem[newTop:tailEnd]
	for i := range tail {
		tail[i] = 0
	}

	r.top = newTop
	return nil
}

func (r *MmapRegion) Top() int {
	return r.top
}

func (r *MmapRegion) Bytes() []byte {
	return r.mem[:r.top:r.top]
}

// Close unmaps the whole reservation. The region cannot be used afterward.
func (r *MmapRegion) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	if err != nil {
		return errors.Wrap(err, "munmap: failed to release region")
	}

	r.mem = nil
	r.top = 0
	r.committed = 0
	return nil
}
