//go:build !linux

package region

import "github.com/cockroachdb/errors"

// MmapRegion is only available on linux
type MmapRegion struct {
	MemoryRegion
}

// NewMmapRegion always fails on this platform
func NewMmapRegion(reserve int) (*MmapRegion, error) {
	return nil, errors.Wrap(ErrUnsupported, "mmap regions require linux")
}

func (r *MmapRegion) Close() error {
	return nil
}
