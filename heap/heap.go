package heap

import (
	"io"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/brkheap"
	"github.com/vkngwrapper/brkheap/internal/utils"
	"github.com/vkngwrapper/brkheap/region"
	"golang.org/x/exp/slog"
)

// Heap is a first-fit allocator that carves blocks out of a single growable region. Every block
// is described by a header stored in the region right before its payload, and the blocks form a
// doubly linked list in ascending address order. Allocation takes the first exact fit or the first
// block that can be split, and otherwise grows the region. Deallocation merges runs of free blocks
// and hands a free block at the top of the region back to it.
type Heap struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger
	flags  CreateFlags

	region region.Region
	base   int64
	head   int64
	tail   int64

	allocCount     int
	freeCount      int
	freeBytes      int
	requestedBytes int

	live *swiss.Map[Pointer, int]
}

// New creates a heap that manages everything above the current top of r. The heap assumes that
// nothing else grows r while it holds blocks.
func New(logger *slog.Logger, r region.Region, options CreateOptions) (*Heap, error) {
	if r == nil {
		return nil, errors.New("a region must be provided")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	base, err := r.Extend(0)
	if err != nil {
		return nil, errors.Wrap(err, "could not query the region top")
	}

	padding := brkheap.AlignUp(base, brkheap.Alignment) - base
	if padding > 0 {
		_, err = r.Extend(padding)
		if err != nil {
			return nil, errors.Wrap(err, "could not align the region top")
		}
		base += padding
	}

	h := &Heap{
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		logger: logger,
		flags:  options.Flags,
		region: r,
		base:   int64(base),
		head:   noBlock,
		tail:   noBlock,
		live:   swiss.NewMap[Pointer, int](42),
	}

	logger.Debug("Heap::New", slog.Int("Base", base), slog.String("Flags", options.Flags.String()))

	return h, nil
}

// unsynchronized lets the debug validation hooks run inside a locked operation
type unsynchronized struct {
	h *Heap
}

func (u unsynchronized) Validate() error {
	return u.h.validate()
}

func (h *Heap) header(offset int64) *blockHeader {
	mem := h.region.Bytes()
	_ = mem[offset+int64(HeaderSize)-1]
	return (*blockHeader)(unsafe.Pointer(&mem[offset]))
}

// Allocate reserves at least size bytes and returns a pointer to them. The usable capacity of the
// allocation is size rounded up to a multiple of brkheap.Alignment.
func (h *Heap) Allocate(size int) (Pointer, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	brkheap.DebugValidate(unsynchronized{h})

	if size < 0 {
		return Null, errors.Wrapf(brkheap.ErrInvalidSize, "requested %d bytes", size)
	}

	if size > math.MaxInt-HeaderSize-int(brkheap.Alignment) {
		return Null, errors.Wrapf(brkheap.ErrOutOfMemory, "requested %d bytes", size)
	}

	requested := size
	size = brkheap.RoundUpSize(size)

	for offset := h.head; offset != noBlock; {
		block := h.header(offset)

		if block.IsFree() {
			// Exact fit
			if block.Size() == size {
				block.MarkTaken()
				h.freeCount--
				h.freeBytes -= size
				return h.track(offset, requested), nil
			}

			// Room for the allocation plus a header for the remainder. Blocks between these two
			// sizes are skipped, since splitting them would leave a remainder without room for a header.
			if block.Size() >= size+HeaderSize {
				h.split(offset, block, size)
				return h.track(offset, requested), nil
			}
		}

		offset = block.next
	}

	return h.grow(size, requested)
}

func (h *Heap) track(offset int64, requested int) Pointer {
	ptr := payload(offset)
	h.allocCount++
	h.requestedBytes += requested
	h.live.Put(ptr, requested)
	return ptr
}

// split carves a taken block of size bytes from the front of a free block, leaving the rest as a
// new free block immediately after it
func (h *Heap) split(offset int64, block *blockHeader, size int) {
	remainderOffset := offset + int64(HeaderSize) + int64(size)
	remainder := h.header(remainderOffset)
	remainder.init(block.Size()-size-HeaderSize, block.next, offset, true)

	if block.next != noBlock {
		h.header(block.next).prev = remainderOffset
	} else {
		h.tail = remainderOffset
	}

	block.next = remainderOffset
	block.size = uint64(size)
	block.MarkTaken()

	h.freeBytes -= size + HeaderSize
}

// grow extends the region by one block and appends it to the list as a taken block
func (h *Heap) grow(size int, requested int) (Pointer, error) {
	delta := size + HeaderSize

	expected := h.base
	if h.tail != noBlock {
		expected = blockEnd(h.tail, h.header(h.tail))
	}

	base, err := h.region.Extend(delta)
	if err != nil {
		return Null, errors.Mark(errors.Wrapf(err, "growing the region by %d bytes", delta), brkheap.ErrOutOfMemory)
	}

	if int64(base) != expected {
		if h.head != noBlock {
			undoErr := h.region.Shrink(base)
			if undoErr != nil {
				h.logger.Error("could not undo region growth", slog.Int("Top", base), slog.Any("error", undoErr))
			}
			return Null, errors.Wrapf(brkheap.ErrRegionMismatch, "expected new space at offset %d, but the region returned %d", expected, base)
		}

		// No blocks means nothing to keep contiguous with, so start over from wherever the region is
		padding := brkheap.AlignUp(base, brkheap.Alignment) - base
		if padding > 0 {
			_, err = h.region.Extend(padding)
			if err != nil {
				undoErr := h.region.Shrink(base)
				if undoErr != nil {
					h.logger.Error("could not undo region growth", slog.Int("Top", base), slog.Any("error", undoErr))
				}
				return Null, errors.Mark(errors.Wrapf(err, "aligning the region top %d", base), brkheap.ErrOutOfMemory)
			}
			base += padding
		}

		h.base = int64(base)
	}

	offset := int64(base)
	block := h.header(offset)
	block.init(size, noBlock, h.tail, false)

	if h.tail != noBlock {
		h.header(h.tail).next = offset
	} else {
		h.head = offset
	}
	h.tail = offset

	h.logger.Debug("Heap::grow", slog.Int("Offset", base), slog.Int("Size", size), slog.Int("Top", base+delta))

	return h.track(offset, requested), nil
}

// Deallocate returns an allocation to the heap. Deallocating Null does nothing. Pointers that were
// not returned from Allocate, or that have already been deallocated, are rejected with an error and
// leave the heap untouched.
//
// If a free block ends up at the top of the region, it is released back to the region. When that
// fails the error is returned wrapping brkheap.ErrRegionShrinkFailure, but the deallocation itself
// has still taken place.
func (h *Heap) Deallocate(ptr Pointer) error {
	if ptr == Null {
		return nil
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	offset, block, err := h.liveBlock(ptr)
	if err != nil {
		return err
	}

	brkheap.DebugValidate(unsynchronized{h})

	requested, _ := h.live.Get(ptr)
	h.live.Delete(ptr)

	block.MarkFree()
	h.allocCount--
	h.requestedBytes -= requested
	h.freeCount++
	h.freeBytes += block.Size()

	h.logger.Debug("Heap::Deallocate", slog.Int64("Offset", offset), slog.Int("Size", block.Size()))

	h.coalesce()
	return h.releaseTail()
}

// liveBlock recovers the header in front of ptr after checking that it belongs to a live allocation
func (h *Heap) liveBlock(ptr Pointer) (int64, *blockHeader, error) {
	offset := headerOffset(ptr)
	top := int64(h.region.Top())

	if offset < h.base || int64(ptr) > top || (offset-h.base)%int64(brkheap.Alignment) != 0 {
		return 0, nil, errors.Wrapf(brkheap.ErrInvalidPointer, "pointer %d is outside of the heap [%d, %d)", ptr, h.base, top)
	}

	block := h.header(offset)

	if !h.live.Has(ptr) {
		if block.IsValid() && block.IsFree() {
			return 0, nil, errors.Wrapf(brkheap.ErrDoubleFree, "pointer %d", ptr)
		}

		return 0, nil, errors.Wrapf(brkheap.ErrInvalidPointer, "pointer %d is not a live allocation", ptr)
	}

	if !block.IsValid() || block.IsFree() {
		return 0, nil, errors.Wrapf(brkheap.ErrCorruptHeader, "header at offset %d", offset)
	}

	return offset, block, nil
}

// Bytes returns the payload of a live allocation. The slice's length is the allocation's usable
// size.
func (h *Heap) Bytes(ptr Pointer) ([]byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	_, block, err := h.liveBlock(ptr)
	if err != nil {
		return nil, err
	}

	end := int(ptr) + block.Size()
	return h.region.Bytes()[ptr:end:end], nil
}

// UsableSize returns the number of bytes that can be written to a live allocation
func (h *Heap) UsableSize(ptr Pointer) (int, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	_, block, err := h.liveBlock(ptr)
	if err != nil {
		return 0, err
	}

	return block.Size(), nil
}

// Clear forgets every block, live or free, and shrinks the region back down to the heap's base.
// Every pointer previously returned from Allocate becomes invalid.
func (h *Heap) Clear() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.head == noBlock {
		return nil
	}

	err := h.region.Shrink(int(h.base))
	if err != nil {
		h.logger.Error("could not release the heap", slog.Int64("Base", h.base), slog.Any("error", err))
		return errors.Mark(errors.Wrapf(err, "shrinking the region to offset %d", h.base), brkheap.ErrRegionShrinkFailure)
	}

	h.head = noBlock
	h.tail = noBlock
	h.allocCount = 0
	h.freeCount = 0
	h.freeBytes = 0
	h.requestedBytes = 0
	h.live = swiss.NewMap[Pointer, int](42)

	return nil
}

// Base returns the offset at which the heap's first block begins
func (h *Heap) Base() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return int(h.base)
}

// Top returns the current top of the underlying region
func (h *Heap) Top() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.region.Top()
}

// AllocationCount returns the number of live allocations
func (h *Heap) AllocationCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.allocCount
}

// FreeRegionsCount returns the number of free blocks still tracked by the heap
func (h *Heap) FreeRegionsCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.freeCount
}

// SumFreeSize returns the payload bytes of every free block still tracked by the heap
func (h *Heap) SumFreeSize() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.freeBytes
}

// IsEmpty returns true when the heap holds no blocks at all
func (h *Heap) IsEmpty() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.head == noBlock
}
