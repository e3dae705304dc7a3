package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkheap"
	"golang.org/x/exp/slog"
)

// coalesce walks the whole list once, merging every run of adjacent free blocks into the first
// block of the run. The cursor only advances when its block could not absorb its successor, so a
// run of any length collapses in a single pass.
func (h *Heap) coalesce() {
	offset := h.head
	for offset != noBlock {
		block := h.header(offset)
		if block.next == noBlock {
			return
		}

		next := h.header(block.next)
		if block.IsFree() && next.IsFree() {
			h.absorbNext(offset, block, next)
			continue
		}

		offset = block.next
	}
}

// absorbNext merges the free block that follows block into it
func (h *Heap) absorbNext(offset int64, block *blockHeader, next *blockHeader) {
	if !block.IsFree() || !next.IsFree() || next.prev != offset {
		panic("cannot merge blocks that are not adjacent free blocks")
	}

	block.size += uint64(HeaderSize) + next.size
	block.next = next.next
	if block.next != noBlock {
		h.header(block.next).prev = offset
	} else {
		h.tail = offset
	}
	next.erase()

	h.freeCount--
	h.freeBytes += HeaderSize
}

// releaseTail hands the last block back to the region if it is free. Every block lies below the
// last one, so its header offset becomes the new top.
func (h *Heap) releaseTail() error {
	if h.tail == noBlock {
		return nil
	}

	offset := h.tail
	block := h.header(offset)
	if !block.IsFree() {
		return nil
	}

	released := *block
	block.erase()

	err := h.region.Shrink(int(offset))
	if err != nil {
		*block = released
		h.logger.Error("could not release the free block at the top of the heap",
			slog.Int64("Offset", offset),
			slog.Int("Size", released.Size()),
			slog.Any("error", err),
		)
		return errors.Mark(errors.Wrapf(err, "shrinking the region to offset %d", offset), brkheap.ErrRegionShrinkFailure)
	}

	if released.prev != noBlock {
		h.header(released.prev).next = noBlock
		h.tail = released.prev
	} else {
		h.head = noBlock
		h.tail = noBlock
	}

	h.freeCount--
	h.freeBytes -= released.Size()

	h.logger.Debug("Heap::releaseTail", slog.Int64("Offset", offset), slog.Int("Size", released.Size()), slog.Int64("Top", offset))

	return nil
}
