package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkheap"
)

var _ brkheap.Validatable = &Heap{}

// Validate performs internal consistency checks on the heap by walking every block. When the heap
// is functioning correctly, it should not be possible for this method to return an error.
func (h *Heap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.validate()
}

func (h *Heap) validate() error {
	top := int64(h.region.Top())

	if h.head == noBlock || h.tail == noBlock {
		if h.head != h.tail {
			return errors.Errorf("the heap has head %d but tail %d", h.head, h.tail)
		}
		if h.allocCount != 0 || h.freeCount != 0 || h.freeBytes != 0 || h.requestedBytes != 0 {
			return errors.New("the heap has no blocks but its counters are not zero")
		}
		if h.live.Count() != 0 {
			return errors.Errorf("the heap has no blocks but tracks %d live allocations", h.live.Count())
		}

		return nil
	}

	if top < h.base {
		return errors.Errorf("the region top %d is below the heap base %d", top, h.base)
	}

	if h.head != h.base {
		return errors.Errorf("the first block should begin at the heap base %d, but instead it begins at %d", h.base, h.head)
	}

	var allocCount, freeCount, freeBytes, requestedBytes int
	prev := noBlock
	prevFree := false
	expected := h.head

	for offset := h.head; offset != noBlock; {
		if offset != expected {
			return errors.Errorf("block at offset %d does not begin where the previous block ends (%d)", offset, expected)
		}

		if offset+int64(HeaderSize) > top {
			return errors.Errorf("block at offset %d has a header that extends past the region top %d", offset, top)
		}

		block := h.header(offset)
		if !block.IsValid() {
			return errors.Wrapf(brkheap.ErrCorruptHeader, "header at offset %d", offset)
		}

		if block.prev != prev {
			return errors.Errorf("block at offset %d lists %d as its previous block, but the reverse reference is broken", offset, block.prev)
		}

		if block.Size()%int(brkheap.Alignment) != 0 {
			return errors.Errorf("block at offset %d has size %d which is not a multiple of %d", offset, block.Size(), brkheap.Alignment)
		}

		if blockEnd(offset, block) > top {
			return errors.Errorf("block at offset %d extends past the region top %d", offset, top)
		}

		if block.IsFree() {
			if prevFree {
				return errors.Errorf("free block at offset %d follows another free block", offset)
			}

			freeCount++
			freeBytes += block.Size()
		} else {
			requested, ok := h.live.Get(payload(offset))
			if !ok {
				return errors.Errorf("block at offset %d is taken but is not a live allocation", offset)
			}
			if requested > block.Size() {
				return errors.Errorf("block at offset %d holds %d bytes but %d were requested", offset, block.Size(), requested)
			}

			allocCount++
			requestedBytes += requested
		}

		prev = offset
		prevFree = block.IsFree()
		expected = blockEnd(offset, block)
		offset = block.next
	}

	if prev != h.tail {
		return errors.Errorf("the last block is at offset %d but the heap tail is %d", prev, h.tail)
	}

	// Space above the last block may belong to another user of the region
	if expected > top {
		return errors.Errorf("the last block ends at %d but the region top is %d", expected, top)
	}

	if allocCount != h.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but the taken blocks only added up to %d", h.allocCount, allocCount)
	}

	if allocCount != h.live.Count() {
		return errors.Errorf("the heap tracks %d live allocations, but there are %d taken blocks", h.live.Count(), allocCount)
	}

	if freeCount != h.freeCount {
		return errors.Errorf("the free block count of the heap is %d, but there were only %d free blocks", h.freeCount, freeCount)
	}

	if freeBytes != h.freeBytes {
		return errors.Errorf("the free size of the heap is %d, but the free blocks only added up to %d", h.freeBytes, freeBytes)
	}

	if requestedBytes != h.requestedBytes {
		return errors.Errorf("the requested size of the heap is %d, but the live allocations only added up to %d", h.requestedBytes, requestedBytes)
	}

	return nil
}

// CheckCorruption walks every block and verifies that its header is still intact. It is cheaper
// than Validate but only detects headers that were overwritten.
func (h *Heap) CheckCorruption() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	top := int64(h.region.Top())
	for offset := h.head; offset != noBlock; {
		if offset < h.base || offset+int64(HeaderSize) > top {
			return errors.Wrapf(brkheap.ErrCorruptHeader, "block list points outside of the heap at offset %d", offset)
		}

		block := h.header(offset)
		if !block.IsValid() {
			return errors.Wrapf(brkheap.ErrCorruptHeader, "header at offset %d", offset)
		}

		if block.next != noBlock && block.next <= offset {
			return errors.Wrapf(brkheap.ErrCorruptHeader, "header at offset %d links backward to %d", offset, block.next)
		}

		offset = block.next
	}

	return nil
}
