package heap

import (
	"unsafe"

	"github.com/vkngwrapper/brkheap"
)

// Pointer is the offset of an allocation's first payload byte within the heap's region
type Pointer int

const (
	// Null is never returned from Allocate, and is ignored by Deallocate
	Null Pointer = 0

	noBlock int64 = -1

	flagFree uint32 = 1
)

// blockHeader is written into the region immediately before the payload it describes. The
// payload of a block begins HeaderSize bytes after the header, and the next header begins
// size bytes after that.
type blockHeader struct {
	size  uint64
	next  int64
	prev  int64
	flags uint32
	magic uint32
}

// HeaderSize is the number of bytes of metadata that precede every payload
const HeaderSize = int(unsafe.Sizeof(blockHeader{}))

func (b *blockHeader) IsFree() bool {
	return b.flags&flagFree != 0
}

func (b *blockHeader) MarkFree() {
	b.flags |= flagFree
}

func (b *blockHeader) MarkTaken() {
	b.flags &^= flagFree
}

func (b *blockHeader) Size() int {
	return int(b.size)
}

func (b *blockHeader) IsValid() bool {
	return b.magic == brkheap.HeaderMagic && b.flags&^flagFree == 0
}

func (b *blockHeader) init(size int, next, prev int64, free bool) {
	b.size = uint64(size)
	b.next = next
	b.prev = prev
	b.flags = 0
	if free {
		b.flags = flagFree
	}
	b.magic = brkheap.HeaderMagic
}

// erase wipes a header that no longer describes a block
func (b *blockHeader) erase() {
	*b = blockHeader{}
}

func payload(offset int64) Pointer {
	return Pointer(offset + int64(HeaderSize))
}

func headerOffset(ptr Pointer) int64 {
	return int64(ptr) - int64(HeaderSize)
}

func blockEnd(offset int64, b *blockHeader) int64 {
	return offset + int64(HeaderSize) + int64(b.size)
}
