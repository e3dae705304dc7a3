package heap_test

import (
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/brkheap"
	"github.com/vkngwrapper/brkheap/heap"
	"github.com/vkngwrapper/brkheap/region"
	"golang.org/x/exp/slog"
)

func readyHeap(t require.TestingT, capacity int, options heap.CreateOptions) (*heap.Heap, *region.MemoryRegion) {
	mem := region.NewMemoryRegion(capacity)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	h, err := heap.New(logger, mem, options)
	require.NoError(t, err)

	return h, mem
}

func allocate(t *testing.T, h *heap.Heap, size int) heap.Pointer {
	ptr, err := h.Allocate(size)
	require.NoError(t, err)
	require.NotEqual(t, heap.Null, ptr)
	require.NoError(t, h.Validate())
	return ptr
}

func deallocate(t *testing.T, h *heap.Heap, ptr heap.Pointer) {
	require.NoError(t, h.Deallocate(ptr))
	require.NoError(t, h.Validate())
}

func TestHeapSizeRounding(t *testing.T) {
	testCases := []struct {
		requested int
		usable    int
	}{
		{requested: 0, usable: 0},
		{requested: 1, usable: 8},
		{requested: 7, usable: 8},
		{requested: 8, usable: 8},
		{requested: 9, usable: 16},
		{requested: 15, usable: 16},
		{requested: 16, usable: 16},
		{requested: 100, usable: 104},
		{requested: 4095, usable: 4096},
	}

	h, _ := readyHeap(t, 1<<16, heap.CreateOptions{})

	for _, testCase := range testCases {
		ptr := allocate(t, h, testCase.requested)

		usable, err := h.UsableSize(ptr)
		require.NoError(t, err)
		require.Equal(t, testCase.usable, usable, "requested %d", testCase.requested)
		require.GreaterOrEqual(t, usable, testCase.requested)

		mem, err := h.Bytes(ptr)
		require.NoError(t, err)
		require.Len(t, mem, testCase.usable)
	}
}

func TestHeapFirstAllocationGrowsRegion(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})
	require.True(t, h.IsEmpty())
	require.Equal(t, 0, h.Base())

	ptr := allocate(t, h, 20)
	require.Equal(t, heap.Pointer(heap.HeaderSize), ptr)
	require.Equal(t, heap.HeaderSize+24, mem.Top())
	require.False(t, h.IsEmpty())
	require.Equal(t, 1, h.AllocationCount())

	second := allocate(t, h, 8)
	require.Equal(t, ptr+24+heap.Pointer(heap.HeaderSize), second)
	require.Equal(t, 2*heap.HeaderSize+32, mem.Top())
}

func TestHeapAlignsUnalignedBase(t *testing.T) {
	mem := region.NewMemoryRegion(1024)
	_, err := mem.Extend(3)
	require.NoError(t, err)

	h, err := heap.New(nil, mem, heap.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, 8, h.Base())
	require.Equal(t, 8, mem.Top())

	ptr := allocate(t, h, 8)
	require.Equal(t, heap.Pointer(8+heap.HeaderSize), ptr)
}

func TestHeapNoOverlap(t *testing.T) {
	h, _ := readyHeap(t, 1<<20, heap.CreateOptions{})
	r := rand.New(rand.NewSource(1))

	type live struct {
		ptr     heap.Pointer
		size    int
		pattern byte
	}
	var allocations []live

	for i := 0; i < 500; i++ {
		if len(allocations) > 0 && r.Intn(3) == 0 {
			index := r.Intn(len(allocations))
			deallocate(t, h, allocations[index].ptr)
			allocations = append(allocations[:index], allocations[index+1:]...)
			continue
		}

		size := r.Intn(300)
		ptr := allocate(t, h, size)
		mem, err := h.Bytes(ptr)
		require.NoError(t, err)

		pattern := byte(i)
		for j := range mem {
			mem[j] = pattern
		}
		allocations = append(allocations, live{ptr: ptr, size: len(mem), pattern: pattern})
	}

	for i, first := range allocations {
		for _, second := range allocations[i+1:] {
			firstEnd := first.ptr + heap.Pointer(first.size)
			secondEnd := second.ptr + heap.Pointer(second.size)
			overlap := first.ptr < secondEnd && second.ptr < firstEnd
			require.False(t, overlap, "allocations at %d and %d overlap", first.ptr, second.ptr)
		}

		mem, err := h.Bytes(first.ptr)
		require.NoError(t, err)
		for _, b := range mem {
			require.Equal(t, first.pattern, b)
		}
	}

	for _, allocation := range allocations {
		deallocate(t, h, allocation.ptr)
	}

	require.True(t, h.IsEmpty())
	require.Equal(t, 0, h.Top())
}

func TestHeapExactFitReuse(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})

	first := allocate(t, h, 24)
	guard := allocate(t, h, 8)
	top := mem.Top()

	deallocate(t, h, first)
	require.Equal(t, top, mem.Top())
	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, 24, h.SumFreeSize())

	second := allocate(t, h, 24)
	require.Equal(t, first, second)
	require.Equal(t, top, mem.Top())
	require.Equal(t, 0, h.FreeRegionsCount())

	deallocate(t, h, second)
	deallocate(t, h, guard)
	require.True(t, h.IsEmpty())
}

func TestHeapSplitReuse(t *testing.T) {
	h, mem := readyHeap(t, 4096, heap.CreateOptions{})

	large := allocate(t, h, 400)
	guard := allocate(t, h, 8)
	top := mem.Top()

	deallocate(t, h, large)

	small := allocate(t, h, 40)
	require.Equal(t, large, small)
	require.Equal(t, top, mem.Top())
	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, 400-40-heap.HeaderSize, h.SumFreeSize())

	remainder := allocate(t, h, 400-40-heap.HeaderSize)
	require.Equal(t, small+40+heap.Pointer(heap.HeaderSize), remainder)
	require.Equal(t, top, mem.Top())
	require.Equal(t, 0, h.FreeRegionsCount())

	deallocate(t, h, small)
	deallocate(t, h, remainder)
	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, 400, h.SumFreeSize())

	deallocate(t, h, guard)
	require.True(t, h.IsEmpty())
	require.Equal(t, 0, mem.Top())
}

func TestHeapCoalesceThreeAdjacent(t *testing.T) {
	h, mem := readyHeap(t, 4096, heap.CreateOptions{})

	a := allocate(t, h, 64)
	b := allocate(t, h, 64)
	c := allocate(t, h, 64)
	guard := allocate(t, h, 8)
	top := mem.Top()

	deallocate(t, h, a)
	deallocate(t, h, b)
	deallocate(t, h, c)

	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, 3*64+2*heap.HeaderSize, h.SumFreeSize())

	merged := allocate(t, h, 3*64+2*heap.HeaderSize)
	require.Equal(t, a, merged)
	require.Equal(t, top, mem.Top())

	deallocate(t, h, merged)
	deallocate(t, h, guard)
	require.True(t, h.IsEmpty())
}

func TestHeapCoalesceOutOfOrder(t *testing.T) {
	h, _ := readyHeap(t, 4096, heap.CreateOptions{})

	ptrs := make([]heap.Pointer, 5)
	for i := range ptrs {
		ptrs[i] = allocate(t, h, 32)
	}
	guard := allocate(t, h, 8)

	for _, index := range []int{3, 1, 4, 0} {
		deallocate(t, h, ptrs[index])
	}
	require.Equal(t, 2, h.FreeRegionsCount())

	deallocate(t, h, ptrs[2])
	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, 5*32+4*heap.HeaderSize, h.SumFreeSize())

	deallocate(t, h, guard)
	require.True(t, h.IsEmpty())
}

func TestHeapShrinksRegion(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})
	before := h.Top()

	ptr := allocate(t, h, 100)
	require.Greater(t, h.Top(), before)

	deallocate(t, h, ptr)
	require.Equal(t, before, h.Top())
	require.Equal(t, before, mem.Top())
	require.True(t, h.IsEmpty())
}

func TestHeapShrinksToPredecessor(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})

	a := allocate(t, h, 16)
	topAfterA := mem.Top()
	b := allocate(t, h, 64)

	deallocate(t, h, b)
	require.Equal(t, topAfterA, mem.Top())
	require.Equal(t, 1, h.AllocationCount())
	require.Equal(t, 0, h.FreeRegionsCount())

	deallocate(t, h, a)
	require.Equal(t, 0, mem.Top())
	require.True(t, h.IsEmpty())
}

func TestHeapShrinksMergedTail(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})

	a := allocate(t, h, 16)
	topAfterA := mem.Top()
	b := allocate(t, h, 64)
	c := allocate(t, h, 64)

	deallocate(t, h, b)
	require.Equal(t, 1, h.FreeRegionsCount())

	deallocate(t, h, c)
	require.Equal(t, topAfterA, mem.Top())
	require.Equal(t, 0, h.FreeRegionsCount())

	deallocate(t, h, a)
	require.True(t, h.IsEmpty())
}

func TestHeapNullDeallocate(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})

	require.NoError(t, h.Deallocate(heap.Null))
	require.True(t, h.IsEmpty())
	require.Equal(t, 0, mem.Top())

	a := allocate(t, h, 16)
	b := allocate(t, h, 16)
	deallocate(t, h, a)

	before := h.BuildStatsString(true)
	require.NoError(t, h.Deallocate(heap.Null))
	require.Equal(t, before, h.BuildStatsString(true))
	require.NoError(t, h.Validate())

	deallocate(t, h, b)
}

func TestHeapUsableFitGap(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})

	hole := allocate(t, h, 40)
	guard := allocate(t, h, 8)
	deallocate(t, h, hole)
	top := mem.Top()

	// 40 free bytes are enough for 16 raw bytes, but not for 16 bytes plus a header
	ptr := allocate(t, h, 16)
	require.NotEqual(t, hole, ptr)
	require.Equal(t, top+16+heap.HeaderSize, mem.Top())
	require.Equal(t, 1, h.FreeRegionsCount())

	reused := allocate(t, h, 40)
	require.Equal(t, hole, reused)

	deallocate(t, h, reused)
	deallocate(t, h, guard)
	deallocate(t, h, ptr)
	require.True(t, h.IsEmpty())
}

func TestHeapFirstFitInAddressOrder(t *testing.T) {
	h, mem := readyHeap(t, 4096, heap.CreateOptions{})

	low := allocate(t, h, 256)
	guard1 := allocate(t, h, 8)
	high := allocate(t, h, 64)
	guard2 := allocate(t, h, 8)

	// The higher block is an exact fit, but the lower one is found first and split
	deallocate(t, h, high)
	deallocate(t, h, low)
	top := mem.Top()

	ptr := allocate(t, h, 64)
	require.Equal(t, low, ptr)
	require.Equal(t, top, mem.Top())
	require.Equal(t, 2, h.FreeRegionsCount())

	next := allocate(t, h, 64)
	require.Equal(t, ptr+64+heap.Pointer(heap.HeaderSize), next)
	require.Equal(t, top, mem.Top())

	for _, p := range []heap.Pointer{guard1, guard2, ptr, next} {
		deallocate(t, h, p)
	}
	require.True(t, h.IsEmpty())
}

func TestHeapExactFitBeforeLaterSplit(t *testing.T) {
	h, _ := readyHeap(t, 4096, heap.CreateOptions{})

	exact := allocate(t, h, 64)
	guard1 := allocate(t, h, 8)
	large := allocate(t, h, 512)
	guard2 := allocate(t, h, 8)

	deallocate(t, h, large)
	deallocate(t, h, exact)

	ptr := allocate(t, h, 64)
	require.Equal(t, exact, ptr)

	for _, p := range []heap.Pointer{guard1, guard2, ptr} {
		deallocate(t, h, p)
	}
	require.True(t, h.IsEmpty())
}

func TestHeapFragmentationNonRegression(t *testing.T) {
	h, mem := readyHeap(t, 1<<16, heap.CreateOptions{})

	arena := allocate(t, h, 2048)
	guard := allocate(t, h, 8)
	deallocate(t, h, arena)
	top := mem.Top()

	freeBefore := h.SumFreeSize()
	require.Equal(t, 2048, freeBefore)

	r := rand.New(rand.NewSource(7))
	var live []heap.Pointer
	for i := 0; i < 200; i++ {
		if len(live) > 0 && r.Intn(2) == 0 {
			index := r.Intn(len(live))
			deallocate(t, h, live[index])
			live = append(live[:index], live[index+1:]...)
			continue
		}

		ptr, err := h.Allocate(r.Intn(120))
		require.NoError(t, err)
		live = append(live, ptr)
	}

	for _, ptr := range live {
		deallocate(t, h, ptr)
	}

	require.Equal(t, freeBefore, h.SumFreeSize())
	require.Equal(t, 1, h.FreeRegionsCount())
	require.GreaterOrEqual(t, mem.Top(), top)

	deallocate(t, h, guard)
	require.True(t, h.IsEmpty())
}

func TestHeapZeroSizeAllocations(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})

	a := allocate(t, h, 0)
	b := allocate(t, h, 0)
	require.NotEqual(t, a, b)
	require.Equal(t, 2*heap.HeaderSize, mem.Top())

	deallocate(t, h, a)
	c := allocate(t, h, 0)
	require.Equal(t, a, c)

	deallocate(t, h, b)
	deallocate(t, h, c)
	require.True(t, h.IsEmpty())
}

func TestHeapClear(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{})

	a := allocate(t, h, 16)
	allocate(t, h, 32)
	allocate(t, h, 64)

	require.NoError(t, h.Clear())
	require.NoError(t, h.Validate())
	require.True(t, h.IsEmpty())
	require.Equal(t, 0, mem.Top())
	require.Equal(t, 0, h.AllocationCount())

	_, err := h.UsableSize(a)
	require.ErrorIs(t, err, brkheap.ErrInvalidPointer)

	again := allocate(t, h, 16)
	require.Equal(t, a, again)

	require.NoError(t, h.Clear())
	require.NoError(t, h.Clear())
}

func TestHeapVisitAllBlocks(t *testing.T) {
	h, _ := readyHeap(t, 1024, heap.CreateOptions{})

	a := allocate(t, h, 16)
	b := allocate(t, h, 24)
	c := allocate(t, h, 8)
	deallocate(t, h, b)

	type visited struct {
		ptr  heap.Pointer
		size int
		free bool
	}
	var blocks []visited
	err := h.VisitAllBlocks(func(ptr heap.Pointer, size int, free bool) error {
		blocks = append(blocks, visited{ptr: ptr, size: size, free: free})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []visited{
		{ptr: a, size: 16, free: false},
		{ptr: b, size: 24, free: true},
		{ptr: c, size: 8, free: false},
	}, blocks)

	stop := brkheap.ErrInvalidSize
	count := 0
	err = h.VisitAllBlocks(func(ptr heap.Pointer, size int, free bool) error {
		count++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, count)
}

func TestHeapConcurrentUse(t *testing.T) {
	h, mem := readyHeap(t, 1<<20, heap.CreateOptions{})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			r := rand.New(rand.NewSource(seed))
			var live []heap.Pointer
			for i := 0; i < 200; i++ {
				if len(live) > 0 && r.Intn(2) == 0 {
					index := r.Intn(len(live))
					if err := h.Deallocate(live[index]); err != nil {
						t.Error(err)
						return
					}
					live = append(live[:index], live[index+1:]...)
					continue
				}

				ptr, err := h.Allocate(r.Intn(128))
				if err != nil {
					t.Error(err)
					return
				}
				live = append(live, ptr)
			}

			for _, ptr := range live {
				if err := h.Deallocate(ptr); err != nil {
					t.Error(err)
					return
				}
			}
		}(int64(worker))
	}
	wg.Wait()

	require.NoError(t, h.Validate())
	require.True(t, h.IsEmpty())
	require.Equal(t, 0, mem.Top())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", heap.CreateFlags(0).String())
	require.Equal(t, "CreateExternallySynchronized", heap.CreateExternallySynchronized.String())
	require.Equal(t, "CreateExternallySynchronized|Unknown", (heap.CreateExternallySynchronized | 2).String())
}

func TestHeapExternallySynchronized(t *testing.T) {
	h, mem := readyHeap(t, 1024, heap.CreateOptions{Flags: heap.CreateExternallySynchronized})

	a := allocate(t, h, 16)
	b := allocate(t, h, 16)
	deallocate(t, h, b)
	deallocate(t, h, a)

	require.True(t, h.IsEmpty())
	require.Equal(t, 0, mem.Top())
}

func TestNewRequiresRegion(t *testing.T) {
	_, err := heap.New(nil, nil, heap.CreateOptions{})
	require.Error(t, err)
}
