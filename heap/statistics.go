package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkheap"
	"golang.org/x/exp/slog"
)

// VisitAllBlocks calls the provided callback once for each block in address order, free or taken.
// The callback receives the block's payload pointer and usable size. The heap is locked for the
// duration, so the callback must not call back into it.
func (h *Heap) VisitAllBlocks(handleBlock func(ptr Pointer, size int, free bool) error) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.visitAllBlocks(handleBlock)
}

func (h *Heap) visitAllBlocks(handleBlock func(ptr Pointer, size int, free bool) error) error {
	for offset := h.head; offset != noBlock; {
		block := h.header(offset)
		err := handleBlock(payload(offset), block.Size(), block.IsFree())
		if err != nil {
			return err
		}

		offset = block.next
	}

	return nil
}

// AddStatistics sums this heap's statistics into the provided brkheap.Statistics
func (h *Heap) AddStatistics(stats *brkheap.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.addStatistics(stats)
}

func (h *Heap) addStatistics(stats *brkheap.Statistics) {
	stats.BlockCount += h.allocCount + h.freeCount
	stats.AllocationCount += h.allocCount
	stats.RequestedBytes += h.requestedBytes

	if h.tail == noBlock {
		return
	}

	blockBytes := int(blockEnd(h.tail, h.header(h.tail)) - h.base)
	stats.BlockBytes += blockBytes
	stats.AllocationBytes += blockBytes - h.freeBytes - (h.allocCount+h.freeCount)*HeaderSize
}

// AddDetailedStatistics sums this heap's statistics, including size ranges, into the provided
// brkheap.DetailedStatistics
func (h *Heap) AddDetailedStatistics(stats *brkheap.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.addDetailedStatistics(stats)
}

func (h *Heap) addDetailedStatistics(stats *brkheap.DetailedStatistics) {
	stats.BlockCount += h.allocCount + h.freeCount
	stats.RequestedBytes += h.requestedBytes

	_ = h.visitAllBlocks(func(ptr Pointer, size int, free bool) error {
		stats.BlockBytes += HeaderSize + size

		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}

		return nil
	})
}

// BuildStatsString returns a JSON document describing the heap. When detailed is true, the
// document also lists every block.
func (h *Heap) BuildStatsString(detailed bool) string {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	objState.Name("Flags").String(h.flags.String())
	objState.Name("Base").Int(int(h.base))
	objState.Name("Top").Int(h.region.Top())
	objState.Name("HeaderSize").Int(HeaderSize)

	var stats brkheap.DetailedStatistics
	stats.Clear()
	h.addDetailedStatistics(&stats)

	totalObj := objState.Name("Total").Object()
	printStatistics(&totalObj, &stats)
	totalObj.End()

	if detailed {
		h.printDetailedMap(&objState)
	}

	objState.End()

	return string(writer.Bytes())
}

func printStatistics(json *jwriter.ObjectState, stats *brkheap.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("RequestedBytes").Int(stats.RequestedBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("UnusedBytes").Int(stats.UnusedBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

func (h *Heap) printDetailedMap(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = h.visitAllBlocks(func(ptr Pointer, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(headerOffset(ptr)))
		obj.Name("Pointer").Int(int(ptr))
		obj.Name("Size").Int(size)

		if free {
			obj.Name("Type").String("FREE")
			return nil
		}

		obj.Name("Type").String("TAKEN")
		requested, _ := h.live.Get(ptr)
		obj.Name("RequestedSize").Int(requested)

		return nil
	})
}

// DebugLogAllAllocations writes one debug record for every live allocation in the heap
func (h *Heap) DebugLogAllAllocations() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	_ = h.visitAllBlocks(func(ptr Pointer, size int, free bool) error {
		if free {
			return nil
		}

		requested, _ := h.live.Get(ptr)
		h.logger.Debug("live allocation",
			slog.Int("Pointer", int(ptr)),
			slog.Int("Size", size),
			slog.Int("RequestedSize", requested),
		)
		return nil
	})
}
