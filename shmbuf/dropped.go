package shmbuf

import (
	"runtime"
	"sync/atomic"
)

// The dropped-range registry remembers up to five [begin, end] event-id
// ranges the producer discarded under back-pressure. It is best-effort:
// older drops are forgotten and the affected aux segments can then only be
// reclaimed through last_processed_id progress.
//
// The one-word spinlock is acceptable here: critical sections are O(5) fixed
// work shared by the producer's aux GC and any consumer scan.

// DroppedRange is one [Begin, End] span of discarded event ids.
type DroppedRange struct {
	Begin uint64
	End   uint64
}

func (v infoView) lockDroppedRanges() {
	l := v.lockWord()
	for {
		if atomic.LoadUint32(l) == 0 && atomic.CompareAndSwapUint32(l, 0, 1) {
			return
		}
		runtime.Gosched()
	}
}

func (v infoView) unlockDroppedRanges() {
	atomic.StoreUint32(v.lockWord(), 0)
}

// NotifyDropped records that events in [beginID, endID] were discarded. When
// the current slot already starts at beginID, or its end is one below its
// begin, the slot's end is set to endID in place; otherwise the cursor
// advances, overwriting the oldest remembered range. A zeroed slot meets
// neither test, so the first notification on a fresh buffer goes to slot 1.
func (b *Buffer) NotifyDropped(beginID, endID uint64) {
	info := b.info
	idx := int(info.droppedNext())
	begin, end := info.droppedRange(idx)
	if begin == beginID || end == begin-1 {
		info.lockDroppedRanges()
		info.setDroppedEnd(idx, endID)
		info.unlockDroppedRanges()
		droppedRangesTotal.Inc()
		return
	}

	idx++
	if idx == droppedRangesNum {
		idx = 0
	}
	info.setDroppedNext(uint64(idx))

	info.lockDroppedRanges()
	info.setDroppedRange(idx, beginID, endID)
	info.unlockDroppedRanges()
	droppedRangesTotal.Inc()
}

// DroppedRanges snapshots the non-empty slots of the registry.
func (b *Buffer) DroppedRanges() []DroppedRange {
	info := b.info
	out := make([]DroppedRange, 0, droppedRangesNum)
	info.lockDroppedRanges()
	for i := 0; i < droppedRangesNum; i++ {
		begin, end := info.droppedRange(i)
		if end == 0 {
			continue
		}
		out = append(out, DroppedRange{Begin: begin, End: end})
	}
	info.unlockDroppedRanges()
	return out
}

// rangeWasDropped reports whether [first, last] is entirely covered by one
// remembered range. Used by the aux GC to decide whether a segment's events
// can never be requested again.
func (b *Buffer) rangeWasDropped(first, last uint64) bool {
	info := b.info
	info.lockDroppedRanges()
	defer info.unlockDroppedRanges()
	for i := 0; i < droppedRangesNum; i++ {
		begin, end := info.droppedRange(i)
		if end == 0 {
			continue
		}
		if begin <= first && end >= last {
			return true
		}
	}
	return false
}
