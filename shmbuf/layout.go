package shmbuf

import (
	"sync/atomic"
	"unsafe"
)

const cacheLineSize = 64

// buffer_info layout inside the main segment. Little-endian, natural
// alignment, cache-line padding between the pieces different roles write.
// This is a cross-process ABI: producer and consumer builds must agree
// byte-for-byte.
//
//	0x000 ring head (u64, producer-owned)
//	0x040 ring tail (u64, consumer-owned)
//	0x080 allocated_size u64
//	0x088 capacity u64
//	0x090 elem_size u64
//	0x098 last_processed_id u64
//	0x0A0 dropped_ranges[5]{begin u64, end u64}
//	0x0F0 dropped_ranges_next u64
//	0x0F8 dropped_ranges_lock u32 (padded)
//	0x100 subbuffers_no u64
//	0x140 destroyed u32 (cache-line aligned)
//	0x180 monitor_attached u32 (cache-line aligned)
//	0x1C0 data[(capacity+1) * elem_size]
const (
	ringHeadOffset        = 0
	ringTailOffset        = cacheLineSize
	allocatedSizeOffset   = 2 * cacheLineSize
	capacityOffset        = allocatedSizeOffset + 8
	elemSizeOffset        = capacityOffset + 8
	lastProcessedOffset   = elemSizeOffset + 8
	droppedRangesOffset   = lastProcessedOffset + 8
	droppedRangesNum      = 5
	droppedRangeSize      = 16
	droppedNextOffset     = droppedRangesOffset + droppedRangesNum*droppedRangeSize
	droppedLockOffset     = droppedNextOffset + 8
	subBuffersNoOffset    = 4 * cacheLineSize
	destroyedOffset       = 5 * cacheLineSize
	monitorAttachedOffset = 6 * cacheLineSize
	bufferInfoSize        = 7 * cacheLineSize
)

// Auxiliary segment header. data[] follows at auxHeaderSize.
//
//	0x00 size u64  (usable bytes, excluding this header)
//	0x08 head u64
//	0x10 idx u64
//	0x18 first_event_id u64 (0 = unused so far)
//	0x20 last_event_id u64  (MaxUint64 = open-ended)
//	0x28 reusable u32 (padded)
const (
	auxSizeOffset     = 0
	auxHeadOffset     = 8
	auxIdxOffset      = 16
	auxFirstIDOffset  = 24
	auxLastIDOffset   = 32
	auxReusableOffset = 40
	auxHeaderSize     = 48
)

func u64ptr(mem []byte, off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[off]))
}

func u32ptr(mem []byte, off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// infoView is a typed view of buffer_info over the mapped segment. The
// mapping is page-aligned, so every field offset is naturally aligned for
// atomic access.
type infoView struct {
	mem []byte
}

func (v infoView) allocatedSize() uint64 { return *u64ptr(v.mem, allocatedSizeOffset) }
func (v infoView) capacity() uint64      { return *u64ptr(v.mem, capacityOffset) }
func (v infoView) elemSize() uint64      { return *u64ptr(v.mem, elemSizeOffset) }

func (v infoView) setAllocatedSize(n uint64) { *u64ptr(v.mem, allocatedSizeOffset) = n }
func (v infoView) setCapacity(n uint64)      { *u64ptr(v.mem, capacityOffset) = n }
func (v infoView) setElemSize(n uint64)      { *u64ptr(v.mem, elemSizeOffset) = n }

// last_processed_id is written by the reader and read by the writer for aux
// garbage collection. Staleness is acceptable, ordering is not needed beyond
// atomicity.
func (v infoView) lastProcessedID() uint64 {
	return atomic.LoadUint64(u64ptr(v.mem, lastProcessedOffset))
}

func (v infoView) setLastProcessedID(id uint64) {
	atomic.StoreUint64(u64ptr(v.mem, lastProcessedOffset), id)
}

func (v infoView) destroyed() bool {
	return atomic.LoadUint32(u32ptr(v.mem, destroyedOffset)) != 0
}

func (v infoView) setDestroyed() {
	atomic.StoreUint32(u32ptr(v.mem, destroyedOffset), 1)
}

func (v infoView) monitorAttached() bool {
	return atomic.LoadUint32(u32ptr(v.mem, monitorAttachedOffset)) != 0
}

func (v infoView) setMonitorAttached(val bool) {
	var n uint32
	if val {
		n = 1
	}
	atomic.StoreUint32(u32ptr(v.mem, monitorAttachedOffset), n)
}

func (v infoView) subBuffersNo() uint64 {
	return atomic.LoadUint64(u64ptr(v.mem, subBuffersNoOffset))
}

func (v infoView) incSubBuffersNo() uint64 {
	return atomic.AddUint64(u64ptr(v.mem, subBuffersNoOffset), 1)
}

func (v infoView) droppedNext() uint64 { return *u64ptr(v.mem, droppedNextOffset) }

func (v infoView) setDroppedNext(n uint64) { *u64ptr(v.mem, droppedNextOffset) = n }

func (v infoView) droppedRange(i int) (begin, end uint64) {
	off := uintptr(droppedRangesOffset + i*droppedRangeSize)
	return *u64ptr(v.mem, off), *u64ptr(v.mem, off+8)
}

func (v infoView) setDroppedRange(i int, begin, end uint64) {
	off := uintptr(droppedRangesOffset + i*droppedRangeSize)
	*u64ptr(v.mem, off) = begin
	*u64ptr(v.mem, off+8) = end
}

func (v infoView) setDroppedEnd(i int, end uint64) {
	off := uintptr(droppedRangesOffset + i*droppedRangeSize)
	*u64ptr(v.mem, off+8) = end
}

func (v infoView) lockWord() *uint32 {
	return u32ptr(v.mem, droppedLockOffset)
}

func (v infoView) data() []byte {
	return v.mem[bufferInfoSize:]
}
