package shmbuf

import "sync/atomic"

// spscRing is a single-producer single-consumer ring of fixed-size slots
// whose indices live at fixed offsets inside the mapped buffer_info header,
// each on its own cache line. Slot count is the usable capacity plus one
// dummy slot, so head == tail is empty and head+1 == tail (mod slots) is
// full.
//
// The producer publishes slots with a release store on head; the consumer
// acquires head before touching slot bytes and publishes consumed slots with
// a release store on tail. Go's sync/atomic gives sequentially consistent
// ordering, which subsumes the acquire/release pairs the layout requires.
type spscRing struct {
	mem   []byte
	slots uint64
}

func (r spscRing) headPtr() *uint64 { return u64ptr(r.mem, ringHeadOffset) }
func (r spscRing) tailPtr() *uint64 { return u64ptr(r.mem, ringTailOffset) }

// init zeroes the indices. capacity is the usable capacity; the extra dummy
// slot is accounted for by the caller's allocation.
func (r *spscRing) init(capacity uint64) {
	r.slots = capacity + 1
	atomic.StoreUint64(r.headPtr(), 0)
	atomic.StoreUint64(r.tailPtr(), 0)
}

// size returns the occupancy (head - tail) mod slots.
func (r spscRing) size() uint64 {
	h := atomic.LoadUint64(r.headPtr())
	t := atomic.LoadUint64(r.tailPtr())
	return (h + r.slots - t) % r.slots
}

// writeOffNowrap returns the slot offset of head and the number of slots
// writable without crossing the physical wrap. n == 0 iff the ring is full.
func (r spscRing) writeOffNowrap() (off, n uint64) {
	h := atomic.LoadUint64(r.headPtr())
	t := atomic.LoadUint64(r.tailPtr())
	used := (h + r.slots - t) % r.slots
	free := r.slots - 1 - used
	n = r.slots - h
	if free < n {
		n = free
	}
	return h, n
}

// writeFinish publishes k written slots.
func (r spscRing) writeFinish(k uint64) {
	h := atomic.LoadUint64(r.headPtr())
	atomic.StoreUint64(r.headPtr(), (h+k)%r.slots)
}

// readOffNowrap returns the slot offset of tail and the number of slots
// readable without crossing the physical wrap. n == 0 iff the ring is empty.
func (r spscRing) readOffNowrap() (off, n uint64) {
	t := atomic.LoadUint64(r.tailPtr())
	h := atomic.LoadUint64(r.headPtr())
	used := (h + r.slots - t) % r.slots
	n = r.slots - t
	if used < n {
		n = used
	}
	return t, n
}

// consume releases k slots back to the producer. The caller must not pass
// more than the current occupancy.
func (r spscRing) consume(k uint64) {
	t := atomic.LoadUint64(r.tailPtr())
	atomic.StoreUint64(r.tailPtr(), (t+k)%r.slots)
}

// consumeUpTo releases at most k slots and returns how many were released.
func (r spscRing) consumeUpTo(k uint64) uint64 {
	if s := r.size(); k > s {
		k = s
	}
	if k > 0 {
		r.consume(k)
	}
	return k
}
