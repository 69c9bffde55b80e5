/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shmbuf

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	internalshm "github.com/vamos-tools/eventshm/internal/shm"
)

// Handle references bytes inside an auxiliary segment from a ring slot:
// the segment index in the upper 32 bits, the byte offset in the lower 32.
// Zero is reserved ("no handle"). The packing is a cross-process ABI.
type Handle uint64

// MakeHandle packs an aux segment index and a byte offset.
func MakeHandle(idx, off uint32) Handle {
	return Handle(uint64(idx)<<32 | uint64(off))
}

// AuxIndex returns the aux segment index.
func (h Handle) AuxIndex() uint32 { return uint32(h >> 32) }

// Offset returns the byte offset inside the aux segment.
func (h Handle) Offset() uint32 { return uint32(h) }

func auxKey(idx uint64) string {
	return fmt.Sprintf("/aux.%d", idx)
}

// auxSegment is one mapped auxiliary arena: a header followed by data bytes.
// The producer owns every header field; the consumer only reads.
type auxSegment struct {
	mem []byte
	key string
}

func (a *auxSegment) size() uint64    { return *u64ptr(a.mem, auxSizeOffset) }
func (a *auxSegment) head() uint64    { return *u64ptr(a.mem, auxHeadOffset) }
func (a *auxSegment) idx() uint64     { return *u64ptr(a.mem, auxIdxOffset) }
func (a *auxSegment) firstID() uint64 { return *u64ptr(a.mem, auxFirstIDOffset) }
func (a *auxSegment) lastID() uint64  { return *u64ptr(a.mem, auxLastIDOffset) }
func (a *auxSegment) reusable() bool  { return *u32ptr(a.mem, auxReusableOffset) != 0 }

func (a *auxSegment) setHead(n uint64)    { *u64ptr(a.mem, auxHeadOffset) = n }
func (a *auxSegment) setFirstID(n uint64) { *u64ptr(a.mem, auxFirstIDOffset) = n }
func (a *auxSegment) setLastID(n uint64)  { *u64ptr(a.mem, auxLastIDOffset) = n }

func (a *auxSegment) setReusable(v bool) {
	var n uint32
	if v {
		n = 1
	}
	*u32ptr(a.mem, auxReusableOffset) = n
}

func (a *auxSegment) freeSpace() uint64 {
	return a.size() - a.head()
}

func (a *auxSegment) data() []byte {
	return a.mem[auxHeaderSize:]
}

// release unmaps the segment. The name stays; Destroy unlinks.
func (a *auxSegment) release() {
	if err := internalshm.Unmap(a.key, a.mem); err != nil {
		internalLogger.warnf("aux release: %v", err)
	}
	a.mem = nil
}

// newAuxSegment allocates a fresh aux segment sized for at least size data
// bytes, page-rounded with one spare page. Allocation failures are fatal on
// the producer: they mean the consumer disappeared or the dropped-range
// registry overflowed, neither of which is recoverable in-band.
func (b *Buffer) newAuxSegment(size uint64) *auxSegment {
	idx := b.auxIdx
	b.auxIdx++

	pg := uint64(internalshm.PageSize())
	total := ((size+auxHeaderSize)/pg + 2) * pg
	if total-auxHeaderSize > math.MaxUint32 {
		panic(fmt.Sprintf("shmbuf: %v (%d bytes)", ErrAuxTooLarge, total))
	}

	key := auxKey(idx)
	fd, err := internalshm.Open(key, internalshm.OpenRDWR|internalshm.OpenCreate, b.mode)
	if err != nil {
		panic("shmbuf: aux open: " + err.Error())
	}
	if err := internalshm.Truncate(key, fd, int64(total)); err != nil {
		panic("shmbuf: aux ftruncate: " + err.Error())
	}
	mem, err := internalshm.Map(key, fd, int(total))
	if err != nil {
		panic("shmbuf: aux mmap: " + err.Error())
	}
	// the mapping keeps the segment alive, the descriptor is not needed
	if err := internalshm.Close(key, fd); err != nil {
		internalLogger.warnf("aux fd close: %v", err)
	}

	a := &auxSegment{mem: mem, key: key}
	*u64ptr(mem, auxSizeOffset) = total - auxHeaderSize
	*u64ptr(mem, auxIdxOffset) = idx
	a.setHead(0)
	a.setFirstID(0)
	a.setLastID(math.MaxUint64)
	a.setReusable(false)

	b.auxSegs = append(b.auxSegs, a)
	b.auxAge = append(b.auxAge, a)
	b.curAux = a
	auxAllocTotal.Inc()
	return a
}

// writerGetAux returns an aux segment with at least size free bytes: the
// current segment when it still fits, else the oldest reclaimable segment,
// else a fresh one. A segment is reclaimable once every event that might
// reference it was consumed (last_event_id <= last_processed_id) or falls
// inside a remembered dropped range.
func (b *Buffer) writerGetAux(size uint64) *auxSegment {
	if b.curAux != nil && b.curAux.freeSpace() >= size {
		return b.curAux
	}

	lastProcessed := b.info.lastProcessedID()
	for i, a := range b.auxAge {
		if a.lastID() <= lastProcessed || b.rangeWasDropped(a.firstID(), a.lastID()) {
			a.setReusable(true)
			a.setHead(0)
			a.setFirstID(0)
			a.setLastID(math.MaxUint64)
		}
		if a.reusable() && a.size() >= size {
			// move to the tail of the age list; the current segment is
			// always the youngest
			b.auxAge = append(append(b.auxAge[:i:i], b.auxAge[i+1:]...), a)
			b.curAux = a
			a.setReusable(false)
			auxReuseTotal.Inc()
			return a
		}
	}

	return b.newAuxSegment(size)
}

// pushAuxBytes reserves len(data) bytes in the current aux segment and
// copies data there, returning the byte offset.
func (b *Buffer) pushAuxBytes(data []byte) uint64 {
	a := b.writerGetAux(uint64(len(data)))
	off := a.head()
	copy(a.data()[off:], data)
	a.setHead(off + uint64(len(data)))
	return off
}

// PushStr copies s plus a trailing NUL into aux space and returns the
// handle. evid is the id of the event that will carry the handle; it keys
// the segment's reuse.
func (b *Buffer) PushStr(evid uint64, s string) Handle {
	return b.PushStrN(evid, s, len(s))
}

// PushStrN copies the first n bytes of s plus a trailing NUL.
func (b *Buffer) PushStrN(evid uint64, s string, n int) Handle {
	data := make([]byte, n+1)
	copy(data, s[:n])
	off := b.pushAuxBytes(data)

	a := b.curAux
	if a.firstID() == 0 {
		a.setFirstID(evid)
	}
	a.setLastID(evid)
	return MakeHandle(uint32(a.idx()), uint32(off))
}

// readerGetAux resolves an aux segment index on the consumer side: the
// last-used segment, then the cache, then an on-demand open of /aux.<idx>.
// An index whose segment cannot be opened indicates cross-process
// corruption and is fatal.
func (b *Buffer) readerGetAux(idx uint32) *auxSegment {
	if a := b.lastAux.Load(); a != nil && a.idx() == uint64(idx) {
		return a
	}
	cacheKey := strconv.FormatUint(uint64(idx), 10)
	if a, ok := b.auxCache.Get(cacheKey); ok {
		b.lastAux.Store(a)
		return a
	}

	key := auxKey(uint64(idx))
	fd, err := internalshm.Open(key, internalshm.OpenRDWR, 0)
	if err != nil {
		panic("shmbuf: invalid aux handle: " + err.Error())
	}
	var hdr [8]byte
	if err := internalshm.Pread(key, fd, hdr[:], auxSizeOffset); err != nil {
		panic("shmbuf: invalid aux handle: " + err.Error())
	}
	size := *u64ptr(hdr[:], 0)
	mem, err := internalshm.Map(key, fd, int(size+auxHeaderSize))
	if err != nil {
		panic("shmbuf: invalid aux handle: " + err.Error())
	}
	if err := internalshm.Close(key, fd); err != nil {
		internalLogger.warnf("aux fd close: %v", err)
	}

	a := &auxSegment{mem: mem, key: key}
	b.auxCache.Set(cacheKey, a)
	b.lastAux.Store(a)
	return a
}

func (b *Buffer) auxAt(h Handle) []byte {
	var a *auxSegment
	if b.writer {
		for _, s := range b.auxSegs {
			if s.idx() == uint64(h.AuxIndex()) {
				a = s
				break
			}
		}
		if a == nil {
			panic("shmbuf: invalid aux handle: unknown writer segment")
		}
	} else {
		a = b.readerGetAux(h.AuxIndex())
	}
	return a.data()[h.Offset():]
}

// GetStr resolves a handle produced by PushStr to its NUL-terminated string.
func (b *Buffer) GetStr(h Handle) string {
	data := b.auxAt(h)
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

// GetBytes resolves a handle to n raw aux bytes.
func (b *Buffer) GetBytes(h Handle, n int) []byte {
	return b.auxAt(h)[:n]
}
