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
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"

	internalshm "github.com/vamos-tools/eventshm/internal/shm"
)

const (
	defaultMode = 0o700

	attachRetryInterval  = 300 * time.Millisecond
	attachDefaultRetries = 10
)

// SleepTime is the busy-poll pause upper layers use between empty reads.
const SleepTime = 10 * time.Microsecond

// Buffer is one side of a shared-memory event stream: a fixed-slot SPSC
// ring plus its control segment and auxiliary arenas, all in named shared
// memory. The creating process is the producer and the exclusive unlinker;
// an attaching process is the consumer and only ever unmaps.
type Buffer struct {
	mem    []byte
	info   infoView
	rb     spscRing
	ctrl   *Control
	key    string
	fd     int
	mode   uint32
	writer bool

	// producer-side aux pool: every segment ever created, plus the same
	// segments in age order with the current one at the tail
	curAux  *auxSegment
	auxSegs []*auxSegment
	auxAge  []*auxSegment
	auxIdx  uint64

	// consumer-side aux resolution
	auxCache cmap.ConcurrentMap[string, *auxSegment]
	lastAux  atomic.Pointer[auxSegment]

	// producer-local number of the last sub-buffer
	lastSubNo uint64
}

func computeShmSize(elemSize, slots uint64) uint64 {
	size := uint64(bufferInfoSize) + elemSize*slots
	pg := uint64(internalshm.PageSize())
	if rem := size % pg; rem != 0 {
		pad := pg - rem
		if pad > pg/4 {
			internalLogger.warnf(
				"capacity %d leaves %d unused bytes in a memory page, consider changing it; there is space for %d more elements",
				slots-1, pad, pad/elemSize)
		}
		size += pad
	}
	return size
}

func initializeSharedBuffer(key string, mode uint32, elemSize, capacity uint64, ctrl *Control) (*Buffer, error) {
	if elemSize == 0 || capacity == 0 {
		return nil, ErrSizeInvalid
	}
	// one extra slot for the ring's dummy element
	memsize := computeShmSize(elemSize, capacity+1)

	internalLogger.infof("initializing buffer '%s' with elem size %d and capacity %d (%d bytes)",
		key, elemSize, capacity, memsize)

	path, err := internalshm.MapName(key)
	if err != nil {
		return nil, err
	}
	if !internalshm.CanCreateOnDevShm(memsize, path) {
		return nil, &internalshm.NamespaceError{Op: "create", Key: key, Err: ErrSizeInvalid}
	}

	fd, err := internalshm.Open(key, internalshm.OpenRDWR|internalshm.OpenCreate|internalshm.OpenTrunc, mode)
	if err != nil {
		return nil, err
	}
	if err := internalshm.Truncate(key, fd, int64(memsize)); err != nil {
		_ = internalshm.Close(key, fd)
		return nil, err
	}
	mem, err := internalshm.Map(key, fd, int(memsize))
	if err != nil {
		_ = internalshm.Close(key, fd)
		if uerr := internalshm.Unlink(key); uerr != nil {
			internalLogger.warnf("unlink after mmap failure: %v", uerr)
		}
		return nil, err
	}

	b := &Buffer{
		mem:      mem,
		info:     infoView{mem: mem},
		key:      key,
		fd:       fd,
		mode:     mode,
		ctrl:     ctrl,
		writer:   true,
		auxCache: cmap.New[*auxSegment](),
	}

	for i := range mem[:bufferInfoSize] {
		mem[i] = 0
	}
	b.info.setAllocatedSize(memsize)
	b.info.setCapacity(capacity)
	b.info.setElemSize(elemSize)
	b.rb = spscRing{mem: mem}
	b.rb.init(capacity)

	return b, nil
}

// CreateBuffer allocates the control and data segments for key. The element
// size is the largest event size in the template.
func CreateBuffer(key string, capacity uint64, template []EventSpec) (*Buffer, error) {
	return CreateBufferAdv(key, 0, 0, capacity, template)
}

// CreateBufferAdv is CreateBuffer with an explicit permission mode and
// element size; zero values pick the defaults.
func CreateBufferAdv(key string, mode uint32, elemSize, capacity uint64, template []EventSpec) (*Buffer, error) {
	if mode == 0 {
		mode = defaultMode
	}
	ctrl, err := createControl(key, mode, template)
	if err != nil {
		return nil, fmt.Errorf("creating control buffer: %w", err)
	}
	if elemSize == 0 {
		elemSize = uint64(ctrl.MaxEventSize())
	}
	b, err := initializeSharedBuffer(key, mode, elemSize, capacity, ctrl)
	if err != nil {
		ctrl.destroy()
		return nil, err
	}
	return b, nil
}

// SubBufferKey derives the key of sub-buffer idx of parent key.
func SubBufferKey(key string, idx uint64) string {
	return fmt.Sprintf("%s.sub.%d", key, idx)
}

// CreateSubBuffer creates an independent child buffer with a derived key and
// bumps the parent's shared sub-buffer count. A zero capacity inherits the
// parent's. Destroying the parent does not destroy children.
func (b *Buffer) CreateSubBuffer(capacity uint64, template []EventSpec) (*Buffer, error) {
	key := SubBufferKey(b.key, atomic.AddUint64(&b.lastSubNo, 1))
	if capacity == 0 {
		capacity = b.Capacity()
	}
	sub, err := CreateBufferAdv(key, b.mode, 0, capacity, template)
	if err != nil {
		return nil, err
	}
	b.info.incSubBuffersNo()
	return sub, nil
}

// Attach opens an existing buffer as the consumer, retrying every 300 ms up
// to ten times while the producer is still creating it.
func Attach(key string) (*Buffer, error) {
	return AttachPolicy(key, backoff.WithMaxRetries(
		backoff.NewConstantBackOff(attachRetryInterval), attachDefaultRetries))
}

// AttachPolicy is Attach with a caller-supplied retry policy.
func AttachPolicy(key string, policy backoff.BackOff) (*Buffer, error) {
	internalLogger.infof("getting shared buffer '%s'", key)

	fd := -1
	op := func() error {
		f, err := internalshm.Open(key, internalshm.OpenRDWR, 0)
		if err != nil {
			attachRetriesTotal.Inc()
			return err
		}
		fd = f
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		internalLogger.errorf("failed getting shared buffer '%s': %v", key, err)
		return nil, fmt.Errorf("attach '%s': %w", key, ErrAttachTimeout)
	}

	var hdr [8]byte
	if err := internalshm.Pread(key, fd, hdr[:], allocatedSizeOffset); err != nil {
		_ = internalshm.Close(key, fd)
		return nil, err
	}
	allocated := binary.LittleEndian.Uint64(hdr[:])
	if allocated == 0 {
		_ = internalshm.Close(key, fd)
		return nil, ErrSizeInvalid
	}

	mem, err := internalshm.Map(key, fd, int(allocated))
	if err != nil {
		_ = internalshm.Close(key, fd)
		return nil, err
	}

	ctrl, err := openControl(key)
	if err != nil {
		if uerr := internalshm.Unmap(key, mem); uerr != nil {
			internalLogger.warnf("unmap after control failure: %v", uerr)
		}
		_ = internalshm.Close(key, fd)
		return nil, fmt.Errorf("getting control buffer: %w", err)
	}

	b := &Buffer{
		mem:      mem,
		info:     infoView{mem: mem},
		key:      key,
		fd:       fd,
		ctrl:     ctrl,
		auxCache: cmap.New[*auxSegment](),
	}
	b.rb = spscRing{mem: mem, slots: b.info.capacity() + 1}
	b.SetAttached(true)
	return b, nil
}

// SetAttached publishes the consumer's presence. It is a no-op on a
// destroyed buffer; the flag is never reset on release.
func (b *Buffer) SetAttached(val bool) {
	if !b.info.destroyed() {
		b.info.setMonitorAttached(val)
	}
}

// IsReady reports whether the buffer should still be served: it is false
// only once the producer destroyed the buffer and every slot was drained.
func (b *Buffer) IsReady() bool {
	return !b.info.destroyed() || b.rb.size() > 0
}

// MonitorAttached reports whether a consumer has ever attached.
func (b *Buffer) MonitorAttached() bool { return b.info.monitorAttached() }

// Capacity returns the usable slot count.
func (b *Buffer) Capacity() uint64 { return b.info.capacity() }

// Size returns the current occupancy.
func (b *Buffer) Size() uint64 { return b.rb.size() }

// ElemSize returns the slot width in bytes.
func (b *Buffer) ElemSize() uint64 { return b.info.elemSize() }

// Key returns the buffer key.
func (b *Buffer) Key() string { return b.key }

// KeyPath returns the filesystem path backing the buffer segment.
func (b *Buffer) KeyPath() (string, error) { return internalshm.MapName(b.key) }

// CtrlKeyPath returns the filesystem path backing the control segment.
func (b *Buffer) CtrlKeyPath() (string, error) {
	ctrlKey, err := internalshm.MapCtrlKey(b.key)
	if err != nil {
		return "", err
	}
	return internalshm.MapName(ctrlKey)
}

// SubBuffersNo returns the shared lifetime count of created sub-buffers.
func (b *Buffer) SubBuffersNo() uint64 { return b.info.subBuffersNo() }

// AvailableEvents returns the schema records of the control segment.
func (b *Buffer) AvailableEvents() []EventRecord { return b.ctrl.Records() }

// Control exposes the attached control segment.
func (b *Buffer) Control() *Control { return b.ctrl }

// SetLastProcessedID publishes the greatest event id whose aux data the
// consumer no longer needs. IDs must not move backwards.
func (b *Buffer) SetLastProcessedID(id uint64) {
	if cur := b.info.lastProcessedID(); id < cur {
		panic(fmt.Sprintf("shmbuf: last processed id is not monotonic: %d < %d", id, cur))
	}
	b.info.setLastProcessedID(id)
}

// LastProcessedID returns the consumer's published progress.
func (b *Buffer) LastProcessedID() uint64 { return b.info.lastProcessedID() }

/*
 * buffer push broken down into several operations:
 *
 *	slot := b.StartPush()
 *	rest := b.PartialPush(slot, ...)
 *	rest = b.PartialPushStr(rest, evid, ...)
 *	b.FinishPush()
 *
 * The partial pushes together fill at most one element, i.e. what can be
 * done with Push. They cannot be mixed nor combined with normal pushes.
 */

// StartPush reserves the next free slot and returns it, or nil when the
// ring is full. The caller must not push on a destroyed buffer.
func (b *Buffer) StartPush() []byte {
	if b.info.destroyed() {
		internalLogger.errorf("writing to the destroyed buffer '%s'", b.key)
		return nil
	}
	off, n := b.rb.writeOffNowrap()
	if n == 0 {
		pushesFullTotal.Inc()
		return nil
	}
	es := b.info.elemSize()
	return b.info.data()[off*es : (off+1)*es]
}

// PartialPush copies data into the reserved slot and returns the remainder
// of the slot.
func (b *Buffer) PartialPush(slot []byte, data []byte) []byte {
	n := copy(slot, data)
	return slot[n:]
}

// PartialPushStr stores s in aux space and writes its handle into the slot,
// returning the slot past the handle.
func (b *Buffer) PartialPushStr(slot []byte, evid uint64, s string) []byte {
	binary.LittleEndian.PutUint64(slot, uint64(b.PushStr(evid, s)))
	return slot[8:]
}

// PartialPushStrN is PartialPushStr for the first n bytes of s.
func (b *Buffer) PartialPushStrN(slot []byte, evid uint64, s string, n int) []byte {
	binary.LittleEndian.PutUint64(slot, uint64(b.PushStrN(evid, s, n)))
	return slot[8:]
}

// FinishPush publishes the slot reserved by StartPush.
func (b *Buffer) FinishPush() {
	b.rb.writeFinish(1)
	pushesTotal.Inc()
}

// Push copies one element into the ring. It returns false when the ring is
// full; the caller decides between retrying and NotifyDropped.
func (b *Buffer) Push(data []byte) bool {
	if uint64(len(data)) > b.info.elemSize() {
		internalLogger.errorf("element of %d bytes does not fit the slot", len(data))
		return false
	}
	slot := b.StartPush()
	if slot == nil {
		return false
	}
	copy(slot, data)
	b.FinishPush()
	return true
}

// ReadPointer returns the contiguous run of readable slots at the tail
// without consuming them. n == 0 means empty.
func (b *Buffer) ReadPointer() (data []byte, n uint64) {
	off, n := b.rb.readOffNowrap()
	if n == 0 {
		return nil, 0
	}
	es := b.info.elemSize()
	return b.info.data()[off*es : (off+n)*es], n
}

// Pop copies the next element into dst and consumes it. It returns false
// when the ring is empty.
func (b *Buffer) Pop(dst []byte) bool {
	data, n := b.ReadPointer()
	if n == 0 {
		return false
	}
	copy(dst, data[:b.info.elemSize()])
	b.rb.consume(1)
	return true
}

// Consume releases up to k read slots and returns how many were released.
func (b *Buffer) Consume(k uint64) uint64 {
	return b.rb.consumeUpTo(k)
}

// DropK releases exactly k slots; it returns false, releasing nothing, when
// fewer were available.
func (b *Buffer) DropK(k uint64) bool {
	if b.rb.size() < k {
		return false
	}
	b.rb.consume(k)
	return true
}

// RegisterEvent fills in the kind of the named record. Registration must
// finish before the buffer starts serving reads.
func (b *Buffer) RegisterEvent(name string, kind uint64) error {
	i := b.ctrl.findEvent(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrEventUnknown, name)
	}
	b.ctrl.setKind(i, kind)
	return nil
}

// EventKind names one event registration.
type EventKind struct {
	Name string
	Kind uint64
}

// RegisterEvents registers several events at once.
func (b *Buffer) RegisterEvents(evs ...EventKind) error {
	for _, ev := range evs {
		if err := b.RegisterEvent(ev.Name, ev.Kind); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAllEvents assigns consecutive kinds above the reserved special
// kinds to every record, in schema order.
func (b *Buffer) RegisterAllEvents() {
	for i, n := 0, b.ctrl.RecordsNum(); i < n; i++ {
		b.ctrl.setKind(i, uint64(1+i+lastSpecialKind))
	}
}

// Destroy tears the buffer down from the producer side: marks it destroyed,
// unmaps everything and unlinks the main, control and aux segment names.
// A consumer that is still attached keeps draining its mapping.
func (b *Buffer) Destroy() {
	b.info.setDestroyed()

	for _, a := range b.auxSegs {
		key := a.key
		a.release()
		if err := internalshm.Unlink(key); err != nil {
			internalLogger.warnf("destroy: %v", err)
		}
	}
	internalLogger.infof("totally used %d aux buffers", len(b.auxSegs))
	b.auxSegs = nil
	b.auxAge = nil
	b.curAux = nil

	if err := internalshm.Unmap(b.key, b.mem); err != nil {
		internalLogger.warnf("destroy: %v", err)
	}
	if err := internalshm.Close(b.key, b.fd); err != nil {
		internalLogger.warnf("destroy: %v", err)
	}
	if err := internalshm.Unlink(b.key); err != nil {
		internalLogger.warnf("destroy: %v", err)
	}

	b.ctrl.destroy()
	b.mem = nil
}

// DestroySub tears down a sub-buffer; identical to Destroy. The parent's
// sub-buffer count is a lifetime count and is not decremented.
func (b *Buffer) DestroySub() { b.Destroy() }

// Release detaches the consumer: unmaps every mapping and closes the
// descriptors, but never unlinks a name.
func (b *Buffer) Release() {
	if err := internalshm.Unmap(b.key, b.mem); err != nil {
		internalLogger.warnf("release: %v", err)
	}
	if err := internalshm.Close(b.key, b.fd); err != nil {
		internalLogger.warnf("release: %v", err)
	}

	for item := range b.auxCache.IterBuffered() {
		item.Val.release()
	}
	b.auxCache.Clear()
	b.lastAux.Store(nil)

	b.ctrl.release()
	b.mem = nil
}
