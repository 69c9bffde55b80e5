package shmbuf

import (
	"bytes"
	"encoding/binary"

	internalshm "github.com/vamos-tools/eventshm/internal/shm"
)

// Control-segment ABI. The segment starts with its own size, followed by a
// packed array of event records:
//
//	size:u64
//	events: event_record[(size - 8) / 88]
//	event_record = { name [64]byte | size u32 | pad u32 | kind u64 | signature [8]byte }
//
// The layout is fixed at creation and must be byte-identical across producer
// and consumer builds.
const (
	eventNameLen    = 64
	eventSigLen     = 8
	eventRecordSize = eventNameLen + 4 + 4 + 8 + eventSigLen
	ctrlHeaderSize  = 8

	recNameOffset = 0
	recSizeOffset = eventNameLen
	recKindOffset = eventNameLen + 8
	recSigOffset  = eventNameLen + 16
)

// Kinds below and including lastSpecialKind are reserved for control events;
// RegisterAllEvents hands out kinds above it.
const lastSpecialKind = 2

// EventSpec describes one event type in a control-segment template.
type EventSpec struct {
	Name      string
	Size      uint32
	Signature string
}

// EventRecord is a decoded view of one control-segment record.
type EventRecord struct {
	Name      string
	Size      uint32
	Kind      uint64
	Signature string
}

// Control is an open control segment: the immutable-after-init schema of the
// event records flowing through a buffer.
type Control struct {
	mem []byte
	fd  int
	key string // control key, not the buffer key
}

func buildControlTemplate(template []EventSpec) []byte {
	size := uint64(ctrlHeaderSize + len(template)*eventRecordSize)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:], size)
	for i, ev := range template {
		rec := buf[ctrlHeaderSize+i*eventRecordSize:]
		copy(rec[recNameOffset:recNameOffset+eventNameLen-1], ev.Name)
		binary.LittleEndian.PutUint32(rec[recSizeOffset:], ev.Size)
		copy(rec[recSigOffset:recSigOffset+eventSigLen-1], ev.Signature)
	}
	return buf
}

// createControl allocates and populates the control segment for bufKey.
func createControl(bufKey string, mode uint32, template []EventSpec) (*Control, error) {
	key, err := internalshm.MapCtrlKey(bufKey)
	if err != nil {
		return nil, err
	}

	tmpl := buildControlTemplate(template)
	size := len(tmpl)
	internalLogger.infof("initializing control buffer '%s' of size '%d'", key, size)

	fd, err := internalshm.Open(key, internalshm.OpenRDWR|internalshm.OpenCreate, mode)
	if err != nil {
		return nil, err
	}
	if err := internalshm.Truncate(key, fd, int64(size)); err != nil {
		_ = internalshm.Close(key, fd)
		return nil, err
	}
	mem, err := internalshm.Map(key, fd, size)
	if err != nil {
		_ = internalshm.Close(key, fd)
		if uerr := internalshm.Unlink(key); uerr != nil {
			internalLogger.warnf("unlink after mmap failure: %v", uerr)
		}
		return nil, err
	}
	copy(mem, tmpl)

	return &Control{mem: mem, fd: fd, key: key}, nil
}

// openControl maps the existing control segment of bufKey.
func openControl(bufKey string) (*Control, error) {
	key, err := internalshm.MapCtrlKey(bufKey)
	if err != nil {
		return nil, err
	}

	fd, err := internalshm.Open(key, internalshm.OpenRDWR, 0)
	if err != nil {
		return nil, err
	}
	var hdr [ctrlHeaderSize]byte
	if err := internalshm.Pread(key, fd, hdr[:], 0); err != nil {
		_ = internalshm.Close(key, fd)
		return nil, err
	}
	size := binary.LittleEndian.Uint64(hdr[:])
	internalLogger.infof("control buffer '%s' has size %d", key, size)
	if size < ctrlHeaderSize {
		_ = internalshm.Close(key, fd)
		return nil, ErrSizeInvalid
	}
	mem, err := internalshm.Map(key, fd, int(size))
	if err != nil {
		_ = internalshm.Close(key, fd)
		return nil, err
	}
	return &Control{mem: mem, fd: fd, key: key}, nil
}

// Size returns the control segment's byte size.
func (c *Control) Size() uint64 {
	return binary.LittleEndian.Uint64(c.mem[0:])
}

// RecordsNum returns the number of event records.
func (c *Control) RecordsNum() int {
	return int((c.Size() - ctrlHeaderSize) / eventRecordSize)
}

func (c *Control) record(i int) []byte {
	off := ctrlHeaderSize + i*eventRecordSize
	return c.mem[off : off+eventRecordSize]
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Record decodes record i.
func (c *Control) Record(i int) EventRecord {
	rec := c.record(i)
	return EventRecord{
		Name:      cString(rec[recNameOffset : recNameOffset+eventNameLen]),
		Size:      binary.LittleEndian.Uint32(rec[recSizeOffset:]),
		Kind:      binary.LittleEndian.Uint64(rec[recKindOffset:]),
		Signature: cString(rec[recSigOffset : recSigOffset+eventSigLen]),
	}
}

// Records decodes all records.
func (c *Control) Records() []EventRecord {
	n := c.RecordsNum()
	out := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		out[i] = c.Record(i)
	}
	return out
}

// MaxEventSize returns the largest record size.
func (c *Control) MaxEventSize() uint32 {
	var max uint32
	for i, n := 0, c.RecordsNum(); i < n; i++ {
		if s := binary.LittleEndian.Uint32(c.record(i)[recSizeOffset:]); s > max {
			max = s
		}
	}
	return max
}

// GetEvent returns the record named name, or ok == false.
func (c *Control) GetEvent(name string) (EventRecord, bool) {
	i := c.findEvent(name)
	if i < 0 {
		return EventRecord{}, false
	}
	return c.Record(i), true
}

func (c *Control) findEvent(name string) int {
	for i, n := 0, c.RecordsNum(); i < n; i++ {
		rec := c.record(i)
		if cString(rec[recNameOffset:recNameOffset+eventNameLen]) == name {
			return i
		}
	}
	return -1
}

// setKind fills the kind field of record i. Registration must finish before
// the buffer starts serving reads; it is not concurrent-safe.
func (c *Control) setKind(i int, kind uint64) {
	binary.LittleEndian.PutUint64(c.record(i)[recKindOffset:], kind)
}

// release unmaps the segment without removing its name.
func (c *Control) release() {
	if err := internalshm.Unmap(c.key, c.mem); err != nil {
		internalLogger.warnf("control release: %v", err)
	}
	if err := internalshm.Close(c.key, c.fd); err != nil {
		internalLogger.warnf("control release: %v", err)
	}
}

// destroy unmaps the segment and unlinks its name.
func (c *Control) destroy() {
	key := c.key
	c.release()
	if err := internalshm.Unlink(key); err != nil {
		internalLogger.warnf("control destroy: %v", err)
	}
}
