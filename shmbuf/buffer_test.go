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
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fastrand"
)

var testKeySeq uint64

func testKey() string {
	return fmt.Sprintf("/eventshm.test.%d.%d", os.Getpid(), atomic.AddUint64(&testKeySeq, 1))
}

func mkElem(size int, tag byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = tag + byte(i)*0x11
	}
	return data
}

func TestBufferFullnessBoundary(t *testing.T) {
	b, err := CreateBufferAdv(testKey(), 0, 16, 4, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	assert.Equal(t, uint64(4), b.Capacity())
	assert.Equal(t, uint64(16), b.ElemSize())

	for i := 0; i < 4; i++ {
		assert.Equal(t, true, b.Push(mkElem(16, byte(i))), "push %d", i)
	}
	assert.Equal(t, false, b.Push(mkElem(16, 9)))
	assert.Equal(t, uint64(4), b.Size())
}

func TestBufferPopOrderNoTear(t *testing.T) {
	b, err := CreateBufferAdv(testKey(), 0, 16, 4, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	for i := 0; i < 4; i++ {
		assert.Equal(t, true, b.Push(mkElem(16, byte(i))))
	}

	dst := make([]byte, 16)
	for i := 0; i < 4; i++ {
		assert.Equal(t, true, b.Pop(dst))
		assert.Equal(t, mkElem(16, byte(i)), dst, "pop %d", i)
	}
	assert.Equal(t, uint64(0), b.Size())
	assert.Equal(t, false, b.Pop(dst))
}

func TestBufferPushTooLarge(t *testing.T) {
	b, err := CreateBufferAdv(testKey(), 0, 16, 4, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	assert.Equal(t, false, b.Push(make([]byte, 17)))
}

func TestBufferPartialPush(t *testing.T) {
	b, err := CreateBufferAdv(testKey(), 0, 24, 4, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	slot := b.StartPush()
	assert.NotEqual(t, nil, slot)
	var evid [8]byte
	binary.LittleEndian.PutUint64(evid[:], 42)
	rest := b.PartialPush(slot, evid[:])
	rest = b.PartialPush(rest, mkElem(16, 3))
	assert.Equal(t, 0, len(rest))
	b.FinishPush()

	dst := make([]byte, 24)
	assert.Equal(t, true, b.Pop(dst))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(dst))
	assert.Equal(t, mkElem(16, 3), dst[8:])
}

func TestBufferCreateInvalid(t *testing.T) {
	_, err := CreateBufferAdv(testKey(), 0, 16, 0, testTemplate)
	assert.Equal(t, true, errors.Is(err, ErrSizeInvalid))

	// no template and no explicit element size
	_, err = CreateBufferAdv(testKey(), 0, 0, 4, nil)
	assert.Equal(t, true, errors.Is(err, ErrSizeInvalid))

	_, err = CreateBuffer("no-slash", 4, testTemplate)
	assert.NotEqual(t, nil, err)
}

func TestBufferAttach(t *testing.T) {
	key := testKey()
	prod, err := CreateBufferAdv(key, 0, 16, 8, testTemplate)
	assert.Equal(t, nil, err)
	defer prod.Destroy()

	cons, err := Attach(key)
	assert.Equal(t, nil, err)
	defer cons.Release()

	assert.Equal(t, true, prod.MonitorAttached())
	assert.Equal(t, uint64(8), cons.Capacity())
	assert.Equal(t, uint64(16), cons.ElemSize())
	assert.Equal(t, key, cons.Key())
	assert.Equal(t, 3, len(cons.AvailableEvents()))

	assert.Equal(t, true, prod.Push(mkElem(16, 5)))
	dst := make([]byte, 16)
	assert.Equal(t, true, cons.Pop(dst))
	assert.Equal(t, mkElem(16, 5), dst)
}

func TestBufferAttachTimeout(t *testing.T) {
	_, err := AttachPolicy("/eventshm.does.not.exist",
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2))
	assert.Equal(t, true, errors.Is(err, ErrAttachTimeout))
}

func TestBufferReadPointerConsume(t *testing.T) {
	b, err := CreateBufferAdv(testKey(), 0, 16, 8, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	for i := 0; i < 3; i++ {
		assert.Equal(t, true, b.Push(mkElem(16, byte(i))))
	}
	data, n := b.ReadPointer()
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, mkElem(16, 0), data[:16])

	assert.Equal(t, uint64(2), b.Consume(2))
	assert.Equal(t, false, b.DropK(5))
	assert.Equal(t, true, b.DropK(1))
	assert.Equal(t, uint64(0), b.Size())
}

func TestBufferDrainAfterDestroy(t *testing.T) {
	key := testKey()
	prod, err := CreateBufferAdv(key, 0, 16, 8, testTemplate)
	assert.Equal(t, nil, err)

	cons, err := Attach(key)
	assert.Equal(t, nil, err)
	defer cons.Release()

	for i := 0; i < 3; i++ {
		assert.Equal(t, true, prod.Push(mkElem(16, byte(i))))
	}
	prod.Destroy()

	// the consumer may still drain the destroyed buffer
	dst := make([]byte, 16)
	for i := 0; i < 3; i++ {
		assert.Equal(t, true, cons.IsReady())
		assert.Equal(t, true, cons.Pop(dst))
		assert.Equal(t, mkElem(16, byte(i)), dst)
	}
	assert.Equal(t, false, cons.IsReady())
	assert.Equal(t, false, cons.Pop(dst))
}

func TestBufferLastProcessedMonotonic(t *testing.T) {
	b, err := CreateBufferAdv(testKey(), 0, 16, 4, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	b.SetLastProcessedID(5)
	b.SetLastProcessedID(5)
	assert.Equal(t, uint64(5), b.LastProcessedID())
	assert.Panics(t, func() { b.SetLastProcessedID(3) })
}

func TestBufferRegisterEvents(t *testing.T) {
	b, err := CreateBufferAdv(testKey(), 0, 0, 4, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	assert.Equal(t, uint64(32), b.ElemSize())

	assert.Equal(t, nil, b.RegisterEvent("read", 10))
	rec, _ := b.Control().GetEvent("read")
	assert.Equal(t, uint64(10), rec.Kind)

	assert.Equal(t, true, errors.Is(b.RegisterEvent("nope", 1), ErrEventUnknown))

	assert.Equal(t, nil, b.RegisterEvents(
		EventKind{Name: "write", Kind: 11},
		EventKind{Name: "exit", Kind: 12},
	))

	b.RegisterAllEvents()
	for i, rec := range b.AvailableEvents() {
		assert.Equal(t, uint64(1+i+lastSpecialKind), rec.Kind)
	}
}

func TestBufferSubBuffers(t *testing.T) {
	key := testKey()
	parent, err := CreateBufferAdv(key, 0, 16, 8, testTemplate)
	assert.Equal(t, nil, err)
	defer parent.Destroy()

	sub1, err := parent.CreateSubBuffer(0, testTemplate)
	assert.Equal(t, nil, err)
	assert.Equal(t, key+".sub.1", sub1.Key())
	assert.Equal(t, parent.Capacity(), sub1.Capacity())
	assert.Equal(t, uint64(1), parent.SubBuffersNo())

	sub2, err := parent.CreateSubBuffer(4, testTemplate)
	assert.Equal(t, nil, err)
	assert.Equal(t, key+".sub.2", sub2.Key())
	assert.Equal(t, uint64(2), parent.SubBuffersNo())

	// children are independent of the parent
	sub2.DestroySub()
	assert.Equal(t, uint64(2), parent.SubBuffersNo())
	assert.Equal(t, true, parent.IsReady())
	sub1.DestroySub()
}

func TestBufferKeyPaths(t *testing.T) {
	key := testKey()
	b, err := CreateBufferAdv(key, 0, 16, 4, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	p, err := b.KeyPath()
	assert.Equal(t, nil, err)
	assert.Equal(t, "/dev/shm/"+key[1:], p)

	cp, err := b.CtrlKeyPath()
	assert.Equal(t, nil, err)
	assert.Equal(t, p+".ctrl", cp)
}

func BenchmarkBufferPushPop(b *testing.B) {
	buf, err := CreateBufferAdv(testKey(), 0, 64, 1024, testTemplate)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Destroy()

	elem := make([]byte, 64)
	for i := range elem {
		elem[i] = byte(fastrand.Uint32())
	}
	dst := make([]byte, 64)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if !buf.Push(elem) {
			b.Fatal("push failed")
		}
		if !buf.Pop(dst) {
			b.Fatal("pop failed")
		}
	}
}
