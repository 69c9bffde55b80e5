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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestRing(capacity uint64) *spscRing {
	r := &spscRing{mem: make([]byte, bufferInfoSize)}
	r.init(capacity)
	return r
}

func TestRingEmptyFull(t *testing.T) {
	r := newTestRing(4)

	assert.Equal(t, uint64(0), r.size())
	_, n := r.readOffNowrap()
	assert.Equal(t, uint64(0), n)

	off, n := r.writeOffNowrap()
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint64(4), n)

	r.writeFinish(4)
	assert.Equal(t, uint64(4), r.size())
	_, n = r.writeOffNowrap()
	assert.Equal(t, uint64(0), n)
}

func TestRingNowrapWindows(t *testing.T) {
	r := newTestRing(4)

	r.writeFinish(4)
	off, n := r.readOffNowrap()
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint64(4), n)

	r.consume(2)
	assert.Equal(t, uint64(2), r.size())

	// head is at 4 of 5 slots: only one slot before the physical wrap
	off, n = r.writeOffNowrap()
	assert.Equal(t, uint64(4), off)
	assert.Equal(t, uint64(1), n)
	r.writeFinish(1)

	// wrapped: head 0, tail 2, one more slot free
	off, n = r.writeOffNowrap()
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint64(1), n)

	off, n = r.readOffNowrap()
	assert.Equal(t, uint64(2), off)
	assert.Equal(t, uint64(3), n)
}

func TestRingConsumeUpTo(t *testing.T) {
	r := newTestRing(8)
	r.writeFinish(5)

	assert.Equal(t, uint64(3), r.consumeUpTo(3))
	assert.Equal(t, uint64(2), r.consumeUpTo(10))
	assert.Equal(t, uint64(0), r.consumeUpTo(1))
}

func TestRingSPSCOrder(t *testing.T) {
	const total = 100000
	r := newTestRing(64)
	seen := make([]uint64, 0, total)
	slots := make([]uint64, 65)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		next := uint64(0)
		for next < total {
			off, n := r.writeOffNowrap()
			for i := uint64(0); i < n && next < total; i++ {
				slots[off+i] = next
				next++
				r.writeFinish(1)
			}
		}
	}()

	for uint64(len(seen)) < total {
		off, n := r.readOffNowrap()
		for i := uint64(0); i < n; i++ {
			seen = append(seen, slots[off+i])
		}
		r.consume(n)
	}
	wg.Wait()

	for i := uint64(0); i < total; i++ {
		if seen[i] != i {
			t.Fatalf("out of order at %d: got %d", i, seen[i])
		}
	}
}

func BenchmarkRingWriteRead(b *testing.B) {
	r := newTestRing(1024)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, n := r.writeOffNowrap()
		if n == 0 {
			r.consumeUpTo(1024)
			continue
		}
		r.writeFinish(1)
	}
}
