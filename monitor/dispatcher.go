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

// Package monitor drains attached shared-memory buffers and dispatches
// their events to handler callbacks, one in-order worker per buffer.
package monitor

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vamos-tools/eventshm/shmbuf"
)

// Handler consumes one event: a copy of the ring slot. The slot layout is
// the source's business; the dispatcher only assumes the event id sits in
// the first eight bytes. Handles inside the slot stay resolvable through
// the buffer until the worker publishes progress past the event.
type Handler func(b *shmbuf.Buffer, slot []byte) error

// Options configures a Dispatcher.
type Options struct {
	// Workers bounds the worker pool; each registered buffer holds one
	// worker for its lifetime. Default 8.
	Workers int
	// QueueCap is the initial size hint of the per-buffer hand-off queue;
	// the queue is not bounded by it. Default 1024.
	QueueCap int64
	// Tracer, when set, records a span per drain batch.
	Tracer trace.Tracer
	// Meter, when set, counts dispatched events.
	Meter metric.Meter
}

type event struct {
	id   uint64
	slot *bytebufferpool.ByteBuffer
}

type bufferEntry struct {
	buf     *shmbuf.Buffer
	handler Handler
	queue   *queuepkg.Queue
	done    chan struct{}
}

// Dispatcher multiplexes one drain loop over any number of attached
// buffers. The drain loop is the single ring consumer; per-buffer workers
// only see slot copies, so SPSC discipline holds.
type Dispatcher struct {
	pool    *ants.Pool
	tracer  trace.Tracer
	counter metric.Int64Counter

	mu      sync.Mutex
	entries []*bufferEntry

	queueCap    int64
	closed      chan struct{}
	once        sync.Once
	handlerErrs atomic.Uint64
}

// HandlerErrors returns the number of handler invocations that failed.
func (d *Dispatcher) HandlerErrors() uint64 { return d.handlerErrs.Load() }

// ErrClosed is returned by AddBuffer after Close.
var ErrClosed = errors.New("dispatcher closed")

// NewDispatcher builds a dispatcher with its worker pool.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 1024
	}
	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		pool:     pool,
		tracer:   opts.Tracer,
		queueCap: opts.QueueCap,
		closed:   make(chan struct{}),
	}
	if opts.Meter != nil {
		d.counter, err = opts.Meter.Int64Counter("monitor.events.dispatched")
		if err != nil {
			pool.Release()
			return nil, err
		}
	}
	return d, nil
}

// AddBuffer registers an attached buffer and starts its in-order worker.
func (d *Dispatcher) AddBuffer(b *shmbuf.Buffer, fn Handler) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}

	e := &bufferEntry{
		buf:     b,
		handler: fn,
		queue:   queuepkg.New(d.queueCap),
		done:    make(chan struct{}),
	}
	if err := d.pool.Submit(func() { d.work(e) }); err != nil {
		return err
	}

	d.mu.Lock()
	d.entries = append(d.entries, e)
	d.mu.Unlock()
	return nil
}

// work is the per-buffer worker: events arrive in push order and progress
// is published after each handler returns, so last_processed_id stays
// monotonic and aux data outlives its readers.
func (d *Dispatcher) work(e *bufferEntry) {
	defer close(e.done)
	for {
		items, err := e.queue.Get(1)
		if err != nil || len(items) == 0 {
			// queue disposed on Close
			return
		}
		ev := items[0].(event)
		if herr := e.handler(e.buf, ev.slot.B); herr != nil {
			// the event is consumed either way
			d.handlerErrs.Add(1)
		}
		bytebufferpool.Put(ev.slot)
		if ev.id > 0 && ev.id > e.buf.LastProcessedID() {
			e.buf.SetLastProcessedID(ev.id)
		}
	}
}

// drain moves one contiguous batch of slots from the ring into the
// hand-off queue. It returns the number of slots moved.
func (d *Dispatcher) drain(ctx context.Context, e *bufferEntry) uint64 {
	data, n := e.buf.ReadPointer()
	if n == 0 {
		return 0
	}
	if d.tracer != nil {
		var span trace.Span
		_, span = d.tracer.Start(ctx, "monitor.drain",
			trace.WithAttributes(
				attribute.String("buffer.key", e.buf.Key()),
				attribute.Int64("batch.slots", int64(n)),
			))
		defer span.End()
	}

	es := e.buf.ElemSize()
	var moved uint64
	for i := uint64(0); i < n; i++ {
		slot := data[i*es : (i+1)*es]
		bb := bytebufferpool.Get()
		_, _ = bb.Write(slot)
		ev := event{slot: bb}
		if es >= 8 {
			ev.id = binary.LittleEndian.Uint64(slot)
		}
		if err := e.queue.Put(ev); err != nil {
			bytebufferpool.Put(bb)
			break
		}
		moved++
	}
	e.buf.Consume(moved)
	if d.counter != nil {
		d.counter.Add(ctx, int64(moved))
	}
	return moved
}

// Run drains every registered buffer until ctx is cancelled. Destroyed
// buffers are drained to empty, then released and dropped from the set.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closed:
			return nil
		default:
		}

		var moved uint64
		d.mu.Lock()
		entries := make([]*bufferEntry, len(d.entries))
		copy(entries, d.entries)
		d.mu.Unlock()

		for _, e := range entries {
			moved += d.drain(ctx, e)
			if !e.buf.IsReady() {
				d.remove(e)
			}
		}
		if moved == 0 {
			idleSleep(ctx)
		}
	}
}

func (d *Dispatcher) remove(e *bufferEntry) {
	d.mu.Lock()
	for i, cur := range d.entries {
		if cur == e {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	// let the worker finish the queued tail before tearing the queue down
	for e.queue.Len() > 0 {
		time.Sleep(shmbuf.SleepTime)
	}
	e.queue.Dispose()
	<-e.done
	e.buf.Release()
}

// Close disposes the queues, waits for the workers and releases the pool.
// Registered buffers are not released; they may still be drained by hand.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.closed)
		d.mu.Lock()
		entries := d.entries
		d.entries = nil
		d.mu.Unlock()
		for _, e := range entries {
			e.queue.Dispose()
			<-e.done
		}
		d.pool.Release()
	})
}

func idleSleep(ctx context.Context) {
	t := time.NewTimer(shmbuf.SleepTime)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
