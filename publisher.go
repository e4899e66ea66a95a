/*
 * Copyright 2025 The shmpub Authors.
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

package shmpub

import (
	"context"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/google/uuid"
	"google.golang.org/grpc/grpclog"

	"github.com/shm-ipc/shmpub/internal/shm"
)

var logger = grpclog.Component("shmpub")

// Option configures a Publisher at construction time.
type Option func(*options)

type options struct {
	chunkCount      uint32
	payloadCapacity uint64
	maxConnections  uint32
	queueCapacity   uint64
}

// WithChunkCount sets how many chunks the segment holds, bounding the
// number of samples that can be loaned or in flight at once.
func WithChunkCount(n uint32) Option {
	return func(o *options) { o.chunkCount = n }
}

// WithPayloadCapacity sets the payload bytes reserved per chunk. The
// default is the size of the payload type; raise it to share one segment
// geometry across differently sized payload types.
func WithPayloadCapacity(n uint64) Option {
	return func(o *options) { o.payloadCapacity = n }
}

// WithMaxConnections sets the number of receiver connection slots.
func WithMaxConnections(n uint32) Option {
	return func(o *options) { o.maxConnections = n }
}

// WithQueueCapacity sets the per-connection delivery queue capacity in
// entries, rounded up to a power of two.
func WithQueueCapacity(n uint64) Option {
	return func(o *options) { o.queueCapacity = shm.NextPowerOfTwo(n) }
}

// Publisher is a sending endpoint of the shared-memory transport. It owns
// the mapped segment, loans chunks out as samples, and implements the
// PublishCapability those samples resolve through: reclaim on release,
// fan-out to the connected delivery queues on send.
//
// A Publisher is not safe for concurrent use. Loans, sends, releases and
// connection changes must all happen on the goroutine that owns the
// Publisher; this is why samples themselves must not be handed to other
// goroutines.
type Publisher[T any] struct {
	seg         *shm.Segment
	pool        *shm.ChunkPool
	id          PortID
	name        string
	payloadSize uint64
	conns       []*Connection
	closed      bool
}

// NewPublisher creates the shared segment for name and returns a publisher
// over it. The payload type T must be fixed-size and pointer-free; types
// containing pointers, slices, maps, strings, channels, functions or
// interfaces are rejected, as is a type larger than the configured payload
// capacity.
func NewPublisher[T any](name string, opts ...Option) (*Publisher[T], error) {
	var zero T
	if err := checkPayloadType(reflect.TypeOf(&zero).Elem()); err != nil {
		return nil, fmt.Errorf("payload type %T: %w", zero, err)
	}
	payloadSize := uint64(unsafe.Sizeof(zero))

	o := options{
		chunkCount:      shm.DefaultChunkCount,
		payloadCapacity: payloadSize,
		maxConnections:  shm.DefaultMaxConnections,
		queueCapacity:   shm.DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if payloadSize > o.payloadCapacity {
		return nil, fmt.Errorf("payload type %T needs %d bytes, chunk payload capacity is %d",
			zero, payloadSize, o.payloadCapacity)
	}

	seg, err := shm.CreateSegment(name, shm.Layout{
		ChunkCount:      o.chunkCount,
		PayloadCapacity: o.payloadCapacity,
		MaxConnections:  o.maxConnections,
		QueueCapacity:   o.queueCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create publish segment: %w", err)
	}

	return &Publisher[T]{
		seg:         seg,
		pool:        shm.NewChunkPool(seg),
		id:          PortID(uuid.New()),
		name:        name,
		payloadSize: payloadSize,
		conns:       make([]*Connection, o.maxConnections),
	}, nil
}

// ID returns the publisher's unique port identifier.
func (p *Publisher[T]) ID() PortID {
	return p.id
}

// Name returns the segment name the publisher was created with.
func (p *Publisher[T]) Name() string {
	return p.name
}

// LoanUninit reserves a chunk and returns the uninitialized sample over
// it. The header is stamped; the payload memory is not yet written and
// must not be read. Fails when the publisher is closed or every chunk is
// loaned out or in flight.
func (p *Publisher[T]) LoanUninit() (*SampleMutUninit[T], error) {
	if p.closed {
		return nil, ErrPublisherClosed
	}

	off, ok := p.pool.Alloc()
	if !ok {
		return nil, fmt.Errorf("loan failed: %w", shm.ErrPoolExhausted)
	}

	hdr := (*Header)(unsafe.Pointer(&p.seg.Mem[off]))
	hdr.stamp(p.id, p.payloadSize)

	payload := (*T)(unsafe.Pointer(&p.seg.Mem[off+shm.ChunkHeaderSize]))
	return newSampleMutUninit(p, hdr, payload, newPointerOffset(off)), nil
}

// Loan reserves a chunk and initializes its payload to the zero value of
// T, returning a sample that is immediately sendable or editable in place.
func (p *Publisher[T]) Loan() (*SampleMut[T], error) {
	sample, err := p.LoanUninit()
	if err != nil {
		return nil, err
	}
	var zero T
	return sample.WritePayload(zero), nil
}

// Connect attaches a receiver to a free connection slot and returns its
// delivery queue endpoint. Subsequent sends fan out to it.
func (p *Publisher[T]) Connect() (*Connection, error) {
	if p.closed {
		return nil, ErrPublisherClosed
	}

	for slot := uint32(0); slot < uint32(len(p.conns)); slot++ {
		if p.conns[slot] != nil {
			continue
		}
		q, err := shm.OpenQueue(p.seg, slot)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue slot %d: %w", slot, err)
		}
		// The slot may have been closed by an earlier disconnect.
		q.Reopen()
		q.SetAttached(true)
		c := &Connection{
			queue: q,
			pool:  p.pool,
			slot:  slot,
		}
		p.conns[slot] = c
		return c, nil
	}
	return nil, ErrNoFreeSlot
}

// Disconnect detaches a connection. Undelivered entries still in its queue
// are drained and their delivery references dropped so the chunks flow
// back to the pool.
func (p *Publisher[T]) Disconnect(c *Connection) {
	if c == nil || c.slot >= uint32(len(p.conns)) || p.conns[c.slot] != c {
		return
	}
	p.conns[c.slot] = nil
	c.queue.Close()
	c.queue.SetAttached(false)
	p.drainQueue(c)
}

// ConnectionCount returns the number of attached receivers.
func (p *Publisher[T]) ConnectionCount() int {
	n := 0
	for _, c := range p.conns {
		if c != nil {
			n++
		}
	}
	return n
}

// OutstandingLoans returns the number of chunks currently loaned out or
// awaiting consumption. Diagnostic only.
func (p *Publisher[T]) OutstandingLoans() int64 {
	return p.pool.Allocated()
}

// ReturnLoanedSample implements PublishCapability. It returns the chunk at
// offset to the free list. Faults cannot reach the caller: release paths
// have nowhere to put an error, so they are logged and absorbed here.
func (p *Publisher[T]) ReturnLoanedSample(offset PointerOffset) {
	if p.seg.Mem == nil {
		logger.Warningf("reclaim of offset %d after publisher teardown", offset.Value())
		return
	}
	if err := p.pool.Free(offset.Value()); err != nil {
		logger.Warningf("reclaim of offset %d failed: %v", offset.Value(), err)
	}
}

// SendSample implements PublishCapability. The chunk at offset is pushed
// to every attached delivery queue; the delivered count is how many queues
// accepted it. A queue rejecting the push (full or closed) lowers the
// count but is not an error. With no attached receivers, or on a closed
// publisher, the send is structurally impossible and a *ConnectionFailure
// is returned.
//
// Ownership of the chunk passes to this call: on structural failure, or
// when every queue rejected the push, the chunk is freed here; otherwise
// it is freed by the last connection to release its delivery reference.
func (p *Publisher[T]) SendSample(offset PointerOffset) (int, error) {
	off := offset.Value()

	if p.closed {
		p.freeUndeliverable(off)
		return 0, &ConnectionFailure{Err: ErrPublisherClosed}
	}

	active := 0
	for _, c := range p.conns {
		if c != nil {
			active++
		}
	}
	if active == 0 {
		p.freeUndeliverable(off)
		return 0, &ConnectionFailure{Err: ErrNoReceivers}
	}

	// Pre-charge one delivery reference per attached receiver, then give
	// back the references of rejected pushes. Charging first closes the
	// race where a fast consumer pops and releases an entry before the
	// count is in place.
	p.pool.SetRefs(off, uint32(active))

	delivered := 0
	for _, c := range p.conns {
		if c == nil {
			continue
		}
		if c.queue.TryPush(off) {
			delivered++
			continue
		}
		if err := p.pool.ReleaseRef(off); err != nil {
			logger.Warningf("dropping reference for rejected delivery of offset %d failed: %v", off, err)
		}
	}

	return delivered, nil
}

// Close detaches every connection, marks the segment closed, unmaps it and
// removes the backing file. Samples still outstanding resolve as no-ops
// afterwards; their chunks die with the segment.
func (p *Publisher[T]) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	for slot, c := range p.conns {
		if c == nil {
			continue
		}
		p.conns[slot] = nil
		c.queue.Close()
		c.queue.SetAttached(false)
		p.drainQueue(c)
	}

	p.seg.Header().SetClosed(true)

	err := p.seg.Close()
	if rmErr := shm.RemoveSegment(p.name); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// freeUndeliverable frees a chunk whose ownership arrived at the
// capability but which no queue will ever consume.
func (p *Publisher[T]) freeUndeliverable(off uint64) {
	if p.seg.Mem == nil {
		return
	}
	if err := p.pool.Free(off); err != nil {
		logger.Warningf("freeing undeliverable offset %d failed: %v", off, err)
	}
}

// drainQueue drops the delivery references of everything left in a
// detached connection's queue.
func (p *Publisher[T]) drainQueue(c *Connection) {
	for {
		off, ok := c.queue.TryPop()
		if !ok {
			return
		}
		if err := p.pool.ReleaseRef(off); err != nil {
			logger.Warningf("draining offset %d from slot %d failed: %v", off, c.slot, err)
		}
	}
}

// Connection is one receiver's attachment to a publisher: a delivery queue
// of chunk offsets in the shared segment. Exactly one consumer may use a
// Connection, possibly in a different goroutine or process than the
// publisher.
type Connection struct {
	queue *shm.OffsetQueue
	pool  *shm.ChunkPool
	slot  uint32
}

// Slot returns the connection's slot index within the segment.
func (c *Connection) Slot() uint32 {
	return c.slot
}

// Next blocks until a delivered offset is available, the connection is
// closed and drained, or ctx is done.
func (c *Connection) Next(ctx context.Context) (PointerOffset, error) {
	off, err := c.queue.PopContext(ctx)
	if err != nil {
		return PointerOffset{}, err
	}
	return newPointerOffset(off), nil
}

// TryNext returns a delivered offset without blocking. The second return
// is false when the queue is empty.
func (c *Connection) TryNext() (PointerOffset, bool) {
	off, ok := c.queue.TryPop()
	if !ok {
		return PointerOffset{}, false
	}
	return newPointerOffset(off), true
}

// Release drops the connection's delivery reference on a consumed offset.
// The chunk returns to the free list once every receiving connection has
// released it.
func (c *Connection) Release(offset PointerOffset) {
	if err := c.pool.ReleaseRef(offset.Value()); err != nil {
		logger.Warningf("releasing consumed offset %d failed: %v", offset.Value(), err)
	}
}

// Pending returns the number of undelivered entries in the queue.
func (c *Connection) Pending() uint64 {
	return c.queue.Used()
}

// checkPayloadType rejects types whose values cannot live in memory shared
// across address spaces.
func checkPayloadType(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkPayloadType(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if err := checkPayloadType(t.Field(i).Type); err != nil {
				return fmt.Errorf("field %s: %w", t.Field(i).Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("kind %s cannot cross address spaces", t.Kind())
	}
}
