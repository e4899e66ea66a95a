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

package shm

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"
)

// ErrQueueClosed indicates that the queue has been closed by its producer.
var ErrQueueClosed = errors.New("delivery queue closed")

// OffsetQueue is a single-producer single-consumer queue of chunk offsets
// living inside a segment's queue slot. The producer is the publishing
// side; the consumer is one receiving endpoint, possibly in another
// process.
//
// Pushes never block: delivery is a non-blocking handoff and a full queue
// is the consumer's backpressure signal. Pops may block via futex until
// the producer publishes an entry or closes the queue.
type OffsetQueue struct {
	capMask uint64  // capacity-1 for fast masking (capacity is a power of 2)
	hdrOff  uintptr // offset of the QueueHeader in the mapped bytes
	dataOff uintptr // offset of the entry array
	mem     []byte  // the mmapped region (no copying)
	// No Go pointers into shared memory stored here; compute addresses
	// on demand.
}

// OpenQueue returns the queue view for slot idx of seg. Producer and
// consumer sides open the same slot independently.
func OpenQueue(seg *Segment, idx uint32) (*OffsetQueue, error) {
	h := seg.Header()
	if idx >= h.MaxConnections() {
		return nil, fmt.Errorf("queue slot %d out of range (max %d)", idx, h.MaxConnections())
	}

	slotOff := seg.QueueSlotOffset(idx)
	return &OffsetQueue{
		capMask: h.QueueCapacity() - 1,
		hdrOff:  uintptr(slotOff),
		dataOff: uintptr(slotOff + QueueHeaderSize),
		mem:     seg.Mem,
	}, nil
}

// header returns a pointer to the QueueHeader in shared memory.
func (q *OffsetQueue) header() *QueueHeader {
	return (*QueueHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(&q.mem[0])) + q.hdrOff))
}

// entry returns the address of the entry at monotonic index idx.
func (q *OffsetQueue) entry(idx uint64) *uint64 {
	pos := uintptr((idx & q.capMask) * 8)
	return (*uint64)(unsafe.Pointer(uintptr(unsafe.Pointer(&q.mem[0])) + q.dataOff + pos))
}

// Capacity returns the queue's entry capacity.
func (q *OffsetQueue) Capacity() uint64 {
	return q.capMask + 1
}

// Used returns the number of entries currently queued.
func (q *OffsetQueue) Used() uint64 {
	return q.header().Used()
}

// TryPush appends off to the queue without blocking. Returns false when
// the queue is full or closed; the caller decides what a rejected
// delivery means.
func (q *OffsetQueue) TryPush(off uint64) bool {
	hdr := q.header()

	if hdr.Closed() {
		return false
	}

	widx := hdr.WriteIndex()
	ridx := hdr.ReadIndex()

	usedBefore := widx - ridx
	if usedBefore >= q.Capacity() {
		return false
	}

	// Publish the entry first, then advance the index. The consumer only
	// reads entries below the write index, so this ordering makes the
	// entry visible before it is claimable.
	*q.entry(widx) = off
	hdr.SetWriteIndex(widx + 1)

	// Only wake the consumer on the empty -> non-empty transition to
	// avoid unnecessary kernel calls.
	if usedBefore == 0 {
		hdr.IncrementDataSequence()
		futexWake(&hdr.dataSeq, 1)
	}

	return true
}

// TryPop removes and returns the oldest entry without blocking.
// Returns false when the queue is empty.
func (q *OffsetQueue) TryPop() (uint64, bool) {
	hdr := q.header()

	widx := hdr.WriteIndex()
	ridx := hdr.ReadIndex()
	if widx == ridx {
		return 0, false
	}

	off := *q.entry(ridx)
	hdr.SetReadIndex(ridx + 1)
	return off, true
}

// PopContext removes and returns the oldest entry, blocking until an
// entry is available, the queue is closed and drained, or ctx is done.
func (q *OffsetQueue) PopContext(ctx context.Context) (uint64, error) {
	hdr := q.header()

	for {
		if off, ok := q.TryPop(); ok {
			return off, nil
		}

		if hdr.Closed() {
			// Closed and drained
			return 0, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		dataSeq := hdr.DataSequence()

		// Bound the wait by the context deadline so cancellation is
		// observed even without a wake.
		timeoutNs := int64(time.Millisecond * 10)
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, context.DeadlineExceeded
			}
			if remaining.Nanoseconds() < timeoutNs {
				timeoutNs = remaining.Nanoseconds()
			}
		}

		if err := futexWaitTimeout(&hdr.dataSeq, dataSeq, timeoutNs); err != nil && !errors.Is(err, ErrFutexTimeout) {
			return 0, err
		}
		// Re-check the condition on every wake, spurious or not.
	}
}

// Close marks the queue closed. Consumers drain remaining entries and
// then observe ErrQueueClosed.
func (q *OffsetQueue) Close() {
	hdr := q.header()
	hdr.SetClosed(true)

	// Wake any blocked consumer so it observes the closed flag.
	hdr.IncrementDataSequence()
	futexWake(&hdr.dataSeq, 1)
}

// Closed reports whether the producer closed the queue.
func (q *OffsetQueue) Closed() bool {
	return q.header().Closed()
}

// Reopen clears the closed flag of a drained slot so the slot can serve a
// new consumer. The caller must have drained the queue first.
func (q *OffsetQueue) Reopen() {
	q.header().SetClosed(false)
}

// SetAttached records whether a consumer is attached to this slot. The
// flag lives in the shared header so other processes can inspect slot
// occupancy.
func (q *OffsetQueue) SetAttached(attached bool) {
	q.header().SetAttached(attached)
}

// Attached reports whether a consumer is attached to this slot.
func (q *OffsetQueue) Attached() bool {
	return q.header().Attached()
}
