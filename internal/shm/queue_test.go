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
	"testing"
	"time"
)

func TestQueueOpenOutOfRange(t *testing.T) {
	seg := createTestSegment(t, "q-range", testLayout())

	if _, err := OpenQueue(seg, seg.Header().MaxConnections()); err == nil {
		t.Fatal("OpenQueue accepted an out-of-range slot")
	}
}

func TestQueuePushPopOrder(t *testing.T) {
	seg := createTestSegment(t, "q-fifo", testLayout())
	q, err := OpenQueue(seg, 0)
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	offsets := []uint64{64, 128, 192, 256, 320}
	for _, off := range offsets {
		if !q.TryPush(off) {
			t.Fatalf("TryPush(%d) failed on non-full queue", off)
		}
	}

	for i, want := range offsets {
		got, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop %d failed with %d entries queued", i, len(offsets)-i)
		}
		if got != want {
			t.Errorf("TryPop %d = %d, want %d (FIFO order violated)", i, got, want)
		}
	}

	if _, ok := q.TryPop(); ok {
		t.Fatal("TryPop succeeded on a drained queue")
	}
}

func TestQueueFullRejectsPush(t *testing.T) {
	layout := testLayout()
	layout.QueueCapacity = 4
	seg := createTestSegment(t, "q-full", layout)
	q, err := OpenQueue(seg, 0)
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	for i := uint64(0); i < layout.QueueCapacity; i++ {
		if !q.TryPush(i * 64) {
			t.Fatalf("TryPush %d failed below capacity", i)
		}
	}

	if q.TryPush(9999) {
		t.Fatal("TryPush succeeded on a full queue")
	}
	if got := q.Used(); got != layout.QueueCapacity {
		t.Errorf("Used() = %d, want %d", got, layout.QueueCapacity)
	}

	// Popping one entry makes room for exactly one more
	if _, ok := q.TryPop(); !ok {
		t.Fatal("TryPop failed on full queue")
	}
	if !q.TryPush(9999) {
		t.Fatal("TryPush failed after a pop freed a slot")
	}
}

func TestQueueWrapAround(t *testing.T) {
	layout := testLayout()
	layout.QueueCapacity = 4
	seg := createTestSegment(t, "q-wrap", layout)
	q, err := OpenQueue(seg, 0)
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	// Cycle many times past the capacity to exercise index wrapping
	next := uint64(0)
	for round := 0; round < 50; round++ {
		for i := 0; i < 3; i++ {
			if !q.TryPush(next) {
				t.Fatalf("TryPush(%d) failed in round %d", next, round)
			}
			next++
		}
		for i := 0; i < 3; i++ {
			want := next - 3 + uint64(i)
			got, ok := q.TryPop()
			if !ok || got != want {
				t.Fatalf("round %d pop %d = (%d, %v), want (%d, true)", round, i, got, ok, want)
			}
		}
	}
}

func TestQueuePopContextBlocksUntilPush(t *testing.T) {
	seg := createTestSegment(t, "q-block", testLayout())
	q, err := OpenQueue(seg, 0)
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := make(chan uint64, 1)
	errCh := make(chan error, 1)
	go func() {
		off, err := q.PopContext(ctx)
		if err != nil {
			errCh <- err
			return
		}
		result <- off
	}()

	// Give the consumer a moment to block, then publish
	time.Sleep(20 * time.Millisecond)
	if !q.TryPush(4096) {
		t.Fatal("TryPush failed")
	}

	select {
	case off := <-result:
		if off != 4096 {
			t.Errorf("PopContext = %d, want 4096", off)
		}
	case err := <-errCh:
		t.Fatalf("PopContext failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("PopContext did not observe the push")
	}
}

func TestQueuePopContextCancellation(t *testing.T) {
	seg := createTestSegment(t, "q-cancel", testLayout())
	q, err := OpenQueue(seg, 0)
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = q.PopContext(ctx)
	if err == nil {
		t.Fatal("PopContext returned without data or cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("PopContext error = %v, want context.DeadlineExceeded", err)
	}
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	seg := createTestSegment(t, "q-close", testLayout())
	q, err := OpenQueue(seg, 0)
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	if !q.TryPush(64) {
		t.Fatal("TryPush failed")
	}
	q.Close()

	if q.TryPush(128) {
		t.Fatal("TryPush succeeded on a closed queue")
	}

	// Remaining entries drain first
	off, err := q.PopContext(context.Background())
	if err != nil {
		t.Fatalf("PopContext failed on closed queue with data: %v", err)
	}
	if off != 64 {
		t.Errorf("PopContext = %d, want 64", off)
	}

	// Then the closed state surfaces
	if _, err := q.PopContext(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("PopContext on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestQueueConcurrentProducerConsumer(t *testing.T) {
	layout := testLayout()
	layout.QueueCapacity = 64
	seg := createTestSegment(t, "q-spsc", layout)

	producer, err := OpenQueue(seg, 0)
	if err != nil {
		t.Fatalf("OpenQueue (producer) failed: %v", err)
	}
	consumer, err := OpenQueue(seg, 0)
	if err != nil {
		t.Fatalf("OpenQueue (consumer) failed: %v", err)
	}

	const total = 10000
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		for i := uint64(0); i < total; i++ {
			got, err := consumer.PopContext(ctx)
			if err != nil {
				done <- err
				return
			}
			if got != i*64 {
				done <- errors.New("out of order entry")
				return
			}
		}
		done <- nil
	}()

	for i := uint64(0); i < total; i++ {
		for !producer.TryPush(i * 64) {
			time.Sleep(time.Microsecond) // consumer is behind
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("consumer failed: %v", err)
	}
}
