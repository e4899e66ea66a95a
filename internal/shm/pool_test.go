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
	"sync"
	"testing"
)

func TestPoolAllocAll(t *testing.T) {
	layout := testLayout()
	seg := createTestSegment(t, "pool-all", layout)
	pool := NewChunkPool(seg)

	seen := make(map[uint64]bool)
	for i := uint32(0); i < layout.ChunkCount; i++ {
		off, ok := pool.Alloc()
		if !ok {
			t.Fatalf("Alloc %d failed with %d chunks configured", i, layout.ChunkCount)
		}
		if seen[off] {
			t.Fatalf("Alloc returned offset %d twice", off)
		}
		seen[off] = true
	}

	// Pool must now be empty
	if _, ok := pool.Alloc(); ok {
		t.Fatal("Alloc succeeded on an exhausted pool")
	}
	if got := pool.Allocated(); got != int64(layout.ChunkCount) {
		t.Errorf("Allocated() = %d, want %d", got, layout.ChunkCount)
	}
}

func TestPoolFreeMakesChunkReusable(t *testing.T) {
	layout := testLayout()
	layout.ChunkCount = 1
	seg := createTestSegment(t, "pool-reuse", layout)
	pool := NewChunkPool(seg)

	off, ok := pool.Alloc()
	if !ok {
		t.Fatal("initial Alloc failed")
	}
	if _, ok := pool.Alloc(); ok {
		t.Fatal("second Alloc succeeded with a single chunk")
	}

	if err := pool.Free(off); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	off2, ok := pool.Alloc()
	if !ok {
		t.Fatal("Alloc after Free failed")
	}
	if off2 != off {
		t.Errorf("reallocated offset %d, want recycled offset %d", off2, off)
	}
}

func TestPoolFreeValidatesOffsets(t *testing.T) {
	seg := createTestSegment(t, "pool-validate", testLayout())
	pool := NewChunkPool(seg)

	testCases := []struct {
		name string
		off  uint64
	}{
		{"before_data_area", 0},
		{"misaligned", seg.Header().DataOffset() + 1},
		{"past_end", seg.Header().DataOffset() + uint64(seg.Header().ChunkCount())*seg.Header().ChunkStride()},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := pool.Free(tc.off); err == nil {
				t.Errorf("Free(%d) accepted an invalid offset", tc.off)
			}
		})
	}
}

func TestPoolRefCounting(t *testing.T) {
	seg := createTestSegment(t, "pool-refs", testLayout())
	pool := NewChunkPool(seg)

	off, ok := pool.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}

	pool.SetRefs(off, 3)
	if got := pool.Refs(off); got != 3 {
		t.Fatalf("Refs = %d, want 3", got)
	}

	// Two releases keep the chunk allocated
	for i := 0; i < 2; i++ {
		if err := pool.ReleaseRef(off); err != nil {
			t.Fatalf("ReleaseRef %d failed: %v", i, err)
		}
	}
	if got := pool.Allocated(); got != 1 {
		t.Fatalf("chunk freed early: Allocated() = %d", got)
	}

	// Final release frees it
	if err := pool.ReleaseRef(off); err != nil {
		t.Fatalf("final ReleaseRef failed: %v", err)
	}
	if got := pool.Allocated(); got != 0 {
		t.Fatalf("chunk not freed at zero refs: Allocated() = %d", got)
	}
}

func TestPoolConcurrentAllocFree(t *testing.T) {
	layout := testLayout()
	layout.ChunkCount = 128
	seg := createTestSegment(t, "pool-conc", layout)
	pool := NewChunkPool(seg)

	const workers = 8
	const rounds = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				off, ok := pool.Alloc()
				if !ok {
					continue // transient exhaustion under contention
				}
				if err := pool.Free(off); err != nil {
					t.Errorf("Free(%d) failed: %v", off, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := pool.Allocated(); got != 0 {
		t.Errorf("Allocated() = %d after balanced alloc/free", got)
	}

	// Every chunk must still be allocatable exactly once
	for i := uint32(0); i < layout.ChunkCount; i++ {
		if _, ok := pool.Alloc(); !ok {
			t.Fatalf("free list corrupted: only %d of %d chunks allocatable", i, layout.ChunkCount)
		}
	}
	if _, ok := pool.Alloc(); ok {
		t.Fatal("free list corrupted: extra chunk appeared")
	}
}
