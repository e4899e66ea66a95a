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
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrPoolExhausted indicates that every chunk in the segment is loaned out
// or still queued for delivery.
var ErrPoolExhausted = errors.New("chunk pool exhausted")

// ChunkPool hands out fixed-size chunks from a segment's data area and
// takes them back. The free list is a lock-free LIFO held in shared
// memory: a link table of chunk indices plus a packed head word in the
// segment header carrying a generation tag to defeat ABA. Any process
// with the segment mapped may allocate or free.
//
// Chunks are identified by their byte offset from the segment base. The
// first ChunkHeaderSize bytes of a chunk are metadata; the payload area
// follows.
type ChunkPool struct {
	seg *Segment

	// allocated counts chunks handed out by this process; diagnostic
	// only, not part of the shared state.
	allocated atomic.Int64
}

// Free-list head packing: high 32 bits are a generation counter, low 32
// bits are (chunk index + 1), so zero means the list is empty. Link table
// entries use the same index+1 encoding.
const freeListEnd = uint32(0)

// NewChunkPool returns a pool over seg's data area. The free list itself
// lives in the segment and is shared with every other mapping process.
func NewChunkPool(seg *Segment) *ChunkPool {
	return &ChunkPool{seg: seg}
}

// initFreeList chains every chunk onto the free list. Called once by the
// segment creator before publishing the ready flag.
func initFreeList(seg *Segment) {
	h := seg.Header()
	links := seg.freeLinks()
	count := h.ChunkCount()

	for i := uint32(0); i < count; i++ {
		next := freeListEnd
		if i+1 < count {
			next = i + 2 // index+1 encoding of chunk i+1
		}
		atomic.StoreUint32(&links[i], next)
	}

	// Head points at chunk 0, generation 0.
	atomic.StoreUint64(&h.freeHead, 1)
}

// Alloc pops a chunk off the free list and returns its byte offset.
// Returns false when the pool is exhausted.
func (p *ChunkPool) Alloc() (uint64, bool) {
	h := p.seg.Header()
	links := p.seg.freeLinks()

	for {
		head := atomic.LoadUint64(&h.freeHead)
		slot := uint32(head)
		if slot == freeListEnd {
			return 0, false
		}
		idx := slot - 1

		next := atomic.LoadUint32(&links[idx])
		gen := head >> 32
		newHead := (gen+1)<<32 | uint64(next)

		if atomic.CompareAndSwapUint64(&h.freeHead, head, newHead) {
			p.allocated.Add(1)
			return p.seg.ChunkOffset(idx), true
		}
	}
}

// Free pushes the chunk at off back onto the free list. The offset must
// identify a chunk previously returned by Alloc on the same segment.
func (p *ChunkPool) Free(off uint64) error {
	idx, err := p.chunkIndex(off)
	if err != nil {
		return err
	}

	h := p.seg.Header()
	links := p.seg.freeLinks()

	for {
		head := atomic.LoadUint64(&h.freeHead)
		atomic.StoreUint32(&links[idx], uint32(head))
		gen := head >> 32
		newHead := (gen+1)<<32 | uint64(idx+1)

		if atomic.CompareAndSwapUint64(&h.freeHead, head, newHead) {
			p.allocated.Add(-1)
			return nil
		}
	}
}

// SetRefs stores the delivery reference count of the chunk at off.
// The producer sets it to the number of queues the offset was pushed to
// before the consumers start releasing.
func (p *ChunkPool) SetRefs(off uint64, n uint32) {
	atomic.StoreUint32(p.refsWord(off), n)
}

// Refs returns the current delivery reference count of the chunk at off.
func (p *ChunkPool) Refs(off uint64) uint32 {
	return atomic.LoadUint32(p.refsWord(off))
}

// ReleaseRef drops one delivery reference from the chunk at off and frees
// the chunk when the count reaches zero.
func (p *ChunkPool) ReleaseRef(off uint64) error {
	if _, err := p.chunkIndex(off); err != nil {
		return err
	}

	remaining := atomic.AddUint32(p.refsWord(off), ^uint32(0))
	if remaining == 0 {
		return p.Free(off)
	}
	return nil
}

// PayloadCapacity returns the payload bytes available in every chunk.
func (p *ChunkPool) PayloadCapacity() uint64 {
	return p.seg.Header().PayloadCapacity()
}

// ChunkCount returns the total number of chunks in the pool.
func (p *ChunkPool) ChunkCount() uint32 {
	return p.seg.Header().ChunkCount()
}

// Allocated returns the number of chunks this process has allocated and
// not yet freed. Diagnostic only; other processes' activity is invisible.
func (p *ChunkPool) Allocated() int64 {
	return p.allocated.Load()
}

// refsWord returns the address of the chunk's reference count field.
func (p *ChunkPool) refsWord(off uint64) *uint32 {
	return (*uint32)(memPtr(p.seg.Mem, off+ChunkRefsOffset))
}

// chunkIndex validates off and converts it back to a chunk index.
func (p *ChunkPool) chunkIndex(off uint64) (uint32, error) {
	h := p.seg.Header()
	dataOff := h.DataOffset()
	stride := h.ChunkStride()

	if off < dataOff || (off-dataOff)%stride != 0 {
		return 0, fmt.Errorf("offset %d does not address a chunk", off)
	}
	idx := (off - dataOff) / stride
	if idx >= uint64(h.ChunkCount()) {
		return 0, fmt.Errorf("offset %d is past the data area", off)
	}
	return uint32(idx), nil
}
