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
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	SegmentMagic = "SHMPUB\x00\x00"

	// Current layout version
	SegmentVersion = uint32(1)

	// Segment header size (aligned to 64 bytes)
	SegmentHeaderSize = 192

	// Queue slot header size (aligned to 64 bytes)
	QueueHeaderSize = 64

	// Chunk header size; the chunk payload starts at this offset within a
	// chunk. Must match the public header type in the root package.
	ChunkHeaderSize = 64

	// Byte offset of the delivery reference count within a chunk header.
	// Must match the refs field of the public header type.
	ChunkRefsOffset = 32

	// Bounds for pool geometry
	MinChunkCount = 1
	MaxChunkCount = 1 << 20

	// Minimum delivery queue capacity (entries, power of two)
	MinQueueCapacity = 4

	// Defaults used by callers that do not override the geometry
	DefaultChunkCount      = 64
	DefaultPayloadCapacity = 4096
	DefaultMaxConnections  = 8
	DefaultQueueCapacity   = 256
)

// Platform-specific functions (implemented in platform-specific files)
var (
	// unmapMemory unmaps a memory-mapped region
	unmapMemory func([]byte) error
)

// Layout describes the geometry of a publish segment: how many chunks it
// holds, how large each chunk's payload area is, and how many delivery
// queue slots of which capacity are reserved.
type Layout struct {
	ChunkCount      uint32 // number of loanable chunks
	PayloadCapacity uint64 // payload bytes per chunk (excluding chunk header)
	MaxConnections  uint32 // number of delivery queue slots
	QueueCapacity   uint64 // entries per delivery queue (power of two)
}

// SegmentHeader is the fixed header at the start of every publish segment.
// All mutable fields are accessed atomically; layout offsets are part of
// the on-disk format and must not change within a version.
type SegmentHeader struct {
	magic       [8]byte  // 0x00: "SHMPUB\0\0"
	version     uint32   // 0x08: layout version
	flags       uint32   // 0x0C: reserved flags
	totalSize   uint64   // 0x10: total segment size in bytes
	chunkCount  uint32   // 0x18: number of chunks in the data area
	maxConns    uint32   // 0x1C: number of queue slots
	payloadCap  uint64   // 0x20: payload capacity per chunk
	chunkStride uint64   // 0x28: bytes from one chunk base to the next
	queueCap    uint64   // 0x30: entries per queue (power of two)
	queueStride uint64   // 0x38: bytes from one queue slot to the next
	freeOff     uint64   // 0x40: offset of the free-list link table
	queueOff    uint64   // 0x48: offset of the first queue slot
	dataOff     uint64   // 0x50: offset of the chunk data area
	freeHead    uint64   // 0x58: packed free-list head (generation | index+1)
	creatorPID  uint32   // 0x60: creating process ID
	ready       uint32   // 0x64: creator finished initialization (0->1)
	closed      uint32   // 0x68: closed flag (0 open, 1 closed)
	pad         uint32   // 0x6C: padding
	reserved    [80]byte // 0x70-0xBF: reserved/padding to 192B
}

// SegmentHeader accessors

// Magic returns the magic bytes.
func (h *SegmentHeader) Magic() [8]byte {
	return h.magic
}

// SetMagic sets the magic bytes.
func (h *SegmentHeader) SetMagic(magic [8]byte) {
	h.magic = magic
}

// Version returns the layout version.
func (h *SegmentHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// SetVersion sets the layout version.
func (h *SegmentHeader) SetVersion(version uint32) {
	atomic.StoreUint32(&h.version, version)
}

// TotalSize returns the total segment size.
func (h *SegmentHeader) TotalSize() uint64 {
	return atomic.LoadUint64(&h.totalSize)
}

// SetTotalSize sets the total segment size.
func (h *SegmentHeader) SetTotalSize(size uint64) {
	atomic.StoreUint64(&h.totalSize, size)
}

// ChunkCount returns the number of chunks in the data area.
func (h *SegmentHeader) ChunkCount() uint32 {
	return atomic.LoadUint32(&h.chunkCount)
}

// SetChunkCount sets the number of chunks in the data area.
func (h *SegmentHeader) SetChunkCount(n uint32) {
	atomic.StoreUint32(&h.chunkCount, n)
}

// MaxConnections returns the number of queue slots.
func (h *SegmentHeader) MaxConnections() uint32 {
	return atomic.LoadUint32(&h.maxConns)
}

// SetMaxConnections sets the number of queue slots.
func (h *SegmentHeader) SetMaxConnections(n uint32) {
	atomic.StoreUint32(&h.maxConns, n)
}

// PayloadCapacity returns the payload capacity per chunk.
func (h *SegmentHeader) PayloadCapacity() uint64 {
	return atomic.LoadUint64(&h.payloadCap)
}

// SetPayloadCapacity sets the payload capacity per chunk.
func (h *SegmentHeader) SetPayloadCapacity(c uint64) {
	atomic.StoreUint64(&h.payloadCap, c)
}

// ChunkStride returns the distance in bytes between chunk bases.
func (h *SegmentHeader) ChunkStride() uint64 {
	return atomic.LoadUint64(&h.chunkStride)
}

// SetChunkStride sets the distance in bytes between chunk bases.
func (h *SegmentHeader) SetChunkStride(s uint64) {
	atomic.StoreUint64(&h.chunkStride, s)
}

// QueueCapacity returns the per-queue entry capacity.
func (h *SegmentHeader) QueueCapacity() uint64 {
	return atomic.LoadUint64(&h.queueCap)
}

// SetQueueCapacity sets the per-queue entry capacity.
func (h *SegmentHeader) SetQueueCapacity(c uint64) {
	atomic.StoreUint64(&h.queueCap, c)
}

// QueueStride returns the distance in bytes between queue slots.
func (h *SegmentHeader) QueueStride() uint64 {
	return atomic.LoadUint64(&h.queueStride)
}

// SetQueueStride sets the distance in bytes between queue slots.
func (h *SegmentHeader) SetQueueStride(s uint64) {
	atomic.StoreUint64(&h.queueStride, s)
}

// FreeListOffset returns the offset of the free-list link table.
func (h *SegmentHeader) FreeListOffset() uint64 {
	return atomic.LoadUint64(&h.freeOff)
}

// SetFreeListOffset sets the offset of the free-list link table.
func (h *SegmentHeader) SetFreeListOffset(off uint64) {
	atomic.StoreUint64(&h.freeOff, off)
}

// QueueOffset returns the offset of the first queue slot.
func (h *SegmentHeader) QueueOffset() uint64 {
	return atomic.LoadUint64(&h.queueOff)
}

// SetQueueOffset sets the offset of the first queue slot.
func (h *SegmentHeader) SetQueueOffset(off uint64) {
	atomic.StoreUint64(&h.queueOff, off)
}

// DataOffset returns the offset of the chunk data area.
func (h *SegmentHeader) DataOffset() uint64 {
	return atomic.LoadUint64(&h.dataOff)
}

// SetDataOffset sets the offset of the chunk data area.
func (h *SegmentHeader) SetDataOffset(off uint64) {
	atomic.StoreUint64(&h.dataOff, off)
}

// CreatorPID returns the creating process ID.
func (h *SegmentHeader) CreatorPID() uint32 {
	return atomic.LoadUint32(&h.creatorPID)
}

// SetCreatorPID sets the creating process ID.
func (h *SegmentHeader) SetCreatorPID(pid uint32) {
	atomic.StoreUint32(&h.creatorPID, pid)
}

// Ready returns the ready flag.
func (h *SegmentHeader) Ready() bool {
	return atomic.LoadUint32(&h.ready) != 0
}

// SetReady sets the ready flag.
func (h *SegmentHeader) SetReady(ready bool) {
	var val uint32
	if ready {
		val = 1
	}
	atomic.StoreUint32(&h.ready, val)
}

// Closed returns the closed flag.
func (h *SegmentHeader) Closed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

// SetClosed sets the closed flag.
func (h *SegmentHeader) SetClosed(closed bool) {
	var val uint32
	if closed {
		val = 1
	}
	atomic.StoreUint32(&h.closed, val)
}

// QueueHeader is the fixed header at the start of every delivery queue
// slot. The entry array (queueCap uint64 offsets) follows immediately.
type QueueHeader struct {
	capacity uint64   // 0x00: power-of-two entry capacity
	widx     uint64   // 0x08: monotonic write index (producer)
	ridx     uint64   // 0x10: monotonic read index (consumer)
	dataSeq  uint32   // 0x18: data sequence for futex (producer increments)
	attached uint32   // 0x1C: slot in use flag
	closed   uint32   // 0x20: closed flag (producer sets to 1)
	pad      uint32   // 0x24: padding
	reserved [24]byte // 0x28-0x3F: reserved/padding to 64B
}

// QueueHeader accessors

// Capacity returns the queue entry capacity.
func (q *QueueHeader) Capacity() uint64 {
	return atomic.LoadUint64(&q.capacity)
}

// SetCapacity sets the queue entry capacity.
func (q *QueueHeader) SetCapacity(c uint64) {
	atomic.StoreUint64(&q.capacity, c)
}

// WriteIndex returns the monotonic write index.
func (q *QueueHeader) WriteIndex() uint64 {
	return atomic.LoadUint64(&q.widx)
}

// SetWriteIndex sets the monotonic write index.
func (q *QueueHeader) SetWriteIndex(idx uint64) {
	atomic.StoreUint64(&q.widx, idx)
}

// ReadIndex returns the monotonic read index.
func (q *QueueHeader) ReadIndex() uint64 {
	return atomic.LoadUint64(&q.ridx)
}

// SetReadIndex sets the monotonic read index.
func (q *QueueHeader) SetReadIndex(idx uint64) {
	atomic.StoreUint64(&q.ridx, idx)
}

// DataSequence returns the data sequence number for futex waits.
func (q *QueueHeader) DataSequence() uint32 {
	return atomic.LoadUint32(&q.dataSeq)
}

// IncrementDataSequence atomically increments the data sequence.
func (q *QueueHeader) IncrementDataSequence() uint32 {
	return atomic.AddUint32(&q.dataSeq, 1)
}

// Attached returns the slot-in-use flag.
func (q *QueueHeader) Attached() bool {
	return atomic.LoadUint32(&q.attached) != 0
}

// SetAttached sets the slot-in-use flag.
func (q *QueueHeader) SetAttached(attached bool) {
	var val uint32
	if attached {
		val = 1
	}
	atomic.StoreUint32(&q.attached, val)
}

// Closed returns the closed flag.
func (q *QueueHeader) Closed() bool {
	return atomic.LoadUint32(&q.closed) != 0
}

// SetClosed sets the closed flag.
func (q *QueueHeader) SetClosed(closed bool) {
	var val uint32
	if closed {
		val = 1
	}
	atomic.StoreUint32(&q.closed, val)
}

// Used returns the number of entries currently queued.
func (q *QueueHeader) Used() uint64 {
	w := atomic.LoadUint64(&q.widx)
	r := atomic.LoadUint64(&q.ridx)
	return w - r // uint64 arithmetic handles wrap-around
}

// Layout calculation and validation helpers

// IsPowerOfTwo returns true if n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// NextPowerOfTwo returns the next power of two >= n.
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}

	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// SegmentGeometry is the fully computed byte layout of a segment.
type SegmentGeometry struct {
	TotalSize   uint64
	FreeOff     uint64
	QueueOff    uint64
	QueueStride uint64
	DataOff     uint64
	ChunkStride uint64
}

// CalculateSegmentLayout computes the full geometry for a layout request.
func CalculateSegmentLayout(l Layout) (SegmentGeometry, error) {
	var g SegmentGeometry

	if l.ChunkCount < MinChunkCount || l.ChunkCount > MaxChunkCount {
		return g, fmt.Errorf("chunk count %d out of range [%d, %d]", l.ChunkCount, MinChunkCount, MaxChunkCount)
	}
	if l.PayloadCapacity == 0 {
		return g, fmt.Errorf("payload capacity must be non-zero")
	}
	if l.MaxConnections == 0 {
		return g, fmt.Errorf("at least one connection slot is required")
	}
	if !IsPowerOfTwo(l.QueueCapacity) {
		return g, fmt.Errorf("queue capacity %d is not a power of two", l.QueueCapacity)
	}
	if l.QueueCapacity < MinQueueCapacity {
		return g, fmt.Errorf("queue capacity %d is below minimum %d", l.QueueCapacity, MinQueueCapacity)
	}

	// Free-list link table: one uint32 link per chunk, after the header.
	g.FreeOff = alignTo64(SegmentHeaderSize)
	linkBytes := uint64(l.ChunkCount) * 4

	// Queue slots: header plus one uint64 entry per slot position.
	g.QueueOff = alignTo64(g.FreeOff + linkBytes)
	g.QueueStride = alignTo64(QueueHeaderSize + l.QueueCapacity*8)

	// Chunk data area: header plus payload per chunk, 64-byte strides so
	// every chunk header is aligned.
	g.DataOff = alignTo64(g.QueueOff + uint64(l.MaxConnections)*g.QueueStride)
	g.ChunkStride = alignTo64(ChunkHeaderSize + l.PayloadCapacity)

	g.TotalSize = alignTo64(g.DataOff + uint64(l.ChunkCount)*g.ChunkStride)
	return g, nil
}

// ValidateSegmentHeader validates a mapped segment header for consistency.
func ValidateSegmentHeader(h *SegmentHeader) error {
	if h.Magic() != [8]byte{'S', 'H', 'M', 'P', 'U', 'B', 0, 0} {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), SegmentVersion)
	}
	if !h.Ready() {
		return fmt.Errorf("segment not fully initialized")
	}

	layout := Layout{
		ChunkCount:      h.ChunkCount(),
		PayloadCapacity: h.PayloadCapacity(),
		MaxConnections:  h.MaxConnections(),
		QueueCapacity:   h.QueueCapacity(),
	}
	g, err := CalculateSegmentLayout(layout)
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}

	if h.TotalSize() != g.TotalSize {
		return fmt.Errorf("total size mismatch: got %d, expected %d", h.TotalSize(), g.TotalSize)
	}
	if h.FreeListOffset() != g.FreeOff {
		return fmt.Errorf("free-list offset mismatch: got %d, expected %d", h.FreeListOffset(), g.FreeOff)
	}
	if h.QueueOffset() != g.QueueOff {
		return fmt.Errorf("queue offset mismatch: got %d, expected %d", h.QueueOffset(), g.QueueOff)
	}
	if h.QueueStride() != g.QueueStride {
		return fmt.Errorf("queue stride mismatch: got %d, expected %d", h.QueueStride(), g.QueueStride)
	}
	if h.DataOffset() != g.DataOff {
		return fmt.Errorf("data offset mismatch: got %d, expected %d", h.DataOffset(), g.DataOff)
	}
	if h.ChunkStride() != g.ChunkStride {
		return fmt.Errorf("chunk stride mismatch: got %d, expected %d", h.ChunkStride(), g.ChunkStride)
	}

	return nil
}

// Segment represents a mapped shared memory segment.
type Segment struct {
	File *os.File // File descriptor for the shared memory file
	Mem  []byte   // Memory-mapped region
	Path string   // File path
}

// Header returns the typed view of the segment header.
func (s *Segment) Header() *SegmentHeader {
	return (*SegmentHeader)(unsafe.Pointer(&s.Mem[0]))
}

// ChunkOffset returns the byte offset of chunk idx's header.
func (s *Segment) ChunkOffset(idx uint32) uint64 {
	h := s.Header()
	return h.DataOffset() + uint64(idx)*h.ChunkStride()
}

// QueueSlotOffset returns the byte offset of queue slot idx's header.
func (s *Segment) QueueSlotOffset(idx uint32) uint64 {
	h := s.Header()
	return h.QueueOffset() + uint64(idx)*h.QueueStride()
}

// memPtr returns the address of byte off within the mapped region.
func memPtr(mem []byte, off uint64) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}

// queueHeader returns the typed view of queue slot idx's header.
func (s *Segment) queueHeader(idx uint32) *QueueHeader {
	return (*QueueHeader)(memPtr(s.Mem, s.QueueSlotOffset(idx)))
}

// freeLinks returns the free-list link table as a slice over shared memory.
func (s *Segment) freeLinks() []uint32 {
	h := s.Header()
	base := unsafe.Pointer(&s.Mem[h.FreeListOffset()])
	return unsafe.Slice((*uint32)(base), h.ChunkCount())
}

// Close unmaps the memory and closes the file.
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}

	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}

// Utility functions

// RemoveSegment removes a shared memory segment file.
func RemoveSegment(name string) error {
	// Try both possible paths
	paths := []string{
		"/dev/shm/shmpub_" + name,
		os.TempDir() + "/shmpub_" + name,
	}

	var lastErr error
	for _, path := range paths {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// SegmentExists checks if a shared memory segment exists.
func SegmentExists(name string) bool {
	paths := []string{
		"/dev/shm/shmpub_" + name,
		os.TempDir() + "/shmpub_" + name,
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
