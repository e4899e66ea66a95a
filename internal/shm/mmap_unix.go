//go:build unix

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
	"path/filepath"
	"syscall"
)

func init() {
	// Set platform-specific function implementations
	unmapMemory = munmapImpl
}

// CreateSegment creates and initializes a new publish segment owned by the
// calling process. The returned segment has every chunk on the free list
// and every queue slot unattached.
func CreateSegment(name string, layout Layout) (*Segment, error) {
	path := generateSegmentPath(name)

	g, err := CalculateSegmentLayout(layout)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	// Create the file with exclusive access
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	// Ensure cleanup on error
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(g.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(g.TotalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	segment := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
	}

	// Initialize the segment header
	h := segment.Header()
	h.SetMagic([8]byte{'S', 'H', 'M', 'P', 'U', 'B', 0, 0})
	h.SetVersion(SegmentVersion)
	h.SetTotalSize(g.TotalSize)
	h.SetChunkCount(layout.ChunkCount)
	h.SetMaxConnections(layout.MaxConnections)
	h.SetPayloadCapacity(layout.PayloadCapacity)
	h.SetChunkStride(g.ChunkStride)
	h.SetQueueCapacity(layout.QueueCapacity)
	h.SetQueueStride(g.QueueStride)
	h.SetFreeListOffset(g.FreeOff)
	h.SetQueueOffset(g.QueueOff)
	h.SetDataOffset(g.DataOff)
	h.SetCreatorPID(uint32(os.Getpid()))

	// Initialize queue slot headers
	for i := uint32(0); i < layout.MaxConnections; i++ {
		q := segment.queueHeader(i)
		q.SetCapacity(layout.QueueCapacity)
		q.SetWriteIndex(0)
		q.SetReadIndex(0)
		q.SetAttached(false)
		q.SetClosed(false)
	}

	// Chain every chunk onto the free list
	initFreeList(segment)

	// Publish the ready flag last so openers never observe a partially
	// initialized header.
	h.SetReady(true)

	return segment, nil
}

// OpenSegment opens an existing publish segment created by another process.
func OpenSegment(name string) (*Segment, error) {
	path := generateSegmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	segment := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
	}

	if err := ValidateSegmentHeader(segment.Header()); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}

	return segment, nil
}

// generateSegmentPath generates the file path for a shared memory segment.
func generateSegmentPath(name string) string {
	// Prefer /dev/shm on Linux
	shmPath := filepath.Join("/dev/shm", "shmpub_"+name)
	if isDevShmAvailable() {
		return shmPath
	}

	return filepath.Join(os.TempDir(), "shmpub_"+name)
}

// isDevShmAvailable checks if /dev/shm is available and writable.
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// mmapFile memory maps a file.
func mmapFile(file *os.File, size int) ([]byte, error) {
	fd := int(file.Fd())

	data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return data, nil
}

// munmapImpl unmaps a memory-mapped region.
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := syscall.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}

	return nil
}
