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
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/shm-ipc/shmpub/internal/shm"
)

// PortID uniquely identifies a publishing endpoint. It is carried in every
// sample header so receivers can attribute messages to their sender.
type PortID uuid.UUID

// String implements fmt.Stringer.
func (id PortID) String() string {
	return uuid.UUID(id).String()
}

// Header is the fixed metadata written at the front of every loaned chunk,
// directly before the payload in the same shared memory region. It is
// stamped once at loan time and immutable from the caller's perspective for
// the rest of the sample's life; in particular it is identical before and
// after the sample's payload is initialized.
type Header struct {
	timestampNanos uint64   // 0x00: creation time, Unix nanoseconds
	portID         [16]byte // 0x08: publishing endpoint identifier
	payloadLen     uint64   // 0x18: payload bytes in use
	refs           uint32   // 0x20: delivery reference count (pool-managed)
	pad            uint32   // 0x24: padding
	reserved       [24]byte // 0x28-0x3F: reserved/padding to 64B
}

// The chunk pool frees a delivered chunk by decrementing the reference
// count in place, so the header size and the refs field offset are part of
// the shared layout contract.
var (
	_ [shm.ChunkHeaderSize]byte = [unsafe.Sizeof(Header{})]byte{}
	_ [shm.ChunkRefsOffset]byte = [unsafe.Offsetof(Header{}.refs)]byte{}
)

// Timestamp returns the sample's creation time.
func (h *Header) Timestamp() time.Time {
	return time.Unix(0, int64(h.timestampNanos))
}

// PublisherID returns the identifier of the publishing endpoint that loaned
// the sample.
func (h *Header) PublisherID() PortID {
	return PortID(h.portID)
}

// PayloadSize returns the number of payload bytes following the header.
func (h *Header) PayloadSize() uint64 {
	return h.payloadLen
}

// stamp initializes the header at loan time.
func (h *Header) stamp(port PortID, payloadLen uint64) {
	h.timestampNanos = uint64(time.Now().UnixNano())
	h.portID = [16]byte(port)
	h.payloadLen = payloadLen
	h.refs = 0
}
