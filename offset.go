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

import "fmt"

// PointerOffset identifies a loaned memory region by its byte distance from
// the shared segment base. Unlike a process-local pointer, the same offset
// value resolves to the same region in every process that has the segment
// mapped, regardless of where the mapping landed in each address space.
//
// A PointerOffset carries no ownership: copying the value is safe and does
// not duplicate the region. Offsets are only produced by the loan path;
// equality and ordering are meaningful within a single segment.
type PointerOffset struct {
	off uint64
}

// newPointerOffset wraps a raw segment offset. Only the loan path creates
// offsets; callers receive them through samples.
func newPointerOffset(off uint64) PointerOffset {
	return PointerOffset{off: off}
}

// Value returns the raw byte offset from the segment base.
func (p PointerOffset) Value() uint64 {
	return p.off
}

// Less orders offsets within their segment.
func (p PointerOffset) Less(other PointerOffset) bool {
	return p.off < other.off
}

// String implements fmt.Stringer.
func (p PointerOffset) String() string {
	return fmt.Sprintf("PointerOffset(%d)", p.off)
}
