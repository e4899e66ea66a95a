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

// SampleMutUninit is the owning handle over a loaned, not-yet-written
// region of the shared segment. The payload memory is writable but must
// not be read; accordingly this type has no payload reader, only
// PayloadMut. Writing the payload via WritePayload (or asserting a
// completed in-place construction via AssumeInit) converts the handle into
// a SampleMut over the identical region and offset without moving or
// copying payload bytes.
//
// A handle that is never converted must be released; defer Release right
// after loaning. Release after conversion is a no-op, because the
// initialized handle carries the same loan.
type SampleMutUninit[T any] struct {
	state   *loanState
	payload *T
}

// newSampleMutUninit wraps a freshly loaned region. Only the loan path
// constructs samples.
func newSampleMutUninit[T any](capability PublishCapability, hdr *Header, payload *T, offset PointerOffset) *SampleMutUninit[T] {
	return &SampleMutUninit[T]{
		state: &loanState{
			capability: capability,
			hdr:        hdr,
			offset:     offset,
		},
		payload: payload,
	}
}

// Header returns the sample's metadata header.
func (s *SampleMutUninit[T]) Header() *Header {
	return s.state.hdr
}

// PayloadMut returns a writable view of the uninitialized payload storage,
// permitting the caller to construct the value in place. It does not
// itself mark the payload initialized; follow with AssumeInit.
func (s *SampleMutUninit[T]) PayloadMut() *T {
	return s.payload
}

// Offset returns the sample's segment-relative address.
func (s *SampleMutUninit[T]) Offset() PointerOffset {
	return s.state.offset
}

// WritePayload stores value in the loaned payload memory and returns the
// initialized handle over the same region and offset. This is the single
// write that establishes the initialized invariant; no other copy and no
// allocation of payload storage takes place. The uninitialized handle is
// consumed: use only the returned sample afterwards.
func (s *SampleMutUninit[T]) WritePayload(value T) *SampleMut[T] {
	*s.payload = value
	return s.assumeInit()
}

// AssumeInit converts the handle after the caller has fully constructed
// the payload through PayloadMut. The caller asserts initialization;
// nothing is verified. Prefer WritePayload, which establishes the
// invariant itself.
func (s *SampleMutUninit[T]) AssumeInit() *SampleMut[T] {
	return s.assumeInit()
}

func (s *SampleMutUninit[T]) assumeInit() *SampleMut[T] {
	return &SampleMut[T]{state: s.state, payload: s.payload}
}

// Release returns the loaned region to the free list. It never blocks and
// never fails. Safe to call on every exit path; after the handle was
// consumed (or the loan otherwise resolved) it does nothing.
func (s *SampleMutUninit[T]) Release() {
	s.state.release()
}
