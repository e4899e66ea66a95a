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

// loanState is the single per-loan record behind both sample types. The
// uninitialized handle and the initialized handle produced from it share
// one loanState, so however many handle values exist over a loan, the loan
// resolves to exactly one of {delivered, reclaimed}, exactly once.
//
// Not safe for concurrent use: a loan is confined to the goroutine that
// obtained it.
type loanState struct {
	capability PublishCapability
	hdr        *Header
	offset     PointerOffset
	resolved   bool
}

// release reclaims the loan unless it was already resolved.
func (s *loanState) release() {
	if s.resolved {
		return
	}
	s.resolved = true
	s.capability.ReturnLoanedSample(s.offset)
}

// SampleMut is the owning handle over a loaned, initialized region of the
// shared segment: the payload has been written and the sample is ready to
// send, or to edit further in place. Obtained from
// SampleMutUninit.WritePayload, or directly from Publisher.Loan which
// loans with a zero-value payload.
//
// A SampleMut that is never sent must be released; defer Release right
// after obtaining it. Release after a successful or failed Send is a no-op.
type SampleMut[T any] struct {
	state   *loanState
	payload *T
}

// Header returns the sample's metadata header.
func (s *SampleMut[T]) Header() *Header {
	return s.state.hdr
}

// Payload returns a read-only view of the payload in shared memory.
func (s *SampleMut[T]) Payload() *T {
	return s.payload
}

// PayloadMut returns a writable view of the payload, permitting in-place
// edits before sending.
func (s *SampleMut[T]) PayloadMut() *T {
	return s.payload
}

// Offset returns the sample's segment-relative address.
func (s *SampleMut[T]) Offset() PointerOffset {
	return s.state.offset
}

// Send consumes the sample and forwards its offset to the publish
// capability for delivery. It returns the number of receivers the sample
// was delivered to, or a *ConnectionFailure when delivery could not be
// attempted at all. Ownership of the region passes to the capability on
// the call: whatever the outcome, the sample performs no further reclaim,
// and Release becomes a no-op.
func (s *SampleMut[T]) Send() (int, error) {
	if s.state.resolved {
		return 0, ErrSampleConsumed
	}
	s.state.resolved = true
	return s.state.capability.SendSample(s.state.offset)
}

// Release returns the loaned region to the free list if the sample was
// never sent. It never blocks and never fails. Safe to call on every exit
// path; after Send or a previous Release it does nothing.
func (s *SampleMut[T]) Release() {
	s.state.release()
}
