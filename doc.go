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

// Package shmpub implements the mutable-message publish path of a zero-copy
// shared-memory publish/subscribe transport.
//
// A Publisher owns a memory-mapped segment divided into fixed-size chunks.
// Loaning a chunk yields a SampleMutUninit: a typed handle over writable,
// not-yet-initialized payload memory inside the segment. Writing the payload
// turns it into a SampleMut over the very same memory, with no copy. Sending
// hands the chunk's segment-relative offset to every connected receiver's
// delivery queue; abandoning the handle instead returns the chunk to the
// free list.
//
//	pub, err := shmpub.NewPublisher[Telemetry]("sensors")
//	if err != nil { ... }
//	defer pub.Close()
//
//	sample, err := pub.LoanUninit()
//	if err != nil { ... }
//	defer sample.Release()
//
//	sent := sample.WritePayload(Telemetry{Reading: 42})
//	defer sent.Release()
//	n, err := sent.Send()
//
// Every loan resolves exactly once: either Send hands the chunk to the
// transport, or Release (a no-op after Send or WritePayload consumed the
// handle) reclaims it. Deferring Release right after each loan therefore
// covers every early-return and panic path without risking a double
// release. A sample that is never sent is silently reclaimed; that is the
// designed behavior for abandoned loans, not an error.
//
// Samples and the Publisher's loan/send surface are confined to a single
// goroutine. The Publisher is not internally synchronized, and every sample
// calls back into it when released or sent. Delivery queue consumers are the
// only part of the system that may run concurrently (one consumer per
// connection, in any process that has the segment mapped).
//
// Payload types must be fixed-size and pointer-free: the payload bytes live
// in memory shared across address spaces, where Go pointers, slices, maps,
// strings and channels are meaningless.
package shmpub
