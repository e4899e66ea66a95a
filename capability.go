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

// PublishCapability is the contract a sample holds against the endpoint
// that loaned it. Samples call back into it exactly once over their
// lifetime: ReturnLoanedSample when the sample is released unsent,
// SendSample when it is sent. Publisher implements it; tests may substitute
// a recording fake.
//
// Implementations are not required to be safe for concurrent use. A sample
// and its capability must stay confined to the goroutine that obtained the
// loan.
type PublishCapability interface {
	// ReturnLoanedSample returns the region identified by offset to the
	// free list. It is called from release paths and must not fail
	// observably: implementations absorb and log internal faults rather
	// than surfacing them, and must not block the caller indefinitely.
	ReturnLoanedSample(offset PointerOffset)

	// SendSample attempts to make the region identified by offset visible
	// to all currently connected receivers. It returns the number of
	// receivers the region was delivered to, or a *ConnectionFailure when
	// delivery could not be attempted at all. Per-receiver failures are
	// absorbed into a lower count, not escalated.
	//
	// Ownership of the region passes to the capability on the call,
	// whether or not it succeeds.
	SendSample(offset PointerOffset) (int, error)
}
