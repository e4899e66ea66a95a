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

import "errors"

var (
	// ErrNoReceivers indicates that a send found no connected receivers.
	ErrNoReceivers = errors.New("no connected receivers")

	// ErrPublisherClosed indicates an operation on a closed publisher.
	ErrPublisherClosed = errors.New("publisher closed")

	// ErrSampleConsumed indicates a Send on a sample whose loan was
	// already resolved by an earlier Send or Release.
	ErrSampleConsumed = errors.New("sample already consumed")

	// ErrNoFreeSlot indicates that every connection slot is in use.
	ErrNoFreeSlot = errors.New("no free connection slot")
)

// ConnectionFailure is returned by Send when the delivery attempt could not
// be carried out structurally: the publisher has no viable outbound
// connections or the transport underneath it is gone. A single receiver
// rejecting delivery is not a ConnectionFailure; it only lowers the
// delivered count.
type ConnectionFailure struct {
	Err error
}

// Error implements the error interface.
func (e *ConnectionFailure) Error() string {
	return "connection failure: " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *ConnectionFailure) Unwrap() error {
	return e.Err
}
