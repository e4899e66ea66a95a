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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCapability records every callback a sample makes, standing in for a
// publisher with a configurable delivery outcome.
type fakeCapability struct {
	reclaimed []PointerOffset
	delivered []PointerOffset

	deliverCount int
	deliverErr   error
}

func (f *fakeCapability) ReturnLoanedSample(offset PointerOffset) {
	f.reclaimed = append(f.reclaimed, offset)
}

func (f *fakeCapability) SendSample(offset PointerOffset) (int, error) {
	f.delivered = append(f.delivered, offset)
	return f.deliverCount, f.deliverErr
}

// loanFake hands out a sample backed by ordinary heap memory, so the
// lifecycle can be exercised without a shared segment.
func loanFake(fc *fakeCapability, off uint64) (*SampleMutUninit[uint64], *Header, *uint64) {
	hdr := &Header{}
	hdr.stamp(PortID{0xaa}, 8)
	payload := new(uint64)
	return newSampleMutUninit(fc, hdr, payload, newPointerOffset(off)), hdr, payload
}

func TestAbandonUninitReclaimsOnce(t *testing.T) {
	fc := &fakeCapability{}
	sample, _, _ := loanFake(fc, 640)

	sample.Release()
	sample.Release() // second release must not double-reclaim

	require.Equal(t, []PointerOffset{newPointerOffset(640)}, fc.reclaimed)
	require.Empty(t, fc.delivered)
}

func TestAbandonInitializedReclaimsOnce(t *testing.T) {
	fc := &fakeCapability{}
	uninit, _, _ := loanFake(fc, 1280)

	sample := uninit.WritePayload(7)
	sample.Release()
	sample.Release()
	uninit.Release() // stale handle over the same loan: still once

	require.Equal(t, []PointerOffset{newPointerOffset(1280)}, fc.reclaimed)
	require.Empty(t, fc.delivered)
}

func TestWritePayloadKeepsRegionAndOffset(t *testing.T) {
	fc := &fakeCapability{}
	uninit, _, payload := loanFake(fc, 896)

	offsetBefore := uninit.Offset()
	storageBefore := uninit.PayloadMut()

	sample := uninit.WritePayload(1234)
	defer sample.Release()

	require.Equal(t, offsetBefore, sample.Offset(), "offset changed across the state transition")
	require.Same(t, storageBefore, sample.Payload(), "payload storage moved across the state transition")
	require.Same(t, storageBefore, sample.PayloadMut())
	require.Equal(t, uint64(1234), *payload, "value not written into the loaned storage")
}

func TestAssumeInitAfterInPlaceConstruction(t *testing.T) {
	fc := &fakeCapability{deliverCount: 1}
	uninit, _, _ := loanFake(fc, 64)

	*uninit.PayloadMut() = 99
	sample := uninit.AssumeInit()
	defer sample.Release()

	require.Equal(t, uint64(99), *sample.Payload())
}

func TestHeaderStableAcrossTransition(t *testing.T) {
	fc := &fakeCapability{}
	uninit, _, _ := loanFake(fc, 64)
	defer uninit.Release()

	tsBefore := uninit.Header().Timestamp()
	idBefore := uninit.Header().PublisherID()

	sample := uninit.WritePayload(5)

	require.Equal(t, tsBefore, sample.Header().Timestamp())
	require.Equal(t, idBefore, sample.Header().PublisherID())
}

func TestSendDeliversAndConsumes(t *testing.T) {
	fc := &fakeCapability{deliverCount: 3}
	uninit, _, _ := loanFake(fc, 2048)

	sample := uninit.WritePayload(1)
	n, err := sample.Send()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Ownership passed on the call: no reclaim ever, from any handle
	sample.Release()
	uninit.Release()
	require.Empty(t, fc.reclaimed)
	require.Equal(t, []PointerOffset{newPointerOffset(2048)}, fc.delivered)

	// A consumed handle cannot be sent again
	_, err = sample.Send()
	require.ErrorIs(t, err, ErrSampleConsumed)
	require.Len(t, fc.delivered, 1)
}

func TestSendFailureStillConsumes(t *testing.T) {
	fc := &fakeCapability{deliverErr: &ConnectionFailure{Err: ErrNoReceivers}}
	uninit, _, _ := loanFake(fc, 512)

	sample := uninit.WritePayload(1)
	_, err := sample.Send()

	var cf *ConnectionFailure
	require.ErrorAs(t, err, &cf)
	require.ErrorIs(t, err, ErrNoReceivers)

	// The region was handed off; its fate is the capability's problem.
	// Release must not reclaim it a second time.
	sample.Release()
	require.Empty(t, fc.reclaimed)
	require.Len(t, fc.delivered, 1)
}

func TestPartialDeliveryIsNotAnError(t *testing.T) {
	// 3 connected receivers, 1 rejecting: the capability reports 2
	fc := &fakeCapability{deliverCount: 2}
	uninit, _, _ := loanFake(fc, 512)

	sample := uninit.WritePayload(1)
	n, err := sample.Send()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestReleaseAfterSendIsNoOp(t *testing.T) {
	fc := &fakeCapability{deliverCount: 1}
	uninit, _, _ := loanFake(fc, 320)

	sample := uninit.WritePayload(1)
	defer sample.Release() // the idiomatic usage: defer is safe either way

	_, err := sample.Send()
	require.NoError(t, err)
	require.Empty(t, fc.reclaimed)
}

func TestConnectionFailureUnwraps(t *testing.T) {
	err := &ConnectionFailure{Err: ErrPublisherClosed}
	require.True(t, errors.Is(err, ErrPublisherClosed))
	require.Contains(t, err.Error(), "connection failure")
}

func TestPointerOffsetSemantics(t *testing.T) {
	a := newPointerOffset(64)
	b := newPointerOffset(64)
	c := newPointerOffset(128)

	require.Equal(t, a, b, "offsets with equal values must compare equal")
	require.True(t, a.Less(c))
	require.False(t, c.Less(a))
	require.Equal(t, uint64(64), a.Value())

	// Copying the identifier does not duplicate the region or its
	// lifecycle: both copies resolve through the same loan
	fc := &fakeCapability{}
	sample, _, _ := loanFake(fc, 64)
	copied := sample.Offset()
	sample.Release()
	require.Equal(t, []PointerOffset{copied}, fc.reclaimed)
}
