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
	"testing"
	"time"
)

// testLayout is a small geometry suitable for most tests.
func testLayout() Layout {
	return Layout{
		ChunkCount:      16,
		PayloadCapacity: 256,
		MaxConnections:  4,
		QueueCapacity:   8,
	}
}

// createTestSegment creates a test segment with a unique name and proper
// cleanup. Cleanup is registered with t.Cleanup() so the segment is always
// removed even if the test fails or panics.
func createTestSegment(t *testing.T, baseName string, layout Layout) *Segment {
	t.Helper()

	segName := fmt.Sprintf("%s-%s-%d", baseName, t.Name(), time.Now().UnixNano())

	// Ensure any existing segment is removed first
	RemoveSegment(segName)

	seg, err := CreateSegment(segName, layout)
	if err != nil {
		t.Fatalf("Failed to create test segment %s: %v", segName, err)
	}

	t.Cleanup(func() {
		if seg != nil {
			seg.Close()
		}
		RemoveSegment(segName)
	})

	return seg
}
