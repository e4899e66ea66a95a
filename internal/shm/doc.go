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

// Package shm provides the shared memory machinery backing the shmpub
// publish path: memory-mapped segment files, a fixed-size chunk pool with a
// lock-free free list held inside the segment, and single-producer
// single-consumer delivery queues of chunk offsets.
//
// A segment is a single mmap'd file laid out as a fixed header, a free-list
// link table, a bank of delivery queue slots, and a data area of equally
// sized chunks. Every structure that is shared across process address spaces
// is addressed by its byte offset from the segment base, never by a local
// pointer, so the same offset value is meaningful in every process that has
// the segment mapped.
//
// All cross-process fields are accessed through sync/atomic. Queues use
// futex-based wakeups on Linux with a polling fallback elsewhere.
package shm
