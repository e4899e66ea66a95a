//go:build linux && (amd64 || arm64)

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
	"sync/atomic"
	"syscall"
	"unsafe"
)

// Linux futex constants. The shared (non-private) variants are required:
// the wait word lives in a segment mapped by multiple processes.
const (
	FUTEX_WAIT = 0
	FUTEX_WAKE = 1
)

// futexWait waits for the value at addr to change from val.
// It returns when either:
//   - The value at addr is no longer equal to val
//   - Another process calls futexWake on the same address
//   - The system call is interrupted
//
// This function should only be called when the logical condition is unmet
// and *addr == val. Always re-check the condition after this returns due
// to possible spurious wakeups.
func futexWait(addr *uint32, val uint32) error {
	// Re-check the value atomically before entering the syscall. This
	// prevents the lost-wake race where the producer increments the
	// sequence and wakes us between our snapshot and futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), // uaddr - address to wait on
		FUTEX_WAIT,                    // futex_op - wait operation
		uintptr(val),                  // val - expected value
		0,                             // timeout - infinite (NULL)
		0,                             // uaddr2 - unused
		0,                             // val3 - unused
	)

	if errno != 0 {
		// EAGAIN means the value didn't match - expected, not an error
		if errno == syscall.EAGAIN {
			return nil
		}
		// EINTR means interrupted by signal - also not a real error
		if errno == syscall.EINTR {
			return nil
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}

	return nil
}

// futexWaitTimeout waits on addr until the value changes from val or the
// timeout elapses. timeout is specified in nanoseconds.
//
// Like futexWait, callers must re-check the logical condition after this
// returns due to possible spurious wakeups.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return futexWait(addr, val)
	}

	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var ts syscall.Timespec
	ts.Sec = timeoutNs / 1e9
	ts.Nsec = timeoutNs % 1e9

	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), // uaddr - address to wait on
		FUTEX_WAIT,                    // futex_op - wait operation
		uintptr(val),                  // val - expected value
		uintptr(unsafe.Pointer(&ts)),  // timeout - timespec pointer
		0,                             // uaddr2 - unused
		0,                             // val3 - unused
	)

	if errno != 0 {
		if errno == syscall.EAGAIN {
			return nil
		}
		if errno == syscall.EINTR {
			return nil
		}
		if errno == syscall.ETIMEDOUT {
			return ErrFutexTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}

	return nil
}

// futexWake wakes up to n waiters blocked on addr.
// Returns the number of waiters actually woken up.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), // uaddr - address to wake on
		FUTEX_WAKE,                    // futex_op - wake operation
		uintptr(n),                    // val - number of waiters to wake
		0,                             // timeout - unused for wake
		0,                             // uaddr2 - unused
		0,                             // val3 - unused
	)

	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}

	return int(r1), nil
}
