//go:build !linux || !(amd64 || arm64)

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

import "time"

// Without futexes the blocking queue operations degrade to short sleeps.
// Correctness is unaffected; only the wakeup latency changes.
const futexPollInterval = 100 * time.Microsecond

// futexWait approximates a futex wait by sleeping briefly.
func futexWait(addr *uint32, val uint32) error {
	time.Sleep(futexPollInterval)
	return nil
}

// futexWaitTimeout approximates a bounded futex wait by sleeping briefly.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	d := futexPollInterval
	if timeoutNs > 0 && time.Duration(timeoutNs) < d {
		d = time.Duration(timeoutNs)
	}
	time.Sleep(d)
	return nil
}

// futexWake is a no-op without futex support; waiters poll.
func futexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
