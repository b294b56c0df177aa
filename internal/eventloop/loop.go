// Copyright 2025 EURECOM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Contributors:
//   Giulio CAROTA
//   Thomas DU
//   Adlen KSENTINI

// Package eventloop provides the single threaded schedulers that drive
// devices and the work server. Callbacks submitted to a loop never run
// concurrently: one completes before the next begins.
package eventloop

import "time"

// Scheduler is what the traffic components need from a loop.
type Scheduler interface {
	// ScheduleAfter runs fn on the loop once d has elapsed.
	ScheduleAfter(d time.Duration, fn func()) *Timer
	// Cancel prevents a pending timer from firing. Cancelling a nil, fired
	// or already cancelled timer is a no-op.
	Cancel(t *Timer)
	// Now returns the time elapsed since the loop was created.
	Now() time.Duration
}

// Loop is a Scheduler that also accepts work from other goroutines.
type Loop interface {
	Scheduler
	// Post runs fn on the loop as soon as possible. It is safe to call
	// from any goroutine.
	Post(fn func())
}

// Timer is the handle of a scheduled callback.
type Timer struct {
	id       uint64
	at       time.Duration
	fn       func()
	canceled bool
	fired    bool
	index    int

	wall *time.Timer
}

// Pending reports whether the timer is still due to fire.
func (t *Timer) Pending() bool {
	return t != nil && !t.canceled && !t.fired
}

// At returns the loop time at which the timer fires.
func (t *Timer) At() time.Duration {
	return t.at
}
