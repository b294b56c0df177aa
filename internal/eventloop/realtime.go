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

package eventloop

import (
	"context"
	"sync"
	"time"
)

const taskQueueSize = 4096

// Realtime is a wall clock loop. Timers and I/O goroutines hand their
// callbacks to a single goroutine running Run.
type Realtime struct {
	start  time.Time
	nextID uint64
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
}

func NewRealtime() *Realtime {
	return &Realtime{
		start: time.Now(),
		tasks: make(chan func(), taskQueueSize),
		done:  make(chan struct{}),
	}
}

func (l *Realtime) Now() time.Duration {
	return time.Since(l.start)
}

// ScheduleAfter must be called from the loop goroutine, or before Run.
func (l *Realtime) ScheduleAfter(d time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	l.nextID++
	t := &Timer{id: l.nextID, at: l.Now() + d, fn: fn}
	t.wall = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.canceled {
				return
			}
			t.fired = true
			t.fn()
		})
	})
	return t
}

func (l *Realtime) Cancel(t *Timer) {
	if t == nil || t.fired {
		return
	}
	t.canceled = true
	if t.wall != nil {
		t.wall.Stop()
	}
}

// Post never blocks once the loop has stopped; late work is dropped.
func (l *Realtime) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Run executes posted callbacks until ctx is done.
func (l *Realtime) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call runs fn on the loop and waits for it to return. It must not be
// called from the loop goroutine.
func (l *Realtime) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
