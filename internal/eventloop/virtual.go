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
	"container/heap"
	"context"
	"sync"
	"time"
)

// timerQueue orders timers by firing time, then by insertion order.
type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at == q[j].at {
		return q[i].id < q[j].id
	}
	return q[i].at < q[j].at
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Virtual is a discrete event loop. Time only advances when the next
// timer is popped, so a run is as fast as the host allows and fully
// reproducible.
type Virtual struct {
	now    time.Duration
	nextID uint64
	queue  timerQueue

	postMutex sync.Mutex
	posted    []func()
}

func NewVirtual() *Virtual {
	return &Virtual{}
}

func (v *Virtual) Now() time.Duration {
	return v.now
}

func (v *Virtual) ScheduleAfter(d time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	v.nextID++
	t := &Timer{id: v.nextID, at: v.now + d, fn: fn}
	heap.Push(&v.queue, t)
	return t
}

// Cancel marks the timer; it is skipped when popped.
func (v *Virtual) Cancel(t *Timer) {
	if t == nil || t.fired {
		return
	}
	t.canceled = true
}

// Post queues fn to run at the current virtual time, before the next timer.
func (v *Virtual) Post(fn func()) {
	v.postMutex.Lock()
	v.posted = append(v.posted, fn)
	v.postMutex.Unlock()
}

func (v *Virtual) drainPosted() bool {
	v.postMutex.Lock()
	posted := v.posted
	v.posted = nil
	v.postMutex.Unlock()

	for _, fn := range posted {
		fn()
	}
	return len(posted) > 0
}

// Step runs the posted callbacks and the next live timer. It returns false
// when there is nothing left to run.
func (v *Virtual) Step() bool {
	ran := v.drainPosted()
	for v.queue.Len() > 0 {
		t := heap.Pop(&v.queue).(*Timer)
		if t.canceled {
			continue
		}
		v.now = t.at
		t.fired = true
		t.fn()
		return true
	}
	return ran
}

// Pending returns the number of timers in the queue, cancelled ones included.
func (v *Virtual) Pending() int {
	return v.queue.Len()
}

// RunUntil processes events until the queue is empty, the next event lies
// beyond limit or ctx is done. On a clean return the clock reads limit.
func (v *Virtual) RunUntil(ctx context.Context, limit time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.drainPosted()

		for v.queue.Len() > 0 && v.queue[0].canceled {
			heap.Pop(&v.queue)
		}
		if v.queue.Len() == 0 || v.queue[0].at > limit {
			if v.drainPosted() {
				continue
			}
			if limit > v.now {
				v.now = limit
			}
			return nil
		}

		t := heap.Pop(&v.queue).(*Timer)
		v.now = t.at
		t.fired = true
		t.fn()
	}
}

// Run processes events until none are left or ctx is done.
func (v *Virtual) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !v.Step() {
			return nil
		}
	}
}
