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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualOrdering(t *testing.T) {
	v := NewVirtual()
	var order []string
	var times []time.Duration

	record := func(name string) func() {
		return func() {
			order = append(order, name)
			times = append(times, v.Now())
		}
	}

	v.ScheduleAfter(2*time.Second, record("c"))
	v.ScheduleAfter(time.Second, record("a"))
	v.ScheduleAfter(time.Second, record("b"))

	require.NoError(t, v.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second}, times)
}

func TestVirtualCancel(t *testing.T) {
	v := NewVirtual()
	fired := false
	timer := v.ScheduleAfter(time.Second, func() { fired = true })
	assert.True(t, timer.Pending())

	v.Cancel(timer)
	v.Cancel(timer)
	v.Cancel(nil)
	assert.False(t, timer.Pending())

	require.NoError(t, v.Run(context.Background()))
	assert.False(t, fired)
}

func TestVirtualNestedScheduling(t *testing.T) {
	v := NewVirtual()
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 5 {
			v.ScheduleAfter(100*time.Millisecond, tick)
		}
	}
	v.ScheduleAfter(0, tick)

	require.NoError(t, v.Run(context.Background()))
	assert.Equal(t, 5, count)
	assert.Equal(t, 400*time.Millisecond, v.Now())
}

func TestVirtualRunUntil(t *testing.T) {
	v := NewVirtual()
	fired := 0
	v.ScheduleAfter(time.Second, func() { fired++ })
	v.ScheduleAfter(3*time.Second, func() { fired++ })

	require.NoError(t, v.RunUntil(context.Background(), 2*time.Second))
	assert.Equal(t, 1, fired)
	assert.Equal(t, 2*time.Second, v.Now())
	assert.Equal(t, 1, v.Pending())

	require.NoError(t, v.RunUntil(context.Background(), 10*time.Second))
	assert.Equal(t, 2, fired)
	assert.Equal(t, 10*time.Second, v.Now())
}

func TestVirtualPost(t *testing.T) {
	v := NewVirtual()
	var order []string
	v.ScheduleAfter(time.Second, func() { order = append(order, "timer") })
	go v.Post(func() {})
	v.Post(func() { order = append(order, "posted") })

	require.NoError(t, v.RunUntil(context.Background(), 5*time.Second))
	assert.Equal(t, []string{"posted", "timer"}, order)
}

func TestVirtualRunUntilHonoursContext(t *testing.T) {
	v := NewVirtual()
	var tick func()
	tick = func() { v.ScheduleAfter(time.Millisecond, tick) }
	v.ScheduleAfter(0, tick)

	ctx, cancel := context.WithCancel(context.Background())
	v.ScheduleAfter(time.Second, cancel)
	err := v.RunUntil(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Second, v.Now())
}

func TestRealtimeTimers(t *testing.T) {
	l := NewRealtime()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var fired atomic.Int32
	done := make(chan struct{})
	require.NoError(t, l.Call(ctx, func() {
		canceled := l.ScheduleAfter(10*time.Millisecond, func() { fired.Add(100) })
		l.ScheduleAfter(20*time.Millisecond, func() {
			fired.Add(1)
			close(done)
		})
		l.Cancel(canceled)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, int32(1), fired.Load())
}

func TestRealtimePostAfterStop(t *testing.T) {
	l := NewRealtime()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 2*taskQueueSize; i++ {
			l.Post(func() {})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked on a stopped loop")
	}
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), context.Canceled)
}
