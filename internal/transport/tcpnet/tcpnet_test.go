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

package tcpnet

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/eventloop"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

func startLoop(t *testing.T) *eventloop.Realtime {
	t.Helper()
	loop := eventloop.NewRealtime()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

func onLoop(t *testing.T, loop *eventloop.Realtime, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Call(ctx, fn))
}

func collect(events chan transport.Event) transport.Handler {
	return func(ev transport.Event) bool {
		events <- ev
		return true
	}
}

func next(t *testing.T, events chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return transport.Event{}
		}
	}
}

func listen(t *testing.T, loop *eventloop.Realtime, n *Network, events chan transport.Event) netip.AddrPort {
	t.Helper()
	var addr netip.AddrPort
	onLoop(t, loop, func() {
		ln := n.NewSocket()
		ln.SetHandler(collect(events))
		assert.NoError(t, ln.Bind(loopback))
		assert.NoError(t, ln.Listen())
		addr = ln.LocalAddr()
		t.Cleanup(func() { loop.Post(func() { ln.Close() }) })
	})
	return addr
}

func TestConnectExchangeAndClose(t *testing.T) {
	loop := startLoop(t)
	n := New(loop, Config{})

	srvEvents := make(chan transport.Event, 64)
	srvAddr := listen(t, loop, n, srvEvents)
	require.NotZero(t, srvAddr.Port())

	cliEvents := make(chan transport.Event, 64)
	var cli transport.Socket
	onLoop(t, loop, func() {
		cli = n.NewSocket()
		cli.SetHandler(collect(cliEvents))
		assert.NoError(t, cli.Connect(srvAddr))
	})

	next(t, cliEvents, transport.Connected)
	accepted := next(t, srvEvents, transport.Accepted)
	onLoop(t, loop, func() {
		accepted.Socket.SetHandler(collect(srvEvents))
		assert.Equal(t, srvAddr, accepted.Socket.LocalAddr())
		assert.Equal(t, cli.LocalAddr(), accepted.Socket.RemoteAddr())

		written, err := cli.Send([]byte("[hello]"))
		assert.NoError(t, err)
		assert.Equal(t, 7, written)
	})

	ev := next(t, srvEvents, transport.Readable)
	assert.Equal(t, "[hello]", string(ev.Data))

	onLoop(t, loop, func() {
		_, err := accepted.Socket.Send([]byte("[Accepted]"))
		assert.NoError(t, err)
	})
	ev = next(t, cliEvents, transport.Readable)
	assert.Equal(t, "[Accepted]", string(ev.Data))

	onLoop(t, loop, func() {
		assert.NoError(t, cli.Close())
		assert.NoError(t, cli.Close())
	})
	next(t, srvEvents, transport.PeerClosed)

	onLoop(t, loop, func() {
		_, err := accepted.Socket.Send([]byte("x"))
		assert.ErrorIs(t, err, transport.ErrClosed)
	})
}

func TestConnectFailed(t *testing.T) {
	loop := startLoop(t)
	n := New(loop, Config{DialTimeout: time.Second})

	// grab a free port and give it back
	var addr netip.AddrPort
	onLoop(t, loop, func() {
		probe := n.NewSocket()
		assert.NoError(t, probe.Bind(loopback))
		addr = probe.LocalAddr()
		assert.NoError(t, probe.Close())
	})

	events := make(chan transport.Event, 8)
	var sock transport.Socket
	onLoop(t, loop, func() {
		sock = n.NewSocket()
		sock.SetHandler(collect(events))
		assert.NoError(t, sock.Connect(addr))
	})

	ev := next(t, events, transport.ConnectFailed)
	assert.ErrorIs(t, ev.Err, transport.ErrConnectFailure)

	onLoop(t, loop, func() {
		_, err := sock.Send([]byte("x"))
		assert.ErrorIs(t, err, transport.ErrClosed)
	})
}

func TestBindFailure(t *testing.T) {
	loop := startLoop(t)
	n := New(loop, Config{})
	events := make(chan transport.Event, 8)
	addr := listen(t, loop, n, events)

	onLoop(t, loop, func() {
		sock := n.NewSocket()
		assert.ErrorIs(t, sock.Bind(addr), transport.ErrBindFailure)
	})
}

func TestSendBeforeConnect(t *testing.T) {
	n := New(eventloop.NewRealtime(), Config{})
	_, err := n.NewSocket().Send([]byte("x"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestConfigDefaults(t *testing.T) {
	n := New(eventloop.NewRealtime(), Config{SndBufSize: 1000})
	assert.Equal(t, 1000, n.cfg.SndBufSize)
	assert.Equal(t, 250, n.cfg.LowWatermark)
	assert.Equal(t, DefaultReadBufferSize, n.cfg.ReadBufferSize)
	assert.Equal(t, DefaultDialTimeout, n.cfg.DialTimeout)
}
