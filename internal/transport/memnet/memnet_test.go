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

package memnet

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/eventloop"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/trafficgen"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
)

var (
	serverAddr = netip.MustParseAddrPort("10.0.0.1:50000")
	clientAddr = netip.MustParseAddrPort("10.1.0.2:50000")
)

type recorder struct {
	events   []transport.Event
	accepted []transport.Socket
	received []byte
	accept   bool
}

func (r *recorder) handle(ev transport.Event) bool {
	r.events = append(r.events, ev)
	switch ev.Kind {
	case transport.Accepted:
		r.accepted = append(r.accepted, ev.Socket)
		ev.Socket.SetHandler(r.handle)
	case transport.Readable:
		r.received = append(r.received, ev.Data...)
	}
	return r.accept
}

func (r *recorder) kinds() []transport.EventKind {
	var out []transport.EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func setup(t *testing.T, cfg Config) (*eventloop.Virtual, *Network, *recorder, transport.Socket) {
	t.Helper()
	loop := eventloop.NewVirtual()
	n := New(loop, cfg)
	srv := &recorder{accept: true}
	ln := n.NewSocket()
	ln.SetHandler(srv.handle)
	require.NoError(t, ln.Bind(serverAddr))
	require.NoError(t, ln.Listen())
	return loop, n, srv, ln
}

func run(t *testing.T, loop *eventloop.Virtual) {
	t.Helper()
	require.NoError(t, loop.Run(context.Background()))
}

func TestConnectAndDeliver(t *testing.T) {
	loop, n, srv, _ := setup(t, Config{Delay: time.Millisecond})

	cli := &recorder{}
	sock := n.NewSocket()
	sock.SetHandler(cli.handle)
	require.NoError(t, sock.Bind(clientAddr))
	require.NoError(t, sock.Connect(serverAddr))

	run(t, loop)
	assert.Equal(t, []transport.EventKind{transport.Connected}, cli.kinds())
	assert.Equal(t, 2*time.Millisecond, loop.Now())
	require.Len(t, srv.accepted, 1)
	assert.Equal(t, clientAddr, srv.accepted[0].RemoteAddr())
	assert.Equal(t, serverAddr, srv.accepted[0].LocalAddr())
	assert.Equal(t, []transport.EventKind{transport.AcceptRequest, transport.Accepted}, srv.kinds())

	n1, err := sock.Send([]byte("[hello]"))
	require.NoError(t, err)
	assert.Equal(t, 7, n1)
	run(t, loop)
	assert.Equal(t, "[hello]", string(srv.received))

	n2, err := srv.accepted[0].Send([]byte("[Accepted]"))
	require.NoError(t, err)
	assert.Equal(t, 10, n2)
	run(t, loop)
	assert.Equal(t, "[Accepted]", string(cli.received))
}

func TestSegmentsAreSerializedAtPhyRate(t *testing.T) {
	loop, n, srv, _ := setup(t, Config{
		PhyRate:     trafficgen.MbitPerSecond,
		SegmentSize: 100,
	})

	sock := n.NewSocket()
	require.NoError(t, sock.Bind(clientAddr))
	require.NoError(t, sock.Connect(serverAddr))
	run(t, loop)

	start := loop.Now()
	_, err := sock.Send(make([]byte, 250))
	require.NoError(t, err)
	run(t, loop)

	// 250 bytes in three segments at 1 Mbps
	assert.Len(t, srv.received, 250)
	assert.Equal(t, 2*time.Millisecond, loop.Now()-start)
	assert.Equal(t, 3, len(srv.events)-2)
}

func TestShortWriteAndSendAvailable(t *testing.T) {
	loop, n, _, _ := setup(t, Config{
		PhyRate:     trafficgen.MbitPerSecond,
		SndBufSize:  1000,
		SegmentSize: 500,
	})

	cli := &recorder{}
	sock := n.NewSocket()
	sock.SetHandler(cli.handle)
	require.NoError(t, sock.Bind(clientAddr))
	require.NoError(t, sock.Connect(serverAddr))
	run(t, loop)

	written, err := sock.Send(make([]byte, 800))
	require.NoError(t, err)
	assert.Equal(t, 800, written)

	// 300 bytes remain queued behind the segment on the wire
	written, err = sock.Send(make([]byte, 800))
	require.NoError(t, err)
	assert.Zero(t, written)

	run(t, loop)
	assert.Contains(t, cli.kinds(), transport.SendAvailable)

	written, err = sock.Send(make([]byte, 800))
	require.NoError(t, err)
	assert.Equal(t, 800, written)
}

func TestConnectRefused(t *testing.T) {
	t.Run("nobody listening", func(t *testing.T) {
		loop := eventloop.NewVirtual()
		n := New(loop, Config{Delay: time.Millisecond})
		cli := &recorder{}
		sock := n.NewSocket()
		sock.SetHandler(cli.handle)
		require.NoError(t, sock.Connect(serverAddr))
		run(t, loop)

		require.Len(t, cli.events, 1)
		assert.Equal(t, transport.ConnectFailed, cli.events[0].Kind)
		assert.ErrorIs(t, cli.events[0].Err, transport.ErrConnectFailure)

		_, err := sock.Send([]byte("x"))
		assert.ErrorIs(t, err, transport.ErrClosed)
	})

	t.Run("listener declines", func(t *testing.T) {
		loop, n, srv, _ := setup(t, Config{})
		srv.accept = false
		cli := &recorder{}
		sock := n.NewSocket()
		sock.SetHandler(cli.handle)
		require.NoError(t, sock.Connect(serverAddr))
		run(t, loop)

		assert.Equal(t, []transport.EventKind{transport.ConnectFailed}, cli.kinds())
		assert.Empty(t, srv.accepted)
	})
}

func TestCloseNotifiesPeer(t *testing.T) {
	loop, n, srv, _ := setup(t, Config{Delay: time.Millisecond})
	sock := n.NewSocket()
	require.NoError(t, sock.Bind(clientAddr))
	require.NoError(t, sock.Connect(serverAddr))
	run(t, loop)

	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())
	run(t, loop)

	assert.Equal(t, transport.PeerClosed, srv.events[len(srv.events)-1].Kind)
	_, err := srv.accepted[0].Send([]byte("[Refused]"))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestBind(t *testing.T) {
	loop := eventloop.NewVirtual()
	n := New(loop, Config{})

	a := n.NewSocket()
	require.NoError(t, a.Bind(clientAddr))
	b := n.NewSocket()
	assert.ErrorIs(t, b.Bind(clientAddr), transport.ErrBindFailure)

	// the address is released on close
	require.NoError(t, a.Close())
	require.NoError(t, b.Bind(clientAddr))

	c := n.NewSocket()
	require.NoError(t, c.Bind(netip.AddrPortFrom(clientAddr.Addr(), 0)))
	assert.Equal(t, uint16(firstEphemeralPort), c.LocalAddr().Port())
}

func TestSendBeforeConnect(t *testing.T) {
	n := New(eventloop.NewVirtual(), Config{})
	sock := n.NewSocket()
	_, err := sock.Send([]byte("x"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}
