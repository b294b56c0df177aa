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
	"bytes"
	"fmt"
	"net/netip"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
)

type socketState int

const (
	stateFresh socketState = iota
	stateBound
	stateListening
	stateConnecting
	stateConnected
	stateClosed
)

// Socket is a memnet stream socket. All methods must be called from the
// scheduler's loop.
type Socket struct {
	net     *Network
	state   socketState
	local   netip.AddrPort
	remote  netip.AddrPort
	handler transport.Handler
	peer    *Socket

	txBuf   []byte
	txBusy  bool
	blocked bool
}

func (s *Socket) SetHandler(h transport.Handler) {
	s.handler = h
}

func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

func (s *Socket) RemoteAddr() netip.AddrPort {
	return s.remote
}

func (s *Socket) Bind(local netip.AddrPort) error {
	if s.state != stateFresh {
		return fmt.Errorf("%w: socket already bound", transport.ErrBindFailure)
	}
	bound, err := s.net.bind(s, local)
	if err != nil {
		return err
	}
	s.local = bound
	s.state = stateBound
	return nil
}

func (s *Socket) Listen() error {
	if s.state != stateBound {
		return fmt.Errorf("listen on %s: socket not bound", s.local)
	}
	s.state = stateListening
	return nil
}

// Connect starts the handshake. The outcome arrives as Connected or
// ConnectFailed one round trip later.
func (s *Socket) Connect(remote netip.AddrPort) error {
	if s.state == stateFresh {
		if err := s.Bind(netip.AddrPort{}); err != nil {
			return err
		}
	}
	if s.state != stateBound {
		return fmt.Errorf("%w: connect on a socket in state %d", transport.ErrConnectFailure, s.state)
	}
	s.state = stateConnecting
	s.remote = remote
	s.net.sched.ScheduleAfter(s.net.cfg.Delay, func() { s.net.handshake(s) })
	return nil
}

func (n *Network) handshake(client *Socket) {
	if client.state != stateConnecting {
		return
	}

	ln := n.listener(client.remote)
	if ln == nil || !ln.emit(transport.Event{Kind: transport.AcceptRequest, Socket: ln, Peer: client.local}) {
		n.sched.ScheduleAfter(n.cfg.Delay, func() {
			client.fail(fmt.Errorf("%w: connection refused by %s", transport.ErrConnectFailure, client.remote))
		})
		return
	}

	local := ln.local
	if local.Addr().IsUnspecified() {
		local = client.remote
	}
	child := &Socket{
		net:    n,
		state:  stateConnected,
		local:  local,
		remote: client.local,
		peer:   client,
	}
	client.peer = child
	ln.emit(transport.Event{Kind: transport.Accepted, Socket: child, Peer: client.local})

	n.sched.ScheduleAfter(n.cfg.Delay, func() {
		if client.state != stateConnecting {
			return
		}
		client.state = stateConnected
		client.emit(transport.Event{Kind: transport.Connected, Socket: client, Peer: client.remote})
	})
}

func (s *Socket) fail(err error) {
	if s.state != stateConnecting {
		return
	}
	s.state = stateClosed
	s.net.unbind(s)
	s.emit(transport.Event{Kind: transport.ConnectFailed, Socket: s, Peer: s.remote, Err: err})
}

// Send queues b whole or not at all.
func (s *Socket) Send(b []byte) (int, error) {
	switch s.state {
	case stateConnected:
	case stateClosed:
		return 0, transport.ErrClosed
	default:
		return 0, transport.ErrNotConnected
	}

	if len(s.txBuf) > 0 && len(s.txBuf)+len(b) > s.net.cfg.SndBufSize {
		s.blocked = true
		return 0, nil
	}
	s.txBuf = append(s.txBuf, b...)
	s.transmit()
	return len(b), nil
}

func (s *Socket) transmit() {
	if s.txBusy || len(s.txBuf) == 0 || s.state != stateConnected {
		return
	}

	size := min(s.net.cfg.SegmentSize, len(s.txBuf))
	segment := bytes.Clone(s.txBuf[:size])
	s.txBuf = s.txBuf[size:]
	if len(s.txBuf) == 0 {
		s.txBuf = nil
	}
	s.txBusy = true

	s.net.sched.ScheduleAfter(s.net.serialization(size), func() {
		s.txBusy = false
		if s.state != stateConnected {
			return
		}
		peer := s.peer
		s.net.sched.ScheduleAfter(s.net.cfg.Delay, func() { peer.deliver(s, segment) })
		s.signalRoom()
		s.transmit()
	})
}

func (s *Socket) signalRoom() {
	if !s.blocked || s.state != stateConnected || len(s.txBuf) >= s.net.cfg.SndBufSize {
		return
	}
	s.blocked = false
	s.emit(transport.Event{Kind: transport.SendAvailable, Socket: s, Peer: s.remote})
}

func (s *Socket) deliver(from *Socket, segment []byte) {
	if s.state == stateClosed || s.peer != from {
		return
	}
	s.emit(transport.Event{Kind: transport.Readable, Socket: s, Peer: s.remote, Data: segment})
}

func (s *Socket) Close() error {
	if s.state == stateClosed {
		return nil
	}
	prev := s.state
	s.state = stateClosed
	s.txBuf = nil
	s.net.unbind(s)

	if peer := s.peer; peer != nil && (prev == stateConnected || prev == stateConnecting) {
		s.net.sched.ScheduleAfter(s.net.cfg.Delay, func() { peer.closedByPeer(s) })
	}
	return nil
}

func (s *Socket) closedByPeer(from *Socket) {
	if s.state == stateClosed || s.peer != from {
		return
	}
	s.state = stateClosed
	s.txBuf = nil
	s.net.unbind(s)
	s.emit(transport.Event{Kind: transport.PeerClosed, Socket: s, Peer: s.remote})
}

func (s *Socket) emit(ev transport.Event) bool {
	if s.handler == nil {
		return ev.Kind == transport.AcceptRequest
	}
	return s.handler(ev)
}
