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

// Package transport defines the connection oriented socket abstraction the
// device enforcer and the work server run on. Implementations deliver every
// notification as an Event on a single loop.
package transport

import (
	"errors"
	"net/netip"
)

var (
	ErrBindFailure    = errors.New("bind failure")
	ErrConnectFailure = errors.New("connect failure")
	ErrShortWrite     = errors.New("short write")
	ErrNotConnected   = errors.New("socket not connected")
	ErrClosed         = errors.New("socket closed")
)

type EventKind int

const (
	Connected EventKind = iota
	ConnectFailed
	Readable
	SendAvailable
	PeerClosed
	PeerError
	AcceptRequest
	Accepted
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "Connected"
	case ConnectFailed:
		return "ConnectFailed"
	case Readable:
		return "Readable"
	case SendAvailable:
		return "SendAvailable"
	case PeerClosed:
		return "PeerClosed"
	case PeerError:
		return "PeerError"
	case AcceptRequest:
		return "AcceptRequest"
	case Accepted:
		return "Accepted"
	default:
		return "Unknown"
	}
}

// Event is a socket notification.
//
// Socket is the socket the event concerns; for Accepted it is the newly
// accepted connection. Peer is the remote endpoint. Data carries the bytes
// of a Readable event and Err the cause of ConnectFailed or PeerError.
type Event struct {
	Kind   EventKind
	Socket Socket
	Peer   netip.AddrPort
	Data   []byte
	Err    error
}

// Handler receives socket events. The returned value is the accept
// decision for AcceptRequest and is ignored for every other kind.
type Handler func(ev Event) bool

// Socket is a stream socket.
//
// Send is all-or-nothing: it either queues every byte and returns len(b),
// or queues nothing and returns 0 (a short write). A SendAvailable event
// follows once room is available again.
type Socket interface {
	Bind(local netip.AddrPort) error
	Connect(remote netip.AddrPort) error
	Listen() error
	Send(b []byte) (int, error)
	SetHandler(h Handler)
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Close() error
}

// Network creates sockets.
type Network interface {
	NewSocket() Socket
}
