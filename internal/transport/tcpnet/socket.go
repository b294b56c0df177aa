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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/rbmk-project/common/errclass"
	log "github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
)

// Socket is a TCP socket whose notifications run on the network's loop.
// Apart from the constructor, methods must be called from the loop.
type Socket struct {
	net *Network

	handler  transport.Handler
	local    netip.AddrPort
	remote   netip.AddrPort
	anyPort  bool
	listener net.Listener
	conn     net.Conn
	closed   bool
	cancel   context.CancelFunc

	// shared with the writer goroutine
	mu      sync.Mutex
	queued  int
	blocked bool
	outbox  chan []byte
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

// Bind reserves the local address right away so that a busy port is
// reported here rather than at Listen or Connect time.
func (s *Socket) Bind(local netip.AddrPort) error {
	if s.closed {
		return transport.ErrClosed
	}
	if s.listener != nil || s.conn != nil {
		return fmt.Errorf("%w: socket already bound", transport.ErrBindFailure)
	}
	if !local.Addr().IsValid() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	}
	ln, err := net.Listen("tcp", local.String())
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrBindFailure, err)
	}
	s.listener = ln
	s.anyPort = local.Port() == 0
	s.local = addrPort(ln.Addr())
	return nil
}

func (s *Socket) Listen() error {
	if s.closed {
		return transport.ErrClosed
	}
	if s.listener == nil {
		return fmt.Errorf("listen: socket not bound")
	}
	go s.acceptLoop(s.listener)
	return nil
}

func (s *Socket) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			s.net.loop.Post(func() {
				if s.closed {
					return
				}
				log.WithField("errClass", errclass.New(err)).Warnf("[tcpnet] accept on %s failed: %s", s.local, err)
				s.emit(transport.Event{Kind: transport.PeerError, Socket: s, Err: err})
			})
			return
		}
		s.net.loop.Post(func() { s.onAccept(c) })
	}
}

func (s *Socket) onAccept(c net.Conn) {
	if s.closed {
		c.Close()
		return
	}
	peer := addrPort(c.RemoteAddr())
	if !s.emit(transport.Event{Kind: transport.AcceptRequest, Socket: s, Peer: peer}) {
		c.Close()
		return
	}
	child := &Socket{net: s.net}
	child.attach(c)
	s.emit(transport.Event{Kind: transport.Accepted, Socket: child, Peer: peer})
}

// Connect dials in the background and reports Connected or ConnectFailed.
func (s *Socket) Connect(remote netip.AddrPort) error {
	if s.closed {
		return transport.ErrClosed
	}
	if s.conn != nil {
		return fmt.Errorf("%w: already connected", transport.ErrConnectFailure)
	}

	dialer := &net.Dialer{Timeout: s.net.cfg.DialTimeout}
	if s.listener != nil {
		// release the reservation so the dialer can take the address
		local := s.local
		if s.anyPort {
			local = netip.AddrPortFrom(local.Addr(), 0)
		}
		s.listener.Close()
		s.listener = nil
		dialer.LocalAddr = net.TCPAddrFromAddrPort(local)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.remote = remote

	go func() {
		c, err := dialer.DialContext(ctx, "tcp", remote.String())
		s.net.loop.Post(func() {
			if s.closed {
				if c != nil {
					c.Close()
				}
				return
			}
			if err != nil {
				log.WithField("errClass", errclass.New(err)).Debugf("[tcpnet] connect to %s failed: %s", remote, err)
				s.closed = true
				cancel()
				s.emit(transport.Event{
					Kind:   transport.ConnectFailed,
					Socket: s,
					Peer:   remote,
					Err:    fmt.Errorf("%w: %w", transport.ErrConnectFailure, err),
				})
				return
			}
			s.attach(c)
			s.emit(transport.Event{Kind: transport.Connected, Socket: s, Peer: s.remote})
		})
	}()
	return nil
}

func (s *Socket) attach(c net.Conn) {
	s.conn = c
	s.local = addrPort(c.LocalAddr())
	s.remote = addrPort(c.RemoteAddr())
	s.outbox = make(chan []byte, outboxSize)
	if s.cancel != nil {
		// the dial is over
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.readLoop(c)
	go s.writeLoop(ctx, c)
}

func (s *Socket) readLoop(c net.Conn) {
	buf := make([]byte, s.net.cfg.ReadBufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			data := bytes.Clone(buf[:n])
			s.net.loop.Post(func() {
				if !s.closed {
					s.emit(transport.Event{Kind: transport.Readable, Socket: s, Peer: s.remote, Data: data})
				}
			})
		}
		if err != nil {
			s.net.loop.Post(func() { s.onReadError(err) })
			return
		}
	}
}

func (s *Socket) onReadError(err error) {
	if s.closed {
		return
	}
	s.shutdown()
	if errors.Is(err, io.EOF) {
		s.emit(transport.Event{Kind: transport.PeerClosed, Socket: s, Peer: s.remote})
		return
	}
	log.WithField("errClass", errclass.New(err)).Debugf("[tcpnet] read from %s failed: %s", s.remote, err)
	s.emit(transport.Event{Kind: transport.PeerError, Socket: s, Peer: s.remote, Err: err})
}

// writeLoop is the single writer of the connection. It posts SendAvailable
// when a blocked sender can make progress again.
func (s *Socket) writeLoop(ctx context.Context, c net.Conn) {
	for {
		select {
		case b := <-s.outbox:
			_, err := c.Write(b)

			s.mu.Lock()
			s.queued -= len(b)
			signal := s.blocked && s.queued <= s.net.cfg.LowWatermark
			if signal {
				s.blocked = false
			}
			s.mu.Unlock()

			if err != nil {
				s.net.loop.Post(func() {
					if s.closed {
						return
					}
					s.shutdown()
					log.WithField("errClass", errclass.New(err)).Debugf("[tcpnet] write to %s failed: %s", s.remote, err)
					s.emit(transport.Event{Kind: transport.PeerError, Socket: s, Peer: s.remote, Err: err})
				})
				return
			}
			if signal {
				s.net.loop.Post(func() {
					if !s.closed {
						s.emit(transport.Event{Kind: transport.SendAvailable, Socket: s, Peer: s.remote})
					}
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

// Send hands b to the writer whole or not at all.
func (s *Socket) Send(b []byte) (int, error) {
	if s.closed {
		return 0, transport.ErrClosed
	}
	if s.conn == nil {
		return 0, transport.ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued > 0 && s.queued+len(b) > s.net.cfg.SndBufSize {
		s.blocked = true
		return 0, nil
	}
	select {
	case s.outbox <- bytes.Clone(b):
		s.queued += len(b)
		return len(b), nil
	default:
		s.blocked = true
		return 0, nil
	}
}

func (s *Socket) shutdown() error {
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	var errv []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			errv = append(errv, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errv = append(errv, err)
		}
	}
	return errors.Join(errv...)
}

func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	return s.shutdown()
}

func (s *Socket) emit(ev transport.Event) bool {
	if s.handler == nil {
		return ev.Kind == transport.AcceptRequest
	}
	return s.handler(ev)
}
