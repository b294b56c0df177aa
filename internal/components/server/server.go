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

// Package server implements the work server: it accepts every device,
// reassembles each stream into frames and answers every frame on the
// connection it came from.
package server

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/giuliocarot0/gitc"
	log "github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/eventloop"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/frame"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
)

type Config struct {
	Local                 netip.AddrPort
	EnableSeqTsSizeHeader bool

	SimulationId string
	Collector    string // gitc task receiving the final stats, empty to disable
}

// Server must be driven from a single loop; only Stats is safe elsewhere.
type Server struct {
	cfg  Config
	loop eventloop.Scheduler
	net  transport.Network

	listener transport.Socket
	conns    []transport.Socket // accepted connections, in order
	reasm    *Reassembler
	halted   map[netip.AddrPort]bool

	statsMutex sync.RWMutex
	stats      models.ServerStats
}

func NewServer(loop eventloop.Scheduler, network transport.Network, cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		loop:   loop,
		net:    network,
		reasm:  NewReassembler(cfg.EnableSeqTsSizeHeader),
		halted: make(map[netip.AddrPort]bool),
		stats:  models.ServerStats{Address: cfg.Local.String()},
	}
}

// Start binds and listens. A bind failure is returned wrapping
// transport.ErrBindFailure and leaves the server stopped.
func (s *Server) Start() error {
	if s.listener != nil {
		return nil
	}
	sock := s.net.NewSocket()
	sock.SetHandler(s.handleListener)
	if err := sock.Bind(s.cfg.Local); err != nil {
		sock.Close()
		return fmt.Errorf("work server: %w", err)
	}
	if err := sock.Listen(); err != nil {
		sock.Close()
		return fmt.Errorf("work server: %w", err)
	}
	s.listener = sock

	s.statsMutex.Lock()
	s.stats.Address = sock.LocalAddr().String()
	s.stats.Listening = true
	s.statsMutex.Unlock()
	log.Infof("[server] listening on %s @%s", sock.LocalAddr(), s.loop.Now())
	return nil
}

// Stop closes every accepted connection, then the listener.
func (s *Server) Stop() error {
	if s.listener == nil && len(s.conns) == 0 {
		return nil
	}
	log.Infof("[server] stopping @%s", s.loop.Now())

	var errv []error
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil {
			errv = append(errv, err)
		}
		s.reasm.Drop(conn.RemoteAddr())
	}
	s.conns = nil
	clear(s.halted)
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			errv = append(errv, err)
		}
		s.listener = nil
	}

	s.statsMutex.Lock()
	s.stats.Listening = false
	s.stats.ActivePeers = 0
	s.statsMutex.Unlock()
	monitoring.ActivePeers.WithLabelValues(s.cfg.SimulationId).Set(0)
	s.notify()

	return errors.Join(errv...)
}

func (s *Server) Stats() models.ServerStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	return s.stats
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() netip.AddrPort {
	if s.listener != nil {
		return s.listener.LocalAddr()
	}
	return s.cfg.Local
}

func (s *Server) handleListener(ev transport.Event) bool {
	switch ev.Kind {
	case transport.AcceptRequest:
		log.Debugf("[server] accepting connection from %s", ev.Peer)
		return true
	case transport.Accepted:
		ev.Socket.SetHandler(s.handleConn)
		s.conns = append(s.conns, ev.Socket)
		s.statsMutex.Lock()
		s.stats.Connections++
		s.stats.ActivePeers = len(s.conns)
		s.statsMutex.Unlock()
		monitoring.ActivePeers.WithLabelValues(s.cfg.SimulationId).Set(float64(len(s.conns)))
		log.Debugf("[server] accepted %s", ev.Peer)
	case transport.PeerError:
		log.Errorf("[server] listener error: %v", ev.Err)
	}
	return false
}

func (s *Server) handleConn(ev transport.Event) bool {
	switch ev.Kind {
	case transport.Readable:
		s.onReadable(ev.Socket, ev.Data)
	case transport.PeerClosed:
		log.Debugf("[server] %s closed the connection", ev.Socket.RemoteAddr())
		s.remove(ev.Socket)
	case transport.PeerError:
		log.Warnf("[server] connection with %s failed: %v", ev.Socket.RemoteAddr(), ev.Err)
		s.remove(ev.Socket)
	}
	return false
}

func (s *Server) onReadable(conn transport.Socket, data []byte) {
	peer := conn.RemoteAddr()
	s.statsMutex.Lock()
	s.stats.TotalRx += int64(len(data))
	s.statsMutex.Unlock()
	monitoring.ServerRxBytes.WithLabelValues(s.cfg.SimulationId).Add(float64(len(data)))
	log.Debugf("[server] received %d bytes from %s", len(data), peer)

	frames, err := s.reasm.OnBytesReceived(peer, data)
	for _, f := range frames {
		s.respond(conn, f)
	}
	if err != nil && !s.halted[peer] {
		s.halted[peer] = true
		s.statsMutex.Lock()
		s.stats.MalformedFrames++
		s.statsMutex.Unlock()
		monitoring.MalformedFrames.WithLabelValues(s.cfg.SimulationId).Inc()
		log.Warnf("[server] halting extraction for %s: %s", peer, err)
	}
}

func (s *Server) respond(conn transport.Socket, f Frame) {
	response, ok := frame.Respond(f.Payload)
	if !ok {
		return
	}
	outcome := frame.ParseResponse(response)

	s.statsMutex.Lock()
	s.stats.Frames++
	if outcome == frame.OutcomeAccepted {
		s.stats.Accepted++
	} else {
		s.stats.Refused++
	}
	s.statsMutex.Unlock()
	monitoring.ServerFrames.WithLabelValues(s.cfg.SimulationId, string(outcome)).Inc()

	n, err := conn.Send(response)
	switch {
	case err != nil:
		log.Warnf("[server] could not answer %s: %s", conn.RemoteAddr(), err)
	case n != len(response):
		log.Debugf("[server] %v to %s, response dropped", transport.ErrShortWrite, conn.RemoteAddr())
	}
}

func (s *Server) remove(conn transport.Socket) {
	peer := conn.RemoteAddr()
	conn.Close()
	s.reasm.Drop(peer)
	delete(s.halted, peer)
	s.conns = slices.DeleteFunc(s.conns, func(c transport.Socket) bool { return c == conn })

	s.statsMutex.Lock()
	s.stats.ActivePeers = len(s.conns)
	s.statsMutex.Unlock()
	monitoring.ActivePeers.WithLabelValues(s.cfg.SimulationId).Set(float64(len(s.conns)))
}

func (s *Server) notify() {
	if s.cfg.Collector == "" {
		return
	}
	msg := &models.ServerToCollectorMsg{
		SimulationId: s.cfg.SimulationId,
		TimeStamp:    s.loop.Now(),
		Stats:        s.Stats(),
	}
	if err := gitc.Send("server", s.cfg.Collector, models.ServerToCollectorType, msg); err != nil {
		log.Printf("Error sending ServerToCollectorMsg: %v", err)
	}
}
