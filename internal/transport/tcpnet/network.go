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

// Package tcpnet runs the transport abstraction over real TCP sockets.
//
// Each connection has a reader and a single writer goroutine, each listener
// an accept goroutine. None of them touches application state: they post
// their results to the loop, where handlers run one at a time.
package tcpnet

import (
	"net"
	"net/netip"
	"time"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/eventloop"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
)

const (
	DefaultSndBufSize     = 131072
	DefaultReadBufferSize = 64 * 1024
	DefaultDialTimeout    = 5 * time.Second

	outboxSize = 1024
)

type Config struct {
	SndBufSize     int // queued bytes above which Send reports a short write
	LowWatermark   int // queued bytes under which SendAvailable is posted
	ReadBufferSize int
	DialTimeout    time.Duration
}

type Network struct {
	loop eventloop.Loop
	cfg  Config
}

func New(loop eventloop.Loop, cfg Config) *Network {
	if cfg.SndBufSize <= 0 {
		cfg.SndBufSize = DefaultSndBufSize
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark > cfg.SndBufSize {
		cfg.LowWatermark = cfg.SndBufSize / 4
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Network{loop: loop, cfg: cfg}
}

func (n *Network) NewSocket() transport.Socket {
	return &Socket{net: n}
}

func addrPort(a net.Addr) netip.AddrPort {
	tcp, ok := a.(*net.TCPAddr)
	if !ok || tcp == nil {
		return netip.AddrPort{}
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
