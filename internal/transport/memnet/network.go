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

// Package memnet is an in-memory stream network driven by a scheduler.
//
// Every connection direction is a link with a serialization rate and a
// propagation delay. Sockets own a bounded send buffer that the link drains
// one segment at a time, which is what produces short writes when a device
// offers more than the link can carry.
package memnet

import (
	"fmt"
	"net/netip"
	"time"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/eventloop"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/trafficgen"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
)

const (
	DefaultSndBufSize  = 131072
	DefaultSegmentSize = 536

	firstEphemeralPort = 49153
)

type Config struct {
	PhyRate     trafficgen.DataRate // 0 serializes instantly
	Delay       time.Duration       // one way propagation delay
	SndBufSize  int
	SegmentSize int
}

type Network struct {
	sched    eventloop.Scheduler
	cfg      Config
	bound    map[netip.AddrPort]*Socket
	nextPort map[netip.Addr]uint16
}

func New(sched eventloop.Scheduler, cfg Config) *Network {
	if cfg.SndBufSize <= 0 {
		cfg.SndBufSize = DefaultSndBufSize
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	return &Network{
		sched:    sched,
		cfg:      cfg,
		bound:    make(map[netip.AddrPort]*Socket),
		nextPort: make(map[netip.Addr]uint16),
	}
}

func (n *Network) NewSocket() transport.Socket {
	return &Socket{net: n}
}

func (n *Network) bind(s *Socket, local netip.AddrPort) (netip.AddrPort, error) {
	addr := local.Addr()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}

	port := local.Port()
	if port == 0 {
		var err error
		if port, err = n.ephemeralPort(addr); err != nil {
			return netip.AddrPort{}, err
		}
	}

	bound := netip.AddrPortFrom(addr, port)
	if _, inUse := n.bound[bound]; inUse {
		return netip.AddrPort{}, fmt.Errorf("%w: %s already in use", transport.ErrBindFailure, bound)
	}
	n.bound[bound] = s
	return bound, nil
}

func (n *Network) unbind(s *Socket) {
	if owner, ok := n.bound[s.local]; ok && owner == s {
		delete(n.bound, s.local)
	}
}

func (n *Network) ephemeralPort(addr netip.Addr) (uint16, error) {
	start := n.nextPort[addr]
	if start < firstEphemeralPort {
		start = firstEphemeralPort
	}
	port := start
	for {
		if _, inUse := n.bound[netip.AddrPortFrom(addr, port)]; !inUse {
			next := port + 1
			if next < firstEphemeralPort {
				next = firstEphemeralPort
			}
			n.nextPort[addr] = next
			return port, nil
		}
		port++
		if port < firstEphemeralPort {
			port = firstEphemeralPort
		}
		if port == start {
			return 0, fmt.Errorf("%w: no ephemeral port left on %s", transport.ErrBindFailure, addr)
		}
	}
}

func (n *Network) listener(remote netip.AddrPort) *Socket {
	if s, ok := n.bound[remote]; ok && s.state == stateListening {
		return s
	}
	wildcard := netip.AddrPortFrom(netip.IPv4Unspecified(), remote.Port())
	if s, ok := n.bound[wildcard]; ok && s.state == stateListening {
		return s
	}
	return nil
}

func (n *Network) serialization(size int) time.Duration {
	if n.cfg.PhyRate == 0 {
		return 0
	}
	d, err := trafficgen.TimeToNextPacket(uint64(size)*8, n.cfg.PhyRate, 0)
	if err != nil {
		return 0
	}
	return d
}
