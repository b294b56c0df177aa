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

package simulator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/components/device"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/components/server"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/eventloop"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport/memnet"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport/tcpnet"
)

const (
	// the loop keeps running this long after every device was stopped
	drainTime = time.Second
	// how often the reported simulation time is refreshed
	clockTick = 100 * time.Millisecond
)

var ErrAlreadyStarted = errors.New("simulation instance already started")

/* Network Instance Code*/

// runningLoop is the loop of one run, whichever its clock.
type runningLoop interface {
	eventloop.Loop
	run(ctx context.Context, end time.Duration) error
}

type virtualLoop struct{ *eventloop.Virtual }

func (v virtualLoop) run(ctx context.Context, end time.Duration) error {
	return v.RunUntil(ctx, end)
}

type realtimeLoop struct{ *eventloop.Realtime }

func (r realtimeLoop) run(ctx context.Context, end time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.ScheduleAfter(end-r.Now(), cancel)
	return r.Run(ctx)
}

type NetworkInstance struct {
	config    *NetworkConfig
	simId     string
	collector string

	loop    runningLoop
	network transport.Network
	ipam    *utils.IPAllocator
	Server  *server.Server
	devices []*device.Enforcer
	stopped bool // owned by the loop goroutine

	simTime atomic.Int64
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

func NewNetworkInstance(config *NetworkConfig, collector string) *NetworkInstance {
	return &NetworkInstance{
		config:    config,
		simId:     uuid.NewString(),
		collector: collector,
		done:      make(chan struct{}),
	}
}

func (n *NetworkInstance) SimulationId() string {
	return n.simId
}

// InitNetworkInstance builds the loop, the network, the work server and the
// devices. Nothing is scheduled before Start.
func (n *NetworkInstance) InitNetworkInstance() error {
	if err := n.config.Validate(); err != nil {
		return err
	}
	serverAddr, err := n.config.ServerAddrPort()
	if err != nil {
		return err
	}

	n.ipam, err = utils.NewIpamService(n.config.Subnet())
	if err != nil {
		return err
	}
	if n.ipam.Prefix().Contains(serverAddr.Addr()) {
		if err := n.ipam.ReserveIP("server", serverAddr.Addr()); err != nil {
			return err
		}
	}

	switch n.config.Mode {
	case LiveMode:
		rt := eventloop.NewRealtime()
		n.loop = realtimeLoop{rt}
		n.network = tcpnet.New(rt, tcpnet.Config{SndBufSize: n.config.SndBufSize})
	default:
		v := eventloop.NewVirtual()
		n.loop = virtualLoop{v}
		n.network = memnet.New(v, memnet.Config{
			PhyRate:     n.config.PhyRate,
			Delay:       milliseconds(n.config.LinkDelay),
			SndBufSize:  n.config.SndBufSize,
			SegmentSize: n.config.PayloadSize,
		})
	}

	n.Server = server.NewServer(n.loop, n.network, server.Config{
		Local:                 serverAddr,
		EnableSeqTsSizeHeader: n.config.EnableSeqTsSizeHeader,
		SimulationId:          n.simId,
		Collector:             n.collector,
	})

	for i := 0; i < n.config.NumOfDevices; i++ {
		id := fmt.Sprintf("device-%03d", i)
		ip, err := n.ipam.AllocateIP(id)
		if err != nil {
			return fmt.Errorf("could not address %s: %w", id, err)
		}

		e, err := device.NewEnforcer(n.loop, n.network, device.Config{
			Local:                 netip.AddrPortFrom(ip, n.config.LocalPort()),
			Remote:                serverAddr,
			DataRate:              n.config.DataRate,
			PacketSize:            n.config.PacketSize,
			MaxBytes:              n.config.MaxBytes,
			EnableSeqTsSizeHeader: n.config.EnableSeqTsSizeHeader,
			Message:               n.config.Message,
			SimulationId:          n.simId,
			Collector:             n.collector,
			OnFailure: func(e *device.Enforcer, err error) {
				log.Warnf("[device %s] session failed: %v", e.Id(), err)
			},
		})
		if err != nil {
			return err
		}
		n.devices = append(n.devices, e)
	}
	log.Infof("simulation %s initialized: %d devices, server %s, %s mode",
		n.simId, len(n.devices), serverAddr, n.config.Mode)
	return nil
}

// Start schedules the run and returns. Wait blocks until it is over.
func (n *NetworkInstance) Start() error {
	if n.loop == nil {
		return fmt.Errorf("simulation instance not initialized")
	}
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	log.Printf("starting simulation %s", n.simId)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	start := seconds(n.config.StartTime)
	stop := seconds(n.config.SimulationTime)
	end := stop + drainTime

	n.loop.ScheduleAfter(start, func() {
		if err := n.Server.Start(); err != nil {
			log.Errorf("[server] %v", err)
			n.runErr = err
			n.stopAll()
			cancel()
		}
	})
	for i, e := range n.devices {
		at := n.config.DeviceStart(i)
		if at >= stop {
			continue
		}
		n.loop.ScheduleAfter(at, func() { n.startDevice(e) })
	}
	n.loop.ScheduleAfter(stop, n.stopAll)
	n.tick()

	go func() {
		defer close(n.done)
		err := n.loop.run(ctx, end)
		if err != nil && !errors.Is(err, context.Canceled) {
			n.runErr = err
		}
		// the loop is over, nothing races with us anymore
		n.simTime.Store(int64(n.loop.Now()))
		n.stopAll()
		log.Infof("simulation %s over @%s", n.simId, n.loop.Now())
	}()
	return nil
}

func (n *NetworkInstance) tick() {
	n.simTime.Store(int64(n.loop.Now()))
	n.loop.ScheduleAfter(clockTick, n.tick)
}

func (n *NetworkInstance) startDevice(e *device.Enforcer) {
	if n.stopped {
		return
	}
	if err := e.Start(); err != nil {
		log.Warnf("[device %s] could not start: %v", e.Id(), err)
		return
	}
	if n.config.OnTime > 0 && n.config.OffTime > 0 {
		n.dutyCycle(e)
	}
}

// dutyCycle alternates on and off periods until the session stops.
func (n *NetworkInstance) dutyCycle(e *device.Enforcer) {
	n.loop.ScheduleAfter(seconds(n.config.OnTime), func() {
		if n.stopped || e.State() == models.Stopped {
			return
		}
		e.Pause()
		n.loop.ScheduleAfter(seconds(n.config.OffTime), func() {
			if n.stopped || e.State() == models.Stopped {
				return
			}
			if err := e.Start(); err != nil {
				log.Warnf("[device %s] could not resume: %v", e.Id(), err)
				return
			}
			n.dutyCycle(e)
		})
	})
}

// stopAll stops devices first so that the server sees their close.
func (n *NetworkInstance) stopAll() {
	if n.stopped {
		return
	}
	n.stopped = true

	for _, e := range n.devices {
		if err := e.Stop(); err != nil {
			log.Debugf("[device %s] close: %v", e.Id(), err)
		}
	}
	if err := n.Server.Stop(); err != nil {
		log.Debugf("[server] close: %v", err)
	}
}

// Stop interrupts the run and waits for the teardown.
func (n *NetworkInstance) Stop() error {
	if !n.started.Load() {
		return nil
	}
	n.cancel()
	<-n.done
	return nil
}

// Wait blocks until the run is over and returns its failure, if any.
func (n *NetworkInstance) Wait() error {
	<-n.done
	return n.runErr
}

// Done is closed when the run is over.
func (n *NetworkInstance) Done() <-chan struct{} {
	return n.done
}

func (n *NetworkInstance) Report() *models.SimulationReport {
	report := &models.SimulationReport{
		SimulationId: n.simId,
		Mode:         string(n.config.Mode),
		SimTime:      time.Duration(n.simTime.Load()),
	}
	if n.Server != nil {
		report.Server = n.Server.Stats()
	}
	for _, e := range n.devices {
		stats := e.Stats()
		report.Devices = append(report.Devices, *stats.GenerateReport())
	}
	return report
}
