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

// Package device implements the enforcer, the sending side of a work flow.
//
// An Enforcer paces fixed size frames towards the work server at a constant
// bit rate. Interrupted periods leave a residual debt that shortens the next
// gap, a frame the socket cannot take is cached and resent verbatim once the
// socket drains, and an optional byte budget makes the device quiescent.
package device

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/giuliocarot0/gitc"
	log "github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/eventloop"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/frame"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/trafficgen"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/transport"
)

const (
	DefaultDataRate   = 500 * trafficgen.KbitPerSecond
	DefaultPacketSize = 512
	DefaultMessage    = "[Message!]"

	maxResponseBuffer = 4096
)

var ErrInvalidConfig = errors.New("invalid device configuration")

type Config struct {
	Id                    string // defaults to the local address
	Local                 netip.AddrPort
	Remote                netip.AddrPort
	DataRate              trafficgen.DataRate
	PacketSize            uint32
	MaxBytes              uint64 // 0 means unlimited
	EnableSeqTsSizeHeader bool
	Message               string

	SimulationId string
	Collector    string // gitc task receiving lifecycle messages, empty to disable

	// OnFailure is called on the loop when the session dies on an error.
	OnFailure func(e *Enforcer, err error)
}

// Enforcer is one device session. Apart from Stats and Id, every method must
// be called from the loop that drives its socket.
type Enforcer struct {
	id   string
	cfg  Config
	loop eventloop.Scheduler
	net  transport.Network

	sock      transport.Socket
	cbr       *trafficgen.CBR
	txEvent   *eventloop.Timer
	active    bool
	connected bool
	quiescent bool
	cached    []byte
	cachedSeq uint32
	seq       uint32
	total     uint64
	rxBuf     []byte

	statsMutex sync.RWMutex
	stats      models.FlowStats
}

func NewEnforcer(loop eventloop.Scheduler, network transport.Network, cfg Config) (*Enforcer, error) {
	if cfg.DataRate == 0 {
		cfg.DataRate = DefaultDataRate
	}
	if cfg.PacketSize == 0 {
		cfg.PacketSize = DefaultPacketSize
	}
	if cfg.Message == "" {
		cfg.Message = DefaultMessage
	}
	if !cfg.Remote.IsValid() {
		return nil, fmt.Errorf("%w: remote address is not set", ErrInvalidConfig)
	}
	if cfg.EnableSeqTsSizeHeader && cfg.PacketSize < frame.HeaderSize {
		return nil, fmt.Errorf("%w: packet size %d is smaller than the %d byte header",
			ErrInvalidConfig, cfg.PacketSize, frame.HeaderSize)
	}
	if cfg.Id == "" {
		cfg.Id = cfg.Local.String()
	}

	e := &Enforcer{
		id:   cfg.Id,
		cfg:  cfg,
		loop: loop,
		net:  network,
		cbr:  trafficgen.NewCBR(cfg.DataRate, cfg.PacketSize),
	}
	e.stats.Device = e.id
	e.stats.State = models.Idle
	monitoring.DevicesTotal.WithLabelValues(cfg.SimulationId, models.Idle.String()).Inc()
	return e, nil
}

func (e *Enforcer) Id() string {
	return e.id
}

// Start opens the connection on first use and re-arms pacing. On a session
// that is already connected, sending resumes right away and the debt of the
// previous period shortens the first gap.
func (e *Enforcer) Start() error {
	log.Infof("[device %s] starting @%s", e.id, e.loop.Now())

	if e.sock == nil {
		sock := e.net.NewSocket()
		sock.SetHandler(e.handleEvent)
		if err := sock.Bind(e.cfg.Local); err != nil {
			sock.Close()
			e.setState(models.Stopped)
			return fmt.Errorf("device %s: %w", e.id, err)
		}
		log.Debugf("[device %s] socket bind %s to %s", e.id, sock.LocalAddr(), e.cfg.Remote)
		if err := sock.Connect(e.cfg.Remote); err != nil {
			sock.Close()
			e.setState(models.Stopped)
			return fmt.Errorf("device %s: %w", e.id, err)
		}
		e.sock = sock
		e.total = 0
		e.quiescent = false
		e.setState(models.Connecting)
	}

	e.cbr.Arm()
	e.cancelEvents()
	e.active = true
	if e.connected {
		e.startSending()
	}
	return nil
}

// Pause ends an on period. The connection stays up.
func (e *Enforcer) Pause() {
	if !e.active {
		return
	}
	log.Debugf("[device %s] pausing @%s", e.id, e.loop.Now())
	e.active = false
	e.cancelEvents()
	if e.connected {
		e.setState(models.Connected)
	}
}

// Stop cancels the pending transmission, drops any cached frame and closes
// the connection. Stopping a stopped session does nothing.
func (e *Enforcer) Stop() error {
	if e.sock == nil && e.State() == models.Stopped {
		return nil
	}
	log.Infof("[device %s] stopping @%s", e.id, e.loop.Now())
	return e.terminate(models.DeviceStopped, nil)
}

// SetDataRate applies to the next schedule. A cancel before the next Start
// carries no debt since the armed rate no longer matches.
func (e *Enforcer) SetDataRate(rate trafficgen.DataRate) error {
	if rate == 0 {
		return fmt.Errorf("%w: data rate is zero", ErrInvalidConfig)
	}
	e.cbr.SetRate(rate)
	return nil
}

func (e *Enforcer) State() models.DeviceState {
	e.statsMutex.RLock()
	defer e.statsMutex.RUnlock()
	return e.stats.State
}

func (e *Enforcer) Stats() models.FlowStats {
	e.statsMutex.RLock()
	defer e.statsMutex.RUnlock()
	return e.stats
}

func (e *Enforcer) setState(state models.DeviceState) {
	e.statsMutex.Lock()
	prev := e.stats.State
	e.stats.State = state
	e.statsMutex.Unlock()

	if prev != state {
		monitoring.DevicesTotal.WithLabelValues(e.cfg.SimulationId, prev.String()).Dec()
		monitoring.DevicesTotal.WithLabelValues(e.cfg.SimulationId, state.String()).Inc()
	}
}

func (e *Enforcer) cancelEvents() {
	now, pending := e.loop.Now(), e.txEvent.Pending()
	due := now
	if pending {
		due = e.txEvent.At()
	}
	e.cbr.Cancel(now, due, pending)
	e.loop.Cancel(e.txEvent)
	e.txEvent = nil

	if e.cached != nil {
		log.Debugf("[device %s] discarding cached packet", e.id)
		e.cached = nil
		e.statsMutex.Lock()
		e.stats.DiscardedPackets++
		e.statsMutex.Unlock()
		monitoring.DiscardedPackets.WithLabelValues(e.cfg.SimulationId, e.id).Inc()
	}
}

func (e *Enforcer) startSending() {
	e.cbr.Begin(e.loop.Now())
	e.scheduleNext()
}

func (e *Enforcer) scheduleNext() {
	if !e.active || e.sock == nil {
		return
	}
	if e.cfg.MaxBytes > 0 && e.total >= e.cfg.MaxBytes {
		if !e.quiescent {
			e.quiescent = true
			log.Infof("[device %s] sent %d bytes, budget exhausted", e.id, e.total)
			e.notify(models.DeviceQuiescent, nil)
		}
		e.setState(models.Connected)
		return
	}

	delay, err := e.cbr.NextDelay()
	if err != nil {
		log.Errorf("[device %s] %s", e.id, err)
		e.terminate(models.DeviceTerminated, err)
		return
	}

	var timer *eventloop.Timer
	timer = e.loop.ScheduleAfter(delay, func() { e.onTx(timer) })
	e.txEvent = timer
	e.setState(models.Sending)
}

func (e *Enforcer) onTx(timer *eventloop.Timer) {
	if !e.active || timer != e.txEvent {
		return
	}
	e.txEvent = nil
	e.emit()
}

func (e *Enforcer) emit() {
	if e.txEvent.Pending() {
		e.terminate(models.DeviceTerminated, fmt.Errorf("%w: emit with a transmission pending", trafficgen.ErrSchedulingInvariant))
		return
	}

	packet, seq := e.cached, e.cachedSeq
	if packet == nil {
		var err error
		if packet, seq, err = e.buildPacket(); err != nil {
			log.Errorf("[device %s] %s", e.id, err)
			e.terminate(models.DeviceTerminated, err)
			return
		}
	}

	actual, err := e.sock.Send(packet)
	now := e.loop.Now()
	if err != nil {
		log.Warnf("[device %s] send failed: %s", e.id, err)
		e.terminate(models.DevicePeerClosed, err)
		return
	}
	e.cbr.Emitted(now)

	if actual != len(packet) {
		// transports queue nothing on a short write, the frame goes out whole later
		log.Debugf("[device %s] %v: actual %d size %d; caching for later attempt", e.id, transport.ErrShortWrite, actual, len(packet))
		e.cached, e.cachedSeq = packet, seq
		e.statsMutex.Lock()
		e.stats.ShortWrites++
		e.statsMutex.Unlock()
		monitoring.ShortWrites.WithLabelValues(e.cfg.SimulationId, e.id).Inc()
		e.setState(models.WaitingOnShortWrite)
		return
	}

	e.cached = nil
	e.total += uint64(e.cfg.PacketSize)
	e.statsMutex.Lock()
	e.stats.NewPacket(int64(len(packet)), now)
	e.stats.LastSeq = seq
	e.statsMutex.Unlock()
	monitoring.DeviceTxBytes.WithLabelValues(e.cfg.SimulationId, e.id).Add(float64(len(packet)))
	monitoring.DeviceTxPackets.WithLabelValues(e.cfg.SimulationId, e.id).Inc()
	log.Debugf("[device %s] at time %s sent %d bytes to %s total Tx %d bytes", e.id, now, len(packet), e.cfg.Remote, e.total)

	e.scheduleNext()
}

func (e *Enforcer) buildPacket() ([]byte, uint32, error) {
	if !e.cfg.EnableSeqTsSizeHeader {
		return frame.EncodeText([]byte(e.cfg.Message)), 0, nil
	}
	h := frame.Header{Seq: e.seq, Timestamp: e.loop.Now(), Size: uint64(e.cfg.PacketSize)}
	packet, err := frame.NewHeaderFrame(h)
	if err != nil {
		return nil, 0, err
	}
	e.seq++
	return packet, h.Seq, nil
}

func (e *Enforcer) handleEvent(ev transport.Event) bool {
	if ev.Socket != e.sock {
		return false
	}
	switch ev.Kind {
	case transport.Connected:
		log.Infof("[device %s] connected to %s @%s", e.id, ev.Peer, e.loop.Now())
		e.connected = true
		e.setState(models.Connected)
		e.notify(models.DeviceConnected, nil)
		if e.active {
			e.startSending()
		}
	case transport.ConnectFailed:
		err := ev.Err
		if !errors.Is(err, transport.ErrConnectFailure) {
			err = fmt.Errorf("%w: %w", transport.ErrConnectFailure, err)
		}
		log.Errorf("[device %s] can't connect to %s @%s: %s", e.id, e.cfg.Remote, e.loop.Now(), err)
		e.terminate(models.DeviceConnectFailed, err)
	case transport.Readable:
		e.onRead(ev.Data)
	case transport.SendAvailable:
		if e.active && e.cached != nil && e.txEvent == nil {
			e.scheduleNext()
		}
	case transport.PeerClosed:
		log.Infof("[device %s] connection closed by %s", e.id, ev.Peer)
		e.terminate(models.DevicePeerClosed, nil)
	case transport.PeerError:
		log.Warnf("[device %s] connection error: %v", e.id, ev.Err)
		e.terminate(models.DevicePeerClosed, ev.Err)
	}
	return false
}

func (e *Enforcer) onRead(data []byte) {
	e.rxBuf = append(e.rxBuf, data...)
	for {
		response, next, ok := frame.DecodeText(e.rxBuf)
		if !ok {
			break
		}
		e.rxBuf = e.rxBuf[next:]

		outcome := frame.ParseResponse(response)
		e.statsMutex.Lock()
		switch outcome {
		case frame.OutcomeAccepted:
			e.stats.Accepted++
		case frame.OutcomeRefused:
			e.stats.Refused++
		default:
			e.stats.UnknownResponses++
		}
		e.statsMutex.Unlock()
		monitoring.Responses.WithLabelValues(e.cfg.SimulationId, string(outcome)).Inc()

		switch outcome {
		case frame.OutcomeAccepted:
			log.Debugf("[device %s] has changed!", e.id)
		case frame.OutcomeRefused:
			log.Debugf("[device %s] has NOT changed!", e.id)
		default:
			log.Debugf("[device %s] unexpected response %q", e.id, response)
		}
	}
	if len(e.rxBuf) > maxResponseBuffer {
		log.Warnf("[device %s] dropping %d bytes without a response delimiter", e.id, len(e.rxBuf))
		e.rxBuf = nil
	}
	if len(e.rxBuf) == 0 {
		e.rxBuf = nil
	}
}

// terminate tears the session down. err is reported to OnFailure.
func (e *Enforcer) terminate(event models.DeviceEvent, err error) error {
	e.active = false
	e.cancelEvents()

	var closeErr error
	if e.sock != nil {
		closeErr = e.sock.Close()
		e.sock = nil
	}
	e.connected = false
	e.rxBuf = nil
	e.setState(models.Stopped)
	e.notify(event, err)

	if err != nil && e.cfg.OnFailure != nil {
		e.cfg.OnFailure(e, err)
	}
	return closeErr
}

func (e *Enforcer) notify(event models.DeviceEvent, err error) {
	if e.cfg.Collector == "" {
		return
	}
	msg := &models.DeviceToCollectorMsg{
		SimulationId: e.cfg.SimulationId,
		Device:       e.id,
		Event:        event,
		TimeStamp:    e.loop.Now(),
		Stats:        e.Stats(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	if err := gitc.Send(e.id, e.cfg.Collector, models.DeviceToCollectorType, msg); err != nil {
		log.Printf("Error sending DeviceToCollectorMsg for device %s: %v", e.id, err)
	}
}
