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

package trafficgen

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"
)

// ErrSchedulingInvariant is returned when the carried residual exceeds one
// packet worth of bits. It points at broken bookkeeping in the caller.
var ErrSchedulingInvariant = errors.New("scheduling invariant violation")

const nsPerSecond = uint64(time.Second)

// TimeToNextPacket returns (packetBits - residualBits) / rate, rounded down
// to the nanosecond so that identical inputs always give identical delays.
func TimeToNextPacket(packetBits uint64, rate DataRate, residualBits uint64) (time.Duration, error) {
	if rate == 0 {
		return 0, fmt.Errorf("%w: data rate is zero", ErrSchedulingInvariant)
	}
	if residualBits > packetBits {
		return 0, fmt.Errorf("%w: residual %d bits exceeds packet of %d bits", ErrSchedulingInvariant, residualBits, packetBits)
	}

	hi, lo := bits.Mul64(packetBits-residualBits, nsPerSecond)
	if hi >= uint64(rate) {
		return 0, fmt.Errorf("%w: delay overflows", ErrSchedulingInvariant)
	}
	ns, _ := bits.Div64(hi, lo, uint64(rate))
	if ns > math.MaxInt64 {
		return 0, fmt.Errorf("%w: delay overflows", ErrSchedulingInvariant)
	}
	return time.Duration(ns), nil
}

// OnCancel returns the bits owed for the time elapsed since the last
// emission. Debt accrues only while a send is pending and the rate is the
// one armed at start.
func OnCancel(elapsed time.Duration, rate, armed DataRate, pending bool) uint64 {
	if !pending || rate != armed || elapsed <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(elapsed), uint64(rate))
	if hi >= nsPerSecond {
		return math.MaxUint64
	}
	owed, _ := bits.Div64(hi, lo, nsPerSecond)
	return owed
}

// CBR paces fixed size packets at a constant bit rate and carries the
// unsent residual across cancel/resume cycles.
type CBR struct {
	Rate       DataRate
	PacketSize uint32 // bytes

	armed     DataRate
	residual  uint64
	lastStart time.Duration
}

// NewCBR creates a new CBR pacer
func NewCBR(rate DataRate, packetSize uint32) *CBR {
	return &CBR{
		Rate:       rate,
		PacketSize: packetSize,
		armed:      rate,
	}
}

// SetRate changes the rate used by the next schedule. A cancel issued
// before the next Arm carries no debt.
func (c *CBR) SetRate(rate DataRate) {
	c.Rate = rate
}

// Arm snapshots the current rate as the fail-safe reference for debt.
func (c *CBR) Arm() {
	c.armed = c.Rate
}

// Begin marks the start of a sending period.
func (c *CBR) Begin(now time.Duration) {
	c.lastStart = now
}

// NextDelay returns the time until the next packet is due.
func (c *CBR) NextDelay() (time.Duration, error) {
	return TimeToNextPacket(uint64(c.PacketSize)*8, c.Rate, c.residual)
}

// Emitted records a send attempt at now, whether it went out whole or was cached.
func (c *CBR) Emitted(now time.Duration) {
	c.residual = 0
	c.lastStart = now
}

// Cancel accumulates the debt of an interrupted pending send and re-arms
// the fail-safe rate. due is the time the pending send was scheduled for:
// a send that is overdue when cancelled owes at most one packet.
func (c *CBR) Cancel(now, due time.Duration, pending bool) {
	owed := OnCancel(min(now, due)-c.lastStart, c.Rate, c.armed, pending)
	if c.residual > math.MaxUint64-owed {
		c.residual = math.MaxUint64
	} else {
		c.residual += owed
	}
	c.armed = c.Rate
}

func (c *CBR) Residual() uint64 {
	return c.residual
}

func (c *CBR) LastStart() time.Duration {
	return c.lastStart
}
