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

package models

import (
	"fmt"
	"time"
)

type FlowStats struct {
	Device           string
	State            DeviceState
	TxPackets        int64
	TxBytes          int64
	ShortWrites      int64
	DiscardedPackets int64
	Accepted         int64
	Refused          int64
	UnknownResponses int64
	LastSeq          uint32
	FirstTx          time.Duration
	LastTx           time.Duration
}

type FlowStatsReport struct {
	FlowStats
	TxBitrate    float64
	TxPacketRate float64
}

func (stats *FlowStats) NewPacket(size int64, now time.Duration) {
	if stats.TxPackets == 0 {
		stats.FirstTx = now
	}
	stats.TxPackets++
	stats.TxBytes += size
	stats.LastTx = now
}

// GenerateReport averages the flow over the time between its first and its
// last emission.
func (stats *FlowStats) GenerateReport() *FlowStatsReport {
	report := &FlowStatsReport{FlowStats: *stats}
	elapsed := (stats.LastTx - stats.FirstTx).Seconds()
	if stats.TxPackets > 1 && elapsed > 0 {
		report.TxBitrate = float64(stats.TxBytes) * 8 / elapsed
		report.TxPacketRate = float64(stats.TxPackets-1) / elapsed
	}
	return report
}

func (stats *FlowStatsReport) Dumps() string {
	return fmt.Sprintf("Device:         %s,\nState:          %s,\nPackets:        %d,\nBytes:          %d,\nShort writes:   %d,\nAccepted:       %d,\nRefused:        %d,\nTx Bitrate:     %.2f bps,\nTx Packet Rate: %.2f pps,\n",
		stats.Device, stats.State, stats.TxPackets, stats.TxBytes, stats.ShortWrites, stats.Accepted, stats.Refused, stats.TxBitrate, stats.TxPacketRate)
}

type ServerStats struct {
	Address         string
	Listening       bool
	TotalRx         int64
	Frames          int64
	Accepted        int64
	Refused         int64
	MalformedFrames int64
	ActivePeers     int
	Connections     int64
}

func (stats *ServerStats) Dumps() string {
	return fmt.Sprintf("Server:         %s,\nRx Bytes:       %d,\nFrames:         %d,\nAccepted:       %d,\nRefused:        %d,\nMalformed:      %d,\nActive peers:   %d,\n",
		stats.Address, stats.TotalRx, stats.Frames, stats.Accepted, stats.Refused, stats.MalformedFrames, stats.ActivePeers)
}

type SimulationReport struct {
	SimulationId string
	Status       string
	Mode         string
	SimTime      time.Duration
	Server       ServerStats
	Devices      []FlowStatsReport
	Events       map[DeviceEvent]int `json:",omitempty"`
}

func (r *SimulationReport) TotalTxBytes() int64 {
	var total int64
	for _, d := range r.Devices {
		total += d.TxBytes
	}
	return total
}

func (r *SimulationReport) TotalTxPackets() int64 {
	var total int64
	for _, d := range r.Devices {
		total += d.TxPackets
	}
	return total
}
