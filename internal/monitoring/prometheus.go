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

package monitoring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "work_devices_total",
			Help: "Number of devices by state",
		},
		[]string{"simulationId", "state"},
	)

	DeviceTxBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_device_tx_bytes_total",
			Help: "Bytes emitted by each device",
		},
		[]string{"simulationId", "device"},
	)

	DeviceTxPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_device_tx_packets_total",
			Help: "Packets emitted by each device",
		},
		[]string{"simulationId", "device"},
	)

	ShortWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_device_short_writes_total",
			Help: "Sends that could not be queued and were cached",
		},
		[]string{"simulationId", "device"},
	)

	DiscardedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_device_discarded_packets_total",
			Help: "Cached packets dropped on pause or stop",
		},
		[]string{"simulationId", "device"},
	)

	Responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_device_responses_total",
			Help: "Server responses received by outcome",
		},
		[]string{"simulationId", "outcome"},
	)

	ServerRxBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_server_rx_bytes_total",
			Help: "Bytes received by the work server",
		},
		[]string{"simulationId"},
	)

	ServerFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_server_frames_total",
			Help: "Frames answered by the work server by outcome",
		},
		[]string{"simulationId", "outcome"},
	)

	MalformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_server_malformed_frames_total",
			Help: "Peers halted on a malformed header",
		},
		[]string{"simulationId"},
	)

	ActivePeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "work_server_active_peers",
			Help: "Connections currently accepted by the work server",
		},
		[]string{"simulationId"},
	)
)

func init() {
	prometheus.MustRegister(DevicesTotal, DeviceTxBytes, DeviceTxPackets, ShortWrites, DiscardedPackets,
		Responses, ServerRxBytes, ServerFrames, MalformedFrames, ActivePeers)
}

// ResetSimulation drops every series labelled with simulationId.
func ResetSimulation(simulationId string) {
	match := prometheus.Labels{"simulationId": simulationId}
	for _, vec := range []*prometheus.MetricVec{
		DevicesTotal.MetricVec, DeviceTxBytes.MetricVec, DeviceTxPackets.MetricVec,
		ShortWrites.MetricVec, DiscardedPackets.MetricVec, Responses.MetricVec,
		ServerRxBytes.MetricVec, ServerFrames.MetricVec, MalformedFrames.MetricVec,
		ActivePeers.MetricVec,
	} {
		vec.DeletePartialMatch(match)
	}
}

func StartMetricsServer(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("starting prometheus metrics server on %s", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("could not start metrics server: %s", err.Error())
		}
	}()
	return srv
}
