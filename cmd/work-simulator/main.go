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

// Command work-simulator runs the work server and its devices, either as a
// daemon driven over HTTP or as a single batch run.
package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	log "github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/simulator"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/trafficgen"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	batch := flag.Bool("batch", false, "Run the simulation profile once, print a summary and exit")
	mode := flag.String("mode", "", "Network mode: virtual or live")
	nNodes := flag.Int("nNodes", 0, "Number of devices")
	payloadSize := flag.Int("payloadSize", 0, "Transport segment size in bytes")
	packetSize := flag.Uint("packetSize", 0, "Application packet size in bytes")
	dataRate := flag.String("dataRate", "", "Device data rate, e.g. 100Mbps")
	phyRate := flag.String("phyRate", "", "Link rate of the virtual network, e.g. 54Mbps")
	simulationTime := flag.Float64("simulationTime", 0, "Simulation time in seconds")
	maxBytes := flag.Uint64("maxBytes", 0, "Per connection byte budget, 0 for unlimited")
	header := flag.Bool("enableSeqTsSizeHeader", false, "Send binary seq/ts/size headers instead of text frames")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	var cfg *simulator.AppConfig
	if *configPath != "" {
		cfg = simulator.InitConfig(*configPath)
	} else {
		var err error
		if cfg, err = simulator.LoadConfig(nil); err != nil {
			log.Fatalf("error: %v", err)
		}
	}
	if cfg.NetConfig == nil {
		cfg.NetConfig = simulator.DefaultNetworkConfig()
	}

	// flags given on the command line win over the profile
	var errv []error
	flag.Visit(func(f *flag.Flag) {
		p := cfg.NetConfig
		var err error
		switch f.Name {
		case "mode":
			p.Mode = simulator.SimulationMode(*mode)
		case "nNodes":
			p.NumOfDevices = *nNodes
		case "payloadSize":
			p.PayloadSize = *payloadSize
		case "packetSize":
			p.PacketSize = uint32(*packetSize)
		case "dataRate":
			p.DataRate, err = trafficgen.ParseDataRate(*dataRate)
		case "phyRate":
			p.PhyRate, err = trafficgen.ParseDataRate(*phyRate)
		case "simulationTime":
			p.SimulationTime = *simulationTime
		case "maxBytes":
			p.MaxBytes = *maxBytes
		case "enableSeqTsSizeHeader":
			p.EnableSeqTsSizeHeader = *header
		}
		if err != nil {
			errv = append(errv, fmt.Errorf("-%s: %w", f.Name, err))
		}
	})
	if len(errv) > 0 {
		log.Fatalf("invalid flags: %v", errv)
	}
	if err := cfg.NetConfig.Validate(); err != nil {
		log.Fatalf("error: %v", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	log.SetLevel(level)

	app := simulator.NewWorkSimulatorApp(cfg)
	if !*batch {
		app.Run()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	report, err := app.RunBatch(ctx)
	if report != nil {
		printSummary(report, started, time.Since(started))
	}
	if err != nil {
		log.Errorf("simulation failed: %v", err)
		os.Exit(1)
	}
}

func printSummary(report *models.SimulationReport, started time.Time, wall time.Duration) {
	pterm.DefaultSection.Println(fmt.Sprintf("Simulation %s (%s)", report.SimulationId, utils.SimulationStartStamp(started)))
	pterm.Info.Println(fmt.Sprintf("%s mode, %s simulated in %s, status %s",
		report.Mode, report.SimTime, wall.Round(time.Millisecond), report.Status))

	data := pterm.TableData{{"Device", "State", "Packets", "Bytes", "Short writes", "Bitrate", "Accepted"}}
	for _, d := range report.Devices {
		responses := d.Accepted + d.Refused + d.UnknownResponses
		data = append(data, []string{
			d.Device,
			d.State.String(),
			fmt.Sprint(d.TxPackets),
			fmt.Sprint(d.TxBytes),
			fmt.Sprint(d.ShortWrites),
			utils.FormatBitrate(d.TxBitrate),
			utils.Percentage(d.Accepted, responses),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		log.Warnf("could not render summary: %v", err)
	}

	srv := report.Server
	pterm.Info.Println(fmt.Sprintf("server %s: %d bytes, %d frames (%s accepted), %d malformed, %d connections",
		srv.Address, srv.TotalRx, srv.Frames, utils.Percentage(srv.Accepted, srv.Frames), srv.MalformedFrames, srv.Connections))
	pterm.Info.Println(fmt.Sprintf("devices sent %d packets, %d bytes", report.TotalTxPackets(), report.TotalTxBytes()))
	for _, event := range slices.Sorted(maps.Keys(report.Events)) {
		pterm.Println(fmt.Sprintf("  %-18s %d", event, report.Events[event]))
	}
}
