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
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/frame"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/trafficgen"
)

type SimulationMode string

const (
	VirtualMode SimulationMode = "virtual"
	LiveMode    SimulationMode = "live"
)

const (
	defaultVirtualServer = "192.168.0.1:50000"
	defaultVirtualSubnet = "192.168.0.0/24"
	defaultLiveServer    = "127.0.0.1:50000"
	defaultLiveSubnet    = "127.0.0.0/8"
	defaultDevicePort    = 50000
)

var ErrInvalidProfile = errors.New("invalid simulation profile")

type AppConfig struct {
	HttpVersion   uint16 `yaml:"httpVersion"`
	OamPort       uint16 `yaml:"oamPort"`
	MetricsPort   uint16 `yaml:"metricsPort"`
	LogLevel      string `yaml:"logLevel"`
	InitOnStartup bool   `yaml:"initOnStartup"`
	/* Custom configuration parameters */
	NetConfig *NetworkConfig `yaml:"simulationProfile"`
}

// NetworkConfig is a simulation profile. Times are in seconds, the link
// delay in milliseconds.
type NetworkConfig struct {
	Mode                  SimulationMode      `yaml:"mode" json:"mode"`
	NumOfDevices          int                 `yaml:"numOfDevices" json:"numOfDevices"`
	PacketSize            uint32              `yaml:"packetSize" json:"packetSize"`
	PayloadSize           int                 `yaml:"payloadSize" json:"payloadSize"` // transport segment size
	DataRate              trafficgen.DataRate `yaml:"dataRate" json:"dataRate"`
	PhyRate               trafficgen.DataRate `yaml:"phyRate" json:"phyRate"`
	LinkDelay             float64             `yaml:"linkDelay" json:"linkDelay"`
	SndBufSize            int                 `yaml:"sndBufSize" json:"sndBufSize"`
	SimulationTime        float64             `yaml:"simulationTime" json:"simulationTime"`
	StartTime             float64             `yaml:"startTime" json:"startTime"`
	DeviceStartOffset     float64             `yaml:"deviceStartOffset" json:"deviceStartOffset"`
	DeviceStartInterval   float64             `yaml:"deviceStartInterval" json:"deviceStartInterval"`
	OnTime                float64             `yaml:"onTime" json:"onTime"`
	OffTime               float64             `yaml:"offTime" json:"offTime"`
	MaxBytes              uint64              `yaml:"maxBytes" json:"maxBytes"`
	EnableSeqTsSizeHeader bool                `yaml:"enableSeqTsSizeHeader" json:"enableSeqTsSizeHeader"`
	Message               string              `yaml:"message" json:"message"`
	ServerAddress         string              `yaml:"serverAddress,omitempty" json:"serverAddress,omitempty"`
	DeviceSubnet          string              `yaml:"deviceSubnet,omitempty" json:"deviceSubnet,omitempty"`
	DevicePort            uint16              `yaml:"devicePort,omitempty" json:"devicePort,omitempty"`
}

func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		Mode:                VirtualMode,
		NumOfDevices:        29,
		PacketSize:          512,
		PayloadSize:         1448,
		DataRate:            100 * trafficgen.MbitPerSecond,
		PhyRate:             54 * trafficgen.MbitPerSecond,
		LinkDelay:           1,
		SndBufSize:          131072,
		SimulationTime:      200,
		DeviceStartOffset:   1.0,
		DeviceStartInterval: 0.2,
		Message:             "[Message!]",
	}
}

func (cfg *NetworkConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain NetworkConfig
	decoded := plain(*DefaultNetworkConfig())
	if err := value.Decode(&decoded); err != nil {
		return err
	}
	*cfg = NetworkConfig(decoded)
	return nil
}

func (cfg *NetworkConfig) UnmarshalJSON(data []byte) error {
	type plain NetworkConfig
	decoded := plain(*DefaultNetworkConfig())
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*cfg = NetworkConfig(decoded)
	return nil
}

func (cfg *NetworkConfig) Validate() error {
	if cfg.Mode != VirtualMode && cfg.Mode != LiveMode {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidProfile, cfg.Mode)
	}
	if cfg.NumOfDevices < 0 {
		return fmt.Errorf("%w: numOfDevices must not be negative", ErrInvalidProfile)
	}
	if cfg.PacketSize == 0 {
		return fmt.Errorf("%w: packetSize must be positive", ErrInvalidProfile)
	}
	if cfg.EnableSeqTsSizeHeader && cfg.PacketSize < frame.HeaderSize {
		return fmt.Errorf("%w: packetSize %d cannot hold the %d byte header", ErrInvalidProfile, cfg.PacketSize, frame.HeaderSize)
	}
	if cfg.DataRate == 0 {
		return fmt.Errorf("%w: dataRate must be positive", ErrInvalidProfile)
	}
	if cfg.SimulationTime <= 0 {
		return fmt.Errorf("%w: simulationTime must be positive", ErrInvalidProfile)
	}
	if cfg.StartTime < 0 || cfg.StartTime >= cfg.SimulationTime {
		return fmt.Errorf("%w: startTime must lie in [0, simulationTime)", ErrInvalidProfile)
	}
	for name, v := range map[string]float64{
		"linkDelay":           cfg.LinkDelay,
		"deviceStartOffset":   cfg.DeviceStartOffset,
		"deviceStartInterval": cfg.DeviceStartInterval,
		"onTime":              cfg.OnTime,
		"offTime":             cfg.OffTime,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidProfile, name)
		}
	}
	if _, err := cfg.ServerAddrPort(); err != nil {
		return err
	}
	if _, err := netip.ParsePrefix(cfg.Subnet()); err != nil {
		return fmt.Errorf("%w: deviceSubnet: %w", ErrInvalidProfile, err)
	}
	return nil
}

func (cfg *NetworkConfig) ServerAddrPort() (netip.AddrPort, error) {
	addr := cfg.ServerAddress
	if addr == "" {
		addr = defaultVirtualServer
		if cfg.Mode == LiveMode {
			addr = defaultLiveServer
		}
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: serverAddress: %w", ErrInvalidProfile, err)
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: serverAddress needs a port", ErrInvalidProfile)
	}
	return ap, nil
}

func (cfg *NetworkConfig) Subnet() string {
	if cfg.DeviceSubnet != "" {
		return cfg.DeviceSubnet
	}
	if cfg.Mode == LiveMode {
		return defaultLiveSubnet
	}
	return defaultVirtualSubnet
}

// LocalPort is the port devices bind to. Live devices default to an
// ephemeral port.
func (cfg *NetworkConfig) LocalPort() uint16 {
	if cfg.DevicePort != 0 || cfg.Mode == LiveMode {
		return cfg.DevicePort
	}
	return defaultDevicePort
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func milliseconds(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// DeviceStart returns when device i starts, relative to the simulation start.
func (cfg *NetworkConfig) DeviceStart(i int) time.Duration {
	return seconds(cfg.StartTime + cfg.DeviceStartOffset + float64(i)*cfg.DeviceStartInterval)
}

func LoadConfig(data []byte) (*AppConfig, error) {
	cfg := AppConfig{
		HttpVersion: 1,
		OamPort:     8081,
		MetricsPort: 9090,
		LogLevel:    "info",
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	if cfg.HttpVersion != 1 && cfg.HttpVersion != 2 {
		return nil, fmt.Errorf("unsupported httpVersion %d", cfg.HttpVersion)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid logLevel: %w", err)
	}
	if cfg.InitOnStartup && cfg.NetConfig == nil {
		return nil, fmt.Errorf("when initializing from startup, simulation profile must be defined in config file")
	}
	if cfg.NetConfig != nil {
		if err := cfg.NetConfig.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func InitConfig(configPath string) *AppConfig {

	yamlFile, err := os.ReadFile(configPath)
	if err != nil {
		log.Fatalf("cannot read config file #%v ", err)
	}

	cfg, err := LoadConfig(yamlFile)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	return cfg
}

func (cfg *AppConfig) Dumps() string {
	d, err := yaml.Marshal(&cfg)
	if err != nil {
		log.Errorf("error: %v", err)
		return ""
	}
	return string(d)

}
