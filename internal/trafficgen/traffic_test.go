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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDataRate(t *testing.T) {
	tests := []struct {
		in   string
		want DataRate
	}{
		{"500kb/s", 500 * KbitPerSecond},
		{"100Mbps", 100 * MbitPerSecond},
		{"1.5Mbps", 1500 * KbitPerSecond},
		{"1Gb/s", GbitPerSecond},
		{"10kBps", 80 * KbitPerSecond},
		{"1KiBps", 8192},
		{"2Mib/s", 2 << 20},
		{"9600", 9600},
		{"64 kbps", 64 * KbitPerSecond},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDataRate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDataRateErrors(t *testing.T) {
	for _, in := range []string{"", "fast", "10Xbps", "10Mb", "10ps", "Mbps"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDataRate(in)
			assert.Error(t, err)
		})
	}
}

func TestDataRateString(t *testing.T) {
	assert.Equal(t, "100Mbps", (100 * MbitPerSecond).String())
	assert.Equal(t, "500kbps", (500 * KbitPerSecond).String())
	assert.Equal(t, "1Gbps", GbitPerSecond.String())
	assert.Equal(t, "1234bps", DataRate(1234).String())
}

func TestDataRateYAML(t *testing.T) {
	var cfg struct {
		Rate DataRate `yaml:"rate"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("rate: 100Mbps\n"), &cfg))
	assert.Equal(t, 100*MbitPerSecond, cfg.Rate)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "rate: 100Mbps\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("rate: [1, 2]\n"), &cfg))
}

func TestDataRateJSON(t *testing.T) {
	var cfg struct {
		Rate DataRate `json:"rate"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"rate":"500kb/s"}`), &cfg))
	assert.Equal(t, 500*KbitPerSecond, cfg.Rate)

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rate":"500kbps"}`, string(out))
}
