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
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DataRate is a bit rate in bits per second
type DataRate uint64

const (
	BitPerSecond  DataRate = 1
	KbitPerSecond          = 1000 * BitPerSecond
	MbitPerSecond          = 1000 * KbitPerSecond
	GbitPerSecond          = 1000 * MbitPerSecond
)

var ratePrefixes = map[string]float64{
	"":   1,
	"k":  1e3,
	"K":  1e3,
	"M":  1e6,
	"G":  1e9,
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
}

// ParseDataRate parses rates written as "500kb/s", "100Mbps", "1.5Mb/s",
// "64KiBps" or a bare number of bits per second. A capital B counts bytes.
func ParseDataRate(s string) (DataRate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty data rate")
	}

	i := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.'
	})
	if i == 0 {
		return 0, fmt.Errorf("data rate %q has no numeric value", s)
	}
	numPart, unit := s, ""
	if i > 0 {
		numPart, unit = s[:i], strings.TrimSpace(s[i:])
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid data rate %q: %w", s, err)
	}

	multiplier := 1.0
	if unit != "" {
		switch {
		case strings.HasSuffix(unit, "ps"):
			unit = strings.TrimSuffix(unit, "ps")
		case strings.HasSuffix(unit, "/s"):
			unit = strings.TrimSuffix(unit, "/s")
		default:
			return 0, fmt.Errorf("invalid data rate unit in %q", s)
		}
		if unit == "" {
			return 0, fmt.Errorf("invalid data rate unit in %q", s)
		}
		switch unit[len(unit)-1] {
		case 'b':
		case 'B':
			multiplier = 8
		default:
			return 0, fmt.Errorf("invalid data rate unit in %q", s)
		}
		prefix, ok := ratePrefixes[unit[:len(unit)-1]]
		if !ok {
			return 0, fmt.Errorf("unknown data rate prefix in %q", s)
		}
		multiplier *= prefix
	}

	bits := math.Round(value * multiplier)
	if bits >= math.MaxUint64 {
		return 0, fmt.Errorf("data rate %q overflows", s)
	}
	return DataRate(bits), nil
}

// MustParseDataRate is ParseDataRate for constant inputs.
func MustParseDataRate(s string) DataRate {
	r, err := ParseDataRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r DataRate) BitsPerSecond() uint64 {
	return uint64(r)
}

func (r DataRate) String() string {
	switch {
	case r >= GbitPerSecond && r%GbitPerSecond == 0:
		return fmt.Sprintf("%dGbps", r/GbitPerSecond)
	case r >= MbitPerSecond && r%MbitPerSecond == 0:
		return fmt.Sprintf("%dMbps", r/MbitPerSecond)
	case r >= KbitPerSecond && r%KbitPerSecond == 0:
		return fmt.Sprintf("%dkbps", r/KbitPerSecond)
	default:
		return fmt.Sprintf("%dbps", uint64(r))
	}
}

func (r DataRate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *DataRate) UnmarshalText(text []byte) error {
	parsed, err := ParseDataRate(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r DataRate) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

func (r *DataRate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: data rate must be a scalar", value.Line)
	}
	return r.UnmarshalText([]byte(value.Value))
}
