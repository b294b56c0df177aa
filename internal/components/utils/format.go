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

package utils

import (
	"fmt"
	"time"
)

func Percentage(n, total int64) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(n)/float64(total)*100)
}

func FormatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// SimulationStartStamp is safe to use in file names.
func SimulationStartStamp(t time.Time) string {
	return t.Format("2006-01-02_15-04")
}

// FormatBitrate renders bits per second with an SI prefix.
func FormatBitrate(bps float64) string {
	switch {
	case bps >= 1e9:
		return fmt.Sprintf("%.2f Gbps", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mbps", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.2f kbps", bps/1e3)
	}
	return fmt.Sprintf("%.0f bps", bps)
}
