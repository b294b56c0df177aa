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
	"time"

	"github.com/giuliocarot0/gitc"
)

const (
	DeviceToCollectorType gitc.MessageType = iota
	ServerToCollectorType
)

type DeviceToCollectorMsg struct {
	SimulationId string
	Device       string
	Event        DeviceEvent
	TimeStamp    time.Duration
	Stats        FlowStats
	Error        string
}

type ServerToCollectorMsg struct {
	SimulationId string
	TimeStamp    time.Duration
	Stats        ServerStats
}
