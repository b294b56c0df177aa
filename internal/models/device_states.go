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

import "fmt"

type DeviceState int

const (
	Idle DeviceState = iota
	Connecting
	Connected           // connection up, not sending
	Sending             // a tx event is pending
	WaitingOnShortWrite // a packet is cached until the socket has room
	Stopped
)

var deviceStateNames = map[DeviceState]string{
	Idle:                "IDLE",
	Connecting:          "CONNECTING",
	Connected:           "CONNECTED",
	Sending:             "SENDING",
	WaitingOnShortWrite: "WAITING_ON_SHORT_WRITE",
	Stopped:             "STOPPED",
}

func (s DeviceState) String() string {
	if name, ok := deviceStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeviceState) UnmarshalText(text []byte) error {
	for state, name := range deviceStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown device state %q", text)
}

type DeviceEvent string

const (
	DeviceConnected     DeviceEvent = "CONNECTED"
	DeviceConnectFailed DeviceEvent = "CONNECT_FAILED"
	DeviceQuiescent     DeviceEvent = "BUDGET_EXHAUSTED"
	DevicePeerClosed    DeviceEvent = "PEER_CLOSED"
	DeviceStopped       DeviceEvent = "STOPPED"
	DeviceTerminated    DeviceEvent = "TERMINATED" // scheduling invariant violated
)
