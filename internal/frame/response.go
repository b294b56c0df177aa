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

package frame

import "bytes"

const (
	AcceptedResponse = "[Accepted]"
	RefusedResponse  = "[Refused]"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRefused  Outcome = "refused"
	OutcomeUnknown  Outcome = "unknown"
)

// Respond strips the opening and closing byte of a frame and answers
// [Accepted] when something is left, [Refused] otherwise. An empty frame
// gets no answer.
func Respond(frame []byte) ([]byte, bool) {
	if len(frame) == 0 {
		return nil, false
	}
	inner := frame[1:]
	if len(inner) > 0 {
		inner = inner[:len(inner)-1]
	}
	if len(inner) > 0 {
		return []byte(AcceptedResponse), true
	}
	return []byte(RefusedResponse), true
}

// ParseResponse classifies a text frame received by a device.
func ParseResponse(frame []byte) Outcome {
	switch {
	case bytes.Equal(frame, []byte(AcceptedResponse)):
		return OutcomeAccepted
	case bytes.Equal(frame, []byte(RefusedResponse)):
		return OutcomeRefused
	default:
		return OutcomeUnknown
	}
}
