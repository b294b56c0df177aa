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
	"fmt"
	"maps"
	"sync"

	"github.com/giuliocarot0/gitc"
	log "github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/models"
)

// CollectorTask is the gitc task that receives device and server lifecycle
// messages.
const CollectorTask = "COLLECTOR"

type Collector struct {
	mu   sync.RWMutex
	sims map[string]map[models.DeviceEvent]int
}

var (
	collectorOnce sync.Once
	collector     *Collector
	collectorErr  error
)

// StartCollector starts the collector task once per process.
func StartCollector() (*Collector, error) {
	collectorOnce.Do(func() {
		c := &Collector{sims: make(map[string]map[models.DeviceEvent]int)}
		err := gitc.StartTask(CollectorTask, func(msg gitc.Message) {
			switch msg.Type {
			case models.DeviceToCollectorType:
				c.handleDeviceMsg(msg.Payload.(*models.DeviceToCollectorMsg))
			case models.ServerToCollectorType:
				c.handleServerMsg(msg.Payload.(*models.ServerToCollectorMsg))
			}
		}, 1024)
		if err != nil {
			collectorErr = fmt.Errorf("could not start collector task: %w", err)
			return
		}
		log.Printf("[%s] started", CollectorTask)
		collector = c
	})
	return collector, collectorErr
}

func (c *Collector) handleDeviceMsg(msg *models.DeviceToCollectorMsg) {
	if msg.Error != "" {
		log.Debugf("[%s] %s from %s @%s: %s", CollectorTask, msg.Event, msg.Device, msg.TimeStamp, msg.Error)
	} else {
		log.Debugf("[%s] %s from %s @%s", CollectorTask, msg.Event, msg.Device, msg.TimeStamp)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	events, ok := c.sims[msg.SimulationId]
	if !ok {
		events = make(map[models.DeviceEvent]int)
		c.sims[msg.SimulationId] = events
	}
	events[msg.Event]++
}

func (c *Collector) handleServerMsg(msg *models.ServerToCollectorMsg) {
	log.Infof("[%s] simulation %s server stopped @%s\n%s", CollectorTask, msg.SimulationId, msg.TimeStamp, msg.Stats.Dumps())
}

// Summary returns how many times each device event was seen in a simulation.
func (c *Collector) Summary(simId string) map[models.DeviceEvent]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.sims[simId])
}

// Forget drops what was collected for a simulation.
func (c *Collector) Forget(simId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sims, simId)
}
