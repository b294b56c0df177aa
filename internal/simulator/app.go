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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/monitoring"
)

/* Simulation Controller code */

type SimulationStatus string

const (
	CONFIGURED SimulationStatus = "CONFIGURED"
	STARTED    SimulationStatus = "STARTED"
	COMPLETED  SimulationStatus = "COMPLETED"
	STOPPED    SimulationStatus = "STOPPED"
	ERROR      SimulationStatus = "ERROR"
)

var ErrNotConfigured = errors.New("please configure the simulation via /configure")

type SimulationStatusResponse struct {
	Status       SimulationStatus
	SimulationId string `json:",omitempty"`
	Error        string `json:",omitempty"`
}

type WorkSimulatorApp struct {
	currentInstance *NetworkInstance
	currentProfile  *NetworkConfig
	status          SimulationStatus
	lastErr         error
	instanceMutex   sync.RWMutex
	server          *http.Server
	metrics         *http.Server
	wg              sync.WaitGroup
	ctx             context.Context
	config          *AppConfig
	collector       *Collector
}

func NewWorkSimulatorApp(config *AppConfig) *WorkSimulatorApp {
	collector, err := StartCollector()
	if err != nil {
		log.Warnf("running without lifecycle collector: %v", err)
	}
	return &WorkSimulatorApp{
		status:    STOPPED,
		config:    config,
		ctx:       context.Background(),
		collector: collector,
	}
}

func (app *WorkSimulatorApp) collectorTask() string {
	if app.collector == nil {
		return ""
	}
	return CollectorTask
}

func (app *WorkSimulatorApp) InitNewSimulation(config *NetworkConfig) error {

	if config == nil {
		return fmt.Errorf("no configuration provided, could not initialize")
	}

	app.instanceMutex.Lock()
	defer app.instanceMutex.Unlock()

	if app.status == STARTED {
		return fmt.Errorf("could not initialize the simulation instance, please stop the current instance")
	}

	instance, err := app.newInstance(config)
	if err != nil {
		return err
	}
	app.currentProfile = config
	app.currentInstance = instance
	app.lastErr = nil
	app.status = CONFIGURED
	return nil
}

func (app *WorkSimulatorApp) newInstance(config *NetworkConfig) (*NetworkInstance, error) {
	if app.currentInstance != nil {
		// only the latest simulation keeps its metrics and events
		monitoring.ResetSimulation(app.currentInstance.SimulationId())
		if app.collector != nil {
			app.collector.Forget(app.currentInstance.SimulationId())
		}
	}
	instance := NewNetworkInstance(config, app.collectorTask())
	if err := instance.InitNetworkInstance(); err != nil {
		return nil, fmt.Errorf("could not initialize the simulation instance: %w", err)
	}
	return instance, nil
}

// StartSimulation runs the configured profile. A run that is over, or still
// going, is replaced by a fresh instance of the same profile.
func (app *WorkSimulatorApp) StartSimulation() error {
	app.instanceMutex.Lock()
	defer app.instanceMutex.Unlock()

	if app.currentInstance == nil {
		return ErrNotConfigured
	}

	if app.status != CONFIGURED {
		if app.status == STARTED {
			if err := app.currentInstance.Stop(); err != nil {
				log.Printf("Warning: error stopping instance for restart: %s", err.Error())
			}
		}
		instance, err := app.newInstance(app.currentProfile)
		if err != nil {
			app.status = ERROR
			app.lastErr = err
			return err
		}
		app.currentInstance = instance
	}

	if err := app.currentInstance.Start(); err != nil {
		app.status = ERROR
		app.lastErr = err
		return fmt.Errorf("could not start the simulation instance: %w", err)
	}

	app.status = STARTED
	app.lastErr = nil
	go app.settle(app.currentInstance)
	return nil
}

// settle waits for a run and records how it ended, unless it was stopped or
// replaced meanwhile.
func (app *WorkSimulatorApp) settle(instance *NetworkInstance) {
	err := instance.Wait()

	app.instanceMutex.Lock()
	defer app.instanceMutex.Unlock()
	if app.currentInstance != instance || app.status != STARTED {
		return
	}
	if err != nil {
		log.Errorf("simulation %s failed: %v", instance.SimulationId(), err)
		app.status = ERROR
		app.lastErr = err
		return
	}
	log.Infof("simulation %s completed", instance.SimulationId())
	app.status = COMPLETED
}

func (app *WorkSimulatorApp) GetCurrentSimulationStatus() SimulationStatus {
	app.instanceMutex.RLock()
	defer app.instanceMutex.RUnlock()

	return app.status
}

func (app *WorkSimulatorApp) statusResponse() SimulationStatusResponse {
	app.instanceMutex.RLock()
	defer app.instanceMutex.RUnlock()

	resp := SimulationStatusResponse{Status: app.status}
	if app.currentInstance != nil {
		resp.SimulationId = app.currentInstance.SimulationId()
	}
	if app.lastErr != nil {
		resp.Error = app.lastErr.Error()
	}
	return resp
}

func (app *WorkSimulatorApp) StopSimulation() error {
	app.instanceMutex.Lock()
	defer app.instanceMutex.Unlock()

	if app.status == STOPPED || app.currentInstance == nil {
		return fmt.Errorf("no running instance")
	}

	if app.status == STARTED {
		if err := app.currentInstance.Stop(); err != nil {
			return fmt.Errorf("could not stop the simulation instance: %w", err)
		}
	}

	// keep the instance so that its report stays available and it can be restarted
	app.status = STOPPED
	return nil
}

// Report snapshots the current instance. It is safe while the run goes on.
func (app *WorkSimulatorApp) Report() (*models.SimulationReport, error) {
	app.instanceMutex.RLock()
	defer app.instanceMutex.RUnlock()

	if app.currentInstance == nil {
		return nil, ErrNotConfigured
	}
	report := app.currentInstance.Report()
	report.Status = string(app.status)
	if app.collector != nil {
		report.Events = app.collector.Summary(report.SimulationId)
	}
	return report, nil
}

// RunBatch runs the profile of the config file once and returns its report.
// Cancelling ctx stops the run early.
func (app *WorkSimulatorApp) RunBatch(ctx context.Context) (*models.SimulationReport, error) {
	if err := app.InitNewSimulation(app.config.NetConfig); err != nil {
		return nil, err
	}
	if err := app.StartSimulation(); err != nil {
		return nil, err
	}

	app.instanceMutex.RLock()
	instance := app.currentInstance
	app.instanceMutex.RUnlock()

	var runErr error
	select {
	case <-instance.Done():
		runErr = instance.Wait()
		app.settle(instance)
	case <-ctx.Done():
		log.Printf("interrupted, stopping simulation %s", instance.SimulationId())
		if err := app.StopSimulation(); err != nil {
			log.Warnf("could not stop simulation: %v", err)
		}
	}

	report, err := app.Report()
	if err != nil {
		return nil, err
	}
	return report, runErr
}

func (app *WorkSimulatorApp) Run() {

	var cancel context.CancelFunc
	app.ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	app.wg.Add(1)
	go app.listenShutdownEvent()
	log.Printf("running config: \n%s", app.config.Dumps())

	if app.config.InitOnStartup {
		log.Printf("bootstraping simulation instance")
		err := app.InitNewSimulation(app.config.NetConfig)
		if err != nil {
			log.Fatalf("could not initialize the simulator on startup: %v", err)
		}
	}

	app.startHttpServer()
	app.metrics = monitoring.StartMetricsServer(int(app.config.MetricsPort))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Printf("terminating...")

	cancel()
	app.wg.Wait()
}

func (app *WorkSimulatorApp) listenShutdownEvent() {
	defer func() {
		_ = recover()
		app.wg.Done()
	}()

	<-app.ctx.Done()
	if app.GetCurrentSimulationStatus() == STARTED {
		if err := app.StopSimulation(); err != nil {
			log.Warnf("could not stop simulation: %v", err)
		}
	}
	app.stopHttpServer()
	if app.metrics != nil {
		if err := app.metrics.Close(); err != nil {
			log.Printf("could not stop metrics server")
		}
	}
}
