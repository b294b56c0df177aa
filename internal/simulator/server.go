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
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const apiPrefix = "/work-simulator/v1"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "could not encode response", http.StatusInternalServerError)
	}
}

func (app *WorkSimulatorApp) handleInitSimulation(w http.ResponseWriter, r *http.Request) {

	config := app.config.NetConfig

	// a profile in the body takes over the one of the config file
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		config = &NetworkConfig{}
		if err := json.Unmarshal(body, config); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else if config == nil {
		http.Error(w, "Missing request body", http.StatusBadRequest)
		return
	}

	if err := app.InitNewSimulation(config); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, app.statusResponse())
}

func (app *WorkSimulatorApp) handleStartSimulation(w http.ResponseWriter, r *http.Request) {
	if err := app.StartSimulation(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, app.statusResponse())
}

func (app *WorkSimulatorApp) handleStatusSimulation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, app.statusResponse())
}

func (app *WorkSimulatorApp) handleStopSimulation(w http.ResponseWriter, r *http.Request) {
	if err := app.StopSimulation(); err != nil {
		http.Error(w, "could not stop simulation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, app.statusResponse())
}

func (app *WorkSimulatorApp) handleReportSimulation(w http.ResponseWriter, r *http.Request) {
	report, err := app.Report()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, report)
}

// Router serves the control API. With httpVersion 2 it also speaks cleartext
// HTTP/2.
func (app *WorkSimulatorApp) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc(apiPrefix+"/configure", app.handleInitSimulation)
	router.HandleFunc(apiPrefix+"/start", app.handleStartSimulation)
	router.HandleFunc(apiPrefix+"/status", app.handleStatusSimulation)
	router.HandleFunc(apiPrefix+"/stop", app.handleStopSimulation)
	router.HandleFunc(apiPrefix+"/report", app.handleReportSimulation)
	router.HandleFunc(apiPrefix+"/stream", app.handleStream)

	if app.config.HttpVersion == 2 {
		return h2c.NewHandler(router, &http2.Server{})
	}
	return router
}

func (app *WorkSimulatorApp) startHttpServer() {
	app.wg.Add(1)

	addr := fmt.Sprintf(":%d", app.config.OamPort)
	app.server = &http.Server{Addr: addr, Handler: app.Router()}

	go func() {
		defer func() {
			_ = recover()
			app.wg.Done()
		}()

		log.Printf("serving simulation api on %s", addr)
		// always returns error. ErrServerClosed on graceful close
		if err := app.server.ListenAndServe(); err != http.ErrServerClosed {
			// unexpected error. port in use?
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()

}

func (app *WorkSimulatorApp) stopHttpServer() {
	if app.server != nil {
		err := app.server.Close()
		if err != nil {
			log.Printf("could not stop api server")
		}
	}

}
