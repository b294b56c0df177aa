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
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const streamInterval = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream pushes the current report as a JSON text message every
// second until the client goes away or the daemon shuts down.
func (app *WorkSimulatorApp) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// the read side only watches for the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	for {
		if err := app.pushReport(conn); err != nil {
			log.Debugf("stream to %s closed: %v", r.RemoteAddr, err)
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-app.ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (app *WorkSimulatorApp) pushReport(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(streamInterval))
	report, err := app.Report()
	if err != nil {
		return conn.WriteJSON(app.statusResponse())
	}
	return conn.WriteJSON(report)
}
