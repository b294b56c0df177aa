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

package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestResetSimulation(t *testing.T) {
	DeviceTxBytes.WithLabelValues("sim-a", "10.1.0.2:50000").Add(512)
	DeviceTxBytes.WithLabelValues("sim-b", "10.1.0.2:50000").Add(1024)
	ServerFrames.WithLabelValues("sim-a", "accepted").Inc()

	body := scrape(t)
	assert.Contains(t, body, `work_device_tx_bytes_total{device="10.1.0.2:50000",simulationId="sim-a"} 512`)
	assert.Contains(t, body, `work_server_frames_total{outcome="accepted",simulationId="sim-a"} 1`)

	ResetSimulation("sim-a")
	body = scrape(t)
	assert.NotContains(t, body, `simulationId="sim-a"`)
	assert.Contains(t, body, `work_device_tx_bytes_total{device="10.1.0.2:50000",simulationId="sim-b"} 1024`)
}
