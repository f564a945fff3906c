/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// JSONStats serves the counters over plain HTTP JSON, grounded on
// ptp/sptp/client/json_stats.go's JSONStats.
type JSONStats struct {
	*Stats
}

// NewJSONStats wraps a Stats for HTTP export.
func NewJSONStats(s *Stats) *JSONStats {
	return &JSONStats{Stats: s}
}

// Start collects sysstats on every tick of interval and serves
// "/"+"/counters" on monitoringPort until ctx-independent process exit;
// like the teacher, it blocks and fatals on listener failure.
func (j *JSONStats) Start(monitoringPort int, interval time.Duration) {
	go func() {
		for range time.Tick(interval) {
			j.CollectSysStats()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/", j.handleRootRequest)
	mux.HandleFunc("/counters", j.handleCountersRequest)
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("starting http json stats server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("failed to start stats listener: %v", err)
	}
}

func (j *JSONStats) handleRootRequest(w http.ResponseWriter, _ *http.Request) {
	j.writeJSON(w, j.GetCounters())
}

func (j *JSONStats) handleCountersRequest(w http.ResponseWriter, _ *http.Request) {
	j.writeJSON(w, j.GetCounters())
}

func (j *JSONStats) writeJSON(w http.ResponseWriter, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}
