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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusExporter re-publishes this process's own counters as
// Prometheus gauges, grounded on ptp/sptp/stats/prom_exporter.go's
// scrape-and-register loop, adapted from cross-process HTTP scraping to
// an in-process read since slviewer runs the collector it exports.
type PrometheusExporter struct {
	registry   *prometheus.Registry
	listenPort int
	interval   time.Duration
	source     *Stats
}

// NewPrometheusExporter creates a new PrometheusExporter reading counters
// from source every scrapeInterval.
func NewPrometheusExporter(source *Stats, listenPort int, scrapeInterval time.Duration) *PrometheusExporter {
	return &PrometheusExporter{
		registry:   prometheus.NewRegistry(),
		listenPort: listenPort,
		interval:   scrapeInterval,
		source:     source,
	}
}

// Start begins the scrape loop and serves /metrics until the process
// exits.
func (e *PrometheusExporter) Start() {
	go func() {
		for {
			e.scrapeMetrics()
			time.Sleep(e.interval)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	addr := fmt.Sprintf(":%d", e.listenPort)
	log.Infof("starting prometheus exporter on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (e *PrometheusExporter) scrapeMetrics() {
	for key, val := range e.source.GetCounters() {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: flattenKey(key), Help: key})
		if err := e.registry.Register(g); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				g = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.Errorf("failed to register metric %s: %v", key, err)
				continue
			}
		}
		g.Set(float64(val))
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	return key
}
