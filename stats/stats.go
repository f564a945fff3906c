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

// Package stats collects session counters and exposes them over HTTP as
// JSON and Prometheus, per SPEC_FULL.md §9.
package stats

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/process"
)

// Server is the interface the rest of the module reports counters
// through, mirroring ptp/sptp/client/stats.go's StatsServer.
type Server interface {
	IncRXMessages()
	IncTXMessages()
	IncRXReliable()
	IncRetransmits()
	IncAcksSent()
	IncDroppedDuplicate()
	IncCircuitFailures()
	IncPingTimeouts()
	SetSimulatorCount(n int)
	CollectSysStats()
	GetCounters() map[string]int64
}

// Stats is the concrete Server implementation: atomic counters plus
// periodically-sampled process metrics.
type Stats struct {
	rxMessages       int64
	txMessages       int64
	rxReliable       int64
	retransmits      int64
	acksSent         int64
	droppedDuplicate int64
	circuitFailures  int64
	pingTimeouts     int64
	simulatorCount   int64

	uptimeSec  int64
	cpuPCT     int64
	rss        int64
	goRoutines int64
	gcPauseNs  int64

	procStartTime  time.Time
	gcPauseTotalNs int64
	memstats       runtime.MemStats
	proc           *process.Process
}

// New creates a new Stats bound to the current process.
func New() (*Stats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	return &Stats{procStartTime: time.Now(), proc: proc}, err
}

func (s *Stats) IncRXMessages()       { atomic.AddInt64(&s.rxMessages, 1) }
func (s *Stats) IncTXMessages()       { atomic.AddInt64(&s.txMessages, 1) }
func (s *Stats) IncRXReliable()       { atomic.AddInt64(&s.rxReliable, 1) }
func (s *Stats) IncRetransmits()      { atomic.AddInt64(&s.retransmits, 1) }
func (s *Stats) IncAcksSent()         { atomic.AddInt64(&s.acksSent, 1) }
func (s *Stats) IncDroppedDuplicate() { atomic.AddInt64(&s.droppedDuplicate, 1) }
func (s *Stats) IncCircuitFailures()  { atomic.AddInt64(&s.circuitFailures, 1) }
func (s *Stats) IncPingTimeouts()     { atomic.AddInt64(&s.pingTimeouts, 1) }

// SetSimulatorCount atomically records how many Simulators the Agent
// currently owns.
func (s *Stats) SetSimulatorCount(n int) {
	atomic.StoreInt64(&s.simulatorCount, int64(n))
}

// CollectSysStats gathers cpu, mem, gc statistics, per
// ptp/sptp/client/stats.go's CollectSysStats.
func (s *Stats) CollectSysStats() {
	runtime.ReadMemStats(&s.memstats)
	atomic.StoreInt64(&s.uptimeSec, time.Now().Unix()-s.procStartTime.Unix())

	if val, err := s.proc.Percent(0); err == nil {
		atomic.StoreInt64(&s.cpuPCT, int64(val*100))
	}
	if val, err := s.proc.MemoryInfo(); err == nil {
		atomic.StoreInt64(&s.rss, int64(val.RSS))
	}

	atomic.StoreInt64(&s.goRoutines, int64(runtime.NumGoroutine()))
	prevTotal := atomic.LoadInt64(&s.gcPauseTotalNs)
	atomic.StoreInt64(&s.gcPauseNs, int64(s.memstats.PauseTotalNs)-prevTotal)
	atomic.StoreInt64(&s.gcPauseTotalNs, int64(s.memstats.PauseTotalNs))
}

// GetCounters returns a snapshot map of every counter, keyed the way
// ptp/sptp/client/stats.go's GetCounters namespaces its keys.
func (s *Stats) GetCounters() map[string]int64 {
	return map[string]int64{
		"slviewer.rx.messages":          atomic.LoadInt64(&s.rxMessages),
		"slviewer.tx.messages":          atomic.LoadInt64(&s.txMessages),
		"slviewer.rx.reliable":          atomic.LoadInt64(&s.rxReliable),
		"slviewer.circuit.retransmits":  atomic.LoadInt64(&s.retransmits),
		"slviewer.circuit.acks_sent":    atomic.LoadInt64(&s.acksSent),
		"slviewer.circuit.dropped_dup":  atomic.LoadInt64(&s.droppedDuplicate),
		"slviewer.circuit.failures":     atomic.LoadInt64(&s.circuitFailures),
		"slviewer.simulator.ping_to":    atomic.LoadInt64(&s.pingTimeouts),
		"slviewer.simulator.count":      atomic.LoadInt64(&s.simulatorCount),
		"slviewer.runtime.goroutines":   atomic.LoadInt64(&s.goRoutines),
		"slviewer.runtime.gc_pause_ns":  atomic.LoadInt64(&s.gcPauseNs),
		"slviewer.process.rss":         atomic.LoadInt64(&s.rss),
		"slviewer.process.cpu_pct":     atomic.LoadInt64(&s.cpuPCT),
		"slviewer.process.uptime_sec":  atomic.LoadInt64(&s.uptimeSec),
	}
}
