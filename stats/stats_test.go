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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	s.IncRXMessages()
	s.IncRXMessages()
	s.IncTXMessages()
	s.SetSimulatorCount(3)

	counters := s.GetCounters()
	require.Equal(t, int64(2), counters["slviewer.rx.messages"])
	require.Equal(t, int64(1), counters["slviewer.tx.messages"])
	require.Equal(t, int64(3), counters["slviewer.simulator.count"])
}

func TestCollectSysStatsPopulatesRuntimeCounters(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	s.CollectSysStats()

	counters := s.GetCounters()
	require.GreaterOrEqual(t, counters["slviewer.runtime.goroutines"], int64(1))
}
