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

package circuit

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

const (
	minRTO = 200 * time.Millisecond
	maxRTO = 8 * time.Second
)

// rtoEstimator tracks the round-trip time of acked reliable packets with a
// Welford running mean/variance (SPEC_FULL.md §4.2a) and turns it into the
// base timeout for the next retransmit, in place of a fixed constant.
type rtoEstimator struct {
	mu    sync.Mutex
	stats *welford.Stats
}

func newRTOEstimator() *rtoEstimator {
	return &rtoEstimator{stats: welford.New()}
}

// Observe records one completed round trip.
func (e *rtoEstimator) Observe(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Add(float64(rtt))
}

// Timeout returns mean + 4*stddev of observed RTTs, clamped to
// [minRTO, maxRTO]; with no samples yet it returns minRTO.
func (e *rtoEstimator) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stats.Count() == 0 {
		return minRTO
	}
	rto := time.Duration(e.stats.Mean() + 4*e.stats.Stddev())
	if rto < minRTO {
		return minRTO
	}
	if rto > maxRTO {
		return maxRTO
	}
	return rto
}
