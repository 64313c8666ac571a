// Copyright 2026 Loom Authors
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

package credential

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits counts cache hits by kind (positive, negative).
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_credential_cache_hits_total",
			Help: "Total credential cache hits by kind",
		},
		[]string{"kind"},
	)

	// cacheMisses counts lookups that fell through to the store.
	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_credential_cache_misses_total",
			Help: "Total credential cache misses",
		},
	)

	// cacheEvictions counts evictions by strategy.
	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_credential_cache_evictions_total",
			Help: "Total credential cache evictions by strategy",
		},
		[]string{"strategy"},
	)

	// cacheSize tracks the number of positive entries.
	cacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_credential_cache_entries",
			Help: "Current number of cached credential entries",
		},
	)

	// rotations counts rotation attempts by outcome.
	rotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_credential_rotations_total",
			Help: "Total credential rotations by outcome",
		},
		[]string{"outcome"},
	)
)

func recordCacheHit(kind string) {
	cacheHits.WithLabelValues(kind).Inc()
}

func recordCacheMiss() {
	cacheMisses.Inc()
}

func recordCacheEviction(strategy string) {
	cacheEvictions.WithLabelValues(strategy).Inc()
}

func recordCacheSize(n int) {
	cacheSize.Set(float64(n))
}

func recordRotation(outcome string) {
	rotations.WithLabelValues(outcome).Inc()
}
