// Copyright 2025 SnappyData Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for RelationCacheCounter.
const (
	LblHit        = "hit"
	LblMiss       = "miss"
	LblEvict      = "evict"
	LblInvalidate = "invalidate"
)

// Metrics of the join execution core.
var (
	RelationCacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "snappydata",
			Subsystem: "executor",
			Name:      "relation_cache_total",
			Help:      "Counter of shared relation cache events.",
		}, []string{"type"})

	BuildDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "snappydata",
			Subsystem: "executor",
			Name:      "hash_table_build_duration_seconds",
			Help:      "Bucketed histogram of hash table build time (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 22), // 0.1ms ~ 7min
		})

	BuildRowsHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "snappydata",
			Subsystem: "executor",
			Name:      "hash_table_build_rows",
			Help:      "Bucketed histogram of rows loaded into a hash table.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 16),
		})
)

// RegisterMetrics registers all join core metrics on r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(RelationCacheCounter)
	r.MustRegister(BuildDurationHistogram)
	r.MustRegister(BuildRowsHistogram)
}
