/***************************************************************
 *
 * Copyright (C) 2026, Chunkproxy Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package metrics tracks cache and request counters for the range proxy.
// Counters are mirrored into prometheus so they show up on /metrics while
// remaining cheaply readable for the Snapshot API.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Snapshot struct {
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	TotalRequests int64   `json:"total_requests"`
	Errors        int64   `json:"errors"`
	HitRate       float64 `json:"hit_rate"`
	ActiveLocks   int     `json:"active_locks"`
}

var (
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	totalRequests atomic.Int64
	errorCount    atomic.Int64

	promCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkproxy_cache_hits_total",
		Help: "Number of chunk reads served from the disk cache",
	})
	promCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkproxy_cache_misses_total",
		Help: "Number of chunk reads that required an upstream fetch",
	})
	// The gin middleware owns chunkproxy_requests_total (labeled per
	// handler); this unlabeled counter tracks the /proxy endpoint alone.
	promRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkproxy_proxy_requests_total",
		Help: "Number of requests handled by the proxy endpoint",
	})
	promErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkproxy_errors_total",
		Help: "Number of upstream or internal errors observed",
	})
)

func IncCacheHit() {
	cacheHits.Add(1)
	promCacheHits.Inc()
}

func IncCacheMiss() {
	cacheMisses.Add(1)
	promCacheMisses.Inc()
}

func IncRequest() {
	totalRequests.Add(1)
	promRequests.Inc()
}

func IncError() {
	errorCount.Add(1)
	promErrors.Inc()
}

// Collect returns a point-in-time view of the counters. The active lock
// count is owned by the fetch governor and passed through by the caller.
func Collect(activeLocks int) Snapshot {
	hits := cacheHits.Load()
	misses := cacheMisses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Snapshot{
		CacheHits:     hits,
		CacheMisses:   misses,
		TotalRequests: totalRequests.Load(),
		Errors:        errorCount.Load(),
		HitRate:       rate,
		ActiveLocks:   activeLocks,
	}
}

// Reset zeroes the snapshot counters. Prometheus counters are monotonic
// and are left alone. Intended for tests.
func Reset() {
	cacheHits.Store(0)
	cacheMisses.Store(0)
	totalRequests.Store(0)
	errorCount.Store(0)
}
