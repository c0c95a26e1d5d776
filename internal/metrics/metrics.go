// AlephAuto is a pipeline job orchestration and monitoring service.
// Copyright (C) 2026 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus instrumentation for the job control
// plane. Counters are derived from lifecycle events; authoritative counts
// always come from the store.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
	subscribers   prometheus.Gauge
	droppedEvents prometheus.Counter
)

func init() {
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alephauto_jobs_total",
		Help: "Job terminal outcomes by pipeline and status.",
	}, []string{"pipeline", "status"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alephauto_job_duration_seconds",
		Help:    "Wall time of job attempts from start to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"pipeline"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alephauto_retries_total",
		Help: "Retries scheduled by pipeline.",
	}, []string{"pipeline"})

	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alephauto_push_subscribers",
		Help: "Connected push subscribers.",
	})

	droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alephauto_dropped_events_total",
		Help: "Events shed from bounded subscriber queues.",
	})

	reg.MustRegister(jobsTotal, jobDuration, retriesTotal, subscribers, droppedEvents)
}

// Reset replaces the registry; tests use it for isolation.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveJobOutcome records a terminal outcome and its duration.
func ObserveJobOutcome(pipeline, status string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	jobsTotal.WithLabelValues(pipeline, status).Inc()
	if duration > 0 {
		jobDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
	}
}

// ObserveRetryScheduled records one scheduled retry.
func ObserveRetryScheduled(pipeline string) {
	mu.RLock()
	defer mu.RUnlock()
	retriesTotal.WithLabelValues(pipeline).Inc()
}

// SetSubscribers publishes the current subscriber count.
func SetSubscribers(n int) {
	mu.RLock()
	defer mu.RUnlock()
	subscribers.Set(float64(n))
}

// AddDroppedEvents accumulates shed events.
func AddDroppedEvents(n int) {
	mu.RLock()
	defer mu.RUnlock()
	droppedEvents.Add(float64(n))
}
