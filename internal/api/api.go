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

// Package api exposes the HTTP read and mutation surface: scan triggers,
// job history, system status, reports, health, and the push channel.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"alephauto/internal/cache"
	"alephauto/internal/health"
	"alephauto/internal/registry"
	"alephauto/internal/reports"
	"alephauto/internal/status"
	"alephauto/internal/store"
	"alephauto/pkg/models"
)

// JobScheduler is the mutation surface the handlers need from the
// scheduler.
type JobScheduler interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Cancel(ctx context.Context, jobID string) error
}

// StatusProvider produces the aggregated status document.
type StatusProvider interface {
	Snapshot(ctx context.Context) (*status.Document, error)
}

// HealthChecker runs the liveness probes.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Config carries the handler-level settings.
type Config struct {
	RateLimitPerMinute int
	MutationToken      string
}

// Server holds handler dependencies and builds the router.
type Server struct {
	store    *store.Store
	sched    JobScheduler
	reg      *registry.Registry
	statusFn StatusProvider
	checker  HealthChecker
	reports  *reports.Service
	cache    *cache.Cache
	ws       http.Handler
	metrics  http.Handler
	cfg      Config
	logger   *slog.Logger

	limiter *rateLimiter
}

// New assembles the server. ws and metricsHandler may be nil to disable
// those mounts; cache may be nil for a permanent miss.
func New(st *store.Store, sched JobScheduler, reg *registry.Registry, statusFn StatusProvider, checker HealthChecker, rep *reports.Service, c *cache.Cache, ws, metricsHandler http.Handler, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		sched:    sched,
		reg:      reg,
		statusFn: statusFn,
		checker:  checker,
		reports:  rep,
		cache:    c,
		ws:       ws,
		metrics:  metricsHandler,
		cfg:      cfg,
		logger:   logger,
		limiter:  newRateLimiter(defaultRateLimitConfig(cfg.RateLimitPerMinute), logger),
	}
}

// Close stops background helpers owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Router builds the chi router with the full endpoint table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(correlationMiddleware)
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.ws != nil {
		r.Method(http.MethodGet, "/ws", s.ws)
	}

	// Mutations carry rate limiting and the optional shared token; reads
	// stay open for the polling fallback.
	mutation := func(h http.HandlerFunc) http.Handler {
		return s.limiter.Middleware(mutationTokenMiddleware(s.cfg.MutationToken)(h))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/scans", func(r chi.Router) {
			r.Method(http.MethodPost, "/start", mutation(s.handleScanStart))
			r.Method(http.MethodPost, "/start-multi", mutation(s.handleScanStartMulti))
			r.Get("/recent", s.handleScansRecent)
			r.Get("/stats", s.handleScanStats)
			r.Get("/{scanID}/status", s.handleScanStatus)
			r.Get("/{scanID}/results", s.handleScanResults)
			r.Method(http.MethodDelete, "/{jobID}", mutation(s.handleScanCancel))
		})

		r.Route("/pipelines/{pipelineID}", func(r chi.Router) {
			r.Get("/jobs", s.handlePipelineJobs)
			r.Method(http.MethodPost, "/trigger", mutation(s.handlePipelineTrigger))
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", s.handleReportsList)
			r.Get("/{filename}", s.handleReportGet)
			r.Method(http.MethodDelete, "/{filename}", mutation(s.handleReportDelete))
		})
	})

	return r
}

// handleHealth reports probe results; degraded states still answer 200 so
// load balancers keep routing while operators investigate.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.checker.Check(r.Context()))
}

// handleStatus serves the aggregated status document.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.statusFn.Snapshot(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
