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

// Package health runs the liveness probes: store integrity, secret-cache
// freshness, and subscriber count. A failed probe degrades the report but
// never takes the service down.
package health

import (
	"context"
	"os"
	"time"

	"alephauto/internal/store"
)

// Status is the coarse service health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Probe is one named check's outcome.
type Probe struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Report is the /health payload.
type Report struct {
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Probes      []Probe   `json:"probes"`
	Subscribers int       `json:"subscribers"`
}

// SubscriberCounter reports connected push subscribers.
type SubscriberCounter interface {
	Count() int
}

// Checker assembles health reports.
type Checker struct {
	store             *store.Store
	subscribers       SubscriberCounter
	version           string
	secretCachePath   string
	secretCacheMaxAge time.Duration
}

// New builds a checker. secretCachePath may be empty to skip that probe;
// subscribers may be nil when no push channel is running.
func New(st *store.Store, subscribers SubscriberCounter, version, secretCachePath string, secretCacheMaxAge time.Duration) *Checker {
	return &Checker{
		store:             st,
		subscribers:       subscribers,
		version:           version,
		secretCachePath:   secretCachePath,
		secretCacheMaxAge: secretCacheMaxAge,
	}
}

// Check runs every probe and classifies the service.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}

	report.Probes = append(report.Probes, c.checkStore(ctx))
	if c.secretCachePath != "" {
		report.Probes = append(report.Probes, c.checkSecretCache())
	}
	if c.subscribers != nil {
		report.Subscribers = c.subscribers.Count()
	}

	for _, p := range report.Probes {
		if !p.OK {
			report.Status = StatusDegraded
			break
		}
	}
	return report
}

func (c *Checker) checkStore(ctx context.Context) Probe {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.store.IntegrityCheck(probeCtx); err != nil {
		return Probe{Name: "store", OK: false, Message: err.Error()}
	}
	return Probe{Name: "store", OK: true}
}

// checkSecretCache reports degraded when the secret cache file is missing
// or older than the configured maximum, which means secret rotation has
// stalled.
func (c *Checker) checkSecretCache() Probe {
	info, err := os.Stat(c.secretCachePath)
	if err != nil {
		return Probe{Name: "secret_cache", OK: false, Message: "secret cache unreadable: " + err.Error()}
	}
	age := time.Since(info.ModTime())
	if c.secretCacheMaxAge > 0 && age > c.secretCacheMaxAge {
		return Probe{Name: "secret_cache", OK: false, Message: "secret cache stale: " + age.Round(time.Minute).String()}
	}
	return Probe{Name: "secret_cache", OK: true}
}
