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

// Package registry maps pipeline ids to their descriptors and worker
// factories. Registration happens at startup; the registry is immutable
// afterwards and is the single source of truth for which pipelines are live.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"alephauto/internal/runner"
	"alephauto/pkg/models"
)

// ErrUnknownPipeline indicates a mutation referenced an unregistered id.
var ErrUnknownPipeline = errors.New("registry: unknown pipeline")

// WorkerFactory produces a worker for one job.
type WorkerFactory func(job *models.Job) (runner.Worker, error)

// Descriptor describes one registered pipeline.
type Descriptor struct {
	ID        string
	HumanName string
	Factory   WorkerFactory

	// Validate, when set, checks a trigger payload before any job is
	// created. Rejected payloads stay at the API boundary; the factory
	// re-checks at admission as a second line.
	Validate func(payload json.RawMessage) error

	// CronPayload holds the parameters cron-triggered jobs carry, for
	// pipelines whose payload contract a bare trigger cannot satisfy.
	CronPayload json.RawMessage

	// ConcurrencyCost is the number of permits a job holds; always 1 today.
	ConcurrencyCost int

	// MaxAttemptsOverride, when > 0, replaces the scheduler's default
	// attempt cap for this pipeline. Still clamped to the hard cap.
	MaxAttemptsOverride int

	// TimeoutPerFile and TimeoutPerPattern extend the base per-attempt
	// timeout linearly with the workload counts found in the job payload.
	TimeoutPerFile    time.Duration
	TimeoutPerPattern time.Duration

	// CronEnv names the environment variable holding this pipeline's
	// optional cron expression, e.g. GIT_ACTIVITY_CRON_SCHEDULE.
	CronEnv string
}

// Registry holds the startup-registered pipeline set.
type Registry struct {
	mu     sync.RWMutex
	sealed bool
	byID   map[string]*Descriptor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*Descriptor)}
}

// Register adds a descriptor. It must only be called during startup,
// before Seal.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("registry: descriptor id is required")
	}
	if d.Factory == nil {
		return fmt.Errorf("registry: pipeline %q has no worker factory", d.ID)
	}
	if d.HumanName == "" {
		d.HumanName = d.ID
	}
	if d.ConcurrencyCost <= 0 {
		d.ConcurrencyCost = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry: sealed; cannot register %q", d.ID)
	}
	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("registry: pipeline %q already registered", d.ID)
	}
	r.byID[d.ID] = &d
	return nil
}

// Seal freezes the registry after startup registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve returns the descriptor or ErrUnknownPipeline.
func (r *Registry) Resolve(pipelineID string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, pipelineID)
	}
	return d, nil
}

// HumanName returns the display name, falling back to the id itself for
// pipelines no longer registered (historical jobs keep rendering).
func (r *Registry) HumanName(pipelineID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byID[pipelineID]; ok {
		return d.HumanName
	}
	return pipelineID
}

// IDs returns the registered pipeline ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
