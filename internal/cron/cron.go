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

// Package cron schedules recurring pipeline triggers. Each registered
// pipeline may carry an environment variable naming its cron expression;
// unset or empty expressions leave the pipeline manual-only.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"alephauto/internal/registry"
	"alephauto/pkg/models"
)

// Enqueuer is the scheduler-facing trigger surface.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// Service owns the cron runner and the per-pipeline schedule map.
type Service struct {
	cron   *cron.Cron
	enq    Enqueuer
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]cron.EntryID    // pipeline id -> entry
	payloads map[string]json.RawMessage // pipeline id -> trigger payload
}

// New reads each descriptor's schedule from the environment and registers
// a trigger for every pipeline that has one. Invalid expressions fail
// startup so a typo is caught immediately.
func New(reg *registry.Registry, enq Enqueuer, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		enq:      enq,
		logger:   logger,
		entries:  make(map[string]cron.EntryID),
		payloads: make(map[string]json.RawMessage),
	}

	for _, id := range reg.IDs() {
		desc, err := reg.Resolve(id)
		if err != nil {
			return nil, err
		}
		if desc.CronEnv == "" {
			continue
		}
		expr := os.Getenv(desc.CronEnv)
		if expr == "" {
			continue
		}
		payload, err := triggerPayload(desc)
		if err != nil {
			return nil, fmt.Errorf("cron schedule for %s (%s=%q): %w", desc.ID, desc.CronEnv, expr, err)
		}
		if err := s.register(desc.ID, expr, payload); err != nil {
			return nil, fmt.Errorf("cron schedule for %s (%s=%q): %w", desc.ID, desc.CronEnv, expr, err)
		}
		logger.Info("cron trigger registered", "pipeline", desc.ID, "schedule", expr)
	}
	return s, nil
}

// triggerPayload merges the descriptor's cron parameters with the trigger
// marker and proves the result satisfies the pipeline's payload contract,
// so a schedule that could only ever produce failing jobs is refused at
// startup.
func triggerPayload(desc *registry.Descriptor) (json.RawMessage, error) {
	params := map[string]any{}
	if len(desc.CronPayload) > 0 {
		if err := json.Unmarshal(desc.CronPayload, &params); err != nil {
			return nil, fmt.Errorf("cron payload: %w", err)
		}
	}
	params["trigger"] = "cron"
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("cron payload: %w", err)
	}
	if desc.Validate != nil {
		if err := desc.Validate(data); err != nil {
			return nil, fmt.Errorf("pipeline cannot run from cron: %w", err)
		}
	}
	return data, nil
}

func (s *Service) register(pipelineID, expr string, payload json.RawMessage) error {
	entryID, err := s.cron.AddFunc(expr, func() { s.fire(pipelineID) })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[pipelineID] = entryID
	s.payloads[pipelineID] = payload
	s.mu.Unlock()
	return nil
}

func (s *Service) fire(pipelineID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	data := s.payloads[pipelineID]
	s.mu.Unlock()
	if len(data) == 0 {
		data, _ = json.Marshal(map[string]any{"trigger": "cron"})
	}
	job := models.NewJob(pipelineID, data, time.Now().UTC())
	if err := s.enq.Enqueue(ctx, job); err != nil {
		s.logger.Error("cron trigger enqueue failed", "pipeline", pipelineID, "error", err)
		return
	}
	s.logger.Info("cron trigger fired", "pipeline", pipelineID, "job_id", job.ID)
}

// Start begins firing schedules.
func (s *Service) Start() { s.cron.Start() }

// Stop halts the runner and waits for in-flight trigger callbacks.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// NextRun reports the next scheduled trigger time for pipelineID.
func (s *Service) NextRun(pipelineID string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[pipelineID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Schedules returns pipeline id -> next run for every registered trigger.
func (s *Service) Schedules() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for id, entryID := range s.entries {
		if entry := s.cron.Entry(entryID); !entry.Next.IsZero() {
			out[id] = entry.Next
		}
	}
	return out
}
