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

// Package status derives the overall system status document on demand.
// Counts always come from the store so the document never disagrees with
// the durable record; the scheduler contributes only in-memory facts the
// store cannot know (pending retries).
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"alephauto/internal/registry"
	"alephauto/internal/scheduler"
	"alephauto/internal/store"
	"alephauto/pkg/models"
)

// recentWindow is how many recent jobs the failing/idle derivation looks at.
const recentWindow = 50

// recentActivityLimit bounds the cross-pipeline activity feed.
const recentActivityLimit = 20

// PipelineState is the coarse per-pipeline health classification.
type PipelineState string

const (
	StateRunning PipelineState = "running"
	StateFailing PipelineState = "failing"
	StateIdle    PipelineState = "idle"
)

// JobSummary is the compact job view embedded in the status document, used
// for both per-pipeline last runs and the cross-pipeline activity feed.
type JobSummary struct {
	ID          string           `json:"id"`
	PipelineID  string           `json:"pipelineId,omitempty"`
	Status      models.JobStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// PipelineStatus is one pipeline's entry in the status document.
type PipelineStatus struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Status        PipelineState `json:"status"`
	QueuedJobs    int           `json:"queuedJobs"`
	RunningJobs   int           `json:"runningJobs"`
	CompletedJobs int           `json:"completedJobs"`
	FailedJobs    int           `json:"failedJobs"`
	LastRun       *JobSummary   `json:"lastRun,omitempty"`
	NextRun       *time.Time    `json:"nextRun,omitempty"`
}

// RetryMetrics summarises the currently-scheduled retries across pipelines.
type RetryMetrics struct {
	Pending      int            `json:"pending"`
	ByAttempt    map[string]int `json:"byAttempt"` // "1", "2", "3+"
	NearingLimit int            `json:"nearingLimit"`
	NextRunAt    *time.Time     `json:"nextRunAt,omitempty"`
}

// Document is the full /api/status payload.
type Document struct {
	Timestamp      time.Time        `json:"timestamp"`
	Pipelines      []PipelineStatus `json:"pipelines"`
	Queue          int              `json:"queue"`
	Running        int              `json:"running"`
	MaxConcurrent  int              `json:"maxConcurrent"`
	RetryMetrics   *RetryMetrics    `json:"retryMetrics,omitempty"`
	RecentActivity []JobSummary     `json:"recentActivity"`
}

// NextRunner reports the next scheduled trigger for a pipeline, if any.
// The cron service implements it; a nil NextRunner simply omits nextRun.
type NextRunner interface {
	NextRun(pipelineID string) (time.Time, bool)
}

// Aggregator assembles status documents from the store, registry, and the
// scheduler's in-memory snapshot.
type Aggregator struct {
	store         *store.Store
	reg           *registry.Registry
	sched         *scheduler.Scheduler
	cron          NextRunner
	maxAttempts   int
	maxConcurrent int
	clock         func() time.Time
}

// New builds an aggregator. cron may be nil.
func New(st *store.Store, reg *registry.Registry, sched *scheduler.Scheduler, cron NextRunner, maxAttempts, maxConcurrent int) *Aggregator {
	return &Aggregator{
		store:         st,
		reg:           reg,
		sched:         sched,
		cron:          cron,
		maxAttempts:   maxAttempts,
		maxConcurrent: maxConcurrent,
		clock:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock injects a deterministic time source for tests.
func (a *Aggregator) SetClock(clock func() time.Time) { a.clock = clock }

// Snapshot computes the status document. The pipeline list is the union of
// registered ids and ids present in the store; when both are empty the
// document carries an empty list rather than placeholder entries.
func (a *Aggregator) Snapshot(ctx context.Context) (*Document, error) {
	ids, err := a.pipelineIDs(ctx)
	if err != nil {
		return nil, err
	}

	snap := a.sched.Snapshot()
	doc := &Document{
		Timestamp:     a.clock(),
		Pipelines:     make([]PipelineStatus, 0, len(ids)),
		Running:       snap.Running,
		MaxConcurrent: a.maxConcurrent,
	}
	for _, depth := range snap.QueuedByPipeline {
		doc.Queue += depth
	}

	for _, id := range ids {
		ps, err := a.pipelineStatus(ctx, id, snap)
		if err != nil {
			return nil, fmt.Errorf("status for pipeline %s: %w", id, err)
		}
		doc.Pipelines = append(doc.Pipelines, ps)
	}

	recent, err := a.store.RecentJobs(ctx, recentActivityLimit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	doc.RecentActivity = make([]JobSummary, 0, len(recent))
	for _, job := range recent {
		doc.RecentActivity = append(doc.RecentActivity, *summarize(job))
	}

	doc.RetryMetrics = a.retryMetrics(snap.Retries)
	return doc, nil
}

func (a *Aggregator) pipelineIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range a.reg.IDs() {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	stored, err := a.store.DistinctPipelineIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("distinct pipeline ids: %w", err)
	}
	for _, id := range stored {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *Aggregator) pipelineStatus(ctx context.Context, id string, snap scheduler.Snapshot) (PipelineStatus, error) {
	counts, err := a.store.Counts(ctx, id)
	if err != nil {
		return PipelineStatus{}, err
	}

	ps := PipelineStatus{
		ID:            id,
		Name:          a.reg.HumanName(id),
		Status:        StateIdle,
		QueuedJobs:    counts.Queued,
		RunningJobs:   counts.Running,
		CompletedJobs: counts.Completed,
		FailedJobs:    counts.Failed,
	}

	last, err := a.store.LastJob(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return PipelineStatus{}, err
	}
	if last != nil {
		ps.LastRun = summarize(last)
		switch last.Status {
		case models.StatusRunning:
			ps.Status = StateRunning
		case models.StatusFailed:
			recent, err := a.store.RecentCounts(ctx, id, recentWindow)
			if err != nil {
				return PipelineStatus{}, err
			}
			if recent.Failed > recent.Completed {
				ps.Status = StateFailing
			}
		}
	}
	// A queued-but-not-yet-started pipeline also counts as running work.
	if ps.Status == StateIdle && snap.RunningByPipeline[id] > 0 {
		ps.Status = StateRunning
	}

	if a.cron != nil {
		if next, ok := a.cron.NextRun(id); ok {
			ps.NextRun = &next
		}
	}
	return ps, nil
}

func (a *Aggregator) retryMetrics(retries []models.RetryRecord) *RetryMetrics {
	rm := &RetryMetrics{
		Pending:   len(retries),
		ByAttempt: map[string]int{"1": 0, "2": 0, "3+": 0},
	}
	for _, rec := range retries {
		switch {
		case rec.Attempt <= 1:
			rm.ByAttempt["1"]++
		case rec.Attempt == 2:
			rm.ByAttempt["2"]++
		default:
			rm.ByAttempt["3+"]++
		}
		if rec.Attempt >= a.maxAttempts-1 {
			rm.NearingLimit++
		}
		if rm.NextRunAt == nil || rec.NextRunAt.Before(*rm.NextRunAt) {
			t := rec.NextRunAt
			rm.NextRunAt = &t
		}
	}
	return rm
}

func summarize(job *models.Job) *JobSummary {
	s := &JobSummary{
		ID:          job.ID,
		PipelineID:  job.PipelineID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Error != nil {
		s.Error = job.Error.Error()
	}
	return s
}
