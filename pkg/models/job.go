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

// Package models defines the wire- and storage-stable contract types shared
// by the store, scheduler, worker runtime, event bus, and HTTP API.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the persisted lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected from s,
// other than the failed -> queued retry edge.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the from -> to edge is legal:
//
//	queued  -> running | cancelled
//	running -> completed | failed | cancelled
//	failed  -> queued   (retry re-admission)
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		return to == StatusQueued
	}
	return false
}

// GitInfo records the git side effects a worker reported for a job.
type GitInfo struct {
	Branch       string `json:"branch,omitempty"`
	Commit       string `json:"commit,omitempty"`
	PRURL        string `json:"prUrl,omitempty"`
	ChangedFiles int    `json:"changedFiles,omitempty"`
}

// Job is a single unit of work belonging to a pipeline. The store owns the
// durable record; the scheduler and worker runtime mutate it only through
// the store's compare-and-set transitions.
type Job struct {
	ID          string          `json:"id"`
	PipelineID  string          `json:"pipeline_id"`
	Status      JobStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	Git         *GitInfo        `json:"git,omitempty"`
	Attempt     int             `json:"attempt"`
}

// NewJob creates a queued job for pipelineID carrying the opaque trigger
// payload. IDs are "<pipelineId>-<epochMs>-<rand>"; the random suffix keeps
// ids unique when two triggers land in the same millisecond.
func NewJob(pipelineID string, data json.RawMessage, now time.Time) *Job {
	return &Job{
		ID:         NewJobID(pipelineID, now),
		PipelineID: pipelineID,
		Status:     StatusQueued,
		CreatedAt:  now.UTC(),
		Data:       data,
		Attempt:    1,
	}
}

// NewJobID returns a fresh job id for pipelineID at the given time.
func NewJobID(pipelineID string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", pipelineID, now.UnixMilli(), uuid.NewString()[:8])
}

// RetryRecord tracks a scheduled re-admission of a failed job.
type RetryRecord struct {
	JobID      string    `json:"job_id"`
	PipelineID string    `json:"pipeline_id"`
	Attempt    int       `json:"attempt"`
	NextRunAt  time.Time `json:"next_run_at"`
	Reason     string    `json:"reason"`
}

// JobCounts aggregates per-status totals for one pipeline.
type JobCounts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
