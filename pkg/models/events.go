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

package models

import "time"

// Event names are contractual; dashboard clients match on them.
const (
	EventJobCreated     = "job:created"
	EventJobStarted     = "job:started"
	EventJobProgress    = "job:progress"
	EventJobCompleted   = "job:completed"
	EventJobFailed      = "job:failed"
	EventJobCancelled   = "job:cancelled"
	EventPipelineStatus = "pipeline:status"
	EventRetryScheduled = "retry:scheduled"
	EventRetryExhausted = "retry:exhausted"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event is a single job lifecycle notification. Ordering is FIFO per job id
// at the bus boundary; cross-job ordering is not guaranteed.
type Event struct {
	Name       string         `json:"event"`
	JobID      string         `json:"jobId,omitempty"`
	PipelineID string         `json:"pipelineId,omitempty"`
	Level      string         `json:"level,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Critical reports whether the event must never be dropped by a bounded
// queue under overflow.
func (e Event) Critical() bool {
	return e.Name == EventJobFailed || e.Name == EventRetryExhausted
}
