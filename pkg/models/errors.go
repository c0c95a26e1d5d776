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

import (
	"errors"
	"strings"
)

// ErrorKind classifies a job failure. The scheduler decides retry vs.
// terminal from the kind alone; kinds are data, not Go types, so they
// survive persistence and the event bus.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindUnknownPipeline ErrorKind = "unknown_pipeline"
	KindDuplicateID     ErrorKind = "duplicate_id"
	KindNotFound        ErrorKind = "not_found"
	KindNotCancellable  ErrorKind = "not_cancellable"
	KindRateLimited     ErrorKind = "rate_limited"
	KindRetryable       ErrorKind = "retryable"
	KindWorker          ErrorKind = "worker_error"
	KindOutputParse     ErrorKind = "output_parse_error"
	KindTimeout         ErrorKind = "timeout"
	KindCircuitBreak    ErrorKind = "circuit_break"
	KindInterrupted     ErrorKind = "interrupted"
	KindStorage         ErrorKind = "storage_error"
)

// JobError is the structured failure recorded on a job. Stack is kept for
// the durable record but never exposed over the API.
type JobError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Retryable bool      `json:"retryable"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// NewRetryableError tags a transient failure so the scheduler reschedules it.
func NewRetryableError(message string) *JobError {
	return &JobError{Kind: KindRetryable, Message: message, Retryable: true}
}

// NewWorkerError tags a deterministic worker failure; no retry is scheduled.
func NewWorkerError(message string) *JobError {
	return &JobError{Kind: KindWorker, Message: message, Retryable: false}
}

// AsJobError extracts a *JobError from err, wrapping unknown errors as a
// non-retryable worker error with a heuristic retryable check on the message.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	msg := err.Error()
	if MessageLooksTransient(msg) {
		return &JobError{Kind: KindRetryable, Message: msg, Retryable: true}
	}
	return &JobError{Kind: KindWorker, Message: msg, Retryable: false}
}

// transientMarkers are substrings that identify network or I/O conditions
// worth retrying regardless of how the worker surfaced them.
var transientMarkers = []string{
	"ETIMEDOUT",
	"ECONNREFUSED",
	"ECONNRESET",
	"EAGAIN",
	"ENOENT",
	"i/o timeout",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
}

// MessageLooksTransient reports whether msg matches the retryable error
// heuristics for subprocess stderr and wrapped errors.
func MessageLooksTransient(msg string) bool {
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
