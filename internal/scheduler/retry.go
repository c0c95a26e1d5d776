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

package scheduler

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"alephauto/internal/metrics"
	"alephauto/internal/registry"
	"alephauto/internal/store"
	"alephauto/pkg/models"
)

// maxAttemptsFor resolves the effective attempt cap for one pipeline,
// honouring the descriptor override but never the hard cap.
func (s *Scheduler) maxAttemptsFor(desc *registry.Descriptor) int {
	max := s.cfg.MaxAttempts
	if desc != nil && desc.MaxAttemptsOverride > 0 {
		max = desc.MaxAttemptsOverride
	}
	if max > hardMaxAttempts {
		max = hardMaxAttempts
	}
	return max
}

// handleFailure records a failed attempt and decides retry vs. terminal
// using the error classification alone. Retryable failures below the cap
// go back to queued after a backoff; at the cap the circuit breaker forces
// a terminal failure and emits retry:exhausted.
func (s *Scheduler) handleFailure(job *models.Job, desc *registry.Descriptor, je *models.JobError, now time.Time, duration time.Duration) {
	maxAttempts := s.maxAttemptsFor(desc)
	attempt := job.Attempt
	retryable := je.Retryable && attempt < maxAttempts && attempt < hardMaxAttempts

	if !retryable {
		if je.Retryable {
			// Retryable failure with no budget left: circuit break.
			je = &models.JobError{
				Kind:    models.KindCircuitBreak,
				Message: "retry attempts exhausted: " + je.Message,
				Stack:   je.Stack,
			}
		}
		updated, err := s.store.Transition(s.runCtx, job.ID, models.StatusFailed, store.Patch{
			CompletedAt: &now,
			Error:       je,
		})
		if err != nil {
			s.logger.Error("fail transition failed", "job_id", job.ID, "error", err)
			return
		}
		s.emit(models.EventJobFailed, updated, models.LevelError, map[string]any{
			"kind":    je.Kind,
			"attempt": attempt,
		})
		if je.Kind == models.KindCircuitBreak {
			s.emit(models.EventRetryExhausted, updated, models.LevelError, map[string]any{"attempt": attempt})
		}
		metrics.ObserveJobOutcome(job.PipelineID, string(models.StatusFailed), duration)
		return
	}

	updated, err := s.store.Transition(s.runCtx, job.ID, models.StatusFailed, store.Patch{
		CompletedAt: &now,
		Error:       je,
	})
	if err != nil {
		s.logger.Error("fail transition failed", "job_id", job.ID, "error", err)
		return
	}
	s.emit(models.EventJobFailed, updated, models.LevelWarn, map[string]any{
		"kind":      je.Kind,
		"attempt":   attempt,
		"willRetry": true,
	})
	metrics.ObserveJobOutcome(job.PipelineID, string(models.StatusFailed), duration)

	nextAttempt := attempt + 1
	delay := s.backoffDelay(attempt)
	rec := &models.RetryRecord{
		JobID:      job.ID,
		PipelineID: job.PipelineID,
		Attempt:    nextAttempt,
		NextRunAt:  now.Add(delay),
		Reason:     je.Message,
	}

	s.mu.Lock()
	s.retries[job.ID] = rec
	s.mu.Unlock()

	// Approaching the cap is worth a warning on the dashboard.
	level := models.LevelInfo
	if nextAttempt >= 2 && nextAttempt <= 3 {
		level = models.LevelWarn
	}
	s.emit(models.EventRetryScheduled, updated, level, map[string]any{
		"attempt":   nextAttempt,
		"nextRunAt": rec.NextRunAt,
		"reason":    je.Message,
	})
	metrics.ObserveRetryScheduled(job.PipelineID)
	s.kickRetry()
}

// backoffDelay computes the delay before the next attempt: exponential
// from the base with jitter, capped at MaxBackoff.
func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BaseBackoff
	bo.Multiplier = 2
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d == backoff.Stop || d > s.cfg.MaxBackoff*2 {
		d = s.cfg.MaxBackoff
	}
	return d
}

func (s *Scheduler) kickRetry() {
	select {
	case s.retryWake <- struct{}{}:
	default:
	}
}

// retryLoop sleeps until the earliest pending retry is due, then
// re-admits every due job.
func (s *Scheduler) retryLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var next time.Time
		for _, rec := range s.retries {
			if next.IsZero() || rec.NextRunAt.Before(next) {
				next = rec.NextRunAt
			}
		}
		s.mu.Unlock()

		var timerC <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-s.runCtx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.retryWake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			s.fireDueRetries()
		}
	}
}

// fireDueRetries moves every due retry back to queued with its bumped
// attempt counter and wakes admission.
func (s *Scheduler) fireDueRetries() {
	now := s.clock()

	s.mu.Lock()
	var due []*models.RetryRecord
	for id, rec := range s.retries {
		if !rec.NextRunAt.After(now) {
			due = append(due, rec)
			delete(s.retries, id)
		}
	}
	s.mu.Unlock()

	for _, rec := range due {
		updated, err := s.store.Transition(s.runCtx, rec.JobID, models.StatusQueued, store.Patch{Attempt: rec.Attempt})
		if err != nil {
			if errors.Is(err, store.ErrIllegalTransition) || errors.Is(err, store.ErrNotFound) {
				// The job moved on (e.g. reconciled away); drop the retry.
				s.logger.Warn("retry dropped, job no longer failed", "job_id", rec.JobID, "error", err)
				continue
			}
			// Storage hiccup: keep the in-memory reference and try again
			// shortly rather than lose the job.
			s.logger.Error("retry re-queue failed", "job_id", rec.JobID, "error", err)
			rec.NextRunAt = now.Add(time.Second)
			s.mu.Lock()
			s.retries[rec.JobID] = rec
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		s.pushLocked(updated)
		s.mu.Unlock()
	}
	if len(due) > 0 {
		s.kick()
	}
}
