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

// Package runner executes jobs under the worker contract. Workers come in
// two variants: in-process functions and managed subprocesses. Both receive
// the job payload, observe cancellation through the context, and report
// progress through a sink.
package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"alephauto/pkg/models"
)

// ProgressFunc receives worker progress. fraction is in [0,1] or -1 when
// unknown; level is one of the models event levels.
type ProgressFunc func(fraction float64, message, level string)

// Worker executes one job attempt. A nil error means success and result
// carries the JSON-serialisable output. Cancellation and per-attempt
// timeouts arrive through ctx; workers must observe it at safe points.
type Worker interface {
	Run(ctx context.Context, job *models.Job, progress ProgressFunc) (json.RawMessage, error)
}

// WorkerFunc adapts a plain function to the Worker interface (the
// in-process variant).
type WorkerFunc func(ctx context.Context, job *models.Job, progress ProgressFunc) (json.RawMessage, error)

func (f WorkerFunc) Run(ctx context.Context, job *models.Job, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, job, progress)
}

// minProgressInterval rate-limits progress events per job.
const minProgressInterval = 100 * time.Millisecond

// RateLimitProgress wraps a sink so that at most one progress event per
// 100ms reaches it. Warn and error level messages always pass.
func RateLimitProgress(sink ProgressFunc) ProgressFunc {
	var mu sync.Mutex
	var last time.Time
	return func(fraction float64, message, level string) {
		if sink == nil {
			return
		}
		if level == models.LevelInfo || level == "" {
			mu.Lock()
			now := time.Now()
			if now.Sub(last) < minProgressInterval {
				mu.Unlock()
				return
			}
			last = now
			mu.Unlock()
		}
		sink(fraction, message, level)
	}
}
