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
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alephauto/internal/bus"
	"alephauto/internal/registry"
	"alephauto/internal/runner"
	"alephauto/internal/store"
	"alephauto/pkg/models"
)

type testHarness struct {
	store *store.Store
	reg   *registry.Registry
	bus   *bus.Bus
	sched *Scheduler

	mu     sync.Mutex
	events []models.Event
}

func newHarness(t *testing.T, cfg Config, register func(*registry.Registry)) *testHarness {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	if register != nil {
		register(reg)
	}
	reg.Seal()

	h := &testHarness{store: st, reg: reg, bus: bus.New()}
	unsub := h.bus.Subscribe("test", 0, func(ev models.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	t.Cleanup(unsub)

	h.sched = New(st, reg, h.bus, cfg, nil)
	return h
}

func (h *testHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sched.Start(context.Background()))
	t.Cleanup(h.sched.Stop)
}

func (h *testHarness) enqueue(t *testing.T, pipelineID string, data json.RawMessage) *models.Job {
	t.Helper()
	job := models.NewJob(pipelineID, data, time.Now())
	require.NoError(t, h.sched.Enqueue(context.Background(), job))
	return job
}

func (h *testHarness) waitStatus(t *testing.T, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := h.store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (currently %s)", jobID, want, job.Status)
	return nil
}

func (h *testHarness) eventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.events))
	for i, ev := range h.events {
		names[i] = ev.Name
	}
	return names
}

func registerStub(id string, fn runner.WorkerFunc) func(*registry.Registry) {
	return func(reg *registry.Registry) {
		_ = reg.Register(registry.Descriptor{
			ID:      id,
			Factory: func(*models.Job) (runner.Worker, error) { return fn, nil },
		})
	}
}

func TestRunToCompletion(t *testing.T) {
	h := newHarness(t, Config{}, registerStub("echo", func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
		progress(0.5, "halfway", "")
		return json.RawMessage(`{"ok":true}`), nil
	}))
	h.start(t)

	job := h.enqueue(t, "echo", nil)
	done := h.waitStatus(t, job.ID, models.StatusCompleted)

	assert.Equal(t, 1, done.Attempt)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)

	names := h.eventNames()
	assert.Contains(t, names, models.EventJobCreated)
	assert.Contains(t, names, models.EventJobStarted)
	assert.Contains(t, names, models.EventJobCompleted)
}

func TestRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, Config{MaxAttempts: 3, BaseBackoff: 5 * time.Millisecond}, registerStub("flaky",
		func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				return nil, models.NewRetryableError("ECONNRESET from upstream")
			}
			return json.RawMessage(`{"recovered":true}`), nil
		}))
	h.start(t)

	job := h.enqueue(t, "flaky", nil)
	done := h.waitStatus(t, job.ID, models.StatusCompleted)

	assert.Equal(t, 2, done.Attempt)
	assert.EqualValues(t, 2, calls.Load())

	names := h.eventNames()
	assert.Contains(t, names, models.EventRetryScheduled)
	assert.NotContains(t, names, models.EventRetryExhausted)
}

func TestRetryExhaustionCircuitBreaks(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, Config{MaxAttempts: 2, BaseBackoff: 5 * time.Millisecond}, registerStub("doomed",
		func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
			calls.Add(1)
			return nil, models.NewRetryableError("i/o timeout talking to remote")
		}))
	h.start(t)

	job := h.enqueue(t, "doomed", nil)

	// The job passes through failed -> queued on retry, so wait for the
	// exhaustion event before asserting the terminal state.
	require.Eventually(t, func() bool {
		for _, name := range h.eventNames() {
			if name == models.EventRetryExhausted {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	done := h.waitStatus(t, job.ID, models.StatusFailed)
	assert.EqualValues(t, 2, calls.Load())
	require.NotNil(t, done.Error)
	assert.Equal(t, models.KindCircuitBreak, done.Error.Kind)
	assert.Contains(t, done.Error.Message, "retry attempts exhausted")
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3, BaseBackoff: 5 * time.Millisecond}, registerStub("strict",
		func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
			return nil, &models.JobError{Kind: models.KindValidation, Message: "bad input", Retryable: false}
		}))
	h.start(t)

	job := h.enqueue(t, "strict", nil)
	done := h.waitStatus(t, job.ID, models.StatusFailed)

	assert.Equal(t, 1, done.Attempt)
	require.NotNil(t, done.Error)
	assert.Equal(t, models.KindValidation, done.Error.Kind)
	assert.NotContains(t, h.eventNames(), models.EventRetryScheduled)
}

func TestWorkerPanicIsCaptured(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 1}, registerStub("panicky",
		func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
			panic("boom")
		}))
	h.start(t)

	job := h.enqueue(t, "panicky", nil)
	done := h.waitStatus(t, job.ID, models.StatusFailed)
	require.NotNil(t, done.Error)
	assert.Contains(t, done.Error.Message, "worker panic")
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, Config{}, registerStub("idle", func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
		return nil, nil
	}))
	// Not started: the job stays queued in the store and in memory.
	job := h.enqueue(t, "idle", nil)

	require.NoError(t, h.sched.Cancel(context.Background(), job.ID))

	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Contains(t, h.eventNames(), models.EventJobCancelled)
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, Config{CancelGrace: 50 * time.Millisecond}, registerStub("longhaul",
		func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	h.start(t)

	job := h.enqueue(t, "longhaul", nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	require.NoError(t, h.sched.Cancel(context.Background(), job.ID))
	h.waitStatus(t, job.ID, models.StatusCancelled)
}

func TestCancelTerminalJobRejected(t *testing.T) {
	h := newHarness(t, Config{}, registerStub("quick", func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))
	h.start(t)

	job := h.enqueue(t, "quick", nil)
	h.waitStatus(t, job.ID, models.StatusCompleted)

	err := h.sched.Cancel(context.Background(), job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	err := h.sched.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGlobalConcurrencyCap(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	worker := func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	}

	h := newHarness(t, Config{MaxConcurrent: 2}, func(reg *registry.Registry) {
		for _, id := range []string{"a", "b", "c"} {
			registerStub(id, worker)(reg)
		}
	})
	h.start(t)

	jobs := []*models.Job{
		h.enqueue(t, "a", nil),
		h.enqueue(t, "b", nil),
		h.enqueue(t, "c", nil),
		h.enqueue(t, "a", nil),
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	// Give the admit loop a chance to over-admit, then check it didn't.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, running.Load())

	close(release)
	for _, job := range jobs {
		h.waitStatus(t, job.ID, models.StatusCompleted)
	}
	assert.EqualValues(t, 2, peak.Load())
}

func TestPerPipelineCap(t *testing.T) {
	var running atomic.Int32
	release := make(chan struct{})
	worker := func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
		running.Add(1)
		<-release
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	}

	h := newHarness(t, Config{MaxConcurrent: 4, PerPipelineMax: 1}, registerStub("serial", worker))
	h.start(t)

	j1 := h.enqueue(t, "serial", nil)
	j2 := h.enqueue(t, "serial", nil)

	require.Eventually(t, func() bool { return running.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, running.Load(), "second job admitted past the per-pipeline cap")

	close(release)
	h.waitStatus(t, j1.ID, models.StatusCompleted)
	h.waitStatus(t, j2.ID, models.StatusCompleted)
}

func TestUnknownPipelineFailsJob(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.start(t)

	job := h.enqueue(t, "ghost", nil)
	done := h.waitStatus(t, job.ID, models.StatusFailed)
	require.NotNil(t, done.Error)
	assert.Equal(t, models.KindUnknownPipeline, done.Error.Kind)
}

func TestStartRecoversQueuedJobs(t *testing.T) {
	h := newHarness(t, Config{}, registerStub("recover", func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	// Simulate a prior process: durable queued row, no in-memory queue.
	job := models.NewJob("recover", nil, time.Now())
	require.NoError(t, h.store.InsertJob(context.Background(), job))

	h.start(t)
	h.waitStatus(t, job.ID, models.StatusCompleted)
}

func TestStartReconcilesInterruptedJobs(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	job := models.NewJob("recover", nil, time.Now())
	require.NoError(t, h.store.InsertJob(context.Background(), job))
	now := time.Now().UTC()
	_, err := h.store.Transition(context.Background(), job.ID, models.StatusRunning, store.Patch{StartedAt: &now})
	require.NoError(t, err)

	h.start(t)

	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.KindInterrupted, got.Error.Kind)
}

func TestEnqueueRegeneratesDuplicateID(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	first := models.NewJob("dup", nil, time.Now())
	require.NoError(t, h.store.InsertJob(context.Background(), first))

	second := models.NewJob("dup", nil, time.Now())
	second.ID = first.ID
	require.NoError(t, h.sched.Enqueue(context.Background(), second))
	assert.NotEqual(t, first.ID, second.ID)
}

func TestMaxAttemptsOverrideClamped(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2}, nil)

	assert.Equal(t, 2, h.sched.maxAttemptsFor(&registry.Descriptor{}))
	assert.Equal(t, 4, h.sched.maxAttemptsFor(&registry.Descriptor{MaxAttemptsOverride: 4}))
	assert.Equal(t, hardMaxAttempts, h.sched.maxAttemptsFor(&registry.Descriptor{MaxAttemptsOverride: 99}))
}

func TestBackoffDelayIsBoundedAndGrowing(t *testing.T) {
	h := newHarness(t, Config{BaseBackoff: time.Second, MaxBackoff: 8 * time.Second}, nil)

	d1 := h.sched.backoffDelay(1)
	assert.Greater(t, d1, time.Duration(0))
	for attempt := 1; attempt <= 6; attempt++ {
		d := h.sched.backoffDelay(attempt)
		// Randomisation jitters each delay; the ceiling still holds
		// (default jitter is +/-50% around the capped interval).
		assert.LessOrEqual(t, d, 12*time.Second, "attempt %d", attempt)
	}
}

func TestAttemptTimeoutExtensions(t *testing.T) {
	h := newHarness(t, Config{BaseTimeout: time.Minute}, nil)
	desc := &registry.Descriptor{
		TimeoutPerFile:    100 * time.Millisecond,
		TimeoutPerPattern: 2 * time.Second,
	}

	job := models.NewJob("x", json.RawMessage(`{"fileCount":10,"patternCount":3}`), time.Now())
	assert.Equal(t, time.Minute+time.Second+6*time.Second, h.sched.attemptTimeout(job, desc))

	job = models.NewJob("x", nil, time.Now())
	assert.Equal(t, time.Minute, h.sched.attemptTimeout(job, desc))

	job = models.NewJob("x", json.RawMessage(`not json`), time.Now())
	assert.Equal(t, time.Minute, h.sched.attemptTimeout(job, desc))
}

func TestSnapshotReportsQueueDepths(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	for i := 0; i < 3; i++ {
		job := models.NewJob("pending", nil, time.Now())
		require.NoError(t, h.store.InsertJob(context.Background(), job))
		h.sched.mu.Lock()
		h.sched.pushLocked(job)
		h.sched.mu.Unlock()
	}

	snap := h.sched.Snapshot()
	assert.Equal(t, 3, snap.QueuedByPipeline["pending"])
	assert.Equal(t, 0, snap.Running)
	assert.Empty(t, snap.Retries)
}

func TestAttemptTimeoutFailsRunawayWorker(t *testing.T) {
	h := newHarness(t, Config{BaseTimeout: 50 * time.Millisecond, MaxAttempts: 1}, registerStub("slow",
		func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
			select {
			case <-ctx.Done():
				return nil, &models.JobError{Kind: models.KindTimeout, Message: "attempt deadline exceeded", Retryable: true}
			case <-time.After(10 * time.Second):
				return json.RawMessage(`{}`), nil
			}
		}))
	h.start(t)

	job := h.enqueue(t, "slow", nil)
	done := h.waitStatus(t, job.ID, models.StatusFailed)
	require.NotNil(t, done.Error)
	// MaxAttempts 1 means the first retryable failure exhausts the budget.
	assert.Equal(t, models.KindCircuitBreak, done.Error.Kind)
}

func TestEnqueueUnknownStoreError(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	bad := &models.Job{ID: "x", PipelineID: "p", Status: models.StatusRunning}
	err := h.sched.Enqueue(context.Background(), bad)
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrDuplicateID))
}
