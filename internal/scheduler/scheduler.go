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

// Package scheduler decides when a queued job becomes a running job. It
// keeps a FIFO queue per pipeline fed from the store, admits work
// round-robin across pipelines under a global permit cap, schedules
// bounded retries with exponential backoff, and owns cancellation.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"alephauto/internal/bus"
	"alephauto/internal/metrics"
	"alephauto/internal/registry"
	"alephauto/internal/runner"
	"alephauto/internal/store"
	"alephauto/pkg/models"
)

// hardMaxAttempts is the absolute cap; configuration may lower it but a
// job is force-failed with circuit_break at or beyond this attempt.
const hardMaxAttempts = 5

// ErrNotCancellable indicates the job is in a state that does not permit
// cancellation (already terminal).
var ErrNotCancellable = errors.New("scheduler: job is not cancellable")

// Config tunes the scheduler.
type Config struct {
	MaxConcurrent  int           // global permit cap C
	PerPipelineMax int           // permits one pipeline may hold; 0 means C
	MaxAttempts    int           // default attempt cap, <= hardMaxAttempts
	BaseBackoff    time.Duration // first retry delay
	MaxBackoff     time.Duration // backoff ceiling
	BaseTimeout    time.Duration // per-attempt timeout before extensions
	CancelGrace    time.Duration // SIGTERM to SIGKILL window
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.PerPipelineMax <= 0 || c.PerPipelineMax > c.MaxConcurrent {
		c.PerPipelineMax = c.MaxConcurrent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.MaxAttempts > hardMaxAttempts {
		c.MaxAttempts = hardMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 60 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
}

// Scheduler owns in-memory queue ordering, the concurrency gate, retry
// timers, and the cancellation map. Durable job state lives in the store
// and is mutated only through its compare-and-set transitions.
type Scheduler struct {
	store  *store.Store
	reg    *registry.Registry
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu             sync.Mutex
	queues         map[string][]*models.Job
	ring           []string // round-robin pipeline order
	ringIdx        int
	permits        int
	runningByPipe  map[string]int
	runningCancel  map[string]context.CancelFunc
	userCancelled  map[string]bool
	retries        map[string]*models.RetryRecord

	wake      chan struct{}
	retryWake chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	execWG    sync.WaitGroup
}

// New builds a scheduler; call Start to begin admitting work.
func New(st *store.Store, reg *registry.Registry, b *bus.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         st,
		reg:           reg,
		bus:           b,
		cfg:           cfg,
		logger:        logger,
		clock:         func() time.Time { return time.Now().UTC() },
		queues:        make(map[string][]*models.Job),
		permits:       cfg.MaxConcurrent,
		runningByPipe: make(map[string]int),
		runningCancel: make(map[string]context.CancelFunc),
		userCancelled: make(map[string]bool),
		retries:       make(map[string]*models.RetryRecord),
		wake:          make(chan struct{}, 1),
		retryWake:     make(chan struct{}, 1),
	}
}

// SetClock injects a deterministic time source for tests.
func (s *Scheduler) SetClock(clock func() time.Time) { s.clock = clock }

// Start reconciles interrupted jobs, recovers queued work from the store,
// and launches the admission and retry loops.
func (s *Scheduler) Start(ctx context.Context) error {
	interrupted, err := s.store.ReconcileInterrupted(ctx, s.clock())
	if err != nil {
		return fmt.Errorf("reconcile interrupted jobs: %w", err)
	}
	for _, id := range interrupted {
		s.logger.Warn("job interrupted by restart, marked failed", "job_id", id)
	}

	queued, err := s.store.ListByStatus(ctx, models.StatusQueued, 0)
	if err != nil {
		return fmt.Errorf("recover queued jobs: %w", err)
	}
	s.mu.Lock()
	for _, job := range queued {
		s.pushLocked(job)
	}
	s.mu.Unlock()

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.admitLoop()
	go s.retryLoop()
	s.kick()
	return nil
}

// Stop halts admission and waits for loops and in-flight executions.
func (s *Scheduler) Stop() {
	if s.runCancel != nil {
		s.runCancel()
	}
	s.wg.Wait()
	s.execWG.Wait()
}

// Enqueue durably inserts the job and places it on its pipeline queue.
// Duplicate ids are resolved by regeneration. Emits job:created.
func (s *Scheduler) Enqueue(ctx context.Context, job *models.Job) error {
	var err error
	for i := 0; i < 3; i++ {
		err = s.store.InsertJob(ctx, job)
		if !errors.Is(err, store.ErrDuplicateID) {
			break
		}
		job.ID = models.NewJobID(job.PipelineID, s.clock())
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pushLocked(job)
	s.mu.Unlock()

	s.emit(models.EventJobCreated, job, models.LevelInfo, nil)
	s.kick()
	return nil
}

// Cancel cancels a queued or running job. Queued jobs transition straight
// to cancelled; running jobs get their cancel token signalled and the
// worker runtime escalates termination after the grace window. Terminal
// jobs return ErrNotCancellable.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if job := s.removeQueuedLocked(jobID); job != nil {
		s.mu.Unlock()
		now := s.clock()
		updated, err := s.store.Transition(ctx, jobID, models.StatusCancelled, store.Patch{CompletedAt: &now})
		if err != nil {
			return err
		}
		s.emit(models.EventJobCancelled, updated, models.LevelInfo, nil)
		metrics.ObserveJobOutcome(updated.PipelineID, string(models.StatusCancelled), 0)
		return nil
	}
	if cancel, ok := s.runningCancel[jobID]; ok {
		s.userCancelled[jobID] = true
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.mu.Unlock()

	// Not tracked in memory: decide from the durable record.
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusQueued {
		now := s.clock()
		updated, err := s.store.Transition(ctx, jobID, models.StatusCancelled, store.Patch{CompletedAt: &now})
		if err != nil {
			return err
		}
		s.emit(models.EventJobCancelled, updated, models.LevelInfo, nil)
		return nil
	}
	return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, jobID, job.Status)
}

// Snapshot captures the scheduler's in-memory view for the aggregator.
type Snapshot struct {
	QueuedByPipeline  map[string]int
	RunningByPipeline map[string]int
	Running           int
	Retries           []models.RetryRecord
}

// Snapshot returns a copy of queue depths, running counts, and pending
// retry records.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		QueuedByPipeline:  make(map[string]int, len(s.queues)),
		RunningByPipeline: make(map[string]int, len(s.runningByPipe)),
	}
	for id, q := range s.queues {
		if len(q) > 0 {
			snap.QueuedByPipeline[id] = len(q)
		}
	}
	for id, n := range s.runningByPipe {
		if n > 0 {
			snap.RunningByPipeline[id] = n
			snap.Running += n
		}
	}
	for _, rec := range s.retries {
		snap.Retries = append(snap.Retries, *rec)
	}
	sort.Slice(snap.Retries, func(i, j int) bool {
		return snap.Retries[i].NextRunAt.Before(snap.Retries[j].NextRunAt)
	})
	return snap
}

// --------------- admission ---------------

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) admitLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.wake:
		}
		s.admitAll()
	}
}

// admitAll drains admissible work: round-robin across pipelines, FIFO
// within one, bounded by global permits and the per-pipeline cap.
func (s *Scheduler) admitAll() {
	for {
		job := s.pickNext()
		if job == nil {
			return
		}
		desc, err := s.reg.Resolve(job.PipelineID)
		if err != nil {
			s.releasePermit(job.PipelineID)
			s.failUnstartable(job, &models.JobError{Kind: models.KindUnknownPipeline, Message: err.Error()})
			continue
		}

		started := s.clock()
		updated, terr := s.store.Transition(s.runCtx, job.ID, models.StatusRunning, store.Patch{StartedAt: &started})
		if terr != nil {
			// Lost a race (e.g. cancelled between pick and admit); put the
			// permit back and move on. The durable record already reflects
			// the winning transition.
			s.releasePermit(job.PipelineID)
			if !errors.Is(terr, store.ErrIllegalTransition) {
				s.logger.Error("admit transition failed", "job_id", job.ID, "error", terr)
				s.requeueFront(job)
				return
			}
			continue
		}

		s.emit(models.EventJobStarted, updated, models.LevelInfo, map[string]any{"attempt": updated.Attempt})

		s.execWG.Add(1)
		go s.execute(updated, desc)
	}
}

// pickNext reserves a permit and pops the next admissible job, or nil.
func (s *Scheduler) pickNext() *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permits <= 0 || len(s.ring) == 0 {
		return nil
	}
	for i := 0; i < len(s.ring); i++ {
		idx := (s.ringIdx + i) % len(s.ring)
		pipe := s.ring[idx]
		q := s.queues[pipe]
		if len(q) == 0 {
			continue
		}
		if s.runningByPipe[pipe] >= s.cfg.PerPipelineMax {
			continue
		}
		job := q[0]
		s.queues[pipe] = q[1:]
		s.permits--
		s.runningByPipe[pipe]++
		s.ringIdx = (idx + 1) % len(s.ring)
		return job
	}
	return nil
}

func (s *Scheduler) releasePermit(pipelineID string) {
	s.mu.Lock()
	s.permits++
	if s.runningByPipe[pipelineID] > 0 {
		s.runningByPipe[pipelineID]--
	}
	s.mu.Unlock()
	s.kick()
}

// pushLocked appends to the pipeline FIFO, keeping deterministic order by
// created_at then id, and makes sure the pipeline is in the ring.
func (s *Scheduler) pushLocked(job *models.Job) {
	q := append(s.queues[job.PipelineID], job)
	sort.SliceStable(q, func(i, j int) bool {
		if !q[i].CreatedAt.Equal(q[j].CreatedAt) {
			return q[i].CreatedAt.Before(q[j].CreatedAt)
		}
		return q[i].ID < q[j].ID
	})
	s.queues[job.PipelineID] = q
	for _, p := range s.ring {
		if p == job.PipelineID {
			return
		}
	}
	s.ring = append(s.ring, job.PipelineID)
}

func (s *Scheduler) requeueFront(job *models.Job) {
	s.mu.Lock()
	s.queues[job.PipelineID] = append([]*models.Job{job}, s.queues[job.PipelineID]...)
	s.mu.Unlock()
}

func (s *Scheduler) removeQueuedLocked(jobID string) *models.Job {
	for pipe, q := range s.queues {
		for i, job := range q {
			if job.ID == jobID {
				s.queues[pipe] = append(q[:i:i], q[i+1:]...)
				return job
			}
		}
	}
	return nil
}

// failUnstartable terminally fails a job that never reached running.
func (s *Scheduler) failUnstartable(job *models.Job, je *models.JobError) {
	ctx := s.runCtx
	now := s.clock()
	// queued -> running -> failed keeps the state machine honest even for
	// jobs that fail before any worker runs.
	if _, err := s.store.Transition(ctx, job.ID, models.StatusRunning, store.Patch{StartedAt: &now}); err != nil {
		s.logger.Error("fail unstartable: to running", "job_id", job.ID, "error", err)
		return
	}
	updated, err := s.store.Transition(ctx, job.ID, models.StatusFailed, store.Patch{CompletedAt: &now, Error: je})
	if err != nil {
		s.logger.Error("fail unstartable: to failed", "job_id", job.ID, "error", err)
		return
	}
	s.emit(models.EventJobFailed, updated, models.LevelError, map[string]any{"kind": je.Kind})
	metrics.ObserveJobOutcome(updated.PipelineID, string(models.StatusFailed), 0)
}

// --------------- execution ---------------

func (s *Scheduler) execute(job *models.Job, desc *registry.Descriptor) {
	defer s.execWG.Done()
	defer s.releasePermit(job.PipelineID)

	timeout := s.attemptTimeout(job, desc)
	attemptCtx, cancel := context.WithTimeout(s.runCtx, timeout)
	defer cancel()

	s.mu.Lock()
	s.runningCancel[job.ID] = cancel
	s.mu.Unlock()

	result, runErr := s.runWorker(attemptCtx, job, desc)

	s.mu.Lock()
	delete(s.runningCancel, job.ID)
	wasCancelled := s.userCancelled[job.ID]
	delete(s.userCancelled, job.ID)
	s.mu.Unlock()

	now := s.clock()
	var duration time.Duration
	if job.StartedAt != nil {
		duration = now.Sub(*job.StartedAt)
	}

	switch {
	case runErr == nil:
		updated, err := s.store.Transition(s.runCtx, job.ID, models.StatusCompleted, store.Patch{
			CompletedAt: &now,
			Result:      result,
		})
		if err != nil {
			s.logger.Error("complete transition failed", "job_id", job.ID, "error", err)
			return
		}
		s.emit(models.EventJobCompleted, updated, models.LevelInfo, map[string]any{"attempt": updated.Attempt})
		metrics.ObserveJobOutcome(job.PipelineID, string(models.StatusCompleted), duration)

	case wasCancelled:
		updated, err := s.store.Transition(s.runCtx, job.ID, models.StatusCancelled, store.Patch{CompletedAt: &now})
		if err != nil {
			s.logger.Error("cancel transition failed", "job_id", job.ID, "error", err)
			return
		}
		s.emit(models.EventJobCancelled, updated, models.LevelInfo, nil)
		metrics.ObserveJobOutcome(job.PipelineID, string(models.StatusCancelled), duration)

	default:
		s.handleFailure(job, desc, models.AsJobError(runErr), now, duration)
	}
}

func (s *Scheduler) runWorker(ctx context.Context, job *models.Job, desc *registry.Descriptor) (result json.RawMessage, err error) {
	worker, err := desc.Factory(job)
	if err != nil {
		return nil, &models.JobError{Kind: models.KindValidation, Message: fmt.Sprintf("worker factory: %v", err)}
	}

	progress := runner.RateLimitProgress(func(fraction float64, message, level string) {
		if level == "" {
			level = models.LevelInfo
		}
		data := map[string]any{"message": message}
		if fraction >= 0 {
			data["fraction"] = fraction
		}
		s.emit(models.EventJobProgress, job, level, data)
	})

	defer func() {
		if p := recover(); p != nil {
			err = &models.JobError{Kind: models.KindWorker, Message: fmt.Sprintf("worker panic: %v", p)}
		}
	}()
	return worker.Run(ctx, job, progress)
}

// attemptTimeout is the base timeout plus the descriptor's linear workload
// extensions, with counts read from the trigger payload when present.
func (s *Scheduler) attemptTimeout(job *models.Job, desc *registry.Descriptor) time.Duration {
	timeout := s.cfg.BaseTimeout
	if len(job.Data) == 0 {
		return timeout
	}
	var workload struct {
		FileCount    int `json:"fileCount"`
		PatternCount int `json:"patternCount"`
	}
	if err := json.Unmarshal(job.Data, &workload); err != nil {
		return timeout
	}
	if workload.FileCount > 0 && desc.TimeoutPerFile > 0 {
		timeout += time.Duration(workload.FileCount) * desc.TimeoutPerFile
	}
	if workload.PatternCount > 0 && desc.TimeoutPerPattern > 0 {
		timeout += time.Duration(workload.PatternCount) * desc.TimeoutPerPattern
	}
	return timeout
}

func (s *Scheduler) emit(name string, job *models.Job, level string, data map[string]any) {
	s.bus.Publish(models.Event{
		Name:       name,
		JobID:      job.ID,
		PipelineID: job.PipelineID,
		Level:      level,
		Timestamp:  s.clock(),
		Data:       data,
	})
}
