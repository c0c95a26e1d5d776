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

// Package pipelines declares the built-in pipeline set and wires each one
// to its worker. Scan and enhancement pipelines run Python scripts through
// the subprocess contract; the environment-health pipeline runs in-process.
package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"alephauto/internal/registry"
	"alephauto/internal/runner"
	"alephauto/pkg/models"
)

// Pipeline ids. The scan API endpoints target DuplicateDetection and
// MultiRepoScan directly; everything else is triggered per pipeline.
const (
	DuplicateDetection = "duplicate-detection"
	MultiRepoScan      = "multi-repo-scan"
	DocEnhancement     = "documentation-enhancement"
	RepoCleanup        = "repo-cleanup"
	GitActivity        = "git-activity"
	Repomix            = "repomix"
	EnvironmentHealth  = "environment-health"
)

// Options configures worker construction.
type Options struct {
	ScriptsDir  string
	Resolver    *runner.InterpreterResolver
	CancelGrace time.Duration

	// DefaultRepositoryPath, when set, is the repository that cron-triggered
	// jobs of the repository pipelines operate on. Without it those
	// pipelines stay manual-only under cron.
	DefaultRepositoryPath string
}

// RegisterAll registers the built-in pipelines. Call before Registry.Seal.
func RegisterAll(reg *registry.Registry, opts Options) error {
	script := func(name string) registry.WorkerFactory {
		return subprocessFactory(filepath.Join(opts.ScriptsDir, name), opts)
	}

	var repoCronPayload json.RawMessage
	if opts.DefaultRepositoryPath != "" {
		repoCronPayload, _ = json.Marshal(map[string]string{
			"repositoryPath": opts.DefaultRepositoryPath,
		})
	}

	descriptors := []registry.Descriptor{
		{
			ID:             DuplicateDetection,
			HumanName:      "Duplicate Detection",
			Factory:        requireRepositoryPath(script("duplicate_detector.py")),
			Validate:       validateRepositoryPath,
			CronPayload:    repoCronPayload,
			TimeoutPerFile: 100 * time.Millisecond,
			CronEnv:        "DUPLICATE_DETECTION_CRON_SCHEDULE",
		},
		{
			ID:        MultiRepoScan,
			HumanName: "Multi-Repository Scan",
			Factory:   requireRepositoryPaths(script("multi_repo_scanner.py")),
			Validate:  validateRepositoryPaths,
			// Cross-repository analysis covers several trees per attempt.
			TimeoutPerFile: 100 * time.Millisecond,
		},
		{
			ID:                DocEnhancement,
			HumanName:         "Documentation Enhancement",
			Factory:           requireRepositoryPath(script("doc_enhancer.py")),
			Validate:          validateRepositoryPath,
			CronPayload:       repoCronPayload,
			TimeoutPerPattern: 2 * time.Second,
			CronEnv:           "DOC_ENHANCEMENT_CRON_SCHEDULE",
		},
		{
			ID:          RepoCleanup,
			HumanName:   "Repository Cleanup",
			Factory:     requireRepositoryPath(script("repo_cleanup.py")),
			Validate:    validateRepositoryPath,
			CronPayload: repoCronPayload,
			CronEnv:     "REPO_CLEANUP_CRON_SCHEDULE",
		},
		{
			ID:        GitActivity,
			HumanName: "Git Activity Collection",
			Factory:   script("git_activity.py"),
			CronEnv:   "GIT_ACTIVITY_CRON_SCHEDULE",
		},
		{
			ID:          Repomix,
			HumanName:   "Repomix Packing",
			Factory:     requireRepositoryPath(script("repomix_runner.py")),
			Validate:    validateRepositoryPath,
			CronPayload: repoCronPayload,
			CronEnv:     "REPOMIX_CRON_SCHEDULE",
		},
		{
			ID:        EnvironmentHealth,
			HumanName: "Environment Health",
			Factory:   environmentHealthFactory(opts),
			CronEnv:   "ENVIRONMENT_HEALTH_CRON_SCHEDULE",
		},
	}

	for _, desc := range descriptors {
		if err := reg.Register(desc); err != nil {
			return fmt.Errorf("register pipeline %s: %w", desc.ID, err)
		}
	}
	return nil
}

// subprocessFactory builds a subprocess worker bound to one script.
func subprocessFactory(script string, opts Options) registry.WorkerFactory {
	return func(job *models.Job) (runner.Worker, error) {
		return &runner.Subprocess{
			Script:   script,
			Resolver: opts.Resolver,
			Grace:    opts.CancelGrace,
		}, nil
	}
}

// validateRepositoryPath rejects payloads without a non-empty
// parameters.repositoryPath.
func validateRepositoryPath(data json.RawMessage) error {
	var payload struct {
		RepositoryPath string `json:"repositoryPath"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("invalid job payload: %w", err)
		}
	}
	if payload.RepositoryPath == "" {
		return fmt.Errorf("repositoryPath is required")
	}
	return nil
}

// validateRepositoryPaths enforces the multi-scan contract of at least two
// non-empty repository paths.
func validateRepositoryPaths(data json.RawMessage) error {
	var payload struct {
		RepositoryPaths []string `json:"repositoryPaths"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("invalid job payload: %w", err)
		}
	}
	if len(payload.RepositoryPaths) < 2 {
		return fmt.Errorf("repositoryPaths requires at least two entries")
	}
	for _, p := range payload.RepositoryPaths {
		if p == "" {
			return fmt.Errorf("repositoryPaths entries must be non-empty")
		}
	}
	return nil
}

// requireRepositoryPath re-checks the payload contract at admission, before
// any process is spawned.
func requireRepositoryPath(next registry.WorkerFactory) registry.WorkerFactory {
	return func(job *models.Job) (runner.Worker, error) {
		if err := validateRepositoryPath(job.Data); err != nil {
			return nil, err
		}
		return next(job)
	}
}

func requireRepositoryPaths(next registry.WorkerFactory) registry.WorkerFactory {
	return func(job *models.Job) (runner.Worker, error) {
		if err := validateRepositoryPaths(job.Data); err != nil {
			return nil, err
		}
		return next(job)
	}
}

// environmentHealthFactory builds the in-process worker that checks the
// runtime environment: interpreter discovery and scripts directory.
func environmentHealthFactory(opts Options) registry.WorkerFactory {
	return func(job *models.Job) (runner.Worker, error) {
		return runner.WorkerFunc(func(ctx context.Context, job *models.Job, progress runner.ProgressFunc) (json.RawMessage, error) {
			type check struct {
				Name    string `json:"name"`
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
			}
			var checks []check

			if progress != nil {
				progress(0.1, "checking interpreter", models.LevelInfo)
			}
			interp, err := opts.Resolver.Path()
			if err != nil {
				checks = append(checks, check{Name: "interpreter", OK: false, Message: err.Error()})
			} else {
				checks = append(checks, check{Name: "interpreter", OK: true, Message: interp})
			}

			if progress != nil {
				progress(0.5, "checking scripts directory", models.LevelInfo)
			}
			if info, err := os.Stat(opts.ScriptsDir); err != nil || !info.IsDir() {
				checks = append(checks, check{Name: "scripts_dir", OK: false, Message: opts.ScriptsDir})
			} else {
				checks = append(checks, check{Name: "scripts_dir", OK: true})
			}

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			healthy := true
			for _, c := range checks {
				if !c.OK {
					healthy = false
					if progress != nil {
						progress(-1, "environment check failed: "+c.Name, models.LevelWarn)
					}
				}
			}
			return json.Marshal(map[string]any{
				"healthy": healthy,
				"checks":  checks,
			})
		}), nil
	}
}
