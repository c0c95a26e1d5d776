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

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"alephauto/internal/bus"
	"alephauto/internal/config"
	"alephauto/pkg/models"
)

// setupSentry initialises error reporting and attaches a bus sink that
// forwards terminal failures. Returns a no-op teardown when no DSN is
// configured.
func setupSentry(cfg config.Config, b *bus.Bus, logger *slog.Logger) (func(), error) {
	if cfg.SentryDSN == "" {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Env,
		Release:     "alephauto@" + version,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	logger.Info("error reporting enabled")

	unsub := b.Subscribe("sentry", 0, func(ev models.Event) {
		if !ev.Critical() {
			return
		}
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelError)
			scope.SetTag("pipeline", ev.PipelineID)
			scope.SetTag("event", ev.Name)
			scope.SetExtra("job_id", ev.JobID)
			msg := ev.Name + ": " + ev.JobID
			if kind, ok := ev.Data["kind"]; ok {
				scope.SetTag("kind", fmt.Sprint(kind))
			}
			if reason, ok := ev.Data["reason"].(string); ok && reason != "" {
				msg = reason
			}
			sentry.CaptureMessage(msg)
		})
	})

	return func() {
		unsub()
		sentry.Flush(2 * time.Second)
	}, nil
}
