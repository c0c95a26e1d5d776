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
	"log/slog"

	"alephauto/internal/bus"
	"alephauto/pkg/auth"
	"alephauto/pkg/models"
)

// busHandle owns the event bus and the always-on log sink.
type busHandle struct {
	bus   *bus.Bus
	unsub func()
}

// newBusHandle creates the bus with a sink that mirrors lifecycle events
// into the structured log. Progress events stay at debug to keep serve
// logs readable.
func newBusHandle(logger *slog.Logger) *busHandle {
	b := bus.New()
	unsub := b.Subscribe("log", 0, func(ev models.Event) {
		attrs := []any{
			"event", ev.Name,
			"job_id", ev.JobID,
			"pipeline", ev.PipelineID,
		}
		switch {
		case ev.Name == models.EventJobProgress:
			logger.Debug("job event", attrs...)
		case ev.Level == models.LevelError:
			logger.Error("job event", attrs...)
		case ev.Level == models.LevelWarn:
			logger.Warn("job event", attrs...)
		default:
			logger.Info("job event", attrs...)
		}
	})
	return &busHandle{bus: b, unsub: unsub}
}

func hashToken(token string) (string, error) {
	return auth.HashToken(token)
}
