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

package api

import (
	"errors"
	"log/slog"
	"net/http"

	"alephauto/internal/ctxkeys"
	"alephauto/internal/registry"
	"alephauto/internal/reports"
	"alephauto/internal/scheduler"
	"alephauto/internal/store"
	"alephauto/pkg/models"
)

// errorBody is the wire shape of every API failure: the error kind, a short
// human message, and the request's correlation id. Stack traces never leave
// the process.
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError maps kind to its HTTP status and writes the standard body.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind models.ErrorKind, message string) {
	writeJSON(w, status, errorBody{
		Error:         string(kind),
		Message:       message,
		CorrelationID: ctxkeys.GetCorrelationID(r.Context()),
	})
}

// writeDomainError classifies err against the known sentinels. Unmatched
// errors are logged with the correlation id and surfaced as a 500 without
// internal detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, models.KindNotFound, "no such job")
	case errors.Is(err, registry.ErrUnknownPipeline):
		writeError(w, r, http.StatusNotFound, models.KindUnknownPipeline, err.Error())
	case errors.Is(err, scheduler.ErrNotCancellable):
		writeError(w, r, http.StatusConflict, models.KindNotCancellable, err.Error())
	case errors.Is(err, reports.ErrInvalidName):
		writeError(w, r, http.StatusBadRequest, models.KindValidation, "invalid report filename")
	case errors.Is(err, reports.ErrNotFound):
		writeError(w, r, http.StatusNotFound, models.KindNotFound, "no such report")
	case errors.Is(err, store.ErrDuplicateID):
		// Enqueue regenerates ids; reaching here means regeneration lost
		// three races in a row.
		writeError(w, r, http.StatusConflict, models.KindDuplicateID, "job id collision, retry the request")
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"correlation_id", ctxkeys.GetCorrelationID(r.Context()),
			"error", err)
		writeError(w, r, http.StatusInternalServerError, models.KindStorage, "internal error")
	}
}
