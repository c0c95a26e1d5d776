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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"alephauto/internal/store"
	"alephauto/pkg/models"
)

// handlePipelineJobs lists job history for one pipeline with pagination.
// The tab parameter is a UI alias for a status filter.
func (s *Server) handlePipelineJobs(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	q := r.URL.Query()

	opts := store.ListOptions{Limit: 20}
	if val := q.Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, models.KindValidation, "limit must be a positive integer")
			return
		}
		if n > store.MaxListLimit {
			n = store.MaxListLimit
		}
		opts.Limit = n
	}
	if val := q.Get("offset"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, models.KindValidation, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}

	statusFilter := q.Get("status")
	if statusFilter == "" {
		statusFilter = tabStatus(q.Get("tab"))
	}
	if statusFilter != "" {
		switch st := models.JobStatus(statusFilter); st {
		case models.StatusQueued, models.StatusRunning, models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
			opts.Status = st
		default:
			writeError(w, r, http.StatusBadRequest, models.KindValidation, "unknown status filter")
			return
		}
	}

	jobs, total, err := s.store.ListByPipeline(r.Context(), pipelineID, opts)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":    jobs,
		"total":   total,
		"hasMore": opts.Offset+len(jobs) < total,
	})
}

// tabStatus maps dashboard tab names to status filters.
func tabStatus(tab string) string {
	switch tab {
	case "active":
		return string(models.StatusRunning)
	case "queued":
		return string(models.StatusQueued)
	case "history":
		return ""
	default:
		return ""
	}
}

// triggerRequest is the generic pipeline trigger body.
type triggerRequest struct {
	Parameters json.RawMessage `json:"parameters"`
}

// handlePipelineTrigger enqueues a job for any registered pipeline.
// Payload contracts are enforced here, before a job exists; the worker
// factory re-checks at admission as a second line.
func (s *Server) handlePipelineTrigger(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	desc, err := s.reg.Resolve(pipelineID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var req triggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, models.KindValidation, err.Error())
		return
	}
	if len(req.Parameters) > 0 && !json.Valid(req.Parameters) {
		writeError(w, r, http.StatusBadRequest, models.KindValidation, "parameters must be a JSON object")
		return
	}
	if desc.Validate != nil {
		if err := desc.Validate(req.Parameters); err != nil {
			writeError(w, r, http.StatusBadRequest, models.KindValidation, err.Error())
			return
		}
	}

	job := models.NewJob(pipelineID, req.Parameters, time.Now().UTC())
	if err := s.sched.Enqueue(r.Context(), job); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"jobId":      job.ID,
		"pipelineId": pipelineID,
		"status":     job.Status,
	})
}
