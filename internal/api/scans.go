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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"alephauto/internal/pipelines"
	"alephauto/pkg/models"
)

// scanStartRequest is the single-repository scan trigger body.
type scanStartRequest struct {
	RepositoryPath string `json:"repositoryPath"`
	Options        struct {
		ForceRefresh bool `json:"forceRefresh"`
	} `json:"options"`
}

// scanStartMultiRequest is the multi-repository scan trigger body.
type scanStartMultiRequest struct {
	RepositoryPaths []string `json:"repositoryPaths"`
	GroupName       string   `json:"groupName"`
}

type scanCreatedResponse struct {
	JobID      string `json:"job_id"`
	StatusURL  string `json:"status_url"`
	ResultsURL string `json:"results_url"`
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	var req scanStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, models.KindValidation, err.Error())
		return
	}
	if req.RepositoryPath == "" {
		writeError(w, r, http.StatusBadRequest, models.KindValidation, "repositoryPath is required and must be a non-empty string")
		return
	}

	if req.Options.ForceRefresh {
		s.cache.Invalidate(r.Context(), "scans:*")
	}

	data, _ := json.Marshal(req)
	s.createScanJob(w, r, pipelines.DuplicateDetection, data)
}

func (s *Server) handleScanStartMulti(w http.ResponseWriter, r *http.Request) {
	var req scanStartMultiRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, models.KindValidation, err.Error())
		return
	}
	if len(req.RepositoryPaths) < 2 {
		writeError(w, r, http.StatusBadRequest, models.KindValidation, "repositoryPaths must contain at least two paths")
		return
	}
	for _, p := range req.RepositoryPaths {
		if p == "" {
			writeError(w, r, http.StatusBadRequest, models.KindValidation, "repositoryPaths entries must be non-empty strings")
			return
		}
	}

	data, _ := json.Marshal(req)
	s.createScanJob(w, r, pipelines.MultiRepoScan, data)
}

func (s *Server) createScanJob(w http.ResponseWriter, r *http.Request, pipelineID string, data json.RawMessage) {
	job := models.NewJob(pipelineID, data, time.Now().UTC())
	if err := s.sched.Enqueue(r.Context(), job); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scanCreatedResponse{
		JobID:      job.ID,
		StatusURL:  fmt.Sprintf("/api/scans/%s/status", job.ID),
		ResultsURL: fmt.Sprintf("/api/scans/%s/results", job.ID),
	})
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "scanID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	body := map[string]any{
		"scan_id":    job.ID,
		"pipeline":   job.PipelineID,
		"status":     job.Status,
		"attempt":    job.Attempt,
		"created_at": job.CreatedAt,
	}
	if job.StartedAt != nil {
		body["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		body["completed_at"] = job.CompletedAt
	}
	if job.Error != nil {
		body["error"] = map[string]any{
			"kind":    job.Error.Kind,
			"message": job.Error.Message,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "full"
	}
	if format != "full" && format != "summary" {
		writeError(w, r, http.StatusBadRequest, models.KindValidation, "format must be summary or full")
		return
	}

	cacheKey := fmt.Sprintf("scans:results:%s:%s", scanID, format)
	if cached, ok := s.cache.Get(r.Context(), cacheKey); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	job, err := s.store.GetJob(r.Context(), scanID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	body := map[string]any{
		"scan_id": job.ID,
		"status":  job.Status,
	}
	if job.Result != nil {
		if format == "summary" {
			body["summary"] = resultSummary(job.Result)
		} else {
			body["results"] = job.Result
		}
	}
	if job.Error != nil {
		body["error"] = map[string]any{
			"kind":    job.Error.Kind,
			"message": job.Error.Message,
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	// Only terminal results are worth caching; running jobs change.
	if job.Status.Terminal() {
		s.cache.Set(r.Context(), cacheKey, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(encoded)
}

// resultSummary projects the worker result down to its summary fields when
// present, falling back to the full result for workers that do not emit a
// summary section.
func resultSummary(result json.RawMessage) json.RawMessage {
	var probe struct {
		Summary json.RawMessage `json:"summary"`
	}
	if err := json.Unmarshal(result, &probe); err == nil && len(probe.Summary) > 0 {
		return probe.Summary
	}
	return result
}

func (s *Server) handleScansRecent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if val := r.URL.Query().Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, models.KindValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.store.RecentJobs(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scans": jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleScanStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GlobalStats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totals": stats.Counts,
		"averages": map[string]any{
			"durationSeconds": stats.AvgDurationSecs,
		},
	})
}

func (s *Server) handleScanCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.sched.Cancel(r.Context(), jobID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.cache.Invalidate(r.Context(), fmt.Sprintf("scans:results:%s:*", jobID))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("job %s cancelled", jobID),
	})
}
