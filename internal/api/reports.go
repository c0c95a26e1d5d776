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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"alephauto/internal/reports"
	"alephauto/pkg/models"
)

func (s *Server) handleReportsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := reports.ListOptions{
		Format: q.Get("format"),
		Type:   q.Get("type"),
	}
	if opts.Format != "" && opts.Format != "html" && opts.Format != "markdown" && opts.Format != "json" {
		writeError(w, r, http.StatusBadRequest, models.KindValidation, "format must be html, markdown, or json")
		return
	}
	if val := q.Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, models.KindValidation, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}

	list, total, err := s.reports.List(opts)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []reports.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": list,
		"total":   total,
	})
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	path, contentType, err := s.reports.Open(chi.URLParam(r, "filename"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, path)
}

func (s *Server) handleReportDelete(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	if err := s.reports.Delete(filename); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "report deleted",
	})
}
