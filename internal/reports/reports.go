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

// Package reports serves worker-produced artifacts from a single bounded
// directory. Filenames never escape the root: anything containing a path
// separator or traversal segment is rejected before touching the disk.
package reports

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidName indicates a filename with traversal or separator
	// segments.
	ErrInvalidName = errors.New("reports: invalid report filename")
	// ErrNotFound indicates the named report does not exist.
	ErrNotFound = errors.New("reports: report not found")
)

// formatExtensions maps the list-filter formats to filename extensions.
var formatExtensions = map[string][]string{
	"html":     {".html", ".htm"},
	"markdown": {".md", ".markdown"},
	"json":     {".json"},
}

// contentTypes maps extensions to the Content-Type served for downloads.
var contentTypes = map[string]string{
	".html":     "text/html; charset=utf-8",
	".htm":      "text/html; charset=utf-8",
	".md":       "text/markdown; charset=utf-8",
	".markdown": "text/markdown; charset=utf-8",
	".json":     "application/json",
	".txt":      "text/plain; charset=utf-8",
	".csv":      "text/csv; charset=utf-8",
}

// Report is one artifact's metadata as returned by List.
type Report struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Format     string    `json:"format,omitempty"`
	Type       string    `json:"type,omitempty"`
	// Summary names the companion "<base>-summary.md" file when one exists.
	Summary string `json:"summary,omitempty"`
}

// ListOptions filters and bounds a report listing.
type ListOptions struct {
	Limit  int    // default 20
	Format string // html, markdown, json; empty for all
	Type   string // filename prefix, e.g. "duplicate-detection"
}

// Service provides list/read/delete over the reports directory.
type Service struct {
	root string
}

// New returns a service rooted at dir, creating it if absent.
func New(dir string) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}
	return &Service{root: dir}, nil
}

// Dir returns the bounded root directory.
func (s *Service) Dir() string { return s.root }

// List returns report metadata newest-first, plus the unfiltered total.
func (s *Service) List(opts ListOptions) ([]Report, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, 0, fmt.Errorf("read reports dir: %w", err)
	}

	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names[entry.Name()] = true
		}
	}

	var all []Report
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		// Summary companions ride along with their parent report instead of
		// appearing as standalone entries.
		if parent := summaryParent(name, names); parent != "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		r := Report{
			Filename:   name,
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
			Format:     formatOf(name),
			Type:       typeOf(name),
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if companion := base + "-summary.md"; names[companion] {
			r.Summary = companion
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ModifiedAt.Equal(all[j].ModifiedAt) {
			return all[i].ModifiedAt.After(all[j].ModifiedAt)
		}
		return all[i].Filename < all[j].Filename
	})
	total := len(all)

	var filtered []Report
	for _, r := range all {
		if opts.Format != "" && r.Format != opts.Format {
			continue
		}
		if opts.Type != "" && r.Type != opts.Type {
			continue
		}
		filtered = append(filtered, r)
		if len(filtered) >= opts.Limit {
			break
		}
	}
	return filtered, total, nil
}

// Open validates filename and returns its full path plus content type.
func (s *Service) Open(filename string) (path, contentType string, err error) {
	path, err = s.resolve(filename)
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return "", "", fmt.Errorf("stat report: %w", err)
	}
	ct := contentTypes[strings.ToLower(filepath.Ext(filename))]
	if ct == "" {
		ct = "application/octet-stream"
	}
	return path, ct, nil
}

// Delete removes the named report.
func (s *Service) Delete(filename string) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return fmt.Errorf("delete report: %w", err)
	}
	return nil
}

// resolve rejects traversal and confines filename to the root.
func (s *Service) resolve(filename string) (string, error) {
	if filename == "" ||
		strings.Contains(filename, "/") ||
		strings.Contains(filename, "\\") ||
		strings.Contains(filename, "..") ||
		strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	path := filepath.Join(s.root, filename)
	// Join cleans the path; a result outside the root means the name was
	// hostile in a way the checks above missed.
	if filepath.Dir(path) != filepath.Clean(s.root) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	return path, nil
}

func formatOf(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	for format, exts := range formatExtensions {
		for _, e := range exts {
			if ext == e {
				return format
			}
		}
	}
	return ""
}

// typeOf extracts the pipeline-style prefix from names like
// "duplicate-detection-20260301-120000.html": everything before the first
// timestamp-looking segment.
func typeOf(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	parts := strings.Split(base, "-")
	var kept []string
	for _, p := range parts {
		if len(p) >= 8 && isDigits(p) {
			break
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "-")
}

// summaryParent returns the parent report filename when name is a
// "<base>-summary.md" companion of an existing report, else "".
func summaryParent(name string, names map[string]bool) string {
	base, ok := strings.CutSuffix(name, "-summary.md")
	if !ok {
		return ""
	}
	for ext := range contentTypes {
		if parent := base + ext; names[parent] {
			return parent
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
