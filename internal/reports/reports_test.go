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

package reports

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "reports"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

func writeReport(t *testing.T, s *Service, name, body string, modified time.Time) {
	t.Helper()
	path := filepath.Join(s.Dir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	if !modified.IsZero() {
		if err := os.Chtimes(path, modified, modified); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

func TestNewCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "reports")
	if _, err := New(dir); err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestService(t)
	base := time.Now().Add(-time.Hour)
	writeReport(t, s, "duplicate-detection-20260301-120000.html", "<html/>", base)
	writeReport(t, s, "git-activity-20260302-120000.md", "# report", base.Add(time.Minute))
	writeReport(t, s, "repomix-20260303-120000.json", "{}", base.Add(2*time.Minute))

	list, total, err := s.List(ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(list) != 3 {
		t.Fatalf("total=%d len=%d", total, len(list))
	}
	if list[0].Filename != "repomix-20260303-120000.json" {
		t.Errorf("newest first violated: %s", list[0].Filename)
	}
	if list[0].Format != "json" || list[0].Type != "repomix" {
		t.Errorf("metadata: %+v", list[0])
	}
}

func TestListFilters(t *testing.T) {
	s := newTestService(t)
	writeReport(t, s, "duplicate-detection-20260301-120000.html", "<html/>", time.Time{})
	writeReport(t, s, "duplicate-detection-20260301-120000.json", "{}", time.Time{})
	writeReport(t, s, "git-activity-20260301-120000.html", "<html/>", time.Time{})

	byFormat, total, err := s.List(ListOptions{Format: "html"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Errorf("total should be unfiltered, got %d", total)
	}
	if len(byFormat) != 2 {
		t.Errorf("html filter matched %d", len(byFormat))
	}

	byType, _, err := s.List(ListOptions{Type: "duplicate-detection"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("type filter matched %d", len(byType))
	}

	limited, _, err := s.List(ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestListSkipsDirectories(t *testing.T) {
	s := newTestService(t)
	if err := os.Mkdir(filepath.Join(s.Dir(), "archive"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeReport(t, s, "repomix-20260301-120000.json", "{}", time.Time{})

	list, total, err := s.List(ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Errorf("directories leaked into listing: total=%d", total)
	}
}

func TestListAttachesSummaryCompanions(t *testing.T) {
	s := newTestService(t)
	writeReport(t, s, "duplicate-detection-20260301-120000.html", "<html/>", time.Time{})
	writeReport(t, s, "duplicate-detection-20260301-120000-summary.md", "# summary", time.Time{})
	writeReport(t, s, "orphan-summary.md", "# no parent", time.Time{})

	list, total, err := s.List(ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// The companion folds into its parent; the orphan stays standalone.
	if total != 2 || len(list) != 2 {
		t.Fatalf("total=%d len=%d list=%+v", total, len(list), list)
	}
	byName := map[string]Report{}
	for _, r := range list {
		byName[r.Filename] = r
	}
	parent, ok := byName["duplicate-detection-20260301-120000.html"]
	if !ok {
		t.Fatalf("parent missing from %+v", list)
	}
	if parent.Summary != "duplicate-detection-20260301-120000-summary.md" {
		t.Errorf("summary = %q", parent.Summary)
	}
	if orphan := byName["orphan-summary.md"]; orphan.Summary != "" {
		t.Errorf("orphan gained a summary: %+v", orphan)
	}
}

func TestOpenContentType(t *testing.T) {
	s := newTestService(t)
	writeReport(t, s, "repomix-20260301-120000.json", "{}", time.Time{})
	writeReport(t, s, "notes.xyz", "?", time.Time{})

	_, ct, err := s.Open("repomix-20260301-120000.json")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ct != "application/json" {
		t.Errorf("content type = %s", ct)
	}

	_, ct, err = s.Open("notes.xyz")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ct != "application/octet-stream" {
		t.Errorf("fallback content type = %s", ct)
	}
}

func TestOpenMissing(t *testing.T) {
	s := newTestService(t)
	if _, _, err := s.Open("absent.html"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestService(t)
	writeReport(t, s, "repomix-20260301-120000.json", "{}", time.Time{})

	if err := s.Delete("repomix-20260301-120000.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("repomix-20260301-120000.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	s := newTestService(t)
	hostile := []string{
		"",
		"../etc/passwd",
		"..\\windows\\system32",
		"a/b.html",
		"a\\b.html",
		"..",
		".hidden",
		"report..html",
	}
	for _, name := range hostile {
		if _, _, err := s.Open(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Open(%q) = %v, want ErrInvalidName", name, err)
		}
		if err := s.Delete(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Delete(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		filename, want string
	}{
		{"duplicate-detection-20260301-120000.html", "duplicate-detection"},
		{"repomix-20260301.json", "repomix"},
		{"plain.md", "plain"},
		{"20260301-report.html", ""},
	}
	for _, tt := range tests {
		if got := typeOf(tt.filename); got != tt.want {
			t.Errorf("typeOf(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
