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

package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alephauto/internal/store"
)

type fixedCount int

func (f fixedCount) Count() int { return int(f) }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCheckHealthy(t *testing.T) {
	c := New(newTestStore(t), fixedCount(3), "1.2.3", "", 0)

	report := c.Check(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("status = %s, probes = %+v", report.Status, report.Probes)
	}
	if report.Version != "1.2.3" {
		t.Errorf("version = %s", report.Version)
	}
	if report.Subscribers != 3 {
		t.Errorf("subscribers = %d", report.Subscribers)
	}
	if len(report.Probes) != 1 || report.Probes[0].Name != "store" {
		t.Errorf("probes = %+v", report.Probes)
	}
}

func TestCheckMissingSecretCacheDegrades(t *testing.T) {
	c := New(newTestStore(t), nil, "dev", filepath.Join(t.TempDir(), "absent.json"), time.Hour)

	report := c.Check(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %s", report.Status)
	}
	if len(report.Probes) != 2 {
		t.Fatalf("probes = %+v", report.Probes)
	}
	if report.Probes[1].OK {
		t.Error("secret cache probe passed for a missing file")
	}
}

func TestCheckStaleSecretCacheDegrades(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	c := New(newTestStore(t), nil, "dev", path, 24*time.Hour)
	report := c.Check(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %s", report.Status)
	}
}

func TestCheckFreshSecretCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := New(newTestStore(t), nil, "dev", path, 24*time.Hour)
	report := c.Check(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("status = %s, probes = %+v", report.Status, report.Probes)
	}
}
