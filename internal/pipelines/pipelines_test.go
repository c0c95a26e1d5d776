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

package pipelines

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"alephauto/internal/registry"
	"alephauto/internal/runner"
	"alephauto/pkg/models"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		ScriptsDir: t.TempDir(),
		Resolver:   &runner.InterpreterResolver{Override: "/bin/sh"},
	}
}

func TestRegisterAll(t *testing.T) {
	reg := registry.New()
	if err := RegisterAll(reg, testOptions(t)); err != nil {
		t.Fatalf("register all: %v", err)
	}
	reg.Seal()

	want := []string{
		DocEnhancement,
		DuplicateDetection,
		EnvironmentHealth,
		GitActivity,
		MultiRepoScan,
		RepoCleanup,
		Repomix,
	}
	ids := reg.IDs()
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}

	desc, err := reg.Resolve(DuplicateDetection)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.TimeoutPerFile != 100*time.Millisecond {
		t.Errorf("timeout per file = %s", desc.TimeoutPerFile)
	}
	if desc.CronEnv != "DUPLICATE_DETECTION_CRON_SCHEDULE" {
		t.Errorf("cron env = %s", desc.CronEnv)
	}
}

func TestRequireRepositoryPath(t *testing.T) {
	reg := registry.New()
	if err := RegisterAll(reg, testOptions(t)); err != nil {
		t.Fatalf("register all: %v", err)
	}
	desc, err := reg.Resolve(DuplicateDetection)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cases := []struct {
		name    string
		data    json.RawMessage
		wantErr bool
	}{
		{"valid", json.RawMessage(`{"repositoryPath":"/srv/repo"}`), false},
		{"empty payload", nil, true},
		{"empty path", json.RawMessage(`{"repositoryPath":""}`), true},
		{"malformed json", json.RawMessage(`{broken`), true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			job := models.NewJob(DuplicateDetection, tt.data, time.Now())
			_, err := desc.Factory(job)
			if (err != nil) != tt.wantErr {
				t.Errorf("factory err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequireRepositoryPaths(t *testing.T) {
	reg := registry.New()
	if err := RegisterAll(reg, testOptions(t)); err != nil {
		t.Fatalf("register all: %v", err)
	}
	desc, err := reg.Resolve(MultiRepoScan)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cases := []struct {
		name    string
		data    json.RawMessage
		wantErr bool
	}{
		{"two paths", json.RawMessage(`{"repositoryPaths":["/a","/b"]}`), false},
		{"one path", json.RawMessage(`{"repositoryPaths":["/a"]}`), true},
		{"empty entry", json.RawMessage(`{"repositoryPaths":["/a",""]}`), true},
		{"no payload", nil, true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			job := models.NewJob(MultiRepoScan, tt.data, time.Now())
			_, err := desc.Factory(job)
			if (err != nil) != tt.wantErr {
				t.Errorf("factory err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMatchesFactoryContract(t *testing.T) {
	reg := registry.New()
	if err := RegisterAll(reg, testOptions(t)); err != nil {
		t.Fatalf("register all: %v", err)
	}
	desc, err := reg.Resolve(RepoCleanup)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.Validate == nil {
		t.Fatal("repository pipeline has no payload validator")
	}
	if err := desc.Validate(json.RawMessage(`{"trigger":"cron"}`)); err == nil {
		t.Error("bare trigger payload accepted")
	}
	if err := desc.Validate(json.RawMessage(`{"repositoryPath":"/srv/repo"}`)); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
}

func TestDefaultRepositoryPathSatisfiesCron(t *testing.T) {
	opts := testOptions(t)
	opts.DefaultRepositoryPath = "/srv/repo"
	reg := registry.New()
	if err := RegisterAll(reg, opts); err != nil {
		t.Fatalf("register all: %v", err)
	}

	for _, id := range []string{DuplicateDetection, DocEnhancement, RepoCleanup, Repomix} {
		desc, err := reg.Resolve(id)
		if err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
		if len(desc.CronPayload) == 0 {
			t.Fatalf("%s has no cron payload", id)
		}

		// A cron trigger merges the descriptor parameters with its marker;
		// the result must pass both the validator and the factory.
		var params map[string]any
		if err := json.Unmarshal(desc.CronPayload, &params); err != nil {
			t.Fatalf("cron payload for %s: %v", id, err)
		}
		params["trigger"] = "cron"
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		if err := desc.Validate(data); err != nil {
			t.Errorf("%s: cron payload rejected by validator: %v", id, err)
		}
		job := models.NewJob(id, data, time.Now())
		if _, err := desc.Factory(job); err != nil {
			t.Errorf("%s: cron payload rejected by factory: %v", id, err)
		}
	}
}

func TestEnvironmentHealthWorker(t *testing.T) {
	opts := testOptions(t)
	reg := registry.New()
	if err := RegisterAll(reg, opts); err != nil {
		t.Fatalf("register all: %v", err)
	}
	desc, err := reg.Resolve(EnvironmentHealth)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	job := models.NewJob(EnvironmentHealth, nil, time.Now())
	worker, err := desc.Factory(job)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	result, err := worker.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var out struct {
		Healthy bool `json:"healthy"`
		Checks  []struct {
			Name string `json:"name"`
			OK   bool   `json:"ok"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Healthy {
		t.Errorf("expected healthy environment: %s", result)
	}
	if len(out.Checks) != 2 {
		t.Errorf("checks = %+v", out.Checks)
	}
}

func TestEnvironmentHealthUnhealthy(t *testing.T) {
	opts := Options{
		ScriptsDir: "/definitely/not/a/dir",
		Resolver:   &runner.InterpreterResolver{Override: "/bin/sh"},
	}
	reg := registry.New()
	if err := RegisterAll(reg, opts); err != nil {
		t.Fatalf("register all: %v", err)
	}
	desc, _ := reg.Resolve(EnvironmentHealth)
	job := models.NewJob(EnvironmentHealth, nil, time.Now())
	worker, err := desc.Factory(job)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	result, err := worker.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var out struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Healthy {
		t.Error("missing scripts dir reported healthy")
	}
}
