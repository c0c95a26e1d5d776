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

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// InterpreterResolver discovers the subprocess interpreter lazily at first
// use. Discovery order: explicit override, local virtual environment,
// system interpreter. The result (or failure) is cached for the process
// lifetime.
type InterpreterResolver struct {
	// Override short-circuits discovery when non-empty.
	Override string

	// VenvDir is the directory searched for a local virtual environment;
	// defaults to ".venv" in the working directory.
	VenvDir string

	once sync.Once
	path string
	err  error
}

// Path returns the interpreter path, performing discovery on first call.
func (r *InterpreterResolver) Path() (string, error) {
	r.once.Do(func() {
		r.path, r.err = r.discover()
	})
	return r.path, r.err
}

func (r *InterpreterResolver) discover() (string, error) {
	if r.Override != "" {
		if _, err := os.Stat(r.Override); err != nil {
			return "", fmt.Errorf("interpreter override %q: %w", r.Override, err)
		}
		return r.Override, nil
	}

	venv := r.VenvDir
	if venv == "" {
		venv = ".venv"
	}
	candidate := filepath.Join(venv, "bin", "python3")
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, nil
	}

	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found (override, %s, or PATH)", candidate)
}
