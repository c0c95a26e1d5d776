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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"alephauto/pkg/models"
)

// warnPrefixes mark stderr lines that become warn-level progress events.
var warnPrefixes = []string{"WARNING", "WARN:"}

// Subprocess runs a pipeline script as a managed child process.
//
// Contract: the job payload plus environment context is written to the
// child's stdin as one JSON document; the child writes one JSON document
// (the result) to stdout and streams diagnostics to stderr. Termination is
// cooperative: on cancellation or timeout the child receives SIGTERM and is
// killed after the grace period.
type Subprocess struct {
	// Script is the path to the script executed by the interpreter.
	Script string

	// Args are appended after the script path.
	Args []string

	// Resolver locates the interpreter; required.
	Resolver *InterpreterResolver

	// Dir is the working directory; empty inherits the parent's.
	Dir string

	// Env entries appended to the child environment (KEY=VALUE).
	Env []string

	// Grace is how long the child gets between SIGTERM and SIGKILL.
	Grace time.Duration
}

// stdinDoc is the single JSON document handed to the child.
type stdinDoc struct {
	JobID      string          `json:"jobId"`
	PipelineID string          `json:"pipelineId"`
	Attempt    int             `json:"attempt"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Run executes the script for one attempt.
//
// Outcome matrix:
//   - exit 0, parseable stdout: success
//   - exit 0, unparseable stdout: output_parse_error (non-retryable)
//   - signal termination, parseable stdout: success
//   - signal termination, no usable stdout: retryable
//   - non-zero exit: kind derived from stderr classification
func (p *Subprocess) Run(ctx context.Context, job *models.Job, progress ProgressFunc) (json.RawMessage, error) {
	interp, err := p.Resolver.Path()
	if err != nil {
		// Interpreter discovery failures are environmental, worth a retry
		// once the environment is repaired.
		return nil, &models.JobError{Kind: models.KindRetryable, Message: err.Error(), Retryable: true}
	}

	input, err := json.Marshal(stdinDoc{
		JobID:      job.ID,
		PipelineID: job.PipelineID,
		Attempt:    job.Attempt,
		Data:       job.Data,
	})
	if err != nil {
		return nil, &models.JobError{Kind: models.KindValidation, Message: fmt.Sprintf("encode stdin: %v", err)}
	}

	grace := p.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	args := append([]string{p.Script}, p.Args...)
	cmd := exec.CommandContext(ctx, interp, args...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	// Stderr goes through an in-process pipe: Wait drains the child side
	// before returning, and closing the writer afterwards lets the scanner
	// finish, so the tail is complete before classification.
	stderrR, stderrW := io.Pipe()
	cmd.Stderr = stderrW

	// Cooperative termination: SIGTERM on ctx cancellation, SIGKILL after
	// the grace window.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		if models.MessageLooksTransient(err.Error()) || errors.Is(err, exec.ErrNotFound) {
			return nil, &models.JobError{Kind: models.KindRetryable, Message: err.Error(), Retryable: true}
		}
		return nil, &models.JobError{Kind: models.KindWorker, Message: fmt.Sprintf("start %s: %v", p.Script, err)}
	}

	var stderrTail []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrR)
		scanner.Buffer(make([]byte, 64*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if isWarnLine(line) && progress != nil {
				progress(-1, strings.TrimSpace(line), models.LevelWarn)
			}
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > 50 {
				stderrTail = stderrTail[1:]
			}
		}
	}()

	waitErr := cmd.Wait()
	stderrW.Close()
	wg.Wait()

	out := bytes.TrimSpace(stdout.Bytes())
	result, parseErr := parseResult(out)

	if waitErr == nil {
		if parseErr != nil {
			return nil, &models.JobError{
				Kind:    models.KindOutputParse,
				Message: fmt.Sprintf("worker exited 0 with unparseable stdout: %v", parseErr),
			}
		}
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		ws, _ := exitErr.Sys().(syscall.WaitStatus)
		if ws.Signaled() {
			// A worker that produced a complete structured result before
			// termination is treated as success.
			if parseErr == nil {
				return result, nil
			}
			kind := models.KindRetryable
			msg := fmt.Sprintf("terminated by signal %s", ws.Signal())
			if ctx.Err() == context.DeadlineExceeded {
				kind = models.KindTimeout
				msg = "attempt timed out: " + msg
			}
			return nil, &models.JobError{Kind: kind, Message: msg, Retryable: true}
		}

		// Deterministic non-zero exit unless stderr matches transient
		// heuristics (interpreter ENOENT, EAGAIN, network timeouts).
		tail := strings.Join(stderrTail, "\n")
		if models.MessageLooksTransient(tail) {
			return nil, &models.JobError{
				Kind:      models.KindRetryable,
				Message:   fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), lastLine(stderrTail)),
				Retryable: true,
			}
		}
		return nil, &models.JobError{
			Kind:    models.KindWorker,
			Message: fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), lastLine(stderrTail)),
			Stack:   tail,
		}
	}

	return nil, &models.JobError{Kind: models.KindWorker, Message: waitErr.Error()}
}

func parseResult(out []byte) (json.RawMessage, error) {
	if len(out) == 0 {
		return nil, errors.New("empty stdout")
	}
	if !json.Valid(out) {
		return nil, errors.New("stdout is not valid JSON")
	}
	return json.RawMessage(out), nil
}

func isWarnLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range warnPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return "no stderr output"
}
