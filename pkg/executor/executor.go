/*
Copyright 2025 The Warden Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package executor runs one code submission inside one sandbox VM under a
// deadline. Its safety contract: the VM's workspace share is cleaned up
// exactly once on every path out of Execute, success or not.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/warden-vm/warden/pkg/share"
	"github.com/warden-vm/warden/pkg/vmm"
)

var (
	// ErrExecution is the root of the executor error taxonomy.
	ErrExecution = errors.New("execution error")

	errInvalidTimeouts   = errors.New("default timeout must be positive and not exceed max timeout")
	errTimeoutOutOfRange = errors.New("timeout out of range")
	errEmptyCode         = errors.New("code must not be empty")
	errWorkspaceMissing  = errors.New("workspace directory does not exist")
	errOpenShare         = errors.New("failed to open workspace share")
	errInjectCode        = errors.New("failed to inject code into workspace")
	errExecutionTimeout  = errors.New("execution timed out")
	errReadResults       = errors.New("failed to read structured results")
	errParseResults      = errors.New("failed to parse structured results")
)

const (
	// codePath is where injected code lands inside the share.
	codePath = "input/agent.py"
	// resultsPath is the optional structured result file the guest may
	// write.
	resultsPath = "output/results.json"
)

// Runner triggers the in-VM execution step and returns its raw outcome. The
// production implementation sends CommandExecute over the wire protocol;
// tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, vm *vmm.VM, codePath string) (RunOutput, error)
}

// RunOutput is what the in-VM step reports back.
type RunOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Workspace is the slice of the share API the executor needs. ReadFile of a
// missing file must wrap share.ErrNotFound.
type Workspace interface {
	WriteFile(rel string, data []byte) error
	ReadFile(rel string) ([]byte, error)
	Cleanup() error
}

// ShareOpener opens the workspace share rooted at dir.
type ShareOpener func(dir string) (Workspace, error)

func defaultShareOpener(dir string) (Workspace, error) {
	return share.Open(dir)
}

// ExecutionResult is the outcome of one code submission. Success is true
// exactly when ExitCode is zero. Output carries the parsed structured
// result file when the guest wrote one, nil otherwise.
type ExecutionResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Output   map[string]any
}

// Executor orchestrates code injection, bounded execution, and result
// extraction for sandbox VMs.
type Executor struct {
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	runner         Runner
	openShare      ShareOpener
	log            logr.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithShareOpener substitutes the workspace share implementation. Used by
// tests.
func WithShareOpener(open ShareOpener) Option {
	return func(e *Executor) { e.openShare = open }
}

// New validates the timeout bounds and returns an Executor.
func New(
	log logr.Logger,
	runner Runner,
	defaultTimeout time.Duration,
	maxTimeout time.Duration,
	opts ...Option,
) (*Executor, error) {
	if defaultTimeout <= 0 || maxTimeout <= 0 || defaultTimeout > maxTimeout {
		return nil, errors.Join(
			fmt.Errorf("defaultTimeout=%s maxTimeout=%s", defaultTimeout, maxTimeout),
			errInvalidTimeouts,
			ErrExecution,
		)
	}
	e := &Executor{
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
		runner:         runner,
		openShare:      defaultShareOpener,
		log:            log.WithName("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs code inside vm with its workspace share rooted at workspace.
// A zero timeout selects the executor's default. All validation happens
// before any VM or filesystem interaction; once the share is open, its
// cleanup runs exactly once regardless of how Execute exits.
func (e *Executor) Execute(
	ctx context.Context,
	vm *vmm.VM,
	code string,
	workspace string,
	timeout time.Duration,
) (*ExecutionResult, error) {
	resolved := timeout
	if resolved == 0 {
		resolved = e.defaultTimeout
	}
	if resolved <= 0 || resolved > e.maxTimeout {
		return nil, errors.Join(
			fmt.Errorf("timeout=%s maxTimeout=%s", resolved, e.maxTimeout),
			errTimeoutOutOfRange,
			ErrExecution,
		)
	}
	if strings.TrimSpace(code) == "" {
		return nil, errors.Join(errEmptyCode, ErrExecution)
	}
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return nil, errors.Join(err, fmt.Errorf("workspace=%s", workspace), errWorkspaceMissing, ErrExecution)
	}

	ws, err := e.openShare(workspace)
	if err != nil {
		return nil, errors.Join(err, errOpenShare, ErrExecution)
	}
	defer func() {
		if cleanupErr := ws.Cleanup(); cleanupErr != nil {
			e.log.Error(cleanupErr, "workspace cleanup failed", "vmName", vm.Name, "workspace", workspace)
		}
	}()

	if err := ws.WriteFile(codePath, []byte(code)); err != nil {
		return nil, errors.Join(err, errInjectCode, ErrExecution)
	}

	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, resolved)
	defer cancel()

	out, err := e.runner.Run(runCtx, vm, codePath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Join(
				err,
				fmt.Errorf("vmName=%s timeout=%s", vm.Name, resolved),
				errExecutionTimeout,
				ErrExecution,
			)
		}
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", vm.Name), ErrExecution)
	}

	output, err := e.readResults(ws)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)

	e.log.V(1).Info("execution finished",
		"vmName", vm.Name,
		"exitCode", out.ExitCode,
		"duration", duration,
	)

	return &ExecutionResult{
		Success:  out.ExitCode == 0,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: duration,
		Output:   output,
	}, nil
}

// readResults loads the optional structured result file. A missing file is
// not an error; a present-but-unparseable one is.
func (e *Executor) readResults(ws Workspace) (map[string]any, error) {
	raw, err := ws.ReadFile(resultsPath)
	if err != nil {
		if errors.Is(err, share.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Join(err, errReadResults, ErrExecution)
	}

	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, errors.Join(err, errParseResults, ErrExecution)
	}
	return output, nil
}
