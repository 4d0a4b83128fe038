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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/warden-vm/warden/pkg/executor"
	"github.com/warden-vm/warden/pkg/vmm"
)

var (
	ErrAcquireVM = errors.New("acquiring vm from pool")
	ErrExecute   = errors.New("executing code")
)

// vmPool abstracts the pool for the API handler.
type vmPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*vmm.VM, error)
	Release(ctx context.Context, vm *vmm.VM) error
}

// codeExecutor abstracts the executor for the API handler.
type codeExecutor interface {
	Execute(
		ctx context.Context,
		vm *vmm.VM,
		code string,
		workspaceDir string,
		timeout time.Duration,
	) (*executor.ExecutionResult, error)
}

// workspaceResolver maps a VM to its host-side workspace directory.
type workspaceResolver func(vmName string) string

// executeRequest is the body of POST /v1/execute.
type executeRequest struct {
	Code           string  `json:"code"`
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty"`
}

// executeResponse is the body returned by POST /v1/execute.
type executeResponse struct {
	Success         bool           `json:"success"`
	ExitCode        int            `json:"exitCode"`
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr"`
	DurationSeconds float64        `json:"durationSeconds"`
	Output          map[string]any `json:"output,omitempty"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type apiHandler struct {
	pool           vmPool
	executor       codeExecutor
	workspace      workspaceResolver
	acquireTimeout time.Duration
}

// setupAPIServer creates the HTTP server exposing the execution API.
func setupAPIServer(
	config *Config,
	p vmPool,
	exec codeExecutor,
	workspace workspaceResolver,
) *http.Server {
	h := &apiHandler{
		pool:           p,
		executor:       exec,
		workspace:      workspace,
		acquireTimeout: config.acquireTimeout(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/execute", h.handleExecute)

	return &http.Server{ //nolint:exhaustruct
		Addr:    fmt.Sprintf(":%d", config.APIServer.Port),
		Handler: mux,
	}
}

func (h *apiHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))

		return
	}

	vm, err := h.pool.Acquire(ctx, h.acquireTimeout)
	if err != nil {
		writeError(ctx, w, http.StatusServiceUnavailable, errors.Join(err, ErrAcquireVM))

		return
	}

	defer func() {
		if err := h.pool.Release(context.WithoutCancel(ctx), vm); err != nil {
			slog.ErrorContext(ctx, "releasing vm", "vm", vm.Name, "error", err.Error())
		}
	}()

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))

	result, err := h.executor.Execute(ctx, vm, req.Code, h.workspace(vm.Name), timeout)
	if err != nil {
		writeError(ctx, w, http.StatusUnprocessableEntity, errors.Join(err, ErrExecute))

		return
	}

	writeJSON(ctx, w, http.StatusOK, executeResponse{
		Success:         result.Success,
		ExitCode:        result.ExitCode,
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		DurationSeconds: result.Duration.Seconds(),
		Output:          result.Output,
	})
}

func writeError(ctx context.Context, w http.ResponseWriter, code int, err error) {
	slog.ErrorContext(ctx, "execute request failed", "error", err.Error())

	writeJSON(ctx, w, code, errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "encoding response", "error", err.Error())
	}
}
