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

// Package gracefulshutdown coordinates orderly process termination: a
// signal-cancelled context, a wait group for server goroutines, and
// shutdown hooks for resources that must drain before exit (the VM pool in
// particular — leaked domains outlive the process).
package gracefulshutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// hookDeadline bounds how long the shutdown hooks may take in total.
// Draining a full pool destroys several domains, so this is generous.
const hookDeadline = 2 * time.Minute

// GracefulShutdown holds the context, wait group, and shutdown hooks of
// one process.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        *sync.WaitGroup

	// ready is closed by Ready(), signaling that all Add() calls have been
	// made. This prevents a race between WaitGroup.Add() and Wait().
	ready chan struct{}

	mu    sync.Mutex
	hooks []func(context.Context)

	// exitFunc allows injecting exit behavior for testing.
	exitFunc func(int)
}

// NewWithExit creates a GracefulShutdown with a custom exit function.
// Primarily useful for testing, where os.Exit would kill the test process.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		wg:       &sync.WaitGroup{},
		ready:    make(chan struct{}),
		exitFunc: exitFunc,
	}

	// Ensure Shutdown runs at least once when the context is done, whether
	// or not Ready was ever called.
	go func() {
		select {
		case <-gs.ready:
			<-ctx.Done()
			gs.Shutdown(0)
		case <-ctx.Done():
			slog.Warn("context cancelled before Ready() was called, shutting down anyway")
			gs.Shutdown(0)
		}
	}()

	return gs
}

// New creates a GracefulShutdown whose context is cancelled by SIGTERM or
// SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// OnShutdown registers a hook to run during Shutdown, after the context is
// cancelled and all wait group members have finished. Hooks run in reverse
// registration order, so dependents drain before their dependencies.
func (s *GracefulShutdown) OnShutdown(hook func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Shutdown terminates the process gracefully: cancel the context, wait for
// the wait group, run the hooks, exit. Idempotent.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.InfoContext(s.ctx, fmt.Sprintf("gracefully shutting down %s", s.name))

		s.cancel()
		s.wg.Wait()

		hookCtx, cancel := context.WithTimeout(context.Background(), hookDeadline)
		defer cancel()

		s.mu.Lock()
		hooks := append([]func(context.Context){}, s.hooks...)
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i](hookCtx)
		}

		s.exitFunc(exitCode)
	})
}

// Context returns the signal-cancelled context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the context's cancel function.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the wait group tracked by Shutdown.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Ready signals that all WaitGroup.Add() calls have been made. Safe to call
// multiple times; only the first call has any effect.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
