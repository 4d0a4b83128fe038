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

// Package httputil serves the daemon's HTTP surfaces (API, metrics,
// probes) under one graceful-shutdown lifecycle.
package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/warden-vm/warden/internal/util/gracefulshutdown"
)

type contextKey string

// serverNameContextKey carries the server's name ("api", "metrics",
// "probes") in its base context for log correlation.
const serverNameContextKey contextKey = "serverName"

// shutdownDeadline bounds the per-server graceful shutdown.
const shutdownDeadline = 1 * time.Minute

// Serve runs the given servers and ties them to the graceful shutdown: any
// server failing takes the process down, and context cancellation shuts
// every server down in place.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		name, server := name, server
		ctx := context.WithValue(gs.Context(), serverNameContextKey, name)

		server.BaseContext = func(_ net.Listener) context.Context {
			return ctx
		}

		gs.WaitGroup().Add(1)

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "server failed", "server", name, "error", err)

				// Done() must run before requesting the shutdown, otherwise
				// the WaitGroup never decrements.
				gs.WaitGroup().Done()
				gs.Shutdown(1)
				return
			}

			gs.WaitGroup().Done()
			gs.Shutdown(0)
		}()
	}

	// All Add() calls have been made.
	gs.Ready()

	<-gs.Context().Done()

	for name, server := range servers {
		name, server := name, server
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("error while shutting down server", "server", name, "error", err)
				return
			}
			slog.Info("gracefully shut down server", "server", name)
		}()
	}
}
