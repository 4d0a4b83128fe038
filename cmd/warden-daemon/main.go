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
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warden-vm/warden/internal/util/gracefulshutdown"
	"github.com/warden-vm/warden/internal/util/httputil"
	"github.com/warden-vm/warden/internal/util/logging"
	"github.com/warden-vm/warden/pkg/executor"
	"github.com/warden-vm/warden/pkg/pool"
	"github.com/warden-vm/warden/pkg/vmm"
)

const (
	Name = "warden-daemon"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	_, _ = fmt.Fprintf(
		os.Stdout,
		"Starting %s version %s (%s) %s\n",
		Name,
		Version,
		CommitSHA,
		BuildTimestamp,
	)

	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	// --------------------------------------------- Logging -------------------------------------------------------- //

	log := logging.SetupDefault()

	// --------------------------------------------- Config --------------------------------------------------------- //

	config, err := loadConfig()
	if err != nil {
		slog.ErrorContext(ctx, "loading configuration", "error", err.Error())
		gs.Shutdown(1)
	}

	// --------------------------------------------- VM Manager ----------------------------------------------------- //

	managerOpts := []vmm.ManagerOption{
		vmm.WithResources(config.VM.MemoryMB, config.VM.VCPUs),
	}
	if config.VM.LibvirtURI != "" {
		managerOpts = append(managerOpts, vmm.WithLibvirtURI(config.VM.LibvirtURI))
	}
	if config.VM.BaseDir != "" {
		managerOpts = append(managerOpts, vmm.WithBaseDir(config.VM.BaseDir))
	}

	manager := vmm.NewManager(log, config.VM.ImagePath, managerOpts...)
	snapshots := vmm.NewSnapshotManager(log)

	// --------------------------------------------- Pool ----------------------------------------------------------- //

	poolMetrics := pool.NewMetrics(prometheus.DefaultRegisterer)

	vmPool, err := pool.New(log, manager, snapshots, pool.Config{
		MinSize:             config.Pool.MinSize,
		MaxSize:             config.Pool.MaxSize,
		TTL:                 config.poolTTL(),
		MaintenanceInterval: 0, // use the pool default
	}, pool.WithMetrics(poolMetrics))
	if err != nil {
		slog.ErrorContext(ctx, "creating vm pool", "error", err.Error())
		gs.Shutdown(1)
	}

	if err := vmPool.Initialize(ctx); err != nil {
		slog.ErrorContext(ctx, "initializing vm pool", "error", err.Error())
		gs.Shutdown(1)
	}

	gs.OnShutdown(func(shutdownCtx context.Context) {
		if err := vmPool.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "shutting down vm pool", "error", err.Error())
		}
	})

	// --------------------------------------------- Executor ------------------------------------------------------- //

	runner := executor.NewVsockRunner(log, config.Guest.Port)

	exec, err := executor.New(
		log,
		runner,
		config.defaultTimeout(),
		config.maxTimeout(),
	)
	if err != nil {
		slog.ErrorContext(ctx, "creating executor", "error", err.Error())
		gs.Shutdown(1)
	}

	// --------------------------------------------- Run Server ----------------------------------------------------- //

	httputil.Serve(map[string]*http.Server{
		"api":     setupAPIServer(config, vmPool, exec, manager.ShareDir),
		"metrics": setupMetricsServer(config),
		"probes":  setupProbesServer(config, vmPool),
	}, gs)

	slog.Info("✅ gracefully stopped", "binary", Name)
}
