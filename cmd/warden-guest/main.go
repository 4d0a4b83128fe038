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

// warden-guest runs inside every sandbox VM. It listens on a vsock port,
// accepts execution requests from the host daemon and runs the injected
// code against the shared workspace.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/warden-vm/warden/internal/guest"
	"github.com/warden-vm/warden/internal/util/gracefulshutdown"
	"github.com/warden-vm/warden/internal/util/logging"
	"github.com/warden-vm/warden/pkg/wire"
)

const (
	Name = "warden-guest"

	defaultWorkDir = "/mnt/workspace"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

func main() {
	_, _ = fmt.Fprintf(
		os.Stdout,
		"Starting %s version %s (%s) %s\n",
		Name,
		Version,
		CommitSHA,
		BuildTimestamp,
	)

	port := flag.Uint("port", wire.DefaultPort, "vsock port to listen on")
	workDir := flag.String("workdir", defaultWorkDir, "workspace mount point")
	interpreter := flag.String("interpreter", "python3", "interpreter used to run injected code")
	flag.Parse()

	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	log := logging.SetupDefault()

	agent := guest.New(log, *workDir, guest.WithInterpreter(*interpreter))

	l, err := vsock.Listen(uint32(*port), nil)
	if err != nil {
		slog.ErrorContext(ctx, "listening on vsock", "port", *port, "error", err.Error())
		gs.Shutdown(1)
	}

	gs.WaitGroup().Add(1)
	go func() {
		defer gs.WaitGroup().Done()

		slog.InfoContext(ctx, "agent listening", "port", *port, "workdir", *workDir)
		if err := agent.Serve(ctx, l); err != nil {
			slog.ErrorContext(ctx, "serving", "error", err.Error())
			gs.Shutdown(1)
		}
	}()

	<-ctx.Done()

	slog.Info("✅ gracefully stopped", "binary", Name)
}
