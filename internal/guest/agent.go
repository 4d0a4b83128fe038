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

// Package guest implements the agent that runs inside a sandbox VM. It
// listens on vsock, executes code injected into the workspace share, and
// reports results back to the host. It speaks the same framed wire format
// as the host side (pkg/wire), so both ends of the boundary share one
// protocol.
package guest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/warden-vm/warden/pkg/wire"
)

var errListenerClosed = errors.New("listener closed")

const defaultInterpreter = "python3"

// Agent serves execution requests from the host. One request is handled at
// a time: the sandbox runs a single submission per acquisition, so there is
// nothing to parallelize.
type Agent struct {
	log         logr.Logger
	workDir     string
	interpreter string
}

// Option configures an Agent.
type Option func(*Agent)

// WithInterpreter overrides the interpreter binary used to run submissions.
func WithInterpreter(interpreter string) Option {
	return func(a *Agent) { a.interpreter = interpreter }
}

// New returns an Agent serving code out of workDir, the guest-side mount
// point of the workspace share.
func New(log logr.Logger, workDir string, opts ...Option) *Agent {
	a := &Agent{
		log:         log.WithName("guest"),
		workDir:     workDir,
		interpreter: defaultInterpreter,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Serve accepts connections from l until ctx is cancelled or the listener
// fails.
func (a *Agent) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Join(err, errListenerClosed)
		}
		a.ServeConn(ctx, nc)
	}
}

// ServeConn handles one connection: a sequence of framed requests, each
// answered with exactly one framed reply. Returns when the peer closes the
// stream or a protocol error occurs.
func (a *Agent) ServeConn(ctx context.Context, nc net.Conn) {
	conn := wire.Wrap(nc)
	defer conn.Close()

	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, wire.ErrIncompleteMessage) {
				a.log.V(1).Info("connection ended", "reason", err.Error())
			}
			return
		}

		reply := a.dispatch(ctx, msg)
		if err := conn.Send(ctx, reply); err != nil {
			a.log.Error(err, "failed to send reply", "command", reply.Command)
			return
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, msg wire.Message) wire.Message {
	switch msg.Command {
	case wire.CommandPing:
		return wire.Message{Command: wire.CommandPong}

	case wire.CommandExecute:
		var req wire.ExecuteRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return errorReply(fmt.Sprintf("invalid execute payload: %v", err))
		}
		return a.execute(ctx, req)

	default:
		return errorReply(fmt.Sprintf("unknown command %q", msg.Command))
	}
}

func (a *Agent) execute(ctx context.Context, req wire.ExecuteRequest) wire.Message {
	if !filepath.IsLocal(req.Path) {
		return errorReply(fmt.Sprintf("path %q escapes the workspace", req.Path))
	}

	runCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx,
			time.Duration(req.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, a.interpreter, filepath.Join(a.workDir, req.Path))
	cmd.Dir = a.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.log.Info("executing submission", "path", req.Path)

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case runCtx.Err() != nil:
			return errorReply("execution timed out in guest")
		default:
			return errorReply(fmt.Sprintf("failed to run interpreter: %v", err))
		}
	}

	payload, err := json.Marshal(wire.ExecuteResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	})
	if err != nil {
		return errorReply(fmt.Sprintf("failed to encode result: %v", err))
	}

	return wire.Message{Command: wire.CommandResult, Payload: payload}
}

func errorReply(message string) wire.Message {
	payload, _ := json.Marshal(wire.ErrorReply{Message: message})
	return wire.Message{Command: wire.CommandError, Payload: payload}
}
