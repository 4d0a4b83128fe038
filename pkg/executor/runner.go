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

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/warden-vm/warden/pkg/vmm"
	"github.com/warden-vm/warden/pkg/wire"
)

var (
	errGuestError      = errors.New("guest reported an error")
	errUnexpectedReply = errors.New("unexpected reply command from guest")
)

// VsockRunner triggers in-VM execution by sending CommandExecute over the
// wire protocol to the guest agent. One vsock connection is opened per run
// and closed before returning.
type VsockRunner struct {
	port uint32
	log  logr.Logger
}

// NewVsockRunner returns a VsockRunner targeting the given guest agent
// port. Pass wire.DefaultPort unless the guest is configured otherwise.
func NewVsockRunner(log logr.Logger, port uint32) *VsockRunner {
	return &VsockRunner{port: port, log: log.WithName("runner")}
}

// Run implements Runner.
func (r *VsockRunner) Run(ctx context.Context, vm *vmm.VM, codePath string) (RunOutput, error) {
	cid, err := vm.GuestCID()
	if err != nil {
		return RunOutput{}, err
	}

	conn, err := wire.NewConn(cid, r.port)
	if err != nil {
		return RunOutput{}, err
	}
	if err := conn.Dial(ctx); err != nil {
		return RunOutput{}, err
	}
	defer conn.Close()

	timeoutSeconds := 0.0
	if deadline, ok := ctx.Deadline(); ok {
		timeoutSeconds = time.Until(deadline).Seconds()
	}

	payload, err := json.Marshal(wire.ExecuteRequest{
		Path:           codePath,
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		return RunOutput{}, err
	}

	if err := conn.Send(ctx, wire.Message{Command: wire.CommandExecute, Payload: payload}); err != nil {
		return RunOutput{}, err
	}

	reply, err := conn.Receive(ctx)
	if err != nil {
		return RunOutput{}, err
	}

	switch reply.Command {
	case wire.CommandResult:
		var result wire.ExecuteResult
		if err := json.Unmarshal(reply.Payload, &result); err != nil {
			return RunOutput{}, err
		}
		return RunOutput{
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}, nil

	case wire.CommandError:
		var guestErr wire.ErrorReply
		if err := json.Unmarshal(reply.Payload, &guestErr); err != nil {
			return RunOutput{}, err
		}
		return RunOutput{}, errors.Join(
			fmt.Errorf("vmName=%s: %s", vm.Name, guestErr.Message),
			errGuestError,
		)

	default:
		return RunOutput{}, errors.Join(
			fmt.Errorf("vmName=%s command=%s", vm.Name, reply.Command),
			errUnexpectedReply,
		)
	}
}
