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

package wire

// Commands understood by the guest agent. Both ends of the boundary build
// and parse these payloads, so the schema lives next to the frame format.
const (
	// CommandExecute asks the guest to run the code previously injected
	// into its workspace share. Payload: ExecuteRequest.
	CommandExecute = "execute"

	// CommandResult is the guest's reply to CommandExecute. Payload:
	// ExecuteResult.
	CommandResult = "result"

	// CommandPing is a liveness probe; the guest answers CommandPong with
	// an empty payload.
	CommandPing = "ping"
	CommandPong = "pong"

	// CommandError is the guest's reply when a request cannot be served.
	// Payload: ErrorReply.
	CommandError = "error"
)

// ExecuteRequest is the payload of CommandExecute.
type ExecuteRequest struct {
	// Path of the code file, relative to the workspace share root.
	Path string `json:"path"`
	// TimeoutSeconds bounds the guest-side interpreter run.
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// ExecuteResult is the payload of CommandResult.
type ExecuteResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ErrorReply is the payload of CommandError.
type ErrorReply struct {
	Message string `json:"message"`
}
