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

package vmm

import "libvirt.org/go/libvirt"

// VMState is the observable lifecycle state of a virtual machine.
type VMState int

const (
	StateUnknown VMState = iota
	StateRunning
	StatePaused
	StateShutdown
	StateShutoff
	StateCrashed
)

// String returns the lowercase name of the state.
func (s VMState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShutdown:
		return "shutdown"
	case StateShutoff:
		return "shutoff"
	case StateCrashed:
		return "crashed"
	case StateUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// stateFromLibvirt maps a libvirt domain state to a VMState.
// Every libvirt state must be handled here; anything unmapped is StateUnknown.
func stateFromLibvirt(s libvirt.DomainState) VMState {
	switch s {
	case libvirt.DOMAIN_RUNNING:
		return StateRunning
	case libvirt.DOMAIN_PAUSED, libvirt.DOMAIN_PMSUSPENDED:
		return StatePaused
	case libvirt.DOMAIN_SHUTDOWN:
		return StateShutdown
	case libvirt.DOMAIN_SHUTOFF:
		return StateShutoff
	case libvirt.DOMAIN_CRASHED:
		return StateCrashed
	case libvirt.DOMAIN_NOSTATE, libvirt.DOMAIN_BLOCKED:
		return StateUnknown
	default:
		return StateUnknown
	}
}
