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

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	// ErrVM is the root of the VM error taxonomy. Every error returned by a
	// VM operation wraps it, so callers can match with errors.Is(err, ErrVM).
	ErrVM = errors.New("vm error")

	errStartDomain      = errors.New("failed to start domain")
	errShutdownDomain   = errors.New("failed to shut down domain")
	errDestroyDomain    = errors.New("failed to destroy domain")
	errGetDomainState   = errors.New("failed to get domain state")
	errGetDomainXML     = errors.New("failed to get domain XML")
	errNoVsockDevice    = errors.New("domain has no vsock device")
	errWaitStateTimeout = errors.New("timed out waiting for domain state")
	errNoDomainHandle   = errors.New("vm has no domain handle")
)

// VM is a handle to a single libvirt domain. A VM is owned by exactly one
// component at a time (the pool's queue, or a caller between Acquire and
// Release); owners never share a handle across goroutines without external
// coordination.
type VM struct {
	// Name is the libvirt domain name, unique per hypervisor connection.
	Name string
	// UUID is the domain UUID assigned at definition time.
	UUID string

	dom *libvirt.Domain
}

// Start powers on the domain.
func (v *VM) Start(ctx context.Context) error {
	if v.dom == nil {
		return errors.Join(errNoDomainHandle, ErrVM)
	}
	if err := v.dom.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", v.Name), errStartDomain, ErrVM)
	}
	return nil
}

// Stop powers off the domain. With graceful set, an ACPI shutdown is
// requested and the guest decides when to halt; otherwise the domain is
// terminated immediately.
func (v *VM) Stop(ctx context.Context, graceful bool) error {
	if v.dom == nil {
		return errors.Join(errNoDomainHandle, ErrVM)
	}
	if graceful {
		if err := v.dom.Shutdown(); err != nil {
			return errors.Join(err, fmt.Errorf("vmName=%s", v.Name), errShutdownDomain, ErrVM)
		}
		return nil
	}
	if err := v.dom.Destroy(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", v.Name), errDestroyDomain, ErrVM)
	}
	return nil
}

// State queries the current domain state.
func (v *VM) State() (VMState, error) {
	if v.dom == nil {
		return StateUnknown, errors.Join(errNoDomainHandle, ErrVM)
	}
	state, _, err := v.dom.GetState()
	if err != nil {
		return StateUnknown, errors.Join(err, fmt.Errorf("vmName=%s", v.Name), errGetDomainState, ErrVM)
	}
	return stateFromLibvirt(state), nil
}

// WaitForState polls the domain until it reaches target, the timeout
// elapses, or ctx is cancelled.
func (v *VM) WaitForState(
	ctx context.Context,
	target VMState,
	timeout time.Duration,
	pollInterval time.Duration,
) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		state, err := v.State()
		if err != nil {
			return err
		}
		if state == target {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("vmName=%s", v.Name), ErrVM)
		case <-deadline.C:
			return errors.Join(
				fmt.Errorf("vmName=%s target=%s last=%s", v.Name, target, state),
				errWaitStateTimeout,
				ErrVM,
			)
		case <-tick.C:
		}
	}
}

// GuestCID returns the vsock context id assigned to the domain. The domain
// template requests auto-assignment, so the CID is only known after the
// domain has been defined and must be read back from its live XML.
func (v *VM) GuestCID() (uint32, error) {
	if v.dom == nil {
		return 0, errors.Join(errNoDomainHandle, ErrVM)
	}
	raw, err := v.dom.GetXMLDesc(0)
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("vmName=%s", v.Name), errGetDomainXML, ErrVM)
	}

	domain := &libvirtxml.Domain{}
	if err := domain.Unmarshal(raw); err != nil {
		return 0, errors.Join(err, fmt.Errorf("vmName=%s", v.Name), errGetDomainXML, ErrVM)
	}

	if domain.Devices == nil || domain.Devices.VSock == nil ||
		domain.Devices.VSock.CID == nil || domain.Devices.VSock.CID.Address == "" {
		return 0, errors.Join(fmt.Errorf("vmName=%s", v.Name), errNoVsockDevice, ErrVM)
	}

	var cid uint32
	if _, err := fmt.Sscanf(domain.Devices.VSock.CID.Address, "%d", &cid); err != nil {
		return 0, errors.Join(err, fmt.Errorf("vmName=%s", v.Name), errNoVsockDevice, ErrVM)
	}
	return cid, nil
}
