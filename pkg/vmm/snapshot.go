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

	"github.com/go-logr/logr"
	"libvirt.org/go/libvirtxml"
)

var (
	errMarshalSnapshotXML = errors.New("failed to marshal snapshot XML")
	errCreateSnapshot     = errors.New("failed to create snapshot")
	errLookupSnapshot     = errors.New("failed to look up snapshot")
	errRevertSnapshot     = errors.New("failed to revert to snapshot")
)

// SnapshotManager creates and restores named point-in-time snapshots of a
// domain. Snapshots are internal (kept inside the qcow2 overlay), so restore
// is cheap and leaves no extra files behind.
type SnapshotManager struct {
	log logr.Logger
}

// NewSnapshotManager returns a SnapshotManager.
func NewSnapshotManager(log logr.Logger) *SnapshotManager {
	return &SnapshotManager{log: log.WithName("snapshot")}
}

// CreateSnapshot takes a snapshot of the domain's current state and returns
// its id. The id doubles as the snapshot name in libvirt.
func (s *SnapshotManager) CreateSnapshot(
	ctx context.Context,
	vm *VM,
	name string,
	description string,
) (string, error) {
	if vm == nil || vm.dom == nil {
		return "", errors.Join(errNoDomainHandle, ErrVM)
	}

	snapshotXML, err := (&libvirtxml.DomainSnapshot{
		Name:        name,
		Description: description,
	}).Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalSnapshotXML, ErrVM)
	}

	snap, err := vm.dom.CreateSnapshotXML(snapshotXML, 0)
	if err != nil {
		return "", errors.Join(
			err,
			fmt.Errorf("vmName=%s snapshot=%s", vm.Name, name),
			errCreateSnapshot,
			ErrVM,
		)
	}
	defer snap.Free()

	s.log.V(1).Info("created snapshot", "vmName", vm.Name, "snapshot", name)
	return name, nil
}

// RestoreSnapshot reverts the domain to a previously created snapshot.
func (s *SnapshotManager) RestoreSnapshot(ctx context.Context, vm *VM, snapshotID string) error {
	if vm == nil || vm.dom == nil {
		return errors.Join(errNoDomainHandle, ErrVM)
	}

	snap, err := vm.dom.SnapshotLookupByName(snapshotID, 0)
	if err != nil {
		return errors.Join(
			err,
			fmt.Errorf("vmName=%s snapshot=%s", vm.Name, snapshotID),
			errLookupSnapshot,
			ErrVM,
		)
	}
	defer snap.Free()

	if err := snap.RevertToSnapshot(0); err != nil {
		return errors.Join(
			err,
			fmt.Errorf("vmName=%s snapshot=%s", vm.Name, snapshotID),
			errRevertSnapshot,
			ErrVM,
		)
	}

	s.log.V(1).Info("restored snapshot", "vmName", vm.Name, "snapshot", snapshotID)
	return nil
}
