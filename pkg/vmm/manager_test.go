//go:build unit

// Copyright 2025 The Warden Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vmm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

func TestDomainTemplate(t *testing.T) {
	m := NewManager(logr.Discard(), "/var/lib/warden/base.qcow2",
		WithBaseDir("/var/lib/warden/vms"),
		WithResources(2048, 4),
	)

	domain := m.domainTemplate(
		"warden-abc123",
		m.diskPath("warden-abc123"),
		m.ShareDir("warden-abc123"),
	)

	raw, err := domain.Marshal()
	require.NoError(t, err)

	// Round-trip through libvirtxml to make sure the definition is
	// structurally valid.
	parsed := &libvirtxml.Domain{}
	require.NoError(t, parsed.Unmarshal(raw))

	assert.Equal(t, "warden-abc123", parsed.Name)
	assert.Equal(t, "kvm", parsed.Type)
	assert.Equal(t, uint(2048), parsed.Memory.Value)
	assert.Equal(t, uint(4), parsed.VCPU.Value)

	// virtiofs share must use shared memory backing.
	require.NotNil(t, parsed.MemoryBacking)
	require.NotNil(t, parsed.MemoryBacking.MemoryAccess)
	assert.Equal(t, "shared", parsed.MemoryBacking.MemoryAccess.Mode)

	require.Len(t, parsed.Devices.Filesystems, 1)
	fs := parsed.Devices.Filesystems[0]
	assert.Equal(t, "virtiofs", fs.Driver.Type)
	assert.Equal(t, shareTag, fs.Target.Dir)
	assert.Equal(t, m.ShareDir("warden-abc123"), fs.Source.Mount.Dir)

	require.NotNil(t, parsed.Devices.VSock)
	assert.Equal(t, "yes", parsed.Devices.VSock.CID.Auto)
}

func TestManagerPaths(t *testing.T) {
	m := NewManager(logr.Discard(), "/images/base.qcow2", WithBaseDir("/var/lib/warden"))

	assert.Equal(t,
		filepath.Join("/var/lib/warden", "vm-1", "share"),
		m.ShareDir("vm-1"),
	)
	assert.Equal(t,
		filepath.Join("/var/lib/warden", "vm-1", "vm-1.qcow2"),
		m.diskPath("vm-1"),
	)
}

func TestCreateVMRequiresConnection(t *testing.T) {
	m := NewManager(logr.Discard(), "/images/base.qcow2", WithBaseDir(t.TempDir()))

	_, err := m.CreateVM(context.Background(), "vm-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVM)
}

func TestDestroyVMWithoutHandleIsIdempotent(t *testing.T) {
	m := NewManager(logr.Discard(), "/images/base.qcow2", WithBaseDir(t.TempDir()))

	vm := &VM{Name: "vm-gone", UUID: "0"}
	require.NoError(t, m.DestroyVM(context.Background(), vm))
	require.NoError(t, m.DestroyVM(context.Background(), vm))
	require.NoError(t, m.DestroyVM(context.Background(), nil))
}
