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
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	errConnectLibvirt   = errors.New("failed to connect to libvirt")
	errNotConnected     = errors.New("hypervisor connection is not open")
	errCreateVMDisk     = errors.New("failed to create VM disk overlay")
	errCreateShareDir   = errors.New("failed to create workspace share directory")
	errMarshalDomainXML = errors.New("failed to marshal domain XML")
	errDefineDomain     = errors.New("failed to define domain")
	errGetDomainUUID    = errors.New("failed to get domain UUID")
	errUndefineDomain   = errors.New("failed to undefine domain")
	errDeleteVMDisk     = errors.New("failed to delete VM disk overlay")
)

const (
	defaultMemoryMB  = 1024
	defaultVCPUs     = 2
	defaultDiskSize  = "10G"
	defaultLibvirtURI = "qemu:///system"

	// shareTag is the virtiofs mount tag the guest uses to mount its
	// workspace share.
	shareTag = "workspace"

	// startTimeout bounds how long CreateVM waits for a fresh domain to
	// reach StateRunning.
	startTimeout      = 60 * time.Second
	startPollInterval = 500 * time.Millisecond
)

// Manager owns the administrative hypervisor connection and manufactures
// sandbox domains from a fixed template: a qcow2 overlay on top of a shared
// base image, a virtiofs workspace share, and a vsock device with an
// auto-assigned CID.
type Manager struct {
	conn      *libvirt.Connect
	log       logr.Logger
	uri       string
	imagePath string
	baseDir   string
	memoryMB  uint
	vcpus     uint
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLibvirtURI overrides the default qemu:///system connection URI.
func WithLibvirtURI(uri string) ManagerOption {
	return func(m *Manager) { m.uri = uri }
}

// WithBaseDir sets the directory holding per-VM artifacts (disk overlays and
// workspace shares). Defaults to os.TempDir().
func WithBaseDir(dir string) ManagerOption {
	return func(m *Manager) { m.baseDir = dir }
}

// WithResources overrides the default memory and vcpu allocation.
func WithResources(memoryMB, vcpus uint) ManagerOption {
	return func(m *Manager) {
		m.memoryMB = memoryMB
		m.vcpus = vcpus
	}
}

// NewManager creates a Manager. The hypervisor connection is not opened
// until Connect is called.
func NewManager(log logr.Logger, imagePath string, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:       log.WithName("vmm"),
		uri:       defaultLibvirtURI,
		imagePath: imagePath,
		baseDir:   os.TempDir(),
		memoryMB:  defaultMemoryMB,
		vcpus:     defaultVCPUs,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the administrative hypervisor connection. Calling Connect on
// an already-connected Manager is a no-op.
func (m *Manager) Connect() error {
	if m.conn != nil {
		return nil
	}
	conn, err := libvirt.NewConnect(m.uri)
	if err != nil {
		return errors.Join(err, fmt.Errorf("uri=%s", m.uri), errConnectLibvirt, ErrVM)
	}
	m.conn = conn
	return nil
}

// Close closes the hypervisor connection. Idempotent.
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	_, err := m.conn.Close()
	m.conn = nil
	return err
}

// ShareDir returns the host-side path of the workspace share for the named
// VM. The directory exists for the lifetime of the domain.
func (m *Manager) ShareDir(name string) string {
	return filepath.Join(m.baseDir, name, "share")
}

func (m *Manager) diskPath(name string) string {
	return filepath.Join(m.baseDir, name, fmt.Sprintf("%s.qcow2", name))
}

// CreateVM defines and starts a new sandbox domain, blocking until it
// reaches StateRunning. On any failure the partially created domain and its
// artifacts are torn down before returning.
func (m *Manager) CreateVM(ctx context.Context, name string) (*VM, error) {
	if m.conn == nil {
		return nil, errors.Join(errNotConnected, ErrVM)
	}

	shareDir := m.ShareDir(name)
	if err := os.MkdirAll(shareDir, 0o755); err != nil {
		return nil, errors.Join(err, fmt.Errorf("dir=%s", shareDir), errCreateShareDir, ErrVM)
	}

	// Overlay disk on the shared base image, so every VM boots the same
	// golden filesystem without copying it.
	diskPath := m.diskPath(name)
	qemuImgCmd := exec.CommandContext(ctx,
		"qemu-img", "create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", m.imagePath),
		diskPath,
		defaultDiskSize,
	)
	if output, err := qemuImgCmd.CombinedOutput(); err != nil {
		os.RemoveAll(filepath.Join(m.baseDir, name))
		return nil, errors.Join(err, fmt.Errorf("output: %s", output), errCreateVMDisk, ErrVM)
	}

	domainXML, err := m.domainTemplate(name, diskPath, shareDir).Marshal()
	if err != nil {
		os.RemoveAll(filepath.Join(m.baseDir, name))
		return nil, errors.Join(err, errMarshalDomainXML, ErrVM)
	}

	dom, err := m.conn.DomainDefineXML(domainXML)
	if err != nil {
		os.RemoveAll(filepath.Join(m.baseDir, name))
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errDefineDomain, ErrVM)
	}

	uuid, err := dom.GetUUIDString()
	if err != nil {
		dom.Undefine()
		dom.Free()
		os.RemoveAll(filepath.Join(m.baseDir, name))
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainUUID, ErrVM)
	}

	vm := &VM{Name: name, UUID: uuid, dom: dom}

	if err := vm.Start(ctx); err != nil {
		m.teardown(vm)
		return nil, err
	}

	if err := vm.WaitForState(ctx, StateRunning, startTimeout, startPollInterval); err != nil {
		m.teardown(vm)
		return nil, err
	}

	m.log.Info("created VM", "vmName", name, "uuid", uuid, "shareDir", shareDir)
	return vm, nil
}

// DestroyVM stops the domain if running, undefines it, and removes its disk
// overlay and workspace share. Destroying a VM that no longer exists is not
// an error.
func (m *Manager) DestroyVM(ctx context.Context, vm *VM) error {
	if vm == nil {
		return nil
	}
	if vm.dom == nil {
		m.removeArtifacts(vm.Name)
		return nil
	}

	state, err := vm.State()
	if err == nil && state == StateRunning {
		if stopErr := vm.Stop(ctx, false); stopErr != nil {
			return stopErr
		}
	}

	// Internal snapshots pin metadata to the domain; they must go before
	// undefine succeeds.
	if err := vm.dom.Undefine(); err != nil {
		if err2 := vm.dom.UndefineFlags(libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA); err2 != nil {
			return errors.Join(err2, fmt.Errorf("vmName=%s", vm.Name), errUndefineDomain, ErrVM)
		}
	}

	vm.dom.Free()
	vm.dom = nil

	if err := m.removeArtifacts(vm.Name); err != nil {
		return err
	}

	m.log.Info("destroyed VM", "vmName", vm.Name, "uuid", vm.UUID)
	return nil
}

// teardown reverses a partial CreateVM. Errors are logged, not returned: the
// caller already has the failure that triggered the teardown.
func (m *Manager) teardown(vm *VM) {
	if vm.dom != nil {
		state, err := vm.State()
		if err == nil && state == StateRunning {
			vm.dom.Destroy()
		}
		vm.dom.Undefine()
		vm.dom.Free()
		vm.dom = nil
	}
	if err := m.removeArtifacts(vm.Name); err != nil {
		m.log.Error(err, "failed to remove artifacts during teardown", "vmName", vm.Name)
	}
}

func (m *Manager) removeArtifacts(name string) error {
	dir := filepath.Join(m.baseDir, name)
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return errors.Join(err, fmt.Errorf("dir=%s", dir), errDeleteVMDisk, ErrVM)
	}
	return nil
}

// domainTemplate builds the declarative definition every sandbox domain is
// stamped from.
func (m *Manager) domainTemplate(name, diskPath, shareDir string) *libvirtxml.Domain {
	return &libvirtxml.Domain{
		Type: "kvm",
		Name: name,
		Memory: &libvirtxml.DomainMemory{
			Value: m.memoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: m.vcpus,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "pc-q35-8.0",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		// virtiofs requires shared memory backing.
		MemoryBacking: &libvirtxml.DomainMemoryBacking{
			MemorySource: &libvirtxml.DomainMemorySource{
				Type: "memfd",
			},
			MemoryAccess: &libvirtxml.DomainMemoryAccess{
				Mode: "shared",
			},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "qcow2",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: diskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Filesystems: []libvirtxml.DomainFilesystem{
				{
					AccessMode: "passthrough",
					Driver: &libvirtxml.DomainFilesystemDriver{
						Type:  "virtiofs",
						Queue: 1024,
					},
					Target: &libvirtxml.DomainFilesystemTarget{
						Dir: shareTag,
					},
					Source: &libvirtxml.DomainFilesystemSource{
						Mount: &libvirtxml.DomainFilesystemSourceMount{
							Dir: shareDir,
						},
					},
				},
			},
			VSock: &libvirtxml.DomainVSock{
				Model: "virtio",
				CID: &libvirtxml.DomainVSockCID{
					Auto: "yes",
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr(uint(0)),
					},
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
				},
			},
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}
