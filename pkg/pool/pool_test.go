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

package pool_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-vm/warden/pkg/pool"
	"github.com/warden-vm/warden/pkg/vmm"
)

type fakeProvider struct {
	mu           sync.Mutex
	created      []string
	destroyed    []string
	createErr    error
	connectCalls int
	closeCalls   int
}

func (f *fakeProvider) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeProvider) CreateVM(ctx context.Context, name string) (*vmm.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, name)
	return &vmm.VM{Name: name, UUID: name + "-uuid"}, nil
}

func (f *fakeProvider) DestroyVM(ctx context.Context, vm *vmm.VM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, vm.Name)
	return nil
}

func (f *fakeProvider) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeProvider) destroyedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.destroyed...)
}

func (f *fakeProvider) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

type fakeSnapshots struct {
	mu         sync.Mutex
	created    []string
	restored   []string
	restoreErr error
}

func (f *fakeSnapshots) CreateSnapshot(
	ctx context.Context, vm *vmm.VM, name, description string,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return name, nil
}

func (f *fakeSnapshots) RestoreSnapshot(ctx context.Context, vm *vmm.VM, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, snapshotID)
	return nil
}

func newTestPool(t *testing.T, cfg pool.Config) (*pool.Pool, *fakeProvider, *fakeSnapshots) {
	t.Helper()
	provider := &fakeProvider{}
	snapshots := &fakeSnapshots{}
	p, err := pool.New(logr.Discard(), provider, snapshots, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, provider, snapshots
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     pool.Config
		wantErr bool
	}{
		{name: "valid", cfg: pool.Config{MinSize: 2, MaxSize: 5, TTL: time.Hour}},
		{name: "zero min", cfg: pool.Config{MinSize: 0, MaxSize: 1, TTL: time.Hour}},
		{name: "negative min", cfg: pool.Config{MinSize: -1, MaxSize: 5}, wantErr: true},
		{name: "zero max", cfg: pool.Config{MinSize: 0, MaxSize: 0}, wantErr: true},
		{name: "min greater than max", cfg: pool.Config{MinSize: 6, MaxSize: 5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pool.New(logr.Discard(), &fakeProvider{}, &fakeSnapshots{}, tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, pool.ErrPoolConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestInitializeWarmsMinSize(t *testing.T) {
	p, provider, snapshots := newTestPool(t, pool.Config{MinSize: 2, MaxSize: 5, TTL: time.Hour})

	require.NoError(t, p.Initialize(context.Background()))
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 2, provider.createdCount())
	assert.Equal(t, 1, provider.connectCalls)

	// Every warmed VM gets a golden snapshot named from its identity.
	snapshots.mu.Lock()
	defer snapshots.mu.Unlock()
	require.Len(t, snapshots.created, 2)
	for _, name := range snapshots.created {
		assert.True(t, strings.HasPrefix(name, "golden-warden-"))
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	p, provider, _ := newTestPool(t, pool.Config{MinSize: 1, MaxSize: 3, TTL: time.Hour})

	require.NoError(t, p.Initialize(context.Background()))
	require.NoError(t, p.Initialize(context.Background()))

	assert.Equal(t, 1, p.Size())
	assert.Equal(t, 1, provider.createdCount())
	assert.Equal(t, 1, provider.connectCalls)
}

func TestAcquireRequiresInitialize(t *testing.T) {
	p, _, _ := newTestPool(t, pool.Config{MinSize: 1, MaxSize: 3, TTL: time.Hour})

	_, err := p.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrPoolState)
}

func TestAcquireReleaseRestoresSize(t *testing.T) {
	p, _, snapshots := newTestPool(t, pool.Config{MinSize: 2, MaxSize: 5, TTL: time.Hour})
	require.NoError(t, p.Initialize(context.Background()))

	vm, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())

	require.NoError(t, p.Release(context.Background(), vm))
	assert.Equal(t, 2, p.Size())

	// The release reset the VM to its golden snapshot.
	snapshots.mu.Lock()
	defer snapshots.mu.Unlock()
	require.Len(t, snapshots.restored, 1)
	assert.Equal(t, "golden-"+vm.Name, snapshots.restored[0])
}

func TestAcquireNeverReturnsStaleVM(t *testing.T) {
	p, provider, _ := newTestPool(t, pool.Config{
		MinSize: 1, MaxSize: 3,
		TTL:                 10 * time.Millisecond,
		MaintenanceInterval: time.Hour, // keep the refill loop out of the way
	})
	require.NoError(t, p.Initialize(context.Background()))

	time.Sleep(30 * time.Millisecond)

	vm, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	// The stale VM was destroyed and a fresh one returned in its place.
	destroyed := provider.destroyedNames()
	require.Len(t, destroyed, 1)
	assert.NotEqual(t, destroyed[0], vm.Name)
	assert.Equal(t, 2, provider.createdCount())
}

func TestAcquireFallsBackToOnDemandCreation(t *testing.T) {
	p, provider, _ := newTestPool(t, pool.Config{
		MinSize: 0, MaxSize: 2, TTL: time.Hour,
		MaintenanceInterval: time.Hour,
	})
	require.NoError(t, p.Initialize(context.Background()))
	require.Equal(t, 0, p.Size())

	vm, err := p.Acquire(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, vm)
	assert.Equal(t, 1, provider.createdCount())

	// The on-demand VM has a golden snapshot too: release must work.
	require.NoError(t, p.Release(context.Background(), vm))
	assert.Equal(t, 1, p.Size())
}

func TestAcquireSurfacesExhaustionPlusCreationFailure(t *testing.T) {
	p, provider, _ := newTestPool(t, pool.Config{
		MinSize: 0, MaxSize: 2, TTL: time.Hour,
		MaintenanceInterval: time.Hour,
	})
	require.NoError(t, p.Initialize(context.Background()))

	provider.setCreateErr(errors.New("hypervisor on fire"))

	_, err := p.Acquire(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrPoolState)
}

func TestReleaseWhenFullDestroysVM(t *testing.T) {
	p, provider, _ := newTestPool(t, pool.Config{
		MinSize: 1, MaxSize: 1, TTL: time.Hour,
		MaintenanceInterval: time.Hour,
	})
	require.NoError(t, p.Initialize(context.Background()))

	// Drain the queue, then refill it behind the held VM's back via an
	// on-demand acquisition and release.
	vm1, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	vm2, err := p.Acquire(context.Background(), 10*time.Millisecond) // on demand
	require.NoError(t, err)

	require.NoError(t, p.Release(context.Background(), vm1))
	require.Equal(t, 1, p.Size())

	// Queue now at MaxSize: releasing vm2 must destroy it.
	require.NoError(t, p.Release(context.Background(), vm2))
	assert.Equal(t, 1, p.Size())
	assert.Contains(t, provider.destroyedNames(), vm2.Name)
}

func TestReleaseAfterResetFailureDestroysVM(t *testing.T) {
	p, provider, snapshots := newTestPool(t, pool.Config{MinSize: 1, MaxSize: 3, TTL: time.Hour})
	require.NoError(t, p.Initialize(context.Background()))

	vm, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	snapshots.restoreErr = errors.New("revert failed")

	err = p.Release(context.Background(), vm)
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrPoolState)
	assert.Contains(t, provider.destroyedNames(), vm.Name)
	assert.Equal(t, 0, p.Size(), "a VM with unknown state must never be re-enqueued")
}

func TestReleaseOfUnknownVMFails(t *testing.T) {
	p, _, _ := newTestPool(t, pool.Config{MinSize: 0, MaxSize: 2, TTL: time.Hour})
	require.NoError(t, p.Initialize(context.Background()))

	err := p.Release(context.Background(), &vmm.VM{Name: "stranger", UUID: "stranger-uuid"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrPoolState)
}

func TestMaintenanceRefillsToMinSize(t *testing.T) {
	p, _, _ := newTestPool(t, pool.Config{
		MinSize: 2, MaxSize: 4, TTL: time.Hour,
		MaintenanceInterval: 10 * time.Millisecond,
	})
	require.NoError(t, p.Initialize(context.Background()))

	// Take both warm VMs out; the maintenance loop must replace them.
	_, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, p.Size())

	require.Eventually(t, func() bool { return p.Size() == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestMaintenanceSurvivesCreationFailure(t *testing.T) {
	p, provider, _ := newTestPool(t, pool.Config{
		MinSize: 1, MaxSize: 2, TTL: time.Hour,
		MaintenanceInterval: 10 * time.Millisecond,
	})
	require.NoError(t, p.Initialize(context.Background()))

	_, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	// Refill fails for a few cycles, then recovers; the loop must survive
	// and eventually top the pool back up.
	provider.setCreateErr(errors.New("transient"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, p.Size())

	provider.setCreateErr(nil)
	require.Eventually(t, func() bool { return p.Size() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestShutdownDrainsQueueAndClosesConnection(t *testing.T) {
	p, provider, _ := newTestPool(t, pool.Config{MinSize: 2, MaxSize: 5, TTL: time.Hour})
	require.NoError(t, p.Initialize(context.Background()))

	held, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, 1, provider.closeCalls)

	// The held VM is the caller's problem, not the pool's.
	assert.NotContains(t, provider.destroyedNames(), held.Name)

	// Idempotent.
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 1, provider.closeCalls)
}

func TestAcquireAndReleaseFailFastAfterShutdown(t *testing.T) {
	p, _, _ := newTestPool(t, pool.Config{MinSize: 1, MaxSize: 3, TTL: time.Hour})
	require.NoError(t, p.Initialize(context.Background()))

	vm, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))

	_, err = p.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrPoolState)

	err = p.Release(context.Background(), vm)
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrPoolState)
}

func TestShutdownUnblocksWaitingAcquirers(t *testing.T) {
	p, _, _ := newTestPool(t, pool.Config{
		MinSize: 0, MaxSize: 2, TTL: time.Hour,
		MaintenanceInterval: time.Hour,
	})
	require.NoError(t, p.Initialize(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the acquirer block on the queue
	require.NoError(t, p.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, pool.ErrPoolState)
	case <-time.After(2 * time.Second):
		t.Fatal("acquirer stayed blocked past shutdown")
	}
}

func TestConcurrentAcquirersNeverShareAVM(t *testing.T) {
	p, _, _ := newTestPool(t, pool.Config{
		MinSize: 4, MaxSize: 8, TTL: time.Hour,
		MaintenanceInterval: time.Hour,
	})
	require.NoError(t, p.Initialize(context.Background()))

	const goroutines = 8
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vm, err := p.Acquire(context.Background(), 50*time.Millisecond)
			if err != nil {
				return
			}
			mu.Lock()
			seen[vm.UUID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for uuid, count := range seen {
		assert.Equal(t, 1, count, "vm %s handed to multiple callers", uuid)
	}
}

func TestStatsTrackAcquisitions(t *testing.T) {
	p, _, _ := newTestPool(t, pool.Config{MinSize: 2, MaxSize: 4, TTL: time.Hour})
	require.NoError(t, p.Initialize(context.Background()))

	require.Equal(t, int64(0), p.Stats().Acquisitions)

	vm, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), vm))

	vm, err = p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), vm))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Acquisitions)
	assert.GreaterOrEqual(t, stats.TotalAcquireTime, time.Duration(0))
	assert.GreaterOrEqual(t, stats.AverageAcquireTime(), time.Duration(0))
}
