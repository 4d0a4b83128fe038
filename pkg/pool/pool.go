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

// Package pool maintains a bounded collection of pre-warmed, snapshot-
// resettable sandbox VMs. Acquired VMs are recycled by reverting to their
// golden snapshot on release; a background maintenance loop keeps the pool
// topped up to its minimum size.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/warden-vm/warden/pkg/vmm"
)

var (
	// ErrPoolConfig marks invalid pool size parameters. Fail-fast, never
	// retried.
	ErrPoolConfig = errors.New("pool configuration error")

	// ErrPoolState marks operations attempted against a pool in the wrong
	// lifecycle state, and acquisition or release failures.
	ErrPoolState = errors.New("pool state error")

	errNotInitialized = errors.New("pool is not initialized")
	errPoolClosed     = errors.New("pool is shut down")
	errNotHeld        = errors.New("vm was not acquired from this pool")
	errConnectFailed  = errors.New("failed to open hypervisor connection")
	errCreateFailed   = errors.New("failed to create pooled VM")
)

const defaultMaintenanceInterval = 10 * time.Second

// VMProvider manufactures and destroys sandbox VMs and owns the
// administrative hypervisor connection. Production implementation:
// vmm.Manager.
type VMProvider interface {
	Connect() error
	Close() error
	CreateVM(ctx context.Context, name string) (*vmm.VM, error)
	DestroyVM(ctx context.Context, vm *vmm.VM) error
}

// SnapshotProvider creates and restores VM snapshots. Production
// implementation: vmm.SnapshotManager.
type SnapshotProvider interface {
	CreateSnapshot(ctx context.Context, vm *vmm.VM, name, description string) (string, error)
	RestoreSnapshot(ctx context.Context, vm *vmm.VM, snapshotID string) error
}

// Config holds the pool sizing parameters.
type Config struct {
	// MinSize is the number of ready VMs the maintenance loop keeps warm.
	MinSize int
	// MaxSize bounds total queued VMs; a release that would exceed it
	// destroys the VM instead.
	MaxSize int
	// TTL is the maximum age of a pooled VM; older VMs are destroyed and
	// replaced on acquisition.
	TTL time.Duration
	// MaintenanceInterval is the refill cycle period. Defaults to 10s.
	MaintenanceInterval time.Duration
}

func (c Config) validate() error {
	if c.MinSize < 0 {
		return errors.Join(fmt.Errorf("minSize=%d must be >= 0", c.MinSize), ErrPoolConfig)
	}
	if c.MaxSize < 1 {
		return errors.Join(fmt.Errorf("maxSize=%d must be >= 1", c.MaxSize), ErrPoolConfig)
	}
	if c.MinSize > c.MaxSize {
		return errors.Join(
			fmt.Errorf("minSize=%d must be <= maxSize=%d", c.MinSize, c.MaxSize),
			ErrPoolConfig,
		)
	}
	return nil
}

// pooledVM tags a VM with its creation instant and the golden snapshot it
// is reset to on release. The snapshot exists from the moment the pooledVM
// is constructed.
type pooledVM struct {
	vm             *vmm.VM
	createdAt      time.Time
	goldenSnapshot string
}

// Stats is a point-in-time view of the pool's acquisition counters.
type Stats struct {
	Acquisitions     int64
	TotalAcquireTime time.Duration
}

// AverageAcquireTime returns the mean acquisition latency, or zero when
// nothing has been acquired yet.
func (s Stats) AverageAcquireTime() time.Duration {
	if s.Acquisitions == 0 {
		return 0
	}
	return s.TotalAcquireTime / time.Duration(s.Acquisitions)
}

// Pool is a concurrency-safe store of ready sandbox VMs. The buffered queue
// channel is the sole shared structure carrying VM ownership; no additional
// locking is layered on top of its receive and send operations.
type Pool struct {
	cfg       Config
	provider  VMProvider
	snapshots SnapshotProvider
	log       logr.Logger
	metrics   *Metrics

	queue chan pooledVM

	// closedCh is closed by Shutdown so blocked acquirers fail fast
	// instead of falling through to on-demand creation.
	closedCh chan struct{}

	mu               sync.Mutex
	initialized      bool
	closed           bool
	held             map[string]pooledVM
	acquisitions     int64
	totalAcquireTime time.Duration

	maintCancel context.CancelFunc
	maintDone   chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics attaches prometheus metrics to the pool.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New validates the configuration and returns an uninitialized Pool. No
// hypervisor resource is touched before Initialize.
func New(
	log logr.Logger,
	provider VMProvider,
	snapshots SnapshotProvider,
	cfg Config,
	opts ...Option,
) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}

	p := &Pool{
		cfg:       cfg,
		provider:  provider,
		snapshots: snapshots,
		log:       log.WithName("pool"),
		queue:     make(chan pooledVM, cfg.MaxSize),
		closedCh:  make(chan struct{}),
		held:      make(map[string]pooledVM),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Initialize opens the hypervisor connection, synchronously warms MinSize
// VMs, and starts the maintenance loop. Calling Initialize on an
// already-initialized pool is a no-op.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.Join(errPoolClosed, ErrPoolState)
	}
	if p.initialized {
		return nil
	}

	if err := p.provider.Connect(); err != nil {
		return errors.Join(err, errConnectFailed, ErrPoolState)
	}

	warmed := make([]pooledVM, 0, p.cfg.MinSize)
	for i := 0; i < p.cfg.MinSize; i++ {
		pv, err := p.createPooledVM(ctx)
		if err != nil {
			// Roll back: the caller gets the failure, not a half-warm pool.
			for _, created := range warmed {
				p.destroy(ctx, created)
			}
			p.provider.Close()
			return err
		}
		warmed = append(warmed, pv)
	}
	for _, pv := range warmed {
		p.queue <- pv
	}

	maintCtx, cancel := context.WithCancel(context.Background())
	p.maintCancel = cancel
	p.maintDone = make(chan struct{})
	go p.maintain(maintCtx)

	p.initialized = true
	p.observeSize()
	p.log.Info("pool initialized", "minSize", p.cfg.MinSize, "maxSize", p.cfg.MaxSize, "ttl", p.cfg.TTL)
	return nil
}

// Acquire hands ownership of a ready VM to the caller, waiting up to
// timeout for one to become available. A stale VM is destroyed and replaced
// with a fresh one; an empty queue at the deadline falls through to
// on-demand creation, which is a warning rather than a failure.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*vmm.VM, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, errors.Join(errNotInitialized, ErrPoolState)
	}
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Join(errPoolClosed, ErrPoolState)
	}
	p.mu.Unlock()

	start := time.Now()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var pv pooledVM
	select {
	case pv = <-p.queue:
		if age := time.Since(pv.createdAt); age > p.cfg.TTL {
			p.log.Info("destroying stale VM", "vmName", pv.vm.Name, "age", age, "ttl", p.cfg.TTL)
			if p.metrics != nil {
				p.metrics.StaleEvictions.Inc()
			}
			p.destroy(ctx, pv)

			fresh, err := p.createPooledVM(ctx)
			if err != nil {
				return nil, err
			}
			pv = fresh
		}
	case <-timer.C:
		p.log.Info("pool exhausted, creating VM on demand", "timeout", timeout)
		if p.metrics != nil {
			p.metrics.Exhaustions.Inc()
		}
		fresh, err := p.createPooledVM(ctx)
		if err != nil {
			return nil, err
		}
		pv = fresh
	case <-p.closedCh:
		return nil, errors.Join(errPoolClosed, ErrPoolState)
	case <-ctx.Done():
		return nil, errors.Join(ctx.Err(), ErrPoolState)
	}

	elapsed := time.Since(start)

	p.mu.Lock()
	p.held[pv.vm.UUID] = pv
	p.acquisitions++
	p.totalAcquireTime += elapsed
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.Acquisitions.Inc()
		p.metrics.AcquireSeconds.Observe(elapsed.Seconds())
	}
	p.observeSize()

	p.log.V(1).Info("acquired VM", "vmName", pv.vm.Name, "elapsed", elapsed)
	return pv.vm, nil
}

// Release returns a VM to the pool. The VM is reset to its golden snapshot;
// if the reset fails the VM is destroyed and the error propagated, and if
// the queue is already full the VM is destroyed to keep the pool bounded.
func (p *Pool) Release(ctx context.Context, vm *vmm.VM) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return errors.Join(errNotInitialized, ErrPoolState)
	}
	if p.closed {
		p.mu.Unlock()
		return errors.Join(errPoolClosed, ErrPoolState)
	}
	pv, ok := p.held[vm.UUID]
	if ok {
		delete(p.held, vm.UUID)
	}
	p.mu.Unlock()

	if !ok {
		return errors.Join(fmt.Errorf("vmName=%s", vm.Name), errNotHeld, ErrPoolState)
	}

	if err := p.snapshots.RestoreSnapshot(ctx, vm, pv.goldenSnapshot); err != nil {
		// The VM's state is no longer provably clean: destroy, never
		// re-enqueue.
		p.destroy(ctx, pv)
		return errors.Join(err, fmt.Errorf("vmName=%s", vm.Name), ErrPoolState)
	}

	refreshed := pooledVM{
		vm:             vm,
		createdAt:      time.Now(),
		goldenSnapshot: pv.goldenSnapshot,
	}

	select {
	case p.queue <- refreshed:
		p.log.V(1).Info("released VM", "vmName", vm.Name)
	default:
		// Pool is at capacity; the slot is sacrificed.
		p.log.Info("pool full, destroying released VM", "vmName", vm.Name)
		p.destroy(ctx, refreshed)
	}

	p.observeSize()
	return nil
}

// Size returns the number of currently available (not in use) VMs.
func (p *Pool) Size() int {
	return len(p.queue)
}

// Stats returns the pool's acquisition counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Acquisitions:     p.acquisitions,
		TotalAcquireTime: p.totalAcquireTime,
	}
}

// Shutdown stops the maintenance loop, destroys every queued VM, and closes
// the hypervisor connection. VMs currently held by callers are not
// reclaimed. Idempotent; subsequent Acquire and Release calls fail fast.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	initialized := p.initialized
	cancel := p.maintCancel
	done := p.maintDone
	p.mu.Unlock()

	close(p.closedCh)

	if cancel != nil {
		cancel()
		<-done
	}

	for {
		select {
		case pv := <-p.queue:
			p.destroy(ctx, pv)
		default:
			p.observeSize()
			if !initialized {
				return nil
			}
			p.log.Info("pool shut down")
			return p.provider.Close()
		}
	}
}

// maintain is the background refill loop. It runs until its context is
// cancelled; individual refill failures are logged and retried on the next
// cycle, never fatal to the loop.
func (p *Pool) maintain(ctx context.Context) {
	defer close(p.maintDone)

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refill(ctx)
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	for p.Size() < p.cfg.MinSize {
		if ctx.Err() != nil {
			return
		}
		pv, err := p.createPooledVM(ctx)
		if err != nil {
			p.log.Error(err, "maintenance refill failed, retrying next cycle")
			return
		}
		select {
		case p.queue <- pv:
			p.log.V(1).Info("refilled pool", "vmName", pv.vm.Name, "size", p.Size())
		default:
			// Filled up while we were creating.
			p.destroy(ctx, pv)
			p.observeSize()
			return
		}
	}
	p.observeSize()
}

// createPooledVM manufactures a fresh VM and its golden snapshot. The
// snapshot name is derived from the VM's identity, so a given VM always
// resets to the same known-clean point.
func (p *Pool) createPooledVM(ctx context.Context) (pooledVM, error) {
	name := fmt.Sprintf("warden-%s", uuid.NewString()[:8])

	vm, err := p.provider.CreateVM(ctx, name)
	if err != nil {
		return pooledVM{}, errors.Join(err, errCreateFailed, ErrPoolState)
	}

	snapshotID, err := p.snapshots.CreateSnapshot(
		ctx, vm, goldenSnapshotName(name), "known-clean state for pool reuse",
	)
	if err != nil {
		if destroyErr := p.provider.DestroyVM(ctx, vm); destroyErr != nil {
			p.log.Error(destroyErr, "failed to destroy VM after snapshot failure", "vmName", name)
		}
		return pooledVM{}, errors.Join(err, errCreateFailed, ErrPoolState)
	}

	return pooledVM{vm: vm, createdAt: time.Now(), goldenSnapshot: snapshotID}, nil
}

// destroy tears a VM down best-effort; failures are logged, not propagated,
// because destroy always runs on an already-failing or terminal path.
func (p *Pool) destroy(ctx context.Context, pv pooledVM) {
	if err := p.provider.DestroyVM(ctx, pv.vm); err != nil {
		p.log.Error(err, "failed to destroy VM", "vmName", pv.vm.Name)
	}
}

func (p *Pool) observeSize() {
	if p.metrics != nil {
		p.metrics.AvailableVMs.Set(float64(p.Size()))
	}
}

func goldenSnapshotName(vmName string) string {
	return "golden-" + vmName
}
