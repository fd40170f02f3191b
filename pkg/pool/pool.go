// Package pool is the single entry point for allocating regions. It owns the
// registry that hands out region identities and the reclaimer that retires
// drained regions.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/neurogrid/zerocopy/pkg/dma"
	"github.com/neurogrid/zerocopy/pkg/gpu"
	"github.com/neurogrid/zerocopy/pkg/region"
	"github.com/neurogrid/zerocopy/pkg/registry"
)

var ErrClosed = errors.New("pool closed")

var (
	defaultOnce sync.Once
	defaultPool *Pool
	defaultErr  error
)

// Default returns the process-wide pool, built from DefaultConfig on first
// use. It is never closed.
func Default() (*Pool, error) {
	defaultOnce.Do(func() {
		defaultPool, defaultErr = New(DefaultConfig(), log.NewNopLogger(), nil)
	})
	return defaultPool, defaultErr
}

// Constructor builds an unregistered region of the given size.
type Constructor func(size uint64) (region.Chained, error)

// Pool allocates, registers and reclaims regions.
type Pool struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics

	reg *registry.Registry

	mu    sync.RWMutex
	ctors map[region.Kind]Constructor

	domain *dma.Domain
	driver gpu.Driver

	// admitMu orders registration against Close: admissions hold it shared
	// and Close takes it once after setting closed, so no region is
	// registered after the final sweep.
	admitMu sync.RWMutex
	closed  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates cfg, builds the default constructor table and starts the
// reclaimer unless it is disabled.
func New(cfg Config, logger log.Logger, r prometheus.Registerer) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	driver, err := gpu.NewDriver(cfg.GPUDevice)
	if err != nil {
		level.Warn(logger).Log("msg", "gpu driver unavailable, using host memory", "err", err)
		driver = gpu.NewHostDriver()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		reg:    registry.New(uint32(cfg.InitialSlots), uint32(cfg.MaxSlots)),
		domain: dma.NewDomain(),
		driver: driver,
		done:   make(chan struct{}),
	}
	p.metrics = newMetrics(r, p.reg)
	p.ctors = p.defaultConstructors()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if cfg.DisableReclaimer {
		close(p.done)
	} else {
		go p.reclaim(ctx)
	}

	level.Debug(logger).Log("msg", "pool started", "slots", cfg.InitialSlots, "gpu", driver.Name())
	return p, nil
}

// Register installs or replaces the constructor used for kind. Network kinds
// have none until a transport registers one.
func (p *Pool) Register(kind region.Kind, ctor Constructor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctors[kind] = ctor
}

// Allocate builds a region of the requested kind, registers it and returns
// it. The region's identity is available through its Chain.
func (p *Pool) Allocate(size uint64, kind region.Kind) (region.Chained, error) {
	p.mu.RLock()
	ctor := p.ctors[kind]
	p.mu.RUnlock()
	if ctor == nil {
		p.metrics.allocFailures.WithLabelValues(kind.String()).Inc()
		return nil, errors.Wrapf(region.ErrUnsupported, "allocate %s region", kind)
	}
	return p.AllocateWith(size, kind, ctor)
}

// AllocateWith is Allocate with an explicit constructor, for classes that
// need per-call options such as a shared memory name or a file path.
func (p *Pool) AllocateWith(size uint64, kind region.Kind, ctor Constructor) (region.Chained, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if size == 0 {
		p.metrics.allocFailures.WithLabelValues(kind.String()).Inc()
		return nil, region.ErrInvalidSize
	}

	r, err := ctor(size)
	if err != nil {
		p.metrics.allocFailures.WithLabelValues(kind.String()).Inc()
		return nil, errors.Wrapf(err, "allocate %s region of %d bytes", kind, size)
	}
	if ttl := p.cfg.DefaultTTL; ttl > 0 {
		r.Chain().SetTTL(uint64(ttl.Milliseconds()))
	}
	if err := p.admit(r); err != nil {
		p.metrics.allocFailures.WithLabelValues(kind.String()).Inc()
		if rerr := r.Release(); rerr != nil {
			level.Warn(p.logger).Log("msg", "failed to release unregistered region", "kind", kind, "err", rerr)
		}
		return nil, err
	}
	p.metrics.allocations.WithLabelValues(kind.String()).Inc()
	return r, nil
}

// admit registers r and arranges for its successors to be registered the
// same way.
func (p *Pool) admit(r region.Chained) error {
	p.admitMu.RLock()
	defer p.admitMu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	r.Chain().SetAdmit(p.admitSuccessor)
	if _, err := p.reg.Claim(r); err != nil {
		return errors.Wrap(err, "claim registry slot")
	}
	p.metrics.live.Inc()
	return nil
}

func (p *Pool) admitSuccessor(r region.Chained) error {
	if err := p.admit(r); err != nil {
		return err
	}
	p.metrics.successors.WithLabelValues(r.Kind().String()).Inc()
	return nil
}

// Get returns the region registered under id, or nil once it was retired.
func (p *Pool) Get(id uint32) region.Chained {
	return p.reg.Get(id)
}

// Len returns the number of registered regions.
func (p *Pool) Len() int {
	return p.reg.Len()
}

// Slots returns the current registry size.
func (p *Pool) Slots() uint32 {
	return p.reg.Size()
}

// Domain returns the registration table shared by DMA regions of this pool.
func (p *Pool) Domain() *dma.Domain {
	return p.domain
}

// Driver returns the GPU driver backing GPU regions.
func (p *Pool) Driver() gpu.Driver {
	return p.driver
}

// Close stops the reclaimer, waits for it to exit and releases every region
// still registered. Each region is released exactly once even if the
// reclaimer raced on it.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.admitMu.Lock()
	p.admitMu.Unlock()
	p.cancel()
	<-p.done

	released := 0
	p.reg.Range(func(id uint32, r region.Chained) bool {
		if p.reg.Clear(id, r) {
			p.release(r)
			released++
		}
		return true
	})
	level.Debug(p.logger).Log("msg", "pool closed", "released", released)
	return p.driver.Close()
}

// release frees a region that was just removed from the registry. Errors are
// logged and counted; the slot stays cleared.
func (p *Pool) release(r region.Chained) {
	p.metrics.live.Dec()
	p.metrics.deadBytes.Add(float64(r.Chain().DeadSpace()))
	if err := r.Release(); err != nil {
		p.metrics.releaseFailures.Inc()
		id, _ := r.Chain().ID()
		level.Warn(p.logger).Log("msg", "region release failed", "id", id, "kind", r.Kind(), "err", err)
	}
}
