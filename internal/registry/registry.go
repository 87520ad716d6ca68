// Package registry owns every egress backend instance: one per exit region
// plus the default route. Region instances are created lazily on first use
// and concurrent requests for the same region share a single creation.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/region"
)

// DefaultMaxInstances caps live plus starting region instances.
const DefaultMaxInstances = 64

// Starter launches an instance and waits for it to bootstrap.
type Starter interface {
	Start(ctx context.Context, spec backend.Spec) (*backend.Instance, error)
}

// Allocator hands out SOCKS ports for new region instances.
type Allocator interface {
	Allocate() int
}

// Options configures a Registry.
type Options struct {
	Supervisor Starter
	Ports      Allocator

	// Default instance.
	DefaultPort             int
	DefaultConfigPath       string
	DefaultBootstrapTimeout time.Duration

	// Region instances. Each gets DataDir/tor-<cc>.
	DataDir          string
	BootstrapTimeout time.Duration

	// MaxInstances limits region instances. Zero means unlimited.
	MaxInstances int

	Logger    *slog.Logger
	Observers []Observer
}

// Failure is the last creation failure recorded for a region.
type Failure struct {
	Region string    `json:"region"`
	Port   int       `json:"port"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Instances    []backend.Info `json:"instances"`
	Starting     int            `json:"starting"`
	MaxInstances int            `json:"max_instances"`
	Failures     []Failure      `json:"failures,omitempty"`
}

// Registry maps exit regions to running backend instances.
type Registry struct {
	sup       Starter
	ports     Allocator
	opts      Options
	logger    *slog.Logger
	observers []Observer

	// ctx bounds every creation. Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	flights      singleflight.Group
	maxInstances atomic.Int64

	mu        sync.Mutex
	def       *backend.Instance
	instances map[region.Code]*backend.Instance
	starting  int
	failures  map[region.Code]Failure
	closed    bool
}

// New creates a Registry. Call Start before resolving hints.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sup:       opts.Supervisor,
		ports:     opts.Ports,
		opts:      opts,
		logger:    logger.With("component", "registry"),
		observers: opts.Observers,
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[region.Code]*backend.Instance),
		failures:  make(map[region.Code]Failure),
	}
	r.maxInstances.Store(int64(opts.MaxInstances))

	return r
}

// Start launches the default instance and waits for it to bootstrap. It is
// idempotent: once the default instance exists, later calls return nil.
func (r *Registry) Start(ctx context.Context) error {
	_, err, _ := r.flights.Do(string(region.Default), func() (any, error) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if r.def != nil {
			r.mu.Unlock()
			return r.def, nil
		}
		r.mu.Unlock()

		spec := backend.Spec{
			Region:           region.Default,
			Port:             r.opts.DefaultPort,
			ConfigPath:       r.opts.DefaultConfigPath,
			BootstrapTimeout: r.opts.DefaultBootstrapTimeout,
		}

		r.notify(Event{Region: region.Default, Status: backend.StatusStarting, Port: spec.Port})
		began := time.Now()

		inst, err := r.sup.Start(ctx, spec)
		if err != nil {
			r.notify(Event{Region: region.Default, Status: backend.StatusFailed, Port: spec.Port, Elapsed: time.Since(began), Err: err})
			return nil, fmt.Errorf("%w: %w", ErrDefaultBootstrap, err)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = inst.Stop()
			return nil, ErrClosed
		}
		r.def = inst
		r.mu.Unlock()

		r.notify(Event{Region: region.Default, Status: backend.StatusReady, Port: spec.Port, Elapsed: time.Since(began)})
		go r.watch(inst)

		r.logger.Info("Default backend ready", "port", spec.Port)

		return inst, nil
	})

	return err
}

// Resolve maps a routing hint to the SOCKS port of a ready instance,
// creating the region instance on first use. Callers that give up through
// ctx do not cancel a creation other callers may be waiting on.
func (r *Registry) Resolve(ctx context.Context, hint string) (int, error) {
	code, _ := region.Normalize(hint)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	if code.IsDefault() {
		def := r.def
		r.mu.Unlock()
		if def == nil {
			return 0, ErrNotStarted
		}
		return def.Port(), nil
	}
	if inst, ok := r.instances[code]; ok {
		r.mu.Unlock()
		return inst.Port(), nil
	}
	r.mu.Unlock()

	ch := r.flights.DoChan(string(code), func() (any, error) {
		return r.create(code)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(*backend.Instance).Port(), nil
	case <-ctx.Done():
		r.logger.Debug("Caller stopped waiting for backend", "region", code.String(), "error", ctx.Err())
		return 0, ctx.Err()
	}
}

// create runs inside the region's flight. It re-checks the live map so a
// caller that raced past a just-finished flight reuses its instance.
func (r *Registry) create(code region.Code) (*backend.Instance, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &CreationError{Region: code, Err: ErrClosed}
	}
	if inst, ok := r.instances[code]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	if limit := r.maxInstances.Load(); limit > 0 && int64(len(r.instances)+r.starting) >= limit {
		r.mu.Unlock()
		err := &CreationError{Region: code, Err: fmt.Errorf("%w (%d)", ErrCapacity, limit)}
		r.recordFailure(code, 0, err.Err)
		r.notify(Event{Region: code, Status: backend.StatusFailed, Err: err.Err})
		r.logger.Warn("Backend creation refused", "region", code.String(), "error", err.Err)
		return nil, err
	}
	r.starting++
	r.mu.Unlock()

	spec := backend.Spec{
		Region:           code,
		Port:             r.ports.Allocate(),
		DataDir:          filepath.Join(r.opts.DataDir, "tor-"+string(code)),
		BootstrapTimeout: r.opts.BootstrapTimeout,
	}
	log := r.logger.With("region", code.String(), "port", spec.Port)
	log.Info("Creating backend")

	r.notify(Event{Region: code, Status: backend.StatusStarting, Port: spec.Port})
	began := time.Now()

	inst, err := r.sup.Start(r.ctx, spec)

	r.mu.Lock()
	r.starting--
	if err != nil {
		r.mu.Unlock()
		r.recordFailure(code, spec.Port, err)
		r.notify(Event{Region: code, Status: backend.StatusFailed, Port: spec.Port, Elapsed: time.Since(began), Err: err})
		log.Error("Backend creation failed", "error", err)
		return nil, &CreationError{Region: code, Err: err}
	}
	if r.closed {
		r.mu.Unlock()
		_ = inst.Stop()
		return nil, &CreationError{Region: code, Err: ErrClosed}
	}
	r.instances[code] = inst
	r.mu.Unlock()

	r.notify(Event{Region: code, Status: backend.StatusReady, Port: spec.Port, Elapsed: time.Since(began)})
	go r.watch(inst)

	log.Info("Backend ready", "elapsed", time.Since(began).Round(time.Millisecond))

	return inst, nil
}

// Shutdown asks every live instance to terminate and aborts pending
// creations. It does not wait for processes to exit. Termination errors are
// logged, never returned.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	live := make([]*backend.Instance, 0, len(r.instances)+1)
	if r.def != nil {
		live = append(live, r.def)
	}
	for _, inst := range r.instances {
		live = append(live, inst)
	}
	r.mu.Unlock()

	r.cancel()

	for _, inst := range live {
		var gone bool
		select {
		case <-inst.Exited():
			gone = true
		default:
		}

		if err := inst.Stop(); err != nil {
			r.logger.Warn("Failed to stop backend", "region", inst.Region().String(), "error", err)
			continue
		}
		if !gone {
			r.notify(Event{Region: inst.Region(), Status: backend.StatusStopped, Port: inst.Port()})
		}
	}

	r.logger.Info("Registry shut down", "instances", len(live))
}

// SetMaxInstances changes the region instance limit. Existing instances are
// kept even when the new limit is lower.
func (r *Registry) SetMaxInstances(n int) {
	if n < 0 {
		n = 0
	}
	r.maxInstances.Store(int64(n))
}

// Healthy reports whether the default instance is ready and still running.
func (r *Registry) Healthy() bool {
	r.mu.Lock()
	def := r.def
	closed := r.closed
	r.mu.Unlock()

	if closed || def == nil || def.Status() != backend.StatusReady {
		return false
	}
	select {
	case <-def.Exited():
		return false
	default:
		return true
	}
}

// Snapshot returns the instances sorted by region, default first.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		Instances:    make([]backend.Info, 0, len(r.instances)+1),
		Starting:     r.starting,
		MaxInstances: int(r.maxInstances.Load()),
	}
	if r.def != nil {
		snap.Instances = append(snap.Instances, r.def.Info())
	}
	regional := make([]backend.Info, 0, len(r.instances))
	for _, inst := range r.instances {
		regional = append(regional, inst.Info())
	}
	for _, f := range r.failures {
		snap.Failures = append(snap.Failures, f)
	}
	r.mu.Unlock()

	slices.SortFunc(regional, func(a, b backend.Info) int { return cmp.Compare(a.Region, b.Region) })
	slices.SortFunc(snap.Failures, func(a, b Failure) int { return cmp.Compare(a.Region, b.Region) })
	snap.Instances = append(snap.Instances, regional...)

	return snap
}

func (r *Registry) recordFailure(code region.Code, port int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[code] = Failure{
		Region: code.String(),
		Port:   port,
		Error:  err.Error(),
		At:     time.Now(),
	}
}

// watch reports a ready instance whose process exits without being stopped.
func (r *Registry) watch(inst *backend.Instance) {
	select {
	case <-inst.Exited():
	case <-r.ctx.Done():
		return
	}

	if inst.Status() != backend.StatusReady {
		return
	}

	r.logger.Warn("Backend exited unexpectedly",
		"region", inst.Region().String(),
		"port", inst.Port(),
		"error", inst.ExitErr(),
	)
	r.notify(Event{Region: inst.Region(), Status: backend.StatusReady, Port: inst.Port(), Err: inst.ExitErr(), Exited: true})
}

func (r *Registry) notify(ev Event) {
	for _, o := range r.observers {
		o.Observe(ev)
	}
}
