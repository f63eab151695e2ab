// Package cachemanager is the public facade of the cache layer: it wires
// the registry, sync module and dispatcher together and exposes the
// request-lifecycle API consumed by the query engine.
package cachemanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dfscache/dfscache/internal/config"
	"github.com/dfscache/dfscache/internal/dispatch"
	"github.com/dfscache/dfscache/internal/logging"
	"github.com/dfscache/dfscache/internal/metrics"
	"github.com/dfscache/dfscache/internal/registry"
	"github.com/dfscache/dfscache/internal/transfer"
	"github.com/dfscache/dfscache/pkg/dfs"
	"github.com/dfscache/dfscache/pkg/errors"
	"github.com/dfscache/dfscache/pkg/types"
)

type lifecycle int

const (
	stateInitialized lifecycle = iota
	stateConfigured
	stateShutdown
)

// Manager is the process-wide cache manager. Init creates exactly one per
// process; the handle is threaded through clients rather than reached via
// globals.
type Manager struct {
	mu       sync.Mutex
	state    lifecycle
	cfg      *config.Configuration
	logger   *zap.Logger
	metrics  *metrics.Collector
	registry *registry.Registry
	syncer   *transfer.Syncer
	dispatch *dispatch.Dispatcher

	shutdownCh chan struct{}
}

var (
	initMu      sync.Mutex
	initialized bool
)

// Init creates the cache manager. It must be called once, before any other
// entry point; a second call fails with AlreadyInitialized.
func Init(cfg *config.Configuration) (*Manager, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initialized {
		return nil, errors.New(errors.ErrCodeAlreadyInitialized, "cache manager already initialized").
			WithComponent("manager").WithOperation("init")
	}

	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidArgument, "invalid configuration", err).
			WithComponent("manager").WithOperation("init")
	}

	logger, err := logging.New(cfg.Global)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "logger setup failed", err).
			WithComponent("manager").WithOperation("init")
	}

	var collector *metrics.Collector
	if cfg.Monitoring.Enabled {
		collector = metrics.NewCollector(cfg.Monitoring.CustomLabels)
	}

	initialized = true
	return &Manager{
		state:      stateInitialized,
		cfg:        cfg,
		logger:     logger.Named("manager"),
		metrics:    collector,
		shutdownCh: make(chan struct{}),
	}, nil
}

// resetForTest clears the process-wide init guard.
func resetForTest() {
	initMu.Lock()
	initialized = false
	initMu.Unlock()
}

// Configure wires the metadata registry and sync module around the given
// DFS client and starts the dispatcher. Must follow Init.
func (m *Manager) Configure(client dfs.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateConfigured:
		return errors.New(errors.ErrCodeAlreadyInitialized, "cache manager already configured").
			WithComponent("manager").WithOperation("configure")
	case stateShutdown:
		return errors.New(errors.ErrCodeShutdown, "cache manager is shut down").
			WithComponent("manager").WithOperation("configure")
	}
	if client == nil {
		return errors.New(errors.ErrCodeInvalidArgument, "nil DFS client").
			WithComponent("manager").WithOperation("configure")
	}

	reg, err := registry.New(m.cfg.Cache, m.cfg.Network, m.logger)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLocalIO, "registry setup failed", err).
			WithComponent("manager").WithOperation("configure")
	}

	m.registry = reg
	m.syncer = transfer.New(reg, client, m.cfg.Transfer, m.logger, m.metrics)
	m.dispatch = dispatch.New(m.cfg.Dispatch, reg, m.syncer, client, m.logger, m.metrics)
	m.state = stateConfigured

	m.logger.Info("cache manager configured",
		zap.String("cache_root", m.cfg.Cache.RootDirectory),
		zap.Int("short_pool", m.cfg.Dispatch.ShortPoolWorkers),
		zap.Int("long_pool", m.cfg.Dispatch.LongPoolWorkers))
	return nil
}

// Estimate admits an estimate-class request for the given files. In async
// mode it returns immediately; the callback reports per-file detail. In
// sync mode it blocks until finalization and returns the aggregate time to
// materialize all files, zero when everything is already local.
func (m *Manager) Estimate(session string, desc dfs.Descriptor, paths []string,
	callback types.CompletionCallback, async bool) (types.RequestIdentity, time.Duration, error) {

	d, err := m.ready(desc)
	if err != nil {
		return types.RequestIdentity{}, 0, err
	}

	if async {
		id, err := m.dispatch.Submit(dispatch.SubmitParams{
			SessionID:  m.session(session),
			Kind:       types.KindEstimate,
			Descriptor: d,
			Paths:      paths,
			Callback:   callback,
		})
		return id, 0, err
	}

	done := make(chan []types.FileProgress, 1)
	wrapped := func(id types.RequestIdentity, state types.RequestState, files []types.FileProgress) {
		if callback != nil {
			callback(id, state, files)
		}
		done <- files
	}

	id, err := m.dispatch.Submit(dispatch.SubmitParams{
		SessionID:  m.session(session),
		Kind:       types.KindEstimate,
		Descriptor: d,
		Paths:      paths,
		Callback:   wrapped,
	})
	if err != nil {
		return types.RequestIdentity{}, 0, err
	}

	select {
	case files := <-done:
		return id, aggregateEstimate(files), nil
	case <-m.shutdownCh:
		return id, 0, errors.New(errors.ErrCodeShutdown, "shutdown while waiting for estimate").
			WithComponent("manager").WithOperation("estimate")
	}
}

// Prepare admits a prepare-class request materializing the given files
// locally. The callback fires exactly once with the aggregate state.
func (m *Manager) Prepare(session string, desc dfs.Descriptor, paths []string,
	callback types.CompletionCallback) (types.RequestIdentity, error) {

	d, err := m.ready(desc)
	if err != nil {
		return types.RequestIdentity{}, err
	}
	return m.dispatch.Submit(dispatch.SubmitParams{
		SessionID:  m.session(session),
		Kind:       types.KindPrepare,
		Descriptor: d,
		Paths:      paths,
		Callback:   callback,
	})
}

// Cancel cancels an active request. NotFound for unknown or terminal ids.
func (m *Manager) Cancel(id types.RequestIdentity) error {
	if err := m.configured(); err != nil {
		return err
	}
	return m.dispatch.Cancel(id)
}

// CheckStatus returns per-file progress and aggregate counters for an
// admitted request. Non-blocking.
func (m *Manager) CheckStatus(id types.RequestIdentity) (*dispatch.StatusReport, error) {
	if err := m.configured(); err != nil {
		return nil, err
	}
	return m.dispatch.CheckStatus(id)
}

// ValidateLocalCache re-verifies every Local registry entry against local
// and remote state, marking mismatches Stale.
func (m *Manager) ValidateLocalCache(ctx context.Context) (bool, error) {
	if err := m.configured(); err != nil {
		return false, err
	}
	return m.syncer.ValidateLocalCache(ctx)
}

// Shutdown stops the cache manager: admission is refused, the dispatcher
// loops and both pools are joined, and the registry's connection pools are
// closed. With force, in-flight tasks are canceled; otherwise they run to
// completion. Pending callbacks fire only when updateClients is set.
// Idempotent: a second call returns nil immediately.
func (m *Manager) Shutdown(force, updateClients bool) error {
	m.mu.Lock()
	if m.state == stateShutdown {
		m.mu.Unlock()
		return nil
	}
	wasConfigured := m.state == stateConfigured
	m.state = stateShutdown
	m.mu.Unlock()

	close(m.shutdownCh)
	if wasConfigured {
		m.dispatch.Shutdown(force, updateClients)
		m.registry.ClosePools()
	}

	m.mu.Lock()
	m.registry = nil
	m.syncer = nil
	m.mu.Unlock()

	m.logger.Info("cache manager shut down", zap.Bool("force", force))
	return nil
}

// Metrics exposes the prometheus collector, nil when monitoring is off.
func (m *Manager) Metrics() *metrics.Collector {
	return m.metrics
}

// ready validates lifecycle state and resolves the descriptor.
func (m *Manager) ready(desc dfs.Descriptor) (dfs.Descriptor, error) {
	if err := m.configured(); err != nil {
		return dfs.Descriptor{}, err
	}
	return dfs.ResolveAddress(desc, dfs.Defaults{
		Scheme: m.cfg.Cache.DefaultScheme,
		Host:   m.cfg.Cache.DefaultHost,
		Port:   m.cfg.Cache.DefaultPort,
	})
}

func (m *Manager) configured() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateShutdown:
		return errors.New(errors.ErrCodeShutdown, "cache manager is shut down").
			WithComponent("manager")
	case stateInitialized:
		return errors.New(errors.ErrCodeNotInitialized, "cache manager not configured").
			WithComponent("manager")
	}
	return nil
}

// session returns the supplied session id, minting one for clients that do
// not track sessions themselves.
func (m *Manager) session(session string) string {
	if session != "" {
		return session
	}
	return uuid.NewString()
}

// aggregateEstimate sums per-file estimates: the bandwidth assumption is
// per-filesystem, so files materialize sequentially in the worst case.
func aggregateEstimate(files []types.FileProgress) time.Duration {
	var total time.Duration
	for _, f := range files {
		total += f.EstimatedTime
	}
	return total
}
