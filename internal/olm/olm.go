// Package olm is the offload manager. It owns the ordered list of offload
// modules for one WLAN interface, initialises and tears them down, and fans
// power-state transitions out to them.
package olm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/HerbHall/wlanlpa/internal/metrics"
	"github.com/HerbHall/wlanlpa/internal/worker"
	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

var (
	// ErrModuleInitFailed is wrapped by every *InitError.
	ErrModuleInitFailed = errors.New("offload module init failed")
	// ErrAlreadyInitialized is returned by InitModules on a live manager.
	ErrAlreadyInitialized = errors.New("offload modules already initialized")
)

// InitError reports which module stopped InitModules.
type InitError struct {
	Module string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("offload %q: init: %v", e.Module, e.Err)
}

func (e *InitError) Unwrap() []error { return []error{ErrModuleInitFailed, e.Err} }

// Handles are the shared interface handles given to every module.
type Handles struct {
	Driver     wlan.Driver
	Stack      netstack.Stack
	Addressing netstack.Addressing
	Activity   offload.ActivitySink
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorker makes the manager use w instead of creating its own.
func WithWorker(w *worker.Worker) Option {
	return func(m *Manager) { m.worker = w }
}

// WithMetrics records PM failures in m.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager drives the offload modules of one interface.
type Manager struct {
	mu          sync.Mutex
	modules     []offload.Offload
	initialized int // number of modules whose Init succeeded, from the front
	handles     Handles
	live        bool
	pm2Saved    *uint32

	worker  *worker.Worker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a manager for list. The order of list is the init, teardown
// and dispatch order. A nil list is treated as empty.
func New(logger *zap.Logger, list []offload.Offload, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		modules: slices.Clone(list),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.worker == nil {
		m.worker = worker.New(worker.DefaultQueueSize, logger.Named("worker"))
	}
	return m
}

// InitModules programs the WLAN low-power settings, then calls Init on each
// module in order. On the first failure the failing module is deinitialised,
// the modules already initialised are torn down in reverse order and an
// *InitError is returned. A worker started by this call is stopped again.
func (m *Manager) InitModules(ctx context.Context, h Handles) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live {
		return ErrAlreadyInitialized
	}
	if h.Activity == nil {
		h.Activity = offload.ActivityFunc(func(bool) {})
	}
	m.handles = h

	startedWorker := !m.worker.Running()
	if startedWorker {
		m.worker.Start(context.WithoutCancel(ctx))
	}

	m.configureLowPower(ctx)

	for i, mod := range m.modules {
		name := mod.Info().Name
		m.logger.Info("initializing offload", zap.String("offload", name))
		if err := mod.Init(ctx, m.depsFor(name)); err != nil {
			m.logger.Error("offload failed to initialize",
				zap.String("offload", name),
				zap.Error(err),
			)
			m.metrics.InitFailure(name)
			if derr := mod.Deinit(ctx); derr != nil {
				m.logger.Warn("offload deinit after failed init failed",
					zap.String("offload", name),
					zap.Error(derr),
				)
			}
			m.unwind(ctx, i)
			if startedWorker {
				m.worker.Stop()
			}
			return &InitError{Module: name, Err: err}
		}
		m.initialized = i + 1
	}

	m.live = true
	m.logger.Info("offload modules initialized", zap.Strings("order", m.names()))
	return nil
}

// unwind deinitialises modules[:n] in reverse order.
func (m *Manager) unwind(ctx context.Context, n int) {
	for i := n - 1; i >= 0; i-- {
		mod := m.modules[i]
		if err := mod.Deinit(ctx); err != nil {
			m.logger.Warn("offload deinit during unwind failed",
				zap.String("offload", mod.Info().Name),
				zap.Error(err),
			)
		}
	}
	m.initialized = 0
}

// DeinitModules calls Deinit on every module in list order. Failures are
// logged and do not stop the teardown.
func (m *Manager) DeinitModules(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deinitLocked(ctx)
}

func (m *Manager) deinitLocked(ctx context.Context) {
	for _, mod := range m.modules {
		name := mod.Info().Name
		m.logger.Info("deinitializing offload", zap.String("offload", name))
		if err := mod.Deinit(ctx); err != nil {
			m.logger.Error("failed to deinitialize offload", zap.String("offload", name), zap.Error(err))
		}
	}
	m.initialized = 0
	m.live = false
	m.pm2Saved = nil
}

// Dispatch announces state to every module in list order. Module errors and
// panics are logged and counted; Dispatch itself never fails.
func (m *Manager) Dispatch(ctx context.Context, state offload.PowerState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.live {
		m.logger.Debug("dispatch before init ignored", zap.Stringer("state", state))
		return
	}

	m.pm2(ctx, state)

	for _, mod := range m.modules {
		m.safePM(ctx, mod, state)
	}
}

func (m *Manager) safePM(ctx context.Context, mod offload.Offload, state offload.PowerState) {
	name := mod.Info().Name
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("offload PM panicked",
				zap.String("offload", name),
				zap.Stringer("state", state),
				zap.Any("panic", r),
			)
			m.metrics.PMError(name, state.String())
		}
	}()
	if err := mod.PM(ctx, state); err != nil {
		m.logger.Warn("offload PM failed",
			zap.String("offload", name),
			zap.Stringer("state", state),
			zap.Error(err),
		)
		m.metrics.PMError(name, state.String())
	}
}

// Restart tears every module down and initialises them again with the
// handles from the last InitModules call.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	h := m.handles
	m.deinitLocked(ctx)
	m.mu.Unlock()
	return m.InitModules(ctx, h)
}

// Find returns the module with the given name.
func (m *Manager) Find(name string) (offload.Offload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mod := range m.modules {
		if mod.Info().Name == name {
			return mod, true
		}
	}
	return nil, false
}

// Names returns the module names in dispatch order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.names()
}

func (m *Manager) names() []string {
	out := make([]string, 0, len(m.modules))
	for _, mod := range m.modules {
		out = append(out, mod.Info().Name)
	}
	return out
}

// Worker returns the deferred-work queue shared by the modules.
func (m *Manager) Worker() *worker.Worker { return m.worker }

// Close tears the modules down and stops the worker.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.live {
		m.deinitLocked(ctx)
	}
	m.mu.Unlock()
	m.worker.Stop()
}

func (m *Manager) depsFor(name string) offload.Dependencies {
	return offload.Dependencies{
		Driver:     m.handles.Driver,
		Stack:      m.handles.Stack,
		Addressing: m.handles.Addressing,
		Scheduler:  m.worker,
		Activity:   m.handles.Activity,
		Logger:     m.logger.Named(name),
	}
}
