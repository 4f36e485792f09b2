// Package pluginmanager owns the registered adapters, their persisted
// enabled/settings configuration, and their lifecycle. It exposes uniform
// action-dispatch and state-query operations regardless of which hooks an
// adapter implements, and never lets an adapter failure escape as anything
// other than a result value.
package pluginmanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"panelhub/internal/metrics"
	"panelhub/internal/store"
	"panelhub/pkg/plugin"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds every adapter hook invocation.
const DefaultCallTimeout = 10 * time.Second

var (
	// ErrAdapterNotFound is returned for an id that was never registered.
	ErrAdapterNotFound = errors.New("adapter not registered")
	// ErrCallTimeout is returned when an adapter hook exceeds the call timeout.
	ErrCallTimeout = errors.New("adapter call timed out")
)

// State is an adapter's runtime lifecycle state.
type State int32

const (
	StateDisabled State = iota
	StateInitializing
	StateEnabled
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInitializing:
		return "initializing"
	case StateEnabled:
		return "enabled"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

type entry struct {
	// lifecycle serializes transitions and config writes for one adapter.
	lifecycle sync.Mutex

	adapter atomic.Pointer[plugin.Adapter]
	state   atomic.Int32
}

func (e *entry) current() State { return State(e.state.Load()) }

func (e *entry) set(s State) { e.state.Store(int32(s)) }

// Options configures a Manager.
type Options struct {
	// CallTimeout bounds each adapter hook call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	// HTTPClient issues requests for HTTP-action adapters.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Manager is the registry of adapters.
type Manager struct {
	configs     *store.AdapterConfigs
	client      *http.Client
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates a Manager persisting adapter configuration in configs.
func New(configs *store.AdapterConfigs, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Manager{
		configs:     configs,
		client:      opts.HTTPClient,
		callTimeout: opts.CallTimeout,
		metrics:     opts.Metrics,
		logger:      logger.Named("plugins"),
		entries:     make(map[string]*entry),
	}
}

// Register adds an adapter. A default disabled configuration is created if
// none exists. Registering an id again replaces its descriptor and hooks but
// keeps its configuration and lifecycle state.
func (m *Manager) Register(ctx context.Context, a *plugin.Adapter) error {
	if a == nil || a.ID == "" {
		return errors.New("adapter id is required")
	}

	created, err := m.configs.EnsureDefault(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("creating default config for %s: %w", a.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[a.ID]
	if !exists {
		e = &entry{}
		m.entries[a.ID] = e
		m.order = append(m.order, a.ID)
	}
	e.adapter.Store(a)

	m.logger.Info("Registered adapter",
		zap.String("adapter", a.ID),
		zap.Bool("replaced", exists),
		zap.Bool("default_config", created),
		zap.Any("capabilities", a.Capabilities()))
	return nil
}

func (m *Manager) lookup(id string) (*entry, *plugin.Adapter) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return e, e.adapter.Load()
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Adapter returns the registered adapter.
func (m *Manager) Adapter(id string) (*plugin.Adapter, bool) {
	_, a := m.lookup(id)
	return a, a != nil
}

// State returns the runtime lifecycle state of an adapter.
func (m *Manager) State(id string) (State, error) {
	e, _ := m.lookup(id)
	if e == nil {
		return StateDisabled, ErrAdapterNotFound
	}
	return e.current(), nil
}

// IsEnabled reports whether the adapter is registered and running.
func (m *Manager) IsEnabled(id string) bool {
	e, _ := m.lookup(id)
	return e != nil && e.current() == StateEnabled
}

// PollInterval returns the adapter's effective poll interval, or the default
// for unknown adapters.
func (m *Manager) PollInterval(id string) time.Duration {
	_, a := m.lookup(id)
	if a == nil {
		return plugin.DefaultPollInterval
	}
	return a.Interval()
}

// InitializeAll initializes every adapter whose configuration is enabled.
// A failing adapter is logged and left disabled; the others still start.
func (m *Manager) InitializeAll(ctx context.Context) {
	for _, id := range m.ids() {
		cfg, err := m.configs.Get(ctx, id)
		if err != nil {
			m.logger.Error("Failed to read adapter config", zap.String("adapter", id), zap.Error(err))
			continue
		}
		if !cfg.Enabled {
			continue
		}

		e, a := m.lookup(id)
		e.lifecycle.Lock()
		err = m.initializeLocked(ctx, e, a, cfg.Settings)
		e.lifecycle.Unlock()
		if err != nil {
			m.logger.Error("Adapter failed to initialize", zap.String("adapter", id), zap.Error(err))
		}
	}
}

// ShutdownAll shuts down every running adapter.
func (m *Manager) ShutdownAll(ctx context.Context) {
	for _, id := range m.ids() {
		e, a := m.lookup(id)
		e.lifecycle.Lock()
		m.shutdownLocked(ctx, e, a)
		e.lifecycle.Unlock()
	}
}

func (m *Manager) initializeLocked(ctx context.Context, e *entry, a *plugin.Adapter, settings plugin.Settings) error {
	e.set(StateInitializing)
	if a.Initialize != nil {
		if err := m.initialize(ctx, e, a, settings.Clone()); err != nil {
			e.set(StateDisabled)
			return fmt.Errorf("initializing %s: %w", a.ID, err)
		}
	}
	e.set(StateEnabled)
	m.logger.Info("Adapter enabled", zap.String("adapter", a.ID))
	return nil
}

// initialize runs the Initialize hook under the call timeout. When the hook
// outlives the timeout it is left to finish, and if it then succeeds while
// the adapter is still disabled it is shut down again.
func (m *Manager) initialize(ctx context.Context, e *entry, a *plugin.Adapter, settings plugin.Settings) error {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("adapter panicked: %v", r)
			}
		}()
		done <- a.Initialize(callCtx, settings)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		go m.reclaim(e, a, done)
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrCallTimeout, m.callTimeout)
	}
}

// reclaim waits for an abandoned Initialize and releases what it acquired.
func (m *Manager) reclaim(e *entry, a *plugin.Adapter, done <-chan error) {
	if err := <-done; err != nil || a.Shutdown == nil {
		return
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.current() != StateDisabled {
		return
	}
	m.logger.Warn("Adapter initialized after timeout, shutting it down", zap.String("adapter", a.ID))
	if err := m.callErr(context.Background(), a.Shutdown); err != nil {
		m.logger.Warn("Adapter shutdown failed", zap.String("adapter", a.ID), zap.Error(err))
	}
}

func (m *Manager) shutdownLocked(ctx context.Context, e *entry, a *plugin.Adapter) {
	if e.current() != StateEnabled {
		return
	}
	e.set(StateShuttingDown)
	if a.Shutdown != nil {
		if err := m.callErr(ctx, a.Shutdown); err != nil {
			m.logger.Warn("Adapter shutdown failed", zap.String("adapter", a.ID), zap.Error(err))
		}
	}
	e.set(StateDisabled)
	m.logger.Info("Adapter disabled", zap.String("adapter", a.ID))
}

// ConfigUpdate is a partial configuration change. Nil fields are left as
// they are; Settings keys are merged shallowly over the stored settings.
type ConfigUpdate struct {
	Enabled  *bool           `json:"enabled,omitempty"`
	Settings plugin.Settings `json:"settings,omitempty"`
}

// Transition names the lifecycle change a SetConfig call performed.
type Transition string

const (
	TransitionNone   Transition = "none"
	TransitionEnable Transition = "enable"
	// TransitionDisable shuts a running adapter down.
	TransitionDisable Transition = "disable"
	// TransitionReload restarts an enabled adapter with new settings.
	TransitionReload Transition = "reload"
)

// ConfigResult reports the persisted configuration after SetConfig.
type ConfigResult struct {
	Config     store.AdapterConfig `json:"config"`
	Transition Transition          `json:"transition"`
	State      string              `json:"state"`
}

// SetConfig merges and persists update, then performs at most one of
// enable, disable or settings reload. Calls for the same adapter are
// serialized. If initialization fails the configuration stays persisted
// but the adapter remains disabled at runtime and the error is returned; a
// later call with the adapter still enabled retries the initialize.
func (m *Manager) SetConfig(ctx context.Context, id string, update ConfigUpdate) (ConfigResult, error) {
	e, a := m.lookup(id)
	if e == nil {
		return ConfigResult{}, fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	a = e.adapter.Load()

	cfg, err := m.configs.Get(ctx, id)
	if err != nil {
		return ConfigResult{}, fmt.Errorf("reading config for %s: %w", id, err)
	}

	wasEnabled := cfg.Enabled
	merged := cfg.Settings.Clone()
	for k, v := range update.Settings {
		merged[k] = v
	}
	settingsChanged := !reflect.DeepEqual(map[string]any(merged), map[string]any(cfg.Settings))

	cfg.Settings = merged
	if update.Enabled != nil {
		cfg.Enabled = *update.Enabled
	}
	if err := m.configs.Put(ctx, id, cfg); err != nil {
		return ConfigResult{}, fmt.Errorf("persisting config for %s: %w", id, err)
	}

	result := ConfigResult{Config: cfg, Transition: TransitionNone}
	switch {
	case !wasEnabled && cfg.Enabled:
		result.Transition = TransitionEnable
		err = m.initializeLocked(ctx, e, a, cfg.Settings)
	case wasEnabled && !cfg.Enabled:
		result.Transition = TransitionDisable
		m.shutdownLocked(ctx, e, a)
	case cfg.Enabled && e.current() != StateEnabled:
		// stored as enabled but an earlier initialize failed
		result.Transition = TransitionEnable
		err = m.initializeLocked(ctx, e, a, cfg.Settings)
	case cfg.Enabled && settingsChanged:
		result.Transition = TransitionReload
		m.shutdownLocked(ctx, e, a)
		err = m.initializeLocked(ctx, e, a, cfg.Settings)
	}
	result.State = e.current().String()

	m.logger.Info("Adapter config updated",
		zap.String("adapter", id),
		zap.String("transition", string(result.Transition)),
		zap.String("state", result.State))
	return result, err
}

// Config returns the persisted configuration of an adapter.
func (m *Manager) Config(ctx context.Context, id string) (store.AdapterConfig, error) {
	if e, _ := m.lookup(id); e == nil {
		return store.AdapterConfig{}, fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	return m.configs.Get(ctx, id)
}

// Status is the admin view of one adapter.
type Status struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Capabilities []plugin.Capability `json:"capabilities"`
	PollInterval string              `json:"pollInterval"`
	Enabled      bool                `json:"enabled"`
	State        string              `json:"state"`
	Settings     plugin.Settings     `json:"settings"`
}

// List returns the status of every adapter in registration order.
func (m *Manager) List(ctx context.Context) []Status {
	ids := m.ids()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		e, a := m.lookup(id)
		cfg, err := m.configs.Get(ctx, id)
		if err != nil {
			m.logger.Warn("Failed to read adapter config", zap.String("adapter", id), zap.Error(err))
		}
		out = append(out, Status{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			Capabilities: a.Capabilities(),
			PollInterval: a.Interval().String(),
			Enabled:      cfg.Enabled,
			State:        e.current().String(),
			Settings:     cfg.Settings,
		})
	}
	return out
}
