package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Adapter packages register a factory from init(); main blank-imports the
// packages it ships and builds every registered adapter with CreateAll
// before handing them to the plugin manager.

const (
	// PriorityDefault is used by the adapters bundled with the hub.
	PriorityDefault = 0
	// PriorityOverride lets a site-specific build replace a bundled adapter
	// under the same id, keeping existing bindings valid.
	PriorityOverride = 100
)

// DefaultOrder is the creation order given to factories that leave Order
// unset.
const DefaultOrder = 50

// FactoryInfo describes one adapter factory.
type FactoryInfo struct {
	// Name is the adapter id. Bindings reference adapters by this id, so
	// the adapter the factory builds must carry it too.
	Name        string
	Description string
	// Priority decides between factories registered under one id; the
	// higher wins, ties go to the later registration.
	Priority int
	Factory  Factory
	// Order sets creation order, lowest first, then by name.
	Order int
}

// Registry holds adapter factories keyed by adapter id.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FactoryInfo
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]FactoryInfo)}
}

// Register adds info, or replaces an earlier factory for the same id with
// a priority no higher than info's. A losing registration is not an error.
func (r *Registry) Register(info FactoryInfo) error {
	if info.Name == "" {
		return errors.New("adapter name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("adapter %s: factory cannot be nil", info.Name)
	}
	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	logger := zap.L().Named("plugin").With(zap.String("adapter", info.Name))

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.factories[info.Name]; ok {
		if info.Priority < prev.Priority {
			logger.Info("Keeping higher priority adapter factory",
				zap.Int("priority", info.Priority),
				zap.Int("kept_priority", prev.Priority))
			return nil
		}
		logger.Info("Replacing adapter factory",
			zap.String("previous", prev.Description),
			zap.Int("priority", info.Priority))
	}
	r.factories[info.Name] = info
	logger.Debug("Adapter factory registered", zap.Int("order", info.Order))
	return nil
}

// Get returns the factory registered for id, or nil.
func (r *Registry) Get(id string) *FactoryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.factories[id]; ok {
		return &info
	}
	return nil
}

// List returns the factories in creation order.
func (r *Registry) List() []FactoryInfo {
	r.mu.RLock()
	out := make([]FactoryInfo, 0, len(r.factories))
	for _, info := range r.factories {
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns the registered adapter ids in creation order.
func (r *Registry) Names() []string {
	infos := r.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// CreateAll builds one adapter per factory, in creation order. The first
// failure aborts: a hub missing an adapter would silently orphan every
// button bound to it.
func (r *Registry) CreateAll(ctx *Context) ([]*Adapter, error) {
	infos := r.List()
	adapters := make([]*Adapter, 0, len(infos))
	for _, info := range infos {
		a, err := info.Factory(ctx)
		switch {
		case err != nil:
			return nil, fmt.Errorf("failed to create adapter %s: %w", info.Name, err)
		case a == nil:
			return nil, fmt.Errorf("failed to create adapter %s: factory returned nil", info.Name)
		case a.ID != info.Name:
			return nil, fmt.Errorf("adapter %s: factory produced id %q", info.Name, a.ID)
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// Clear drops every factory.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]FactoryInfo)
}

var global = NewRegistry()

// Register adds a factory to the process-wide registry. Adapter packages
// call it from init().
func Register(info FactoryInfo) error { return global.Register(info) }

func Get(id string) *FactoryInfo { return global.Get(id) }

func List() []FactoryInfo { return global.List() }

func Names() []string { return global.Names() }

// CreateAll builds every adapter in the process-wide registry.
func CreateAll(ctx *Context) ([]*Adapter, error) { return global.CreateAll(ctx) }

// ClearGlobal empties the process-wide registry. Tests only.
func ClearGlobal() { global.Clear() }
