package store

import (
	"context"
	"errors"
	"strings"

	"panelhub/pkg/plugin"
)

const adapterConfigPrefix = "adapter/"

// AdapterConfig is the persisted configuration of one adapter.
type AdapterConfig struct {
	Enabled  bool            `json:"enabled"`
	Settings plugin.Settings `json:"settings"`
}

// AdapterConfigs persists AdapterConfig values keyed by adapter id.
type AdapterConfigs struct {
	kv KV
}

// NewAdapterConfigs wraps kv.
func NewAdapterConfigs(kv KV) *AdapterConfigs {
	return &AdapterConfigs{kv: kv}
}

// Get returns the stored config for id, or ErrNotFound.
func (r *AdapterConfigs) Get(ctx context.Context, id string) (AdapterConfig, error) {
	var cfg AdapterConfig
	if err := GetJSON(ctx, r.kv, adapterConfigPrefix+id, &cfg); err != nil {
		return AdapterConfig{}, err
	}
	if cfg.Settings == nil {
		cfg.Settings = plugin.Settings{}
	}
	return cfg, nil
}

// Put stores cfg for id.
func (r *AdapterConfigs) Put(ctx context.Context, id string, cfg AdapterConfig) error {
	if cfg.Settings == nil {
		cfg.Settings = plugin.Settings{}
	}
	return PutJSON(ctx, r.kv, adapterConfigPrefix+id, cfg)
}

// EnsureDefault creates a disabled config for id unless one exists.
// It reports whether a config was created.
func (r *AdapterConfigs) EnsureDefault(ctx context.Context, id string) (bool, error) {
	_, err := r.Get(ctx, id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return true, r.Put(ctx, id, AdapterConfig{Enabled: false, Settings: plugin.Settings{}})
}

// IDs lists every adapter id with a stored config.
func (r *AdapterConfigs) IDs(ctx context.Context) ([]string, error) {
	keys, err := r.kv.Keys(ctx, adapterConfigPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, adapterConfigPrefix))
	}
	return ids, nil
}
