package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"panelhub/internal/dayphase"
	"panelhub/internal/panel"
	"panelhub/internal/scene"
	"panelhub/internal/store"
	"panelhub/pkg/plugin"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File names read from the config directory. Only hub.yaml is read on every
// start; the seed files only fill an empty store.
const (
	HubFile    = "hub.yaml"
	PanelsFile = "panels.yaml"
	ScenesFile = "scenes.yaml"
)

// HubConfig represents the hub.yaml structure
type HubConfig struct {
	Server    ServerConfig           `yaml:"server"`
	Store     StoreConfig            `yaml:"store"`
	Reconcile ReconcileConfig        `yaml:"reconcile"`
	Adapters  map[string]AdapterSeed `yaml:"adapters"`
	// Location enables sun-relative scene schedules.
	Location *dayphase.Location `yaml:"location"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
	// ReportingURL is sent to panels in their config so they know where to
	// post taps and state reports.
	ReportingURL string `yaml:"reporting_url"`
}

// StoreConfig configures persistence. An empty path keeps everything in
// memory.
type StoreConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// ReconcileConfig holds the loop and gateway timings.
type ReconcileConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	GatewayTimeout    time.Duration `yaml:"gateway_timeout"`
}

// AdapterSeed is the initial configuration of one adapter.
type AdapterSeed struct {
	Enabled  bool            `yaml:"enabled"`
	Settings plugin.Settings `yaml:"settings"`
}

// PanelsConfig represents the panels.yaml structure
type PanelsConfig struct {
	Panels []panel.Panel `yaml:"panels"`
}

// ScenesConfig represents the scenes.yaml structure
type ScenesConfig struct {
	Scenes []scene.Definition `yaml:"scenes"`
}

// Defaults
const (
	DefaultPort              = 8080
	DefaultBusyTimeout       = 5 * time.Second
	DefaultTickInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultCallTimeout       = 10 * time.Second
	DefaultHealthInterval    = 30 * time.Second
	DefaultGatewayTimeout    = 5 * time.Second
)

// Loader manages configuration file loading
type Loader struct {
	configDir string
	logger    *zap.Logger
	hub       *HubConfig
	panels    *PanelsConfig
	scenes    *ScenesConfig
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		configDir: configDir,
		logger:    logger.Named("config"),
	}
}

// LoadAll loads all configuration files. Missing files are not an error;
// malformed ones are.
func (l *Loader) LoadAll() error {
	l.logger.Info("Loading configuration files", zap.String("dir", l.configDir))

	if err := l.LoadHubConfig(); err != nil {
		return fmt.Errorf("failed to load hub config: %w", err)
	}
	if err := l.LoadPanelsConfig(); err != nil {
		return fmt.Errorf("failed to load panels config: %w", err)
	}
	if err := l.LoadScenesConfig(); err != nil {
		return fmt.Errorf("failed to load scenes config: %w", err)
	}

	l.logger.Info("All configuration files loaded successfully")
	return nil
}

// LoadHubConfig loads hub.yaml, then applies environment overrides and
// defaults.
func (l *Loader) LoadHubConfig() error {
	var cfg HubConfig
	if err := l.readYAML(HubFile, &cfg); err != nil {
		return err
	}
	if err := applyEnv(&cfg); err != nil {
		return err
	}
	applyDefaults(&cfg)

	l.hub = &cfg
	l.logger.Info("Hub config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Path),
		zap.Int("adapters", len(cfg.Adapters)))
	return nil
}

// LoadPanelsConfig loads panels.yaml
func (l *Loader) LoadPanelsConfig() error {
	var cfg PanelsConfig
	if err := l.readYAML(PanelsFile, &cfg); err != nil {
		return err
	}
	l.panels = &cfg
	l.logger.Info("Panels config loaded", zap.Int("panels", len(cfg.Panels)))
	return nil
}

// LoadScenesConfig loads scenes.yaml
func (l *Loader) LoadScenesConfig() error {
	var cfg ScenesConfig
	if err := l.readYAML(ScenesFile, &cfg); err != nil {
		return err
	}
	l.scenes = &cfg
	l.logger.Info("Scenes config loaded", zap.Int("scenes", len(cfg.Scenes)))
	return nil
}

func (l *Loader) readYAML(name string, out any) error {
	path := filepath.Join(l.configDir, name)
	l.logger.Debug("Loading config file", zap.String("path", path))

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Info("Config file not found, using defaults", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// GetHubConfig returns the loaded hub configuration
func (l *Loader) GetHubConfig() *HubConfig {
	return l.hub
}

// GetPanelsConfig returns the loaded panel seeds
func (l *Loader) GetPanelsConfig() *PanelsConfig {
	return l.panels
}

// GetScenesConfig returns the loaded scene seeds
func (l *Loader) GetScenesConfig() *ScenesConfig {
	return l.scenes
}

func applyEnv(cfg *HubConfig) error {
	if v := os.Getenv("HUB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HUB_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("HUB_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HUB_REPORTING_URL"); v != "" {
		cfg.Server.ReportingURL = v
	}
	return nil
}

func applyDefaults(cfg *HubConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Store.BusyTimeout <= 0 {
		cfg.Store.BusyTimeout = DefaultBusyTimeout
	}
	r := &cfg.Reconcile
	if r.TickInterval <= 0 {
		r.TickInterval = DefaultTickInterval
	}
	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if r.CallTimeout <= 0 {
		r.CallTimeout = DefaultCallTimeout
	}
	if r.HealthInterval <= 0 {
		r.HealthInterval = DefaultHealthInterval
	}
	if r.GatewayTimeout <= 0 {
		r.GatewayTimeout = DefaultGatewayTimeout
	}
	if cfg.Adapters == nil {
		cfg.Adapters = map[string]AdapterSeed{}
	}
}

// SeedReport counts what Seed wrote.
type SeedReport struct {
	Adapters int
	Panels   int
	Scenes   int
}

// Seed writes configured adapters, panels and scenes that the store does
// not know yet. Anything already stored wins over the files, so changes
// made through the API survive restarts.
func (l *Loader) Seed(ctx context.Context, adapters *store.AdapterConfigs, panels *panel.Registry, scenes *scene.Repository) (SeedReport, error) {
	var report SeedReport

	if l.hub != nil {
		for id, seed := range l.hub.Adapters {
			_, err := adapters.Get(ctx, id)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return report, fmt.Errorf("reading adapter %s: %w", id, err)
			}
			if err := adapters.Put(ctx, id, store.AdapterConfig{Enabled: seed.Enabled, Settings: seed.Settings}); err != nil {
				return report, fmt.Errorf("seeding adapter %s: %w", id, err)
			}
			report.Adapters++
		}
	}

	if l.panels != nil {
		for _, p := range l.panels.Panels {
			if _, ok := panels.Get(p.ID); ok {
				continue
			}
			if err := panels.Upsert(ctx, p); err != nil {
				return report, fmt.Errorf("seeding panel %s: %w", p.ID, err)
			}
			report.Panels++
		}
	}

	if l.scenes != nil {
		for _, d := range l.scenes.Scenes {
			_, err := scenes.Get(ctx, d.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, scene.ErrUnknownScene) {
				return report, fmt.Errorf("reading scene %s: %w", d.ID, err)
			}
			if err := scenes.Put(ctx, d); err != nil {
				return report, fmt.Errorf("seeding scene %s: %w", d.ID, err)
			}
			report.Scenes++
		}
	}

	l.logger.Info("Seeded store from config",
		zap.Int("adapters", report.Adapters),
		zap.Int("panels", report.Panels),
		zap.Int("scenes", report.Scenes))
	return report, nil
}
