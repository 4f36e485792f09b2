package panel

import (
	"context"
	"sync"
	"time"

	"panelhub/internal/clock"

	"go.uber.org/zap"
)

// DefaultHealthInterval is how often panels are pinged.
const DefaultHealthInterval = 30 * time.Second

// Pinger probes a panel's liveness endpoint.
type Pinger interface {
	Ping(ctx context.Context, p Panel) error
}

// HealthChecker pings every panel on a fixed interval and flips its
// connectivity in the registry. When a panel comes back online the
// OnOnline callback runs so the hub can resync it.
type HealthChecker struct {
	registry *Registry
	pinger   Pinger
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	// OnOnline is called after a panel transitions from offline to online.
	OnOnline func(ctx context.Context, panelID string)

	mu      sync.Mutex
	timer   clock.Timer
	ctx     context.Context
	running bool
}

// NewHealthChecker creates a checker; it does nothing until Start.
func NewHealthChecker(registry *Registry, pinger Pinger, clk clock.Clock, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		registry: registry,
		pinger:   pinger,
		clock:    clk,
		interval: interval,
		logger:   logger.Named("health"),
	}
}

// CheckAll pings every registered panel once and returns how many are
// online afterwards.
func (h *HealthChecker) CheckAll(ctx context.Context) int {
	for _, p := range h.registry.List() {
		err := h.pinger.Ping(ctx, p)
		if err != nil {
			if p.Online {
				h.logger.Warn("Panel stopped answering pings",
					zap.String("panel", p.ID),
					zap.Error(err))
			}
			h.registry.SetOnline(p.ID, false, h.clock.Now())
			continue
		}
		if h.registry.SetOnline(p.ID, true, h.clock.Now()) && h.OnOnline != nil {
			h.OnOnline(ctx, p.ID)
		}
	}
	return h.registry.OnlineCount()
}

// Start schedules periodic checks.
func (h *HealthChecker) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}
	h.running = true
	h.ctx = ctx
	h.armLocked()
	h.logger.Info("Panel health checker started", zap.Duration("interval", h.interval))
}

// Stop cancels the schedule.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.running = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *HealthChecker) armLocked() {
	h.timer = h.clock.AfterFunc(h.interval, h.run)
}

func (h *HealthChecker) run() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	ctx := h.ctx
	h.mu.Unlock()

	h.CheckAll(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		h.armLocked()
	}
}
