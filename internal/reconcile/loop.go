// Package reconcile keeps every panel's cached button state aligned with the
// adapters its buttons are bound to. A short fixed tick decides which
// adapters are due for a poll; changed buttons are pushed to their panels
// immediately, and every panel with bound buttons receives a full snapshot
// at least once per heartbeat interval so a panel that missed a push heals
// itself.
package reconcile

import (
	"context"
	"sync"
	"time"

	"panelhub/internal/clock"
	"panelhub/internal/metrics"
	"panelhub/internal/panel"
	"panelhub/pkg/plugin"

	"go.uber.org/zap"
)

const (
	DefaultTickInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
)

// StateSource answers device-state queries. Nil means no new information.
type StateSource interface {
	GetDeviceState(ctx context.Context, binding plugin.Binding) *plugin.DeviceState
	PollInterval(adapterID string) time.Duration
}

// Pusher delivers a batch of button states to a panel.
type Pusher interface {
	PushButtons(ctx context.Context, p panel.Panel, states []panel.ButtonState) error
}

// Options tunes the loop cadence.
type Options struct {
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Loop is the state reconciliation loop. Poll and push cursors live on the
// instance and are reset whenever the loop stops.
type Loop struct {
	source  StateSource
	panels  *panel.Registry
	pusher  Pusher
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	tick      time.Duration
	heartbeat time.Duration

	// pass serializes ticks and forced passes; two never overlap.
	pass sync.Mutex

	mu         sync.Mutex
	ctx        context.Context
	running    bool
	inProgress bool
	generation uint64
	timer      clock.Timer
	pollCursor map[string]time.Time
	pushCursor map[string]time.Time
}

// New creates a stopped loop.
func New(source StateSource, panels *panel.Registry, pusher Pusher, clk clock.Clock, m *metrics.Metrics, opts Options, logger *zap.Logger) *Loop {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		source:     source,
		panels:     panels,
		pusher:     pusher,
		clock:      clk,
		metrics:    m,
		logger:     logger.Named("reconcile"),
		tick:       opts.TickInterval,
		heartbeat:  opts.HeartbeatInterval,
		pollCursor: make(map[string]time.Time),
		pushCursor: make(map[string]time.Time),
	}
}

// Start runs the synchronous initial pass (poll every bound adapter once,
// then full-push every online panel) and schedules the tick loop.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.ctx = ctx
	gen := l.generation
	l.mu.Unlock()

	l.logger.Info("Starting reconciliation loop",
		zap.Duration("tick", l.tick),
		zap.Duration("heartbeat", l.heartbeat))

	l.pass.Lock()
	l.initialPass(ctx, gen)
	l.pass.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running && l.generation == gen {
		l.timer = l.clock.AfterFunc(l.tick, l.onTick)
	}
}

// Stop disarms the tick timer and drops cursor state. Results of a pass
// still in flight are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.running = false
	l.generation++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.pollCursor = make(map[string]time.Time)
	l.pushCursor = make(map[string]time.Time)
	l.logger.Info("Reconciliation loop stopped")
}

// Running reports whether the loop is started.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) onTick() {
	l.mu.Lock()
	if !l.running || l.inProgress {
		l.mu.Unlock()
		return
	}
	l.inProgress = true
	l.timer = nil
	gen := l.generation
	ctx := l.ctx
	l.mu.Unlock()

	l.pass.Lock()
	started := l.clock.Now()
	l.runTick(ctx, gen, started)
	l.metrics.Tick(l.clock.Since(started))
	l.metrics.PanelsOnline(l.panels.OnlineCount())
	l.pass.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inProgress = false
	if l.running && l.generation == gen {
		l.timer = l.clock.AfterFunc(l.tick, l.onTick)
	}
}

func (l *Loop) runTick(ctx context.Context, gen uint64, now time.Time) {
	for _, adapterID := range l.panels.BoundAdapterIDs() {
		if !l.pollDue(adapterID, now) {
			continue
		}
		if !l.advancePoll(gen, adapterID, now) {
			return
		}
		l.pollPass(ctx, gen, adapterID, now)
	}
	l.heartbeatSweep(ctx, gen, now)
}

func (l *Loop) initialPass(ctx context.Context, gen uint64) {
	now := l.clock.Now()
	for _, adapterID := range l.panels.BoundAdapterIDs() {
		if !l.advancePoll(gen, adapterID, now) {
			return
		}
		for _, p := range l.panels.Online() {
			l.pollPanel(ctx, gen, adapterID, p)
		}
	}
	for _, p := range l.panels.Online() {
		l.pushFull(ctx, gen, p.ID, metrics.PushFull)
	}
}

// pollPass evaluates every online panel's buttons bound to adapterID, in
// configured order, and pushes what changed. A panel with nothing changed
// gets a full push if its heartbeat is due.
func (l *Loop) pollPass(ctx context.Context, gen uint64, adapterID string, now time.Time) PassReport {
	report := PassReport{AdapterID: adapterID}
	for _, p := range l.panels.Online() {
		staged, polled := l.pollPanel(ctx, gen, adapterID, p)
		if polled == 0 {
			continue
		}
		report.Polled += polled
		report.Changed += len(staged)

		if !l.alive(gen) {
			return report
		}
		if len(staged) > 0 {
			report.record(p.ID, l.push(ctx, gen, p, staged, metrics.PushChanged))
			continue
		}
		if l.heartbeatDue(p.ID, now) {
			report.record(p.ID, l.pushFull(ctx, gen, p.ID, metrics.PushHeartbeat))
		}
	}
	return report
}

// pollPanel queries each button of p bound to adapterID and writes changes
// to the cache. It returns the staged changes and how many buttons were
// bound. One button failing does not stop the rest.
func (l *Loop) pollPanel(ctx context.Context, gen uint64, adapterID string, p panel.Panel) ([]panel.ButtonState, int) {
	buttons := p.BoundButtons(adapterID)
	staged := make([]panel.ButtonState, 0)

	for _, b := range buttons {
		observed := l.source.GetDeviceState(ctx, *b.Binding)
		if observed == nil {
			l.metrics.Poll(adapterID, "no_info")
			continue
		}
		if !l.alive(gen) {
			return nil, len(buttons)
		}

		changed, err := l.panels.ApplyStates(ctx, p.ID, []panel.ButtonState{panel.StateFromDevice(b, *observed)})
		if err != nil {
			l.logger.Error("Failed to update button cache",
				zap.String("panel", p.ID),
				zap.Int("button", b.ID),
				zap.Error(err))
		}
		if len(changed) == 0 {
			l.metrics.Poll(adapterID, "unchanged")
			continue
		}
		l.metrics.Poll(adapterID, "changed")
		l.logger.Debug("Button changed externally",
			zap.String("panel", p.ID),
			zap.Int("button", b.ID),
			zap.String("adapter", adapterID),
			zap.Bool("state", changed[0].State))
		staged = append(staged, changed...)
	}
	return staged, len(buttons)
}

// heartbeatSweep full-pushes every online panel with bound buttons whose
// last push is older than the heartbeat interval, independent of which
// adapters were due this tick.
func (l *Loop) heartbeatSweep(ctx context.Context, gen uint64, now time.Time) {
	for _, p := range l.panels.Online() {
		if !l.alive(gen) {
			return
		}
		if !p.HasBindings() || !l.heartbeatDue(p.ID, now) {
			continue
		}
		l.pushFull(ctx, gen, p.ID, metrics.PushHeartbeat)
	}
}

// ForcePoll runs a poll pass for one adapter now. Cursors and the tick
// timer are left alone.
func (l *Loop) ForcePoll(ctx context.Context, adapterID string) PassReport {
	l.pass.Lock()
	defer l.pass.Unlock()

	gen := l.currentGeneration()
	l.logger.Info("Forced poll", zap.String("adapter", adapterID))
	return l.pollPass(ctx, gen, adapterID, l.clock.Now())
}

// ForcePush sends a panel its full cached button state now. A successful
// push marks the panel online and is recorded like any other push.
func (l *Loop) ForcePush(ctx context.Context, panelID string) bool {
	l.pass.Lock()
	defer l.pass.Unlock()

	l.logger.Info("Forced push", zap.String("panel", panelID))
	return l.pushFull(ctx, l.currentGeneration(), panelID, metrics.PushFull)
}

// Push delivers states to a panel outside a pass. Action routing and scenes
// use it so their pushes count toward the panel's heartbeat.
func (l *Loop) Push(ctx context.Context, panelID string, states []panel.ButtonState, kind string) bool {
	p, ok := l.panels.Get(panelID)
	if !ok || len(states) == 0 {
		return false
	}
	return l.push(ctx, l.currentGeneration(), p, states, kind)
}

func (l *Loop) pushFull(ctx context.Context, gen uint64, panelID, kind string) bool {
	p, ok := l.panels.Get(panelID)
	if !ok {
		return false
	}
	return l.push(ctx, gen, p, p.Snapshot(), kind)
}

// push sends states to p. Failure marks the panel offline and is not
// retried here.
func (l *Loop) push(ctx context.Context, gen uint64, p panel.Panel, states []panel.ButtonState, kind string) bool {
	err := l.pusher.PushButtons(ctx, p, states)
	l.metrics.Push(p.ID, kind, err == nil)
	now := l.clock.Now()

	if err != nil {
		l.logger.Warn("Push failed, marking panel offline",
			zap.String("panel", p.ID),
			zap.String("kind", kind),
			zap.Error(err))
		l.panels.SetOnline(p.ID, false, now)
		return false
	}

	l.panels.SetOnline(p.ID, true, now)
	l.mu.Lock()
	if l.generation == gen {
		l.pushCursor[p.ID] = now
	}
	l.mu.Unlock()

	l.logger.Debug("Pushed button states",
		zap.String("panel", p.ID),
		zap.String("kind", kind),
		zap.Int("buttons", len(states)))
	return true
}

func (l *Loop) alive(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation == gen
}

func (l *Loop) currentGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

func (l *Loop) pollDue(adapterID string, now time.Time) bool {
	l.mu.Lock()
	last, ok := l.pollCursor[adapterID]
	l.mu.Unlock()
	return !ok || now.Sub(last) >= l.source.PollInterval(adapterID)
}

// advancePoll moves the adapter's cursor to now, before the pass runs, so
// it advances regardless of the outcome. It reports false if the loop
// stopped.
func (l *Loop) advancePoll(gen uint64, adapterID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation != gen {
		return false
	}
	l.pollCursor[adapterID] = now
	return true
}

func (l *Loop) heartbeatDue(panelID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.pushCursor[panelID]
	return !ok || now.Sub(last) >= l.heartbeat
}

// PollCursor returns when the adapter was last polled by the loop.
func (l *Loop) PollCursor(adapterID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.pollCursor[adapterID]
	return t, ok
}

// PushCursor returns when the panel last received a successful push.
func (l *Loop) PushCursor(panelID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.pushCursor[panelID]
	return t, ok
}

// PassReport summarizes one poll pass.
type PassReport struct {
	AdapterID string   `json:"adapterId"`
	Polled    int      `json:"polled"`
	Changed   int      `json:"changed"`
	Pushed    []string `json:"pushed,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

func (r *PassReport) record(panelID string, ok bool) {
	if ok {
		r.Pushed = append(r.Pushed, panelID)
	} else {
		r.Failed = append(r.Failed, panelID)
	}
}
