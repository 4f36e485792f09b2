// Package actions routes what panels report to the hub: button taps, scene
// activations and periodic state reports. A tap on a bound button is
// executed through the adapter, written to the cache, and confirmed back to
// the panel; a failed action pushes the previous state so the panel reverts.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"panelhub/internal/clock"
	"panelhub/internal/metrics"
	"panelhub/internal/panel"
	"panelhub/internal/scene"
	"panelhub/pkg/plugin"

	"go.uber.org/zap"
)

var (
	ErrUnknownButton = errors.New("unknown button")
	ErrUnknownScene  = errors.New("unknown scene slot")
)

// Dispatcher executes device actions.
type Dispatcher interface {
	ExecuteAction(ctx context.Context, action plugin.ActionContext) plugin.ActionResult
}

// Pusher delivers button states to a panel.
type Pusher interface {
	Push(ctx context.Context, panelID string, states []panel.ButtonState, kind string) bool
}

// SceneRunner executes named and built-in scenes.
type SceneRunner interface {
	ExecuteScene(ctx context.Context, sceneID string) scene.Result
	ExecuteBuiltin(ctx context.Context, panelID string, on bool) scene.Result
}

// ButtonEvent is the body a panel posts when a button is tapped.
type ButtonEvent struct {
	DeviceID   string `json:"deviceId"`
	ButtonID   int    `json:"buttonId"`
	State      bool   `json:"state"`
	SpeedLevel *int   `json:"speedLevel,omitempty"`
	// Timestamp is the panel's uptime in milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SceneEvent is the body a panel posts when a scene-bar entry is tapped.
type SceneEvent struct {
	DeviceID  string `json:"deviceId"`
	SceneID   int    `json:"sceneId"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StateReport is the periodic snapshot a panel posts about itself.
type StateReport struct {
	DeviceID   string              `json:"deviceId"`
	IP         string              `json:"ip,omitempty"`
	Uptime     int64               `json:"uptime,omitempty"`
	Brightness int                 `json:"brightness,omitempty"`
	Buttons    []panel.ButtonState `json:"buttons,omitempty"`
}

// Outcome is the router's answer to a button event.
type Outcome struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	Local   bool                 `json:"local,omitempty"`
	State   *panel.ButtonState   `json:"state,omitempty"`
	Action  *plugin.ActionResult `json:"action,omitempty"`
	Scene   *scene.Result        `json:"scene,omitempty"`
}

// Router handles panel-originated events.
type Router struct {
	dispatcher Dispatcher
	panels     *panel.Registry
	pusher     Pusher
	scenes     SceneRunner
	clock      clock.Clock
	logger     *zap.Logger
}

// NewRouter creates a router.
func NewRouter(dispatcher Dispatcher, panels *panel.Registry, pusher Pusher, scenes SceneRunner, clk clock.Clock, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		dispatcher: dispatcher,
		panels:     panels,
		pusher:     pusher,
		scenes:     scenes,
		clock:      clk,
		logger:     logger.Named("actions"),
	}
}

// HandleButton routes a tap. Local-only buttons update the cache. Bound
// buttons are executed through their adapter first; the cache changes only
// when the adapter succeeds. Scene buttons run their scene.
func (r *Router) HandleButton(ctx context.Context, panelID string, ev ButtonEvent) (Outcome, error) {
	p, ok := r.panels.Get(panelID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", panel.ErrUnknownPanel, panelID)
	}
	r.panels.SetOnline(panelID, true, r.clock.Now())

	b, ok := p.Button(ev.ButtonID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %d on panel %s", ErrUnknownButton, ev.ButtonID, panelID)
	}

	log := r.logger.With(zap.String("panel", panelID), zap.Int("button", b.ID))

	if b.IsScene() {
		res := r.runSceneRef(ctx, panelID, b.SceneID)
		return Outcome{Success: res.Success, Error: res.Error, Scene: &res}, nil
	}

	requested := panel.ButtonState{ID: b.ID, State: ev.State}
	if b.IsFan() && ev.SpeedLevel != nil {
		level := *ev.SpeedLevel
		requested.SpeedLevel = &level
	}

	if !b.IsBound() {
		state, err := r.apply(ctx, panelID, requested)
		if err != nil {
			return Outcome{}, err
		}
		log.Debug("Local button toggled", zap.Bool("state", state.State))
		return Outcome{Success: true, Local: true, State: &state}, nil
	}

	newState := ev.State
	if requested.SpeedLevel != nil {
		newState = *requested.SpeedLevel > 0
	}
	result := r.dispatcher.ExecuteAction(ctx, plugin.ActionContext{
		PanelID:    panelID,
		ButtonID:   b.ID,
		DeviceName: b.Name,
		Binding:    *b.Binding,
		NewState:   newState,
		SpeedLevel: requested.SpeedLevel,
	})

	if !result.Success {
		// the panel already flipped its own button; put it back
		previous := b.ButtonState()
		r.pusher.Push(ctx, panelID, []panel.ButtonState{previous}, metrics.PushAction)
		log.Warn("Action failed, reverting panel", zap.String("error", result.Error))
		return Outcome{Success: false, Error: result.Error, State: &previous, Action: &result}, nil
	}

	if result.State != nil {
		requested = panel.StateFromDevice(b, *result.State)
	}
	state, err := r.apply(ctx, panelID, requested)
	if err != nil {
		return Outcome{}, err
	}
	r.pusher.Push(ctx, panelID, []panel.ButtonState{state}, metrics.PushAction)
	r.mirror(ctx, panelID, *b.Binding, requested)

	log.Info("Action executed",
		zap.String("adapter", b.Binding.AdapterID),
		zap.String("device", b.Binding.ExternalDeviceID),
		zap.Bool("state", state.State))
	return Outcome{Success: true, State: &state, Action: &result}, nil
}

// HandleScene routes a scene-bar activation. Slots named "All On" or
// "All Off" run the built-in scene on the panel; others run the scene
// definition the slot names.
func (r *Router) HandleScene(ctx context.Context, panelID string, ev SceneEvent) (scene.Result, error) {
	p, ok := r.panels.Get(panelID)
	if !ok {
		return scene.Result{}, fmt.Errorf("%w: %s", panel.ErrUnknownPanel, panelID)
	}
	r.panels.SetOnline(panelID, true, r.clock.Now())

	slot, ok := p.SceneSlot(ev.SceneID)
	if !ok {
		return scene.Result{}, fmt.Errorf("%w: %d on panel %s", ErrUnknownScene, ev.SceneID, panelID)
	}
	if on, builtin := scene.Builtin(slot.Name); builtin && slot.SceneID == "" {
		return r.scenes.ExecuteBuiltin(ctx, panelID, on), nil
	}
	ref := slot.SceneID
	if ref == "" {
		ref = strconv.Itoa(slot.ID)
	}
	return r.runSceneRef(ctx, panelID, ref), nil
}

// HandleStateReport records that the panel is alive. Reported button
// states are not trusted over the cache; a panel whose view disagrees is
// sent the cached state.
func (r *Router) HandleStateReport(ctx context.Context, panelID string, report StateReport) (bool, error) {
	if _, ok := r.panels.Get(panelID); !ok {
		return false, fmt.Errorf("%w: %s", panel.ErrUnknownPanel, panelID)
	}
	r.panels.SetOnline(panelID, true, r.clock.Now())

	if len(report.Buttons) == 0 {
		return false, nil
	}
	p, _ := r.panels.Get(panelID)
	stale := make([]panel.ButtonState, 0)
	for _, reported := range report.Buttons {
		b, ok := p.Button(reported.ID)
		if !ok || b.IsScene() {
			continue
		}
		if cached := b.ButtonState(); drifted(cached, reported) {
			stale = append(stale, cached)
		}
	}
	if len(stale) == 0 {
		return false, nil
	}
	r.logger.Info("Panel state drifted from cache, resyncing",
		zap.String("panel", panelID),
		zap.Int("buttons", len(stale)))
	return r.pusher.Push(ctx, panelID, stale, metrics.PushFull), nil
}

// drifted reports whether a panel's view of a button disagrees with the
// cache. Fan speed only counts when the panel reported one.
func drifted(cached, reported panel.ButtonState) bool {
	if cached.State != reported.State {
		return true
	}
	if cached.SpeedLevel == nil || reported.SpeedLevel == nil {
		return false
	}
	return *cached.SpeedLevel != *reported.SpeedLevel
}

func (r *Router) runSceneRef(ctx context.Context, panelID, ref string) scene.Result {
	if on, ok := scene.Builtin(ref); ok {
		return r.scenes.ExecuteBuiltin(ctx, panelID, on)
	}
	return r.scenes.ExecuteScene(ctx, ref)
}

func (r *Router) apply(ctx context.Context, panelID string, s panel.ButtonState) (panel.ButtonState, error) {
	if _, err := r.panels.ApplyStates(ctx, panelID, []panel.ButtonState{s}); err != nil {
		return panel.ButtonState{}, err
	}
	states := r.panels.ButtonStates(panelID, s.ID)
	if len(states) == 0 {
		return panel.ButtonState{}, fmt.Errorf("%w: %d on panel %s", ErrUnknownButton, s.ID, panelID)
	}
	return states[0], nil
}

// mirror updates the cached buttons of other panels bound to the same
// device. Only online panels are pushed; offline ones get the cached state
// when they come back.
func (r *Router) mirror(ctx context.Context, originPanel string, binding plugin.Binding, s panel.ButtonState) {
	for _, p := range r.panels.List() {
		if p.ID == originPanel {
			continue
		}
		batch := make([]panel.ButtonState, 0)
		for _, b := range p.BoundButtons(binding.AdapterID) {
			if b.Binding.ExternalDeviceID != binding.ExternalDeviceID {
				continue
			}
			bs := panel.ButtonState{ID: b.ID, State: s.State}
			if b.IsFan() {
				bs.SpeedLevel = s.SpeedLevel
			}
			batch = append(batch, bs)
		}
		if len(batch) == 0 {
			continue
		}
		changed, err := r.panels.ApplyStates(ctx, p.ID, batch)
		if err != nil {
			r.logger.Error("Failed to mirror action", zap.String("panel", p.ID), zap.Error(err))
			continue
		}
		if len(changed) > 0 && p.Online {
			r.pusher.Push(ctx, p.ID, changed, metrics.PushAction)
		}
	}
}
