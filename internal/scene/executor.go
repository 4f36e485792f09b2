package scene

import (
	"context"
	"fmt"
	"time"

	"panelhub/internal/clock"
	"panelhub/internal/metrics"
	"panelhub/internal/panel"
	"panelhub/pkg/plugin"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Step statuses.
const (
	StatusSuccess = "success"
	// StatusFailure means the adapter was asked and said no.
	StatusFailure = "failure"
	// StatusError means the step could not be dispatched at all.
	StatusError = "error"
)

// Dispatcher executes one device action.
type Dispatcher interface {
	ExecuteAction(ctx context.Context, action plugin.ActionContext) plugin.ActionResult
}

// Pusher delivers button states to a panel.
type Pusher interface {
	Push(ctx context.Context, panelID string, states []panel.ButtonState, kind string) bool
}

// StepResult is the outcome of one step, keyed by device name.
type StepResult struct {
	Device string `json:"device"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result aggregates a scene run. Steps are in execution order; Success
// requires every step to succeed.
type Result struct {
	ExecutionID string        `json:"executionId"`
	SceneID     string        `json:"sceneId,omitempty"`
	PanelID     string        `json:"panelId,omitempty"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Steps       []StepResult  `json:"steps"`
	Duration    time.Duration `json:"duration"`
}

func (r *Result) add(step StepResult) {
	r.Steps = append(r.Steps, step)
	if step.Status != StatusSuccess {
		r.Success = false
	}
}

// Executor runs scenes.
type Executor struct {
	dispatcher Dispatcher
	panels     *panel.Registry
	pusher     Pusher
	scenes     *Repository
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(dispatcher Dispatcher, panels *panel.Registry, pusher Pusher, scenes *Repository, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		dispatcher: dispatcher,
		panels:     panels,
		pusher:     pusher,
		scenes:     scenes,
		clock:      clk,
		metrics:    m,
		logger:     logger.Named("scenes"),
	}
}

func (e *Executor) newResult() Result {
	return Result{ExecutionID: uuid.NewString(), Success: true, Steps: make([]StepResult, 0)}
}

// ExecuteScene runs a named scene's actions in list order. There is no
// rollback: a failed step leaves earlier steps applied and later steps
// still run. Panels with buttons bound to a successfully driven device are
// updated and pushed once each afterwards.
func (e *Executor) ExecuteScene(ctx context.Context, sceneID string) Result {
	started := e.clock.Now()
	result := e.newResult()
	result.SceneID = sceneID

	def, err := e.scenes.Get(ctx, sceneID)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result
	}

	log := e.logger.With(zap.String("scene", sceneID), zap.String("execution_id", result.ExecutionID))
	log.Info("Executing scene", zap.Int("steps", len(def.Actions)))

	applied := make([]Action, 0, len(def.Actions))
	for _, action := range def.Actions {
		step := e.dispatch(ctx, plugin.ActionContext{
			DeviceName: action.Name(),
			Binding:    action.Binding(),
			NewState:   action.TargetOn,
			SpeedLevel: action.TargetSpeed,
		})
		result.add(step)
		e.metrics.SceneStep(step.Status)
		if step.Status == StatusSuccess {
			applied = append(applied, action)
		} else {
			log.Warn("Scene step failed",
				zap.String("device", step.Device),
				zap.String("status", step.Status),
				zap.String("error", step.Error))
		}
	}

	e.mirror(ctx, applied)
	result.Duration = e.clock.Since(started)
	log.Info("Scene finished",
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration))
	return result
}

// ExecuteBuiltin runs "All On" (on=true) or "All Off" over every bound,
// non-scene button of a panel, then writes the resulting states to the
// cache and pushes them in one batch.
func (e *Executor) ExecuteBuiltin(ctx context.Context, panelID string, on bool) Result {
	started := e.clock.Now()
	result := e.newResult()
	result.PanelID = panelID
	result.SceneID = panel.SceneAllOff
	if on {
		result.SceneID = panel.SceneAllOn
	}

	p, ok := e.panels.Get(panelID)
	if !ok {
		result.Success = false
		result.Error = fmt.Sprintf("%s: %s", panel.ErrUnknownPanel, panelID)
		return result
	}

	log := e.logger.With(zap.String("panel", panelID), zap.String("scene", result.SceneID), zap.String("execution_id", result.ExecutionID))

	batch := make([]panel.ButtonState, 0, len(p.Buttons))
	for _, b := range p.Buttons {
		if !b.IsBound() {
			continue
		}
		step := e.dispatch(ctx, plugin.ActionContext{
			PanelID:    panelID,
			ButtonID:   b.ID,
			DeviceName: b.Name,
			Binding:    *b.Binding,
			NewState:   on,
		})
		result.add(step)
		e.metrics.SceneStep(step.Status)
		if step.Status == StatusSuccess {
			batch = append(batch, panel.ButtonState{ID: b.ID, State: on})
		}
	}

	e.applyAndPush(ctx, panelID, batch)
	result.Duration = e.clock.Since(started)
	log.Info("Built-in scene finished",
		zap.Bool("success", result.Success),
		zap.Int("steps", len(result.Steps)))
	return result
}

// Builtin reports whether name is one of the built-in scenes and which
// state it drives buttons to.
func Builtin(name string) (on bool, ok bool) {
	switch name {
	case panel.SceneAllOn:
		return true, true
	case panel.SceneAllOff:
		return false, true
	}
	return false, false
}

func (e *Executor) dispatch(ctx context.Context, action plugin.ActionContext) StepResult {
	step := StepResult{Device: action.DeviceName}
	if action.Binding.AdapterID == "" {
		step.Status = StatusError
		step.Error = "step has no adapter"
		return step
	}

	res := e.dispatcher.ExecuteAction(ctx, action)
	if res.Success {
		step.Status = StatusSuccess
		return step
	}
	step.Status = StatusFailure
	step.Error = res.Error
	return step
}

// mirror copies successfully applied scene actions onto every panel button
// bound to the same device.
func (e *Executor) mirror(ctx context.Context, applied []Action) {
	if len(applied) == 0 {
		return
	}
	for _, p := range e.panels.List() {
		batch := make([]panel.ButtonState, 0)
		for _, action := range applied {
			for _, b := range p.BoundButtons(action.AdapterID) {
				if b.Binding.ExternalDeviceID != action.ExternalDeviceID {
					continue
				}
				s := panel.ButtonState{ID: b.ID, State: action.TargetOn}
				if b.IsFan() {
					s.SpeedLevel = action.TargetSpeed
				}
				batch = append(batch, s)
			}
		}
		e.applyAndPush(ctx, p.ID, batch)
	}
}

// applyAndPush writes batch to the cache and pushes the resulting state of
// every button in it, changed or not, as one batch.
func (e *Executor) applyAndPush(ctx context.Context, panelID string, batch []panel.ButtonState) {
	if len(batch) == 0 {
		return
	}
	if _, err := e.panels.ApplyStates(ctx, panelID, batch); err != nil {
		e.logger.Error("Failed to update button cache", zap.String("panel", panelID), zap.Error(err))
	}

	ids := make([]int, 0, len(batch))
	for _, s := range batch {
		ids = append(ids, s.ID)
	}
	if p, ok := e.panels.Get(panelID); ok && p.Online {
		e.pusher.Push(ctx, panelID, e.panels.ButtonStates(panelID, ids...), metrics.PushScene)
	}
}
