package scene

import (
	"context"
	"sync"
	"testing"
	"time"

	"panelhub/internal/clock"
	"panelhub/internal/panel"
	"panelhub/internal/store"
	"panelhub/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDispatcher fails any device listed in fail and records call order.
type fakeDispatcher struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []plugin.ActionContext
}

func (f *fakeDispatcher) ExecuteAction(_ context.Context, a plugin.ActionContext) plugin.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	if f.fail[a.Binding.ExternalDeviceID] {
		return plugin.Failed("HTTP 500: Internal Server Error")
	}
	return plugin.ActionResult{Success: true}
}

func (f *fakeDispatcher) devices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Binding.ExternalDeviceID)
	}
	return out
}

type pushCall struct {
	panel  string
	states []panel.ButtonState
	kind   string
}

type fakePusher struct {
	mu    sync.Mutex
	calls []pushCall
}

func (f *fakePusher) Push(_ context.Context, panelID string, states []panel.ButtonState, kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pushCall{panelID, states, kind})
	return true
}

type fixture struct {
	dispatcher *fakeDispatcher
	pusher     *fakePusher
	panels     *panel.Registry
	scenes     *Repository
	executor   *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	kv := store.NewMemoryKV()

	reg := panel.NewRegistry(kv, zap.NewNop())
	require.NoError(t, reg.Upsert(ctx, panel.Panel{
		ID:      "p1",
		Address: "10.0.0.5",
		Buttons: []panel.Button{
			{ID: 1, Type: panel.ButtonLight, Name: "Local"},
			{ID: 2, Type: panel.ButtonLight, Name: "Ceiling", Binding: &plugin.Binding{AdapterID: "demo", ExternalDeviceID: "light.ceiling"}},
			{ID: 3, Type: panel.ButtonFan, Name: "Fan", SpeedSteps: 3, Binding: &plugin.Binding{AdapterID: "demo", ExternalDeviceID: "fan.bedroom"}},
			{ID: 4, Type: panel.ButtonScene, Name: "Movie", SceneID: "movie", Binding: &plugin.Binding{AdapterID: "demo"}},
			{ID: 5, Type: panel.ButtonSwitch, Name: "Plug", Binding: &plugin.Binding{AdapterID: "demo", ExternalDeviceID: "switch.plug"}},
		},
	}))
	reg.SetOnline("p1", true, time.Now())

	f := &fixture{
		dispatcher: &fakeDispatcher{fail: map[string]bool{}},
		pusher:     &fakePusher{},
		panels:     reg,
		scenes:     NewRepository(kv),
	}
	f.executor = NewExecutor(f.dispatcher, reg, f.pusher, f.scenes, clock.NewRealClock(), nil, zap.NewNop())
	return f
}

func TestExecuteScene_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	speed := 2
	require.NoError(t, f.scenes.Put(ctx, Definition{
		ID:   "movie",
		Name: "Movie",
		Actions: []Action{
			{AdapterID: "demo", ExternalDeviceID: "light.ceiling", DeviceName: "Ceiling", TargetOn: false},
			{AdapterID: "demo", ExternalDeviceID: "light.broken", DeviceName: "Broken", TargetOn: true},
			{AdapterID: "demo", ExternalDeviceID: "fan.bedroom", DeviceName: "Fan", TargetOn: true, TargetSpeed: &speed},
			{ExternalDeviceID: "orphan"},
		},
	}))
	f.dispatcher.fail["light.broken"] = true

	res := f.executor.ExecuteScene(ctx, "movie")

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ExecutionID)
	require.Len(t, res.Steps, 4)
	assert.Equal(t, StepResult{Device: "Ceiling", Status: StatusSuccess}, res.Steps[0])
	assert.Equal(t, StatusFailure, res.Steps[1].Status)
	assert.Equal(t, "HTTP 500: Internal Server Error", res.Steps[1].Error)
	assert.Equal(t, StatusSuccess, res.Steps[2].Status, "later steps still run")
	assert.Equal(t, StatusError, res.Steps[3].Status)
	assert.Equal(t, "orphan", res.Steps[3].Device)

	assert.Equal(t, []string{"light.ceiling", "light.broken", "fan.bedroom"}, f.dispatcher.devices())

	// the bound fan button mirrors the scene
	p, _ := f.panels.Get("p1")
	fan, _ := p.Button(3)
	assert.True(t, fan.State)
	assert.Equal(t, 2, fan.SpeedLevel)

	require.Len(t, f.pusher.calls, 1, "one push per panel")
	assert.Len(t, f.pusher.calls[0].states, 2)
}

func TestExecuteScene_AllSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.scenes.Put(ctx, Definition{
		ID: "night",
		Actions: []Action{
			{AdapterID: "other", ExternalDeviceID: "a", TargetOn: false},
			{AdapterID: "other", ExternalDeviceID: "b", TargetOn: false},
		},
	}))

	res := f.executor.ExecuteScene(ctx, "night")
	assert.True(t, res.Success)
	assert.Len(t, res.Steps, 2)
	assert.Empty(t, f.pusher.calls, "no panel is bound to these devices")
}

func TestExecuteScene_Unknown(t *testing.T) {
	f := newFixture(t)

	res := f.executor.ExecuteScene(context.Background(), "missing")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown scene")
	assert.Empty(t, res.Steps)
}

func TestExecuteBuiltin_AllOnBatchesOnePush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.fail["switch.plug"] = true

	res := f.executor.ExecuteBuiltin(ctx, "p1", true)

	assert.Equal(t, panel.SceneAllOn, res.SceneID)
	assert.False(t, res.Success)
	require.Len(t, res.Steps, 3, "bound, non-scene buttons only")
	assert.Equal(t, []string{"Ceiling", "Fan", "Plug"}, []string{res.Steps[0].Device, res.Steps[1].Device, res.Steps[2].Device})
	assert.Equal(t, StatusFailure, res.Steps[2].Status)

	require.Len(t, f.pusher.calls, 1)
	one := 1
	assert.Equal(t, []panel.ButtonState{
		{ID: 2, State: true},
		{ID: 3, State: true, SpeedLevel: &one},
	}, f.pusher.calls[0].states)

	p, _ := f.panels.Get("p1")
	plug, _ := p.Button(5)
	assert.False(t, plug.State, "failed step leaves the cache alone")
	local, _ := p.Button(1)
	assert.False(t, local.State, "local-only buttons are not part of built-in scenes")
}

func TestExecuteBuiltin_AllOffAndUnknownPanel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.executor.ExecuteBuiltin(ctx, "p1", false)
	assert.True(t, res.Success)
	assert.Equal(t, panel.SceneAllOff, res.SceneID)
	for _, c := range f.dispatcher.calls {
		assert.False(t, c.NewState)
		assert.Equal(t, "p1", c.PanelID)
	}

	res = f.executor.ExecuteBuiltin(ctx, "nope", true)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestBuiltin(t *testing.T) {
	on, ok := Builtin("All On")
	assert.True(t, ok)
	assert.True(t, on)

	on, ok = Builtin("All Off")
	assert.True(t, ok)
	assert.False(t, on)

	_, ok = Builtin("Movie")
	assert.False(t, ok)
}

func TestRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(store.NewMemoryKV())

	assert.Error(t, repo.Put(ctx, Definition{}))
	assert.Error(t, repo.Put(ctx, Definition{ID: "a/b"}))

	require.NoError(t, repo.Put(ctx, Definition{ID: "b"}))
	require.NoError(t, repo.Put(ctx, Definition{ID: "a"}))

	defs, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].ID)

	require.NoError(t, repo.Delete(ctx, "a"))
	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrUnknownScene)
}
