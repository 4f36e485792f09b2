package actions

import (
	"context"
	"sync"
	"testing"
	"time"

	"panelhub/internal/clock"
	"panelhub/internal/panel"
	"panelhub/internal/scene"
	"panelhub/internal/store"
	"panelhub/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDispatcher struct {
	result plugin.ActionResult
	calls  []plugin.ActionContext
}

func (f *fakeDispatcher) ExecuteAction(_ context.Context, a plugin.ActionContext) plugin.ActionResult {
	f.calls = append(f.calls, a)
	return f.result
}

type pushCall struct {
	panel  string
	states []panel.ButtonState
}

type fakePusher struct {
	mu    sync.Mutex
	calls []pushCall
}

func (f *fakePusher) Push(_ context.Context, panelID string, states []panel.ButtonState, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pushCall{panelID, states})
	return true
}

type fakeScenes struct {
	named   []string
	builtin []bool
}

func (f *fakeScenes) ExecuteScene(_ context.Context, id string) scene.Result {
	f.named = append(f.named, id)
	return scene.Result{SceneID: id, Success: true}
}

func (f *fakeScenes) ExecuteBuiltin(_ context.Context, panelID string, on bool) scene.Result {
	f.builtin = append(f.builtin, on)
	return scene.Result{PanelID: panelID, Success: true}
}

type fixture struct {
	dispatcher *fakeDispatcher
	pusher     *fakePusher
	scenes     *fakeScenes
	panels     *panel.Registry
	router     *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := panel.NewRegistry(store.NewMemoryKV(), zap.NewNop())

	ceiling := &plugin.Binding{AdapterID: "demo", ExternalDeviceID: "light.ceiling"}
	require.NoError(t, reg.Upsert(ctx, panel.Panel{
		ID:      "p1",
		Address: "10.0.0.5",
		Buttons: []panel.Button{
			{ID: 1, Type: panel.ButtonLight, Name: "Local"},
			{ID: 2, Type: panel.ButtonLight, Name: "Ceiling", Binding: ceiling},
			{ID: 3, Type: panel.ButtonFan, Name: "Fan", SpeedSteps: 3, Binding: &plugin.Binding{AdapterID: "demo", ExternalDeviceID: "fan"}},
			{ID: 4, Type: panel.ButtonScene, Name: "Movie", SceneID: "movie"},
			{ID: 5, Type: panel.ButtonScene, Name: "Everything", SceneID: "All On"},
		},
		Scenes: []panel.SceneSlot{
			{ID: 1, Name: "All Off"},
			{ID: 2, Name: "Evening", SceneID: "evening"},
		},
	}))
	require.NoError(t, reg.Upsert(ctx, panel.Panel{
		ID:      "p2",
		Address: "10.0.0.6",
		Buttons: []panel.Button{
			{ID: 7, Type: panel.ButtonLight, Name: "Kitchen ceiling", Binding: ceiling},
		},
	}))
	reg.SetOnline("p2", true, time.Now())

	f := &fixture{
		dispatcher: &fakeDispatcher{result: plugin.ActionResult{Success: true}},
		pusher:     &fakePusher{},
		scenes:     &fakeScenes{},
		panels:     reg,
	}
	f.router = NewRouter(f.dispatcher, reg, f.pusher, f.scenes, clock.NewRealClock(), zap.NewNop())
	return f
}

func (f *fixture) button(t *testing.T, panelID string, id int) panel.Button {
	t.Helper()
	p, ok := f.panels.Get(panelID)
	require.True(t, ok)
	b, ok := p.Button(id)
	require.True(t, ok)
	return b
}

func TestHandleButton_LocalOnly(t *testing.T) {
	f := newFixture(t)

	out, err := f.router.HandleButton(context.Background(), "p1", ButtonEvent{DeviceID: "p1", ButtonID: 1, State: true})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, out.Local)
	assert.Empty(t, f.dispatcher.calls)
	assert.True(t, f.button(t, "p1", 1).State)

	p, _ := f.panels.Get("p1")
	assert.True(t, p.Online, "a tap proves the panel is alive")
}

func TestHandleButton_BoundSuccess(t *testing.T) {
	f := newFixture(t)

	out, err := f.router.HandleButton(context.Background(), "p1", ButtonEvent{ButtonID: 2, State: true})
	require.NoError(t, err)
	require.True(t, out.Success)

	require.Len(t, f.dispatcher.calls, 1)
	call := f.dispatcher.calls[0]
	assert.Equal(t, "light.ceiling", call.Binding.ExternalDeviceID)
	assert.True(t, call.NewState)
	assert.Equal(t, "Ceiling", call.DeviceName)

	assert.True(t, f.button(t, "p1", 2).State)
	assert.True(t, f.button(t, "p2", 7).State, "other panels bound to the device follow")

	require.Len(t, f.pusher.calls, 2)
	assert.Equal(t, pushCall{"p1", []panel.ButtonState{{ID: 2, State: true}}}, f.pusher.calls[0])
	assert.Equal(t, pushCall{"p2", []panel.ButtonState{{ID: 7, State: true}}}, f.pusher.calls[1])
}

func TestHandleButton_OfflinePanelCacheFollows(t *testing.T) {
	f := newFixture(t)
	f.panels.SetOnline("p2", false, time.Now())

	out, err := f.router.HandleButton(context.Background(), "p1", ButtonEvent{ButtonID: 2, State: true})
	require.NoError(t, err)
	require.True(t, out.Success)

	assert.True(t, f.button(t, "p2", 7).State, "offline panel gets the new state on its next push")
	require.Len(t, f.pusher.calls, 1, "offline panel is not pushed")
	assert.Equal(t, "p1", f.pusher.calls[0].panel)
}

func TestHandleButton_FailureReverts(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.result = plugin.Failed("HTTP 503: Service Unavailable")

	out, err := f.router.HandleButton(context.Background(), "p1", ButtonEvent{ButtonID: 2, State: true})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "HTTP 503: Service Unavailable", out.Error)

	assert.False(t, f.button(t, "p1", 2).State, "cache unchanged")
	require.Len(t, f.pusher.calls, 1)
	assert.Equal(t, pushCall{"p1", []panel.ButtonState{{ID: 2, State: false}}}, f.pusher.calls[0])
}

func TestHandleButton_FanSpeed(t *testing.T) {
	f := newFixture(t)
	speed := 3

	out, err := f.router.HandleButton(context.Background(), "p1", ButtonEvent{ButtonID: 3, State: false, SpeedLevel: &speed})
	require.NoError(t, err)
	require.True(t, out.Success)

	call := f.dispatcher.calls[0]
	assert.True(t, call.NewState, "a positive speed level means on")
	require.NotNil(t, call.SpeedLevel)
	assert.Equal(t, 3, *call.SpeedLevel)

	fan := f.button(t, "p1", 3)
	assert.True(t, fan.State)
	assert.Equal(t, 3, fan.SpeedLevel)
}

func TestHandleButton_AdapterReportedState(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.result = plugin.ActionResult{Success: true, State: &plugin.DeviceState{On: false}}

	out, err := f.router.HandleButton(context.Background(), "p1", ButtonEvent{ButtonID: 2, State: true})
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.False(t, out.State.State, "the adapter's confirmed state wins")
}

func TestHandleButton_SceneButtons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.router.HandleButton(ctx, "p1", ButtonEvent{ButtonID: 4, State: true})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"movie"}, f.scenes.named)

	_, err = f.router.HandleButton(ctx, "p1", ButtonEvent{ButtonID: 5, State: true})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, f.scenes.builtin)
	assert.Empty(t, f.dispatcher.calls)
}

func TestHandleButton_Unknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.HandleButton(ctx, "nope", ButtonEvent{ButtonID: 1})
	assert.ErrorIs(t, err, panel.ErrUnknownPanel)

	_, err = f.router.HandleButton(ctx, "p1", ButtonEvent{ButtonID: 42})
	assert.ErrorIs(t, err, ErrUnknownButton)
}

func TestHandleScene(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.HandleScene(ctx, "p1", SceneEvent{SceneID: 1})
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, f.scenes.builtin)

	_, err = f.router.HandleScene(ctx, "p1", SceneEvent{SceneID: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"evening"}, f.scenes.named)

	_, err = f.router.HandleScene(ctx, "p1", SceneEvent{SceneID: 9})
	assert.ErrorIs(t, err, ErrUnknownScene)
}

func TestHandleStateReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pushed, err := f.router.HandleStateReport(ctx, "p1", StateReport{DeviceID: "p1"})
	require.NoError(t, err)
	assert.False(t, pushed)
	p, _ := f.panels.Get("p1")
	assert.True(t, p.Online)

	pushed, err = f.router.HandleStateReport(ctx, "p1", StateReport{
		Buttons: []panel.ButtonState{{ID: 1, State: true}, {ID: 2, State: false}},
	})
	require.NoError(t, err)
	assert.True(t, pushed)
	require.Len(t, f.pusher.calls, 1)
	assert.Equal(t, []panel.ButtonState{{ID: 1, State: false}}, f.pusher.calls[0].states)

	// a fan at the right on/off state but the wrong speed is resynced
	speed := 2
	_, err = f.router.HandleButton(ctx, "p1", ButtonEvent{ButtonID: 3, State: true, SpeedLevel: &speed})
	require.NoError(t, err)
	f.pusher.calls = nil

	reported := 1
	pushed, err = f.router.HandleStateReport(ctx, "p1", StateReport{
		Buttons: []panel.ButtonState{{ID: 3, State: true, SpeedLevel: &reported}},
	})
	require.NoError(t, err)
	assert.True(t, pushed)
	require.Len(t, f.pusher.calls, 1)
	assert.Equal(t, []panel.ButtonState{{ID: 3, State: true, SpeedLevel: &speed}}, f.pusher.calls[0].states)

	// matching speed, or no speed reported, is not drift
	f.pusher.calls = nil
	pushed, err = f.router.HandleStateReport(ctx, "p1", StateReport{
		Buttons: []panel.ButtonState{{ID: 3, State: true, SpeedLevel: &speed}, {ID: 3, State: true}},
	})
	require.NoError(t, err)
	assert.False(t, pushed)
	assert.Empty(t, f.pusher.calls)

	_, err = f.router.HandleStateReport(ctx, "ghost", StateReport{})
	assert.ErrorIs(t, err, panel.ErrUnknownPanel)
}
