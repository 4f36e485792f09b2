package pluginmanager

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"panelhub/internal/store"
	"panelhub/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder counts lifecycle hook calls.
type recorder struct {
	mu        sync.Mutex
	inits     []plugin.Settings
	shutdowns int
	initErr   error
}

func (r *recorder) adapter(id string) *plugin.Adapter {
	return &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: id, Name: id},
		Hooks: plugin.Hooks{
			Initialize: func(_ context.Context, s plugin.Settings) error {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.inits = append(r.inits, s)
				return r.initErr
			},
			Shutdown: func(context.Context) error {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.shutdowns++
				return nil
			},
		},
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inits), r.shutdowns
}

func newManager(t *testing.T, opts Options) (*Manager, *store.AdapterConfigs) {
	t.Helper()
	configs := store.NewAdapterConfigs(store.NewMemoryKV())
	return New(configs, opts, zap.NewNop()), configs
}

func enable(t *testing.T, m *Manager, id string, settings plugin.Settings) {
	t.Helper()
	on := true
	_, err := m.SetConfig(context.Background(), id, ConfigUpdate{Enabled: &on, Settings: settings})
	require.NoError(t, err)
}

func TestRegister_DefaultConfigAndIdempotence(t *testing.T) {
	m, configs := newManager(t, Options{})
	ctx := context.Background()
	rec := &recorder{}

	require.NoError(t, m.Register(ctx, rec.adapter("demo")))
	cfg, err := configs.Get(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	enable(t, m, "demo", plugin.Settings{"url": "a"})

	replacement := rec.adapter("demo")
	replacement.Name = "Demo v2"
	require.NoError(t, m.Register(ctx, replacement))

	cfg, err = configs.Get(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled, "re-registration keeps config")
	assert.Equal(t, "a", cfg.Settings.String("url", ""))
	assert.True(t, m.IsEnabled("demo"), "re-registration keeps lifecycle state")

	list := m.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "Demo v2", list[0].Name)

	assert.Error(t, m.Register(ctx, &plugin.Adapter{}))
}

func TestInitializeAll_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	configs := store.NewAdapterConfigs(store.NewMemoryKV())
	require.NoError(t, configs.Put(ctx, "bad", store.AdapterConfig{Enabled: true}))
	require.NoError(t, configs.Put(ctx, "good", store.AdapterConfig{Enabled: true}))
	m := New(configs, Options{}, zap.NewNop())

	bad := &recorder{initErr: errors.New("boom")}
	good := &recorder{}
	idle := &recorder{}
	require.NoError(t, m.Register(ctx, bad.adapter("bad")))
	require.NoError(t, m.Register(ctx, good.adapter("good")))
	require.NoError(t, m.Register(ctx, idle.adapter("idle")))

	m.InitializeAll(ctx)

	assert.False(t, m.IsEnabled("bad"))
	assert.True(t, m.IsEnabled("good"))
	assert.False(t, m.IsEnabled("idle"))

	inits, _ := idle.counts()
	assert.Zero(t, inits)

	// config stays enabled even though the runtime state is disabled
	cfg, _ := configs.Get(ctx, "bad")
	assert.True(t, cfg.Enabled)
}

func TestSetConfig_Transitions(t *testing.T) {
	m, configs := newManager(t, Options{})
	ctx := context.Background()
	rec := &recorder{}
	require.NoError(t, m.Register(ctx, rec.adapter("demo")))

	on, off := true, false

	res, err := m.SetConfig(ctx, "demo", ConfigUpdate{Enabled: &on, Settings: plugin.Settings{"host": "a"}})
	require.NoError(t, err)
	assert.Equal(t, TransitionEnable, res.Transition)
	assert.Equal(t, "enabled", res.State)

	// same settings: nothing happens
	res, err = m.SetConfig(ctx, "demo", ConfigUpdate{Settings: plugin.Settings{"host": "a"}})
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, res.Transition)

	// settings change while enabled restarts the adapter
	res, err = m.SetConfig(ctx, "demo", ConfigUpdate{Settings: plugin.Settings{"port": "8123"}})
	require.NoError(t, err)
	assert.Equal(t, TransitionReload, res.Transition)

	inits, shutdowns := rec.counts()
	assert.Equal(t, 2, inits)
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, "a", rec.inits[1].String("host", ""), "settings are merged shallowly")
	assert.Equal(t, "8123", rec.inits[1].String("port", ""))

	res, err = m.SetConfig(ctx, "demo", ConfigUpdate{Enabled: &off})
	require.NoError(t, err)
	assert.Equal(t, TransitionDisable, res.Transition)
	assert.False(t, m.IsEnabled("demo"))

	// settings change while disabled only persists
	res, err = m.SetConfig(ctx, "demo", ConfigUpdate{Settings: plugin.Settings{"host": "b"}})
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, res.Transition)
	cfg, _ := configs.Get(ctx, "demo")
	assert.Equal(t, "b", cfg.Settings.String("host", ""))

	_, err = m.SetConfig(ctx, "missing", ConfigUpdate{})
	assert.ErrorIs(t, err, ErrAdapterNotFound)
}

func TestSetConfig_InitFailureKeepsConfig(t *testing.T) {
	m, configs := newManager(t, Options{})
	ctx := context.Background()
	rec := &recorder{initErr: errors.New("bad credentials")}
	require.NoError(t, m.Register(ctx, rec.adapter("demo")))

	on := true
	res, err := m.SetConfig(ctx, "demo", ConfigUpdate{Enabled: &on})
	require.Error(t, err)
	assert.Equal(t, "disabled", res.State)

	cfg, _ := configs.Get(ctx, "demo")
	assert.True(t, cfg.Enabled)
}

func TestSetConfig_EnableRetriesFailedInitialize(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	rec := &recorder{initErr: errors.New("backend down")}
	require.NoError(t, m.Register(ctx, rec.adapter("demo")))

	on := true
	_, err := m.SetConfig(ctx, "demo", ConfigUpdate{Enabled: &on})
	require.Error(t, err)

	rec.mu.Lock()
	rec.initErr = nil
	rec.mu.Unlock()

	res, err := m.SetConfig(ctx, "demo", ConfigUpdate{Enabled: &on})
	require.NoError(t, err)
	assert.Equal(t, TransitionEnable, res.Transition)
	assert.Equal(t, "enabled", res.State)
	assert.True(t, m.IsEnabled("demo"))

	inits, _ := rec.counts()
	assert.Equal(t, 2, inits)
}

func TestSetConfig_LateInitializeIsShutDown(t *testing.T) {
	m, _ := newManager(t, Options{CallTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	release := make(chan struct{})
	var shutdowns atomic.Int32
	require.NoError(t, m.Register(ctx, &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: "slow"},
		Hooks: plugin.Hooks{
			// ignores its context, like a dial without a deadline
			Initialize: func(context.Context, plugin.Settings) error {
				<-release
				return nil
			},
			Shutdown: func(context.Context) error {
				shutdowns.Add(1)
				return nil
			},
		},
	}))

	on := true
	res, err := m.SetConfig(ctx, "slow", ConfigUpdate{Enabled: &on})
	require.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, "disabled", res.State)
	assert.Zero(t, shutdowns.Load())

	close(release)
	assert.Eventually(t, func() bool { return shutdowns.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.IsEnabled("slow"))
}

func TestSetConfig_ConcurrentCallsSerialized(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()

	var active, maxActive atomic.Int32
	a := &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: "slow"},
		Hooks: plugin.Hooks{
			Initialize: func(context.Context, plugin.Settings) error {
				n := active.Add(1)
				if n > maxActive.Load() {
					maxActive.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			},
		},
	}
	require.NoError(t, m.Register(ctx, a))

	on := true
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.SetConfig(ctx, "slow", ConfigUpdate{Enabled: &on, Settings: plugin.Settings{"n": i}})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.True(t, m.IsEnabled("slow"))
}

func TestExecuteAction_FailsFast(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, (&recorder{}).adapter("demo")))

	res := m.ExecuteAction(ctx, plugin.ActionContext{Binding: plugin.Binding{AdapterID: "missing"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not registered")

	res = m.ExecuteAction(ctx, plugin.ActionContext{Binding: plugin.Binding{AdapterID: "demo"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not enabled")

	enable(t, m, "demo", nil)
	res = m.ExecuteAction(ctx, plugin.ActionContext{Binding: plugin.Binding{AdapterID: "demo"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cannot execute")
}

func TestExecuteAction_Native(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()

	var got plugin.ActionContext
	a := &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: "native"},
		Hooks: plugin.Hooks{
			ExecuteAction: func(_ context.Context, ac plugin.ActionContext) (plugin.ActionResult, error) {
				got = ac
				return plugin.ActionResult{Success: true}, nil
			},
			// ignored when native execution exists
			GetHTTPConfig: func(plugin.Binding, string) (plugin.HTTPConfig, error) {
				return plugin.HTTPConfig{}, errors.New("fallback used")
			},
		},
	}
	require.NoError(t, m.Register(ctx, a))
	enable(t, m, "native", nil)

	res := m.ExecuteAction(ctx, plugin.ActionContext{
		PanelID:  "p1",
		ButtonID: 3,
		Binding:  plugin.Binding{AdapterID: "native", ExternalDeviceID: "light.x"},
		NewState: true,
	})
	assert.True(t, res.Success)
	assert.Equal(t, "light.x", got.Binding.ExternalDeviceID)
	assert.True(t, got.NewState)
}

func TestExecuteAction_HTTPFallback(t *testing.T) {
	type request struct {
		method, path, body, header string
	}
	var (
		mu       sync.Mutex
		requests []request
		status   = http.StatusOK
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, request{r.Method, r.URL.Path, string(body), r.Header.Get("X-Token")})
		code := status
		mu.Unlock()
		w.WriteHeader(code)
	}))
	defer srv.Close()

	m, _ := newManager(t, Options{HTTPClient: srv.Client()})
	ctx := context.Background()

	describe := func(b plugin.Binding, label string) (plugin.HTTPConfig, error) {
		return plugin.HTTPConfig{
			URL:     srv.URL + "/devices/" + b.ExternalDeviceID + "/" + label,
			Method:  "put",
			Headers: map[string]string{"X-Token": "secret"},
			Body:    `{"action":"` + label + `"}`,
		}, nil
	}
	require.NoError(t, m.Register(ctx, &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: "hook"},
		Hooks:      plugin.Hooks{GetHTTPConfig: describe},
	}))
	enable(t, m, "hook", nil)

	binding := plugin.Binding{AdapterID: "hook", ExternalDeviceID: "lamp"}

	res := m.ExecuteAction(ctx, plugin.ActionContext{Binding: binding, NewState: true})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	want, _ := describe(binding, "on")
	require.Len(t, requests, 1)
	assert.Equal(t, request{"PUT", "/devices/lamp/on", want.Body, "secret"}, requests[0])

	mu.Lock()
	status = http.StatusInternalServerError
	mu.Unlock()

	res = m.ExecuteAction(ctx, plugin.ActionContext{Binding: binding, NewState: false})
	assert.False(t, res.Success)
	assert.Equal(t, "HTTP 500: Internal Server Error", res.Error)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "/devices/lamp/off", requests[1].path)
}

func TestExecuteAction_TimeoutAndPanic(t *testing.T) {
	m, _ := newManager(t, Options{CallTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)

	require.NoError(t, m.Register(ctx, &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: "stuck"},
		Hooks: plugin.Hooks{
			ExecuteAction: func(context.Context, plugin.ActionContext) (plugin.ActionResult, error) {
				<-block
				return plugin.ActionResult{Success: true}, nil
			},
		},
	}))
	require.NoError(t, m.Register(ctx, &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: "panicky"},
		Hooks: plugin.Hooks{
			ExecuteAction: func(context.Context, plugin.ActionContext) (plugin.ActionResult, error) {
				panic("nil map")
			},
		},
	}))
	enable(t, m, "stuck", nil)
	enable(t, m, "panicky", nil)

	res := m.ExecuteAction(ctx, plugin.ActionContext{Binding: plugin.Binding{AdapterID: "stuck"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")

	res = m.ExecuteAction(ctx, plugin.ActionContext{Binding: plugin.Binding{AdapterID: "panicky"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
}

func TestGetDeviceState_NilMeansNoInformation(t *testing.T) {
	m, _ := newManager(t, Options{CallTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	var fail atomic.Bool
	require.NoError(t, m.Register(ctx, &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: "demo"},
		Hooks: plugin.Hooks{
			GetDeviceState: func(_ context.Context, b plugin.Binding) (*plugin.DeviceState, error) {
				if fail.Load() {
					return nil, errors.New("backend down")
				}
				return &plugin.DeviceState{On: b.ExternalDeviceID == "on"}, nil
			},
		},
	}))
	require.NoError(t, m.Register(ctx, (&recorder{}).adapter("blind")))

	binding := plugin.Binding{AdapterID: "demo", ExternalDeviceID: "on"}
	assert.Nil(t, m.GetDeviceState(ctx, binding), "disabled")
	assert.Nil(t, m.GetDeviceState(ctx, plugin.Binding{AdapterID: "missing"}), "unregistered")

	enable(t, m, "demo", nil)
	enable(t, m, "blind", nil)
	assert.Nil(t, m.GetDeviceState(ctx, plugin.Binding{AdapterID: "blind"}), "no capability")

	state := m.GetDeviceState(ctx, binding)
	require.NotNil(t, state)
	assert.True(t, state.On)

	fail.Store(true)
	assert.Nil(t, m.GetDeviceState(ctx, binding), "error")
}

func TestDiscoverDevices(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, &plugin.Adapter{
		Descriptor: plugin.Descriptor{ID: "demo"},
		Hooks: plugin.Hooks{
			DiscoverDevices: func(context.Context) ([]plugin.Device, error) {
				return []plugin.Device{{ID: "light.a", Name: "A", Type: "light"}}, nil
			},
		},
	}))

	res := m.DiscoverDevices(ctx, "demo")
	assert.False(t, res.Success)

	enable(t, m, "demo", nil)
	res = m.DiscoverDevices(ctx, "demo")
	require.True(t, res.Success)
	assert.Len(t, res.Devices, 1)
}

func TestTestConnection_TransientEnable(t *testing.T) {
	m, configs := newManager(t, Options{})
	ctx := context.Background()

	rec := &recorder{}
	a := rec.adapter("demo")
	var seen plugin.Settings
	a.TestConnection = func(context.Context) (plugin.ConnectionResult, error) {
		rec.mu.Lock()
		seen = rec.inits[len(rec.inits)-1]
		rec.mu.Unlock()
		return plugin.ConnectionResult{Success: true, Message: "ok"}, nil
	}
	require.NoError(t, m.Register(ctx, a))
	require.NoError(t, configs.Put(ctx, "demo", store.AdapterConfig{Settings: plugin.Settings{"host": "stored", "port": "1"}}))

	res := m.TestConnection(ctx, "demo", plugin.Settings{"host": "candidate"})
	assert.True(t, res.Success)
	assert.Equal(t, "candidate", seen.String("host", ""))
	assert.Equal(t, "1", seen.String("port", ""))

	inits, shutdowns := rec.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, shutdowns)
	assert.False(t, m.IsEnabled("demo"))

	cfg, _ := configs.Get(ctx, "demo")
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "stored", cfg.Settings.String("host", ""))

	// an enabled adapter is tested in place without a restart
	enable(t, m, "demo", nil)
	res = m.TestConnection(ctx, "demo", plugin.Settings{"host": "ignored"})
	assert.True(t, res.Success)
	inits, shutdowns = rec.counts()
	assert.Equal(t, 2, inits)
	assert.Equal(t, 1, shutdowns)

	assert.False(t, m.TestConnection(ctx, "missing", nil).Success)
}

func TestPollInterval(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, &plugin.Adapter{Descriptor: plugin.Descriptor{ID: "demo", PollInterval: 15 * time.Second}}))

	assert.Equal(t, 15*time.Second, m.PollInterval("demo"))
	assert.Equal(t, plugin.DefaultPollInterval, m.PollInterval("unknown"))
}
