package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"panelhub/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInitialized(t *testing.T, settings plugin.Settings) *plugin.Adapter {
	t.Helper()
	a := New(nil, nil).Adapter()
	require.NoError(t, a.Initialize(context.Background(), settings))
	return a
}

func TestAdapter_Capabilities(t *testing.T) {
	a := New(nil, nil).Adapter()
	assert.Equal(t, []plugin.Capability{
		plugin.CapabilityHTTPAction,
		plugin.CapabilityReportState,
		plugin.CapabilityTestConnection,
	}, a.Capabilities())
	assert.True(t, a.CanAct())
}

func TestInitialize_Validation(t *testing.T) {
	tests := []struct {
		name     string
		settings plugin.Settings
		wantErr  bool
	}{
		{"missing base_url", plugin.Settings{}, true},
		{"blank base_url", plugin.Settings{"base_url": "  "}, true},
		{"not a url", plugin.Settings{"base_url": "nope"}, true},
		{"wrong scheme", plugin.Settings{"base_url": "ftp://host/x"}, true},
		{"valid", plugin.Settings{"base_url": "http://host/hooks/"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(nil, nil).Adapter().Initialize(context.Background(), tt.settings)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	err := New(nil, nil).Adapter().Initialize(context.Background(), plugin.Settings{})
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestHTTPConfig_Default(t *testing.T) {
	a := newInitialized(t, plugin.Settings{
		"base_url": "http://host/hooks/",
		"headers":  map[string]any{"X-Token": "abc"},
	})

	cfg, err := a.GetHTTPConfig(plugin.Binding{ExternalDeviceID: "porch light"}, "on")
	require.NoError(t, err)
	assert.Equal(t, "http://host/hooks/porch%20light/on", cfg.URL)
	assert.Equal(t, http.MethodPost, cfg.Method)
	assert.Equal(t, "abc", cfg.Headers["X-Token"])
	assert.Equal(t, "application/json", cfg.Headers["Content-Type"])
	assert.JSONEq(t, `{"device":"porch light","action":"on"}`, cfg.Body)
}

func TestHTTPConfig_MetadataOverride(t *testing.T) {
	a := newInitialized(t, plugin.Settings{"base_url": "http://host", "method": "put"})
	binding := plugin.Binding{
		ExternalDeviceID: "gate",
		Metadata:         map[string]string{MetaOnURL: "http://gate/open"},
	}

	on, err := a.GetHTTPConfig(binding, "on")
	require.NoError(t, err)
	assert.Equal(t, "http://gate/open", on.URL)
	assert.Equal(t, http.MethodPut, on.Method)

	off, err := a.GetHTTPConfig(binding, "off")
	require.NoError(t, err)
	assert.Equal(t, "http://host/gate/off", off.URL)
}

func TestHTTPConfig_Errors(t *testing.T) {
	_, err := New(nil, nil).Adapter().GetHTTPConfig(plugin.Binding{ExternalDeviceID: "x"}, "on")
	assert.Error(t, err, "uninitialized")

	a := newInitialized(t, plugin.Settings{"base_url": "http://host"})
	_, err = a.GetHTTPConfig(plugin.Binding{}, "on")
	assert.Error(t, err, "no device id")

	require.NoError(t, a.Shutdown(context.Background()))
	_, err = a.GetHTTPConfig(plugin.Binding{ExternalDeviceID: "x"}, "on")
	assert.Error(t, err, "after shutdown")
}

func TestTestConnection(t *testing.T) {
	var gotToken string
	status := http.StatusMethodNotAllowed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Token")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a := New(srv.Client(), nil).Adapter()
	require.NoError(t, a.Initialize(context.Background(), plugin.Settings{
		"base_url": srv.URL,
		"headers":  map[string]string{"X-Token": "abc"},
	}))

	res, err := a.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "abc", gotToken)

	status = http.StatusBadGateway
	res, err = a.TestConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "502")
}

func TestDeviceState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gate":
			json.NewEncoder(w).Encode(map[string]any{"state": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(srv.Client(), nil).Adapter()
	require.NoError(t, a.Initialize(context.Background(), plugin.Settings{"base_url": srv.URL}))
	ctx := context.Background()

	st, err := a.GetDeviceState(ctx, plugin.Binding{ExternalDeviceID: "gate"})
	require.NoError(t, err)
	assert.Nil(t, st, "no state_url means no information")

	st, err = a.GetDeviceState(ctx, plugin.Binding{Metadata: map[string]string{MetaStateURL: srv.URL + "/gate"}})
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.On)

	_, err = a.GetDeviceState(ctx, plugin.Binding{Metadata: map[string]string{MetaStateURL: srv.URL + "/missing"}})
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	info := plugin.Get(ID)
	require.NotNil(t, info)
	assert.Equal(t, 20, info.Order)
}
