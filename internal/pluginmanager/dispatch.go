package pluginmanager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"panelhub/pkg/plugin"

	"go.uber.org/zap"
)

// callValue runs fn under the per-call timeout. A hook that ignores its
// context is abandoned when the timeout fires; a panicking hook becomes an
// error.
func callValue[T any](m *Manager, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("adapter panicked: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-callCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrCallTimeout, m.callTimeout)
	}
}

func (m *Manager) callErr(ctx context.Context, fn func(context.Context) error) error {
	_, err := callValue(m, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// enabledAdapter returns the adapter when it is registered and running, or
// a descriptive error.
func (m *Manager) enabledAdapter(id string) (*plugin.Adapter, error) {
	e, a := m.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("adapter %q is not registered", id)
	}
	if e.current() != StateEnabled {
		return nil, fmt.Errorf("adapter %q is not enabled", id)
	}
	return a, nil
}

// ExecuteAction routes an action to the bound adapter. Native execution is
// preferred; adapters that only describe HTTP requests are driven through
// the generic HTTP fallback. Failures are reported in the result, never
// returned.
func (m *Manager) ExecuteAction(ctx context.Context, action plugin.ActionContext) plugin.ActionResult {
	id := action.Binding.AdapterID
	a, err := m.enabledAdapter(id)
	if err != nil {
		return plugin.Failed("%s", err.Error())
	}

	var result plugin.ActionResult
	switch {
	case a.Supports(plugin.CapabilityExecute):
		result, err = callValue(m, ctx, func(ctx context.Context) (plugin.ActionResult, error) {
			return a.ExecuteAction(ctx, action)
		})
		if err != nil {
			result = plugin.Failed("%s", err.Error())
		}
	case a.Supports(plugin.CapabilityHTTPAction):
		result = m.executeHTTP(ctx, a, action)
	default:
		result = plugin.Failed("adapter %q cannot execute actions", id)
	}

	m.metrics.Action(id, result.Success)
	if !result.Success {
		m.logger.Warn("Action failed",
			zap.String("adapter", id),
			zap.String("device", action.Binding.ExternalDeviceID),
			zap.String("action", action.Label()),
			zap.String("error", result.Error))
	}
	return result
}

// executeHTTP issues the request the adapter describes for the action's
// "on"/"off" label.
func (m *Manager) executeHTTP(ctx context.Context, a *plugin.Adapter, action plugin.ActionContext) plugin.ActionResult {
	cfg, err := callValue(m, ctx, func(context.Context) (plugin.HTTPConfig, error) {
		return a.GetHTTPConfig(action.Binding, action.Label())
	})
	if err != nil {
		return plugin.Failed("building request: %s", err.Error())
	}
	if cfg.URL == "" {
		return plugin.Failed("adapter %q returned no URL for %q", a.ID, action.Label())
	}

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodPost
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, body)
	if err != nil {
		return plugin.Failed("building request: %s", err.Error())
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return plugin.Failed("%s", err.Error())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return plugin.ActionResult{
			Success:    false,
			Error:      fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			StatusCode: resp.StatusCode,
		}
	}
	return plugin.ActionResult{
		Success:    true,
		Message:    fmt.Sprintf("%s %s", method, cfg.URL),
		StatusCode: resp.StatusCode,
	}
}

// GetDeviceState asks the bound adapter for the device's current state.
// Nil means "no new information": the adapter is unknown, disabled, cannot
// report state, failed, or timed out. It never means "off".
func (m *Manager) GetDeviceState(ctx context.Context, binding plugin.Binding) *plugin.DeviceState {
	a, err := m.enabledAdapter(binding.AdapterID)
	if err != nil || !a.Supports(plugin.CapabilityReportState) {
		return nil
	}

	state, err := callValue(m, ctx, func(ctx context.Context) (*plugin.DeviceState, error) {
		return a.GetDeviceState(ctx, binding)
	})
	if err != nil {
		m.logger.Debug("Device state query failed",
			zap.String("adapter", binding.AdapterID),
			zap.String("device", binding.ExternalDeviceID),
			zap.Error(err))
		return nil
	}
	return state
}

// DiscoverDevices lists the devices an enabled adapter exposes.
func (m *Manager) DiscoverDevices(ctx context.Context, id string) plugin.DiscoveryResult {
	a, err := m.enabledAdapter(id)
	if err != nil {
		return plugin.DiscoveryResult{Error: err.Error()}
	}
	if !a.Supports(plugin.CapabilityDiscover) {
		return plugin.DiscoveryResult{Error: fmt.Sprintf("adapter %q does not support discovery", id)}
	}

	devices, err := callValue(m, ctx, a.DiscoverDevices)
	if err != nil {
		return plugin.DiscoveryResult{Error: err.Error()}
	}
	if devices == nil {
		devices = []plugin.Device{}
	}
	return plugin.DiscoveryResult{Success: true, Devices: devices}
}

// TestConnection checks an adapter's backend. A running adapter is tested
// as is. A disabled adapter is initialized for the duration of the call
// with its stored settings plus overrides, then shut down again; its
// runtime state and stored configuration are left untouched.
func (m *Manager) TestConnection(ctx context.Context, id string, overrides plugin.Settings) plugin.ConnectionResult {
	e, a := m.lookup(id)
	if e == nil {
		return plugin.ConnectionResult{Error: fmt.Sprintf("adapter %q is not registered", id)}
	}
	if !a.Supports(plugin.CapabilityTestConnection) {
		return plugin.ConnectionResult{Error: fmt.Sprintf("adapter %q does not support connection tests", id)}
	}

	if e.current() == StateEnabled {
		return m.runTest(ctx, a)
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.current() == StateEnabled {
		return m.runTest(ctx, a)
	}

	cfg, err := m.configs.Get(ctx, id)
	if err != nil {
		return plugin.ConnectionResult{Error: err.Error()}
	}
	settings := cfg.Settings.Clone()
	for k, v := range overrides {
		settings[k] = v
	}

	if a.Initialize != nil {
		err := m.callErr(ctx, func(ctx context.Context) error {
			return a.Initialize(ctx, settings)
		})
		if err != nil {
			return plugin.ConnectionResult{Error: fmt.Sprintf("initialization failed: %s", err.Error())}
		}
	}
	defer func() {
		if a.Shutdown == nil {
			return
		}
		if err := m.callErr(ctx, a.Shutdown); err != nil {
			m.logger.Warn("Transient shutdown failed", zap.String("adapter", id), zap.Error(err))
		}
	}()

	m.logger.Debug("Testing disabled adapter with transient enable", zap.String("adapter", id))
	return m.runTest(ctx, a)
}

func (m *Manager) runTest(ctx context.Context, a *plugin.Adapter) plugin.ConnectionResult {
	res, err := callValue(m, ctx, a.TestConnection)
	if err != nil {
		return plugin.ConnectionResult{Error: err.Error()}
	}
	return res
}
