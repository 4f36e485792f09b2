// Package webhook drives devices by calling plain HTTP endpoints. It builds
// one request per action and lets the hub issue it.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"panelhub/pkg/plugin"

	"go.uber.org/zap"
)

// ID is the adapter id used in bindings.
const ID = "webhook"

// Binding metadata keys.
const (
	MetaOnURL    = "on_url"
	MetaOffURL   = "off_url"
	MetaStateURL = "state_url"
)

// ErrNoBaseURL is returned by Initialize when base_url is missing.
var ErrNoBaseURL = errors.New("webhook: base_url is required")

type settings struct {
	baseURL string
	method  string
	headers map[string]string
}

// Webhook is the adapter backend.
type Webhook struct {
	client *http.Client
	logger *zap.Logger

	mu  sync.RWMutex
	cfg *settings
}

// New creates an uninitialized webhook backend.
func New(client *http.Client, logger *zap.Logger) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{client: client, logger: logger}
}

// Adapter exposes the backend through the adapter contract.
func (w *Webhook) Adapter() *plugin.Adapter {
	return &plugin.Adapter{
		Descriptor: plugin.Descriptor{
			ID:          ID,
			Name:        "Webhook",
			Description: "Calls an HTTP endpoint for each button press",
		},
		Hooks: plugin.Hooks{
			Initialize:     w.initialize,
			Shutdown:       w.shutdown,
			GetHTTPConfig:  w.httpConfig,
			TestConnection: w.test,
			GetDeviceState: w.state,
		},
	}
}

func (w *Webhook) initialize(_ context.Context, s plugin.Settings) error {
	base := strings.TrimRight(s.String("base_url", ""), "/")
	if base == "" {
		return ErrNoBaseURL
	}
	u, err := url.ParseRequestURI(base)
	if err != nil {
		return fmt.Errorf("webhook: invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: base_url must be http or https, got %q", u.Scheme)
	}

	cfg := &settings{
		baseURL: base,
		method:  strings.ToUpper(s.String("method", http.MethodPost)),
		headers: s.StringMap("headers"),
	}

	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()

	w.logger.Info("Webhook adapter configured",
		zap.String("base_url", cfg.baseURL),
		zap.String("method", cfg.method))
	return nil
}

func (w *Webhook) shutdown(context.Context) error {
	w.mu.Lock()
	w.cfg = nil
	w.mu.Unlock()
	return nil
}

func (w *Webhook) current() (*settings, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.cfg == nil {
		return nil, errors.New("webhook: not initialized")
	}
	return w.cfg, nil
}

// httpConfig describes the request for label. A per-binding on_url/off_url
// wins over the default base_url/<device>/<label>.
func (w *Webhook) httpConfig(binding plugin.Binding, label string) (plugin.HTTPConfig, error) {
	cfg, err := w.current()
	if err != nil {
		return plugin.HTTPConfig{}, err
	}

	key := MetaOffURL
	if label == plugin.ActionLabel(true) {
		key = MetaOnURL
	}
	target := binding.Metadata[key]
	if target == "" {
		if binding.ExternalDeviceID == "" {
			return plugin.HTTPConfig{}, errors.New("webhook: binding has no device id")
		}
		target = fmt.Sprintf("%s/%s/%s", cfg.baseURL, url.PathEscape(binding.ExternalDeviceID), label)
	}

	body, err := json.Marshal(map[string]string{
		"device": binding.ExternalDeviceID,
		"action": label,
	})
	if err != nil {
		return plugin.HTTPConfig{}, err
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range cfg.headers {
		headers[k] = v
	}
	return plugin.HTTPConfig{
		URL:     target,
		Method:  cfg.method,
		Headers: headers,
		Body:    string(body),
	}, nil
}

func (w *Webhook) test(ctx context.Context) (plugin.ConnectionResult, error) {
	cfg, err := w.current()
	if err != nil {
		return plugin.ConnectionResult{Error: err.Error()}, nil
	}

	resp, err := w.get(ctx, cfg, cfg.baseURL)
	if err != nil {
		return plugin.ConnectionResult{Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Any answer below 500 proves the endpoint is up; many webhook
	// receivers reject GET on the base path.
	if resp.StatusCode >= http.StatusInternalServerError {
		return plugin.ConnectionResult{Error: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, cfg.baseURL)}, nil
	}
	return plugin.ConnectionResult{
		Success: true,
		Message: fmt.Sprintf("%s answered HTTP %d", cfg.baseURL, resp.StatusCode),
	}, nil
}

// state reads {"state": bool} from the binding's state_url. Bindings without
// one report nothing.
func (w *Webhook) state(ctx context.Context, binding plugin.Binding) (*plugin.DeviceState, error) {
	target := binding.Metadata[MetaStateURL]
	if target == "" {
		return nil, nil
	}
	cfg, err := w.current()
	if err != nil {
		return nil, err
	}

	resp, err := w.get(ctx, cfg, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook: state query returned HTTP %d", resp.StatusCode)
	}

	var st plugin.DeviceState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("webhook: decoding state: %w", err)
	}
	return &st, nil
}

func (w *Webhook) get(ctx context.Context, cfg *settings, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.headers {
		req.Header.Set(k, v)
	}
	return w.client.Do(req)
}
