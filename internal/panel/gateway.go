package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultGatewayTimeout bounds every request to a panel.
const DefaultGatewayTimeout = 5 * time.Second

// Gateway talks to panel firmware over its HTTP API.
type Gateway struct {
	client       *http.Client
	timeout      time.Duration
	reportingURL string
}

// NewGateway creates a gateway. reportingURL is the hub address panels post
// taps and state reports to; it is embedded in pushed configurations.
func NewGateway(client *http.Client, timeout time.Duration, reportingURL string) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	return &Gateway{client: client, timeout: timeout, reportingURL: reportingURL}
}

// StatusError reports a non-2xx panel response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("panel returned HTTP %d: %s", e.Code, e.Status)
}

type buttonBatch struct {
	Buttons []ButtonState `json:"buttons"`
}

// PushButtons posts a batch of button states to POST /api/state/buttons.
func (g *Gateway) PushButtons(ctx context.Context, p Panel, states []ButtonState) error {
	return g.do(ctx, p, http.MethodPost, "/api/state/buttons", buttonBatch{Buttons: states}, nil)
}

// PushConfig posts the full device configuration to POST /api/config.
func (g *Gateway) PushConfig(ctx context.Context, p Panel) error {
	return g.do(ctx, p, http.MethodPost, "/api/config", g.DeviceConfig(p), nil)
}

// FetchConfig reads the configuration the panel is currently running.
func (g *Gateway) FetchConfig(ctx context.Context, p Panel) (json.RawMessage, error) {
	var raw json.RawMessage
	err := g.do(ctx, p, http.MethodGet, "/api/config", nil, &raw)
	return raw, err
}

// FetchState reads the panel's broad state snapshot from GET /api/state.
func (g *Gateway) FetchState(ctx context.Context, p Panel) (json.RawMessage, error) {
	var raw json.RawMessage
	err := g.do(ctx, p, http.MethodGet, "/api/state", nil, &raw)
	return raw, err
}

// PushState posts a broad state snapshot to POST /api/state.
func (g *Gateway) PushState(ctx context.Context, p Panel, state any) error {
	return g.do(ctx, p, http.MethodPost, "/api/state", state, nil)
}

// Ping probes GET /api/ping.
func (g *Gateway) Ping(ctx context.Context, p Panel) error {
	var resp struct {
		Pong bool `json:"pong"`
	}
	if err := g.do(ctx, p, http.MethodGet, "/api/ping", nil, &resp); err != nil {
		return err
	}
	if !resp.Pong {
		return fmt.Errorf("panel %s: unexpected ping response", p.ID)
	}
	return nil
}

func (g *Gateway) do(ctx context.Context, p Panel, method, path string, body, out any) error {
	if p.Address == "" {
		return fmt.Errorf("panel %s has no address", p.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request for panel %s: %w", p.ID, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, BaseURL(p.Address)+path, reader)
	if err != nil {
		return fmt.Errorf("building request for panel %s: %w", p.ID, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("panel %s %s %s: %w", p.ID, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from panel %s: %w", p.ID, err)
	}
	return nil
}

// BaseURL normalizes a panel address ("10.0.0.5", "10.0.0.5:8080" or a full
// URL) to a base URL without a trailing slash.
func BaseURL(address string) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return address
}

// DeviceConfig is the configuration document the firmware accepts on
// POST /api/config.
type DeviceConfig struct {
	Version string          `json:"version"`
	Device  DeviceIdentity  `json:"device"`
	Display Display         `json:"display"`
	Buttons []ConfigButton  `json:"buttons"`
	Scenes  []ConfigScene   `json:"scenes"`
	Server  *ConfigReporter `json:"server,omitempty"`
}

type DeviceIdentity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

type ConfigButton struct {
	ID         int        `json:"id"`
	Type       ButtonType `json:"type"`
	Name       string     `json:"name"`
	Icon       string     `json:"icon,omitempty"`
	State      bool       `json:"state"`
	Subtitle   string     `json:"subtitle,omitempty"`
	SpeedSteps int        `json:"speedSteps,omitempty"`
	SpeedLevel int        `json:"speedLevel,omitempty"`
	SceneID    string     `json:"sceneId,omitempty"`
}

type ConfigScene struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

type ConfigReporter struct {
	ReportingURL string `json:"reportingUrl"`
}

const configVersion = "1.0"

// DeviceConfig builds the configuration document for p. Bindings stay on
// the hub; the panel only learns what to render.
func (g *Gateway) DeviceConfig(p Panel) DeviceConfig {
	cfg := DeviceConfig{
		Version: configVersion,
		Device:  DeviceIdentity{ID: p.ID, Name: p.Name, Location: p.Location},
		Display: p.Display,
		Buttons: make([]ConfigButton, 0, len(p.Buttons)),
		Scenes:  make([]ConfigScene, 0, len(p.Scenes)),
	}
	for _, b := range p.Buttons {
		cb := ConfigButton{
			ID:       b.ID,
			Type:     b.Type,
			Name:     b.Name,
			Icon:     b.Icon,
			State:    b.State,
			Subtitle: b.Subtitle,
			SceneID:  b.SceneID,
		}
		if b.IsFan() {
			cb.SpeedSteps = b.SpeedSteps
			cb.SpeedLevel = b.ButtonState().speed()
		}
		cfg.Buttons = append(cfg.Buttons, cb)
	}
	for _, s := range p.Scenes {
		cfg.Scenes = append(cfg.Scenes, ConfigScene{ID: s.ID, Name: s.Name, Icon: s.Icon})
	}
	if g.reportingURL != "" {
		cfg.Server = &ConfigReporter{ReportingURL: g.reportingURL}
	}
	return cfg
}

func (s ButtonState) speed() int {
	if s.SpeedLevel == nil {
		return 0
	}
	return *s.SpeedLevel
}
