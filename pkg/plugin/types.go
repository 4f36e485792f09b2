package plugin

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Binding attaches one panel button to one external device on one adapter.
type Binding struct {
	AdapterID          string            `json:"adapterId" yaml:"adapter_id"`
	ExternalDeviceID   string            `json:"externalDeviceId" yaml:"external_device_id"`
	ExternalDeviceType string            `json:"externalDeviceType,omitempty" yaml:"external_device_type"`
	Metadata           map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// DeviceState is what a backend reports for one device.
type DeviceState struct {
	On         bool `json:"state"`
	SpeedLevel *int `json:"speedLevel,omitempty"`
}

// ActionContext describes one requested device action.
type ActionContext struct {
	PanelID    string
	ButtonID   int
	DeviceName string
	Binding    Binding
	NewState   bool
	SpeedLevel *int
}

// Label returns the action label used by HTTP-action adapters.
func (a ActionContext) Label() string {
	return ActionLabel(a.NewState)
}

// ActionLabel maps a requested boolean to the "on"/"off" label.
func ActionLabel(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// ActionResult is the outcome of one action dispatch.
type ActionResult struct {
	Success    bool         `json:"success"`
	Error      string       `json:"error,omitempty"`
	Message    string       `json:"message,omitempty"`
	StatusCode int          `json:"statusCode,omitempty"`
	State      *DeviceState `json:"state,omitempty"`
}

// Failed builds an unsuccessful result.
func Failed(format string, args ...any) ActionResult {
	return ActionResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// HTTPConfig is a single HTTP request description.
type HTTPConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Device is one discovered backend device.
type Device struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DiscoveryResult wraps a discovery call.
type DiscoveryResult struct {
	Success bool     `json:"success"`
	Devices []Device `json:"devices,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ConnectionResult wraps a connection test.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Settings is the free-form adapter configuration stored by the hub.
type Settings map[string]any

// String returns a string setting or def.
func (s Settings) String(key, def string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return def
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Int returns an integer setting or def. JSON numbers decode as float64.
func (s Settings) Int(key string, def int) int {
	switch t := s[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean setting or def.
func (s Settings) Bool(key string, def bool) bool {
	switch t := s[key].(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return def
}

// Duration parses a Go duration string setting ("15s") or def.
func (s Settings) Duration(key string, def time.Duration) time.Duration {
	raw, ok := s[key].(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return d
}

// StringMap returns a map[string]string setting, tolerating decoded JSON maps.
func (s Settings) StringMap(key string) map[string]string {
	out := make(map[string]string)
	switch t := s[key].(type) {
	case map[string]string:
		for k, v := range t {
			out[k] = v
		}
	case map[string]any:
		for k, v := range t {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// Clone returns a shallow copy.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
