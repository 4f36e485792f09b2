// Package homeassistant bridges panel buttons to Home Assistant entities
// over the WebSocket API.
package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"panelhub/internal/ha"
	"panelhub/pkg/plugin"

	"go.uber.org/zap"
)

// ID is the adapter id used in bindings.
const ID = "homeassistant"

// PollInterval is short because state comes from the client's event-fed
// cache rather than a round trip.
const PollInterval = 5 * time.Second

// DefaultSpeedSteps is used for fans whose binding does not say otherwise.
const DefaultSpeedSteps = 3

// MetaSpeedSteps is the binding metadata key holding a fan's speed count.
const MetaSpeedSteps = "speed_steps"

var supportedDomains = map[string]bool{
	"light":         true,
	"switch":        true,
	"fan":           true,
	"input_boolean": true,
}

// ClientFactory builds the WebSocket client for the configured server.
type ClientFactory func(wsURL, token string, logger *zap.Logger) ha.HAClient

// DefaultClientFactory returns a real client.
func DefaultClientFactory(wsURL, token string, logger *zap.Logger) ha.HAClient {
	return ha.NewClient(wsURL, token, logger)
}

// Bridge is the adapter backend.
type Bridge struct {
	newClient ClientFactory
	logger    *zap.Logger

	mu     sync.RWMutex
	client ha.HAClient
}

// New creates a bridge. A nil factory uses DefaultClientFactory.
func New(factory ClientFactory, logger *zap.Logger) *Bridge {
	if factory == nil {
		factory = DefaultClientFactory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{newClient: factory, logger: logger}
}

// Adapter exposes the bridge through the adapter contract.
func (b *Bridge) Adapter() *plugin.Adapter {
	return &plugin.Adapter{
		Descriptor: plugin.Descriptor{
			ID:           ID,
			Name:         "Home Assistant",
			Description:  "Lights, switches, fans and input booleans from Home Assistant",
			PollInterval: PollInterval,
		},
		Hooks: plugin.Hooks{
			Initialize:      b.initialize,
			Shutdown:        b.shutdown,
			DiscoverDevices: b.discover,
			ExecuteAction:   b.execute,
			TestConnection:  b.test,
			GetDeviceState:  b.state,
		},
	}
}

// WebSocketURL turns a server address like http://host:8123 into the
// WebSocket API endpoint.
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url has no host")
	}
	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, "/api/websocket") {
		path += "/api/websocket"
	}
	u.Path = path
	return u.String(), nil
}

func (b *Bridge) initialize(ctx context.Context, s plugin.Settings) error {
	wsURL, err := WebSocketURL(s.String("url", ""))
	if err != nil {
		return fmt.Errorf("homeassistant: %w", err)
	}
	token := s.String("token", "")
	if token == "" {
		return errors.New("homeassistant: token is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Disconnect()
		b.client = nil
	}

	client := b.newClient(wsURL, token, b.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("homeassistant: connecting to %s: %w", wsURL, err)
	}
	b.client = client
	return nil
}

func (b *Bridge) shutdown(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Disconnect()
	b.client = nil
	return err
}

func (b *Bridge) connected() (ha.HAClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, ha.ErrNotConnected
	}
	return b.client, nil
}

func (b *Bridge) discover(ctx context.Context) ([]plugin.Device, error) {
	client, err := b.connected()
	if err != nil {
		return nil, err
	}
	states, err := client.GetStates(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]plugin.Device, 0, len(states))
	for _, s := range states {
		domain := s.Domain()
		if !supportedDomains[domain] {
			continue
		}
		d := plugin.Device{ID: s.EntityID, Name: s.FriendlyName(), Type: domain}
		if domain == "fan" {
			d.Metadata = map[string]string{MetaSpeedSteps: strconv.Itoa(fanSteps(s))}
		}
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (b *Bridge) execute(ctx context.Context, action plugin.ActionContext) (plugin.ActionResult, error) {
	client, err := b.connected()
	if err != nil {
		return plugin.Failed("%s", err.Error()), nil
	}

	entityID := action.Binding.ExternalDeviceID
	domain := ha.Domain(entityID)
	if !supportedDomains[domain] {
		return plugin.Failed("unsupported entity %q", entityID), nil
	}

	service := "turn_off"
	var data map[string]any
	state := &plugin.DeviceState{On: action.NewState}
	if action.NewState {
		service = "turn_on"
		if domain == "fan" && action.SpeedLevel != nil && *action.SpeedLevel > 0 {
			steps := speedSteps(action.Binding)
			level := min(*action.SpeedLevel, steps)
			data = map[string]any{"percentage": level * 100 / steps}
			state.SpeedLevel = &level
		}
	}

	if err := client.CallService(ctx, domain, service, entityID, data); err != nil {
		return plugin.Failed("%s.%s %s: %s", domain, service, entityID, err.Error()), nil
	}

	b.logger.Debug("Service called",
		zap.String("entity", entityID),
		zap.String("service", domain+"."+service))
	return plugin.ActionResult{
		Success: true,
		Message: fmt.Sprintf("%s.%s %s", domain, service, entityID),
		State:   state,
	}, nil
}

func (b *Bridge) test(ctx context.Context) (plugin.ConnectionResult, error) {
	client, err := b.connected()
	if err != nil {
		return plugin.ConnectionResult{Error: err.Error()}, nil
	}
	if err := client.Ping(ctx); err != nil {
		return plugin.ConnectionResult{Error: err.Error()}, nil
	}
	return plugin.ConnectionResult{Success: true, Message: "Connected to Home Assistant"}, nil
}

// state answers from the event-fed cache. Unavailable entities report
// nothing.
func (b *Bridge) state(_ context.Context, binding plugin.Binding) (*plugin.DeviceState, error) {
	client, err := b.connected()
	if err != nil {
		return nil, err
	}
	s, ok := client.CachedState(binding.ExternalDeviceID)
	if !ok {
		return nil, fmt.Errorf("unknown entity %s", binding.ExternalDeviceID)
	}
	switch s.State {
	case "unavailable", "unknown":
		return nil, nil
	}

	ds := &plugin.DeviceState{On: s.IsOn()}
	if s.Domain() == "fan" {
		level := 0
		if pct, ok := s.Percentage(); ok && ds.On {
			level = speedLevel(pct, speedSteps(binding))
		}
		ds.SpeedLevel = &level
	}
	return ds, nil
}

func speedSteps(binding plugin.Binding) int {
	if n, err := strconv.Atoi(binding.Metadata[MetaSpeedSteps]); err == nil && n > 0 {
		return n
	}
	return DefaultSpeedSteps
}

// speedLevel maps a percentage onto 1..steps, rounding up so any non-zero
// percentage is at least speed 1.
func speedLevel(pct, steps int) int {
	if pct <= 0 {
		return 0
	}
	return min(int(math.Ceil(float64(pct)*float64(steps)/100)), steps)
}

// fanSteps derives the speed count from HA's percentage_step attribute.
func fanSteps(s ha.State) int {
	if step, ok := s.Attributes["percentage_step"].(float64); ok && step > 0 {
		if n := int(math.Round(100 / step)); n > 0 {
			return n
		}
	}
	return DefaultSpeedSteps
}
