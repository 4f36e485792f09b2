// Package mqtt drives devices that speak a simple JSON-over-MQTT protocol:
// commands go to <base>/<device>/set and devices report on
// <base>/<device>/state.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"panelhub/pkg/plugin"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ID is the adapter id used in bindings.
const ID = "mqtt"

// DefaultBaseTopic prefixes every topic unless base_topic is set.
const DefaultBaseTopic = "panelhub"

// ErrNotConnected is returned while the bridge has no broker session.
var ErrNotConnected = errors.New("mqtt: not connected")

// Command is published to <base>/<device>/set.
type Command struct {
	State string `json:"state"`
	Speed *int   `json:"speed,omitempty"`
}

// Report is what devices publish to <base>/<device>/state. Plain "ON" or
// "OFF" payloads are accepted too.
type Report struct {
	State string `json:"state"`
	Speed *int   `json:"speed,omitempty"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
}

func (r Report) on() bool {
	return strings.EqualFold(r.State, "on")
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// Bridge is the adapter backend.
type Bridge struct {
	newClient ClientFactory
	logger    *zap.Logger

	mu     sync.RWMutex
	client Client
	base   string
	seen   map[string]Report
}

// New creates a bridge. A nil factory uses NewPahoClient.
func New(factory ClientFactory, logger *zap.Logger) *Bridge {
	if factory == nil {
		factory = NewPahoClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{newClient: factory, logger: logger, seen: make(map[string]Report)}
}

// Adapter exposes the bridge through the adapter contract.
func (b *Bridge) Adapter() *plugin.Adapter {
	return &plugin.Adapter{
		Descriptor: plugin.Descriptor{
			ID:          ID,
			Name:        "MQTT",
			Description: "Devices reachable through an MQTT broker",
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

func (b *Bridge) initialize(ctx context.Context, s plugin.Settings) error {
	broker := s.String("broker", "")
	if broker == "" {
		return errors.New("mqtt: broker is required")
	}
	base := strings.Trim(s.String("base_topic", DefaultBaseTopic), "/")
	opts := Options{
		Broker:   broker,
		ClientID: s.String("client_id", "panelhub-"+uuid.NewString()[:8]),
		Username: s.String("username", ""),
		Password: s.String("password", ""),
	}

	b.shutdown(ctx)

	client, err := b.newClient(opts, b.logger)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("mqtt: connecting to %s: %w", broker, err)
	}

	b.mu.Lock()
	b.client = client
	b.base = base
	b.seen = make(map[string]Report)
	b.mu.Unlock()

	if err := client.Subscribe(ctx, base+"/+/state", b.handleReport); err != nil {
		client.Disconnect()
		b.mu.Lock()
		b.client = nil
		b.mu.Unlock()
		return fmt.Errorf("mqtt: subscribing: %w", err)
	}
	b.logger.Info("MQTT adapter ready",
		zap.String("broker", broker),
		zap.String("base_topic", base),
		zap.String("client_id", opts.ClientID))
	return nil
}

func (b *Bridge) shutdown(context.Context) error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	return nil
}

func (b *Bridge) handleReport(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	device, ok := strings.CutPrefix(topic, b.base+"/")
	if !ok {
		return
	}
	device, ok = strings.CutSuffix(device, "/state")
	if !ok || device == "" {
		return
	}

	var r Report
	if err := json.Unmarshal(payload, &r); err != nil {
		r = Report{State: strings.TrimSpace(string(payload))}
	}
	if !strings.EqualFold(r.State, "on") && !strings.EqualFold(r.State, "off") {
		b.logger.Debug("Ignoring state report", zap.String("topic", topic), zap.ByteString("payload", payload))
		return
	}

	prev := b.seen[device]
	if r.Name == "" {
		r.Name = prev.Name
	}
	if r.Type == "" {
		r.Type = prev.Type
	}
	b.seen[device] = r
}

func (b *Bridge) connected() (Client, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, "", ErrNotConnected
	}
	return b.client, b.base, nil
}

// discover lists every device that has reported state since the bridge
// connected.
func (b *Bridge) discover(context.Context) ([]plugin.Device, error) {
	if _, _, err := b.connected(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	devices := make([]plugin.Device, 0, len(b.seen))
	for id, r := range b.seen {
		d := plugin.Device{ID: id, Name: r.Name, Type: r.Type}
		if d.Name == "" {
			d.Name = id
		}
		if d.Type == "" {
			d.Type = "switch"
		}
		devices = append(devices, d)
	}
	b.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (b *Bridge) execute(ctx context.Context, action plugin.ActionContext) (plugin.ActionResult, error) {
	client, base, err := b.connected()
	if err != nil {
		return plugin.Failed("%s", err.Error()), nil
	}
	device := action.Binding.ExternalDeviceID
	if device == "" || strings.ContainsAny(device, "/+#") {
		return plugin.Failed("invalid device id %q", device), nil
	}

	cmd := Command{State: onOff(action.NewState)}
	if action.NewState && action.SpeedLevel != nil {
		cmd.Speed = action.SpeedLevel
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return plugin.Failed("%s", err.Error()), nil
	}

	topic := base + "/" + device + "/set"
	if err := client.Publish(ctx, topic, payload); err != nil {
		return plugin.Failed("publish %s: %s", topic, err.Error()), nil
	}
	return plugin.ActionResult{
		Success: true,
		Message: fmt.Sprintf("published %s to %s", cmd.State, topic),
		State:   &plugin.DeviceState{On: action.NewState, SpeedLevel: cmd.Speed},
	}, nil
}

func (b *Bridge) test(context.Context) (plugin.ConnectionResult, error) {
	client, _, err := b.connected()
	if err != nil {
		return plugin.ConnectionResult{Error: err.Error()}, nil
	}
	if !client.IsConnected() {
		return plugin.ConnectionResult{Error: "broker connection is down"}, nil
	}
	return plugin.ConnectionResult{Success: true, Message: "Connected to broker"}, nil
}

func (b *Bridge) state(_ context.Context, binding plugin.Binding) (*plugin.DeviceState, error) {
	if _, _, err := b.connected(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	r, ok := b.seen[binding.ExternalDeviceID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no state received for %s", binding.ExternalDeviceID)
	}

	ds := &plugin.DeviceState{On: r.on()}
	if r.Speed != nil {
		speed := *r.Speed
		if !ds.On {
			speed = 0
		}
		ds.SpeedLevel = &speed
	}
	return ds, nil
}
