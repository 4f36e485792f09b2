// Package demo provides an in-memory adapter with a handful of simulated
// devices. It needs no backend and is useful for trying a panel out.
package demo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"panelhub/pkg/plugin"

	"go.uber.org/zap"
)

// ID is the adapter id used in bindings.
const ID = "demo"

// PollInterval is how often the hub polls the simulated devices.
const PollInterval = 15 * time.Second

type device struct {
	plugin.Device
	on     bool
	speed  int
	speeds int
}

// Backend holds the simulated devices.
type Backend struct {
	logger *zap.Logger

	mu      sync.Mutex
	devices map[string]*device
	ready   bool
}

// NewBackend creates a backend with the default device set.
func NewBackend(logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{logger: logger, devices: make(map[string]*device)}
	b.reset()
	return b
}

func (b *Backend) reset() {
	b.devices = map[string]*device{
		"light.living_room": {Device: plugin.Device{ID: "light.living_room", Name: "Living Room", Type: "light"}},
		"light.kitchen":     {Device: plugin.Device{ID: "light.kitchen", Name: "Kitchen", Type: "light"}},
		"switch.coffee":     {Device: plugin.Device{ID: "switch.coffee", Name: "Coffee Machine", Type: "switch"}},
		"fan.bedroom": {
			Device: plugin.Device{ID: "fan.bedroom", Name: "Bedroom Fan", Type: "fan", Metadata: map[string]string{"speed_steps": "3"}},
			speeds: 3,
		},
	}
}

// Adapter exposes the backend through the adapter contract.
func (b *Backend) Adapter() *plugin.Adapter {
	return &plugin.Adapter{
		Descriptor: plugin.Descriptor{
			ID:           ID,
			Name:         "Demo",
			Description:  "Simulated devices kept in memory",
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

// initialize starts from the default device set unless the "keep_state"
// setting is true.
func (b *Backend) initialize(_ context.Context, settings plugin.Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !settings.Bool("keep_state", false) {
		b.reset()
	}
	b.ready = true
	return nil
}

func (b *Backend) shutdown(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	return nil
}

func (b *Backend) discover(context.Context) ([]plugin.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]plugin.Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d.Device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) execute(_ context.Context, action plugin.ActionContext) (plugin.ActionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[action.Binding.ExternalDeviceID]
	if !ok {
		return plugin.Failed("unknown device %s", action.Binding.ExternalDeviceID), nil
	}

	d.on = action.NewState
	if d.speeds > 0 {
		switch {
		case !d.on:
			d.speed = 0
		case action.SpeedLevel != nil:
			d.speed = min(max(*action.SpeedLevel, 1), d.speeds)
		case d.speed == 0:
			d.speed = 1
		}
	}

	b.logger.Debug("Demo device changed",
		zap.String("device", d.ID),
		zap.Bool("on", d.on),
		zap.Int("speed", d.speed))
	return plugin.ActionResult{
		Success: true,
		Message: fmt.Sprintf("%s turned %s", d.Name, plugin.ActionLabel(d.on)),
		State:   d.deviceState(),
	}, nil
}

func (b *Backend) test(context.Context) (plugin.ConnectionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return plugin.ConnectionResult{Error: "demo adapter is not initialized"}, nil
	}
	return plugin.ConnectionResult{
		Success: true,
		Message: fmt.Sprintf("%d simulated devices", len(b.devices)),
	}, nil
}

func (b *Backend) state(_ context.Context, binding plugin.Binding) (*plugin.DeviceState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[binding.ExternalDeviceID]
	if !ok {
		return nil, fmt.Errorf("unknown device %s", binding.ExternalDeviceID)
	}
	return d.deviceState(), nil
}

// Set changes a device as if someone used its physical switch.
func (b *Backend) Set(id string, on bool, speed int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[id]
	if !ok {
		return fmt.Errorf("unknown device %s", id)
	}
	d.on = on
	if d.speeds > 0 {
		d.speed = min(max(speed, 0), d.speeds)
		d.on = d.speed > 0
	}
	return nil
}

func (d *device) deviceState() *plugin.DeviceState {
	ds := &plugin.DeviceState{On: d.on}
	if d.speeds > 0 {
		speed := d.speed
		ds.SpeedLevel = &speed
	}
	return ds
}
