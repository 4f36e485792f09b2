// Package panel models the touch panels the hub serves: their buttons and
// bindings, the hub's button-state cache (Registry), the HTTP gateway used
// to talk to panel firmware, and the ping-based health checker.
package panel

import (
	"time"

	"panelhub/pkg/plugin"
)

// ButtonType is the kind of control a button renders.
type ButtonType string

const (
	ButtonLight  ButtonType = "light"
	ButtonSwitch ButtonType = "switch"
	ButtonFan    ButtonType = "fan"
	ButtonScene  ButtonType = "scene"
)

// Built-in scene names handled by the hub without a scene definition.
const (
	SceneAllOn  = "All On"
	SceneAllOff = "All Off"
)

// Button is one configured panel button and its cached state.
type Button struct {
	ID       int        `json:"id" yaml:"id"`
	Type     ButtonType `json:"type" yaml:"type"`
	Name     string     `json:"name" yaml:"name"`
	Icon     string     `json:"icon,omitempty" yaml:"icon"`
	Subtitle string     `json:"subtitle,omitempty" yaml:"subtitle"`
	State    bool       `json:"state" yaml:"state"`

	// SpeedSteps is the number of fan speeds (0 = on/off only).
	SpeedSteps int `json:"speedSteps,omitempty" yaml:"speed_steps"`
	// SpeedLevel is the current fan speed, 0 meaning off.
	SpeedLevel int `json:"speedLevel,omitempty" yaml:"speed_level"`

	// SceneID names the scene a scene button triggers.
	SceneID string `json:"sceneId,omitempty" yaml:"scene_id"`

	// Binding is nil for local-only buttons.
	Binding *plugin.Binding `json:"binding,omitempty" yaml:"binding"`
}

// IsFan reports whether speed levels apply to the button.
func (b Button) IsFan() bool { return b.Type == ButtonFan }

// IsScene reports whether the button triggers a scene.
func (b Button) IsScene() bool { return b.Type == ButtonScene }

// IsBound reports whether the button mirrors an external device.
func (b Button) IsBound() bool { return b.Binding != nil && !b.IsScene() }

// BoundTo reports whether the button is bound to the adapter.
func (b Button) BoundTo(adapterID string) bool {
	return b.IsBound() && b.Binding.AdapterID == adapterID
}

// ButtonState returns the wire form of the button's cached state.
func (b Button) ButtonState() ButtonState {
	s := ButtonState{ID: b.ID, State: b.State}
	if b.IsFan() {
		level := 0
		if b.State {
			level = b.SpeedLevel
		}
		s.SpeedLevel = &level
	}
	return s
}

// Apply overwrites the cached state with s and reports whether anything
// changed. Speed levels are ignored for non-fan buttons; for fans a defined
// speed level decides on/off the same way the firmware does.
func (b *Button) Apply(s ButtonState) bool {
	on := s.State
	changed := false

	if b.IsFan() {
		if s.SpeedLevel != nil {
			level := b.clampSpeed(*s.SpeedLevel)
			on = level > 0
			if level > 0 && level != b.SpeedLevel {
				b.SpeedLevel = level
				changed = true
			}
		} else if on && b.SpeedLevel == 0 {
			b.SpeedLevel = 1
			changed = true
		}
	}

	if b.State != on {
		b.State = on
		changed = true
	}
	return changed
}

// Differs reports whether applying s would change the button.
func (b Button) Differs(s ButtonState) bool {
	probe := b
	return probe.Apply(s)
}

func (b Button) clampSpeed(level int) int {
	if level < 0 {
		return 0
	}
	if b.SpeedSteps > 0 && level > b.SpeedSteps {
		return b.SpeedSteps
	}
	return level
}

// SceneSlot is a scene entry rendered on the panel's scene bar.
type SceneSlot struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Icon string `json:"icon,omitempty" yaml:"icon"`
	// SceneID names a scene definition; empty slots named "All On" or
	// "All Off" run the built-in scenes.
	SceneID string `json:"sceneId,omitempty" yaml:"scene_id"`
}

// Display holds the display settings pushed with the panel config.
type Display struct {
	Brightness int    `json:"brightness,omitempty" yaml:"brightness"`
	Theme      string `json:"theme,omitempty" yaml:"theme"`
}

// Panel is one touch display and its buttons in configured order.
type Panel struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	Location string      `json:"location,omitempty" yaml:"location"`
	Address  string      `json:"address" yaml:"address"`
	Display  Display     `json:"display" yaml:"display"`
	Buttons  []Button    `json:"buttons" yaml:"buttons"`
	Scenes   []SceneSlot `json:"scenes,omitempty" yaml:"scenes"`

	Online   bool      `json:"online" yaml:"-"`
	LastSeen time.Time `json:"lastSeen,omitempty" yaml:"-"`
}

// Button returns the button with id.
func (p Panel) Button(id int) (Button, bool) {
	for _, b := range p.Buttons {
		if b.ID == id {
			return b, true
		}
	}
	return Button{}, false
}

// SceneSlot returns the scene slot with id.
func (p Panel) SceneSlot(id int) (SceneSlot, bool) {
	for _, s := range p.Scenes {
		if s.ID == id {
			return s, true
		}
	}
	return SceneSlot{}, false
}

// BoundButtons returns buttons bound to adapterID in configured order.
func (p Panel) BoundButtons(adapterID string) []Button {
	out := make([]Button, 0)
	for _, b := range p.Buttons {
		if b.BoundTo(adapterID) {
			out = append(out, b)
		}
	}
	return out
}

// HasBindings reports whether any button is bound to an adapter.
func (p Panel) HasBindings() bool {
	for _, b := range p.Buttons {
		if b.IsBound() {
			return true
		}
	}
	return false
}

// AdapterIDs returns the adapters the panel's buttons are bound to, in
// first-seen order.
func (p Panel) AdapterIDs() []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, b := range p.Buttons {
		if !b.IsBound() || seen[b.Binding.AdapterID] {
			continue
		}
		seen[b.Binding.AdapterID] = true
		out = append(out, b.Binding.AdapterID)
	}
	return out
}

// Snapshot returns the state of every non-scene button.
func (p Panel) Snapshot() []ButtonState {
	out := make([]ButtonState, 0, len(p.Buttons))
	for _, b := range p.Buttons {
		if b.IsScene() {
			continue
		}
		out = append(out, b.ButtonState())
	}
	return out
}

// Clone returns a deep copy so callers never alias the cache.
func (p Panel) Clone() Panel {
	c := p
	c.Buttons = make([]Button, len(p.Buttons))
	for i, b := range p.Buttons {
		if b.Binding != nil {
			bind := *b.Binding
			if b.Binding.Metadata != nil {
				bind.Metadata = make(map[string]string, len(b.Binding.Metadata))
				for k, v := range b.Binding.Metadata {
					bind.Metadata[k] = v
				}
			}
			b.Binding = &bind
		}
		c.Buttons[i] = b
	}
	c.Scenes = append([]SceneSlot(nil), p.Scenes...)
	return c
}

// ButtonState is the wire form of one button's state:
// {id, state, speedLevel?} with speedLevel present only for fans.
type ButtonState struct {
	ID         int  `json:"id"`
	State      bool `json:"state"`
	SpeedLevel *int `json:"speedLevel,omitempty"`
}

// StateFromDevice converts an observed device state for button b.
func StateFromDevice(b Button, ds plugin.DeviceState) ButtonState {
	s := ButtonState{ID: b.ID, State: ds.On}
	if b.IsFan() && ds.SpeedLevel != nil {
		level := *ds.SpeedLevel
		s.SpeedLevel = &level
	}
	return s
}
