package panel

import (
	"encoding/json"
	"testing"

	"panelhub/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestButton_Apply(t *testing.T) {
	tests := []struct {
		name        string
		button      Button
		state       ButtonState
		wantChanged bool
		wantOn      bool
		wantSpeed   int
	}{
		{
			name:        "light turns on",
			button:      Button{ID: 1, Type: ButtonLight},
			state:       ButtonState{ID: 1, State: true},
			wantChanged: true,
			wantOn:      true,
		},
		{
			name:   "same state is not a change",
			button: Button{ID: 1, Type: ButtonLight, State: true},
			state:  ButtonState{ID: 1, State: true},
			wantOn: true,
		},
		{
			name:        "speed ignored for non-fan",
			button:      Button{ID: 1, Type: ButtonSwitch},
			state:       ButtonState{ID: 1, State: false, SpeedLevel: intPtr(3)},
			wantChanged: false,
			wantOn:      false,
		},
		{
			name:        "fan speed level decides on",
			button:      Button{ID: 2, Type: ButtonFan, SpeedSteps: 3},
			state:       ButtonState{ID: 2, State: false, SpeedLevel: intPtr(2)},
			wantChanged: true,
			wantOn:      true,
			wantSpeed:   2,
		},
		{
			name:        "fan speed zero turns off and keeps last speed",
			button:      Button{ID: 2, Type: ButtonFan, SpeedSteps: 3, State: true, SpeedLevel: 2},
			state:       ButtonState{ID: 2, State: true, SpeedLevel: intPtr(0)},
			wantChanged: true,
			wantOn:      false,
			wantSpeed:   2,
		},
		{
			name:        "fan on without speed starts at 1",
			button:      Button{ID: 2, Type: ButtonFan, SpeedSteps: 3},
			state:       ButtonState{ID: 2, State: true},
			wantChanged: true,
			wantOn:      true,
			wantSpeed:   1,
		},
		{
			name:        "fan speed clamped to steps",
			button:      Button{ID: 2, Type: ButtonFan, SpeedSteps: 3},
			state:       ButtonState{ID: 2, SpeedLevel: intPtr(9)},
			wantChanged: true,
			wantOn:      true,
			wantSpeed:   3,
		},
		{
			name:      "fan speed change only",
			button:    Button{ID: 2, Type: ButtonFan, SpeedSteps: 3, State: true, SpeedLevel: 1},
			state:     ButtonState{ID: 2, State: true, SpeedLevel: intPtr(3)},
			wantOn:    true,
			wantSpeed: 3,
			// speed differs
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.button
			assert.Equal(t, tt.wantChanged, b.Differs(tt.state))
			assert.Equal(t, tt.wantChanged, b.Apply(tt.state))
			assert.Equal(t, tt.wantOn, b.State)
			assert.Equal(t, tt.wantSpeed, b.SpeedLevel)

			// second application is a no-op
			assert.False(t, b.Apply(tt.state))
		})
	}
}

func TestButton_ButtonStateWireForm(t *testing.T) {
	light := Button{ID: 3, Type: ButtonLight, State: true}
	data, err := json.Marshal(light.ButtonState())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"state":true}`, string(data))

	fanOff := Button{ID: 4, Type: ButtonFan, SpeedSteps: 3, SpeedLevel: 2}
	data, err = json.Marshal(fanOff.ButtonState())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"state":false,"speedLevel":0}`, string(data))

	fanOn := Button{ID: 4, Type: ButtonFan, SpeedSteps: 3, SpeedLevel: 2, State: true}
	data, err = json.Marshal(fanOn.ButtonState())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"state":true,"speedLevel":2}`, string(data))
}

func samplePanel() Panel {
	return Panel{
		ID:      "p1",
		Name:    "Kitchen",
		Address: "10.0.0.5",
		Buttons: []Button{
			{ID: 1, Type: ButtonLight, Name: "Local"},
			{ID: 2, Type: ButtonLight, Name: "Ceiling", Binding: &plugin.Binding{AdapterID: "demo", ExternalDeviceID: "light.ceiling"}},
			{ID: 3, Type: ButtonFan, Name: "Fan", SpeedSteps: 3, Binding: &plugin.Binding{AdapterID: "mqtt", ExternalDeviceID: "fan", Metadata: map[string]string{"topic": "fan"}}},
			{ID: 4, Type: ButtonScene, Name: "Movie", SceneID: "movie", Binding: &plugin.Binding{AdapterID: "demo"}},
			{ID: 5, Type: ButtonSwitch, Name: "Plug", Binding: &plugin.Binding{AdapterID: "demo", ExternalDeviceID: "switch.plug"}},
		},
	}
}

func TestPanel_Bindings(t *testing.T) {
	p := samplePanel()

	bound := p.BoundButtons("demo")
	require.Len(t, bound, 2)
	assert.Equal(t, 2, bound[0].ID)
	assert.Equal(t, 5, bound[1].ID)

	assert.Equal(t, []string{"demo", "mqtt"}, p.AdapterIDs())
	assert.True(t, p.HasBindings())
	assert.Empty(t, p.BoundButtons("missing"))

	snap := p.Snapshot()
	ids := make([]int, 0, len(snap))
	for _, s := range snap {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int{1, 2, 3, 5}, ids, "scene buttons carry no state")
}

func TestPanel_CloneIsDeep(t *testing.T) {
	p := samplePanel()
	c := p.Clone()

	c.Buttons[0].State = true
	c.Buttons[2].Binding.Metadata["topic"] = "changed"
	c.Buttons[1].Binding.AdapterID = "other"

	assert.False(t, p.Buttons[0].State)
	assert.Equal(t, "fan", p.Buttons[2].Binding.Metadata["topic"])
	assert.Equal(t, "demo", p.Buttons[1].Binding.AdapterID)
}

func TestStateFromDevice(t *testing.T) {
	fan := Button{ID: 3, Type: ButtonFan, SpeedSteps: 3}
	s := StateFromDevice(fan, plugin.DeviceState{On: true, SpeedLevel: intPtr(2)})
	require.NotNil(t, s.SpeedLevel)
	assert.Equal(t, 2, *s.SpeedLevel)

	light := Button{ID: 1, Type: ButtonLight}
	s = StateFromDevice(light, plugin.DeviceState{On: true, SpeedLevel: intPtr(2)})
	assert.Nil(t, s.SpeedLevel)
	assert.True(t, s.State)
}
