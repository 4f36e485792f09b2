// Package scene applies one trigger as an ordered sequence of per-device
// action dispatches: named scenes from a stored action list, and the
// built-in "All On" / "All Off" over one panel's bound buttons.
package scene

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"panelhub/internal/store"
	"panelhub/pkg/plugin"
)

const keyPrefix = "scene/"

// ErrUnknownScene is returned for a scene id with no definition.
var ErrUnknownScene = errors.New("unknown scene")

// Action is one step of a scene.
type Action struct {
	AdapterID        string            `json:"adapterId" yaml:"adapter_id"`
	ExternalDeviceID string            `json:"externalDeviceId" yaml:"external_device_id"`
	DeviceType       string            `json:"deviceType,omitempty" yaml:"device_type"`
	DeviceName       string            `json:"deviceName,omitempty" yaml:"device_name"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata"`
	TargetOn         bool              `json:"targetOn" yaml:"target_on"`
	TargetSpeed      *int              `json:"targetSpeed,omitempty" yaml:"target_speed"`
}

// Name returns the label used for the step in results.
func (a Action) Name() string {
	if a.DeviceName != "" {
		return a.DeviceName
	}
	return a.ExternalDeviceID
}

// Binding returns the binding the action dispatches through.
func (a Action) Binding() plugin.Binding {
	return plugin.Binding{
		AdapterID:          a.AdapterID,
		ExternalDeviceID:   a.ExternalDeviceID,
		ExternalDeviceType: a.DeviceType,
		Metadata:           a.Metadata,
	}
}

// Definition is a named, panel-independent scene.
type Definition struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Icon string `json:"icon,omitempty" yaml:"icon"`
	// Schedule is an optional cron expression (seconds field first) or a
	// sun event such as "@sunset-30m".
	Schedule string   `json:"schedule,omitempty" yaml:"schedule"`
	Actions  []Action `json:"actions" yaml:"actions"`
}

// Validate checks the definition is storable.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("scene id is required")
	}
	if strings.Contains(d.ID, "/") {
		return fmt.Errorf("scene id %q must not contain '/'", d.ID)
	}
	return nil
}

// Repository persists scene definitions.
type Repository struct {
	kv store.KV
}

func NewRepository(kv store.KV) *Repository {
	return &Repository{kv: kv}
}

func (r *Repository) Get(ctx context.Context, id string) (Definition, error) {
	var d Definition
	err := store.GetJSON(ctx, r.kv, keyPrefix+id, &d)
	if errors.Is(err, store.ErrNotFound) {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownScene, id)
	}
	return d, err
}

func (r *Repository) Put(ctx context.Context, d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return store.PutJSON(ctx, r.kv, keyPrefix+d.ID, d)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.kv.Delete(ctx, keyPrefix+id)
}

// List returns every definition ordered by id.
func (r *Repository) List(ctx context.Context) ([]Definition, error) {
	keys, err := r.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(keys))
	for _, k := range keys {
		var d Definition
		if err := store.GetJSON(ctx, r.kv, k, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
