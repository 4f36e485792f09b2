package panel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"panelhub/internal/store"

	"go.uber.org/zap"
)

const keyPrefix = "panel/"

// ErrUnknownPanel is returned for operations on a panel id that is not
// registered.
var ErrUnknownPanel = errors.New("unknown panel")

// Registry is the hub's button-state cache. Every path that mutates a
// button (action routing, poll passes, scenes) goes through it, and every
// mutation is written through to the store.
type Registry struct {
	kv     store.KV
	logger *zap.Logger

	mu     sync.RWMutex
	panels map[string]*Panel
}

// NewRegistry creates an empty registry persisting to kv.
func NewRegistry(kv store.KV, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		kv:     kv,
		logger: logger.Named("panels"),
		panels: make(map[string]*Panel),
	}
}

// Load reads every persisted panel. Loaded panels start offline until a
// ping or state report says otherwise.
func (r *Registry) Load(ctx context.Context) error {
	keys, err := r.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("listing panels: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		var p Panel
		if err := store.GetJSON(ctx, r.kv, key, &p); err != nil {
			r.logger.Warn("Skipping unreadable panel", zap.String("key", key), zap.Error(err))
			continue
		}
		p.Online = false
		r.panels[p.ID] = &p
	}
	r.logger.Info("Loaded panels", zap.Int("count", len(r.panels)))
	return nil
}

// Upsert stores p's configuration. Connectivity of an existing panel is
// kept; button states come from p.
func (r *Registry) Upsert(ctx context.Context, p Panel) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("panel id is required")
	}
	if err := validateButtons(p.Buttons); err != nil {
		return fmt.Errorf("panel %s: %w", p.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := p.Clone()
	if existing, ok := r.panels[p.ID]; ok {
		c.Online = existing.Online
		c.LastSeen = existing.LastSeen
	}
	for i := range c.Buttons {
		b := &c.Buttons[i]
		if b.IsFan() && b.State && b.SpeedLevel == 0 {
			b.SpeedLevel = 1
		}
	}
	if err := r.persistLocked(ctx, &c); err != nil {
		return err
	}
	r.panels[c.ID] = &c
	return nil
}

func validateButtons(buttons []Button) error {
	seen := make(map[int]bool, len(buttons))
	for _, b := range buttons {
		if seen[b.ID] {
			return fmt.Errorf("duplicate button id %d", b.ID)
		}
		seen[b.ID] = true
		switch b.Type {
		case ButtonLight, ButtonSwitch, ButtonFan, ButtonScene:
		default:
			return fmt.Errorf("button %d: unknown type %q", b.ID, b.Type)
		}
		if b.SpeedSteps < 0 {
			return fmt.Errorf("button %d: negative speed steps", b.ID)
		}
	}
	return nil
}

// Delete removes a panel.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.panels[id]; !ok {
		return ErrUnknownPanel
	}
	if err := r.kv.Delete(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("deleting panel %s: %w", id, err)
	}
	delete(r.panels, id)
	return nil
}

// Get returns a copy of the panel.
func (r *Registry) Get(id string) (Panel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.panels[id]
	if !ok {
		return Panel{}, false
	}
	return p.Clone(), true
}

// List returns copies of every panel ordered by id.
func (r *Registry) List() []Panel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Panel, 0, len(r.panels))
	for _, p := range r.panels {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Online returns copies of the online panels ordered by id.
func (r *Registry) Online() []Panel {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.Online {
			out = append(out, p)
		}
	}
	return out
}

// OnlineCount returns the number of online panels.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.panels {
		if p.Online {
			n++
		}
	}
	return n
}

// BoundAdapterIDs returns every adapter id referenced by any panel's
// bindings, sorted.
func (r *Registry) BoundAdapterIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, p := range r.panels {
		for _, id := range p.AdapterIDs() {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetOnline records panel connectivity and reports whether the panel went
// from offline to online.
func (r *Registry) SetOnline(id string, online bool, at time.Time) (cameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.panels[id]
	if !ok {
		return false
	}
	cameOnline = online && !p.Online
	if p.Online != online {
		r.logger.Info("Panel connectivity changed",
			zap.String("panel", id),
			zap.Bool("online", online))
	}
	p.Online = online
	if online {
		p.LastSeen = at
	}
	return cameOnline
}

// ApplyStates overwrites the cached state of the given buttons and returns
// the wire form of those that changed. Unknown button ids are ignored.
// Applying the same batch twice changes nothing the second time.
func (r *Registry) ApplyStates(ctx context.Context, id string, states []ButtonState) ([]ButtonState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.panels[id]
	if !ok {
		return nil, ErrUnknownPanel
	}

	changed := make([]ButtonState, 0, len(states))
	for _, s := range states {
		for i := range p.Buttons {
			b := &p.Buttons[i]
			if b.ID != s.ID || b.IsScene() {
				continue
			}
			if b.Apply(s) {
				changed = append(changed, b.ButtonState())
			}
			break
		}
	}
	if len(changed) == 0 {
		return changed, nil
	}
	if err := r.persistLocked(ctx, p); err != nil {
		return changed, err
	}
	return changed, nil
}

// ButtonStates returns the cached wire state of the given buttons in the
// order requested. Unknown ids are skipped.
func (r *Registry) ButtonStates(id string, buttonIDs ...int) []ButtonState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.panels[id]
	if !ok {
		return nil
	}
	out := make([]ButtonState, 0, len(buttonIDs))
	for _, bid := range buttonIDs {
		if b, ok := p.Button(bid); ok && !b.IsScene() {
			out = append(out, b.ButtonState())
		}
	}
	return out
}

// Snapshot returns the full cached button state of a panel.
func (r *Registry) Snapshot(id string) ([]ButtonState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.panels[id]
	if !ok {
		return nil, false
	}
	return p.Snapshot(), true
}

func (r *Registry) persistLocked(ctx context.Context, p *Panel) error {
	if err := store.PutJSON(ctx, r.kv, keyPrefix+p.ID, p); err != nil {
		return fmt.Errorf("persisting panel %s: %w", p.ID, err)
	}
	return nil
}
