package panel

import (
	"context"
	"testing"
	"time"

	"panelhub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, store.KV) {
	t.Helper()
	kv := store.NewMemoryKV()
	r := NewRegistry(kv, zap.NewNop())
	require.NoError(t, r.Upsert(context.Background(), samplePanel()))
	return r, kv
}

func TestRegistry_UpsertValidates(t *testing.T) {
	r := NewRegistry(store.NewMemoryKV(), zap.NewNop())
	ctx := context.Background()

	assert.Error(t, r.Upsert(ctx, Panel{}))
	assert.Error(t, r.Upsert(ctx, Panel{ID: "p", Buttons: []Button{{ID: 1, Type: ButtonLight}, {ID: 1, Type: ButtonLight}}}))
	assert.Error(t, r.Upsert(ctx, Panel{ID: "p", Buttons: []Button{{ID: 1, Type: "dimmer"}}}))
}

func TestRegistry_ApplyStatesWritesThrough(t *testing.T) {
	r, kv := newTestRegistry(t)
	ctx := context.Background()

	changed, err := r.ApplyStates(ctx, "p1", []ButtonState{
		{ID: 2, State: true},
		{ID: 5, State: false}, // unchanged
		{ID: 4, State: true},  // scene button ignored
		{ID: 99, State: true}, // unknown ignored
	})
	require.NoError(t, err)
	assert.Equal(t, []ButtonState{{ID: 2, State: true}}, changed)

	// idempotent overwrite
	changed, err = r.ApplyStates(ctx, "p1", []ButtonState{{ID: 2, State: true}})
	require.NoError(t, err)
	assert.Empty(t, changed)

	// persisted: a fresh registry sees the new state, offline
	fresh := NewRegistry(kv, zap.NewNop())
	require.NoError(t, fresh.Load(ctx))
	p, ok := fresh.Get("p1")
	require.True(t, ok)
	b, _ := p.Button(2)
	assert.True(t, b.State)
	assert.False(t, p.Online)

	_, err = r.ApplyStates(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownPanel)
}

func TestRegistry_Connectivity(t *testing.T) {
	r, _ := newTestRegistry(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Empty(t, r.Online())
	assert.True(t, r.SetOnline("p1", true, now), "offline to online is a transition")
	assert.False(t, r.SetOnline("p1", true, now), "already online")
	assert.Equal(t, 1, r.OnlineCount())

	p, _ := r.Get("p1")
	assert.Equal(t, now, p.LastSeen)

	// re-upserting keeps connectivity
	require.NoError(t, r.Upsert(context.Background(), samplePanel()))
	p, _ = r.Get("p1")
	assert.True(t, p.Online)

	r.SetOnline("p1", false, now)
	assert.Empty(t, r.Online())
	assert.False(t, r.SetOnline("missing", true, now))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)

	p, _ := r.Get("p1")
	p.Buttons[1].State = true

	again, _ := r.Get("p1")
	b, _ := again.Button(2)
	assert.False(t, b.State)
}

func TestRegistry_QueriesAndDelete(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.Equal(t, []string{"demo", "mqtt"}, r.BoundAdapterIDs())
	assert.Equal(t, []ButtonState{{ID: 5, State: false}, {ID: 2, State: false}}, r.ButtonStates("p1", 5, 4, 2))

	snap, ok := r.Snapshot("p1")
	require.True(t, ok)
	assert.Len(t, snap, 4)

	require.NoError(t, r.Delete(ctx, "p1"))
	assert.ErrorIs(t, r.Delete(ctx, "p1"), ErrUnknownPanel)
	assert.Empty(t, r.List())
}
