package entity

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, state string) *Record {
	return &Record{ID: id, State: state, Attributes: map[string]any{}}
}

func TestStore_ReplaceAllDropsStaleIDs(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ReplaceAll([]*Record{rec("light.a", "on"), rec("light.b", "off"), rec("fan.c", "on")}))

	require.NoError(t, s.ReplaceAll([]*Record{rec("light.a", "off"), rec("switch.d", "on")}))

	all := s.All()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "light.a")
	assert.Contains(t, all, "switch.d")
	assert.Nil(t, s.Get("light.b"))
	assert.Nil(t, s.Get("fan.c"))
	assert.Equal(t, "off", s.Get("light.a").State)
}

func TestStore_ReplaceAllRejectsInvalidSnapshotWhole(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ReplaceAll([]*Record{rec("light.a", "on")}))

	err := s.ReplaceAll([]*Record{rec("light.b", "on"), rec("", "on")})
	assert.ErrorIs(t, err, ErrEmptyID)

	err = s.ReplaceAll([]*Record{rec("light.b", "on"), rec("light.b", "off")})
	var dup *DuplicateIDError
	assert.ErrorAs(t, err, &dup)

	// Previous contents survive a rejected snapshot.
	assert.Equal(t, "on", s.Get("light.a").State)
	assert.Nil(t, s.Get("light.b"))
}

func TestStore_UpsertLastWriteWinsByDeliveryOrder(t *testing.T) {
	s := NewStore()
	rng := rand.New(rand.NewSource(7))

	ids := []string{"light.a", "light.b", "fan.c", "media_player.d"}
	last := map[string]*Record{}
	for i := 0; i < 500; i++ {
		id := ids[rng.Intn(len(ids))]
		r := &Record{
			ID:    id,
			State: fmt.Sprintf("s%d", i),
			// Deliberately out of timestamp order: delivery order wins.
			LastChangedAt: time.Unix(int64(rng.Intn(1000)), 0),
		}
		require.NoError(t, s.Upsert(r))
		last[id] = r
	}

	for id, want := range last {
		assert.Same(t, want, s.Get(id), id)
	}
}

func TestStore_UpsertRejectsInvalid(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.Upsert(nil), ErrNilRecord)
	assert.ErrorIs(t, s.Upsert(&Record{State: "on"}), ErrEmptyID)
	assert.Equal(t, 0, s.Len())
}

func TestStore_SubscribeOnlyNotifiesOwnID(t *testing.T) {
	s := NewStore()

	var gotA, gotB []*Record
	unsubA := s.Subscribe("light.a", func(_ string, r *Record) { gotA = append(gotA, r) })
	s.Subscribe("light.b", func(_ string, r *Record) { gotB = append(gotB, r) })

	a1 := rec("light.a", "on")
	require.NoError(t, s.Upsert(a1))
	require.NoError(t, s.Upsert(rec("fan.c", "on")))

	require.Len(t, gotA, 1)
	assert.Same(t, a1, gotA[0])
	assert.Empty(t, gotB)

	// Re-storing the same pointer is not a change.
	require.NoError(t, s.Upsert(a1))
	assert.Len(t, gotA, 1)

	unsubA()
	require.NoError(t, s.Upsert(rec("light.a", "off")))
	assert.Len(t, gotA, 1)
}

func TestStore_ReplaceAllNotifiesRemovedWithNil(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ReplaceAll([]*Record{rec("light.a", "on"), rec("light.b", "on")}))

	var removed []string
	s.SubscribeAll(func(id string, r *Record) {
		if r == nil {
			removed = append(removed, id)
		}
	})

	require.NoError(t, s.ReplaceAll([]*Record{rec("light.a", "on")}))
	assert.Equal(t, []string{"light.b"}, removed)

	s.Remove("light.a")
	assert.Equal(t, []string{"light.b", "light.a"}, removed)

	// Removing an unknown id notifies nobody.
	s.Remove("light.zzz")
	assert.Len(t, removed, 2)
}

func TestStore_ListenerPanicDoesNotBreakWriter(t *testing.T) {
	s := NewStore()
	s.Subscribe("light.a", func(string, *Record) { panic("boom") })

	called := false
	s.Subscribe("light.a", func(string, *Record) { called = true })

	assert.NotPanics(t, func() { _ = s.Upsert(rec("light.a", "on")) })
	assert.True(t, called)
}

func TestRecord_UnmarshalHubState(t *testing.T) {
	raw := `{
		"entity_id": "fan.bedroom",
		"state": "on",
		"attributes": {"percentage": 50, "percentage_step": 25, "friendly_name": "Bedroom Fan"},
		"last_changed": "2024-05-01T10:00:00.123456+00:00"
	}`

	var r Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	assert.Equal(t, "fan.bedroom", r.ID)
	assert.Equal(t, "fan", r.Domain())
	assert.True(t, r.IsOn())
	assert.Equal(t, "Bedroom Fan", r.FriendlyName())

	pct, ok := r.Number("percentage")
	assert.True(t, ok)
	assert.Equal(t, 50.0, pct)

	assert.Equal(t, 2024, r.LastChangedAt.Year())
	assert.Equal(t, 123456000, r.LastChangedAt.Nanosecond())
}

func TestRecord_Number(t *testing.T) {
	r := &Record{ID: "x.y", Attributes: map[string]any{
		"float":  0.35,
		"string": "21.5",
		"null":   nil,
		"text":   "high",
	}}

	tests := []struct {
		key    string
		want   float64
		wantOK bool
	}{
		{"float", 0.35, true},
		{"string", 21.5, true},
		{"null", 0, false},
		{"text", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := r.Number(tt.key)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
