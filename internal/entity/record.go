// Package entity holds the in-memory mirror of hub entity state.
//
// The Store is the single source of truth read by every display
// component. Only the connection manager writes to it; everything else
// sees it through the Reader interface.
package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is the last known state of one hub entity.
// Records are never mutated after they are stored; every write replaces
// the pointer held by the Store.
type Record struct {
	ID            string
	State         string
	Attributes    map[string]any
	LastChangedAt time.Time
}

// wireRecord mirrors the hub's JSON state object.
type wireRecord struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
}

// UnmarshalJSON decodes a hub state object.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	r.ID = w.EntityID
	r.State = w.State
	r.Attributes = w.Attributes
	if r.Attributes == nil {
		r.Attributes = map[string]any{}
	}
	r.LastChangedAt = time.Time{}
	if w.LastChanged != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.LastChanged)
		if err != nil {
			return fmt.Errorf("entity %s: invalid last_changed %q: %w", w.EntityID, w.LastChanged, err)
		}
		r.LastChangedAt = ts
	}
	return nil
}

// MarshalJSON encodes the record in the hub's shape.
func (r *Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		EntityID:   r.ID,
		State:      r.State,
		Attributes: r.Attributes,
	}
	if !r.LastChangedAt.IsZero() {
		w.LastChanged = r.LastChangedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// Validate reports whether the record can be stored.
func (r *Record) Validate() error {
	if r == nil {
		return ErrNilRecord
	}
	if r.ID == "" {
		return ErrEmptyID
	}
	return nil
}

// Domain returns the entity domain, e.g. "light" for "light.kitchen".
func (r *Record) Domain() string {
	domain, _, ok := strings.Cut(r.ID, ".")
	if !ok {
		return ""
	}
	return domain
}

// IsOn reports whether the entity is in an active state.
func (r *Record) IsOn() bool {
	switch r.State {
	case "on", "playing", "open", "heat", "cool", "heat_cool", "auto", "unlocked":
		return true
	}
	return false
}

// IsAvailable reports whether the hub has a usable state for the entity.
func (r *Record) IsAvailable() bool {
	return r.State != "unavailable" && r.State != "unknown" && r.State != ""
}

// FriendlyName returns the friendly_name attribute, falling back to the id.
func (r *Record) FriendlyName() string {
	if name, ok := r.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return r.ID
}

// Number returns a numeric attribute. JSON numbers and numeric strings
// are accepted; null, missing and non-numeric values report false.
func (r *Record) Number(key string) (float64, bool) {
	raw, ok := r.Attributes[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
