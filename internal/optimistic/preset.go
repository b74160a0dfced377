package optimistic

import (
	"math"
	"sort"
	"time"

	"github.com/dokzlo13/panelsync/internal/entity"
)

// Spec describes how a 0-100 slider maps onto an entity attribute and the
// command that sets it.
type Spec struct {
	Name   string
	Domain string

	// Attribute is read from the store on a 0..AttributeMax scale.
	Attribute    string
	AttributeMax float64
	// OffIsZero reports 0 when the entity state is "off".
	OffIsZero bool

	// StepAttribute names a device-provided step, Step is the fallback.
	StepAttribute string
	Step          float64

	// Service receives {entity_id, Field: value/100*FieldMax}.
	Service  string
	Field    string
	FieldMax float64
	// WholeField rounds the sent value to an integer.
	WholeField bool
	// ZeroService, if set, handles a released value of 0.
	ZeroService string

	// Window overrides the coordinator's reconciliation window.
	Window time.Duration
}

// Presets for the panel's continuous controls.
var (
	Brightness = Spec{
		Name:         "brightness",
		Domain:       "light",
		Attribute:    "brightness",
		AttributeMax: 255,
		OffIsZero:    true,
		Step:         1,
		Service:      "light.turn_on",
		Field:        "brightness_pct",
		FieldMax:     100,
		ZeroService:  "light.turn_off",
	}

	FanSpeed = Spec{
		Name:          "fan_speed",
		Domain:        "fan",
		Attribute:     "percentage",
		AttributeMax:  100,
		OffIsZero:     true,
		StepAttribute: "percentage_step",
		Step:          1,
		Service:       "fan.set_percentage",
		Field:         "percentage",
		FieldMax:      100,
		WholeField:    true,
		ZeroService:   "fan.turn_off",
	}

	Volume = Spec{
		Name:         "volume",
		Domain:       "media_player",
		Attribute:    "volume_level",
		AttributeMax: 1,
		Step:         1,
		Service:      "media_player.volume_set",
		Field:        "volume_level",
		FieldMax:     1,
		Window:       time.Second,
	}
)

var presets = map[string]Spec{
	Brightness.Name: Brightness,
	FanSpeed.Name:   FanSpeed,
	Volume.Name:     Volume,
}

// Lookup returns the preset registered under name.
func Lookup(name string) (Spec, bool) {
	s, ok := presets[name]
	return s, ok
}

// PresetNames returns the registered preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Read returns rec's value on the 0-100 display scale.
func (s Spec) Read(rec *entity.Record) (float64, bool) {
	if rec == nil {
		return 0, false
	}
	if s.OffIsZero && rec.State == "off" {
		return 0, true
	}
	raw, ok := rec.Number(s.Attribute)
	if !ok || s.AttributeMax <= 0 {
		return 0, false
	}
	return raw / s.AttributeMax * 100, true
}

// StepFor returns the snapping step for rec.
func (s Spec) StepFor(rec *entity.Record) float64 {
	if s.StepAttribute != "" && rec != nil {
		if step, ok := rec.Number(s.StepAttribute); ok && step > 0 {
			return step
		}
	}
	return s.Step
}

// Write builds the write for a released display value.
func (s Spec) Write(entityID string, value float64) Write {
	w := Write{
		Key:       Key{EntityID: entityID, Attribute: s.Attribute},
		Predicted: value,
		Window:    s.Window,
		Read:      s.Read,
	}
	if value == 0 && s.ZeroService != "" {
		w.Service = s.ZeroService
		w.Payload = map[string]any{"entity_id": entityID}
		return w
	}
	field := value / 100 * s.FieldMax
	if s.WholeField {
		field = math.Round(field)
	}
	w.Service = s.Service
	w.Payload = map[string]any{
		"entity_id": entityID,
		s.Field:     field,
	}
	return w
}
