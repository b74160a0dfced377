package optimistic

import (
	"context"
	"sync"

	"github.com/dokzlo13/panelsync/internal/hass"
)

// Control is one slider bound to an entity. Dragging is purely local;
// releasing issues a write through the coordinator.
type Control struct {
	coord    *Coordinator
	spec     Spec
	entityID string

	mu       sync.Mutex
	dragging bool
	drag     float64
}

// NewControl binds spec to entityID.
func (c *Coordinator) NewControl(spec Spec, entityID string) *Control {
	return &Control{coord: c, spec: spec, entityID: entityID}
}

// Key returns the coordinator key of the control's value.
func (ctl *Control) Key() Key {
	return Key{EntityID: ctl.entityID, Attribute: ctl.spec.Attribute}
}

// Step returns the current snapping step.
func (ctl *Control) Step() float64 {
	return ctl.spec.StepFor(ctl.coord.store.Get(ctl.entityID))
}

// Drag updates the displayed value while the user moves the slider and
// returns it snapped.
func (ctl *Control) Drag(v float64) float64 {
	snapped := Snap(v, ctl.Step())

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.dragging = true
	ctl.drag = snapped
	return snapped
}

// Release snaps the final value and issues it. It blocks until the hub
// answers the command.
func (ctl *Control) Release(ctx context.Context, v float64) hass.Outcome {
	snapped := Snap(v, ctl.Step())

	ctl.mu.Lock()
	ctl.dragging = false
	ctl.mu.Unlock()

	return ctl.coord.Issue(ctx, ctl.spec.Write(ctl.entityID, snapped))
}

// Value returns what the slider shows: the drag value while dragging,
// the predicted value while pending, the hub's value otherwise.
func (ctl *Control) Value() (float64, bool) {
	ctl.mu.Lock()
	if ctl.dragging {
		defer ctl.mu.Unlock()
		return ctl.drag, true
	}
	ctl.mu.Unlock()

	key := ctl.Key()
	if _, ok := ctl.coord.Pending(key); ok {
		return ctl.coord.Display(key)
	}
	return ctl.spec.Read(ctl.coord.store.Get(ctl.entityID))
}

// Pending reports whether a released value awaits confirmation.
func (ctl *Control) Pending() bool {
	_, ok := ctl.coord.Pending(ctl.Key())
	return ok
}

// Close drops the control's pending write.
func (ctl *Control) Close() {
	ctl.mu.Lock()
	ctl.dragging = false
	ctl.mu.Unlock()
	ctl.coord.Drop(ctl.Key())
}
