// Package optimistic shows predicted values for controls the user just
// released and reconciles them against the hub's reported state.
package optimistic

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/panelsync/internal/entity"
	"github.com/dokzlo13/panelsync/internal/hass"
)

// Defaults for Config.
const (
	DefaultTolerance = 2.0
	DefaultWindow    = 2 * time.Second
)

// Dispatcher sends a service call to the hub.
type Dispatcher interface {
	Send(ctx context.Context, service string, payload map[string]any) hass.Outcome
}

// Config contains coordinator settings.
type Config struct {
	Tolerance float64       // on the 0-100 display scale
	Window    time.Duration // counted from dispatch completion
}

// Reader extracts an attribute's display value from a record.
type Reader func(rec *entity.Record) (float64, bool)

// Write is one optimistic command.
type Write struct {
	Key
	Predicted float64
	Service   string
	Payload   map[string]any

	// Zero values take the coordinator defaults.
	Window    time.Duration
	Tolerance float64
	// Read defaults to the raw numeric attribute.
	Read Reader
}

type entry struct {
	pending Pending
	read    Reader
	window  time.Duration
	seq     uint64
	timer   clockwork.Timer
}

// Coordinator tracks pending optimistic writes keyed by entity and
// attribute. At most one write is pending per key; a newer write
// supersedes the older one.
type Coordinator struct {
	store      entity.Reader
	dispatcher Dispatcher
	clock      clockwork.Clock
	cfg        Config

	mu      sync.Mutex
	pending map[Key]*entry
	seq     uint64

	unsubscribe func()
}

// NewCoordinator creates a coordinator and subscribes it to store updates.
func NewCoordinator(store entity.Reader, dispatcher Dispatcher, clk clockwork.Clock, cfg Config) *Coordinator {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	c := &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		clock:      clk,
		cfg:        cfg,
		pending:    make(map[Key]*entry),
	}
	c.unsubscribe = store.SubscribeAll(c.onUpdate)
	return c
}

// Close stops all timers and detaches from the store.
func (c *Coordinator) Close() {
	c.unsubscribe()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.pending, key)
	}
}

// Issue records w as pending, dispatches it and blocks until the hub
// answers. The reconciliation window starts when dispatch completes,
// whatever the outcome.
func (c *Coordinator) Issue(ctx context.Context, w Write) hass.Outcome {
	read := w.Read
	if read == nil {
		attr := w.Attribute
		read = func(rec *entity.Record) (float64, bool) {
			if rec == nil {
				return 0, false
			}
			return rec.Number(attr)
		}
	}
	window := w.Window
	if window <= 0 {
		window = c.cfg.Window
	}
	tolerance := w.Tolerance
	if tolerance <= 0 {
		tolerance = c.cfg.Tolerance
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	if old, ok := c.pending[w.Key]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		log.Debug().
			Str("key", w.Key.String()).
			Float64("superseded", old.pending.Predicted).
			Float64("predicted", w.Predicted).
			Msg("Optimistic value superseded")
	}
	c.pending[w.Key] = &entry{
		pending: Pending{
			Key:       w.Key,
			Predicted: w.Predicted,
			IssuedAt:  c.clock.Now(),
			Tolerance: tolerance,
		},
		read:   read,
		window: window,
		seq:    seq,
	}
	c.mu.Unlock()

	out := c.dispatcher.Send(ctx, w.Service, w.Payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[w.Key]
	if !ok || e.seq != seq {
		return out
	}
	now := c.clock.Now()
	e.pending.Deadline = now.Add(window)
	e.timer = c.clock.AfterFunc(window, func() { c.expire(w.Key, seq) })

	if !out.OK() {
		log.Debug().
			Str("key", w.Key.String()).
			Dur("window", window).
			Msg("Command failed, holding optimistic value until deadline")
	}

	v, vok := read(c.store.Get(w.EntityID))
	c.reconcileLocked(e, v, vok, now)
	return out
}

// Display returns the value to show for key: the predicted value while a
// write is pending, otherwise the hub's raw attribute.
func (c *Coordinator) Display(key Key) (float64, bool) {
	c.mu.Lock()
	if e, ok := c.pending[key]; ok {
		defer c.mu.Unlock()
		return e.pending.Predicted, true
	}
	c.mu.Unlock()

	rec := c.store.Get(key.EntityID)
	if rec == nil {
		return 0, false
	}
	return rec.Number(key.Attribute)
}

// Pending returns the pending write for key, if any.
func (c *Coordinator) Pending(key Key) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[key]
	if !ok {
		return Pending{}, false
	}
	return e.pending, true
}

// Drop discards the pending write for key.
func (c *Coordinator) Drop(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the number of pending writes.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) onUpdate(id string, rec *entity.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, e := range c.pending {
		if key.EntityID != id {
			continue
		}
		v, ok := e.read(rec)
		c.reconcileLocked(e, v, ok, now)
	}
}

func (c *Coordinator) reconcileLocked(e *entry, v float64, ok bool, now time.Time) {
	switch Reconcile(e.pending, v, ok, now) {
	case Confirm:
		log.Debug().
			Str("key", e.pending.Key.String()).
			Float64("predicted", e.pending.Predicted).
			Float64("reported", v).
			Msg("Optimistic value confirmed")
		c.removeLocked(e.pending.Key)
	case Expire:
		c.removeLocked(e.pending.Key)
	}
}

func (c *Coordinator) expire(key Key, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[key]
	if !ok || e.seq != seq {
		return
	}
	log.Debug().
		Str("key", key.String()).
		Float64("predicted", e.pending.Predicted).
		Dur("window", e.window).
		Msg("Optimistic value expired")
	delete(c.pending, key)
}

func (c *Coordinator) removeLocked(key Key) {
	e, ok := c.pending[key]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(c.pending, key)
}
