package entity

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNilRecord is returned when a nil record is written.
	ErrNilRecord = errors.New("nil record")
	// ErrEmptyID is returned when a record without an id is written.
	ErrEmptyID = errors.New("record has empty id")
)

// Listener is called with the new record for an id, or nil when the id
// was removed.
type Listener func(id string, rec *Record)

// Reader is the read-only view handed to display components.
type Reader interface {
	Get(id string) *Record
	All() map[string]*Record
	Subscribe(id string, fn Listener) (unsubscribe func())
	SubscribeAll(fn Listener) (unsubscribe func())
}

// Writer is held only by the connection manager.
type Writer interface {
	ReplaceAll(records []*Record) error
	Upsert(rec *Record) error
	Remove(id string)
}

type subscription struct {
	id int64
	fn Listener
}

type change struct {
	id  string
	rec *Record
}

// Store is the process-wide entity map.
//
// Thread Safety: all methods are safe for concurrent use. Listeners run
// on the writer's goroutine after the write lock is released, in write
// order. Listeners may read the store but must not write to it.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byID     map[string][]subscription
	wildcard []subscription
	nextSub  int64

	// notifyMu serializes listener delivery so notifications from two
	// writes never interleave.
	notifyMu sync.Mutex
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
		byID:    make(map[string][]subscription),
	}
}

// Get returns the current record for id, or nil.
func (s *Store) Get(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

// All returns a copy of the id to record map.
func (s *Store) All() map[string]*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ReplaceAll atomically swaps the store contents for the snapshot.
// Ids absent from the snapshot are dropped. The snapshot is rejected as
// a whole if any record is invalid or an id repeats.
func (s *Store) ReplaceAll(records []*Record) error {
	next := make(map[string]*Record, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, dup := next[rec.ID]; dup {
			return &DuplicateIDError{ID: rec.ID}
		}
		next[rec.ID] = rec
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.records
	s.records = next
	changes := make([]change, 0, len(next))
	for id, rec := range next {
		if prev[id] != rec {
			changes = append(changes, change{id: id, rec: rec})
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, change{id: id})
		}
	}
	s.mu.Unlock()

	log.Debug().
		Int("entities", len(next)).
		Int("previous", len(prev)).
		Msg("Entity store replaced from snapshot")

	s.deliver(changes)
	return nil
}

// Upsert stores rec under rec.ID, replacing any previous record.
func (s *Store) Upsert(rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.records[rec.ID]
	s.records[rec.ID] = rec
	s.mu.Unlock()

	if prev != rec {
		s.deliver([]change{{id: rec.ID, rec: rec}})
	}
	return nil
}

// Remove drops id from the store.
func (s *Store) Remove(id string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	_, existed := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()

	if existed {
		s.deliver([]change{{id: id}})
	}
}

// Subscribe registers fn for changes to one id.
func (s *Store) Subscribe(id string, fn Listener) func() {
	s.mu.Lock()
	s.nextSub++
	sub := subscription{id: s.nextSub, fn: fn}
	s.byID[id] = append(s.byID[id], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byID[id] = without(s.byID[id], sub.id)
		if len(s.byID[id]) == 0 {
			delete(s.byID, id)
		}
	}
}

// SubscribeAll registers fn for changes to any id.
func (s *Store) SubscribeAll(fn Listener) func() {
	s.mu.Lock()
	s.nextSub++
	sub := subscription{id: s.nextSub, fn: fn}
	s.wildcard = append(s.wildcard, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.wildcard = without(s.wildcard, sub.id)
	}
}

func (s *Store) deliver(changes []change) {
	for _, c := range changes {
		s.mu.RLock()
		subs := make([]subscription, 0, len(s.byID[c.id])+len(s.wildcard))
		subs = append(subs, s.byID[c.id]...)
		subs = append(subs, s.wildcard...)
		s.mu.RUnlock()

		for _, sub := range subs {
			s.call(sub, c)
		}
	}
}

func (s *Store) call(sub subscription, c change) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("entity_id", c.id).
				Msg("Entity listener panicked")
		}
	}()
	sub.fn(c.id, c.rec)
}

func without(subs []subscription, id int64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// DuplicateIDError is returned by ReplaceAll when a snapshot repeats an id.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return "duplicate entity id in snapshot: " + e.ID
}
