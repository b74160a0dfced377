package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBus_DeliversToSubscribersOfType(t *testing.T) {
	b := NewWithConfig(2, 10)
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	var mu sync.Mutex
	got := map[EventType]int{}

	handler := func(ev Event) {
		mu.Lock()
		got[ev.Type]++
		mu.Unlock()
		wg.Done()
	}
	b.Subscribe(EventTypeConnection, handler)
	b.Subscribe(EventTypeConnection, handler)
	b.Subscribe(EventTypeCommand, handler)

	wg.Add(3)
	b.Publish(Event{Type: EventTypeConnection, Data: map[string]any{"state": "live"}})
	b.Publish(Event{Type: EventTypeCommand, Data: map[string]any{"service": "light.turn_on"}})
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got[EventTypeConnection] != 2 || got[EventTypeCommand] != 1 {
		t.Errorf("deliveries = %v, want connection:2 command:1", got)
	}
}

func TestBus_DropsWhenQueueFull(t *testing.T) {
	b := NewWithConfig(1, 1)
	block := make(chan struct{})
	started := make(chan struct{}, 1)

	b.Subscribe(EventTypeCommand, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})

	b.Publish(Event{Type: EventTypeCommand}) // taken by the worker
	<-started
	b.Publish(Event{Type: EventTypeCommand}) // queued
	b.Publish(Event{Type: EventTypeCommand}) // dropped

	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	close(block)
	b.Close(context.Background())
}

func TestBus_PanickingHandlerDoesNotKillWorker(t *testing.T) {
	b := NewWithConfig(1, 10)
	defer b.Close(context.Background())

	done := make(chan struct{})
	calls := 0
	b.Subscribe(EventTypeConnection, func(Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		close(done)
	})

	b.Publish(Event{Type: EventTypeConnection})
	b.Publish(Event{Type: EventTypeConnection})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second event was not handled")
	}
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	b := New()
	b.Subscribe(EventTypeCommand, func(Event) {})
	b.Close(context.Background())

	b.Publish(Event{Type: EventTypeCommand})
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}
