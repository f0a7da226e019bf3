package events

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	readyEvents := make(chan Event, 1)
	exitEvents := make(chan Event, 1)

	bus.Subscribe(EventTypeServerReady, func(event Event) {
		readyEvents <- event
	})
	bus.Subscribe(EventTypeClientExited, func(event Event) {
		exitEvents <- event
	})

	bus.Publish(Event{
		Type:       EventTypeServerReady,
		EntityType: "server",
		EntityID:   "localhost:5555",
		Severity:   SeverityInfo,
	})

	select {
	case got := <-readyEvents:
		if got.Type != EventTypeServerReady {
			t.Fatalf("received type = %q, want %q", got.Type, EventTypeServerReady)
		}
		if got.Timestamp.IsZero() {
			t.Fatal("expected publish to stamp the event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready subscriber event")
	}

	select {
	case got := <-exitEvents:
		t.Fatalf("unexpected client event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(Event{Type: EventTypeClientStarted, EntityType: "client", EntityID: "argsort", Severity: SeverityInfo})
	bus.Publish(Event{Type: EventTypeSystemAlert, EntityType: "server", EntityID: "pid-1", Severity: SeverityError})

	got := []string{waitForEvent(t, all).Type, waitForEvent(t, all).Type}
	for _, want := range []string{EventTypeClientStarted, EventTypeSystemAlert} {
		if !containsType(got, want) {
			t.Fatalf("wildcard subscriber missing %q event; got %v", want, got)
		}
	}
}

func TestPublishDropsWhenSubscriberBufferIsFull(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	bus.Subscribe(EventTypeClientExited, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	event := Event{Type: EventTypeClientExited, EntityType: "client", EntityID: "gather", Severity: SeverityWarn}

	bus.Publish(event)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(event)
	start := time.Now()
	bus.Publish(event)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s", elapsed)
	}
	close(unblock)

	if !logger.contains("dropping event") {
		t.Fatalf("expected drop warning, got %v", logger.lines())
	}
}

func TestCloseDrainsQueuedEventsAndDropsLatePublishes(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	var mu sync.Mutex
	seen := []string{}
	bus.SubscribeAll(func(event Event) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen = append(seen, event.EntityID)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTypeClientExited, EntityID: fmt.Sprintf("client-%d", i)})
	}
	bus.Close()

	mu.Lock()
	if len(seen) != 5 {
		mu.Unlock()
		t.Fatalf("handled %d events before close returned, want 5", len(seen))
	}
	for i, id := range seen {
		if id != fmt.Sprintf("client-%d", i) {
			mu.Unlock()
			t.Fatalf("event order = %v", seen)
		}
	}
	mu.Unlock()

	bus.Publish(Event{Type: EventTypeClientExited, EntityID: "late"})
	bus.Close()
	bus.SubscribeAll(func(Event) { t.Error("handler registered after close must not run") })
	bus.Publish(Event{Type: EventTypeClientExited, EntityID: "later"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("late event delivered: %v", seen)
	}
}

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *captureLogger) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *captureLogger) contains(fragment string) bool {
	for _, line := range l.lines() {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func containsType(types []string, want string) bool {
	for _, got := range types {
		if got == want {
			return true
		}
	}
	return false
}
