package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

func receive(t *testing.T, ch <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}, false
}

func TestHubScopesByOrder(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe("ORDA")
	defer cancelA()
	b, cancelB := hub.Subscribe("ORDB")
	defer cancelB()

	hub.Publish("ORDA", models.StatusPending)

	ev, ok := receive(t, a)
	if !ok || ev.OrderID != "ORDA" || ev.Status != models.StatusPending {
		t.Errorf("a got %+v, %v", ev, ok)
	}
	select {
	case ev := <-b:
		t.Errorf("b received foreign event %+v", ev)
	default:
	}
}

func TestHubTerminalClosesSubscribers(t *testing.T) {
	hub := NewHub()
	first, cancel1 := hub.Subscribe("ORDA")
	second, cancel2 := hub.Subscribe("ORDA")

	hub.Publish("ORDA", models.StatusVerified)

	for _, ch := range []<-chan Event{first, second} {
		ev, ok := receive(t, ch)
		if !ok || ev.Status != models.StatusVerified {
			t.Errorf("got %+v, %v; want verified", ev, ok)
		}
		if _, ok := receive(t, ch); ok {
			t.Error("channel should be closed after terminal event")
		}
	}
	if n := hub.Subscribers("ORDA"); n != 0 {
		t.Errorf("Subscribers = %d after terminal, want 0", n)
	}

	// late cancels and duplicate publishes are harmless
	cancel1()
	cancel2()
	hub.Publish("ORDA", models.StatusVerified)
}

func TestHubTerminalDeliveredWhenBufferFull(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("ORDA")
	defer cancel()

	for i := 0; i < 10; i++ {
		hub.Publish("ORDA", models.StatusPending)
	}
	hub.Publish("ORDA", models.StatusExpired)

	var last Event
	for ev := range ch {
		last = ev
	}
	if last.Status != models.StatusExpired {
		t.Errorf("last event = %s, want expired", last.Status)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("ORDA")
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if n := hub.Subscribers("ORDA"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestHubConcurrentPublishers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("ORDA")
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range []models.OrderStatus{models.StatusVerified, models.StatusCancelled, models.StatusVerified} {
		wg.Add(1)
		go func(s models.OrderStatus) {
			defer wg.Done()
			hub.Publish("ORDA", s)
		}(s)
	}
	wg.Wait()

	count := 0
	for range ch {
		count++
	}
	if count != 1 {
		t.Errorf("received %d terminal events, want exactly 1", count)
	}
}
