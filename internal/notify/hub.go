// Package notify fans order status changes out to subscribers scoped by order ID.
package notify

import (
	"sync"
	"time"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

type Event struct {
	OrderID string             `json:"orderId"`
	Status  models.OrderStatus `json:"status"`
	At      time.Time          `json:"at"`
}

// Publisher is what the reconciliation side needs to announce a transition.
type Publisher interface {
	Publish(orderID string, status models.OrderStatus)
}

type discard struct{}

func (discard) Publish(string, models.OrderStatus) {}

// Discard drops every event. Used when another source feeds the hub.
var Discard Publisher = discard{}

type subscriber struct {
	ch chan Event
}

// Hub delivers events to per-order subscribers. A terminal status is the
// last event a subscriber sees: its channel is closed right after.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe returns a channel of events for orderID and a func that
// unsubscribes. The func is safe to call more than once.
func (h *Hub) Subscribe(orderID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 4)}

	h.mu.Lock()
	set, ok := h.subs[orderID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[orderID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(orderID, sub) }
}

func (h *Hub) remove(orderID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[orderID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.subs, orderID)
	}
}

// Publish never blocks. A subscriber whose buffer is full misses
// non-terminal events only; terminal events close the channel regardless.
func (h *Hub) Publish(orderID string, status models.OrderStatus) {
	ev := Event{OrderID: orderID, Status: status, At: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[orderID]
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			if status.Terminal() {
				// make room: the terminal event supersedes anything queued
				select {
				case <-sub.ch:
				default:
				}
				sub.ch <- ev
			}
		}
		if status.Terminal() {
			close(sub.ch)
		}
	}
	if status.Terminal() {
		delete(h.subs, orderID)
	}
}

// Subscribers reports how many subscribers orderID has.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderID])
}
