// Package notify delivers in-app notifications: rows persisted for the
// notification feed plus live push to any connected event streams.
package notify

import (
	"sync"

	"paperflow/api/internal/store"
)

// Hub fans notifications out to connected subscribers. A user may hold
// several subscriptions at once (one per open tab).
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan store.Notification
	nextID      int
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int]chan store.Notification),
	}
}

// Subscribe registers a listener for one user and returns the delivery
// channel plus a cancel function. The cancel function closes the channel and
// must be called when the connection ends.
func (h *Hub) Subscribe(userID string) (<-chan store.Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[int]chan store.Notification)
	}
	id := h.nextID
	h.nextID++

	ch := make(chan store.Notification, 8)
	h.subscribers[userID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subscribers[userID]; ok {
			if existing, ok := subs[id]; ok {
				delete(subs, id)
				close(existing)
			}
			if len(subs) == 0 {
				delete(h.subscribers, userID)
			}
		}
	}
	return ch, cancel
}

// Publish pushes a notification to every live subscription for its
// recipient. Slow subscribers are skipped rather than blocked on.
func (h *Hub) Publish(n store.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers[n.RecipientUserID] {
		select {
		case ch <- n:
		default:
		}
	}
}

// SubscriberCount reports live subscriptions for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[userID])
}
