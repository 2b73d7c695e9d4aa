package activity

import (
	"sync"

	"reviewflow/models"
)

const subscriberBuffer = 64

// Hub fans committed events out to live subscribers of a business. Slow
// subscribers lose events rather than block writers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[uint]map[int]chan models.ActivityEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint]map[int]chan models.ActivityEvent)}
}

// Subscribe returns a feed of the business's events and a func that ends it.
func (h *Hub) Subscribe(businessID uint) (<-chan models.ActivityEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan models.ActivityEvent, subscriberBuffer)
	if h.subs[businessID] == nil {
		h.subs[businessID] = make(map[int]chan models.ActivityEvent)
	}
	h.subs[businessID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[businessID], id)
			if len(h.subs[businessID]) == 0 {
				delete(h.subs, businessID)
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(events ...models.ActivityEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ev := range events {
		for _, ch := range h.subs[ev.BusinessID] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (h *Hub) Subscribers(businessID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[businessID])
}
