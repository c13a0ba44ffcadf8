package notify

import (
	"log/slog"
	"sync"

	"github.com/hyperengineering/nexlevel/internal/types"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 32

// Hub fans notifications out to in-process subscribers keyed by recipient.
// Publishing never blocks: a subscriber whose queue is full misses the
// notification and can catch up from the store.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// Subscription receives the notifications of one user.
type Subscription struct {
	C      <-chan types.Notification
	ch     chan types.Notification
	hub    *Hub
	userID string
	once   sync.Once
}

// NewHub creates a hub whose subscribers queue up to buffer notifications.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger.With("component", "hub"),
	}
}

// Subscribe registers a subscriber for userID. Close must be called to
// release it.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan types.Notification, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h, userID: userID}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userID] = set
	}
	set[s] = struct{}{}
	return s
}

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[s.userID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.userID)
			}
		}
		close(s.ch)
	})
}

// Publish delivers n to every subscriber of its recipient.
func (h *Hub) Publish(n types.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[n.RecipientID] {
		select {
		case s.ch <- n:
		default:
			h.logger.Warn("subscriber queue full, dropping notification",
				"recipient", n.RecipientID,
				"notification_id", n.ID,
			)
		}
	}
}

// Subscribers returns the number of live subscriptions of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
