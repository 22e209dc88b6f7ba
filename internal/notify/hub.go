// Package notify fans committed mutations out to live observers.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mistakeknot/toomanycooks/internal/core"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

var _ core.Publisher = (*Hub)(nil)

// Hub is an in-memory broadcaster. Every subscriber receives every event
// published after it subscribed; there is no replay. Publish never blocks,
// so a subscriber whose buffer is full loses events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan core.Event
	bufferSize  int
	closed      bool
	onDrop      func(core.Event)
	logger      *slog.Logger
}

type Option func(*Hub)

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithDropHook is called once per event dropped for a slow subscriber.
func WithDropHook(fn func(core.Event)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subscribers: make(map[string]chan core.Event),
		bufferSize:  DefaultBufferSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Subscribe registers a subscriber. The returned channel is closed on
// Unsubscribe, on Close, or when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context) (<-chan core.Event, string) {
	id := uuid.NewString()
	ch := make(chan core.Event, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, id
	}
	h.subscribers[id] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", id)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(id)
	}()

	return ch, id
}

// Publish delivers ev to every current subscriber without blocking.
func (h *Hub) Publish(ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for id, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow subscriber", "sub_id", id, "event", ev.Type)
			if h.onDrop != nil {
				h.onDrop(ev)
			}
		}
	}
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(ch)

	h.logger.Debug("subscriber removed", "sub_id", id)
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later publishes are ignored and
// later subscriptions receive an already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.logger.Debug("hub closed")
}
