package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"go.uber.org/zap"
)

const DefaultBuffer = 256

var _ port.Publisher = (*Hub)(nil)

// Hub fans book events out to subscribers. Subscriptions are keyed by
// symbol; the empty symbol receives every event. A subscriber whose buffer
// is full misses the event, the book is never blocked.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
	logger  *zap.Logger
}

type Subscription struct {
	hub    *Hub
	symbol string
	ch     chan domain.Event
	once   sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers a subscriber for symbol ("" for all symbols and for
// balance events) with a buffer of the given size.
func (h *Hub) Subscribe(symbol string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{hub: h, symbol: symbol, ch: make(chan domain.Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	if _, ok := h.subs[symbol]; !ok {
		h.subs[symbol] = make(map[*Subscription]struct{})
	}
	h.subs[symbol][s] = struct{}{}
	return s
}

func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.deliver(h.subs[ev.Symbol], ev)
	if ev.Symbol != "" {
		h.deliver(h.subs[""], ev)
	}
}

func (h *Hub) deliver(subs map[*Subscription]struct{}, ev domain.Event) {
	for s := range subs {
		select {
		case s.ch <- ev:
		default:
			n := h.dropped.Add(1)
			h.logger.Debug("subscriber is slow, event dropped",
				zap.String("symbol", ev.Symbol),
				zap.Uint64("version", ev.Version),
				zap.Uint64("dropped_total", n))
		}
	}
}

// Dropped is the number of deliveries skipped because a buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close ends every subscription. Publishing after Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for s := range subs {
			s.once.Do(func() { close(s.ch) })
		}
	}
	h.subs = nil
}

func (s *Subscription) Events() <-chan domain.Event { return s.ch }

func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[s.symbol]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.subs, s.symbol)
		}
	}
	s.once.Do(func() { close(s.ch) })
}
