// Package events fans committed exchange events out to streaming consumers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/xtrntr/tokenexchange/internal/models"
	"go.uber.org/zap"
)

// Message is the wire form of an event. Amounts are decimal base units.
type Message struct {
	Kind          string `json:"kind"`
	Account       string `json:"account"`
	AssetAmount   string `json:"asset_amount"`
	CounterAmount string `json:"counter_amount"`
	Sequence      uint64 `json:"sequence"`
}

// FromEvent converts an exchange event to its wire form
func FromEvent(ev models.Event) Message {
	return Message{
		Kind:          string(ev.Kind),
		Account:       ev.Account.Hex(),
		AssetAmount:   ev.AssetAmount.Dec(),
		CounterAmount: ev.CounterAmount.Dec(),
		Sequence:      ev.Sequence,
	}
}

// Subscription receives messages on C until it is removed from the hub
type Subscription struct {
	C       <-chan Message
	ch      chan Message
	dropped atomic.Uint64
}

// Dropped returns how many messages this subscription missed because its
// buffer was full. Consumers can also detect the gap from Sequence.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub delivers each published event to every subscription. Publish never
// blocks: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe adds a subscription with the given buffer size
func (h *Hub) Subscribe(buffer int) *Subscription {
	ch := make(chan Message, buffer)
	sub := &Subscription{C: ch, ch: ch}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Publish matches exchange.Listener so the hub can be subscribed directly to
// the exchange
func (h *Hub) Publish(ev models.Event) {
	msg := FromEvent(ev)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			h.logger.Warn("dropping event for slow subscriber", zap.Uint64("sequence", msg.Sequence))
		}
	}
}

// Len returns the number of subscriptions
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
