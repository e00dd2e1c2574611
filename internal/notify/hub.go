package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crm-dialer/internal/autodialer"
	"crm-dialer/internal/callstatus"
	"crm-dialer/pkg/logger"
)

type MessageType string

const (
	TypeStatus     MessageType = "status"
	TypeAutoDialer MessageType = "auto_dialer"
)

// Message is the envelope streamed to subscribers.
type Message struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink delivers a message to a topic. Implementations never fail the
// caller: no connection means buffer or drop.
type Sink interface {
	Send(ctx context.Context, topic string, m Message)
}

// Hub is the in-process fan-out. A subscriber that falls behind loses
// messages instead of slowing down the sender.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription]struct{}
	log     *slog.Logger
	dropped atomic.Int64
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		topics: map[string]map[*Subscription]struct{}{},
		log:    logger.OrDefault(log),
	}
}

type Subscription struct {
	hub    *Hub
	topic  string
	send   chan Message
	closed bool
}

// C yields messages in publish order. It is closed by Close.
func (s *Subscription) C() <-chan Message { return s.send }

func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if subs, ok := h.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.topic)
		}
	}
	close(s.send)
}

func (h *Hub) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{hub: h, topic: topic, send: make(chan Message, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = map[*Subscription]struct{}{}
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s
}

func (h *Hub) Send(_ context.Context, topic string, m Message) {
	m.Topic = topic
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.topics[topic] {
		select {
		case s.send <- m:
		default:
			if n := h.dropped.Add(1); n%100 == 1 {
				h.log.Warn("notify subscriber too slow, dropping", "topic", topic, "dropped_total", n)
			}
		}
	}
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// StatusPublisher adapts a Sink to callstatus.Publisher.
type StatusPublisher struct {
	Sink Sink
}

func (p StatusPublisher) Publish(ctx context.Context, u callstatus.Update) {
	p.Sink.Send(ctx, u.Key(), Message{Type: TypeStatus, Data: u, Timestamp: u.ReceivedAt})
}

// AutoDialerEvents forwards cycle events to the session topic.
func AutoDialerEvents(sink Sink) func(autodialer.Event) {
	return func(e autodialer.Event) {
		sink.Send(context.Background(), callstatus.SessionKey(e.SessionID), Message{
			Type:      TypeAutoDialer,
			Data:      e,
			Timestamp: e.At,
		})
	}
}

var _ callstatus.Publisher = StatusPublisher{}
