package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"crm-dialer/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "dialer:notify:"

type wireMessage struct {
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// RedisPublisher sends messages over Redis pub/sub so every API instance's
// Relay can reach its local subscribers. Publish errors are logged and the
// message is dropped; the persisted status record covers late readers.
type RedisPublisher struct {
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger
}

func NewRedisPublisher(rdb redis.UniversalClient, prefix string, log *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix, log: logger.OrDefault(log)}
}

func (p *RedisPublisher) Send(ctx context.Context, topic string, m Message) {
	m.Topic = topic
	payload, err := json.Marshal(m)
	if err != nil {
		p.log.Error("notify encode failed", "topic", topic, "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, p.prefix+topic, payload).Err(); err != nil {
		p.log.Warn("notify publish failed, dropping", "topic", topic, "error", err)
	}
}

// Relay copies Redis pub/sub traffic into a local Hub.
type Relay struct {
	rdb    redis.UniversalClient
	hub    *Hub
	prefix string
	log    *slog.Logger
}

func NewRelay(rdb redis.UniversalClient, hub *Hub, prefix string, log *slog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Relay{rdb: rdb, hub: hub, prefix: prefix, log: logger.OrDefault(log)}
}

// Run blocks until ctx is done. go-redis reconnects the subscription on
// its own after connection loss.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("notify relay subscribed", "pattern", r.prefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var w wireMessage
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				r.log.Warn("notify relay: bad payload", "channel", msg.Channel, "error", err)
				continue
			}
			topic := strings.TrimPrefix(msg.Channel, r.prefix)
			r.hub.Send(ctx, topic, Message{Type: w.Type, Data: w.Data, Timestamp: w.Timestamp})
		}
	}
}
