package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"crm-dialer/internal/autodialer"
	"crm-dialer/internal/callstatus"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, s *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-s.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func TestHub_FanOutByTopic(t *testing.T) {
	hub := NewHub(quietLogger())
	a := hub.Subscribe("session:S1", 4)
	b := hub.Subscribe("session:S1", 4)
	other := hub.Subscribe("session:S2", 4)
	defer other.Close()

	pub := StatusPublisher{Sink: hub}
	pub.Publish(context.Background(), callstatus.Update{SessionID: "S1", ProviderCallID: "CA1", Status: callstatus.StatusRinging})

	for _, s := range []*Subscription{a, b} {
		m := recv(t, s)
		if m.Type != TypeStatus || m.Topic != "session:S1" {
			t.Fatalf("unexpected message %+v", m)
		}
		if u := m.Data.(callstatus.Update); u.ProviderCallID != "CA1" {
			t.Fatalf("unexpected payload %+v", u)
		}
	}
	select {
	case m := <-other.C():
		t.Fatalf("other topic received %+v", m)
	default:
	}

	a.Close()
	a.Close()
	if hub.Subscribers("session:S1") != 1 {
		t.Fatalf("expected one subscriber left, got %d", hub.Subscribers("session:S1"))
	}
	b.Close()
	if hub.Subscribers("session:S1") != 0 {
		t.Fatalf("expected topic cleaned up")
	}
}

func TestHub_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(quietLogger())
	s := hub.Subscribe("t", 1)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Send(context.Background(), "t", Message{Type: TypeStatus, Data: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Send blocked on a full subscriber")
	}
	if hub.Dropped() != 9 {
		t.Fatalf("expected 9 dropped, got %d", hub.Dropped())
	}
	if m := recv(t, s); m.Data != 0 {
		t.Fatalf("expected the first message to be kept, got %v", m.Data)
	}
}

func TestAutoDialerEvents_SessionTopic(t *testing.T) {
	hub := NewHub(quietLogger())
	s := hub.Subscribe(callstatus.SessionKey("S1"), 1)
	defer s.Close()

	AutoDialerEvents(hub)(autodialer.Event{SessionID: "S1", Kind: autodialer.EventPlaced, CallID: "c1"})
	m := recv(t, s)
	if m.Type != TypeAutoDialer {
		t.Fatalf("expected auto_dialer message, got %s", m.Type)
	}
}

func TestRedisRelay_DeliversToLocalHub(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub(quietLogger())
	s := hub.Subscribe("session:S1", 4)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := NewRelay(rdb, hub, "", quietLogger())
	errc := make(chan error, 1)
	go func() { errc <- relay.Run(ctx) }()

	pub := NewRedisPublisher(rdb, "", quietLogger())
	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumPat() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	StatusPublisher{Sink: pub}.Publish(ctx, callstatus.Update{SessionID: "S1", ProviderCallID: "CA9", Status: callstatus.StatusCompleted})

	m := recv(t, s)
	raw, ok := m.Data.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", m.Data)
	}
	var u callstatus.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		t.Fatalf("decode relayed update: %v", err)
	}
	if u.ProviderCallID != "CA9" || u.Status != callstatus.StatusCompleted {
		t.Fatalf("unexpected relayed update %+v", u)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("relay returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}

func TestRedisPublisher_ConnectionLossDoesNotFail(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	pub := NewRedisPublisher(rdb, "", quietLogger())
	// Must return normally; the error is logged and the message dropped.
	pub.Send(context.Background(), "session:S1", Message{Type: TypeStatus})
}
