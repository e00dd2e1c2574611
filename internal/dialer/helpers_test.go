package dialer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/telephony"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu           sync.Mutex
	originated   []telephony.OriginateRequest
	terminated   []string
	originateErr error
	terminateErr error
	next         int

	// delay holds Originate open so concurrent callers overlap.
	delay time.Duration
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Originate(_ context.Context, req telephony.OriginateRequest) (string, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.originateErr != nil {
		return "", g.originateErr
	}
	g.originated = append(g.originated, req)
	g.next++
	return fmt.Sprintf("CA%03d", g.next), nil
}

func (g *fakeGateway) Terminate(_ context.Context, providerCallID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminated = append(g.terminated, providerCallID)
	return g.terminateErr
}

func (g *fakeGateway) originateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.originated)
}

func (g *fakeGateway) terminateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.terminated)
}

type fixture struct {
	store *calls.MemoryStore
	gw    *fakeGateway
	clock *fakeClock
	orch  *Orchestrator
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.CallbackBaseURL == "" {
		cfg.CallbackBaseURL = "https://dialer.example.com"
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = "+15550000000"
	}
	clock := newFakeClock()
	store := calls.NewMemoryStore()
	gw := &fakeGateway{}
	sessions := NewSessionStore(30*time.Minute, clock.Now, quietLogger())
	ids := 0
	orch := NewOrchestrator(store, gw, sessions, cfg).WithLogger(quietLogger()).WithClock(clock.Now)
	orch.newID = func() string {
		ids++
		return fmt.Sprintf("id-%03d", ids)
	}
	return &fixture{store: store, gw: gw, clock: clock, orch: orch}
}

func (f *fixture) contact(id, phone string) {
	f.store.PutContact(calls.Contact{ID: id, PhoneNumber: phone, CreatedAt: f.clock.Now()})
	f.clock.Advance(time.Second)
}

func (f *fixture) agent(id, userID string, status calls.AgentStatus) {
	f.store.PutAgent(calls.Agent{ID: id, UserID: userID, Status: status, StatusChangedAt: f.clock.Now()})
	f.clock.Advance(time.Second)
}

func (f *fixture) next(t *testing.T, sessionID, userID string) Found {
	t.Helper()
	res, err := f.orch.RequestNextContact(context.Background(), sessionID, userID)
	if err != nil {
		t.Fatalf("RequestNextContact: %v", err)
	}
	found, ok := res.(Found)
	if !ok {
		t.Fatalf("expected Found, got %T", res)
	}
	return found
}
