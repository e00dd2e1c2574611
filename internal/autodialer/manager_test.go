package autodialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"crm-dialer/internal/callstatus"
)

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers in deadline order,
// including timers scheduled by callbacks that fall inside the window.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		var due *manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = t
				break
			}
		}
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		due.fired = true
		if due.at.After(c.now) {
			c.now = due.at
		}
		c.mu.Unlock()
		due.fn()
	}
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu       sync.Mutex
	placed   []string
	ended    []string
	remain   int
	placeErr error
}

func (d *fakeDialer) PlaceNext(_ context.Context, sessionID, _ string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.placeErr != nil {
		return "", false, d.placeErr
	}
	if d.remain == 0 {
		return "", false, nil
	}
	d.remain--
	id := fmt.Sprintf("%s-call-%d", sessionID, len(d.placed)+1)
	d.placed = append(d.placed, id)
	return id, true, nil
}

func (d *fakeDialer) EndCall(_ context.Context, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended = append(d.ended, callID)
	return nil
}

func (d *fakeDialer) counts() (placed, ended int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.placed), len(d.ended)
}

func newTestManager(d Dialer) (*Manager, *manualClock) {
	clock := newManualClock()
	m := NewManager(d, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(clock)
	return m, clock
}

var testConfig = Config{Enabled: true, DelayBetweenCalls: 2 * time.Second, NoAnswerTimeout: 30 * time.Second}

func TestManager_NoAnswerForcesCompletionExactlyOnce(t *testing.T) {
	d := &fakeDialer{remain: 5}
	m, clock := newTestManager(d)
	ctx := context.Background()

	st, err := m.Start(ctx, "S1", "u1", testConfig)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != StateWaitingNoAnswer || st.CallID != "S1-call-1" {
		t.Fatalf("unexpected status after start: %+v", st)
	}

	clock.Advance(30*time.Second - time.Millisecond)
	if _, ended := d.counts(); ended != 0 {
		t.Fatalf("forced completion fired early")
	}
	clock.Advance(time.Millisecond)
	if placed, ended := d.counts(); ended != 1 || placed != 1 {
		t.Fatalf("expected one forced end and no follow-up yet, got placed=%d ended=%d", placed, ended)
	}

	// The provider's own completion for the forced call arrives late.
	_ = m.Apply(ctx, callstatus.Update{SessionID: "S1", CallID: "S1-call-1", Status: callstatus.StatusCompleted})

	clock.Advance(2*time.Second - time.Millisecond)
	if placed, _ := d.counts(); placed != 1 {
		t.Fatalf("follow-up placed before delay elapsed")
	}
	clock.Advance(time.Millisecond)
	placed, ended := d.counts()
	if placed != 2 || ended != 1 {
		t.Fatalf("expected exactly one follow-up, got placed=%d ended=%d", placed, ended)
	}
	if st, _ := m.Status("S1"); st.State != StateWaitingNoAnswer || st.CallID != "S1-call-2" {
		t.Fatalf("unexpected status after follow-up: %+v", st)
	}
}

func TestManager_AnswerCancelsDeadline(t *testing.T) {
	d := &fakeDialer{remain: 5}
	m, clock := newTestManager(d)
	ctx := context.Background()

	if _, err := m.Start(ctx, "S1", "", testConfig); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = m.Apply(ctx, callstatus.Update{SessionID: "S1", CallID: "S1-call-1", Status: callstatus.StatusInProgress})
	clock.Advance(5 * time.Minute)
	if _, ended := d.counts(); ended != 0 {
		t.Fatalf("answered call must not be force-completed")
	}
	if st, _ := m.Status("S1"); st.State != StateConnected {
		t.Fatalf("expected connected, got %s", st.State)
	}

	_ = m.Apply(ctx, callstatus.Update{CallID: "S1-call-1", Status: callstatus.StatusCompleted})
	clock.Advance(2 * time.Second)
	if placed, _ := d.counts(); placed != 2 {
		t.Fatalf("expected next call after natural end, got %d placements", placed)
	}
}

func TestManager_ZeroDelayContinuesImmediately(t *testing.T) {
	d := &fakeDialer{remain: 5}
	m, clock := newTestManager(d)
	ctx := context.Background()

	cfg := Config{Enabled: true, NoAnswerTimeout: 10 * time.Second}
	if _, err := m.Start(ctx, "S1", "", cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = m.Apply(ctx, callstatus.Update{SessionID: "S1", CallID: "S1-call-1", Status: callstatus.StatusBusy})
	clock.Advance(0)
	if placed, _ := d.counts(); placed != 2 {
		t.Fatalf("zero delay should place right away, got %d", placed)
	}
}

func TestManager_DisableCancelsPendingTimer(t *testing.T) {
	d := &fakeDialer{remain: 5}
	m, clock := newTestManager(d)
	ctx := context.Background()

	if _, err := m.Start(ctx, "S1", "", testConfig); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = m.Apply(ctx, callstatus.Update{SessionID: "S1", CallID: "S1-call-1", Status: callstatus.StatusNoAnswer})
	if clock.pending() != 1 {
		t.Fatalf("expected the delay timer to be pending")
	}

	st, err := m.SetEnabled("S1", false)
	if err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if st.State != StateIdle || clock.pending() != 0 {
		t.Fatalf("disable must clear the pending trigger: %+v pending=%d", st, clock.pending())
	}

	// Re-enabling does not resume the stale timer.
	if _, err := m.SetEnabled("S1", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	clock.Advance(time.Minute)
	placed, ended := d.counts()
	if placed != 1 || ended != 0 {
		t.Fatalf("expected no side effects, got placed=%d ended=%d", placed, ended)
	}
}

func TestManager_PlacementErrorNotRetried(t *testing.T) {
	d := &fakeDialer{remain: 5}
	m, clock := newTestManager(d)
	ctx := context.Background()

	var mu sync.Mutex
	var events []Event
	m.OnEvent(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	if _, err := m.Start(ctx, "S1", "", testConfig); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.mu.Lock()
	d.placeErr = errors.New("placement failure")
	d.mu.Unlock()

	_ = m.Apply(ctx, callstatus.Update{SessionID: "S1", CallID: "S1-call-1", Status: callstatus.StatusCompleted})
	clock.Advance(2 * time.Second)
	clock.Advance(time.Hour)

	st, _ := m.Status("S1")
	if st.State != StateIdle {
		t.Fatalf("expected idle after failed continuation, got %s", st.State)
	}
	if clock.pending() != 0 {
		t.Fatalf("failed continuation must not schedule a retry")
	}
	mu.Lock()
	defer mu.Unlock()
	errorsSeen := 0
	for _, e := range events {
		if e.Kind == EventError {
			errorsSeen++
		}
	}
	if errorsSeen != 1 {
		t.Fatalf("expected one error event, got %d (%+v)", errorsSeen, events)
	}
}

func TestManager_ExhaustedStops(t *testing.T) {
	d := &fakeDialer{remain: 1}
	m, clock := newTestManager(d)
	ctx := context.Background()

	if _, err := m.Start(ctx, "S1", "", testConfig); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = m.Apply(ctx, callstatus.Update{SessionID: "S1", CallID: "S1-call-1", Status: callstatus.StatusCompleted})
	clock.Advance(2 * time.Second)

	if st, _ := m.Status("S1"); st.State != StateIdle || st.CallID != "" {
		t.Fatalf("expected idle when leads run out, got %+v", st)
	}
}

func TestManager_StartDisabledDoesNotDial(t *testing.T) {
	d := &fakeDialer{remain: 1}
	m, _ := newTestManager(d)

	st, err := m.Start(context.Background(), "S1", "", Config{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != StateIdle {
		t.Fatalf("expected idle, got %s", st.State)
	}
	if placed, _ := d.counts(); placed != 0 {
		t.Fatalf("disabled cycle must not dial")
	}
}

func TestManager_CloseCancelsEverything(t *testing.T) {
	d := &fakeDialer{remain: 5}
	m, clock := newTestManager(d)
	ctx := context.Background()

	if _, err := m.Start(ctx, "S1", "", testConfig); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Close()
	clock.Advance(time.Hour)
	if _, ended := d.counts(); ended != 0 {
		t.Fatalf("closed manager must not fire timers")
	}
	if _, err := m.Start(ctx, "S2", "", testConfig); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConfigFromMillis(t *testing.T) {
	cfg, err := ConfigFromMillis(true, 0, 15000)
	if err != nil {
		t.Fatalf("ConfigFromMillis: %v", err)
	}
	if cfg.DelayBetweenCalls != 0 || cfg.NoAnswerTimeout != 15*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := ConfigFromMillis(true, -1, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
