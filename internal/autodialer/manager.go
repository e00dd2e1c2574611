package autodialer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crm-dialer/internal/callstatus"
	"crm-dialer/pkg/logger"
)

var (
	ErrNoSuchCycle = errors.New("no auto-dialer cycle for session")
	ErrClosed      = errors.New("auto-dialer closed")
)

// Dialer is what a cycle needs from the orchestrator.
type Dialer interface {
	// PlaceNext claims and originates the next contact. ok is false when
	// the session has nothing left to dial.
	PlaceNext(ctx context.Context, sessionID, userID string) (callID string, ok bool, err error)
	EndCall(ctx context.Context, callID string) error
}

type State string

const (
	StateIdle            State = "idle"
	StatePlacing         State = "placing"
	StateWaitingNoAnswer State = "waiting_no_answer"
	StateConnected       State = "connected"
	StateCompleting      State = "completing"
	StateDelaying        State = "delaying"
)

// EventKind classifies what a cycle reports to observers.
type EventKind string

const (
	EventPlaced    EventKind = "placed"
	EventExhausted EventKind = "exhausted"
	EventTimeout   EventKind = "no_answer_timeout"
	EventError     EventKind = "error"
)

type Event struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	CallID    string    `json:"call_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Status is a read-only view of a cycle.
type Status struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	State     State  `json:"state"`
	CallID    string `json:"call_id,omitempty"`
	Config    Config `json:"config"`
}

type cycle struct {
	sessionID string
	userID    string
	cfg       Config
	state     State
	callID    string
	timer     Timer

	// gen invalidates scheduled continuations when the cycle is cancelled
	// or restarted.
	gen uint64
}

func (c *cycle) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Manager runs one cadence cycle per session. Timers are the only
// background work; every continuation re-checks the cycle generation
// under the lock before acting.
type Manager struct {
	dialer Dialer
	clock  Clock
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cycles  map[string]*cycle
	closed  bool
	onEvent func(Event)
}

func NewManager(dialer Dialer, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer: dialer,
		clock:  realClock{},
		log:    logger.OrDefault(log),
		ctx:    ctx,
		cancel: cancel,
		cycles: map[string]*cycle{},
	}
}

func (m *Manager) WithClock(c Clock) *Manager {
	m.clock = c
	return m
}

// OnEvent registers an observer. It is called without the manager lock held.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

func (m *Manager) emit(e Event) {
	e.At = m.clock.Now()
	m.mu.Lock()
	fn := m.onEvent
	m.mu.Unlock()

	attrs := []any{"session_id", e.SessionID, "kind", e.Kind, "call_id", e.CallID}
	if e.Kind == EventError {
		m.log.Warn("auto-dialer cycle error", append(attrs, "error", e.Error)...)
	} else {
		m.log.Info("auto-dialer event", attrs...)
	}
	if fn != nil {
		fn(e)
	}
}

// Start begins a new cycle for the session, replacing any previous one, and
// places the first call right away when cfg.Enabled is set. A placement
// error is returned and the cycle parks in idle.
func (m *Manager) Start(ctx context.Context, sessionID, userID string, cfg Config) (Status, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Status{}, ErrClosed
	}
	c, ok := m.cycles[sessionID]
	if ok {
		c.cancelTimer()
		c.gen++
	} else {
		c = &cycle{sessionID: sessionID}
		m.cycles[sessionID] = c
	}
	c.userID = userID
	c.cfg = cfg
	c.callID = ""
	c.state = StateIdle
	if !cfg.Enabled {
		st := c.status()
		m.mu.Unlock()
		return st, nil
	}
	c.state = StatePlacing
	gen := c.gen
	m.mu.Unlock()

	err := m.place(ctx, c, gen)

	m.mu.Lock()
	st := c.status()
	m.mu.Unlock()
	return st, err
}

func (c *cycle) status() Status {
	return Status{
		SessionID: c.sessionID,
		UserID:    c.userID,
		State:     c.state,
		CallID:    c.callID,
		Config:    c.cfg,
	}
}

// place asks the dialer for the next call and arms the no-answer deadline.
// The cycle must be in StatePlacing with generation gen.
func (m *Manager) place(ctx context.Context, c *cycle, gen uint64) error {
	callID, ok, err := m.dialer.PlaceNext(ctx, c.sessionID, c.userID)

	m.mu.Lock()
	if c.gen != gen || c.state != StatePlacing {
		// Cancelled while the request was in flight. The provider call, if
		// any, was already issued; only the continuation is suppressed.
		m.mu.Unlock()
		return err
	}
	switch {
	case err != nil:
		c.state = StateIdle
		m.mu.Unlock()
		m.emit(Event{SessionID: c.sessionID, Kind: EventError, CallID: callID, Error: err.Error()})
		return err
	case !ok:
		c.state = StateIdle
		m.mu.Unlock()
		m.emit(Event{SessionID: c.sessionID, Kind: EventExhausted})
		return nil
	}
	c.callID = callID
	c.state = StateWaitingNoAnswer
	c.timer = m.clock.AfterFunc(c.cfg.NoAnswerTimeout, func() { m.noAnswer(c, gen, callID) })
	m.mu.Unlock()

	m.emit(Event{SessionID: c.sessionID, Kind: EventPlaced, CallID: callID})
	return nil
}

// noAnswer is the forced-completion path.
func (m *Manager) noAnswer(c *cycle, gen uint64, callID string) {
	m.mu.Lock()
	if c.gen != gen || c.state != StateWaitingNoAnswer || c.callID != callID {
		m.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = StateCompleting
	m.mu.Unlock()

	m.emit(Event{SessionID: c.sessionID, Kind: EventTimeout, CallID: callID})
	if err := m.dialer.EndCall(m.ctx, callID); err != nil {
		m.emit(Event{SessionID: c.sessionID, Kind: EventError, CallID: callID, Error: err.Error()})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.gen != gen || c.state != StateCompleting {
		return
	}
	m.afterCallLocked(c)
}

// afterCallLocked schedules the follow-up request once a call is over.
func (m *Manager) afterCallLocked(c *cycle) {
	c.cancelTimer()
	c.callID = ""
	if !c.cfg.Enabled {
		c.state = StateIdle
		return
	}
	c.state = StateDelaying
	gen := c.gen
	c.timer = m.clock.AfterFunc(c.cfg.DelayBetweenCalls, func() { m.continueCycle(c, gen) })
}

func (m *Manager) continueCycle(c *cycle, gen uint64) {
	m.mu.Lock()
	if c.gen != gen || c.state != StateDelaying || !c.cfg.Enabled {
		m.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = StatePlacing
	m.mu.Unlock()

	// Errors are reported through events; the operator re-triggers.
	_ = m.place(m.ctx, c, gen)
}

// Apply feeds provider status into the cycles: an answer cancels the
// no-answer deadline, a terminal status ends the call naturally.
func (m *Manager) Apply(_ context.Context, u callstatus.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findLocked(u)
	if c == nil {
		return nil
	}
	switch {
	case u.Status == callstatus.StatusInProgress && c.state == StateWaitingNoAnswer:
		c.cancelTimer()
		c.state = StateConnected
	case u.Status.IsTerminal() && (c.state == StateWaitingNoAnswer || c.state == StateConnected):
		m.afterCallLocked(c)
	}
	return nil
}

func (m *Manager) findLocked(u callstatus.Update) *cycle {
	if u.SessionID != "" {
		c, ok := m.cycles[u.SessionID]
		if !ok || c.callID == "" || (u.CallID != "" && u.CallID != c.callID) {
			return nil
		}
		return c
	}
	if u.CallID == "" {
		return nil
	}
	for _, c := range m.cycles {
		if c.callID == u.CallID {
			return c
		}
	}
	return nil
}

// SetEnabled toggles a cycle. Disabling cancels any pending timer with no
// other side effect; enabling only flips the flag and a new cycle must be
// started explicitly.
func (m *Manager) SetEnabled(sessionID string, enabled bool) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[sessionID]
	if !ok {
		return Status{}, ErrNoSuchCycle
	}
	c.cfg.Enabled = enabled
	if !enabled {
		c.cancelTimer()
		c.gen++
		switch c.state {
		case StateDelaying, StatePlacing, StateCompleting:
			c.state = StateIdle
			c.callID = ""
		}
	}
	return c.status(), nil
}

// Stop cancels and forgets the session's cycle.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[sessionID]
	if !ok {
		return false
	}
	c.cancelTimer()
	c.gen++
	delete(m.cycles, sessionID)
	return true
}

func (m *Manager) Status(sessionID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[sessionID]
	if !ok {
		return Status{}, false
	}
	return c.status(), true
}

// Close cancels every cycle. Later Start calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, c := range m.cycles {
		c.cancelTimer()
		c.gen++
		delete(m.cycles, id)
	}
	m.cancel()
}
