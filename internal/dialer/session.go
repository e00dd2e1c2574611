package dialer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crm-dialer/pkg/logger"
)

// DefaultSessionTTL is the idle time after which a session is collected.
const DefaultSessionTTL = 30 * time.Minute

// Session is a call-sequencing context for one operator run. It lives only
// in process memory.
type Session struct {
	ID           string                  `json:"id"`
	CreatedAt    time.Time               `json:"created_at"`
	LastActivity time.Time               `json:"last_activity"`
	Attempts     map[string]int          `json:"attempts"`
	InFlight     map[string]InFlightCall `json:"in_flight"`
}

// InFlightCall is keyed by provider call id in Session.InFlight.
type InFlightCall struct {
	CallID      string    `json:"call_id"`
	PhoneNumber string    `json:"phone_number"`
	StartedAt   time.Time `json:"started_at"`
	Attempt     int       `json:"attempt"`
}

func (s *Session) clone() Session {
	out := *s
	out.Attempts = make(map[string]int, len(s.Attempts))
	for k, v := range s.Attempts {
		out.Attempts[k] = v
	}
	out.InFlight = make(map[string]InFlightCall, len(s.InFlight))
	for k, v := range s.InFlight {
		out.InFlight[k] = v
	}
	return out
}

// SessionStore owns every live session. All mutations happen under one
// mutex, which linearizes attempt counting per session.
type SessionStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	now        func() time.Time
	log        *slog.Logger
	sessions   map[string]*Session
	tombstones map[string]time.Time
}

func NewSessionStore(ttl time.Duration, now func() time.Time, log *slog.Logger) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &SessionStore{
		ttl:        ttl,
		now:        now,
		log:        logger.OrDefault(log),
		sessions:   map[string]*Session{},
		tombstones: map[string]time.Time{},
	}
}

// get returns a live session, creating it on first use. Callers hold mu.
func (s *SessionStore) get(id string, create bool) (*Session, error) {
	if _, dead := s.tombstones[id]; dead {
		return nil, ErrSessionExpired
	}
	now := s.now()
	sess, ok := s.sessions[id]
	if ok && now.Sub(sess.LastActivity) > s.ttl {
		s.expire(id, now)
		return nil, ErrSessionExpired
	}
	if !ok {
		if !create {
			return nil, ErrSessionExpired
		}
		sess = &Session{
			ID:        id,
			CreatedAt: now,
			Attempts:  map[string]int{},
			InFlight:  map[string]InFlightCall{},
		}
		s.sessions[id] = sess
	}
	sess.LastActivity = now
	return sess, nil
}

func (s *SessionStore) expire(id string, at time.Time) {
	delete(s.sessions, id)
	s.tombstones[id] = at
}

// Acquire touches the session, creating it when unknown.
func (s *SessionStore) Acquire(id string) (Session, error) {
	if id == "" {
		return Session{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id, true)
	if err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// Snapshot returns a copy of a live session without touching it.
func (s *SessionStore) Snapshot(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// ExhaustedPhones lists numbers that reached max attempts in the session.
func (s *SessionStore) ExhaustedPhones(id string, max int) []string {
	if max <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	var out []string
	for phone, n := range sess.Attempts {
		if n >= max {
			out = append(out, phone)
		}
	}
	return out
}

// RecordAttempt increments and returns the attempt count for phone.
func (s *SessionStore) RecordAttempt(id, phone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id, false)
	if err != nil {
		return 0, err
	}
	sess.Attempts[phone]++
	return sess.Attempts[phone], nil
}

func (s *SessionStore) TrackCall(id, providerCallID string, c InFlightCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id, false)
	if err != nil {
		return err
	}
	sess.InFlight[providerCallID] = c
	return nil
}

func (s *SessionStore) UntrackCall(id, providerCallID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		delete(sess.InFlight, providerCallID)
	}
}

// End closes a session explicitly; later use reports ErrSessionExpired.
func (s *SessionStore) End(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(id, s.now())
}

// Sweep expires idle sessions and forgets old tombstones. It returns the
// ids expired in this pass.
func (s *SessionStore) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var expired []string
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.ttl {
			s.expire(id, now)
			expired = append(expired, id)
		}
	}
	// Tombstones only need to outlive any client still holding the id.
	for id, at := range s.tombstones {
		if now.Sub(at) > 24*time.Hour {
			delete(s.tombstones, id)
		}
	}
	return expired
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run sweeps on interval until ctx is done.
func (s *SessionStore) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if expired := s.Sweep(); len(expired) > 0 {
				s.log.Info("dialer sessions expired", "count", len(expired))
			}
		}
	}
}
