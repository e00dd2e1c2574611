package dialer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionStore_CreatesOnDemandAndExpires(t *testing.T) {
	clock := newFakeClock()
	s := NewSessionStore(time.Minute, clock.Now, quietLogger())

	sess, err := s.Acquire("S1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !sess.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected created_at %v", sess.CreatedAt)
	}

	clock.Advance(59 * time.Second)
	if _, err := s.Acquire("S1"); err != nil {
		t.Fatalf("activity within ttl must keep session alive: %v", err)
	}
	clock.Advance(61 * time.Second)
	if _, err := s.Acquire("S1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	// The tombstone keeps reporting expiry instead of silently recreating.
	if _, err := s.Acquire("S1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected tombstoned session to stay expired, got %v", err)
	}
}

func TestSessionStore_SweepAndEnd(t *testing.T) {
	clock := newFakeClock()
	s := NewSessionStore(time.Minute, clock.Now, quietLogger())

	_, _ = s.Acquire("idle")
	clock.Advance(30 * time.Second)
	_, _ = s.Acquire("busy")
	clock.Advance(45 * time.Second)

	expired := s.Sweep()
	if len(expired) != 1 || expired[0] != "idle" {
		t.Fatalf("expected only idle swept, got %v", expired)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one live session, got %d", s.Len())
	}

	s.End("busy")
	if _, err := s.RecordAttempt("busy", "+1555"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ended session to be expired, got %v", err)
	}
}

func TestSessionStore_AttemptsLinearized(t *testing.T) {
	s := NewSessionStore(time.Minute, nil, quietLogger())
	if _, err := s.Acquire("S1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordAttempt("S1", "+15551234567"); err != nil {
				t.Errorf("RecordAttempt: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, _ := s.Snapshot("S1")
	if sess.Attempts["+15551234567"] != n {
		t.Fatalf("lost updates: got %d, want %d", sess.Attempts["+15551234567"], n)
	}
	if got := s.ExhaustedPhones("S1", n); len(got) != 1 {
		t.Fatalf("expected number exhausted at %d attempts, got %v", n, got)
	}
	if got := s.ExhaustedPhones("S1", 0); got != nil {
		t.Fatalf("zero max disables the cap, got %v", got)
	}
}

func TestSessionStore_SnapshotIsCopy(t *testing.T) {
	s := NewSessionStore(time.Minute, nil, quietLogger())
	_, _ = s.Acquire("S1")
	_, _ = s.RecordAttempt("S1", "+1")

	snap, _ := s.Snapshot("S1")
	snap.Attempts["+1"] = 99

	again, _ := s.Snapshot("S1")
	if again.Attempts["+1"] != 1 {
		t.Fatalf("snapshot must not alias store state")
	}
}
