package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func seededStore() *MemoryStore {
	s := NewMemoryStore()
	s.PutContact(Contact{ID: "c1", PhoneNumber: "+15551234567", Name: "Ann", CreatedAt: t0})
	s.PutContact(Contact{ID: "c2", PhoneNumber: "+15557654321", Name: "Bob", CreatedAt: t0.Add(time.Minute)})
	s.PutAgent(Agent{ID: "a1", UserID: "u1", Status: AgentAvailable, StatusChangedAt: t0})
	s.PutAgent(Agent{ID: "a2", UserID: "u2", Status: AgentAvailable, StatusChangedAt: t0.Add(-time.Minute)})
	return s
}

func claim(t *testing.T, s *MemoryStore, n int) (Contact, Call) {
	t.Helper()
	ct, call, ok, err := s.ClaimNextContact(context.Background(), ClaimRequest{
		CallID:       fmt.Sprintf("call-%d", n),
		QueueEntryID: fmt.Sprintf("q-%d", n),
		SessionID:    "s1",
		Priority:     100,
		Now:          t0.Add(time.Duration(n) * time.Second),
	})
	if err != nil || !ok {
		t.Fatalf("claim %d: ok=%v err=%v", n, ok, err)
	}
	return ct, call
}

func TestClaimNextContact_OrdersAndMarksInProgress(t *testing.T) {
	s := seededStore()
	ct, call := claim(t, s, 1)
	if ct.ID != "c1" {
		t.Fatalf("expected oldest never-called contact first, got %s", ct.ID)
	}
	if ct.Status != ContactInProgress || ct.LastCallAt == nil {
		t.Fatalf("expected contact in_progress with last call, got %+v", ct)
	}
	if call.Status != CallQueued || call.ContactID != "c1" || call.ProviderCallID != "" {
		t.Fatalf("unexpected call %+v", call)
	}
	q, _ := s.ListQueue(context.Background())
	if len(q) != 1 || q[0].CallID != call.ID {
		t.Fatalf("expected one queue entry for call, got %+v", q)
	}

	ct2, _ := claim(t, s, 2)
	if ct2.ID != "c2" {
		t.Fatalf("in_progress contact must not be claimed twice, got %s", ct2.ID)
	}
	if _, _, ok, err := s.ClaimNextContact(context.Background(), ClaimRequest{CallID: "x", QueueEntryID: "y", Now: t0}); err != nil || ok {
		t.Fatalf("expected exhausted pool, ok=%v err=%v", ok, err)
	}
}

func TestClaimNextContact_SkipsExcludedPhones(t *testing.T) {
	s := seededStore()
	ct, _, ok, err := s.ClaimNextContact(context.Background(), ClaimRequest{
		CallID: "call-1", QueueEntryID: "q-1", Now: t0,
		ExcludePhones: []string{"+15551234567"},
	})
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if ct.ID != "c2" {
		t.Fatalf("expected excluded phone skipped, got %s", ct.ID)
	}
}

func TestClaimNextContact_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 20; i++ {
		s.PutContact(Contact{ID: fmt.Sprintf("c%02d", i), PhoneNumber: fmt.Sprintf("+1555000%04d", i), CreatedAt: t0})
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ct, _, ok, err := s.ClaimNextContact(context.Background(), ClaimRequest{
				CallID: fmt.Sprintf("call-%d", i), QueueEntryID: fmt.Sprintf("q-%d", i), Now: t0,
			})
			if err != nil || !ok {
				return
			}
			mu.Lock()
			seen[ct.ID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("expected all 20 contacts claimed once, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("contact %s claimed %d times", id, n)
		}
	}
}

func TestAssignAgent_ConcurrentSameAgentOneWinner(t *testing.T) {
	s := seededStore()
	_, callA := claim(t, s, 1)
	_, callB := claim(t, s, 2)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		unavail  int
		otherErr error
	)
	for _, id := range []string{callA.ID, callB.ID, callA.ID, callB.ID} {
		wg.Add(1)
		go func(callID string) {
			defer wg.Done()
			_, _, err := s.AssignAgent(context.Background(), callID, "a1", t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAgentUnavailable), errors.Is(err, ErrCallNotAssignable):
				unavail++
			default:
				otherErr = err
			}
		}(id)
	}
	wg.Wait()
	if otherErr != nil {
		t.Fatalf("unexpected error: %v", otherErr)
	}
	if wins != 1 || unavail != 3 {
		t.Fatalf("expected exactly one winner, got wins=%d losers=%d", wins, unavail)
	}

	active, _ := s.ListActiveCalls(context.Background())
	bound := 0
	for _, ac := range active {
		if ac.AgentID == "a1" {
			bound++
		}
	}
	if bound != 1 {
		t.Fatalf("agent double-booked: %d calls", bound)
	}
}

func TestAssignAgent_LoserSeesAgentUnavailable(t *testing.T) {
	s := seededStore()
	_, callA := claim(t, s, 1)
	_, callB := claim(t, s, 2)
	if _, _, err := s.AssignAgent(context.Background(), callA.ID, "a1", t0); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, _, err := s.AssignAgent(context.Background(), callB.ID, "a1", t0); !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}
	if _, _, err := s.AssignAgent(context.Background(), callA.ID, "a2", t0); !errors.Is(err, ErrCallNotAssignable) {
		t.Fatalf("expected ErrCallNotAssignable for bound call, got %v", err)
	}
	q, _ := s.ListQueue(context.Background())
	if len(q) != 1 || q[0].CallID != callB.ID {
		t.Fatalf("expected only unassigned call queued, got %+v", q)
	}
}

func TestFinishCall_FreesAgentAndIsIdempotent(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_, call := claim(t, s, 1)
	if _, err := s.MarkOriginated(ctx, call.ID, "CA123", t0); err != nil {
		t.Fatalf("originate: %v", err)
	}
	if _, err := s.MarkAnswered(ctx, call.ID, t0.Add(5*time.Second)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, _, err := s.AssignAgent(ctx, call.ID, "a1", t0.Add(5*time.Second)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	fin := Finish{Status: CallCompleted, ContactStatus: ContactContacted, At: t0.Add(65 * time.Second)}
	got, changed, err := s.FinishCall(ctx, call.ID, fin)
	if err != nil || !changed {
		t.Fatalf("finish: changed=%v err=%v", changed, err)
	}
	if got.DurationSeconds != 60 || got.EndedAt == nil {
		t.Fatalf("unexpected finished call %+v", got)
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a.Status != AgentAvailable || a.CurrentCallID != "" {
		t.Fatalf("expected agent freed, got %+v", a)
	}
	ct, _ := s.GetContact(ctx, "c1")
	if ct.Status != ContactContacted {
		t.Fatalf("expected contact contacted, got %s", ct.Status)
	}

	// Rebind the agent elsewhere; a repeated finish must not free it again.
	_, other := claim(t, s, 2)
	if _, _, err := s.AssignAgent(ctx, other.ID, "a1", t0.Add(70*time.Second)); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if _, changed, err := s.FinishCall(ctx, call.ID, fin); err != nil || changed {
		t.Fatalf("second finish: changed=%v err=%v", changed, err)
	}
	a, _ = s.GetAgent(ctx, "a1")
	if a.CurrentCallID != other.ID {
		t.Fatalf("second finish freed the agent: %+v", a)
	}
}

func TestFinishCall_OfflineAgentStaysOffline(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_, call := claim(t, s, 1)
	if _, _, err := s.AssignAgent(ctx, call.ID, "a1", t0); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := s.SetAgentStatus(ctx, "a1", AgentOffline, t0); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if _, _, err := s.FinishCall(ctx, call.ID, Finish{Status: CallCompleted, ContactStatus: ContactContacted, At: t0}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a.Status != AgentOffline || a.CurrentCallID != "" {
		t.Fatalf("expected offline agent released but still offline, got %+v", a)
	}
}

func TestMarkOriginated_AfterTerminalKeepsStatus(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_, call := claim(t, s, 1)
	if _, _, err := s.FinishCall(ctx, call.ID, Finish{Status: CallCompleted, ContactStatus: ContactNoAnswer, At: t0}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := s.MarkOriginated(ctx, call.ID, "CA9", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	if got.Status != CallCompleted || got.ProviderCallID != "CA9" {
		t.Fatalf("expected terminal status kept with provider id recorded, got %+v", got)
	}
	if _, err := s.MarkOriginated(ctx, call.ID, "CA10", t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected conflicting provider id rejected, got %v", err)
	}
}

func TestSetAgentStatus_BoundAgentCannotBecomeAvailable(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_, call := claim(t, s, 1)
	if _, _, err := s.AssignAgent(ctx, call.ID, "a1", t0); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := s.SetAgentStatus(ctx, "a1", AgentAvailable, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestListAvailableAgents_LongestIdleFirst(t *testing.T) {
	s := seededStore()
	got, _ := s.ListAvailableAgents(context.Background())
	if len(got) != 2 || got[0].ID != "a2" {
		t.Fatalf("expected a2 first, got %+v", got)
	}
}

func TestQueueEntryBefore(t *testing.T) {
	a := QueueEntry{ID: "b", Priority: 1, CreatedAt: t0.Add(time.Second)}
	b := QueueEntry{ID: "a", Priority: 2, CreatedAt: t0}
	if !a.Before(b) {
		t.Fatalf("lower priority number should win")
	}
	c := QueueEntry{ID: "c", Priority: 1, CreatedAt: t0}
	if !c.Before(a) {
		t.Fatalf("older entry should win a priority tie")
	}
}

func TestBeginOriginate_OnlyOnce(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_, call := claim(t, s, 1)

	got, err := s.BeginOriginate(ctx, call.ID, t0.Add(time.Minute))
	if err != nil || got.StartedAt == nil {
		t.Fatalf("first claim: %+v %v", got, err)
	}
	if _, err := s.BeginOriginate(ctx, call.ID, t0.Add(time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second claim, got %v", err)
	}
	if _, err := s.BeginOriginate(ctx, "missing", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaleCutoffs(t *testing.T) {
	answered := t0.Add(time.Minute)
	cut := StaleCutoffs{Pending: t0.Add(10 * time.Minute), Connected: t0.Add(-time.Hour)}
	cases := []struct {
		name string
		call Call
		want bool
	}{
		{"old pending", Call{Status: CallQueued, CreatedAt: t0, UpdatedAt: t0}, true},
		{"fresh pending", Call{Status: CallInProgress, CreatedAt: t0.Add(11 * time.Minute), UpdatedAt: t0.Add(11 * time.Minute)}, false},
		{"answered", Call{Status: CallInProgress, CreatedAt: t0, UpdatedAt: answered, AnsweredAt: &answered}, false},
		{"agent bound", Call{Status: CallInProgress, AgentID: "a1", CreatedAt: t0, UpdatedAt: t0}, false},
		{"abandoned connected", Call{Status: CallInProgress, AgentID: "a1", CreatedAt: t0.Add(-3 * time.Hour), UpdatedAt: t0.Add(-2 * time.Hour)}, true},
		{"terminal", Call{Status: CallCompleted, CreatedAt: t0.Add(-3 * time.Hour)}, false},
	}
	for _, tc := range cases {
		if got := cut.Stale(tc.call); got != tc.want {
			t.Fatalf("%s: Stale = %v, want %v", tc.name, got, tc.want)
		}
	}
}
