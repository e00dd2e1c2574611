package disposition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"crm-dialer/internal/activity"
	"crm-dialer/internal/calls"
)

type failingActivity struct{}

func (failingActivity) LogDispositionChange(context.Context, []int64, string, string, string) error {
	return errors.New("activity store down")
}

type recordingEnder struct {
	refs []string
	err  error
}

func (r *recordingEnder) EndCall(_ context.Context, ref string) (calls.Call, error) {
	r.refs = append(r.refs, ref)
	return calls.Call{}, r.err
}

func newTestService(t *testing.T, leads ...int64) (*Service, *MemoryLeadStore, *activity.MemoryRepo, *recordingEnder) {
	t.Helper()
	store := NewMemoryLeadStore()
	for _, id := range leads {
		store.Put(Lead{ID: id, Disposition: NotContacted})
	}
	repo := activity.NewMemoryRepo()
	ender := &recordingEnder{}
	svc := NewService(store, activity.NewService(repo), ender, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.clock = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return svc, store, repo, ender
}

func TestParse(t *testing.T) {
	cases := map[string]Disposition{
		"Dead":            Dead,
		"dead":            Dead,
		"appointment_set": AppointmentSet,
		" Not  Contacted": NotContacted,
		"dnc":             DNC,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil || got != want {
			t.Fatalf("Parse(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := Parse("Bogus"); !errors.Is(err, ErrInvalidDisposition) {
		t.Fatalf("expected ErrInvalidDisposition, got %v", err)
	}
}

func TestSet_BulkUpdatesAndLogsEachLead(t *testing.T) {
	svc, store, repo, _ := newTestService(t, 1, 2, 3)

	res, err := svc.Set(context.Background(), "u1", Request{LeadIDs: []int64{1, 2, 3}, Disposition: "Dead"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if res.Updated != 3 || len(res.Data) != 3 {
		t.Fatalf("expected 3 updated, got %+v", res)
	}
	for i, item := range res.Data {
		if item.ID != int64(i+1) || item.Disposition != Dead {
			t.Fatalf("unexpected item %+v", item)
		}
		if l, _ := store.Get(item.ID); l.Disposition != Dead {
			t.Fatalf("lead %d not updated", item.ID)
		}
	}

	entries := repo.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 activity rows, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Type != activity.TypeDispositionChange {
			t.Fatalf("unexpected activity type %q", e.Type)
		}
	}
}

func TestSet_InvalidDispositionTouchesNothing(t *testing.T) {
	svc, store, repo, ender := newTestService(t, 1)

	_, err := svc.Set(context.Background(), "u1", Request{LeadID: 1, Disposition: "Bogus", CallSid: "CA1"})
	if !errors.Is(err, ErrInvalidDisposition) {
		t.Fatalf("expected ErrInvalidDisposition, got %v", err)
	}
	if l, _ := store.Get(1); l.Disposition != NotContacted {
		t.Fatalf("lead mutated on invalid request")
	}
	if len(repo.Entries()) != 0 || len(ender.refs) != 0 {
		t.Fatalf("side effects on invalid request")
	}
}

func TestSet_OversizedBatchRejected(t *testing.T) {
	ids := make([]int64, MaxBatchSize+1)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	svc, store, repo, _ := newTestService(t, ids...)

	_, err := svc.Set(context.Background(), "u1", Request{LeadIDs: ids, Disposition: "Dead"})
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
	for _, id := range ids {
		if l, _ := store.Get(id); l.Disposition != NotContacted {
			t.Fatalf("lead %d mutated", id)
		}
	}
	if len(repo.Entries()) != 0 {
		t.Fatalf("activity written for rejected batch")
	}
}

func TestSet_MaxBatchAccepted(t *testing.T) {
	ids := make([]int64, MaxBatchSize)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	svc, _, repo, _ := newTestService(t, ids...)

	res, err := svc.Set(context.Background(), "u1", Request{LeadIDs: ids, Disposition: "submitted"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if res.Updated != MaxBatchSize || len(repo.Entries()) != MaxBatchSize {
		t.Fatalf("expected %d updates and entries, got %d/%d", MaxBatchSize, res.Updated, len(repo.Entries()))
	}
}

func TestSet_MissingLeadRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.Set(context.Background(), "u1", Request{Disposition: "Dead"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := svc.Set(context.Background(), "u1", Request{LeadIDs: []int64{1, -2}, Disposition: "Dead"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for negative id, got %v", err)
	}
}

func TestSet_ActivityFailureIsSoftWarning(t *testing.T) {
	store := NewMemoryLeadStore()
	store.Put(Lead{ID: 7, Disposition: NotContacted})
	svc := NewService(store, failingActivity{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := svc.Set(context.Background(), "u1", Request{LeadID: 7, Disposition: "Contacted"})
	if err != nil {
		t.Fatalf("secondary failure must not fail the operation: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", res.Warnings)
	}
	if l, _ := store.Get(7); l.Disposition != Contacted {
		t.Fatalf("primary update must stand")
	}
}

func TestSet_EndsReferencedCall(t *testing.T) {
	svc, _, _, ender := newTestService(t, 1)
	ender.err = errors.New("placement failure")

	res, err := svc.Set(context.Background(), "u1", Request{LeadID: 1, Disposition: "Appointment Set", CallSid: "CA123"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(ender.refs) != 1 || ender.refs[0] != "CA123" {
		t.Fatalf("expected call CA123 ended, got %v", ender.refs)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected end-call failure as warning, got %+v", res.Warnings)
	}
}
