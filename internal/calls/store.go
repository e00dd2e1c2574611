package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAgentUnavailable  = errors.New("agent unavailable")
	ErrCallNotAssignable = errors.New("call not assignable")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// ClaimRequest describes a new dial attempt. IDs are minted by the caller so
// retries and logs can reference them before the store round-trip.
type ClaimRequest struct {
	CallID       string
	QueueEntryID string
	SessionID    string
	Priority     int

	// PreferredAgentID is recorded on the queue entry for dispatch.
	PreferredAgentID string

	// ExcludePhones lists numbers that must not be claimed, e.g. ones that
	// reached their attempt limit in this session.
	ExcludePhones []string

	Now time.Time
}

// Finish describes how a call ended.
type Finish struct {
	Status        CallStatus
	ContactStatus ContactStatus
	At            time.Time

	// DurationSeconds overrides the computed answered-to-ended duration when > 0.
	DurationSeconds int
}

func (f Finish) validate() error {
	if !f.Status.IsTerminal() {
		return ErrInvalidArgument
	}
	switch f.ContactStatus {
	case ContactContacted, ContactVoicemail, ContactNoAnswer, ContactNotContacted:
		return nil
	default:
		return ErrInvalidArgument
	}
}

// StaleCutoffs splits non-terminal calls into two populations. A pending
// call was never answered and has no agent; it is stale once created
// before Pending. A connected call was answered or holds an agent; it is
// stale only once its last update is before Connected.
type StaleCutoffs struct {
	Pending   time.Time
	Connected time.Time
}

// Stale reports whether c matches the cutoffs.
func (s StaleCutoffs) Stale(c Call) bool {
	if c.Status.IsTerminal() {
		return false
	}
	if c.AnsweredAt != nil || c.AgentID != "" {
		return c.UpdatedAt.Before(s.Connected)
	}
	return c.CreatedAt.Before(s.Pending)
}

// Store is the relational state shared by every dialer process. All
// multi-row transitions are atomic.
type Store interface {
	// ClaimNextContact picks the next dialable contact, marks it in_progress,
	// and creates a queued call plus its queue entry. ok is false when the
	// pool is exhausted.
	ClaimNextContact(ctx context.Context, req ClaimRequest) (contact Contact, call Call, ok bool, err error)

	GetCall(ctx context.Context, callID string) (Call, error)
	GetCallByProviderID(ctx context.Context, providerCallID string) (Call, error)

	// BeginOriginate claims a queued, never-dialed call for placement by
	// stamping StartedAt. Only one caller wins; the rest get
	// ErrInvalidTransition and must not dial.
	BeginOriginate(ctx context.Context, callID string, at time.Time) (Call, error)

	// MarkOriginated records the provider call id. A queued call moves to
	// in_progress; a call that already advanced keeps its status.
	MarkOriginated(ctx context.Context, callID, providerCallID string, at time.Time) (Call, error)

	// MarkAnswered stamps the first answer time and moves a queued call to in_progress.
	MarkAnswered(ctx context.Context, callID string, at time.Time) (Call, error)

	SetMachineDetection(ctx context.Context, callID string, md MachineDetection, at time.Time) (Call, error)

	// FinishCall moves a call to a terminal status, frees its agent, removes
	// its queue entry and settles the contact. changed is false when the call
	// was already terminal, in which case nothing is written.
	FinishCall(ctx context.Context, callID string, f Finish) (call Call, changed bool, err error)

	// AssignAgent binds an available agent to a queued or in_progress call
	// that has no agent yet. It is a compare-and-set on the agent status.
	AssignAgent(ctx context.Context, callID, agentID string, at time.Time) (Call, Agent, error)

	SetAgentStatus(ctx context.Context, agentID string, status AgentStatus, at time.Time) (Agent, error)
	GetAgent(ctx context.Context, agentID string) (Agent, error)
	GetAgentByUserID(ctx context.Context, userID string) (Agent, error)

	// ListAvailableAgents returns idle agents, longest idle first.
	ListAvailableAgents(ctx context.Context) ([]Agent, error)

	// ListQueue returns pending entries in dispatch order.
	ListQueue(ctx context.Context) ([]QueueEntry, error)

	ListActiveCalls(ctx context.Context) ([]ActiveCall, error)

	// ListStaleCalls returns non-terminal calls whose final status never
	// arrived, per the cutoffs.
	ListStaleCalls(ctx context.Context, cutoffs StaleCutoffs) ([]Call, error)

	// ListCalls returns calls created in [from, to).
	ListCalls(ctx context.Context, from, to time.Time) ([]Call, error)
}

func durationBetween(from *time.Time, to time.Time) int {
	if from == nil || to.Before(*from) {
		return 0
	}
	return int(to.Sub(*from).Seconds())
}
