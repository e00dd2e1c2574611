package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"

	"github.com/google/uuid"
)

// Config holds orchestration knobs.
type Config struct {
	// CallbackBaseURL is the public origin the provider reaches webhooks on.
	CallbackBaseURL string
	FromNumber      string

	// MaxAttemptsPerNumber caps attempts per phone number within a session.
	// Zero disables the cap.
	MaxAttemptsPerNumber int

	// DefaultPriority is stamped on queue entries; lower is more urgent.
	DefaultPriority int

	RingTimeoutSeconds int
}

// NextContactResult is either Found or Exhausted.
type NextContactResult interface {
	isNextContactResult()
}

// Found is a claimed contact with the queued call created for it.
type Found struct {
	Contact calls.Contact `json:"contact"`
	Call    calls.Call    `json:"call"`
	Attempt int           `json:"attempt"`
}

// Exhausted means no dialable contact remains for the session.
type Exhausted struct{}

func (Found) isNextContactResult() {}
func (Exhausted) isNextContactResult() {}

// Orchestrator drives calls through their lifecycle: claim, originate,
// answer, assign and end.
type Orchestrator struct {
	store    calls.Store
	gateway  telephony.Gateway
	sessions *SessionStore
	cfg      Config
	limiter  CallLimiter
	log      *slog.Logger
	clock    func() time.Time
	newID    func() string
}

func NewOrchestrator(store calls.Store, gateway telephony.Gateway, sessions *SessionStore, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		gateway:  gateway,
		sessions: sessions,
		cfg:      cfg,
		limiter:  noLimit{},
		log:      logger.OrDefault(nil),
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.log = logger.OrDefault(l)
	return o
}

func (o *Orchestrator) WithLimiter(l CallLimiter) *Orchestrator {
	if l == nil {
		l = noLimit{}
	}
	o.limiter = l
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.clock = now
	return o
}

func (o *Orchestrator) Sessions() *SessionStore { return o.sessions }

// RequestNextContact claims the next dialable contact for the session and
// creates a queued call for it. userID, when it maps to an agent, becomes
// the preferred agent on the queue entry.
func (o *Orchestrator) RequestNextContact(ctx context.Context, sessionID, userID string) (NextContactResult, error) {
	if _, err := o.sessions.Acquire(sessionID); err != nil {
		return nil, err
	}

	preferred := ""
	if userID != "" {
		agent, err := o.store.GetAgentByUserID(ctx, userID)
		switch {
		case err == nil:
			preferred = agent.ID
		case !errors.Is(err, calls.ErrNotFound):
			return nil, err
		}
	}

	contact, call, ok, err := o.store.ClaimNextContact(ctx, calls.ClaimRequest{
		CallID:           o.newID(),
		QueueEntryID:     o.newID(),
		SessionID:        sessionID,
		Priority:         o.cfg.DefaultPriority,
		PreferredAgentID: preferred,
		ExcludePhones:    o.sessions.ExhaustedPhones(sessionID, o.cfg.MaxAttemptsPerNumber),
		Now:              o.clock(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return Exhausted{}, nil
	}

	attempt, err := o.sessions.RecordAttempt(sessionID, contact.PhoneNumber)
	if err != nil {
		// The session died between acquire and claim; hand the contact back.
		if _, _, ferr := o.store.FinishCall(ctx, call.ID, calls.Finish{
			Status:        calls.CallFailed,
			ContactStatus: calls.ContactNotContacted,
			At:            o.clock(),
		}); ferr != nil {
			o.log.Error("release claimed contact failed", "call_id", call.ID, "error", ferr)
		}
		return nil, err
	}

	o.log.Info("contact claimed",
		"session_id", sessionID,
		"call_id", call.ID,
		"contact_id", contact.ID,
		"attempt", attempt,
	)
	return Found{Contact: contact, Call: call, Attempt: attempt}, nil
}

func (o *Orchestrator) callbackURL(path string, q url.Values) string {
	return strings.TrimRight(o.cfg.CallbackBaseURL, "/") + path + "?" + q.Encode()
}

// OriginateCall asks the gateway to place a queued call. to overrides the
// number stored on the call when set. A gateway failure marks the call
// failed and returns ErrPlacementFailure; it is never retried here.
//
// The call is claimed in the store before the gateway is contacted, so of
// two concurrent originations only one reaches the provider.
func (o *Orchestrator) OriginateCall(ctx context.Context, callID, to string) (calls.Call, error) {
	call, err := o.store.BeginOriginate(ctx, callID, o.clock())
	if err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) {
			return call, fmt.Errorf("%w: call %s is %s or already dialing", calls.ErrInvalidTransition, callID, call.Status)
		}
		return calls.Call{}, err
	}
	if to == "" {
		to = call.PhoneNumber
	}

	acquired, err := o.limiter.Acquire(ctx, callID)
	if err != nil {
		o.log.Warn("call limiter unavailable, dialing anyway", "call_id", callID, "error", err)
		acquired = true
	}
	if !acquired {
		o.abandon(ctx, call)
		return calls.Call{}, ErrCapacityReached
	}

	statusQ := url.Values{"call_id": {call.ID}}
	if call.SessionID != "" {
		statusQ.Set("session_id", call.SessionID)
	}
	providerCallID, err := o.gateway.Originate(ctx, telephony.OriginateRequest{
		To:                  to,
		From:                o.cfg.FromNumber,
		AnswerURL:           o.callbackURL("/webhooks/twilio/answer", url.Values{"call_id": {call.ID}}),
		StatusCallbackURL:   o.callbackURL("/webhooks/twilio/status", statusQ),
		MachineDetectionURL: o.callbackURL("/webhooks/twilio/amd", statusQ),
		RingTimeoutSeconds:  o.cfg.RingTimeoutSeconds,
	})
	if err != nil {
		o.release(ctx, callID)
		o.abandon(ctx, call)
		o.log.Error("originate failed", "call_id", callID, "gateway", o.gateway.Name(), "error", err)
		return calls.Call{}, fmt.Errorf("%w: originate %s: %w", ErrPlacementFailure, callID, err)
	}

	now := o.clock()
	if call.SessionID != "" {
		attempt := 0
		if sess, ok := o.sessions.Snapshot(call.SessionID); ok {
			attempt = sess.Attempts[call.PhoneNumber]
		}
		if err := o.sessions.TrackCall(call.SessionID, providerCallID, InFlightCall{
			CallID:      call.ID,
			PhoneNumber: to,
			StartedAt:   now,
			Attempt:     attempt,
		}); err != nil {
			o.log.Warn("track in-flight call failed", "session_id", call.SessionID, "error", err)
		}
	}

	marked, err := o.store.MarkOriginated(ctx, callID, providerCallID, now)
	if err != nil {
		o.unwindOriginate(ctx, call, providerCallID)
		return calls.Call{}, fmt.Errorf("%w: record %s: %w", ErrPlacementFailure, callID, err)
	}
	o.log.Info("call originated", "call_id", callID, "provider_call_id", providerCallID)
	return marked, nil
}

// unwindOriginate hangs up a placed call that could not be recorded and
// gives back everything OriginateCall took for it.
func (o *Orchestrator) unwindOriginate(ctx context.Context, call calls.Call, providerCallID string) {
	o.log.Error("record originated call failed, hanging up", "call_id", call.ID, "provider_call_id", providerCallID)
	if err := o.gateway.Terminate(ctx, providerCallID); err != nil {
		o.log.Error("hang up unrecorded call", "call_id", call.ID, "provider_call_id", providerCallID, "error", err)
	}
	if call.SessionID != "" {
		o.sessions.UntrackCall(call.SessionID, providerCallID)
	}
	o.release(ctx, call.ID)
	o.abandon(ctx, call)
}

// abandon fails a never-originated call and returns its contact to the pool.
func (o *Orchestrator) abandon(ctx context.Context, call calls.Call) {
	if _, _, err := o.store.FinishCall(ctx, call.ID, calls.Finish{
		Status:        calls.CallFailed,
		ContactStatus: calls.ContactNotContacted,
		At:            o.clock(),
	}); err != nil {
		o.log.Error("fail unplaced call", "call_id", call.ID, "error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, callID string) {
	if err := o.limiter.Release(ctx, callID); err != nil {
		o.log.Warn("call limiter release failed", "call_id", callID, "error", err)
	}
}

// AssignAgent binds an available agent to a call. Of two concurrent
// assignments to one agent exactly one wins; the loser gets
// calls.ErrAgentUnavailable or calls.ErrCallNotAssignable.
func (o *Orchestrator) AssignAgent(ctx context.Context, callID, agentID string) (calls.Call, calls.Agent, error) {
	if callID == "" || agentID == "" {
		return calls.Call{}, calls.Agent{}, ErrInvalidArgument
	}
	call, agent, err := o.store.AssignAgent(ctx, callID, agentID, o.clock())
	if err != nil {
		return calls.Call{}, calls.Agent{}, err
	}
	o.log.Info("agent assigned", "call_id", callID, "agent_id", agentID)
	return call, agent, nil
}

// DispatchCall connects a call to the preferred agent when free, otherwise
// to the longest-idle one. ok is false when nobody could take it; the call
// stays queued for the next dispatch.
func (o *Orchestrator) DispatchCall(ctx context.Context, callID string) (calls.Agent, bool, error) {
	queue, err := o.store.ListQueue(ctx)
	if err != nil {
		return calls.Agent{}, false, err
	}
	var preferred string
	found := false
	for _, q := range queue {
		if q.CallID == callID {
			preferred, found = q.AssignedAgentID, true
			break
		}
	}
	if !found {
		return calls.Agent{}, false, nil
	}

	agents, err := o.store.ListAvailableAgents(ctx)
	if err != nil {
		return calls.Agent{}, false, err
	}
	candidates := make([]string, 0, len(agents)+1)
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	for _, a := range agents {
		if a.ID != preferred {
			candidates = append(candidates, a.ID)
		}
	}

	for _, agentID := range candidates {
		_, agent, err := o.AssignAgent(ctx, callID, agentID)
		switch {
		case err == nil:
			return agent, true, nil
		case errors.Is(err, calls.ErrAgentUnavailable), errors.Is(err, calls.ErrNotFound):
			continue
		case errors.Is(err, calls.ErrCallNotAssignable):
			return calls.Agent{}, false, nil
		default:
			return calls.Agent{}, false, err
		}
	}
	return calls.Agent{}, false, nil
}

// Dispatch walks the queue in priority order and connects answered calls
// to free agents. It returns how many calls were assigned.
func (o *Orchestrator) Dispatch(ctx context.Context) (int, error) {
	queue, err := o.store.ListQueue(ctx)
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, q := range queue {
		call, err := o.store.GetCall(ctx, q.CallID)
		if err != nil {
			if errors.Is(err, calls.ErrNotFound) {
				continue
			}
			return assigned, err
		}
		if call.AnsweredAt == nil || call.AgentID != "" || call.Status.IsTerminal() {
			continue
		}
		_, ok, err := o.DispatchCall(ctx, call.ID)
		if err != nil {
			return assigned, err
		}
		if ok {
			assigned++
		}
	}
	return assigned, nil
}

// resolve accepts either an internal call id or a provider call id.
func (o *Orchestrator) resolve(ctx context.Context, ref string) (calls.Call, error) {
	if ref == "" {
		return calls.Call{}, ErrInvalidArgument
	}
	call, err := o.store.GetCall(ctx, ref)
	if errors.Is(err, calls.ErrNotFound) {
		return o.store.GetCallByProviderID(ctx, ref)
	}
	return call, err
}

// EndCall terminates a call by internal or provider id. Ending a call that
// is already terminal is a no-op that returns the stored call.
func (o *Orchestrator) EndCall(ctx context.Context, ref string) (calls.Call, error) {
	call, err := o.resolve(ctx, ref)
	if err != nil {
		return calls.Call{}, err
	}
	if call.Status.IsTerminal() {
		return call, nil
	}
	if call.ProviderCallID != "" {
		err := o.gateway.Terminate(ctx, call.ProviderCallID)
		if err != nil && !errors.Is(err, telephony.ErrCallNotActive) {
			return call, fmt.Errorf("%w: terminate %s: %w", ErrPlacementFailure, call.ProviderCallID, err)
		}
	}
	return o.finish(ctx, call, calls.CallCompleted, contactOutcome(call, ""), 0)
}

// contactOutcome decides how a finished call leaves its contact.
func contactOutcome(call calls.Call, answeredBy string) calls.ContactStatus {
	if call.AnsweredAt == nil {
		return calls.ContactNoAnswer
	}
	if call.MachineDetection == calls.DetectionMachine || detectionFor(answeredBy) == calls.DetectionMachine {
		return calls.ContactVoicemail
	}
	return calls.ContactContacted
}

// finish settles a call once. Side effects after the store write only run
// for the caller that actually moved it to terminal.
func (o *Orchestrator) finish(ctx context.Context, call calls.Call, status calls.CallStatus, contact calls.ContactStatus, duration int) (calls.Call, error) {
	ended, changed, err := o.store.FinishCall(ctx, call.ID, calls.Finish{
		Status:          status,
		ContactStatus:   contact,
		At:              o.clock(),
		DurationSeconds: duration,
	})
	if err != nil {
		return calls.Call{}, err
	}
	if !changed {
		return ended, nil
	}

	if call.ProviderCallID != "" {
		o.release(ctx, call.ID)
		o.sessions.UntrackCall(call.SessionID, call.ProviderCallID)
	}
	o.log.Info("call ended",
		"call_id", call.ID,
		"status", ended.Status,
		"contact_status", contact,
		"duration", ended.DurationSeconds,
	)

	if ended.AgentID != "" {
		if _, err := o.Dispatch(ctx); err != nil {
			o.log.Warn("dispatch after call end failed", "error", err)
		}
	}
	return ended, nil
}

// StopResult reports what StopDialing did.
type StopResult struct {
	Agent      calls.Agent `json:"agent"`
	EndedCalls []string    `json:"ended_calls"`
	Failures   []string    `json:"failures,omitempty"`
}

// StopDialing takes the agent offline and terminates originated calls that
// nobody will pick up: unassigned calls queued for this agent, or every
// unassigned call when no other agent is available. Per-call failures are
// reported, not returned.
func (o *Orchestrator) StopDialing(ctx context.Context, agentID string) (StopResult, error) {
	if agentID == "" {
		return StopResult{}, ErrInvalidArgument
	}
	agent, err := o.store.SetAgentStatus(ctx, agentID, calls.AgentOffline, o.clock())
	if err != nil {
		return StopResult{}, err
	}
	active, err := o.store.ListActiveCalls(ctx)
	if err != nil {
		return StopResult{Agent: agent}, err
	}
	available, err := o.store.ListAvailableAgents(ctx)
	if err != nil {
		return StopResult{Agent: agent}, err
	}

	res := StopResult{Agent: agent, EndedCalls: []string{}}
	for _, ac := range active {
		if !ac.Unassigned() {
			continue
		}
		mine := ac.Queue != nil && ac.Queue.AssignedAgentID == agentID
		if !mine && len(available) > 0 {
			continue
		}
		if _, err := o.EndCall(ctx, ac.ID); err != nil {
			o.log.Warn("stop dialing: end call failed", "call_id", ac.ID, "error", err)
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", ac.ID, err))
			continue
		}
		res.EndedCalls = append(res.EndedCalls, ac.ID)
	}
	o.log.Info("agent stopped dialing", "agent_id", agentID, "ended", len(res.EndedCalls))
	return res, nil
}

// SetAgentStatus changes an agent's presence. Going available triggers a
// dispatch pass so waiting answered calls are connected.
func (o *Orchestrator) SetAgentStatus(ctx context.Context, agentID string, status calls.AgentStatus) (calls.Agent, error) {
	if !status.Valid() {
		return calls.Agent{}, ErrInvalidArgument
	}
	agent, err := o.store.SetAgentStatus(ctx, agentID, status, o.clock())
	if err != nil {
		return calls.Agent{}, err
	}
	if status == calls.AgentAvailable {
		if _, err := o.Dispatch(ctx); err != nil {
			o.log.Warn("dispatch after agent available failed", "error", err)
		}
		if fresh, err := o.store.GetAgent(ctx, agentID); err == nil {
			agent = fresh
		}
	}
	return agent, nil
}

func (o *Orchestrator) ActiveCalls(ctx context.Context) ([]calls.ActiveCall, error) {
	return o.store.ListActiveCalls(ctx)
}

func (o *Orchestrator) GetAgent(ctx context.Context, agentID string) (calls.Agent, error) {
	return o.store.GetAgent(ctx, agentID)
}

func (o *Orchestrator) GetCall(ctx context.Context, ref string) (calls.Call, error) {
	return o.resolve(ctx, ref)
}
