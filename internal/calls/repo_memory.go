package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. One mutex guards everything, which
// makes every operation trivially atomic.
type MemoryStore struct {
	mu sync.Mutex

	contacts map[string]Contact
	agents   map[string]Agent
	calls    map[string]Call
	queue    map[string]QueueEntry // by call id
	provider map[string]string     // provider call id -> call id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: map[string]Contact{},
		agents:   map[string]Agent{},
		calls:    map[string]Call{},
		queue:    map[string]QueueEntry{},
		provider: map[string]string{},
	}
}

// PutContact inserts or replaces a contact. Import is owned elsewhere; this
// is for seeding.
func (m *MemoryStore) PutContact(c Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = ContactNotContacted
	}
	m.contacts[c.ID] = c
}

// PutAgent inserts or replaces an agent.
func (m *MemoryStore) PutAgent(a Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

func (m *MemoryStore) GetContact(_ context.Context, id string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ClaimNextContact(_ context.Context, req ClaimRequest) (Contact, Call, bool, error) {
	if req.CallID == "" || req.QueueEntryID == "" {
		return Contact{}, Call{}, false, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[string]struct{}, len(req.ExcludePhones))
	for _, p := range req.ExcludePhones {
		excluded[p] = struct{}{}
	}

	var candidates []Contact
	for _, c := range m.contacts {
		if !c.Status.Dialable() {
			continue
		}
		if _, skip := excluded[c.PhoneNumber]; skip {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return Contact{}, Call{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return contactBefore(candidates[i], candidates[j]) })

	now := req.Now
	c := candidates[0]
	c.Status = ContactInProgress
	c.LastCallAt = &now
	c.UpdatedAt = now
	m.contacts[c.ID] = c

	call := Call{
		ID:               req.CallID,
		SessionID:        req.SessionID,
		ContactID:        c.ID,
		PhoneNumber:      c.PhoneNumber,
		Status:           CallQueued,
		MachineDetection: DetectionUnknown,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.calls[call.ID] = call
	m.queue[call.ID] = QueueEntry{
		ID:              req.QueueEntryID,
		CallID:          call.ID,
		Priority:        req.Priority,
		AssignedAgentID: req.PreferredAgentID,
		CreatedAt:       now,
	}
	return c, call, true, nil
}

// contactBefore orders never-called contacts first, then by least recent
// attempt, then by age.
func contactBefore(a, b Contact) bool {
	switch {
	case a.LastCallAt == nil && b.LastCallAt != nil:
		return true
	case a.LastCallAt != nil && b.LastCallAt == nil:
		return false
	case a.LastCallAt != nil && b.LastCallAt != nil && !a.LastCallAt.Equal(*b.LastCallAt):
		return a.LastCallAt.Before(*b.LastCallAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) GetCall(_ context.Context, callID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) GetCallByProviderID(_ context.Context, providerCallID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.provider[providerCallID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return m.calls[id], nil
}

func (m *MemoryStore) BeginOriginate(_ context.Context, callID string, at time.Time) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Status != CallQueued || c.ProviderCallID != "" || c.StartedAt != nil {
		return c, ErrInvalidTransition
	}
	c.StartedAt = &at
	c.UpdatedAt = at
	m.calls[callID] = c
	return c, nil
}

func (m *MemoryStore) MarkOriginated(_ context.Context, callID, providerCallID string, at time.Time) (Call, error) {
	if providerCallID == "" {
		return Call{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.ProviderCallID != "" && c.ProviderCallID != providerCallID {
		return Call{}, ErrInvalidTransition
	}
	if _, taken := m.provider[providerCallID]; taken && c.ProviderCallID == "" {
		return Call{}, ErrInvalidTransition
	}
	c.ProviderCallID = providerCallID
	if c.StartedAt == nil {
		c.StartedAt = &at
	}
	if c.Status == CallQueued {
		c.Status = CallInProgress
	}
	c.UpdatedAt = at
	m.calls[callID] = c
	m.provider[providerCallID] = callID
	return c, nil
}

func (m *MemoryStore) MarkAnswered(_ context.Context, callID string, at time.Time) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Status.IsTerminal() {
		return c, ErrInvalidTransition
	}
	if c.AnsweredAt == nil {
		c.AnsweredAt = &at
	}
	if c.Status == CallQueued {
		c.Status = CallInProgress
	}
	c.UpdatedAt = at
	m.calls[callID] = c
	return c, nil
}

func (m *MemoryStore) SetMachineDetection(_ context.Context, callID string, md MachineDetection, at time.Time) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	c.MachineDetection = md
	c.UpdatedAt = at
	m.calls[callID] = c
	return c, nil
}

func (m *MemoryStore) FinishCall(_ context.Context, callID string, f Finish) (Call, bool, error) {
	if err := f.validate(); err != nil {
		return Call{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	if c.Status.IsTerminal() {
		return c, false, nil
	}

	at := f.At
	c.Status = f.Status
	c.EndedAt = &at
	c.DurationSeconds = f.DurationSeconds
	if c.DurationSeconds <= 0 {
		c.DurationSeconds = durationBetween(c.AnsweredAt, at)
	}
	c.UpdatedAt = at
	m.calls[callID] = c

	if c.AgentID != "" {
		if a, ok := m.agents[c.AgentID]; ok && a.CurrentCallID == c.ID {
			a.CurrentCallID = ""
			if a.Status == AgentBusy {
				a.Status = AgentAvailable
			}
			a.StatusChangedAt = at
			m.agents[a.ID] = a
		}
	}
	delete(m.queue, callID)

	if ct, ok := m.contacts[c.ContactID]; ok && ct.Status == ContactInProgress {
		ct.Status = f.ContactStatus
		ct.UpdatedAt = at
		m.contacts[ct.ID] = ct
	}
	return c, true, nil
}

func (m *MemoryStore) AssignAgent(_ context.Context, callID, agentID string, at time.Time) (Call, Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, Agent{}, ErrNotFound
	}
	if c.Status.IsTerminal() || c.AgentID != "" {
		return Call{}, Agent{}, ErrCallNotAssignable
	}
	a, ok := m.agents[agentID]
	if !ok {
		return Call{}, Agent{}, ErrNotFound
	}
	if a.Status != AgentAvailable || a.CurrentCallID != "" {
		return Call{}, Agent{}, ErrAgentUnavailable
	}

	a.Status = AgentBusy
	a.CurrentCallID = c.ID
	a.StatusChangedAt = at
	m.agents[a.ID] = a

	c.AgentID = a.ID
	c.UpdatedAt = at
	m.calls[c.ID] = c

	delete(m.queue, c.ID)
	return c, a, nil
}

func (m *MemoryStore) SetAgentStatus(_ context.Context, agentID string, status AgentStatus, at time.Time) (Agent, error) {
	if !status.Valid() {
		return Agent{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return Agent{}, ErrNotFound
	}
	// A bound agent stays busy until its call ends; only offline may be forced.
	if a.CurrentCallID != "" && status == AgentAvailable {
		return Agent{}, ErrInvalidTransition
	}
	if a.Status != status {
		a.Status = status
		a.StatusChangedAt = at
	}
	m.agents[a.ID] = a
	return a, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, agentID string) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) GetAgentByUserID(_ context.Context, userID string) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.UserID == userID {
			return a, nil
		}
	}
	return Agent{}, ErrNotFound
}

func (m *MemoryStore) ListAvailableAgents(_ context.Context) ([]Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Agent
	for _, a := range m.agents {
		if a.Status == AgentAvailable && a.CurrentCallID == "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StatusChangedAt.Equal(out[j].StatusChangedAt) {
			return out[i].StatusChangedAt.Before(out[j].StatusChangedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListQueue(_ context.Context) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueueEntry, 0, len(m.queue))
	for _, q := range m.queue {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *MemoryStore) ListActiveCalls(_ context.Context) ([]ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ActiveCall
	for _, c := range m.calls {
		if c.Status.IsTerminal() {
			continue
		}
		ac := ActiveCall{Call: c}
		if ct, ok := m.contacts[c.ContactID]; ok {
			ac.Contact = &ct
		}
		if a, ok := m.agents[c.AgentID]; ok {
			ac.Agent = &a
		}
		if q, ok := m.queue[c.ID]; ok {
			ac.Queue = &q
		}
		out = append(out, ac)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListStaleCalls(_ context.Context, cutoffs StaleCutoffs) ([]Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if cutoffs.Stale(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListCalls(_ context.Context, from, to time.Time) ([]Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if !c.CreatedAt.Before(from) && c.CreatedAt.Before(to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
