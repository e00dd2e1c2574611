package calls

import "time"

// Contact is a dialable lead as the dialer sees it. LeadID links back to the
// CRM lead row that carries the disposition; it is zero for ad-hoc contacts.
type Contact struct {
	ID          string        `json:"id"`
	LeadID      int64         `json:"lead_id,omitempty"`
	PhoneNumber string        `json:"phone_number"`
	Name        string        `json:"name"`
	Status      ContactStatus `json:"status"`
	LastCallAt  *time.Time    `json:"last_call_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type ContactStatus string

const (
	ContactNotContacted ContactStatus = "not_contacted"
	ContactInProgress   ContactStatus = "in_progress"
	ContactContacted    ContactStatus = "contacted"
	ContactVoicemail    ContactStatus = "voicemail"
	ContactNoAnswer     ContactStatus = "no_answer"
)

// Dialable reports whether a contact in this status may be claimed for a new attempt.
func (s ContactStatus) Dialable() bool {
	return s == ContactNotContacted || s == ContactNoAnswer
}

// Agent is a human operator. CurrentCallID is set exactly while a
// non-terminal call is bound to the agent.
type Agent struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Status          AgentStatus `json:"status"`
	CurrentCallID   string      `json:"current_call_id,omitempty"`
	StatusChangedAt time.Time   `json:"status_changed_at"`
}

type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentOffline   AgentStatus = "offline"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentOffline:
		return true
	default:
		return false
	}
}

// Call is one placed or attempted connection to a contact.
//
// Status only moves forward: queued -> in_progress -> completed|failed,
// or straight from queued to a terminal status. A call without a
// ProviderCallID has never been originated.
type Call struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"session_id,omitempty"`
	ContactID        string           `json:"contact_id,omitempty"`
	AgentID          string           `json:"agent_id,omitempty"`
	ProviderCallID   string           `json:"provider_call_id,omitempty"`
	PhoneNumber      string           `json:"phone_number"`
	Status           CallStatus       `json:"status"`
	MachineDetection MachineDetection `json:"machine_detection"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	DurationSeconds int `json:"duration"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
)

func (s CallStatus) IsTerminal() bool {
	return s == CallCompleted || s == CallFailed
}

type MachineDetection string

const (
	DetectionHuman   MachineDetection = "human"
	DetectionMachine MachineDetection = "machine"
	DetectionUnknown MachineDetection = "unknown"
)

// QueueEntry is a call waiting for an agent. Lower Priority is more urgent;
// ties go to the older entry, then the lower ID. AssignedAgentID, when set,
// is the agent the dispatcher should try first.
type QueueEntry struct {
	ID              string    `json:"id"`
	CallID          string    `json:"call_id"`
	Priority        int       `json:"priority"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Before orders queue entries for dispatch.
func (q QueueEntry) Before(o QueueEntry) bool {
	if q.Priority != o.Priority {
		return q.Priority < o.Priority
	}
	if !q.CreatedAt.Equal(o.CreatedAt) {
		return q.CreatedAt.Before(o.CreatedAt)
	}
	return q.ID < o.ID
}

// ActiveCall is a non-terminal call with its linkage, for dashboards.
type ActiveCall struct {
	Call
	Contact *Contact    `json:"contact,omitempty"`
	Agent   *Agent      `json:"agent,omitempty"`
	Queue   *QueueEntry `json:"queue,omitempty"`
}

// Unassigned reports whether the call has been originated but nobody is on it.
func (a ActiveCall) Unassigned() bool {
	return a.Status == CallInProgress && a.AgentID == ""
}
