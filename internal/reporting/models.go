package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest filters are optional except Range.
type CallsSummaryRequest struct {
	Range     TimeRange `json:"range"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

type CallsSummary struct {
	Range     TimeRange `json:"range"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	QueuedCalls     int `json:"queued_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`

	AnsweredCalls  int `json:"answered_calls"`
	HumanAnswers   int `json:"human_answers"`
	MachineAnswers int `json:"machine_answers"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// ConnectionRate is answered over attempted.
	ConnectionRate float64 `json:"connection_rate"`

	PerAgent []AgentSummary `json:"per_agent,omitempty"`
}

type AgentSummary struct {
	AgentID              string `json:"agent_id"`
	Calls                int    `json:"calls"`
	TotalDurationSeconds int    `json:"total_duration_seconds"`
}
