package callstatus

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingRequiredCallData = errors.New("missing required call data")
	ErrUnknownStatus           = errors.New("unknown call status")
)

// ProviderStatus is a normalized provider call status.
type ProviderStatus string

const (
	StatusQueued     ProviderStatus = "queued"
	StatusRinging    ProviderStatus = "ringing"
	StatusInProgress ProviderStatus = "in-progress"
	StatusCompleted  ProviderStatus = "completed"
	StatusBusy       ProviderStatus = "busy"
	StatusNoAnswer   ProviderStatus = "no-answer"
	StatusFailed     ProviderStatus = "failed"
	StatusCanceled   ProviderStatus = "canceled"
)

// Normalize maps provider spellings onto ProviderStatus.
func Normalize(raw string) (ProviderStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	switch s {
	case "queued", "initiated":
		return StatusQueued, true
	case "ringing":
		return StatusRinging, true
	case "in-progress", "answered":
		return StatusInProgress, true
	case "completed":
		return StatusCompleted, true
	case "busy":
		return StatusBusy, true
	case "no-answer":
		return StatusNoAnswer, true
	case "failed":
		return StatusFailed, true
	case "canceled", "cancelled":
		return StatusCanceled, true
	default:
		return "", false
	}
}

func (s ProviderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Update is one recorded status event.
type Update struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id,omitempty"`
	CallID         string         `json:"call_id,omitempty"`
	ProviderCallID string         `json:"provider_call_id"`
	Status         ProviderStatus `json:"status"`
	RawStatus      string         `json:"raw_status"`

	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	DurationSeconds int    `json:"duration,omitempty"`
	AnsweredBy      string `json:"answered_by,omitempty"`

	// OccurredAt orders updates for last-write-wins; ReceivedAt is the server stamp.
	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// Key is the subject updates are grouped under: the session when known,
// otherwise the provider call.
func (u Update) Key() string {
	if u.SessionID != "" {
		return SessionKey(u.SessionID)
	}
	return "call:" + u.ProviderCallID
}

func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// newerThan reports whether u should replace o as the latest state.
func (u Update) newerThan(o Update) bool {
	if !u.OccurredAt.Equal(o.OccurredAt) {
		return u.OccurredAt.After(o.OccurredAt)
	}
	return !u.ReceivedAt.Before(o.ReceivedAt)
}
