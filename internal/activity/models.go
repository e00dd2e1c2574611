package activity

import "time"

// Entry is an immutable lead activity record.
//
// Entries are never updated or deleted. Writing them is best-effort for
// callers: a failed append must not undo the change it describes.
type Entry struct {
	ID     string    `json:"id" db:"id"`
	LeadID int64     `json:"lead_id" db:"lead_id"`
	Type   EntryType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the change, if any.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	CallID      string `json:"call_id,omitempty" db:"call_id"`

	// Description is the human-readable line shown on the lead timeline.
	Description string `json:"description" db:"description"`

	// Metadata is optional JSON with full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EntryType string

const (
	TypeDispositionChange EntryType = "Disposition Change"
	TypeCall              EntryType = "Call"
)
