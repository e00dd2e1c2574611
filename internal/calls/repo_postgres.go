package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crm-dialer/pkg/utils"
)

// PostgresStore implements Store on database/sql with the pgx driver.
// Transitions lock the call row first and the agent row second; every
// method that touches both follows that order.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the dialer tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return utils.Migrate(ctx, s.db, Schema)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const callColumns = `id, session_id, contact_id, agent_id, provider_call_id, phone_number, status,
  machine_detection, started_at, answered_at, ended_at, duration_seconds, created_at, updated_at`

const contactColumns = `id, lead_id, phone_number, name, status, last_call_at, created_at, updated_at`

const agentColumns = `id, user_id, status, current_call_id, status_changed_at`

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var contactID, agentID, providerID sql.NullString
	var started, answered, ended sql.NullTime
	if err := row.Scan(
		&c.ID,
		&c.SessionID,
		&contactID,
		&agentID,
		&providerID,
		&c.PhoneNumber,
		&c.Status,
		&c.MachineDetection,
		&started,
		&answered,
		&ended,
		&c.DurationSeconds,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	c.ContactID = contactID.String
	c.AgentID = agentID.String
	c.ProviderCallID = providerID.String
	c.StartedAt = timePtr(started)
	c.AnsweredAt = timePtr(answered)
	c.EndedAt = timePtr(ended)
	return c, nil
}

func scanContact(row rowScanner) (Contact, error) {
	var c Contact
	var leadID sql.NullInt64
	var lastCall sql.NullTime
	if err := row.Scan(
		&c.ID,
		&leadID,
		&c.PhoneNumber,
		&c.Name,
		&c.Status,
		&lastCall,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Contact{}, err
	}
	c.LeadID = leadID.Int64
	c.LastCallAt = timePtr(lastCall)
	return c, nil
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	var current sql.NullString
	if err := row.Scan(&a.ID, &a.UserID, &a.Status, &current, &a.StatusChangedAt); err != nil {
		return Agent{}, err
	}
	a.CurrentCallID = current.String
	return a, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) ClaimNextContact(ctx context.Context, req ClaimRequest) (Contact, Call, bool, error) {
	if req.CallID == "" || req.QueueEntryID == "" {
		return Contact{}, Call{}, false, ErrInvalidArgument
	}
	exclude := req.ExcludePhones
	if exclude == nil {
		exclude = []string{}
	}

	var (
		contact Contact
		call    Call
		found   bool
	)
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// SKIP LOCKED lets concurrent sessions claim different contacts
		// instead of queueing on the same row.
		const pick = `
SELECT ` + contactColumns + `
FROM dialer_contacts
WHERE status IN ('not_contacted','no_answer')
  AND NOT (phone_number = ANY($1::text[]))
ORDER BY last_call_at NULLS FIRST, created_at, id
LIMIT 1
FOR UPDATE SKIP LOCKED
`
		c, err := scanContact(tx.QueryRowContext(ctx, pick, exclude))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		const mark = `
UPDATE dialer_contacts
SET status = 'in_progress', last_call_at = $2, updated_at = $2
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, mark, c.ID, req.Now); err != nil {
			return err
		}
		now := req.Now
		c.Status = ContactInProgress
		c.LastCallAt = &now
		c.UpdatedAt = now

		call = Call{
			ID:               req.CallID,
			SessionID:        req.SessionID,
			ContactID:        c.ID,
			PhoneNumber:      c.PhoneNumber,
			Status:           CallQueued,
			MachineDetection: DetectionUnknown,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		const insCall = `
INSERT INTO dialer_calls (id, session_id, contact_id, phone_number, status, machine_detection, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
`
		if _, err := tx.ExecContext(ctx, insCall,
			call.ID,
			call.SessionID,
			call.ContactID,
			call.PhoneNumber,
			call.Status,
			call.MachineDetection,
			now,
		); err != nil {
			return err
		}

		const insQueue = `
INSERT INTO dialer_queue (id, call_id, priority, assigned_agent_id, created_at)
VALUES ($1,$2,$3,$4,$5)
`
		if _, err := tx.ExecContext(ctx, insQueue,
			req.QueueEntryID,
			call.ID,
			req.Priority,
			nullString(req.PreferredAgentID),
			now,
		); err != nil {
			return err
		}

		contact = c
		found = true
		return nil
	})
	if err != nil {
		return Contact{}, Call{}, false, err
	}
	return contact, call, found, nil
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM dialer_calls WHERE id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, callID))
	return c, notFound(err)
}

func (s *PostgresStore) GetCallByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM dialer_calls WHERE provider_call_id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, providerCallID))
	return c, notFound(err)
}

func lockCall(ctx context.Context, tx *sql.Tx, callID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM dialer_calls WHERE id = $1 FOR UPDATE`
	c, err := scanCall(tx.QueryRowContext(ctx, q, callID))
	return c, notFound(err)
}

func (s *PostgresStore) BeginOriginate(ctx context.Context, callID string, at time.Time) (Call, error) {
	var out Call
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		c, err := lockCall(ctx, tx, callID)
		if err != nil {
			return err
		}
		if c.Status != CallQueued || c.ProviderCallID != "" || c.StartedAt != nil {
			out = c
			return ErrInvalidTransition
		}
		const q = `
UPDATE dialer_calls SET started_at = $2, updated_at = $2
WHERE id = $1
RETURNING ` + callColumns
		out, err = scanCall(tx.QueryRowContext(ctx, q, callID, at))
		return err
	})
	return out, err
}

func (s *PostgresStore) MarkOriginated(ctx context.Context, callID, providerCallID string, at time.Time) (Call, error) {
	if providerCallID == "" {
		return Call{}, ErrInvalidArgument
	}
	var out Call
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		c, err := lockCall(ctx, tx, callID)
		if err != nil {
			return err
		}
		if c.ProviderCallID != "" && c.ProviderCallID != providerCallID {
			return ErrInvalidTransition
		}
		const q = `
UPDATE dialer_calls
SET provider_call_id = $2,
    started_at = COALESCE(started_at, $3),
    status = CASE WHEN status = 'queued' THEN 'in_progress' ELSE status END,
    updated_at = $3
WHERE id = $1
RETURNING ` + callColumns
		out, err = scanCall(tx.QueryRowContext(ctx, q, callID, providerCallID, at))
		if utils.IsUniqueViolation(err) {
			return ErrInvalidTransition
		}
		return err
	})
	return out, err
}

func (s *PostgresStore) MarkAnswered(ctx context.Context, callID string, at time.Time) (Call, error) {
	var out Call
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		c, err := lockCall(ctx, tx, callID)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			out = c
			return ErrInvalidTransition
		}
		const q = `
UPDATE dialer_calls
SET answered_at = COALESCE(answered_at, $2),
    status = 'in_progress',
    updated_at = $2
WHERE id = $1
RETURNING ` + callColumns
		out, err = scanCall(tx.QueryRowContext(ctx, q, callID, at))
		return err
	})
	return out, err
}

func (s *PostgresStore) SetMachineDetection(ctx context.Context, callID string, md MachineDetection, at time.Time) (Call, error) {
	const q = `
UPDATE dialer_calls SET machine_detection = $2, updated_at = $3
WHERE id = $1
RETURNING ` + callColumns
	c, err := scanCall(s.db.QueryRowContext(ctx, q, callID, md, at))
	return c, notFound(err)
}

func (s *PostgresStore) FinishCall(ctx context.Context, callID string, f Finish) (Call, bool, error) {
	if err := f.validate(); err != nil {
		return Call{}, false, err
	}
	var (
		out     Call
		changed bool
	)
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		c, err := lockCall(ctx, tx, callID)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			out = c
			return nil
		}

		dur := f.DurationSeconds
		if dur <= 0 {
			dur = durationBetween(c.AnsweredAt, f.At)
		}
		const upd = `
UPDATE dialer_calls
SET status = $2, ended_at = $3, duration_seconds = $4, updated_at = $3
WHERE id = $1
RETURNING ` + callColumns
		if out, err = scanCall(tx.QueryRowContext(ctx, upd, callID, f.Status, f.At, dur)); err != nil {
			return err
		}

		if c.AgentID != "" {
			const free = `
UPDATE dialer_agents
SET current_call_id = NULL,
    status = CASE WHEN status = 'busy' THEN 'available' ELSE status END,
    status_changed_at = $2
WHERE id = $1 AND current_call_id = $3
`
			if _, err := tx.ExecContext(ctx, free, c.AgentID, f.At, c.ID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM dialer_queue WHERE call_id = $1`, callID); err != nil {
			return err
		}

		if c.ContactID != "" {
			const settle = `
UPDATE dialer_contacts SET status = $2, updated_at = $3
WHERE id = $1 AND status = 'in_progress'
`
			if _, err := tx.ExecContext(ctx, settle, c.ContactID, f.ContactStatus, f.At); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return Call{}, false, err
	}
	return out, changed, nil
}

func (s *PostgresStore) AssignAgent(ctx context.Context, callID, agentID string, at time.Time) (Call, Agent, error) {
	var (
		call  Call
		agent Agent
	)
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		c, err := lockCall(ctx, tx, callID)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() || c.AgentID != "" {
			return ErrCallNotAssignable
		}

		// Compare-and-set on the agent row; a concurrent winner leaves
		// status = 'busy' and this update matches nothing.
		const cas = `
UPDATE dialer_agents
SET status = 'busy', current_call_id = $2, status_changed_at = $3
WHERE id = $1 AND status = 'available' AND current_call_id IS NULL
RETURNING ` + agentColumns
		agent, err = scanAgent(tx.QueryRowContext(ctx, cas, agentID, callID, at))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM dialer_agents WHERE id = $1)`, agentID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrAgentUnavailable
		}
		if err != nil {
			if utils.IsUniqueViolation(err) {
				return ErrCallNotAssignable
			}
			return err
		}

		const bind = `
UPDATE dialer_calls SET agent_id = $2, updated_at = $3
WHERE id = $1
RETURNING ` + callColumns
		if call, err = scanCall(tx.QueryRowContext(ctx, bind, callID, agentID, at)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM dialer_queue WHERE call_id = $1`, callID)
		return err
	})
	if err != nil {
		return Call{}, Agent{}, err
	}
	return call, agent, nil
}

func (s *PostgresStore) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus, at time.Time) (Agent, error) {
	if !status.Valid() {
		return Agent{}, ErrInvalidArgument
	}
	var out Agent
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const lock = `SELECT ` + agentColumns + ` FROM dialer_agents WHERE id = $1 FOR UPDATE`
		a, err := scanAgent(tx.QueryRowContext(ctx, lock, agentID))
		if err != nil {
			return notFound(err)
		}
		if a.CurrentCallID != "" && status == AgentAvailable {
			return ErrInvalidTransition
		}
		if a.Status == status {
			out = a
			return nil
		}
		const q = `
UPDATE dialer_agents SET status = $2, status_changed_at = $3
WHERE id = $1
RETURNING ` + agentColumns
		out, err = scanAgent(tx.QueryRowContext(ctx, q, agentID, status, at))
		return err
	})
	return out, err
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	const q = `SELECT ` + agentColumns + ` FROM dialer_agents WHERE id = $1`
	a, err := scanAgent(s.db.QueryRowContext(ctx, q, agentID))
	return a, notFound(err)
}

func (s *PostgresStore) GetAgentByUserID(ctx context.Context, userID string) (Agent, error) {
	const q = `SELECT ` + agentColumns + ` FROM dialer_agents WHERE user_id = $1`
	a, err := scanAgent(s.db.QueryRowContext(ctx, q, userID))
	return a, notFound(err)
}

func (s *PostgresStore) ListAvailableAgents(ctx context.Context) ([]Agent, error) {
	const q = `
SELECT ` + agentColumns + `
FROM dialer_agents
WHERE status = 'available' AND current_call_id IS NULL
ORDER BY status_changed_at, id
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListQueue(ctx context.Context) ([]QueueEntry, error) {
	const q = `
SELECT id, call_id, priority, assigned_agent_id, created_at
FROM dialer_queue
ORDER BY priority, created_at, id
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var assigned sql.NullString
		if err := rows.Scan(&e.ID, &e.CallID, &e.Priority, &assigned, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AssignedAgentID = assigned.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActiveCalls(ctx context.Context) ([]ActiveCall, error) {
	const q = `
SELECT c.id, c.session_id, c.contact_id, c.agent_id, c.provider_call_id, c.phone_number, c.status,
       c.machine_detection, c.started_at, c.answered_at, c.ended_at, c.duration_seconds, c.created_at, c.updated_at,
       ct.id, ct.lead_id, ct.phone_number, ct.name, ct.status, ct.last_call_at, ct.created_at, ct.updated_at,
       a.id, a.user_id, a.status, a.current_call_id, a.status_changed_at,
       q.id, q.priority, q.assigned_agent_id, q.created_at
FROM dialer_calls c
LEFT JOIN dialer_contacts ct ON ct.id = c.contact_id
LEFT JOIN dialer_agents a ON a.id = c.agent_id
LEFT JOIN dialer_queue q ON q.call_id = c.id
WHERE c.status IN ('queued','in_progress')
ORDER BY c.created_at, c.id
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveCall
	for rows.Next() {
		ac, err := scanActiveCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

func scanActiveCall(rows *sql.Rows) (ActiveCall, error) {
	var (
		c                              Call
		contactID, agentID, providerID sql.NullString
		started, answered, ended       sql.NullTime

		ctID, ctPhone, ctName, ctStatus sql.NullString
		ctLead                          sql.NullInt64
		ctLast, ctCreated, ctUpdated    sql.NullTime

		aID, aUser, aStatus, aCurrent sql.NullString
		aChanged                      sql.NullTime

		qID, qAssigned sql.NullString
		qPriority      sql.NullInt64
		qCreated       sql.NullTime
	)
	if err := rows.Scan(
		&c.ID, &c.SessionID, &contactID, &agentID, &providerID, &c.PhoneNumber, &c.Status,
		&c.MachineDetection, &started, &answered, &ended, &c.DurationSeconds, &c.CreatedAt, &c.UpdatedAt,
		&ctID, &ctLead, &ctPhone, &ctName, &ctStatus, &ctLast, &ctCreated, &ctUpdated,
		&aID, &aUser, &aStatus, &aCurrent, &aChanged,
		&qID, &qPriority, &qAssigned, &qCreated,
	); err != nil {
		return ActiveCall{}, err
	}
	c.ContactID = contactID.String
	c.AgentID = agentID.String
	c.ProviderCallID = providerID.String
	c.StartedAt = timePtr(started)
	c.AnsweredAt = timePtr(answered)
	c.EndedAt = timePtr(ended)

	ac := ActiveCall{Call: c}
	if ctID.Valid {
		ac.Contact = &Contact{
			ID:          ctID.String,
			LeadID:      ctLead.Int64,
			PhoneNumber: ctPhone.String,
			Name:        ctName.String,
			Status:      ContactStatus(ctStatus.String),
			LastCallAt:  timePtr(ctLast),
			CreatedAt:   ctCreated.Time,
			UpdatedAt:   ctUpdated.Time,
		}
	}
	if aID.Valid {
		ac.Agent = &Agent{
			ID:              aID.String,
			UserID:          aUser.String,
			Status:          AgentStatus(aStatus.String),
			CurrentCallID:   aCurrent.String,
			StatusChangedAt: aChanged.Time,
		}
	}
	if qID.Valid {
		ac.Queue = &QueueEntry{
			ID:              qID.String,
			CallID:          c.ID,
			Priority:        int(qPriority.Int64),
			AssignedAgentID: qAssigned.String,
			CreatedAt:       qCreated.Time,
		}
	}
	return ac, nil
}

func (s *PostgresStore) ListStaleCalls(ctx context.Context, cutoffs StaleCutoffs) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM dialer_calls
WHERE status IN ('queued','in_progress')
  AND CASE
        WHEN answered_at IS NOT NULL OR agent_id IS NOT NULL THEN updated_at < $2
        ELSE created_at < $1
      END
ORDER BY created_at
`
	return s.queryCalls(ctx, q, cutoffs.Pending, cutoffs.Connected)
}

func (s *PostgresStore) ListCalls(ctx context.Context, from, to time.Time) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM dialer_calls
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at
`
	return s.queryCalls(ctx, q, from, to)
}

func (s *PostgresStore) queryCalls(ctx context.Context, q string, args ...any) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
