package activity

import (
	"context"
	"database/sql"

	"crm-dialer/pkg/utils"
)

// Schema creates the activity table. There is no UPDATE or DELETE path.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS lead_activity (
  id             TEXT PRIMARY KEY,
  lead_id        BIGINT NOT NULL,
  type           TEXT NOT NULL,
  actor_user_id  TEXT NOT NULL DEFAULT '',
  call_id        TEXT NOT NULL DEFAULT '',
  description    TEXT NOT NULL,
  metadata       JSONB,
  created_at     TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS lead_activity_lead_idx ON lead_activity (lead_id, created_at DESC)`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.Migrate(ctx, r.db, Schema)
}

// Append inserts all entries in one transaction.
func (r *PostgresRepo) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO lead_activity (id, lead_id, type, actor_user_id, call_id, description, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::jsonb, $8)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.LeadID, string(e.Type), e.ActorUserID, e.CallID, e.Description, e.Metadata, e.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) ForLead(ctx context.Context, leadID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, lead_id, type, actor_user_id, call_id, description, COALESCE(metadata::text, ''), created_at
FROM lead_activity
WHERE lead_id = $1
ORDER BY created_at DESC
LIMIT $2`, leadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var typ string
		if err := rows.Scan(&e.ID, &e.LeadID, &typ, &e.ActorUserID, &e.CallID, &e.Description, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Repository = (*PostgresRepo)(nil)
