package disposition

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"crm-dialer/pkg/utils"
)

// Lead is the slice of the CRM lead row this package owns.
type Lead struct {
	ID          int64       `json:"id"`
	Disposition Disposition `json:"disposition"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// LeadStore applies a disposition set-wise and returns the ids that
// actually changed rows, in ascending order.
type LeadStore interface {
	SetDisposition(ctx context.Context, ids []int64, d Disposition, at time.Time) ([]int64, error)
}

type MemoryLeadStore struct {
	mu    sync.Mutex
	leads map[int64]Lead
}

func NewMemoryLeadStore() *MemoryLeadStore {
	return &MemoryLeadStore{leads: map[int64]Lead{}}
}

func (m *MemoryLeadStore) Put(l Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[l.ID] = l
}

func (m *MemoryLeadStore) Get(id int64) (Lead, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	return l, ok
}

func (m *MemoryLeadStore) SetDisposition(_ context.Context, ids []int64, d Disposition, at time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated []int64
	for _, id := range ids {
		l, ok := m.leads[id]
		if !ok {
			continue
		}
		l.Disposition = d
		l.UpdatedAt = at
		m.leads[id] = l
		updated = append(updated, id)
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i] < updated[j] })
	return updated, nil
}

// Schema is only for standalone deployments; in the CRM the leads table
// already exists and these statements are no-ops.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS leads (
  id           BIGSERIAL PRIMARY KEY,
  disposition  TEXT NOT NULL DEFAULT 'Not Contacted',
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

type PostgresLeadStore struct {
	db *sql.DB
}

func NewPostgresLeadStore(db *sql.DB) *PostgresLeadStore {
	return &PostgresLeadStore{db: db}
}

func (s *PostgresLeadStore) Migrate(ctx context.Context) error {
	return utils.Migrate(ctx, s.db, Schema)
}

func (s *PostgresLeadStore) SetDisposition(ctx context.Context, ids []int64, d Disposition, at time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE leads SET disposition = $1, updated_at = $2
WHERE id = ANY($3::bigint[])
RETURNING id`, string(d), at, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updated []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		updated = append(updated, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i] < updated[j] })
	return updated, nil
}
