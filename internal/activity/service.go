package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract. It is append-only.
type Repository interface {
	Append(ctx context.Context, entries ...Entry) error
	ForLead(ctx context.Context, leadID int64, limit int) ([]Entry, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("activity: invalid entry")

// Append stamps and stores entries. Either all are valid and written
// together or none are.
func (s *Service) Append(ctx context.Context, entries ...Entry) error {
	if s.repo == nil {
		return errors.New("activity: repository not configured")
	}
	now := s.clock().UTC()
	for i := range entries {
		if entries[i].LeadID <= 0 || entries[i].Type == "" {
			return ErrInvalidEntry
		}
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}
	return s.repo.Append(ctx, entries...)
}

// LogDispositionChange writes one entry per lead.
func (s *Service) LogDispositionChange(ctx context.Context, leadIDs []int64, disposition, actorUserID, callID string) error {
	meta, _ := json.Marshal(map[string]string{"disposition": disposition})
	entries := make([]Entry, 0, len(leadIDs))
	for _, id := range leadIDs {
		entries = append(entries, Entry{
			LeadID:      id,
			Type:        TypeDispositionChange,
			ActorUserID: actorUserID,
			CallID:      callID,
			Description: fmt.Sprintf("Disposition changed to %s", disposition),
			Metadata:    string(meta),
		})
	}
	return s.Append(ctx, entries...)
}

func (s *Service) ForLead(ctx context.Context, leadID int64, limit int) ([]Entry, error) {
	return s.repo.ForLead(ctx, leadID, limit)
}
