package callstatus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"crm-dialer/pkg/logger"

	"github.com/google/uuid"
)

// Publisher fans updates out to live subscribers. Implementations must not
// fail the caller; delivery problems are theirs to log.
type Publisher interface {
	Publish(ctx context.Context, u Update)
}

// Applier reacts to an accepted update, e.g. by moving call state forward.
type Applier interface {
	Apply(ctx context.Context, u Update) error
}

// Service is the single ingest path for provider status events.
type Service struct {
	recorder  Recorder
	publisher Publisher
	appliers  []Applier
	log       *slog.Logger
	now       func() time.Time

	anomalies atomic.Int64
	accepted  atomic.Int64
}

func NewService(recorder Recorder, publisher Publisher, log *slog.Logger) *Service {
	return &Service{
		recorder:  recorder,
		publisher: publisher,
		log:       logger.OrDefault(log),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the server clock used for ReceivedAt.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AddApplier registers a consumer. Call during wiring, before serving traffic.
func (s *Service) AddApplier(a Applier) {
	s.appliers = append(s.appliers, a)
}

// Ingest validates, records, publishes and applies one update. Only
// validation failures are returned; recorder and applier failures are
// logged so a store outage never blocks the webhook path.
func (s *Service) Ingest(ctx context.Context, u Update) (Update, error) {
	if u.ProviderCallID == "" || u.RawStatus == "" {
		s.anomalies.Add(1)
		s.log.Warn("call status missing required data",
			"provider_call_id", u.ProviderCallID,
			"raw_status", u.RawStatus,
			"session_id", u.SessionID,
		)
		return Update{}, ErrMissingRequiredCallData
	}
	st, ok := Normalize(u.RawStatus)
	if !ok {
		s.anomalies.Add(1)
		s.log.Warn("call status unknown", "provider_call_id", u.ProviderCallID, "raw_status", u.RawStatus)
		return Update{}, fmt.Errorf("%w: %q", ErrUnknownStatus, u.RawStatus)
	}
	u.Status = st
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.ReceivedAt = s.now()
	if u.OccurredAt.IsZero() {
		u.OccurredAt = u.ReceivedAt
	}
	s.accepted.Add(1)

	if s.recorder != nil {
		if err := s.recorder.Append(ctx, u); err != nil {
			s.log.Error("call status not recorded", "key", u.Key(), "err", err)
		}
	}
	if s.publisher != nil {
		s.publisher.Publish(ctx, u)
	}
	for _, a := range s.appliers {
		if err := a.Apply(ctx, u); err != nil {
			s.log.Warn("call status not applied",
				"applier", fmt.Sprintf("%T", a),
				"provider_call_id", u.ProviderCallID,
				"status", u.Status,
				"err", err,
			)
		}
	}
	return u, nil
}

// Latest returns the last known state for a session.
func (s *Service) Latest(ctx context.Context, sessionID string) (Update, bool, error) {
	if s.recorder == nil {
		return Update{}, false, nil
	}
	return s.recorder.Latest(ctx, SessionKey(sessionID))
}

// History returns recent updates for a session, newest first.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]Update, error) {
	if s.recorder == nil {
		return nil, nil
	}
	return s.recorder.Recent(ctx, SessionKey(sessionID), limit)
}

type Stats struct {
	Accepted  int64 `json:"accepted"`
	Anomalies int64 `json:"anomalies"`
}

func (s *Service) Stats() Stats {
	return Stats{Accepted: s.accepted.Load(), Anomalies: s.anomalies.Load()}
}
