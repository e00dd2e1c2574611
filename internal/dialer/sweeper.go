package dialer

import (
	"context"
	"log/slog"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/pkg/logger"
)

// Sweeper ends calls whose final status callback never arrived. Calls
// nobody answered are stale after maxAge from creation; answered or
// agent-bound calls only after maxCallAge without any state change, so a
// long conversation is never hung up.
type Sweeper struct {
	orch       *Orchestrator
	store      calls.Store
	log        *slog.Logger
	interval   time.Duration
	maxAge     time.Duration
	maxCallAge time.Duration
}

func NewSweeper(orch *Orchestrator, store calls.Store, interval, maxAge time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Sweeper{
		orch:       orch,
		store:      store,
		log:        logger.OrDefault(log),
		interval:   interval,
		maxAge:     maxAge,
		maxCallAge: 4 * time.Hour,
	}
}

// WithMaxCallAge sets the idle bound for connected calls. Values below the
// pending bound are raised to it.
func (s *Sweeper) WithMaxCallAge(d time.Duration) *Sweeper {
	if d < s.maxAge {
		d = s.maxAge
	}
	s.maxCallAge = d
	return s
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("stale call sweeper started", "interval", s.interval, "max_age", s.maxAge, "max_call_age", s.maxCallAge)
	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stale call sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce ends every stale call and returns how many it settled.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.orch.clock()
	stale, err := s.store.ListStaleCalls(ctx, calls.StaleCutoffs{
		Pending:   now.Add(-s.maxAge),
		Connected: now.Add(-s.maxCallAge),
	})
	if err != nil {
		s.log.Error("list stale calls failed", "error", err)
		return 0
	}
	ended := 0
	for _, call := range stale {
		if call.ProviderCallID == "" {
			// Never originated: nothing to hang up, just give the contact back.
			_, changed, err := s.store.FinishCall(ctx, call.ID, calls.Finish{
				Status:        calls.CallFailed,
				ContactStatus: calls.ContactNotContacted,
				At:            s.orch.clock(),
			})
			if err != nil {
				s.log.Warn("fail stale queued call", "call_id", call.ID, "error", err)
				continue
			}
			if changed {
				ended++
			}
			continue
		}
		if _, err := s.orch.EndCall(ctx, call.ID); err != nil {
			s.log.Warn("end stale call", "call_id", call.ID, "error", err)
			continue
		}
		ended++
	}
	if ended > 0 {
		s.log.Info("stale calls swept", "count", ended)
	}
	return ended
}
