package callstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"crm-dialer/pkg/logger"
)

// Recorder persists status updates.
type Recorder interface {
	Name() string
	Append(ctx context.Context, u Update) error

	// Recent returns up to limit updates for key, newest first.
	Recent(ctx context.Context, key string, limit int) ([]Update, error)

	// Latest returns the update with the greatest OccurredAt for key.
	Latest(ctx context.Context, key string) (Update, bool, error)
}

// FallbackRecorder appends to its strategies in order; the first success
// wins and later strategies are not touched. Reads consult every strategy
// and merge, since updates written while the primary was down live only in
// a later one. Every failed attempt is logged.
type FallbackRecorder struct {
	strategies []Recorder
	log        *slog.Logger
}

func NewFallbackRecorder(log *slog.Logger, strategies ...Recorder) *FallbackRecorder {
	return &FallbackRecorder{strategies: strategies, log: logger.OrDefault(log)}
}

func (f *FallbackRecorder) Name() string { return "fallback" }

func (f *FallbackRecorder) Append(ctx context.Context, u Update) error {
	var errs []error
	for _, s := range f.strategies {
		err := s.Append(ctx, u)
		if err == nil {
			return nil
		}
		f.log.Warn("status recorder append failed", "recorder", s.Name(), "key", u.Key(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return errors.Join(errs...)
}

func (f *FallbackRecorder) Recent(ctx context.Context, key string, limit int) ([]Update, error) {
	var (
		errs   []error
		merged []Update
		seen   = map[string]bool{}
		read   bool
	)
	for _, s := range f.strategies {
		out, err := s.Recent(ctx, key, limit)
		if err != nil {
			f.log.Warn("status recorder read failed", "recorder", s.Name(), "key", key, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		read = true
		for _, u := range out {
			if u.ID != "" {
				if seen[u.ID] {
					continue
				}
				seen[u.ID] = true
			}
			merged = append(merged, u)
		}
	}
	if !read {
		return nil, errors.Join(errs...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.After(b.OccurredAt)
		}
		return a.ReceivedAt.After(b.ReceivedAt)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (f *FallbackRecorder) Latest(ctx context.Context, key string) (Update, bool, error) {
	var (
		errs   []error
		latest Update
		found  bool
		read   bool
	)
	for _, s := range f.strategies {
		u, ok, err := s.Latest(ctx, key)
		if err != nil {
			f.log.Warn("status recorder read failed", "recorder", s.Name(), "key", key, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		read = true
		if ok && (!found || u.newerThan(latest)) {
			latest, found = u, true
		}
	}
	if !read {
		return Update{}, false, errors.Join(errs...)
	}
	return latest, found, nil
}

var _ Recorder = (*FallbackRecorder)(nil)
