package notify

import (
	"context"
	"log/slog"
	"time"

	"crm-dialer/pkg/logger"

	"golang.org/x/sync/singleflight"
)

const DefaultPollInterval = 500 * time.Millisecond

// FetchFunc loads the current state for a subject. ok is false when there
// is nothing to report yet, which is not an error.
type FetchFunc[T any] func(ctx context.Context, subject string) (T, bool, error)

// Poller re-fetches a subject on an interval. Concurrent polls for the
// same subject share one in-flight fetch.
type Poller[T any] struct {
	fetch    FetchFunc[T]
	interval time.Duration
	group    singleflight.Group
	log      *slog.Logger
}

type polled[T any] struct {
	val T
	ok  bool
}

func NewPoller[T any](fetch FetchFunc[T], interval time.Duration, log *slog.Logger) *Poller[T] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller[T]{fetch: fetch, interval: interval, log: logger.OrDefault(log)}
}

// Poll fetches once. An empty subject yields the zero value.
func (p *Poller[T]) Poll(ctx context.Context, subject string) (T, bool, error) {
	var zero T
	if subject == "" {
		return zero, false, nil
	}
	v, err, _ := p.group.Do(subject, func() (any, error) {
		val, ok, err := p.fetch(ctx, subject)
		return polled[T]{val: val, ok: ok}, err
	})
	if err != nil {
		return zero, false, err
	}
	r := v.(polled[T])
	return r.val, r.ok, nil
}

// Run polls until ctx is done or subject returns "". Each poll finishes
// before the next one starts. emit sees every successful fetch, including
// empty ones.
func (p *Poller[T]) Run(ctx context.Context, subject func() string, emit func(T, bool)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		s := subject()
		if s == "" {
			return nil
		}
		val, ok, err := p.Poll(ctx, s)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			p.log.Warn("status poll failed", "subject", s, "error", err)
		default:
			emit(val, ok)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
