package callstatus

import (
	"context"
	"sync"
)

// DefaultHistory is the per-key bound of the in-memory history.
const DefaultHistory = 100

// RingStore keeps the most recent updates per key in process memory.
// Appends never block on anything but the store mutex.
type RingStore struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*ring
	latest map[string]Update
}

type ring struct {
	buf  []Update
	next int
	n    int
}

func NewRingStore(size int) *RingStore {
	if size <= 0 {
		size = DefaultHistory
	}
	return &RingStore{
		size:   size,
		rings:  map[string]*ring{},
		latest: map[string]Update{},
	}
}

func (s *RingStore) Name() string { return "memory" }

func (s *RingStore) Append(_ context.Context, u Update) error {
	key := u.Key()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[key]
	if !ok {
		r = &ring{buf: make([]Update, s.size)}
		s.rings[key] = r
	}
	r.buf[r.next] = u
	r.next = (r.next + 1) % s.size
	if r.n < s.size {
		r.n++
	}

	if cur, ok := s.latest[key]; !ok || u.newerThan(cur) {
		s.latest[key] = u
	}
	return nil
}

// Recent returns up to limit updates for key, newest first.
func (s *RingStore) Recent(_ context.Context, key string, limit int) ([]Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[key]
	if !ok {
		return nil, nil
	}
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Update, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + s.size) % s.size
		out = append(out, r.buf[idx])
	}
	return out, nil
}

func (s *RingStore) Latest(_ context.Context, key string) (Update, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.latest[key]
	return u, ok, nil
}

// Forget drops everything recorded under key.
func (s *RingStore) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, key)
	delete(s.latest, key)
}

var _ Recorder = (*RingStore)(nil)
