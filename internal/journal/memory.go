package journal

import (
	"context"
	"sync"

	"github.com/MrWong99/presencegate/pkg/types"
)

// DefaultMemoryCapacity is the per-kind capacity used when zero is passed to
// [NewMemoryStore].
const DefaultMemoryCapacity = 512

// MemoryStore is an in-process [Store]. It keeps the last capacity entries
// per kind and forgets older ones.
type MemoryStore struct {
	capacity int

	mu    sync.RWMutex
	rings map[types.Kind]*ring
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store holding up to capacity entries per
// kind.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity, rings: make(map[types.Kind]*ring)}
}

// Append implements [Store].
func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[e.Kind]
	if !ok {
		r = &ring{buf: make([]Entry, s.capacity)}
		s.rings[e.Kind] = r
	}
	r.push(e)
	return nil
}

// Recent implements [Store]. A non-positive limit returns every retained
// entry.
func (s *MemoryStore) Recent(_ context.Context, kind types.Kind, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[kind]
	if !ok {
		return nil, nil
	}
	return r.newest(limit), nil
}

// Ping implements [Store]. It never fails.
func (s *MemoryStore) Ping(context.Context) error { return nil }

type ring struct {
	buf  []Entry
	next int
	n    int
}

func (r *ring) push(e Entry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) newest(limit int) []Entry {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
