package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// MemKV is an in-memory KV used by tests and single-instance deployments
// that run without Redis. Keys keep their insertion order for ScanPrefix.
type MemKV struct {
	mu    sync.Mutex
	items map[string]memEntry
	order []string
}

func NewMemKV() *MemKV {
	return &MemKV{items: map[string]memEntry{}}
}

func (s *MemKV) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(time.Now())
}

func (s *MemKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if s.expired(e) {
		s.removeLocked(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	if _, ok := s.items[key]; !ok {
		s.order = append(s.order, key)
	}
	s.items[key] = memEntry{value: value, expiresAt: expiresAt}
	return nil
}

func (s *MemKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	return nil
}

func (s *MemKV) removeLocked(key string) {
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *MemKV) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		val, ok, _ := s.Get(ctx, key)
		if ok {
			out[i] = val
		}
	}
	return out, nil
}

func (s *MemKV) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, key := range s.order {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := s.items[key]; ok && !s.expired(e) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemKV) Size(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.items {
		if !s.expired(e) {
			n++
		}
	}
	return n, nil
}

func (s *MemKV) Ping(context.Context) error { return nil }
func (s *MemKV) Close() error               { return nil }
