package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/awo/router/internal/store"
)

// MakeBindKey builds the sticky-routing key for a request:
// "bind|<path>|<k:v|k:v...>" with params in key-sorted order.
func MakeBindKey(path string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + params[k]
	}
	return BindPrefix + path + "|" + strings.Join(parts, "|")
}

// BindCache maps bind keys to account uids so requests that belong to one
// logical session keep landing on the same upstream account.
type BindCache struct {
	kv  store.KV
	ttl time.Duration

	// CountKeysForValue scans the whole bind keyspace; the result is
	// memoized for scanTTL to keep the manager's hot path cheap.
	scanTTL time.Duration
	mu      sync.Mutex
	counts  map[string]int
	scanAt  time.Time
}

func NewBindCache(kv store.KV, ttl, scanTTL time.Duration) *BindCache {
	return &BindCache{kv: kv, ttl: ttl, scanTTL: scanTTL, counts: map[string]int{}}
}

func (b *BindCache) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := b.kv.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// Set binds key to uid and refreshes the TTL.
func (b *BindCache) Set(ctx context.Context, key, uid string) error {
	return b.kv.Set(ctx, key, []byte(uid), b.ttl)
}

func (b *BindCache) Remove(ctx context.Context, key string) error {
	return b.kv.Delete(ctx, key)
}

// CountKeysForValue reports how many bind keys currently point at uid.
func (b *BindCache) CountKeysForValue(ctx context.Context, uid string) (int, error) {
	b.mu.Lock()
	fresh := time.Since(b.scanAt) < b.scanTTL
	if fresh {
		n := b.counts[uid]
		b.mu.Unlock()
		return n, nil
	}
	b.mu.Unlock()

	counts, err := b.scan(ctx)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.counts = counts
	b.scanAt = time.Now()
	n := counts[uid]
	b.mu.Unlock()
	return n, nil
}

// DropValue removes every bind key pointing at uid, typically when the
// account behind it is removed.
func (b *BindCache) DropValue(ctx context.Context, uid string) error {
	keys, err := b.kv.ScanPrefix(ctx, BindPrefix)
	if err != nil {
		return err
	}
	values, err := b.kv.MGet(ctx, keys)
	if err != nil {
		return err
	}
	for i, key := range keys {
		if string(values[i]) == uid {
			if err := b.kv.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	b.mu.Lock()
	b.scanAt = time.Time{}
	b.mu.Unlock()
	return nil
}

func (b *BindCache) scan(ctx context.Context) (map[string]int, error) {
	keys, err := b.kv.ScanPrefix(ctx, BindPrefix)
	if err != nil {
		return nil, err
	}
	values, err := b.kv.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, v := range values {
		if len(v) > 0 {
			counts[string(v)]++
		}
	}
	return counts, nil
}
