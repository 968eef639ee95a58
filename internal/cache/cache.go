package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/awo/router/internal/store"
)

// Entry is a decoded cached response.
type Entry struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// KeyStats describes one cached request for introspection endpoints.
// Users counts the distinct logins that ever looked the key up.
type KeyStats struct {
	Key       string     `json:"key"`
	Lookups   int        `json:"lookups"`
	Hits      int        `json:"hits"`
	Users     int        `json:"users"`
	Signature *Signature `json:"request,omitempty"`
}

// Stats is an aggregate view over the response cache.
type Stats struct {
	Size    int     `json:"size"`
	Lookups int     `json:"lookups"`
	Hits    int     `json:"hits"`
	Misses  int     `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache stores upstream responses keyed by request signature hash. Hit
// counters and signatures live in memory only; the payloads live in the
// shared KV so several router instances can serve each other's hits.
type Cache struct {
	kv store.KV

	capacity      int
	maxItemSize   int
	sizeThreshold int
	defaultTTL    time.Duration
	shortTTL      time.Duration

	mu         sync.Mutex
	lookups    map[string]int
	hits       map[string]int
	users      map[string]map[string]struct{}
	signatures map[string][]byte
	order      []string
}

type Options struct {
	Capacity      int
	MaxItemSize   int
	SizeThreshold int
	DefaultTTL    time.Duration
	ShortTTL      time.Duration
}

func New(kv store.KV, opts Options) *Cache {
	return &Cache{
		kv:            kv,
		capacity:      opts.Capacity,
		maxItemSize:   opts.MaxItemSize,
		sizeThreshold: opts.SizeThreshold,
		defaultTTL:    opts.DefaultTTL,
		shortTTL:      opts.ShortTTL,
		lookups:       map[string]int{},
		hits:          map[string]int{},
		users:         map[string]map[string]struct{}{},
		signatures:    map[string][]byte{},
	}
}

// Get fetches a cached response. When count is true the lookup and a
// possible hit are recorded in the stats; a non-empty login is remembered
// as one of the key's users either way.
func (c *Cache) Get(ctx context.Context, key, login string, count bool) (*Entry, bool, error) {
	if login != "" {
		c.mu.Lock()
		set := c.users[key]
		if set == nil {
			set = map[string]struct{}{}
			c.users[key] = set
		}
		set[login] = struct{}{}
		c.mu.Unlock()
	}
	raw, ok, err := c.kv.Get(ctx, key)
	if count {
		c.mu.Lock()
		c.lookups[key]++
		if err == nil && ok {
			c.hits[key]++
		}
		c.mu.Unlock()
	}
	if err != nil || !ok {
		return nil, false, err
	}
	status, headers, body, err := DecodeResponse(raw)
	if err != nil {
		// A corrupt payload is treated as a miss and dropped.
		_ = c.kv.Delete(ctx, key)
		return nil, false, nil
	}
	return &Entry{Status: status, Headers: headers, Body: body}, true, nil
}

// Set stores a response under key. Payloads above the item size limit are
// not cached; payloads above the threshold get the short TTL. Returns
// whether the response was actually stored.
func (c *Cache) Set(ctx context.Context, key string, signature []byte, e *Entry) (bool, error) {
	raw := EncodeResponse(e.Status, e.Headers, e.Body)
	if c.maxItemSize > 0 && len(raw) > c.maxItemSize {
		return false, nil
	}
	ttl := c.defaultTTL
	if c.sizeThreshold > 0 && len(raw) > c.sizeThreshold {
		ttl = c.shortTTL
	}

	var evict string
	c.mu.Lock()
	if _, known := c.signatures[key]; !known {
		if c.capacity > 0 && len(c.order) >= c.capacity {
			evict = c.order[0]
			c.order = c.order[1:]
			c.dropStatsLocked(evict)
		}
		c.order = append(c.order, key)
	}
	c.signatures[key] = signature
	c.mu.Unlock()

	if evict != "" {
		if err := c.kv.Delete(ctx, evict); err != nil {
			return false, err
		}
	}
	if err := c.kv.Set(ctx, key, raw, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.kv.Get(ctx, key)
	return ok, err
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	c.dropStatsLocked(key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return c.kv.Delete(ctx, key)
}

// Purge drops every cached response. Bind keys and anything else in the
// shared store survive; only keys under the response prefix are touched.
func (c *Cache) Purge(ctx context.Context) error {
	keys, err := c.kv.ScanPrefix(ctx, ResponsePrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := c.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.lookups = map[string]int{}
	c.hits = map[string]int{}
	c.users = map[string]map[string]struct{}{}
	c.signatures = map[string][]byte{}
	c.order = nil
	c.mu.Unlock()
	return nil
}

func (c *Cache) dropStatsLocked(key string) {
	delete(c.lookups, key)
	delete(c.hits, key)
	delete(c.users, key)
	delete(c.signatures, key)
}

func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	var s Stats
	for _, n := range c.lookups {
		s.Lookups += n
	}
	for _, n := range c.hits {
		s.Hits += n
	}
	c.mu.Unlock()
	s.Misses = s.Lookups - s.Hits
	if s.Lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Lookups)
	}
	keys, err := c.kv.ScanPrefix(ctx, ResponsePrefix)
	if err == nil {
		s.Size = len(keys)
	}
	return s
}

// MostCommon returns the top n keys ordered by distinct users first and
// lookup count second, with their decoded request signatures.
func (c *Cache) MostCommon(n int) []KeyStats {
	c.mu.Lock()
	all := make([]KeyStats, 0, len(c.lookups))
	for key, lookups := range c.lookups {
		ks := KeyStats{Key: key, Lookups: lookups, Hits: c.hits[key], Users: len(c.users[key])}
		if raw, ok := c.signatures[key]; ok {
			if sig, err := DecodeSignature(raw); err == nil {
				ks.Signature = sig
			}
		}
		all = append(all, ks)
	}
	c.mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].Users != all[j].Users {
			return all[i].Users > all[j].Users
		}
		if all[i].Lookups != all[j].Lookups {
			return all[i].Lookups > all[j].Lookups
		}
		return all[i].Key < all[j].Key
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}
