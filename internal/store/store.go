package store

import (
	"context"
	"time"
)

// KV is the shared key/value store backing the response and bind caches.
// It persists outside the process so several router instances may share it.
//
// Key prefixes are reserved by convention: "k:" for response-cache entries,
// "bind|" for bind-cache entries.
type KV interface {
	// Get returns the value for key, reporting whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// MGet fetches several keys at once; missing keys yield nil entries.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	// ScanPrefix lists all live keys with the given prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	// Size is the total number of live keys in the store.
	Size(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// RequestLog is one audit row for a proxied request.
type RequestLog struct {
	ID         int64     `json:"id"`
	Login      string    `json:"login"`
	Account    string    `json:"account"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	CacheHit   bool      `json:"cache_hit"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
