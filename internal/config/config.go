package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/awo/router/internal/account"
)

// BindPattern declares a sticky-routing path pattern together with the
// query params that participate in the bind key.
type BindPattern struct {
	Path   string   `json:"path"`
	Params []string `json:"params"`
}

type Config struct {
	// Server
	Host     string
	Port     int
	LogLevel string
	Debug    bool

	// Auth
	AuthToken string

	// Shared KV store (response + bind caches)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Request log
	DBPath string

	// Upstream API
	APIScheme          string
	APIDomain          string
	APITokenHeader     string
	NetworkTimeout     time.Duration
	NetworkRetries     int
	PassthroughHeaders []string
	DefaultHeaders     map[string]string

	// Worker discipline
	BannedStatusCodes []int
	FreezeStatusCodes []int
	RetryAfterHeader  string
	RetryAfterMaxTime float64 // seconds
	FreezeTimeInitial float64 // seconds
	FreezeTimeMax     float64 // seconds
	FreezeTimeFactor  float64
	CooldownMode      account.CooldownMode
	CooldownParam     account.CooldownParam

	// Response cache
	CacheEnabled       bool
	CacheCapacity      int
	CacheItemMaxsize   int
	CacheSizeThreshold int
	CacheDefaultTTL    time.Duration
	CacheShortTTL      time.Duration

	// Bind cache
	BindTTL      time.Duration
	BindScanTTL  time.Duration
	BindPatterns []BindPattern

	// Scheduling
	TaskTimeout        time.Duration
	WorkersTimeout     time.Duration
	QueueMaxsize       int
	QueueWarnThreshold int

	// Defaults copied onto accounts that omit them
	DefaultRoutingRules  account.RoutingRules
	DefaultAccountLimits account.Limits

	// Users
	UserLimits     account.Limits
	UnlimitedUsers []string
}

func Load() *Config {
	return &Config{
		Host:     envOr("HOST", "127.0.0.1"),
		Port:     envInt("PORT", 8000),
		LogLevel: envOr("LOG_LEVEL", "info"),

		AuthToken: envOr("AUTH_TOKEN", "auth"),

		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		DBPath: envOr("DB_PATH", "router.db"),

		APIScheme:      envOr("API_SCHEME", "https"),
		APIDomain:      envOr("API_DOMAIN", "mpstats.io"),
		APITokenHeader: envOr("API_TOKEN_HEADER", "X-Mpstats-TOKEN"),
		NetworkTimeout: envDuration("NETWORK_TIMEOUT", 60*time.Second),
		NetworkRetries: envInt("NETWORK_RETRIES", 1),
		PassthroughHeaders: []string{
			"content-type",
			"content-encoding",
		},
		DefaultHeaders: map[string]string{
			"user-agent":   "curl/7.81.0",
			"content-type": "application/json",
		},

		BannedStatusCodes: []int{403},
		FreezeStatusCodes: []int{429},
		RetryAfterHeader:  envOr("RETRY_AFTER_HEADER", "retry-after"),
		RetryAfterMaxTime: envFloat("RETRY_AFTER_MAX_TIME", 3600),
		FreezeTimeInitial: envFloat("FREEZE_TIME_INITIAL", 5),
		FreezeTimeMax:     envFloat("FREEZE_TIME_MAX", 60),
		FreezeTimeFactor:  envFloat("FREEZE_TIME_FACTOR", 2),
		// Not more than 1 request per 5 seconds for 30 seconds in a row.
		CooldownMode:  account.CooldownWindow,
		CooldownParam: account.CooldownParam{{Repeat: 1, Seconds: 5}, {Repeat: 1, Seconds: 30}},

		CacheEnabled:       envBool("CACHE_ENABLED", true),
		CacheCapacity:      envInt("CACHE_CAPACITY", 30000),
		CacheItemMaxsize:   envInt("CACHE_ITEM_MAXSIZE", 15*1024*1024),
		CacheSizeThreshold: envInt("CACHE_SIZE_THRESHOLD", 5*1024*1024),
		CacheDefaultTTL:    envDuration("CACHE_DEFAULT_TTL", 24*time.Hour),
		CacheShortTTL:      envDuration("CACHE_SHORT_TTL", time.Hour),

		BindTTL:     envDuration("BIND_TTL", 4*time.Hour),
		BindScanTTL: envDuration("BIND_SCAN_TTL", 2*time.Second),
		BindPatterns: []BindPattern{
			{Path: `^/api/(oz|wb|ym)/get/item/\d+/`, Params: []string{"d1", "d2"}},
			{Path: `^/api/(oz|wb|ym)/get/(ds/)?\w+`, Params: []string{"d1", "d2", "path"}},
		},

		TaskTimeout:        envDuration("TASK_TIMEOUT", 90*time.Second),
		WorkersTimeout:     envDuration("WORKERS_TIMEOUT", 30*time.Second),
		QueueMaxsize:       envInt("QUEUE_MAXSIZE", 25),
		QueueWarnThreshold: envInt("QUEUE_WARN_THRESHOLD", 10),

		DefaultRoutingRules: account.RoutingRules{
			Allow: []string{
				`^/api/wb`,
				`^/api/oz`,
				`^/api/seo`,
				`^/api/ym`,
				`*`,
			},
			Deny: []string{},
		},
		DefaultAccountLimits: envLimits("ACCOUNT_LIMITS", nil),

		UserLimits: envLimits("USER_LIMITS", nil),
		UnlimitedUsers: []string{
			`^cache`,
			`^admin`,
		},
	}
}

func (c *Config) Validate() error {
	if c.AuthToken == "" {
		return errMissing("AUTH_TOKEN")
	}
	if c.APIDomain == "" {
		return errMissing("API_DOMAIN")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envLimits reads a JSON object of route→limit pairs, order preserved.
func envLimits(key string, fallback account.Limits) account.Limits {
	if v := os.Getenv(key); v != "" {
		var limits account.Limits
		if err := json.Unmarshal([]byte(v), &limits); err == nil {
			return limits
		}
	}
	return fallback
}
