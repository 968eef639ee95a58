package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/awo/router/internal/account"
	"github.com/awo/router/internal/cache"
	"github.com/awo/router/internal/config"
	"github.com/awo/router/internal/events"
	"github.com/awo/router/internal/router"
	"github.com/awo/router/internal/server"
	"github.com/awo/router/internal/store"
	"github.com/awo/router/internal/transport"
	"github.com/awo/router/internal/upstream"
)

var version = "dev"

func main() {
	cfg := config.Load()

	// Flags override the environment.
	flag.StringVar(&cfg.Host, "host", cfg.Host, "listen address")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flag.BoolVar(&cfg.Debug, "d", cfg.Debug, "debug mode (shorthand for -log-level debug)")
	flag.Parse()
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	// Logging with the ring buffer handler behind /router/logs
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("router starting", "version", version)

	// Shared KV: Redis when reachable, in-memory otherwise.
	var kv store.KV
	if redisKV, err := store.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		slog.Warn("redis unreachable, falling back to in-memory store", "addr", cfg.RedisAddr, "error", err)
		kv = store.NewMemKV()
	} else {
		slog.Info("redis ready", "addr", cfg.RedisAddr)
		kv = redisKV
	}
	defer kv.Close()

	// SQLite request log
	logs, err := store.NewLogStore(cfg.DBPath)
	if err != nil {
		slog.Error("request log init failed", "error", err)
		os.Exit(1)
	}
	defer logs.Close()
	slog.Info("request log ready", "path", cfg.DBPath)

	tm := transport.NewManager(cfg.NetworkTimeout)
	defer tm.Close()

	bus := events.NewBus(200)

	responseCache := cache.New(kv, cache.Options{
		Capacity:      cfg.CacheCapacity,
		MaxItemSize:   cfg.CacheItemMaxsize,
		SizeThreshold: cfg.CacheSizeThreshold,
		DefaultTTL:    cfg.CacheDefaultTTL,
		ShortTTL:      cfg.CacheShortTTL,
	})
	binds := cache.NewBindCache(kv, cfg.BindTTL, cfg.BindScanTTL)

	mgr, err := router.NewManager(cfg, binds, bus, slog.Default(), func(acct *account.Account) router.Doer {
		return upstream.NewClient(cfg, tm, acct, slog.Default())
	})
	if err != nil {
		slog.Error("manager init failed", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, mgr, responseCache, kv, logs, tm, bus, logHandler)
	if err := srv.Run(context.Background()); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
