package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/awo/router/internal/account"
	"github.com/awo/router/internal/cache"
	"github.com/awo/router/internal/config"
	"github.com/awo/router/internal/events"
	"github.com/awo/router/internal/router"
	"github.com/awo/router/internal/store"
	"github.com/awo/router/internal/transport"
)

// Server is the main HTTP server: the proxy endpoint plus the /router
// management surface.
type Server struct {
	cfg          *config.Config
	manager      *router.Manager
	cache        *cache.Cache
	users        *account.Registry
	logs         *store.LogStore
	kv           store.KV
	bus          *events.Bus
	logHandler   *events.LogHandler
	transportMgr *transport.Manager
	httpServer   *http.Server
	stats        *statsCollector
	unlimited    []*regexp.Regexp
	startTime    time.Time
}

func New(cfg *config.Config, mgr *router.Manager, c *cache.Cache, kv store.KV, logs *store.LogStore, tm *transport.Manager, bus *events.Bus, lh *events.LogHandler) *Server {
	srv := &Server{
		cfg:          cfg,
		manager:      mgr,
		cache:        c,
		users:        account.NewRegistry(cfg.UserLimits),
		logs:         logs,
		kv:           kv,
		bus:          bus,
		logHandler:   lh,
		transportMgr: tm,
		stats:        newStatsCollector(cfg),
		startTime:    time.Now(),
	}
	for _, pattern := range cfg.UnlimitedUsers {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("bad unlimited user pattern", "pattern", pattern, "error", err)
			continue
		}
		srv.unlimited = append(srv.unlimited, re)
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(srv.authenticate(srv.processTime(mux))),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.TaskTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /router/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"detail": "pong"})
	})

	// Accounts
	mux.HandleFunc("GET /router/accounts", s.handleListAccounts)
	mux.HandleFunc("POST /router/accounts", s.handleAddAccounts)
	mux.HandleFunc("DELETE /router/accounts", s.handleRemoveAllAccounts)
	mux.HandleFunc("GET /router/accounts/{email}", s.handleGetAccount)
	mux.HandleFunc("DELETE /router/accounts/{email}", s.handleRemoveAccount)
	mux.HandleFunc("POST /router/accounts/{email}/rules", s.handleAddRule)

	// Users
	mux.HandleFunc("GET /router/users", s.handleListUsers)
	mux.HandleFunc("GET /router/users/{login}", s.handleGetUser)

	// Response cache
	mux.HandleFunc("GET /router/cache", s.handleCacheStats)
	mux.HandleFunc("GET /router/cache/{topn}", s.handleCacheTop)
	mux.HandleFunc("DELETE /router/cache", s.handleCachePurge)

	// Introspection
	mux.HandleFunc("GET /router/stats", s.handleStats)
	mux.HandleFunc("GET /router/stats/service", s.handleServiceStats)
	mux.HandleFunc("GET /router/stats/http", s.handleHTTPStats)
	mux.HandleFunc("GET /router/stats/users", s.handleUserStats)
	mux.HandleFunc("GET /router/stats/users/{login}", s.handleUserStat)
	mux.HandleFunc("GET /router/stats/cache", s.handleCacheStats)
	mux.HandleFunc("GET /router/stats/requests", s.handleRequestLog)
	mux.HandleFunc("GET /router/events", s.handleEvents)
	mux.HandleFunc("GET /router/logs", s.handleLogs)

	// Resets
	mux.HandleFunc("POST /router/reset", s.handleReset)
	mux.HandleFunc("POST /router/reset/accounts", s.handleResetAllAccounts)
	mux.HandleFunc("POST /router/reset/accounts/{email}", s.handleResetAccount)
	mux.HandleFunc("POST /router/reset/users", s.handleResetUsers)

	// Unknown management paths must not fall through to upstream.
	mux.HandleFunc("/router/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, statusUnknownPath, detail("unknown router path"))
	})

	// Everything else is proxied.
	mux.HandleFunc("/", s.handleProxy)
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.manager.Start(ctx)
	go s.transportMgr.RunCleanup(ctx)
	go s.runLogPurge(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.manager.RemoveAll(shutdownCtx)
		return err
	}
}

// runLogPurge deletes request_log entries older than 30 days every 6 hours.
func (s *Server) runLogPurge(ctx context.Context) {
	if s.logs == nil {
		return
	}
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour)
			n, err := s.logs.PurgeBefore(ctx, before)
			if err != nil {
				slog.Error("purge old request logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
		}
	}
}
