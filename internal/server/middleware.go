package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/awo/router/internal/config"
)

// authenticate rejects any request whose x-token header does not match the
// shared secret. The whole surface sits behind it, proxy included.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-token") != s.cfg.AuthToken {
			writeJSON(w, statusInvalidToken, detail("invalid x-token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status and body size written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.size += n
	return n, err
}

// processTime stamps every response with x-process-time and feeds the
// status and payload-size counters.
func (s *Server) processTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		tw := &timedWriter{statusRecorder: rec, started: started}
		next.ServeHTTP(tw, r)
		s.stats.record(rec.status, rec.size, time.Since(started))
	})
}

// timedWriter finalizes the x-process-time header right before the status
// line goes out.
type timedWriter struct {
	*statusRecorder
	started time.Time
	wrote   bool
}

func (t *timedWriter) WriteHeader(status int) {
	if !t.wrote {
		t.wrote = true
		elapsed := time.Since(t.started).Seconds()
		t.Header().Set("x-process-time", fmt.Sprintf("%.4f", elapsed))
	}
	t.statusRecorder.WriteHeader(status)
}

func (t *timedWriter) Write(b []byte) (int, error) {
	if !t.wrote {
		t.WriteHeader(http.StatusOK)
	}
	return t.statusRecorder.Write(b)
}

// requestLogger logs all incoming HTTP requests for debugging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// statsCollector aggregates per-status, payload-size and process-time
// counters. Size buckets follow a fixed ladder ending at the cache
// thresholds; process times land in whole-second buckets.
type statsCollector struct {
	mu     sync.Mutex
	ladder []int
	codes  map[int]int
	sizes  map[string]int
	times  map[string]int
}

func newStatsCollector(cfg *config.Config) *statsCollector {
	return &statsCollector{
		ladder: []int{4096, 32768, 131072, 1048576, cfg.CacheSizeThreshold, cfg.CacheItemMaxsize},
		codes:  map[int]int{},
		sizes:  map[string]int{},
		times:  map[string]int{},
	}
}

func (c *statsCollector) record(status, size int, took time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[status]++
	c.sizes[c.bucket(size)]++
	c.times["<="+strconv.Itoa(int(took.Seconds())+1)+"s"]++
}

func (c *statsCollector) bucket(size int) string {
	for _, limit := range c.ladder {
		if size <= limit {
			return "<=" + strconv.Itoa(limit)
		}
	}
	return ">" + strconv.Itoa(c.ladder[len(c.ladder)-1])
}

func (c *statsCollector) snapshot() (codes, sizes, times map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes = make(map[string]int, len(c.codes))
	for code, n := range c.codes {
		codes[strconv.Itoa(code)] = n
	}
	sizes = make(map[string]int, len(c.sizes))
	for k, n := range c.sizes {
		sizes[k] = n
	}
	times = make(map[string]int, len(c.times))
	for k, n := range c.times {
		times[k] = n
	}
	return codes, sizes, times
}
