package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	codes, sizes, _ := s.stats.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"scheduler":      s.manager.Stats(),
		"cache":          s.cache.Stats(r.Context()),
		"status_codes":   codes,
		"payload_sizes":  sizes,
	})
}

// handleServiceStats reports scheduling timings: how long responses took,
// how long tasks waited for a free worker, and how each task was placed.
func (s *Server) handleServiceStats(w http.ResponseWriter, r *http.Request) {
	_, _, processTime := s.stats.snapshot()
	sched := s.manager.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"process_time":        processTime,
		"worker_waiting_time": sched.WaitingTime,
		"task_type":           sched.TaskType,
	})
}

func (s *Server) handleHTTPStats(w http.ResponseWriter, r *http.Request) {
	codes, sizes, _ := s.stats.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"codes":   codes,
		"size_kb": sizes,
	})
}

// handleUserStats lists users ordered by total usage, busiest first.
// The optional ?limit trims the list.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	users := s.users.List()
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].UsageTotal() > users[j].UsageTotal()
	})
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < len(users) {
			users = users[:n]
		}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleUserStat(w http.ResponseWriter, r *http.Request) {
	user := s.users.Lookup(r.PathValue("login"))
	if user == nil {
		writeJSON(w, statusRequestError, detail("user not found"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleRequestLog returns the newest request-log rows from sqlite.
func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.logs.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, detail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleEvents returns buffered scheduler events; with ?follow=1 it keeps
// the connection open and streams new events as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !boolParam(r, "follow", false) {
		writeJSON(w, http.StatusOK, s.bus.Recent())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, detail("streaming unsupported"))
		return
	}
	id, ch, recent := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, e := range recent {
		writeSSE(w, e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleLogs returns the buffered log lines from the ring handler.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logHandler == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.logHandler.Recent())
}
