package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/awo/router/internal/account"
	"github.com/awo/router/internal/cache"
	"github.com/awo/router/internal/router"
	"github.com/awo/router/internal/store"
)

// Cache directives accepted in the x-cache request header.
const (
	cacheSkip    = "0" // bypass the cache entirely (default)
	cacheUse     = "1" // read and write
	cacheReplace = "2" // skip the read, refresh the stored entry
)

// handleProxy forwards any non-/router request through the account pool.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detail("unreadable request body"))
		return
	}

	// Identity headers travel back so the caller can match responses.
	for _, name := range []string{"x-login", "x-admin"} {
		if v := r.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}

	login := r.Header.Get("x-login")
	accountEmail := r.Header.Get("x-account")
	admin := r.Header.Get("x-admin") != ""
	if admin && accountEmail == "" {
		writeJSON(w, statusRequestError, detail("invalid x-admin request (no x-account specified)"))
		return
	}

	cacheMode := r.Header.Get("x-cache")
	if cacheMode == "" {
		cacheMode = cacheSkip
	}
	switch cacheMode {
	case cacheSkip, cacheUse, cacheReplace:
	default:
		writeJSON(w, statusRequestError, detail("invalid x-cache header"))
		return
	}
	if admin && cacheMode != cacheSkip {
		writeJSON(w, statusRequestError, detail("invalid x-cache header"))
		return
	}

	var user *account.User
	if !admin && login != "" {
		user = s.users.Get(login)
		if !s.isUnlimited(login) && (user.Banned || user.LimitsExceeded(r.URL.Path)) {
			writeJSON(w, statusUserLimits, detail("daily limits exceeded"))
			return
		}
	}

	sigHeaders := s.signatureHeaders(r)
	useCache := s.cfg.CacheEnabled && !admin && cacheMode != cacheSkip
	var key string
	var sig []byte
	if useCache {
		sig = cache.EncodeSignature(r.Method, r.URL.Path, sigHeaders, r.URL.RawQuery, body)
		key = cache.MakeKey(sig)
	}

	if useCache && cacheMode == cacheUse {
		if entry, ok, err := s.cache.Get(r.Context(), key, login, true); err == nil && ok {
			s.logRequest(r, login, "", entry.Status, true, 0)
			s.writeUpstream(w, entry.Status, entry.Headers, entry.Body, "", cacheUse)
			return
		}
	}

	task := router.NewTask(r.Method, r.URL.Path, r.URL.RawQuery, sigHeaders, body)
	task.Admin = admin
	task.Group = r.Header.Get("x-group")
	started := time.Now()
	if err := s.manager.AddTask(r.Context(), task, accountEmail); err != nil {
		slog.Warn("task not scheduled", "path", r.URL.Path, "error", err)
		writeJSON(w, statusRequestError, detail("unable to process request: "+err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TaskTimeout)
	defer cancel()
	resp, err := task.Wait(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, statusTaskTimeout, detail("timeout"))
		return
	case err != nil:
		writeJSON(w, statusNoResponse, detail(err.Error()))
		return
	case resp == nil:
		writeJSON(w, statusNoResponse, detail("no response from upstream"))
		return
	}

	if user != nil {
		user.IncUsage(r.URL.Path)
	}
	if useCache && resp.Status/100 == 2 {
		if _, err := s.cache.Set(r.Context(), key, sig, &cache.Entry{
			Status:  resp.Status,
			Headers: resp.Headers,
			Body:    resp.Body,
		}); err != nil {
			slog.Warn("cache write failed", "key", key, "error", err)
		}
	}

	s.logRequest(r, login, task.ServedBy, resp.Status, false, time.Since(started))
	s.writeUpstream(w, resp.Status, resp.Headers, resp.Body, task.ServedBy, cacheSkip)
}

// writeUpstream relays an upstream (or cached) response to the client.
// cacheState is "1" for a cache hit and "0" otherwise.
func (s *Server) writeUpstream(w http.ResponseWriter, status int, headers map[string]string, body []byte, servedBy, cacheState string) {
	for _, name := range s.cfg.PassthroughHeaders {
		if v, ok := headers[name]; ok {
			w.Header().Set(name, v)
		}
	}
	if servedBy != "" {
		w.Header().Set("x-account", servedBy)
	}
	w.Header().Set("x-cache", cacheState)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("client write failed", "error", err)
	}
}

// isUnlimited reports whether login matches one of the patterns exempt
// from per-user limits. Usage is still tracked for those logins.
func (s *Server) isUnlimited(login string) bool {
	for _, re := range s.unlimited {
		if re.MatchString(login) {
			return true
		}
	}
	return false
}

// signatureHeaders extracts the passthrough subset of the client headers,
// lowercased, for the request signature and the upstream call.
func (s *Server) signatureHeaders(r *http.Request) map[string]string {
	out := map[string]string{}
	for _, name := range s.cfg.PassthroughHeaders {
		if v := r.Header.Get(name); v != "" {
			out[strings.ToLower(name)] = v
		}
	}
	return out
}

func (s *Server) logRequest(r *http.Request, login, acct string, status int, cacheHit bool, took time.Duration) {
	if s.logs == nil {
		return
	}
	entry := &store.RequestLog{
		Login:      login,
		Account:    acct,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		CacheHit:   cacheHit,
		DurationMs: took.Milliseconds(),
	}
	if err := s.logs.Insert(context.Background(), entry); err != nil {
		slog.Debug("request log insert failed", "error", err)
	}
}
