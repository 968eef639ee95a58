package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/awo/router/internal/account"
)

// --- Accounts ---

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.manager.GetAll()
	for _, acct := range accounts {
		acct.RefreshRoutingRules()
	}
	writeJSON(w, http.StatusOK, accounts)
}

// handleAddAccounts registers one account or a batch. The body is either a
// single JSON object or an array of them.
func (s *Server) handleAddAccounts(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detail(err.Error()))
		return
	}

	var batch []*account.Account
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, http.StatusBadRequest, detail(err.Error()))
			return
		}
	} else {
		var acct account.Account
		if err := json.Unmarshal(body, &acct); err != nil {
			writeJSON(w, http.StatusBadRequest, detail(err.Error()))
			return
		}
		batch = append(batch, &acct)
	}

	added := make([]string, 0, len(batch))
	for _, acct := range batch {
		if err := s.manager.AddAccount(r.Context(), acct); err != nil {
			writeJSON(w, statusRequestError, map[string]any{
				"detail": err.Error(),
				"added":  added,
			})
			return
		}
		added = append(added, acct.Email)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": added})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.manager.Get(r.PathValue("email"))
	if err != nil {
		writeJSON(w, statusRequestError, detail(err.Error()))
		return
	}
	acct.RefreshRoutingRules()
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(r.Context(), r.PathValue("email")); err != nil {
		writeJSON(w, statusRequestError, detail(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAllAccounts(w http.ResponseWriter, r *http.Request) {
	s.manager.RemoveAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Reset(r.PathValue("email")); err != nil {
		writeJSON(w, statusRequestError, detail(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetAllAccounts(w http.ResponseWriter, r *http.Request) {
	s.manager.ResetAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetUsers(w http.ResponseWriter, r *http.Request) {
	s.users.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// handleAddRule mutates an account's routing rules:
// {"rule": "allow"|"deny", "route": "...", "index": -1, "expire": 60}
// where expire is seconds from now, 0 for permanent.
func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	acct, err := s.manager.Get(r.PathValue("email"))
	if err != nil {
		writeJSON(w, statusRequestError, detail(err.Error()))
		return
	}

	req := struct {
		Rule   string  `json:"rule"`
		Route  string  `json:"route"`
		Index  *int    `json:"index"`
		Expire float64 `json:"expire"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, detail(err.Error()))
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	var expire time.Time
	if req.Expire > 0 {
		expire = time.Now().Add(time.Duration(req.Expire * float64(time.Second)))
	}
	if err := acct.AddRoutingRule(req.Rule, req.Route, index, expire); err != nil {
		writeJSON(w, statusRequestError, detail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, detail("rule added"))
}

// --- Users ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.users.List())
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user := s.users.Lookup(r.PathValue("login"))
	if user == nil {
		writeJSON(w, statusRequestError, detail("user not found"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Response cache ---

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

// handleCacheTop serves /router/cache/topN.
func (s *Server) handleCacheTop(w http.ResponseWriter, r *http.Request) {
	arg := r.PathValue("topn")
	if !strings.HasPrefix(arg, "top") {
		writeJSON(w, statusUnknownPath, detail("unknown router path"))
		return
	}
	n, err := strconv.Atoi(strings.TrimPrefix(arg, "top"))
	if err != nil {
		writeJSON(w, statusUnknownPath, detail("unknown router path"))
		return
	}
	if n < 0 {
		n = -n
	}
	writeJSON(w, http.StatusOK, s.cache.MostCommon(n))
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Purge(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, detail(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Global reset ---

// handleReset restores the router to a clean slate. Query params
// remove_cache and remove_accounts both default to true.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	removeCache := boolParam(r, "remove_cache", true)
	removeAccounts := boolParam(r, "remove_accounts", true)

	if removeCache {
		if err := s.cache.Purge(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, detail(err.Error()))
			return
		}
	}
	if removeAccounts {
		s.manager.RemoveAll(r.Context())
	} else {
		s.manager.ResetAll()
	}
	s.users.Clear()
	writeJSON(w, http.StatusOK, map[string]any{
		"removed_cache":    removeCache,
		"removed_accounts": removeAccounts,
	})
}

func boolParam(r *http.Request, name string, fallback bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
