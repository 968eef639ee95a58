package account

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerState mirrors the state of the worker serving an account. It is
// stored on the account so that the registry endpoints can report it.
type WorkerState string

const (
	StateIdle       WorkerState = "idle"
	StateWaiting    WorkerState = "waiting"
	StateRunning    WorkerState = "running"
	StateCooldown   WorkerState = "cooldown"
	StateFrozen     WorkerState = "frozen"
	StateTerminated WorkerState = "terminated"
)

// APIMode selects how an account participates in scheduling. DRUM accounts
// enter the open race; DIRECT accounts must be named explicitly by the caller.
type APIMode string

const (
	ModeDirect APIMode = "direct"
	ModeDrum   APIMode = "drum"
)

// CooldownMode selects the pacing policy between upstream requests.
type CooldownMode string

const (
	CooldownInterval CooldownMode = "interval"
	CooldownWindow   CooldownMode = "window"
)

// CooldownStep is one entry of a cooldown schedule: Seconds repeated
// Repeat times.
type CooldownStep struct {
	Repeat  int
	Seconds float64
}

// CooldownParam is the tagged union behind the cooldown parameter. It
// accepts a scalar, a list of scalars, or a list mixing scalars with
// (repeat, seconds) pairs; a WINDOW-mode param is the (window_size, period)
// pair expressed as two scalars.
type CooldownParam []CooldownStep

func (p *CooldownParam) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		*p = CooldownParam{{Repeat: 1, Seconds: scalar}}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("cooldown param: expected number or array")
	}
	steps := make(CooldownParam, 0, len(raw))
	for _, elem := range raw {
		var s float64
		if err := json.Unmarshal(elem, &s); err == nil {
			steps = append(steps, CooldownStep{Repeat: 1, Seconds: s})
			continue
		}
		var pair [2]float64
		if err := json.Unmarshal(elem, &pair); err != nil {
			return fmt.Errorf("cooldown param: expected number or [repeat, seconds] pair")
		}
		steps = append(steps, CooldownStep{Repeat: int(pair[0]), Seconds: pair[1]})
	}
	*p = steps
	return nil
}

func (p CooldownParam) MarshalJSON() ([]byte, error) {
	if len(p) == 1 && p[0].Repeat == 1 {
		return json.Marshal(p[0].Seconds)
	}
	out := make([]any, len(p))
	for i, step := range p {
		if step.Repeat == 1 {
			out[i] = step.Seconds
		} else {
			out[i] = [2]float64{float64(step.Repeat), step.Seconds}
		}
	}
	return json.Marshal(out)
}

// Window interprets the param as a WINDOW-mode (window_size, period) pair.
func (p CooldownParam) Window() (size, period float64, err error) {
	if len(p) != 2 || p[0].Repeat != 1 || p[1].Repeat != 1 {
		return 0, 0, fmt.Errorf("window cooldown param must be a (window_size, period) pair")
	}
	return p[0].Seconds, p[1].Seconds, nil
}

// TotalSeconds is the duration of one full pass over the schedule.
func (p CooldownParam) TotalSeconds() float64 {
	total := 0.0
	for _, step := range p {
		total += float64(step.Repeat) * step.Seconds
	}
	return total
}

// RoutingRules holds the ordered allow/deny route lists. A nil Allow list
// means "allow everything not denied"; a present-but-empty Allow list denies
// everything, which is why the nil/empty distinction is preserved.
type RoutingRules struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

func (r RoutingRules) empty() bool {
	return r.Allow == nil && r.Deny == nil
}

func (r RoutingRules) clone() RoutingRules {
	out := RoutingRules{}
	if r.Allow != nil {
		out.Allow = append([]string{}, r.Allow...)
	}
	if r.Deny != nil {
		out.Deny = append([]string{}, r.Deny...)
	}
	return out
}

func (r RoutingRules) validate() error {
	for _, route := range append(append([]string{}, r.Allow...), r.Deny...) {
		if route == "*" {
			continue
		}
		if _, err := compileRoute(route); err != nil {
			return fmt.Errorf("routing rule %q: %w", route, err)
		}
	}
	return nil
}

// RouteStats counts request outcomes for one route.
type RouteStats struct {
	Sent    int `json:"sent"`
	Succeed int `json:"succeed"`
	Failed  int `json:"failed"`
}

type ruleKey struct {
	rule  string // "allow" or "deny"
	route string
}

// Account is one upstream API identity: static credentials plus the mutable
// routing, quota and statistics state its worker maintains.
//
// The exported fields are set at registration (typically by decoding the
// request body of POST /router/accounts) and must not be mutated afterwards
// except through the methods, which serialize access.
type Account struct {
	UID              string        `json:"uid"`
	Email            string        `json:"email"`
	Group            string        `json:"group"`
	APIToken         string        `json:"api_token"`
	APIMode          APIMode       `json:"api_mode"`
	APICooldownParam CooldownParam `json:"api_cooldown_param,omitempty"`
	APICooldownMode  CooldownMode  `json:"api_cooldown_mode,omitempty"`
	RoutingRules     RoutingRules  `json:"api_routing_rules"`
	Cost             int           `json:"cost"`
	Limits           Limits        `json:"limits,omitempty"`
	CreatedAt        *time.Time    `json:"created_at,omitempty"`
	ExpireAt         *time.Time    `json:"expire_at,omitempty"`
	RegisteredAt     time.Time     `json:"registered_at"`
	Proxy            *Proxy        `json:"proxy,omitempty"`

	mu               sync.Mutex
	usage            Usage
	reqStats         map[string]*RouteStats
	lastStatusCodes  map[string]int
	lastReqTimestamp time.Time
	workerState      WorkerState
	banned           bool
	ruleExpiry       map[ruleKey]time.Time
	routingOrigin    RoutingRules
}

// NewUID returns a fresh 8-hex-char identifier.
func NewUID() string {
	return fmt.Sprintf("%x", [16]byte(uuid.New()))[:8]
}

// Normalize fills defaults and validates the account. Must be called once
// before registration; it is the validate-on-construct entry point.
func (a *Account) Normalize() error {
	if a.Email == "" {
		return fmt.Errorf("account email is required")
	}
	if a.APIToken == "" {
		return fmt.Errorf("account api_token is required")
	}
	if a.Cost < 0 {
		return fmt.Errorf("account cost must be >= 0")
	}
	if a.UID == "" {
		a.UID = NewUID()
	}
	if a.Group == "" {
		a.Group = "main"
	}
	if a.APIMode == "" {
		a.APIMode = ModeDrum
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now()
	}
	if (a.APICooldownParam == nil) != (a.APICooldownMode == "") {
		return fmt.Errorf("api_cooldown_param and api_cooldown_mode must be set together")
	}
	if a.APICooldownMode == CooldownWindow {
		if _, _, err := a.APICooldownParam.Window(); err != nil {
			return err
		}
	}
	if err := a.RoutingRules.validate(); err != nil {
		return err
	}
	if err := a.Limits.validate(); err != nil {
		return err
	}
	if a.Proxy != nil {
		if err := a.Proxy.validate(); err != nil {
			return err
		}
	}
	if a.usage == nil {
		a.usage = Usage{}
	}
	if a.reqStats == nil {
		a.reqStats = map[string]*RouteStats{}
	}
	if a.lastStatusCodes == nil {
		a.lastStatusCodes = map[string]int{}
	}
	if a.ruleExpiry == nil {
		a.ruleExpiry = map[ruleKey]time.Time{}
	}
	a.workerState = StateIdle
	return nil
}

// SnapshotRoutingRules captures the registration-time rules for Reset.
func (a *Account) SnapshotRoutingRules() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routingOrigin = a.RoutingRules.clone()
}

// GetRoute resolves path against the routing rules. It returns the matching
// allow token (a route string or "*"), or "" when the path is denied.
// Timed rules that have expired are purged first.
func (a *Account) GetRoute(path string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.banned {
		return ""
	}
	if a.RoutingRules.empty() {
		return "*"
	}
	a.refreshRoutingRules()
	for _, route := range a.RoutingRules.Deny {
		if matchRoute(route, path) {
			return ""
		}
	}
	if a.RoutingRules.Allow != nil {
		for _, route := range a.RoutingRules.Allow {
			if matchRoute(route, path) {
				return route
			}
		}
		return ""
	}
	return "*"
}

// AddRoutingRule inserts route into the allow or deny list. An existing
// occurrence is removed first; index -1 appends. A non-zero expire schedules
// the rule for removal on the next GetRoute after that instant.
func (a *Account) AddRoutingRule(rule, route string, index int, expire time.Time) error {
	if rule != "allow" && rule != "deny" {
		return fmt.Errorf("unknown rule kind: %s", rule)
	}
	if route != "*" {
		if _, err := compileRoute(route); err != nil {
			return fmt.Errorf("routing rule %q: %w", route, err)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var routes []string
	if rule == "allow" {
		routes = a.RoutingRules.Allow
	} else {
		routes = a.RoutingRules.Deny
	}
	for i, existing := range routes {
		if existing == route {
			routes = append(routes[:i], routes[i+1:]...)
			break
		}
	}
	if index < 0 || index >= len(routes) {
		routes = append(routes, route)
	} else {
		routes = append(routes[:index], append([]string{route}, routes[index:]...)...)
	}
	if rule == "allow" {
		a.RoutingRules.Allow = routes
	} else {
		a.RoutingRules.Deny = routes
	}

	key := ruleKey{rule: rule, route: route}
	if expire.IsZero() {
		delete(a.ruleExpiry, key)
	} else {
		a.ruleExpiry[key] = expire
	}
	return nil
}

func (a *Account) refreshRoutingRules() {
	now := time.Now()
	for key, expire := range a.ruleExpiry {
		var routes *[]string
		if key.rule == "allow" {
			routes = &a.RoutingRules.Allow
		} else {
			routes = &a.RoutingRules.Deny
		}
		found := false
		for i, route := range *routes {
			if route == key.route {
				found = true
				if expire.Before(now) {
					*routes = append((*routes)[:i], (*routes)[i+1:]...)
					delete(a.ruleExpiry, key)
				}
				break
			}
		}
		if !found {
			delete(a.ruleExpiry, key)
		}
	}
}

// RefreshRoutingRules purges expired timed rules. The registry calls it
// before serializing an account so stale rules never appear in responses.
func (a *Account) RefreshRoutingRules() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshRoutingRules()
}

// Reset restores the registration-time routing rules and clears expiries,
// request statistics, last status codes, the last request timestamp and
// accumulated usage.
func (a *Account) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.RoutingRules = a.routingOrigin.clone()
	a.ruleExpiry = map[ruleKey]time.Time{}
	a.reqStats = map[string]*RouteStats{}
	a.lastStatusCodes = map[string]int{}
	a.lastReqTimestamp = time.Time{}
	a.usage = Usage{}
}

// LimitsExceeded reports whether the daily quota for path is used up.
func (a *Account) LimitsExceeded(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Limits.Exceeded(a.usage, path)
}

// IncUsage increments the usage bucket selected by the limits for path.
func (a *Account) IncUsage(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage[a.Limits.Bucket(path)]++
}

// RecordOutcome updates per-route statistics after an upstream call.
func (a *Account) RecordOutcome(route string, status int, failed bool, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := a.reqStats[route]
	if stats == nil {
		stats = &RouteStats{}
		a.reqStats[route] = stats
	}
	stats.Sent++
	if failed {
		stats.Failed++
	} else {
		stats.Succeed++
	}
	a.lastStatusCodes[route] = status
	a.lastReqTimestamp = ts
}

func (a *Account) UsageTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage.Total()
}

func (a *Account) LastReq() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReqTimestamp
}

func (a *Account) IsBanned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.banned
}

func (a *Account) SetBanned(banned bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.banned = banned
}

func (a *Account) State() WorkerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerState
}

func (a *Account) SetState(state WorkerState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workerState = state
}

// Lifetime is the number of seconds until ExpireAt, or -1 when unset.
func (a *Account) Lifetime() int {
	if a.ExpireAt == nil {
		return -1
	}
	left := int(time.Until(*a.ExpireAt).Seconds())
	if left < 0 {
		return 0
	}
	return left
}

// Worth prorates the account cost over its remaining lifetime. Returns 0
// when the account carries no cost or validity interval.
func (a *Account) Worth() float64 {
	if a.CreatedAt == nil || a.ExpireAt == nil || a.Cost == 0 {
		return 0
	}
	created := a.CreatedAt.Unix()
	expire := a.ExpireAt.Unix()
	if created >= expire {
		return 0
	}
	return float64(a.Lifetime()) * float64(a.Cost) / float64(expire-created)
}

// MarshalJSON serializes the account together with its mutable state and
// computed fields for the registry endpoints.
func (a *Account) MarshalJSON() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lastReq *time.Time
	if !a.lastReqTimestamp.IsZero() {
		t := a.lastReqTimestamp
		lastReq = &t
	}
	return json.Marshal(map[string]any{
		"uid":                a.UID,
		"email":              a.Email,
		"group":              a.Group,
		"api_mode":           a.APIMode,
		"api_cooldown_param": a.APICooldownParam,
		"api_cooldown_mode":  a.APICooldownMode,
		"api_routing_rules":  a.RoutingRules,
		"cost":               a.Cost,
		"limits":             a.Limits,
		"usage":              a.usage,
		"usage_total":        a.usage.Total(),
		"created_at":         a.CreatedAt,
		"expire_at":          a.ExpireAt,
		"registered_at":      a.RegisteredAt,
		"req_stats":          a.reqStats,
		"last_status_codes":  a.lastStatusCodes,
		"last_req_timestamp": lastReq,
		"worker_state":       a.workerState,
		"banned":             a.banned,
		"proxy":              a.Proxy,
		"lifetime":           a.Lifetime(),
		"worth":              a.Worth(),
	})
}
