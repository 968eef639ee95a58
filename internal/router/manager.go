package router

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/awo/router/internal/account"
	"github.com/awo/router/internal/cache"
	"github.com/awo/router/internal/config"
	"github.com/awo/router/internal/events"
)

// ClientFactory builds the upstream caller for a freshly added account.
type ClientFactory func(*account.Account) Doer

// Task placement outcomes, used as keys of the task type counters.
const (
	placedDirect = -1 // explicit account named by the caller
	placedBind   = 0  // served by the bound account
	placedFree   = 1  // cheapest free worker, no waiting
	placedRace   = 2  // won in the open race
)

type bindPattern struct {
	re     *regexp.Regexp
	params []string
}

// Manager owns the account registry and decides which worker serves each
// task: explicit account first, then the sticky bind, then an open race
// between every account that can serve the path.
type Manager struct {
	cfg       *config.Config
	bus       *events.Bus
	log       *slog.Logger
	binds     *cache.BindCache
	newClient ClientFactory

	baseCtx context.Context

	mu       sync.Mutex
	byEmail  map[string]*Worker
	byUID    map[string]*Worker
	patterns []bindPattern

	statsMu     sync.Mutex
	taskType    map[int]int
	waitingTime map[int]int
}

func NewManager(cfg *config.Config, binds *cache.BindCache, bus *events.Bus, log *slog.Logger, factory ClientFactory) (*Manager, error) {
	m := &Manager{
		cfg:         cfg,
		bus:         bus,
		log:         log.With("component", "manager"),
		binds:       binds,
		newClient:   factory,
		baseCtx:     context.Background(),
		byEmail:     map[string]*Worker{},
		byUID:       map[string]*Worker{},
		taskType:    map[int]int{},
		waitingTime: map[int]int{},
	}
	for _, p := range cfg.BindPatterns {
		re, err := regexp.Compile(p.Path)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, bindPattern{re: re, params: p.Params})
	}
	return m, nil
}

// Start pins the context worker loops run under. Removing the manager's
// context terminates every worker.
func (m *Manager) Start(ctx context.Context) {
	m.baseCtx = ctx
}

// AddAccount registers the account, applies the shared defaults and starts
// its worker.
func (m *Manager) AddAccount(ctx context.Context, acct *account.Account) error {
	if err := acct.Normalize(); err != nil {
		return err
	}
	if acct.RoutingRules.Allow == nil && acct.RoutingRules.Deny == nil {
		acct.RoutingRules = account.RoutingRules{
			Allow: append([]string{}, m.cfg.DefaultRoutingRules.Allow...),
			Deny:  append([]string{}, m.cfg.DefaultRoutingRules.Deny...),
		}
	}
	if acct.Limits == nil {
		acct.Limits = m.cfg.DefaultAccountLimits
	}
	acct.SnapshotRoutingRules()

	m.mu.Lock()
	if _, exists := m.byEmail[acct.Email]; exists {
		m.mu.Unlock()
		return managerErrorf("account %s is already registered", acct.Email)
	}
	worker := NewWorker(acct, m.newClient(acct), m, m.workerConfig(), m.bus, m.log)
	m.byEmail[acct.Email] = worker
	m.byUID[acct.UID] = worker
	m.mu.Unlock()

	worker.Start(m.baseCtx)
	m.log.Info("account registered", "email", acct.Email, "uid", acct.UID, "mode", acct.APIMode)
	m.bus.Publish(events.Event{Type: events.EventAccountAdded, Account: acct.Email, Message: "account registered"})
	return nil
}

func (m *Manager) workerConfig() WorkerConfig {
	return WorkerConfig{
		BannedStatusCodes: m.cfg.BannedStatusCodes,
		FreezeStatusCodes: m.cfg.FreezeStatusCodes,
		RetryAfterHeader:  m.cfg.RetryAfterHeader,
		RetryAfterMaxTime: m.cfg.RetryAfterMaxTime,
		FreezeTimeInitial: m.cfg.FreezeTimeInitial,
		FreezeTimeMax:     m.cfg.FreezeTimeMax,
		FreezeTimeFactor:  m.cfg.FreezeTimeFactor,
		CooldownMode:      m.cfg.CooldownMode,
		CooldownParam:     m.cfg.CooldownParam,
		QueueMaxsize:      m.cfg.QueueMaxsize,
	}
}

// Get returns the account registered under email.
func (m *Manager) Get(email string) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byEmail[email]
	if !ok {
		return nil, managerErrorf("unknown account: %s", email)
	}
	return w.Account(), nil
}

// GetAll returns every account sorted by email.
func (m *Manager) GetAll() []*account.Account {
	m.mu.Lock()
	accounts := make([]*account.Account, 0, len(m.byEmail))
	for _, w := range m.byEmail {
		accounts = append(accounts, w.Account())
	}
	m.mu.Unlock()
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Email < accounts[j].Email })
	return accounts
}

// Remove unregisters the account, stops its worker and drops its binds.
func (m *Manager) Remove(ctx context.Context, email string) error {
	m.mu.Lock()
	w, ok := m.byEmail[email]
	if ok {
		delete(m.byEmail, email)
		delete(m.byUID, w.Account().UID)
	}
	m.mu.Unlock()
	if !ok {
		return managerErrorf("unknown account: %s", email)
	}

	w.Stop()
	if err := m.binds.DropValue(ctx, w.Account().UID); err != nil {
		m.log.Warn("bind cleanup failed", "email", email, "error", err)
	}
	m.log.Info("account removed", "email", email)
	m.bus.Publish(events.Event{Type: events.EventAccountRemoved, Account: email, Message: "account removed"})
	return nil
}

// RemoveAll unregisters every account.
func (m *Manager) RemoveAll(ctx context.Context) {
	for _, acct := range m.GetAll() {
		if err := m.Remove(ctx, acct.Email); err != nil {
			m.log.Warn("remove failed", "email", acct.Email, "error", err)
		}
	}
}

// Reset restores the account to its registration state: original routing
// rules, cleared statistics and usage, ban lifted.
func (m *Manager) Reset(email string) error {
	acct, err := m.Get(email)
	if err != nil {
		return err
	}
	acct.Reset()
	acct.SetBanned(false)
	m.log.Info("account reset", "email", email)
	return nil
}

// ResetAll resets every registered account.
func (m *Manager) ResetAll() {
	for _, acct := range m.GetAll() {
		acct.Reset()
		acct.SetBanned(false)
	}
}

// AddTask places the task on a worker. A non-empty accountEmail routes the
// task directly to that account; the sticky bind resolves to its account
// the same way. Everything else enters the open race, which fails when no
// candidate frees up within WorkersTimeout.
func (m *Manager) AddTask(ctx context.Context, task *Task, accountEmail string) error {
	bound := false
	if accountEmail == "" && !task.Admin {
		task.BindKey = m.makeBindKey(task.Path, task.Query)
		if task.BindKey != "" {
			uid, ok, err := m.binds.Get(ctx, task.BindKey)
			if err != nil {
				m.log.Warn("bind lookup failed", "key", task.BindKey, "error", err)
			} else if ok {
				m.mu.Lock()
				bw := m.byUID[uid]
				m.mu.Unlock()
				if bw == nil {
					m.RemoveBindRequest(ctx, task)
					return managerErrorf("account not found for bind %s", task.BindKey)
				}
				// Bound tasks jump the line so a session stays in order.
				accountEmail = bw.Account().Email
				task.Priority = 0
				bound = true
				m.countTaskType(placedBind)
			}
		}
	}

	var w *Worker
	switch {
	case accountEmail != "":
		m.mu.Lock()
		w = m.byEmail[accountEmail]
		m.mu.Unlock()
		if w == nil {
			m.RemoveBindRequest(ctx, task)
			return managerErrorf("account not found: %s", accountEmail)
		}
		if !bound {
			m.countTaskType(placedDirect)
		}
		m.countWaiting(0)
		if m.cfg.QueueMaxsize > 0 && w.QueueSize() >= m.cfg.QueueMaxsize {
			return managerErrorf("account %s queue exceeded maxsize: %d", accountEmail, w.QueueSize())
		}

	case !task.Admin:
		candidates, err := m.candidates(ctx, task)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			m.countWaiting(-1)
			return managerErrorf("no workers available: %s", task.Path)
		}

		// Fast path: the cheapest free candidate wins deterministically.
		for _, c := range candidates {
			if c.IsFree() {
				w = c
				m.countTaskType(placedFree)
				m.countWaiting(0)
				break
			}
		}
		if w == nil {
			started := time.Now()
			w = m.race(ctx, candidates)
			if w == nil {
				m.countWaiting(-1)
				return managerErrorf("no free worker available: %s", task.Path)
			}
			m.countTaskType(placedRace)
			m.countWaiting(int(time.Since(started).Seconds()) + 1)
		}

	default:
		return managerErrorf("admin task without an account: %s", task.Path)
	}

	acct := w.Account()
	if acct.IsBanned() {
		return managerErrorf("account %s is banned", acct.Email)
	}
	state := acct.State()
	running := state == account.StateWaiting || state == account.StateRunning || state == account.StateCooldown
	if !running && !(state == account.StateFrozen && task.Admin) {
		return managerErrorf("account %s is %s", acct.Email, state)
	}

	return m.enqueue(ctx, w, task)
}

func (m *Manager) serviceable(w *Worker, path string) bool {
	acct := w.Account()
	if acct.IsBanned() || acct.GetRoute(path) == "" || acct.LimitsExceeded(path) {
		return false
	}
	if m.cfg.QueueMaxsize > 0 && w.QueueSize() >= m.cfg.QueueMaxsize {
		return false
	}
	return true
}

// candidates collects the DRUM workers of the task's group able to serve
// its path, cheapest first. Ties break on the least recently used account,
// then on the one carrying fewer binds.
func (m *Manager) candidates(ctx context.Context, task *Task) ([]*Worker, error) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.byEmail))
	for _, w := range m.byEmail {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	group := task.Group
	if group == "" {
		group = "main"
	}

	type ranked struct {
		w     *Worker
		cost  int
		last  time.Time
		binds int
	}
	var out []ranked
	for _, w := range workers {
		acct := w.Account()
		if acct.APIMode != account.ModeDrum || acct.Group != group {
			continue
		}
		switch acct.State() {
		case account.StateWaiting, account.StateRunning, account.StateCooldown:
		default:
			continue
		}
		if !m.serviceable(w, task.Path) {
			continue
		}
		n, err := m.binds.CountKeysForValue(ctx, acct.UID)
		if err != nil {
			return nil, err
		}
		out = append(out, ranked{w: w, cost: acct.Cost, last: acct.LastReq(), binds: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].cost != out[j].cost {
			return out[i].cost < out[j].cost
		}
		if !out[i].last.Equal(out[j].last) {
			return out[i].last.Before(out[j].last)
		}
		return out[i].binds < out[j].binds
	})
	result := make([]*Worker, len(out))
	for i, r := range out {
		result[i] = r.w
	}
	return result, nil
}

// race waits for the first candidate to go idle, up to WorkersTimeout.
func (m *Manager) race(ctx context.Context, candidates []*Worker) *Worker {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WorkersTimeout)
	defer cancel()

	winnerCh := make(chan *Worker, len(candidates))
	for _, w := range candidates {
		go func(w *Worker) {
			select {
			case <-w.FreeSignal():
				winnerCh <- w
			case <-ctx.Done():
			}
		}(w)
	}
	select {
	case w := <-winnerCh:
		return w
	case <-ctx.Done():
		return nil
	}
}

func (m *Manager) enqueue(ctx context.Context, w *Worker, task *Task) error {
	task.markScheduled()
	if err := w.Enqueue(task); err != nil {
		if errors.Is(err, ErrQueueFull) {
			return managerErrorf("account %s backlog is full", w.Account().Email)
		}
		return err
	}
	if size := w.QueueSize(); size >= m.cfg.QueueWarnThreshold {
		m.log.Warn("backlog above threshold", "email", w.Account().Email, "size", size)
		m.bus.Publish(events.Event{
			Type:    events.EventQueueBacklog,
			Account: w.Account().Email,
			Message: "backlog above threshold",
		})
	}
	if task.BindKey != "" {
		if err := m.binds.Set(ctx, task.BindKey, w.Account().UID); err != nil {
			m.log.Warn("bind write failed", "key", task.BindKey, "error", err)
		}
	}
	return nil
}

// RemoveBindRequest drops the task's sticky bind, called by workers when
// their account stops serving the bound path.
func (m *Manager) RemoveBindRequest(ctx context.Context, task *Task) {
	if task.BindKey == "" {
		return
	}
	if err := m.binds.Remove(ctx, task.BindKey); err != nil {
		m.log.Warn("bind removal failed", "key", task.BindKey, "error", err)
	}
}

// makeBindKey matches the path against the configured bind patterns and
// builds the bind key from the matched prefix plus the declared query
// params. Returns "" when no pattern matches.
func (m *Manager) makeBindKey(path, query string) string {
	for _, p := range m.patterns {
		matched := p.re.FindString(path)
		if matched == "" {
			continue
		}
		values, err := url.ParseQuery(query)
		if err != nil {
			values = url.Values{}
		}
		params := map[string]string{}
		for _, name := range p.params {
			if v := values.Get(name); v != "" {
				params[name] = v
			}
		}
		return cache.MakeBindKey(matched, params)
	}
	return ""
}

// Stats summarizes scheduling activity for the stats endpoints.
type Stats struct {
	Accounts    int            `json:"accounts"`
	Queued      int            `json:"queued"`
	TaskType    map[string]int `json:"task_type"`
	WaitingTime map[string]int `json:"waiting_time"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{Accounts: len(m.byEmail)}
	for _, w := range m.byEmail {
		s.Queued += w.QueueSize()
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	s.TaskType = map[string]int{}
	for k, v := range m.taskType {
		s.TaskType[taskTypeLabel(k)] = v
	}
	s.WaitingTime = map[string]int{}
	for k, v := range m.waitingTime {
		s.WaitingTime[waitingLabel(k)] = v
	}
	m.statsMu.Unlock()
	return s
}

func taskTypeLabel(k int) string {
	switch k {
	case placedDirect:
		return "direct"
	case placedBind:
		return "bind"
	case placedFree:
		return "free"
	case placedRace:
		return "race"
	}
	return "unknown"
}

func waitingLabel(k int) string {
	switch {
	case k < 0:
		return "failed"
	case k == 0:
		return "0s"
	default:
		return strconv.Itoa(k) + "s"
	}
}

func (m *Manager) countTaskType(k int) {
	m.statsMu.Lock()
	m.taskType[k]++
	m.statsMu.Unlock()
}

func (m *Manager) countWaiting(k int) {
	m.statsMu.Lock()
	m.waitingTime[k]++
	m.statsMu.Unlock()
}
