package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/awo/router/internal/account"
	"github.com/awo/router/internal/cache"
	"github.com/awo/router/internal/config"
	"github.com/awo/router/internal/events"
	"github.com/awo/router/internal/store"
	"github.com/awo/router/internal/upstream"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.CooldownMode = account.CooldownInterval
	cfg.CooldownParam = account.CooldownParam{{Repeat: 1, Seconds: 0}}
	cfg.FreezeTimeInitial = 0.01
	cfg.FreezeTimeMax = 0.05
	cfg.WorkersTimeout = 2 * time.Second
	cfg.BindScanTTL = 0
	return cfg
}

func testManager(t *testing.T, cfg *config.Config) (*Manager, map[string]*fakeDoer) {
	t.Helper()
	doers := map[string]*fakeDoer{}
	binds := cache.NewBindCache(store.NewMemKV(), time.Hour, cfg.BindScanTTL)
	m, err := NewManager(cfg, binds, events.NewBus(32), testLogger(), func(acct *account.Account) Doer {
		email := acct.Email
		d := &fakeDoer{respond: func(req *upstream.Request) (*upstream.Response, error) {
			return &upstream.Response{
				Status:  200,
				Headers: map[string]string{"x-served-by": email},
				Body:    []byte("ok"),
				URLPath: req.Path,
			}, nil
		}}
		doers[email] = d
		return d
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		m.RemoveAll(context.Background())
		cancel()
	})
	return m, doers
}

func addAccount(t *testing.T, m *Manager, email string, cost int, mutate func(*account.Account)) {
	t.Helper()
	acct := &account.Account{Email: email, APIToken: "token-" + email, Cost: cost}
	if mutate != nil {
		mutate(acct)
	}
	if err := m.AddAccount(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
}

// settle lets freshly started workers reach their idle wait.
func settle() { time.Sleep(100 * time.Millisecond) }

func runTask(t *testing.T, m *Manager, task *Task, email string) *upstream.Response {
	t.Helper()
	if err := m.AddTask(context.Background(), task, email); err != nil {
		t.Fatal(err)
	}
	resp, err := waitTask(t, task)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestManagerRoutesToCheapestFree(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "cheap@example.com", 1, nil)
	addAccount(t, m, "costly@example.com", 2, nil)
	settle()

	resp := runTask(t, m, NewTask("GET", "/api/wb/items", "", nil, nil), "")
	if got := resp.Headers["x-served-by"]; got != "cheap@example.com" {
		t.Errorf("served by %s, want the cheapest account", got)
	}
}

func TestManagerNoCandidates(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "wb@example.com", 1, func(a *account.Account) {
		a.RoutingRules = account.RoutingRules{Allow: []string{`^/api/wb`}}
	})
	settle()

	err := m.AddTask(context.Background(), NewTask("GET", "/api/oz/items", "", nil, nil), "")
	var mgrErr *ManagerError
	if !errors.As(err, &mgrErr) {
		t.Fatalf("err = %v, want ManagerError", err)
	}
}

func TestManagerUnknownDirectAccount(t *testing.T) {
	m, _ := testManager(t, testConfig())
	err := m.AddTask(context.Background(), NewTask("GET", "/api/wb/items", "", nil, nil), "nobody@example.com")
	var mgrErr *ManagerError
	if !errors.As(err, &mgrErr) {
		t.Fatalf("err = %v, want ManagerError", err)
	}
}

func TestManagerExplicitAccountStillGated(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "locked@example.com", 1, func(a *account.Account) {
		a.RoutingRules = account.RoutingRules{Allow: []string{}}
	})
	settle()

	// Naming the account skips candidate selection but not the worker's
	// route check.
	task := NewTask("GET", "/api/wb/items", "", nil, nil)
	if err := m.AddTask(context.Background(), task, "locked@example.com"); err != nil {
		t.Fatal(err)
	}
	_, err := waitTask(t, task)
	var routingErr *RoutingError
	if !errors.As(err, &routingErr) {
		t.Fatalf("err = %v, want RoutingError", err)
	}

	// Admin traffic is exempt from the gates.
	adminTask := NewTask("GET", "/api/wb/items", "", nil, nil)
	adminTask.Admin = true
	resp := runTask(t, m, adminTask, "locked@example.com")
	if resp.Status != 200 {
		t.Errorf("status = %d", resp.Status)
	}

	// Without the explicit account the deny-all rules apply.
	err = m.AddTask(context.Background(), NewTask("GET", "/api/wb/items", "", nil, nil), "")
	if err == nil {
		t.Error("expected scheduling failure for deny-all account")
	}
}

func TestManagerAdminTaskRequiresAccount(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "a@example.com", 1, nil)
	settle()

	task := NewTask("GET", "/api/wb/items", "", nil, nil)
	task.Admin = true
	err := m.AddTask(context.Background(), task, "")
	var mgrErr *ManagerError
	if !errors.As(err, &mgrErr) {
		t.Fatalf("err = %v, want ManagerError", err)
	}
}

func TestManagerGroupSelection(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "main@example.com", 1, nil)
	addAccount(t, m, "eu@example.com", 1, func(a *account.Account) {
		a.Group = "eu"
	})
	settle()

	task := NewTask("GET", "/api/wb/items", "", nil, nil)
	task.Group = "eu"
	resp := runTask(t, m, task, "")
	if got := resp.Headers["x-served-by"]; got != "eu@example.com" {
		t.Errorf("served by %s, want the eu group account", got)
	}

	// No group means the default one.
	resp = runTask(t, m, NewTask("GET", "/api/wb/items", "", nil, nil), "")
	if got := resp.Headers["x-served-by"]; got != "main@example.com" {
		t.Errorf("served by %s, want the main group account", got)
	}
}

func TestManagerBindStickiness(t *testing.T) {
	m, doers := testManager(t, testConfig())
	addAccount(t, m, "a@example.com", 1, nil)
	addAccount(t, m, "b@example.com", 1, nil)
	settle()

	path := "/api/wb/get/item/123/full"
	query := "d1=2026-01-01&d2=2026-02-01"

	first := runTask(t, m, NewTask("GET", path, query, nil, nil), "")
	chosen := first.Headers["x-served-by"]
	settle()

	second := runTask(t, m, NewTask("GET", path, query, nil, nil), "")
	if got := second.Headers["x-served-by"]; got != chosen {
		t.Errorf("second request served by %s, want bound account %s", got, chosen)
	}
	if doers[chosen].callCount() != 2 {
		t.Errorf("bound doer calls = %d, want 2", doers[chosen].callCount())
	}
}

func TestManagerFailsWhenNoWorkerFreesUp(t *testing.T) {
	cfg := testConfig()
	cfg.QueueMaxsize = 1
	cfg.WorkersTimeout = 50 * time.Millisecond
	m, doers := testManager(t, cfg)

	release := make(chan struct{})
	addAccount(t, m, "busy@example.com", 1, nil)
	doers["busy@example.com"].respond = func(req *upstream.Request) (*upstream.Response, error) {
		<-release
		return &upstream.Response{Status: 200, Headers: map[string]string{}}, nil
	}
	settle()

	ctx := context.Background()
	running := NewTask("GET", "/api/wb/items", "", nil, nil)
	if err := m.AddTask(ctx, running, ""); err != nil {
		t.Fatal(err)
	}
	settle() // the worker picks it up and blocks in the fake upstream

	// An open request does not pile onto a busy account: the race for a
	// free worker times out and the task is refused.
	refused := NewTask("GET", "/api/wb/items", "", nil, nil)
	err := m.AddTask(ctx, refused, "")
	var mgrErr *ManagerError
	if !errors.As(err, &mgrErr) {
		t.Fatalf("err = %v, want ManagerError", err)
	}

	// Naming the account still queues behind the running call, up to the
	// queue limit.
	queued := NewTask("GET", "/api/wb/items", "", nil, nil)
	if err := m.AddTask(ctx, queued, "busy@example.com"); err != nil {
		t.Fatal(err)
	}
	overflow := NewTask("GET", "/api/wb/items", "", nil, nil)
	if err := m.AddTask(ctx, overflow, "busy@example.com"); !errors.As(err, &mgrErr) {
		t.Fatalf("err = %v, want ManagerError for the full queue", err)
	}

	close(release)
	if _, err := waitTask(t, running); err != nil {
		t.Fatal(err)
	}
	if _, err := waitTask(t, queued); err != nil {
		t.Fatal(err)
	}
}

func TestManagerStaleBindFails(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "a@example.com", 1, nil)
	settle()

	ctx := context.Background()
	path := "/api/wb/get/item/123/full"
	query := "d1=2026-01-01&d2=2026-02-01"
	key := m.makeBindKey(path, query)
	if key == "" {
		t.Fatal("no bind key for the item path")
	}
	// A bind left behind by a removed account must not be followed.
	if err := m.binds.Set(ctx, key, "gone-uid"); err != nil {
		t.Fatal(err)
	}

	err := m.AddTask(ctx, NewTask("GET", path, query, nil, nil), "")
	var mgrErr *ManagerError
	if !errors.As(err, &mgrErr) {
		t.Fatalf("err = %v, want ManagerError", err)
	}
	if _, ok, _ := m.binds.Get(ctx, key); ok {
		t.Error("stale bind survived the failed lookup")
	}
}

func TestManagerRemoveDropsAccountAndBinds(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "a@example.com", 1, nil)
	settle()

	path := "/api/wb/get/item/9/full"
	runTask(t, m, NewTask("GET", path, "d1=1&d2=2", nil, nil), "")

	acct, err := m.Get("a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := m.binds.CountKeysForValue(context.Background(), acct.UID); n != 1 {
		t.Fatalf("bind count = %d, want 1", n)
	}

	if err := m.Remove(context.Background(), "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("a@example.com"); err == nil {
		t.Error("removed account still registered")
	}
	if n, _ := m.binds.CountKeysForValue(context.Background(), acct.UID); n != 0 {
		t.Errorf("bind count after remove = %d", n)
	}
	if acct.State() != account.StateTerminated {
		t.Errorf("worker state = %s", acct.State())
	}
}

func TestManagerResetRestoresAccount(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "a@example.com", 1, nil)

	acct, err := m.Get("a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	acct.SetBanned(true)
	if err := acct.AddRoutingRule("deny", `^/api/wb`, -1, time.Time{}); err != nil {
		t.Fatal(err)
	}

	if err := m.Reset("a@example.com"); err != nil {
		t.Fatal(err)
	}
	if acct.IsBanned() {
		t.Error("reset kept the ban")
	}
	if acct.GetRoute("/api/wb/items") == "" {
		t.Error("reset kept the deny rule")
	}
}

func TestManagerMakeBindKey(t *testing.T) {
	m, _ := testManager(t, testConfig())

	key := m.makeBindKey("/api/wb/get/item/123/full", "d1=a&d2=b&extra=1")
	want := "bind|/api/wb/get/item/123/|d1:a|d2:b"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
	if key := m.makeBindKey("/router/ping", ""); key != "" {
		t.Errorf("unexpected bind key %q for unmatched path", key)
	}
}

func TestManagerStats(t *testing.T) {
	m, _ := testManager(t, testConfig())
	addAccount(t, m, "a@example.com", 1, nil)
	settle()

	runTask(t, m, NewTask("GET", "/api/wb/items", "", nil, nil), "")
	runTask(t, m, NewTask("GET", "/api/wb/items", "", nil, nil), "a@example.com")

	s := m.Stats()
	if s.Accounts != 1 {
		t.Errorf("accounts = %d", s.Accounts)
	}
	if s.TaskType["direct"] != 1 {
		t.Errorf("direct = %d, want 1", s.TaskType["direct"])
	}
	if s.TaskType["free"]+s.TaskType["race"] != 1 {
		t.Errorf("task types = %v", s.TaskType)
	}
}
