package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/awo/router/internal/account"
	"github.com/awo/router/internal/events"
	"github.com/awo/router/internal/upstream"
)

// Doer performs one upstream call. The production implementation is
// upstream.Client; tests substitute fakes.
type Doer interface {
	Do(ctx context.Context, req *upstream.Request) (*upstream.Response, error)
}

// BindRemover unbinds a task's session key from its account when the
// account stops being able to serve it.
type BindRemover interface {
	RemoveBindRequest(ctx context.Context, task *Task)
}

// WorkerConfig carries the discipline shared by all workers. Per-account
// cooldown overrides take precedence over the mode and param here.
type WorkerConfig struct {
	BannedStatusCodes []int
	FreezeStatusCodes []int
	RetryAfterHeader  string
	RetryAfterMaxTime float64
	FreezeTimeInitial float64
	FreezeTimeMax     float64
	FreezeTimeFactor  float64
	CooldownMode      account.CooldownMode
	CooldownParam     account.CooldownParam
	QueueMaxsize      int
}

// Worker owns one account and serves its queue serially: route and quota
// checks, cooldown pacing, the upstream call and the post-call discipline
// (deny rules, bans, freeze backoff).
type Worker struct {
	acct   *account.Account
	client Doer
	binds  BindRemover
	queue  *taskQueue
	cfg    WorkerConfig
	bus    *events.Bus
	log    *slog.Logger

	cooldownMode  account.CooldownMode
	cooldownParam account.CooldownParam
	interval      *intervalSchedule
	winSize       float64
	winPeriod     float64

	reqTimestamps []float64
	freezeCount   int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(acct *account.Account, client Doer, binds BindRemover, cfg WorkerConfig, bus *events.Bus, log *slog.Logger) *Worker {
	w := &Worker{
		acct:   acct,
		client: client,
		binds:  binds,
		queue:  newTaskQueue(cfg.QueueMaxsize),
		cfg:    cfg,
		bus:    bus,
		log:    log.With("account", acct.Email, "uid", acct.UID),
		done:   make(chan struct{}),
	}

	w.cooldownMode = cfg.CooldownMode
	w.cooldownParam = cfg.CooldownParam
	if acct.APICooldownMode != "" {
		w.cooldownMode = acct.APICooldownMode
		w.cooldownParam = acct.APICooldownParam
	}
	switch w.cooldownMode {
	case account.CooldownWindow:
		w.winSize, w.winPeriod, _ = w.cooldownParam.Window()
	default:
		w.interval = newIntervalSchedule(w.cooldownParam)
	}
	return w
}

func (w *Worker) Account() *account.Account { return w.acct }

// Start launches the serve loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Stop terminates the loop and fails queued tasks.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.queue.Close(managerErrorf("account %s removed", w.acct.Email))
	<-w.done
}

// Enqueue schedules a task on this worker.
func (w *Worker) Enqueue(task *Task) error {
	return w.queue.Put(task)
}

// IsFree reports whether a task enqueued now would be served immediately.
func (w *Worker) IsFree() bool {
	return w.acct.State() == account.StateWaiting && w.queue.Size() == 0
}

// FreeSignal is closed while the worker idles on an empty queue.
func (w *Worker) FreeSignal() <-chan struct{} {
	return w.queue.FreeSignal()
}

func (w *Worker) QueueSize() int { return w.queue.Size() }

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		w.acct.SetState(account.StateWaiting)
		task, err := w.queue.Get(ctx)
		if err != nil {
			w.acct.SetState(account.StateTerminated)
			return
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *Task) {
	// The waiter may have timed out while the task sat in the queue.
	if task.Ready() {
		return
	}
	task.markInWork()

	route := "*"
	if !task.Admin {
		route = w.acct.GetRoute(task.Path)
		if route == "" {
			w.dropBind(ctx, task)
			task.Fail(&RoutingError{Account: w.acct.Email, Path: task.Path})
			return
		}
		if w.acct.LimitsExceeded(task.Path) {
			w.dropBind(ctx, task)
			task.Fail(&LimitsError{Account: w.acct.Email, Path: task.Path})
			return
		}
	}

	if !w.sleepCooldown(ctx) {
		task.Fail(ctx.Err())
		return
	}

	w.acct.SetState(account.StateRunning)
	started := time.Now()
	resp, err := w.client.Do(ctx, task.Request())
	w.recordTimestamp(time.Now())

	if err != nil {
		// A transport failure says nothing about upstream throttling.
		w.freezeCount = 0
		if !task.Admin {
			w.acct.IncUsage(task.Path)
			w.acct.RecordOutcome(route, 0, true, started)
		}
		w.log.Warn("upstream call failed", "path", task.Path, "error", err)
		task.Fail(err)
		return
	}

	task.ServedBy = w.acct.Email
	task.Complete(resp)

	if !task.Admin {
		failed := resp.Status/100 != 2
		w.acct.IncUsage(task.Path)
		w.acct.RecordOutcome(route, resp.Status, failed, started)

		switch {
		case slices.Contains(w.cfg.BannedStatusCodes, resp.Status):
			w.handleBanned(ctx, route, resp.Status, task)
		case route != "*" && slices.Contains(w.cfg.FreezeStatusCodes, resp.Status):
			w.denyThrottled(ctx, route, resp, task)
		case w.acct.LimitsExceeded(task.Path):
			w.denyExhausted(route)
		}
	}

	if slices.Contains(w.cfg.FreezeStatusCodes, resp.Status) {
		w.freeze(ctx, resp.Status)
	} else {
		w.freezeCount = 0
	}
}

// handleBanned reacts to a hard denial from upstream with a permanent deny
// rule for the matched route. A wildcard match shuts the whole account off
// through the rules, which keeps the denial reversible via Reset.
func (w *Worker) handleBanned(ctx context.Context, route string, status int, task *Task) {
	w.dropBind(ctx, task)
	if err := w.acct.AddRoutingRule("deny", route, -1, time.Time{}); err != nil {
		w.log.Error("deny rule rejected", "route", route, "error", err)
		return
	}
	w.log.Warn("route denied after upstream ban status", "route", route, "status", status)
	kind := events.EventDenyRule
	if route == "*" {
		kind = events.EventBan
	}
	w.bus.Publish(events.Event{
		Type:    kind,
		Account: w.acct.Email,
		Message: fmt.Sprintf("deny %s after status %d", route, status),
	})
}

// denyThrottled reacts to an upstream throttle status with a deny rule for
// the affected endpoint. A parseable retry-after header times the rule; an
// absent or unparsable header falls back to the configured maximum and to
// the endpoint derived from the response URL, whichever of that and the
// matched route is more specific.
func (w *Worker) denyThrottled(ctx context.Context, route string, resp *upstream.Response, task *Task) {
	w.dropBind(ctx, task)

	endpoint := route
	retryAfter, parsed := parseRetryAfter(resp.Headers[w.cfg.RetryAfterHeader])
	if !parsed {
		if prefix := leadingEndpoint(resp.URLPath); len(prefix) > len(endpoint) {
			endpoint = prefix
		}
	}

	var expire time.Time
	if w.cfg.RetryAfterMaxTime > 0 {
		if !parsed || retryAfter > w.cfg.RetryAfterMaxTime {
			retryAfter = w.cfg.RetryAfterMaxTime
		}
		parsed = true
	}
	if parsed {
		expire = time.Now().Add(time.Duration(retryAfter * float64(time.Second)))
	}

	if err := w.acct.AddRoutingRule("deny", endpoint, -1, expire); err != nil {
		w.log.Error("deny rule rejected", "route", endpoint, "error", err)
		return
	}
	w.log.Warn("route denied after throttle status", "route", endpoint, "status", resp.Status, "expire", expire)
	w.bus.Publish(events.Event{
		Type:    events.EventDenyRule,
		Account: w.acct.Email,
		Message: fmt.Sprintf("deny %s after status %d", endpoint, resp.Status),
	})
}

// denyExhausted shuts a route off once the account's own quota for it is
// used up, so the scheduler stops picking this account for the path.
func (w *Worker) denyExhausted(route string) {
	if err := w.acct.AddRoutingRule("deny", route, -1, time.Time{}); err != nil {
		w.log.Error("deny rule rejected", "route", route, "error", err)
		return
	}
	w.log.Warn("route denied after exceeded limits", "route", route)
	w.bus.Publish(events.Event{
		Type:    events.EventDenyRule,
		Account: w.acct.Email,
		Message: fmt.Sprintf("deny %s after exceeded limits", route),
	})
}

// freeze pauses the worker with exponential backoff after a throttle
// status. The pause ends early when a task lands in the queue, so admin
// traffic addressed to a frozen account still gets through.
func (w *Worker) freeze(ctx context.Context, status int) {
	pause := w.cfg.FreezeTimeInitial * math.Pow(w.cfg.FreezeTimeFactor, float64(w.freezeCount))
	if pause > w.cfg.FreezeTimeMax {
		pause = w.cfg.FreezeTimeMax
	}
	w.freezeCount++

	w.log.Warn("worker frozen", "status", status, "pause", pause)
	w.bus.Publish(events.Event{
		Type:    events.EventFreeze,
		Account: w.acct.Email,
		Message: fmt.Sprintf("frozen for %.0fs after status %d", pause, status),
	})

	w.acct.SetState(account.StateFrozen)
	if w.sleepFrozen(ctx, time.Duration(pause*float64(time.Second))) {
		w.bus.Publish(events.Event{
			Type:    events.EventRecover,
			Account: w.acct.Email,
			Message: "worker recovered",
		})
	}
}

// sleepCooldown enforces the pacing policy before the next upstream call.
// Returns false when ctx ended during the pause.
func (w *Worker) sleepCooldown(ctx context.Context) bool {
	now := time.Now()
	var delay float64

	switch w.cooldownMode {
	case account.CooldownWindow:
		delay = windowCooldown(w.winSize, w.winPeriod, w.reqTimestamps, unixSeconds(now))
	default:
		if len(w.reqTimestamps) > 0 {
			last := w.reqTimestamps[len(w.reqTimestamps)-1]
			gap := unixSeconds(now) - last
			if gap > w.cooldownParam.TotalSeconds() {
				w.interval.reset()
			} else if step := w.interval.next(); step > gap {
				delay = step - gap
			}
		}
	}

	if delay <= 0 {
		return true
	}
	w.acct.SetState(account.StateCooldown)
	return w.sleepSlices(ctx, time.Duration(delay*float64(time.Second)))
}

// sleepSlices sleeps in short slices so termination stays responsive.
func (w *Worker) sleepSlices(ctx context.Context, d time.Duration) bool {
	const slice = 100 * time.Millisecond
	deadline := time.Now().Add(d)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return true
		}
		if left > slice {
			left = slice
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(left):
		}
	}
}

// sleepFrozen sleeps up to d, waking as soon as the queue stops being
// empty. Returns false when ctx ended during the pause.
func (w *Worker) sleepFrozen(ctx context.Context, d time.Duration) bool {
	const slice = 100 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if w.queue.Size() > 0 {
			w.log.Debug("unfrozen early")
			return true
		}
		left := time.Until(deadline)
		if left > slice {
			left = slice
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(left):
		}
	}
	return true
}

func (w *Worker) recordTimestamp(t time.Time) {
	w.reqTimestamps = append(w.reqTimestamps, unixSeconds(t))
	if len(w.reqTimestamps) > 256 {
		w.reqTimestamps = w.reqTimestamps[len(w.reqTimestamps)-128:]
	}
}

func (w *Worker) dropBind(ctx context.Context, task *Task) {
	if task.BindKey != "" && w.binds != nil {
		w.binds.RemoveBindRequest(ctx, task)
	}
}

// parseRetryAfter reads a Retry-After style value strictly as seconds.
// Prose values do not parse and make the caller fall back on its own
// backoff window.
func parseRetryAfter(value string) (float64, bool) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, false
	}
	return seconds, true
}

// leadingEndpoint is the longest prefix of path that stops before the
// first digit. Upstream reports throttled URLs with numeric IDs in them;
// the prefix names the endpoint those URLs share.
func leadingEndpoint(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] >= '0' && path[i] <= '9' {
			return path[:i]
		}
	}
	return path
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
