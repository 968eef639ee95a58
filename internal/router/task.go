package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awo/router/internal/upstream"
)

// TaskState tracks a task through the scheduler.
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskScheduled
	TaskInWork
	TaskFinished
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskScheduled:
		return "scheduled"
	case TaskInWork:
		return "in_work"
	case TaskFinished:
		return "finished"
	}
	return "unknown"
}

// Task is one client request traveling through the scheduler. The handler
// that created it blocks in Wait until a worker completes or fails it, or
// until the handler's deadline fires first.
type Task struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte

	// Admin tasks address a concrete account and skip the routing and
	// quota checks; they leave usage and statistics untouched.
	Admin bool

	// Group narrows the open race to accounts of that group. Empty means
	// the default group.
	Group string

	BindKey string

	// Priority 0 is the highest; new tasks start at 1 and only bound
	// session tasks are promoted to 0.
	Priority int

	// ServedBy is the email of the account that executed the task. Written
	// by the worker before the task resolves.
	ServedBy string

	CreatedAt time.Time

	state  atomic.Int32
	once   sync.Once
	ready  chan struct{}
	result *upstream.Response
	err    error
}

func NewTask(method, path, query string, headers map[string]string, body []byte) *Task {
	return &Task{
		Method:    method,
		Path:      path,
		Query:     query,
		Headers:   headers,
		Body:      body,
		Priority:  1,
		CreatedAt: time.Now(),
		ready:     make(chan struct{}),
	}
}

// Request builds the upstream request for this task.
func (t *Task) Request() *upstream.Request {
	return &upstream.Request{
		Method:  t.Method,
		Path:    t.Path,
		Query:   t.Query,
		Headers: t.Headers,
		Body:    t.Body,
	}
}

// State returns the task's scheduling state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

func (t *Task) markScheduled() { t.state.CompareAndSwap(int32(TaskCreated), int32(TaskScheduled)) }
func (t *Task) markInWork()    { t.state.CompareAndSwap(int32(TaskScheduled), int32(TaskInWork)) }

// Complete resolves the task with an upstream response. Only the first
// Complete or Fail takes effect.
func (t *Task) Complete(resp *upstream.Response) {
	t.once.Do(func() {
		t.result = resp
		t.state.Store(int32(TaskFinished))
		close(t.ready)
	})
}

// Fail resolves the task with an error.
func (t *Task) Fail(err error) {
	t.once.Do(func() {
		t.err = err
		t.state.Store(int32(TaskFinished))
		close(t.ready)
	})
}

// Ready reports whether the task has been resolved.
func (t *Task) Ready() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

// IsFailed reports whether the task resolved with an error.
func (t *Task) IsFailed() bool {
	return t.Ready() && t.err != nil
}

// Wait blocks until the task resolves or ctx expires.
func (t *Task) Wait(ctx context.Context) (*upstream.Response, error) {
	select {
	case <-t.ready:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
