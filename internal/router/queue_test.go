package router

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueuePriorityOrder(t *testing.T) {
	q := newTaskQueue(10)
	low := NewTask("GET", "/low", "", nil, nil)
	low.Priority = 5
	high := NewTask("GET", "/high", "", nil, nil)
	high.Priority = 0

	if err := q.Put(low); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(high); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	first, _ := q.Get(ctx)
	second, _ := q.Get(ctx)
	if first.Path != "/high" || second.Path != "/low" {
		t.Errorf("order = %s, %s", first.Path, second.Path)
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newTaskQueue(10)
	for _, path := range []string{"/a", "/b", "/c"} {
		if err := q.Put(NewTask("GET", path, "", nil, nil)); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()
	for _, want := range []string{"/a", "/b", "/c"} {
		task, err := q.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if task.Path != want {
			t.Errorf("got %s, want %s", task.Path, want)
		}
	}
}

func TestQueueFull(t *testing.T) {
	q := newTaskQueue(1)
	if err := q.Put(NewTask("GET", "/a", "", nil, nil)); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(NewTask("GET", "/b", "", nil, nil)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestQueueGetHonorsContext(t *testing.T) {
	q := newTaskQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestQueueFreeSignal(t *testing.T) {
	q := newTaskQueue(1)

	started := make(chan struct{})
	go func() {
		close(started)
		q.Get(context.Background())
	}()
	<-started

	select {
	case <-q.FreeSignal():
	case <-time.After(time.Second):
		t.Fatal("free signal never fired for idle consumer")
	}

	if err := q.Put(NewTask("GET", "/a", "", nil, nil)); err != nil {
		t.Fatal(err)
	}
	// The consumer takes the task; the fresh signal must be open again.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-q.FreeSignal():
		t.Fatal("free signal fired for busy queue")
	default:
	}
}

func TestQueueCloseFailsPending(t *testing.T) {
	q := newTaskQueue(5)
	task := NewTask("GET", "/a", "", nil, nil)
	if err := q.Put(task); err != nil {
		t.Fatal(err)
	}
	q.Close(errors.New("shutting down"))

	if !task.Ready() {
		t.Fatal("pending task not resolved on close")
	}
	if _, err := task.Wait(context.Background()); err == nil {
		t.Error("expected close error")
	}
	if err := q.Put(NewTask("GET", "/b", "", nil, nil)); err == nil {
		t.Error("put succeeded on closed queue")
	}
}

func TestTaskResolvesOnce(t *testing.T) {
	task := NewTask("GET", "/a", "", nil, nil)
	task.Fail(errors.New("first"))
	task.Complete(nil)

	_, err := task.Wait(context.Background())
	if err == nil || err.Error() != "first" {
		t.Errorf("err = %v, want first", err)
	}
}

func TestTaskWaitTimeout(t *testing.T) {
	task := NewTask("GET", "/a", "", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := task.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}
