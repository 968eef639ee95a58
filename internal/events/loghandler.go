package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLine is one captured log record. Account is pulled out of the attrs
// because almost every interesting line carries it and the management UI
// filters on it.
type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Account string         `json:"account,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogHandler is a slog.Handler that tees records to stderr and keeps the
// last ringSize of them in memory for the /router/logs endpoint. Live
// subscribers get a best-effort copy of each line. The buffer state is
// shared across WithAttrs and WithGroup clones, guarded by one mutex.
type LogHandler struct {
	inner slog.Handler
	level slog.Leveler

	attrs  []slog.Attr
	groups []string

	buf *logBuffer
}

type logBuffer struct {
	mu          sync.RWMutex
	ring        []LogLine
	pos         int
	count       int
	subscribers map[int]chan LogLine
	nextID      int
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		level: level,
		buf: &logBuffer{
			ring:        make([]LogLine, ringSize),
			subscribers: make(map[int]chan LogLine),
		},
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	collect := func(a slog.Attr) {
		if prefix == "" && a.Key == "account" {
			line.Account, _ = a.Value.Any().(string)
			return
		}
		if line.Attrs == nil {
			line.Attrs = map[string]any{}
		}
		line.Attrs[prefix+a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.buf.push(line)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &c
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	c.groups = append(append([]string{}, h.groups...), name)
	return &c
}

// Recent returns the buffered log lines, oldest first.
func (h *LogHandler) Recent() []LogLine {
	b := h.buf
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recentLocked()
}

// Subscribe registers a live listener and returns the buffered backlog so
// the caller can replay it before streaming.
func (h *LogHandler) Subscribe() (id int, ch <-chan LogLine, recent []LogLine) {
	b := h.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan LogLine, 64)
	id = b.nextID
	b.nextID++
	b.subscribers[id] = c
	return id, c, b.recentLocked()
}

func (h *LogHandler) Unsubscribe(id int) {
	b := h.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

func (b *logBuffer) push(line LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.pos] = line
	b.pos = (b.pos + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

func (b *logBuffer) recentLocked() []LogLine {
	if b.count == 0 {
		return nil
	}
	out := make([]LogLine, b.count)
	start := (b.pos - b.count + len(b.ring)) % len(b.ring)
	for i := range b.count {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}
