package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMemKVBasics(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()

	if _, ok, _ := kv.Get(ctx, "missing"); ok {
		t.Error("missing key found")
	}
	if err := kv.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	val, ok, err := kv.Get(ctx, "a")
	if err != nil || !ok || string(val) != "1" {
		t.Fatalf("get = (%q, %v, %v)", val, ok, err)
	}

	if err := kv.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := kv.Get(ctx, "a"); ok {
		t.Error("deleted key found")
	}
	if err := kv.Delete(ctx, "a"); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestMemKVTTL(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()

	kv.Set(ctx, "short", []byte("1"), 20*time.Millisecond)
	kv.Set(ctx, "long", []byte("2"), time.Hour)
	time.Sleep(40 * time.Millisecond)

	if _, ok, _ := kv.Get(ctx, "short"); ok {
		t.Error("expired key found")
	}
	if _, ok, _ := kv.Get(ctx, "long"); !ok {
		t.Error("live key lost")
	}
	if n, _ := kv.Size(ctx); n != 1 {
		t.Errorf("size = %d, want 1", n)
	}
}

func TestMemKVScanPrefixKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	kv.Set(ctx, "k:b", []byte("1"), 0)
	kv.Set(ctx, "bind|x", []byte("2"), 0)
	kv.Set(ctx, "k:a", []byte("3"), 0)

	keys, err := kv.ScanPrefix(ctx, "k:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "k:b" || keys[1] != "k:a" {
		t.Errorf("keys = %v", keys)
	}

	// Overwriting a key must not change its position.
	kv.Set(ctx, "k:b", []byte("4"), 0)
	keys, _ = kv.ScanPrefix(ctx, "k:")
	if len(keys) != 2 || keys[0] != "k:b" {
		t.Errorf("keys after overwrite = %v", keys)
	}
}

func TestMemKVMGet(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	kv.Set(ctx, "a", []byte("1"), 0)
	kv.Set(ctx, "c", []byte("3"), 0)

	vals, err := kv.MGet(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if string(vals[0]) != "1" || vals[1] != nil || string(vals[2]) != "3" {
		t.Errorf("vals = %q", vals)
	}
}

func TestLogStore(t *testing.T) {
	ctx := context.Background()
	logs, err := NewLogStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer logs.Close()

	first := &RequestLog{Login: "joe", Account: "a@example.com", Method: "GET", Path: "/api/wb/items", Status: 200, DurationMs: 42}
	if err := logs.Insert(ctx, first); err != nil {
		t.Fatal(err)
	}
	if first.ID == 0 {
		t.Error("insert did not assign an id")
	}
	second := &RequestLog{Login: "amy", Method: "GET", Path: "/api/oz/items", Status: 200, CacheHit: true}
	if err := logs.Insert(ctx, second); err != nil {
		t.Fatal(err)
	}

	rows, err := logs.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Login != "amy" || !rows[0].CacheHit {
		t.Errorf("newest row = %+v", rows[0])
	}
	if rows[1].Login != "joe" || rows[1].DurationMs != 42 {
		t.Errorf("oldest row = %+v", rows[1])
	}

	rows, _ = logs.Recent(ctx, 1)
	if len(rows) != 1 || rows[0].Login != "amy" {
		t.Errorf("limited rows = %v", rows)
	}

	n, err := logs.PurgeBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged = %d", n)
	}
	rows, _ = logs.Recent(ctx, 10)
	if len(rows) != 0 {
		t.Errorf("rows after purge = %d", len(rows))
	}
}
