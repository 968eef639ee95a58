package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// LogStore persists the request log in SQLite.
type LogStore struct {
	db *sql.DB
}

func NewLogStore(dbPath string) (*LogStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &LogStore{db: db}, nil
}

func (s *LogStore) Close() error {
	return s.db.Close()
}

func (s *LogStore) Insert(ctx context.Context, log *RequestLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	cacheHit := 0
	if log.CacheHit {
		cacheHit = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (login, account, method, path, status, cache_hit, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.Login, log.Account, log.Method, log.Path, log.Status, cacheHit,
		log.DurationMs, log.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	log.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns the newest rows, most recent first.
func (s *LogStore) Recent(ctx context.Context, limit int) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, login, account, method, path, status, cache_hit, duration_ms, created_at
		 FROM request_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		var log RequestLog
		var cacheHit int
		var createdAt string
		if err := rows.Scan(&log.ID, &log.Login, &log.Account, &log.Method, &log.Path,
			&log.Status, &cacheHit, &log.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		log.CacheHit = cacheHit != 0
		log.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// PurgeBefore deletes rows older than the cutoff and reports how many.
func (s *LogStore) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_log WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
