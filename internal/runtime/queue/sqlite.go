package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/l0p7/offlinegate/internal/runtime/queue/migrations"
)

// SQLiteStore persists the queue in a SQLite database so pending mutations
// survive restarts.
type SQLiteStore struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens the queue database at path and applies embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue: sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite db: %w", err)
	}
	// A single connection keeps enqueue and replay strictly serialized.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("queue: ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("queue: run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, m Mutation) (Mutation, error) {
	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}
	if strings.TrimSpace(m.Method) == "" || strings.TrimSpace(m.URL) == "" {
		return Mutation{}, errors.New("queue: method and url are required")
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	headers, err := encodeHeaders(m.Header)
	if err != nil {
		return Mutation{}, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO mutations (method, url, headers, payload, enqueued_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.Method, m.URL, headers, m.Payload, toMillis(m.EnqueuedAt), m.RetryCount,
	)
	if err != nil {
		return Mutation{}, fmt.Errorf("queue: insert mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Mutation{}, fmt.Errorf("queue: mutation id: %w", err)
	}
	m = cloneMutation(m)
	m.ID = id
	m.EnqueuedAt = fromMillis(toMillis(m.EnqueuedAt))
	return m, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Mutation, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, method, url, headers, payload, enqueued_at, retry_count
		 FROM mutations ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: list mutations: %w", err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate mutations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id int64) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: delete mutation %d: %w", id, err)
	}
	return expectOne(res, "remove", id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64) (Mutation, error) {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE mutations SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return Mutation{}, fmt.Errorf("queue: mark failed %d: %w", id, err)
	}
	if err := expectOne(res, "mark failed", id); err != nil {
		return Mutation{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, method, url, headers, payload, enqueued_at, retry_count
		 FROM mutations WHERE id = ?`, id)
	return scanMutation(row)
}

func (s *SQLiteStore) Park(ctx context.Context, id int64, reason string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: begin park: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO parked_mutations (id, method, url, headers, payload, enqueued_at, retry_count, parked_at, reason)
		 SELECT id, method, url, headers, payload, enqueued_at, retry_count, ?, ?
		 FROM mutations WHERE id = ?`,
		toMillis(time.Now()), reason, id,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("queue: park %d: %w", id, err)
	}
	if err := expectOne(res, "park", id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("queue: park delete %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: commit park %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Parked(ctx context.Context) ([]Parked, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, method, url, headers, payload, enqueued_at, retry_count, parked_at, reason
		 FROM parked_mutations ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: list parked: %w", err)
	}
	defer rows.Close()

	var out []Parked
	for rows.Next() {
		var (
			p          Parked
			headers    string
			enqueuedAt int64
			parkedAt   int64
		)
		if err := rows.Scan(&p.ID, &p.Method, &p.URL, &headers, &p.Payload, &enqueuedAt, &p.RetryCount, &parkedAt, &p.Reason); err != nil {
			return nil, fmt.Errorf("queue: scan parked: %w", err)
		}
		if p.Header, err = decodeHeaders(headers); err != nil {
			return nil, err
		}
		p.EnqueuedAt = fromMillis(enqueuedAt)
		p.ParkedAt = fromMillis(parkedAt)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate parked: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count mutations: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (Mutation, error) {
	var (
		m          Mutation
		headers    string
		enqueuedAt int64
	)
	if err := row.Scan(&m.ID, &m.Method, &m.URL, &headers, &m.Payload, &enqueuedAt, &m.RetryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Mutation{}, ErrNotFound
		}
		return Mutation{}, fmt.Errorf("queue: scan mutation: %w", err)
	}
	header, err := decodeHeaders(headers)
	if err != nil {
		return Mutation{}, err
	}
	m.Header = header
	m.EnqueuedAt = fromMillis(enqueuedAt)
	return m, nil
}

func expectOne(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: %s %d rows affected: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("queue: %s %d: %w", op, id, ErrNotFound)
	}
	return nil
}

func encodeHeaders(h http.Header) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("queue: encode headers: %w", err)
	}
	return string(data), nil
}

func decodeHeaders(raw string) (http.Header, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var h http.Header
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("queue: decode headers: %w", err)
	}
	return h, nil
}
