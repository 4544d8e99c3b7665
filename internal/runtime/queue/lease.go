package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost reports that another replayer took over the queue mid-pass.
var ErrLeaseLost = errors.New("queue: replay lease lost")

// Leaser is implemented by stores shared between processes. A replayer holds
// the lease for the whole pass so two processes never reissue the same queue.
type Leaser interface {
	// AcquireLease takes or renews the lease for owner. It reports false when
	// another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, owner string) error
}

var _ Leaser = (*SQLiteStore)(nil)

func (s *SQLiteStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO replay_lease (id, owner, expires_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE replay_lease.owner = excluded.owner OR replay_lease.expires_at <= ?`,
		owner, toMillis(now.Add(ttl)), toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("queue: acquire replay lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: acquire replay lease: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, owner string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM replay_lease WHERE id = 1 AND owner = ?`, owner); err != nil {
		return fmt.Errorf("queue: release replay lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
