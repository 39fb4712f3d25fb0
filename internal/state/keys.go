package state

import (
	"context"
	"fmt"
)

// TryAcquireKey claims key. It reports true for exactly one caller until the
// key is released.
func (s *Store) TryAcquireKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, acquired_at) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, formatTime(s.now()))
	if err != nil {
		return false, fmt.Errorf("acquire key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire key: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

func (s *Store) HasProcessedKey(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM idempotency_keys WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("check key: %w", err)
	}
	return n > 0, nil
}
