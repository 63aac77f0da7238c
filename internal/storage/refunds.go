package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// SaveRefundTx records the refund transaction sent for the self leg of task
// h, replacing any earlier one.
func (s *Storage) SaveRefundTx(ctx context.Context, self swap.Resource, h swap.TaskID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (path, task_id, tx_hash, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path, task_id) DO UPDATE SET tx_hash = excluded.tx_hash, sent_at = excluded.sent_at
	`, self.String(), string(h), txHash, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save refund tx: %w", err)
	}
	return nil
}

// GetRefundTx returns the last refund transaction sent for task h, or "" if
// none was sent.
func (s *Storage) GetRefundTx(ctx context.Context, self swap.Resource, h swap.TaskID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var txHash string
	err := s.db.QueryRowContext(ctx,
		`SELECT tx_hash FROM refunds WHERE path = ? AND task_id = ?`,
		self.String(), string(h),
	).Scan(&txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get refund tx: %w", err)
	}
	return txHash, nil
}
