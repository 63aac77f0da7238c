package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// Flag names one recorded observation about the counterparty leg.
type Flag string

const (
	FlagCounterpartyLocked     Flag = "counterparty_locked"
	FlagCounterpartyUnlocked   Flag = "counterparty_unlocked"
	FlagCounterpartyRolledBack Flag = "counterparty_rolled_back"
)

// ErrUnknownFlag is returned for a flag name outside the schema.
var ErrUnknownFlag = errors.New("unknown flag")

func (f Flag) valid() bool {
	switch f {
	case FlagCounterpartyLocked, FlagCounterpartyUnlocked, FlagCounterpartyRolledBack:
		return true
	}
	return false
}

// TaskFlags is the full set of recorded observations for a task.
type TaskFlags struct {
	CounterpartyLocked     bool `json:"counterparty_locked"`
	CounterpartyUnlocked   bool `json:"counterparty_unlocked"`
	CounterpartyRolledBack bool `json:"counterparty_rolled_back"`
}

// GetFlag reads one flag. A task with no recorded flags reads false.
func (s *Storage) GetFlag(ctx context.Context, self swap.Resource, h swap.TaskID, flag Flag) (bool, error) {
	if !flag.valid() {
		return false, fmt.Errorf("%w: %s", ErrUnknownFlag, flag)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var set int
	err := s.db.QueryRowContext(ctx,
		`SELECT `+string(flag)+` FROM task_flags WHERE path = ? AND task_id = ?`,
		self.String(), string(h),
	).Scan(&set)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", flag, err)
	}
	return set != 0, nil
}

// SetFlag records one flag. Setting an already set flag is a no-op.
func (s *Storage) SetFlag(ctx context.Context, self swap.Resource, h swap.TaskID, flag Flag) error {
	if !flag.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, flag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col := string(flag)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_flags (path, task_id, `+col+`, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(path, task_id) DO UPDATE SET `+col+` = 1, updated_at = excluded.updated_at
	`, self.String(), string(h), s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", flag, err)
	}
	return nil
}

// GetFlags reads every flag for a task.
func (s *Storage) GetFlags(ctx context.Context, self swap.Resource, h swap.TaskID) (*TaskFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var locked, unlocked, rolledBack int
	err := s.db.QueryRowContext(ctx, `
		SELECT counterparty_locked, counterparty_unlocked, counterparty_rolled_back
		FROM task_flags WHERE path = ? AND task_id = ?
	`, self.String(), string(h)).Scan(&locked, &unlocked, &rolledBack)
	if errors.Is(err, sql.ErrNoRows) {
		return &TaskFlags{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flags: %w", err)
	}
	return &TaskFlags{
		CounterpartyLocked:     locked != 0,
		CounterpartyUnlocked:   unlocked != 0,
		CounterpartyRolledBack: rolledBack != 0,
	}, nil
}
