package swap

import (
	"context"
	"fmt"
	"time"
)

// expired compares at second granularity, matching on-chain timelocks.
func expired(now, deadline time.Time) bool {
	return now.Unix() >= deadline.Unix()
}

// CheckSelfRollback reports whether the self leg is rolled back. When the
// self timelock has passed and no rollback is recorded yet it issues the
// rollback against the self resource, unless the counterparty leg has
// already been unlocked.
func (s *Scheduler) CheckSelfRollback(ctx context.Context, self Resource, h TaskID) (bool, error) {
	rolledBack, err := s.ledger.GetSelfRollbackStatus(ctx, self, h)
	if err != nil {
		return false, fmt.Errorf("failed to get self rollback status: %w", err)
	}
	if rolledBack {
		return true, nil
	}

	deadline, err := s.ledger.GetSelfTimelock(ctx, self, h)
	if err != nil {
		return false, fmt.Errorf("failed to get self timelock: %w", err)
	}
	now := s.now()
	s.log.Debug("Self timelock", "task", h.Short(), "timelock", deadline.Unix(), "now", now.Unix())

	if !expired(now, deadline) {
		return false, nil
	}

	// A recorded counterparty unlock means we already claimed the
	// counterparty leg. Refunding the self leg now would leave us holding
	// both assets.
	counterpartyUnlocked, err := s.ledger.GetCounterpartyUnlockStatus(ctx, self, h)
	if err != nil {
		return false, fmt.Errorf("failed to get counterparty unlock status: %w", err)
	}
	if counterpartyUnlocked {
		s.log.Warn("Self timelock expired after counterparty unlock, not rolling back",
			"task", h.Short(), "path", self)
		return false, nil
	}

	if err := s.ledger.Rollback(ctx, self, h); err != nil {
		return false, fmt.Errorf("failed to roll back %s: %w", self, err)
	}
	s.log.Info("Self leg rolled back", "task", h.Short(), "path", self)
	return true, nil
}

// CheckCounterpartyRollback reports whether the counterparty leg is rolled
// back. Counterparty rollback is the counterparty's own action; once its
// timelock passes we only record the observation.
func (s *Scheduler) CheckCounterpartyRollback(ctx context.Context, self Resource, h TaskID) (bool, error) {
	rolledBack, err := s.ledger.GetCounterpartyRollbackStatus(ctx, self, h)
	if err != nil {
		return false, fmt.Errorf("failed to get counterparty rollback status: %w", err)
	}
	if rolledBack {
		return true, nil
	}

	deadline, err := s.ledger.GetCounterpartyTimelock(ctx, self, h)
	if err != nil {
		return false, fmt.Errorf("failed to get counterparty timelock: %w", err)
	}
	now := s.now()
	s.log.Debug("Counterparty timelock", "task", h.Short(), "timelock", deadline.Unix(), "now", now.Unix())

	if !expired(now, deadline) {
		return false, nil
	}

	if err := s.ledger.SetCounterpartyRollbackStatus(ctx, self, h); err != nil {
		return false, fmt.Errorf("failed to record counterparty rollback: %w", err)
	}
	s.log.Info("Counterparty leg eligible for rollback", "task", h.Short(), "path", self)
	return true, nil
}
