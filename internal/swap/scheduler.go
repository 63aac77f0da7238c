package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-htlcd/pkg/logging"
)

// Default secret wait bounds.
const (
	DefaultSecretTimeout      = 4000 * time.Millisecond
	DefaultSecretPollInterval = time.Second
)

// SchedulerConfig holds the collaborators and tunables of a Scheduler.
type SchedulerConfig struct {
	Ledger   Ledger
	Registry Registry
	Logger   *logging.Logger

	SecretTimeout      time.Duration // Bound on one secret wait, default 4s
	SecretPollInterval time.Duration // Delay between secret reads, default 1s

	// Now overrides the clock used for timelock comparisons.
	Now func() time.Time
}

// Scheduler advances swap tasks one tick at a time. It keeps no per-task
// state between ticks, so ticks for different tasks may run concurrently.
// Callers must not run two ticks for the same task at once.
type Scheduler struct {
	ledger   Ledger
	registry Registry
	log      *logging.Logger
	now      func() time.Time

	secretTimeout      time.Duration
	secretPollInterval time.Duration

	mu       sync.RWMutex
	handlers []EventHandler
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.SecretTimeout
	if timeout <= 0 {
		timeout = DefaultSecretTimeout
	}
	interval := cfg.SecretPollInterval
	if interval <= 0 {
		interval = DefaultSecretPollInterval
	}

	return &Scheduler{
		ledger:             cfg.Ledger,
		registry:           cfg.Registry,
		log:                log.Component("swap"),
		now:                now,
		secretTimeout:      timeout,
		secretPollInterval: interval,
	}
}

// OnEvent registers a handler for tick events. Handlers run synchronously on
// the ticking goroutine and must not block.
func (s *Scheduler) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// tick carries the identity of one Tick invocation for logs and events.
type tick struct {
	s      *Scheduler
	result *TickResult
	pair   ResourcePair
	log    *logging.Logger
}

func (s *Scheduler) newTick(pair ResourcePair, h TaskID) *tick {
	id := uuid.NewString()
	return &tick{
		s: s,
		result: &TickResult{
			ID:        id,
			Pair:      pair.Name,
			TaskID:    h,
			StartedAt: s.now(),
		},
		pair: pair,
		log:  s.log.Task(h.String(), pair.Self.String()).With("tick", id[:8]),
	}
}

func (t *tick) emit(phase Phase, msg string, outcome Outcome, failed bool) {
	t.s.mu.RLock()
	handlers := make([]EventHandler, len(t.s.handlers))
	copy(handlers, t.s.handlers)
	t.s.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	event := Event{
		TickID:    t.result.ID,
		Pair:      t.pair.Name,
		TaskID:    t.result.TaskID,
		Phase:     phase,
		Path:      t.pair.Self.String(),
		Message:   msg,
		Outcome:   outcome,
		Failed:    failed,
		Timestamp: time.Now(),
	}
	for _, handler := range handlers {
		handler(event)
	}
}

func (t *tick) finish(outcome Outcome, phase Phase, reason string) *TickResult {
	t.result.Outcome = outcome
	t.result.Phase = phase
	t.result.Reason = reason
	t.result.Duration = t.s.now().Sub(t.result.StartedAt)
	t.emit(phase, reason, outcome, false)
	return t.result
}

func (t *tick) fail(phase Phase, err error) (*TickResult, error) {
	t.result.Phase = phase
	t.result.Reason = err.Error()
	t.result.Duration = t.s.now().Sub(t.result.StartedAt)
	t.emit(phase, err.Error(), "", true)
	return t.result, fmt.Errorf("task %s %s: %w", t.result.TaskID.Short(), phase, err)
}

// Tick performs at most one state-advancing step for task h on pair. It
// re-derives every decision from current ledger state and is safe to call
// again after any outcome, including an error.
//
// A non-nil error means a ledger read or write failed and the decision could
// not be completed; the task stays pending.
func (s *Scheduler) Tick(ctx context.Context, pair ResourcePair, h TaskID) (*TickResult, error) {
	t := s.newTick(pair, h)
	self, counterparty := pair.Self, pair.Counterparty

	selfRolledBack, err := s.CheckSelfRollback(ctx, self, h)
	if err != nil {
		return t.fail(PhaseRollbackCheck, err)
	}
	counterpartyRolledBack, err := s.CheckCounterpartyRollback(ctx, self, h)
	if err != nil {
		return t.fail(PhaseRollbackCheck, err)
	}

	// Both legs may still progress while only one side is rolled back.
	if selfRolledBack && counterpartyRolledBack {
		return s.resolve(ctx, t, PhaseRollbackCheck, "both legs rolled back")
	}

	secret, ok := s.AwaitSecret(ctx, self, h)
	if !ok {
		return t.finish(OutcomeDeferred, PhaseSecret, "secret not revealed yet"), nil
	}

	counterpartyUnlocked, err := s.ledger.GetCounterpartyUnlockStatus(ctx, self, h)
	if err != nil {
		return t.fail(PhaseUnlockStatus, fmt.Errorf("failed to get counterparty unlock status: %w", err))
	}
	selfUnlocked, err := s.ledger.GetSelfUnlockStatus(ctx, self, h)
	if err != nil {
		return t.fail(PhaseUnlockStatus, fmt.Errorf("failed to get self unlock status: %w", err))
	}

	if counterpartyUnlocked {
		if selfUnlocked {
			return s.resolve(ctx, t, PhaseUnlockStatus, "both legs unlocked")
		}
		t.log.Warn("Counterparty leg unlocked, waiting for self unlock",
			"self_timelock_expired", selfRolledBack)
		return t.finish(OutcomeAwaitingSelfUnlock, PhaseUnlockStatus, "counterparty unlocked, self not yet unlocked"), nil
	}

	counterpartyLocked, err := s.ledger.GetCounterpartyLockStatus(ctx, self, h)
	if err != nil {
		return t.fail(PhaseLock, fmt.Errorf("failed to get counterparty lock status: %w", err))
	}

	if !counterpartyLocked {
		receipt, err := s.ledger.Lock(ctx, counterparty, h)
		if err != nil {
			return t.fail(PhaseLock, fmt.Errorf("failed to lock %s: %w", counterparty, err))
		}
		if ok, reason := s.verify(ctx, s.ledger.VerifyLock, self.OriginLedger(), receipt); !ok {
			return s.verificationFailed(ctx, t, PhaseLock, counterpartyRolledBack, receipt, reason)
		}
		if err := s.ledger.SetCounterpartyLockStatus(ctx, self, h); err != nil {
			return t.fail(PhaseLock, fmt.Errorf("failed to record counterparty lock: %w", err))
		}
		t.log.Info("Lock succeeded", "receipt", receipt)
		t.emit(PhaseLock, "lock succeeded", "", false)
	}

	receipt, err := s.ledger.Unlock(ctx, self, counterparty, h, secret)
	if err != nil {
		return t.fail(PhaseUnlock, fmt.Errorf("failed to unlock %s: %w", counterparty, err))
	}
	if ok, reason := s.verify(ctx, s.ledger.VerifyUnlock, self.OriginLedger(), receipt); !ok {
		return s.verificationFailed(ctx, t, PhaseUnlock, counterpartyRolledBack, receipt, reason)
	}
	if err := s.ledger.SetCounterpartyUnlockStatus(ctx, self, h); err != nil {
		return t.fail(PhaseUnlock, fmt.Errorf("failed to record counterparty unlock: %w", err))
	}
	t.log.Info("Unlock succeeded", "receipt", receipt)
	t.emit(PhaseUnlock, "unlock succeeded", "", false)

	if selfUnlocked {
		return s.resolve(ctx, t, PhaseUnlock, "both legs unlocked")
	}
	return t.finish(OutcomePending, PhaseUnlock, "counterparty unlocked, self not yet unlocked"), nil
}

type verifyFunc func(ctx context.Context, origin string, receipt Receipt) (bool, error)

// verify runs one verification call. An error from the ledger counts as a
// failed verification so that it takes the same fallback path.
func (s *Scheduler) verify(ctx context.Context, fn verifyFunc, origin string, receipt Receipt) (bool, string) {
	ok, err := fn(ctx, origin, receipt)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, "receipt not verified"
	}
	return true, ""
}

// verificationFailed rolls back the self leg when the counterparty has
// already become rollback-eligible, otherwise aborts the tick untouched.
func (s *Scheduler) verificationFailed(ctx context.Context, t *tick, phase Phase, counterpartyRolledBack bool, receipt Receipt, reason string) (*TickResult, error) {
	if counterpartyRolledBack {
		if err := s.ledger.Rollback(ctx, t.pair.Self, t.result.TaskID); err != nil {
			return t.fail(PhaseRollback, fmt.Errorf("failed to roll back after %s verification failure: %w", phase, err))
		}
		t.log.Info("Rolled back after verification failure", "phase", phase, "receipt", receipt)
		return s.resolve(ctx, t, PhaseRollback, fmt.Sprintf("verifying %s failed, rolled back", phase))
	}

	t.log.Error(fmt.Sprintf("Verifying %s failed", phase), "receipt", receipt, "reason", reason)
	return t.finish(OutcomeAborted, phase, fmt.Sprintf("verifying %s failed: %s", phase, reason)), nil
}

func (s *Scheduler) resolve(ctx context.Context, t *tick, phase Phase, reason string) (*TickResult, error) {
	if err := s.registry.DeleteTask(ctx, t.pair.Self, t.result.TaskID); err != nil {
		return t.fail(PhaseResolve, fmt.Errorf("failed to delete task: %w", err))
	}
	t.log.Info("Current task completed", "reason", reason)
	return t.finish(OutcomeResolved, phase, reason), nil
}

// NextTask returns the oldest pending task for the pair's self resource.
func (s *Scheduler) NextTask(ctx context.Context, pair ResourcePair) (TaskID, bool, error) {
	h, ok, err := s.registry.GetTask(ctx, pair.Self)
	if err != nil {
		return "", false, fmt.Errorf("failed to get task: %w", err)
	}
	return h, ok, nil
}

// PendingTasks lists every pending task for the pair's self resource.
func (s *Scheduler) PendingTasks(ctx context.Context, pair ResourcePair) ([]TaskID, error) {
	tasks, err := s.registry.ListTasks(ctx, pair.Self)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// IsTimeout reports whether err came from a context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
