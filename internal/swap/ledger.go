package swap

import (
	"context"
	"time"
)

// Ledger is the capability set the scheduler needs from the ledgers. All
// per-task state lives behind it; the scheduler never caches it across ticks.
//
// Status reads and the counterparty setters are addressed to the self
// resource, which records observations about the counterparty leg.
type Ledger interface {
	GetSelfTimelock(ctx context.Context, self Resource, h TaskID) (time.Time, error)
	GetCounterpartyTimelock(ctx context.Context, self Resource, h TaskID) (time.Time, error)

	GetSelfRollbackStatus(ctx context.Context, self Resource, h TaskID) (bool, error)
	GetCounterpartyRollbackStatus(ctx context.Context, self Resource, h TaskID) (bool, error)
	SetCounterpartyRollbackStatus(ctx context.Context, self Resource, h TaskID) error

	// Rollback refunds the self leg. It must only ever be called with the
	// resource this scheduler controls.
	Rollback(ctx context.Context, self Resource, h TaskID) error

	// GetSecret returns the preimage if it has been revealed.
	GetSecret(ctx context.Context, self Resource, h TaskID) (Secret, bool, error)

	GetSelfUnlockStatus(ctx context.Context, self Resource, h TaskID) (bool, error)
	GetCounterpartyUnlockStatus(ctx context.Context, self Resource, h TaskID) (bool, error)
	SetCounterpartyUnlockStatus(ctx context.Context, self Resource, h TaskID) error

	GetCounterpartyLockStatus(ctx context.Context, self Resource, h TaskID) (bool, error)
	SetCounterpartyLockStatus(ctx context.Context, self Resource, h TaskID) error

	Lock(ctx context.Context, counterparty Resource, h TaskID) (Receipt, error)
	VerifyLock(ctx context.Context, origin string, receipt Receipt) (bool, error)

	Unlock(ctx context.Context, self, counterparty Resource, h TaskID, secret Secret) (Receipt, error)
	VerifyUnlock(ctx context.Context, origin string, receipt Receipt) (bool, error)
}

// Registry tracks pending tasks per self resource.
type Registry interface {
	// GetTask returns the oldest pending task for the resource.
	GetTask(ctx context.Context, self Resource) (TaskID, bool, error)
	// ListTasks returns every pending task for the resource.
	ListTasks(ctx context.Context, self Resource) ([]TaskID, error)
	// DeleteTask removes a resolved task.
	DeleteTask(ctx context.Context, self Resource, h TaskID) error
}
