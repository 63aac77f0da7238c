// Package memory provides an in-memory swap ledger and task registry for
// tests, demos and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// ErrNoSwap is returned when no leg is registered for a resource and task.
var ErrNoSwap = errors.New("no swap for resource")

// Leg is the observable state of one swap as seen from a self resource.
type Leg struct {
	SelfTimelock         time.Time
	CounterpartyTimelock time.Time

	SelfRolledBack         bool
	CounterpartyRolledBack bool
	SelfUnlocked           bool
	CounterpartyUnlocked   bool
	CounterpartyLocked     bool

	// Secret is revealed once GetSecret has been called RevealAfter times.
	Secret      *swap.Secret
	RevealAfter int

	// ClaimedOnUnlock marks the self leg unlocked once the counterparty leg
	// is unlocked, as a counterparty claiming with the revealed secret would.
	ClaimedOnUnlock bool

	secretReads int
}

type legKey struct {
	path string
	h    swap.TaskID
}

type receiptKind int

const (
	lockReceipt receiptKind = iota
	unlockReceipt
)

// Ledger is a swap.Ledger backed by maps. The zero behaviour verifies every
// receipt it issued; tests flip RejectLock, RejectUnlock or VerifyErr to
// exercise the failure paths.
type Ledger struct {
	mu       sync.Mutex
	legs     map[legKey]*Leg
	receipts map[string]receiptKind
	calls    map[string]int
	txSeq    int

	RejectLock   bool
	RejectUnlock bool
	VerifyErr    error
	// GetSecretErr is returned by every GetSecret call when set.
	GetSecretErr error
	// RollbackErr is returned by Rollback when set.
	RollbackErr error

	// SecretLookup is consulted by GetSecret for legs without a Secret.
	SecretLookup func(ctx context.Context, h swap.TaskID) (swap.Secret, bool, error)
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		legs:     make(map[legKey]*Leg),
		receipts: make(map[string]receiptKind),
		calls:    make(map[string]int),
	}
}

// Put registers or replaces the leg for a self resource and task.
func (l *Ledger) Put(self swap.Resource, h swap.TaskID, leg *Leg) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.legs[legKey{self.String(), h}] = leg
}

// Seed registers a simulated leg for a task unless one exists. The
// counterparty claims the self leg as soon as it sees our unlock.
func (l *Ledger) Seed(self swap.Resource, h swap.TaskID, selfTimelock, counterpartyTimelock time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := legKey{self.String(), h}
	if _, ok := l.legs[key]; ok {
		return false
	}
	l.legs[key] = &Leg{
		SelfTimelock:         selfTimelock,
		CounterpartyTimelock: counterpartyTimelock,
		ClaimedOnUnlock:      true,
	}
	return true
}

// Leg returns a copy of the current leg state.
func (l *Ledger) Leg(self swap.Resource, h swap.TaskID) (Leg, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	leg, ok := l.legs[legKey{self.String(), h}]
	if !ok {
		return Leg{}, false
	}
	return *leg, true
}

// Reveal makes the secret available to GetSecret immediately.
func (l *Ledger) Reveal(self swap.Resource, h swap.TaskID, secret swap.Secret) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	leg, ok := l.legs[legKey{self.String(), h}]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSwap, self, h.Short())
	}
	leg.Secret = &secret
	leg.RevealAfter = 0
	return nil
}

// Calls returns how many times the named method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// leg looks up a leg and counts the call. Callers must hold l.mu.
func (l *Ledger) leg(method string, self swap.Resource, h swap.TaskID) (*Leg, error) {
	l.calls[method]++
	leg, ok := l.legs[legKey{self.String(), h}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNoSwap, self, h.Short())
	}
	return leg, nil
}

func (l *Ledger) readBool(method string, self swap.Resource, h swap.TaskID, get func(*Leg) bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	leg, err := l.leg(method, self, h)
	if err != nil {
		return false, err
	}
	return get(leg), nil
}

func (l *Ledger) setBool(method string, self swap.Resource, h swap.TaskID, set func(*Leg)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	leg, err := l.leg(method, self, h)
	if err != nil {
		return err
	}
	set(leg)
	return nil
}

func (l *Ledger) GetSelfTimelock(_ context.Context, self swap.Resource, h swap.TaskID) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	leg, err := l.leg("GetSelfTimelock", self, h)
	if err != nil {
		return time.Time{}, err
	}
	return leg.SelfTimelock, nil
}

func (l *Ledger) GetCounterpartyTimelock(_ context.Context, self swap.Resource, h swap.TaskID) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	leg, err := l.leg("GetCounterpartyTimelock", self, h)
	if err != nil {
		return time.Time{}, err
	}
	return leg.CounterpartyTimelock, nil
}

func (l *Ledger) GetSelfRollbackStatus(_ context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	return l.readBool("GetSelfRollbackStatus", self, h, func(leg *Leg) bool { return leg.SelfRolledBack })
}

func (l *Ledger) GetCounterpartyRollbackStatus(_ context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	return l.readBool("GetCounterpartyRollbackStatus", self, h, func(leg *Leg) bool { return leg.CounterpartyRolledBack })
}

func (l *Ledger) SetCounterpartyRollbackStatus(_ context.Context, self swap.Resource, h swap.TaskID) error {
	return l.setBool("SetCounterpartyRollbackStatus", self, h, func(leg *Leg) { leg.CounterpartyRolledBack = true })
}

// Rollback refunds the self leg and marks it rolled back.
func (l *Ledger) Rollback(_ context.Context, self swap.Resource, h swap.TaskID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	leg, err := l.leg("Rollback", self, h)
	if err != nil {
		return err
	}
	if l.RollbackErr != nil {
		return l.RollbackErr
	}
	leg.SelfRolledBack = true
	return nil
}

func (l *Ledger) GetSecret(ctx context.Context, self swap.Resource, h swap.TaskID) (swap.Secret, bool, error) {
	l.mu.Lock()
	leg, err := l.leg("GetSecret", self, h)
	if err != nil {
		l.mu.Unlock()
		return swap.Secret{}, false, err
	}
	if l.GetSecretErr != nil {
		l.mu.Unlock()
		return swap.Secret{}, false, l.GetSecretErr
	}
	leg.secretReads++
	secret, reads, revealAfter := leg.Secret, leg.secretReads, leg.RevealAfter
	lookup := l.SecretLookup
	l.mu.Unlock()

	if secret == nil {
		if lookup == nil {
			return swap.Secret{}, false, nil
		}
		return lookup(ctx, h)
	}
	if reads <= revealAfter {
		return swap.Secret{}, false, nil
	}
	return *secret, true, nil
}

func (l *Ledger) GetSelfUnlockStatus(_ context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	return l.readBool("GetSelfUnlockStatus", self, h, func(leg *Leg) bool { return leg.SelfUnlocked })
}

func (l *Ledger) GetCounterpartyUnlockStatus(_ context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	return l.readBool("GetCounterpartyUnlockStatus", self, h, func(leg *Leg) bool { return leg.CounterpartyUnlocked })
}

func (l *Ledger) SetCounterpartyUnlockStatus(_ context.Context, self swap.Resource, h swap.TaskID) error {
	return l.setBool("SetCounterpartyUnlockStatus", self, h, func(leg *Leg) {
		leg.CounterpartyUnlocked = true
		if leg.ClaimedOnUnlock {
			leg.SelfUnlocked = true
		}
	})
}

func (l *Ledger) GetCounterpartyLockStatus(_ context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	return l.readBool("GetCounterpartyLockStatus", self, h, func(leg *Leg) bool { return leg.CounterpartyLocked })
}

func (l *Ledger) SetCounterpartyLockStatus(_ context.Context, self swap.Resource, h swap.TaskID) error {
	return l.setBool("SetCounterpartyLockStatus", self, h, func(leg *Leg) { leg.CounterpartyLocked = true })
}

func (l *Ledger) newReceipt(chain string, kind receiptKind) swap.Receipt {
	l.txSeq++
	tx := fmt.Sprintf("0x%064x", l.txSeq)
	l.receipts[tx] = kind
	return swap.Receipt{Chain: chain, TxHash: tx}
}

// Lock issues a lock transaction against the counterparty resource.
func (l *Ledger) Lock(_ context.Context, counterparty swap.Resource, h swap.TaskID) (swap.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["Lock"]++
	return l.newReceipt(counterparty.Chain, lockReceipt), nil
}

func (l *Ledger) verify(method string, receipt swap.Receipt, want receiptKind, reject bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[method]++
	if l.VerifyErr != nil {
		return false, l.VerifyErr
	}
	if reject {
		return false, nil
	}
	kind, ok := l.receipts[receipt.TxHash]
	return ok && kind == want, nil
}

func (l *Ledger) VerifyLock(_ context.Context, _ string, receipt swap.Receipt) (bool, error) {
	return l.verify("VerifyLock", receipt, lockReceipt, l.RejectLock)
}

// Unlock claims the counterparty leg with the secret. The secret must open h.
func (l *Ledger) Unlock(_ context.Context, self, counterparty swap.Resource, h swap.TaskID, secret swap.Secret) (swap.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.leg("Unlock", self, h); err != nil {
		return swap.Receipt{}, err
	}
	if !secret.Opens(h) {
		return swap.Receipt{}, fmt.Errorf("secret does not open %s", h.Short())
	}
	return l.newReceipt(counterparty.Chain, unlockReceipt), nil
}

func (l *Ledger) VerifyUnlock(_ context.Context, _ string, receipt swap.Receipt) (bool, error) {
	return l.verify("VerifyUnlock", receipt, unlockReceipt, l.RejectUnlock)
}

// Registry is an in-memory swap.Registry that keeps insertion order.
type Registry struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]map[swap.TaskID]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]map[swap.TaskID]int)}
}

// AddTask registers a pending task. Adding an existing task is a no-op.
func (r *Registry) AddTask(_ context.Context, self swap.Resource, h swap.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := self.String()
	if r.tasks[key] == nil {
		r.tasks[key] = make(map[swap.TaskID]int)
	}
	if _, ok := r.tasks[key][h]; ok {
		return nil
	}
	r.seq++
	r.tasks[key][h] = r.seq
	return nil
}

func (r *Registry) GetTask(ctx context.Context, self swap.Resource) (swap.TaskID, bool, error) {
	tasks, _ := r.ListTasks(ctx, self)
	if len(tasks) == 0 {
		return "", false, nil
	}
	return tasks[0], true, nil
}

func (r *Registry) ListTasks(_ context.Context, self swap.Resource) ([]swap.TaskID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.tasks[self.String()]
	tasks := make([]swap.TaskID, 0, len(set))
	for h := range set {
		tasks = append(tasks, h)
	}
	sort.Slice(tasks, func(i, j int) bool { return set[tasks[i]] < set[tasks[j]] })
	return tasks, nil
}

// DeleteTask removes a task. Deleting an unknown task is a no-op.
func (r *Registry) DeleteTask(_ context.Context, self swap.Resource, h swap.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks[self.String()], h)
	return nil
}

var (
	_ swap.Ledger   = (*Ledger)(nil)
	_ swap.Registry = (*Registry)(nil)
)
