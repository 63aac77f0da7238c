// Package swap implements the per-tick decision logic that advances one HTLC
// swap task toward unlock on both ledgers or timelock rollback.
package swap

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlcd/pkg/helpers"
)

// ErrInvalidTaskID is returned when a task id is not a 32-byte hex hash-lock.
var ErrInvalidTaskID = errors.New("invalid task id")

// TaskID identifies one swap instance. It is the hex-encoded hash-lock
// (sha256 of the secret) with a 0x prefix.
type TaskID string

// ParseTaskID validates and normalises a hash-lock given as hex.
func ParseTaskID(s string) (TaskID, error) {
	norm, err := helpers.NormalizeHex32(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTaskID, err)
	}
	return TaskID(norm), nil
}

// Bytes returns the raw hash-lock.
func (h TaskID) Bytes() ([32]byte, error) {
	b, err := helpers.HexToBytes32(string(h))
	if err != nil {
		return b, fmt.Errorf("%w: %v", ErrInvalidTaskID, err)
	}
	return b, nil
}

// Short returns an abbreviated id for log lines.
func (h TaskID) Short() string {
	s := string(h)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func (h TaskID) String() string { return string(h) }

// Secret is a revealed hash-lock preimage.
type Secret [32]byte

// Hash returns the hash-lock this secret opens.
func (s Secret) Hash() [32]byte {
	return sha256.Sum256(s[:])
}

// Opens reports whether the secret is the preimage of task h.
func (s Secret) Opens(h TaskID) bool {
	want, err := h.Bytes()
	if err != nil {
		return false
	}
	got := s.Hash()
	return helpers.ConstantTimeCompare(got[:], want[:])
}

func (s Secret) String() string { return helpers.BytesToHex(s[:]) }

// ParseSecret decodes a hex preimage. The all-zero value is rejected.
func ParseSecret(s string) (Secret, error) {
	b, err := helpers.HexToBytes32(s)
	if err != nil {
		return Secret{}, fmt.Errorf("invalid secret: %w", err)
	}
	if helpers.IsZeroBytes(b[:]) {
		return Secret{}, errors.New("invalid secret: zero preimage")
	}
	return Secret(b), nil
}

// Resource is one participant's on-ledger HTLC contract instance.
type Resource struct {
	// Path is a human-readable locator used in diagnostics.
	Path string `json:"path" yaml:"path"`
	// Chain names the ledger the contract lives on.
	Chain string `json:"chain" yaml:"chain"`
	// Contract is the contract address or identifier on Chain.
	Contract string `json:"contract" yaml:"contract"`
	// Origin names the ledger handle used for local verification calls.
	// Empty means Chain.
	Origin string `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// OriginLedger returns the ledger used to verify receipts for this resource.
func (r Resource) OriginLedger() string {
	if r.Origin != "" {
		return r.Origin
	}
	return r.Chain
}

func (r Resource) String() string {
	if r.Path != "" {
		return r.Path
	}
	return r.Chain + "/" + r.Contract
}

// ResourcePair holds the two legs of one swap as seen by this scheduler
// instance. The counterparty runs its own scheduler with the roles inverted.
type ResourcePair struct {
	Name         string   `json:"name" yaml:"name"`
	Self         Resource `json:"self" yaml:"self"`
	Counterparty Resource `json:"counterparty" yaml:"counterparty"`
}

// Receipt identifies a ledger transaction produced by a lock or unlock call.
type Receipt struct {
	Chain  string `json:"chain"`
	TxHash string `json:"tx_hash"`
}

func (r Receipt) String() string { return r.Chain + ":" + r.TxHash }

// Outcome is the result of one tick.
type Outcome string

const (
	// OutcomeResolved means the task reached a terminal state and was deleted.
	OutcomeResolved Outcome = "resolved"
	// OutcomeDeferred means the secret is not yet known.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeAborted means a receipt failed verification and nothing was rolled back.
	OutcomeAborted Outcome = "aborted"
	// OutcomeAwaitingSelfUnlock means the counterparty leg is unlocked but
	// ours is not yet.
	OutcomeAwaitingSelfUnlock Outcome = "awaiting_self_unlock"
	// OutcomePending means progress was made but the task is not resolved.
	OutcomePending Outcome = "pending"
)

// Phase names the step of the tick a log line or event belongs to.
type Phase string

const (
	PhaseRollbackCheck Phase = "rollback_check"
	PhaseSecret        Phase = "secret"
	PhaseUnlockStatus  Phase = "unlock_status"
	PhaseLock          Phase = "lock"
	PhaseUnlock        Phase = "unlock"
	PhaseRollback      Phase = "rollback"
	PhaseResolve       Phase = "resolve"
)

// TickResult describes what one tick decided.
type TickResult struct {
	ID        string        `json:"id"`
	Pair      string        `json:"pair"`
	TaskID    TaskID        `json:"task_id"`
	Outcome   Outcome       `json:"outcome"`
	Phase     Phase         `json:"phase"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Event is emitted at each notable step of a tick. Outcome is set only on
// the final event of a tick that completed; Failed marks a tick that ended
// with an error.
type Event struct {
	TickID    string    `json:"tick_id"`
	Pair      string    `json:"pair"`
	TaskID    TaskID    `json:"task_id"`
	Phase     Phase     `json:"phase"`
	Path      string    `json:"path"`
	Message   string    `json:"message"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler is called for tick events.
type EventHandler func(event Event)
