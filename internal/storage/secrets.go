package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// Secret errors
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretMismatch = errors.New("secret does not open task hash-lock")
)

// SecretSource records where a preimage was learned.
type SecretSource string

const (
	SecretSourceOperator SecretSource = "operator" // Supplied through RPC
	SecretSourceChain    SecretSource = "chain"    // Read from a claim event
)

// StoredSecret is a revealed preimage row.
type StoredSecret struct {
	TaskID     swap.TaskID
	Secret     swap.Secret
	Source     SecretSource
	TxHash     string
	RevealedAt time.Time
}

// SaveSecret stores the preimage of task h. The preimage must hash to h.
// Saving a preimage that is already stored is a no-op.
func (s *Storage) SaveSecret(ctx context.Context, h swap.TaskID, secret swap.Secret, source SecretSource, txHash string) error {
	if !secret.Opens(h) {
		return ErrSecretMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var tx *string
	if txHash != "" {
		tx = &txHash
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO secrets (task_id, secret, source, tx_hash, revealed_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(h), secret.String(), string(source), tx, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// GetSecret returns the stored preimage of task h.
func (s *Storage) GetSecret(ctx context.Context, h swap.TaskID) (*StoredSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		secretHex  string
		source     string
		txHash     sql.NullString
		revealedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT secret, source, tx_hash, revealed_at FROM secrets WHERE task_id = ?
	`, string(h)).Scan(&secretHex, &source, &txHash, &revealedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	secret, err := swap.ParseSecret(secretHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt secret for %s: %w", h.Short(), err)
	}
	return &StoredSecret{
		TaskID:     h,
		Secret:     secret,
		Source:     SecretSource(source),
		TxHash:     txHash.String,
		RevealedAt: time.Unix(revealedAt, 0),
	}, nil
}

// HasSecret reports whether the preimage of task h is stored.
func (s *Storage) HasSecret(ctx context.Context, h swap.TaskID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM secrets WHERE task_id = ?`, string(h)).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check secret: %w", err)
	}
	return count > 0, nil
}
