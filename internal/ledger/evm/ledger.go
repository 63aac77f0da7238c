package evm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/klingon-htlcd/internal/contracts/htlc"
	"github.com/klingon-exchange/klingon-htlcd/internal/storage"
	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// =============================================================================
// Timelocks and rollback
// =============================================================================

// GetSelfTimelock returns the refund deadline of the self leg.
func (l *Ledger) GetSelfTimelock(ctx context.Context, self swap.Resource, h swap.TaskID) (time.Time, error) {
	lg, err := l.leg(ctx, self, h, roleSender)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(lg.created.Timelock.Int64(), 0), nil
}

// GetCounterpartyTimelock returns the refund deadline of the counterparty
// leg. While the counterparty has not funded its leg, the self deadline
// stands in for it.
func (l *Ledger) GetCounterpartyTimelock(ctx context.Context, self swap.Resource, h swap.TaskID) (time.Time, error) {
	counterparty, err := l.counterpartyOf(self)
	if err != nil {
		return time.Time{}, err
	}
	lg, err := l.leg(ctx, counterparty, h, roleReceiver)
	if errors.Is(err, ErrSwapNotFound) {
		l.log.Debug("Counterparty leg not funded, using self timelock", "task", h.Short(), "path", self)
		return l.GetSelfTimelock(ctx, self, h)
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(lg.created.Timelock.Int64(), 0), nil
}

// GetSelfRollbackStatus reports whether the self leg has been refunded.
func (l *Ledger) GetSelfRollbackStatus(ctx context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	state, err := l.selfState(ctx, self, h)
	if err != nil {
		return false, err
	}
	return state == htlc.SwapStateRefunded, nil
}

// GetCounterpartyRollbackStatus reports whether counterparty abandonment has
// been recorded.
func (l *Ledger) GetCounterpartyRollbackStatus(ctx context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	return l.store.GetFlag(ctx, self, h, storage.FlagCounterpartyRolledBack)
}

// SetCounterpartyRollbackStatus records counterparty abandonment.
func (l *Ledger) SetCounterpartyRollbackStatus(ctx context.Context, self swap.Resource, h swap.TaskID) error {
	return l.store.SetFlag(ctx, self, h, storage.FlagCounterpartyRolledBack)
}

// Rollback refunds the self leg and waits for the refund to be mined. A leg
// that is already refunded or claimed is settled and left alone. While an
// earlier refund is still unmined no second one is sent.
func (l *Ledger) Rollback(ctx context.Context, self swap.Resource, h swap.TaskID) error {
	lg, err := l.leg(ctx, self, h, roleSender)
	if err != nil {
		return err
	}
	s, err := l.swapOf(ctx, lg)
	if err != nil {
		return err
	}

	switch s.State {
	case htlc.SwapStateRefunded:
		return nil
	case htlc.SwapStateClaimed:
		l.log.Warn("Self leg already claimed, nothing to refund", "task", h.Short(), "path", self)
		return nil
	case htlc.SwapStateActive:
	default:
		return fmt.Errorf("cannot refund %s: swap is %s", self, s.State)
	}

	pending, err := l.store.GetRefundTx(ctx, self, h)
	if err != nil {
		return err
	}
	if pending != "" {
		mined, err := read(ctx, lg.chain, func() (*types.Receipt, error) {
			return lg.chain.backend.TransactionReceipt(ctx, common.HexToHash(pending))
		})
		switch {
		case errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("%w: %s", ErrRefundPending, pending)
		case err != nil:
			return fmt.Errorf("failed to get refund receipt %s: %w", pending, err)
		case mined.Status == types.ReceiptStatusSuccessful:
			l.log.Info("Refund mined", "task", h.Short(), "path", self, "tx", pending)
			return nil
		}
		l.log.Warn("Earlier refund reverted, sending again", "task", h.Short(), "path", self, "tx", pending)
	}

	tx, err := call(lg.chain, func() (*types.Transaction, error) {
		return lg.contract.Refund(ctx, lg.chain.key, lg.id())
	})
	if err != nil {
		return fmt.Errorf("failed to send refund: %w", err)
	}
	if err := l.store.SaveRefundTx(ctx, self, h, tx.Hash().Hex()); err != nil {
		return err
	}
	receipt, err := l.waitMined(ctx, lg, tx)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("refund %s reverted", tx.Hash().Hex())
	}

	l.log.Info("Refunded self leg", "task", h.Short(), "path", self, "tx", tx.Hash().Hex())
	return nil
}

// =============================================================================
// Secret
// =============================================================================

// GetSecret returns the preimage of h from local storage, or from a claim of
// either leg. Preimages read from chain are stored.
func (l *Ledger) GetSecret(ctx context.Context, self swap.Resource, h swap.TaskID) (swap.Secret, bool, error) {
	stored, err := l.store.GetSecret(ctx, h)
	if err == nil {
		return stored.Secret, true, nil
	}
	if !errors.Is(err, storage.ErrSecretNotFound) {
		return swap.Secret{}, false, err
	}

	counterparty, err := l.counterpartyOf(self)
	if err != nil {
		return swap.Secret{}, false, err
	}

	legs := []struct {
		r  swap.Resource
		as role
	}{{self, roleSender}, {counterparty, roleReceiver}}

	for _, side := range legs {
		lg, err := l.leg(ctx, side.r, h, side.as)
		if errors.Is(err, ErrSwapNotFound) {
			continue
		}
		if err != nil {
			return swap.Secret{}, false, err
		}

		claimed, err := read(ctx, lg.chain, func() (*htlc.SwapClaimedEvent, error) {
			return lg.contract.FindSwapClaimed(ctx, lg.chain.startBlock, lg.id())
		})
		if errors.Is(err, htlc.ErrEventNotFound) {
			continue
		}
		if err != nil {
			return swap.Secret{}, false, err
		}

		secret := swap.Secret(claimed.Secret)
		if !secret.Opens(h) {
			l.log.Warn("Claim revealed a preimage that does not open task", "task", h.Short(), "tx", claimed.TxHash.Hex())
			continue
		}
		if err := l.store.SaveSecret(ctx, h, secret, storage.SecretSourceChain, claimed.TxHash.Hex()); err != nil {
			return swap.Secret{}, false, err
		}
		l.log.Info("Secret revealed on chain", "task", h.Short(), "chain", lg.chain.name, "tx", claimed.TxHash.Hex())
		return secret, true, nil
	}

	return swap.Secret{}, false, nil
}

// =============================================================================
// Unlock and lock status
// =============================================================================

// GetSelfUnlockStatus reports whether the self leg has been claimed.
func (l *Ledger) GetSelfUnlockStatus(ctx context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	state, err := l.selfState(ctx, self, h)
	if err != nil {
		return false, err
	}
	return state == htlc.SwapStateClaimed, nil
}

// GetCounterpartyUnlockStatus reports whether a verified claim of the
// counterparty leg has been recorded.
func (l *Ledger) GetCounterpartyUnlockStatus(ctx context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	return l.store.GetFlag(ctx, self, h, storage.FlagCounterpartyUnlocked)
}

// SetCounterpartyUnlockStatus records a verified claim of the counterparty leg.
func (l *Ledger) SetCounterpartyUnlockStatus(ctx context.Context, self swap.Resource, h swap.TaskID) error {
	return l.store.SetFlag(ctx, self, h, storage.FlagCounterpartyUnlocked)
}

// GetCounterpartyLockStatus reports whether a verified counterparty lock has
// been recorded.
func (l *Ledger) GetCounterpartyLockStatus(ctx context.Context, self swap.Resource, h swap.TaskID) (bool, error) {
	return l.store.GetFlag(ctx, self, h, storage.FlagCounterpartyLocked)
}

// SetCounterpartyLockStatus records a verified counterparty lock.
func (l *Ledger) SetCounterpartyLockStatus(ctx context.Context, self swap.Resource, h swap.TaskID) error {
	return l.store.SetFlag(ctx, self, h, storage.FlagCounterpartyLocked)
}

func (l *Ledger) selfState(ctx context.Context, self swap.Resource, h swap.TaskID) (htlc.SwapState, error) {
	lg, err := l.leg(ctx, self, h, roleSender)
	if err != nil {
		return htlc.SwapStateEmpty, err
	}
	s, err := l.swapOf(ctx, lg)
	if err != nil {
		return htlc.SwapStateEmpty, err
	}
	return s.State, nil
}

// =============================================================================
// Lock and unlock
// =============================================================================

// Lock returns the transaction that funded the counterparty leg. While the
// leg is not funded the receipt carries no transaction and fails
// verification.
func (l *Ledger) Lock(ctx context.Context, counterparty swap.Resource, h swap.TaskID) (swap.Receipt, error) {
	lg, err := l.leg(ctx, counterparty, h, roleReceiver)
	if errors.Is(err, ErrSwapNotFound) {
		return swap.Receipt{Chain: counterparty.Chain}, nil
	}
	if err != nil {
		return swap.Receipt{}, err
	}
	return swap.Receipt{Chain: counterparty.Chain, TxHash: lg.created.TxHash.Hex()}, nil
}

// VerifyLock checks that the receipt's transaction succeeded and funded a
// swap payable to this scheduler that is still open or claimed.
func (l *Ledger) VerifyLock(ctx context.Context, origin string, receipt swap.Receipt) (bool, error) {
	mined, on, err := l.minedReceipt(ctx, origin, receipt)
	if err != nil {
		return false, err
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	for _, k := range on.bound() {
		for _, created := range k.CreatedInReceipt(mined) {
			if created.Receiver != on.address {
				continue
			}
			s, err := read(ctx, on, func() (*htlc.Swap, error) {
				return k.GetSwap(ctx, created.SwapID)
			})
			if err != nil {
				return false, err
			}
			if s.State == htlc.SwapStateActive || s.State == htlc.SwapStateClaimed {
				return true, nil
			}
		}
	}
	return false, nil
}

// Unlock claims the counterparty leg with secret and waits for the claim to
// be mined. A leg that is already claimed returns the earlier claim.
func (l *Ledger) Unlock(ctx context.Context, self, counterparty swap.Resource, h swap.TaskID, secret swap.Secret) (swap.Receipt, error) {
	if !secret.Opens(h) {
		return swap.Receipt{}, fmt.Errorf("refusing to claim %s: preimage does not open task", h.Short())
	}

	lg, err := l.leg(ctx, counterparty, h, roleReceiver)
	if err != nil {
		return swap.Receipt{}, err
	}
	s, err := l.swapOf(ctx, lg)
	if err != nil {
		return swap.Receipt{}, err
	}

	switch s.State {
	case htlc.SwapStateClaimed:
		claimed, err := read(ctx, lg.chain, func() (*htlc.SwapClaimedEvent, error) {
			return lg.contract.FindSwapClaimed(ctx, lg.chain.startBlock, lg.id())
		})
		if err != nil {
			return swap.Receipt{}, fmt.Errorf("leg already claimed: %w", err)
		}
		return swap.Receipt{Chain: counterparty.Chain, TxHash: claimed.TxHash.Hex()}, nil
	case htlc.SwapStateActive:
	default:
		return swap.Receipt{}, fmt.Errorf("cannot claim %s: swap is %s", counterparty, s.State)
	}

	tx, err := call(lg.chain, func() (*types.Transaction, error) {
		return lg.contract.Claim(ctx, lg.chain.key, lg.id(), secret)
	})
	if err != nil {
		return swap.Receipt{}, fmt.Errorf("failed to send claim: %w", err)
	}
	if _, err := l.waitMined(ctx, lg, tx); err != nil {
		return swap.Receipt{}, err
	}

	l.log.Info("Claimed counterparty leg", "task", h.Short(), "path", self, "tx", tx.Hash().Hex())
	return swap.Receipt{Chain: counterparty.Chain, TxHash: tx.Hash().Hex()}, nil
}

// VerifyUnlock checks that the receipt's transaction succeeded and claimed a
// swap payable to this scheduler.
func (l *Ledger) VerifyUnlock(ctx context.Context, origin string, receipt swap.Receipt) (bool, error) {
	mined, on, err := l.minedReceipt(ctx, origin, receipt)
	if err != nil {
		return false, err
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	for _, k := range on.bound() {
		for _, claimed := range k.ClaimedInReceipt(mined) {
			if claimed.Receiver == on.address {
				return true, nil
			}
		}
	}
	return false, nil
}
