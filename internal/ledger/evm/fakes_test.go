package evm

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/klingon-htlcd/internal/contracts/htlc"
	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// fakeBackend serves receipts from memory. Methods it does not override
// panic through the nil embedded interface.
type fakeBackend struct {
	htlc.Backend
	chainID int64

	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
}

func newFakeBackend(chainID int64) *fakeBackend {
	return &fakeBackend{chainID: chainID, receipts: make(map[common.Hash]*types.Receipt)}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(b.chainID), nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *fakeBackend) mine(h common.Hash, status uint64) *types.Receipt {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &types.Receipt{Status: status, TxHash: h}
	b.receipts[h] = r
	return r
}

// fakeContract is an in-memory KlingonHTLC.
type fakeContract struct {
	addr    common.Address
	backend *fakeBackend

	mu        sync.Mutex
	nonce     uint64
	created   []*htlc.SwapCreatedEvent
	swaps     map[[32]byte]*htlc.Swap
	claimed   map[[32]byte]*htlc.SwapClaimedEvent
	createdTx map[common.Hash]*htlc.SwapCreatedEvent
	claimedTx map[common.Hash]*htlc.SwapClaimedEvent

	getSwapErr error
	revertNext bool
	// holdNext leaves the next refund unmined.
	holdNext bool
	calls    map[string]int
}

func newFakeContract(addr common.Address, backend *fakeBackend) *fakeContract {
	return &fakeContract{
		addr:      addr,
		backend:   backend,
		swaps:     make(map[[32]byte]*htlc.Swap),
		claimed:   make(map[[32]byte]*htlc.SwapClaimedEvent),
		createdTx: make(map[common.Hash]*htlc.SwapCreatedEvent),
		claimedTx: make(map[common.Hash]*htlc.SwapClaimedEvent),
		calls:     make(map[string]int),
	}
}

func (f *fakeContract) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// fund creates an active swap for h.
func (f *fakeContract) fund(sender, receiver common.Address, h swap.TaskID, timelock int64) *htlc.SwapCreatedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	hash, _ := h.Bytes()
	id := crypto.Keccak256Hash(f.addr.Bytes(), sender.Bytes(), hash[:])
	tx := crypto.Keccak256Hash([]byte("create"), id[:])

	ev := &htlc.SwapCreatedEvent{
		SwapID:     id,
		Sender:     sender,
		Receiver:   receiver,
		Amount:     big.NewInt(1e18),
		DaoFee:     big.NewInt(0),
		SecretHash: hash,
		Timelock:   big.NewInt(timelock),
		TxHash:     tx,
	}
	f.created = append(f.created, ev)
	f.createdTx[tx] = ev
	f.swaps[id] = &htlc.Swap{
		Sender:     sender,
		Receiver:   receiver,
		Amount:     ev.Amount,
		DaoFee:     ev.DaoFee,
		SecretHash: hash,
		Timelock:   ev.Timelock,
		State:      htlc.SwapStateActive,
	}
	f.backend.mine(tx, types.ReceiptStatusSuccessful)
	return ev
}

func (f *fakeContract) newTx() *types.Transaction {
	f.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: f.nonce, To: &f.addr, Gas: 21000, GasPrice: big.NewInt(1)})
}

func (f *fakeContract) setState(id [32]byte, state htlc.SwapState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swaps[id].State = state
}

// claimLocked settles swap id with secret. f.mu must be held.
func (f *fakeContract) claimLocked(id, secret [32]byte) (*types.Transaction, uint64) {
	tx := f.newTx()
	s, ok := f.swaps[id]
	if !ok || s.State != htlc.SwapStateActive || sha256.Sum256(secret[:]) != s.SecretHash || f.revertNext {
		f.revertNext = false
		f.backend.mine(tx.Hash(), types.ReceiptStatusFailed)
		return tx, types.ReceiptStatusFailed
	}
	s.State = htlc.SwapStateClaimed
	ev := &htlc.SwapClaimedEvent{SwapID: id, Receiver: s.Receiver, Secret: secret, TxHash: tx.Hash()}
	f.claimed[id] = ev
	f.claimedTx[tx.Hash()] = ev
	f.backend.mine(tx.Hash(), types.ReceiptStatusSuccessful)
	return tx, types.ReceiptStatusSuccessful
}

// reveal claims swap id as the other party would.
func (f *fakeContract) reveal(id, secret [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimLocked(id, secret)
}

func (f *fakeContract) GetSwap(_ context.Context, id [32]byte) (*htlc.Swap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetSwap"]++
	if f.getSwapErr != nil {
		return nil, f.getSwapErr
	}
	s, ok := f.swaps[id]
	if !ok {
		return &htlc.Swap{State: htlc.SwapStateEmpty}, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeContract) Claim(_ context.Context, _ *ecdsa.PrivateKey, id, secret [32]byte) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Claim"]++
	tx, _ := f.claimLocked(id, secret)
	return tx, nil
}

func (f *fakeContract) Refund(_ context.Context, _ *ecdsa.PrivateKey, id [32]byte) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Refund"]++
	tx := f.newTx()
	if f.holdNext {
		f.holdNext = false
		return tx, nil
	}
	s, ok := f.swaps[id]
	if !ok || s.State != htlc.SwapStateActive || f.revertNext {
		f.revertNext = false
		f.backend.mine(tx.Hash(), types.ReceiptStatusFailed)
		return tx, nil
	}
	s.State = htlc.SwapStateRefunded
	f.backend.mine(tx.Hash(), types.ReceiptStatusSuccessful)
	return tx, nil
}

// mineRefund settles a held refund.
func (f *fakeContract) mineRefund(id [32]byte, tx common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swaps[id].State = htlc.SwapStateRefunded
	f.backend.mine(tx, types.ReceiptStatusSuccessful)
}

func (f *fakeContract) FindSwapByHash(_ context.Context, _ uint64, secretHash [32]byte, sender, receiver common.Address) (*htlc.SwapCreatedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["FindSwapByHash"]++
	for _, ev := range f.created {
		if ev.SecretHash != secretHash {
			continue
		}
		if sender != (common.Address{}) && ev.Sender != sender {
			continue
		}
		if receiver != (common.Address{}) && ev.Receiver != receiver {
			continue
		}
		return ev, nil
	}
	return nil, htlc.ErrEventNotFound
}

func (f *fakeContract) FindSwapClaimed(_ context.Context, _ uint64, id [32]byte) (*htlc.SwapClaimedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["FindSwapClaimed"]++
	ev, ok := f.claimed[id]
	if !ok {
		return nil, htlc.ErrEventNotFound
	}
	return ev, nil
}

func (f *fakeContract) WaitForTx(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return f.backend.TransactionReceipt(ctx, tx.Hash())
}

func (f *fakeContract) CreatedInReceipt(r *types.Receipt) []*htlc.SwapCreatedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.createdTx[r.TxHash]; ok {
		return []*htlc.SwapCreatedEvent{ev}
	}
	return nil
}

func (f *fakeContract) ClaimedInReceipt(r *types.Receipt) []*htlc.SwapClaimedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.claimedTx[r.TxHash]; ok {
		return []*htlc.SwapClaimedEvent{ev}
	}
	return nil
}
