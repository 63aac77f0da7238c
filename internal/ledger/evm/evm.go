// Package evm implements the swap ledger over KlingonHTLC contracts on
// EVM chains.
//
// The self leg is the swap this scheduler funded (it is the sender and may
// refund it). The counterparty leg is the swap funded for it (it is the
// receiver and claims it with the secret). Leg state is read from the
// contracts; observations about the counterparty leg are recorded in local
// storage.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"

	"github.com/klingon-exchange/klingon-htlcd/internal/config"
	"github.com/klingon-exchange/klingon-htlcd/internal/contracts/htlc"
	"github.com/klingon-exchange/klingon-htlcd/internal/storage"
	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
	"github.com/klingon-exchange/klingon-htlcd/pkg/logging"
)

// Ledger errors
var (
	ErrUnknownChain  = errors.New("unknown chain")
	ErrUnknownPair   = errors.New("no pair for self resource")
	ErrNoContract    = errors.New("no HTLC contract for chain")
	ErrSwapNotFound  = errors.New("swap not found on chain")
	ErrRefundPending = errors.New("refund transaction not mined yet")
)

// contract is the subset of *htlc.Client the ledger drives.
type contract interface {
	GetSwap(ctx context.Context, swapID [32]byte) (*htlc.Swap, error)
	Claim(ctx context.Context, key *ecdsa.PrivateKey, swapID, secret [32]byte) (*types.Transaction, error)
	Refund(ctx context.Context, key *ecdsa.PrivateKey, swapID [32]byte) (*types.Transaction, error)
	FindSwapByHash(ctx context.Context, fromBlock uint64, secretHash [32]byte, sender, receiver common.Address) (*htlc.SwapCreatedEvent, error)
	FindSwapClaimed(ctx context.Context, fromBlock uint64, swapID [32]byte) (*htlc.SwapClaimedEvent, error)
	WaitForTx(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	CreatedInReceipt(receipt *types.Receipt) []*htlc.SwapCreatedEvent
	ClaimedInReceipt(receipt *types.Receipt) []*htlc.SwapClaimedEvent
}

// ChainConfig describes one chain connection.
type ChainConfig struct {
	Name    string
	Backend htlc.Backend
	// Close releases Backend, if the ledger owns it.
	Close func()
	Key   *ecdsa.PrivateKey

	StartBlock     uint64
	ReceiptTimeout time.Duration
	MaxFailures    uint32
	OpenTimeout    time.Duration
}

// Config holds the ledger's collaborators.
type Config struct {
	Chains  []ChainConfig
	Pairs   []swap.ResourcePair
	Storage *storage.Storage
	Logger  *logging.Logger
	Retry   *RetryConfig
}

type chain struct {
	name           string
	chainID        uint64
	backend        htlc.Backend
	closer         func()
	key            *ecdsa.PrivateKey
	address        common.Address
	startBlock     uint64
	receiptTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker
	retry          RetryConfig

	mu        sync.Mutex
	contracts map[common.Address]contract
	bind      func(ctx context.Context, addr common.Address) (contract, error)
}

// contractAt returns the bound contract at addr, binding it on first use.
func (c *chain) contractAt(ctx context.Context, addr common.Address) (contract, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.contracts[addr]; ok {
		return k, nil
	}
	k, err := c.bind(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s on %s: %w", addr.Hex(), c.name, err)
	}
	c.contracts[addr] = k
	return k, nil
}

// bound returns every contract bound on this chain.
func (c *chain) bound() []contract {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]contract, 0, len(c.contracts))
	for _, k := range c.contracts {
		out = append(out, k)
	}
	return out
}

// Ledger drives KlingonHTLC contracts for the configured pairs.
type Ledger struct {
	chains map[string]*chain
	pairs  map[string]swap.ResourcePair
	store  *storage.Storage
	log    *logging.Logger

	mu   sync.RWMutex
	legs map[string]*htlc.SwapCreatedEvent
}

var (
	_ swap.Ledger = (*Ledger)(nil)
	_ contract    = (*htlc.Client)(nil)
)

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return client, nil
}

// New creates the ledger and binds every contract the pairs reference.
func New(ctx context.Context, cfg *Config) (*Ledger, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.Component("evm")

	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	chains := make(map[string]*chain, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		if cc.Key == nil {
			return nil, fmt.Errorf("chain %s: signer key is required", cc.Name)
		}
		id, err := cc.Backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain %s: failed to get chain ID: %w", cc.Name, err)
		}

		backend := cc.Backend
		c := newChain(cc, id.Uint64(), retry, log)
		c.bind = func(ctx context.Context, addr common.Address) (contract, error) {
			return htlc.NewClientWithBackend(ctx, backend, addr)
		}
		chains[cc.Name] = c

		log.Info("Connected chain", "chain", cc.Name, "chain_id", c.chainID, "address", c.address.Hex())
	}

	l := newLedger(chains, cfg.Pairs, cfg.Storage, log)
	for _, p := range cfg.Pairs {
		for _, r := range []swap.Resource{p.Self, p.Counterparty} {
			if _, _, err := l.resolve(ctx, r); err != nil {
				return nil, fmt.Errorf("pair %s: %w", p.Name, err)
			}
		}
	}
	return l, nil
}

func newChain(cc ChainConfig, chainID uint64, retry RetryConfig, log *logging.Logger) *chain {
	timeout := cc.ReceiptTimeout
	if timeout <= 0 {
		timeout = config.DefaultReceiptTimeout
	}
	return &chain{
		name:           cc.Name,
		chainID:        chainID,
		backend:        cc.Backend,
		closer:         cc.Close,
		key:            cc.Key,
		address:        htlc.AddressFromPrivateKey(cc.Key),
		startBlock:     cc.StartBlock,
		receiptTimeout: timeout,
		breaker:        newBreaker(cc.Name, cc.MaxFailures, cc.OpenTimeout, log),
		retry:          retry,
		contracts:      make(map[common.Address]contract),
	}
}

func newLedger(chains map[string]*chain, pairs []swap.ResourcePair, store *storage.Storage, log *logging.Logger) *Ledger {
	l := &Ledger{
		chains: chains,
		pairs:  make(map[string]swap.ResourcePair, len(pairs)),
		store:  store,
		log:    log,
		legs:   make(map[string]*htlc.SwapCreatedEvent),
	}
	for _, p := range pairs {
		l.pairs[p.Self.String()] = p
	}
	return l
}

// Close releases every chain connection the ledger owns.
func (l *Ledger) Close() {
	for _, c := range l.chains {
		if c.closer != nil {
			c.closer()
		}
	}
}

// Address returns the signer address used on the named chain.
func (l *Ledger) Address(chainName string) (common.Address, error) {
	c, ok := l.chains[chainName]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownChain, chainName)
	}
	return c.address, nil
}

// BreakerState reports the circuit breaker state per chain.
func (l *Ledger) BreakerState() map[string]string {
	out := make(map[string]string, len(l.chains))
	for name, c := range l.chains {
		out[name] = c.breaker.State().String()
	}
	return out
}

func (l *Ledger) resolve(ctx context.Context, r swap.Resource) (*chain, contract, error) {
	c, ok := l.chains[r.Chain]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownChain, r.Chain)
	}
	addr, ok := config.ResolveContract(r.Contract, c.chainID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s (chain id %d, known deployments on %v)", ErrNoContract, r.Chain, c.chainID, config.DeployedHTLCChains())
	}
	k, err := c.contractAt(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	return c, k, nil
}

func (l *Ledger) counterpartyOf(self swap.Resource) (swap.Resource, error) {
	p, ok := l.pairs[self.String()]
	if !ok {
		return swap.Resource{}, fmt.Errorf("%w: %s", ErrUnknownPair, self)
	}
	return p.Counterparty, nil
}

// role selects which side of a swap this scheduler is on.
type role int

const (
	roleSender role = iota
	roleReceiver
)

// leg is one located on-chain swap.
type leg struct {
	chain    *chain
	contract contract
	created  *htlc.SwapCreatedEvent
}

func (lg *leg) id() [32]byte { return lg.created.SwapID }

// leg locates the swap for task h on resource r. Self legs are found by our
// address as sender, counterparty legs by our address as receiver. Located
// swaps are remembered: the swap id for a hash-lock never changes.
func (l *Ledger) leg(ctx context.Context, r swap.Resource, h swap.TaskID, as role) (*leg, error) {
	c, k, err := l.resolve(ctx, r)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%s/%d/%s", c.name, r.Contract, as, h)
	l.mu.RLock()
	created, ok := l.legs[key]
	l.mu.RUnlock()
	if ok {
		return &leg{chain: c, contract: k, created: created}, nil
	}

	hash, err := h.Bytes()
	if err != nil {
		return nil, err
	}
	var sender, receiver common.Address
	if as == roleSender {
		sender = c.address
	} else {
		receiver = c.address
	}

	created, err = read(ctx, c, func() (*htlc.SwapCreatedEvent, error) {
		return k.FindSwapByHash(ctx, c.startBlock, hash, sender, receiver)
	})
	if errors.Is(err, htlc.ErrEventNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrSwapNotFound, r, h.Short())
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.legs[key] = created
	l.mu.Unlock()
	return &leg{chain: c, contract: k, created: created}, nil
}

func (l *Ledger) swapOf(ctx context.Context, lg *leg) (*htlc.Swap, error) {
	return read(ctx, lg.chain, func() (*htlc.Swap, error) {
		return lg.contract.GetSwap(ctx, lg.id())
	})
}

// waitMined waits up to the chain's receipt timeout for tx.
func (l *Ledger) waitMined(ctx context.Context, lg *leg, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, lg.chain.receiptTimeout)
	defer cancel()

	receipt, err := lg.contract.WaitForTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, nil
}

// verifier picks the connection used to check a receipt on chainName. The
// origin connection is used when it serves the same network.
func (l *Ledger) verifier(origin, chainName string) (*chain, *chain, error) {
	oc, ok := l.chains[origin]
	if !ok {
		return nil, nil, fmt.Errorf("%w: origin %s", ErrUnknownChain, origin)
	}
	rc, ok := l.chains[chainName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainName)
	}
	if oc.chainID == rc.chainID {
		return oc, rc, nil
	}
	return rc, rc, nil
}

func (l *Ledger) minedReceipt(ctx context.Context, origin string, receipt swap.Receipt) (*types.Receipt, *chain, error) {
	if receipt.TxHash == "" {
		return nil, nil, errNoTransaction
	}
	via, on, err := l.verifier(origin, receipt.Chain)
	if err != nil {
		return nil, nil, err
	}
	hash := common.HexToHash(receipt.TxHash)
	mined, err := read(ctx, via, func() (*types.Receipt, error) {
		return via.backend.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get receipt %s: %w", receipt, err)
	}
	return mined, on, nil
}

var errNoTransaction = errors.New("no transaction to verify")
