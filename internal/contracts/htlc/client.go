// Package htlc provides a Go client for the KlingonHTLC contract, covering
// the calls a swap scheduler needs: swap lookups, claim, refund and the
// claim events that reveal secrets.
package htlc

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrEventNotFound is returned when no matching contract event exists.
var ErrEventNotFound = errors.New("event not found")

// SwapState represents the state of an HTLC swap
type SwapState uint8

const (
	SwapStateEmpty    SwapState = 0
	SwapStateActive   SwapState = 1
	SwapStateClaimed  SwapState = 2
	SwapStateRefunded SwapState = 3
)

func (s SwapState) String() string {
	switch s {
	case SwapStateEmpty:
		return "empty"
	case SwapStateActive:
		return "active"
	case SwapStateClaimed:
		return "claimed"
	case SwapStateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Swap represents an HTLC swap with parsed fields
type Swap struct {
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address // address(0) for native token
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	State      SwapState
}

// Exists returns false for an id the contract has never seen.
func (s *Swap) Exists() bool {
	return s.State != SwapStateEmpty
}

// IsActive returns true if the swap is active
func (s *Swap) IsActive() bool {
	return s.State == SwapStateActive
}

// onchainSwap mirrors the getSwap tuple for abi.ConvertType.
type onchainSwap struct {
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	State      uint8
}

// Backend is the chain access the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client wraps one deployed KlingonHTLC contract.
type Client struct {
	backend         Backend
	closer          func()
	contract        *bind.BoundContract
	abi             abi.ABI
	contractAddress common.Address
	chainID         *big.Int
}

// NewClient dials rpcURL and binds the contract at contractAddress.
func NewClient(ctx context.Context, rpcURL string, contractAddress common.Address) (*Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	c, err := NewClientWithBackend(ctx, client, contractAddress)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// NewClientWithBackend binds the contract over an existing backend.
func NewClientWithBackend(ctx context.Context, backend Backend, contractAddress common.Address) (*Client, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return newClient(backend, contractAddress, chainID)
}

func newClient(backend Backend, contractAddress common.Address, chainID *big.Int) (*Client, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	var (
		caller     bind.ContractCaller
		transactor bind.ContractTransactor
		filterer   bind.ContractFilterer
	)
	if backend != nil {
		caller, transactor, filterer = backend, backend, backend
	}

	return &Client{
		backend:         backend,
		contract:        bind.NewBoundContract(contractAddress, parsed, caller, transactor, filterer),
		abi:             parsed,
		contractAddress: contractAddress,
		chainID:         chainID,
	}, nil
}

// Close closes the underlying RPC connection if the client dialed it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the chain ID
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// =============================================================================
// Secrets
// =============================================================================

// GenerateSecret creates a new 32-byte secret and its SHA256 hash
func GenerateSecret() (secret [32]byte, hash [32]byte, err error) {
	if _, err = rand.Read(secret[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("failed to generate random secret: %w", err)
	}
	return secret, HashSecret(secret), nil
}

// HashSecret computes the SHA256 hash of a secret
func HashSecret(secret [32]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// =============================================================================
// Claim and Refund
// =============================================================================

// Claim claims a swap by revealing the secret
func (c *Client) Claim(ctx context.Context, privateKey *ecdsa.PrivateKey, swapID, secret [32]byte) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "claim", swapID, secret)
}

// Refund refunds a swap after the timelock expires
func (c *Client) Refund(ctx context.Context, privateKey *ecdsa.PrivateKey, swapID [32]byte) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "refund", swapID)
}

// =============================================================================
// View Functions
// =============================================================================

// GetSwap returns the swap details. An unknown id yields a swap in
// SwapStateEmpty rather than an error.
func (c *Client) GetSwap(ctx context.Context, swapID [32]byte) (*Swap, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getSwap", swapID); err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("failed to get swap: empty result")
	}

	raw := *abi.ConvertType(out[0], new(onchainSwap)).(*onchainSwap)
	return &Swap{
		Sender:     raw.Sender,
		Receiver:   raw.Receiver,
		Token:      raw.Token,
		Amount:     raw.Amount,
		DaoFee:     raw.DaoFee,
		SecretHash: raw.SecretHash,
		Timelock:   raw.Timelock,
		State:      SwapState(raw.State),
	}, nil
}

// =============================================================================
// Events
// =============================================================================

// SwapCreatedEvent represents a SwapCreated event
type SwapCreatedEvent struct {
	SwapID     [32]byte
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	TxHash     common.Hash
	BlockNum   uint64
}

// SwapClaimedEvent represents a SwapClaimed event. It carries the revealed secret.
type SwapClaimedEvent struct {
	SwapID   [32]byte
	Receiver common.Address
	Secret   [32]byte
	TxHash   common.Hash
	BlockNum uint64
}

type rawSwapCreated struct {
	SwapId     [32]byte
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
}

type rawSwapClaimed struct {
	SwapId   [32]byte
	Receiver common.Address
	Secret   [32]byte
}

// ParseSwapCreated decodes a SwapCreated log.
func (c *Client) ParseSwapCreated(log types.Log) (*SwapCreatedEvent, error) {
	var ev rawSwapCreated
	if err := c.contract.UnpackLog(&ev, EventSwapCreated, log); err != nil {
		return nil, err
	}
	return &SwapCreatedEvent{
		SwapID:     ev.SwapId,
		Sender:     ev.Sender,
		Receiver:   ev.Receiver,
		Token:      ev.Token,
		Amount:     ev.Amount,
		DaoFee:     ev.DaoFee,
		SecretHash: ev.SecretHash,
		Timelock:   ev.Timelock,
		TxHash:     log.TxHash,
		BlockNum:   log.BlockNumber,
	}, nil
}

// ParseSwapClaimed decodes a SwapClaimed log.
func (c *Client) ParseSwapClaimed(log types.Log) (*SwapClaimedEvent, error) {
	var ev rawSwapClaimed
	if err := c.contract.UnpackLog(&ev, EventSwapClaimed, log); err != nil {
		return nil, err
	}
	return &SwapClaimedEvent{
		SwapID:   ev.SwapId,
		Receiver: ev.Receiver,
		Secret:   ev.Secret,
		TxHash:   log.TxHash,
		BlockNum: log.BlockNumber,
	}, nil
}

// swapQuery builds a log filter for one event of one swap id.
func (c *Client) swapQuery(event string, fromBlock uint64, swapID [32]byte) (ethereum.FilterQuery, error) {
	ev, ok := c.abi.Events[event]
	if !ok {
		return ethereum.FilterQuery{}, fmt.Errorf("unknown event %s", event)
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.contractAddress},
		Topics:    [][]common.Hash{{ev.ID}, {common.Hash(swapID)}},
	}, nil
}

// FindSwapClaimed returns the SwapClaimed event for swapID at or after fromBlock.
func (c *Client) FindSwapClaimed(ctx context.Context, fromBlock uint64, swapID [32]byte) (*SwapClaimedEvent, error) {
	q, err := c.swapQuery(EventSwapClaimed, fromBlock, swapID)
	if err != nil {
		return nil, err
	}
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter SwapClaimed: %w", err)
	}
	for _, log := range logs {
		if log.Removed {
			continue
		}
		if ev, err := c.ParseSwapClaimed(log); err == nil {
			return ev, nil
		}
	}
	return nil, ErrEventNotFound
}

// FindSwapByHash returns the first SwapCreated event at or after fromBlock
// whose secret hash is secretHash. A zero sender or receiver matches any
// address.
func (c *Client) FindSwapByHash(ctx context.Context, fromBlock uint64, secretHash [32]byte, sender, receiver common.Address) (*SwapCreatedEvent, error) {
	ev, ok := c.abi.Events[EventSwapCreated]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", EventSwapCreated)
	}

	topics := [][]common.Hash{{ev.ID}, nil, nil, nil}
	if sender != (common.Address{}) {
		topics[2] = []common.Hash{common.BytesToHash(sender.Bytes())}
	}
	if receiver != (common.Address{}) {
		topics[3] = []common.Hash{common.BytesToHash(receiver.Bytes())}
	}

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.contractAddress},
		Topics:    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter SwapCreated: %w", err)
	}
	for _, log := range logs {
		if log.Removed {
			continue
		}
		created, err := c.ParseSwapCreated(log)
		if err != nil {
			continue
		}
		if created.SecretHash == secretHash {
			return created, nil
		}
	}
	return nil, ErrEventNotFound
}

// CreatedInReceipt returns the SwapCreated events this contract emitted in
// a mined transaction.
func (c *Client) CreatedInReceipt(receipt *types.Receipt) []*SwapCreatedEvent {
	var events []*SwapCreatedEvent
	for _, log := range receipt.Logs {
		if log.Address != c.contractAddress {
			continue
		}
		if ev, err := c.ParseSwapCreated(*log); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

// ClaimedInReceipt returns the SwapClaimed events this contract emitted in
// a mined transaction.
func (c *Client) ClaimedInReceipt(receipt *types.Receipt) []*SwapClaimedEvent {
	var events []*SwapClaimedEvent
	for _, log := range receipt.Logs {
		if log.Address != c.contractAddress {
			continue
		}
		if ev, err := c.ParseSwapClaimed(*log); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

// =============================================================================
// Transaction Helpers
// =============================================================================

// WaitForTx waits for a transaction to be mined and returns the receipt
func (c *Client) WaitForTx(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, c.backend, tx)
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, txHash)
}

func (c *Client) newTransactor(ctx context.Context, privateKey *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// AddressFromPrivateKey derives the address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// ParsePrivateKey parses a hex-encoded private key
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	return crypto.HexToECDSA(hexKey)
}
