package htlc

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ContractABI is the subset of the KlingonHTLC interface the scheduler calls.
const ContractABI = `[
	{"type":"function","name":"getSwap","stateMutability":"view",
	 "inputs":[{"name":"swapId","type":"bytes32","internalType":"bytes32"}],
	 "outputs":[{"name":"","type":"tuple","internalType":"structKlingonHTLC.Swap","components":[
		{"name":"sender","type":"address","internalType":"address"},
		{"name":"receiver","type":"address","internalType":"address"},
		{"name":"token","type":"address","internalType":"address"},
		{"name":"amount","type":"uint256","internalType":"uint256"},
		{"name":"daoFee","type":"uint256","internalType":"uint256"},
		{"name":"secretHash","type":"bytes32","internalType":"bytes32"},
		{"name":"timelock","type":"uint256","internalType":"uint256"},
		{"name":"state","type":"uint8","internalType":"enumKlingonHTLC.SwapState"}]}]},
	{"type":"function","name":"canClaim","stateMutability":"view",
	 "inputs":[{"name":"swapId","type":"bytes32","internalType":"bytes32"}],
	 "outputs":[{"name":"","type":"bool","internalType":"bool"}]},
	{"type":"function","name":"canRefund","stateMutability":"view",
	 "inputs":[{"name":"swapId","type":"bytes32","internalType":"bytes32"}],
	 "outputs":[{"name":"","type":"bool","internalType":"bool"}]},
	{"type":"function","name":"claim","stateMutability":"nonpayable",
	 "inputs":[{"name":"swapId","type":"bytes32","internalType":"bytes32"},
	           {"name":"secret","type":"bytes32","internalType":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable",
	 "inputs":[{"name":"swapId","type":"bytes32","internalType":"bytes32"}],
	 "outputs":[]},
	{"type":"event","name":"SwapCreated","anonymous":false,"inputs":[
		{"name":"swapId","type":"bytes32","indexed":true,"internalType":"bytes32"},
		{"name":"sender","type":"address","indexed":true,"internalType":"address"},
		{"name":"receiver","type":"address","indexed":true,"internalType":"address"},
		{"name":"token","type":"address","indexed":false,"internalType":"address"},
		{"name":"amount","type":"uint256","indexed":false,"internalType":"uint256"},
		{"name":"daoFee","type":"uint256","indexed":false,"internalType":"uint256"},
		{"name":"secretHash","type":"bytes32","indexed":false,"internalType":"bytes32"},
		{"name":"timelock","type":"uint256","indexed":false,"internalType":"uint256"}]},
	{"type":"event","name":"SwapClaimed","anonymous":false,"inputs":[
		{"name":"swapId","type":"bytes32","indexed":true,"internalType":"bytes32"},
		{"name":"receiver","type":"address","indexed":true,"internalType":"address"},
		{"name":"secret","type":"bytes32","indexed":false,"internalType":"bytes32"}]},
	{"type":"event","name":"SwapRefunded","anonymous":false,"inputs":[
		{"name":"swapId","type":"bytes32","indexed":true,"internalType":"bytes32"},
		{"name":"sender","type":"address","indexed":true,"internalType":"address"}]},
	{"type":"error","name":"SwapNotActive","inputs":[]},
	{"type":"error","name":"TimelockNotExpired","inputs":[]},
	{"type":"error","name":"InvalidSecret","inputs":[]},
	{"type":"error","name":"NotReceiver","inputs":[]},
	{"type":"error","name":"NotSender","inputs":[]}
]`

// Event names.
const (
	EventSwapCreated  = "SwapCreated"
	EventSwapClaimed  = "SwapClaimed"
	EventSwapRefunded = "SwapRefunded"
)

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parseErr   error
)

// ParsedABI returns the parsed contract ABI.
func ParsedABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(ContractABI))
	})
	return parsedABI, parseErr
}
