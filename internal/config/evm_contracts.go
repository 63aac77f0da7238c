package config

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Known KlingonHTLC deployments by chain ID. A resource with an empty
// contract on one of these chains uses the deployment listed here.
var defaultHTLCContracts = map[uint64]common.Address{
	// Ethereum Sepolia
	11155111: common.HexToAddress("0x628c677e7b8889e64564d3f381565a9e6656aade"),

	// BSC Testnet
	97: common.HexToAddress("0xC8515f07b08b586a2Fd6A389585D9a182D03adFB"),
}

// DefaultHTLCContract returns the known HTLC deployment for a chain ID.
func DefaultHTLCContract(chainID uint64) (common.Address, bool) {
	addr, ok := defaultHTLCContracts[chainID]
	return addr, ok
}

// DeployedHTLCChains returns the chain IDs with a known deployment, sorted.
func DeployedHTLCChains() []uint64 {
	chains := make([]uint64, 0, len(defaultHTLCContracts))
	for id := range defaultHTLCContracts {
		chains = append(chains, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// ResolveContract returns the configured contract address, falling back to
// the known deployment for chainID when contract is empty.
func ResolveContract(contract string, chainID uint64) (common.Address, bool) {
	if contract != "" {
		if !common.IsHexAddress(contract) {
			return common.Address{}, false
		}
		return common.HexToAddress(contract), true
	}
	return DefaultHTLCContract(chainID)
}
