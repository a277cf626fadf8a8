// Package geth adapts on-chain contracts to the relay's collaborator
// interfaces using go-ethereum. This is the only package that imports
// go-ethereum directly; all other packages use tokenrelay/core/types.
package geth

import (
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/tokenrelay/core/types"
)

// --- Address and Hash conversion (zero-copy, layout-compatible) ---

// ToGethAddress converts an Address to a go-ethereum Address.
func ToGethAddress(a types.Address) gethcommon.Address {
	return gethcommon.Address(a)
}

// FromGethAddress converts a go-ethereum Address to an Address.
func FromGethAddress(a gethcommon.Address) types.Address {
	return types.Address(a)
}

// ToGethHash converts a Hash to a go-ethereum Hash.
func ToGethHash(h types.Hash) gethcommon.Hash {
	return gethcommon.Hash(h)
}

// FromGethHash converts a go-ethereum Hash to a Hash.
func FromGethHash(h gethcommon.Hash) types.Hash {
	return types.Hash(h)
}

// --- Amount conversion ---

// ToUint256 converts *big.Int to *uint256.Int. Values that do not fit are
// reported with ok=false.
func ToUint256(b *big.Int) (u *uint256.Int, ok bool) {
	if b == nil {
		return new(uint256.Int), true
	}
	if b.Sign() < 0 {
		return nil, false
	}
	u, overflow := uint256.FromBig(b)
	return u, !overflow
}

// FromUint256 converts *uint256.Int to *big.Int.
func FromUint256(u *uint256.Int) *big.Int {
	if u == nil {
		return new(big.Int)
	}
	return u.ToBig()
}
