// Package crypto provides the hashing primitives used by the relay:
// Keccak-256 digests and leading-zero-bit difficulty counting.
package crypto

import (
	"math/bits"

	"github.com/eth2030/tokenrelay/core/types"
	"golang.org/x/crypto/sha3"
)

// Keccak256 calculates the Keccak-256 hash of the given data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates Keccak-256 and returns it as a types.Hash.
func Keccak256Hash(data ...[]byte) types.Hash {
	return types.BytesToHash(Keccak256(data...))
}

// LeadingZeroBits counts the zero bits at the most significant end of h.
// An all-zero hash has 256 leading zero bits.
func LeadingZeroBits(h types.Hash) int {
	n := 0
	for _, b := range h {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}
