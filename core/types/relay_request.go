package types

import (
	"encoding/binary"
	"math/big"
)

// wordLength is the size of an ABI-encoded static word.
const wordLength = 32

// RelayRequest describes a sponsored action submitted by a requester. It is
// built by the dispatch layer before any lifecycle phase runs and is never
// mutated by the relay core.
type RelayRequest struct {
	From     Address
	To       Address
	Value    *big.Int // native value forwarded to the target
	Nonce    uint64   // requester's relay nonce
	GasLimit uint64   // execution budget in gas units
	GasPrice *big.Int // native units paid per gas
	Data     []byte

	// AdmissionData is an opaque, strategy-specific blob (for example a
	// proof-of-work solution).
	AdmissionData []byte
}

// MaxExecutionCost returns GasLimit * GasPrice, the most the target call
// itself can cost in native units.
func (r *RelayRequest) MaxExecutionCost() *big.Int {
	return GasCost(r.GasLimit, r.GasPrice)
}

// ValueOrZero returns the forwarded value, treating nil as zero.
func (r *RelayRequest) ValueOrZero() *big.Int {
	if r.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.Value)
}

// PowPreimage returns the bytes a proof-of-work digest commits to:
// from || nonce || powNonce, each as a 32-byte big-endian word. Only the
// requester identity and relay nonce are bound: a solution still verifies
// after the target, payload or gas fields change, so re-use is stopped by
// the replay registry, not by the hash.
func (r *RelayRequest) PowPreimage(powNonce Hash) []byte {
	buf := make([]byte, 0, 3*wordLength)
	buf = appendAddressWord(buf, r.From)
	buf = appendUint64Word(buf, r.Nonce)
	buf = append(buf, powNonce[:]...)
	return buf
}

// Encode returns a deterministic encoding of every request field except
// AdmissionData. It is used to derive request identifiers for logging.
func (r *RelayRequest) Encode() []byte {
	buf := make([]byte, 0, 7*wordLength+len(r.Data))
	buf = appendAddressWord(buf, r.From)
	buf = appendAddressWord(buf, r.To)
	buf = appendBigWord(buf, r.Value)
	buf = appendUint64Word(buf, r.Nonce)
	buf = appendUint64Word(buf, r.GasLimit)
	buf = appendBigWord(buf, r.GasPrice)
	buf = appendUint64Word(buf, uint64(len(r.Data)))
	buf = append(buf, r.Data...)
	return buf
}

// GasCost multiplies a gas amount by a price, treating a nil price as zero.
func GasCost(gas uint64, price *big.Int) *big.Int {
	if price == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
}

func appendAddressWord(buf []byte, a Address) []byte {
	var w [wordLength]byte
	copy(w[wordLength-AddressLength:], a[:])
	return append(buf, w[:]...)
}

func appendUint64Word(buf []byte, v uint64) []byte {
	var w [wordLength]byte
	binary.BigEndian.PutUint64(w[wordLength-8:], v)
	return append(buf, w[:]...)
}

func appendBigWord(buf []byte, v *big.Int) []byte {
	var w [wordLength]byte
	if v != nil {
		v.FillBytes(w[:])
	}
	return append(buf, w[:]...)
}

// Charge is a (native cost, token amount) pair. The relay computes one
// before execution (the precharge, a pessimistic bound) and one after (the
// postcharge, exact).
type Charge struct {
	NativeCost  *big.Int
	TokenAmount *big.Int
}

// Refund returns c.TokenAmount - post.TokenAmount and whether the result is
// non-negative. A false second result means post exceeds the reservation.
func (c Charge) Refund(post Charge) (*big.Int, bool) {
	refund := new(big.Int).Sub(amountOrZero(c.TokenAmount), amountOrZero(post.TokenAmount))
	return refund, refund.Sign() >= 0
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
