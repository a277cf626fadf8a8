package admission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/crypto"
	"github.com/eth2030/tokenrelay/replay"
)

// ProofDataLength is the size of proof-of-work admission data:
// powNonce(32) || digest(32).
const ProofDataLength = 2 * types.HashLength

// MaxDifficulty is the largest meaningful difficulty in bits.
const MaxDifficulty = 8 * types.HashLength

var errDifficultyRange = errors.New("admission: difficulty out of range")

// ProofOfWork admits requests that carry a fresh hash solution over the
// sender and relay nonce with at least Difficulty leading zero bits. Each
// solution is consumed on acceptance.
type ProofOfWork struct {
	registry   replay.Registry
	difficulty atomic.Uint32
}

// NewProofOfWork creates the strategy over a replay registry.
func NewProofOfWork(registry replay.Registry, difficulty uint) (*ProofOfWork, error) {
	p := &ProofOfWork{registry: registry}
	if err := p.SetDifficulty(difficulty); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ProofOfWork) Name() string { return NameProofOfWork }

// Difficulty returns the required leading zero bits.
func (p *ProofOfWork) Difficulty() uint { return uint(p.difficulty.Load()) }

// SetDifficulty changes the required leading zero bits for later requests.
func (p *ProofOfWork) SetDifficulty(bits uint) error {
	if bits > MaxDifficulty {
		return fmt.Errorf("%w: %d > %d", errDifficultyRange, bits, MaxDifficulty)
	}
	p.difficulty.Store(uint32(bits))
	return nil
}

// Decide verifies the proof and consumes it. The digest is the context.
func (p *ProofOfWork) Decide(ctx context.Context, req *types.RelayRequest) ([]byte, error) {
	digest, err := p.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.Commit(ctx, req, digest); err != nil {
		return nil, err
	}
	return digest, nil
}

// Check verifies the proof and that its digest is still unused, without
// consuming it.
func (p *ProofOfWork) Check(ctx context.Context, req *types.RelayRequest) ([]byte, error) {
	if len(req.AdmissionData) != ProofDataLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedProof, len(req.AdmissionData))
	}
	powNonce := types.BytesToHash(req.AdmissionData[:types.HashLength])
	digest := types.BytesToHash(req.AdmissionData[types.HashLength:])

	if crypto.Keccak256Hash(req.PowPreimage(powNonce)) != digest {
		return nil, ErrInvalidProof
	}
	if got, want := crypto.LeadingZeroBits(digest), p.Difficulty(); uint(got) < want {
		return nil, fmt.Errorf("%w: %d < %d bits", ErrDifficultyNotMet, got, want)
	}
	used, err := p.registry.Contains(ctx, digest)
	if err != nil {
		return nil, fault.External(err)
	}
	if used {
		return nil, fmt.Errorf("%w: %v", ErrProofAlreadyUsed, digest)
	}
	return digest.Bytes(), nil
}

// Commit consumes the digest returned by Check. Of concurrent commits for
// one digest exactly one succeeds.
func (p *ProofOfWork) Commit(ctx context.Context, _ *types.RelayRequest, strategyCtx []byte) error {
	if len(strategyCtx) != types.HashLength {
		return fmt.Errorf("%w: digest of %d bytes", ErrMalformedContext, len(strategyCtx))
	}
	digest := types.BytesToHash(strategyCtx)
	inserted, err := p.registry.CheckAndInsert(ctx, digest)
	if err != nil {
		return fault.External(err)
	}
	if !inserted {
		return fmt.Errorf("%w: %v", ErrProofAlreadyUsed, digest)
	}
	return nil
}

// Solve searches for a proof for req with at least difficulty leading zero
// bits, starting from powNonce start. It returns admission data ready to
// attach to the request.
func Solve(ctx context.Context, req *types.RelayRequest, difficulty uint, start uint64) ([]byte, error) {
	if difficulty > MaxDifficulty {
		return nil, errDifficultyRange
	}
	n := new(big.Int).SetUint64(start)
	one := big.NewInt(1)
	for i := 0; ; i++ {
		if i&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		powNonce := types.BytesToHash(n.Bytes())
		digest := crypto.Keccak256Hash(req.PowPreimage(powNonce))
		if uint(crypto.LeadingZeroBits(digest)) >= difficulty {
			return append(powNonce.Bytes(), digest.Bytes()...), nil
		}
		n.Add(n, one)
	}
}
