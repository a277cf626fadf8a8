// Package admission decides whether a relay request may be sponsored.
//
// A Strategy inspects the request and either refuses it with a rejection
// error or returns an opaque context that the lifecycle controller carries
// into settlement. Strategies mutate nothing unless they accept.
package admission

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/core/types"
)

var (
	ErrNotWhitelisted    = fault.New(fault.ErrRejected, "admission: address not whitelisted")
	ErrNoFunds           = fault.New(fault.ErrRejected, "admission: payer holds no fee tokens")
	ErrInsufficientFunds = fault.New(fault.ErrRejected, "admission: payer balance below precharge")
	ErrMalformedProof    = fault.New(fault.ErrRejected, "admission: malformed proof-of-work data")
	ErrInvalidProof      = fault.New(fault.ErrRejected, "admission: proof digest does not match request")
	ErrDifficultyNotMet  = fault.New(fault.ErrRejected, "admission: proof difficulty not met")
	ErrProofAlreadyUsed  = fault.New(fault.ErrRejected, "admission: proof already used")
	ErrMalformedContext  = fault.New(fault.ErrInvariant, "admission: malformed composite context")
)

// Strategy names as used in configuration and metrics labels.
const (
	NameWhitelist    = "whitelist"
	NameProofOfWork  = "pow"
	NameTokenBalance = "token-balance"
)

// Strategy is an admission policy.
type Strategy interface {
	Name() string
	// Decide accepts req and returns its admission context, or rejects it.
	Decide(ctx context.Context, req *types.RelayRequest) ([]byte, error)
}

// Deferrable is a Strategy whose acceptance consumes something. Check makes
// the same decision as Decide without consuming; Commit consumes, and
// rejects if another request got there first. Decide is Check then Commit.
type Deferrable interface {
	Strategy
	Check(ctx context.Context, req *types.RelayRequest) ([]byte, error)
	Commit(ctx context.Context, req *types.RelayRequest, strategyCtx []byte) error
}

// All accepts a request only if every member strategy does. Members run in
// order and evaluation stops at the first rejection, so strategies with
// side effects (ProofOfWork) belong at the end.
type All struct {
	members []Strategy
}

// NewAll composes strategies.
func NewAll(members ...Strategy) *All {
	return &All{members: members}
}

// Members returns the composed strategies.
func (a *All) Members() []Strategy { return a.members }

func (a *All) Name() string {
	names := make([]string, len(a.members))
	for i, m := range a.members {
		names[i] = m.Name()
	}
	return strings.Join(names, "+")
}

// Decide returns the member contexts, each prefixed with its 4-byte length.
func (a *All) Decide(ctx context.Context, req *types.RelayRequest) ([]byte, error) {
	var out []byte
	for _, m := range a.members {
		sub, err := m.Decide(ctx, req)
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(sub)))
		out = append(out, sub...)
	}
	return out, nil
}

// Check is Decide with every Deferrable member checked but not committed.
func (a *All) Check(ctx context.Context, req *types.RelayRequest) ([]byte, error) {
	var out []byte
	for _, m := range a.members {
		var (
			sub []byte
			err error
		)
		if d, ok := m.(Deferrable); ok {
			sub, err = d.Check(ctx, req)
		} else {
			sub, err = m.Decide(ctx, req)
		}
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(sub)))
		out = append(out, sub...)
	}
	return out, nil
}

// Commit commits the Deferrable members of a context returned by Check.
// A failure leaves earlier members committed.
func (a *All) Commit(ctx context.Context, req *types.RelayRequest, strategyCtx []byte) error {
	parts, err := SplitContext(strategyCtx)
	if err != nil {
		return err
	}
	if len(parts) != len(a.members) {
		return fmt.Errorf("%w: %d parts for %d strategies", ErrMalformedContext, len(parts), len(a.members))
	}
	for i, m := range a.members {
		d, ok := m.(Deferrable)
		if !ok {
			continue
		}
		if err := d.Commit(ctx, req, parts[i]); err != nil {
			return err
		}
	}
	return nil
}

// SplitContext reverses the framing applied by All.Decide.
func SplitContext(b []byte) ([][]byte, error) {
	var parts [][]byte
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrMalformedContext)
		}
		n := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint64(len(b)) < uint64(n) {
			return nil, fmt.Errorf("%w: part of %d bytes, %d left", ErrMalformedContext, n, len(b))
		}
		parts = append(parts, b[:n])
		b = b[n:]
	}
	return parts, nil
}
