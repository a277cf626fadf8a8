// Package oracle prices native execution cost in a fee token by reading the
// reserves of an external constant-product pool. It never trades and never
// caches: every quote re-reads the pool.
package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/core/types"
)

var (
	ErrInsufficientLiquidity = fault.New(fault.ErrExternal, "oracle: insufficient liquidity")
	ErrInvalidPool           = fault.New(fault.ErrExternal, "oracle: pool does not pair the expected assets")
	ErrQuoteOverflow         = fault.New(fault.ErrExternal, "oracle: quote overflows 256 bits")
	ErrInvalidAmount         = fault.New(fault.ErrInvariant, "oracle: invalid amount")
	ErrInvalidFee            = fault.New(fault.ErrInvariant, "oracle: invalid fee fraction")
)

// Pool is the read side of a two-asset constant-product pair.
type Pool interface {
	Token0(ctx context.Context) (types.Address, error)
	Token1(ctx context.Context) (types.Address, error)
	GetReserves(ctx context.Context) (reserve0, reserve1 *big.Int, err error)
}

// Config binds an Oracle to the assets it prices.
type Config struct {
	// WrappedNative is the pool asset standing in for the native unit.
	WrappedNative types.Address
	// FeeToken is the token payers are charged in. When zero, any asset
	// paired with WrappedNative is accepted.
	FeeToken types.Address
	Fee      Fee
}

// Snapshot is a point-in-time view of the pool's reserves, already ordered
// by asset role.
type Snapshot struct {
	NativeReserve *big.Int
	TokenReserve  *big.Int
	Token         types.Address
}

// Oracle quotes fee-token amounts for native-unit costs.
type Oracle struct {
	pool Pool
	cfg  Config
}

// New creates an Oracle over pool. A zero Fee selects DefaultFee.
func New(pool Pool, cfg Config) (*Oracle, error) {
	if cfg.Fee == (Fee{}) {
		cfg.Fee = DefaultFee
	}
	if err := cfg.Fee.Validate(); err != nil {
		return nil, err
	}
	if cfg.WrappedNative.IsZero() {
		return nil, fmt.Errorf("%w: wrapped native asset not configured", ErrInvalidPool)
	}
	return &Oracle{pool: pool, cfg: cfg}, nil
}

// Config returns the oracle's configuration.
func (o *Oracle) Config() Config { return o.cfg }

// Snapshot reads the pool and orders its reserves by comparing asset
// identities, so a pool listing the assets in either order prices the same.
func (o *Oracle) Snapshot(ctx context.Context) (Snapshot, error) {
	t0, err := o.pool.Token0(ctx)
	if err != nil {
		return Snapshot{}, fault.External(fmt.Errorf("oracle: token0: %w", err))
	}
	t1, err := o.pool.Token1(ctx)
	if err != nil {
		return Snapshot{}, fault.External(fmt.Errorf("oracle: token1: %w", err))
	}
	r0, r1, err := o.pool.GetReserves(ctx)
	if err != nil {
		return Snapshot{}, fault.External(fmt.Errorf("oracle: reserves: %w", err))
	}

	var snap Snapshot
	switch o.cfg.WrappedNative {
	case t0:
		snap = Snapshot{NativeReserve: r0, TokenReserve: r1, Token: t1}
	case t1:
		snap = Snapshot{NativeReserve: r1, TokenReserve: r0, Token: t0}
	default:
		return Snapshot{}, fmt.Errorf("%w: neither %v nor %v is %v", ErrInvalidPool, t0, t1, o.cfg.WrappedNative)
	}
	if !o.cfg.FeeToken.IsZero() && snap.Token != o.cfg.FeeToken {
		return Snapshot{}, fmt.Errorf("%w: paired asset %v is not fee token %v", ErrInvalidPool, snap.Token, o.cfg.FeeToken)
	}
	return snap, nil
}

// TokenForNative returns how many fee tokens buy exactly nativeOut native
// units at the pool's current price.
func (o *Oracle) TokenForNative(ctx context.Context, nativeOut *big.Int) (*big.Int, error) {
	snap, err := o.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.TokenForNative(nativeOut, o.cfg.Fee)
}

// TokenForNative prices nativeOut against this snapshot.
func (s Snapshot) TokenForNative(nativeOut *big.Int, fee Fee) (*big.Int, error) {
	amount, err := GetAmountIn(nativeOut, s.TokenReserve, s.NativeReserve, fee)
	if err != nil {
		return nil, fmt.Errorf("%w (want %v native, reserves native=%v token=%v)", err, nativeOut, s.NativeReserve, s.TokenReserve)
	}
	return amount, nil
}
