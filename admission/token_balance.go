package admission

import (
	"context"
	"fmt"
	"math/big"

	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/core/types"
)

// BalanceReader reads fee-token balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner types.Address) (*big.Int, error)
}

// Quoter prices a native cost in fee tokens.
type Quoter interface {
	Quote(ctx context.Context, nativeCost *big.Int) (*big.Int, error)
}

// CostFunc returns the worst-case native cost of req, forwarded value
// included.
type CostFunc func(req *types.RelayRequest) *big.Int

// DefaultCost is GasLimit*GasPrice plus the forwarded value.
func DefaultCost(req *types.RelayRequest) *big.Int {
	return new(big.Int).Add(req.MaxExecutionCost(), req.ValueOrZero())
}

// TokenBalance admits requests whose sender can cover the worst-case charge
// from their fee-token balance. It does not check allowances; the ledger
// does that when it reserves.
type TokenBalance struct {
	balances BalanceReader
	quoter   Quoter
	cost     CostFunc
}

// NewTokenBalance creates the strategy. A nil cost selects DefaultCost.
func NewTokenBalance(balances BalanceReader, quoter Quoter, cost CostFunc) *TokenBalance {
	if cost == nil {
		cost = DefaultCost
	}
	return &TokenBalance{balances: balances, quoter: quoter, cost: cost}
}

func (s *TokenBalance) Name() string { return NameTokenBalance }

// Decide returns the payer address as context.
func (s *TokenBalance) Decide(ctx context.Context, req *types.RelayRequest) ([]byte, error) {
	balance, err := s.balances.BalanceOf(ctx, req.From)
	if err != nil {
		return nil, fault.External(err)
	}
	if balance.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoFunds, req.From)
	}
	need, err := s.quoter.Quote(ctx, s.cost(req))
	if err != nil {
		return nil, err
	}
	if balance.Cmp(need) < 0 {
		return nil, fmt.Errorf("%w: have %v, need %v", ErrInsufficientFunds, balance, need)
	}
	return req.From.Bytes(), nil
}
