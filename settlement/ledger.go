// Package settlement reserves a worst-case fee-token payment before a
// sponsored call runs and reconciles it against the true cost afterwards.
//
// The split into ReservePrecharge and Reconcile is deliberate: the native
// cost of the call is unknown until it has executed, so the ledger first
// takes a pessimistic reservation and later refunds the difference. The
// refund step must run even when the sponsored call failed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/log"
)

var (
	ErrInsufficientFunds     = fault.New(fault.ErrRejected, "settlement: insufficient token balance")
	ErrInsufficientAllowance = fault.New(fault.ErrRejected, "settlement: insufficient token allowance")
	ErrTransferFailed        = fault.New(fault.ErrExternal, "settlement: token transfer failed")
	ErrOvercharge            = fault.New(fault.ErrInvariant, "settlement: actual charge exceeds reservation")
	ErrAlreadyReconciled     = fault.New(fault.ErrInvariant, "settlement: reservation already reconciled")
	ErrInvalidCost           = fault.New(fault.ErrInvariant, "settlement: negative or missing cost")
)

// DefaultSwapDeadline bounds how long the settlement swap may sit unmined.
const DefaultSwapDeadline = 5 * time.Minute

// Quoter prices native units in fee tokens.
type Quoter interface {
	TokenForNative(ctx context.Context, nativeOut *big.Int) (*big.Int, error)
}

// Token is the fee token as seen by the ledger's custody address.
type Token interface {
	BalanceOf(ctx context.Context, owner types.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender types.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, from, to types.Address, amount *big.Int) (bool, error)
	Transfer(ctx context.Context, to types.Address, amount *big.Int) (bool, error)
}

// Router swaps held fee tokens for an exact amount of native units.
type Router interface {
	SwapForExactOutput(ctx context.Context, amountOut, maxAmountIn *big.Int, path []types.Address, recipient types.Address, deadline time.Time) (*big.Int, error)
}

// Depositor is the entity that ultimately covers native execution cost.
type Depositor interface {
	DepositFor(ctx context.Context, recipient types.Address, amount *big.Int) error
	Withdraw(ctx context.Context, amount *big.Int, dest types.Address) error
	DepositOf(ctx context.Context, addr types.Address) (*big.Int, error)
}

// Atomic runs fn as one all-or-nothing state transition.
type Atomic interface {
	Atomically(ctx context.Context, fn func(context.Context) error) error
}

// Config identifies the ledger's accounts and swap route.
type Config struct {
	// Self is the custody address: spender of payer allowances, holder of
	// reserved tokens and beneficiary of the settlement deposit.
	Self          types.Address
	FeeToken      types.Address
	WrappedNative types.Address
	SwapDeadline  time.Duration
}

// Deps are the ledger's collaborators. Atomic may be nil when the host
// already runs every call inside a transaction.
type Deps struct {
	Quoter    Quoter
	Token     Token
	Router    Router
	Depositor Depositor
	Atomic    Atomic
	Logger    *log.Logger
}

// Reservation is the result of a successful ReservePrecharge. It must be
// reconciled exactly once.
type Reservation struct {
	Payer     types.Address
	Value     *big.Int
	Precharge types.Charge

	reconciled atomic.Bool
}

// Reconciled reports whether the reservation has been settled.
func (r *Reservation) Reconciled() bool { return r.reconciled.Load() }

// Settlement is the outcome of Reconcile.
type Settlement struct {
	Payer      types.Address
	Precharge  types.Charge
	Postcharge types.Charge
	Refund     *big.Int
	TokenSpent *big.Int // fee tokens the swap actually consumed
}

// Ledger implements the precharge/reconcile protocol.
type Ledger struct {
	cfg  Config
	deps Deps
	log  *log.Logger
	now  func() time.Time
}

type passthrough struct{}

func (passthrough) Atomically(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// New creates a Ledger.
func New(cfg Config, deps Deps) (*Ledger, error) {
	if deps.Quoter == nil || deps.Token == nil || deps.Router == nil || deps.Depositor == nil {
		return nil, errors.New("settlement: quoter, token, router and depositor are required")
	}
	if cfg.Self.IsZero() {
		return nil, errors.New("settlement: custody address not configured")
	}
	if cfg.SwapDeadline <= 0 {
		cfg.SwapDeadline = DefaultSwapDeadline
	}
	if deps.Atomic == nil {
		deps.Atomic = passthrough{}
	}
	return &Ledger{
		cfg:  cfg,
		deps: deps,
		log:  log.OrDefault(deps.Logger, "settlement"),
		now:  time.Now,
	}, nil
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config { return l.cfg }

// Quote prices a native cost in fee tokens without moving anything.
func (l *Ledger) Quote(ctx context.Context, nativeCost *big.Int) (*big.Int, error) {
	if nativeCost == nil || nativeCost.Sign() < 0 {
		return nil, ErrInvalidCost
	}
	return l.deps.Quoter.TokenForNative(ctx, nativeCost)
}

// BalanceOf returns the payer's fee-token balance.
func (l *Ledger) BalanceOf(ctx context.Context, payer types.Address) (*big.Int, error) {
	bal, err := l.deps.Token.BalanceOf(ctx, payer)
	return bal, fault.External(err)
}

// ReservePrecharge pulls the worst-case token charge for req from payer
// into custody. maxNativeCost must already include the settlement overhead;
// the forwarded value is added here. On any failure balances are untouched.
func (l *Ledger) ReservePrecharge(ctx context.Context, payer types.Address, req *types.RelayRequest, maxNativeCost *big.Int) (*Reservation, error) {
	if maxNativeCost == nil || maxNativeCost.Sign() < 0 {
		return nil, ErrInvalidCost
	}
	value := req.ValueOrZero()
	ethMax := new(big.Int).Add(maxNativeCost, value)

	var res *Reservation
	err := l.deps.Atomic.Atomically(ctx, func(ctx context.Context) error {
		tokenPrecharge, err := l.Quote(ctx, ethMax)
		if err != nil {
			return err
		}
		balance, err := l.deps.Token.BalanceOf(ctx, payer)
		if err != nil {
			return fault.External(err)
		}
		if balance.Cmp(tokenPrecharge) < 0 {
			return fmt.Errorf("%w: have %v, need %v", ErrInsufficientFunds, balance, tokenPrecharge)
		}
		allowance, err := l.deps.Token.Allowance(ctx, payer, l.cfg.Self)
		if err != nil {
			return fault.External(err)
		}
		if allowance.Cmp(tokenPrecharge) < 0 {
			return fmt.Errorf("%w: approved %v, need %v", ErrInsufficientAllowance, allowance, tokenPrecharge)
		}
		ok, err := l.deps.Token.TransferFrom(ctx, payer, l.cfg.Self, tokenPrecharge)
		if err != nil {
			return fault.External(err)
		}
		if !ok {
			return fmt.Errorf("%w: transferFrom %v returned false", ErrTransferFailed, payer)
		}
		res = &Reservation{
			Payer:     payer,
			Value:     value,
			Precharge: types.Charge{NativeCost: ethMax, TokenAmount: tokenPrecharge},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Debug("precharge reserved", "payer", payer, "native", ethMax, "tokens", res.Precharge.TokenAmount)
	return res, nil
}

// Reconcile prices the true cost, refunds the unused part of the
// reservation to the payer, swaps the consumed tokens for native units and
// deposits them for the custody address. overheadCost is the calibrated
// native cost of running Reconcile itself.
//
// A reservation can be reconciled once. If Reconcile fails nothing has
// moved and it may be retried.
func (l *Ledger) Reconcile(ctx context.Context, res *Reservation, actualNativeCost, overheadCost *big.Int) (*Settlement, error) {
	if actualNativeCost == nil || actualNativeCost.Sign() < 0 || overheadCost == nil || overheadCost.Sign() < 0 {
		return nil, ErrInvalidCost
	}
	if !res.reconciled.CompareAndSwap(false, true) {
		return nil, ErrAlreadyReconciled
	}

	ethActual := new(big.Int).Add(actualNativeCost, overheadCost)
	ethActual.Add(ethActual, res.Value)

	var out *Settlement
	err := l.deps.Atomic.Atomically(ctx, func(ctx context.Context) error {
		tokenActual, err := l.Quote(ctx, ethActual)
		if err != nil {
			return err
		}
		post := types.Charge{NativeCost: ethActual, TokenAmount: tokenActual}
		refund, ok := res.Precharge.Refund(post)
		if !ok {
			return fmt.Errorf("%w: reserved %v, actual %v", ErrOvercharge, res.Precharge.TokenAmount, tokenActual)
		}
		if refund.Sign() > 0 {
			ok, err := l.deps.Token.Transfer(ctx, res.Payer, refund)
			if err != nil {
				return fault.External(err)
			}
			if !ok {
				return fmt.Errorf("%w: refund %v to %v returned false", ErrTransferFailed, refund, res.Payer)
			}
		}
		spent := new(big.Int)
		if ethActual.Sign() > 0 {
			path := []types.Address{l.cfg.FeeToken, l.cfg.WrappedNative}
			spent, err = l.deps.Router.SwapForExactOutput(ctx, ethActual, tokenActual, path, l.cfg.Self, l.now().Add(l.cfg.SwapDeadline))
			if err != nil {
				return fault.External(fmt.Errorf("settlement: swap: %w", err))
			}
			if err := l.deps.Depositor.DepositFor(ctx, l.cfg.Self, ethActual); err != nil {
				return fault.External(fmt.Errorf("settlement: deposit: %w", err))
			}
		}
		out = &Settlement{
			Payer:      res.Payer,
			Precharge:  res.Precharge,
			Postcharge: post,
			Refund:     refund,
			TokenSpent: spent,
		}
		return nil
	})
	if err != nil {
		res.reconciled.Store(false)
		return nil, err
	}
	l.log.Debug("reservation reconciled", "payer", res.Payer, "actual", ethActual, "tokens", out.Postcharge.TokenAmount, "refund", out.Refund)
	return out, nil
}

// Release returns a reservation's whole precharge to the payer without
// charging anything. It undoes ReservePrecharge for a request that was
// never executed, and counts as the reservation's one reconciliation.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if !res.reconciled.CompareAndSwap(false, true) {
		return ErrAlreadyReconciled
	}
	err := l.deps.Atomic.Atomically(ctx, func(ctx context.Context) error {
		if res.Precharge.TokenAmount.Sign() == 0 {
			return nil
		}
		ok, err := l.deps.Token.Transfer(ctx, res.Payer, res.Precharge.TokenAmount)
		if err != nil {
			return fault.External(err)
		}
		if !ok {
			return fmt.Errorf("%w: release %v to %v returned false", ErrTransferFailed, res.Precharge.TokenAmount, res.Payer)
		}
		return nil
	})
	if err != nil {
		res.reconciled.Store(false)
		return err
	}
	l.log.Debug("reservation released", "payer", res.Payer, "tokens", res.Precharge.TokenAmount)
	return nil
}

// Withdraw moves accumulated native deposit to dest. Authorisation is the
// caller's responsibility.
func (l *Ledger) Withdraw(ctx context.Context, amount *big.Int, dest types.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidCost
	}
	if err := l.deps.Depositor.Withdraw(ctx, amount, dest); err != nil {
		return fault.External(err)
	}
	l.log.Info("deposit withdrawn", "amount", amount, "dest", dest)
	return nil
}

// Deposit returns the custody address's accumulated native deposit.
func (l *Ledger) Deposit(ctx context.Context) (*big.Int, error) {
	d, err := l.deps.Depositor.DepositOf(ctx, l.cfg.Self)
	return d, fault.External(err)
}
