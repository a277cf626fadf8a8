package state

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/oracle"
)

// TokenView is an ERC-20 style view of one asset bound to a caller.
// Transfers that fail for lack of balance or allowance return false, like a
// non-reverting token; only injected faults surface as errors.
type TokenView struct {
	h      *Host
	asset  types.Address
	caller types.Address
}

func (t *TokenView) book() (*tokenBook, error) {
	book, ok := t.h.tokens[t.asset]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAsset, t.asset)
	}
	return book, nil
}

// BalanceOf returns owner's balance.
func (t *TokenView) BalanceOf(_ context.Context, owner types.Address) (*big.Int, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	if err := t.h.takeFaultLocked(OpBalanceOf); err != nil {
		return nil, err
	}
	book, err := t.book()
	if err != nil {
		return nil, err
	}
	return amountOf(book.balances, owner), nil
}

// Allowance returns how much spender may pull from owner.
func (t *TokenView) Allowance(_ context.Context, owner, spender types.Address) (*big.Int, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	book, err := t.book()
	if err != nil {
		return nil, err
	}
	if v, ok := book.allowances[allowanceKey{owner, spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// TransferFrom moves amount from from to to, spending the caller's
// allowance.
func (t *TokenView) TransferFrom(_ context.Context, from, to types.Address, amount *big.Int) (bool, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	if err := t.h.takeFaultLocked(OpTransferFrom); err != nil {
		return false, err
	}
	book, err := t.book()
	if err != nil {
		return false, err
	}
	key := allowanceKey{from, t.caller}
	allowance := book.allowances[key]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return false, nil
	}
	if amountOf(book.balances, from).Cmp(amount) < 0 {
		return false, nil
	}
	t.h.subLocked(book.balances, from, amount)
	t.h.addLocked(book.balances, to, amount)
	t.h.setAllowanceLocked(book, key, new(big.Int).Sub(allowance, amount))
	return true, nil
}

// Transfer moves amount from the caller to to.
func (t *TokenView) Transfer(_ context.Context, to types.Address, amount *big.Int) (bool, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	if err := t.h.takeFaultLocked(OpTransfer); err != nil {
		return false, err
	}
	book, err := t.book()
	if err != nil {
		return false, err
	}
	if !t.h.subLocked(book.balances, t.caller, amount) {
		return false, nil
	}
	t.h.addLocked(book.balances, to, amount)
	return true, nil
}

// PoolView implements oracle.Pool over the host's pool.
type PoolView struct{ h *Host }

func (p *PoolView) Token0(context.Context) (types.Address, error) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.h.pool.token0, nil
}

func (p *PoolView) Token1(context.Context) (types.Address, error) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.h.pool.token1, nil
}

func (p *PoolView) GetReserves(context.Context) (*big.Int, *big.Int, error) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	if err := p.h.takeFaultLocked(OpReserves); err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(p.h.pool.reserve0), new(big.Int).Set(p.h.pool.reserve1), nil
}

// RouterView swaps the pool token for exact native output on behalf of a
// caller.
type RouterView struct {
	h      *Host
	caller types.Address
	fee    oracle.Fee
}

// SwapForExactOutput buys exactly amountOut native units for at most
// maxAmountIn of path[0], paying recipient. It returns the input spent.
func (r *RouterView) SwapForExactOutput(_ context.Context, amountOut, maxAmountIn *big.Int, path []types.Address, recipient types.Address, deadline time.Time) (*big.Int, error) {
	h := r.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.takeFaultLocked(OpSwap); err != nil {
		return nil, err
	}
	if h.clock().After(deadline) {
		return nil, ErrSwapExpired
	}
	if len(path) != 2 || path[1] != h.wrapped {
		return nil, ErrSwapPath
	}
	nativeIs0 := h.pool.token0 == h.wrapped
	tokenAsset, nativeRes, tokenRes := h.pool.token1, h.pool.reserve0, h.pool.reserve1
	if !nativeIs0 {
		tokenAsset, nativeRes, tokenRes = h.pool.token0, h.pool.reserve1, h.pool.reserve0
	}
	if path[0] != tokenAsset {
		return nil, ErrSwapPath
	}
	amountIn, err := oracle.GetAmountIn(amountOut, tokenRes, nativeRes, r.fee)
	if err != nil {
		return nil, err
	}
	if amountIn.Cmp(maxAmountIn) > 0 {
		return nil, fmt.Errorf("%w: need %v, max %v", ErrExcessiveInput, amountIn, maxAmountIn)
	}
	book := h.tokens[tokenAsset]
	if !h.subLocked(book.balances, r.caller, amountIn) {
		return nil, fmt.Errorf("%w: swap input %v", ErrInsufficientFund, amountIn)
	}
	newNative := new(big.Int).Sub(nativeRes, amountOut)
	newToken := new(big.Int).Add(tokenRes, amountIn)
	if nativeIs0 {
		h.setReservesLocked(newNative, newToken)
	} else {
		h.setReservesLocked(newToken, newNative)
	}
	h.addLocked(h.native, recipient, amountOut)
	return amountIn, nil
}

// DepositView is the sponsor deposit book as seen by a caller.
type DepositView struct {
	h      *Host
	caller types.Address
}

// DepositFor moves amount of the caller's native balance into recipient's
// deposit.
func (d *DepositView) DepositFor(_ context.Context, recipient types.Address, amount *big.Int) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	if err := d.h.takeFaultLocked(OpDeposit); err != nil {
		return err
	}
	if !d.h.subLocked(d.h.native, d.caller, amount) {
		return fmt.Errorf("%w: deposit %v", ErrInsufficientFund, amount)
	}
	d.h.addLocked(d.h.deposits, recipient, amount)
	return nil
}

// Withdraw moves amount out of the caller's deposit to dest.
func (d *DepositView) Withdraw(_ context.Context, amount *big.Int, dest types.Address) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	if err := d.h.takeFaultLocked(OpWithdraw); err != nil {
		return err
	}
	if !d.h.subLocked(d.h.deposits, d.caller, amount) {
		return fmt.Errorf("%w: withdraw %v", ErrInsufficientFund, amount)
	}
	d.h.addLocked(d.h.native, dest, amount)
	return nil
}

// DepositOf returns addr's deposit.
func (d *DepositView) DepositOf(_ context.Context, addr types.Address) (*big.Int, error) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	return amountOf(d.h.deposits, addr), nil
}
