// Package state implements an in-memory host environment for the relay:
// fee-token balances and allowances, native balances, a constant-product
// pool with its router, and the sponsor deposit book. Atomic sections are
// journaled so a failing section leaves every book exactly as it found it.
//
// The host backs the development node and the test suites; production
// deployments plug chain-backed collaborators into the same interfaces.
package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/oracle"
)

var (
	ErrUnknownAsset     = errors.New("state: unknown token asset")
	ErrSwapPath         = errors.New("state: swap path must be [pool token, wrapped native]")
	ErrSwapExpired      = errors.New("state: swap deadline passed")
	ErrExcessiveInput   = errors.New("state: swap input exceeds maximum")
	ErrInsufficientFund = errors.New("state: insufficient balance")
	ErrInjected         = errors.New("state: injected fault")
)

// Operations that accept injected faults.
const (
	OpTransfer     = "transfer"
	OpTransferFrom = "transferFrom"
	OpSwap         = "swap"
	OpDeposit      = "deposit"
	OpWithdraw     = "withdraw"
	OpBalanceOf    = "balanceOf"
	OpReserves     = "reserves"
)

type allowanceKey struct {
	owner, spender types.Address
}

type tokenBook struct {
	balances   map[types.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

type poolState struct {
	token0, token1     types.Address
	reserve0, reserve1 *big.Int
}

// Host is the in-memory execution environment. It is safe for concurrent
// use; atomic sections are serialised.
type Host struct {
	txMu sync.Mutex // serialises atomic sections
	mu   sync.Mutex // guards everything below

	tokens   map[types.Address]*tokenBook
	native   map[types.Address]*big.Int
	deposits map[types.Address]*big.Int
	pool     poolState
	wrapped  types.Address

	journal *journal
	depth   int
	faults  map[string]error
	clock   func() time.Time
}

// NewHost creates a host whose pool pairs wrappedNative with feeToken.
func NewHost(wrappedNative, feeToken types.Address) *Host {
	h := &Host{
		tokens:   make(map[types.Address]*tokenBook),
		native:   make(map[types.Address]*big.Int),
		deposits: make(map[types.Address]*big.Int),
		wrapped:  wrappedNative,
		journal:  newJournal(),
		faults:   make(map[string]error),
		clock:    time.Now,
	}
	h.tokens[feeToken] = newTokenBook()
	h.pool = poolState{token0: wrappedNative, token1: feeToken, reserve0: new(big.Int), reserve1: new(big.Int)}
	return h
}

func newTokenBook() *tokenBook {
	return &tokenBook{
		balances:   make(map[types.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// SetClock overrides the time source used for swap deadlines.
func (h *Host) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = now
}

// SetPoolOrder lists the pool's assets as (token0, token1). Reserves keep
// their asset association.
func (h *Host) SetPoolOrder(token0, token1 types.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if token0 != h.pool.token0 {
		h.pool.reserve0, h.pool.reserve1 = h.pool.reserve1, h.pool.reserve0
	}
	h.pool.token0, h.pool.token1 = token0, token1
}

// SetReserves sets the pool's native and token reserves.
func (h *Host) SetReserves(native, token *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool.token0 == h.wrapped {
		h.pool.reserve0, h.pool.reserve1 = new(big.Int).Set(native), new(big.Int).Set(token)
	} else {
		h.pool.reserve0, h.pool.reserve1 = new(big.Int).Set(token), new(big.Int).Set(native)
	}
}

// Mint credits amount of asset to owner.
func (h *Host) Mint(asset, owner types.Address, amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	book, ok := h.tokens[asset]
	if !ok {
		book = newTokenBook()
		h.tokens[asset] = book
	}
	h.addLocked(book.balances, owner, amount)
}

// Approve sets owner's allowance for spender on asset.
func (h *Host) Approve(asset, owner, spender types.Address, amount *big.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	book, ok := h.tokens[asset]
	if !ok {
		return ErrUnknownAsset
	}
	h.setAllowanceLocked(book, allowanceKey{owner, spender}, new(big.Int).Set(amount))
	return nil
}

// FundNative credits native units to addr.
func (h *Host) FundNative(addr types.Address, amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(h.native, addr, amount)
}

// NativeBalance returns addr's native balance.
func (h *Host) NativeBalance(addr types.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return amountOf(h.native, addr)
}

// TokenBalance returns owner's balance of asset.
func (h *Host) TokenBalance(asset, owner types.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if book, ok := h.tokens[asset]; ok {
		return amountOf(book.balances, owner)
	}
	return new(big.Int)
}

// InjectFault makes the next call of op fail with err (ErrInjected if nil).
func (h *Host) InjectFault(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	h.faults[op] = err
}

// Atomically runs fn as an all-or-nothing section: if fn returns an error
// every mutation it made through the host is reverted. Sections nest; only
// the outermost one commits.
func (h *Host) Atomically(ctx context.Context, fn func(context.Context) error) (err error) {
	if owner, _ := ctx.Value(atomicKey{}).(*Host); owner == h {
		return h.nested(ctx, fn)
	}
	h.txMu.Lock()
	defer h.txMu.Unlock()
	return h.nested(context.WithValue(ctx, atomicKey{}, h), fn)
}

type atomicKey struct{}

func (h *Host) nested(ctx context.Context, fn func(context.Context) error) (err error) {
	h.mu.Lock()
	id := h.journal.snapshot()
	h.depth++
	h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("state: atomic section panicked: %v", r)
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.depth--
		if err != nil {
			h.journal.revertToSnapshot(id, h)
		}
		if h.depth == 0 {
			h.journal.reset()
		}
	}()
	return fn(ctx)
}

// --- Collaborator views ---

// Token returns asset's token interface as seen by caller (the msg.sender of
// transfer and transferFrom).
func (h *Host) Token(asset, caller types.Address) *TokenView {
	return &TokenView{h: h, asset: asset, caller: caller}
}

// Pool returns the read side of the host's pool.
func (h *Host) Pool() *PoolView { return &PoolView{h: h} }

// Router returns the pool's swap router as seen by caller.
func (h *Host) Router(caller types.Address, fee oracle.Fee) *RouterView {
	return &RouterView{h: h, caller: caller, fee: fee}
}

// Depositor returns the deposit book as seen by caller.
func (h *Host) Depositor(caller types.Address) *DepositView {
	return &DepositView{h: h, caller: caller}
}

// --- locked helpers ---

func (h *Host) takeFaultLocked(op string) error {
	if err, ok := h.faults[op]; ok {
		delete(h.faults, op)
		return err
	}
	return nil
}

func amountOf(book map[types.Address]*big.Int, addr types.Address) *big.Int {
	if v, ok := book[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (h *Host) setLocked(book map[types.Address]*big.Int, addr types.Address, v *big.Int) {
	if h.depth > 0 {
		h.journal.append(bookChange{book: book, addr: addr, prev: book[addr]})
	}
	book[addr] = v
}

func (h *Host) addLocked(book map[types.Address]*big.Int, addr types.Address, amount *big.Int) {
	h.setLocked(book, addr, new(big.Int).Add(amountOf(book, addr), amount))
}

// subLocked debits amount, reporting false without mutating on shortfall.
func (h *Host) subLocked(book map[types.Address]*big.Int, addr types.Address, amount *big.Int) bool {
	cur := amountOf(book, addr)
	if cur.Cmp(amount) < 0 {
		return false
	}
	h.setLocked(book, addr, cur.Sub(cur, amount))
	return true
}

func (h *Host) setAllowanceLocked(book *tokenBook, key allowanceKey, v *big.Int) {
	if h.depth > 0 {
		h.journal.append(allowanceChange{book: book.allowances, key: key, prev: book.allowances[key]})
	}
	book.allowances[key] = v
}

func (h *Host) setReservesLocked(r0, r1 *big.Int) {
	if h.depth > 0 {
		h.journal.append(reserveChange{prev0: h.pool.reserve0, prev1: h.pool.reserve1})
	}
	h.pool.reserve0, h.pool.reserve1 = r0, r1
}
