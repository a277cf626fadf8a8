package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/tokenrelay/admission"
	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/core/state"
	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/log"
	"github.com/eth2030/tokenrelay/metrics"
	"github.com/eth2030/tokenrelay/oracle"
	"github.com/eth2030/tokenrelay/replay"
	"github.com/eth2030/tokenrelay/settlement"
)

var (
	weth   = types.HexToAddress("0xe7a0000000000000000000000000000000000001")
	feeTok = types.HexToAddress("0x70c1000000000000000000000000000000000002")
	self   = types.HexToAddress("0x5e1f000000000000000000000000000000000003")
	alice  = types.HexToAddress("0xa11ce00000000000000000000000000000000004")
	bob    = types.HexToAddress("0xb0b0000000000000000000000000000000000005")
	target = types.HexToAddress("0x7a67000000000000000000000000000000000006")
)

const overhead = 100

type env struct {
	host    *state.Host
	ledger  *settlement.Ledger
	metrics *metrics.Registry
	clock   *clock
	ctrl    *Controller
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newEnv wires a controller over a 1:2 native/token pool without fee.
// alice holds 10000 fee tokens approved to the ledger.
func newEnv(t *testing.T, strategy admission.Strategy) *env {
	t.Helper()
	h := state.NewHost(weth, feeTok)
	h.SetReserves(big.NewInt(1_000_000), big.NewInt(2_000_000))
	h.Mint(feeTok, alice, big.NewInt(10_000))
	require.NoError(t, h.Approve(feeTok, alice, self, big.NewInt(1_000_000)))

	o, err := oracle.New(h.Pool(), oracle.Config{WrappedNative: weth, FeeToken: feeTok, Fee: oracle.NoFee})
	require.NoError(t, err)
	l, err := settlement.New(settlement.Config{Self: self, FeeToken: feeTok, WrappedNative: weth}, settlement.Deps{
		Quoter:    o,
		Token:     h.Token(feeTok, self),
		Router:    h.Router(self, oracle.NoFee),
		Depositor: h.Depositor(self),
		Atomic:    h,
		Logger:    log.Discard(),
	})
	require.NoError(t, err)
	if strategy == nil {
		strategy = admission.NewTokenBalance(l, l, nil)
	}
	m := metrics.NewRegistry()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c, err := New(strategy, Config{OverheadGas: overhead, AcceptTTL: time.Minute},
		Options{Ledger: l, Logger: log.Discard(), Metrics: m, Now: clk.Now})
	require.NoError(t, err)
	return &env{host: h, ledger: l, metrics: m, clock: clk, ctrl: c}
}

func (e *env) tokens(addr types.Address) int64 { return e.host.TokenBalance(feeTok, addr).Int64() }

func request(from types.Address) *types.RelayRequest {
	return &types.RelayRequest{From: from, To: target, GasLimit: 1000, GasPrice: big.NewInt(1)}
}

func TestAdmit_FullBudgetRefundsZero(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	req := request(alice)

	_, sctx, err := e.ctrl.Admit(ctx, req)
	require.NoError(t, err)
	// (1000+100) native: 2e6*1100/998900 = 2202.4 -> 2203 tokens
	assert.EqualValues(t, 10_000-2203, e.tokens(alice))

	r, err := e.ctrl.PostSettle(ctx, sctx, req.MaxExecutionCost())
	require.NoError(t, err)
	assert.Zero(t, r.Refund.Sign())
	assert.EqualValues(t, 2203, r.Precharge.TokenAmount.Int64())
	assert.Equal(t, r.Precharge.TokenAmount, r.Postcharge.TokenAmount)
	assert.EqualValues(t, 10_000-2203, e.tokens(alice))

	dep, err := e.ledger.Deposit(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1100, dep.Int64())
}

func TestLifecycle_StepByStep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	actx, err := e.ctrl.Accept(ctx, request(alice))
	require.NoError(t, err)
	assert.EqualValues(t, 10_000, e.tokens(alice), "accept moves nothing")

	sctx, err := e.ctrl.PreSettle(ctx, actx)
	require.NoError(t, err)
	require.Len(t, e.ctrl.Pending(), 1)
	assert.EqualValues(t, 1, testutil.ToFloat64(e.metrics.Pending))

	// 400 executed + 100 overhead: 2e6*500/999500 = 1000.5 -> 1001
	r, err := e.ctrl.PostSettle(ctx, sctx, big.NewInt(400))
	require.NoError(t, err)
	assert.EqualValues(t, 1001, r.Postcharge.TokenAmount.Int64())
	assert.EqualValues(t, 2203-1001, r.Refund.Int64())
	assert.EqualValues(t, 10_000-1001, e.tokens(alice))
	assert.Empty(t, e.ctrl.Pending())
	assert.Zero(t, e.ctrl.Sessions())
	assert.Zero(t, testutil.ToFloat64(e.metrics.Pending))
	assert.EqualValues(t, 1, testutil.ToFloat64(e.metrics.Decisions.WithLabelValues(admission.NameTokenBalance, metrics.OutcomeAccepted)))
}

func TestPostSettle_Twice(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, sctx, err := e.ctrl.Admit(ctx, request(alice))
	require.NoError(t, err)
	_, err = e.ctrl.PostSettle(ctx, sctx, big.NewInt(500))
	require.NoError(t, err)
	balance := e.tokens(alice)

	assert.Zero(t, e.ctrl.Sessions(), "settled session kept")

	_, err = e.ctrl.PostSettle(ctx, sctx, big.NewInt(500))
	require.ErrorIs(t, err, ErrUnknownSession)
	assert.True(t, fault.IsInvariant(err))
	assert.Equal(t, balance, e.tokens(alice))
}

func TestAccept_ExpiresWithoutPreSettle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	actx, err := e.ctrl.Accept(ctx, request(alice))
	require.NoError(t, err)
	require.Equal(t, 1, e.ctrl.Sessions())

	e.clock.advance(time.Minute)
	_, err = e.ctrl.PreSettle(ctx, actx)
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, fault.IsInvariant(err))
	assert.Zero(t, e.ctrl.Sessions())
	assert.EqualValues(t, 10_000, e.tokens(alice))

	_, err = e.ctrl.PreSettle(ctx, actx)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestAccept_SweepsExpiredSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	for i := 0; i < 3; i++ {
		_, err := e.ctrl.Accept(ctx, request(alice))
		require.NoError(t, err)
	}
	_, sctx, err := e.ctrl.Admit(ctx, request(alice))
	require.NoError(t, err)
	require.Equal(t, 4, e.ctrl.Sessions())

	// reserved sessions never expire; the three accepted ones do
	e.clock.advance(2 * time.Minute)
	_, err = e.ctrl.Accept(ctx, request(alice))
	require.NoError(t, err)
	assert.Equal(t, 2, e.ctrl.Sessions())
	require.Len(t, e.ctrl.Pending(), 1)

	_, err = e.ctrl.PostSettle(ctx, sctx, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, 1, e.ctrl.Sessions())
}

func TestPreSettle_RacesPostSettle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	actx, sctx, err := e.ctrl.Admit(ctx, request(alice))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ctrl.PreSettle(ctx, actx)
			if !errors.Is(err, ErrNotAccepted) && !errors.Is(err, ErrUnknownSession) {
				t.Errorf("PreSettle: %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := e.ctrl.PostSettle(ctx, sctx, big.NewInt(500)); err != nil {
			t.Errorf("PostSettle: %v", err)
		}
	}()
	wg.Wait()

	assert.Zero(t, e.ctrl.Sessions())
	assert.EqualValues(t, 10_000-1201, e.tokens(alice))
}

func powEnv(t *testing.T, reg replay.Registry) *env {
	t.Helper()
	p, err := admission.NewProofOfWork(reg, 4)
	require.NoError(t, err)
	return newEnv(t, p)
}

func solved(t *testing.T, req *types.RelayRequest) *types.RelayRequest {
	t.Helper()
	data, err := admission.Solve(context.Background(), req, 4, 0)
	require.NoError(t, err)
	req.AdmissionData = data
	return req
}

func TestAdmit_RefusedReservationKeepsProof(t *testing.T) {
	ctx := context.Background()
	reg := replay.NewMemoryRegistry()
	e := powEnv(t, reg)

	req := solved(t, request(alice))
	req.GasLimit = 10_000 // precharge above alice's balance
	_, _, err := e.ctrl.Admit(ctx, req)
	require.ErrorIs(t, err, settlement.ErrInsufficientFunds)
	n, _ := reg.Len(ctx)
	assert.Zero(t, n, "refused request consumed its proof")
	assert.Zero(t, e.ctrl.Sessions())

	req.GasLimit = 1000
	_, _, err = e.ctrl.Admit(ctx, req)
	require.NoError(t, err)
	n, _ = reg.Len(ctx)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, testutil.ToFloat64(e.metrics.ReplayConsumed))

	_, _, err = e.ctrl.Admit(ctx, req)
	require.ErrorIs(t, err, admission.ErrProofAlreadyUsed)
}

// lateRegistry hides committed digests from Contains, as when another
// request commits the same proof between Check and Commit.
type lateRegistry struct {
	replay.Registry
}

func (lateRegistry) Contains(context.Context, types.Hash) (bool, error) { return false, nil }

func TestAdmit_LostCommitReleasesReservation(t *testing.T) {
	ctx := context.Background()
	reg := replay.NewMemoryRegistry()
	e := powEnv(t, lateRegistry{reg})

	req := solved(t, request(alice))
	_, err := reg.CheckAndInsert(ctx, types.BytesToHash(req.AdmissionData[32:]))
	require.NoError(t, err)

	_, _, err = e.ctrl.Admit(ctx, req)
	require.ErrorIs(t, err, admission.ErrProofAlreadyUsed)
	assert.EqualValues(t, 10_000, e.tokens(alice))
	assert.Zero(t, e.ctrl.Sessions())
	assert.Empty(t, e.ctrl.Pending())
	assert.Zero(t, testutil.ToFloat64(e.metrics.Pending))
}

func TestAdmit_FailedReleaseStaysPending(t *testing.T) {
	ctx := context.Background()
	reg := replay.NewMemoryRegistry()
	e := powEnv(t, lateRegistry{reg})

	req := solved(t, request(alice))
	_, err := reg.CheckAndInsert(ctx, types.BytesToHash(req.AdmissionData[32:]))
	require.NoError(t, err)

	e.host.InjectFault(state.OpTransfer, nil)
	_, _, err = e.ctrl.Admit(ctx, req)
	require.ErrorIs(t, err, admission.ErrProofAlreadyUsed)
	require.ErrorIs(t, err, fault.ErrExternal)

	pending := e.ctrl.Pending()
	require.Len(t, pending, 1)
	_, err = e.ctrl.PostSettle(ctx, pending[0].Context, big.NewInt(0))
	require.NoError(t, err)
	assert.Zero(t, e.ctrl.Sessions())
}

func TestPreSettle_Twice(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	actx, err := e.ctrl.Accept(ctx, request(alice))
	require.NoError(t, err)
	_, err = e.ctrl.PreSettle(ctx, actx)
	require.NoError(t, err)
	_, err = e.ctrl.PreSettle(ctx, actx)
	require.ErrorIs(t, err, ErrNotAccepted)
	assert.EqualValues(t, 10_000-2203, e.tokens(alice), "reserved twice")
}

func TestForgedContexts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	actx, sctx, err := e.ctrl.Admit(ctx, request(alice))
	require.NoError(t, err)

	_, err = e.ctrl.PreSettle(ctx, encodeAdmission(uuid.New(), nil))
	require.ErrorIs(t, err, ErrUnknownSession)

	_, err = e.ctrl.PreSettle(ctx, actx[:10])
	require.ErrorIs(t, err, ErrMalformedContext)

	forgedAdm := append(AdmissionContext(nil), actx...)
	forgedAdm[len(forgedAdm)-1] ^= 0xff
	_, err = e.ctrl.PreSettle(ctx, forgedAdm)
	require.ErrorIs(t, err, ErrContextMismatch)

	_, err = e.ctrl.PostSettle(ctx, sctx[:40], big.NewInt(1))
	require.ErrorIs(t, err, ErrMalformedContext)

	inflated := append(SettlementContext(nil), sctx...)
	inflated[len(inflated)-1]++
	_, err = e.ctrl.PostSettle(ctx, inflated, big.NewInt(1))
	require.ErrorIs(t, err, ErrContextMismatch)

	otherPayer := append(SettlementContext(nil), sctx...)
	copy(otherPayer[16:36], bob[:])
	_, err = e.ctrl.PostSettle(ctx, otherPayer, big.NewInt(1))
	require.ErrorIs(t, err, ErrContextMismatch)

	// the genuine context still settles
	_, err = e.ctrl.PostSettle(ctx, sctx, big.NewInt(1))
	require.NoError(t, err)
}

func TestAccept_RejectedLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	w := admission.NewWhitelist()
	w.AddSender(bob)
	e := newEnv(t, w)

	_, err := e.ctrl.Accept(ctx, request(alice))
	require.ErrorIs(t, err, admission.ErrNotWhitelisted)
	assert.True(t, fault.IsRejected(err))
	assert.Empty(t, e.ctrl.sessions)
	assert.EqualValues(t, 1, testutil.ToFloat64(e.metrics.Decisions.WithLabelValues(admission.NameWhitelist, metrics.OutcomeRejected)))
	assert.EqualValues(t, 1, testutil.ToFloat64(e.metrics.PhaseErrors.WithLabelValues(metrics.PhaseAccept, "rejected")))
	assert.Zero(t, e.ctrl.locks.len())
}

func TestAccept_NoFunds(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.ctrl.Accept(context.Background(), request(bob))
	require.ErrorIs(t, err, admission.ErrNoFunds)
}

func TestPreSettle_RefusedReservationDropsSession(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, admission.NewWhitelist())
	req := request(alice)
	req.GasLimit = 10_000 // precharge above alice's balance

	actx, err := e.ctrl.Accept(ctx, req)
	require.NoError(t, err)
	_, err = e.ctrl.PreSettle(ctx, actx)
	require.ErrorIs(t, err, settlement.ErrInsufficientFunds)
	assert.Empty(t, e.ctrl.sessions)
	assert.EqualValues(t, 10_000, e.tokens(alice))
}

func TestPostSettle_ReconcileFailureCanRetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, sctx, err := e.ctrl.Admit(ctx, request(alice))
	require.NoError(t, err)

	e.host.InjectFault(state.OpSwap, nil)
	_, err = e.ctrl.PostSettle(ctx, sctx, big.NewInt(500))
	require.ErrorIs(t, err, fault.ErrExternal)
	require.Len(t, e.ctrl.Pending(), 1, "failed settlement stays pending")

	p := e.ctrl.Pending()[0]
	_, err = e.ctrl.PostSettle(ctx, p.Context, big.NewInt(500))
	require.NoError(t, err)
	assert.Empty(t, e.ctrl.Pending())
}

func TestPostSettle_InvalidCost(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, sctx, err := e.ctrl.Admit(ctx, request(alice))
	require.NoError(t, err)
	_, err = e.ctrl.PostSettle(ctx, sctx, nil)
	require.ErrorIs(t, err, ErrInvalidCost)
	_, err = e.ctrl.PostSettle(ctx, sctx, big.NewInt(-5))
	require.ErrorIs(t, err, ErrInvalidCost)
	_, err = e.ctrl.PostSettle(ctx, sctx, big.NewInt(5))
	require.NoError(t, err)
}

func TestAdmit_ConcurrentPayerSpendsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	// 4000 gas + 100 overhead costs 8234 tokens: alice's 10000 covers one.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := request(alice)
			req.GasLimit = 4000
			_, _, err := e.ctrl.Admit(ctx, req)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !fault.IsRejected(err) {
				t.Errorf("unexpected error class: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Len(t, e.ctrl.Pending(), 1)
	assert.Zero(t, e.ctrl.locks.len())
}

func TestNativeSponsoredMode(t *testing.T) {
	ctx := context.Background()
	c, err := New(admission.NewWhitelist(), Config{OverheadGas: overhead}, Options{Logger: log.Discard()})
	require.NoError(t, err)

	req := request(alice)
	req.GasPrice = big.NewInt(3)
	_, sctx, err := c.Admit(ctx, req)
	require.NoError(t, err)

	r, err := c.PostSettle(ctx, sctx, big.NewInt(1500))
	require.NoError(t, err)
	assert.EqualValues(t, 3300, r.Precharge.NativeCost.Int64())
	assert.EqualValues(t, 1800, r.Postcharge.NativeCost.Int64())
	assert.Zero(t, r.Precharge.TokenAmount.Sign())
	assert.Zero(t, r.Refund.Sign())
}

func TestQuoteAndOverhead(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	q, err := e.ctrl.Quote(ctx, request(alice))
	require.NoError(t, err)
	assert.EqualValues(t, 1100, q.NativeCost.Int64())
	assert.EqualValues(t, 2203, q.TokenAmount.Int64())

	e.ctrl.SetOverheadGas(0)
	q, err = e.ctrl.Quote(ctx, request(alice))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, q.NativeCost.Int64())
	assert.EqualValues(t, 10_000, e.tokens(alice), "quote moves nothing")
}

func TestValidate(t *testing.T) {
	e := newEnv(t, nil)
	bad := []*types.RelayRequest{
		nil,
		{To: target},
		{From: alice, GasPrice: big.NewInt(-1)},
		{From: alice, Value: big.NewInt(-1)},
	}
	for i, req := range bad {
		_, err := e.ctrl.Accept(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "case %d", i)
	}
}

func TestContextCodec(t *testing.T) {
	id := uuid.New()
	sctx := encodeSettlement(id, alice, big.NewInt(2203))
	require.Len(t, sctx, 68)
	gotID, payer, pre, err := decodeSettlement(sctx)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, alice, payer)
	assert.EqualValues(t, 2203, pre.Int64())

	actx := encodeAdmission(id, []byte{1, 2, 3})
	gotID, rest, err := decodeAdmission(actx)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, []byte{1, 2, 3}, rest)
}
