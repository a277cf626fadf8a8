// Package relay drives a sponsored request through its lifecycle:
//
//	Accept      admission decision, creates a session
//	PreSettle   reserves the worst-case fee-token charge
//	PostSettle  reconciles against the true cost after execution
//
// The execution of the sponsored call itself happens between PreSettle and
// PostSettle, outside this package. Once a session is reserved PostSettle
// is mandatory; Pending lists sessions still waiting for it.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eth2030/tokenrelay/admission"
	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/log"
	"github.com/eth2030/tokenrelay/metrics"
	"github.com/eth2030/tokenrelay/settlement"
)

var (
	ErrInvalidRequest   = fault.New(fault.ErrRejected, "relay: invalid request")
	ErrMalformedContext = fault.New(fault.ErrInvariant, "relay: malformed context")
	ErrUnknownSession   = fault.New(fault.ErrInvariant, "relay: unknown session")
	ErrSessionExpired   = fault.New(fault.ErrInvariant, "relay: admission context expired")
	ErrContextMismatch  = fault.New(fault.ErrInvariant, "relay: context does not match session")
	ErrNotAccepted      = fault.New(fault.ErrInvariant, "relay: session is not awaiting reservation")
	ErrNotReserved      = fault.New(fault.ErrInvariant, "relay: session has no reservation")
	ErrAlreadySettled   = fault.New(fault.ErrInvariant, "relay: session already settled")
	ErrInvalidCost      = fault.New(fault.ErrInvariant, "relay: invalid actual cost")
)

// TracerName is the instrumentation scope of lifecycle spans.
const TracerName = "tokenrelay/relay"

// DefaultAcceptTTL is how long an accepted session may wait for PreSettle.
const DefaultAcceptTTL = 5 * time.Minute

// State is a session's lifecycle position. A settled session is removed,
// so it has no state of its own.
type State int

const (
	StateAccepted State = iota + 1
	StateReserving
	StateReserved
	StateSettling
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReserving:
		return "reserving"
	case StateReserved:
		return "reserved"
	case StateSettling:
		return "settling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Ledger is the settlement side of the controller.
type Ledger interface {
	Quote(ctx context.Context, nativeCost *big.Int) (*big.Int, error)
	ReservePrecharge(ctx context.Context, payer types.Address, req *types.RelayRequest, maxNativeCost *big.Int) (*settlement.Reservation, error)
	Reconcile(ctx context.Context, res *settlement.Reservation, actualNativeCost, overheadCost *big.Int) (*settlement.Settlement, error)
	Release(ctx context.Context, res *settlement.Reservation) error
}

// Config holds tunables that admin calls may change at runtime.
type Config struct {
	// OverheadGas is the calibrated gas cost of PostSettle itself, charged
	// at the request's gas price on top of the execution budget.
	OverheadGas uint64
	// AcceptTTL bounds the wait between Accept and PreSettle. Zero means
	// DefaultAcceptTTL.
	AcceptTTL time.Duration
}

// Options are optional collaborators. A nil Ledger runs the controller in
// native-sponsored mode: nothing is reserved and reconciliation only
// records the cost.
type Options struct {
	Ledger  Ledger
	Logger  *log.Logger
	Metrics *metrics.Registry
	Tracer  trace.Tracer
	// Now is the clock used for session expiry.
	Now func() time.Time
}

// Receipt is the outcome of PostSettle.
type Receipt struct {
	SessionID  uuid.UUID
	Payer      types.Address
	Precharge  types.Charge
	Postcharge types.Charge
	Refund     *big.Int
}

// PendingSession is a reserved session that has not been settled.
type PendingSession struct {
	ID         uuid.UUID
	Payer      types.Address
	Precharge  types.Charge
	ReservedAt time.Time
	Context    SettlementContext
}

// session fields above the blank line never change after accept; the
// rest are guarded by Controller.mu.
type session struct {
	id          uuid.UUID
	payer       types.Address
	req         *types.RelayRequest
	strategyCtx []byte
	acceptedAt  time.Time

	state State
	res   reserved
}

type reserved struct {
	reservation  *settlement.Reservation
	precharge    types.Charge
	overheadCost *big.Int
	settleCtx    SettlementContext
	at           time.Time
}

// Controller sequences the lifecycle phases. It is safe for concurrent use.
type Controller struct {
	strategy     admission.Strategy
	ledger       Ledger
	overheadGas  atomic.Uint64
	acceptTTL    time.Duration
	countsProofs bool
	now          func() time.Time

	locks *payerLocks

	mu        sync.Mutex
	sessions  map[uuid.UUID]*session
	lastSweep time.Time

	log     *log.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
}

// New creates a Controller admitting requests with strategy.
func New(strategy admission.Strategy, cfg Config, opts Options) (*Controller, error) {
	if strategy == nil {
		return nil, errors.New("relay: admission strategy required")
	}
	if cfg.AcceptTTL < 0 {
		return nil, fmt.Errorf("relay: negative accept ttl %v", cfg.AcceptTTL)
	}
	c := &Controller{
		strategy:     strategy,
		ledger:       opts.Ledger,
		acceptTTL:    cfg.AcceptTTL,
		countsProofs: consumesProofs(strategy),
		now:          opts.Now,
		locks:        newPayerLocks(),
		sessions:     make(map[uuid.UUID]*session),
		log:          log.OrDefault(opts.Logger, "relay"),
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
	}
	if c.acceptTTL == 0 {
		c.acceptTTL = DefaultAcceptTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(TracerName)
	}
	c.overheadGas.Store(cfg.OverheadGas)
	return c, nil
}

func consumesProofs(s admission.Strategy) bool {
	switch s := s.(type) {
	case *admission.ProofOfWork:
		return true
	case *admission.All:
		for _, m := range s.Members() {
			if consumesProofs(m) {
				return true
			}
		}
	}
	return false
}

// Strategy returns the admission strategy.
func (c *Controller) Strategy() admission.Strategy { return c.strategy }

// OverheadGas returns the post-settlement overhead in gas units.
func (c *Controller) OverheadGas() uint64 { return c.overheadGas.Load() }

// SetOverheadGas changes the overhead for sessions reserved from now on.
func (c *Controller) SetOverheadGas(gas uint64) {
	c.overheadGas.Store(gas)
	c.log.Info("overhead updated", "gas", gas)
}

// budget returns (maxNativeCost, overheadCost) for req: the execution
// budget plus overhead, and the overhead alone, both at req's gas price.
func budget(req *types.RelayRequest, overheadGas uint64) (*big.Int, *big.Int) {
	overhead := types.GasCost(overheadGas, req.GasPrice)
	return new(big.Int).Add(req.MaxExecutionCost(), overhead), overhead
}

// MaxNativeCost is the worst-case native cost PreSettle would reserve for
// req under the current overhead, forwarded value included.
func (c *Controller) MaxNativeCost(req *types.RelayRequest) *big.Int {
	maxNative, _ := budget(req, c.OverheadGas())
	return maxNative.Add(maxNative, req.ValueOrZero())
}

// Quote returns the precharge req would be reserved at now, without
// reserving anything.
func (c *Controller) Quote(ctx context.Context, req *types.RelayRequest) (types.Charge, error) {
	if err := validate(req); err != nil {
		return types.Charge{}, err
	}
	native := c.MaxNativeCost(req)
	if c.ledger == nil {
		return types.Charge{NativeCost: native, TokenAmount: new(big.Int)}, nil
	}
	tokens, err := c.ledger.Quote(ctx, native)
	if err != nil {
		return types.Charge{}, err
	}
	return types.Charge{NativeCost: native, TokenAmount: tokens}, nil
}

// Accept runs the admission strategy on req and opens a session. The
// session expires unless PreSettle follows within the accept TTL.
func (c *Controller) Accept(ctx context.Context, req *types.RelayRequest) (AdmissionContext, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	unlock := c.locks.lock(req.From)
	defer unlock()
	s, err := c.accept(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return encodeAdmission(s.id, s.strategyCtx), nil
}

// PreSettle reserves the precharge for an accepted session.
func (c *Controller) PreSettle(ctx context.Context, actx AdmissionContext) (SettlementContext, error) {
	id, strategyCtx, err := decodeAdmission(actx)
	if err != nil {
		return nil, err
	}
	s, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(strategyCtx, s.strategyCtx) {
		return nil, fmt.Errorf("%w: admission context for %v", ErrContextMismatch, id)
	}
	unlock := c.locks.lock(s.payer)
	defer unlock()
	return c.preSettle(ctx, s, nil)
}

// Admit accepts req and reserves its precharge while holding the payer
// lock throughout, so no other request from the same payer can spend the
// balance between the two steps. A strategy that consumes its proof does
// so only once the reservation stands; if the proof was consumed
// meanwhile by another request, the reservation is released again.
func (c *Controller) Admit(ctx context.Context, req *types.RelayRequest) (AdmissionContext, SettlementContext, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}
	unlock := c.locks.lock(req.From)
	defer unlock()
	deferred, _ := c.strategy.(admission.Deferrable)
	s, err := c.accept(ctx, req, deferred)
	if err != nil {
		return nil, nil, err
	}
	sctx, err := c.preSettle(ctx, s, deferred)
	if err != nil {
		// the caller never sees this session's admission context
		c.dropUnlessPending(s)
		return nil, nil, err
	}
	return encodeAdmission(s.id, s.strategyCtx), sctx, nil
}

// PostSettle reconciles a reserved session against actualNativeCost, the
// native cost the sponsored call consumed. It must be called exactly once
// per reserved session, whether or not the call succeeded; a settled
// session is forgotten, so a second call fails with ErrUnknownSession.
func (c *Controller) PostSettle(ctx context.Context, sctx SettlementContext, actualNativeCost *big.Int) (_ *Receipt, err error) {
	id, payer, precharge, err := decodeSettlement(sctx)
	if err != nil {
		return nil, err
	}
	s, err := c.lookup(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "relay.postSettle", trace.WithAttributes(
		attribute.String("session", id.String()),
		attribute.String("payer", payer.Hex()),
	))
	defer func() { c.finish(span, metrics.PhasePostSettle, start, err) }()

	if actualNativeCost == nil || actualNativeCost.Sign() < 0 {
		return nil, ErrInvalidCost
	}
	res, err := c.claim(s, payer, precharge)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{SessionID: id, Payer: s.payer, Precharge: res.precharge}
	if c.ledger == nil {
		native := new(big.Int).Add(actualNativeCost, res.overheadCost)
		native.Add(native, s.req.ValueOrZero())
		receipt.Postcharge = types.Charge{NativeCost: native, TokenAmount: new(big.Int)}
		receipt.Refund = new(big.Int)
	} else {
		st, err := c.ledger.Reconcile(ctx, res.reservation, actualNativeCost, res.overheadCost)
		if err != nil {
			c.setState(s, StateReserved)
			c.log.Warn("reconcile failed", "session", id, "payer", s.payer, "err", err)
			return nil, err
		}
		receipt.Postcharge = st.Postcharge
		receipt.Refund = st.Refund
	}
	c.drop(id)

	if c.metrics != nil {
		c.metrics.Pending.Dec()
		c.metrics.RefundToken.Observe(toFloat(receipt.Refund))
	}
	c.log.Info("session settled", "session", id, "payer", s.payer,
		"native", receipt.Postcharge.NativeCost, "tokens", receipt.Postcharge.TokenAmount, "refund", receipt.Refund)
	return receipt, nil
}

// Pending returns reserved sessions that have not been settled, oldest
// first.
func (c *Controller) Pending() []PendingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PendingSession
	for _, s := range c.sessions {
		if s.state != StateReserved && s.state != StateSettling {
			continue
		}
		out = append(out, PendingSession{
			ID:         s.id,
			Payer:      s.payer,
			Precharge:  s.res.precharge,
			ReservedAt: s.res.at,
			Context:    s.res.settleCtx,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out
}

// Sessions returns the number of open sessions, expired ones included
// until they are swept.
func (c *Controller) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// SessionState reports the state of session id.
func (c *Controller) SessionState(id uuid.UUID) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return 0, false
	}
	return s.state, true
}

// accept decides req and stores the new session. With deferred set only
// its side-effect-free Check runs; the caller must commit.
func (c *Controller) accept(ctx context.Context, req *types.RelayRequest, deferred admission.Deferrable) (_ *session, err error) {
	name := c.strategy.Name()
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "relay.accept", trace.WithAttributes(
		attribute.String("strategy", name),
		attribute.String("payer", req.From.Hex()),
	))
	defer func() { c.finish(span, metrics.PhaseAccept, start, err) }()

	var strategyCtx []byte
	if deferred != nil {
		strategyCtx, err = deferred.Check(ctx, req)
	} else {
		strategyCtx, err = c.strategy.Decide(ctx, req)
	}
	if err != nil {
		if fault.IsRejected(err) {
			c.metrics.ObserveDecision(name, metrics.OutcomeRejected)
			c.log.Debug("request rejected", "payer", req.From, "strategy", name, "err", err)
		} else {
			c.metrics.ObserveDecision(name, metrics.OutcomeFailed)
			c.log.Warn("admission failed", "payer", req.From, "strategy", name, "err", err)
		}
		return nil, err
	}
	c.metrics.ObserveDecision(name, metrics.OutcomeAccepted)
	if deferred == nil && c.countsProofs && c.metrics != nil {
		c.metrics.ReplayConsumed.Inc()
	}

	now := c.now()
	s := &session{
		id:          uuid.New(),
		payer:       req.From,
		req:         req,
		strategyCtx: strategyCtx,
		acceptedAt:  now,
		state:       StateAccepted,
	}
	c.mu.Lock()
	c.sweepLocked(now)
	c.sessions[s.id] = s
	c.mu.Unlock()

	span.SetAttributes(attribute.String("session", s.id.String()))
	c.log.Info("request accepted", "session", s.id, "payer", req.From, "to", req.To, "strategy", name)
	return s, nil
}

// sweepLocked drops accepted sessions past their TTL, at most once per
// TTL.
func (c *Controller) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.acceptTTL {
		return
	}
	c.lastSweep = now
	n := 0
	for id, s := range c.sessions {
		if c.expiredLocked(s, now) {
			delete(c.sessions, id)
			n++
		}
	}
	if n > 0 {
		c.log.Debug("expired sessions swept", "count", n)
	}
}

func (c *Controller) expiredLocked(s *session, now time.Time) bool {
	return s.state == StateAccepted && now.Sub(s.acceptedAt) >= c.acceptTTL
}

// preSettle must be called with the payer lock held. A non-nil deferred
// is committed after the reservation and before the session becomes
// visible as reserved.
func (c *Controller) preSettle(ctx context.Context, s *session, deferred admission.Deferrable) (_ SettlementContext, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "relay.preSettle", trace.WithAttributes(
		attribute.String("session", s.id.String()),
		attribute.String("payer", s.payer.Hex()),
	))
	defer func() { c.finish(span, metrics.PhasePreSettle, start, err) }()

	if err := c.beginReserve(s); err != nil {
		return nil, err
	}

	maxNative, overheadCost := budget(s.req, c.OverheadGas())
	var (
		res       *settlement.Reservation
		precharge types.Charge
	)
	if c.ledger == nil {
		precharge = types.Charge{NativeCost: new(big.Int).Add(maxNative, s.req.ValueOrZero()), TokenAmount: new(big.Int)}
	} else {
		res, err = c.ledger.ReservePrecharge(ctx, s.payer, s.req, maxNative)
		if err != nil {
			if fault.IsRejected(err) {
				c.drop(s.id)
				c.log.Debug("reservation refused", "session", s.id, "payer", s.payer, "err", err)
			} else {
				c.setState(s, StateAccepted)
				c.log.Warn("reservation failed", "session", s.id, "payer", s.payer, "err", err)
			}
			return nil, err
		}
		precharge = res.Precharge
	}
	sctx := encodeSettlement(s.id, s.payer, precharge.TokenAmount)
	r := reserved{
		reservation:  res,
		precharge:    precharge,
		overheadCost: overheadCost,
		settleCtx:    sctx,
	}

	if deferred != nil {
		if err := c.commit(ctx, s, deferred, r); err != nil {
			return nil, err
		}
	}

	c.markReserved(s, r)
	c.log.Info("precharge reserved", "session", s.id, "payer", s.payer,
		"native", precharge.NativeCost, "tokens", precharge.TokenAmount)
	return sctx, nil
}

// beginReserve moves an accepted, unexpired session to reserving so the
// sweep leaves it alone while the ledger works.
func (c *Controller) beginReserve(s *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[s.id]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownSession, s.id)
	}
	if s.state != StateAccepted {
		return fmt.Errorf("%w: %v is %v", ErrNotAccepted, s.id, s.state)
	}
	if c.expiredLocked(s, c.now()) {
		delete(c.sessions, s.id)
		return fmt.Errorf("%w: %v", ErrSessionExpired, s.id)
	}
	s.state = StateReserving
	return nil
}

func (c *Controller) markReserved(s *session, r reserved) {
	r.at = c.now()
	c.mu.Lock()
	s.res = r
	s.state = StateReserved
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.Pending.Inc()
		c.metrics.PrechargeToken.Observe(toFloat(r.precharge.TokenAmount))
	}
}

// commit consumes the deferred part of the session's admission once r is
// reserved. If that is refused the reservation is released; if the release
// fails too the session is left reserved for the dispatcher to settle.
func (c *Controller) commit(ctx context.Context, s *session, d admission.Deferrable, r reserved) error {
	err := d.Commit(ctx, s.req, s.strategyCtx)
	if err == nil {
		if c.countsProofs && c.metrics != nil {
			c.metrics.ReplayConsumed.Inc()
		}
		return nil
	}
	c.log.Debug("admission commit refused", "session", s.id, "payer", s.payer, "err", err)
	if r.reservation != nil {
		if rerr := c.ledger.Release(ctx, r.reservation); rerr != nil {
			c.markReserved(s, r)
			c.log.Error("release after refused commit failed", "session", s.id, "payer", s.payer, "err", rerr)
			return errors.Join(err, rerr)
		}
	}
	c.drop(s.id)
	return err
}

// claim moves a reserved session to settling after checking the
// settlement context against what PreSettle issued, and returns the
// reservation.
func (c *Controller) claim(s *session, payer types.Address, precharge *big.Int) (reserved, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[s.id]; !ok {
		return reserved{}, fmt.Errorf("%w: %v", ErrUnknownSession, s.id)
	}
	switch s.state {
	case StateSettling:
		return reserved{}, fmt.Errorf("%w: %v is being settled", ErrAlreadySettled, s.id)
	case StateAccepted, StateReserving:
		return reserved{}, fmt.Errorf("%w: %v", ErrNotReserved, s.id)
	}
	if payer != s.payer || precharge.Cmp(s.res.precharge.TokenAmount) != 0 {
		return reserved{}, fmt.Errorf("%w: settlement context for %v", ErrContextMismatch, s.id)
	}
	s.state = StateSettling
	return s.res, nil
}

func (c *Controller) setState(s *session, state State) {
	c.mu.Lock()
	s.state = state
	c.mu.Unlock()
}

func (c *Controller) lookup(id uuid.UUID) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSession, id)
	}
	return s, nil
}

func (c *Controller) drop(id uuid.UUID) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// dropUnlessPending drops s unless it holds a reservation that still has
// to be settled.
func (c *Controller) dropUnlessPending(s *session) {
	c.mu.Lock()
	if s.state != StateReserved {
		delete(c.sessions, s.id)
	}
	c.mu.Unlock()
}

func (c *Controller) finish(span trace.Span, phase string, start time.Time, err error) {
	c.metrics.ObservePhase(phase, start, fault.Label(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func validate(req *types.RelayRequest) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	case req.From.IsZero():
		return fmt.Errorf("%w: missing sender", ErrInvalidRequest)
	case req.GasPrice != nil && req.GasPrice.Sign() < 0:
		return fmt.Errorf("%w: negative gas price", ErrInvalidRequest)
	case req.Value != nil && req.Value.Sign() < 0:
		return fmt.Errorf("%w: negative value", ErrInvalidRequest)
	}
	return nil
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
