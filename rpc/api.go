package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/eth2030/tokenrelay/admission"
	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/relay"
)

var (
	errParams         = errors.New("rpc: invalid params")
	errNotConfigured  = errors.New("rpc: not configured on this relay")
	errUnauthorized   = errors.New("rpc: operator authorization required")
	errUnknownListArg = errors.New(`rpc: list must be "sender" or "target"`)
)

// Relay is the lifecycle surface served by the relay_ namespace.
type Relay interface {
	Accept(ctx context.Context, req *types.RelayRequest) (relay.AdmissionContext, error)
	PreSettle(ctx context.Context, actx relay.AdmissionContext) (relay.SettlementContext, error)
	PostSettle(ctx context.Context, sctx relay.SettlementContext, actualNativeCost *big.Int) (*relay.Receipt, error)
	Admit(ctx context.Context, req *types.RelayRequest) (relay.AdmissionContext, relay.SettlementContext, error)
	Quote(ctx context.Context, req *types.RelayRequest) (types.Charge, error)
	Pending() []relay.PendingSession
	SetOverheadGas(gas uint64)
}

// Withdrawer moves accumulated sponsor deposit out.
type Withdrawer interface {
	Withdraw(ctx context.Context, amount *big.Int, dest types.Address) error
}

// Admin holds the runtime-configurable pieces. Nil fields disable the
// corresponding admin methods.
type Admin struct {
	Whitelist   *admission.Whitelist
	ProofOfWork *admission.ProofOfWork
	Ledger      Withdrawer
}

type methodFunc func(ctx context.Context, params []json.RawMessage) (interface{}, error)

// auth marks methods that need the operator bearer token: the admin
// surface and the dispatcher calls that settle or expose live sessions.
type method struct {
	fn   methodFunc
	auth bool
}

func (s *Server) registerMethods() {
	s.methods = map[string]method{
		"relay_accept":     {fn: s.accept},
		"relay_preSettle":  {fn: s.preSettle},
		"relay_postSettle": {fn: s.postSettle, auth: true},
		"relay_admit":      {fn: s.admit},
		"relay_quote":      {fn: s.quote},
		"relay_pending":    {fn: s.pending, auth: true},

		"admin_setDifficulty":   {fn: s.setDifficulty, auth: true},
		"admin_setOverhead":     {fn: s.setOverhead, auth: true},
		"admin_whitelistSender": {fn: s.whitelistSender, auth: true},
		"admin_whitelistTarget": {fn: s.whitelistTarget, auth: true},
		"admin_enableWhitelist": {fn: s.enableWhitelist, auth: true},
		"admin_withdraw":        {fn: s.withdraw, auth: true},
	}
}

// parseParams decodes positional params into dst, which must match in
// count.
func parseParams(params []json.RawMessage, dst ...interface{}) error {
	if len(params) != len(dst) {
		return fmt.Errorf("%w: want %d params, got %d", errParams, len(dst), len(params))
	}
	for i, p := range params {
		if err := json.Unmarshal(p, dst[i]); err != nil {
			return fmt.Errorf("%w: param %d: %v", errParams, i, err)
		}
	}
	return nil
}

func parseRequest(params []json.RawMessage) (*types.RelayRequest, error) {
	var args RelayRequestArgs
	if err := parseParams(params, &args); err != nil {
		return nil, err
	}
	return args.ToRequest(), nil
}

// --- relay_ namespace ---

func (s *Server) accept(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	req, err := parseRequest(params)
	if err != nil {
		return nil, err
	}
	actx, err := s.relay.Accept(ctx, req)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(actx), nil
}

func (s *Server) preSettle(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var actx hexutil.Bytes
	if err := parseParams(params, &actx); err != nil {
		return nil, err
	}
	sctx, err := s.relay.PreSettle(ctx, relay.AdmissionContext(actx))
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(sctx), nil
}

func (s *Server) postSettle(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var (
		sctx   hexutil.Bytes
		actual hexutil.Big
	)
	if err := parseParams(params, &sctx, &actual); err != nil {
		return nil, err
	}
	receipt, err := s.relay.PostSettle(ctx, relay.SettlementContext(sctx), actual.ToInt())
	if err != nil {
		return nil, err
	}
	return newReceiptResult(receipt), nil
}

func (s *Server) admit(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	req, err := parseRequest(params)
	if err != nil {
		return nil, err
	}
	actx, sctx, err := s.relay.Admit(ctx, req)
	if err != nil {
		return nil, err
	}
	return &AdmitResult{AdmissionContext: hexutil.Bytes(actx), SettlementContext: hexutil.Bytes(sctx)}, nil
}

func (s *Server) quote(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	req, err := parseRequest(params)
	if err != nil {
		return nil, err
	}
	charge, err := s.relay.Quote(ctx, req)
	if err != nil {
		return nil, err
	}
	return newChargeResult(charge), nil
}

func (s *Server) pending(context.Context, []json.RawMessage) (interface{}, error) {
	sessions := s.relay.Pending()
	out := make([]PendingResult, len(sessions))
	for i, p := range sessions {
		out[i] = PendingResult{
			Session:           p.ID,
			Payer:             p.Payer,
			Precharge:         newChargeResult(p.Precharge),
			ReservedAt:        hexutil.Uint64(p.ReservedAt.Unix()),
			SettlementContext: hexutil.Bytes(p.Context),
		}
	}
	return out, nil
}

// --- admin_ namespace ---

func (s *Server) setDifficulty(_ context.Context, params []json.RawMessage) (interface{}, error) {
	if s.admin.ProofOfWork == nil {
		return nil, fmt.Errorf("%w: proof-of-work strategy", errNotConfigured)
	}
	var bits uint
	if err := parseParams(params, &bits); err != nil {
		return nil, err
	}
	if err := s.admin.ProofOfWork.SetDifficulty(bits); err != nil {
		return nil, fmt.Errorf("%w: %v", errParams, err)
	}
	s.log.Info("difficulty updated", "bits", bits)
	return true, nil
}

func (s *Server) setOverhead(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var gas hexutil.Uint64
	if err := parseParams(params, &gas); err != nil {
		return nil, err
	}
	s.relay.SetOverheadGas(uint64(gas))
	return true, nil
}

// whitelistSender takes (address, add bool): true adds, false removes.
func (s *Server) whitelistSender(_ context.Context, params []json.RawMessage) (interface{}, error) {
	return s.editList(params, "sender")
}

func (s *Server) whitelistTarget(_ context.Context, params []json.RawMessage) (interface{}, error) {
	return s.editList(params, "target")
}

func (s *Server) editList(params []json.RawMessage, list string) (interface{}, error) {
	if s.admin.Whitelist == nil {
		return nil, fmt.Errorf("%w: whitelist strategy", errNotConfigured)
	}
	var (
		addr types.Address
		add  bool
	)
	if err := parseParams(params, &addr, &add); err != nil {
		return nil, err
	}
	w := s.admin.Whitelist
	switch {
	case list == "sender" && add:
		w.AddSender(addr)
	case list == "sender":
		w.RemoveSender(addr)
	case add:
		w.AddTarget(addr)
	default:
		w.RemoveTarget(addr)
	}
	s.log.Info("whitelist updated", "list", list, "addr", addr, "add", add)
	return true, nil
}

// enableWhitelist takes ("sender"|"target", enabled bool).
func (s *Server) enableWhitelist(_ context.Context, params []json.RawMessage) (interface{}, error) {
	if s.admin.Whitelist == nil {
		return nil, fmt.Errorf("%w: whitelist strategy", errNotConfigured)
	}
	var (
		list    string
		enabled bool
	)
	if err := parseParams(params, &list, &enabled); err != nil {
		return nil, err
	}
	switch list {
	case "sender":
		s.admin.Whitelist.SetSenderWhitelistEnabled(enabled)
	case "target":
		s.admin.Whitelist.SetTargetWhitelistEnabled(enabled)
	default:
		return nil, fmt.Errorf("%w: %w", errParams, errUnknownListArg)
	}
	s.log.Info("whitelist toggled", "list", list, "enabled", enabled)
	return true, nil
}

// withdraw takes (amount, dest).
func (s *Server) withdraw(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if s.admin.Ledger == nil {
		return nil, fmt.Errorf("%w: settlement ledger", errNotConfigured)
	}
	var (
		amount hexutil.Big
		dest   types.Address
	)
	if err := parseParams(params, &amount, &dest); err != nil {
		return nil, err
	}
	if err := s.admin.Ledger.Withdraw(ctx, amount.ToInt(), dest); err != nil {
		return nil, err
	}
	return true, nil
}
