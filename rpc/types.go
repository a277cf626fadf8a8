// Package rpc exposes the relay lifecycle and its admin operations over
// JSON-RPC 2.0 on HTTP.
package rpc

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/relay"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes. The -3200x range carries the relay's failure classes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	ErrCodeRejected     = -32001
	ErrCodeInvariant    = -32002
	ErrCodeExternal     = -32003
	ErrCodeUnauthorized = -32004
	ErrCodeRateLimited  = -32005
)

// RelayRequestArgs is the wire form of a relay request.
type RelayRequestArgs struct {
	From          types.Address  `json:"from"`
	To            types.Address  `json:"to"`
	Value         *hexutil.Big   `json:"value,omitempty"`
	Nonce         hexutil.Uint64 `json:"nonce"`
	Gas           hexutil.Uint64 `json:"gas"`
	GasPrice      *hexutil.Big   `json:"gasPrice"`
	Data          hexutil.Bytes  `json:"data,omitempty"`
	AdmissionData hexutil.Bytes  `json:"admissionData,omitempty"`
}

// ToRequest converts the wire form to a RelayRequest.
func (a *RelayRequestArgs) ToRequest() *types.RelayRequest {
	return &types.RelayRequest{
		From:          a.From,
		To:            a.To,
		Value:         a.Value.ToInt(),
		Nonce:         uint64(a.Nonce),
		GasLimit:      uint64(a.Gas),
		GasPrice:      a.GasPrice.ToInt(),
		Data:          a.Data,
		AdmissionData: a.AdmissionData,
	}
}

// ChargeResult is the wire form of a Charge.
type ChargeResult struct {
	NativeCost  *hexutil.Big `json:"nativeCost"`
	TokenAmount *hexutil.Big `json:"tokenAmount"`
}

func newChargeResult(c types.Charge) ChargeResult {
	return ChargeResult{NativeCost: bigOrZero(c.NativeCost), TokenAmount: bigOrZero(c.TokenAmount)}
}

// AdmitResult is returned by relay_admit.
type AdmitResult struct {
	AdmissionContext  hexutil.Bytes `json:"admissionContext"`
	SettlementContext hexutil.Bytes `json:"settlementContext"`
}

// ReceiptResult is returned by relay_postSettle.
type ReceiptResult struct {
	Session    uuid.UUID     `json:"session"`
	Payer      types.Address `json:"payer"`
	Precharge  ChargeResult  `json:"precharge"`
	Postcharge ChargeResult  `json:"postcharge"`
	Refund     *hexutil.Big  `json:"refund"`
}

func newReceiptResult(r *relay.Receipt) *ReceiptResult {
	return &ReceiptResult{
		Session:    r.SessionID,
		Payer:      r.Payer,
		Precharge:  newChargeResult(r.Precharge),
		Postcharge: newChargeResult(r.Postcharge),
		Refund:     bigOrZero(r.Refund),
	}
}

// PendingResult describes a reserved, unsettled session.
type PendingResult struct {
	Session           uuid.UUID      `json:"session"`
	Payer             types.Address  `json:"payer"`
	Precharge         ChargeResult   `json:"precharge"`
	ReservedAt        hexutil.Uint64 `json:"reservedAt"`
	SettlementContext hexutil.Bytes  `json:"settlementContext"`
}

func bigOrZero(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(v)
}
