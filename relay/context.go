package relay

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/eth2030/tokenrelay/core/types"
)

const (
	sessionIDLength = 16
	settlementLen   = sessionIDLength + types.AddressLength + 32
)

// AdmissionContext is produced by Accept and consumed by PreSettle:
// sessionID(16) || strategy context.
type AdmissionContext []byte

// SettlementContext is produced by PreSettle and consumed by PostSettle:
// sessionID(16) || payer(20) || tokenPrecharge(32).
type SettlementContext []byte

func encodeAdmission(id uuid.UUID, strategyCtx []byte) AdmissionContext {
	out := make([]byte, 0, sessionIDLength+len(strategyCtx))
	out = append(out, id[:]...)
	return append(out, strategyCtx...)
}

func decodeAdmission(b AdmissionContext) (uuid.UUID, []byte, error) {
	if len(b) < sessionIDLength {
		return uuid.Nil, nil, fmt.Errorf("%w: admission context of %d bytes", ErrMalformedContext, len(b))
	}
	id, _ := uuid.FromBytes(b[:sessionIDLength])
	return id, b[sessionIDLength:], nil
}

func encodeSettlement(id uuid.UUID, payer types.Address, precharge *big.Int) SettlementContext {
	out := make([]byte, settlementLen)
	copy(out, id[:])
	copy(out[sessionIDLength:], payer[:])
	if precharge != nil {
		precharge.FillBytes(out[sessionIDLength+types.AddressLength:])
	}
	return out
}

func decodeSettlement(b SettlementContext) (uuid.UUID, types.Address, *big.Int, error) {
	if len(b) != settlementLen {
		return uuid.Nil, types.Address{}, nil, fmt.Errorf("%w: settlement context of %d bytes", ErrMalformedContext, len(b))
	}
	id, _ := uuid.FromBytes(b[:sessionIDLength])
	payer := types.BytesToAddress(b[sessionIDLength : sessionIDLength+types.AddressLength])
	precharge := new(big.Int).SetBytes(b[sessionIDLength+types.AddressLength:])
	return id, payer, precharge, nil
}
