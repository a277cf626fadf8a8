package oracle

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Fee is a swap fee expressed as the fraction of input that reaches the
// pool: Numerator/Denominator. Uniswap V2 charges 0.3%, i.e. 997/1000.
type Fee struct {
	Numerator   uint64
	Denominator uint64
}

var (
	// DefaultFee is the 0.3% constant-product pool fee.
	DefaultFee = Fee{Numerator: 997, Denominator: 1000}
	// NoFee prices against the bare x*y=k curve.
	NoFee = Fee{Numerator: 1000, Denominator: 1000}
)

// Validate checks 0 < Numerator <= Denominator.
func (f Fee) Validate() error {
	if f.Numerator == 0 || f.Denominator == 0 || f.Numerator > f.Denominator {
		return ErrInvalidFee
	}
	return nil
}

// GetAmountIn returns the input amount needed to buy exactly amountOut from
// a constant-product pool holding reserveIn/reserveOut:
//
//	floor(reserveIn * amountOut * den / ((reserveOut - amountOut) * num)) + 1
//
// The trailing +1 rounds in the pool's favour, so the result never
// under-pays. A zero amountOut costs nothing.
func GetAmountIn(amountOut, reserveIn, reserveOut *big.Int, fee Fee) (*big.Int, error) {
	if err := fee.Validate(); err != nil {
		return nil, err
	}
	if amountOut == nil || amountOut.Sign() < 0 || reserveIn == nil || reserveOut == nil {
		return nil, ErrInvalidAmount
	}
	if amountOut.Sign() == 0 {
		return new(big.Int), nil
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 || amountOut.Cmp(reserveOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}

	out, overflow := uint256.FromBig(amountOut)
	if overflow {
		return nil, ErrQuoteOverflow
	}
	rIn, overflow := uint256.FromBig(reserveIn)
	if overflow {
		return nil, ErrQuoteOverflow
	}
	rOut, overflow := uint256.FromBig(reserveOut)
	if overflow {
		return nil, ErrQuoteOverflow
	}

	numerator, overflow := new(uint256.Int).MulOverflow(rIn, out)
	if overflow {
		return nil, ErrQuoteOverflow
	}
	if _, overflow = numerator.MulOverflow(numerator, uint256.NewInt(fee.Denominator)); overflow {
		return nil, ErrQuoteOverflow
	}
	denominator := new(uint256.Int).Sub(rOut, out)
	if _, overflow = denominator.MulOverflow(denominator, uint256.NewInt(fee.Numerator)); overflow {
		return nil, ErrQuoteOverflow
	}
	amountIn := new(uint256.Int).Div(numerator, denominator)
	if _, overflow = amountIn.AddOverflow(amountIn, uint256.NewInt(1)); overflow {
		return nil, ErrQuoteOverflow
	}
	return amountIn.ToBig(), nil
}
