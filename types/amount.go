package types

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BpsDenominator is 100% in basis points
const BpsDenominator = 10_000

var weiPerEther = decimal.New(1, 18)

// Add returns a+b or ErrOverflow
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Sub returns a-b or ErrOverflow when b > a
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Mul returns a*b or ErrOverflow
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// MulDiv returns floor(a*b/d) with a 512-bit intermediate
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrOverflow
	}
	out, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// ApplyBps returns x * (10000 - bps) / 10000, the minimum accepted after slippage
func ApplyBps(x *uint256.Int, bps int) (*uint256.Int, error) {
	if bps < 0 || bps > BpsDenominator {
		return nil, ErrOverflow
	}
	return MulDiv(x, uint256.NewInt(uint64(BpsDenominator-bps)), uint256.NewInt(BpsDenominator))
}

// Fraction returns x * pct for 0 <= pct <= 1, rounded down to 1e-6 precision
func Fraction(x *uint256.Int, pct decimal.Decimal) (*uint256.Int, error) {
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrOverflow
	}
	ppm := pct.Mul(decimal.NewFromInt(1_000_000)).Floor().IntPart()
	return MulDiv(x, uint256.NewInt(uint64(ppm)), uint256.NewInt(1_000_000))
}

// ToDecimal converts a wei amount to a decimal integer
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), 0)
}

// ToEther scales a wei amount down by 1e18
func ToEther(x *uint256.Int) decimal.Decimal {
	return ToDecimal(x).Div(weiPerEther)
}

// FromDecimal converts a non-negative decimal (truncated) into wei
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrOverflow
	}
	out, overflow := uint256.FromBig(d.Truncate(0).BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// FromBig converts a big.Int, rejecting negatives and values over 256 bits
func FromBig(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return new(uint256.Int), nil
	}
	if b.Sign() < 0 {
		return nil, ErrOverflow
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Gwei returns n gwei in wei
func Gwei(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000))
}

// Price returns base-wei per token-wei as a decimal ratio
func Price(base, tokens *uint256.Int) decimal.Decimal {
	if tokens == nil || tokens.IsZero() {
		return decimal.Zero
	}
	return ToDecimal(base).DivRound(ToDecimal(tokens), 36)
}

// SignedDiff returns a-b as a decimal (may be negative)
func SignedDiff(a, b *uint256.Int) decimal.Decimal {
	return ToDecimal(a).Sub(ToDecimal(b))
}
