package math

import (
	"fmt"
	"math/big"
)

// Fixed-point bases. Prices and cumulative funding sums are Q128,
// square-root prices are Q96 (AMM convention), basis points are 1e4.
var (
	Q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	Q128 = new(big.Int).Lsh(big.NewInt(1), 128)

	BpsDenominator = big.NewInt(10_000)
)

// RoundingMode selects the rounding direction of a division.
// Funding and fee realization round toward negative infinity so the
// engine never credits more than accrued; liquidation fees truncate.
type RoundingMode int

const (
	RoundFloor RoundingMode = iota // toward negative infinity
	RoundTrunc                     // toward zero
	RoundCeil                      // toward positive infinity
)

// ArithmeticError is a checked-arithmetic violation. The whole calling
// operation is rejected when one surfaces.
type ArithmeticError struct {
	Op     string
	Detail string
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("arithmetic violation in %s: %s", e.Op, e.Detail)
}

// Div divides n by d with the given rounding mode.
func Div(n, d *big.Int, mode RoundingMode) (*big.Int, error) {
	if d.Sign() == 0 {
		return nil, &ArithmeticError{Op: "div", Detail: "division by zero"}
	}
	q := new(big.Int)
	r := new(big.Int)
	q.QuoRem(n, d, r) // truncated division

	if r.Sign() == 0 {
		return q, nil
	}
	negative := (n.Sign() < 0) != (d.Sign() < 0)
	switch mode {
	case RoundFloor:
		if negative {
			q.Sub(q, big.NewInt(1))
		}
	case RoundCeil:
		if !negative {
			q.Add(q, big.NewInt(1))
		}
	case RoundTrunc:
		// already truncated
	}
	return q, nil
}

// MulDiv computes a*b/d without intermediate overflow.
func MulDiv(a, b, d *big.Int, mode RoundingMode) (*big.Int, error) {
	n := new(big.Int).Mul(a, b)
	return Div(n, d, mode)
}

// MulQ128 computes amount*valueQ128/2^128, flooring. This is the workhorse
// for converting Q128 prices and per-liquidity sums into token amounts.
func MulQ128(amount, valueQ128 *big.Int) *big.Int {
	out, _ := MulDiv(amount, valueQ128, Q128, RoundFloor)
	return out
}

// MulQ128Trunc is MulQ128 rounding toward zero.
func MulQ128Trunc(amount, valueQ128 *big.Int) *big.Int {
	out, _ := MulDiv(amount, valueQ128, Q128, RoundTrunc)
	return out
}

// MulBps computes amount*bps/10_000, truncating.
func MulBps(amount *big.Int, bps int64) *big.Int {
	out, _ := MulDiv(amount, big.NewInt(bps), BpsDenominator, RoundTrunc)
	return out
}

// Abs returns |v| as a fresh value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Neg returns -v as a fresh value.
func Neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(v)
}

// Min returns the smaller of a and b (shared, not copied).
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b (shared, not copied).
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
