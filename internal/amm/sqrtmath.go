package amm

import (
	"math/big"

	fpmath "PerpClearing/internal/math"
)

// Tick bounds of the virtual pools.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

// SqrtPriceAtTick returns sqrt(1.0001^tick) in Q96. Computed with 256-bit
// floating-point intermediates; the engine only needs a monotone,
// deterministic conversion for range clamping and margin bounds, not the
// AMM's bit-level tick math (swap execution is the collaborator's job).
func SqrtPriceAtTick(t int32) *big.Int {
	if t < MinTick {
		t = MinTick
	}
	if t > MaxTick {
		t = MaxTick
	}
	base := new(big.Float).SetPrec(256).SetFloat64(1.0001)

	// sqrt(1.0001^t) = 1.0001^(t/2): square-and-multiply on the integer
	// half, one extra sqrt factor for odd ticks.
	price := powFloat(base, t/2)
	if t%2 != 0 {
		root := new(big.Float).SetPrec(256).Sqrt(base)
		if t > 0 {
			price.Mul(price, root)
		} else {
			price.Quo(price, root)
		}
	}

	price.Mul(price, new(big.Float).SetPrec(256).SetInt(fpmath.Q96))
	out, _ := price.Int(nil)
	return out
}

// powFloat computes base^exp for signed integer exponents.
func powFloat(base *big.Float, exp int32) *big.Float {
	result := new(big.Float).SetPrec(256).SetInt64(1)
	b := new(big.Float).SetPrec(256).Set(base)
	n := exp
	if n < 0 {
		n = -n
	}
	for n > 0 {
		if n&1 == 1 {
			result.Mul(result, b)
		}
		b.Mul(b, b)
		n >>= 1
	}
	if exp < 0 {
		one := new(big.Float).SetPrec(256).SetInt64(1)
		result.Quo(one, result)
	}
	return result
}

// PriceX128FromSqrtX96 squares a Q96 sqrt price into a Q128 price.
func PriceX128FromSqrtX96(sqrtPriceX96 *big.Int) *big.Int {
	sq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96) // Q192
	return new(big.Int).Rsh(sq, 64)                    // Q192 -> Q128
}

// Amount0Delta is the base-token amount held by liquidity between two
// sqrt prices: L·(sqrtB − sqrtA)·2^96 / (sqrtA·sqrtB). Floors.
func Amount0Delta(sqrtAX96, sqrtBX96, liquidity *big.Int) *big.Int {
	if sqrtAX96.Cmp(sqrtBX96) > 0 {
		sqrtAX96, sqrtBX96 = sqrtBX96, sqrtAX96
	}
	num := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtBX96, sqrtAX96))
	num.Mul(num, fpmath.Q96)
	den := new(big.Int).Mul(sqrtAX96, sqrtBX96)
	out, _ := fpmath.Div(num, den, fpmath.RoundFloor)
	return out
}

// Amount1Delta is the quote-token amount held by liquidity between two
// sqrt prices: L·(sqrtB − sqrtA) / 2^96. Floors.
func Amount1Delta(sqrtAX96, sqrtBX96, liquidity *big.Int) *big.Int {
	if sqrtAX96.Cmp(sqrtBX96) > 0 {
		sqrtAX96, sqrtBX96 = sqrtBX96, sqrtAX96
	}
	num := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtBX96, sqrtAX96))
	out, _ := fpmath.Div(num, fpmath.Q96, fpmath.RoundFloor)
	return out
}

// RangeAmounts returns the (base, quote) token amounts a range holds at the
// given current sqrt price, clamped to the range boundaries.
func RangeAmounts(liquidity, sqrtLowerX96, sqrtUpperX96, sqrtCurrentX96 *big.Int) (base, quote *big.Int) {
	switch {
	case sqrtCurrentX96.Cmp(sqrtLowerX96) <= 0:
		return Amount0Delta(sqrtLowerX96, sqrtUpperX96, liquidity), new(big.Int)
	case sqrtCurrentX96.Cmp(sqrtUpperX96) >= 0:
		return new(big.Int), Amount1Delta(sqrtLowerX96, sqrtUpperX96, liquidity)
	default:
		return Amount0Delta(sqrtCurrentX96, sqrtUpperX96, liquidity),
			Amount1Delta(sqrtLowerX96, sqrtCurrentX96, liquidity)
	}
}
