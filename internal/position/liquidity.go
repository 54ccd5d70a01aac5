package position

import (
	"errors"
	"fmt"
	"math/big"

	"PerpClearing/internal/amm"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/tick"
)

// LimitOrderType marks a range as a one-shot limit order removable by a
// keeper once the price leaves the range on the order's side.
type LimitOrderType uint8

const (
	LimitOrderNone LimitOrderType = iota
	LimitOrderLower
	LimitOrderUpper
)

func (l LimitOrderType) String() string {
	switch l {
	case LimitOrderLower:
		return "Lower"
	case LimitOrderUpper:
		return "Upper"
	default:
		return "None"
	}
}

// ParseLimitOrderType maps the wire names used by the ingestion layer.
func ParseLimitOrderType(s string) (LimitOrderType, error) {
	switch s {
	case "", "none":
		return LimitOrderNone, nil
	case "lower":
		return LimitOrderLower, nil
	case "upper":
		return LimitOrderUpper, nil
	default:
		return LimitOrderNone, fmt.Errorf("unknown limit order type %q", s)
	}
}

var ErrAlreadyInitialized = errors.New("liquidity position slot already initialized")

// LiquidityPosition is one account's stake in one tick range of one pool.
// The four *Last fields checkpoint the inside-range accumulators at the
// position's previous touch; accrual is realized against them before any
// checkpoint update.
type LiquidityPosition struct {
	TickLower      int32
	TickUpper      int32
	LimitOrderType LimitOrderType
	Liquidity      *big.Int

	SumALastX128         *big.Int
	SumBInsideLastX128   *big.Int
	SumFpInsideLastX128  *big.Int
	SumFeeInsideLastX128 *big.Int

	initialized bool
}

// Initialize claims the slot for a (tickLower, tickUpper, limitOrderType)
// signature. Fails on a second call to the same slot.
func (p *LiquidityPosition) Initialize(tickLower, tickUpper int32, limitOrderType LimitOrderType) error {
	if p.initialized {
		return ErrAlreadyInitialized
	}
	p.TickLower = tickLower
	p.TickUpper = tickUpper
	p.LimitOrderType = limitOrderType
	p.Liquidity = new(big.Int)
	p.SumALastX128 = new(big.Int)
	p.SumBInsideLastX128 = new(big.Int)
	p.SumFpInsideLastX128 = new(big.Int)
	p.SumFeeInsideLastX128 = new(big.Int)
	p.initialized = true
	return nil
}

func (p *LiquidityPosition) Initialized() bool {
	return p.initialized
}

// UpdateCheckpoints overwrites the stored inside-range view. Accrued
// funding and fees must be read first; this does not change liquidity.
func (p *LiquidityPosition) UpdateCheckpoints(v tick.Values) {
	p.SumALastX128.Set(v.SumAX128)
	p.SumBInsideLastX128.Set(v.SumBInsideX128)
	p.SumFpInsideLastX128.Set(v.SumFpInsideX128)
	p.SumFeeInsideLastX128.Set(v.SumFeeInsideX128)
}

// LiquidityChange applies a signed delta. Removal beyond the existing
// amount is an arithmetic violation.
func (p *LiquidityPosition) LiquidityChange(delta *big.Int) error {
	next, err := fpmath.AddLiquidityDelta(p.Liquidity, delta)
	if err != nil {
		return err
	}
	p.Liquidity = next
	return nil
}

// AccruedFundingAndFee realizes the position's share of funding and fees
// since the last checkpoint, as signed credits to the owning account's
// quote balance. Both floor, so credits are never overstated. Read before
// UpdateCheckpoints for the same touch.
func (p *LiquidityPosition) AccruedFundingAndFee(v tick.Values) (fundingPayment, fee *big.Int) {
	deltaFp := new(big.Int).Sub(v.SumFpInsideX128, p.SumFpInsideLastX128)
	deltaFee := new(big.Int).Sub(v.SumFeeInsideX128, p.SumFeeInsideLastX128)
	return fpmath.MulQ128(p.Liquidity, deltaFp), fpmath.MulQ128(p.Liquidity, deltaFee)
}

// MarketValue prices the range's holdings at the current sqrt price in
// quote units, clamping the notional to [tickLower, tickUpper].
func (p *LiquidityPosition) MarketValue(sqrtPriceCurrentX96 *big.Int) *big.Int {
	base, quote := amm.RangeAmounts(
		p.Liquidity,
		amm.SqrtPriceAtTick(p.TickLower),
		amm.SqrtPriceAtTick(p.TickUpper),
		sqrtPriceCurrentX96,
	)
	priceX128 := amm.PriceX128FromSqrtX96(sqrtPriceCurrentX96)
	return new(big.Int).Add(quote, fpmath.MulQ128(base, priceX128))
}

// MaxNetPosition is the worst-case one-sided base exposure of the range:
// the full base amount if price fell through the lower edge.
func (p *LiquidityPosition) MaxNetPosition() *big.Int {
	return amm.Amount0Delta(
		amm.SqrtPriceAtTick(p.TickLower),
		amm.SqrtPriceAtTick(p.TickUpper),
		p.Liquidity,
	)
}
