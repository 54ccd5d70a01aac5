package position_test

import (
	"math/big"
	"testing"

	"PerpClearing/internal/amm"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/position"
	"PerpClearing/internal/tick"
)

func q128(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), fpmath.Q128)
}

func values(sumA, sumB, sumFp, sumFee *big.Int) tick.Values {
	return tick.Values{
		SumAX128:         sumA,
		SumBInsideX128:   sumB,
		SumFpInsideX128:  sumFp,
		SumFeeInsideX128: sumFee,
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	var p position.LiquidityPosition
	if err := p.Initialize(-100, 100, position.LimitOrderNone); err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	if err := p.Initialize(-100, 100, position.LimitOrderNone); err != position.ErrAlreadyInitialized {
		t.Errorf("second initialize got %v, want ErrAlreadyInitialized", err)
	}
}

func TestLiquidityChangeUnderflow(t *testing.T) {
	var p position.LiquidityPosition
	if err := p.Initialize(-100, 100, position.LimitOrderNone); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.LiquidityChange(big.NewInt(5)); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if err := p.LiquidityChange(big.NewInt(-6)); err == nil {
		t.Error("removing more than existing liquidity should fail")
	}
	if p.Liquidity.Int64() != 5 {
		t.Errorf("failed change must not mutate liquidity, got %s", p.Liquidity)
	}
}

func TestAccruedFundingAndFee(t *testing.T) {
	var p position.LiquidityPosition
	if err := p.Initialize(-100, 100, position.LimitOrderNone); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.LiquidityChange(big.NewInt(10)); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	v := values(q128(1), q128(2), q128(3), q128(4))
	fundingPayment, fee := p.AccruedFundingAndFee(v)
	if fundingPayment.Int64() != 30 {
		t.Errorf("funding payment got %s, want 30", fundingPayment)
	}
	if fee.Int64() != 40 {
		t.Errorf("fee got %s, want 40", fee)
	}
}

// Calling UpdateCheckpoints twice with the same values must accrue zero the
// second time.
func TestCheckpointIdempotence(t *testing.T) {
	var p position.LiquidityPosition
	if err := p.Initialize(-100, 100, position.LimitOrderNone); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.LiquidityChange(big.NewInt(7)); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	v := values(q128(5), q128(11), q128(13), q128(17))
	p.UpdateCheckpoints(v)

	fundingPayment, fee := p.AccruedFundingAndFee(v)
	if fundingPayment.Sign() != 0 || fee.Sign() != 0 {
		t.Errorf("second accrual against same values got funding=%s fee=%s, want zero", fundingPayment, fee)
	}
}

func TestMarketValueClamping(t *testing.T) {
	var p position.LiquidityPosition
	if err := p.Initialize(-100, 100, position.LimitOrderNone); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.LiquidityChange(big.NewInt(1_000_000)); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	// Far above the range the whole position is quote: value stops growing.
	atUpper := p.MarketValue(amm.SqrtPriceAtTick(100))
	farAbove := p.MarketValue(amm.SqrtPriceAtTick(5000))
	if atUpper.Cmp(farAbove) != 0 {
		t.Errorf("value above the range must be clamped: at upper %s, far above %s", atUpper, farAbove)
	}

	inside := p.MarketValue(amm.SqrtPriceAtTick(0))
	if inside.Sign() <= 0 {
		t.Error("in-range position should have positive market value")
	}
}

func TestMaxNetPosition(t *testing.T) {
	var p position.LiquidityPosition
	if err := p.Initialize(-100, 100, position.LimitOrderNone); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.LiquidityChange(big.NewInt(1_000_000)); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	want := amm.Amount0Delta(amm.SqrtPriceAtTick(-100), amm.SqrtPriceAtTick(100), big.NewInt(1_000_000))
	if got := p.MaxNetPosition(); got.Cmp(want) != 0 {
		t.Errorf("max net position got %s, want %s", got, want)
	}
}
