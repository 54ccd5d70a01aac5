package amm_test

import (
	"math/big"
	"testing"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/tick"
)

func newTestPool(t *testing.T, feeBps int64) (*amm.VirtualExecutor, *funding.State) {
	t.Helper()
	exec := amm.NewVirtualExecutor()
	g := funding.NewState(0)
	exec.AddPool("ETH-PERP", 0, 1, feeBps, 180, tick.NewStore(), g)
	exec.BindMarkPrice(func(poolID string, now int64) (*big.Int, error) {
		return new(big.Int).Set(fpmath.Q128), nil
	})
	exec.Advance(100)
	return exec, g
}

func TestUpdateRangeMintAndBurnAmounts(t *testing.T) {
	exec, _ := newTestPool(t, 0)

	mint, err := exec.UpdateRange("ETH-PERP", -600, 600, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if mint.VTokenAmount.Sign() > 0 || mint.VQuoteAmount.Sign() > 0 {
		t.Errorf("mint amounts should charge the account: token=%s quote=%s",
			mint.VTokenAmount, mint.VQuoteAmount)
	}

	burn, err := exec.UpdateRange("ETH-PERP", -600, 600, big.NewInt(-1_000_000))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if burn.VTokenAmount.Sign() < 0 || burn.VQuoteAmount.Sign() < 0 {
		t.Errorf("burn amounts should credit the account: token=%s quote=%s",
			burn.VTokenAmount, burn.VQuoteAmount)
	}
	// Burn returns what the mint locked, up to flooring.
	tokenDiff := new(big.Int).Add(mint.VTokenAmount, burn.VTokenAmount)
	if fpmath.Abs(tokenDiff).Cmp(big.NewInt(2)) > 0 {
		t.Errorf("mint/burn token mismatch: %s", tokenDiff)
	}
}

func TestUpdateRangeRejectsMisalignedTicks(t *testing.T) {
	exec := amm.NewVirtualExecutor()
	exec.AddPool("ETH-PERP", 0, 60, 0, 180, tick.NewStore(), funding.NewState(0))
	exec.BindMarkPrice(func(poolID string, now int64) (*big.Int, error) {
		return new(big.Int).Set(fpmath.Q128), nil
	})
	exec.Advance(100)

	if _, err := exec.UpdateRange("ETH-PERP", -90, 60, big.NewInt(1000)); err == nil {
		t.Fatal("expected misaligned lower tick to fail")
	}
	if _, err := exec.UpdateRange("ETH-PERP", -60, 60, big.NewInt(1000)); err != nil {
		t.Fatalf("aligned range: %v", err)
	}
}

func TestBurnExceedingLiquidityFails(t *testing.T) {
	exec, _ := newTestPool(t, 0)
	if _, err := exec.UpdateRange("ETH-PERP", -600, 600, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.UpdateRange("ETH-PERP", -600, 600, big.NewInt(-2000)); err == nil {
		t.Fatal("expected burn beyond range liquidity to fail")
	}
}

func TestSwapBuyMovesPriceUp(t *testing.T) {
	exec, _ := newTestPool(t, 0)
	if _, err := exec.UpdateRange("ETH-PERP", -6000, 6000, big.NewInt(10_000_000)); err != nil {
		t.Fatal(err)
	}

	before, _ := exec.SqrtPriceX96("ETH-PERP")
	res, err := exec.Swap("ETH-PERP", big.NewInt(50_000), false, nil)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	after, _ := exec.SqrtPriceX96("ETH-PERP")

	if res.VTokenIn.Cmp(big.NewInt(50_000)) != 0 {
		t.Errorf("VTokenIn = %s, want 50000", res.VTokenIn)
	}
	if res.VQuoteIn.Sign() >= 0 {
		t.Errorf("buying tokens must cost quote, got VQuoteIn = %s", res.VQuoteIn)
	}
	if after.Cmp(before) <= 0 {
		t.Error("buy should move the sqrt price up")
	}
	if res.SumBDeltaX128.Sign() >= 0 {
		t.Errorf("LP exposure delta should be negative on a buy, got %s", res.SumBDeltaX128)
	}
}

// Exact-amount swaps must fill the request to the last unit, whatever the
// flooring of the intermediate sqrt price does.
func TestSwapFillsExactTokenAmount(t *testing.T) {
	exec, _ := newTestPool(t, 0)
	if _, err := exec.UpdateRange("ETH-PERP", -6000, 6000, big.NewInt(10_000_000)); err != nil {
		t.Fatal(err)
	}

	for _, ask := range []int64{1, 7, 50_000} {
		res, err := exec.Swap("ETH-PERP", big.NewInt(ask), false, nil)
		if err != nil {
			t.Fatalf("swap %d: %v", ask, err)
		}
		if res.VTokenIn.Cmp(big.NewInt(ask)) != 0 {
			t.Errorf("asked %d tokens, got %s", ask, res.VTokenIn)
		}
	}
}

func TestSwapSellRoundTrips(t *testing.T) {
	exec, _ := newTestPool(t, 0)
	if _, err := exec.UpdateRange("ETH-PERP", -6000, 6000, big.NewInt(10_000_000)); err != nil {
		t.Fatal(err)
	}

	buy, err := exec.Swap("ETH-PERP", big.NewInt(40_000), false, nil)
	if err != nil {
		t.Fatal(err)
	}
	sell, err := exec.Swap("ETH-PERP", big.NewInt(-40_000), false, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Selling back recovers the quote paid, minus flooring.
	net := new(big.Int).Add(buy.VQuoteIn, sell.VQuoteIn)
	if net.Sign() > 0 {
		t.Errorf("round trip cannot profit the taker: net quote %s", net)
	}
	if fpmath.Abs(net).Cmp(big.NewInt(10)) > 0 {
		t.Errorf("round trip slippage too large with no fee: %s", net)
	}
}

func TestSwapChargesFee(t *testing.T) {
	noFee, _ := newTestPool(t, 0)
	withFee, _ := newTestPool(t, 30) // 30 bps

	for _, e := range []*amm.VirtualExecutor{noFee, withFee} {
		if _, err := e.UpdateRange("ETH-PERP", -6000, 6000, big.NewInt(10_000_000)); err != nil {
			t.Fatal(err)
		}
	}

	free, err := noFee.Swap("ETH-PERP", big.NewInt(50_000), false, nil)
	if err != nil {
		t.Fatal(err)
	}
	paid, err := withFee.Swap("ETH-PERP", big.NewInt(50_000), false, nil)
	if err != nil {
		t.Fatal(err)
	}

	if paid.VQuoteIn.Cmp(free.VQuoteIn) >= 0 {
		t.Errorf("fee swap should cost more: fee=%s free=%s", paid.VQuoteIn, free.VQuoteIn)
	}
	if paid.LiquidityFees.Sign() <= 0 {
		t.Errorf("LiquidityFees = %s, want positive", paid.LiquidityFees)
	}
	if free.LiquidityFees.Sign() != 0 {
		t.Errorf("no-fee pool accrued fees: %s", free.LiquidityFees)
	}
}

func TestSwapNotionalSpendsQuote(t *testing.T) {
	exec, _ := newTestPool(t, 0)
	if _, err := exec.UpdateRange("ETH-PERP", -6000, 6000, big.NewInt(10_000_000)); err != nil {
		t.Fatal(err)
	}

	res, err := exec.Swap("ETH-PERP", big.NewInt(30_000), true, nil)
	if err != nil {
		t.Fatalf("notional swap: %v", err)
	}
	if res.VTokenIn.Sign() <= 0 {
		t.Errorf("notional buy should receive tokens, got %s", res.VTokenIn)
	}
	// Quote spent equals the notional, up to flooring.
	if fpmath.Abs(new(big.Int).Add(res.VQuoteIn, big.NewInt(30_000))).Cmp(big.NewInt(5)) > 0 {
		t.Errorf("VQuoteIn = %s, want about -30000", res.VQuoteIn)
	}
}

func TestSwapWithoutLiquidityFails(t *testing.T) {
	exec, _ := newTestPool(t, 0)
	if _, err := exec.Swap("ETH-PERP", big.NewInt(100), false, nil); err == nil {
		t.Fatal("expected swap in empty pool to fail")
	}
}

func TestSwapCrossesTickBoundary(t *testing.T) {
	exec, _ := newTestPool(t, 0)
	// Thin inner band, wide outer band: a large buy must cross out of the
	// inner band and keep filling from the outer one.
	if _, err := exec.UpdateRange("ETH-PERP", -60, 60, big.NewInt(1_000_000)); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.UpdateRange("ETH-PERP", -12000, 12000, big.NewInt(1_000_000)); err != nil {
		t.Fatal(err)
	}

	res, err := exec.Swap("ETH-PERP", big.NewInt(20_000), false, nil)
	if err != nil {
		t.Fatalf("crossing swap: %v", err)
	}
	if res.VTokenIn.Cmp(big.NewInt(20_000)) != 0 {
		t.Errorf("VTokenIn = %s, want 20000", res.VTokenIn)
	}
	ct, _ := exec.CurrentTick("ETH-PERP")
	if ct < 60 {
		t.Errorf("current tick = %d, want boundary 60 crossed", ct)
	}
}

func TestSnapshotRestoreRewindsPoolAndTicks(t *testing.T) {
	exec := amm.NewVirtualExecutor()
	ticks := tick.NewStore()
	exec.AddPool("ETH-PERP", 0, 1, 0, 180, ticks, funding.NewState(0))
	exec.BindMarkPrice(func(poolID string, now int64) (*big.Int, error) {
		return new(big.Int).Set(fpmath.Q128), nil
	})
	exec.Advance(100)

	if _, err := exec.UpdateRange("ETH-PERP", -60, 60, big.NewInt(1_000_000)); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.UpdateRange("ETH-PERP", -12000, 12000, big.NewInt(1_000_000)); err != nil {
		t.Fatal(err)
	}

	snap, err := exec.Snapshot("ETH-PERP")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	before, _ := exec.SqrtPriceX96("ETH-PERP")

	// Cross the inner band's upper boundary, then rewind.
	if _, err := exec.Swap("ETH-PERP", big.NewInt(20_000), false, nil); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if ticks.Crossings(60) != 1 {
		t.Fatalf("crossings(60) = %d, want 1", ticks.Crossings(60))
	}
	exec.Restore(snap)

	after, _ := exec.SqrtPriceX96("ETH-PERP")
	if after.Cmp(before) != 0 {
		t.Errorf("sqrt price not rewound: %s != %s", after, before)
	}
	if ct, _ := exec.CurrentTick("ETH-PERP"); ct != 0 {
		t.Errorf("current tick = %d, want 0", ct)
	}
	if ticks.Crossings(60) != 0 {
		t.Errorf("crossings(60) = %d, want 0 after rewind", ticks.Crossings(60))
	}

	// The rewound pool must replay the same swap identically.
	res, err := exec.Swap("ETH-PERP", big.NewInt(20_000), false, nil)
	if err != nil {
		t.Fatalf("replayed swap: %v", err)
	}
	if res.VTokenIn.Cmp(big.NewInt(20_000)) != 0 {
		t.Errorf("replayed VTokenIn = %s, want 20000", res.VTokenIn)
	}
}

func TestTwapReflectsHistory(t *testing.T) {
	exec, _ := newTestPool(t, 0)
	if _, err := exec.UpdateRange("ETH-PERP", -12000, 12000, big.NewInt(10_000_000)); err != nil {
		t.Fatal(err)
	}

	spot0, _ := exec.SqrtPriceX96("ETH-PERP")

	exec.Advance(200)
	if _, err := exec.Swap("ETH-PERP", big.NewInt(500_000), false, nil); err != nil {
		t.Fatal(err)
	}
	spot1, _ := exec.SqrtPriceX96("ETH-PERP")

	exec.Advance(290)
	twap, err := exec.TwapSqrtPriceX96("ETH-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if twap.Cmp(spot0) <= 0 || twap.Cmp(spot1) >= 0 {
		t.Errorf("twap %s should fall between %s and %s", twap, spot0, spot1)
	}
}
