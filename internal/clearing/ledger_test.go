package clearing_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/clearing"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/position"
	"PerpClearing/internal/testutil"
)

const (
	poolETH    = "ETH-PERP"
	poolBTC    = "BTC-PERP"
	oracleETH  = "eth-usd"
	oracleBTC  = "btc-usd"
	oracleUSDC = "usdc-usd"
	oracleWETH = "weth-usd"
)

func priceX128(p int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(p), fpmath.Q128)
}

type fixture struct {
	ledger *clearing.Ledger
	amm    *testutil.ScriptedAMM
	oracle *oracle.Fixed
	proto  *clearing.Protocol
}

func newFixture(t *testing.T, initialBps, maintenanceBps int64) *fixture {
	t.Helper()
	scripted := testutil.NewScriptedAMM()
	fixed := oracle.NewFixed()
	proto := clearing.NewProtocol(scripted, fixed)
	proto.RegisterCollateral(&clearing.CollateralSettings{CollateralID: "USDC", OracleID: oracleUSDC})
	proto.RegisterCollateral(&clearing.CollateralSettings{CollateralID: "WETH", OracleID: oracleWETH})
	proto.RegisterPool(&clearing.PoolSettings{
		PoolID:                    poolETH,
		OracleID:                  oracleETH,
		InitialMarginRatioBps:     initialBps,
		MaintenanceMarginRatioBps: maintenanceBps,
		TwapDuration:              300,
	})
	fixed.Set(oracleUSDC, priceX128(1))
	fixed.Set(oracleWETH, priceX128(1000))
	fixed.Set(oracleETH, priceX128(4000))
	return &fixture{
		ledger: clearing.NewLedger(proto),
		amm:    scripted,
		oracle: fixed,
		proto:  proto,
	}
}

func (f *fixture) fundedAccount(t *testing.T, collateralID string, amount int64) uint64 {
	t.Helper()
	id := f.ledger.CreateAccount(uuid.New())
	if err := f.ledger.AddMargin(id, collateralID, big.NewInt(amount)); err != nil {
		t.Fatalf("add margin: %v", err)
	}
	return id
}

func TestCreateAccountIDsMonotonic(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	first := f.ledger.CreateAccount(uuid.New())
	second := f.ledger.CreateAccount(uuid.New())
	if first != 1 || second != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", first, second)
	}
	if _, err := f.ledger.Account(99); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestAddMarginValidation(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	id := f.ledger.CreateAccount(uuid.New())

	if err := f.ledger.AddMargin(id, "USDC", big.NewInt(0)); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if err := f.ledger.AddMargin(id, "DOGE", big.NewInt(100)); err == nil {
		t.Fatal("expected error for unknown collateral")
	}
	if err := f.ledger.AddMargin(id, "USDC", big.NewInt(250)); err != nil {
		t.Fatalf("add margin: %v", err)
	}
	bal, err := f.ledger.DepositBalance(id, "USDC")
	if err != nil {
		t.Fatalf("deposit balance: %v", err)
	}
	if bal.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("balance = %s, want 250", bal)
	}
}

// The token/range scenario: deposit 100 WETH priced 1000, two swaps of 10
// tokens at mark 4000, then add 5 liquidity spanning [-100, 100]. Each
// step's balances must come out to the exact documented values.
func TestSwapAndRangeAccounting(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	id := f.fundedAccount(t, "WETH", 100)
	now := int64(1_000)

	f.amm.QueueSwap(10, -40_000)
	if _, err := f.ledger.SwapToken(id, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("swap 1: %v", err)
	}
	a, _ := f.ledger.Account(id)
	tp := a.TokenPositions[poolETH]
	if tp.Balance.Cmp(big.NewInt(10)) != 0 || a.VQuoteBalance.Cmp(big.NewInt(-40_000)) != 0 {
		t.Fatalf("after swap 1: balance=%s quote=%s, want 10, -40000", tp.Balance, a.VQuoteBalance)
	}

	f.amm.QueueSwap(10, -40_000)
	if _, err := f.ledger.SwapToken(id, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("swap 2: %v", err)
	}
	a, _ = f.ledger.Account(id)
	tp = a.TokenPositions[poolETH]
	if tp.Balance.Cmp(big.NewInt(20)) != 0 || a.VQuoteBalance.Cmp(big.NewInt(-80_000)) != 0 {
		t.Fatalf("after swap 2: balance=%s quote=%s, want 20, -80000", tp.Balance, a.VQuoteBalance)
	}

	f.amm.QueueRange(-5, -20_000)
	err := f.ledger.UpdateRangeOrder(id, poolETH, -100, 100, big.NewInt(5), position.LimitOrderNone, false, now)
	if err != nil {
		t.Fatalf("update range: %v", err)
	}
	a, _ = f.ledger.Account(id)
	tp = a.TokenPositions[poolETH]
	if tp.Balance.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("after range: balance = %s, want 15", tp.Balance)
	}
	if tp.NetTraderPosition.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("after range: net trader position = %s, want 20 (range delta must not count)", tp.NetTraderPosition)
	}
	if a.VQuoteBalance.Cmp(big.NewInt(-100_000)) != 0 {
		t.Fatalf("after range: quote = %s, want -100000", a.VQuoteBalance)
	}
	if len(a.LiquidityPositions[poolETH]) != 1 {
		t.Fatalf("expected one liquidity position, got %d", len(a.LiquidityPositions[poolETH]))
	}
}

// Margin acceptance at the exact boundary: a 10-token long at mark 4000
// with a 20% initial ratio needs exactly 8000 of collateral.
func TestSwapMarginBoundary(t *testing.T) {
	pass := newFixture(t, 2000, 1000)
	id := pass.fundedAccount(t, "USDC", 8_000)
	pass.amm.QueueSwap(10, -40_000)
	if _, err := pass.ledger.SwapToken(id, poolETH, big.NewInt(10), false, 1_000); err != nil {
		t.Fatalf("swap at exact margin: %v", err)
	}

	fail := newFixture(t, 2000, 1000)
	id = fail.fundedAccount(t, "USDC", 7_999)
	fail.amm.QueueSwap(10, -40_000)
	_, err := fail.ledger.SwapToken(id, poolETH, big.NewInt(10), false, 1_000)
	var margin *clearing.NotEnoughMarginError
	if !errors.As(err, &margin) {
		t.Fatalf("err = %v, want NotEnoughMarginError", err)
	}

	// The failed swap must leave no trace on the account.
	a, _ := fail.ledger.Account(id)
	if a.VQuoteBalance.Sign() != 0 {
		t.Fatalf("failed swap mutated quote balance: %s", a.VQuoteBalance)
	}
	if tp, ok := a.TokenPositions[poolETH]; ok && !tp.IsFlat() {
		t.Fatalf("failed swap left a token position: %s", tp.Balance)
	}
}

func TestRemoveMarginChecksInitialMargin(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	id := f.fundedAccount(t, "USDC", 8_001)
	f.amm.QueueSwap(10, -40_000)
	if _, err := f.ledger.SwapToken(id, poolETH, big.NewInt(10), false, 1_000); err != nil {
		t.Fatalf("swap: %v", err)
	}

	if err := f.ledger.RemoveMargin(id, "USDC", big.NewInt(1), 1_000); err != nil {
		t.Fatalf("remove 1 above boundary: %v", err)
	}
	err := f.ledger.RemoveMargin(id, "USDC", big.NewInt(1), 1_000)
	var margin *clearing.NotEnoughMarginError
	if !errors.As(err, &margin) {
		t.Fatalf("err = %v, want NotEnoughMarginError", err)
	}
	bal, _ := f.ledger.DepositBalance(id, "USDC")
	if bal.Cmp(big.NewInt(8_000)) != 0 {
		t.Fatalf("balance = %s, want 8000 after failed removal", bal)
	}

	if err := f.ledger.RemoveMargin(id, "USDC", big.NewInt(9_000), 1_000); err == nil {
		t.Fatal("expected error removing more than deposited")
	}
}

func TestUpdateProfit(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	id := f.fundedAccount(t, "USDC", 1_000)

	if err := f.ledger.UpdateProfit(id, big.NewInt(100), 1_000); err != nil {
		t.Fatalf("credit profit: %v", err)
	}
	err := f.ledger.UpdateProfit(id, big.NewInt(-150), 1_000)
	var profit *clearing.NotEnoughProfitError
	if !errors.As(err, &profit) {
		t.Fatalf("err = %v, want NotEnoughProfitError", err)
	}
	if err := f.ledger.UpdateProfit(id, big.NewInt(-100), 1_000); err != nil {
		t.Fatalf("withdraw full profit: %v", err)
	}
	a, _ := f.ledger.Account(id)
	if a.VQuoteBalance.Sign() != 0 {
		t.Fatalf("quote = %s, want 0", a.VQuoteBalance)
	}
}

func TestUpdateRangeOrderRejectsMissingRangeBurn(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	id := f.fundedAccount(t, "USDC", 1_000)
	err := f.ledger.UpdateRangeOrder(id, poolETH, -100, 100, big.NewInt(-5), position.LimitOrderNone, false, 1_000)
	var inactive *clearing.InactiveRangeError
	if !errors.As(err, &inactive) {
		t.Fatalf("err = %v, want InactiveRangeError", err)
	}
}

func TestUpdateRangeOrderClosesTokenPosition(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	id := f.fundedAccount(t, "USDC", 50_000)
	now := int64(1_000)

	f.amm.QueueSwap(10, -40_000)
	if _, err := f.ledger.SwapToken(id, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("swap: %v", err)
	}

	// Burn-to-zero plus closeTokenPosition flattens the trader leg.
	f.amm.QueueRange(0, 0)
	if err := f.ledger.UpdateRangeOrder(id, poolETH, -100, 100, big.NewInt(100), position.LimitOrderNone, false, now); err != nil {
		t.Fatalf("open range: %v", err)
	}
	f.amm.QueueRange(0, 0)
	f.amm.QueueSwap(-10, 40_000)
	if err := f.ledger.UpdateRangeOrder(id, poolETH, -100, 100, big.NewInt(-100), position.LimitOrderNone, true, now); err != nil {
		t.Fatalf("close range: %v", err)
	}

	a, _ := f.ledger.Account(id)
	tp := a.TokenPositions[poolETH]
	if !tp.IsFlat() {
		t.Fatalf("position not flat: balance=%s net=%s", tp.Balance, tp.NetTraderPosition)
	}
	if a.VQuoteBalance.Sign() != 0 {
		t.Fatalf("quote = %s, want 0", a.VQuoteBalance)
	}
	if len(a.LiquidityPositions[poolETH]) != 0 {
		t.Fatal("range not removed at zero liquidity")
	}
}

func TestRemoveLimitOrder(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	owner := f.fundedAccount(t, "USDC", 10_000)
	keeper := f.fundedAccount(t, "USDC", 1_000)
	now := int64(1_000)

	f.amm.QueueRange(0, -500)
	err := f.ledger.UpdateRangeOrder(owner, poolETH, -100, 100, big.NewInt(100), position.LimitOrderUpper, false, now)
	if err != nil {
		t.Fatalf("open limit order: %v", err)
	}

	// Price still inside the range: removal must be rejected.
	f.amm.Tick = 0
	err = f.ledger.RemoveLimitOrder(owner, poolETH, -100, 100, keeper, big.NewInt(10), now)
	var ineligible *clearing.IneligibleLimitOrderRemovalError
	if !errors.As(err, &ineligible) {
		t.Fatalf("err = %v, want IneligibleLimitOrderRemovalError", err)
	}

	// Price crossed above the upper boundary: keeper may remove.
	f.amm.Tick = 150
	f.amm.QueueRange(0, 500)
	if err := f.ledger.RemoveLimitOrder(owner, poolETH, -100, 100, keeper, big.NewInt(10), now); err != nil {
		t.Fatalf("remove limit order: %v", err)
	}

	a, _ := f.ledger.Account(owner)
	if a.VQuoteBalance.Cmp(big.NewInt(-10)) != 0 {
		t.Fatalf("owner quote = %s, want -10 (-500 +500 -10 fee)", a.VQuoteBalance)
	}
	if len(a.LiquidityPositions[poolETH]) != 0 {
		t.Fatal("limit order still present after removal")
	}
	k, _ := f.ledger.Account(keeper)
	if k.VQuoteBalance.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("keeper quote = %s, want 10", k.VQuoteBalance)
	}

	// A second removal finds nothing.
	err = f.ledger.RemoveLimitOrder(owner, poolETH, -100, 100, keeper, big.NewInt(10), now)
	var inactive *clearing.InactiveRangeError
	if !errors.As(err, &inactive) {
		t.Fatalf("err = %v, want InactiveRangeError", err)
	}
}

func TestRemoveLimitOrderIgnoresPlainRanges(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	owner := f.fundedAccount(t, "USDC", 10_000)
	keeper := f.fundedAccount(t, "USDC", 1_000)

	f.amm.QueueRange(0, 0)
	if err := f.ledger.UpdateRangeOrder(owner, poolETH, -100, 100, big.NewInt(100), position.LimitOrderNone, false, 1_000); err != nil {
		t.Fatalf("open range: %v", err)
	}
	f.amm.Tick = 150
	err := f.ledger.RemoveLimitOrder(owner, poolETH, -100, 100, keeper, big.NewInt(10), 1_000)
	var inactive *clearing.InactiveRangeError
	if !errors.As(err, &inactive) {
		t.Fatalf("err = %v, want InactiveRangeError", err)
	}
}

func TestLiquidationRejectsAbovewaterAccount(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	target := f.fundedAccount(t, "USDC", 50_000)
	keeper := f.fundedAccount(t, "USDC", 10_000)
	now := int64(1_000)

	f.amm.QueueSwap(10, -40_000)
	if _, err := f.ledger.SwapToken(target, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("swap: %v", err)
	}

	_, err := f.ledger.LiquidateTokenPosition(keeper, target, poolETH, now)
	var above *clearing.AccountAbovewaterError
	if !errors.As(err, &above) {
		t.Fatalf("token liquidation err = %v, want AccountAbovewaterError", err)
	}
	_, err = f.ledger.LiquidateLiquidityPositions(target, keeper, now)
	if !errors.As(err, &above) {
		t.Fatalf("range liquidation err = %v, want AccountAbovewaterError", err)
	}
}

func TestLiquidateLiquidityPositions(t *testing.T) {
	f := newFixture(t, 1000, 500)
	target := f.fundedAccount(t, "USDC", 1_000)
	keeper := f.fundedAccount(t, "USDC", 1_000)
	now := int64(1_000)

	// Open the range while the mark is 1 so the initial check passes.
	f.oracle.Set(oracleETH, priceX128(1))
	f.amm.QueueRange(0, -950)
	err := f.ledger.UpdateRangeOrder(target, poolETH, -100, 100, big.NewInt(10_000), position.LimitOrderNone, false, now)
	if err != nil {
		t.Fatalf("open range: %v", err)
	}

	// A mark spike makes the worst-case range exposure unaffordable.
	f.oracle.Set(oracleETH, priceX128(1_000))
	f.amm.QueueRange(0, 950)
	res, err := f.ledger.LiquidateLiquidityPositions(target, keeper, now)
	if err != nil {
		t.Fatalf("liquidate ranges: %v", err)
	}

	// Notional closed is the withdrawn quote leg; fee is 1.5% of it,
	// split evenly with the insurance fund.
	if res.NotionalClosed.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("notional = %s, want 950", res.NotionalClosed)
	}
	if res.KeeperFee.Cmp(big.NewInt(7)) != 0 || res.InsuranceFundFee.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("fees = %s/%s, want 7/7", res.KeeperFee, res.InsuranceFundFee)
	}

	a, _ := f.ledger.Account(target)
	if len(a.LiquidityPositions[poolETH]) != 0 {
		t.Fatal("ranges survived liquidation")
	}
	if a.VQuoteBalance.Cmp(big.NewInt(-14)) != 0 {
		t.Fatalf("target quote = %s, want -14", a.VQuoteBalance)
	}
	k, _ := f.ledger.Account(keeper)
	if k.VQuoteBalance.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("keeper quote = %s, want 7", k.VQuoteBalance)
	}
	if f.proto.Insurance.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("insurance fund = %s, want 7", f.proto.Insurance)
	}
}

func TestLiquidateTokenPositionPartialClose(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	target := f.fundedAccount(t, "USDC", 8_000)
	keeper := f.fundedAccount(t, "USDC", 5_000)
	now := int64(1_000)

	f.amm.QueueSwap(10, -40_000)
	if _, err := f.ledger.SwapToken(target, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("swap: %v", err)
	}

	// Mark drops to 3500: value 3000 against a 3500 maintenance
	// requirement, but above the full-close threshold, so half closes.
	f.oracle.Set(oracleETH, priceX128(3_500))
	res, err := f.ledger.LiquidateTokenPosition(keeper, target, poolETH, now)
	if err != nil {
		t.Fatalf("liquidate token: %v", err)
	}
	if res.AmountClosed.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("amount closed = %s, want 5", res.AmountClosed)
	}
	// Fee is 3% of the 17500 quote leg = 525, split 262/263.
	if res.KeeperFee.Cmp(big.NewInt(262)) != 0 || res.InsuranceFundFee.Cmp(big.NewInt(263)) != 0 {
		t.Fatalf("fees = %s/%s, want 262/263", res.KeeperFee, res.InsuranceFundFee)
	}

	a, _ := f.ledger.Account(target)
	tp := a.TokenPositions[poolETH]
	if tp.Balance.Cmp(big.NewInt(5)) != 0 || tp.NetTraderPosition.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("target position = %s/%s, want 5/5", tp.Balance, tp.NetTraderPosition)
	}
	if a.VQuoteBalance.Cmp(big.NewInt(-23_025)) != 0 {
		t.Fatalf("target quote = %s, want -23025 (-40000 +17500 -525)", a.VQuoteBalance)
	}

	k, _ := f.ledger.Account(keeper)
	ktp := k.TokenPositions[poolETH]
	if ktp.Balance.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("keeper inherited = %s, want 5", ktp.Balance)
	}
	if k.VQuoteBalance.Cmp(big.NewInt(-17_238)) != 0 {
		t.Fatalf("keeper quote = %s, want -17238 (-17500 +262)", k.VQuoteBalance)
	}
	if f.proto.Insurance.Cmp(big.NewInt(263)) != 0 {
		t.Fatalf("insurance fund = %s, want 263", f.proto.Insurance)
	}
}

func TestLiquidateTokenPositionFullCloseWhenDeepUnderwater(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	target := f.fundedAccount(t, "USDC", 8_000)
	keeper := f.fundedAccount(t, "USDC", 20_000)
	now := int64(1_000)

	f.amm.QueueSwap(10, -40_000)
	if _, err := f.ledger.SwapToken(target, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("swap: %v", err)
	}

	// Mark 3300: value 1000 under a 2475 full-close threshold.
	f.oracle.Set(oracleETH, priceX128(3_300))
	res, err := f.ledger.LiquidateTokenPosition(keeper, target, poolETH, now)
	if err != nil {
		t.Fatalf("liquidate token: %v", err)
	}
	if res.AmountClosed.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("amount closed = %s, want full 10", res.AmountClosed)
	}
	a, _ := f.ledger.Account(target)
	if tp, ok := a.TokenPositions[poolETH]; ok && !tp.IsFlat() {
		t.Fatalf("target position survived full close: %s", tp.Balance)
	}
}

func TestLiquidateTokenPositionRequiresRangesClosedFirst(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	target := f.fundedAccount(t, "USDC", 8_000)
	keeper := f.fundedAccount(t, "USDC", 5_000)
	now := int64(1_000)

	f.amm.QueueSwap(10, -40_000)
	if _, err := f.ledger.SwapToken(target, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("swap: %v", err)
	}
	f.amm.QueueRange(0, 0)
	if err := f.ledger.UpdateRangeOrder(target, poolETH, -100, 100, big.NewInt(100), position.LimitOrderNone, false, now); err != nil {
		t.Fatalf("open range: %v", err)
	}

	f.oracle.Set(oracleETH, priceX128(3_500))
	_, err := f.ledger.LiquidateTokenPosition(keeper, target, poolETH, now)
	var active *clearing.ActiveRangePresentError
	if !errors.As(err, &active) {
		t.Fatalf("err = %v, want ActiveRangePresentError", err)
	}
}

func newTwoPoolFixture(t *testing.T, crossMargined bool) *fixture {
	t.Helper()
	scripted := testutil.NewScriptedAMM()
	fixed := oracle.NewFixed()
	proto := clearing.NewProtocol(scripted, fixed)
	proto.RegisterCollateral(&clearing.CollateralSettings{CollateralID: "USDC", OracleID: oracleUSDC})
	for _, m := range []struct{ pool, orc string }{{poolETH, oracleETH}, {poolBTC, oracleBTC}} {
		proto.RegisterPool(&clearing.PoolSettings{
			PoolID:                    m.pool,
			OracleID:                  m.orc,
			InitialMarginRatioBps:     2000,
			MaintenanceMarginRatioBps: 1000,
			TwapDuration:              300,
			IsCrossMargined:           crossMargined,
		})
	}
	fixed.Set(oracleUSDC, priceX128(1))
	fixed.Set(oracleETH, priceX128(4_000))
	fixed.Set(oracleBTC, priceX128(4_000))
	return &fixture{
		ledger: clearing.NewLedger(proto),
		amm:    scripted,
		oracle: fixed,
		proto:  proto,
	}
}

// Opposite directional legs in two cross-margined pools net to zero
// required margin; the same book on isolated pools pays for both legs.
func TestCrossMarginNetsDirectionalExposure(t *testing.T) {
	cross := newTwoPoolFixture(t, true)
	id := cross.fundedAccount(t, "USDC", 9_000)
	now := int64(1_000)

	cross.amm.QueueSwap(10, -40_000)
	if _, err := cross.ledger.SwapToken(id, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("long leg: %v", err)
	}
	cross.amm.QueueSwap(-10, 40_000)
	if _, err := cross.ledger.SwapToken(id, poolBTC, big.NewInt(-10), false, now); err != nil {
		t.Fatalf("short leg: %v", err)
	}
	_, req, err := cross.ledger.AccountValueAndRequiredMargin(id, clearing.MarginInitial, now)
	if err != nil {
		t.Fatalf("margin view: %v", err)
	}
	if req.Sign() != 0 {
		t.Fatalf("netted requirement = %s, want 0", req)
	}

	// Isolated pools: 8000 per leg, and 9000 of value cannot carry both.
	iso := newTwoPoolFixture(t, false)
	id = iso.fundedAccount(t, "USDC", 9_000)
	iso.amm.QueueSwap(10, -40_000)
	if _, err := iso.ledger.SwapToken(id, poolETH, big.NewInt(10), false, now); err != nil {
		t.Fatalf("isolated long leg: %v", err)
	}
	iso.amm.QueueSwap(-10, 40_000)
	_, err = iso.ledger.SwapToken(id, poolBTC, big.NewInt(-10), false, now)
	var margin *clearing.NotEnoughMarginError
	if !errors.As(err, &margin) {
		t.Fatalf("isolated err = %v, want NotEnoughMarginError", err)
	}
}

// A burn that recovers less than the account owes leaves it negative even
// after the fee; the insurance fund's share absorbs the shortfall.
func TestLiquidateLiquidityPositionsShortfallHitsInsuranceFund(t *testing.T) {
	f := newFixture(t, 1000, 500)
	target := f.fundedAccount(t, "USDC", 1_000)
	keeper := f.fundedAccount(t, "USDC", 1_000)
	now := int64(1_000)

	f.oracle.Set(oracleETH, priceX128(1))
	f.amm.QueueRange(0, -950)
	if err := f.ledger.UpdateRangeOrder(target, poolETH, -100, 100, big.NewInt(10_000), position.LimitOrderNone, false, now); err != nil {
		t.Fatalf("open range: %v", err)
	}

	// Mark spike puts the account underwater; the burn then charges
	// another 300 instead of recovering the locked quote.
	f.oracle.Set(oracleETH, priceX128(1_000))
	f.amm.QueueRange(0, -300)
	res, err := f.ledger.LiquidateLiquidityPositions(target, keeper, now)
	if err != nil {
		t.Fatalf("liquidate ranges: %v", err)
	}

	// Fee on the 300 notional is 4, split 2/2; the account's -254 post-fee
	// value lands on the fund's share.
	if res.KeeperFee.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("keeper fee = %s, want 2", res.KeeperFee)
	}
	if res.InsuranceFundFee.Sign() >= 0 {
		t.Fatalf("insurance fee = %s, want negative", res.InsuranceFundFee)
	}
	if res.InsuranceFundFee.Cmp(big.NewInt(-252)) != 0 {
		t.Fatalf("insurance fee = %s, want -252", res.InsuranceFundFee)
	}
	if f.proto.Insurance.Cmp(big.NewInt(-252)) != 0 {
		t.Fatalf("insurance fund = %s, want -252", f.proto.Insurance)
	}

	// Absorption brings the account to exactly zero value.
	a, _ := f.ledger.Account(target)
	if a.VQuoteBalance.Cmp(big.NewInt(-1_000)) != 0 {
		t.Fatalf("target quote = %s, want -1000", a.VQuoteBalance)
	}
	k, _ := f.ledger.Account(keeper)
	if k.VQuoteBalance.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("keeper quote = %s, want 2", k.VQuoteBalance)
	}
}

// With the virtual pool wired in, a margin-rejected swap must leave no
// trace in the pool: price, tick, and crossing checkpoints all rewind
// along with the discarded account clone.
func TestMarginRejectedSwapLeavesPoolUntouched(t *testing.T) {
	exec := amm.NewVirtualExecutor()
	fixed := oracle.NewFixed()
	proto := clearing.NewProtocol(exec, fixed)
	proto.RegisterCollateral(&clearing.CollateralSettings{CollateralID: "USDC", OracleID: oracleUSDC})
	proto.RegisterPool(&clearing.PoolSettings{
		PoolID:                    poolETH,
		OracleID:                  oracleETH,
		InitialMarginRatioBps:     2000,
		MaintenanceMarginRatioBps: 1000,
		TwapDuration:              300,
	})
	fixed.Set(oracleUSDC, priceX128(1))
	fixed.Set(oracleETH, priceX128(1))
	g, _ := proto.Funding.Get(poolETH)
	exec.AddPool(poolETH, 0, 1, 0, 300, proto.Ticks[poolETH], g)
	exec.BindMarkPrice(proto.MarkPriceX128)
	exec.Advance(1_000)
	ledger := clearing.NewLedger(proto)

	lp := ledger.CreateAccount(uuid.New())
	if err := ledger.AddMargin(lp, "USDC", big.NewInt(10_000_000)); err != nil {
		t.Fatalf("fund lp: %v", err)
	}
	if err := ledger.UpdateRangeOrder(lp, poolETH, -60, 60, big.NewInt(1_000_000), position.LimitOrderNone, false, 1_000); err != nil {
		t.Fatalf("inner band: %v", err)
	}
	if err := ledger.UpdateRangeOrder(lp, poolETH, -12000, 12000, big.NewInt(1_000_000), position.LimitOrderNone, false, 1_000); err != nil {
		t.Fatalf("outer band: %v", err)
	}

	trader := ledger.CreateAccount(uuid.New())
	if err := ledger.AddMargin(trader, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("fund trader: %v", err)
	}

	priceBefore, _ := exec.SqrtPriceX96(poolETH)
	tickBefore, _ := exec.CurrentTick(poolETH)

	// Crosses the inner band's boundary, then fails the margin check.
	_, err := ledger.SwapToken(trader, poolETH, big.NewInt(20_000), false, 1_000)
	var margin *clearing.NotEnoughMarginError
	if !errors.As(err, &margin) {
		t.Fatalf("err = %v, want NotEnoughMarginError", err)
	}

	priceAfter, _ := exec.SqrtPriceX96(poolETH)
	tickAfter, _ := exec.CurrentTick(poolETH)
	if priceAfter.Cmp(priceBefore) != 0 {
		t.Errorf("rejected swap moved sqrt price %s to %s", priceBefore, priceAfter)
	}
	if tickAfter != tickBefore {
		t.Errorf("rejected swap moved tick %d to %d", tickBefore, tickAfter)
	}
	if n := proto.Ticks[poolETH].Crossings(60); n != 0 {
		t.Errorf("rejected swap left %d crossings at tick 60", n)
	}

	// The rewound pool still serves a properly margined trader in full.
	funded := ledger.CreateAccount(uuid.New())
	if err := ledger.AddMargin(funded, "USDC", big.NewInt(50_000)); err != nil {
		t.Fatalf("fund trader: %v", err)
	}
	res, err := ledger.SwapToken(funded, poolETH, big.NewInt(20_000), false, 1_000)
	if err != nil {
		t.Fatalf("funded swap: %v", err)
	}
	if res.VTokenIn.Cmp(big.NewInt(20_000)) != 0 {
		t.Errorf("VTokenIn = %s, want 20000", res.VTokenIn)
	}
}

func TestSelfLiquidationRejected(t *testing.T) {
	f := newFixture(t, 2000, 1000)
	id := f.fundedAccount(t, "USDC", 1_000)
	if _, err := f.ledger.LiquidateLiquidityPositions(id, id, 1_000); err == nil {
		t.Fatal("expected self range liquidation to fail")
	}
	if _, err := f.ledger.LiquidateTokenPosition(id, id, poolETH, 1_000); err == nil {
		t.Fatal("expected self token liquidation to fail")
	}
}
