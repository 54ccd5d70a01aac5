package position

import (
	"math/big"

	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
)

// TokenPosition is one account's net token exposure in one pool. Balance
// includes LP-implied exposure; NetTraderPosition excludes it and decides
// whether the pool counts as active for margin purposes.
type TokenPosition struct {
	Balance           *big.Int
	NetTraderPosition *big.Int
	SumALastX128      *big.Int
}

func NewTokenPosition() *TokenPosition {
	return &TokenPosition{
		Balance:           new(big.Int),
		NetTraderPosition: new(big.Int),
		SumALastX128:      new(big.Int),
	}
}

// ApplyTrade folds a swap's deltas into the position. Returns true when
// the pre- and post-trade balances bracket zero, which deactivates the
// pool for margin bookkeeping.
func (t *TokenPosition) ApplyTrade(vTokenIn *big.Int) (closedOut bool) {
	before := new(big.Int).Set(t.Balance)
	t.Balance.Add(t.Balance, vTokenIn)
	t.NetTraderPosition.Add(t.NetTraderPosition, vTokenIn)
	return fpmath.Bracket(before, t.Balance)
}

// ApplyLiquidityDelta folds an LP leg's token delta into Balance only;
// LP legs are not directional trades and leave NetTraderPosition alone.
func (t *TokenPosition) ApplyLiquidityDelta(vTokenAmount *big.Int) {
	t.Balance.Add(t.Balance, vTokenAmount)
}

// RealizeFunding computes the lump funding settlement on the raw trader
// balance since the last touch, independent of any range checkpoints, and
// moves the sumA checkpoint forward. Returns the signed quote delta to
// fold into the account's quote balance (floored, so credits are never
// overstated): a long pays when sumA advanced.
func (t *TokenPosition) RealizeFunding(g *funding.State, now int64, markPriceX128 *big.Int) *big.Int {
	sumA := g.ExtrapolatedSumA(now, markPriceX128)
	deltaA := new(big.Int).Sub(sumA, t.SumALastX128)
	quoteDelta := fpmath.MulQ128(fpmath.Neg(t.Balance), deltaA)
	t.SumALastX128.Set(sumA)
	return quoteDelta
}

// IsFlat reports a position with no exposure of either kind.
func (t *TokenPosition) IsFlat() bool {
	return t.Balance.Sign() == 0 && t.NetTraderPosition.Sign() == 0
}
