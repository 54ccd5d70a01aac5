package clearing

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/amm"
	fpmath "PerpClearing/internal/math"
)

// valueAndMargin recomputes the account's market value and required margin
// from live prices. No status is stored anywhere; solvency is always
// derived from these two numbers.
func (l *Ledger) valueAndMargin(a *Account, kind MarginKind, now int64) (marketValue, requiredMargin *big.Int, err error) {
	marketValue = new(big.Int)

	// Collateral deposits, each priced by its own oracle.
	for cid, bal := range a.Deposits {
		asset, ok := l.protocol.Assets[cid]
		if !ok {
			return nil, nil, fmt.Errorf("margin: unknown collateral %q", cid)
		}
		price, perr := l.protocol.Oracle.MarkPriceX128(asset.OracleID, now)
		if perr != nil {
			return nil, nil, fmt.Errorf("margin: price %s: %w", cid, perr)
		}
		marketValue.Add(marketValue, fpmath.MulQ128(bal, price))
	}
	marketValue.Add(marketValue, a.VQuoteBalance)

	requiredMargin = new(big.Int)
	crossNotional := new(big.Int) // signed, nets across cross-margined pools
	var crossRatioBps int64

	for _, poolID := range a.activePools() {
		settings, ok := l.protocol.Pools[poolID]
		if !ok {
			return nil, nil, fmt.Errorf("margin: unknown pool %q", poolID)
		}
		markPrice, perr := l.protocol.MarkPriceX128(poolID, now)
		if perr != nil {
			return nil, nil, fmt.Errorf("margin: price %s: %w", poolID, perr)
		}

		tp, hasToken := a.TokenPositions[poolID]
		if hasToken {
			marketValue.Add(marketValue, fpmath.MulQ128(tp.Balance, markPrice))
		}

		sqrtPrice, serr := l.protocol.AMM.SqrtPriceX96(poolID)
		if serr != nil {
			return nil, nil, fmt.Errorf("margin: sqrt price %s: %w", poolID, serr)
		}

		lpMaxNet := new(big.Int)
		for _, lp := range a.LiquidityPositions[poolID] {
			marketValue.Add(marketValue, lp.MarketValue(sqrtPrice))
			lpMaxNet.Add(lpMaxNet, lp.MaxNetPosition())
		}

		// Net exposure folds the worst-case one-sided range exposure into
		// the directional position: the bound is the larger of today's
		// exposure and the exposure if every range were fully consumed.
		exposure := new(big.Int)
		if hasToken {
			exposure.Set(tp.NetTraderPosition)
		}
		withRanges := new(big.Int).Add(exposure, lpMaxNet)
		worst := fpmath.Max(fpmath.Abs(exposure), fpmath.Abs(withRanges))
		notional := fpmath.MulQ128(worst, markPrice)

		if settings.IsCrossMargined {
			// Directional legs net across pools; range worst-case does not.
			signedNotional := fpmath.MulQ128(exposure, markPrice)
			crossNotional.Add(crossNotional, signedNotional)
			if r := settings.MarginRatioBps(kind); r > crossRatioBps {
				crossRatioBps = r
			}
			lpNotional := fpmath.MulQ128(fpmath.Abs(lpMaxNet), markPrice)
			requiredMargin.Add(requiredMargin, fpmath.MulBps(lpNotional, settings.MarginRatioBps(kind)))
		} else {
			requiredMargin.Add(requiredMargin, fpmath.MulBps(notional, settings.MarginRatioBps(kind)))
		}
	}

	if crossNotional.Sign() != 0 {
		requiredMargin.Add(requiredMargin, fpmath.MulBps(fpmath.Abs(crossNotional), crossRatioBps))
	}
	return marketValue, requiredMargin, nil
}

// AccountValueAndRequiredMargin is the read-only solvency view exposed to
// callers and keepers.
func (l *Ledger) AccountValueAndRequiredMargin(id uint64, kind MarginKind, now int64) (marketValue, requiredMargin *big.Int, err error) {
	a, err := l.Account(id)
	if err != nil {
		return nil, nil, err
	}
	return l.valueAndMargin(a, kind, now)
}

// virtualPriceX128 derives the pool's virtual price from its TWAP sqrt price.
func (l *Ledger) virtualPriceX128(poolID string) (*big.Int, error) {
	sqrtTwap, err := l.protocol.AMM.TwapSqrtPriceX96(poolID)
	if err != nil {
		return nil, fmt.Errorf("virtual price %s: %w", poolID, err)
	}
	return amm.PriceX128FromSqrtX96(sqrtTwap), nil
}
