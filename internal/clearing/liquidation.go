package clearing

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
)

// RangeLiquidationResult reports what a range liquidation closed and how
// the fee split.
type RangeLiquidationResult struct {
	NotionalClosed   *big.Int
	KeeperFee        *big.Int
	InsuranceFundFee *big.Int // negative when the fund absorbed a shortfall
}

// LiquidateLiquidityPositions closes every active range of an account that
// is below maintenance margin. The liquidation fee is proportional to the
// notional closed, capped, and split between the keeper and the insurance
// fund; a post-fee negative account is absorbed by the fund's share.
func (l *Ledger) LiquidateLiquidityPositions(id uint64, keeperID uint64, now int64) (RangeLiquidationResult, error) {
	if keeperID == id {
		return RangeLiquidationResult{}, fmt.Errorf("range liquidation: account %d cannot liquidate itself", id)
	}
	a, err := l.Account(id)
	if err != nil {
		return RangeLiquidationResult{}, err
	}
	keeper, err := l.Account(keeperID)
	if err != nil {
		return RangeLiquidationResult{}, err
	}

	mv, req, err := l.valueAndMargin(a, MarginMaintenance, now)
	if err != nil {
		return RangeLiquidationResult{}, err
	}
	if mv.Cmp(req) >= 0 {
		return RangeLiquidationResult{}, &AccountAbovewaterError{MarketValue: mv, RequiredMargin: req}
	}

	work := a.clone()
	notionalClosed := new(big.Int)

	// Burns span pools; a failure in any of them rewinds every pool
	// touched so far. Funding checkpoints commit only after the last one.
	var snaps []amm.Snapshot
	committed := false
	defer func() {
		if !committed {
			for _, s := range snaps {
				l.protocol.AMM.Restore(s)
			}
		}
	}()
	type fundingCommit struct {
		g                       *funding.State
		markPrice, virtualPrice *big.Int
	}
	var commits []fundingCommit

	for _, poolID := range work.activePools() {
		ranges := work.LiquidityPositions[poolID]
		if len(ranges) == 0 {
			continue
		}
		markPrice, perr := l.protocol.MarkPriceX128(poolID, now)
		if perr != nil {
			return RangeLiquidationResult{}, fmt.Errorf("range liquidation: %w", perr)
		}
		g, _ := l.protocol.Funding.Get(poolID)
		tp := work.tokenPosition(poolID)
		work.VQuoteBalance.Add(work.VQuoteBalance, tp.RealizeFunding(g, now, markPrice))

		snap, serr := l.protocol.AMM.Snapshot(poolID)
		if serr != nil {
			return RangeLiquidationResult{}, fmt.Errorf("range liquidation: %w", serr)
		}
		snaps = append(snaps, snap)

		for len(work.LiquidityPositions[poolID]) > 0 {
			lp := work.LiquidityPositions[poolID][0]
			burn := fpmath.Neg(lp.Liquidity)
			res, uerr := l.protocol.AMM.UpdateRange(poolID, lp.TickLower, lp.TickUpper, burn)
			if uerr != nil {
				return RangeLiquidationResult{}, fmt.Errorf("range liquidation: %w", uerr)
			}
			accruedFunding, accruedFee := lp.AccruedFundingAndFee(res.Values)
			work.VQuoteBalance.Add(work.VQuoteBalance, accruedFunding)
			work.VQuoteBalance.Add(work.VQuoteBalance, accruedFee)
			lp.UpdateCheckpoints(res.Values)
			if lerr := lp.LiquidityChange(burn); lerr != nil {
				return RangeLiquidationResult{}, lerr
			}
			tp.ApplyLiquidityDelta(res.VTokenAmount)
			work.VQuoteBalance.Add(work.VQuoteBalance, res.VQuoteAmount)
			work.removeRange(poolID, 0)

			// Notional closed: quote leg plus base leg at mark.
			notionalClosed.Add(notionalClosed, fpmath.Abs(res.VQuoteAmount))
			notionalClosed.Add(notionalClosed, fpmath.Abs(fpmath.MulQ128(res.VTokenAmount, markPrice)))
		}

		virtualPrice, verr := l.virtualPriceX128(poolID)
		if verr != nil {
			return RangeLiquidationResult{}, verr
		}
		commits = append(commits, fundingCommit{g: g, markPrice: markPrice, virtualPrice: virtualPrice})
	}

	fee := fpmath.MulBps(notionalClosed, l.protocol.Liq.RangeLiquidationFeeFractionBps)
	fee = fpmath.Min(fee, l.protocol.Liq.MaxRangeLiquidationFees)
	fee = new(big.Int).Set(fee)
	keeperFee := fpmath.MulBps(fee, 10_000-l.protocol.Liq.InsuranceFundFeeShareBps)
	insuranceFee := new(big.Int).Sub(fee, keeperFee)

	work.VQuoteBalance.Sub(work.VQuoteBalance, fee)

	// If the fee drove the account under water, the insurance fund share
	// absorbs the shortfall (possibly going negative to the system).
	postMV, _, err := l.valueAndMargin(work, MarginMaintenance, now)
	if err != nil {
		return RangeLiquidationResult{}, err
	}
	if postMV.Sign() < 0 {
		insuranceFee = new(big.Int).Add(insuranceFee, postMV)
		work.VQuoteBalance.Sub(work.VQuoteBalance, postMV)
	}

	for _, c := range commits {
		c.g.RegisterTrade(new(big.Int), new(big.Int), now, c.markPrice, c.virtualPrice)
	}
	l.protocol.Insurance.Add(l.protocol.Insurance, insuranceFee)
	keeper.VQuoteBalance.Add(keeper.VQuoteBalance, keeperFee)
	l.accounts[id] = work
	committed = true

	return RangeLiquidationResult{
		NotionalClosed:   notionalClosed,
		KeeperFee:        keeperFee,
		InsuranceFundFee: insuranceFee,
	}, nil
}

// TokenLiquidationResult reports a token-position liquidation.
type TokenLiquidationResult struct {
	AmountClosed     *big.Int
	KeeperFee        *big.Int
	InsuranceFundFee *big.Int
}

// LiquidateTokenPosition moves part (or all) of an under-margined
// account's directional position to the keeper at mark price, charging the
// target a price delta that is split between keeper and insurance fund.
// Ranges must be liquidated first.
func (l *Ledger) LiquidateTokenPosition(keeperID, targetID uint64, poolID string, now int64) (TokenLiquidationResult, error) {
	if keeperID == targetID {
		return TokenLiquidationResult{}, fmt.Errorf("token liquidation: account %d cannot liquidate itself", targetID)
	}
	target, err := l.Account(targetID)
	if err != nil {
		return TokenLiquidationResult{}, err
	}
	keeper, err := l.Account(keeperID)
	if err != nil {
		return TokenLiquidationResult{}, err
	}
	if len(target.LiquidityPositions[poolID]) > 0 {
		return TokenLiquidationResult{}, &ActiveRangePresentError{PoolID: poolID}
	}

	mv, req, err := l.valueAndMargin(target, MarginMaintenance, now)
	if err != nil {
		return TokenLiquidationResult{}, err
	}
	if mv.Cmp(req) >= 0 {
		return TokenLiquidationResult{}, &AccountAbovewaterError{MarketValue: mv, RequiredMargin: req}
	}

	markPrice, err := l.protocol.MarkPriceX128(poolID, now)
	if err != nil {
		return TokenLiquidationResult{}, fmt.Errorf("token liquidation: %w", err)
	}
	g, ok := l.protocol.Funding.Get(poolID)
	if !ok {
		return TokenLiquidationResult{}, fmt.Errorf("token liquidation: unknown pool %q", poolID)
	}

	workTarget := target.clone()
	workKeeper := keeper.clone()

	tp := workTarget.tokenPosition(poolID)
	workTarget.VQuoteBalance.Add(workTarget.VQuoteBalance, tp.RealizeFunding(g, now, markPrice))
	if tp.NetTraderPosition.Sign() == 0 {
		return TokenLiquidationResult{}, fmt.Errorf("token liquidation: no position in pool %q", poolID)
	}

	closeAmount := l.tokenCloseAmount(tp.NetTraderPosition, mv, req, markPrice)

	// Target closes at mark; keeper takes the opposite side at mark.
	quoteLeg := fpmath.MulQ128(closeAmount, markPrice)
	tp.ApplyTrade(fpmath.Neg(closeAmount))
	workTarget.VQuoteBalance.Add(workTarget.VQuoteBalance, quoteLeg)

	ktp := workKeeper.tokenPosition(poolID)
	workKeeper.VQuoteBalance.Add(workKeeper.VQuoteBalance, ktp.RealizeFunding(g, now, markPrice))
	ktp.ApplyTrade(closeAmount)
	workKeeper.VQuoteBalance.Sub(workKeeper.VQuoteBalance, quoteLeg)

	// The liquidation price delta is the fee, charged to the target.
	fee := fpmath.MulBps(fpmath.Abs(quoteLeg), l.protocol.Liq.TokenLiquidationPriceDeltaBps)
	keeperFee := fpmath.MulBps(fee, 10_000-l.protocol.Liq.InsuranceFundFeeShareBps)
	insuranceFee := new(big.Int).Sub(fee, keeperFee)
	workTarget.VQuoteBalance.Sub(workTarget.VQuoteBalance, fee)

	postMV, _, err := l.valueAndMargin(workTarget, MarginMaintenance, now)
	if err != nil {
		return TokenLiquidationResult{}, err
	}
	if postMV.Sign() < 0 {
		insuranceFee = new(big.Int).Add(insuranceFee, postMV)
		workTarget.VQuoteBalance.Sub(workTarget.VQuoteBalance, postMV)
	}

	// The keeper must be able to carry the inherited position.
	if err := l.checkMargin(workKeeper, MarginInitial, now); err != nil {
		return TokenLiquidationResult{}, err
	}

	virtualPrice, err := l.virtualPriceX128(poolID)
	if err != nil {
		return TokenLiquidationResult{}, err
	}
	g.RegisterTrade(new(big.Int), new(big.Int), now, markPrice, virtualPrice)

	workKeeper.VQuoteBalance.Add(workKeeper.VQuoteBalance, keeperFee)
	l.protocol.Insurance.Add(l.protocol.Insurance, insuranceFee)
	l.accounts[targetID] = workTarget
	l.accounts[keeperID] = workKeeper

	return TokenLiquidationResult{
		AmountClosed:     closeAmount,
		KeeperFee:        keeperFee,
		InsuranceFundFee: insuranceFee,
	}, nil
}

// tokenCloseAmount bounds the liquidated fraction: severely underwater
// accounts close in full; otherwise the partial close factor applies,
// floored at the minimum liquidatable notional.
func (l *Ledger) tokenCloseAmount(netPosition, marketValue, requiredMargin, markPriceX128 *big.Int) *big.Int {
	threshold := fpmath.MulBps(requiredMargin, l.protocol.Liq.CloseFactorMMThresholdBps)
	if marketValue.Cmp(threshold) < 0 {
		return new(big.Int).Set(netPosition)
	}
	partial := fpmath.MulBps(netPosition, l.protocol.Liq.PartialLiquidationCloseFactorBps)
	notional := fpmath.Abs(fpmath.MulQ128(partial, markPriceX128))
	if notional.Cmp(l.protocol.Liq.MinNotionalLiquidatable) < 0 {
		return new(big.Int).Set(netPosition)
	}
	return partial
}
