package clearing

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/amm"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/position"
)

// SwapToken trades a signed amount (token units, or quote notional when
// isNotional) for the account. The pool's funding checkpoint is committed
// once, after every pre-trade read, and only if the whole call succeeds.
func (l *Ledger) SwapToken(id uint64, poolID string, amount *big.Int, isNotional bool, now int64) (amm.SwapResult, error) {
	a, err := l.Account(id)
	if err != nil {
		return amm.SwapResult{}, err
	}
	if _, ok := l.protocol.Pools[poolID]; !ok {
		return amm.SwapResult{}, fmt.Errorf("swap: unknown pool %q", poolID)
	}
	markPrice, err := l.protocol.MarkPriceX128(poolID, now)
	if err != nil {
		return amm.SwapResult{}, fmt.Errorf("swap: %w", err)
	}
	g, _ := l.protocol.Funding.Get(poolID)

	work := a.clone()
	tp := work.tokenPosition(poolID)

	// Realize trader-side funding against the pre-trade state.
	work.VQuoteBalance.Add(work.VQuoteBalance, tp.RealizeFunding(g, now, markPrice))

	// The pool mutates on execution; any failure past this point must
	// rewind it along with the discarded account clone.
	snap, err := l.protocol.AMM.Snapshot(poolID)
	if err != nil {
		return amm.SwapResult{}, fmt.Errorf("swap: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			l.protocol.AMM.Restore(snap)
		}
	}()

	res, err := l.protocol.AMM.Swap(poolID, amount, isNotional, nil)
	if err != nil {
		return amm.SwapResult{}, fmt.Errorf("swap: %w", err)
	}
	tp.ApplyTrade(res.VTokenIn)
	work.VQuoteBalance.Add(work.VQuoteBalance, res.VQuoteIn)

	if err := l.checkMargin(work, MarginInitial, now); err != nil {
		return amm.SwapResult{}, err
	}

	virtualPrice, err := l.virtualPriceX128(poolID)
	if err != nil {
		return amm.SwapResult{}, err
	}
	g.RegisterTrade(res.SumBDeltaX128, res.LiquidityFees, now, markPrice, virtualPrice)
	l.accounts[id] = work
	committed = true
	return res, nil
}

// UpdateRangeOrder changes the liquidity of one (tickLower, tickUpper,
// limitOrderType) range: realize the range's accrued funding and fees,
// apply the AMM deltas, optionally flatten the token position, then
// re-check margin.
func (l *Ledger) UpdateRangeOrder(id uint64, poolID string, tickLower, tickUpper int32, liquidityDelta *big.Int, lot position.LimitOrderType, closeTokenPosition bool, now int64) error {
	a, err := l.Account(id)
	if err != nil {
		return err
	}
	if _, ok := l.protocol.Pools[poolID]; !ok {
		return fmt.Errorf("range order: unknown pool %q", poolID)
	}
	if tickLower >= tickUpper {
		return fmt.Errorf("range order: tickLower %d >= tickUpper %d", tickLower, tickUpper)
	}
	markPrice, err := l.protocol.MarkPriceX128(poolID, now)
	if err != nil {
		return fmt.Errorf("range order: %w", err)
	}
	g, _ := l.protocol.Funding.Get(poolID)

	work := a.clone()
	tp := work.tokenPosition(poolID)
	work.VQuoteBalance.Add(work.VQuoteBalance, tp.RealizeFunding(g, now, markPrice))

	lp, idx := work.findRange(poolID, tickLower, tickUpper, lot)
	if lp == nil {
		if liquidityDelta.Sign() <= 0 {
			return &InactiveRangeError{PoolID: poolID, TickLower: tickLower, TickUpper: tickUpper}
		}
		var np position.LiquidityPosition
		if err := np.Initialize(tickLower, tickUpper, lot); err != nil {
			return err
		}
		lp = &np
		work.LiquidityPositions[poolID] = append(work.LiquidityPositions[poolID], lp)
		idx = len(work.LiquidityPositions[poolID]) - 1
	}

	snap, err := l.protocol.AMM.Snapshot(poolID)
	if err != nil {
		return fmt.Errorf("range order: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			l.protocol.AMM.Restore(snap)
		}
	}()

	res, err := l.protocol.AMM.UpdateRange(poolID, tickLower, tickUpper, liquidityDelta)
	if err != nil {
		return fmt.Errorf("range order: %w", err)
	}

	// Accrue before moving the checkpoints, against the pre-change view.
	accruedFunding, accruedFee := lp.AccruedFundingAndFee(res.Values)
	work.VQuoteBalance.Add(work.VQuoteBalance, accruedFunding)
	work.VQuoteBalance.Add(work.VQuoteBalance, accruedFee)
	lp.UpdateCheckpoints(res.Values)

	if err := lp.LiquidityChange(liquidityDelta); err != nil {
		return err
	}
	tp.ApplyLiquidityDelta(res.VTokenAmount)
	work.VQuoteBalance.Add(work.VQuoteBalance, res.VQuoteAmount)

	if lp.Liquidity.Sign() == 0 {
		work.removeRange(poolID, idx)
	}

	var closeRes amm.SwapResult
	closed := false
	if closeTokenPosition && tp.NetTraderPosition.Sign() != 0 {
		closeAmount := fpmath.Neg(tp.NetTraderPosition)
		closeRes, err = l.protocol.AMM.Swap(poolID, closeAmount, false, nil)
		if err != nil {
			return fmt.Errorf("range order close: %w", err)
		}
		tp.ApplyTrade(closeRes.VTokenIn)
		work.VQuoteBalance.Add(work.VQuoteBalance, closeRes.VQuoteIn)
		closed = true
	}

	if err := l.checkMargin(work, MarginInitial, now); err != nil {
		return err
	}

	virtualPrice, err := l.virtualPriceX128(poolID)
	if err != nil {
		return err
	}
	// One commit per state mutation: the liquidity change, then the
	// optional auto-close trade.
	g.RegisterTrade(new(big.Int), new(big.Int), now, markPrice, virtualPrice)
	if closed {
		g.RegisterTrade(closeRes.SumBDeltaX128, closeRes.LiquidityFees, now, markPrice, virtualPrice)
	}
	l.accounts[id] = work
	committed = true
	return nil
}

// RemoveLimitOrder lets a keeper burn a limit-order range once the price
// has left it on the order's side, paying keeperFee from the owner to the
// keeper. Removal reduces risk, so no margin check applies.
func (l *Ledger) RemoveLimitOrder(id uint64, poolID string, tickLower, tickUpper int32, keeperID uint64, keeperFee *big.Int, now int64) error {
	a, err := l.Account(id)
	if err != nil {
		return err
	}
	keeper, err := l.Account(keeperID)
	if err != nil {
		return err
	}
	g, ok := l.protocol.Funding.Get(poolID)
	if !ok {
		return fmt.Errorf("remove limit order: unknown pool %q", poolID)
	}

	work := a.clone()
	lp, idx := l.removableLimitOrder(work, poolID, tickLower, tickUpper)
	if idx < 0 {
		return &InactiveRangeError{PoolID: poolID, TickLower: tickLower, TickUpper: tickUpper}
	}

	currentTick, err := l.protocol.AMM.CurrentTick(poolID)
	if err != nil {
		return fmt.Errorf("remove limit order: %w", err)
	}
	eligible := (lp.LimitOrderType == position.LimitOrderLower && currentTick < tickLower) ||
		(lp.LimitOrderType == position.LimitOrderUpper && currentTick > tickUpper)
	if !eligible {
		return &IneligibleLimitOrderRemovalError{PoolID: poolID, CurrentTick: currentTick}
	}

	markPrice, err := l.protocol.MarkPriceX128(poolID, now)
	if err != nil {
		return fmt.Errorf("remove limit order: %w", err)
	}
	tp := work.tokenPosition(poolID)
	work.VQuoteBalance.Add(work.VQuoteBalance, tp.RealizeFunding(g, now, markPrice))

	snap, err := l.protocol.AMM.Snapshot(poolID)
	if err != nil {
		return fmt.Errorf("remove limit order: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			l.protocol.AMM.Restore(snap)
		}
	}()

	burn := fpmath.Neg(lp.Liquidity)
	res, err := l.protocol.AMM.UpdateRange(poolID, tickLower, tickUpper, burn)
	if err != nil {
		return fmt.Errorf("remove limit order: %w", err)
	}
	accruedFunding, accruedFee := lp.AccruedFundingAndFee(res.Values)
	work.VQuoteBalance.Add(work.VQuoteBalance, accruedFunding)
	work.VQuoteBalance.Add(work.VQuoteBalance, accruedFee)
	lp.UpdateCheckpoints(res.Values)
	if err := lp.LiquidityChange(burn); err != nil {
		return err
	}
	tp.ApplyLiquidityDelta(res.VTokenAmount)
	work.VQuoteBalance.Add(work.VQuoteBalance, res.VQuoteAmount)
	work.removeRange(poolID, idx)

	work.VQuoteBalance.Sub(work.VQuoteBalance, keeperFee)

	virtualPrice, err := l.virtualPriceX128(poolID)
	if err != nil {
		return err
	}
	g.RegisterTrade(new(big.Int), new(big.Int), now, markPrice, virtualPrice)
	if keeperID == id {
		// Self-removal: the fee would round-trip.
		work.VQuoteBalance.Add(work.VQuoteBalance, keeperFee)
	} else {
		keeper.VQuoteBalance.Add(keeper.VQuoteBalance, keeperFee)
	}
	l.accounts[id] = work
	committed = true
	return nil
}

// removableLimitOrder finds a limit-order range at the given boundaries.
func (l *Ledger) removableLimitOrder(a *Account, poolID string, tickLower, tickUpper int32) (*position.LiquidityPosition, int) {
	for i, lp := range a.LiquidityPositions[poolID] {
		if lp.TickLower == tickLower && lp.TickUpper == tickUpper && lp.LimitOrderType != position.LimitOrderNone {
			return lp, i
		}
	}
	return nil, -1
}
