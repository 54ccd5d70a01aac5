package amm

import (
	"fmt"
	"math/big"
	"sort"

	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/tick"
)

// VirtualExecutor is an in-process Executor backed by concentrated virtual
// liquidity. Swaps walk the price along constant liquidity between
// initialized ticks, crossing checkpoints in the shared tick store as they
// go. It is owned by the single-threaded engine; Advance must be called
// with the event timestamp before processing so execution stays
// deterministic under replay.
type VirtualExecutor struct {
	pools     map[string]*poolState
	markPrice func(poolID string, now int64) (*big.Int, error)
	now       int64
}

type poolState struct {
	sqrtPriceX96   *big.Int
	currentTick    int32
	tickSpacing    int32
	liquidity      *big.Int
	liquidityGross map[int32]*big.Int
	liquidityNet   map[int32]*big.Int
	feeBps         int64
	twapDuration   int64

	ticks   *tick.Store
	funding *funding.State

	obs []priceObservation
}

type priceObservation struct {
	sqrtPriceX96 *big.Int
	at           int64
}

func NewVirtualExecutor() *VirtualExecutor {
	return &VirtualExecutor{pools: make(map[string]*poolState)}
}

// BindMarkPrice wires the oracle lookup used for funding extrapolation in
// ValuesInside. Bound after protocol construction.
func (e *VirtualExecutor) BindMarkPrice(fn func(poolID string, now int64) (*big.Int, error)) {
	e.markPrice = fn
}

// AddPool registers a pool sharing the protocol's tick store and funding
// state. The initial price is given as a tick.
func (e *VirtualExecutor) AddPool(poolID string, initialTick, tickSpacing int32, feeBps, twapDuration int64, ticks *tick.Store, g *funding.State) {
	if tickSpacing <= 0 {
		tickSpacing = 1
	}
	sqrtPrice := SqrtPriceAtTick(initialTick)
	e.pools[poolID] = &poolState{
		sqrtPriceX96:   sqrtPrice,
		currentTick:    initialTick,
		tickSpacing:    tickSpacing,
		liquidity:      new(big.Int),
		liquidityGross: make(map[int32]*big.Int),
		liquidityNet:   make(map[int32]*big.Int),
		feeBps:         feeBps,
		twapDuration:   twapDuration,
		ticks:          ticks,
		funding:        g,
		obs:            []priceObservation{{sqrtPriceX96: sqrtPrice, at: 0}},
	}
}

// Advance sets the executor's clock to the current event timestamp.
func (e *VirtualExecutor) Advance(now int64) {
	e.now = now
}

// Snapshot deep-copies the pool's execution state, the shared tick store
// included. The funding state stays a reference; the clearing engine only
// commits it after every fallible step has passed.
func (e *VirtualExecutor) Snapshot(poolID string) (Snapshot, error) {
	p, err := e.pool(poolID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{poolID: poolID, pool: p.copy(), ticks: p.ticks.Clone()}, nil
}

// Restore rewinds the pool to the snapshot, discarding every swap, mint,
// burn, and tick crossing since it was taken. The tick store is reset in
// place so every holder of the shared pointer observes the rewind.
func (e *VirtualExecutor) Restore(snap Snapshot) {
	p, ok := e.pools[snap.poolID]
	if !ok || snap.pool == nil {
		return
	}
	p.ticks.CopyFrom(snap.ticks)
	restored := snap.pool.copy()
	restored.ticks = p.ticks
	e.pools[snap.poolID] = restored
}

// copy deep-copies the pool's mutable state. The tick store and funding
// state remain shared references.
func (p *poolState) copy() *poolState {
	c := &poolState{
		sqrtPriceX96:   new(big.Int).Set(p.sqrtPriceX96),
		currentTick:    p.currentTick,
		tickSpacing:    p.tickSpacing,
		liquidity:      new(big.Int).Set(p.liquidity),
		liquidityGross: make(map[int32]*big.Int, len(p.liquidityGross)),
		liquidityNet:   make(map[int32]*big.Int, len(p.liquidityNet)),
		feeBps:         p.feeBps,
		twapDuration:   p.twapDuration,
		ticks:          p.ticks,
		funding:        p.funding,
		obs:            make([]priceObservation, len(p.obs)),
	}
	for t, v := range p.liquidityGross {
		c.liquidityGross[t] = new(big.Int).Set(v)
	}
	for t, v := range p.liquidityNet {
		c.liquidityNet[t] = new(big.Int).Set(v)
	}
	for i, o := range p.obs {
		c.obs[i] = priceObservation{sqrtPriceX96: new(big.Int).Set(o.sqrtPriceX96), at: o.at}
	}
	return c
}

func (e *VirtualExecutor) pool(poolID string) (*poolState, error) {
	p, ok := e.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("vpool: unknown pool %q", poolID)
	}
	return p, nil
}

// Swap trades a signed amount against the pool's virtual liquidity.
// Positive amounts buy tokens (price moves up); when isNotional the amount
// is quote spent instead of tokens bought. Fees accrue to active liquidity
// per unit (Q128) and are charged to the taker on top of the quote leg.
func (e *VirtualExecutor) Swap(poolID string, amount *big.Int, isNotional bool, sqrtPriceLimitX96 *big.Int) (SwapResult, error) {
	p, err := e.pool(poolID)
	if err != nil {
		return SwapResult{}, err
	}
	if amount.Sign() == 0 {
		return SwapResult{}, fmt.Errorf("vpool: zero swap amount")
	}

	buy := amount.Sign() > 0
	remaining := fpmath.Abs(amount)

	tokenTotal := new(big.Int)
	quoteTotal := new(big.Int)
	feeTotal := new(big.Int)
	liquidityFeesX128 := new(big.Int)
	sumBDeltaX128 := new(big.Int)

	for remaining.Sign() > 0 {
		if p.liquidity.Sign() == 0 {
			// No active liquidity at this price: jump to the next
			// initialized tick, or fail if none remains.
			next, ok := p.nextInitializedTick(buy)
			if !ok {
				return SwapResult{}, fmt.Errorf("vpool: insufficient liquidity in %s", poolID)
			}
			p.crossInto(next, buy)
			continue
		}

		targetTick, hasTarget := p.nextInitializedTick(buy)
		targetSqrt := boundSqrt(buy)
		if hasTarget {
			targetSqrt = SqrtPriceAtTick(targetTick)
		}
		if sqrtPriceLimitX96 != nil && limitBinds(buy, targetSqrt, sqrtPriceLimitX96) {
			targetSqrt = sqrtPriceLimitX96
			hasTarget = false
		}

		stepToken := Amount0Delta(p.sqrtPriceX96, targetSqrt, p.liquidity)
		stepQuote := Amount1Delta(p.sqrtPriceX96, targetSqrt, p.liquidity)

		stepBudget := stepToken
		if isNotional {
			stepBudget = stepQuote
		}
		if stepBudget.Sign() == 0 && hasTarget {
			// Price already sits on the boundary.
			p.crossInto(targetTick, buy)
			continue
		}

		var usedToken, usedQuote *big.Int
		if remaining.Cmp(stepBudget) >= 0 && stepBudget.Sign() > 0 {
			// Consume the whole step and cross.
			usedToken, usedQuote = stepToken, stepQuote
			remaining.Sub(remaining, stepBudget)
			p.sqrtPriceX96 = new(big.Int).Set(targetSqrt)
			if hasTarget {
				p.crossInto(targetTick, buy)
			} else {
				p.currentTick = tickAtSqrtPrice(p.sqrtPriceX96)
				remaining.SetInt64(0)
			}
		} else {
			// Partial step inside the current tick range.
			newSqrt, err := p.partialStepSqrt(remaining, buy, isNotional)
			if err != nil {
				return SwapResult{}, err
			}
			// The floored next price undershoots the requested side by up
			// to one unit; the taker is filled for the exact remainder.
			if isNotional {
				usedToken = Amount0Delta(p.sqrtPriceX96, newSqrt, p.liquidity)
				usedQuote = new(big.Int).Set(remaining)
			} else {
				usedToken = new(big.Int).Set(remaining)
				usedQuote = Amount1Delta(p.sqrtPriceX96, newSqrt, p.liquidity)
			}
			p.sqrtPriceX96 = newSqrt
			p.currentTick = tickAtSqrtPrice(newSqrt)
			remaining.SetInt64(0)
		}

		tokenTotal.Add(tokenTotal, usedToken)
		quoteTotal.Add(quoteTotal, usedQuote)

		stepFee := fpmath.MulBps(usedQuote, p.feeBps)
		feeTotal.Add(feeTotal, stepFee)
		if p.liquidity.Sign() > 0 {
			feePerLiq, _ := fpmath.MulDiv(stepFee, fpmath.Q128, p.liquidity, fpmath.RoundFloor)
			liquidityFeesX128.Add(liquidityFeesX128, feePerLiq)

			// LP net token exposure moves opposite the taker.
			lpDelta := new(big.Int).Set(usedToken)
			if buy {
				lpDelta.Neg(lpDelta)
			}
			perLiq, _ := fpmath.MulDiv(lpDelta, fpmath.Q128, p.liquidity, fpmath.RoundFloor)
			sumBDeltaX128.Add(sumBDeltaX128, perLiq)
		}
	}

	res := SwapResult{
		VTokenIn:      new(big.Int),
		VQuoteIn:      new(big.Int),
		LiquidityFees: liquidityFeesX128,
		ProtocolFees:  new(big.Int),
		SumBDeltaX128: sumBDeltaX128,
	}
	if buy {
		res.VTokenIn.Set(tokenTotal)
		res.VQuoteIn.Neg(quoteTotal)
	} else {
		res.VTokenIn.Neg(tokenTotal)
		res.VQuoteIn.Set(quoteTotal)
	}
	res.VQuoteIn.Sub(res.VQuoteIn, feeTotal)

	p.observe(e.now)
	return res, nil
}

// partialStepSqrt solves the post-trade sqrt price for a trade that stays
// inside the current tick range.
func (p *poolState) partialStepSqrt(amount *big.Int, buy, isNotional bool) (*big.Int, error) {
	if isNotional {
		// sqrtP' = sqrtP +/- dy*2^96/L
		delta, err := fpmath.MulDiv(amount, fpmath.Q96, p.liquidity, fpmath.RoundFloor)
		if err != nil {
			return nil, err
		}
		out := new(big.Int).Set(p.sqrtPriceX96)
		if buy {
			out.Add(out, delta)
		} else {
			out.Sub(out, delta)
		}
		if out.Sign() <= 0 {
			return nil, fmt.Errorf("vpool: swap exhausts the price range")
		}
		return out, nil
	}

	// sqrtP' = L*2^96*sqrtP / (L*2^96 -/+ dx*sqrtP)
	lq := new(big.Int).Mul(p.liquidity, fpmath.Q96)
	dxSqrt := new(big.Int).Mul(amount, p.sqrtPriceX96)
	den := new(big.Int)
	if buy {
		den.Sub(lq, dxSqrt)
	} else {
		den.Add(lq, dxSqrt)
	}
	if den.Sign() <= 0 {
		return nil, fmt.Errorf("vpool: swap exhausts virtual reserves")
	}
	num := new(big.Int).Mul(lq, p.sqrtPriceX96)
	return fpmath.Div(num, den, fpmath.RoundFloor)
}

// crossInto moves the current tick across an initialized boundary,
// flipping its checkpoint and applying the liquidity net delta.
func (p *poolState) crossInto(boundary int32, up bool) {
	p.ticks.Cross(boundary, p.funding)
	net := p.liquidityNet[boundary]
	if net != nil {
		if up {
			p.liquidity.Add(p.liquidity, net)
		} else {
			p.liquidity.Sub(p.liquidity, net)
		}
	}
	if up {
		p.currentTick = boundary
		p.sqrtPriceX96 = SqrtPriceAtTick(boundary)
	} else {
		p.currentTick = boundary - 1
		p.sqrtPriceX96 = SqrtPriceAtTick(boundary)
	}
}

// nextInitializedTick finds the nearest liquidity boundary in the swap
// direction: strictly above the current tick when buying, at or below it
// when selling.
func (p *poolState) nextInitializedTick(up bool) (int32, bool) {
	found := false
	var best int32
	for t := range p.liquidityGross {
		if up {
			if t > p.currentTick && (!found || t < best) {
				best, found = t, true
			}
		} else {
			if t <= p.currentTick && (!found || t > best) {
				best, found = t, true
			}
		}
	}
	return best, found
}

// UpdateRange mints (positive delta) or burns (negative delta) liquidity on
// [tickLower, tickUpper). Returned amounts follow the account convention:
// negative when the account pays into the pool.
func (e *VirtualExecutor) UpdateRange(poolID string, tickLower, tickUpper int32, liquidityDelta *big.Int) (RangeResult, error) {
	p, err := e.pool(poolID)
	if err != nil {
		return RangeResult{}, err
	}
	if liquidityDelta.Sign() == 0 {
		return RangeResult{}, fmt.Errorf("vpool: zero liquidity delta")
	}
	if tickLower < MinTick || tickUpper > MaxTick {
		return RangeResult{}, fmt.Errorf("vpool: range [%d,%d) outside tick bounds", tickLower, tickUpper)
	}
	if tickLower%p.tickSpacing != 0 || tickUpper%p.tickSpacing != 0 {
		return RangeResult{}, fmt.Errorf("vpool: range [%d,%d) not aligned to tick spacing %d",
			tickLower, tickUpper, p.tickSpacing)
	}

	// Pre-change inside view, for the caller's accrual.
	values, err := e.ValuesInside(poolID, tickLower, tickUpper)
	if err != nil {
		return RangeResult{}, err
	}

	absL := fpmath.Abs(liquidityDelta)
	if liquidityDelta.Sign() < 0 {
		lowerGross := p.liquidityGross[tickLower]
		upperGross := p.liquidityGross[tickUpper]
		if lowerGross == nil || upperGross == nil ||
			lowerGross.Cmp(absL) < 0 || upperGross.Cmp(absL) < 0 {
			return RangeResult{}, fmt.Errorf("vpool: burn exceeds range liquidity in %s [%d,%d)",
				poolID, tickLower, tickUpper)
		}
	}

	sqrtLower := SqrtPriceAtTick(tickLower)
	sqrtUpper := SqrtPriceAtTick(tickUpper)
	base, quote := RangeAmounts(absL, sqrtLower, sqrtUpper, p.sqrtPriceX96)

	p.applyBoundary(tickLower, liquidityDelta, absL)
	p.applyBoundaryUpper(tickUpper, liquidityDelta, absL)

	if tickLower <= p.currentTick && p.currentTick < tickUpper {
		p.liquidity.Add(p.liquidity, liquidityDelta)
	}

	res := RangeResult{
		VTokenAmount: base,
		VQuoteAmount: quote,
		Values:       values,
	}
	if liquidityDelta.Sign() > 0 {
		res.VTokenAmount = fpmath.Neg(base)
		res.VQuoteAmount = fpmath.Neg(quote)
	}
	return res, nil
}

func (p *poolState) applyBoundary(t int32, delta, absDelta *big.Int) {
	gross := p.liquidityGross[t]
	if gross == nil {
		gross = new(big.Int)
		p.liquidityGross[t] = gross
		p.liquidityNet[t] = new(big.Int)
		p.ticks.Initialize(t, p.currentTick, p.funding)
	}
	if delta.Sign() > 0 {
		gross.Add(gross, absDelta)
	} else {
		gross.Sub(gross, absDelta)
	}
	p.liquidityNet[t].Add(p.liquidityNet[t], delta)
	if gross.Sign() == 0 {
		delete(p.liquidityGross, t)
		delete(p.liquidityNet, t)
		p.ticks.Clear(t)
	}
}

func (p *poolState) applyBoundaryUpper(t int32, delta, absDelta *big.Int) {
	gross := p.liquidityGross[t]
	if gross == nil {
		gross = new(big.Int)
		p.liquidityGross[t] = gross
		p.liquidityNet[t] = new(big.Int)
		p.ticks.Initialize(t, p.currentTick, p.funding)
	}
	if delta.Sign() > 0 {
		gross.Add(gross, absDelta)
	} else {
		gross.Sub(gross, absDelta)
	}
	p.liquidityNet[t].Sub(p.liquidityNet[t], delta)
	if gross.Sign() == 0 {
		delete(p.liquidityGross, t)
		delete(p.liquidityNet, t)
		p.ticks.Clear(t)
	}
}

// ValuesInside reads the range's accumulator view from the shared tick
// store, extrapolated to the executor's clock at the oracle mark price.
func (e *VirtualExecutor) ValuesInside(poolID string, tickLower, tickUpper int32) (tick.Values, error) {
	p, err := e.pool(poolID)
	if err != nil {
		return tick.Values{}, err
	}
	if e.markPrice == nil {
		return tick.Values{}, fmt.Errorf("vpool: mark price not bound")
	}
	mark, err := e.markPrice(poolID, e.now)
	if err != nil {
		return tick.Values{}, fmt.Errorf("vpool: mark price for %s: %w", poolID, err)
	}
	return p.ticks.ValuesInside(tickLower, tickUpper, p.currentTick, p.funding, e.now, mark), nil
}

func (e *VirtualExecutor) CurrentTick(poolID string) (int32, error) {
	p, err := e.pool(poolID)
	if err != nil {
		return 0, err
	}
	return p.currentTick, nil
}

func (e *VirtualExecutor) SqrtPriceX96(poolID string) (*big.Int, error) {
	p, err := e.pool(poolID)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(p.sqrtPriceX96), nil
}

// TwapSqrtPriceX96 time-weights the recorded post-swap prices over the
// pool's configured duration. With no history inside the window the spot
// price stands in.
func (e *VirtualExecutor) TwapSqrtPriceX96(poolID string) (*big.Int, error) {
	p, err := e.pool(poolID)
	if err != nil {
		return nil, err
	}
	if p.twapDuration <= 0 || len(p.obs) == 0 {
		return new(big.Int).Set(p.sqrtPriceX96), nil
	}

	windowStart := e.now - p.twapDuration
	weighted := new(big.Int)
	covered := int64(0)
	end := e.now

	for i := len(p.obs) - 1; i >= 0 && covered < p.twapDuration; i-- {
		o := p.obs[i]
		start := o.at
		if start < windowStart {
			start = windowStart
		}
		dt := end - start
		if dt <= 0 {
			end = o.at
			continue
		}
		weighted.Add(weighted, new(big.Int).Mul(o.sqrtPriceX96, big.NewInt(dt)))
		covered += dt
		end = o.at
	}
	if covered == 0 {
		return new(big.Int).Set(p.sqrtPriceX96), nil
	}
	return fpmath.Div(weighted, big.NewInt(covered), fpmath.RoundFloor)
}

// observe appends a price observation, merging same-timestamp updates.
func (p *poolState) observe(now int64) {
	if n := len(p.obs); n > 0 && p.obs[n-1].at == now {
		p.obs[n-1].sqrtPriceX96 = new(big.Int).Set(p.sqrtPriceX96)
		return
	}
	p.obs = append(p.obs, priceObservation{
		sqrtPriceX96: new(big.Int).Set(p.sqrtPriceX96),
		at:           now,
	})
	// Bounded history: drop observations far outside any twap window.
	if len(p.obs) > 4096 {
		p.obs = p.obs[len(p.obs)-2048:]
	}
}

// InitializedTicks lists the pool's liquidity boundaries, ascending.
func (e *VirtualExecutor) InitializedTicks(poolID string) ([]int32, error) {
	p, err := e.pool(poolID)
	if err != nil {
		return nil, err
	}
	out := make([]int32, 0, len(p.liquidityGross))
	for t := range p.liquidityGross {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func boundSqrt(up bool) *big.Int {
	if up {
		return SqrtPriceAtTick(MaxTick)
	}
	return SqrtPriceAtTick(MinTick)
}

func limitBinds(buy bool, target, limit *big.Int) bool {
	if buy {
		return limit.Cmp(target) < 0
	}
	return limit.Cmp(target) > 0
}

// tickAtSqrtPrice inverts SqrtPriceAtTick by binary search; returns the
// largest tick whose sqrt price does not exceed the given one.
func tickAtSqrtPrice(sqrtX96 *big.Int) int32 {
	lo, hi := int64(MinTick), int64(MaxTick)
	for lo < hi {
		mid := (lo + hi + 1) >> 1
		if SqrtPriceAtTick(int32(mid)).Cmp(sqrtX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return int32(lo)
}
