package tick

import (
	"math/big"

	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
)

// Checkpoint is the "outside" snapshot of one initialized tick: each value
// is the accumulator total on the side of the tick away from the pool's
// reference tick at the moment of the last crossing.
type Checkpoint struct {
	SumALastX128      *big.Int
	SumBOutsideX128   *big.Int
	SumFpOutsideX128  *big.Int
	SumFeeOutsideX128 *big.Int
}

func newCheckpoint() *Checkpoint {
	return &Checkpoint{
		SumALastX128:      new(big.Int),
		SumBOutsideX128:   new(big.Int),
		SumFpOutsideX128:  new(big.Int),
		SumFeeOutsideX128: new(big.Int),
	}
}

// fpOutsideExtrapolated projects the outside funding sum forward to the
// extrapolated global sumA: fpOutside + bOutside*(sumA - sumALast)/2^128.
func (c *Checkpoint) fpOutsideExtrapolated(sumAX128 *big.Int) *big.Int {
	deltaA := new(big.Int).Sub(sumAX128, c.SumALastX128)
	return new(big.Int).Add(c.SumFpOutsideX128, fpmath.MulQ128(c.SumBOutsideX128, deltaA))
}

// Values is the inside-range view of the accumulators. SumA is the global
// extrapolated value (it is not range-scoped, only a reference point).
type Values struct {
	SumAX128         *big.Int
	SumBInsideX128   *big.Int
	SumFpInsideX128  *big.Int
	SumFeeInsideX128 *big.Int
}

// Store holds the per-tick checkpoints of one pool.
type Store struct {
	ticks     map[int32]*Checkpoint
	crossings map[int32]int
}

func NewStore() *Store {
	return &Store{
		ticks:     make(map[int32]*Checkpoint),
		crossings: make(map[int32]int),
	}
}

// Initialize creates the tick's checkpoint on first liquidity at that
// boundary. When the current tick is at or above the new boundary the
// outside values start at the global totals (Uniswap convention); below,
// they start at zero. Idempotent for an already-initialized tick.
func (st *Store) Initialize(tick, currentTick int32, g *funding.State) {
	if _, ok := st.ticks[tick]; ok {
		return
	}
	c := newCheckpoint()
	if currentTick >= tick {
		c.SumALastX128.Set(g.SumAX128)
		c.SumBOutsideX128.Set(g.SumBX128)
		c.SumFpOutsideX128.Set(g.SumFpX128)
		c.SumFeeOutsideX128.Set(g.SumFeeX128)
	}
	st.ticks[tick] = c
}

// Clear removes the tick's checkpoint when its last liquidity is burned.
func (st *Store) Clear(tick int32) {
	delete(st.ticks, tick)
	delete(st.crossings, tick)
}

// Cross flips the tick's outside values against the freshly committed
// global checkpoint. The AMM wrapper must call this exactly once per
// crossing per direction; the store only counts crossings for tests.
func (st *Store) Cross(tick int32, g *funding.State) {
	c, ok := st.ticks[tick]
	if !ok {
		c = newCheckpoint()
		st.ticks[tick] = c
	}
	c.SumALastX128.Set(g.SumAX128)
	c.SumBOutsideX128.Sub(g.SumBX128, c.SumBOutsideX128)
	c.SumFpOutsideX128.Sub(g.SumFpX128, c.SumFpOutsideX128)
	c.SumFeeOutsideX128.Sub(g.SumFeeX128, c.SumFeeOutsideX128)
	st.crossings[tick]++
}

// Crossings returns how many times the tick has been crossed.
func (st *Store) Crossings(tick int32) int {
	return st.crossings[tick]
}

// Export deep-copies every initialized checkpoint for snapshotting.
func (st *Store) Export() map[int32]*Checkpoint {
	out := make(map[int32]*Checkpoint, len(st.ticks))
	for t, c := range st.ticks {
		cp := newCheckpoint()
		cp.SumALastX128.Set(c.SumALastX128)
		cp.SumBOutsideX128.Set(c.SumBOutsideX128)
		cp.SumFpOutsideX128.Set(c.SumFpOutsideX128)
		cp.SumFeeOutsideX128.Set(c.SumFeeOutsideX128)
		out[t] = cp
	}
	return out
}

// Clone deep-copies the store, crossing counters included.
func (st *Store) Clone() *Store {
	out := NewStore()
	out.ticks = st.Export()
	for t, n := range st.crossings {
		out.crossings[t] = n
	}
	return out
}

// CopyFrom replaces the store's state in place with a deep copy of src,
// so holders of a shared pointer observe the replacement.
func (st *Store) CopyFrom(src *Store) {
	st.ticks = src.Export()
	st.crossings = make(map[int32]int, len(src.crossings))
	for t, n := range src.crossings {
		st.crossings[t] = n
	}
}

// Restore reinstates a snapshotted checkpoint. Recovery only.
func (st *Store) Restore(tick int32, c *Checkpoint) {
	cp := newCheckpoint()
	cp.SumALastX128.Set(c.SumALastX128)
	cp.SumBOutsideX128.Set(c.SumBOutsideX128)
	cp.SumFpOutsideX128.Set(c.SumFpOutsideX128)
	cp.SumFeeOutsideX128.Set(c.SumFeeOutsideX128)
	st.ticks[tick] = cp
}

// checkpointOrZero reads a tick, treating never-initialized ticks as
// all-zero. Correct only while the AMM wrapper never skips a Cross.
func (st *Store) checkpointOrZero(tick int32) *Checkpoint {
	if c, ok := st.ticks[tick]; ok {
		return c
	}
	return newCheckpoint()
}

// ValuesInside computes the accumulator totals confined to
// [tickLower, tickUpper) at the extrapolated global state. The three-way
// current-tick split collapses into below/above subtraction:
//
//	inside = global - below(lower) - above(upper)
func (st *Store) ValuesInside(tickLower, tickUpper, currentTick int32, g *funding.State, now int64, markPriceX128 *big.Int) Values {
	sumA := g.ExtrapolatedSumA(now, markPriceX128)
	globalFp := g.ExtrapolatedSumFp(g.SumAX128, g.SumBX128, g.SumFpX128, now, markPriceX128)

	lower := st.checkpointOrZero(tickLower)
	upper := st.checkpointOrZero(tickUpper)

	var belowB, belowFp, belowFee *big.Int
	if currentTick >= tickLower {
		belowB = new(big.Int).Set(lower.SumBOutsideX128)
		belowFp = lower.fpOutsideExtrapolated(sumA)
		belowFee = new(big.Int).Set(lower.SumFeeOutsideX128)
	} else {
		belowB = new(big.Int).Sub(g.SumBX128, lower.SumBOutsideX128)
		belowFp = new(big.Int).Sub(globalFp, lower.fpOutsideExtrapolated(sumA))
		belowFee = new(big.Int).Sub(g.SumFeeX128, lower.SumFeeOutsideX128)
	}

	var aboveB, aboveFp, aboveFee *big.Int
	if currentTick < tickUpper {
		aboveB = new(big.Int).Set(upper.SumBOutsideX128)
		aboveFp = upper.fpOutsideExtrapolated(sumA)
		aboveFee = new(big.Int).Set(upper.SumFeeOutsideX128)
	} else {
		aboveB = new(big.Int).Sub(g.SumBX128, upper.SumBOutsideX128)
		aboveFp = new(big.Int).Sub(globalFp, upper.fpOutsideExtrapolated(sumA))
		aboveFee = new(big.Int).Sub(g.SumFeeX128, upper.SumFeeOutsideX128)
	}

	return Values{
		SumAX128:         sumA,
		SumBInsideX128:   new(big.Int).Sub(new(big.Int).Sub(g.SumBX128, belowB), aboveB),
		SumFpInsideX128:  new(big.Int).Sub(new(big.Int).Sub(globalFp, belowFp), aboveFp),
		SumFeeInsideX128: new(big.Int).Sub(new(big.Int).Sub(g.SumFeeX128, belowFee), aboveFee),
	}
}
