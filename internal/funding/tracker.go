package funding

import (
	"math/big"
	"sort"

	fpmath "PerpClearing/internal/math"
)

// FundingPeriodSeconds is the period over which the virtual/real price gap
// is paid out in full. The per-second rate divides the gap by this.
const FundingPeriodSeconds = 86_400

// maxRatePerSecondX128 clamps the per-second funding rate to ±0.5% per day.
var maxRatePerSecondX128 = new(big.Int).Div(
	new(big.Int).Mul(fpmath.Q128, big.NewInt(5)),
	big.NewInt(1000*FundingPeriodSeconds),
)

// State is the global funding checkpoint of one pool.
//
// SumA is the funding-rate time integral in Q128 quote-per-base units: a
// trader balance pays balance*Δ(SumA)/2^128 quote. SumB is the net trader
// position per unit of pool liquidity (Q128), SumFp the cumulative funding
// payment per unit liquidity (Q128), SumFeeGlobal the cumulative swap fee
// per unit liquidity (Q128). Extrapolated reads never mutate the stored
// checkpoint; only RegisterTrade commits a new one.
type State struct {
	SumAX128        *big.Int
	SumBX128        *big.Int
	SumFpX128       *big.Int
	SumFeeX128      *big.Int
	FundingRateX128 *big.Int // per-second, signed Q128 fraction
	TimestampLast   int64
}

// NewState returns the zero checkpoint anchored at the pool deployment time.
func NewState(deployedAt int64) *State {
	return &State{
		SumAX128:        new(big.Int),
		SumBX128:        new(big.Int),
		SumFpX128:       new(big.Int),
		SumFeeX128:      new(big.Int),
		FundingRateX128: new(big.Int),
		TimestampLast:   deployedAt,
	}
}

// ExtrapolatedSumA projects SumA forward to now at markPrice without
// committing. A zero time delta (two operations in the same instant)
// is a no-op by construction.
func (s *State) ExtrapolatedSumA(now int64, markPriceX128 *big.Int) *big.Int {
	dt := now - s.TimestampLast
	if dt <= 0 || s.FundingRateX128.Sign() == 0 {
		return new(big.Int).Set(s.SumAX128)
	}
	// rate (Q128/sec) * price (Q128) / Q128 -> Q128 quote/sec, then * dt
	perSecond := fpmath.MulQ128(s.FundingRateX128, markPriceX128)
	delta := new(big.Int).Mul(perSecond, big.NewInt(dt))
	return new(big.Int).Add(s.SumAX128, delta)
}

// ExtrapolatedSumFp projects an arbitrary stale checkpoint's funding forward
// to now: sumFpCkpt + sumBCkpt*(extrapolatedSumA - sumACkpt)/2^128.
func (s *State) ExtrapolatedSumFp(sumACkptX128, sumBCkptX128, sumFpCkptX128 *big.Int, now int64, markPriceX128 *big.Int) *big.Int {
	sumA := s.ExtrapolatedSumA(now, markPriceX128)
	deltaA := new(big.Int).Sub(sumA, sumACkptX128)
	return new(big.Int).Add(sumFpCkptX128, fpmath.MulQ128(sumBCkptX128, deltaA))
}

// RegisterTrade commits a new global checkpoint. Called exactly once per
// state-mutating trade or liquidity change on the pool, after every read
// that needs the pre-trade state.
func (s *State) RegisterTrade(deltaBX128, feePerLiquidityX128 *big.Int, now int64, realPriceX128, virtualPriceX128 *big.Int) {
	sumA := s.ExtrapolatedSumA(now, realPriceX128)
	deltaA := new(big.Int).Sub(sumA, s.SumAX128)

	s.SumFpX128.Add(s.SumFpX128, fpmath.MulQ128(s.SumBX128, deltaA))
	s.SumAX128.Set(sumA)
	s.SumBX128.Add(s.SumBX128, deltaBX128)
	s.SumFeeX128.Add(s.SumFeeX128, feePerLiquidityX128)
	s.FundingRateX128 = RatePerSecond(realPriceX128, virtualPriceX128)
	s.TimestampLast = now
}

// RatePerSecond derives the per-second funding rate from the gap between
// the virtual (AMM) price and the real (oracle) price, clamped to
// ±0.5% per day. Longs pay when the virtual price trades rich.
func RatePerSecond(realPriceX128, virtualPriceX128 *big.Int) *big.Int {
	if realPriceX128.Sign() <= 0 {
		return new(big.Int)
	}
	gap := new(big.Int).Sub(virtualPriceX128, realPriceX128)
	denom := new(big.Int).Mul(realPriceX128, big.NewInt(FundingPeriodSeconds))
	rate, err := fpmath.MulDiv(gap, fpmath.Q128, denom, fpmath.RoundTrunc)
	if err != nil {
		return new(big.Int)
	}
	if rate.CmpAbs(maxRatePerSecondX128) > 0 {
		clamped := new(big.Int).Set(maxRatePerSecondX128)
		if rate.Sign() < 0 {
			clamped.Neg(clamped)
		}
		return clamped
	}
	return rate
}

// Store holds per-pool funding state keyed by pool id. Test fixtures and
// multi-pool deployments each get their own Store; never a singleton.
type Store struct {
	pools map[string]*State
}

func NewStore() *Store {
	return &Store{pools: make(map[string]*State)}
}

// GetOrCreate returns the pool's state, anchoring a fresh checkpoint at
// deployedAt on first touch.
func (st *Store) GetOrCreate(poolID string, deployedAt int64) *State {
	s, ok := st.pools[poolID]
	if !ok {
		s = NewState(deployedAt)
		st.pools[poolID] = s
	}
	return s
}

// Get returns the pool's state if it exists.
func (st *Store) Get(poolID string) (*State, bool) {
	s, ok := st.pools[poolID]
	return s, ok
}

// PoolIDs returns the tracked pool ids in sorted order.
func (st *Store) PoolIDs() []string {
	ids := make([]string, 0, len(st.pools))
	for id := range st.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
