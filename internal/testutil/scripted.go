package testutil

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/amm"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/tick"
)

// ScriptedAMM is an amm.Executor that replays canned results, so account
// accounting can be tested bit-for-bit without real swap execution.
type ScriptedAMM struct {
	swaps  []amm.SwapResult
	ranges []amm.RangeResult

	Tick         int32
	SqrtPrice    *big.Int
	TwapSqrt     *big.Int
	InsideValues tick.Values
}

// NewScriptedAMM starts at tick 0 with a unit sqrt price.
func NewScriptedAMM() *ScriptedAMM {
	return &ScriptedAMM{
		SqrtPrice:    new(big.Int).Set(fpmath.Q96),
		TwapSqrt:     new(big.Int).Set(fpmath.Q96),
		InsideValues: ZeroValues(),
	}
}

// ZeroValues is an all-zero inside-range view.
func ZeroValues() tick.Values {
	return tick.Values{
		SumAX128:         new(big.Int),
		SumBInsideX128:   new(big.Int),
		SumFpInsideX128:  new(big.Int),
		SumFeeInsideX128: new(big.Int),
	}
}

// QueueSwap scripts the next Swap call's deltas.
func (s *ScriptedAMM) QueueSwap(vTokenIn, vQuoteIn int64) {
	s.swaps = append(s.swaps, amm.SwapResult{
		VTokenIn:      big.NewInt(vTokenIn),
		VQuoteIn:      big.NewInt(vQuoteIn),
		LiquidityFees: new(big.Int),
		ProtocolFees:  new(big.Int),
		SumBDeltaX128: new(big.Int),
	})
}

// QueueRange scripts the next UpdateRange call's deltas, read against the
// current InsideValues.
func (s *ScriptedAMM) QueueRange(vTokenAmount, vQuoteAmount int64) {
	s.ranges = append(s.ranges, amm.RangeResult{
		VTokenAmount: big.NewInt(vTokenAmount),
		VQuoteAmount: big.NewInt(vQuoteAmount),
		Values:       s.InsideValues,
	})
}

func (s *ScriptedAMM) Swap(poolID string, amount *big.Int, isNotional bool, sqrtPriceLimitX96 *big.Int) (amm.SwapResult, error) {
	if len(s.swaps) == 0 {
		return amm.SwapResult{}, fmt.Errorf("scripted amm: no swap queued for %s", poolID)
	}
	res := s.swaps[0]
	s.swaps = s.swaps[1:]
	return res, nil
}

func (s *ScriptedAMM) UpdateRange(poolID string, tickLower, tickUpper int32, liquidityDelta *big.Int) (amm.RangeResult, error) {
	if len(s.ranges) == 0 {
		return amm.RangeResult{}, fmt.Errorf("scripted amm: no range result queued for %s", poolID)
	}
	res := s.ranges[0]
	s.ranges = s.ranges[1:]
	return res, nil
}

func (s *ScriptedAMM) ValuesInside(poolID string, tickLower, tickUpper int32) (tick.Values, error) {
	return s.InsideValues, nil
}

func (s *ScriptedAMM) CurrentTick(poolID string) (int32, error) {
	return s.Tick, nil
}

func (s *ScriptedAMM) SqrtPriceX96(poolID string) (*big.Int, error) {
	return new(big.Int).Set(s.SqrtPrice), nil
}

func (s *ScriptedAMM) TwapSqrtPriceX96(poolID string) (*big.Int, error) {
	return new(big.Int).Set(s.TwapSqrt), nil
}

// Snapshot and Restore are no-ops: queued results are consumed on use, so
// there is no pool state to rewind.
func (s *ScriptedAMM) Snapshot(poolID string) (amm.Snapshot, error) {
	return amm.Snapshot{}, nil
}

func (s *ScriptedAMM) Restore(amm.Snapshot) {}
