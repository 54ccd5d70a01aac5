package amm

import (
	"math/big"

	"PerpClearing/internal/tick"
)

// SwapResult is the signed outcome of a virtual-pool swap. VTokenIn and
// VQuoteIn are the deltas applied to the caller's balances (positive =
// tokens into the account). LiquidityFees is the swap fee per unit of
// active liquidity (Q128) and SumBDeltaX128 the per-liquidity net position
// change (Q128); the clearing engine commits both to the pool's global
// funding checkpoint after its pre-trade reads.
type SwapResult struct {
	VTokenIn      *big.Int
	VQuoteIn      *big.Int
	LiquidityFees *big.Int
	ProtocolFees  *big.Int
	SumBDeltaX128 *big.Int
}

// RangeResult is the outcome of a mint/burn on a liquidity range. The
// deltas follow the same sign convention as SwapResult; Values is the
// inside-range accumulator view at the pre-change state.
type RangeResult struct {
	VTokenAmount *big.Int
	VQuoteAmount *big.Int
	Values       tick.Values
}

// Snapshot is an opaque rewind point for one pool, captured before the
// first mutating call of a clearing operation and replayed when a later
// step fails. Stateless executors return the zero value.
type Snapshot struct {
	poolID string
	pool   *poolState
	ticks  *tick.Store
}

// Executor is the AMM execution collaborator. The clearing engine treats
// swap/mint/burn mechanics as a black box returning deltas and updated
// per-tick sums; tests inject a scripted implementation.
type Executor interface {
	// Swap trades a signed amount (token units, or quote notional when
	// isNotional) against the pool's virtual liquidity.
	Swap(poolID string, amount *big.Int, isNotional bool, sqrtPriceLimitX96 *big.Int) (SwapResult, error)

	// UpdateRange mints (positive delta) or burns (negative delta)
	// liquidity on [tickLower, tickUpper).
	UpdateRange(poolID string, tickLower, tickUpper int32, liquidityDelta *big.Int) (RangeResult, error)

	// ValuesInside reads the range's accumulator view without mutating.
	ValuesInside(poolID string, tickLower, tickUpper int32) (tick.Values, error)

	CurrentTick(poolID string) (int32, error)

	// SqrtPriceX96 returns the pool's spot sqrt price.
	SqrtPriceX96(poolID string) (*big.Int, error)

	// TwapSqrtPriceX96 returns the pool's time-weighted sqrt price over
	// its configured duration; the virtual price for funding derives
	// from it.
	TwapSqrtPriceX96(poolID string) (*big.Int, error)

	// Snapshot captures the pool's execution state before a mutating
	// call. Restore rewinds to it, discarding every mutation since, so a
	// clearing operation that fails partway leaves no trace in the pool.
	Snapshot(poolID string) (Snapshot, error)
	Restore(snap Snapshot)
}
