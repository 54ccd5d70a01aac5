package clearing

import (
	"fmt"
	"math/big"
)

// Violations reject the whole call; nothing is partially applied. Each one
// carries the computed values so callers can show the shortfall.

// NotEnoughMarginError: the action would leave the account below its
// initial required margin.
type NotEnoughMarginError struct {
	MarketValue    *big.Int
	RequiredMargin *big.Int
}

func (e *NotEnoughMarginError) Error() string {
	return fmt.Sprintf("not enough margin: market value %s < required %s", e.MarketValue, e.RequiredMargin)
}

// NotEnoughProfitError: insufficient realized profit to withdraw.
type NotEnoughProfitError struct {
	Profit *big.Int
}

func (e *NotEnoughProfitError) Error() string {
	return fmt.Sprintf("not enough profit: realized profit %s", e.Profit)
}

// AccountAbovewaterError: liquidation attempted on a solvent account.
type AccountAbovewaterError struct {
	MarketValue    *big.Int
	RequiredMargin *big.Int
}

func (e *AccountAbovewaterError) Error() string {
	return fmt.Sprintf("account above water: market value %s >= required %s", e.MarketValue, e.RequiredMargin)
}

// ActiveRangePresentError: token liquidation attempted while the target
// still has an active range in the pool.
type ActiveRangePresentError struct {
	PoolID string
}

func (e *ActiveRangePresentError) Error() string {
	return fmt.Sprintf("active range present in pool %s: liquidate ranges first", e.PoolID)
}

// IneligibleLimitOrderRemovalError: price has not left the range on the
// order's side.
type IneligibleLimitOrderRemovalError struct {
	PoolID      string
	CurrentTick int32
}

func (e *IneligibleLimitOrderRemovalError) Error() string {
	return fmt.Sprintf("limit order not removable in pool %s at tick %d", e.PoolID, e.CurrentTick)
}

// InactiveRangeError: the addressed range does not exist or is not a
// limit order.
type InactiveRangeError struct {
	PoolID    string
	TickLower int32
	TickUpper int32
}

func (e *InactiveRangeError) Error() string {
	return fmt.Sprintf("no removable range [%d,%d) in pool %s", e.TickLower, e.TickUpper, e.PoolID)
}

// AccountNotFoundError addresses an id that was never created.
type AccountNotFoundError struct {
	AccountID uint64
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account %d not found", e.AccountID)
}
