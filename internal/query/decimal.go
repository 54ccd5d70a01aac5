package query

import (
	"math/big"

	"github.com/shopspring/decimal"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/funding"
)

var q128Decimal = decimal.NewFromBigInt(fpmath.Q128, 0)

// scaleUnits converts an integer amount in base units to display units.
func scaleUnits(raw decimal.Decimal, decimals int32) decimal.Decimal {
	return raw.Shift(-decimals)
}

// q128ToDecimal converts a Q128 fixed-point value to a plain decimal.
func q128ToDecimal(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, 0).DivRound(q128Decimal, 18)
}

// ratePerDay converts a per-second Q128 funding rate to a daily fraction.
func ratePerDay(rateX128 *big.Int) decimal.Decimal {
	perDay := new(big.Int).Mul(rateX128, big.NewInt(funding.FundingPeriodSeconds))
	return q128ToDecimal(perDay)
}
