package math

import "math/big"

// AddLiquidityDelta applies a signed delta to an unsigned liquidity amount.
// Removal can never exceed existing liquidity.
func AddLiquidityDelta(liquidity, delta *big.Int) (*big.Int, error) {
	out := new(big.Int).Add(liquidity, delta)
	if out.Sign() < 0 {
		return nil, &ArithmeticError{Op: "liquidityChange", Detail: "liquidity underflow"}
	}
	return out, nil
}

// Bracket reports whether before and after straddle (or land on) zero,
// i.e. the signed quantity crossed through flat.
func Bracket(before, after *big.Int) bool {
	if before.Sign() == 0 || after.Sign() == 0 {
		return true
	}
	return before.Sign() != after.Sign()
}

// Sign returns -1, 0 or +1.
func Sign(v *big.Int) int {
	return v.Sign()
}
