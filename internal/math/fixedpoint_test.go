package math_test

import (
	"math/big"
	"testing"

	fpmath "PerpClearing/internal/math"
)

func TestDiv_FloorNegative(t *testing.T) {
	got, err := fpmath.Div(big.NewInt(-7), big.NewInt(2), fpmath.RoundFloor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Int64() != -4 {
		t.Errorf("floor(-7/2) got %d, want -4", got.Int64())
	}
}

func TestDiv_TruncNegative(t *testing.T) {
	got, err := fpmath.Div(big.NewInt(-7), big.NewInt(2), fpmath.RoundTrunc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Int64() != -3 {
		t.Errorf("trunc(-7/2) got %d, want -3", got.Int64())
	}
}

func TestDiv_CeilPositive(t *testing.T) {
	got, err := fpmath.Div(big.NewInt(7), big.NewInt(2), fpmath.RoundCeil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Int64() != 4 {
		t.Errorf("ceil(7/2) got %d, want 4", got.Int64())
	}
}

func TestDiv_Exact(t *testing.T) {
	for _, mode := range []fpmath.RoundingMode{fpmath.RoundFloor, fpmath.RoundTrunc, fpmath.RoundCeil} {
		got, err := fpmath.Div(big.NewInt(-8), big.NewInt(2), mode)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Int64() != -4 {
			t.Errorf("mode %d: -8/2 got %d, want -4", mode, got.Int64())
		}
	}
}

func TestDiv_ByZero(t *testing.T) {
	_, err := fpmath.Div(big.NewInt(1), big.NewInt(0), fpmath.RoundFloor)
	if err == nil {
		t.Fatal("division by zero should fail")
	}
	if _, ok := err.(*fpmath.ArithmeticError); !ok {
		t.Errorf("want *ArithmeticError, got %T", err)
	}
}

func TestMulQ128_PriceTimesAmount(t *testing.T) {
	// price 4000 in Q128 times amount 10 = 40000
	price := new(big.Int).Mul(big.NewInt(4000), fpmath.Q128)
	got := fpmath.MulQ128(big.NewInt(10), price)
	if got.Int64() != 40000 {
		t.Errorf("got %d, want 40000", got.Int64())
	}
}

func TestMulQ128_FloorsNegative(t *testing.T) {
	// -1 * (1/2 in Q128) floors to -1, not 0
	half := new(big.Int).Rsh(fpmath.Q128, 1)
	got := fpmath.MulQ128(big.NewInt(-1), half)
	if got.Int64() != -1 {
		t.Errorf("got %d, want -1", got.Int64())
	}
	gotTrunc := fpmath.MulQ128Trunc(big.NewInt(-1), half)
	if gotTrunc.Int64() != 0 {
		t.Errorf("trunc got %d, want 0", gotTrunc.Int64())
	}
}

func TestMulBps(t *testing.T) {
	got := fpmath.MulBps(big.NewInt(40000), 150) // 1.5%
	if got.Int64() != 600 {
		t.Errorf("got %d, want 600", got.Int64())
	}
}

func TestAddLiquidityDelta_Underflow(t *testing.T) {
	_, err := fpmath.AddLiquidityDelta(big.NewInt(5), big.NewInt(-6))
	if err == nil {
		t.Fatal("removing more than existing liquidity should fail")
	}
}

func TestAddLiquidityDelta_ToZero(t *testing.T) {
	got, err := fpmath.AddLiquidityDelta(big.NewInt(5), big.NewInt(-5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sign() != 0 {
		t.Errorf("got %s, want 0", got)
	}
}

func TestBracket(t *testing.T) {
	cases := []struct {
		before, after int64
		want          bool
	}{
		{10, -5, true},
		{-3, 2, true},
		{5, 0, true},
		{0, 7, true},
		{10, 5, false},
		{-10, -1, false},
	}
	for _, c := range cases {
		got := fpmath.Bracket(big.NewInt(c.before), big.NewInt(c.after))
		if got != c.want {
			t.Errorf("Bracket(%d, %d) got %v, want %v", c.before, c.after, got, c.want)
		}
	}
}
