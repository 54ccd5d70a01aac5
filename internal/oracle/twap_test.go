package oracle_test

import (
	"math/big"
	"testing"

	"PerpClearing/internal/oracle"
)

func addRounds(t *testing.T, h *oracle.RoundHistory, prices []int64, startAt, spacing int64) {
	t.Helper()
	for i, p := range prices {
		if err := h.AddRound(big.NewInt(p), startAt+int64(i)*spacing); err != nil {
			t.Fatalf("add round: %v", err)
		}
	}
}

func TestTwapFullHistory(t *testing.T) {
	h := oracle.NewRoundHistory("ETH-USD", 180)
	addRounds(t, h, []int64{3000, 3050, 3100}, 0, 60)

	// Full window [0,180]: each round active 60s. Exact weighted average is
	// 3050; per-round flooring (3050/3 and 3100/3 truncate) lands one below.
	got, err := h.TwapPrice(180, 180)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if got.Int64() != 3049 {
		t.Errorf("got %d, want 3049", got.Int64())
	}
}

func TestTwapPartialWindow(t *testing.T) {
	h := oracle.NewRoundHistory("ETH-USD", 60)
	addRounds(t, h, []int64{3000, 3050, 3100}, 0, 60)

	// Window [120,180]: only the last round is active.
	got, err := h.TwapPrice(180, 60)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if got.Int64() != 3100 {
		t.Errorf("got %d, want 3100", got.Int64())
	}
}

func TestTwapWindowSplitsMidRound(t *testing.T) {
	h := oracle.NewRoundHistory("ETH-USD", 90)
	addRounds(t, h, []int64{3000, 3100}, 0, 60)

	// Window [30,120]: 3000 active 30s, 3100 active 60s.
	// floor(3000*30/90) + floor(3100*60/90) = 1000 + 2066 = 3066.
	got, err := h.TwapPrice(120, 90)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if got.Int64() != 3066 {
		t.Errorf("got %d, want 3066", got.Int64())
	}
}

func TestTwapZeroDurationReturnsLatest(t *testing.T) {
	h := oracle.NewRoundHistory("ETH-USD", 0)
	addRounds(t, h, []int64{3000, 3050}, 0, 60)

	got, err := h.TwapPrice(60, 0)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if got.Int64() != 3050 {
		t.Errorf("got %d, want 3050", got.Int64())
	}
}

func TestTwapRejectsOutOfOrderRounds(t *testing.T) {
	h := oracle.NewRoundHistory("ETH-USD", 60)
	if err := h.AddRound(big.NewInt(3000), 100); err != nil {
		t.Fatalf("add round: %v", err)
	}
	if err := h.AddRound(big.NewInt(3050), 50); err == nil {
		t.Error("out-of-order round should be rejected")
	}
}

func TestTwapNoRounds(t *testing.T) {
	h := oracle.NewRoundHistory("ETH-USD", 60)
	if _, err := h.TwapPrice(100, 60); err == nil {
		t.Error("empty history should error")
	}
}

func TestFixedOracle(t *testing.T) {
	f := oracle.NewFixed()
	f.Set("ETH-PERP", big.NewInt(42))
	got, err := f.MarkPriceX128("ETH-PERP", 0)
	if err != nil {
		t.Fatalf("mark price: %v", err)
	}
	if got.Int64() != 42 {
		t.Errorf("got %d, want 42", got.Int64())
	}
	if _, err := f.MarkPriceX128("BTC-PERP", 0); err == nil {
		t.Error("unknown id should error")
	}
}
