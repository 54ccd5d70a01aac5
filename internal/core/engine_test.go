package core

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/event"
	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/testutil"
)

func newCoreFixture(t *testing.T) (*DeterministicCore, chan CoreOutput, chan CoreOutput, *testutil.ScriptedAMM) {
	t.Helper()

	scripted := testutil.NewScriptedAMM()
	board := oracle.NewBoard()
	if err := board.Register("eth-usd", 300).AddRound(big.NewInt(4_000), 0); err != nil {
		t.Fatalf("seed eth round: %v", err)
	}
	if err := board.Register("usdc-usd", 300).AddRound(big.NewInt(1), 0); err != nil {
		t.Fatalf("seed usdc round: %v", err)
	}

	proto := clearing.NewProtocol(scripted, board)
	proto.RegisterCollateral(&clearing.CollateralSettings{CollateralID: "USDC", OracleID: "usdc-usd"})
	proto.RegisterPool(&clearing.PoolSettings{
		PoolID:                    "ETH-PERP",
		OracleID:                  "eth-usd",
		InitialMarginRatioBps:     2000,
		MaintenanceMarginRatioBps: 1000,
		TwapDuration:              300,
	})

	persistChan := make(chan CoreOutput, 16)
	projectionChan := make(chan CoreOutput, 16)
	c := NewDeterministicCore(0, proto, board, persistChan, projectionChan, nil, nil, 0)
	return c, persistChan, projectionChan, scripted
}

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestProcessEventPipeline(t *testing.T) {
	c, persistChan, _, scripted := newCoreFixture(t)
	owner := uuid.New()

	create := &event.AccountCreate{RequestID: uuid.New(), Owner: owner, Sequence: 0, Timestamp: ts(1_000)}
	if err := c.ProcessEvent(create); err != nil {
		t.Fatalf("account create: %v", err)
	}
	deposit := &event.MarginAdd{
		RequestID: uuid.New(), AccountID: 1, CollateralID: "USDC",
		Amount: big.NewInt(10_000), Sequence: 1, Timestamp: ts(1_000),
	}
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("margin add: %v", err)
	}

	scripted.QueueSwap(2, -8_000)
	swap := &event.TokenSwap{
		RequestID: uuid.New(), AccountID: 1, Pool: "ETH-PERP",
		Amount: big.NewInt(2), Sequence: 0, Timestamp: ts(1_000),
	}
	if err := c.ProcessEvent(swap); err != nil {
		t.Fatalf("token swap: %v", err)
	}

	if got := c.Sequence(); got != 3 {
		t.Fatalf("sequence = %d, want 3", got)
	}

	outputs := make([]CoreOutput, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case out := <-persistChan:
			outputs = append(outputs, out)
		default:
			t.Fatalf("persist output %d missing", i)
		}
	}

	for i, out := range outputs {
		if out.Envelope.Sequence != int64(i) {
			t.Errorf("envelope %d sequence = %d", i, out.Envelope.Sequence)
		}
		if len(out.Envelope.Payload) == 0 {
			t.Errorf("envelope %d has empty payload", i)
		}
	}

	// Hash chain: each envelope's prev hash is its predecessor's state hash.
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("hash chain broken at %d", i)
		}
	}

	// The swap landed on the ledger.
	a, err := c.Ledger().Account(1)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if a.VQuoteBalance.Cmp(big.NewInt(-8_000)) != 0 {
		t.Fatalf("quote = %s, want -8000", a.VQuoteBalance)
	}
}

func TestProcessEventDuplicateDropped(t *testing.T) {
	c, persistChan, _, _ := newCoreFixture(t)

	create := &event.AccountCreate{RequestID: uuid.New(), Owner: uuid.New(), Sequence: 0, Timestamp: ts(1_000)}
	if err := c.ProcessEvent(create); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := c.ProcessEvent(create); err != nil {
		t.Fatalf("duplicate should be a silent no-op, got %v", err)
	}
	if got := c.Sequence(); got != 1 {
		t.Fatalf("sequence = %d, want 1 (duplicate must not advance)", got)
	}
	<-persistChan
	select {
	case <-persistChan:
		t.Fatal("duplicate produced a persist output")
	default:
	}
}

func TestProcessEventSequenceGapRejected(t *testing.T) {
	c, _, _, _ := newCoreFixture(t)

	create := &event.AccountCreate{RequestID: uuid.New(), Owner: uuid.New(), Sequence: 0, Timestamp: ts(1_000)}
	if err := c.ProcessEvent(create); err != nil {
		t.Fatalf("first: %v", err)
	}
	gap := &event.MarginAdd{
		RequestID: uuid.New(), AccountID: 1, CollateralID: "USDC",
		Amount: big.NewInt(100), Sequence: 5, Timestamp: ts(1_000),
	}
	if err := c.ProcessEvent(gap); err == nil {
		t.Fatal("expected sequence gap error")
	}
}

func TestProcessEventMarginRejection(t *testing.T) {
	c, persistChan, _, scripted := newCoreFixture(t)

	events := []event.Event{
		&event.AccountCreate{RequestID: uuid.New(), Owner: uuid.New(), Sequence: 0, Timestamp: ts(1_000)},
		&event.MarginAdd{RequestID: uuid.New(), AccountID: 1, CollateralID: "USDC",
			Amount: big.NewInt(100), Sequence: 1, Timestamp: ts(1_000)},
	}
	for _, evt := range events {
		if err := c.ProcessEvent(evt); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	for len(persistChan) > 0 {
		<-persistChan
	}

	scripted.QueueSwap(10, -40_000)
	swap := &event.TokenSwap{
		RequestID: uuid.New(), AccountID: 1, Pool: "ETH-PERP",
		Amount: big.NewInt(10), Sequence: 0, Timestamp: ts(1_000),
	}
	err := c.ProcessEvent(swap)
	var margin *clearing.NotEnoughMarginError
	if !errors.As(err, &margin) {
		t.Fatalf("err = %v, want NotEnoughMarginError", err)
	}
	if len(persistChan) != 0 {
		t.Fatal("rejected event produced a persist output")
	}
	if got := c.Sequence(); got != 2 {
		t.Fatalf("sequence = %d, want 2", got)
	}
}

func TestOracleRoundToleratesGaps(t *testing.T) {
	c, _, _, _ := newCoreFixture(t)

	r1 := &event.OracleRound{RoundID: uuid.New(), OracleID: "eth-usd",
		Price: big.NewInt(4_100), UpdatedAt: 1_100, Sequence: 1, Timestamp: ts(1_100)}
	if err := c.ProcessEvent(r1); err != nil {
		t.Fatalf("round 1: %v", err)
	}
	// Sequence jumps from 1 to 9: tolerated for oracle feeds.
	r9 := &event.OracleRound{RoundID: uuid.New(), OracleID: "eth-usd",
		Price: big.NewInt(4_200), UpdatedAt: 1_900, Sequence: 9, Timestamp: ts(1_900)}
	if err := c.ProcessEvent(r9); err != nil {
		t.Fatalf("round 9: %v", err)
	}
	// Unknown feed is rejected.
	bad := &event.OracleRound{RoundID: uuid.New(), OracleID: "doge-usd",
		Price: big.NewInt(1), UpdatedAt: 2_000, Sequence: 1, Timestamp: ts(2_000)}
	if err := c.ProcessEvent(bad); err == nil {
		t.Fatal("expected unknown oracle error")
	}
}

func TestFundingRatePerDayScalesPerSecondRate(t *testing.T) {
	// A per-second rate of 1/FundingPeriodSeconds pays the full gap in a
	// day, so the gauge must read 1.
	perSecond := new(big.Int).Div(fpmath.Q128, big.NewInt(funding.FundingPeriodSeconds))
	if got := fundingRatePerDay(perSecond); got < 0.999 || got > 1.001 {
		t.Fatalf("fundingRatePerDay = %v, want about 1", got)
	}
	if got := fundingRatePerDay(new(big.Int)); got != 0 {
		t.Fatalf("zero rate = %v, want 0", got)
	}
	if got := fundingRatePerDay(new(big.Int).Neg(perSecond)); got > -0.999 || got < -1.001 {
		t.Fatalf("negative rate = %v, want about -1", got)
	}
}
