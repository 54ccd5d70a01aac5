package ingestion_test

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/event"
	"PerpClearing/internal/ingestion"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("parse uuid %q: %v", s, err)
	}
	return id
}

func bigFromString(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("parse big int %q", s)
	}
	return v
}

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseAccountCreate(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"owner_id":     "660e8400-e29b-41d4-a716-446655440001",
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "AccountCreate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ac, ok := evt.(*event.AccountCreate)
	if !ok {
		t.Fatalf("expected *event.AccountCreate, got %T", evt)
	}

	if ac.Owner.String() != "660e8400-e29b-41d4-a716-446655440001" {
		t.Errorf("owner: got %s", ac.Owner)
	}
	if ac.Timestamp.UnixMicro() != 1700000000000000 {
		t.Errorf("timestamp: got %d", ac.Timestamp.UnixMicro())
	}
	if ac.EventType() != event.EventTypeAccountCreate {
		t.Errorf("event type: got %v, want AccountCreate", ac.EventType())
	}
}

func TestParseMarginAdd(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":    "550e8400-e29b-41d4-a716-446655440000",
		"account_id":    uint64(7),
		"collateral_id": "USDC",
		"amount":        "340282366920938463463374607431768211456",
		"sequence":      int64(3),
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "MarginAdd")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ma, ok := evt.(*event.MarginAdd)
	if !ok {
		t.Fatalf("expected *event.MarginAdd, got %T", evt)
	}

	if ma.AccountID != 7 {
		t.Errorf("account_id: got %d, want 7", ma.AccountID)
	}
	if ma.CollateralID != "USDC" {
		t.Errorf("collateral_id: got %s, want USDC", ma.CollateralID)
	}
	// Amounts beyond int64 must survive the string decoding.
	if ma.Amount.String() != "340282366920938463463374607431768211456" {
		t.Errorf("amount: got %s", ma.Amount)
	}
	if ma.SourceSequence() != 3 {
		t.Errorf("sequence: got %d, want 3", ma.SourceSequence())
	}
}

func TestParseTokenSwap(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"account_id":   uint64(2),
		"pool":         "ETH-PERP",
		"amount":       "-5000000",
		"is_notional":  true,
		"sequence":     int64(10),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "TokenSwap")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ts, ok := evt.(*event.TokenSwap)
	if !ok {
		t.Fatalf("expected *event.TokenSwap, got %T", evt)
	}

	if ts.Pool != "ETH-PERP" {
		t.Errorf("pool: got %s, want ETH-PERP", ts.Pool)
	}
	if ts.Amount.Int64() != -5_000_000 {
		t.Errorf("amount: got %s, want -5000000", ts.Amount)
	}
	if !ts.IsNotional {
		t.Error("is_notional: got false, want true")
	}
	if ts.PoolID() == nil || *ts.PoolID() != "ETH-PERP" {
		t.Errorf("pool id: got %v", ts.PoolID())
	}
}

func TestParseRangeOrderUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":           "550e8400-e29b-41d4-a716-446655440000",
		"account_id":           uint64(4),
		"pool":                 "ETH-PERP",
		"tick_lower":           int32(-887220),
		"tick_upper":           int32(887220),
		"liquidity_delta":      "1000000000",
		"limit_order_type":     "upper",
		"close_token_position": true,
		"sequence":             int64(11),
		"timestamp_us":         int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "RangeOrderUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ro, ok := evt.(*event.RangeOrderUpdate)
	if !ok {
		t.Fatalf("expected *event.RangeOrderUpdate, got %T", evt)
	}

	if ro.TickLower != -887220 || ro.TickUpper != 887220 {
		t.Errorf("ticks: got [%d, %d]", ro.TickLower, ro.TickUpper)
	}
	if ro.LiquidityDelta.Int64() != 1_000_000_000 {
		t.Errorf("liquidity_delta: got %s", ro.LiquidityDelta)
	}
	if ro.LimitOrderType != "upper" {
		t.Errorf("limit_order_type: got %s, want upper", ro.LimitOrderType)
	}
	if !ro.CloseTokenPosition {
		t.Error("close_token_position: got false, want true")
	}
}

func TestParseLimitOrderRemove(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"account_id":   uint64(4),
		"keeper_id":    uint64(9),
		"pool":         "ETH-PERP",
		"tick_lower":   int32(-100),
		"tick_upper":   int32(100),
		"keeper_fee":   "250",
		"sequence":     int64(12),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "LimitOrderRemove")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	lr, ok := evt.(*event.LimitOrderRemove)
	if !ok {
		t.Fatalf("expected *event.LimitOrderRemove, got %T", evt)
	}

	if lr.KeeperID != 9 {
		t.Errorf("keeper_id: got %d, want 9", lr.KeeperID)
	}
	if lr.KeeperFee.Int64() != 250 {
		t.Errorf("keeper_fee: got %s, want 250", lr.KeeperFee)
	}
}

func TestParseTokenLiquidation(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"account_id":   uint64(4),
		"keeper_id":    uint64(9),
		"pool":         "ETH-PERP",
		"sequence":     int64(13),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "TokenLiquidation")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	tl, ok := evt.(*event.TokenLiquidation)
	if !ok {
		t.Fatalf("expected *event.TokenLiquidation, got %T", evt)
	}

	if tl.AccountID != 4 || tl.KeeperID != 9 {
		t.Errorf("ids: got account=%d keeper=%d", tl.AccountID, tl.KeeperID)
	}
	if tl.Pool != "ETH-PERP" {
		t.Errorf("pool: got %s", tl.Pool)
	}
}

func TestParseTokenLiquidationMissingPool_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"account_id":   uint64(4),
		"keeper_id":    uint64(9),
		"sequence":     int64(13),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "TokenLiquidation"); err == nil {
		t.Fatal("expected error for missing pool")
	}
}

func TestParseOracleRound(t *testing.T) {
	payload := map[string]interface{}{
		"round_id":     "550e8400-e29b-41d4-a716-446655440000",
		"oracle_id":    "eth-usd",
		"price":        "4000",
		"updated_at":   int64(1700000000),
		"sequence":     int64(21),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "OracleRound")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	or, ok := evt.(*event.OracleRound)
	if !ok {
		t.Fatalf("expected *event.OracleRound, got %T", evt)
	}

	if or.OracleID != "eth-usd" {
		t.Errorf("oracle_id: got %s", or.OracleID)
	}
	if or.Price.Int64() != 4000 {
		t.Errorf("price: got %s, want 4000", or.Price)
	}
	if or.IdempotencyKey() != "eth-usd:550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", or.IdempotencyKey())
	}
}

func TestParseOracleRoundNonPositivePrice_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"round_id":     "550e8400-e29b-41d4-a716-446655440000",
		"oracle_id":    "eth-usd",
		"price":        "0",
		"updated_at":   int64(1700000000),
		"sequence":     int64(21),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "OracleRound"); err == nil {
		t.Fatal("expected error for zero price")
	}
}

// Replay reparses persisted payloads through the same parser, so the
// canonical encoding of an event must survive a round trip.
func TestStoredPayloadRoundTrip(t *testing.T) {
	swap := &event.TokenSwap{
		RequestID:  mustUUID(t, "550e8400-e29b-41d4-a716-446655440000"),
		AccountID:  2,
		Pool:       "ETH-PERP",
		Amount:     bigFromString(t, "-340282366920938463463374607431768211456"),
		IsNotional: true,
		Sequence:   10,
		Timestamp:  time.UnixMicro(1700000000000000),
	}

	data, err := json.Marshal(swap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw := ingestion.RawEvent{Subject: "TokenSwap", Data: data}
	evt, err := ingestion.ParseRawEvent(raw, "TokenSwap")
	if err != nil {
		t.Fatalf("reparse stored payload: %v", err)
	}

	got := evt.(*event.TokenSwap)
	if got.RequestID != swap.RequestID ||
		got.AccountID != swap.AccountID ||
		got.Pool != swap.Pool ||
		got.Amount.Cmp(swap.Amount) != 0 ||
		got.IsNotional != swap.IsNotional ||
		got.Sequence != swap.Sequence ||
		!got.Timestamp.Equal(swap.Timestamp) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, swap)
	}

	round := &event.OracleRound{
		RoundID:   mustUUID(t, "660e8400-e29b-41d4-a716-446655440001"),
		OracleID:  "eth-usd",
		Price:     bigFromString(t, "4000"),
		UpdatedAt: 1700000000,
		Sequence:  21,
		Timestamp: time.UnixMicro(1700000000000000),
	}
	data, err = json.Marshal(round)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	evt, err = ingestion.ParseRawEvent(ingestion.RawEvent{Subject: "OracleRound", Data: data}, "OracleRound")
	if err != nil {
		t.Fatalf("reparse stored payload: %v", err)
	}
	if evt.IdempotencyKey() != round.IdempotencyKey() {
		t.Errorf("idempotency key: got %s, want %s", evt.IdempotencyKey(), round.IdempotencyKey())
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "TokenSwap")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "not-a-uuid",
		"account_id":   uint64(1),
		"pool":         "ETH-PERP",
		"amount":       "1",
		"is_notional":  false,
		"sequence":     int64(0),
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "TokenSwap"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseInvalidAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":    "550e8400-e29b-41d4-a716-446655440000",
		"account_id":    uint64(1),
		"collateral_id": "USDC",
		"amount":        "12.5",
		"sequence":      int64(0),
		"timestamp_us":  int64(0),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "MarginAdd"); err == nil {
		t.Fatal("expected error for non-integer amount")
	}
}
