package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts
// raw events before sending them to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "AccountCreate":
		return parseAccountCreate(raw.Data)
	case "MarginAdd":
		return parseMarginAdd(raw.Data)
	case "MarginRemove":
		return parseMarginRemove(raw.Data)
	case "ProfitUpdate":
		return parseProfitUpdate(raw.Data)
	case "TokenSwap":
		return parseTokenSwap(raw.Data)
	case "RangeOrderUpdate":
		return parseRangeOrderUpdate(raw.Data)
	case "LimitOrderRemove":
		return parseLimitOrderRemove(raw.Data)
	case "RangeLiquidation":
		return parseRangeLiquidation(raw.Data)
	case "TokenLiquidation":
		return parseTokenLiquidation(raw.Data)
	case "OracleRound":
		return parseOracleRound(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// parseAmount decodes a base-10 signed integer string. Amounts ride the
// wire as strings because they routinely exceed int64.
func parseAmount(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: empty", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: invalid integer %q", field, s)
	}
	return v, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type accountCreateJSON struct {
	RequestID   string `json:"request_id"`
	OwnerID     string `json:"owner_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseAccountCreate(data []byte) (*event.AccountCreate, error) {
	var j accountCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccountCreate: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := uuid.Parse(j.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("parse owner_id: %w", err)
	}
	return &event.AccountCreate{
		RequestID: requestID,
		Owner:     owner,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type marginJSON struct {
	RequestID    string `json:"request_id"`
	AccountID    uint64 `json:"account_id"`
	CollateralID string `json:"collateral_id"`
	Amount       string `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseMarginAdd(data []byte) (*event.MarginAdd, error) {
	var j marginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarginAdd: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	amount, err := parseAmount(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &event.MarginAdd{
		RequestID:    requestID,
		AccountID:    j.AccountID,
		CollateralID: j.CollateralID,
		Amount:       amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseMarginRemove(data []byte) (*event.MarginRemove, error) {
	var j marginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarginRemove: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	amount, err := parseAmount(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &event.MarginRemove{
		RequestID:    requestID,
		AccountID:    j.AccountID,
		CollateralID: j.CollateralID,
		Amount:       amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type profitUpdateJSON struct {
	RequestID   string `json:"request_id"`
	AccountID   uint64 `json:"account_id"`
	Delta       string `json:"delta"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseProfitUpdate(data []byte) (*event.ProfitUpdate, error) {
	var j profitUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProfitUpdate: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	delta, err := parseAmount(j.Delta, "delta")
	if err != nil {
		return nil, err
	}
	return &event.ProfitUpdate{
		RequestID: requestID,
		AccountID: j.AccountID,
		Delta:     delta,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type tokenSwapJSON struct {
	RequestID   string `json:"request_id"`
	AccountID   uint64 `json:"account_id"`
	Pool        string `json:"pool"`
	Amount      string `json:"amount"`
	IsNotional  bool   `json:"is_notional"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseTokenSwap(data []byte) (*event.TokenSwap, error) {
	var j tokenSwapJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TokenSwap: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	amount, err := parseAmount(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &event.TokenSwap{
		RequestID:  requestID,
		AccountID:  j.AccountID,
		Pool:       j.Pool,
		Amount:     amount,
		IsNotional: j.IsNotional,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type rangeOrderUpdateJSON struct {
	RequestID          string `json:"request_id"`
	AccountID          uint64 `json:"account_id"`
	Pool               string `json:"pool"`
	TickLower          int32  `json:"tick_lower"`
	TickUpper          int32  `json:"tick_upper"`
	LiquidityDelta     string `json:"liquidity_delta"`
	LimitOrderType     string `json:"limit_order_type"`
	CloseTokenPosition bool   `json:"close_token_position"`
	Sequence           int64  `json:"sequence"`
	TimestampUs        int64  `json:"timestamp_us"`
}

func parseRangeOrderUpdate(data []byte) (*event.RangeOrderUpdate, error) {
	var j rangeOrderUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RangeOrderUpdate: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	delta, err := parseAmount(j.LiquidityDelta, "liquidity_delta")
	if err != nil {
		return nil, err
	}
	return &event.RangeOrderUpdate{
		RequestID:          requestID,
		AccountID:          j.AccountID,
		Pool:               j.Pool,
		TickLower:          j.TickLower,
		TickUpper:          j.TickUpper,
		LiquidityDelta:     delta,
		LimitOrderType:     j.LimitOrderType,
		CloseTokenPosition: j.CloseTokenPosition,
		Sequence:           j.Sequence,
		Timestamp:          time.UnixMicro(j.TimestampUs),
	}, nil
}

type limitOrderRemoveJSON struct {
	RequestID   string `json:"request_id"`
	AccountID   uint64 `json:"account_id"`
	KeeperID    uint64 `json:"keeper_id"`
	Pool        string `json:"pool"`
	TickLower   int32  `json:"tick_lower"`
	TickUpper   int32  `json:"tick_upper"`
	KeeperFee   string `json:"keeper_fee"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseLimitOrderRemove(data []byte) (*event.LimitOrderRemove, error) {
	var j limitOrderRemoveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LimitOrderRemove: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	fee, err := parseAmount(j.KeeperFee, "keeper_fee")
	if err != nil {
		return nil, err
	}
	return &event.LimitOrderRemove{
		RequestID: requestID,
		AccountID: j.AccountID,
		KeeperID:  j.KeeperID,
		Pool:      j.Pool,
		TickLower: j.TickLower,
		TickUpper: j.TickUpper,
		KeeperFee: fee,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidationJSON struct {
	RequestID   string `json:"request_id"`
	AccountID   uint64 `json:"account_id"`
	KeeperID    uint64 `json:"keeper_id"`
	Pool        string `json:"pool,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRangeLiquidation(data []byte) (*event.RangeLiquidation, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RangeLiquidation: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	return &event.RangeLiquidation{
		RequestID: requestID,
		AccountID: j.AccountID,
		KeeperID:  j.KeeperID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseTokenLiquidation(data []byte) (*event.TokenLiquidation, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TokenLiquidation: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if j.Pool == "" {
		return nil, fmt.Errorf("parse TokenLiquidation: missing pool")
	}
	return &event.TokenLiquidation{
		RequestID: requestID,
		AccountID: j.AccountID,
		KeeperID:  j.KeeperID,
		Pool:      j.Pool,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type oracleRoundJSON struct {
	RoundID     string `json:"round_id"`
	OracleID    string `json:"oracle_id"`
	Price       string `json:"price"`
	UpdatedAt   int64  `json:"updated_at"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOracleRound(data []byte) (*event.OracleRound, error) {
	var j oracleRoundJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OracleRound: %w", err)
	}
	roundID, err := uuid.Parse(j.RoundID)
	if err != nil {
		return nil, fmt.Errorf("parse round_id: %w", err)
	}
	price, err := parseAmount(j.Price, "price")
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("parse OracleRound: price must be positive, got %s", price)
	}
	return &event.OracleRound{
		RoundID:   roundID,
		OracleID:  j.OracleID,
		Price:     price,
		UpdatedAt: j.UpdatedAt,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
