package event

import "encoding/json"

// Canonical wire encoding. Events persist to the event log and publish
// outbound in the same snake_case JSON the ingestion parser reads, so a
// stored payload replays through the parser byte-for-byte compatible
// with a live delivery. Amounts ride as base-10 strings because they
// routinely exceed int64; timestamps ride as unix microseconds.

func (a *AccountCreate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestID   string `json:"request_id"`
		OwnerID     string `json:"owner_id"`
		Sequence    int64  `json:"sequence"`
		TimestampUs int64  `json:"timestamp_us"`
	}{
		RequestID:   a.RequestID.String(),
		OwnerID:     a.Owner.String(),
		Sequence:    a.Sequence,
		TimestampUs: a.Timestamp.UnixMicro(),
	})
}

func (m *MarginAdd) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestID    string `json:"request_id"`
		AccountID    uint64 `json:"account_id"`
		CollateralID string `json:"collateral_id"`
		Amount       string `json:"amount"`
		Sequence     int64  `json:"sequence"`
		TimestampUs  int64  `json:"timestamp_us"`
	}{
		RequestID:    m.RequestID.String(),
		AccountID:    m.AccountID,
		CollateralID: m.CollateralID,
		Amount:       m.Amount.String(),
		Sequence:     m.Sequence,
		TimestampUs:  m.Timestamp.UnixMicro(),
	})
}

func (m *MarginRemove) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestID    string `json:"request_id"`
		AccountID    uint64 `json:"account_id"`
		CollateralID string `json:"collateral_id"`
		Amount       string `json:"amount"`
		Sequence     int64  `json:"sequence"`
		TimestampUs  int64  `json:"timestamp_us"`
	}{
		RequestID:    m.RequestID.String(),
		AccountID:    m.AccountID,
		CollateralID: m.CollateralID,
		Amount:       m.Amount.String(),
		Sequence:     m.Sequence,
		TimestampUs:  m.Timestamp.UnixMicro(),
	})
}

func (p *ProfitUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestID   string `json:"request_id"`
		AccountID   uint64 `json:"account_id"`
		Delta       string `json:"delta"`
		Sequence    int64  `json:"sequence"`
		TimestampUs int64  `json:"timestamp_us"`
	}{
		RequestID:   p.RequestID.String(),
		AccountID:   p.AccountID,
		Delta:       p.Delta.String(),
		Sequence:    p.Sequence,
		TimestampUs: p.Timestamp.UnixMicro(),
	})
}

func (t *TokenSwap) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestID   string `json:"request_id"`
		AccountID   uint64 `json:"account_id"`
		Pool        string `json:"pool"`
		Amount      string `json:"amount"`
		IsNotional  bool   `json:"is_notional"`
		Sequence    int64  `json:"sequence"`
		TimestampUs int64  `json:"timestamp_us"`
	}{
		RequestID:   t.RequestID.String(),
		AccountID:   t.AccountID,
		Pool:        t.Pool,
		Amount:      t.Amount.String(),
		IsNotional:  t.IsNotional,
		Sequence:    t.Sequence,
		TimestampUs: t.Timestamp.UnixMicro(),
	})
}

func (r *RangeOrderUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
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
	}{
		RequestID:          r.RequestID.String(),
		AccountID:          r.AccountID,
		Pool:               r.Pool,
		TickLower:          r.TickLower,
		TickUpper:          r.TickUpper,
		LiquidityDelta:     r.LiquidityDelta.String(),
		LimitOrderType:     r.LimitOrderType,
		CloseTokenPosition: r.CloseTokenPosition,
		Sequence:           r.Sequence,
		TimestampUs:        r.Timestamp.UnixMicro(),
	})
}

func (l *LimitOrderRemove) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestID   string `json:"request_id"`
		AccountID   uint64 `json:"account_id"`
		KeeperID    uint64 `json:"keeper_id"`
		Pool        string `json:"pool"`
		TickLower   int32  `json:"tick_lower"`
		TickUpper   int32  `json:"tick_upper"`
		KeeperFee   string `json:"keeper_fee"`
		Sequence    int64  `json:"sequence"`
		TimestampUs int64  `json:"timestamp_us"`
	}{
		RequestID:   l.RequestID.String(),
		AccountID:   l.AccountID,
		KeeperID:    l.KeeperID,
		Pool:        l.Pool,
		TickLower:   l.TickLower,
		TickUpper:   l.TickUpper,
		KeeperFee:   l.KeeperFee.String(),
		Sequence:    l.Sequence,
		TimestampUs: l.Timestamp.UnixMicro(),
	})
}

func (r *RangeLiquidation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestID   string `json:"request_id"`
		AccountID   uint64 `json:"account_id"`
		KeeperID    uint64 `json:"keeper_id"`
		Sequence    int64  `json:"sequence"`
		TimestampUs int64  `json:"timestamp_us"`
	}{
		RequestID:   r.RequestID.String(),
		AccountID:   r.AccountID,
		KeeperID:    r.KeeperID,
		Sequence:    r.Sequence,
		TimestampUs: r.Timestamp.UnixMicro(),
	})
}

func (t *TokenLiquidation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestID   string `json:"request_id"`
		AccountID   uint64 `json:"account_id"`
		KeeperID    uint64 `json:"keeper_id"`
		Pool        string `json:"pool"`
		Sequence    int64  `json:"sequence"`
		TimestampUs int64  `json:"timestamp_us"`
	}{
		RequestID:   t.RequestID.String(),
		AccountID:   t.AccountID,
		KeeperID:    t.KeeperID,
		Pool:        t.Pool,
		Sequence:    t.Sequence,
		TimestampUs: t.Timestamp.UnixMicro(),
	})
}

func (o *OracleRound) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RoundID     string `json:"round_id"`
		OracleID    string `json:"oracle_id"`
		Price       string `json:"price"`
		UpdatedAt   int64  `json:"updated_at"`
		Sequence    int64  `json:"sequence"`
		TimestampUs int64  `json:"timestamp_us"`
	}{
		RoundID:     o.RoundID.String(),
		OracleID:    o.OracleID,
		Price:       o.Price.String(),
		UpdatedAt:   o.UpdatedAt,
		Sequence:    o.Sequence,
		TimestampUs: o.Timestamp.UnixMicro(),
	})
}
