package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountResponse is an account view for API queries. Balances are scaled
// to display units; raw base units live in the projections.
type AccountResponse struct {
	AccountID    uint64          `json:"account_id"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	QuoteBalance decimal.Decimal `json:"quote_balance"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// TokenPositionResponse is a directional position view.
type TokenPositionResponse struct {
	AccountID         uint64          `json:"account_id"`
	PoolID            string          `json:"pool_id"`
	Balance           decimal.Decimal `json:"balance"`
	NetTraderPosition decimal.Decimal `json:"net_trader_position"`
	AsOfSequence      int64           `json:"as_of_sequence"`
}

// LiquidityPositionResponse is a range position view.
type LiquidityPositionResponse struct {
	AccountID      uint64          `json:"account_id"`
	PoolID         string          `json:"pool_id"`
	TickLower      int32           `json:"tick_lower"`
	TickUpper      int32           `json:"tick_upper"`
	LimitOrderType string          `json:"limit_order_type"`
	Liquidity      decimal.Decimal `json:"liquidity"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// FundingHistoryResponse is one committed funding checkpoint.
// FundingRatePerDay is the per-second Q128 rate scaled to a daily fraction.
type FundingHistoryResponse struct {
	PoolID            string          `json:"pool_id"`
	Sequence          int64           `json:"sequence"`
	FundingRatePerDay decimal.Decimal `json:"funding_rate_per_day"`
	MarkPrice         decimal.Decimal `json:"mark_price"`
	Timestamp         int64           `json:"timestamp"`
	AsOfSequence      int64           `json:"as_of_sequence"`
}

// LiquidationHistoryResponse is one executed liquidation.
type LiquidationHistoryResponse struct {
	Sequence       int64            `json:"sequence"`
	Kind           string           `json:"kind"` // "range" | "token"
	AccountID      uint64           `json:"account_id"`
	KeeperID       uint64           `json:"keeper_id"`
	PoolID         *string          `json:"pool_id,omitempty"`
	AmountClosed   *decimal.Decimal `json:"amount_closed,omitempty"`
	NotionalClosed *decimal.Decimal `json:"notional_closed,omitempty"`
	KeeperFee      decimal.Decimal  `json:"keeper_fee"`
	InsuranceFee   decimal.Decimal  `json:"insurance_fee"`
	Timestamp      int64            `json:"timestamp"`
}

// MarginResponse is a live margin probe of one account, computed by the
// deterministic core against current oracle prices.
type MarginResponse struct {
	AccountID                 uint64          `json:"account_id"`
	MarketValue               decimal.Decimal `json:"market_value"`
	RequiredInitialMargin     decimal.Decimal `json:"required_initial_margin"`
	RequiredMaintenanceMargin decimal.Decimal `json:"required_maintenance_margin"`
	IsLiquidatable            bool            `json:"is_liquidatable"`
	AsOfSequence              int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry is a journal row for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an event log integrity check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
