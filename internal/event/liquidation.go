package event

import (
	"time"

	"github.com/google/uuid"
)

// RangeLiquidation is a keeper request to close every range of an
// under-margined account.
type RangeLiquidation struct {
	RequestID uuid.UUID
	AccountID uint64 // Liquidated account
	KeeperID  uint64
	Sequence  int64
	Timestamp time.Time
}

func (r *RangeLiquidation) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *RangeLiquidation) EventType() EventType {
	return EventTypeRangeLiquidation
}

func (r *RangeLiquidation) PoolID() *string {
	return nil // Spans every active pool of the account
}

func (r *RangeLiquidation) SourceSequence() int64 {
	return r.Sequence
}

// TokenLiquidation is a keeper request to take over part of an
// under-margined account's directional position in one pool.
type TokenLiquidation struct {
	RequestID uuid.UUID
	AccountID uint64 // Liquidated account
	KeeperID  uint64
	Pool      string
	Sequence  int64
	Timestamp time.Time
}

func (t *TokenLiquidation) IdempotencyKey() string {
	return t.RequestID.String()
}

func (t *TokenLiquidation) EventType() EventType {
	return EventTypeTokenLiquidation
}

func (t *TokenLiquidation) PoolID() *string {
	p := t.Pool
	return &p
}

func (t *TokenLiquidation) SourceSequence() int64 {
	return t.Sequence
}
