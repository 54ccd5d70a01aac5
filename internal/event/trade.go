package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// TokenSwap trades a signed token amount (or quote notional) for an
// account in one pool.
// Idempotency key: request_id (UUID from the gateway).
type TokenSwap struct {
	RequestID  uuid.UUID // Idempotency key
	AccountID  uint64
	Pool       string
	Amount     *big.Int // Signed; token units, or quote units when IsNotional
	IsNotional bool
	Sequence   int64
	Timestamp  time.Time // Versioned input timestamp (NOT wall-clock)
}

func (t *TokenSwap) IdempotencyKey() string {
	return t.RequestID.String()
}

func (t *TokenSwap) EventType() EventType {
	return EventTypeTokenSwap
}

func (t *TokenSwap) PoolID() *string {
	p := t.Pool
	return &p
}

func (t *TokenSwap) SourceSequence() int64 {
	return t.Sequence
}

// RangeOrderUpdate mints or burns liquidity in one
// (tickLower, tickUpper, limitOrderType) range.
type RangeOrderUpdate struct {
	RequestID          uuid.UUID
	AccountID          uint64
	Pool               string
	TickLower          int32
	TickUpper          int32
	LiquidityDelta     *big.Int // Signed
	LimitOrderType     string   // "none" | "lower" | "upper"
	CloseTokenPosition bool
	Sequence           int64
	Timestamp          time.Time
}

func (r *RangeOrderUpdate) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *RangeOrderUpdate) EventType() EventType {
	return EventTypeRangeOrderUpdate
}

func (r *RangeOrderUpdate) PoolID() *string {
	p := r.Pool
	return &p
}

func (r *RangeOrderUpdate) SourceSequence() int64 {
	return r.Sequence
}

// LimitOrderRemove is a keeper request to burn a crossed limit-order
// range on its owner's behalf.
type LimitOrderRemove struct {
	RequestID uuid.UUID
	AccountID uint64 // Owner of the limit order
	KeeperID  uint64
	Pool      string
	TickLower int32
	TickUpper int32
	KeeperFee *big.Int
	Sequence  int64
	Timestamp time.Time
}

func (l *LimitOrderRemove) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LimitOrderRemove) EventType() EventType {
	return EventTypeLimitOrderRemove
}

func (l *LimitOrderRemove) PoolID() *string {
	p := l.Pool
	return &p
}

func (l *LimitOrderRemove) SourceSequence() int64 {
	return l.Sequence
}
