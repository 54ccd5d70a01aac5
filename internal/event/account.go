package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// AccountCreate opens a new clearing account for an owner.
// Idempotency key: request_id (UUID from the gateway).
type AccountCreate struct {
	RequestID uuid.UUID // Idempotency key
	Owner     uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (a *AccountCreate) IdempotencyKey() string {
	return a.RequestID.String()
}

func (a *AccountCreate) EventType() EventType {
	return EventTypeAccountCreate
}

func (a *AccountCreate) PoolID() *string {
	return nil // Account-global event
}

func (a *AccountCreate) SourceSequence() int64 {
	return a.Sequence
}

// MarginAdd credits collateral to an account's deposit balance.
type MarginAdd struct {
	RequestID    uuid.UUID
	AccountID    uint64
	CollateralID string
	Amount       *big.Int // Collateral base units
	Sequence     int64
	Timestamp    time.Time
}

func (m *MarginAdd) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m *MarginAdd) EventType() EventType {
	return EventTypeMarginAdd
}

func (m *MarginAdd) PoolID() *string {
	return nil
}

func (m *MarginAdd) SourceSequence() int64 {
	return m.Sequence
}

// MarginRemove debits collateral, subject to the initial margin check.
type MarginRemove struct {
	RequestID    uuid.UUID
	AccountID    uint64
	CollateralID string
	Amount       *big.Int
	Sequence     int64
	Timestamp    time.Time
}

func (m *MarginRemove) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m *MarginRemove) EventType() EventType {
	return EventTypeMarginRemove
}

func (m *MarginRemove) PoolID() *string {
	return nil
}

func (m *MarginRemove) SourceSequence() int64 {
	return m.Sequence
}

// ProfitUpdate moves realized profit in (positive) or out (negative) of
// the account's quote balance.
type ProfitUpdate struct {
	RequestID uuid.UUID
	AccountID uint64
	Delta     *big.Int // Quote base units, signed
	Sequence  int64
	Timestamp time.Time
}

func (p *ProfitUpdate) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *ProfitUpdate) EventType() EventType {
	return EventTypeProfitUpdate
}

func (p *ProfitUpdate) PoolID() *string {
	return nil
}

func (p *ProfitUpdate) SourceSequence() int64 {
	return p.Sequence
}
