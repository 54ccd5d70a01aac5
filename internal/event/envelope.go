package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAccountCreate
	EventTypeMarginAdd
	EventTypeMarginRemove
	EventTypeProfitUpdate
	EventTypeTokenSwap
	EventTypeRangeOrderUpdate
	EventTypeLimitOrderRemove
	EventTypeRangeLiquidation
	EventTypeTokenLiquidation
	EventTypeOracleRound
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Pool context (nullable for account-global events)
	PoolID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PoolID returns the pool context (nil for account-global events)
	PoolID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

// TimestampOf extracts the versioned input timestamp of any event.
func TimestampOf(evt Event) time.Time {
	switch e := evt.(type) {
	case *AccountCreate:
		return e.Timestamp
	case *MarginAdd:
		return e.Timestamp
	case *MarginRemove:
		return e.Timestamp
	case *ProfitUpdate:
		return e.Timestamp
	case *TokenSwap:
		return e.Timestamp
	case *RangeOrderUpdate:
		return e.Timestamp
	case *LimitOrderRemove:
		return e.Timestamp
	case *RangeLiquidation:
		return e.Timestamp
	case *TokenLiquidation:
		return e.Timestamp
	case *OracleRound:
		return e.Timestamp
	default:
		return time.Time{}
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeAccountCreate:
		return "AccountCreate"
	case EventTypeMarginAdd:
		return "MarginAdd"
	case EventTypeMarginRemove:
		return "MarginRemove"
	case EventTypeProfitUpdate:
		return "ProfitUpdate"
	case EventTypeTokenSwap:
		return "TokenSwap"
	case EventTypeRangeOrderUpdate:
		return "RangeOrderUpdate"
	case EventTypeLimitOrderRemove:
		return "LimitOrderRemove"
	case EventTypeRangeLiquidation:
		return "RangeLiquidation"
	case EventTypeTokenLiquidation:
		return "TokenLiquidation"
	case EventTypeOracleRound:
		return "OracleRound"
	default:
		return "Unknown"
	}
}
