package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// OracleRound appends a price round to an oracle's TWAP history.
// Idempotency key: oracle id + round id, so replays of the same round
// are dropped.
type OracleRound struct {
	RoundID   uuid.UUID // Idempotency key (with OracleID)
	OracleID  string
	Price     *big.Int // Quote units per base unit, unscaled
	UpdatedAt int64    // Oracle-reported round timestamp (unix seconds)
	Sequence  int64
	Timestamp time.Time
}

func (o *OracleRound) IdempotencyKey() string {
	return o.OracleID + ":" + o.RoundID.String()
}

func (o *OracleRound) EventType() EventType {
	return EventTypeOracleRound
}

func (o *OracleRound) PoolID() *string {
	return nil // Oracles are shared across pools
}

func (o *OracleRound) SourceSequence() int64 {
	return o.Sequence
}
