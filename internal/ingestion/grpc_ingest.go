package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/event"
)

// GRPCIngestService provides admin/manual event injection via gRPC.
// gRPC ingest is for admin operations and manual event injection, not
// for high-throughput ingestion (use NATS for that).
type GRPCIngestService struct {
	eventChan chan<- event.Event
}

func NewGRPCIngestService(eventChan chan<- event.Event) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan}
}

// InjectMarginAdd manually injects a MarginAdd event.
func (s *GRPCIngestService) InjectMarginAdd(
	ctx context.Context,
	accountID uint64,
	collateralID string,
	amount *big.Int,
) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	evt := &event.MarginAdd{
		RequestID:    uuid.New(),
		AccountID:    accountID,
		CollateralID: collateralID,
		Amount:       new(big.Int).Set(amount),
		Sequence:     time.Now().UnixMicro(), // Admin-injected: use timestamp as sequence
		Timestamp:    time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectProfitUpdate manually injects a ProfitUpdate event.
func (s *GRPCIngestService) InjectProfitUpdate(
	ctx context.Context,
	accountID uint64,
	delta *big.Int,
) error {
	if delta == nil || delta.Sign() == 0 {
		return fmt.Errorf("delta must be nonzero")
	}

	evt := &event.ProfitUpdate{
		RequestID: uuid.New(),
		AccountID: accountID,
		Delta:     new(big.Int).Set(delta),
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectOracleRound manually injects an OracleRound event.
func (s *GRPCIngestService) InjectOracleRound(
	ctx context.Context,
	oracleID string,
	price *big.Int,
	roundSequence int64,
) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("price must be positive")
	}

	now := time.Now()
	evt := &event.OracleRound{
		RoundID:   uuid.New(),
		OracleID:  oracleID,
		Price:     new(big.Int).Set(price),
		UpdatedAt: now.Unix(),
		Sequence:  roundSequence,
		Timestamp: now,
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectRangeLiquidation manually injects a RangeLiquidation event.
func (s *GRPCIngestService) InjectRangeLiquidation(
	ctx context.Context,
	accountID, keeperID uint64,
) error {
	if accountID == keeperID {
		return fmt.Errorf("keeper cannot liquidate itself")
	}

	evt := &event.RangeLiquidation{
		RequestID: uuid.New(),
		AccountID: accountID,
		KeeperID:  keeperID,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectTokenLiquidation manually injects a TokenLiquidation event.
func (s *GRPCIngestService) InjectTokenLiquidation(
	ctx context.Context,
	accountID, keeperID uint64,
	pool string,
) error {
	if accountID == keeperID {
		return fmt.Errorf("keeper cannot liquidate itself")
	}
	if pool == "" {
		return fmt.Errorf("pool is required")
	}

	evt := &event.TokenLiquidation{
		RequestID: uuid.New(),
		AccountID: accountID,
		KeeperID:  keeperID,
		Pool:      pool,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
