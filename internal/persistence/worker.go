package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// This goroutine runs independently from the deterministic core. The persist
// channel uses BLOCKING sends from the core, so if this worker falls behind,
// the core stalls — guaranteeing no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	db           *sql.DB
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*2)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(eventBatch) > 0 {
				if err := pw.flush(context.Background(), eventBatch, journalBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				// Channel closed, flush and exit
				if len(eventBatch) > 0 {
					if err := pw.flush(context.Background(), eventBatch, journalBatch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			eventBatch = append(eventBatch, RowFromOutput(output))
			journalBatch = append(journalBatch, JournalRowsFromOutput(output)...)

			if len(eventBatch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 {
				if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// NEVER drops events: it retries until the write succeeds or the context
// is cancelled, and on cancellation attempts one last flush.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(events))
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), events, journals)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	// Events and journals commit atomically
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_journals").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

// RowFromOutput converts a core output envelope into an event_log.events row.
func RowFromOutput(out core.CoreOutput) EventRow {
	env := out.Envelope
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// JournalRowsFromOutput derives the internal value movements of one
// processed event. Margin add/remove move value against the outside
// world, so they produce no journal rows; the payload records them.
func JournalRowsFromOutput(out core.CoreOutput) []JournalRow {
	env := out.Envelope
	oc := out.Outcome
	if oc == nil {
		return nil
	}

	account := fmt.Sprintf("account:%d", oc.AccountID)
	keeper := fmt.Sprintf("account:%d", oc.KeeperID)
	ts := env.Timestamp.Unix()

	row := func(debit, credit, asset string, amount *big.Int, journalType string) JournalRow {
		return JournalRow{
			JournalID:     uuid.New().String(),
			EventRef:      env.IdempotencyKey,
			Sequence:      env.Sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			Asset:         asset,
			Amount:        amount.String(),
			JournalType:   journalType,
			Timestamp:     ts,
		}
	}

	// Signed delta into target: positive debits target, negative credits it.
	signed := func(target, counterparty, asset string, delta *big.Int, journalType string) JournalRow {
		if delta.Sign() >= 0 {
			return row(target, counterparty, asset, delta, journalType)
		}
		return row(counterparty, target, asset, new(big.Int).Neg(delta), journalType)
	}

	var rows []JournalRow

	switch oc.Type {
	case event.EventTypeTokenSwap:
		pool := "pool:" + oc.Pool
		rows = append(rows,
			signed(account, pool, "vtoken:"+oc.Pool, oc.VTokenIn, "swap_token"),
			signed(account, pool, "quote", oc.VQuoteIn, "swap_quote"),
		)

	case event.EventTypeLimitOrderRemove:
		rows = append(rows,
			row(keeper, account, "quote", oc.KeeperFee, "keeper_fee"),
		)

	case event.EventTypeRangeLiquidation:
		rows = append(rows,
			row(keeper, account, "quote", oc.KeeperFee, "liquidation_keeper_fee"),
			signed("insurance", account, "quote", oc.InsuranceFundFee, "liquidation_insurance_fee"),
		)

	case event.EventTypeTokenLiquidation:
		rows = append(rows,
			signed(keeper, account, "vtoken:"+oc.Pool, oc.AmountClosed, "liquidation_transfer"),
			row(keeper, account, "quote", oc.KeeperFee, "liquidation_keeper_fee"),
			signed("insurance", account, "quote", oc.InsuranceFundFee, "liquidation_insurance_fee"),
		)
	}

	return rows
}

// GetWriter returns the underlying writer for direct use (replay, tests).
func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}
