package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
)

// ProjectionWorker updates the projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log. Balance writes use the
// post-commit absolute values carried on the outcome, so reprocessing the
// same event is a no-op.
type ProjectionWorker struct {
	db             *sql.DB
	inputChan      <-chan core.CoreOutput
	fundingHistory *FundingHistoryProjection
	lastSeq        int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, fundingHistory *FundingHistoryProjection) *ProjectionWorker {
	return &ProjectionWorker{
		db:             db,
		inputChan:      inputChan,
		fundingHistory: fundingHistory,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				// Continue: projections are eventually consistent and
				// rebuildable from the event log
			}

			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence returns the highest sequence the worker has processed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope
	oc := output.Outcome

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch oc.Type {
	case event.EventTypeAccountCreate:
		if err := pw.insertAccount(ctx, tx, env, oc); err != nil {
			return fmt.Errorf("account insert: %w", err)
		}

	case event.EventTypeTokenSwap:
		if oc.Funding != nil {
			if err := pw.insertFundingHistory(ctx, tx, env, oc); err != nil {
				return fmt.Errorf("funding history: %w", err)
			}
		}

	case event.EventTypeRangeOrderUpdate:
		if err := pw.applyRangeUpdate(ctx, tx, env, oc); err != nil {
			return fmt.Errorf("range update: %w", err)
		}

	case event.EventTypeLimitOrderRemove:
		if err := pw.removeRange(ctx, tx, env, oc); err != nil {
			return fmt.Errorf("range remove: %w", err)
		}

	case event.EventTypeRangeLiquidation:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM projections.liquidity_positions WHERE account_id = $1
		`, oc.AccountID); err != nil {
			return fmt.Errorf("range liquidation: %w", err)
		}
		if err := pw.insertLiquidationHistory(ctx, tx, env, oc, "range"); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}

	case event.EventTypeTokenLiquidation:
		if err := pw.insertLiquidationHistory(ctx, tx, env, oc, "token"); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
	}

	if err := pw.applyBalances(ctx, tx, env, oc); err != nil {
		return fmt.Errorf("balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, sequence, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) insertAccount(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope, oc *core.Outcome) error {
	var payload event.AccountCreate
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accounts (account_id, owner_id, quote_balance, updated_seq, updated_at)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (account_id) DO NOTHING
	`, oc.AccountID, payload.Owner, env.Sequence, env.Timestamp)
	return err
}

// applyBalances writes the post-commit absolute balances carried on the
// outcome into accounts and token_positions.
func (pw *ProjectionWorker) applyBalances(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope, oc *core.Outcome) error {
	for _, b := range oc.Balances {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.accounts
			SET quote_balance = $2, updated_seq = $3, updated_at = $4
			WHERE account_id = $1
		`, b.AccountID, b.QuoteBalance.String(), env.Sequence, env.Timestamp); err != nil {
			return err
		}

		if b.TokenBalance == nil || oc.Pool == "" {
			continue
		}

		if b.TokenBalance.Sign() == 0 && b.NetTraderPosition.Sign() == 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM projections.token_positions
				WHERE account_id = $1 AND pool_id = $2
			`, b.AccountID, oc.Pool); err != nil {
				return err
			}
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.token_positions
				(account_id, pool_id, balance, net_trader, updated_seq, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_id, pool_id)
			DO UPDATE SET balance = $3, net_trader = $4, updated_seq = $5, updated_at = $6
		`, b.AccountID, oc.Pool, b.TokenBalance.String(), b.NetTraderPosition.String(),
			env.Sequence, env.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func (pw *ProjectionWorker) applyRangeUpdate(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope, oc *core.Outcome) error {
	var payload event.RangeOrderUpdate
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidity_positions
			(account_id, pool_id, tick_lower, tick_upper, limit_order_type, liquidity, updated_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, pool_id, tick_lower, tick_upper, limit_order_type)
		DO UPDATE SET
			liquidity = projections.liquidity_positions.liquidity + $6,
			updated_seq = $7, updated_at = $8
	`, oc.AccountID, oc.Pool, payload.TickLower, payload.TickUpper, payload.LimitOrderType,
		payload.LiquidityDelta.String(), env.Sequence, env.Timestamp); err != nil {
		return err
	}

	// Fully burned ranges disappear from the ledger too
	_, err := tx.ExecContext(ctx, `
		DELETE FROM projections.liquidity_positions
		WHERE account_id = $1 AND pool_id = $2 AND tick_lower = $3 AND tick_upper = $4
		  AND limit_order_type = $5 AND liquidity <= 0
	`, oc.AccountID, oc.Pool, payload.TickLower, payload.TickUpper, payload.LimitOrderType)
	return err
}

func (pw *ProjectionWorker) removeRange(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope, oc *core.Outcome) error {
	var payload event.LimitOrderRemove
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM projections.liquidity_positions
		WHERE account_id = $1 AND pool_id = $2 AND tick_lower = $3 AND tick_upper = $4
	`, oc.AccountID, oc.Pool, payload.TickLower, payload.TickUpper)
	return err
}

func (pw *ProjectionWorker) insertFundingHistory(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope, oc *core.Outcome) error {
	f := oc.Funding

	if pw.fundingHistory != nil {
		pw.fundingHistory.AddEntry(FundingHistoryEntry{
			PoolID:          oc.Pool,
			Sequence:        env.Sequence,
			FundingRateX128: f.FundingRateX128,
			MarkPriceX128:   f.MarkPriceX128,
			Timestamp:       env.Timestamp.Unix(),
		})
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_history
			(pool_id, sequence, funding_rate_x128, sum_a_x128, sum_b_x128, sum_fp_x128, mark_price_x128, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pool_id, sequence) DO NOTHING
	`, oc.Pool, env.Sequence, f.FundingRateX128.String(), f.SumAX128.String(),
		f.SumBX128.String(), f.SumFpX128.String(), f.MarkPriceX128.String(), env.Timestamp)
	return err
}

func (pw *ProjectionWorker) insertLiquidationHistory(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope, oc *core.Outcome, kind string) error {
	var pool *string
	if oc.Pool != "" {
		p := oc.Pool
		pool = &p
	}

	var amountClosed, notionalClosed *string
	if oc.AmountClosed != nil {
		s := oc.AmountClosed.String()
		amountClosed = &s
	}
	if oc.NotionalClosed != nil {
		s := oc.NotionalClosed.String()
		notionalClosed = &s
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, kind, account_id, keeper_id, pool_id, amount_closed, notional_closed, keeper_fee, insurance_fee, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, kind, oc.AccountID, oc.KeeperID, pool,
		amountClosed, notionalClosed, oc.KeeperFee.String(), oc.InsuranceFundFee.String(), env.Timestamp)
	return err
}
