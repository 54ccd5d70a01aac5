package query

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarginProber answers live margin questions from the deterministic core.
// Implementations marshal the request onto the core's goroutine; the
// projections cannot answer these because margin depends on current
// oracle prices and extrapolated funding.
type MarginProber interface {
	AccountMargin(ctx context.Context, accountID uint64) (marketValue, initialMargin, maintenanceMargin *big.Int, err error)
}

// QueryService provides read-only access to the projection tables.
// Responses carry as_of_sequence, the projection watermark at read time,
// so callers can reason about staleness.
type QueryService struct {
	db            *sql.DB
	prober        MarginProber
	quoteDecimals int32
	tokenDecimals map[string]int32 // pool id -> base token decimals
}

func NewQueryService(db *sql.DB, prober MarginProber, quoteDecimals int32, tokenDecimals map[string]int32) *QueryService {
	return &QueryService{
		db:            db,
		prober:        prober,
		quoteDecimals: quoteDecimals,
		tokenDecimals: tokenDecimals,
	}
}

// poolTokenDecimals falls back to raw base units for unknown pools.
func (qs *QueryService) poolTokenDecimals(poolID string) int32 {
	if d, ok := qs.tokenDecimals[poolID]; ok {
		return d
	}
	return 0
}

// GetAccount returns one account's view.
func (qs *QueryService) GetAccount(ctx context.Context, accountID uint64) (*AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var owner uuid.UUID
	var quoteBalance string
	err = qs.db.QueryRowContext(ctx, `
		SELECT owner_id, quote_balance::TEXT
		FROM projections.accounts
		WHERE account_id = $1
	`, accountID).Scan(&owner, &quoteBalance)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %d not found", accountID)
	}
	if err != nil {
		return nil, err
	}

	balance, err := decimal.NewFromString(quoteBalance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}

	return &AccountResponse{
		AccountID:    accountID,
		OwnerID:      owner,
		QuoteBalance: scaleUnits(balance, qs.quoteDecimals),
		AsOfSequence: asOfSeq,
	}, nil
}

// GetAccountsByOwner returns every account of one owner.
func (qs *QueryService) GetAccountsByOwner(ctx context.Context, owner uuid.UUID) ([]AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_id, quote_balance::TEXT
		FROM projections.accounts
		WHERE owner_id = $1
		ORDER BY account_id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []AccountResponse
	for rows.Next() {
		var a AccountResponse
		var quoteBalance string
		if err := rows.Scan(&a.AccountID, &quoteBalance); err != nil {
			return nil, err
		}
		balance, err := decimal.NewFromString(quoteBalance)
		if err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		a.OwnerID = owner
		a.QuoteBalance = scaleUnits(balance, qs.quoteDecimals)
		a.AsOfSequence = asOfSeq
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// GetTokenPositions returns an account's open directional positions.
func (qs *QueryService) GetTokenPositions(ctx context.Context, accountID uint64) ([]TokenPositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT pool_id, balance::TEXT, net_trader::TEXT
		FROM projections.token_positions
		WHERE account_id = $1
		ORDER BY pool_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []TokenPositionResponse
	for rows.Next() {
		var p TokenPositionResponse
		var balance, netTrader string
		if err := rows.Scan(&p.PoolID, &balance, &netTrader); err != nil {
			return nil, err
		}
		if p.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		if p.NetTraderPosition, err = decimal.NewFromString(netTrader); err != nil {
			return nil, fmt.Errorf("parse net trader: %w", err)
		}
		dec := qs.poolTokenDecimals(p.PoolID)
		p.Balance = scaleUnits(p.Balance, dec)
		p.NetTraderPosition = scaleUnits(p.NetTraderPosition, dec)
		p.AccountID = accountID
		p.AsOfSequence = asOfSeq
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetLiquidityPositions returns an account's open range positions.
func (qs *QueryService) GetLiquidityPositions(ctx context.Context, accountID uint64) ([]LiquidityPositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT pool_id, tick_lower, tick_upper, limit_order_type, liquidity::TEXT
		FROM projections.liquidity_positions
		WHERE account_id = $1
		ORDER BY pool_id, tick_lower, tick_upper
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []LiquidityPositionResponse
	for rows.Next() {
		var p LiquidityPositionResponse
		var liquidity string
		if err := rows.Scan(&p.PoolID, &p.TickLower, &p.TickUpper, &p.LimitOrderType, &liquidity); err != nil {
			return nil, err
		}
		if p.Liquidity, err = decimal.NewFromString(liquidity); err != nil {
			return nil, fmt.Errorf("parse liquidity: %w", err)
		}
		p.AccountID = accountID
		p.AsOfSequence = asOfSeq
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetFundingHistory returns a pool's funding checkpoints, newest first,
// with cursor pagination on sequence.
func (qs *QueryService) GetFundingHistory(ctx context.Context, poolID string, limit int, beforeSequence *int64) ([]FundingHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, funding_rate_x128::TEXT, mark_price_x128::TEXT, EXTRACT(EPOCH FROM timestamp)::BIGINT
		FROM projections.funding_history
		WHERE pool_id = $1
	`
	args := []interface{}{poolID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FundingHistoryResponse
	for rows.Next() {
		var h FundingHistoryResponse
		var rateStr, markStr string
		if err := rows.Scan(&h.Sequence, &rateStr, &markStr, &h.Timestamp); err != nil {
			return nil, err
		}
		rate, ok := new(big.Int).SetString(rateStr, 10)
		if !ok {
			return nil, fmt.Errorf("parse funding rate %q", rateStr)
		}
		mark, ok := new(big.Int).SetString(markStr, 10)
		if !ok {
			return nil, fmt.Errorf("parse mark price %q", markStr)
		}
		h.PoolID = poolID
		h.FundingRatePerDay = ratePerDay(rate)
		h.MarkPrice = q128ToDecimal(mark)
		h.AsOfSequence = asOfSeq
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetLiquidationHistory returns an account's liquidations, newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, accountID uint64, limit int) ([]LiquidationHistoryResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, kind, keeper_id, pool_id,
		       amount_closed::TEXT, notional_closed::TEXT,
		       keeper_fee::TEXT, insurance_fee::TEXT,
		       EXTRACT(EPOCH FROM timestamp)::BIGINT
		FROM projections.liquidation_history
		WHERE account_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationHistoryResponse
	for rows.Next() {
		var r LiquidationHistoryResponse
		var amountClosed, notionalClosed sql.NullString
		var keeperFee, insuranceFee string
		if err := rows.Scan(
			&r.Sequence, &r.Kind, &r.KeeperID, &r.PoolID,
			&amountClosed, &notionalClosed, &keeperFee, &insuranceFee, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		r.AccountID = accountID
		if amountClosed.Valid {
			d, err := decimal.NewFromString(amountClosed.String)
			if err != nil {
				return nil, fmt.Errorf("parse amount closed: %w", err)
			}
			r.AmountClosed = &d
		}
		if notionalClosed.Valid {
			d, err := decimal.NewFromString(notionalClosed.String)
			if err != nil {
				return nil, fmt.Errorf("parse notional closed: %w", err)
			}
			scaled := scaleUnits(d, qs.quoteDecimals)
			r.NotionalClosed = &scaled
		}
		if d, err := decimal.NewFromString(keeperFee); err == nil {
			r.KeeperFee = scaleUnits(d, qs.quoteDecimals)
		}
		if d, err := decimal.NewFromString(insuranceFee); err == nil {
			r.InsuranceFee = scaleUnits(d, qs.quoteDecimals)
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetMargin probes the live margin of one account via the core.
func (qs *QueryService) GetMargin(ctx context.Context, accountID uint64) (*MarginResponse, error) {
	if qs.prober == nil {
		return nil, fmt.Errorf("margin probe not available")
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	mv, im, mm, err := qs.prober.AccountMargin(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &MarginResponse{
		AccountID:                 accountID,
		MarketValue:               scaleUnits(decimal.NewFromBigInt(mv, 0), qs.quoteDecimals),
		RequiredInitialMargin:     scaleUnits(decimal.NewFromBigInt(im, 0), qs.quoteDecimals),
		RequiredMaintenanceMargin: scaleUnits(decimal.NewFromBigInt(mm, 0), qs.quoteDecimals),
		IsLiquidatable:            mv.Cmp(mm) < 0,
		AsOfSequence:              asOfSeq,
	}, nil
}

// GetJournalHistory returns journal entries touching an account with
// cursor pagination on sequence.
func (qs *QueryService) GetJournalHistory(ctx context.Context, accountID uint64, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	accountPath := fmt.Sprintf("account:%d", accountID)

	query := `
		SELECT journal_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{accountPath}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and sequence density in
// the event log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(sequence, 0) FROM projections.watermark WHERE id = 1
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
