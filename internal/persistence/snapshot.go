package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/core"
	"PerpClearing/internal/position"
	"PerpClearing/internal/tick"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot captures accounts, funding checkpoints, tick checkpoints, the
// insurance fund, sequence validator state, recent idempotency keys, and
// the last state hash. On warm restart the engine loads the latest verified
// snapshot and replays events from snapshot.Sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable engine state. Every big.Int rides as a
// base-10 string so precision survives JSON.
type SnapshotData struct {
	Sequence        int64                        `json:"sequence"`
	StateHash       []byte                       `json:"state_hash"`
	Accounts        []AccountSnap                `json:"accounts"`
	Funding         map[string]FundingSnap       `json:"funding"`
	Ticks           map[string]map[int32]TickSnap `json:"ticks"`
	Insurance       string                       `json:"insurance"`
	SequenceState   map[string]int64             `json:"sequence_state"`
	IdempotencyKeys []string                     `json:"idempotency_keys"`
	CreatedAt       time.Time                    `json:"created_at"`
}

// AccountSnap is a serializable account.
type AccountSnap struct {
	AccountID          uint64                         `json:"account_id"`
	Owner              string                         `json:"owner"`
	QuoteBalance       string                         `json:"quote_balance"`
	Deposits           map[string]string              `json:"deposits"`
	TokenPositions     map[string]TokenPositionSnap   `json:"token_positions"`
	LiquidityPositions map[string][]LiquidityPositionSnap `json:"liquidity_positions"`
}

// TokenPositionSnap is a serializable directional position.
type TokenPositionSnap struct {
	Balance           string `json:"balance"`
	NetTraderPosition string `json:"net_trader_position"`
	SumALastX128      string `json:"sum_a_last_x128"`
}

// LiquidityPositionSnap is a serializable range position.
type LiquidityPositionSnap struct {
	TickLower            int32  `json:"tick_lower"`
	TickUpper            int32  `json:"tick_upper"`
	LimitOrderType       string `json:"limit_order_type"`
	Liquidity            string `json:"liquidity"`
	SumALastX128         string `json:"sum_a_last_x128"`
	SumBInsideLastX128   string `json:"sum_b_inside_last_x128"`
	SumFpInsideLastX128  string `json:"sum_fp_inside_last_x128"`
	SumFeeInsideLastX128 string `json:"sum_fee_inside_last_x128"`
}

// FundingSnap is a serializable global funding checkpoint.
type FundingSnap struct {
	SumAX128        string `json:"sum_a_x128"`
	SumBX128        string `json:"sum_b_x128"`
	SumFpX128       string `json:"sum_fp_x128"`
	SumFeeX128      string `json:"sum_fee_x128"`
	FundingRateX128 string `json:"funding_rate_x128"`
	TimestampLast   int64  `json:"timestamp_last"`
}

// TickSnap is a serializable tick checkpoint.
type TickSnap struct {
	SumALastX128      string `json:"sum_a_last_x128"`
	SumBOutsideX128   string `json:"sum_b_outside_x128"`
	SumFpOutsideX128  string `json:"sum_fp_outside_x128"`
	SumFeeOutsideX128 string `json:"sum_fee_outside_x128"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// CaptureSnapshot serializes the engine's full state at its current sequence.
func CaptureSnapshot(c *core.DeterministicCore, protocol *clearing.Protocol, stateHash []byte, idempotencyKeys []string) *SnapshotData {
	ledger := c.Ledger()

	snap := &SnapshotData{
		Sequence:        c.Sequence() - 1,
		StateHash:       stateHash,
		Funding:         make(map[string]FundingSnap),
		Ticks:           make(map[string]map[int32]TickSnap),
		Insurance:       protocol.Insurance.String(),
		SequenceState:   c.SequenceState(),
		IdempotencyKeys: idempotencyKeys,
		CreatedAt:       time.Now(),
	}

	for _, id := range ledger.AccountIDs() {
		a, err := ledger.Account(id)
		if err != nil {
			continue
		}
		snap.Accounts = append(snap.Accounts, snapAccount(a))
	}

	for _, poolID := range protocol.Funding.PoolIDs() {
		g, ok := protocol.Funding.Get(poolID)
		if !ok {
			continue
		}
		snap.Funding[poolID] = FundingSnap{
			SumAX128:        g.SumAX128.String(),
			SumBX128:        g.SumBX128.String(),
			SumFpX128:       g.SumFpX128.String(),
			SumFeeX128:      g.SumFeeX128.String(),
			FundingRateX128: g.FundingRateX128.String(),
			TimestampLast:   g.TimestampLast,
		}
	}

	for poolID, store := range protocol.Ticks {
		exported := store.Export()
		if len(exported) == 0 {
			continue
		}
		ts := make(map[int32]TickSnap, len(exported))
		for t, cp := range exported {
			ts[t] = TickSnap{
				SumALastX128:      cp.SumALastX128.String(),
				SumBOutsideX128:   cp.SumBOutsideX128.String(),
				SumFpOutsideX128:  cp.SumFpOutsideX128.String(),
				SumFeeOutsideX128: cp.SumFeeOutsideX128.String(),
			}
		}
		snap.Ticks[poolID] = ts
	}

	return snap
}

// RestoreSnapshot reinstates a snapshot into an engine built over the same
// pool and collateral registrations as the one that captured it.
func RestoreSnapshot(snap *SnapshotData, c *core.DeterministicCore, protocol *clearing.Protocol) error {
	ledger := c.Ledger()

	for _, as := range snap.Accounts {
		a, err := restoreAccount(as)
		if err != nil {
			return fmt.Errorf("restore account %d: %w", as.AccountID, err)
		}
		ledger.RestoreAccount(a)
	}

	for poolID, fs := range snap.Funding {
		g := protocol.Funding.GetOrCreate(poolID, fs.TimestampLast)
		if err := setBig(g.SumAX128, fs.SumAX128); err != nil {
			return fmt.Errorf("restore funding %s: %w", poolID, err)
		}
		if err := setBig(g.SumBX128, fs.SumBX128); err != nil {
			return fmt.Errorf("restore funding %s: %w", poolID, err)
		}
		if err := setBig(g.SumFpX128, fs.SumFpX128); err != nil {
			return fmt.Errorf("restore funding %s: %w", poolID, err)
		}
		if err := setBig(g.SumFeeX128, fs.SumFeeX128); err != nil {
			return fmt.Errorf("restore funding %s: %w", poolID, err)
		}
		if err := setBig(g.FundingRateX128, fs.FundingRateX128); err != nil {
			return fmt.Errorf("restore funding %s: %w", poolID, err)
		}
		g.TimestampLast = fs.TimestampLast
	}

	for poolID, ticks := range snap.Ticks {
		store, ok := protocol.Ticks[poolID]
		if !ok {
			return fmt.Errorf("restore ticks: unknown pool %s", poolID)
		}
		for t, ts := range ticks {
			cp := &tick.Checkpoint{
				SumALastX128:      new(big.Int),
				SumBOutsideX128:   new(big.Int),
				SumFpOutsideX128:  new(big.Int),
				SumFeeOutsideX128: new(big.Int),
			}
			if err := setBig(cp.SumALastX128, ts.SumALastX128); err != nil {
				return fmt.Errorf("restore tick %s/%d: %w", poolID, t, err)
			}
			if err := setBig(cp.SumBOutsideX128, ts.SumBOutsideX128); err != nil {
				return fmt.Errorf("restore tick %s/%d: %w", poolID, t, err)
			}
			if err := setBig(cp.SumFpOutsideX128, ts.SumFpOutsideX128); err != nil {
				return fmt.Errorf("restore tick %s/%d: %w", poolID, t, err)
			}
			if err := setBig(cp.SumFeeOutsideX128, ts.SumFeeOutsideX128); err != nil {
				return fmt.Errorf("restore tick %s/%d: %w", poolID, t, err)
			}
			store.Restore(t, cp)
		}
	}

	if err := setBig(protocol.Insurance, snap.Insurance); err != nil {
		return fmt.Errorf("restore insurance: %w", err)
	}

	var prevHash [32]byte
	copy(prevHash[:], snap.StateHash)
	c.SeedRecovery(prevHash, snap.SequenceState, snap.IdempotencyKeys)

	return nil
}

func snapAccount(a *clearing.Account) AccountSnap {
	as := AccountSnap{
		AccountID:          a.ID,
		Owner:              a.Owner.String(),
		QuoteBalance:       a.VQuoteBalance.String(),
		Deposits:           make(map[string]string, len(a.Deposits)),
		TokenPositions:     make(map[string]TokenPositionSnap, len(a.TokenPositions)),
		LiquidityPositions: make(map[string][]LiquidityPositionSnap, len(a.LiquidityPositions)),
	}
	for k, v := range a.Deposits {
		as.Deposits[k] = v.String()
	}
	for pool, tp := range a.TokenPositions {
		as.TokenPositions[pool] = TokenPositionSnap{
			Balance:           tp.Balance.String(),
			NetTraderPosition: tp.NetTraderPosition.String(),
			SumALastX128:      tp.SumALastX128.String(),
		}
	}
	for pool, list := range a.LiquidityPositions {
		snaps := make([]LiquidityPositionSnap, 0, len(list))
		for _, lp := range list {
			snaps = append(snaps, LiquidityPositionSnap{
				TickLower:            lp.TickLower,
				TickUpper:            lp.TickUpper,
				LimitOrderType:       lp.LimitOrderType.String(),
				Liquidity:            lp.Liquidity.String(),
				SumALastX128:         lp.SumALastX128.String(),
				SumBInsideLastX128:   lp.SumBInsideLastX128.String(),
				SumFpInsideLastX128:  lp.SumFpInsideLastX128.String(),
				SumFeeInsideLastX128: lp.SumFeeInsideLastX128.String(),
			})
		}
		as.LiquidityPositions[pool] = snaps
	}
	return as
}

func restoreAccount(as AccountSnap) (*clearing.Account, error) {
	owner, err := uuid.Parse(as.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}

	a := &clearing.Account{
		ID:                 as.AccountID,
		Owner:              owner,
		Deposits:           make(map[string]*big.Int, len(as.Deposits)),
		VQuoteBalance:      new(big.Int),
		TokenPositions:     make(map[string]*position.TokenPosition, len(as.TokenPositions)),
		LiquidityPositions: make(map[string][]*position.LiquidityPosition, len(as.LiquidityPositions)),
	}

	if err := setBig(a.VQuoteBalance, as.QuoteBalance); err != nil {
		return nil, fmt.Errorf("quote balance: %w", err)
	}
	for k, v := range as.Deposits {
		d := new(big.Int)
		if err := setBig(d, v); err != nil {
			return nil, fmt.Errorf("deposit %s: %w", k, err)
		}
		a.Deposits[k] = d
	}
	for pool, tps := range as.TokenPositions {
		tp := position.NewTokenPosition()
		if err := setBig(tp.Balance, tps.Balance); err != nil {
			return nil, fmt.Errorf("token position %s: %w", pool, err)
		}
		if err := setBig(tp.NetTraderPosition, tps.NetTraderPosition); err != nil {
			return nil, fmt.Errorf("token position %s: %w", pool, err)
		}
		if err := setBig(tp.SumALastX128, tps.SumALastX128); err != nil {
			return nil, fmt.Errorf("token position %s: %w", pool, err)
		}
		a.TokenPositions[pool] = tp
	}
	for pool, list := range as.LiquidityPositions {
		restored := make([]*position.LiquidityPosition, 0, len(list))
		for _, lps := range list {
			lot, err := position.ParseLimitOrderType(lps.LimitOrderType)
			if err != nil {
				return nil, fmt.Errorf("range position %s: %w", pool, err)
			}
			var lp position.LiquidityPosition
			if err := lp.Initialize(lps.TickLower, lps.TickUpper, lot); err != nil {
				return nil, fmt.Errorf("range position %s: %w", pool, err)
			}
			if err := setBig(lp.Liquidity, lps.Liquidity); err != nil {
				return nil, fmt.Errorf("range position %s: %w", pool, err)
			}
			if err := setBig(lp.SumALastX128, lps.SumALastX128); err != nil {
				return nil, fmt.Errorf("range position %s: %w", pool, err)
			}
			if err := setBig(lp.SumBInsideLastX128, lps.SumBInsideLastX128); err != nil {
				return nil, fmt.Errorf("range position %s: %w", pool, err)
			}
			if err := setBig(lp.SumFpInsideLastX128, lps.SumFpInsideLastX128); err != nil {
				return nil, fmt.Errorf("range position %s: %w", pool, err)
			}
			if err := setBig(lp.SumFeeInsideLastX128, lps.SumFeeInsideLastX128); err != nil {
				return nil, fmt.Errorf("range position %s: %w", pool, err)
			}
			restored = append(restored, &lp)
		}
		a.LiquidityPositions[pool] = restored
	}

	return a, nil
}

func setBig(dst *big.Int, s string) error {
	if s == "" {
		return nil
	}
	if _, ok := dst.SetString(s, 10); !ok {
		return fmt.Errorf("invalid integer %q", s)
	}
	return nil
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events forward from the
// snapshot sequence before being trusted.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// (nil, nil) when no snapshot exists — a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, pool_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PoolID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
