package projection

import (
	"context"
	"database/sql"
	"fmt"
)

// ResetProjections truncates every projection table and rewinds the
// watermark to zero. The next startup replays the event log and
// repopulates them; the event log itself is never touched.
func ResetProjections(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		"projections.accounts",
		"projections.token_positions",
		"projections.liquidity_positions",
		"projections.funding_history",
		"projections.liquidation_history",
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "TRUNCATE "+t); err != nil {
			return fmt.Errorf("truncate %s: %w", t, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.watermark SET sequence = 0, updated_at = NOW() WHERE id = 1
	`); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}

	return tx.Commit()
}
