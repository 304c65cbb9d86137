package repository

import (
	"context"
	"fmt"

	"retrochain-indexer/internal/models"
)

// WriteHeight commits everything for one height in a single transaction:
// the block row (replacing any prior payload), then a delete of all existing
// tx and event rows for that height, then the fresh rows. Either the full row
// set for the height is present after the call, or none of it is. Running the
// same inputs twice yields an identical database state (modulo indexed_at),
// which is what makes reindexing the current head safe.
//
// Events must arrive pre-ordered by EventIndex; their insertion order defines
// the surrogate id sequence readers paginate on.
func (r *Repository) WriteHeight(ctx context.Context, block models.Block, txs []models.Tx, events []models.Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin height %d: %w", block.Height, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO blocks(height,time,proposer_address,block_id_hash,tx_count,block_json,results_json,indexed_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		block.Height, block.Time, block.ProposerAddress, block.BlockIDHash,
		block.TxCount, block.BlockJSON, block.ResultsJSON, block.IndexedAt)
	if err != nil {
		return fmt.Errorf("upsert block %d: %w", block.Height, err)
	}

	// Clear any existing child rows for this height (reindex-safe).
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE height = ?", block.Height); err != nil {
		return fmt.Errorf("clear events for %d: %w", block.Height, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM txs WHERE height = ?", block.Height); err != nil {
		return fmt.Errorf("clear txs for %d: %w", block.Height, err)
	}

	for _, t := range txs {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO txs(tx_hash,height,tx_index,code,gas_wanted,gas_used,tx_b64,raw_log,events_json,indexed_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			t.Hash, t.Height, t.TxIndex, t.Code, t.GasWanted, t.GasUsed,
			t.TxB64, t.RawLog, t.EventsJSON, t.IndexedAt)
		if err != nil {
			return fmt.Errorf("insert tx %s at %d: %w", t.Hash, block.Height, err)
		}
	}

	for _, e := range events {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events(height,tx_hash,source,event_index,event_type,attributes_json)
			 VALUES(?,?,?,?,?,?)`,
			e.Height, e.TxHash, e.Source, e.EventIndex, e.EventType, e.AttributesJSON)
		if err != nil {
			return fmt.Errorf("insert event %d at %d: %w", e.EventIndex, block.Height, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit height %d: %w", block.Height, err)
	}
	return nil
}
