package repository

import (
	"context"
	"database/sql"
	"strings"

	"retrochain-indexer/internal/models"
)

// Read queries backing the API. All list reads return (total, items) so
// callers can build the pagination envelope in one round trip pair, and all
// orderings are stable: blocks by height, txs by (height, tx_index), events
// by their surrogate id (which follows the per-height write order).

func orderSQL(order, def string) string {
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "asc":
		return "ASC"
	case "desc":
		return "DESC"
	default:
		return def
	}
}

// Blocks returns a page of block metadata (no raw payloads).
func (r *Repository) Blocks(ctx context.Context, limit, offset int, order string) (int, []models.Block, error) {
	dir := orderSQL(order, "DESC")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM blocks").Scan(&total); err != nil {
		return 0, nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT height, time, proposer_address, block_id_hash, tx_count, indexed_at
		 FROM blocks ORDER BY height `+dir+` LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	items := make([]models.Block, 0, limit)
	for rows.Next() {
		var b models.Block
		var t, proposer, hash sql.NullString
		if err := rows.Scan(&b.Height, &t, &proposer, &hash, &b.TxCount, &b.IndexedAt); err != nil {
			return 0, nil, err
		}
		b.Time, b.ProposerAddress, b.BlockIDHash = t.String, proposer.String, hash.String
		items = append(items, b)
	}
	return total, items, rows.Err()
}

// BlockByHeight returns one block including its raw payloads, or
// sql.ErrNoRows when the height is not indexed.
func (r *Repository) BlockByHeight(ctx context.Context, height int64) (*models.Block, error) {
	var b models.Block
	var t, proposer, hash sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT height, time, proposer_address, block_id_hash, tx_count, block_json, results_json, indexed_at
		 FROM blocks WHERE height = ?`, height).
		Scan(&b.Height, &t, &proposer, &hash, &b.TxCount, &b.BlockJSON, &b.ResultsJSON, &b.IndexedAt)
	if err != nil {
		return nil, err
	}
	b.Time, b.ProposerAddress, b.BlockIDHash = t.String, proposer.String, hash.String
	return &b, nil
}

// TxByHash returns one transaction joined with its block time, or
// sql.ErrNoRows when absent.
func (r *Repository) TxByHash(ctx context.Context, hash string) (*models.Tx, error) {
	var t models.Tx
	var code, gasWanted, gasUsed sql.NullInt64
	var txB64, rawLog, blockTime sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT t.tx_hash, t.height, t.tx_index, t.code, t.gas_wanted, t.gas_used,
		        t.tx_b64, t.raw_log, t.events_json, t.indexed_at, b.time AS block_time
		 FROM txs t LEFT JOIN blocks b ON b.height = t.height
		 WHERE t.tx_hash = ?`, hash).
		Scan(&t.Hash, &t.Height, &t.TxIndex, &code, &gasWanted, &gasUsed,
			&txB64, &rawLog, &t.EventsJSON, &t.IndexedAt, &blockTime)
	if err != nil {
		return nil, err
	}
	t.Code = nullableInt64(code)
	t.GasWanted = nullableInt64(gasWanted)
	t.GasUsed = nullableInt64(gasUsed)
	t.TxB64, t.RawLog, t.BlockTime = txB64.String, rawLog.String, blockTime.String
	return &t, nil
}

// Txs returns a page of transactions, optionally restricted to one height.
// The ordering intentionally mirrors the explorer expectation frozen by the
// original backend: a desc scan orders height DESC with tx_index ASC inside
// each block, and an asc scan the reverse.
func (r *Repository) Txs(ctx context.Context, limit, offset int, order string, height *int64) (int, []models.Tx, error) {
	dir := orderSQL(order, "DESC")
	idxDir := "ASC"
	if dir == "ASC" {
		idxDir = "DESC"
	}

	where := ""
	args := []any{}
	if height != nil {
		where = "WHERE t.height = ?"
		args = append(args, *height)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM txs t "+where, args...).Scan(&total); err != nil {
		return 0, nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT t.tx_hash, t.height, t.tx_index, t.code, t.gas_wanted, t.gas_used,
		        t.raw_log, t.indexed_at, b.time AS block_time
		 FROM txs t LEFT JOIN blocks b ON b.height = t.height `+where+
			` ORDER BY t.height `+dir+`, t.tx_index `+idxDir+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	items := make([]models.Tx, 0, limit)
	for rows.Next() {
		var t models.Tx
		var code, gasWanted, gasUsed sql.NullInt64
		var rawLog, blockTime sql.NullString
		if err := rows.Scan(&t.Hash, &t.Height, &t.TxIndex, &code, &gasWanted, &gasUsed,
			&rawLog, &t.IndexedAt, &blockTime); err != nil {
			return 0, nil, err
		}
		t.Code = nullableInt64(code)
		t.GasWanted = nullableInt64(gasWanted)
		t.GasUsed = nullableInt64(gasUsed)
		t.RawLog, t.BlockTime = rawLog.String, blockTime.String
		items = append(items, t)
	}
	return total, items, rows.Err()
}

// EventFilter restricts an Events query; zero values mean "no filter".
// Filters compose with AND.
type EventFilter struct {
	Height    *int64
	TxHash    string
	EventType string
	Source    string
}

// Events returns a page of events ordered by surrogate id.
func (r *Repository) Events(ctx context.Context, limit, offset int, order string, f EventFilter) (int, []models.Event, error) {
	dir := orderSQL(order, "ASC")

	var conds []string
	var args []any
	if f.Height != nil {
		conds = append(conds, "height = ?")
		args = append(args, *f.Height)
	}
	if f.TxHash != "" {
		conds = append(conds, "tx_hash = ?")
		args = append(args, f.TxHash)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM events "+where, args...).Scan(&total); err != nil {
		return 0, nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, height, tx_hash, source, event_index, event_type, attributes_json
		 FROM events `+where+` ORDER BY id `+dir+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	items := make([]models.Event, 0, limit)
	for rows.Next() {
		var e models.Event
		var txHash, eventType sql.NullString
		if err := rows.Scan(&e.ID, &e.Height, &txHash, &e.Source, &e.EventIndex, &eventType, &e.AttributesJSON); err != nil {
			return 0, nil, err
		}
		if txHash.Valid {
			h := txHash.String
			e.TxHash = &h
		}
		e.EventType = eventType.String
		items = append(items, e)
	}
	return total, items, rows.Err()
}

func nullableInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
