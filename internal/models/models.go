package models

// Block represents the 'blocks' table. BlockJSON and ResultsJSON hold the
// verbatim RPC payloads for forensic replay and are excluded from list output.
type Block struct {
	Height          int64  `json:"height"`
	Time            string `json:"time"`
	ProposerAddress string `json:"proposer_address"`
	BlockIDHash     string `json:"block_id_hash"`
	TxCount         int    `json:"tx_count"`
	BlockJSON       string `json:"-"`
	ResultsJSON     string `json:"-"`
	IndexedAt       string `json:"indexed_at"`
}

// Tx represents the 'txs' table. Code and the gas columns are nullable: a
// missing value in txs_results is stored as NULL, not zero.
type Tx struct {
	Hash       string `json:"tx_hash"`
	Height     int64  `json:"height"`
	TxIndex    int    `json:"tx_index"`
	Code       *int64 `json:"code"`
	GasWanted  *int64 `json:"gas_wanted"`
	GasUsed    *int64 `json:"gas_used"`
	TxB64      string `json:"tx_b64"`
	RawLog     string `json:"raw_log"`
	EventsJSON string `json:"-"`
	IndexedAt  string `json:"indexed_at"`

	// BlockTime is joined from the blocks table on single-tx and list reads.
	BlockTime string `json:"block_time"`
}

// Event sources, in the fixed per-height write order.
const (
	SourceBeginBlock    = "begin_block"
	SourceEndBlock      = "end_block"
	SourceFinalizeBlock = "finalize_block"
	SourceTx            = "tx"
)

// Event represents one row of the append-only 'events' table. TxHash is nil
// for block-scope events. EventIndex is a zero-based sequence over all events
// of a height, across source buckets.
type Event struct {
	ID             int64   `json:"id"`
	Height         int64   `json:"height"`
	TxHash         *string `json:"tx_hash"`
	Source         string  `json:"source"`
	EventIndex     int     `json:"event_index"`
	EventType      string  `json:"event_type"`
	AttributesJSON string  `json:"attributes_json"`
}

// EventAttribute is a normalized ABCI event attribute. Key and Value are
// preserved verbatim from the RPC; KeyText and ValueText carry the UTF-8
// decoding of base64 payloads when decoding yields printable text, otherwise
// they repeat the original value.
type EventAttribute struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	KeyText   string `json:"key_text"`
	ValueText string `json:"value_text"`
	Index     *bool  `json:"index"`
}

// NormalizedEvent is the decoded form stored in events.attributes_json and
// txs.events_json.
type NormalizedEvent struct {
	Type       string           `json:"type"`
	Attributes []EventAttribute `json:"attributes"`
}
