package ingester

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"retrochain-indexer/internal/cometbft"
	"retrochain-indexer/internal/models"
)

// TxHashHex computes the canonical transaction hash for a base64-encoded raw
// transaction: uppercase hex of SHA-256 over the raw bytes. Undecodable input
// hashes the empty byte string, matching CometBFT's treatment of the tx blob
// as opaque bytes.
func TxHashHex(txB64 string) string {
	raw, err := base64.StdEncoding.DecodeString(txB64)
	if err != nil {
		raw = nil
	}
	sum := sha256.Sum256(raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// maybeBase64Text attempts to base64-decode value into UTF-8 text. It returns
// the decoded text only when decoding succeeds, the result is valid UTF-8 and
// contains no control bytes below 0x09; otherwise it returns value verbatim.
// Newer RPC flavors already send plain text, which simply fails the decode
// and falls through.
func maybeBase64Text(value string) string {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return value
	}
	if !utf8.Valid(raw) {
		return value
	}
	for _, b := range raw {
		if b < 0x09 {
			return value
		}
	}
	return string(raw)
}

// NormalizeEvents converts wire-format ABCI events into the stored form:
// key/value preserved verbatim, key_text/value_text best-effort decoded.
// A nil or empty input normalizes to an empty (non-nil) slice.
func NormalizeEvents(events []cometbft.Event) []models.NormalizedEvent {
	out := make([]models.NormalizedEvent, 0, len(events))
	for _, ev := range events {
		attrs := make([]models.EventAttribute, 0, len(ev.Attributes))
		for _, a := range ev.Attributes {
			attrs = append(attrs, models.EventAttribute{
				Key:       a.Key,
				Value:     a.Value,
				KeyText:   maybeBase64Text(a.Key),
				ValueText: maybeBase64Text(a.Value),
				Index:     a.Index,
			})
		}
		out = append(out, models.NormalizedEvent{
			Type:       ev.Type,
			Attributes: attrs,
		})
	}
	return out
}
