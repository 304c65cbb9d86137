package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"retrochain-indexer/internal/repository"
)

// Pagination bounds. Offsets are capped so a crafted query cannot force a
// full-table skip scan.
const (
	blocksLimitDefault = 20
	blocksLimitMax     = 200
	txsLimitDefault    = 50
	txsLimitMax        = 500
	eventsLimitDefault = 50
	eventsLimitMax     = 500
	offsetMax          = 10_000_000
)

// listEnvelope is the uniform shape of every list response.
type listEnvelope struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Items  any `json:"items"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clampQueryInt reads an integer query parameter, falling back to def when
// absent or non-numeric, and clamping the result into [lo, hi].
func clampQueryInt(r *http.Request, name string, def, lo, hi int) int {
	v := def
	if raw := strings.TrimSpace(r.URL.Query().Get(name)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			v = n
		}
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

func truthyParam(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// heightFilter reads the optional height query parameter for list endpoints.
// Non-numeric values mean "no filter", never an error.
func heightFilter(r *http.Request) *int64 {
	raw := strings.TrimSpace(r.URL.Query().Get("height"))
	if raw == "" {
		return nil
	}
	h, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &h
}

// rawOrString returns s as embedded JSON when it parses, or as a plain string
// when a historic row holds something unparseable.
func rawOrString(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "retrochain-indexer-api",
		"version": "v1",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var chainID any
	if v, ok, err := s.repo.MetaGet(ctx, repository.MetaChainID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if ok {
		chainID = v
	}

	var lastIndexed any
	if h, ok, err := s.repo.LastIndexedHeight(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if ok {
		lastIndexed = h
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"db_path":             s.repo.Path(),
		"chain_id":            chainID,
		"last_indexed_height": lastIndexed,
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", blocksLimitDefault, 1, blocksLimitMax)
	offset := clampQueryInt(r, "offset", 0, 0, offsetMax)
	order := r.URL.Query().Get("order")

	total, items, err := s.repo.Blocks(r.Context(), limit, offset, order)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Total: total, Limit: limit, Offset: offset, Items: items})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseInt(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "height must be an integer")
		return
	}

	b, err := s.repo.BlockByHeight(r.Context(), height)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"height":           b.Height,
		"time":             b.Time,
		"proposer_address": b.ProposerAddress,
		"block_id_hash":    b.BlockIDHash,
		"tx_count":         b.TxCount,
		"indexed_at":       b.IndexedAt,
	}
	if truthyParam(r, "include_raw") {
		resp["block_json"] = rawOrString(b.BlockJSON)
		resp["results_json"] = rawOrString(b.ResultsJSON)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTxs(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", txsLimitDefault, 1, txsLimitMax)
	offset := clampQueryInt(r, "offset", 0, 0, offsetMax)
	order := r.URL.Query().Get("order")

	height := heightFilter(r)

	total, items, err := s.repo.Txs(r.Context(), limit, offset, order, height)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Total: total, Limit: limit, Offset: offset, Items: items})
}

func (s *Server) handleTx(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["hash"]))

	t, err := s.repo.TxByHash(r.Context(), hash)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tx_hash":    t.Hash,
		"height":     t.Height,
		"tx_index":   t.TxIndex,
		"code":       t.Code,
		"gas_wanted": t.GasWanted,
		"gas_used":   t.GasUsed,
		"tx_b64":     t.TxB64,
		"raw_log":    t.RawLog,
		"indexed_at": t.IndexedAt,
		"block_time": t.BlockTime,
		"events":     rawOrString(t.EventsJSON),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", eventsLimitDefault, 1, eventsLimitMax)
	offset := clampQueryInt(r, "offset", 0, 0, offsetMax)
	order := r.URL.Query().Get("order")

	var filter repository.EventFilter
	filter.Height = heightFilter(r)
	filter.TxHash = strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("tx_hash")))
	filter.EventType = strings.TrimSpace(r.URL.Query().Get("type"))
	filter.Source = strings.TrimSpace(r.URL.Query().Get("source"))

	total, items, err := s.repo.Events(r.Context(), limit, offset, order, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Total: total, Limit: limit, Offset: offset, Items: items})
}
