package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"retrochain-indexer/internal/models"
	"retrochain-indexer/internal/repository"
)

func newTestServer(t *testing.T, opts Options) (*Server, *repository.Repository) {
	t.Helper()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "api-test.sqlite"))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewServer(repo, nil, opts), repo
}

func seedBlocks(t *testing.T, repo *repository.Repository, n int) {
	t.Helper()
	ctx := context.Background()
	for h := int64(1); h <= int64(n); h++ {
		hash := fmt.Sprintf("HASH%04d", h)
		block := models.Block{
			Height:      h,
			Time:        fmt.Sprintf("2025-01-01T00:00:%02dZ", h%60),
			TxCount:     1,
			BlockJSON:   fmt.Sprintf(`{"block":{"header":{"height":"%d"}}}`, h),
			ResultsJSON: `{"txs_results":[{}]}`,
			IndexedAt:   "2025-01-01T01:00:00Z",
		}
		code := int64(0)
		txs := []models.Tx{{
			Hash: hash, Height: h, TxIndex: 0, Code: &code,
			TxB64: "AAEC", EventsJSON: `[{"type":"transfer","attributes":[]}]`,
			IndexedAt: "2025-01-01T01:00:00Z",
		}}
		events := []models.Event{
			{Height: h, Source: models.SourceFinalizeBlock, EventIndex: 0, EventType: "mint", AttributesJSON: "[]"},
			{Height: h, TxHash: &hash, Source: models.SourceTx, EventIndex: 1, EventType: "transfer", AttributesJSON: "[]"},
		}
		if err := repo.WriteHeight(ctx, block, txs, events); err != nil {
			t.Fatalf("seed height %d: %v", h, err)
		}
	}
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRootAndHealth(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	rec := doGet(t, s, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := decodeBody(t, rec)
	if body["name"] != "retrochain-indexer-api" || body["version"] != "v1" {
		t.Fatalf("unexpected root payload: %v", body)
	}

	rec = doGet(t, s, "/v1/health")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, repo := newTestServer(t, Options{})
	ctx := context.Background()

	body := decodeBody(t, doGet(t, s, "/v1/status"))
	if body["chain_id"] != nil || body["last_indexed_height"] != nil {
		t.Fatalf("expected nulls on fresh db, got %v", body)
	}
	if body["db_path"] != repo.Path() {
		t.Fatalf("expected db_path %q, got %v", repo.Path(), body["db_path"])
	}

	if err := repo.MetaSet(ctx, repository.MetaChainID, "retrochain-1"); err != nil {
		t.Fatalf("meta set: %v", err)
	}
	if err := repo.AdvanceLastIndexedHeight(ctx, 42); err != nil {
		t.Fatalf("advance: %v", err)
	}

	body = decodeBody(t, doGet(t, s, "/v1/status"))
	if body["chain_id"] != "retrochain-1" {
		t.Fatalf("expected chain id, got %v", body["chain_id"])
	}
	if body["last_indexed_height"] != float64(42) {
		t.Fatalf("expected height 42, got %v", body["last_indexed_height"])
	}
}

func TestBlocksPaginationAndClamps(t *testing.T) {
	s, repo := newTestServer(t, Options{})
	seedBlocks(t, repo, 30)

	// Default: newest first, limit 20.
	body := decodeBody(t, doGet(t, s, "/v1/blocks"))
	if body["total"] != float64(30) || body["limit"] != float64(20) || body["offset"] != float64(0) {
		t.Fatalf("unexpected envelope: %v", body)
	}
	items := body["items"].([]any)
	if len(items) != 20 {
		t.Fatalf("expected 20 items, got %d", len(items))
	}
	if items[0].(map[string]any)["height"] != float64(30) {
		t.Fatalf("expected newest block first, got %v", items[0])
	}

	// Explicit page.
	body = decodeBody(t, doGet(t, s, "/v1/blocks?limit=5&offset=5&order=asc"))
	items = body["items"].([]any)
	if len(items) != 5 || items[0].(map[string]any)["height"] != float64(6) {
		t.Fatalf("unexpected asc page: %v", items)
	}

	// Out-of-range and garbage values clamp or fall back, never error.
	body = decodeBody(t, doGet(t, s, "/v1/blocks?limit=10000"))
	if body["limit"] != float64(200) {
		t.Fatalf("expected limit clamped to 200, got %v", body["limit"])
	}
	body = decodeBody(t, doGet(t, s, "/v1/blocks?limit=0"))
	if body["limit"] != float64(1) {
		t.Fatalf("expected limit clamped to 1, got %v", body["limit"])
	}
	body = decodeBody(t, doGet(t, s, "/v1/blocks?limit=abc&offset=-5"))
	if body["limit"] != float64(20) || body["offset"] != float64(0) {
		t.Fatalf("expected defaults for garbage params, got %v", body)
	}
}

func TestBlockDetail(t *testing.T) {
	s, repo := newTestServer(t, Options{})
	seedBlocks(t, repo, 3)

	rec := doGet(t, s, "/v1/blocks/2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["height"] != float64(2) {
		t.Fatalf("unexpected block: %v", body)
	}
	if _, ok := body["block_json"]; ok {
		t.Fatal("raw payload must be omitted without include_raw")
	}

	body = decodeBody(t, doGet(t, s, "/v1/blocks/2?include_raw=1"))
	raw, ok := body["block_json"].(map[string]any)
	if !ok {
		t.Fatalf("expected embedded raw block under block_json, got %v", body["block_json"])
	}
	if _, ok := raw["block"]; !ok {
		t.Fatalf("raw block not round-tripped: %v", raw)
	}
	if _, ok := body["results_json"]; !ok {
		t.Fatal("expected raw payload under results_json")
	}

	rec = doGet(t, s, "/v1/blocks/999")
	if rec.Code != http.StatusNotFound || decodeBody(t, rec)["error"] != "not found" {
		t.Fatalf("expected json 404, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doGet(t, s, "/v1/blocks/abc")
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "height must be an integer" {
		t.Fatalf("expected json 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestTxEndpoints(t *testing.T) {
	s, repo := newTestServer(t, Options{})
	seedBlocks(t, repo, 4)

	body := decodeBody(t, doGet(t, s, "/v1/txs"))
	if body["total"] != float64(4) || body["limit"] != float64(50) {
		t.Fatalf("unexpected tx envelope: %v", body)
	}
	items := body["items"].([]any)
	if items[0].(map[string]any)["height"] != float64(4) {
		t.Fatalf("expected newest tx first, got %v", items[0])
	}
	// tx_b64 is always present in the shape; the payload itself is only
	// loaded on detail reads.
	if v, ok := items[0].(map[string]any)["tx_b64"]; !ok || v != "" {
		t.Fatalf("expected empty tx_b64 in list items, got %v (present=%v)", v, ok)
	}

	body = decodeBody(t, doGet(t, s, "/v1/txs?height=2"))
	if body["total"] != float64(1) {
		t.Fatalf("expected 1 tx at height 2, got %v", body["total"])
	}

	// Non-numeric height filter is ignored, not rejected.
	rec := doGet(t, s, "/v1/txs?height=abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected bad height filter ignored, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["total"] != float64(4) {
		t.Fatalf("expected unfiltered total 4, got %v", body["total"])
	}

	// Detail lookup is case-insensitive on the hash.
	rec = doGet(t, s, "/v1/txs/hash0003")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	detail := decodeBody(t, rec)
	if detail["tx_hash"] != "HASH0003" || detail["height"] != float64(3) {
		t.Fatalf("unexpected tx detail: %v", detail)
	}
	if detail["block_time"] == "" {
		t.Fatal("expected joined block_time")
	}
	events, ok := detail["events"].([]any)
	if !ok || len(events) != 1 {
		t.Fatalf("expected parsed events array, got %v", detail["events"])
	}

	rec = doGet(t, s, "/v1/txs/DEADBEEF")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	s, repo := newTestServer(t, Options{})
	seedBlocks(t, repo, 3)

	body := decodeBody(t, doGet(t, s, "/v1/events"))
	if body["total"] != float64(6) || body["limit"] != float64(50) {
		t.Fatalf("unexpected events envelope: %v", body)
	}
	items := body["items"].([]any)
	first := items[0].(map[string]any)
	if first["height"] != float64(1) || first["source"] != models.SourceFinalizeBlock {
		t.Fatalf("expected oldest block event first, got %v", first)
	}

	body = decodeBody(t, doGet(t, s, "/v1/events?type=transfer&height=2"))
	if body["total"] != float64(1) {
		t.Fatalf("expected 1 transfer at height 2, got %v", body["total"])
	}

	body = decodeBody(t, doGet(t, s, "/v1/events?source=finalize_block"))
	if body["total"] != float64(3) {
		t.Fatalf("expected 3 finalize events, got %v", body["total"])
	}

	// Items carry the stored columns verbatim.
	if first["event_type"] != "mint" {
		t.Fatalf("expected event_type key, got %v", first)
	}
	if first["attributes_json"] != "[]" {
		t.Fatalf("expected verbatim attributes_json, got %v", first["attributes_json"])
	}

	// Non-numeric height filter is ignored, not rejected.
	rec := doGet(t, s, "/v1/events?height=xyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected bad height filter ignored, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["total"] != float64(6) {
		t.Fatalf("expected unfiltered total 6, got %v", body["total"])
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := doGet(t, s, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("expected json 404, got content type %q", ct)
	}
	if decodeBody(t, rec)["error"] != "not found" {
		t.Fatalf("unexpected 404 body: %s", rec.Body.String())
	}

	// Unknown path under a registered prefix too.
	rec = doGet(t, s, "/v1/blocks/1/extra")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deep unknown path, got %d", rec.Code)
	}
}

func TestMethodFallbacks(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	// Non-preflight OPTIONS answers 204 everywhere, known path or not.
	for _, path := range []string{"/v1/blocks", "/unknown"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("OPTIONS %s: expected 204, got %d", path, rec.Code)
		}
	}

	// Wrong method on a known route gets a JSON 405.
	req := httptest.NewRequest(http.MethodPost, "/v1/blocks", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "method not allowed" {
		t.Fatalf("unexpected 405 body: %s", rec.Body.String())
	}
}

func TestCORSAllowlist(t *testing.T) {
	s, _ := newTestServer(t, Options{CORSOrigins: []string{"http://allowed.example"}})

	// Simple request from an allowed origin gets the header echoed.
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://allowed.example")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.example" {
		t.Fatalf("expected origin echoed, got %q", got)
	}

	// Disallowed origin: request served, no CORS grant.
	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected request served, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS grant, got %q", got)
	}

	// Preflight gets 204.
	req = httptest.NewRequest(http.MethodOptions, "/v1/blocks", nil)
	req.Header.Set("Origin", "http://allowed.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
}

func TestOptionsWithoutCORSConfigured(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/v1/blocks", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS headers when disabled, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Options{RateRPS: 1, RateBurst: 1})

	rec := doGet(t, s, "/v1/blocks")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rec.Code)
	}
	rec = doGet(t, s, "/v1/blocks")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
	// Health stays exempt.
	rec = doGet(t, s, "/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health exempt from limiting, got %d", rec.Code)
	}
}
