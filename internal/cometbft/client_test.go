package cometbft

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", time.Second); err == nil {
		t.Fatal("expected error for empty url")
	}
	c, err := NewClient("http://localhost:26657/", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.baseURL != "http://localhost:26657" {
		t.Fatalf("expected trailing slash trimmed, got %q", c.baseURL)
	}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"result":{"node_info":{"network":"retrochain-1"},"sync_info":{"latest_block_height":"1234"}}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ChainID != "retrochain-1" || st.LatestHeight != 1234 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestBlockAndResults(t *testing.T) {
	blockBody := `{"result":{"block_id":{"hash":"AABB"},"block":{"header":{"time":"2025-01-01T00:00:00Z","proposer_address":"CCDD"},"data":{"txs":["AQID"]}}}}`
	resultsBody := `{"result":{"finalize_block_events":[{"type":"mint","attributes":[{"key":"amount","value":"10"}]}],"txs_results":[{"code":0,"gas_wanted":"200000","gas_used":"51234","log":"ok","events":[]}]}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.URL.Query().Get("height"); h != "7" {
			t.Errorf("expected height=7, got %q", h)
		}
		switch r.URL.Path {
		case "/block":
			w.Write([]byte(blockBody))
		case "/block_results":
			w.Write([]byte(resultsBody))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	b, err := c.Block(ctx, 7)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if b.Time != "2025-01-01T00:00:00Z" || b.BlockIDHash != "AABB" || b.ProposerAddress != "CCDD" {
		t.Fatalf("unexpected block: %+v", b)
	}
	if len(b.Txs) != 1 || b.Txs[0] != "AQID" {
		t.Fatalf("unexpected txs: %v", b.Txs)
	}
	if string(b.Raw) != blockBody {
		t.Fatal("raw body not preserved verbatim")
	}

	res, err := c.BlockResults(ctx, 7)
	if err != nil {
		t.Fatalf("block_results: %v", err)
	}
	if len(res.FinalizeBlockEvents) != 1 || res.FinalizeBlockEvents[0].Type != "mint" {
		t.Fatalf("unexpected events: %+v", res.FinalizeBlockEvents)
	}
	if len(res.TxsResults) != 1 {
		t.Fatalf("expected 1 tx result, got %d", len(res.TxsResults))
	}
	tr := res.TxsResults[0]
	if tr.Code == nil || *tr.Code != 0 {
		t.Fatalf("expected code 0, got %v", tr.Code)
	}
	if tr.GasWanted == nil || *tr.GasWanted != 200000 {
		t.Fatalf("expected gas_wanted 200000, got %v", tr.GasWanted)
	}
	if tr.GasUsed == nil || *tr.GasUsed != 51234 {
		t.Fatalf("expected gas_used 51234, got %v", tr.GasUsed)
	}
}

func TestInt64AcceptsStringAndNumber(t *testing.T) {
	var doc struct {
		A *Int64 `json:"a"`
		B *Int64 `json:"b"`
		C *Int64 `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"42","b":42}`), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.A == nil || *doc.A != 42 {
		t.Fatalf("string form: got %v", doc.A)
	}
	if doc.B == nil || *doc.B != 42 {
		t.Fatalf("number form: got %v", doc.B)
	}
	if doc.C != nil {
		t.Fatalf("absent field must stay nil, got %v", doc.C)
	}

	if err := json.Unmarshal([]byte(`{"a":"nope"}`), &doc); err == nil {
		t.Fatal("expected error for non-numeric value")
	}
}

func TestGetJSONErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, time.Second)
	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
