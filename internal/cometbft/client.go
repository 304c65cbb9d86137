package cometbft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a thin wrapper over the CometBFT JSON-RPC HTTP endpoints the
// indexer consumes: /status, /block and /block_results. Responses are kept
// verbatim alongside the typed views so raw payloads can be persisted.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given RPC base URL
// (e.g. "http://localhost:26657"). Every request is bounded by timeout.
func NewClient(rpcURL string, timeout time.Duration) (*Client, error) {
	rpcURL = strings.TrimRight(strings.TrimSpace(rpcURL), "/")
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if _, err := url.Parse(rpcURL); err != nil {
		return nil, fmt.Errorf("invalid rpc url %q: %w", rpcURL, err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    rpcURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Status is the subset of /status the indexer needs.
type Status struct {
	ChainID      string
	LatestHeight int64
}

// BlockDoc is the typed view of /block?height=H plus the verbatim body.
type BlockDoc struct {
	Raw             []byte
	Time            string
	ProposerAddress string
	BlockIDHash     string
	Txs             []string // base64-encoded raw transactions
}

// BlockResultsDoc is the typed view of /block_results?height=H plus the
// verbatim body. Missing event buckets decode to nil slices.
type BlockResultsDoc struct {
	Raw                 []byte
	BeginBlockEvents    []Event
	EndBlockEvents      []Event
	FinalizeBlockEvents []Event
	TxsResults          []TxResult
}

// Event mirrors an ABCI event as it appears on the wire. Attribute key/value
// are base64-encoded on older RPC flavors and plain text on newer ones; the
// client does not decode either.
type Event struct {
	Type       string           `json:"type"`
	Attributes []EventAttribute `json:"attributes"`
}

type EventAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Index *bool  `json:"index,omitempty"`
}

// TxResult is one entry of txs_results. The gas fields arrive as JSON strings
// (proto int64 encoding) on most nodes and as numbers on some; Int64 accepts
// both. Nil pointers mean the field was absent.
type TxResult struct {
	Code      *Int64  `json:"code"`
	GasWanted *Int64  `json:"gas_wanted"`
	GasUsed   *Int64  `json:"gas_used"`
	Log       string  `json:"log"`
	Events    []Event `json:"events"`
}

// Int64 decodes from either a JSON number or a quoted decimal string.
type Int64 int64

func (v *Int64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid int64 value %q: %w", s, err)
	}
	*v = Int64(n)
	return nil
}

// Status fetches /status and extracts the chain id and latest block height.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	body, err := c.getJSON(ctx, "/status", nil)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Result struct {
			NodeInfo struct {
				Network string `json:"network"`
			} `json:"node_info"`
			SyncInfo struct {
				LatestBlockHeight string `json:"latest_block_height"`
			} `json:"sync_info"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	latest, _ := strconv.ParseInt(doc.Result.SyncInfo.LatestBlockHeight, 10, 64)
	return &Status{
		ChainID:      doc.Result.NodeInfo.Network,
		LatestHeight: latest,
	}, nil
}

// Block fetches /block?height=H.
func (c *Client) Block(ctx context.Context, height int64) (*BlockDoc, error) {
	body, err := c.getJSON(ctx, "/block", url.Values{"height": {strconv.FormatInt(height, 10)}})
	if err != nil {
		return nil, err
	}
	var doc struct {
		Result struct {
			BlockID struct {
				Hash string `json:"hash"`
			} `json:"block_id"`
			Block struct {
				Header struct {
					Time            string `json:"time"`
					ProposerAddress string `json:"proposer_address"`
				} `json:"header"`
				Data struct {
					Txs []string `json:"txs"`
				} `json:"data"`
			} `json:"block"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return &BlockDoc{
		Raw:             body,
		Time:            doc.Result.Block.Header.Time,
		ProposerAddress: doc.Result.Block.Header.ProposerAddress,
		BlockIDHash:     doc.Result.BlockID.Hash,
		Txs:             doc.Result.Block.Data.Txs,
	}, nil
}

// BlockResults fetches /block_results?height=H.
func (c *Client) BlockResults(ctx context.Context, height int64) (*BlockResultsDoc, error) {
	body, err := c.getJSON(ctx, "/block_results", url.Values{"height": {strconv.FormatInt(height, 10)}})
	if err != nil {
		return nil, err
	}
	var doc struct {
		Result struct {
			BeginBlockEvents    []Event    `json:"begin_block_events"`
			EndBlockEvents      []Event    `json:"end_block_events"`
			FinalizeBlockEvents []Event    `json:"finalize_block_events"`
			TxsResults          []TxResult `json:"txs_results"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode block_results %d: %w", height, err)
	}
	return &BlockResultsDoc{
		Raw:                 body,
		BeginBlockEvents:    doc.Result.BeginBlockEvents,
		EndBlockEvents:      doc.Result.EndBlockEvents,
		FinalizeBlockEvents: doc.Result.FinalizeBlockEvents,
		TxsResults:          doc.Result.TxsResults,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rpc read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("rpc get %s: unexpected status %d", path, resp.StatusCode)
	}
	return body, nil
}
