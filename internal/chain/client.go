// Package chain provides clients for the ledger fullnode: the paginated
// transaction query used by ingestion and the model registry object used to
// publish and resolve the current model archive identifier.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// TransactionRecord is one raw transaction as returned by the fullnode.
type TransactionRecord struct {
	Digest      string
	Sender      string
	TimestampMs int64
	Raw         json.RawMessage
}

// Page is one page of a descending transaction query. A nil NextCursor
// signals stream exhaustion.
type Page struct {
	Records    []TransactionRecord
	NextCursor *string
}

// Source is the paginated query contract the ingestion buffer consumes.
// Implementations must return records in descending order by recency.
type Source interface {
	QueryTransactions(ctx context.Context, cursor *string, limit int) (*Page, error)
}

// Client is a JSON-RPC client for the ledger fullnode.
type Client struct {
	rpcURL string
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a new fullnode client.
func NewClient(rpcURL string, log zerolog.Logger) *Client {
	return &Client{
		rpcURL: rpcURL,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.With().Str("client", "chain").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type queryResult struct {
	Data       []json.RawMessage `json:"data"`
	NextCursor *string           `json:"nextCursor"`
}

type rawTransaction struct {
	Digest      string `json:"digest"`
	TimestampMs string `json:"timestampMs"`
	Transaction struct {
		Data struct {
			Sender string `json:"sender"`
		} `json:"data"`
	} `json:"transaction"`
}

// QueryTransactions fetches one page of transactions in descending order.
// The raw payload of every record is retained for category detection.
func (c *Client) QueryTransactions(ctx context.Context, cursor *string, limit int) (*Page, error) {
	params := map[string]interface{}{
		"limit": limit,
		"order": "descending",
		"options": map[string]bool{
			"showInput":   true,
			"showEffects": true,
			"showEvents":  true,
		},
	}
	if cursor != nil {
		params["cursor"] = *cursor
	}

	var result queryResult
	if err := c.call(ctx, "queryTransactionBlocks", []interface{}{params}, &result); err != nil {
		return nil, fmt.Errorf("query transactions failed: %w", err)
	}

	page := &Page{
		Records:    make([]TransactionRecord, 0, len(result.Data)),
		NextCursor: result.NextCursor,
	}

	for _, raw := range result.Data {
		var tx rawTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			c.log.Warn().Err(err).Msg("Skipping unparsable transaction record")
			continue
		}

		record := TransactionRecord{
			Digest: tx.Digest,
			Sender: tx.Transaction.Data.Sender,
			Raw:    raw,
		}
		if tx.TimestampMs != "" {
			// timestampMs arrives as a decimal string
			if ms, err := strconv.ParseInt(tx.TimestampMs, 10, 64); err == nil {
				record.TimestampMs = ms
			}
		}
		page.Records = append(page.Records, record)
	}

	return page, nil
}

// call executes a single JSON-RPC request against the fullnode.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode rpc result: %w", err)
		}
	}

	return nil
}
