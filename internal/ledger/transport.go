package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Transport issues JSON-RPC-shaped calls to a ledger endpoint. Real
// dialects use httpTransport; tests substitute a fake.
type Transport interface {
	Call(ctx context.Context, endpoint, method string, params interface{}) (json.RawMessage, error)
}

// httpTransport is the production Transport: a pooled *http.Client, a
// monotonic request id, and a thin JSON-RPC envelope around net/http.
type httpTransport struct {
	client    *http.Client
	requestID atomic.Uint64
}

func newHTTPTransport() *httpTransport {
	return &httpTransport{client: &http.Client{Timeout: 15 * time.Second}}
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *httpTransport) Call(ctx context.Context, endpoint, method string, params interface{}) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcEnvelope{
		JSONRPC: "2.0",
		ID:      t.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, ErrTemporarilyUnavailable
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("ledger: decode response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("ledger: remote error %d: %s", env.Error.Code, env.Error.Message)
	}
	return env.Result, nil
}
