package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fly402/fly402-go/ledger"
)

const maxResponseBytes = 4 << 20

// Client is a [ledger.Client] backed by a JSON-RPC endpoint. It never
// retries; every transport failure surfaces as [ledger.ErrUnavailable].
type Client struct {
	endpoint   string
	httpClient *http.Client
	apiKey     string
	nextID     atomic.Uint64
}

var _ ledger.Client = (*Client)(nil)

// ClientOption customizes a [Client].
type ClientOption func(*Client)

// ClientWithHTTPClient replaces http.DefaultClient.
func ClientWithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// ClientWithAPIKey sends "Authorization: Bearer <key>" on every call.
func ClientWithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// NewClient creates a client for the node at endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// LatestBlockhash implements [ledger.Client].
func (c *Client) LatestBlockhash(ctx context.Context) (string, error) {
	var out blockhashResult
	if err := c.call(ctx, MethodLatestBlockhash, nil, &out); err != nil {
		return "", err
	}
	return out.Blockhash, nil
}

// Mint implements [ledger.Client].
func (c *Client) Mint(ctx context.Context, asset string) (ledger.MintInfo, error) {
	var out ledger.MintInfo
	if err := c.call(ctx, MethodMint, assetParams{Asset: asset}, &out); err != nil {
		return ledger.MintInfo{}, err
	}
	return out, nil
}

// Balance implements [ledger.Client].
func (c *Client) Balance(ctx context.Context, owner, asset string) (uint64, error) {
	var out balanceResult
	if err := c.call(ctx, MethodBalance, balanceParams{Owner: owner, Asset: asset}, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

// SendTransaction implements [ledger.Client].
func (c *Client) SendTransaction(ctx context.Context, tx ledger.SignedTransaction) (string, error) {
	var out signatureResult
	if err := c.call(ctx, MethodSendTransaction, tx, &out); err != nil {
		return "", err
	}
	return out.Signature, nil
}

// SignatureStatus implements [ledger.Client].
func (c *Client) SignatureStatus(ctx context.Context, signature string) (ledger.SignatureStatus, error) {
	var out ledger.SignatureStatus
	if err := c.call(ctx, MethodSignatureStatus, signatureParams{Signature: signature}, &out); err != nil {
		return ledger.SignatureStatus{}, err
	}
	return out, nil
}

// Transaction implements [ledger.Client].
func (c *Client) Transaction(ctx context.Context, signature string) (*ledger.TransactionRecord, error) {
	var out ledger.TransactionRecord
	if err := c.call(ctx, MethodTransaction, signatureParams{Signature: signature}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseIdleConnections releases pooled connections of the underlying
// HTTP client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	req := request{
		JSONRPC: jsonRPCVersion,
		ID:      json.RawMessage(strconv.FormatUint(c.nextID.Add(1), 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: %s: encode params: %w", method, err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: %s: encode request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("rpc: %s: %w", method, ctxErr)
		}
		return fmt.Errorf("%w: %s: %v", ledger.ErrUnavailable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s: http status %d: %s", ledger.ErrUnavailable, method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ledger.ErrUnavailable, method, err)
	}
	if out.Error != nil {
		return fmt.Errorf("rpc: %s: %w", method, out.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", ledger.ErrUnavailable, method, err)
	}
	return nil
}
