package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxStatusBatch is the largest identifier list the ledger accepts in
// one status lookup. Callers with more outstanding ids must chunk.
const DefaultMaxStatusBatch = 64

// RejectedError is returned by SubmitTransaction when the ledger refuses a
// transaction outright (as opposed to transport failures).
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected tx: status %d: %s", e.StatusCode, e.Message)
}

// IsRejected reports whether err is an outright ledger rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

type Client struct {
	host       string
	httpClient *http.Client
	maxBatch   int
}

type Options struct {
	Timeout        time.Duration
	MaxStatusBatch int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxStatusBatch <= 0 {
		o.MaxStatusBatch = DefaultMaxStatusBatch
	}
	return o
}

func NewClient(host string, opts Options) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(host, "http") {
		return nil, fmt.Errorf("ledger host must be http(s), got %q", host)
	}
	opts = opts.withDefaults()
	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: opts.Timeout},
		maxBatch:   opts.MaxStatusBatch,
	}, nil
}

func (c *Client) MaxStatusBatch() int { return c.maxBatch }

type clockResp struct {
	Clock uint64 `json:"clock"`
}

// LatestClock is the request/response fallback for the pushed clock feed.
func (c *Client) LatestClock(ctx context.Context) (uint64, error) {
	var resp clockResp
	if err := c.doJSON(ctx, http.MethodGet, "/v1/clock", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Clock, nil
}

type nonceResp struct {
	Nonce common.Hash `json:"nonce"`
}

// LatestNonce fetches the current transaction-construction nonce.
func (c *Client) LatestNonce(ctx context.Context) (common.Hash, error) {
	var resp nonceResp
	if err := c.doJSON(ctx, http.MethodGet, "/v1/nonce", nil, &resp); err != nil {
		return common.Hash{}, err
	}
	if resp.Nonce == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("nonce missing in response")
	}
	return resp.Nonce, nil
}

type submitReq struct {
	Tx *Tx `json:"tx"`
}

type submitResp struct {
	ID common.Hash `json:"id"`
}

// SubmitTransaction delivers a signed transaction. It returns the ledger's
// identifier for the transaction, or RejectedError if the ledger refused it.
// It does not wait for settlement.
func (c *Client) SubmitTransaction(ctx context.Context, tx *Tx) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, fmt.Errorf("tx required")
	}
	if len(tx.Sig) == 0 {
		return common.Hash{}, fmt.Errorf("tx not signed")
	}
	body, err := json.Marshal(submitReq{Tx: tx})
	if err != nil {
		return common.Hash{}, fmt.Errorf("marshal tx: %w", err)
	}

	var resp submitResp
	if err := c.doJSONBody(ctx, http.MethodPost, "/v1/transactions", body, &resp, true); err != nil {
		return common.Hash{}, err
	}
	if resp.ID == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("tx id missing in response")
	}
	return resp.ID, nil
}

type statusReq struct {
	IDs []common.Hash `json:"ids"`
}

type statusResp struct {
	Statuses []*TxStatus `json:"statuses"`
}

// TransactionStatuses looks up settlement status for up to MaxStatusBatch
// identifiers. The returned slice is parallel to ids; entries the ledger does
// not know yet are nil.
func (c *Client) TransactionStatuses(ctx context.Context, ids []common.Hash) ([]*TxStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > c.maxBatch {
		return nil, fmt.Errorf("status batch too large: %d > %d", len(ids), c.maxBatch)
	}
	body, err := json.Marshal(statusReq{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("marshal status request: %w", err)
	}

	var resp statusResp
	if err := c.doJSONBody(ctx, http.MethodPost, "/v1/transactions/status", body, &resp, false); err != nil {
		return nil, err
	}
	if len(resp.Statuses) != len(ids) {
		return nil, fmt.Errorf("status count mismatch: got %d want %d", len(resp.Statuses), len(ids))
	}
	return resp.Statuses, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, headers http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, nil)
	if err != nil {
		return err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.do(req, path, out, false)
}

func (c *Client) doJSONBody(ctx context.Context, method, path string, body []byte, out any, rejectable bool) error {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out, rejectable)
}

func (c *Client) do(req *http.Request, path string, out any, rejectable bool) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if rejectable && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &RejectedError{StatusCode: resp.StatusCode, Message: msg}
		}
		return fmt.Errorf("ledger %s %s: status %d: %s", req.Method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(b)))
	}
	return nil
}
