package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/lending-engine/internal/metrics"
)

const maxResponseBytes = 64 << 10

// HTTPClient talks to a JSON bridge in front of an ICRC-1 style token
// ledger.
//
//	GET  /v1/balance/{account}  -> {"balance": 123}
//	GET  /v1/fee                -> {"fee": 10}
//	POST /v1/transfer           -> {"ok": 42} | {"err": {"kind": "...", ...}}
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithRateLimit paces outgoing calls to rps with the given burst. A
// non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(h *HTTPClient) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPClient creates a client for the bridge at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...ClientOption) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type balanceResponse struct {
	Balance *uint64 `json:"balance"`
}

type feeResponse struct {
	Fee *uint64 `json:"fee"`
}

type transferBody struct {
	To            string `json:"to"`
	Amount        uint64 `json:"amount"`
	Fee           uint64 `json:"fee"`
	Memo          string `json:"memo,omitempty"`
	CreatedAtTime int64  `json:"created_at_time"`
}

type transferError struct {
	Kind        string  `json:"kind"`
	Message     string  `json:"message,omitempty"`
	DuplicateOf *uint64 `json:"duplicate_of,omitempty"`
}

type transferResponse struct {
	Ok  *uint64        `json:"ok"`
	Err *transferError `json:"err"`
}

// Balance returns the ledger balance of account.
func (h *HTTPClient) Balance(ctx context.Context, account string) (uint64, error) {
	var out balanceResponse
	err := h.do(ctx, http.MethodGet, "/v1/balance/"+url.PathEscape(account), nil, &out)
	if err == nil && out.Balance == nil {
		err = fmt.Errorf("%w: missing balance", ErrMalformed)
	}
	observe("balance", err)
	if err != nil {
		return 0, err
	}
	return *out.Balance, nil
}

// Fee returns the ledger's current transfer fee.
func (h *HTTPClient) Fee(ctx context.Context) (uint64, error) {
	var out feeResponse
	err := h.do(ctx, http.MethodGet, "/v1/fee", nil, &out)
	if err == nil && out.Fee == nil {
		err = fmt.Errorf("%w: missing fee", ErrMalformed)
	}
	observe("fee", err)
	if err != nil {
		return 0, err
	}
	return *out.Fee, nil
}

// Transfer submits a transfer. A Duplicate answer means the same memo was
// already applied and counts as success.
func (h *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	body := transferBody{
		To:            req.Destination,
		Amount:        req.Amount,
		Fee:           req.Fee,
		Memo:          req.Memo,
		CreatedAtTime: h.now().UnixNano(),
	}
	var out transferResponse
	err := h.do(ctx, http.MethodPost, "/v1/transfer", body, &out)
	var receipt string
	if err == nil {
		receipt, err = interpretTransfer(out)
	}
	observe("transfer", err)
	return receipt, err
}

func interpretTransfer(out transferResponse) (string, error) {
	if out.Ok != nil {
		return strconv.FormatUint(*out.Ok, 10), nil
	}
	if out.Err == nil {
		return "", fmt.Errorf("%w: neither ok nor err", ErrMalformed)
	}
	switch out.Err.Kind {
	case "Duplicate":
		if out.Err.DuplicateOf == nil {
			return "", fmt.Errorf("%w: duplicate without block index", ErrMalformed)
		}
		return strconv.FormatUint(*out.Err.DuplicateOf, 10), nil
	case "TemporarilyUnavailable":
		return "", fmt.Errorf("%w: ledger temporarily unavailable", ErrUnavailable)
	case "InsufficientFunds", "BadFee", "BadBurn", "TooOld", "CreatedInFuture", "GenericError":
		return "", fmt.Errorf("%w: %s %s", ErrRejected, out.Err.Kind, out.Err.Message)
	default:
		return "", fmt.Errorf("%w: unknown error kind %q", ErrMalformed, out.Err.Kind)
	}
}

// do performs one call. Failures before the request is sent are rejected,
// transport failures and 5xx are unavailable, other non-2xx statuses still
// carry a transfer result body and are decoded.
func (h *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: not sent: %v", ErrRejected, err)
		}
	}

	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrRejected, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: not sent: %v", ErrRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if len(raw) > maxResponseBytes {
		return fmt.Errorf("%w: response exceeds %d bytes", ErrMalformed, maxResponseBytes)
	}
	if resp.StatusCode >= 300 && method != http.MethodPost {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func observe(method string, err error) {
	metrics.GatewayCalls.WithLabelValues(method, Classify(err).String()).Inc()
}
