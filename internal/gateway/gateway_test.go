package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{nil, ClassNone},
		{fmt.Errorf("wrap: %w", ErrRejected), ClassRejected},
		{fmt.Errorf("wrap: %w", ErrMalformed), ClassMalformed},
		{ErrUnavailable, ClassUnavailable},
		{context.DeadlineExceeded, ClassUnavailable},
		{errors.New("connection reset"), ClassUnavailable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err), "err=%v", tc.err)
	}
}

func TestDisabledGatewayIsUnavailable(t *testing.T) {
	g := NewDisabledGateway()
	_, err := g.Fee(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = g.Transfer(context.Background(), TransferRequest{Destination: "x", Amount: 1})
	require.Equal(t, ClassUnavailable, Classify(err))
}

func newBridge(t *testing.T, transfer http.HandlerFunc) *HTTPClient {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/fee", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fee":10}`))
	})
	mux.HandleFunc("/v1/balance/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/balance/alice" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"balance":5000}`))
	})
	if transfer != nil {
		mux.HandleFunc("/v1/transfer", transfer)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, time.Second)
}

func TestHTTPClientBalanceAndFee(t *testing.T) {
	c := newBridge(t, nil)
	ctx := context.Background()

	fee, err := c.Fee(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), fee)

	bal, err := c.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(5000), bal)

	_, err = c.Balance(ctx, "nobody")
	require.ErrorIs(t, err, ErrRejected)
}

func TestHTTPClientTransferSendsRequest(t *testing.T) {
	var got transferBody
	c := newBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"ok":42}`))
	})

	receipt, err := c.Transfer(context.Background(), TransferRequest{
		Destination: "bob", Amount: 990, Fee: 10, Memo: "intent-1",
	})
	require.NoError(t, err)
	require.Equal(t, "42", receipt)
	require.Equal(t, "bob", got.To)
	require.Equal(t, uint64(990), got.Amount)
	require.Equal(t, uint64(10), got.Fee)
	require.Equal(t, "intent-1", got.Memo)
	require.NotZero(t, got.CreatedAtTime)
}

func TestHTTPClientTransferOutcomes(t *testing.T) {
	cases := map[string]struct {
		status  int
		body    string
		want    Class
		receipt string
	}{
		"duplicate is success": {http.StatusConflict, `{"err":{"kind":"Duplicate","duplicate_of":7}}`, ClassNone, "7"},
		"insufficient funds":   {http.StatusBadRequest, `{"err":{"kind":"InsufficientFunds","message":"balance 3"}}`, ClassRejected, ""},
		"bad fee":              {http.StatusBadRequest, `{"err":{"kind":"BadFee"}}`, ClassRejected, ""},
		"temporarily down":     {http.StatusServiceUnavailable, `{"err":{"kind":"TemporarilyUnavailable"}}`, ClassUnavailable, ""},
		"ledger busy":          {http.StatusOK, `{"err":{"kind":"TemporarilyUnavailable"}}`, ClassUnavailable, ""},
		"server error":         {http.StatusInternalServerError, `oops`, ClassUnavailable, ""},
		"unknown kind":         {http.StatusBadRequest, `{"err":{"kind":"Martian"}}`, ClassMalformed, ""},
		"garbage":              {http.StatusOK, `<html>`, ClassMalformed, ""},
		"empty object":         {http.StatusOK, `{}`, ClassMalformed, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := newBridge(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			receipt, err := c.Transfer(context.Background(), TransferRequest{Destination: "bob", Amount: 1})
			require.Equal(t, tc.want, Classify(err), "err=%v", err)
			require.Equal(t, tc.receipt, receipt)
		})
	}
}

func TestHTTPClientTimeoutIsUnavailable(t *testing.T) {
	c := newBridge(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"ok":1}`))
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Transfer(ctx, TransferRequest{Destination: "bob", Amount: 1})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClientRateLimitRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fee":1}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, WithRateLimit(0.001, 1))
	_, err := c.Fee(context.Background())
	require.NoError(t, err)

	// The single token is spent; the next call cannot be paced within the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Fee(ctx)
	require.ErrorIs(t, err, ErrRejected)
}

func TestHTTPClientTransferNotSentIsRejected(t *testing.T) {
	var transfers int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transfers++
		w.Write([]byte(`{"ok":"7"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, WithRateLimit(0.001, 1))
	_, err := c.Transfer(context.Background(), TransferRequest{Destination: "d", Amount: 1, Memo: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Transfer(ctx, TransferRequest{Destination: "d", Amount: 1, Memo: "m"})
	require.Equal(t, ClassRejected, Classify(err))
	require.Equal(t, 1, transfers)

	bad := NewHTTPClient("http://bad host", time.Second)
	_, err = bad.Transfer(context.Background(), TransferRequest{Destination: "d", Amount: 1, Memo: "m"})
	require.Equal(t, ClassRejected, Classify(err))
}
