package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultFeedURL is the public CoinGecko simple-price endpoint for ckBTC.
const DefaultFeedURL = "https://api.coingecko.com/api/v3/simple/price?ids=chain-key-bitcoin&vs_currencies=usd"

const maxFeedResponseBytes = 2048

// HTTPFetcher reads a CoinGecko-style simple-price document:
//
//	{"chain-key-bitcoin": {"usd": 64123.45}}
type HTTPFetcher struct {
	URL      string
	Asset    string // top-level key, e.g. "chain-key-bitcoin"
	Currency string // nested key, e.g. "usd"
	Client   *http.Client
}

// NewHTTPFetcher creates a fetcher with a bounded request timeout.
func NewHTTPFetcher(url, asset, currency string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		URL:      url,
		Asset:    asset,
		Currency: currency,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Fetch performs one GET against the feed.
func (f *HTTPFetcher) Fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrFeedUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedResponseBytes+1))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read body: %v", ErrFeedUnavailable, err)
	}
	if len(body) > maxFeedResponseBytes {
		return decimal.Zero, fmt.Errorf("%w: response exceeds %d bytes", ErrFeedMalformed, maxFeedResponseBytes)
	}

	var doc map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &doc); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrFeedMalformed, err)
	}
	price, ok := doc[f.Asset][f.Currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: missing %s.%s", ErrFeedMalformed, f.Asset, f.Currency)
	}
	return price, nil
}
