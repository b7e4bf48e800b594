// Package oracle holds the current collateral price and refreshes it from an
// external feed.
//
// Prices are integers scaled by model.PriceScale: a feed quote of 123.456 USD
// is stored as 12345. A failed refresh never touches the stored price; a
// stale price is safer than a wrong one.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
)

var (
	// ErrFeedUnavailable is returned when the feed cannot be reached, times
	// out, or answers with a non-success status.
	ErrFeedUnavailable = errors.New("oracle: price feed unavailable")

	// ErrFeedMalformed is returned when the feed answer cannot be parsed
	// into a positive price.
	ErrFeedMalformed = errors.New("oracle: malformed price feed response")

	// ErrInvalidPrice is returned for a zero price.
	ErrInvalidPrice = errors.New("oracle: price must be positive")

	// ErrNoFeed is returned by Refresh when no fetcher is configured.
	ErrNoFeed = errors.New("oracle: no price feed configured")
)

// Fetcher retrieves the current USD price of the collateral asset.
type Fetcher interface {
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// Oracle is the process-wide current price. Safe for concurrent use.
type Oracle struct {
	mu      sync.RWMutex
	quote   model.PriceQuote
	fetcher Fetcher
	timeout time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// DefaultFetchTimeout bounds one shared fetch.
const DefaultFetchTimeout = 30 * time.Second

// Option customises an Oracle.
type Option func(*Oracle)

// WithFetcher sets the external feed used by Refresh.
func WithFetcher(f Fetcher) Option {
	return func(o *Oracle) { o.fetcher = f }
}

// WithFetchTimeout bounds each fetch. Non-positive values keep the default.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock sets the function used to timestamp quotes.
func WithClock(clock func() time.Time) Option {
	return func(o *Oracle) { o.now = clock }
}

// New creates an oracle seeded with initial (already scaled).
func New(initial uint64, opts ...Option) *Oracle {
	o := &Oracle{now: time.Now, timeout: DefaultFetchTimeout}
	for _, opt := range opts {
		opt(o)
	}
	o.quote = model.PriceQuote{Price: initial, ObservedAt: o.now().UTC()}
	metrics.OraclePrice.Set(float64(initial))
	return o
}

// Price returns the last known price.
func (o *Oracle) Price() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.quote.Price
}

// Quote returns the last known price with its observation time.
func (o *Oracle) Quote() model.PriceQuote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.quote
}

// Set overwrites the price. Authorization is the caller's concern.
func (o *Oracle) Set(price uint64) error {
	if price == 0 {
		return ErrInvalidPrice
	}
	o.store(price)
	return nil
}

// Refresh fetches a new price and stores it on success. Concurrent calls
// share one fetch, which is not bound to any single caller's context: a
// caller whose ctx ends returns early and the fetch completes for the rest.
func (o *Oracle) Refresh(ctx context.Context) error {
	if o.fetcher == nil {
		return ErrNoFeed
	}
	ch := o.group.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()

		usd, err := o.fetcher.Fetch(fctx)
		if err != nil {
			if errors.Is(err, ErrFeedMalformed) || errors.Is(err, ErrFeedUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
		}
		price, err := ScalePrice(usd)
		if err != nil {
			return nil, err
		}
		o.store(price)
		return nil, nil
	})

	var err error
	select {
	case res := <-ch:
		err = res.Err
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", ErrFeedUnavailable, ctx.Err())
	}
	if err != nil {
		metrics.OracleRefreshes.WithLabelValues("error").Inc()
		return err
	}
	metrics.OracleRefreshes.WithLabelValues("ok").Inc()
	return nil
}

// Run refreshes the price every interval until ctx is cancelled.
func (o *Oracle) Run(ctx context.Context, interval time.Duration) {
	if o.fetcher == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Refresh(ctx); err != nil {
				slog.Warn("price refresh failed, keeping last price",
					"price", o.Price(),
					"err", err,
				)
			}
		}
	}
}

func (o *Oracle) store(price uint64) {
	o.mu.Lock()
	o.quote = model.PriceQuote{Price: price, ObservedAt: o.now().UTC()}
	o.mu.Unlock()
	metrics.OraclePrice.Set(float64(price))
}

var (
	priceScale = decimal.NewFromInt(int64(model.PriceScale))
	maxPrice   = decimal.NewFromBigInt(new(big.Int).SetUint64(^uint64(0)), 0)
)

// ScalePrice converts a USD quote into the stored integer form, truncating
// digits beyond the scale.
func ScalePrice(usd decimal.Decimal) (uint64, error) {
	scaled := usd.Mul(priceScale).Truncate(0)
	if !scaled.IsPositive() {
		return 0, fmt.Errorf("%w: non-positive price %s", ErrFeedMalformed, usd)
	}
	if scaled.GreaterThan(maxPrice) {
		return 0, fmt.Errorf("%w: price %s out of range", ErrFeedMalformed, usd)
	}
	return scaled.BigInt().Uint64(), nil
}

// FormatPrice renders a stored price as a USD decimal string.
func FormatPrice(price uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(price), 0).Div(priceScale).StringFixed(2)
}
