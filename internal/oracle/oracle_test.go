package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	price decimal.Decimal
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (s *stubFetcher) Fetch(ctx context.Context) (decimal.Decimal, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return s.price, s.err
}

func TestNewUsesInitialPrice(t *testing.T) {
	o := New(100)
	require.Equal(t, uint64(100), o.Price())
	require.False(t, o.Quote().ObservedAt.IsZero())
}

func TestSetRejectsZero(t *testing.T) {
	o := New(100)
	require.ErrorIs(t, o.Set(0), ErrInvalidPrice)
	require.Equal(t, uint64(100), o.Price())

	require.NoError(t, o.Set(250))
	require.Equal(t, uint64(250), o.Price())
}

func TestRefreshStoresScaledPrice(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &stubFetcher{price: decimal.RequireFromString("64123.456")}
	o := New(100, WithFetcher(f), WithClock(func() time.Time { return now }))

	require.NoError(t, o.Refresh(context.Background()))
	require.Equal(t, uint64(6412345), o.Price())
	require.Equal(t, now, o.Quote().ObservedAt)
}

func TestRefreshFailureKeepsPreviousPrice(t *testing.T) {
	cases := map[string]struct {
		fetcher *stubFetcher
		want    error
	}{
		"network":   {&stubFetcher{err: errors.New("dial tcp: refused")}, ErrFeedUnavailable},
		"timeout":   {&stubFetcher{err: context.DeadlineExceeded}, ErrFeedUnavailable},
		"zero":      {&stubFetcher{price: decimal.Zero}, ErrFeedMalformed},
		"negative":  {&stubFetcher{price: decimal.NewFromInt(-5)}, ErrFeedMalformed},
		"dust":      {&stubFetcher{price: decimal.RequireFromString("0.001")}, ErrFeedMalformed},
		"malformed": {&stubFetcher{err: ErrFeedMalformed}, ErrFeedMalformed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			o := New(100, WithFetcher(tc.fetcher))
			err := o.Refresh(context.Background())
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, uint64(100), o.Price())
		})
	}
}

func TestRefreshWithoutFeed(t *testing.T) {
	o := New(100)
	require.ErrorIs(t, o.Refresh(context.Background()), ErrNoFeed)
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	f := &stubFetcher{price: decimal.NewFromInt(3), gate: make(chan struct{})}
	o := New(100, WithFetcher(f))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Refresh(context.Background())
		}()
	}
	// Give the goroutines time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	require.Equal(t, uint64(300), o.Price())
	require.LessOrEqual(t, f.calls.Load(), int32(5))
	require.GreaterOrEqual(t, f.calls.Load(), int32(1))
}

func TestCancelledCallerDoesNotAbortSharedFetch(t *testing.T) {
	f := &stubFetcher{price: decimal.RequireFromString("2.5"), gate: make(chan struct{})}
	o := New(100, WithFetcher(f))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Refresh(ctx) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, ErrFeedUnavailable)
	require.Equal(t, uint64(100), o.Price())

	close(f.gate)
	require.Eventually(t, func() bool { return o.Price() == 250 }, time.Second, time.Millisecond)
	require.Equal(t, int32(1), f.calls.Load())
}

func TestFetchTimeoutBoundsSharedFetch(t *testing.T) {
	f := &stubFetcher{price: decimal.RequireFromString("2.5"), gate: make(chan struct{})}
	o := New(100, WithFetcher(f), WithFetchTimeout(10*time.Millisecond))

	require.ErrorIs(t, o.Refresh(context.Background()), ErrFeedUnavailable)
	require.Equal(t, uint64(100), o.Price())
}

func TestScaleAndFormatPrice(t *testing.T) {
	p, err := ScalePrice(decimal.RequireFromString("1.239"))
	require.NoError(t, err)
	require.Equal(t, uint64(123), p)
	require.Equal(t, "1.23", FormatPrice(p))
	require.Equal(t, "0.05", FormatPrice(5))
}

// --- HTTP feed ---

func TestHTTPFetcherParsesPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chain-key-bitcoin":{"usd":64123.45}}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "chain-key-bitcoin", "usd", time.Second)
	o := New(100, WithFetcher(f))
	require.NoError(t, o.Refresh(context.Background()))
	require.Equal(t, uint64(6412345), o.Price())
}

func TestHTTPFetcherErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
		want   error
	}{
		"server error":  {http.StatusBadGateway, `{}`, ErrFeedUnavailable},
		"not json":      {http.StatusOK, `<html>`, ErrFeedMalformed},
		"missing field": {http.StatusOK, `{"chain-key-bitcoin":{"eur":1}}`, ErrFeedMalformed},
		"string price":  {http.StatusOK, `{"chain-key-bitcoin":{"usd":"abc"}}`, ErrFeedMalformed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			o := New(100, WithFetcher(NewHTTPFetcher(srv.URL, "chain-key-bitcoin", "usd", time.Second)))
			require.ErrorIs(t, o.Refresh(context.Background()), tc.want)
			require.Equal(t, uint64(100), o.Price())
		})
	}
}

func TestHTTPFetcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"chain-key-bitcoin":{"usd":1}}`))
	}))
	defer srv.Close()

	o := New(100, WithFetcher(NewHTTPFetcher(srv.URL, "chain-key-bitcoin", "usd", 20*time.Millisecond)))
	require.ErrorIs(t, o.Refresh(context.Background()), ErrFeedUnavailable)
	require.Equal(t, uint64(100), o.Price())
}
