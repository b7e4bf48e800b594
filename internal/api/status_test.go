package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/atmx/lending-engine/internal/gateway"
	"github.com/atmx/lending-engine/internal/lending"
)

func TestStatusFor(t *testing.T) {
	refundOverflow := &lending.AmbiguousError{
		IntentID: "intent-1",
		Err:      errors.Join(gateway.ErrRejected, lending.ErrOverflow),
	}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid amount", lending.ErrInvalidAmount, http.StatusBadRequest},
		{"overflow", fmt.Errorf("deposit: %w", lending.ErrOverflow), http.StatusBadRequest},
		{"busy", lending.ErrBusy, http.StatusConflict},
		{"limit", lending.ErrLimitExceeded, http.StatusUnprocessableEntity},
		{"rejected", fmt.Errorf("%w: %w", lending.ErrRejected, gateway.ErrRejected), http.StatusBadGateway},
		{"unavailable", gateway.ErrUnavailable, http.StatusServiceUnavailable},
		{"ambiguous", &lending.AmbiguousError{IntentID: "intent-2", Err: gateway.ErrUnavailable}, http.StatusGatewayTimeout},
		{"ambiguous refund overflow", refundOverflow, http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}
