package lending

import (
	"errors"
	"fmt"

	"github.com/atmx/lending-engine/internal/gateway"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

var (
	// Validation. No state is mutated when these are returned.
	ErrInvalidAmount          = errors.New("lending: amount must be positive")
	ErrInvalidUser            = errors.New("lending: user id is required")
	ErrInvalidAccount         = errors.New("lending: account is required")
	ErrInvalidOutcome         = errors.New("lending: outcome must be confirmed or failed")
	ErrLimitExceeded          = errors.New("lending: ltv limit exceeded")
	ErrNoDebt                 = errors.New("lending: no outstanding debt")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrAmountBelowFee         = errors.New("lending: amount does not cover transfer fee")
	ErrOverflow               = errors.New("lending: amount overflows position")

	// ErrBusy is returned when another withdrawal or reconciliation for the
	// same user is in flight. Safe to retry.
	ErrBusy = errors.New("lending: operation in progress for user")

	// ErrRejected wraps a gateway rejection. The debit has been credited
	// back.
	ErrRejected = errors.New("lending: transfer rejected, collateral restored")

	// ErrAmbiguous means the transfer outcome is unknown. The debit stays in
	// place until an operator resolves the intent.
	ErrAmbiguous = errors.New("lending: transfer outcome unknown")

	ErrUnauthorized   = errors.New("lending: caller is not authorized")
	ErrIntentNotFound = errors.New("lending: withdrawal intent not found")
	ErrIntentSettled  = errors.New("lending: withdrawal intent already settled")
)

// AmbiguousError carries the intent that needs reconciliation.
type AmbiguousError struct {
	IntentID string
	Err      error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%v (intent %s): %v", ErrAmbiguous, e.IntentID, e.Err)
}

func (e *AmbiguousError) Unwrap() []error {
	return []error{ErrAmbiguous, e.Err}
}

// outcome is the metrics label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAmbiguous):
		return "ambiguous"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrNoDebt):
		return "no_debt"
	case errors.Is(err, ErrInsufficientCollateral), errors.Is(err, ErrAmountBelowFee):
		return "insufficient"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidUser),
		errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrOverflow), errors.Is(err, oracle.ErrInvalidPrice):
		return "invalid"
	case errors.Is(err, ErrIntentNotFound), errors.Is(err, ErrIntentSettled):
		return "intent"
	case errors.Is(err, store.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, oracle.ErrFeedUnavailable), errors.Is(err, oracle.ErrFeedMalformed), errors.Is(err, oracle.ErrNoFeed):
		return "oracle"
	case errors.Is(err, gateway.ErrRejected), errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrMalformed):
		return "gateway"
	default:
		return "error"
	}
}
