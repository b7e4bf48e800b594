// Package gateway abstracts the external token ledger that actually moves
// the collateral asset. Calls may take unbounded time and fail ambiguously;
// every error is classified so the engine knows whether it may refund.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrRejected means the ledger definitively did not move the amount.
	// Safe to refund.
	ErrRejected = errors.New("gateway: transfer rejected")

	// ErrUnavailable means the outcome is unknown (network, timeout, ledger
	// temporarily unavailable). Never refund automatically.
	ErrUnavailable = errors.New("gateway: unavailable")

	// ErrMalformed means the ledger answered in a shape we do not
	// understand. Never refund automatically; needs operator attention.
	ErrMalformed = errors.New("gateway: malformed response")
)

// Class is the refund-relevant category of a gateway error.
type Class int

const (
	ClassNone Class = iota
	ClassRejected
	ClassUnavailable
	ClassMalformed
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassRejected:
		return "rejected"
	case ClassUnavailable:
		return "unavailable"
	case ClassMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by a Gateway to its class. Anything not
// explicitly rejected or malformed, including context deadlines, is
// treated as unavailable.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrRejected):
		return ClassRejected
	case errors.Is(err, ErrMalformed):
		return ClassMalformed
	default:
		return ClassUnavailable
	}
}

// TransferRequest moves Amount to Destination. Memo carries the intent ID so
// the ledger can deduplicate retries.
type TransferRequest struct {
	Destination string
	Amount      uint64
	Fee         uint64
	Memo        string
}

// Gateway is the external asset ledger.
type Gateway interface {
	// Balance returns the ledger balance of account.
	Balance(ctx context.Context, account string) (uint64, error)

	// Fee returns the ledger's current transfer fee.
	Fee(ctx context.Context) (uint64, error)

	// Transfer moves funds and returns the ledger receipt (block index).
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// DisabledGateway is used when no ledger is configured. Every call is
// unavailable.
type DisabledGateway struct{}

func NewDisabledGateway() *DisabledGateway {
	return &DisabledGateway{}
}

func (DisabledGateway) Balance(context.Context, string) (uint64, error) {
	return 0, errNotConfigured
}

func (DisabledGateway) Fee(context.Context) (uint64, error) {
	return 0, errNotConfigured
}

func (DisabledGateway) Transfer(context.Context, TransferRequest) (string, error) {
	return "", errNotConfigured
}

var errNotConfigured = errors.Join(ErrUnavailable, errors.New("gateway: ledger not configured"))
