// Package model defines the core domain types shared across the lending engine.
// All amounts are unsigned integers in the smallest unit of account, never
// float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"
)

// PriceScale is the fixed scale applied to oracle prices: a USD price of
// 123.45 is stored as 12345 (two implied decimal digits). Every consumer of
// PriceQuote.Price uses this scale.
const PriceScale uint64 = 100

// UserID identifies a caller (principal/address). It is compared and ordered
// lexicographically.
type UserID string

// ParseUserID trims and validates a raw identity string.
func ParseUserID(raw string) (UserID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("user id is required")
	}
	return UserID(id), nil
}

func (u UserID) String() string { return string(u) }

// Position is a user's collateral/debt pair. The zero value is the state of a
// user who has never deposited, or whose position was repaid or seized.
type Position struct {
	Collateral uint64 `json:"collateral"`
	Debt       uint64 `json:"debt"`
}

// IsZero reports whether the position is empty.
func (p Position) IsZero() bool { return p.Collateral == 0 && p.Debt == 0 }

// UserPosition pairs a position with its owner for enumeration.
type UserPosition struct {
	UserID   UserID   `json:"user_id"`
	Position Position `json:"position"`
}

// PriceQuote is the current price of the collateral asset, scaled by PriceScale.
type PriceQuote struct {
	Price      uint64    `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// Units fixes how Position fields are denominated.
type Units string

const (
	// UnitsValue records collateral and debt in the same unit of account;
	// the price is not consulted for the LTV bound.
	UnitsValue Units = "value"
	// UnitsAsset records collateral in asset units and debt in value units;
	// collateral is converted through the oracle price before the LTV check.
	UnitsAsset Units = "asset"
)

// Valid reports whether u is a known denomination.
func (u Units) Valid() bool { return u == UnitsValue || u == UnitsAsset }

// IntentState is the lifecycle state of an external transfer.
type IntentState string

const (
	IntentPending   IntentState = "pending"
	IntentConfirmed IntentState = "confirmed"
	IntentFailed    IntentState = "failed"
)

// TransferIntent records an attempted external debit for a withdrawal.
// A pending intent whose transfer outcome is unknown must be reconciled by an
// operator before the debited collateral can be considered recoverable.
type TransferIntent struct {
	ID          string      `json:"id"`
	UserID      UserID      `json:"user_id"`
	Destination string      `json:"destination"`
	Amount      uint64      `json:"amount"` // debited from collateral
	Fee         uint64      `json:"fee"`    // gateway fee deducted from Amount
	State       IntentState `json:"state"`
	ReceiptID   string      `json:"receipt_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Health summarises a position against the current LTV bound.
type Health struct {
	UserID          UserID   `json:"user_id"`
	Position        Position `json:"position"`
	Price           uint64   `json:"price"`
	CollateralValue uint64   `json:"collateral_value"`
	MaxDebt         uint64   `json:"max_debt"`
	Headroom        uint64   `json:"headroom"` // remaining borrowable amount
	Underwater      bool     `json:"underwater"`
}
