package model

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

// ErrInvalidLtv is returned for a ratio that is zero, above 100% or has a
// zero denominator.
var ErrInvalidLtv = errors.New("model: invalid ltv ratio")

// LtvPolicy bounds debt to floor(collateralValue * Numerator / Denominator).
type LtvPolicy struct {
	Numerator   uint64 `json:"numerator" toml:"numerator"`
	Denominator uint64 `json:"denominator" toml:"denominator"`
	Units       Units  `json:"units" toml:"units"`
}

// DefaultLtvPolicy is 60% in value units.
func DefaultLtvPolicy() LtvPolicy {
	return LtvPolicy{Numerator: 6000, Denominator: 10000, Units: UnitsValue}
}

// Validate checks the ratio is within (0, 1] and the units are known.
func (p LtvPolicy) Validate() error {
	if p.Denominator == 0 || p.Numerator == 0 || p.Numerator > p.Denominator {
		return ErrInvalidLtv
	}
	if !p.Units.Valid() {
		return ErrInvalidLtv
	}
	return nil
}

// CollateralValue converts collateral into the unit debt is recorded in.
// In asset units this is floor(collateral * price / PriceScale), saturated at
// MaxUint64.
func (p LtvPolicy) CollateralValue(collateral, price uint64) uint64 {
	if p.Units != UnitsAsset {
		return collateral
	}
	v := new(uint256.Int).Mul(uint256.NewInt(collateral), uint256.NewInt(price))
	v.Div(v, uint256.NewInt(PriceScale))
	return saturate(v)
}

// MaxDebt returns the largest debt the collateral supports at price.
func (p LtvPolicy) MaxDebt(collateral, price uint64) uint64 {
	if p.Denominator == 0 {
		return 0
	}
	v := new(uint256.Int).Mul(uint256.NewInt(p.CollateralValue(collateral, price)), uint256.NewInt(p.Numerator))
	v.Div(v, uint256.NewInt(p.Denominator))
	return saturate(v)
}

// Healthy reports whether pos satisfies the bound at price.
func (p LtvPolicy) Healthy(pos Position, price uint64) bool {
	return pos.Debt <= p.MaxDebt(pos.Collateral, price)
}

func saturate(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}
