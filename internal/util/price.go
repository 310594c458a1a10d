// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// FloorToTick rounds p down to the nearest multiple of tick.
// A non-positive tick returns p unchanged.
func FloorToTick(p, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return p
	}
	return p.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds p up to the nearest multiple of tick.
func CeilToTick(p, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return p
	}
	return p.Div(tick).Ceil().Mul(tick)
}

// WithinOneTick reports whether a and b differ by less than one tick.
func WithinOneTick(a, b, tick decimal.Decimal) bool {
	if tick.Sign() <= 0 {
		return a.Equal(b)
	}
	return a.Sub(b).Abs().LessThan(tick)
}
