package wallet

import "fmt"

// PointsPerDollar is a sponsor's points-to-currency conversion ratio.
type PointsPerDollar int64

// NewPointsPerDollar validates that a ratio is strictly positive.
func NewPointsPerDollar(raw int64) (PointsPerDollar, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidRatio)
	}
	return PointsPerDollar(raw), nil
}

// Int64 returns the raw ratio.
func (ratio PointsPerDollar) Int64() int64 {
	return int64(ratio)
}

// PointsForCents converts a price in cents to points at this ratio, rounding
// down.
func (ratio PointsPerDollar) PointsForCents(amountCents int64) Points {
	if amountCents <= 0 {
		return 0
	}
	return Points(amountCents * int64(ratio) / 100)
}

// ResolveRatio picks the sponsor-specific override when present, otherwise the
// global default. There is no other fallback.
func ResolveRatio(sponsorOverride *PointsPerDollar, globalDefault PointsPerDollar) PointsPerDollar {
	if sponsorOverride != nil {
		return *sponsorOverride
	}
	return globalDefault
}
