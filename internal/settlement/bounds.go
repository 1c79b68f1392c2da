package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"winback-settlement/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)

	tierSmall  = decimal.NewFromInt(100)
	tierMedium = decimal.NewFromInt(500)
	tierLarge  = decimal.NewFromInt(2000)

	tightLoss  = decimal.NewFromInt(5)
	mediumLoss = decimal.NewFromInt(10)
)

// MinDuration is the floor applied to every computed holding window.
const MinDuration = time.Hour

// MaxDuration returns the longest holding window allowed for a purchase.
// Larger purchases get shorter windows, and a tighter loss tolerance shortens
// the window further. Negative amounts are treated as zero.
func MaxDuration(purchaseAmount, maxLossPercent decimal.Decimal) time.Duration {
	amount := purchaseAmount
	if amount.IsNegative() {
		amount = decimal.Zero
	}

	var base time.Duration
	switch {
	case amount.LessThanOrEqual(tierSmall):
		base = 7 * 24 * time.Hour
	case amount.LessThanOrEqual(tierMedium):
		base = 3 * 24 * time.Hour
	case amount.LessThanOrEqual(tierLarge):
		base = 24 * time.Hour
	default:
		base = 6 * time.Hour
	}

	// multiplier in tenths keeps the arithmetic exact (72h * 0.6 = 43.2h)
	loss := maxLossPercent.Abs()
	tenths := time.Duration(10)
	switch {
	case loss.LessThanOrEqual(tightLoss):
		tenths = 6
	case loss.LessThanOrEqual(mediumLoss):
		tenths = 8
	}

	d := base * tenths / 10
	if d < MinDuration {
		d = MinDuration
	}
	return d
}

// HardMaxExpiry is the latest instant a position configured now may expire:
// never after the market closes and never beyond MaxDuration.
func HardMaxExpiry(market model.Market, purchaseAmount, maxLossPercent decimal.Decimal, now time.Time) time.Time {
	ceiling := now.Add(MaxDuration(purchaseAmount, maxLossPercent))
	if market.CloseTime.Before(ceiling) {
		return market.CloseTime
	}
	return ceiling
}

// ClampExpiry silently caps a requested expiry at the hard maximum.
func ClampExpiry(requested, hardMax time.Time) time.Time {
	if requested.After(hardMax) {
		return hardMax
	}
	return requested
}
