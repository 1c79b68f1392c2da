package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"winback-settlement/internal/model"
)

// mark is the price-dependent part of an evaluation.
type mark struct {
	rawMove  decimal.Decimal // percent, signed for the position's direction
	pnl      decimal.Decimal // unclamped
	cashback decimal.Decimal // clamped to the bounds
	maxCash  decimal.Decimal
	minCash  decimal.Decimal
}

// ValidPrice reports whether p is usable as a probability price in cents.
func ValidPrice(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThanOrEqual(hundred)
}

func checkActive(pos model.Position) error {
	if pos.Status != model.StatusActive {
		return fmt.Errorf("%w: position %s is %s", ErrInvalidPositionState, pos.ID, pos.Status)
	}
	if pos.Market == nil || pos.Prediction == nil || pos.Thresholds == nil || pos.ConfiguredAt == nil {
		return fmt.Errorf("%w: active position %s is missing configuration", ErrInvalidPositionState, pos.ID)
	}
	if !pos.Prediction.EntryPrice.IsPositive() {
		return fmt.Errorf("%w: active position %s has no entry price", ErrInvalidPositionState, pos.ID)
	}
	return nil
}

func markAt(pos model.Position, price decimal.Decimal) mark {
	entry := pos.Prediction.EntryPrice
	amount := pos.Purchase.Amount
	th := pos.Thresholds

	raw := price.Sub(entry).Div(entry).Mul(hundred)
	if pos.Prediction.Direction == model.DirectionNo {
		raw = raw.Neg()
	}

	clamped := decimal.Min(decimal.Max(raw, th.MaxLossPercent.Neg()), th.MaxRewardPercent)
	return mark{
		rawMove:  raw,
		pnl:      raw.Div(hundred).Mul(amount),
		cashback: clamped.Div(hundred).Mul(amount),
		maxCash:  th.MaxRewardPercent.Div(hundred).Mul(amount),
		minCash:  th.MaxLossPercent.Neg().Div(hundred).Mul(amount),
	}
}

// A flat move never counts as a breach, even with a zero bound.
func breachedMax(pos model.Position, m mark) bool {
	return m.rawMove.IsPositive() && m.rawMove.GreaterThanOrEqual(pos.Thresholds.MaxRewardPercent)
}

func breachedMin(pos model.Position, m mark) bool {
	return m.rawMove.IsNegative() && m.rawMove.LessThanOrEqual(pos.Thresholds.MaxLossPercent.Neg())
}

// Evaluate marks an active position against a price snapshot. It never
// mutates the position.
func (e *Engine) Evaluate(pos model.Position, price decimal.Decimal, now time.Time) (model.Evaluation, error) {
	if err := checkActive(pos); err != nil {
		return model.Evaluation{}, err
	}
	if !ValidPrice(price) {
		return model.Evaluation{}, fmt.Errorf("%w: %s for %s", ErrPriceUnavailable, price, pos.Market.Ticker)
	}

	m := markAt(pos, price)
	remaining, skew := remainingAt(pos, now)

	return model.Evaluation{
		PositionID:           pos.ID,
		ReferencePrice:       price,
		RawMovePercent:       m.rawMove,
		MarkValue:            pos.Purchase.Amount.Add(m.pnl),
		UnrealizedPnL:        m.pnl,
		UnrealizedPnLPercent: m.rawMove,
		CashbackIfSettledNow: m.cashback,
		EstimatedPayment:     pos.Purchase.Amount.Sub(m.cashback),
		MaxCashback:          m.maxCash,
		MinCashback:          m.minCash,
		Remaining:            remaining,
		NearMaxBound:         m.rawMove.IsPositive() && m.cashback.GreaterThanOrEqual(e.cfg.NearBoundRatio.Mul(m.maxCash)),
		NearMinBound:         m.rawMove.IsNegative() && m.cashback.LessThanOrEqual(e.cfg.NearBoundRatio.Mul(m.minCash)),
		BreachedMaxBound:     breachedMax(pos, m),
		BreachedMinBound:     breachedMin(pos, m),
		Expired:              !now.Before(pos.Thresholds.ExpiresAt),
		ClockSkew:            skew,
		EvaluatedAt:          now,
	}, nil
}

// remainingAt never goes negative. A clock behind configured_at reports the
// full window and flags the skew.
func remainingAt(pos model.Position, now time.Time) (model.Remaining, bool) {
	expires := pos.Thresholds.ExpiresAt
	skew := now.Before(*pos.ConfiguredAt)

	total := expires.Sub(now)
	if skew {
		total = expires.Sub(*pos.ConfiguredAt)
	}
	if total < 0 {
		total = 0
	}
	return SplitDuration(total), skew
}

// SplitDuration breaks d into whole days, hours and minutes.
func SplitDuration(d time.Duration) model.Remaining {
	if d < 0 {
		d = 0
	}
	return model.Remaining{
		Total:   d,
		Days:    int(d / (24 * time.Hour)),
		Hours:   int(d % (24 * time.Hour) / time.Hour),
		Minutes: int(d % time.Hour / time.Minute),
	}
}
