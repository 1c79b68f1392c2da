package settlement

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"winback-settlement/internal/model"
)

type ConfigureRequest struct {
	Market           model.Market
	Direction        model.Direction
	EntryPrice       decimal.Decimal
	MaxRewardPercent decimal.Decimal
	MaxLossPercent   decimal.Decimal
	TimeLimitDays    decimal.Decimal
}

// Observation is one polling tick. Result is set once the reference market
// has resolved; Price may then be zero.
type Observation struct {
	Price  decimal.Decimal
	At     time.Time
	Result model.MarketResult
}

var (
	day       = decimal.NewFromInt(int64(24 * time.Hour))
	maxWindow = decimal.NewFromInt(math.MaxInt64)
)

// requestedExpiry converts a day count to an instant. Windows beyond the
// largest time.Duration saturate instead of wrapping.
func requestedExpiry(days decimal.Decimal, now time.Time) time.Time {
	window := days.Mul(day)
	if window.GreaterThan(maxWindow) {
		return now.Add(time.Duration(math.MaxInt64))
	}
	return now.Add(time.Duration(window.IntPart()))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// ValidPercent reports whether p is a threshold percent in [0, 100].
func ValidPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}

func (e *Engine) validate(pos model.Position, req ConfigureRequest, now time.Time) error {
	if !pos.Purchase.Amount.IsPositive() {
		return invalid("purchase amount %s must be positive", pos.Purchase.Amount)
	}
	if req.Direction != model.DirectionYes && req.Direction != model.DirectionNo {
		return invalid("direction %q", req.Direction)
	}
	if !req.EntryPrice.IsPositive() || !req.EntryPrice.LessThan(hundred) {
		return invalid("entry price %s outside (0,100)", req.EntryPrice)
	}
	if !ValidPercent(req.MaxRewardPercent) {
		return invalid("max reward percent %s outside [0,100]", req.MaxRewardPercent)
	}
	if !ValidPercent(req.MaxLossPercent) {
		return invalid("max loss percent %s outside [0,100]", req.MaxLossPercent)
	}
	if !req.TimeLimitDays.IsPositive() {
		return invalid("time limit %s days must be positive", req.TimeLimitDays)
	}
	if req.Market.Ticker == "" {
		return invalid("market ticker is required")
	}
	if req.Market.Resolved() {
		return invalid("market %s already resolved", req.Market.Ticker)
	}
	if !req.Market.CloseTime.After(now) {
		return invalid("market %s closed at %s", req.Market.Ticker, req.Market.CloseTime.Format(time.RFC3339))
	}
	return nil
}

// Configure binds an unconfigured position to a market and risk thresholds.
// The expiry is the requested window capped by HardMaxExpiry.
func (e *Engine) Configure(pos model.Position, req ConfigureRequest, now time.Time) (model.Position, error) {
	if pos.Status != model.StatusUnconfigured {
		return pos, fmt.Errorf("%w: position %s is %s", ErrInvalidPositionState, pos.ID, pos.Status)
	}
	if err := e.validate(pos, req, now); err != nil {
		return pos, err
	}

	requested := requestedExpiry(req.TimeLimitDays, now)
	hardMax := HardMaxExpiry(req.Market, pos.Purchase.Amount, req.MaxLossPercent, now)
	if e.cfg.StrictExpiry && requested.After(hardMax) {
		return pos, fmt.Errorf("%w: requested %s, ceiling %s", ErrExpiryExceedsCeiling,
			requested.Format(time.RFC3339), hardMax.Format(time.RFC3339))
	}
	expires := ClampExpiry(requested, hardMax)

	next := pos.Clone()
	next.Market = &model.MarketBinding{
		Ticker:    req.Market.Ticker,
		Title:     req.Market.Title,
		Category:  req.Market.Category,
		CloseTime: req.Market.CloseTime,
	}
	next.Prediction = &model.Prediction{
		Direction:    req.Direction,
		EntryPrice:   req.EntryPrice,
		CurrentPrice: req.EntryPrice,
	}
	next.Thresholds = &model.Thresholds{
		MaxRewardPercent:   req.MaxRewardPercent,
		MaxLossPercent:     req.MaxLossPercent,
		TimeLimit:          expires.Sub(now),
		ExpiresAt:          expires,
		RequestedExpiresAt: requested,
		Clamped:            !expires.Equal(requested),
	}
	configuredAt := now
	next.ConfiguredAt = &configuredAt
	next.Status = model.StatusActive
	return next, nil
}

// Tick applies one observation. Exit conditions are checked in order:
// market resolution, expiry, then the reward/loss bounds. A settled position
// is returned unchanged.
func (e *Engine) Tick(pos model.Position, obs Observation) (model.Position, error) {
	if pos.Status == model.StatusSettled {
		return pos, nil
	}
	if err := checkActive(pos); err != nil {
		return pos, err
	}
	if pos.LastTickAt != nil && obs.At.Before(*pos.LastTickAt) {
		return pos, fmt.Errorf("%w: %s before %s", ErrStaleTick,
			obs.At.Format(time.RFC3339Nano), pos.LastTickAt.Format(time.RFC3339Nano))
	}

	next := pos.Clone()
	at := obs.At
	next.LastTickAt = &at

	if obs.Result != model.ResultNone {
		final := decimal.Zero
		if obs.Result == model.ResultYes {
			final = hundred
		}
		// a resolved price of 0 is legitimate here, so mark directly
		m := markAt(next, final)
		return settle(next, model.ReasonMarketResolved, m.cashback, final, obs.At), nil
	}

	priceOK := ValidPrice(obs.Price)
	if priceOK {
		next.Prediction.CurrentPrice = obs.Price
	}

	if !obs.At.Before(next.Thresholds.ExpiresAt) {
		last := next.Prediction.CurrentPrice
		m := markAt(next, last)
		return settle(next, model.ReasonTimeExpired, m.cashback, last, obs.At), nil
	}

	if !priceOK {
		return pos, fmt.Errorf("%w: %s for %s", ErrPriceUnavailable, obs.Price, pos.Market.Ticker)
	}

	m := markAt(next, obs.Price)
	switch {
	case breachedMax(next, m):
		return settle(next, model.ReasonThresholdReward, m.maxCash, obs.Price, obs.At), nil
	case breachedMin(next, m):
		return settle(next, model.ReasonThresholdLoss, m.minCash, obs.Price, obs.At), nil
	}
	return next, nil
}

// Close settles an active position at the evaluation as of now.
func (e *Engine) Close(pos model.Position, price decimal.Decimal, now time.Time) (model.Position, error) {
	if err := checkActive(pos); err != nil {
		return pos, err
	}
	if pos.LastTickAt != nil && now.Before(*pos.LastTickAt) {
		return pos, fmt.Errorf("%w: %s before %s", ErrStaleTick,
			now.Format(time.RFC3339Nano), pos.LastTickAt.Format(time.RFC3339Nano))
	}
	if !ValidPrice(price) {
		return pos, fmt.Errorf("%w: %s for %s", ErrPriceUnavailable, price, pos.Market.Ticker)
	}

	next := pos.Clone()
	at := now
	next.LastTickAt = &at
	next.Prediction.CurrentPrice = price
	m := markAt(next, price)
	return settle(next, model.ReasonManualClose, m.cashback, price, now), nil
}

// settle fills every outcome field on the copy in one step. Zero cashback is
// a loss.
func settle(pos model.Position, reason model.SettlementReason, cashback, price decimal.Decimal, at time.Time) model.Position {
	outcome := model.OutcomeLoss
	if cashback.IsPositive() {
		outcome = model.OutcomeWin
	}
	pos.Settlement = &model.SettlementOutcome{
		Reason:         reason,
		Outcome:        outcome,
		CashbackAmount: cashback,
		ROIPercent:     cashback.Div(pos.Purchase.Amount).Mul(hundred),
		SettlePrice:    price,
	}
	settledAt := at
	pos.SettledAt = &settledAt
	pos.Status = model.StatusSettled
	return pos
}
