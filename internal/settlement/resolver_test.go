package settlement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"winback-settlement/internal/model"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	return e
}

func unconfigured(amount float64) model.Position {
	return model.Position{
		ID:        "pos-1",
		Purchase:  model.Purchase{ID: "pur-1", ItemName: "Headphones", Amount: d(amount), PurchasedAt: t0.Add(-time.Minute)},
		Status:    model.StatusUnconfigured,
		CreatedAt: t0.Add(-time.Minute),
	}
}

func farMarket() model.Market {
	return model.Market{Ticker: "BTC-100K", Title: "BTC above 100k", Category: "crypto", CloseTime: t0.Add(30 * 24 * time.Hour)}
}

type setup struct {
	amount, entry, reward, loss, days float64
	dir                               model.Direction
}

func activePosition(t *testing.T, e *Engine, s setup) model.Position {
	t.Helper()
	if s.dir == "" {
		s.dir = model.DirectionYes
	}
	pos, err := e.Configure(unconfigured(s.amount), ConfigureRequest{
		Market:           farMarket(),
		Direction:        s.dir,
		EntryPrice:       d(s.entry),
		MaxRewardPercent: d(s.reward),
		MaxLossPercent:   d(s.loss),
		TimeLimitDays:    d(s.days),
	}, t0)
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, pos.Status)
	return pos
}

func assertDecimal(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %v, got %s", want, got)
}

func TestConfigure(t *testing.T) {
	e := newEngine(t)

	t.Run("activates with requested window", func(t *testing.T) {
		orig := unconfigured(100)
		pos, err := e.Configure(orig, ConfigureRequest{
			Market: farMarket(), Direction: model.DirectionYes, EntryPrice: d(60),
			MaxRewardPercent: d(20), MaxLossPercent: d(20), TimeLimitDays: d(3),
		}, t0)
		require.NoError(t, err)

		assert.Equal(t, model.StatusActive, pos.Status)
		assert.Equal(t, "BTC-100K", pos.Market.Ticker)
		assertDecimal(t, 60, pos.Prediction.CurrentPrice)
		assert.Equal(t, t0.Add(72*time.Hour), pos.Thresholds.ExpiresAt)
		assert.Equal(t, pos.ConfiguredAt.Add(pos.Thresholds.TimeLimit), pos.Thresholds.ExpiresAt)
		assert.False(t, pos.Thresholds.Clamped)
		assertDecimal(t, 3, pos.Thresholds.TimeLimitDays())

		assert.Nil(t, orig.Market, "input position must not be mutated")
		assert.Equal(t, model.StatusUnconfigured, orig.Status)
	})

	t.Run("clamps to risk tier ceiling", func(t *testing.T) {
		pos, err := e.Configure(unconfigured(500), ConfigureRequest{
			Market: farMarket(), Direction: model.DirectionNo, EntryPrice: d(40),
			MaxRewardPercent: d(10), MaxLossPercent: d(5), TimeLimitDays: d(3),
		}, t0)
		require.NoError(t, err)
		assert.True(t, pos.Thresholds.Clamped)
		assert.Equal(t, 43*time.Hour+12*time.Minute, pos.Thresholds.TimeLimit)
		assert.Equal(t, t0.Add(72*time.Hour), pos.Thresholds.RequestedExpiresAt)
	})

	t.Run("clamps to market close", func(t *testing.T) {
		mkt := farMarket()
		mkt.CloseTime = t0.Add(10 * time.Hour)
		pos, err := e.Configure(unconfigured(50), ConfigureRequest{
			Market: mkt, Direction: model.DirectionYes, EntryPrice: d(50),
			MaxRewardPercent: d(10), MaxLossPercent: d(10), TimeLimitDays: d(2),
		}, t0)
		require.NoError(t, err)
		assert.Equal(t, mkt.CloseTime, pos.Thresholds.ExpiresAt)
	})

	t.Run("huge time limit clamps instead of wrapping", func(t *testing.T) {
		for _, days := range []float64{106752, 200000, 1e12} {
			req := ConfigureRequest{
				Market: farMarket(), Direction: model.DirectionYes, EntryPrice: d(50),
				MaxRewardPercent: d(10), MaxLossPercent: d(10), TimeLimitDays: d(days),
			}
			pos, err := e.Configure(unconfigured(100), req, t0)
			require.NoError(t, err, "days=%v", days)

			hardMax := HardMaxExpiry(req.Market, d(100), d(10), t0)
			assert.True(t, pos.Thresholds.Clamped, "days=%v", days)
			assert.Equal(t, hardMax, pos.Thresholds.ExpiresAt, "days=%v", days)
			assert.True(t, pos.Thresholds.TimeLimit > 0, "days=%v", days)
			assert.True(t, pos.Thresholds.RequestedExpiresAt.After(pos.Thresholds.ExpiresAt), "days=%v", days)
		}
	})

	t.Run("strict expiry rejects instead of clamping", func(t *testing.T) {
		strict, err := New(Config{StrictExpiry: true})
		require.NoError(t, err)
		pos := unconfigured(500)
		_, err = strict.Configure(pos, ConfigureRequest{
			Market: farMarket(), Direction: model.DirectionYes, EntryPrice: d(40),
			MaxRewardPercent: d(10), MaxLossPercent: d(5), TimeLimitDays: d(3),
		}, t0)
		assert.ErrorIs(t, err, ErrExpiryExceedsCeiling)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		resolved := farMarket()
		resolved.Result = model.ResultYes
		closed := farMarket()
		closed.CloseTime = t0.Add(-time.Hour)

		base := ConfigureRequest{
			Market: farMarket(), Direction: model.DirectionYes, EntryPrice: d(50),
			MaxRewardPercent: d(10), MaxLossPercent: d(10), TimeLimitDays: d(1),
		}
		cases := map[string]func(r *ConfigureRequest){
			"bad direction":    func(r *ConfigureRequest) { r.Direction = "UP" },
			"zero entry":       func(r *ConfigureRequest) { r.EntryPrice = decimal.Zero },
			"entry at 100":     func(r *ConfigureRequest) { r.EntryPrice = d(100) },
			"reward above 100": func(r *ConfigureRequest) { r.MaxRewardPercent = d(101) },
			"negative loss":    func(r *ConfigureRequest) { r.MaxLossPercent = d(-1) },
			"zero time limit":  func(r *ConfigureRequest) { r.TimeLimitDays = decimal.Zero },
			"missing ticker":   func(r *ConfigureRequest) { r.Market.Ticker = "" },
			"resolved market":  func(r *ConfigureRequest) { r.Market = resolved },
			"closed market":    func(r *ConfigureRequest) { r.Market = closed },
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				req := base
				mutate(&req)
				pos, err := e.Configure(unconfigured(100), req, t0)
				assert.ErrorIs(t, err, ErrInvalidInput)
				assert.Equal(t, model.StatusUnconfigured, pos.Status)
			})
		}

		_, err := e.Configure(unconfigured(-5), base, t0)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("only unconfigured positions can be configured", func(t *testing.T) {
		pos := activePosition(t, e, setup{amount: 100, entry: 50, reward: 10, loss: 10, days: 1})
		_, err := e.Configure(pos, ConfigureRequest{}, t0)
		assert.ErrorIs(t, err, ErrInvalidPositionState)
	})
}

func TestTickRewardThreshold(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 60, reward: 20, loss: 20, days: 3})

	settled, err := e.Tick(pos, Observation{Price: d(75), At: t0.Add(time.Hour)})
	require.NoError(t, err)

	require.Equal(t, model.StatusSettled, settled.Status)
	require.NotNil(t, settled.Settlement)
	assert.Equal(t, model.ReasonThresholdReward, settled.Settlement.Reason)
	assert.Equal(t, model.OutcomeWin, settled.Settlement.Outcome)
	assertDecimal(t, 20, settled.Settlement.CashbackAmount)
	assertDecimal(t, 20, settled.Settlement.ROIPercent)
	assert.Equal(t, t0.Add(time.Hour), *settled.SettledAt)
}

func TestTickLossThresholdSettlesAtBound(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 200, entry: 50, reward: 20, loss: 10, days: 2})

	settled, err := e.Tick(pos, Observation{Price: d(40), At: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonThresholdLoss, settled.Settlement.Reason)
	assert.Equal(t, model.OutcomeLoss, settled.Settlement.Outcome)
	assertDecimal(t, -20, settled.Settlement.CashbackAmount)
	assertDecimal(t, -10, settled.Settlement.ROIPercent)
}

func TestTickTimeExpired(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 50, reward: 20, loss: 20, days: 1})

	settled, err := e.Tick(pos, Observation{Price: d(51.5), At: t0.Add(25 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonTimeExpired, settled.Settlement.Reason)
	assert.Equal(t, model.OutcomeWin, settled.Settlement.Outcome)
	assertDecimal(t, 3, settled.Settlement.CashbackAmount)
}

func TestTickExpiredWithoutPriceUsesLastObserved(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 50, reward: 20, loss: 20, days: 1})

	pos, err := e.Tick(pos, Observation{Price: d(55), At: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, pos.Status)

	settled, err := e.Tick(pos, Observation{At: t0.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonTimeExpired, settled.Settlement.Reason)
	assertDecimal(t, 10, settled.Settlement.CashbackAmount)
	assertDecimal(t, 55, settled.Settlement.SettlePrice)
}

func TestTickZeroCashbackIsLoss(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 50, reward: 20, loss: 20, days: 1})

	settled, err := e.Tick(pos, Observation{Price: d(50), At: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonTimeExpired, settled.Settlement.Reason)
	assert.Equal(t, model.OutcomeLoss, settled.Settlement.Outcome)
	assert.True(t, settled.Settlement.CashbackAmount.IsZero())
}

func TestTickMarketResolution(t *testing.T) {
	e := newEngine(t)

	t.Run("resolution in our favour is capped at the reward bound", func(t *testing.T) {
		pos := activePosition(t, e, setup{amount: 100, entry: 60, reward: 20, loss: 20, days: 1})
		settled, err := e.Tick(pos, Observation{At: t0.Add(time.Hour), Result: model.ResultYes})
		require.NoError(t, err)
		assert.Equal(t, model.ReasonMarketResolved, settled.Settlement.Reason)
		assert.Equal(t, model.OutcomeWin, settled.Settlement.Outcome)
		assertDecimal(t, 20, settled.Settlement.CashbackAmount)
		assertDecimal(t, 100, settled.Settlement.SettlePrice)
	})

	t.Run("resolution against us is capped at the loss bound", func(t *testing.T) {
		pos := activePosition(t, e, setup{amount: 100, entry: 60, reward: 20, loss: 15, days: 1})
		settled, err := e.Tick(pos, Observation{At: t0.Add(time.Hour), Result: model.ResultNo})
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeLoss, settled.Settlement.Outcome)
		assertDecimal(t, -15, settled.Settlement.CashbackAmount)
	})

	t.Run("resolution takes priority over expiry", func(t *testing.T) {
		pos := activePosition(t, e, setup{amount: 100, entry: 40, reward: 20, loss: 20, days: 1, dir: model.DirectionNo})
		settled, err := e.Tick(pos, Observation{Price: d(41), At: t0.Add(72 * time.Hour), Result: model.ResultNo})
		require.NoError(t, err)
		assert.Equal(t, model.ReasonMarketResolved, settled.Settlement.Reason)
		assertDecimal(t, 20, settled.Settlement.CashbackAmount)
	})
}

func TestTickWithinBoundsStaysActive(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 50, reward: 20, loss: 20, days: 1})

	next, err := e.Tick(pos, Observation{Price: d(52), At: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, next.Status)
	assert.Nil(t, next.Settlement)
	assertDecimal(t, 52, next.Prediction.CurrentPrice)
	assertDecimal(t, 50, pos.Prediction.CurrentPrice)
}

func TestTickPriceUnavailable(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 50, reward: 20, loss: 20, days: 1})

	for _, p := range []decimal.Decimal{decimal.Zero, d(-3), d(100.5)} {
		next, err := e.Tick(pos, Observation{Price: p, At: t0.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrPriceUnavailable)
		assert.Equal(t, pos, next)
	}
}

func TestTickIsIdempotentOnceSettled(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 60, reward: 20, loss: 20, days: 3})

	first, err := e.Tick(pos, Observation{Price: d(75), At: t0.Add(time.Hour)})
	require.NoError(t, err)
	second, err := e.Tick(first, Observation{Price: d(10), At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = e.Configure(second, ConfigureRequest{}, t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidPositionState)
}

func TestTickRejectsStaleObservation(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 50, reward: 20, loss: 20, days: 1})

	pos, err := e.Tick(pos, Observation{Price: d(52), At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	_, err = e.Tick(pos, Observation{Price: d(80), At: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrStaleTick)
}

func TestTickUnconfigured(t *testing.T) {
	e := newEngine(t)
	_, err := e.Tick(unconfigured(100), Observation{Price: d(50), At: t0})
	assert.ErrorIs(t, err, ErrInvalidPositionState)
}

func TestClose(t *testing.T) {
	e := newEngine(t)
	pos := activePosition(t, e, setup{amount: 100, entry: 50, reward: 20, loss: 20, days: 1, dir: model.DirectionNo})

	closed, err := e.Close(pos, d(45), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonManualClose, closed.Settlement.Reason)
	assert.Equal(t, model.OutcomeWin, closed.Settlement.Outcome)
	assertDecimal(t, 10, closed.Settlement.CashbackAmount)

	_, err = e.Close(closed, d(45), t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidPositionState)

	_, err = e.Close(unconfigured(100), d(45), t0)
	assert.ErrorIs(t, err, ErrInvalidPositionState)

	_, err = e.Close(pos, decimal.Zero, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestCashbackStaysWithinBounds(t *testing.T) {
	e := newEngine(t)
	for _, dir := range []model.Direction{model.DirectionYes, model.DirectionNo} {
		pos := activePosition(t, e, setup{amount: 250, entry: 30, reward: 15, loss: 25, days: 2, dir: dir})
		limit := d(25).Div(hundred).Mul(d(250))
		for p := 1; p <= 100; p++ {
			price := decimal.NewFromInt(int64(p))
			ev, err := e.Evaluate(pos, price, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.True(t, ev.CashbackIfSettledNow.Abs().LessThanOrEqual(limit), "price %d cashback %s", p, ev.CashbackIfSettledNow)

			next, err := e.Tick(pos, Observation{Price: price, At: t0.Add(time.Hour)})
			require.NoError(t, err)
			if next.Settlement != nil {
				assert.True(t, next.Settlement.CashbackAmount.Abs().LessThanOrEqual(limit))
			}
		}
	}
}
