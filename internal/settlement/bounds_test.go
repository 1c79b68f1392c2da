package settlement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"winback-settlement/internal/model"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestMaxDuration(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		loss   float64
		want   time.Duration
	}{
		{"small purchase loose stop", 100, 20, 7 * 24 * time.Hour},
		{"small purchase medium stop", 50, 10, 7 * 24 * time.Hour * 8 / 10},
		{"medium purchase tight stop", 500, 5, 43*time.Hour + 12*time.Minute},
		{"large purchase", 2000, 15, 24 * time.Hour},
		{"huge purchase tight stop", 10000, 1, 6 * time.Hour * 6 / 10},
		{"negative amount treated as zero", -40, 50, 7 * 24 * time.Hour},
		{"negative loss uses absolute value", 100, -5, 7 * 24 * time.Hour * 6 / 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MaxDuration(d(tc.amount), d(tc.loss)))
		})
	}
}

func TestMaxDurationNonIncreasingAcrossTiers(t *testing.T) {
	amounts := []float64{0, 50, 100, 100.01, 300, 500, 500.01, 1000, 2000, 2000.01, 50000}
	for _, loss := range []float64{1, 5, 7, 10, 25, 100} {
		prev := MaxDuration(d(amounts[0]), d(loss))
		for _, a := range amounts[1:] {
			cur := MaxDuration(d(a), d(loss))
			assert.LessOrEqual(t, cur, prev, "amount %v loss %v", a, loss)
			assert.GreaterOrEqual(t, cur, MinDuration)
			prev = cur
		}
	}
}

func TestHardMaxExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("duration ceiling when market closes later", func(t *testing.T) {
		mkt := model.Market{Ticker: "BTC-100K", CloseTime: now.Add(30 * 24 * time.Hour)}
		got := HardMaxExpiry(mkt, d(500), d(5), now)
		assert.Equal(t, now.Add(43*time.Hour+12*time.Minute), got)
	})

	t.Run("market close wins when earlier", func(t *testing.T) {
		mkt := model.Market{Ticker: "FED-CUT", CloseTime: now.Add(2 * time.Hour)}
		got := HardMaxExpiry(mkt, d(50), d(20), now)
		assert.Equal(t, mkt.CloseTime, got)
	})

	t.Run("never exceeds either ceiling", func(t *testing.T) {
		for _, closeIn := range []time.Duration{time.Hour, 10 * time.Hour, 50 * time.Hour, 500 * time.Hour} {
			for _, amount := range []float64{10, 250, 1500, 9000} {
				mkt := model.Market{CloseTime: now.Add(closeIn)}
				got := HardMaxExpiry(mkt, d(amount), d(8), now)
				assert.False(t, got.After(mkt.CloseTime))
				assert.False(t, got.After(now.Add(MaxDuration(d(amount), d(8)))))
			}
		}
	})
}

func TestClampExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mkt := model.Market{Ticker: "ELECTION", CloseTime: now.Add(6 * time.Hour)}
	hardMax := HardMaxExpiry(mkt, d(80), d(20), now)

	requested := mkt.CloseTime.Add(24 * time.Hour)
	assert.Equal(t, hardMax, ClampExpiry(requested, hardMax))

	earlier := now.Add(time.Hour)
	assert.Equal(t, earlier, ClampExpiry(earlier, hardMax))
}
