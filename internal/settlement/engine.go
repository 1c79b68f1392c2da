// Package settlement turns a purchase, a chosen direction and a live
// reference probability into a bounded, time-limited cashback outcome.
//
// Every function here is pure: the caller supplies the position, the price
// snapshot and the clock, and persists whatever comes back.
package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Config struct {
	// NearBoundRatio is the fraction of a bound at which the near-bound flags
	// switch on.
	NearBoundRatio decimal.Decimal
	// StrictExpiry rejects a requested expiry beyond the ceiling instead of
	// clamping it.
	StrictExpiry bool
}

func DefaultConfig() Config {
	return Config{NearBoundRatio: decimal.NewFromFloat(0.9)}
}

type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if cfg.NearBoundRatio.IsZero() {
		cfg.NearBoundRatio = DefaultConfig().NearBoundRatio
	}
	if cfg.NearBoundRatio.IsNegative() || cfg.NearBoundRatio.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: near bound ratio %s outside (0,1]", ErrInvalidInput, cfg.NearBoundRatio)
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Config() Config { return e.cfg }
