// Package pricefeed stores and serves reference price snapshots from Redis.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"winback-settlement/internal/model"
)

var ErrInvalidPrice = errors.New("pricefeed: price outside (0,100]")

type ClientConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New opens a Redis client and pings it.
func New(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// PriceCache keeps one hash per market at "price:{ticker}" with fields
// "price" (decimal string, 0-100 cents) and "ts" (unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

func NewPriceCache(rdb *redis.Client) *PriceCache {
	return &PriceCache{rdb: rdb}
}

func priceKey(ticker string) string {
	return "price:" + ticker
}

// Validate rejects snapshots that are not a usable probability.
func Validate(price decimal.Decimal) error {
	if !price.IsPositive() || price.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	return nil
}

func (pc *PriceCache) SetPrice(ctx context.Context, ticker string, price decimal.Decimal, ts time.Time) error {
	if err := Validate(price); err != nil {
		return err
	}
	fields := map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(ticker), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", ticker, err)
	}
	return nil
}

// GetPrice returns the latest snapshot, or model.ErrNotFound when the market
// has never been priced.
func (pc *PriceCache) GetPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(ticker)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", ticker, err)
	}
	return parseSnapshot(ticker, vals)
}

// GetPrices pipelines a lookup for several markets. Missing or malformed
// snapshots are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	if len(tickers) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tickers))
	for _, t := range tickers {
		cmds[t] = pipe.HGetAll(ctx, priceKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(tickers))
	for t, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if p, _, err := parseSnapshot(t, vals); err == nil {
			out[t] = p
		}
	}
	return out, nil
}

func parseSnapshot(ticker string, vals map[string]string) (decimal.Decimal, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("price %s: %w", ticker, model.ErrNotFound)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", ticker, err)
	}
	var ts time.Time
	if tsStr, ok := vals["ts"]; ok {
		n, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", ticker, err)
		}
		ts = time.Unix(0, n)
	}
	return price, ts, nil
}
