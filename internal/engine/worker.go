package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"winback-settlement/internal/model"
	"winback-settlement/internal/settlement"
)

// MarketWorker serialises every mutation of the positions bound to one
// reference market. Cross-process safety comes from the store's version check.
type MarketWorker struct {
	ticker string
	mgr    *Manager
	cmdCh  chan command
}

func (w *MarketWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.cmdCh:
			cmd.exec(ctx, w)
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface {
	exec(ctx context.Context, w *MarketWorker)
}

type result struct {
	pos model.Position
	err error
}

type sweepResult struct {
	settled int
	err     error
}

type configureCmd struct {
	positionID string
	dir        model.Direction
	req        model.ConfigurePositionReq
	ch         chan<- result
}

type closeCmd struct {
	positionID string
	ch         chan<- result
}

type sweepCmd struct {
	ch chan<- sweepResult
}

func (c configureCmd) exec(ctx context.Context, w *MarketWorker) {
	pos, err := w.configure(ctx, c.positionID, c.dir, c.req)
	c.ch <- result{pos: pos, err: err}
}

func (c closeCmd) exec(ctx context.Context, w *MarketWorker) {
	pos, err := w.close(ctx, c.positionID)
	c.ch <- result{pos: pos, err: err}
}

func (c sweepCmd) exec(ctx context.Context, w *MarketWorker) {
	n, err := w.sweep(ctx)
	c.ch <- sweepResult{settled: n, err: err}
}

// do sends a command and waits for its reply.
func (w *MarketWorker) do(ctx context.Context, cmd command, ch <-chan result) (model.Position, error) {
	select {
	case w.cmdCh <- cmd:
	case <-ctx.Done():
		return model.Position{}, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.pos, r.err
	case <-ctx.Done():
		return model.Position{}, ctx.Err()
	}
}

// ── Handlers ─────────────────────────────────────────

func (w *MarketWorker) configure(ctx context.Context, id string, dir model.Direction, req model.ConfigurePositionReq) (model.Position, error) {
	m := w.mgr
	pos, err := m.store.GetPosition(ctx, id)
	if err != nil {
		return model.Position{}, err
	}
	mkt, err := m.store.GetMarket(ctx, w.ticker)
	if err != nil {
		return *pos, fmt.Errorf("market %s: %w", w.ticker, err)
	}

	next, err := m.eng.Configure(*pos, settlement.ConfigureRequest{
		Market:           *mkt,
		Direction:        dir,
		EntryPrice:       req.EntryPrice,
		MaxRewardPercent: req.MaxRewardPercent,
		MaxLossPercent:   req.MaxLossPercent,
		TimeLimitDays:    req.TimeLimitDays,
	}, m.now())
	if err != nil {
		return *pos, err
	}

	saved, err := m.store.SavePosition(ctx, next, pos.Version, EvPositionConfigured, map[string]any{
		"ticker":     w.ticker,
		"direction":  dir,
		"expires_at": next.Thresholds.ExpiresAt,
		"clamped":    next.Thresholds.Clamped,
	})
	if err != nil {
		return *pos, err
	}
	m.logger.Info("engine: position configured",
		zap.String("position_id", saved.ID),
		zap.String("ticker", w.ticker),
		zap.String("direction", string(dir)),
		zap.Time("expires_at", saved.Thresholds.ExpiresAt),
		zap.Bool("clamped", saved.Thresholds.Clamped),
	)
	m.announce(ctx, EvPositionConfigured, saved)
	return saved, nil
}

func (w *MarketWorker) close(ctx context.Context, id string) (model.Position, error) {
	m := w.mgr
	pos, err := m.store.GetPosition(ctx, id)
	if err != nil {
		return model.Position{}, err
	}
	price, err := m.price(ctx, w.ticker)
	if err != nil {
		return *pos, err
	}
	next, err := m.eng.Close(*pos, price, m.now())
	if err != nil {
		return *pos, err
	}
	return w.commitSettlement(ctx, *pos, next)
}

// sweep ticks every active position of the market once. Per-position errors
// are logged and do not stop the sweep; version conflicts are reported.
func (w *MarketWorker) sweep(ctx context.Context) (int, error) {
	m := w.mgr
	mkt, err := m.store.GetMarket(ctx, w.ticker)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", w.ticker, err)
	}
	positions, err := m.store.ListActivePositions(ctx, w.ticker)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", w.ticker, err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	obs := settlement.Observation{At: m.now(), Result: mkt.Result}
	if !mkt.Resolved() {
		price, err := m.price(ctx, w.ticker)
		switch {
		case errors.Is(err, settlement.ErrPriceUnavailable):
			// expiry can still settle on the last observed price
			m.logger.Debug("engine: no price snapshot", zap.String("ticker", w.ticker))
		case err != nil:
			return 0, fmt.Errorf("sweep %s: %w", w.ticker, err)
		default:
			obs.Price = price
		}
	}

	settled := 0
	var errs []error
	for _, pos := range positions {
		next, err := m.eng.Tick(pos, obs)
		if err != nil {
			m.logger.Debug("engine: tick skipped", zap.String("position_id", pos.ID), zap.Error(err))
			continue
		}
		if next.Status == model.StatusSettled {
			if _, err := w.commitSettlement(ctx, pos, next); err != nil {
				errs = append(errs, err)
				continue
			}
			settled++
			continue
		}
		// every tick is saved to keep last_tick_at current; only price
		// moves are logged and pushed
		moved := priceMoved(pos, next)
		evType, payload := "", any(nil)
		if moved {
			evType, payload = EvPositionTicked, map[string]any{"price": next.Prediction.CurrentPrice}
		}
		saved, err := m.store.SavePosition(ctx, next, pos.Version, evType, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("position %s: %w", pos.ID, err))
			continue
		}
		if !moved {
			continue
		}
		if ev, err := m.eng.Evaluate(saved, saved.Prediction.CurrentPrice, obs.At); err == nil && m.publish != nil {
			m.publish(PositionTopic(saved.ID), "evaluation", ev)
		}
	}
	return settled, errors.Join(errs...)
}

func priceMoved(before, after model.Position) bool {
	return !before.Prediction.CurrentPrice.Equal(after.Prediction.CurrentPrice)
}

func (w *MarketWorker) commitSettlement(ctx context.Context, before, next model.Position) (model.Position, error) {
	m := w.mgr
	s := next.Settlement
	saved, err := m.store.SavePosition(ctx, next, before.Version, EvPositionSettled, map[string]any{
		"reason":   s.Reason,
		"outcome":  s.Outcome,
		"cashback": s.CashbackAmount,
		"roi":      s.ROIPercent,
	})
	if err != nil {
		return before, fmt.Errorf("settle %s: %w", before.ID, err)
	}
	m.logger.Info("engine: position settled",
		zap.String("position_id", saved.ID),
		zap.String("ticker", w.ticker),
		zap.String("reason", string(s.Reason)),
		zap.String("outcome", string(s.Outcome)),
		zap.String("cashback", s.CashbackAmount.StringFixed(2)),
	)
	m.announce(ctx, EvPositionSettled, saved)
	return saved, nil
}
