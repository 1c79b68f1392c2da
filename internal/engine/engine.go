package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"winback-settlement/internal/model"
	"winback-settlement/internal/settlement"
)

// Store is the persistence the manager needs. SavePosition must apply the
// whole position and its event atomically, and only if the stored version
// still equals expectedVersion. An empty evType writes no event.
type Store interface {
	CreatePosition(ctx context.Context, pos model.Position) (model.Position, error)
	GetPosition(ctx context.Context, id string) (*model.Position, error)
	ListActivePositions(ctx context.Context, ticker string) ([]model.Position, error)
	ActiveTickers(ctx context.Context) ([]string, error)
	GetMarket(ctx context.Context, ticker string) (*model.Market, error)
	ResolveMarket(ctx context.Context, ticker string, result model.MarketResult) (*model.Market, error)
	SavePosition(ctx context.Context, pos model.Position, expectedVersion int64, evType string, payload any) (model.Position, error)
}

// PriceSource returns the latest reference price snapshot for a market.
type PriceSource interface {
	GetPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error)
}

// EventSink receives committed position changes for downstream consumers.
type EventSink interface {
	PositionChanged(ctx context.Context, evType string, pos model.Position) error
}

// PublishFunc broadcasts a WS message on a topic.
type PublishFunc func(topic, msgType string, data any)

const (
	EvPositionCreated    = "PositionCreated"
	EvPositionConfigured = "PositionConfigured"
	EvPositionTicked     = "PositionTicked"
	EvPositionSettled    = "PositionSettled"
)

func PositionTopic(id string) string   { return "position:" + id }
func MarketTopic(ticker string) string { return "market:" + ticker }

// ── Manager ──────────────────────────────────────────

type Manager struct {
	workers map[string]*MarketWorker
	mu      sync.RWMutex
	store   Store
	prices  PriceSource
	eng     *settlement.Engine
	publish PublishFunc
	sink    EventSink
	logger  *zap.Logger
	now     func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithEventSink(s EventSink) Option      { return func(m *Manager) { m.sink = s } }
func WithPublisher(p PublishFunc) Option    { return func(m *Manager) { m.publish = p } }

func NewManager(store Store, prices PriceSource, eng *settlement.Engine, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		workers: make(map[string]*MarketWorker),
		store:   store,
		prices:  prices,
		eng:     eng,
		logger:  logger,
		now:     time.Now,
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Boot starts a worker for every market that still has active positions.
func (m *Manager) Boot(ctx context.Context) error {
	tickers, err := m.store.ActiveTickers(ctx)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	for _, t := range tickers {
		m.worker(t)
	}
	m.logger.Info("engine: booted market workers", zap.Int("markets", len(tickers)))
	return nil
}

// Stop cancels every worker and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// worker returns the worker for a ticker, starting it on first use. The
// worker outlives the request that created it.
func (m *Manager) worker(ticker string) *MarketWorker {
	m.mu.RLock()
	w, ok := m.workers[ticker]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[ticker]; ok {
		return w
	}
	w = &MarketWorker{ticker: ticker, mgr: m, cmdCh: make(chan command, 64)}
	m.workers[ticker] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(m.baseCtx)
	}()
	return w
}

func (m *Manager) Workers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// ── Operations ───────────────────────────────────────

// CreatePosition records a purchase as a new unconfigured position.
func (m *Manager) CreatePosition(ctx context.Context, req model.CreatePositionReq) (model.Position, error) {
	if !req.Amount.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: purchase amount %s must be positive", settlement.ErrInvalidInput, req.Amount)
	}
	if req.ItemName == "" {
		return model.Position{}, fmt.Errorf("%w: item name is required", settlement.ErrInvalidInput)
	}
	now := m.now()
	purchaseID := req.PurchaseID
	if purchaseID == "" {
		purchaseID = uuid.New().String()
	}
	purchasedAt := now
	if req.PurchasedAt != nil {
		purchasedAt = *req.PurchasedAt
	}
	pos := model.Position{
		ID: uuid.New().String(),
		Purchase: model.Purchase{
			ID:          purchaseID,
			ItemName:    req.ItemName,
			ItemIcon:    req.ItemIcon,
			Amount:      req.Amount,
			PurchasedAt: purchasedAt,
		},
		Status:    model.StatusUnconfigured,
		CreatedAt: now,
	}
	created, err := m.store.CreatePosition(ctx, pos)
	if err != nil {
		return model.Position{}, err
	}
	m.announce(ctx, EvPositionCreated, created)
	return created, nil
}

// Configure binds a position to a market. It runs on the market's worker.
func (m *Manager) Configure(ctx context.Context, positionID string, req model.ConfigurePositionReq) (model.Position, error) {
	dir, ok := model.ParseDirection(req.Direction)
	if !ok {
		return model.Position{}, fmt.Errorf("%w: direction %q", settlement.ErrInvalidInput, req.Direction)
	}
	if req.MarketTicker == "" {
		return model.Position{}, fmt.Errorf("%w: market ticker is required", settlement.ErrInvalidInput)
	}
	// workers are only started for catalog markets
	if _, err := m.store.GetMarket(ctx, req.MarketTicker); err != nil {
		return model.Position{}, fmt.Errorf("market %s: %w", req.MarketTicker, err)
	}
	ch := make(chan result, 1)
	cmd := configureCmd{positionID: positionID, dir: dir, req: req, ch: ch}
	return m.worker(req.MarketTicker).do(ctx, cmd, ch)
}

// Close settles an active position at the latest cached price.
func (m *Manager) Close(ctx context.Context, positionID string) (model.Position, error) {
	pos, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		return model.Position{}, err
	}
	if pos.Status != model.StatusActive || pos.Market == nil {
		return *pos, fmt.Errorf("%w: position %s is %s", settlement.ErrInvalidPositionState, pos.ID, pos.Status)
	}
	ch := make(chan result, 1)
	return m.worker(pos.Market.Ticker).do(ctx, closeCmd{positionID: positionID, ch: ch}, ch)
}

// Evaluate is read-only and does not go through the worker.
func (m *Manager) Evaluate(ctx context.Context, positionID string) (model.Evaluation, error) {
	pos, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		return model.Evaluation{}, err
	}
	if pos.Status != model.StatusActive || pos.Market == nil {
		return model.Evaluation{}, fmt.Errorf("%w: position %s is %s", settlement.ErrInvalidPositionState, pos.ID, pos.Status)
	}
	price, err := m.price(ctx, pos.Market.Ticker)
	if err != nil {
		return model.Evaluation{}, err
	}
	return m.eng.Evaluate(*pos, price, m.now())
}

// ResolveMarket records the market result and settles its active positions.
func (m *Manager) ResolveMarket(ctx context.Context, ticker string, res model.MarketResult) (model.Market, int, error) {
	if res == model.ResultNone {
		return model.Market{}, 0, fmt.Errorf("%w: result is required", settlement.ErrInvalidInput)
	}
	mkt, err := m.store.ResolveMarket(ctx, ticker, res)
	if err != nil {
		return model.Market{}, 0, err
	}
	m.logger.Info("engine: market resolved", zap.String("ticker", ticker), zap.String("result", string(res)))
	n, err := m.Sweep(ctx, ticker)
	return *mkt, n, err
}

// Sweep ticks every active position of one market and returns how many settled.
func (m *Manager) Sweep(ctx context.Context, ticker string) (int, error) {
	ch := make(chan sweepResult, 1)
	w := m.worker(ticker)
	select {
	case w.cmdCh <- sweepCmd{ch: ch}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.settled, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TickAll sweeps every market with active positions.
func (m *Manager) TickAll(ctx context.Context) (int, error) {
	tickers, err := m.store.ActiveTickers(ctx)
	if err != nil {
		return 0, fmt.Errorf("tick all: %w", err)
	}
	total := 0
	var errs []error
	for _, t := range tickers {
		n, err := m.Sweep(ctx, t)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
		}
	}
	return total, errors.Join(errs...)
}

// price reads the cached snapshot. A missing snapshot is reported as
// unavailable, never as zero.
func (m *Manager) price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	p, _, err := m.prices.GetPrice(ctx, ticker)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: no snapshot for %s", settlement.ErrPriceUnavailable, ticker)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return p, nil
}

// announce pushes a committed change. Failures are logged only; the change
// is already durable.
func (m *Manager) announce(ctx context.Context, evType string, pos model.Position) {
	if m.publish != nil {
		m.publish(PositionTopic(pos.ID), evType, pos)
		if pos.Market != nil {
			m.publish(MarketTopic(pos.Market.Ticker), evType, pos)
		}
	}
	if m.sink != nil {
		if err := m.sink.PositionChanged(ctx, evType, pos); err != nil {
			m.logger.Warn("engine: event sink failed",
				zap.String("event", evType),
				zap.String("position_id", pos.ID),
				zap.Error(err),
			)
		}
	}
}
