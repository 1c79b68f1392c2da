package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"winback-settlement/internal/model"
	"winback-settlement/internal/pricefeed"
	"winback-settlement/internal/settlement"
)

// Store is the read side and catalog the HTTP surface needs.
type Store interface {
	GetPosition(ctx context.Context, id string) (*model.Position, error)
	ListPositions(ctx context.Context, status model.PositionStatus, limit int) ([]model.Position, error)
	UpsertMarket(ctx context.Context, m model.Market) (*model.Market, error)
	GetMarket(ctx context.Context, ticker string) (*model.Market, error)
	ListMarkets(ctx context.Context, category string) ([]model.Market, error)
	SaveMarket(ctx context.Context, ticker string) (*model.SavedMarket, error)
	GetSavedMarket(ctx context.Context, ticker string) (*model.SavedMarket, error)
	ListSavedMarkets(ctx context.Context) ([]model.SavedMarket, error)
	DeleteSavedMarket(ctx context.Context, ticker string) error
	ListEvents(ctx context.Context, positionID *string, limit int) ([]model.EventLog, error)
	Ping(ctx context.Context) error
}

// Positions is every state-changing operation; it is served by engine.Manager.
type Positions interface {
	CreatePosition(ctx context.Context, req model.CreatePositionReq) (model.Position, error)
	Configure(ctx context.Context, id string, req model.ConfigurePositionReq) (model.Position, error)
	Close(ctx context.Context, id string) (model.Position, error)
	Evaluate(ctx context.Context, id string) (model.Evaluation, error)
	ResolveMarket(ctx context.Context, ticker string, res model.MarketResult) (model.Market, int, error)
	TickAll(ctx context.Context) (int, error)
}

type Prices interface {
	SetPrice(ctx context.Context, ticker string, price decimal.Decimal, ts time.Time) error
	GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error)
}

type Options struct {
	CORSOrigins  []string
	AdminEnabled bool
	// Publish, when set, announces admin price writes on the market topic.
	Publish func(topic, msgType string, data any)
	// WS serves /ws.
	WS  http.HandlerFunc
	Now func() time.Time
}

type Server struct {
	store     Store
	positions Positions
	prices    Prices
	logger    *zap.Logger
	opts      Options
}

func NewServer(store Store, positions Positions, prices Prices, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{store: store, positions: positions, prices: prices, logger: logger, opts: opts}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware(s.opts.CORSOrigins))

	r.Get("/health", s.health)

	if s.opts.WS != nil {
		r.Get("/ws", s.opts.WS)
	}

	r.Route("/api", func(r chi.Router) {
		// Positions
		r.Post("/positions", s.createPosition)
		r.Get("/positions", s.listPositions)
		r.Get("/positions/{id}", s.getPosition)
		r.Post("/positions/{id}/configure", s.configurePosition)
		r.Get("/positions/{id}/evaluation", s.evaluatePosition)
		r.Post("/positions/{id}/close", s.closePosition)

		// Markets
		r.Get("/markets", s.listMarkets)
		r.Get("/markets/{ticker}", s.getMarket)
		r.Get("/markets/{ticker}/max-expiry", s.maxExpiry)

		// Saved markets
		r.Get("/saved-markets", s.listSavedMarkets)
		r.Post("/saved-markets", s.saveMarket)
		r.Get("/saved-markets/{ticker}", s.getSavedMarket)
		r.Delete("/saved-markets/{ticker}", s.deleteSavedMarket)

		// Admin
		if s.opts.AdminEnabled {
			r.Route("/admin", func(r chi.Router) {
				r.Post("/markets", s.upsertMarket)
				r.Post("/markets/{ticker}/resolve", s.resolveMarket)
				r.Post("/prices", s.setPrice)
				r.Post("/tick", s.tick)
				r.Get("/events", s.listEvents)
			})
		}
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("api: health check failed", zap.Error(err))
		jsonErr(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	json200(w, map[string]string{"status": "ok"})
}

// ── Middleware ───────────────────────────────────────

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("api: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ── Helpers ──────────────────────────────────────────

const maxBody = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrInvalidInput),
		errors.Is(err, settlement.ErrExpiryExceedsCeiling),
		errors.Is(err, pricefeed.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrInvalidPositionState),
		errors.Is(err, settlement.ErrStaleTick),
		errors.Is(err, model.ErrVersionConflict),
		errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		if code == http.StatusInternalServerError {
			jsonErr(w, code, "internal error")
			return
		}
	}
	jsonErr(w, code, err.Error())
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
