package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"winback-settlement/internal/engine"
	"winback-settlement/internal/model"
)

func (s *Server) upsertMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker    string    `json:"ticker"`
		Title     string    `json:"title"`
		Category  string    `json:"category"`
		CloseTime time.Time `json:"close_time"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Ticker == "" || req.Title == "" || req.CloseTime.IsZero() {
		jsonErr(w, http.StatusBadRequest, "ticker, title and close_time are required")
		return
	}
	m, err := s.store.UpsertMarket(r.Context(), model.Market{
		Ticker:    req.Ticker,
		Title:     req.Title,
		Category:  req.Category,
		CloseTime: req.CloseTime,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, m)
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result string `json:"result"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, ok := model.ParseMarketResult(req.Result)
	if !ok {
		jsonErr(w, http.StatusBadRequest, "result must be yes or no")
		return
	}
	m, settled, err := s.positions.ResolveMarket(r.Context(), chi.URLParam(r, "ticker"), res)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, map[string]any{"market": m, "settled": settled})
}

// setPrice writes a snapshot into the price cache, standing in for an
// external feed.
func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker string          `json:"ticker"`
		Price  decimal.Decimal `json:"price"`
	}
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.store.GetMarket(r.Context(), req.Ticker); err != nil {
		s.fail(w, r, err)
		return
	}
	now := s.opts.Now()
	if err := s.prices.SetPrice(r.Context(), req.Ticker, req.Price, now); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.opts.Publish != nil {
		s.opts.Publish(engine.MarketTopic(req.Ticker), "price", map[string]any{"price": req.Price, "ts": now})
	}
	json200(w, map[string]any{"ticker": req.Ticker, "price": req.Price, "ts": now})
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	settled, err := s.positions.TickAll(r.Context())
	if err != nil {
		s.logger.Warn("api: manual tick had errors", zap.Int("settled", settled), zap.Error(err))
		json200(w, map[string]any{"settled": settled, "error": err.Error()})
		return
	}
	json200(w, map[string]any{"settled": settled})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	var positionID *string
	if v := r.URL.Query().Get("position_id"); v != "" {
		positionID = &v
	}
	events, err := s.store.ListEvents(r.Context(), positionID, queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.EventLog{}
	}
	json200(w, events)
}
