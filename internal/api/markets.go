package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"winback-settlement/internal/model"
	"winback-settlement/internal/settlement"
)

// marketView is a catalog row with its latest cached price, if any.
type marketView struct {
	model.Market
	Price *decimal.Decimal `json:"price,omitempty"`
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tickers := make([]string, len(markets))
	for i, m := range markets {
		tickers[i] = m.Ticker
	}
	prices, err := s.prices.GetPrices(r.Context(), tickers)
	if err != nil {
		// catalog is still useful without prices
		s.logger.Warn("api: price lookup failed", zap.Error(err))
	}
	out := make([]marketView, len(markets))
	for i, m := range markets {
		out[i] = marketView{Market: m}
		if p, ok := prices[m.Ticker]; ok {
			out[i].Price = &p
		}
	}
	json200(w, out)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "ticker"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := marketView{Market: *m}
	if prices, err := s.prices.GetPrices(r.Context(), []string{m.Ticker}); err == nil {
		if p, ok := prices[m.Ticker]; ok {
			view.Price = &p
		}
	}
	json200(w, view)
}

// maxExpiry previews the expiry ceiling a configure call would apply.
func (s *Server) maxExpiry(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || !amount.IsPositive() {
		jsonErr(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}
	loss := decimal.Zero
	if v := r.URL.Query().Get("max_loss_percent"); v != "" {
		if loss, err = decimal.NewFromString(v); err != nil || !settlement.ValidPercent(loss) {
			jsonErr(w, http.StatusBadRequest, "max_loss_percent must be between 0 and 100")
			return
		}
	}
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "ticker"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := s.opts.Now()
	maxDur := settlement.MaxDuration(amount, loss)
	hardMax := settlement.HardMaxExpiry(*m, amount, loss, now)
	json200(w, map[string]any{
		"ticker":            m.Ticker,
		"max_duration":      maxDur.String(),
		"max_duration_days": decimal.NewFromInt(int64(maxDur)).Div(decimal.NewFromInt(int64(24 * time.Hour))).Round(4),
		"hard_max_expiry":   hardMax,
		"market_close_time": m.CloseTime,
		"bounded_by_market": hardMax.Equal(m.CloseTime),
		"min_duration":      settlement.MinDuration.String(),
	})
}

// ── Saved Markets ────────────────────────────────────

func (s *Server) listSavedMarkets(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSavedMarkets(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.SavedMarket{}
	}
	json200(w, list)
}

func (s *Server) saveMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker string `json:"ticker"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Ticker == "" {
		jsonErr(w, http.StatusBadRequest, "ticker is required")
		return
	}
	sm, err := s.store.SaveMarket(r.Context(), req.Ticker)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, sm)
}

func (s *Server) getSavedMarket(w http.ResponseWriter, r *http.Request) {
	sm, err := s.store.GetSavedMarket(r.Context(), chi.URLParam(r, "ticker"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, sm)
}

func (s *Server) deleteSavedMarket(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if err := s.store.DeleteSavedMarket(r.Context(), ticker); err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, map[string]string{"status": "deleted", "ticker": ticker})
}
