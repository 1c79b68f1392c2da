package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type PositionStatus string

const (
	StatusUnconfigured PositionStatus = "unconfigured"
	StatusActive       PositionStatus = "active"
	StatusSettled      PositionStatus = "settled"
)

// Direction is the side of the reference market a position profits from.
// YES profits when the probability rises, NO when it falls.
type Direction string

const (
	DirectionYes Direction = "YES"
	DirectionNo  Direction = "NO"
)

// ParseDirection accepts YES/NO and the legacy LONG/SHORT spellings.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES", "LONG":
		return DirectionYes, true
	case "NO", "SHORT":
		return DirectionNo, true
	}
	return "", false
}

type SettlementReason string

const (
	ReasonMarketResolved  SettlementReason = "market_resolved"
	ReasonThresholdReward SettlementReason = "threshold_reward"
	ReasonThresholdLoss   SettlementReason = "threshold_loss"
	ReasonTimeExpired     SettlementReason = "time_expired"
	ReasonManualClose     SettlementReason = "manual_close"
)

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

// MarketResult is the final resolution of a reference market. Empty means unresolved.
type MarketResult string

const (
	ResultNone MarketResult = ""
	ResultYes  MarketResult = "yes"
	ResultNo   MarketResult = "no"
)

func ParseMarketResult(s string) (MarketResult, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return ResultYes, true
	case "no":
		return ResultNo, true
	}
	return ResultNone, false
}

// ── Domain Objects ───────────────────────────────────

// Purchase is the checkout record a position is created from. Never mutated.
type Purchase struct {
	ID          string          `json:"id"`
	ItemName    string          `json:"item_name"`
	ItemIcon    string          `json:"item_icon,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	PurchasedAt time.Time       `json:"purchased_at"`
}

type MarketBinding struct {
	Ticker    string    `json:"ticker"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	CloseTime time.Time `json:"close_time"`
}

type Prediction struct {
	Direction    Direction       `json:"direction"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

type Thresholds struct {
	MaxRewardPercent   decimal.Decimal `json:"max_reward_percent"`
	MaxLossPercent     decimal.Decimal `json:"max_loss_percent"`
	TimeLimit          time.Duration   `json:"time_limit"`
	ExpiresAt          time.Time       `json:"expires_at"`
	RequestedExpiresAt time.Time       `json:"requested_expires_at"`
	Clamped            bool            `json:"clamped"`
}

// TimeLimitDays is the effective holding window in fractional days.
func (t Thresholds) TimeLimitDays() decimal.Decimal {
	return decimal.NewFromInt(int64(t.TimeLimit)).Div(decimal.NewFromInt(int64(24 * time.Hour)))
}

type SettlementOutcome struct {
	Reason         SettlementReason `json:"reason"`
	Outcome        Outcome          `json:"outcome"`
	CashbackAmount decimal.Decimal  `json:"cashback_amount"`
	ROIPercent     decimal.Decimal  `json:"roi_percent"`
	SettlePrice    decimal.Decimal  `json:"settle_price"`
}

// Position is one purchase-linked speculation. Nested pointers are nil until
// the lifecycle stage that fills them.
type Position struct {
	ID           string             `json:"id"`
	Purchase     Purchase           `json:"purchase"`
	Status       PositionStatus     `json:"status"`
	Market       *MarketBinding     `json:"market"`
	Prediction   *Prediction        `json:"prediction"`
	Thresholds   *Thresholds        `json:"thresholds"`
	Settlement   *SettlementOutcome `json:"settlement"`
	Version      int64              `json:"version"`
	CreatedAt    time.Time          `json:"created_at"`
	ConfiguredAt *time.Time         `json:"configured_at,omitempty"`
	LastTickAt   *time.Time         `json:"last_tick_at,omitempty"`
	SettledAt    *time.Time         `json:"settled_at,omitempty"`
}

// Clone returns a deep copy so callers can derive a new state without
// touching the original.
func (p Position) Clone() Position {
	out := p
	if p.Market != nil {
		m := *p.Market
		out.Market = &m
	}
	if p.Prediction != nil {
		pr := *p.Prediction
		out.Prediction = &pr
	}
	if p.Thresholds != nil {
		th := *p.Thresholds
		out.Thresholds = &th
	}
	if p.Settlement != nil {
		s := *p.Settlement
		out.Settlement = &s
	}
	out.ConfiguredAt = copyTime(p.ConfiguredAt)
	out.LastTickAt = copyTime(p.LastTickAt)
	out.SettledAt = copyTime(p.SettledAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Market is a row of the reference-market catalog.
type Market struct {
	Ticker     string       `json:"ticker"`
	Title      string       `json:"title"`
	Category   string       `json:"category"`
	CloseTime  time.Time    `json:"close_time"`
	Result     MarketResult `json:"result"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (m Market) Resolved() bool { return m.Result != ResultNone }

type SavedMarket struct {
	Ticker  string    `json:"ticker"`
	SavedAt time.Time `json:"saved_at"`
}

type EventLog struct {
	ID          int64     `json:"id"`
	PositionID  *string   `json:"position_id,omitempty"`
	Ticker      *string   `json:"ticker,omitempty"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// Evaluation is a read-only mark of an active position at one instant.
type Evaluation struct {
	PositionID           string          `json:"position_id"`
	ReferencePrice       decimal.Decimal `json:"reference_price"`
	RawMovePercent       decimal.Decimal `json:"raw_move_percent"`
	MarkValue            decimal.Decimal `json:"mark_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	CashbackIfSettledNow decimal.Decimal `json:"cashback_if_settled_now"`
	EstimatedPayment     decimal.Decimal `json:"estimated_payment"`
	MaxCashback          decimal.Decimal `json:"max_cashback"`
	MinCashback          decimal.Decimal `json:"min_cashback"`
	Remaining            Remaining       `json:"remaining"`
	NearMaxBound         bool            `json:"near_max_bound"`
	NearMinBound         bool            `json:"near_min_bound"`
	BreachedMaxBound     bool            `json:"breached_max_bound"`
	BreachedMinBound     bool            `json:"breached_min_bound"`
	Expired              bool            `json:"expired"`
	ClockSkew            bool            `json:"clock_skew"`
	EvaluatedAt          time.Time       `json:"evaluated_at"`
}

type Remaining struct {
	Total   time.Duration `json:"total"`
	Days    int           `json:"days"`
	Hours   int           `json:"hours"`
	Minutes int           `json:"minutes"`
}

// ── API Types ────────────────────────────────────────

type CreatePositionReq struct {
	PurchaseID  string          `json:"purchase_id"`
	ItemName    string          `json:"item_name"`
	ItemIcon    string          `json:"item_icon"`
	Amount      decimal.Decimal `json:"amount"`
	PurchasedAt *time.Time      `json:"purchased_at"`
}

type ConfigurePositionReq struct {
	MarketTicker     string          `json:"market_ticker"`
	Direction        string          `json:"direction"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MaxRewardPercent decimal.Decimal `json:"max_reward_percent"`
	MaxLossPercent   decimal.Decimal `json:"max_loss_percent"`
	TimeLimitDays    decimal.Decimal `json:"time_limit_days"`
}
