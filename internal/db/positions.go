package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"winback-settlement/internal/model"
)

const positionCols = `id, purchase_id, item_name, item_icon, purchase_amount, purchased_at, status,
	market_ticker, market_title, market_category, market_close_time,
	direction, entry_price, current_price,
	max_reward_percent, max_loss_percent, time_limit_ns, expires_at, requested_expires_at, clamped,
	settlement_reason, outcome, cashback_amount, roi_percent, settle_price,
	version, created_at, configured_at, last_tick_at, settled_at`

func scanPosition(r rowScanner) (*model.Position, error) {
	var (
		p                                   model.Position
		ticker, title, category             sql.NullString
		closeTime                           sql.NullTime
		direction                           sql.NullString
		entry, current                      decimal.NullDecimal
		maxReward, maxLoss                  decimal.NullDecimal
		timeLimit                           sql.NullInt64
		clamped                             bool
		expiresAt, requestedAt              sql.NullTime
		reason, outcome                     sql.NullString
		cashback, roi, settlePrice          decimal.NullDecimal
		configuredAt, lastTickAt, settledAt sql.NullTime
	)
	err := r.Scan(
		&p.ID, &p.Purchase.ID, &p.Purchase.ItemName, &p.Purchase.ItemIcon, &p.Purchase.Amount, &p.Purchase.PurchasedAt, &p.Status,
		&ticker, &title, &category, &closeTime,
		&direction, &entry, &current,
		&maxReward, &maxLoss, &timeLimit, &expiresAt, &requestedAt, &clamped,
		&reason, &outcome, &cashback, &roi, &settlePrice,
		&p.Version, &p.CreatedAt, &configuredAt, &lastTickAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	if ticker.Valid {
		p.Market = &model.MarketBinding{
			Ticker:    ticker.String,
			Title:     title.String,
			Category:  category.String,
			CloseTime: closeTime.Time,
		}
	}
	if direction.Valid {
		p.Prediction = &model.Prediction{
			Direction:    model.Direction(direction.String),
			EntryPrice:   entry.Decimal,
			CurrentPrice: current.Decimal,
		}
	}
	if expiresAt.Valid {
		p.Thresholds = &model.Thresholds{
			MaxRewardPercent:   maxReward.Decimal,
			MaxLossPercent:     maxLoss.Decimal,
			TimeLimit:          time.Duration(timeLimit.Int64),
			ExpiresAt:          expiresAt.Time,
			RequestedExpiresAt: requestedAt.Time,
			Clamped:            clamped,
		}
	}
	if reason.Valid {
		p.Settlement = &model.SettlementOutcome{
			Reason:         model.SettlementReason(reason.String),
			Outcome:        model.Outcome(outcome.String),
			CashbackAmount: cashback.Decimal,
			ROIPercent:     roi.Decimal,
			SettlePrice:    settlePrice.Decimal,
		}
	}
	p.ConfiguredAt = timePtr(configuredAt)
	p.LastTickAt = timePtr(lastTickAt)
	p.SettledAt = timePtr(settledAt)
	return &p, nil
}

// mutableArgs flattens everything past the purchase into column order
// starting at market_ticker.
func mutableArgs(p model.Position) []any {
	args := make([]any, 0, 23)
	if m := p.Market; m != nil {
		args = append(args, m.Ticker, m.Title, m.Category, m.CloseTime)
	} else {
		args = append(args, nil, nil, nil, nil)
	}
	if pr := p.Prediction; pr != nil {
		args = append(args, string(pr.Direction), pr.EntryPrice, pr.CurrentPrice)
	} else {
		args = append(args, nil, nil, nil)
	}
	if th := p.Thresholds; th != nil {
		args = append(args, th.MaxRewardPercent, th.MaxLossPercent, int64(th.TimeLimit), th.ExpiresAt, th.RequestedExpiresAt, th.Clamped)
	} else {
		args = append(args, nil, nil, nil, nil, nil, false)
	}
	if s := p.Settlement; s != nil {
		args = append(args, string(s.Reason), string(s.Outcome), s.CashbackAmount, s.ROIPercent, s.SettlePrice)
	} else {
		args = append(args, nil, nil, nil, nil, nil)
	}
	return append(args, nullTime(p.ConfiguredAt), nullTime(p.LastTickAt), nullTime(p.SettledAt))
}

// ── Positions ────────────────────────────────────────

func (s *Store) CreatePosition(ctx context.Context, pos model.Position) (model.Position, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return model.Position{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO positions (id, purchase_id, item_name, item_icon, purchase_amount, purchased_at, status, version, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8)`,
		pos.ID, pos.Purchase.ID, pos.Purchase.ItemName, pos.Purchase.ItemIcon, pos.Purchase.Amount,
		pos.Purchase.PurchasedAt, pos.Status, pos.CreatedAt,
	)
	if err != nil {
		return model.Position{}, fmt.Errorf("insert position: %w", err)
	}
	if err := AppendEvent(tx, &pos.ID, nil, "PositionCreated", map[string]any{
		"purchase_id": pos.Purchase.ID,
		"amount":      pos.Purchase.Amount,
	}); err != nil {
		return model.Position{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Position{}, err
	}
	pos.Version = 1
	return pos, nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.DB.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return p, err
}

// ListPositions returns newest first; an empty status lists all.
func (s *Store) ListPositions(ctx context.Context, status model.PositionStatus, limit int) ([]model.Position, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + positionCols + ` FROM positions`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	return s.queryPositions(ctx, q, args...)
}

func (s *Store) ListActivePositions(ctx context.Context, ticker string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status='active' AND market_ticker=$1 ORDER BY configured_at`, ticker)
}

func (s *Store) ActiveTickers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT market_ticker FROM positions WHERE status='active' ORDER BY market_ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) queryPositions(ctx context.Context, q string, args ...any) ([]model.Position, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SavePosition writes the full position and appends its event in one
// transaction. An empty evType skips the event. The row is locked and its version must still equal
// expectedVersion; otherwise nothing is written and ErrVersionConflict is
// returned.
func (s *Store) SavePosition(ctx context.Context, pos model.Position, expectedVersion int64, evType string, payload any) (model.Position, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return model.Position{}, err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM positions WHERE id=$1 FOR UPDATE`, pos.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, fmt.Errorf("position %s: %w", pos.ID, model.ErrNotFound)
	}
	if err != nil {
		return model.Position{}, err
	}
	if current != expectedVersion {
		return model.Position{}, fmt.Errorf("position %s at version %d, expected %d: %w",
			pos.ID, current, expectedVersion, model.ErrVersionConflict)
	}

	args := append([]any{pos.ID, pos.Status}, mutableArgs(pos)...)
	_, err = tx.ExecContext(ctx,
		`UPDATE positions SET status=$2,
			market_ticker=$3, market_title=$4, market_category=$5, market_close_time=$6,
			direction=$7, entry_price=$8, current_price=$9,
			max_reward_percent=$10, max_loss_percent=$11, time_limit_ns=$12, expires_at=$13, requested_expires_at=$14, clamped=$15,
			settlement_reason=$16, outcome=$17, cashback_amount=$18, roi_percent=$19, settle_price=$20,
			configured_at=$21, last_tick_at=$22, settled_at=$23,
			version=version+1
		 WHERE id=$1`, args...)
	if err != nil {
		return model.Position{}, fmt.Errorf("update position: %w", err)
	}

	var ticker *string
	if pos.Market != nil {
		ticker = &pos.Market.Ticker
	}
	if evType != "" {
		if err := AppendEvent(tx, &pos.ID, ticker, evType, payload); err != nil {
			return model.Position{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Position{}, err
	}
	pos.Version = expectedVersion + 1
	return pos, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
