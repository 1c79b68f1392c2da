package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"winback-settlement/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// ── Markets ──────────────────────────────────────────

const marketCols = `ticker, title, category, close_time, result, resolved_at, created_at`

func scanMarket(r rowScanner) (*model.Market, error) {
	m := &model.Market{}
	var resolvedAt sql.NullTime
	if err := r.Scan(&m.Ticker, &m.Title, &m.Category, &m.CloseTime, &m.Result, &resolvedAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ResolvedAt = timePtr(resolvedAt)
	return m, nil
}

// UpsertMarket inserts a catalog row or refreshes its metadata. A resolved
// market keeps its result.
func (s *Store) UpsertMarket(ctx context.Context, m model.Market) (*model.Market, error) {
	row := s.DB.QueryRowContext(ctx,
		`INSERT INTO markets (ticker, title, category, close_time) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (ticker) DO UPDATE SET title=EXCLUDED.title, category=EXCLUDED.category, close_time=EXCLUDED.close_time
		 RETURNING `+marketCols,
		m.Ticker, m.Title, m.Category, m.CloseTime,
	)
	return scanMarket(row)
}

func (s *Store) GetMarket(ctx context.Context, ticker string) (*model.Market, error) {
	m, err := scanMarket(s.DB.QueryRowContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE ticker=$1`, ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", ticker, model.ErrNotFound)
	}
	return m, err
}

// ListMarkets returns the catalog, optionally filtered by category.
func (s *Store) ListMarkets(ctx context.Context, category string) ([]model.Market, error) {
	q := `SELECT ` + marketCols + ` FROM markets`
	var args []any
	if category != "" {
		q += ` WHERE category=$1`
		args = append(args, category)
	}
	q += ` ORDER BY close_time`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ResolveMarket records the final result and logs MarketResolved. Repeating
// the same result is a no-op; a different one is a conflict.
func (s *Store) ResolveMarket(ctx context.Context, ticker string, result model.MarketResult) (*model.Market, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	m, err := scanMarket(tx.QueryRowContext(ctx,
		`UPDATE markets SET result=$2, resolved_at=COALESCE(resolved_at, now())
		 WHERE ticker=$1 AND (result='' OR result=$2)
		 RETURNING `+marketCols, ticker, result))
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := s.GetMarket(ctx, ticker)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("market %s already resolved %s: %w", ticker, existing.Result, model.ErrAlreadyExists)
	}
	if err != nil {
		return nil, err
	}
	if err := AppendEvent(tx, nil, &ticker, "MarketResolved", map[string]any{"result": result}); err != nil {
		return nil, err
	}
	return m, tx.Commit()
}

// ── Saved Markets ────────────────────────────────────

func (s *Store) SaveMarket(ctx context.Context, ticker string) (*model.SavedMarket, error) {
	if _, err := s.GetMarket(ctx, ticker); err != nil {
		return nil, err
	}
	sm := &model.SavedMarket{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO saved_markets (ticker) VALUES ($1)
		 ON CONFLICT (ticker) DO UPDATE SET ticker=EXCLUDED.ticker
		 RETURNING ticker, saved_at`, ticker,
	).Scan(&sm.Ticker, &sm.SavedAt)
	return sm, err
}

func (s *Store) GetSavedMarket(ctx context.Context, ticker string) (*model.SavedMarket, error) {
	sm := &model.SavedMarket{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT ticker, saved_at FROM saved_markets WHERE ticker=$1`, ticker,
	).Scan(&sm.Ticker, &sm.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saved market %s: %w", ticker, model.ErrNotFound)
	}
	return sm, err
}

func (s *Store) ListSavedMarkets(ctx context.Context) ([]model.SavedMarket, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT ticker, saved_at FROM saved_markets ORDER BY saved_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SavedMarket
	for rows.Next() {
		var sm model.SavedMarket
		if err := rows.Scan(&sm.Ticker, &sm.SavedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSavedMarket(ctx context.Context, ticker string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM saved_markets WHERE ticker=$1`, ticker)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("saved market %s: %w", ticker, model.ErrNotFound)
	}
	return nil
}

// ── Event Log ────────────────────────────────────────

func AppendEvent(tx *sql.Tx, positionID, ticker *string, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO event_log (position_id, ticker, type, payload_json) VALUES ($1,$2,$3,$4)`,
		positionID, ticker, evType, b,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, positionID *string, limit int) ([]model.EventLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, position_id, ticker, type, payload_json, created_at FROM event_log`
	args := []any{}
	if positionID != nil {
		q += ` WHERE position_id=$1`
		args = append(args, *positionID)
	}
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(r rowScanner) (model.EventLog, error) {
	var e model.EventLog
	var pid, ticker sql.NullString
	var raw []byte
	if err := r.Scan(&e.ID, &pid, &ticker, &e.Type, &raw, &e.CreatedAt); err != nil {
		return e, err
	}
	e.PositionID = strPtr(pid)
	e.Ticker = strPtr(ticker)
	if err := json.Unmarshal(raw, &e.PayloadJSON); err != nil {
		return e, fmt.Errorf("event %d payload: %w", e.ID, err)
	}
	return e, nil
}

// ── Helpers ──────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
