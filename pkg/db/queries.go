package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrIDRequired = errors.New("id is required")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries is the preset, credential, schedule, and trade-history store.
type Queries struct {
	db DBTX
}

// NewQueries creates a new Queries instance.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Presets
// ----------------------------------------

// UpsertPreset creates or replaces a preset.
func (q *Queries) UpsertPreset(ctx context.Context, p PresetRow) error {
	if p.ID == "" {
		return ErrIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO presets (id, name, asset, kind, params, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			asset = excluded.asset,
			kind = excluded.kind,
			params = excluded.params,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.Name, p.Asset, p.Kind, string(p.Params))
	if err != nil {
		return fmt.Errorf("upsert preset %s: %w", p.ID, err)
	}
	return nil
}

// GetPreset returns one preset row.
func (q *Queries) GetPreset(ctx context.Context, id string) (*PresetRow, error) {
	var (
		p      PresetRow
		params string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, asset, kind, params, updated_at FROM presets WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Asset, &p.Kind, &params, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query preset: %w", err)
	}
	p.Params = json.RawMessage(params)
	return &p, nil
}

// ListPresets returns all presets ordered by name.
func (q *Queries) ListPresets(ctx context.Context) ([]PresetRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, asset, kind, params, updated_at FROM presets ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query presets: %w", err)
	}
	defer rows.Close()

	var out []PresetRow
	for rows.Next() {
		var (
			p      PresetRow
			params string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Asset, &p.Kind, &params, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preset: %w", err)
		}
		p.Params = json.RawMessage(params)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Credentials
// ----------------------------------------

// UpsertCredential stores an API key; the secret must already be sealed.
func (q *Queries) UpsertCredential(ctx context.Context, c Credential) error {
	if c.ID == "" {
		return ErrIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credentials (id, name, api_key, api_secret, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.Name, c.APIKey, c.SealedSecret)
	if err != nil {
		return fmt.Errorf("upsert credential %s: %w", c.ID, err)
	}
	return nil
}

// GetCredential returns one stored credential with the secret still sealed.
func (q *Queries) GetCredential(ctx context.Context, id string) (*Credential, error) {
	var c Credential
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, api_key, api_secret FROM credentials WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.APIKey, &c.SealedSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &c, nil
}

// ----------------------------------------
// Schedules
// ----------------------------------------

// UpsertSchedule creates or updates a schedule definition. Run bookkeeping
// (last fired date, status, counter) is preserved on update.
func (q *Queries) UpsertSchedule(ctx context.Context, s Schedule) error {
	if s.ID == "" {
		return ErrIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, preset_id, api_id, execution_time, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			preset_id = excluded.preset_id,
			api_id = excluded.api_id,
			execution_time = excluded.execution_time,
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`, s.ID, s.Name, s.PresetID, s.APIID, s.ExecutionTime, s.Enabled)
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", s.ID, err)
	}
	return nil
}

// ListSchedules returns every schedule with its run telemetry.
func (q *Queries) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return q.querySchedules(ctx, `WHERE 1 = 1`)
}

// EnabledSchedules returns schedules eligible for firing.
func (q *Queries) EnabledSchedules(ctx context.Context) ([]Schedule, error) {
	return q.querySchedules(ctx, `WHERE enabled = 1`)
}

func (q *Queries) querySchedules(ctx context.Context, where string) ([]Schedule, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), preset_id, api_id, execution_time, enabled,
		       COALESCE(last_fired_date, ''), last_execution_at,
		       COALESCE(last_execution_status, ''), COALESCE(execution_count, 0)
		FROM schedules `+where+`
		ORDER BY execution_time, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			s      Schedule
			lastAt sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.PresetID, &s.APIID, &s.ExecutionTime, &s.Enabled,
			&s.LastFiredDate, &lastAt, &s.LastExecutionStatus, &s.ExecutionCount); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s.LastExecutionAt = nullTimePtr(lastAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClaimScheduleRun marks the schedule as fired for date and reports whether
// this caller won the claim. A schedule is claimable at most once per date.
func (q *Queries) ClaimScheduleRun(ctx context.Context, id, date string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE schedules SET last_fired_date = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND COALESCE(last_fired_date, '') <> ?
	`, date, id, date)
	if err != nil {
		return false, fmt.Errorf("claim schedule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordExecutionStatus stores the outcome of one scheduled execution.
func (q *Queries) RecordExecutionStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE schedules SET
			last_execution_at = ?,
			last_execution_status = ?,
			execution_count = COALESCE(execution_count, 0) + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, at.UTC(), status, id)
	if err != nil {
		return fmt.Errorf("record execution status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Trades
// ----------------------------------------

// RecordTrade inserts a history record for a newly opened trade.
func (q *Queries) RecordTrade(ctx context.Context, t TradeRecord) error {
	if t.ID == "" {
		return ErrIDRequired
	}
	legs, err := json.Marshal(t.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	status := t.Status
	if status == "" {
		status = TradeOpen
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO trades (id, strategy_id, preset_id, api_id, asset, kind, direction, lot_size,
		                    legs, avg_entry_price, commission, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.StrategyID, t.PresetID, t.APIID, t.Asset, t.Kind, t.Direction, t.LotSize,
		string(legs), t.AvgEntryPrice.String(), t.Commission.String(), status, t.OpenedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// CloseTrade archives an open trade once its legs are flat.
func (q *Queries) CloseTrade(ctx context.Context, id, reason string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE trades SET status = ?, close_reason = ?, closed_at = ?
		WHERE id = ? AND status = ?
	`, TradeClosed, reason, at.UTC(), id, TradeOpen)
	if err != nil {
		return fmt.Errorf("close trade %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const tradeColumns = `id, strategy_id, preset_id, api_id, asset, kind, direction, lot_size, legs,
		       avg_entry_price, commission, status, COALESCE(close_reason, ''), opened_at, closed_at`

// ListTrades returns the most recent trades first.
func (q *Queries) ListTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		ORDER BY opened_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return scanTrades(rows)
}

// OpenTrades returns the not yet archived trades of a strategy, oldest first.
func (q *Queries) OpenTrades(ctx context.Context, strategyID string) ([]TradeRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE strategy_id = ? AND status = ?
		ORDER BY opened_at
	`, strategyID, TradeOpen)
	if err != nil {
		return nil, fmt.Errorf("query open trades %s: %w", strategyID, err)
	}
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]TradeRecord, error) {
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			t        TradeRecord
			legs     string
			closedAt sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.PresetID, &t.APIID, &t.Asset, &t.Kind, &t.Direction,
			&t.LotSize, &legs, &t.AvgEntryPrice, &t.Commission, &t.Status, &t.CloseReason, &t.OpenedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if err := json.Unmarshal([]byte(legs), &t.Legs); err != nil {
			return nil, fmt.Errorf("decode legs for %s: %w", t.ID, err)
		}
		t.ClosedAt = nullTimePtr(closedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
