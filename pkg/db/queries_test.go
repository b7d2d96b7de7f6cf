package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueries(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, ApplyMigrations(database))
	// Migrations are idempotent.
	require.NoError(t, ApplyMigrations(database))
	return database.Queries()
}

func TestPresetRoundTrip(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	_, err := q.GetPreset(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.UpsertPreset(ctx, PresetRow{}), ErrIDRequired)

	row := PresetRow{ID: "p1", Name: "btc straddle", Asset: "BTC", Kind: "straddle", Params: json.RawMessage(`{"id":"p1"}`)}
	require.NoError(t, q.UpsertPreset(ctx, row))
	row.Name = "btc straddle v2"
	require.NoError(t, q.UpsertPreset(ctx, row))

	got, err := q.GetPreset(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "btc straddle v2", got.Name)
	assert.JSONEq(t, `{"id":"p1"}`, string(got.Params))

	all, err := q.ListPresets(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCredentialRoundTrip(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.UpsertCredential(ctx, Credential{ID: "api1", Name: "main", APIKey: "k", SealedSecret: "ENC[v1]:abc"}))
	c, err := q.GetCredential(ctx, "api1")
	require.NoError(t, err)
	assert.Equal(t, "ENC[v1]:abc", c.SealedSecret)

	_, err = q.GetCredential(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleClaimIsOncePerDate(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.UpsertSchedule(ctx, Schedule{ID: "s1", PresetID: "p1", APIID: "api1", ExecutionTime: "09:15", Enabled: true}))
	require.NoError(t, q.UpsertSchedule(ctx, Schedule{ID: "s2", PresetID: "p1", APIID: "api1", ExecutionTime: "10:00", Enabled: false}))

	enabled, err := q.EnabledSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "s1", enabled[0].ID)

	ok, err := q.ClaimScheduleRun(ctx, "s1", "2026-10-14")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.ClaimScheduleRun(ctx, "s1", "2026-10-14")
	require.NoError(t, err)
	assert.False(t, ok, "second claim on the same date must lose")

	ok, err = q.ClaimScheduleRun(ctx, "s1", "2026-10-15")
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-seeding the definition keeps run bookkeeping.
	require.NoError(t, q.UpsertSchedule(ctx, Schedule{ID: "s1", PresetID: "p1", APIID: "api1", ExecutionTime: "09:20", Enabled: true}))
	at := time.Date(2026, 10, 15, 3, 50, 0, 0, time.UTC)
	require.NoError(t, q.RecordExecutionStatus(ctx, "s1", "success", at))
	require.NoError(t, q.RecordExecutionStatus(ctx, "s1", "failed: spot price unavailable", at.Add(time.Minute)))

	all, err := q.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	s1 := all[0]
	assert.Equal(t, "09:20", s1.ExecutionTime)
	assert.Equal(t, "2026-10-15", s1.LastFiredDate)
	assert.Equal(t, 2, s1.ExecutionCount)
	assert.Equal(t, "failed: spot price unavailable", s1.LastExecutionStatus)
	require.NotNil(t, s1.LastExecutionAt)
	assert.True(t, s1.LastExecutionAt.Equal(at.Add(time.Minute)))

	assert.ErrorIs(t, q.RecordExecutionStatus(ctx, "ghost", "success", at), ErrNotFound)
}

func TestTradeHistory(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	opened := time.Date(2026, 10, 14, 4, 0, 0, 0, time.UTC)
	rec := TradeRecord{
		ID:         "t1",
		StrategyID: "p1",
		PresetID:   "p1",
		APIID:      "api1",
		Asset:      "BTC",
		Kind:       "straddle",
		Direction:  "short",
		LotSize:    2,
		Legs: []TradeLeg{
			{Index: 1, Symbol: "C-BTC-65000-141026", ProductID: 7, Side: "sell", Size: 2, Strike: decimal.NewFromInt(65000), EntryPrice: decimal.NewFromInt(1000), EntryOrderID: "o1", StopOrderID: "s1"},
			{Index: 2, Symbol: "P-BTC-65000-141026", ProductID: 8, Side: "sell", Size: 2, Strike: decimal.NewFromInt(65000), EntryPrice: decimal.NewFromInt(900), EntryOrderID: "o2", StopOrderID: "s2"},
		},
		AvgEntryPrice: decimal.NewFromInt(950),
		Commission:    decimal.RequireFromString("1.25"),
		OpenedAt:      opened,
	}
	require.NoError(t, q.RecordTrade(ctx, rec))

	trades, err := q.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	got := trades[0]
	assert.Equal(t, TradeOpen, got.Status)
	require.Len(t, got.Legs, 2)
	assert.True(t, got.Legs[1].EntryPrice.Equal(decimal.NewFromInt(900)))
	assert.True(t, got.AvgEntryPrice.Equal(decimal.NewFromInt(950)))
	assert.Nil(t, got.ClosedAt)

	require.NoError(t, q.CloseTrade(ctx, "t1", "completed", opened.Add(time.Hour)))
	assert.ErrorIs(t, q.CloseTrade(ctx, "t1", "completed", opened.Add(time.Hour)), ErrNotFound)

	trades, err = q.ListTrades(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, TradeClosed, trades[0].Status)
	assert.Equal(t, "completed", trades[0].CloseReason)
	require.NotNil(t, trades[0].ClosedAt)
}

func TestOpenTradesByStrategy(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	opened := time.Date(2026, 10, 14, 4, 0, 0, 0, time.UTC)
	for i, id := range []string{"t1", "t2", "t3"} {
		strategy := "p1"
		if id == "t3" {
			strategy = "p2"
		}
		require.NoError(t, q.RecordTrade(ctx, TradeRecord{
			ID:         id,
			StrategyID: strategy,
			PresetID:   strategy,
			APIID:      "api1",
			Asset:      "BTC",
			Kind:       "straddle",
			Direction:  "long",
			LotSize:    1,
			Legs:       []TradeLeg{{Index: 1, ProductID: 7, Side: "buy", Size: 1}},
			OpenedAt:   opened.Add(time.Duration(i) * time.Minute),
		}))
	}

	open, err := q.OpenTrades(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "t1", open[0].ID)
	assert.Equal(t, "t2", open[1].ID)
	require.Len(t, open[0].Legs, 1)
	assert.Equal(t, int64(7), open[0].Legs[0].ProductID)

	require.NoError(t, q.CloseTrade(ctx, "t1", "flat", opened.Add(time.Hour)))
	open, err = q.OpenTrades(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "t2", open[0].ID)

	open, err = q.OpenTrades(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, open)
}
