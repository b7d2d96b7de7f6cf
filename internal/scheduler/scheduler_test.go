package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/internal/events"
	"options-engine/internal/order"
	"options-engine/pkg/db"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type memStore struct {
	mu        sync.Mutex
	schedules map[string]*db.Schedule
	listErr   error
}

func newMemStore(schedules ...db.Schedule) *memStore {
	m := &memStore{schedules: map[string]*db.Schedule{}}
	for i := range schedules {
		s := schedules[i]
		m.schedules[s.ID] = &s
	}
	return m
}

func (m *memStore) EnabledSchedules(context.Context) ([]db.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []db.Schedule
	for _, s := range m.schedules {
		if s.Enabled {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ClaimScheduleRun(_ context.Context, id, date string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok || s.LastFiredDate == date {
		return false, nil
	}
	s.LastFiredDate = date
	return true, nil
}

func (m *memStore) RecordExecutionStatus(_ context.Context, id, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.schedules[id]
	s.LastExecutionStatus = status
	s.LastExecutionAt = &at
	s.ExecutionCount++
	return nil
}

func (m *memStore) get(id string) db.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.schedules[id]
}

type countingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func (r *countingRunner) ExecuteNow(_ context.Context, presetID, _ string) (*order.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[presetID]++
	if err := r.fail[presetID]; err != nil {
		return nil, err
	}
	return &order.ExecutionResult{PresetID: presetID}, nil
}

func (r *countingRunner) count(presetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[presetID]
}

func schedule(id, preset, at string) db.Schedule {
	return db.Schedule{ID: id, PresetID: preset, APIID: "main", ExecutionTime: at, Enabled: true}
}

func newTestScheduler(store Store, runner Runner, clock *time.Time) *Scheduler {
	s := New(store, runner, events.NewBus(), nil, Config{Interval: time.Minute, MisfireGrace: 5 * time.Minute, Location: ist})
	s.now = func() time.Time { return *clock }
	return s
}

func TestTickFiresOncePerDay(t *testing.T) {
	store := newMemStore(schedule("morning", "btc-straddle", "09:15"))
	runner := &countingRunner{}
	clock := time.Date(2026, 10, 14, 9, 15, 5, 0, ist)
	s := newTestScheduler(store, runner, &clock)

	s.Tick(context.Background())
	clock = clock.Add(30 * time.Second)
	s.Tick(context.Background())
	s.Wait()

	assert.Equal(t, 1, runner.count("btc-straddle"))
	got := store.get("morning")
	assert.Equal(t, "2026-10-14", got.LastFiredDate)
	assert.Equal(t, "success", got.LastExecutionStatus)
	assert.Equal(t, 1, got.ExecutionCount)
	require.NotNil(t, got.LastExecutionAt)

	// Next day fires again.
	clock = time.Date(2026, 10, 15, 9, 15, 0, 0, ist)
	s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, 2, runner.count("btc-straddle"))
}

func TestTickUsesTradingTimezone(t *testing.T) {
	store := newMemStore(schedule("morning", "btc-straddle", "09:15"))
	runner := &countingRunner{}
	// 03:45 UTC is 09:15 IST.
	clock := time.Date(2026, 10, 14, 3, 45, 0, 0, time.UTC)
	s := newTestScheduler(store, runner, &clock)

	s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, 1, runner.count("btc-straddle"))
}

func TestTickMisfireGrace(t *testing.T) {
	tests := []struct {
		name  string
		clock time.Time
		fires bool
	}{
		{"before execution time", time.Date(2026, 10, 14, 9, 14, 59, 0, ist), false},
		{"within grace", time.Date(2026, 10, 14, 9, 19, 30, 0, ist), true},
		{"after grace", time.Date(2026, 10, 14, 9, 30, 0, 0, ist), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(schedule("morning", "btc-straddle", "09:15"))
			runner := &countingRunner{}
			clock := tt.clock
			s := newTestScheduler(store, runner, &clock)

			s.Tick(context.Background())
			s.Wait()
			assert.Equal(t, tt.fires, runner.count("btc-straddle") == 1)
		})
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	store := newMemStore(
		schedule("a", "broken", "09:15"),
		schedule("b", "healthy", "09:15"),
		schedule("c", "bad-time", "9.15"),
	)
	disabled := schedule("d", "disabled", "09:15")
	disabled.Enabled = false
	store.schedules["d"] = &disabled

	runner := &countingRunner{fail: map[string]error{"broken": errors.New("spot price unavailable")}}
	clock := time.Date(2026, 10, 14, 9, 15, 0, 0, ist)
	s := newTestScheduler(store, runner, &clock)

	var mu sync.Mutex
	var fired []Fired
	s.OnScheduleFired = func(f Fired) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, f)
	}

	s.Tick(context.Background())
	s.Wait()

	assert.Equal(t, "failed: spot price unavailable", store.get("a").LastExecutionStatus)
	assert.Equal(t, "success", store.get("b").LastExecutionStatus)
	assert.Equal(t, 1, store.get("a").ExecutionCount)
	assert.Zero(t, runner.count("bad-time"))
	assert.Zero(t, runner.count("disabled"))
	assert.Len(t, fired, 2)
}

func TestTickStoreErrorDoesNotPanic(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("database is locked")
	runner := &countingRunner{}
	clock := time.Date(2026, 10, 14, 9, 15, 0, 0, ist)
	s := newTestScheduler(store, runner, &clock)

	s.Tick(context.Background())
	s.Wait()
	assert.Empty(t, runner.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newMemStore(schedule("morning", "btc-straddle", "09:15"))
	runner := &countingRunner{}
	clock := time.Date(2026, 10, 14, 9, 15, 0, 0, ist)
	s := newTestScheduler(store, runner, &clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.count("btc-straddle") == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
