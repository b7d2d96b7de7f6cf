// Package scheduler fires stored presets at a daily time of day in the
// trading timezone.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"options-engine/internal/events"
	"options-engine/internal/monitor"
	"options-engine/internal/order"
	"options-engine/pkg/db"
)

// Store holds schedule definitions and run bookkeeping.
type Store interface {
	EnabledSchedules(ctx context.Context) ([]db.Schedule, error)
	ClaimScheduleRun(ctx context.Context, id, date string) (bool, error)
	RecordExecutionStatus(ctx context.Context, id, status string, at time.Time) error
}

// Runner executes one preset on one account.
type Runner interface {
	ExecuteNow(ctx context.Context, presetID, apiID string) (*order.ExecutionResult, error)
}

// Fired describes one claimed schedule run.
type Fired struct {
	ScheduleID string    `json:"schedule_id"`
	PresetID   string    `json:"preset_id"`
	APIID      string    `json:"api_id"`
	Date       string    `json:"date"`
	At         time.Time `json:"at"`
	Status     string    `json:"status,omitempty"`
}

// Config tunes the scheduler loop.
type Config struct {
	Interval time.Duration
	// MisfireGrace lets a run fire late, e.g. after a restart, if the
	// execution time passed less than this long ago today.
	MisfireGrace time.Duration
	Location     *time.Location
}

// Scheduler compares the clock against each enabled schedule once per interval.
type Scheduler struct {
	store   Store
	runner  Runner
	bus     *events.Bus
	metrics *monitor.Metrics
	cfg     Config
	now     func() time.Time

	// OnScheduleFired is called after each claimed run finishes.
	OnScheduleFired func(Fired)

	wg sync.WaitGroup
}

func New(store Store, runner Runner, bus *events.Bus, metrics *monitor.Metrics, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MisfireGrace < 0 {
		cfg.MisfireGrace = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{store: store, runner: runner, bus: bus, metrics: metrics, cfg: cfg, now: time.Now}
}

// Run ticks until ctx is done, then waits for in-flight executions.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("component", "scheduler").Dur("interval", s.cfg.Interval).Str("tz", s.cfg.Location.String()).Msg("scheduler started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			log.Info().Str("component", "scheduler").Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every enabled schedule once and starts the due ones.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().In(s.cfg.Location)
	schedules, err := s.store.EnabledSchedules(ctx)
	if err != nil {
		log.Error().Str("component", "scheduler").Err(err).Msg("load schedules failed")
		return
	}

	today := now.Format(time.DateOnly)
	for _, sch := range schedules {
		due, err := s.due(sch, now)
		if err != nil {
			log.Warn().Str("component", "scheduler").Str("schedule", sch.ID).Err(err).Msg("skipping schedule")
			continue
		}
		if !due || sch.LastFiredDate == today {
			continue
		}
		claimed, err := s.store.ClaimScheduleRun(ctx, sch.ID, today)
		if err != nil {
			log.Error().Str("component", "scheduler").Str("schedule", sch.ID).Err(err).Msg("claim failed")
			continue
		}
		if !claimed {
			continue
		}

		s.wg.Add(1)
		go func(sch db.Schedule) {
			defer s.wg.Done()
			s.fire(ctx, sch, today)
		}(sch)
	}
}

// Wait blocks until every started execution has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// due reports whether now falls in [exec, exec+grace] for today.
func (s *Scheduler) due(sch db.Schedule, now time.Time) (bool, error) {
	at, err := time.ParseInLocation("15:04", sch.ExecutionTime, s.cfg.Location)
	if err != nil {
		return false, fmt.Errorf("execution time %q: %w", sch.ExecutionTime, err)
	}
	exec := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, s.cfg.Location)
	if now.Before(exec) {
		return false, nil
	}
	return now.Sub(exec) < time.Minute+s.cfg.MisfireGrace, nil
}

func (s *Scheduler) fire(ctx context.Context, sch db.Schedule, date string) {
	logger := log.With().Str("component", "scheduler").Str("schedule", sch.ID).Str("preset", sch.PresetID).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("scheduled execution panicked")
			s.record(ctx, sch, date, fmt.Sprintf("failed: panic: %v", r))
		}
	}()

	logger.Info().Str("date", date).Msg("schedule fired")
	status := "success"
	if _, err := s.runner.ExecuteNow(ctx, sch.PresetID, sch.APIID); err != nil {
		status = "failed: " + err.Error()
		logger.Error().Err(err).Msg("scheduled execution failed")
	}
	s.record(ctx, sch, date, status)
}

func (s *Scheduler) record(ctx context.Context, sch db.Schedule, date, status string) {
	at := s.now()
	if err := s.store.RecordExecutionStatus(context.WithoutCancel(ctx), sch.ID, status, at); err != nil {
		log.Error().Str("component", "scheduler").Str("schedule", sch.ID).Err(err).Msg("record status failed")
	}
	if s.metrics != nil {
		s.metrics.IncrementScheduledRuns()
	}

	f := Fired{ScheduleID: sch.ID, PresetID: sch.PresetID, APIID: sch.APIID, Date: date, At: at, Status: status}
	s.bus.Publish(events.EventScheduleFired, f)
	if s.OnScheduleFired != nil {
		s.OnScheduleFired(f)
	}
}
