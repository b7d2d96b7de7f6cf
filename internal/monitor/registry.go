package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"options-engine/internal/events"
)

// Config holds registry-wide defaults applied to jobs that leave them zero.
type Config struct {
	PollInterval time.Duration
	MaxFailures  int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	return c
}

// Registry owns every monitor task, keyed by strategy id. At most one task
// per id is active; finished tasks stay queryable until replaced.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*task
	finished map[string]State

	parent  context.Context
	cfg     Config
	bus     *events.Bus
	metrics *Metrics
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewRegistry creates a registry whose tasks end when ctx is cancelled.
func NewRegistry(ctx context.Context, cfg Config, bus *events.Bus, metrics *Metrics) *Registry {
	return &Registry{
		active:   make(map[string]*task),
		finished: make(map[string]State),
		parent:   ctx,
		cfg:      cfg.withDefaults(),
		bus:      bus,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Start launches a monitor for job.StrategyID. It returns false without
// side effects when one is already active for that id.
func (r *Registry) Start(job Job) bool {
	if job.PollInterval <= 0 {
		job.PollInterval = r.cfg.PollInterval
	}
	if job.MaxFailures <= 0 {
		job.MaxFailures = r.cfg.MaxFailures
	}

	r.mu.Lock()
	if _, ok := r.active[job.StrategyID]; ok {
		r.mu.Unlock()
		log.Warn().Str("component", "monitor").Str("strategy", job.StrategyID).Msg("monitor already active")
		return false
	}
	t := newTask(job, r.now, r.publish, r.metrics)
	r.active[job.StrategyID] = t
	delete(r.finished, job.StrategyID)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		final := t.run(r.parent)
		r.finish(job.StrategyID, t, final)
	}()

	log.Info().Str("component", "monitor").Str("strategy", job.StrategyID).Int("legs", len(job.Legs)).Dur("interval", job.PollInterval).Msg("monitor started")
	return true
}

func (r *Registry) finish(id string, t *task, final State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[id] == t {
		delete(r.active, id)
	}
	r.finished[id] = final
}

// Stop signals the monitor to end after its current poll. It does not wait.
func (r *Registry) Stop(id string) bool {
	r.mu.RLock()
	t, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	t.stop()
	return true
}

// Status returns the current or final state for id.
func (r *Registry) Status(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.active[id]; ok {
		return t.snapshot(), true
	}
	st, ok := r.finished[id]
	return st, ok
}

// IsActive reports whether a non-terminal monitor exists for id.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[id]
	return ok
}

// ListActive returns the active strategy ids, sorted.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// AllDetails returns active and finished states keyed by strategy id.
// An active task shadows a finished entry for the same id.
func (r *Registry) AllDetails() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.active)+len(r.finished))
	for id, st := range r.finished {
		out[id] = st
	}
	for id, t := range r.active {
		out[id] = t.snapshot()
	}
	return out
}

// Shutdown stops every task and waits for them, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	for _, t := range r.active {
		t.stop()
	}
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) publish(st State) {
	r.bus.Publish(events.EventMonitorStatus, st)
}
