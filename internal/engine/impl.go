package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"options-engine/internal/monitor"
	"options-engine/internal/order"
	"options-engine/internal/strategy"
	"options-engine/pkg/db"
	"options-engine/pkg/exchanges/common"
)

// Config holds static facts reported by GetSystemStatus.
type Config struct {
	Version  string
	Testnet  bool
	Location *time.Location
}

// Impl implements Service.
type Impl struct {
	store    Store
	keys     SecretOpener
	runner   Runner
	monitors Monitors
	metrics  *monitor.Metrics
	cfg      Config
}

var _ Service = (*Impl)(nil)

func New(store Store, keys SecretOpener, runner Runner, monitors Monitors, metrics *monitor.Metrics, cfg Config) *Impl {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Impl{store: store, keys: keys, runner: runner, monitors: monitors, metrics: metrics, cfg: cfg}
}

// ExecuteNow runs a stored preset on a stored account immediately.
func (s *Impl) ExecuteNow(ctx context.Context, presetID, apiID string) (*order.ExecutionResult, error) {
	req, err := s.request(ctx, presetID, apiID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "engine").Str("preset", presetID).Str("api", apiID).Msg("execute requested")
	return s.runner.Execute(ctx, req)
}

// PreviewNow resolves strikes, prices, and brackets without trading.
func (s *Impl) PreviewNow(ctx context.Context, presetID, apiID string) (*order.ExecutionResult, error) {
	req, err := s.request(ctx, presetID, apiID)
	if err != nil {
		return nil, err
	}
	return s.runner.Preview(ctx, req)
}

func (s *Impl) request(ctx context.Context, presetID, apiID string) (order.Request, error) {
	preset, err := s.preset(ctx, presetID)
	if err != nil {
		return order.Request{}, err
	}

	cred, err := s.store.GetCredential(ctx, apiID)
	if errors.Is(err, db.ErrNotFound) {
		return order.Request{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, apiID)
	}
	if err != nil {
		return order.Request{}, fmt.Errorf("load credential %s: %w", apiID, err)
	}
	secret, err := s.keys.Open(cred.ID, cred.SealedSecret)
	if err != nil {
		return order.Request{}, fmt.Errorf("open credential %s: %w", apiID, err)
	}

	return order.Request{
		Preset:      preset,
		APIID:       apiID,
		Credentials: common.Credentials{APIKey: cred.APIKey, APISecret: secret},
	}, nil
}

func (s *Impl) preset(ctx context.Context, id string) (strategy.Preset, error) {
	row, err := s.store.GetPreset(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return strategy.Preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, id)
	}
	if err != nil {
		return strategy.Preset{}, fmt.Errorf("load preset %s: %w", id, err)
	}
	return decodePreset(*row)
}

func decodePreset(row db.PresetRow) (strategy.Preset, error) {
	var p strategy.Preset
	if err := json.Unmarshal(row.Params, &p); err != nil {
		return strategy.Preset{}, fmt.Errorf("decode preset %s: %w", row.ID, err)
	}
	p.ID = row.ID
	if p.Name == "" {
		p.Name = row.Name
	}
	return p, nil
}

func (s *Impl) StopMonitor(id string) bool { return s.monitors.Stop(id) }

func (s *Impl) MonitorStatus(id string) (monitor.State, bool) { return s.monitors.Status(id) }

func (s *Impl) ListMonitors() []string { return s.monitors.ListActive() }

func (s *Impl) MonitorDetails() map[string]monitor.State { return s.monitors.AllDetails() }

func (s *Impl) ListPresets(ctx context.Context) ([]strategy.Preset, error) {
	rows, err := s.store.ListPresets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]strategy.Preset, 0, len(rows))
	for _, row := range rows {
		p, err := decodePreset(row)
		if err != nil {
			log.Warn().Str("component", "engine").Str("preset", row.ID).Err(err).Msg("skipping undecodable preset")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Impl) ListSchedules(ctx context.Context) ([]db.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

func (s *Impl) ListTrades(ctx context.Context, limit int) ([]db.TradeRecord, error) {
	return s.store.ListTrades(ctx, limit)
}

func (s *Impl) Metrics() monitor.MetricsSnapshot {
	if s.metrics == nil {
		return monitor.MetricsSnapshot{ActiveMonitors: len(s.monitors.ListActive())}
	}
	return s.metrics.Snapshot(len(s.monitors.ListActive()))
}

func (s *Impl) GetSystemStatus(_ context.Context) *SystemStatus {
	return &SystemStatus{
		Version:        s.cfg.Version,
		Testnet:        s.cfg.Testnet,
		Timezone:       s.cfg.Location.String(),
		ActiveMonitors: len(s.monitors.ListActive()),
		ServerTime:     time.Now().In(s.cfg.Location),
	}
}
