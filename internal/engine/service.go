// Package engine is the single entry point the API and scheduler use to run
// presets and inspect monitors. It resolves stored presets and credentials
// before handing off to the order executor.
package engine

import (
	"context"

	"options-engine/internal/monitor"
	"options-engine/internal/order"
	"options-engine/internal/strategy"
	"options-engine/pkg/db"
)

// Service defines the operations exposed to the control layer.
type Service interface {
	// Execution
	ExecuteNow(ctx context.Context, presetID, apiID string) (*order.ExecutionResult, error)
	PreviewNow(ctx context.Context, presetID, apiID string) (*order.ExecutionResult, error)

	// Monitors
	StopMonitor(id string) bool
	MonitorStatus(id string) (monitor.State, bool)
	ListMonitors() []string
	MonitorDetails() map[string]monitor.State

	// Queries
	ListPresets(ctx context.Context) ([]strategy.Preset, error)
	ListSchedules(ctx context.Context) ([]db.Schedule, error)
	ListTrades(ctx context.Context, limit int) ([]db.TradeRecord, error)

	// System
	Metrics() monitor.MetricsSnapshot
	GetSystemStatus(ctx context.Context) *SystemStatus
}
