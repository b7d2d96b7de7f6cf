package engine

import (
	"context"
	"errors"
	"time"

	"options-engine/internal/monitor"
	"options-engine/internal/order"
	"options-engine/pkg/db"
)

var (
	ErrPresetNotFound     = errors.New("preset not found")
	ErrCredentialNotFound = errors.New("credential not found")
)

// Store is the persistence the engine reads from.
type Store interface {
	GetPreset(ctx context.Context, id string) (*db.PresetRow, error)
	ListPresets(ctx context.Context) ([]db.PresetRow, error)
	GetCredential(ctx context.Context, id string) (*db.Credential, error)
	ListSchedules(ctx context.Context) ([]db.Schedule, error)
	ListTrades(ctx context.Context, limit int) ([]db.TradeRecord, error)
}

// SecretOpener decrypts sealed credential secrets.
type SecretOpener interface {
	Open(owner, sealed string) (string, error)
}

// Runner executes or previews a resolved request.
type Runner interface {
	Execute(ctx context.Context, req order.Request) (*order.ExecutionResult, error)
	Preview(ctx context.Context, req order.Request) (*order.ExecutionResult, error)
}

// Monitors is the monitor registry surface the engine exposes.
type Monitors interface {
	Stop(id string) bool
	Status(id string) (monitor.State, bool)
	ListActive() []string
	AllDetails() map[string]monitor.State
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Version        string    `json:"version"`
	Testnet        bool      `json:"testnet"`
	Timezone       string    `json:"timezone"`
	ActiveMonitors int       `json:"active_monitors"`
	ServerTime     time.Time `json:"server_time"`
}
