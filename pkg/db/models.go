package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PresetRow is a stored strategy preset; Params holds the full JSON definition.
type PresetRow struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Asset     string          `json:"asset"`
	Kind      string          `json:"kind"`
	Params    json.RawMessage `json:"params"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Credential is an exchange API key with its secret sealed by pkg/crypto.
type Credential struct {
	ID           string
	Name         string
	APIKey       string
	SealedSecret string
}

// Schedule is a daily auto-execution trigger in the trading timezone.
type Schedule struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	PresetID            string     `json:"preset_id"`
	APIID               string     `json:"api_id"`
	ExecutionTime       string     `json:"execution_time"` // HH:MM
	Enabled             bool       `json:"enabled"`
	LastFiredDate       string     `json:"last_fired_date"` // YYYY-MM-DD
	LastExecutionAt     *time.Time `json:"last_execution_at,omitempty"`
	LastExecutionStatus string     `json:"last_execution_status"`
	ExecutionCount      int        `json:"execution_count"`
}

// TradeLeg is one persisted leg of a trade.
type TradeLeg struct {
	Index         int             `json:"index"`
	Symbol        string          `json:"symbol"`
	ProductID     int64           `json:"product_id"`
	Side          string          `json:"side"`
	Size          int64           `json:"size"`
	Strike        decimal.Decimal `json:"strike"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryOrderID  string          `json:"entry_order_id"`
	StopOrderID   string          `json:"stop_order_id,omitempty"`
	TargetOrderID string          `json:"target_order_id,omitempty"`
}

// TradeRecord is the history entry written once per executed entry.
type TradeRecord struct {
	ID            string          `json:"id"`
	StrategyID    string          `json:"strategy_id"`
	PresetID      string          `json:"preset_id"`
	APIID         string          `json:"api_id"`
	Asset         string          `json:"asset"`
	Kind          string          `json:"kind"`
	Direction     string          `json:"direction"`
	LotSize       int64           `json:"lot_size"`
	Legs          []TradeLeg      `json:"legs"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	Commission    decimal.Decimal `json:"commission"`
	Status        string          `json:"status"`
	CloseReason   string          `json:"close_reason,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// Trade statuses.
const (
	TradeOpen   = "open"
	TradeClosed = "closed"
)

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
