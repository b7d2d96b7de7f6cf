// Package monitor supervises open option positions until they are flat.
package monitor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"options-engine/pkg/exchanges/common"
)

// Status is the lifecycle state of one monitor task.
type Status string

const (
	StatusRunning    Status = "running"
	StatusMovingSL   Status = "moving_sl"
	StatusCompleted  Status = "completed"
	StatusBothClosed Status = "both_closed"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// Terminal reports whether the task has ended.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBothClosed, StatusStopped, StatusError:
		return true
	}
	return false
}

// Leg is one supervised contract as opened by the executor.
type Leg struct {
	Index         int             `json:"index"`
	Symbol        string          `json:"symbol"`
	ProductID     int64           `json:"product_id"`
	Side          common.Side     `json:"side"` // entry side
	Size          int64           `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryOrderID  string          `json:"entry_order_id"`
	StopOrderID   string          `json:"stop_order_id"`
	TargetOrderID string          `json:"target_order_id,omitempty"`
}

// TradeArchiver converts a finished trade into history.
type TradeArchiver interface {
	CloseTrade(ctx context.Context, tradeID, reason string, at time.Time) error
}

// Job is everything a monitor task needs; the leg set is fixed for its lifetime.
type Job struct {
	StrategyID string
	TradeID    string
	Legs       []Leg
	Gateway    common.Gateway

	// ProfitLockPct moves every stop to cost once aggregate unrealized PnL
	// reaches this percent of entry premium. Non-positive disables it.
	ProfitLockPct decimal.Decimal
	// CostBufferPct offsets the cost-stop limit price in the loss direction.
	CostBufferPct decimal.Decimal

	PollInterval time.Duration // zero uses the registry default
	MaxFailures  int           // zero uses the registry default
	Archiver     TradeArchiver // optional
}

// LegState is the observed state of a leg.
type LegState struct {
	Leg
	Open      bool       `json:"open"`
	StopMoved bool       `json:"stop_moved"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// State is a point-in-time snapshot of a monitor task.
type State struct {
	StrategyID          string     `json:"strategy_id"`
	TradeID             string     `json:"trade_id"`
	Status              Status     `json:"status"`
	Checks              int64      `json:"checks"`
	StartedAt           time.Time  `json:"started_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	Symbols             []string   `json:"symbols"`
	Legs                []LegState `json:"legs"`
	ProfitLocked        bool       `json:"profit_locked"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

func (s State) clone() State {
	out := s
	out.Symbols = append([]string(nil), s.Symbols...)
	out.Legs = append([]LegState(nil), s.Legs...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}
