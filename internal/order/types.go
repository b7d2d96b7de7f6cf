package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"options-engine/internal/strategy"
	"options-engine/pkg/exchanges/common"
	"options-engine/pkg/strikes"
)

var (
	ErrInflight         = errors.New("preset is already executing")
	ErrAlreadyMonitored = errors.New("preset has an active monitor")
	ErrOpenTrade        = errors.New("preset has a live trade on the exchange")
	ErrSpotUnavailable  = errors.New("spot price unavailable")
)

// Step names a stage of an entry execution.
type Step string

const (
	StepValidate    Step = "validate"
	StepOpenTrade   Step = "open_trade"
	StepGateway     Step = "gateway"
	StepSpot        Step = "spot"
	StepStrikes     Step = "strikes"
	StepInstruments Step = "instruments"
	StepPricing     Step = "pricing"
	StepEntry       Step = "entry"
)

// StepError reports where an execution stopped. For entry failures Leg is
// the 1-based leg that was rejected and RollbackErrors lists cancels that
// did not succeed.
type StepError struct {
	Step           Step
	Leg            int
	Err            error
	RollbackErrors []error
}

func (e *StepError) Error() string {
	if e.Step == StepEntry && e.Leg > 0 {
		msg := fmt.Sprintf("leg %d order rejected; entry rolled back", e.Leg)
		if n := len(e.RollbackErrors); n > 0 {
			msg += fmt.Sprintf("; rollback failed for %d order(s), manual review required", n)
		}
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Request asks for one preset to be entered on one account.
type Request struct {
	Preset      strategy.Preset
	APIID       string
	Credentials common.Credentials
}

// Bracket is a protective stop or target order attached to a leg.
type Bracket struct {
	Kind    common.StopType `json:"kind"`
	Trigger decimal.Decimal `json:"trigger_price"`
	Limit   decimal.Decimal `json:"limit_price"`
	OrderID string          `json:"order_id,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Placed reports whether the venue accepted the bracket.
func (b *Bracket) Placed() bool { return b != nil && b.OrderID != "" }

// Leg is one executed (or previewed) contract.
type Leg struct {
	Index        int                `json:"index"`
	Type         strikes.OptionType `json:"type"`
	Strike       decimal.Decimal    `json:"strike"`
	Symbol       string             `json:"symbol"`
	ProductID    int64              `json:"product_id"`
	Side         common.Side        `json:"side"`
	Size         int64              `json:"size"`
	MarkPrice    decimal.Decimal    `json:"mark_price"`
	EntryPrice   decimal.Decimal    `json:"entry_price"`
	EntryOrderID string             `json:"entry_order_id,omitempty"`
	Commission   decimal.Decimal    `json:"commission"`
	StopLoss     *Bracket           `json:"stop_loss,omitempty"`
	Target       *Bracket           `json:"target,omitempty"`

	tickSize decimal.Decimal
}

// ExecutionResult summarizes a finished entry or a dry preview.
type ExecutionResult struct {
	StrategyID    string          `json:"strategy_id"`
	TradeID       string          `json:"trade_id,omitempty"`
	PresetID      string          `json:"preset_id"`
	APIID         string          `json:"api_id"`
	Asset         string          `json:"asset"`
	Kind          string          `json:"kind"`
	Direction     string          `json:"direction"`
	Expiry        time.Time       `json:"expiry"`
	Spot          decimal.Decimal `json:"spot"`
	ATM           decimal.Decimal `json:"atm"`
	Legs          []Leg           `json:"legs"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	Commission    decimal.Decimal `json:"commission"`
	Monitoring    bool            `json:"monitoring"`
	Preview       bool            `json:"preview,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	Duration      time.Duration   `json:"duration_ns"`
}
