package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"options-engine/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

// task is one position monitor. Its tick loop is the only writer of state;
// snapshot may be called from any goroutine.
type task struct {
	job     Job
	now     func() time.Time
	notify  func(State)
	metrics *Metrics

	mu    sync.RWMutex
	state State

	// Owned by the tick loop.
	closedBefore bool // some leg was already flat on an earlier tick
	intervened   bool // the monitor replaced at least one stop

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newTask(job Job, now func() time.Time, notify func(State), metrics *Metrics) *task {
	started := now()
	st := State{
		StrategyID: job.StrategyID,
		TradeID:    job.TradeID,
		Status:     StatusRunning,
		StartedAt:  started,
		UpdatedAt:  started,
	}
	for _, l := range job.Legs {
		st.Symbols = append(st.Symbols, l.Symbol)
		st.Legs = append(st.Legs, LegState{Leg: l, Open: true})
	}
	return &task{
		job:     job,
		now:     now,
		notify:  notify,
		metrics: metrics,
		state:   st,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *task) snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.clone()
}

// stop asks the loop to end after its current poll.
func (t *task) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// run polls until a terminal state, stop, or ctx cancellation.
func (t *task) run(ctx context.Context) State {
	defer close(t.done)

	ticker := time.NewTicker(t.job.PollInterval)
	defer ticker.Stop()

	t.publish()
	for {
		select {
		case <-ctx.Done():
			return t.finish(StatusStopped, "shutdown")
		case <-t.stopCh:
			return t.finish(StatusStopped, "")
		case <-ticker.C:
		}

		// A stop requested while waiting wins over another poll.
		select {
		case <-t.stopCh:
			return t.finish(StatusStopped, "")
		default:
		}

		if status := t.tick(ctx); status.Terminal() {
			return t.snapshot()
		}
	}
}

// tick runs one poll-then-act cycle and returns the resulting status.
func (t *task) tick(ctx context.Context) Status {
	start := t.now()
	t.mu.Lock()
	t.state.Checks++
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.IncrementTicks()
		defer func() { t.metrics.PollLatency.RecordDuration(time.Since(start)) }()
	}

	positions, err := t.job.Gateway.GetPositions(ctx)
	if err != nil {
		return t.fail(fmt.Errorf("read positions: %w", err))
	}
	orders, err := t.job.Gateway.GetOpenOrders(ctx)
	if err != nil {
		return t.fail(fmt.Errorf("read open orders: %w", err))
	}

	byProduct := make(map[int64]common.Position, len(positions))
	for _, p := range positions {
		if p.Size != 0 {
			byProduct[p.ProductID] = p
		}
	}
	live := make(map[string]common.Order, len(orders))
	for _, o := range orders {
		if o.Status.Live() || o.Status == "" {
			live[o.ID] = o
		}
	}

	now := t.now()
	t.mu.Lock()
	newlyClosed := 0
	openCount := 0
	for i := range t.state.Legs {
		leg := &t.state.Legs[i]
		_, held := byProduct[leg.ProductID]
		_, entryLive := live[leg.EntryOrderID]
		open := held || entryLive
		if leg.Open && !open {
			closedAt := now
			leg.ClosedAt = &closedAt
			newlyClosed++
		}
		leg.Open = open
		if open {
			openCount++
		}
	}
	t.state.UpdatedAt = now
	total := len(t.state.Legs)
	t.mu.Unlock()

	if openCount == 0 {
		status := StatusCompleted
		if !t.closedBefore && !t.intervened && newlyClosed == total && total > 1 {
			status = StatusBothClosed
		}
		t.archive(ctx, status)
		return t.finish(status, "").Status
	}
	if newlyClosed > 0 {
		t.closedBefore = true
	}

	var actionErr error
	switch {
	case total == 2 && openCount == 1:
		actionErr = t.protectRemainingLeg(ctx, byProduct, live)
	case openCount == total:
		actionErr = t.maybeLockProfit(ctx, byProduct, live)
	}
	if actionErr != nil {
		return t.fail(actionErr)
	}

	t.mu.Lock()
	t.state.ConsecutiveFailures = 0
	t.state.LastError = ""
	t.mu.Unlock()
	return t.currentStatus()
}

// protectRemainingLeg moves the open leg's stop to its entry price once its
// sibling has closed.
func (t *task) protectRemainingLeg(ctx context.Context, positions map[int64]common.Position, live map[string]common.Order) error {
	idx := -1
	t.mu.RLock()
	for i, l := range t.state.Legs {
		if l.Open && !l.StopMoved {
			idx = i
		}
	}
	t.mu.RUnlock()
	if idx < 0 {
		return nil
	}

	t.setStatus(StatusMovingSL)
	err := t.moveStopToCost(ctx, idx, positions, live)
	t.setStatus(StatusRunning)
	if err != nil {
		return fmt.Errorf("leg protection: %w", err)
	}
	log.Info().Str("component", "monitor").Str("strategy", t.job.StrategyID).Int("leg", t.legIndex(idx)).Msg("sibling leg closed, stop moved to cost")
	return nil
}

// maybeLockProfit moves every stop to cost once aggregate PnL crosses the threshold.
func (t *task) maybeLockProfit(ctx context.Context, positions map[int64]common.Position, live map[string]common.Order) error {
	if !t.job.ProfitLockPct.IsPositive() {
		return nil
	}
	t.mu.RLock()
	locked := t.state.ProfitLocked
	legs := append([]LegState(nil), t.state.Legs...)
	t.mu.RUnlock()
	if locked {
		return nil
	}

	for _, l := range legs {
		if _, filled := positions[l.ProductID]; !filled {
			return nil
		}
	}

	pnl, premium := decimal.Zero, decimal.Zero
	for _, l := range legs {
		mark, err := t.markPrice(ctx, l, positions)
		if err != nil {
			return err
		}
		size := decimal.NewFromInt(l.Size)
		diff := mark.Sub(l.EntryPrice)
		if l.Side == common.SideSell {
			diff = diff.Neg()
		}
		pnl = pnl.Add(diff.Mul(size))
		premium = premium.Add(l.EntryPrice.Mul(size))
	}
	if !premium.IsPositive() {
		return nil
	}
	pct := pnl.Div(premium).Mul(hundred)
	if pct.LessThan(t.job.ProfitLockPct) {
		return nil
	}

	t.setStatus(StatusMovingSL)
	defer t.setStatus(StatusRunning)
	var errs []error
	for i, l := range legs {
		if l.StopMoved {
			continue
		}
		if err := t.moveStopToCost(ctx, i, positions, live); err != nil {
			errs = append(errs, fmt.Errorf("leg %d: %w", l.Index, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("profit lock: %w", errors.Join(errs...))
	}

	t.mu.Lock()
	t.state.ProfitLocked = true
	t.mu.Unlock()
	log.Info().Str("component", "monitor").Str("strategy", t.job.StrategyID).Str("pnl_pct", pct.StringFixed(2)).Msg("profit threshold reached, stops moved to cost")
	return nil
}

func (t *task) markPrice(ctx context.Context, l LegState, positions map[int64]common.Position) (decimal.Decimal, error) {
	if p, ok := positions[l.ProductID]; ok && p.MarkPrice.IsPositive() {
		return p.MarkPrice, nil
	}
	tk, err := t.job.Gateway.GetTicker(ctx, l.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", l.Symbol, err)
	}
	return tk.MarkPrice, nil
}

// moveStopToCost cancels the leg's live stop and places a new one triggering
// at the leg's entry price. If the cancel succeeds but the placement fails
// the leg keeps no stop id, so the next tick only retries the placement.
func (t *task) moveStopToCost(ctx context.Context, idx int, positions map[int64]common.Position, live map[string]common.Order) error {
	t.mu.RLock()
	leg := t.state.Legs[idx]
	t.mu.RUnlock()

	if leg.StopOrderID != "" {
		if _, ok := live[leg.StopOrderID]; ok {
			if err := t.job.Gateway.CancelOrder(ctx, leg.ProductID, leg.StopOrderID); err != nil && !errors.Is(err, common.ErrNotFound) {
				return fmt.Errorf("cancel stop %s: %w", leg.StopOrderID, err)
			}
		}
		t.mu.Lock()
		t.state.Legs[idx].StopOrderID = ""
		t.mu.Unlock()
	}

	size := leg.Size
	if p, ok := positions[leg.ProductID]; ok {
		size = abs(p.Size)
	}
	trigger, limit := CostStopPrices(leg.Side, leg.EntryPrice, t.job.CostBufferPct)
	res, err := t.job.Gateway.PlaceOrder(ctx, common.OrderRequest{
		ProductID:  leg.ProductID,
		Symbol:     leg.Symbol,
		Side:       leg.Side.Opposite(),
		Type:       common.OrderTypeLimit,
		Size:       size,
		LimitPrice: limit,
		StopType:   common.StopLoss,
		StopPrice:  trigger,
		ReduceOnly: true,
		ClientID:   uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("place cost stop: %w", err)
	}

	t.mu.Lock()
	t.state.Legs[idx].StopOrderID = res.OrderID
	t.state.Legs[idx].StopMoved = true
	t.mu.Unlock()
	t.intervened = true
	if t.metrics != nil {
		t.metrics.IncrementStopMoves()
	}
	return nil
}

// CostStopPrices returns a breakeven stop for a leg opened on entrySide:
// trigger at entry, limit bufferPct beyond it in the loss direction.
func CostStopPrices(entrySide common.Side, entry, bufferPct decimal.Decimal) (trigger, limit decimal.Decimal) {
	offset := entry.Mul(bufferPct).Div(hundred)
	if entrySide == common.SideBuy {
		return entry, entry.Sub(offset)
	}
	return entry, entry.Add(offset)
}

func (t *task) fail(err error) Status {
	t.mu.Lock()
	t.state.ConsecutiveFailures++
	t.state.LastError = err.Error()
	failures := t.state.ConsecutiveFailures
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.IncrementPollFailures()
	}

	log.Warn().Str("component", "monitor").Str("strategy", t.job.StrategyID).Int("failures", failures).Err(err).Msg("poll failed")
	if failures >= t.job.MaxFailures {
		return t.finish(StatusError, err.Error()).Status
	}
	t.publish()
	return t.currentStatus()
}

func (t *task) finish(status Status, reason string) State {
	now := t.now()
	t.mu.Lock()
	t.state.Status = status
	t.state.UpdatedAt = now
	t.state.EndedAt = &now
	if reason != "" {
		t.state.LastError = reason
	}
	t.mu.Unlock()
	log.Info().Str("component", "monitor").Str("strategy", t.job.StrategyID).Str("status", string(status)).Msg("monitor finished")
	t.publish()
	return t.snapshot()
}

func (t *task) archive(ctx context.Context, status Status) {
	if t.job.Archiver == nil || t.job.TradeID == "" {
		return
	}
	if err := t.job.Archiver.CloseTrade(ctx, t.job.TradeID, string(status), t.now()); err != nil {
		log.Error().Str("component", "monitor").Str("trade", t.job.TradeID).Err(err).Msg("archive trade failed")
	}
}

func (t *task) setStatus(s Status) {
	t.mu.Lock()
	changed := t.state.Status != s
	t.state.Status = s
	t.state.UpdatedAt = t.now()
	t.mu.Unlock()
	if changed {
		t.publish()
	}
}

func (t *task) currentStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Status
}

func (t *task) legIndex(i int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Legs[i].Index
}

func (t *task) publish() {
	if t.notify != nil {
		t.notify(t.snapshot())
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
