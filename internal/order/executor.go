package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"options-engine/internal/events"
	"options-engine/internal/monitor"
	"options-engine/internal/strategy"
	"options-engine/pkg/db"
	"options-engine/pkg/exchanges/common"
	"options-engine/pkg/strikes"
)

// GatewayFactory builds an exchange gateway for one account.
type GatewayFactory interface {
	Gateway(creds common.Credentials) (common.Gateway, error)
}

// MonitorRegistry is the part of monitor.Registry the executor needs.
type MonitorRegistry interface {
	Start(job monitor.Job) bool
	IsActive(id string) bool
}

// TradeHistory persists trades; it also archives them when monitors finish.
type TradeHistory interface {
	RecordTrade(ctx context.Context, t db.TradeRecord) error
	OpenTrades(ctx context.Context, strategyID string) ([]db.TradeRecord, error)
	monitor.TradeArchiver
}

const closeReasonFlat = "flat"

// Config tunes execution.
type Config struct {
	Brackets BracketConfig
	// ProfitLockPct applies to presets that leave theirs at zero.
	ProfitLockPct   decimal.Decimal
	RollbackTimeout time.Duration
	Location        *time.Location
}

// Executor enters multi-leg presets, attaches brackets, and hands the
// resulting positions to the monitor registry.
type Executor struct {
	Gateways GatewayFactory
	Monitors MonitorRegistry
	History  TradeHistory
	Bus      *events.Bus
	Metrics  *monitor.Metrics

	cfg Config
	now func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewExecutor(gateways GatewayFactory, monitors MonitorRegistry, history TradeHistory, bus *events.Bus, metrics *monitor.Metrics, cfg Config) *Executor {
	if cfg.Brackets.LimitBufferPct.IsZero() && cfg.Brackets.CostBufferPct.IsZero() {
		cfg.Brackets = DefaultBracketConfig()
	}
	if cfg.ProfitLockPct.IsZero() {
		cfg.ProfitLockPct = hundred
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Executor{
		Gateways: gateways,
		Monitors: monitors,
		History:  history,
		Bus:      bus,
		Metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// plan is the resolved market context for a preset.
type plan struct {
	spot      decimal.Decimal
	selection strikes.Selection
	expiry    time.Time
	legs      []Leg
}

// Preview resolves strikes, instruments, prices and brackets without
// placing any order.
func (e *Executor) Preview(ctx context.Context, req Request) (*ExecutionResult, error) {
	start := e.now()
	p := req.Preset
	if err := p.Validate(); err != nil {
		return nil, &StepError{Step: StepValidate, Err: err}
	}
	gw, err := e.Gateways.Gateway(req.Credentials)
	if err != nil {
		return nil, &StepError{Step: StepGateway, Err: err}
	}
	pl, err := e.resolve(ctx, gw, p)
	if err != nil {
		return nil, err
	}

	res := e.newResult(req, pl, start)
	res.Preview = true
	for i := range pl.legs {
		leg := pl.legs[i]
		leg.EntryPrice = leg.MarkPrice
		e.planBrackets(p, &leg, res)
		res.Legs = append(res.Legs, leg)
	}
	res.AvgEntryPrice = averageEntry(res.Legs)
	res.Duration = e.now().Sub(start)
	return res, nil
}

// Execute enters every leg of req.Preset. A rejected leg cancels the legs
// already placed; bracket failures only add warnings.
func (e *Executor) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	start := e.now()
	p := req.Preset
	logger := log.With().Str("component", "executor").Str("preset", p.ID).Logger()

	if err := p.Validate(); err != nil {
		return nil, e.failed(p.ID, &StepError{Step: StepValidate, Err: err})
	}
	if !e.acquire(p.ID) {
		return nil, e.failed(p.ID, &StepError{Step: StepValidate, Err: ErrInflight})
	}
	defer e.release(p.ID)

	// Live-instance checks run under the in-flight lock.
	if e.Monitors != nil && e.Monitors.IsActive(p.ID) {
		return nil, e.failed(p.ID, &StepError{Step: StepValidate, Err: ErrAlreadyMonitored})
	}

	gw, err := e.Gateways.Gateway(req.Credentials)
	if err != nil {
		return nil, e.failed(p.ID, &StepError{Step: StepGateway, Err: err})
	}
	if err := e.settleOpenTrades(ctx, gw, req); err != nil {
		return nil, e.failed(p.ID, err)
	}
	pl, err := e.resolve(ctx, gw, p)
	if err != nil {
		return nil, e.failed(p.ID, err)
	}

	res := e.newResult(req, pl, start)
	res.TradeID = uuid.NewString()

	placed := make([]Leg, 0, len(pl.legs))
	for _, leg := range pl.legs {
		orderReq := common.OrderRequest{
			ProductID: leg.ProductID,
			Symbol:    leg.Symbol,
			Side:      leg.Side,
			Type:      p.EntryOrderType(),
			Size:      leg.Size,
			ClientID:  uuid.NewString(),
		}
		if orderReq.Type == common.OrderTypeLimit {
			orderReq.LimitPrice = roundToTick(leg.MarkPrice, tickOrDefault(leg.tickSize))
		}
		ack, err := gw.PlaceOrder(ctx, orderReq)
		if err != nil {
			stepErr := &StepError{Step: StepEntry, Leg: leg.Index, Err: err}
			stepErr.RollbackErrors = e.rollback(ctx, gw, placed, leg.Index, orderReq)
			if e.Metrics != nil {
				e.Metrics.IncrementRollbacks()
			}
			logger.Error().Err(err).Int("leg", leg.Index).Int("rolled_back", len(placed)).Int("rollback_failures", len(stepErr.RollbackErrors)).Msg("entry leg rejected")
			return nil, e.failed(p.ID, stepErr)
		}

		leg.EntryOrderID = ack.OrderID
		leg.Commission = ack.Commission
		leg.EntryPrice = ack.AvgFillPrice
		if !leg.EntryPrice.IsPositive() {
			leg.EntryPrice = leg.MarkPrice
		}
		placed = append(placed, leg)
		logger.Info().Int("leg", leg.Index).Str("symbol", leg.Symbol).Str("side", string(leg.Side)).Int64("size", leg.Size).Str("order_id", ack.OrderID).Msg("entry leg placed")
	}

	for i := range placed {
		e.planBrackets(p, &placed[i], res)
		e.placeBrackets(ctx, gw, &placed[i], res)
	}
	res.Legs = placed
	res.AvgEntryPrice = averageEntry(placed)
	for _, l := range placed {
		res.Commission = res.Commission.Add(l.Commission)
	}

	if e.History != nil {
		if err := e.History.RecordTrade(ctx, e.tradeRecord(req, res)); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("trade history not recorded: %v", err))
			logger.Error().Err(err).Msg("record trade failed")
		}
	}

	if p.Monitoring && e.Monitors != nil {
		res.Monitoring = e.Monitors.Start(e.monitorJob(p, res, gw))
		if !res.Monitoring {
			res.Warnings = append(res.Warnings, "monitor already active for strategy")
		}
	}

	res.Duration = e.now().Sub(start)
	if e.Metrics != nil {
		e.Metrics.IncrementExecutions()
		e.Metrics.ExecutionLatency.RecordDuration(res.Duration)
	}
	e.Bus.Publish(events.EventExecutionResult, res)
	logger.Info().Str("trade", res.TradeID).Int("legs", len(res.Legs)).Int("warnings", len(res.Warnings)).Dur("took", res.Duration).Msg("execution complete")
	return res, nil
}

// resolve performs the read-only steps shared by Execute and Preview.
func (e *Executor) resolve(ctx context.Context, gw common.Gateway, p strategy.Preset) (*plan, error) {
	spot, err := gw.GetSpotPrice(ctx, p.Asset)
	if err != nil {
		return nil, &StepError{Step: StepSpot, Err: fmt.Errorf("%w: %v", ErrSpotUnavailable, err)}
	}
	if !spot.IsPositive() {
		return nil, &StepError{Step: StepSpot, Err: ErrSpotUnavailable}
	}

	sel, err := strikes.Select(spot, p.Asset, p.Strikes)
	if err != nil {
		return nil, &StepError{Step: StepStrikes, Err: err}
	}
	expiry, err := strikes.ParseExpiry(p.Expiry, e.now().In(e.cfg.Location))
	if err != nil {
		return nil, &StepError{Step: StepStrikes, Err: err}
	}

	pl := &plan{spot: spot, selection: sel, expiry: expiry}
	for _, lp := range p.Legs(sel) {
		symbol := strikes.OptionSymbol(lp.Type, p.Asset, lp.Strike, expiry)
		product, err := gw.ResolveInstrument(ctx, symbol)
		if err != nil {
			return nil, &StepError{Step: StepInstruments, Leg: lp.Index, Err: fmt.Errorf("%s: %w", symbol, err)}
		}
		tk, err := gw.GetTicker(ctx, symbol)
		if err != nil {
			return nil, &StepError{Step: StepPricing, Leg: lp.Index, Err: fmt.Errorf("%s: %w", symbol, err)}
		}
		if !tk.MarkPrice.IsPositive() {
			return nil, &StepError{Step: StepPricing, Leg: lp.Index, Err: fmt.Errorf("%s: no mark price", symbol)}
		}
		pl.legs = append(pl.legs, Leg{
			Index:     lp.Index,
			Type:      lp.Type,
			Strike:    lp.Strike,
			Symbol:    symbol,
			ProductID: product.ID,
			Side:      lp.Side,
			Size:      p.LotSize,
			MarkPrice: tk.MarkPrice,
			tickSize:  product.TickSize,
		})
	}
	return pl, nil
}

func (e *Executor) planBrackets(p strategy.Preset, leg *Leg, res *ExecutionResult) {
	trig, limit := StopLossPrices(leg.Side, leg.EntryPrice, p.SLTriggerPct, p.SLLimitPct, e.cfg.Brackets, leg.tickSize)
	leg.StopLoss = &Bracket{Kind: common.StopLoss, Trigger: trig, Limit: limit}

	if !p.TargetTriggerPct.IsPositive() {
		return
	}
	trig, limit, ok := TargetPrices(leg.Side, leg.EntryPrice, p.TargetTriggerPct, p.TargetLimitPct, e.cfg.Brackets, leg.tickSize)
	if !ok {
		res.Warnings = append(res.Warnings, fmt.Sprintf("leg %d: target skipped, trigger price not positive", leg.Index))
		return
	}
	leg.Target = &Bracket{Kind: common.StopTakeProfit, Trigger: trig, Limit: limit}
}

func (e *Executor) placeBrackets(ctx context.Context, gw common.Gateway, leg *Leg, res *ExecutionResult) {
	for _, b := range []*Bracket{leg.StopLoss, leg.Target} {
		if b == nil {
			continue
		}
		ack, err := gw.PlaceOrder(ctx, bracketRequest(*leg, b, uuid.NewString()))
		if err != nil {
			b.Error = err.Error()
			res.Warnings = append(res.Warnings, fmt.Sprintf("leg %d: %s not placed: %v", leg.Index, b.Kind, err))
			log.Warn().Str("component", "executor").Str("symbol", leg.Symbol).Str("kind", string(b.Kind)).Err(err).Msg("bracket order failed")
			continue
		}
		b.OrderID = ack.OrderID
	}
}

// settleOpenTrades archives earlier trades of the strategy whose legs are
// all flat and refuses a new entry while any of them is still live.
func (e *Executor) settleOpenTrades(ctx context.Context, gw common.Gateway, req Request) error {
	if e.History == nil {
		return nil
	}
	open, err := e.History.OpenTrades(ctx, req.Preset.ID)
	if err != nil {
		return &StepError{Step: StepOpenTrade, Err: err}
	}
	if len(open) == 0 {
		return nil
	}

	positions, err := gw.GetPositions(ctx)
	if err != nil {
		return &StepError{Step: StepOpenTrade, Err: fmt.Errorf("read positions: %w", err)}
	}
	orders, err := gw.GetOpenOrders(ctx)
	if err != nil {
		return &StepError{Step: StepOpenTrade, Err: fmt.Errorf("read open orders: %w", err)}
	}
	held := make(map[int64]bool, len(positions))
	for _, pos := range positions {
		if pos.Size != 0 {
			held[pos.ProductID] = true
		}
	}
	working := make(map[string]bool, len(orders))
	for _, o := range orders {
		working[o.ID] = true
	}

	for _, tr := range open {
		// Another account's positions are not visible through gw.
		if tr.APIID != req.APIID {
			return &StepError{Step: StepOpenTrade, Err: fmt.Errorf("%w: trade %s is open on account %s", ErrOpenTrade, tr.ID, tr.APIID)}
		}
		for _, l := range tr.Legs {
			if held[l.ProductID] || (l.EntryOrderID != "" && working[l.EntryOrderID]) {
				return &StepError{Step: StepOpenTrade, Leg: l.Index, Err: fmt.Errorf("%w: trade %s leg %d %s", ErrOpenTrade, tr.ID, l.Index, l.Symbol)}
			}
		}
		if err := e.History.CloseTrade(ctx, tr.ID, closeReasonFlat, e.now()); err != nil && !errors.Is(err, db.ErrNotFound) {
			return &StepError{Step: StepOpenTrade, Err: fmt.Errorf("archive trade %s: %w", tr.ID, err)}
		}
		log.Info().Str("component", "executor").Str("preset", req.Preset.ID).Str("trade", tr.ID).Msg("archived flat trade before re-entry")
	}
	return nil
}

// rollback cancels placed entry orders in order, then looks for the rejected
// order itself: a write that failed in transit may still have reached the
// venue. It runs detached from the caller's cancellation so a dropped request
// cannot leave a naked leg.
func (e *Executor) rollback(ctx context.Context, gw common.Gateway, placed []Leg, failedLeg int, failed common.OrderRequest) []error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RollbackTimeout)
	defer cancel()

	var errs []error
	for _, leg := range placed {
		if err := gw.CancelOrder(rctx, leg.ProductID, leg.EntryOrderID); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				err = fmt.Errorf("leg %d order %s no longer open, position may be filled: %w", leg.Index, leg.EntryOrderID, err)
			} else {
				err = fmt.Errorf("leg %d cancel %s: %w", leg.Index, leg.EntryOrderID, err)
			}
			errs = append(errs, err)
			log.Error().Str("component", "executor").Str("symbol", leg.Symbol).Err(err).Msg("rollback cancel failed")
		}
	}
	errs = append(errs, e.sweepFailedEntry(rctx, gw, failedLeg, failed)...)
	return errs
}

// sweepFailedEntry cancels any working order carrying the failed request's
// client id and reports a position on its product for manual review.
func (e *Executor) sweepFailedEntry(ctx context.Context, gw common.Gateway, legIndex int, req common.OrderRequest) []error {
	var errs []error
	orders, err := gw.GetOpenOrders(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("leg %d order state unknown (client id %s): %w", legIndex, req.ClientID, err))
	}
	for _, o := range orders {
		if req.ClientID == "" || o.ClientID != req.ClientID {
			continue
		}
		log.Warn().Str("component", "executor").Str("symbol", req.Symbol).Str("order_id", o.ID).Msg("rejected entry reached the venue, cancelling")
		if err := gw.CancelOrder(ctx, o.ProductID, o.ID); err != nil {
			errs = append(errs, fmt.Errorf("leg %d cancel %s: %w", legIndex, o.ID, err))
		}
	}

	positions, err := gw.GetPositions(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("leg %d position state unknown: %w", legIndex, err))
	}
	for _, pos := range positions {
		if pos.ProductID == req.ProductID && pos.Size != 0 {
			errs = append(errs, fmt.Errorf("leg %d has a position of %d on %s, entry may have filled", legIndex, pos.Size, req.Symbol))
		}
	}
	for _, err := range errs {
		log.Error().Str("component", "executor").Str("symbol", req.Symbol).Err(err).Msg("rollback check failed")
	}
	return errs
}

func (e *Executor) monitorJob(p strategy.Preset, res *ExecutionResult, gw common.Gateway) monitor.Job {
	lock := p.ProfitLockPct
	if lock.IsZero() {
		lock = e.cfg.ProfitLockPct
	}
	job := monitor.Job{
		StrategyID:    res.StrategyID,
		TradeID:       res.TradeID,
		Gateway:       gw,
		ProfitLockPct: lock,
		CostBufferPct: e.cfg.Brackets.CostBufferPct,
	}
	if e.History != nil {
		job.Archiver = e.History
	}
	for _, l := range res.Legs {
		ml := monitor.Leg{
			Index:        l.Index,
			Symbol:       l.Symbol,
			ProductID:    l.ProductID,
			Side:         l.Side,
			Size:         l.Size,
			EntryPrice:   l.EntryPrice,
			EntryOrderID: l.EntryOrderID,
		}
		if l.StopLoss.Placed() {
			ml.StopOrderID = l.StopLoss.OrderID
		}
		if l.Target.Placed() {
			ml.TargetOrderID = l.Target.OrderID
		}
		job.Legs = append(job.Legs, ml)
	}
	return job
}

func (e *Executor) tradeRecord(req Request, res *ExecutionResult) db.TradeRecord {
	rec := db.TradeRecord{
		ID:            res.TradeID,
		StrategyID:    res.StrategyID,
		PresetID:      res.PresetID,
		APIID:         req.APIID,
		Asset:         res.Asset,
		Kind:          res.Kind,
		Direction:     res.Direction,
		LotSize:       req.Preset.LotSize,
		AvgEntryPrice: res.AvgEntryPrice,
		Commission:    res.Commission,
		Status:        db.TradeOpen,
		OpenedAt:      res.StartedAt,
	}
	for _, l := range res.Legs {
		tl := db.TradeLeg{
			Index:        l.Index,
			Symbol:       l.Symbol,
			ProductID:    l.ProductID,
			Side:         string(l.Side),
			Size:         l.Size,
			Strike:       l.Strike,
			EntryPrice:   l.EntryPrice,
			EntryOrderID: l.EntryOrderID,
		}
		if l.StopLoss.Placed() {
			tl.StopOrderID = l.StopLoss.OrderID
		}
		if l.Target.Placed() {
			tl.TargetOrderID = l.Target.OrderID
		}
		rec.Legs = append(rec.Legs, tl)
	}
	return rec
}

func (e *Executor) newResult(req Request, pl *plan, start time.Time) *ExecutionResult {
	p := req.Preset
	return &ExecutionResult{
		StrategyID: p.ID,
		PresetID:   p.ID,
		APIID:      req.APIID,
		Asset:      p.Asset,
		Kind:       string(p.Kind),
		Direction:  string(p.Direction),
		Expiry:     pl.expiry,
		Spot:       pl.spot,
		ATM:        pl.selection.ATM,
		StartedAt:  start,
	}
}

func (e *Executor) failed(presetID string, err error) error {
	if e.Metrics != nil {
		e.Metrics.IncrementExecFailures()
	}
	e.Bus.Publish(events.EventExecutionResult, map[string]string{"preset_id": presetID, "error": err.Error()})
	return err
}

func (e *Executor) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func averageEntry(legs []Leg) decimal.Decimal {
	if len(legs) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, l := range legs {
		sum = sum.Add(l.EntryPrice)
	}
	return sum.Div(decimal.NewFromInt(int64(len(legs))))
}
