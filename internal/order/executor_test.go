package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-engine/internal/events"
	"options-engine/internal/monitor"
	"options-engine/internal/strategy"
	"options-engine/pkg/db"
	"options-engine/pkg/exchanges/common"
	"options-engine/pkg/strikes"
)

type call struct {
	op  string
	req common.OrderRequest
	id  string
}

type fakeGateway struct {
	mu             sync.Mutex
	spot           decimal.Decimal
	mark           decimal.Decimal
	fill           decimal.Decimal
	failEntry      int // 1-based entry order to reject
	acceptThenFail int // 1-based entry order the venue takes but the reply is lost
	failStops      bool
	cancelErr      error
	readErr        error
	open           []common.Order
	positions      []common.Position
	calls          []call
	entryCount     int
	nextID         int
}

func (g *fakeGateway) GetSpotPrice(context.Context, string) (decimal.Decimal, error) {
	return g.spot, nil
}

func (g *fakeGateway) ResolveInstrument(_ context.Context, symbol string) (common.Product, error) {
	id := int64(1)
	if strings.HasPrefix(symbol, "P-") {
		id = 2
	}
	return common.Product{ID: id, Symbol: symbol, TickSize: d("0.5")}, nil
}

func (g *fakeGateway) GetTicker(_ context.Context, symbol string) (common.Ticker, error) {
	return common.Ticker{Symbol: symbol, MarkPrice: g.mark}, nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{op: "place", req: req})
	if req.StopType == common.StopNone {
		g.entryCount++
		if g.entryCount == g.failEntry {
			return common.OrderResult{}, errors.New("insufficient margin")
		}
		if g.entryCount == g.acceptThenFail {
			g.nextID++
			g.open = append(g.open, common.Order{ID: fmt.Sprintf("order-%d", g.nextID), ClientID: req.ClientID, ProductID: req.ProductID})
			return common.OrderResult{}, context.DeadlineExceeded
		}
	} else if g.failStops {
		return common.OrderResult{}, errors.New("stop rejected")
	}
	g.nextID++
	return common.OrderResult{
		OrderID:      fmt.Sprintf("order-%d", g.nextID),
		Status:       common.StatusOpen,
		AvgFillPrice: g.fill,
		Commission:   d("0.5"),
	}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _ int64, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{op: "cancel", id: orderID})
	if g.cancelErr != nil {
		return g.cancelErr
	}
	for i, o := range g.open {
		if o.ID == orderID {
			g.open = append(g.open[:i], g.open[i+1:]...)
			break
		}
	}
	return nil
}

func (g *fakeGateway) GetOpenOrders(context.Context) ([]common.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return nil, g.readErr
	}
	return append([]common.Order(nil), g.open...), nil
}

func (g *fakeGateway) GetPositions(context.Context) ([]common.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return nil, g.readErr
	}
	return append([]common.Position(nil), g.positions...), nil
}

func (g *fakeGateway) ops(op string) []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []call
	for _, c := range g.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeFactory struct{ gw *fakeGateway }

func (f fakeFactory) Gateway(common.Credentials) (common.Gateway, error) { return f.gw, nil }

type fakeRegistry struct {
	mu      sync.Mutex
	active  map[string]bool
	started []monitor.Job
}

func (r *fakeRegistry) Start(job monitor.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[job.StrategyID] {
		return false
	}
	if r.active == nil {
		r.active = map[string]bool{}
	}
	r.active[job.StrategyID] = true
	r.started = append(r.started, job)
	return true
}

func (r *fakeRegistry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

type fakeHistory struct {
	mu     sync.Mutex
	trades []db.TradeRecord
}

func (h *fakeHistory) RecordTrade(_ context.Context, t db.TradeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.Status == "" {
		t.Status = db.TradeOpen
	}
	h.trades = append(h.trades, t)
	return nil
}

func (h *fakeHistory) OpenTrades(_ context.Context, strategyID string) ([]db.TradeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []db.TradeRecord
	for _, t := range h.trades {
		if t.StrategyID == strategyID && t.Status == db.TradeOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

func (h *fakeHistory) CloseTrade(_ context.Context, id, reason string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.trades {
		if h.trades[i].ID == id && h.trades[i].Status == db.TradeOpen {
			h.trades[i].Status = db.TradeClosed
			h.trades[i].CloseReason = reason
			return nil
		}
	}
	return db.ErrNotFound
}

func straddle() strategy.Preset {
	return strategy.Preset{
		ID:           "btc-long-straddle",
		Name:         "BTC long straddle",
		Asset:        "BTC",
		Kind:         strategy.KindStraddle,
		Direction:    strategy.Long,
		Strikes:      strikes.Rule{Mode: strikes.ModeATM},
		Expiry:       "W",
		LotSize:      3,
		SLTriggerPct: d("30"),
		Monitoring:   true,
	}
}

type harness struct {
	gw   *fakeGateway
	reg  *fakeRegistry
	hist *fakeHistory
	bus  *events.Bus
	exec *Executor
}

func newHarness() *harness {
	h := &harness{
		gw:   &fakeGateway{spot: d("65050"), mark: d("1000"), fill: d("1000")},
		reg:  &fakeRegistry{},
		hist: &fakeHistory{},
		bus:  events.NewBus(),
	}
	h.exec = NewExecutor(fakeFactory{h.gw}, h.reg, h.hist, h.bus, monitor.NewMetrics(), Config{})
	return h
}

func TestExecuteStraddle(t *testing.T) {
	h := newHarness()
	results, unsub := h.bus.Subscribe(events.EventExecutionResult, 4)
	defer unsub()

	res, err := h.exec.Execute(context.Background(), Request{Preset: straddle(), APIID: "main"})
	require.NoError(t, err)

	require.Len(t, res.Legs, 2)
	assert.True(t, res.ATM.Equal(d("65000")))
	callLeg, putLeg := res.Legs[0], res.Legs[1]
	assert.Equal(t, strikes.Call, callLeg.Type)
	assert.Equal(t, strikes.Put, putLeg.Type)
	assert.True(t, strings.HasPrefix(callLeg.Symbol, "C-BTC-65000-"), callLeg.Symbol)
	assert.True(t, strings.HasPrefix(putLeg.Symbol, "P-BTC-65000-"), putLeg.Symbol)

	for _, l := range res.Legs {
		assert.Equal(t, common.SideBuy, l.Side)
		assert.Equal(t, int64(3), l.Size)
		require.NotNil(t, l.StopLoss)
		assert.True(t, l.StopLoss.Trigger.Equal(d("700")))
		assert.True(t, l.StopLoss.Limit.Equal(d("650")))
		assert.True(t, l.StopLoss.Placed())
		assert.Nil(t, l.Target)
	}
	assert.True(t, res.AvgEntryPrice.Equal(d("1000")))
	assert.True(t, res.Commission.Equal(d("1")))
	assert.True(t, res.Monitoring)
	assert.Empty(t, res.Warnings)

	places := h.gw.ops("place")
	require.Len(t, places, 4)
	assert.Equal(t, common.OrderTypeLimit, places[0].req.Type)
	assert.True(t, places[0].req.LimitPrice.Equal(d("1000")))
	assert.Equal(t, common.StopLoss, places[2].req.StopType)
	assert.Equal(t, common.SideSell, places[2].req.Side)
	assert.True(t, places[2].req.ReduceOnly)
	assert.Empty(t, h.gw.ops("cancel"))

	require.Len(t, h.hist.trades, 1)
	assert.Equal(t, res.TradeID, h.hist.trades[0].ID)
	assert.Equal(t, db.TradeOpen, h.hist.trades[0].Status)

	require.Len(t, h.reg.started, 1)
	job := h.reg.started[0]
	assert.Equal(t, "btc-long-straddle", job.StrategyID)
	require.Len(t, job.Legs, 2)
	assert.Equal(t, "order-3", job.Legs[0].StopOrderID)
	assert.True(t, job.ProfitLockPct.Equal(d("100")))

	select {
	case msg := <-results:
		assert.Equal(t, events.EventExecutionResult, msg.Topic)
	default:
		t.Fatal("no execution event published")
	}
}

func TestExecuteRollsBackWhenSecondLegRejected(t *testing.T) {
	h := newHarness()
	h.gw.failEntry = 2

	res, err := h.exec.Execute(context.Background(), Request{Preset: straddle(), APIID: "main"})
	require.Error(t, err)
	assert.Nil(t, res)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepEntry, stepErr.Step)
	assert.Equal(t, 2, stepErr.Leg)
	assert.Empty(t, stepErr.RollbackErrors)
	assert.Contains(t, err.Error(), "leg 2 order rejected; entry rolled back")

	cancels := h.gw.ops("cancel")
	require.Len(t, cancels, 1)
	assert.Equal(t, "order-1", cancels[0].id)
	assert.Len(t, h.gw.ops("place"), 2, "no brackets after a failed entry")
	assert.Empty(t, h.hist.trades)
	assert.Empty(t, h.reg.started)
}

func TestExecuteReportsFailedRollback(t *testing.T) {
	h := newHarness()
	h.gw.failEntry = 2
	h.gw.cancelErr = common.ErrNotFound

	_, err := h.exec.Execute(context.Background(), Request{Preset: straddle()})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Len(t, stepErr.RollbackErrors, 1)
	assert.Contains(t, err.Error(), "rollback failed for 1 order(s)")
}

func TestExecuteRollbackIgnoresCallerCancellation(t *testing.T) {
	h := newHarness()
	h.gw.failEntry = 2
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.exec.Execute(ctx, Request{Preset: straddle()})
	require.Error(t, err)
	assert.Len(t, h.gw.ops("cancel"), 1)
}

func TestExecuteSpotUnavailable(t *testing.T) {
	h := newHarness()
	h.gw.spot = decimal.Zero

	_, err := h.exec.Execute(context.Background(), Request{Preset: straddle()})
	require.ErrorIs(t, err, ErrSpotUnavailable)
	assert.Empty(t, h.gw.calls)
}

func TestExecuteBracketFailureIsWarning(t *testing.T) {
	h := newHarness()
	h.gw.failStops = true

	res, err := h.exec.Execute(context.Background(), Request{Preset: straddle()})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2)
	for _, l := range res.Legs {
		assert.False(t, l.StopLoss.Placed())
		assert.Contains(t, l.StopLoss.Error, "stop rejected")
	}
	assert.Empty(t, h.gw.ops("cancel"))
	require.Len(t, h.reg.started, 1)
	assert.Empty(t, h.reg.started[0].Legs[0].StopOrderID)
}

func TestExecuteRejectsMonitoredPreset(t *testing.T) {
	h := newHarness()
	h.reg.active = map[string]bool{"btc-long-straddle": true}

	_, err := h.exec.Execute(context.Background(), Request{Preset: straddle()})
	require.ErrorIs(t, err, ErrAlreadyMonitored)
	assert.Empty(t, h.gw.calls)
}

func TestExecuteRejectsInvalidPreset(t *testing.T) {
	h := newHarness()
	p := straddle()
	p.LotSize = 0

	_, err := h.exec.Execute(context.Background(), Request{Preset: p})
	require.ErrorIs(t, err, strategy.ErrInvalidPreset)
	assert.Empty(t, h.gw.calls)
}

func TestExecuteShortStrangleWithTarget(t *testing.T) {
	h := newHarness()
	h.gw.fill = decimal.Zero // falls back to mark
	p := strategy.Preset{
		ID:               "eth-short-strangle",
		Asset:            "ETH",
		Kind:             strategy.KindStrangle,
		Direction:        strategy.Short,
		Strikes:          strikes.Rule{Mode: strikes.ModeOTM, OTMType: strikes.OTMStrikeCount, Steps: 2},
		Expiry:           "D",
		LotSize:          1,
		OrderType:        "market",
		SLTriggerPct:     d("50"),
		TargetTriggerPct: d("40"),
	}
	h.gw.spot = d("3010")

	res, err := h.exec.Execute(context.Background(), Request{Preset: p})
	require.NoError(t, err)
	assert.True(t, res.Legs[0].Strike.Equal(d("3060")))
	assert.True(t, res.Legs[1].Strike.Equal(d("2980")))
	for _, l := range res.Legs {
		assert.Equal(t, common.SideSell, l.Side)
		assert.True(t, l.EntryPrice.Equal(d("1000")))
		assert.True(t, l.StopLoss.Trigger.Equal(d("1500")))
		assert.True(t, l.StopLoss.Limit.Equal(d("1550")))
		require.NotNil(t, l.Target)
		assert.True(t, l.Target.Trigger.Equal(d("600")))
		assert.True(t, l.Target.Limit.Equal(d("650")))
	}

	places := h.gw.ops("place")
	require.Len(t, places, 6)
	assert.Equal(t, common.OrderTypeMarket, places[0].req.Type)
	assert.True(t, places[0].req.LimitPrice.IsZero())
	assert.False(t, res.Monitoring)
	assert.Empty(t, h.reg.started)
}

func TestPreviewPlacesNothing(t *testing.T) {
	h := newHarness()

	res, err := h.exec.Preview(context.Background(), Request{Preset: straddle()})
	require.NoError(t, err)
	assert.True(t, res.Preview)
	require.Len(t, res.Legs, 2)
	assert.True(t, res.Legs[0].StopLoss.Trigger.Equal(d("700")))
	assert.Empty(t, h.gw.calls)
	assert.Empty(t, h.hist.trades)
}

func unmonitored() strategy.Preset {
	p := straddle()
	p.Monitoring = false
	return p
}

func TestExecuteRefusesWhileEarlierTradeIsLive(t *testing.T) {
	cases := []struct {
		name      string
		positions []common.Position
		open      []common.Order
		leg       int
	}{
		{"call position held", []common.Position{{ProductID: 1, Size: 3}}, nil, 1},
		{"put position held", []common.Position{{ProductID: 2, Size: 3}}, nil, 2},
		{"entry order still working", nil, []common.Order{{ID: "order-2", ProductID: 2}}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			first, err := h.exec.Execute(context.Background(), Request{Preset: unmonitored(), APIID: "main"})
			require.NoError(t, err)
			require.Len(t, h.gw.ops("place"), 4)

			h.gw.positions = tc.positions
			h.gw.open = tc.open
			_, err = h.exec.Execute(context.Background(), Request{Preset: unmonitored(), APIID: "main"})
			require.ErrorIs(t, err, ErrOpenTrade)
			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, StepOpenTrade, stepErr.Step)
			assert.Equal(t, tc.leg, stepErr.Leg)
			assert.Contains(t, err.Error(), first.TradeID)

			assert.Len(t, h.gw.ops("place"), 4, "no second entry")
			require.Len(t, h.hist.trades, 1)
			assert.Equal(t, db.TradeOpen, h.hist.trades[0].Status)
		})
	}
}

func TestExecuteArchivesFlatTradeBeforeReentry(t *testing.T) {
	h := newHarness()
	first, err := h.exec.Execute(context.Background(), Request{Preset: unmonitored(), APIID: "main"})
	require.NoError(t, err)

	// Legs were closed on the venue; nothing held, nothing working.
	second, err := h.exec.Execute(context.Background(), Request{Preset: unmonitored(), APIID: "main"})
	require.NoError(t, err)
	assert.NotEqual(t, first.TradeID, second.TradeID)
	assert.Len(t, h.gw.ops("place"), 8)

	require.Len(t, h.hist.trades, 2)
	assert.Equal(t, db.TradeClosed, h.hist.trades[0].Status)
	assert.Equal(t, "flat", h.hist.trades[0].CloseReason)
	assert.Equal(t, db.TradeOpen, h.hist.trades[1].Status)
}

func TestExecuteRefusesTradeOpenOnOtherAccount(t *testing.T) {
	h := newHarness()
	_, err := h.exec.Execute(context.Background(), Request{Preset: unmonitored(), APIID: "main"})
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), Request{Preset: unmonitored(), APIID: "backup"})
	require.ErrorIs(t, err, ErrOpenTrade)
	assert.Len(t, h.gw.ops("place"), 4)
}

func TestExecuteRefusesWhenPositionsUnreadable(t *testing.T) {
	h := newHarness()
	_, err := h.exec.Execute(context.Background(), Request{Preset: unmonitored(), APIID: "main"})
	require.NoError(t, err)

	h.gw.readErr = errors.New("502 bad gateway")
	_, err = h.exec.Execute(context.Background(), Request{Preset: unmonitored(), APIID: "main"})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepOpenTrade, stepErr.Step)
	assert.Len(t, h.gw.ops("place"), 4)
}

// gatedRegistry holds the first IsActive call until released.
type gatedRegistry struct {
	fakeRegistry
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRegistry) IsActive(id string) bool {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.fakeRegistry.IsActive(id)
}

func TestExecuteActiveCheckIsUnderInflightLock(t *testing.T) {
	gw := &fakeGateway{spot: d("65050"), mark: d("1000"), fill: d("1000")}
	reg := &gatedRegistry{entered: make(chan struct{}), release: make(chan struct{})}
	hist := &fakeHistory{}
	exec := NewExecutor(fakeFactory{gw}, reg, hist, events.NewBus(), monitor.NewMetrics(), Config{})

	errA := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), Request{Preset: straddle(), APIID: "main"})
		errA <- err
	}()
	<-reg.entered

	_, errB := exec.Execute(context.Background(), Request{Preset: straddle(), APIID: "main"})
	require.ErrorIs(t, errB, ErrInflight)

	close(reg.release)
	require.NoError(t, <-errA)
	assert.Len(t, gw.ops("place"), 4)
	assert.Len(t, hist.trades, 1)
	assert.Len(t, reg.started, 1)
}

func TestRollbackCancelsEntryAcceptedDespiteError(t *testing.T) {
	h := newHarness()
	h.gw.acceptThenFail = 2

	_, err := h.exec.Execute(context.Background(), Request{Preset: straddle(), APIID: "main"})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Leg)
	assert.Empty(t, stepErr.RollbackErrors)

	places := h.gw.ops("place")
	require.Len(t, places, 2)
	cancels := h.gw.ops("cancel")
	require.Len(t, cancels, 2)
	assert.Equal(t, "order-1", cancels[0].id)
	assert.Equal(t, "order-2", cancels[1].id, "lost reply order is cancelled by client id")
	assert.Empty(t, h.gw.open)
}

func TestRollbackFlagsUnverifiableEntry(t *testing.T) {
	t.Run("filled position", func(t *testing.T) {
		h := newHarness()
		h.gw.failEntry = 1
		h.gw.positions = []common.Position{{ProductID: 1, Size: 3}}

		_, err := h.exec.Execute(context.Background(), Request{Preset: straddle(), APIID: "main"})
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		require.Len(t, stepErr.RollbackErrors, 1)
		assert.Contains(t, stepErr.RollbackErrors[0].Error(), "entry may have filled")
		assert.Contains(t, err.Error(), "manual review required")
	})

	t.Run("venue unreadable", func(t *testing.T) {
		h := newHarness()
		h.gw.failEntry = 1
		h.gw.readErr = errors.New("connection reset")

		_, err := h.exec.Execute(context.Background(), Request{Preset: straddle(), APIID: "main"})
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		require.Len(t, stepErr.RollbackErrors, 2)
		assert.Contains(t, stepErr.RollbackErrors[0].Error(), "order state unknown")
	})
}
