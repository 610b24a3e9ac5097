package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tv-connector/internal/alert"
	"tv-connector/internal/gateway"
)

type fakeGateway struct {
	mu         sync.Mutex
	position   float64
	entryPrice float64
	open       []gateway.OrderRecord
	placed     []gateway.OrderRequest
	canceled   []string
	events     []string
	placeErr   error
	applyFills bool
	busy       int
	maxBusy    int
}

func newFakeGateway(pos float64) *fakeGateway {
	return &fakeGateway{position: pos, applyFills: true}
}

func (f *fakeGateway) AccountReady(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeGateway) Equity(ctx context.Context) (float64, error) { return 10000, nil }

func (f *fakeGateway) Positions(ctx context.Context, market string) ([]gateway.PositionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "positions")
	if f.position == 0 {
		return nil, nil
	}
	return []gateway.PositionRecord{{Market: market, Size: f.position, EntryPrice: f.entryPrice}}, nil
}

func (f *fakeGateway) OpenOrders(ctx context.Context, market string) ([]gateway.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderReceipt, error) {
	f.mu.Lock()
	f.busy++
	if f.busy > f.maxBusy {
		f.maxBusy = f.busy
	}
	f.events = append(f.events, fmt.Sprintf("place:%s:%s", req.Side, req.Market))
	err := f.placeErr
	if err == nil {
		f.placed = append(f.placed, req)
		if f.applyFills && req.Type == gateway.OrderMarket {
			if req.Side == gateway.SideBuy {
				f.position += req.Size
			} else {
				f.position -= req.Size
			}
		}
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.busy--
	f.mu.Unlock()
	if err != nil {
		return gateway.OrderReceipt{}, err
	}
	return gateway.OrderReceipt{OrderID: "1", ClientID: req.ClientID}, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, market, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "cancel:"+clientID)
	f.canceled = append(f.canceled, clientID)
	return nil
}

func (f *fakeGateway) orders() []gateway.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.OrderRequest, len(f.placed))
	copy(out, f.placed)
	return out
}

func newTestEngine(cfg Config) *Engine {
	e := New(cfg, nil, nil, nil)
	instant := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	e.sleep = instant
	e.locks.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}
	return e
}

func testAlert(market string) *alert.Alert {
	return &alert.Alert{Strategy: "trend", Market: market, Time: 1700000000, Price: 30000}
}

func TestFlatToLongPlacesSingleBuy(t *testing.T) {
	gw := newFakeGateway(0)
	e := newTestEngine(Config{})

	res, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Converged {
		t.Fatalf("expected convergence, got %+v", res)
	}
	orders := gw.orders()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	order := orders[0]
	if order.Side != gateway.SideBuy || order.Size != 1.0 || order.ReduceOnly {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.Market != "BTC-USD" {
		t.Fatalf("expected normalized market BTC-USD, got %s", order.Market)
	}
}

func TestFlipIsSingleNetOrder(t *testing.T) {
	gw := newFakeGateway(1.0)
	e := newTestEngine(Config{})

	res, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), -1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Converged {
		t.Fatalf("expected convergence, got %+v", res)
	}
	orders := gw.orders()
	if len(orders) != 1 {
		t.Fatalf("expected single net order for the flip, got %d", len(orders))
	}
	if orders[0].Side != gateway.SideSell || orders[0].Size != 2.0 {
		t.Fatalf("expected SELL 2.0, got %s %f", orders[0].Side, orders[0].Size)
	}
}

func TestAlreadyConvergedPlacesNothing(t *testing.T) {
	gw := newFakeGateway(1.0)
	e := newTestEngine(Config{})

	res, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Converged || res.Attempts != 1 {
		t.Fatalf("expected immediate convergence, got %+v", res)
	}
	if len(gw.orders()) != 0 {
		t.Fatalf("expected zero orders, got %d", len(gw.orders()))
	}
}

func TestFlattenShortBuysBack(t *testing.T) {
	gw := newFakeGateway(-0.5)
	e := newTestEngine(Config{})

	res, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Converged {
		t.Fatalf("expected convergence, got %+v", res)
	}
	orders := gw.orders()
	if len(orders) != 1 || orders[0].Side != gateway.SideBuy || orders[0].Size != 0.5 {
		t.Fatalf("expected BUY 0.5, got %+v", orders)
	}
}

func TestToleranceSuppressesNoiseOrders(t *testing.T) {
	gw := newFakeGateway(1.0005)
	e := newTestEngine(Config{})

	res, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Converged || len(gw.orders()) != 0 {
		t.Fatalf("expected tolerant no-op, got %+v with %d orders", res, len(gw.orders()))
	}
}

func TestExhaustionReturnsErrExhausted(t *testing.T) {
	gw := newFakeGateway(0)
	gw.applyFills = false
	e := newTestEngine(Config{MaxAttempts: 3})

	res, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	if res.Converged {
		t.Fatalf("expected unconverged result")
	}

	// The lock must be released on the exhaustion path too.
	gw2 := newFakeGateway(0)
	if _, err := e.Reconcile(context.Background(), gw2, testAlert("BTC_USD"), 0); err != nil {
		t.Fatalf("lock not released after exhaustion: %v", err)
	}
}

func TestRejectionWithoutProgressIsTerminal(t *testing.T) {
	gw := newFakeGateway(0)
	gw.placeErr = fmt.Errorf("insufficient margin: %w", gateway.ErrRejected)
	e := newTestEngine(Config{MaxAttempts: 5})

	_, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0)
	if !errors.Is(err, gateway.ErrRejected) {
		t.Fatalf("expected rejection to propagate, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Fatalf("rejection must not be reported as exhaustion")
	}
}

func TestCancelsPendingOrdersBeforeMeasuring(t *testing.T) {
	gw := newFakeGateway(0)
	gw.open = []gateway.OrderRecord{{Market: "BTC-USD", ClientID: "stale-1"}, {Market: "BTC-USD", ClientID: "stale-2"}}
	e := newTestEngine(Config{})

	if _, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.canceled) != 2 {
		t.Fatalf("expected 2 cancels, got %d", len(gw.canceled))
	}
	for _, event := range gw.events {
		if event == "positions" {
			break
		}
		if event != "cancel:stale-1" && event != "cancel:stale-2" {
			t.Fatalf("unexpected event before first measurement: %s", event)
		}
	}
}

func TestDeterministicThenRandomizedClientIDs(t *testing.T) {
	gw := newFakeGateway(0)
	gw.applyFills = false
	e := newTestEngine(Config{MaxAttempts: 2})

	a := testAlert("BTC_USD")
	_, err := e.Reconcile(context.Background(), gw, a, 1.0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	orders := gw.orders()
	if len(orders) != 2 {
		t.Fatalf("expected 2 corrective orders, got %d", len(orders))
	}
	if orders[0].ClientID != a.ClientOrderID("BUY") {
		t.Fatalf("expected deterministic id on the primary order, got %s", orders[0].ClientID)
	}
	if orders[1].ClientID == orders[0].ClientID {
		t.Fatalf("expected distinct ids for follow-up corrections")
	}
}

func TestProtectiveStopAfterConvergence(t *testing.T) {
	gw := newFakeGateway(0)
	gw.entryPrice = 30000
	e := newTestEngine(Config{StopLossPercent: 2})

	if _, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orders := gw.orders()
	if len(orders) != 2 {
		t.Fatalf("expected entry plus stop, got %d orders", len(orders))
	}
	stop := orders[1]
	if stop.Type != gateway.OrderStopMarket || !stop.ReduceOnly || stop.Side != gateway.SideSell {
		t.Fatalf("unexpected stop order: %+v", stop)
	}
	want := 30000 * 0.98
	if stop.TriggerPrice < want-1 || stop.TriggerPrice > want+1 {
		t.Fatalf("expected trigger near %f, got %f", want, stop.TriggerPrice)
	}
	if stop.ClientID == orders[0].ClientID {
		t.Fatalf("stop order must not reuse the entry client id")
	}
}

func TestProtectiveStopAfterExhaustion(t *testing.T) {
	gw := newFakeGateway(0.4)
	gw.entryPrice = 30000
	gw.applyFills = false
	e := newTestEngine(Config{MaxAttempts: 2, StopLossPercent: 2})

	res, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if res.Corrections != 2 {
		t.Fatalf("expected 2 corrections, got %d", res.Corrections)
	}
	orders := gw.orders()
	if len(orders) != 3 {
		t.Fatalf("expected 2 corrections plus a stop, got %d orders", len(orders))
	}
	stop := orders[2]
	if stop.Type != gateway.OrderStopMarket || !stop.ReduceOnly || stop.Side != gateway.SideSell {
		t.Fatalf("expected a protective stop on the exhaustion path, got %+v", stop)
	}
	if stop.Size != 0.4 {
		t.Fatalf("stop must cover the last measured position, got size %f", stop.Size)
	}
}

type recordingNotifier struct {
	sends     []string
	exhausted []string
}

func (n *recordingNotifier) Send(ctx context.Context, message string) error {
	n.sends = append(n.sends, message)
	return nil
}

func (n *recordingNotifier) NotifyExhausted(ctx context.Context, market string, target, final float64, attempts int) {
	n.exhausted = append(n.exhausted, fmt.Sprintf("%s:%d", market, attempts))
}

func TestExhaustionUsesStructuredNotice(t *testing.T) {
	gw := newFakeGateway(0)
	gw.applyFills = false
	notifier := &recordingNotifier{}
	e := New(Config{MaxAttempts: 2}, nil, nil, notifier)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	_, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if len(notifier.exhausted) != 1 || notifier.exhausted[0] != "BTC-USD:2" {
		t.Fatalf("unexpected exhaustion notices: %v", notifier.exhausted)
	}
	if len(notifier.sends) != 0 {
		t.Fatalf("structured notifier must supersede the plain send, got %v", notifier.sends)
	}
}

func TestNoStopWhenTargetFlat(t *testing.T) {
	gw := newFakeGateway(1.0)
	gw.entryPrice = 30000
	e := newTestEngine(Config{StopLossPercent: 2})

	if _, err := e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, order := range gw.orders() {
		if order.Type == gateway.OrderStopMarket {
			t.Fatalf("unexpected stop order for a flat target")
		}
	}
}

func TestSameMarketReconciliationsNeverOverlap(t *testing.T) {
	gw := newFakeGateway(0)
	gw.applyFills = false
	e := newTestEngine(Config{MaxAttempts: 2})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Reconcile(context.Background(), gw, testAlert("BTC_USD"), 1.0)
		}()
	}
	wg.Wait()

	if gw.maxBusy > 1 {
		t.Fatalf("expected serialized order submission, saw %d concurrent", gw.maxBusy)
	}
}

func TestDifferentMarketsProceedIndependently(t *testing.T) {
	e := newTestEngine(Config{})
	gwBTC := newFakeGateway(0)
	gwETH := newFakeGateway(0)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.Reconcile(context.Background(), gwBTC, testAlert("BTC_USD"), 1.0)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := e.Reconcile(context.Background(), gwETH, testAlert("ETH_USD"), 1.0)
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

type fillReportingGateway struct {
	*fakeGateway
	filled map[string]float64
}

func (f *fillReportingGateway) FilledSize(clientID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filled[clientID]
}

func TestSettlementWaitCutShortByFillFeed(t *testing.T) {
	base := newFakeGateway(0)
	gw := &fillReportingGateway{fakeGateway: base, filled: make(map[string]float64)}
	e := New(Config{SettleDelay: time.Hour}, nil, nil, nil)
	e.locks.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	slept := 0
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		if slept > 10 {
			t.Fatalf("settlement wait not cut short")
		}
		return ctx.Err()
	}

	a := testAlert("BTC_USD")
	gw.filled[a.ClientOrderID("BUY")] = 1.0

	res, err := e.Reconcile(context.Background(), gw, a, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Converged {
		t.Fatalf("expected convergence, got %+v", res)
	}
	if slept != 0 {
		t.Fatalf("expected no settle sleeps with a full fill reported, got %d", slept)
	}
}
