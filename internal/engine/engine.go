package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"tv-connector/internal/alert"
	"tv-connector/internal/gateway"
	"tv-connector/internal/metrics"
	"tv-connector/internal/position"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTolerance absorbs floating-point noise when comparing target and
// current signed sizes. Every size comparison goes through withinTolerance.
const DefaultTolerance = 1e-3

// ErrExhausted reports that the convergence loop hit its attempt budget. The
// position may still differ from the target; the caller already acknowledged
// the alert, so this is an operational warning, not a request failure.
var ErrExhausted = errors.New("reconciliation attempts exhausted")

type Notifier interface {
	Send(ctx context.Context, message string) error
}

// exhaustionNotifier is implemented by notifiers that format their own
// exhaustion notice, like the Telegram client.
type exhaustionNotifier interface {
	NotifyExhausted(ctx context.Context, market string, target, final float64, attempts int)
}

type Config struct {
	MaxAttempts int
	SettleDelay time.Duration
	LockPoll    time.Duration
	Tolerance   float64
	// Aggressive price bounds for market-style orders on venues that require
	// a price even for effectively-market semantics.
	BuyPriceCap    float64
	SellPriceFloor float64
	// StopLossPercent places a protective reduce-only stop offset this many
	// percent from the entry price after a successful correction. Zero
	// disables stops.
	StopLossPercent float64
}

type Result struct {
	Market      string
	Target      float64
	Final       float64
	Attempts    int
	Corrections int
	Converged   bool
}

// Engine converges the on-exchange position toward a target signed size by
// issuing net-delta corrective orders and re-measuring until the difference
// falls within tolerance or the attempt budget runs out. One reconciliation
// runs per market at a time.
type Engine struct {
	cfg     Config
	locks   *MarketLocks
	log     *zap.Logger
	metrics *metrics.Metrics
	notify  Notifier

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log *zap.Logger, m *metrics.Metrics, notify Notifier) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1500 * time.Millisecond
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.BuyPriceCap <= 0 {
		cfg.BuyPriceCap = 1_000_000_000
	}
	if cfg.SellPriceFloor <= 0 {
		cfg.SellPriceFloor = 0.000001
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		locks:   NewMarketLocks(cfg.LockPoll),
		log:     log,
		metrics: m,
		notify:  notify,
		sleep:   sleepCtx,
	}
}

func withinTolerance(delta, tolerance float64) bool {
	return math.Abs(delta) < tolerance
}

// Reconcile drives the market's position to the target signed size. It holds
// the market lock for the whole run, cancels stale open orders before the
// first measurement, and re-measures after every corrective order. Returns
// ErrExhausted when the attempt budget runs out without convergence; any
// other error is terminal (context cancellation, or a venue rejection before
// any correction landed).
func (e *Engine) Reconcile(ctx context.Context, gw gateway.Gateway, a *alert.Alert, target float64) (Result, error) {
	market := a.NormalizedMarket()
	res := Result{Market: market, Target: target}
	if err := e.locks.Acquire(ctx, market); err != nil {
		return res, err
	}
	defer e.locks.Release(market)

	// Stale reduce-only/stop orders could fill mid-reconciliation and race
	// the measurement, so they go first.
	if err := e.cancelPending(ctx, gw, market); err != nil {
		e.log.Warn("pending order cancel failed", zap.String("market", market), zap.Error(err))
	}

	var last position.Snapshot
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		snap, err := position.Current(ctx, gw, market)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			e.log.Warn("position query failed", zap.String("market", market), zap.Int("attempt", attempt), zap.Error(err))
			if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
				return res, err
			}
			continue
		}
		last = snap
		res.Final = snap.SignedSize
		delta := target - snap.SignedSize
		if withinTolerance(delta, e.cfg.Tolerance) {
			res.Converged = true
			break
		}

		order := e.correctiveOrder(a, market, delta, res.Corrections)
		if _, err := gw.PlaceOrder(ctx, order); err != nil {
			e.metrics.OrdersFailed.Inc()
			if errors.Is(err, gateway.ErrRejected) && res.Corrections == 0 {
				return res, err
			}
			e.log.Warn("corrective order failed",
				zap.String("market", market),
				zap.String("side", string(order.Side)),
				zap.Float64("size", order.Size),
				zap.Error(err))
		} else {
			res.Corrections++
			e.metrics.OrdersPlaced.Inc()
			e.log.Info("corrective order placed",
				zap.String("market", market),
				zap.String("side", string(order.Side)),
				zap.Float64("size", order.Size),
				zap.Float64("current", snap.SignedSize),
				zap.Float64("target", target),
				zap.String("client_id", order.ClientID))
		}
		if err := e.awaitSettlement(ctx, gw, order); err != nil {
			return res, err
		}
	}

	if !res.Converged {
		e.metrics.ReconcileExhausted.Inc()
		e.log.Warn("reconciliation exhausted",
			zap.String("market", market),
			zap.Float64("target", target),
			zap.Float64("final", res.Final),
			zap.Int("attempts", res.Attempts))
		e.notifyExhausted(ctx, market, target, res)
		// An exhausted run that landed corrections leaves a position behind;
		// it gets the same protection as a converged one.
		if res.Corrections > 0 {
			e.placeStop(ctx, gw, a, last)
		}
		return res, ErrExhausted
	}

	e.metrics.ReconcileConverged.Inc()
	if res.Corrections > 0 {
		e.placeStop(ctx, gw, a, last)
	}
	return res, nil
}

func (e *Engine) notifyExhausted(ctx context.Context, market string, target float64, res Result) {
	if e.notify == nil {
		return
	}
	if n, ok := e.notify.(exhaustionNotifier); ok {
		n.NotifyExhausted(ctx, market, target, res.Final, res.Attempts)
		return
	}
	e.send(ctx, fmt.Sprintf("Reconciliation exhausted on %s: target %.6f, final %.6f after %d attempts",
		market, target, res.Final, res.Attempts))
}

func (e *Engine) cancelPending(ctx context.Context, gw gateway.Gateway, market string) error {
	orders, err := gw.OpenOrders(ctx, market)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if order.ClientID == "" {
			continue
		}
		if err := gw.CancelOrder(ctx, market, order.ClientID); err != nil {
			e.log.Warn("order cancel failed", zap.String("market", market), zap.String("client_id", order.ClientID), zap.Error(err))
			continue
		}
		e.metrics.OrdersCanceled.Inc()
	}
	return nil
}

// correctiveOrder builds the single net-delta order for one attempt. The
// first correction reuses the alert-derived deterministic client id so a
// duplicate submission is recognized by the venue; follow-up corrections get
// fresh randomized ids.
func (e *Engine) correctiveOrder(a *alert.Alert, market string, delta float64, corrections int) gateway.OrderRequest {
	side := gateway.SideSell
	price := e.cfg.SellPriceFloor
	if delta > 0 {
		side = gateway.SideBuy
		price = e.cfg.BuyPriceCap
	}
	clientID := a.ClientOrderID(string(side))
	if corrections > 0 {
		clientID = uuid.NewString()
	}
	return gateway.OrderRequest{
		Market:      market,
		Side:        side,
		Type:        gateway.OrderMarket,
		Price:       price,
		Size:        math.Abs(delta),
		ClientID:    clientID,
		TimeInForce: "IOC",
	}
}

// awaitSettlement waits out the venue's indexer lag before the next
// measurement. When the gateway streams fills, the wait is cut short as soon
// as the corrective order is fully filled.
func (e *Engine) awaitSettlement(ctx context.Context, gw gateway.Gateway, order gateway.OrderRequest) error {
	reporter, ok := gw.(gateway.FillReporter)
	if !ok || order.ClientID == "" {
		return e.sleep(ctx, e.cfg.SettleDelay)
	}
	const slices = 5
	step := e.cfg.SettleDelay / slices
	if step <= 0 {
		return e.sleep(ctx, e.cfg.SettleDelay)
	}
	for i := 0; i < slices; i++ {
		if reporter.FilledSize(order.ClientID)+e.cfg.Tolerance >= order.Size {
			return nil
		}
		if err := e.sleep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// placeStop attaches a protective reduce-only stop to the resulting position.
// Failures are logged and never roll back the executed position change.
func (e *Engine) placeStop(ctx context.Context, gw gateway.Gateway, a *alert.Alert, snap position.Snapshot) {
	pct := e.cfg.StopLossPercent
	if pct <= 0 {
		return
	}
	if withinTolerance(snap.SignedSize, e.cfg.Tolerance) {
		return
	}
	ref := snap.EntryPrice
	if ref <= 0 {
		ref = a.Price
	}
	if ref <= 0 {
		return
	}
	side := gateway.SideSell
	price := e.cfg.SellPriceFloor
	trigger := ref * (1 - pct/100)
	if snap.SignedSize < 0 {
		side = gateway.SideBuy
		price = e.cfg.BuyPriceCap
		trigger = ref * (1 + pct/100)
	}
	req := gateway.OrderRequest{
		Market:       snap.Market,
		Side:         side,
		Type:         gateway.OrderStopMarket,
		Price:        price,
		TriggerPrice: trigger,
		Size:         math.Abs(snap.SignedSize),
		ClientID:     uuid.NewString(),
		TimeInForce:  "IOC",
		ReduceOnly:   true,
	}
	if _, err := gw.PlaceOrder(ctx, req); err != nil {
		e.log.Warn("protective stop placement failed",
			zap.String("market", snap.Market),
			zap.Float64("trigger", trigger),
			zap.Error(err))
		return
	}
	e.metrics.StopOrdersPlaced.Inc()
	e.log.Info("protective stop placed",
		zap.String("market", snap.Market),
		zap.String("side", string(side)),
		zap.Float64("trigger", trigger),
		zap.Float64("size", req.Size))
}

func (e *Engine) send(ctx context.Context, message string) {
	if e.notify == nil {
		return
	}
	if err := e.notify.Send(ctx, message); err != nil {
		e.log.Warn("notification failed", zap.Error(err))
	}
}
