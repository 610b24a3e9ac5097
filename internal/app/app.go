package app

import (
	"context"
	"errors"
	"time"

	"tv-connector/internal/alert"
	"tv-connector/internal/dedup"
	"tv-connector/internal/engine"
	"tv-connector/internal/gateway"
	"tv-connector/internal/intent"
	"tv-connector/internal/journal"
	"tv-connector/internal/metrics"
	"tv-connector/internal/state"

	"go.uber.org/zap"
)

// Outcome is the terminal disposition of one alert delivery, as reported to
// the webhook caller.
type Outcome string

const (
	OutcomeOK          Outcome = "OK"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeUnsupported Outcome = "unsupported exchange"
	OutcomeError       Outcome = "error"
)

// App wires validation, dedup, intent resolution and the reconciliation
// engine into the single alert-processing pipeline.
type App struct {
	log             *zap.Logger
	registry        *gateway.Registry
	guard           *dedup.Guard
	engine          *engine.Engine
	metrics         *metrics.Metrics
	journal         *journal.Writer
	store           state.Store
	passphrase      string
	defaultExchange string
}

type Options struct {
	Log             *zap.Logger
	Registry        *gateway.Registry
	Guard           *dedup.Guard
	Engine          *engine.Engine
	Metrics         *metrics.Metrics
	Journal         *journal.Writer
	Store           state.Store
	Passphrase      string
	DefaultExchange string
}

func New(opts Options) *App {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.DefaultExchange == "" {
		opts.DefaultExchange = "dydxv4"
	}
	return &App{
		log:             opts.Log,
		registry:        opts.Registry,
		guard:           opts.Guard,
		engine:          opts.Engine,
		metrics:         opts.Metrics,
		journal:         opts.Journal,
		store:           opts.Store,
		passphrase:      opts.Passphrase,
		defaultExchange: opts.DefaultExchange,
	}
}

func (a *App) exchangeKey(al *alert.Alert) string {
	return al.ExchangeKey(a.defaultExchange)
}

// Process runs one alert through validate, dedup and reconcile, in that
// order, and blocks until reconciliation finishes. Exhaustion is acknowledged
// as OK; the position difference is an operational concern, not the sender's.
func (a *App) Process(ctx context.Context, al *alert.Alert) (Outcome, error) {
	a.metrics.SignalsReceived.Inc()

	if err := al.Validate(a.passphrase); err != nil {
		a.metrics.SignalsInvalid.Inc()
		a.log.Warn("alert rejected", zap.Error(err))
		return OutcomeInvalid, err
	}

	seen, err := a.guard.SeenAlert(ctx, al)
	if err != nil {
		return OutcomeError, err
	}
	if seen {
		a.metrics.SignalsDuplicate.Inc()
		a.log.Info("duplicate alert ignored", zap.String("signal", al.SignalID()))
		return OutcomeDuplicate, nil
	}
	if err := a.guard.MarkAlert(ctx, al); err != nil {
		return OutcomeError, err
	}

	exchange := a.exchangeKey(al)
	gw, err := a.registry.Lookup(exchange)
	if err != nil {
		if errors.Is(err, gateway.ErrUnsupported) {
			a.log.Warn("unsupported exchange", zap.String("exchange", exchange))
			return OutcomeUnsupported, err
		}
		return OutcomeError, err
	}

	if !a.guard.ClaimSignal(al.SignalID()) {
		a.metrics.SignalsDuplicate.Inc()
		return OutcomeDuplicate, nil
	}

	target, err := intent.Resolve(ctx, al, gw.Equity)
	if err != nil {
		if errors.Is(err, alert.ErrInvalid) {
			a.metrics.SignalsInvalid.Inc()
			return OutcomeInvalid, err
		}
		return OutcomeError, err
	}

	res, err := a.engine.Reconcile(ctx, gw, al, target)
	outcome := OutcomeOK
	switch {
	case errors.Is(err, engine.ErrExhausted):
		// Acknowledged anyway; the sender cannot fix an unconverged position.
		a.log.Warn("reconciliation did not converge",
			zap.String("market", res.Market),
			zap.Float64("target", res.Target),
			zap.Float64("final", res.Final))
		err = nil
	case err != nil:
		outcome = OutcomeError
	}
	a.record(ctx, al, exchange, res, outcome)
	if err != nil {
		return outcome, err
	}
	a.log.Info("alert processed",
		zap.String("signal", al.SignalID()),
		zap.String("exchange", exchange),
		zap.Float64("target", res.Target),
		zap.Float64("final", res.Final),
		zap.Int("attempts", res.Attempts),
		zap.Bool("converged", res.Converged))
	return outcome, nil
}

func (a *App) record(ctx context.Context, al *alert.Alert, exchange string, res engine.Result, outcome Outcome) {
	a.journal.Enqueue(journal.Execution{
		Strategy:  al.Strategy,
		Market:    res.Market,
		Exchange:  exchange,
		Target:    res.Target,
		Final:     res.Final,
		Attempts:  res.Attempts,
		Converged: res.Converged,
		Outcome:   string(outcome),
	})
	rec := state.ExecutionRecord{
		Strategy:    al.Strategy,
		Market:      res.Market,
		Exchange:    exchange,
		Target:      res.Target,
		Final:       res.Final,
		Attempts:    res.Attempts,
		Converged:   res.Converged,
		Outcome:     string(outcome),
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	if err := state.SaveLastExecution(ctx, a.store, rec); err != nil {
		a.log.Warn("execution record persist failed", zap.Error(err))
	}
}

// AccountStatuses reports readiness per registered exchange, for the
// /accounts probe. Gateway errors map to not-ready.
func (a *App) AccountStatuses(ctx context.Context) map[string]bool {
	statuses := make(map[string]bool)
	for _, key := range a.registry.Keys() {
		gw, err := a.registry.Lookup(key)
		if err != nil {
			statuses[key] = false
			continue
		}
		ready, err := gw.AccountReady(ctx)
		if err != nil {
			a.log.Warn("account readiness check failed", zap.String("exchange", key), zap.Error(err))
			ready = false
		}
		statuses[key] = ready
	}
	return statuses
}
