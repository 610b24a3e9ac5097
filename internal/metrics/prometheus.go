package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "tv_connector"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		SignalsReceived:    promCounter{counter("signals_received_total", "Total number of inbound alerts.")},
		SignalsDuplicate:   promCounter{counter("signals_duplicate_total", "Total number of duplicate alerts short-circuited.")},
		SignalsInvalid:     promCounter{counter("signals_invalid_total", "Total number of alerts rejected by validation.")},
		OrdersPlaced:       promCounter{counter("orders_placed_total", "Total number of corrective orders placed.")},
		OrdersFailed:       promCounter{counter("orders_failed_total", "Total number of order placement failures.")},
		OrdersCanceled:     promCounter{counter("orders_canceled_total", "Total number of stale open orders canceled.")},
		StopOrdersPlaced:   promCounter{counter("stop_orders_placed_total", "Total number of protective stop orders placed.")},
		ReconcileConverged: promCounter{counter("reconcile_converged_total", "Total number of reconciliations that converged.")},
		ReconcileExhausted: promCounter{counter("reconcile_exhausted_total", "Total number of reconciliations that hit the attempt budget.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
