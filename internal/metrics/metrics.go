package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	SignalsReceived    Counter
	SignalsDuplicate   Counter
	SignalsInvalid     Counter
	OrdersPlaced       Counter
	OrdersFailed       Counter
	OrdersCanceled     Counter
	StopOrdersPlaced   Counter
	ReconcileConverged Counter
	ReconcileExhausted Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		SignalsReceived:    n,
		SignalsDuplicate:   n,
		SignalsInvalid:     n,
		OrdersPlaced:       n,
		OrdersFailed:       n,
		OrdersCanceled:     n,
		StopOrdersPlaced:   n,
		ReconcileConverged: n,
		ReconcileExhausted: n,
	}
}
