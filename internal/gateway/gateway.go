package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnsupported = errors.New("exchange is not supported")
	// ErrRejected marks an explicit order rejection by the venue, as opposed
	// to a transient transport failure.
	ErrRejected = errors.New("order rejected")
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopMarket OrderType = "STOP_MARKET"
)

// PositionRecord is one position entry as reported by the venue's indexer.
// Size is signed: positive long, negative short.
type PositionRecord struct {
	Market     string
	Size       float64
	EntryPrice float64
	CreatedAt  time.Time
}

type OrderRecord struct {
	Market   string
	ClientID string
	Side     Side
	Size     float64
	Price    float64
	Status   string
}

type OrderRequest struct {
	Market       string
	Side         Side
	Type         OrderType
	Price        float64
	TriggerPrice float64
	Size         float64
	ClientID     string
	TimeInForce  string
	ReduceOnly   bool
}

type OrderReceipt struct {
	OrderID  string
	ClientID string
}

// Gateway is the capability surface the reconciliation core needs from a
// perpetual-futures venue. All calls hit the remote service and may fail
// transiently; timeouts are the gateway's responsibility.
type Gateway interface {
	AccountReady(ctx context.Context) (bool, error)
	Equity(ctx context.Context) (float64, error)
	Positions(ctx context.Context, market string) ([]PositionRecord, error)
	OpenOrders(ctx context.Context, market string) ([]OrderRecord, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderReceipt, error)
	CancelOrder(ctx context.Context, market, clientID string) error
}

// FillReporter is an optional gateway extension: venues with a streaming fill
// feed can report the observed filled size for a client order id, letting the
// engine cut its settle delay short. Zero means nothing observed yet.
type FillReporter interface {
	FilledSize(clientID string) float64
}

// Registry maps exchange identifiers to gateways. A plain lookup table,
// populated once at startup.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

func (r *Registry) Register(key string, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[key] = gw
}

func (r *Registry) Lookup(key string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[key]
	if !ok {
		return nil, ErrUnsupported
	}
	return gw, nil
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.gateways))
	for key := range r.gateways {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
