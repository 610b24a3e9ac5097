package dydx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type fillCache struct {
	mu     sync.RWMutex
	totals map[string]float64
}

func newFillCache() *fillCache {
	return &fillCache{totals: make(map[string]float64)}
}

func (f *fillCache) record(clientID string, totalFilled float64) {
	if clientID == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// totalFilled is cumulative; a stale update must never shrink it.
	if totalFilled > f.totals[clientID] {
		f.totals[clientID] = totalFilled
	}
}

func (f *fillCache) filled(clientID string) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.totals[clientID]
}

// FillsFeed subscribes to the indexer's subaccounts channel and records order
// fill totals into the client's fill cache. The feed is a settlement hint
// only; the reconciliation loop stays correct without it.
type FillsFeed struct {
	url            string
	subscriptionID string
	reconnectDelay time.Duration
	log            *zap.Logger
	cache          *fillCache
}

func NewFillsFeed(wsURL, address string, subaccount int, reconnectDelay time.Duration, c *Client, log *zap.Logger) *FillsFeed {
	return &FillsFeed{
		url:            wsURL,
		subscriptionID: fmt.Sprintf("%s/%d", address, subaccount),
		reconnectDelay: reconnectDelay,
		log:            log,
		cache:          c.fills,
	}
}

// Run keeps the subscription alive until the context ends, reconnecting after
// read failures.
func (f *FillsFeed) Run(ctx context.Context) error {
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && f.log != nil {
			f.log.Warn("fills feed disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *FillsFeed) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub := map[string]any{
		"type":    "subscribe",
		"channel": "v4_subaccounts",
		"id":      f.subscriptionID,
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handle(data)
	}
}

func (f *FillsFeed) handle(data []byte) {
	var msg struct {
		Type     string `json:"type"`
		Channel  string `json:"channel"`
		Contents struct {
			Orders []struct {
				ClientID    string `json:"clientId"`
				TotalFilled string `json:"totalFilled"`
			} `json:"orders"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Channel != "v4_subaccounts" {
		return
	}
	for _, order := range msg.Contents.Orders {
		f.cache.record(order.ClientID, parseFloat(order.TotalFilled))
	}
}
