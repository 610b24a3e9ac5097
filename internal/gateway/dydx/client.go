package dydx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tv-connector/internal/config"
	"tv-connector/internal/gateway"

	"go.uber.org/zap"
)

// Client talks to the dYdX v4 indexer for reads and to the trading node's
// REST surface for order placement. It implements gateway.Gateway and, when
// the fills feed is running, gateway.FillReporter.
type Client struct {
	indexerURL string
	nodeURL    string
	address    string
	subaccount int
	http       *http.Client
	log        *zap.Logger
	fills      *fillCache
}

func New(cfg config.DydxConfig, log *zap.Logger) *Client {
	return &Client{
		indexerURL: cfg.IndexerURL,
		nodeURL:    cfg.NodeURL,
		address:    cfg.Address,
		subaccount: cfg.Subaccount,
		http:       &http.Client{Timeout: cfg.Timeout},
		log:        log,
		fills:      newFillCache(),
	}
}

func (c *Client) AccountReady(ctx context.Context) (bool, error) {
	var height struct {
		Height string `json:"height"`
	}
	if err := c.get(ctx, c.indexerURL+"/v4/height", &height); err != nil {
		return false, err
	}
	if height.Height == "" {
		return false, nil
	}
	var sub subaccountResponse
	path := fmt.Sprintf("%s/v4/addresses/%s/subaccountNumber/%d", c.indexerURL, c.address, c.subaccount)
	if err := c.get(ctx, path, &sub); err != nil {
		return false, err
	}
	return sub.Subaccount.Address != "", nil
}

func (c *Client) Equity(ctx context.Context) (float64, error) {
	var sub subaccountResponse
	path := fmt.Sprintf("%s/v4/addresses/%s/subaccountNumber/%d", c.indexerURL, c.address, c.subaccount)
	if err := c.get(ctx, path, &sub); err != nil {
		return 0, err
	}
	return parseFloat(sub.Subaccount.Equity), nil
}

func (c *Client) Positions(ctx context.Context, market string) ([]gateway.PositionRecord, error) {
	query := url.Values{}
	query.Set("address", c.address)
	query.Set("subaccountNumber", strconv.Itoa(c.subaccount))
	query.Set("status", "OPEN")
	var resp struct {
		Positions []indexerPosition `json:"positions"`
	}
	if err := c.get(ctx, c.indexerURL+"/v4/perpetualPositions?"+query.Encode(), &resp); err != nil {
		return nil, err
	}
	records := make([]gateway.PositionRecord, 0, len(resp.Positions))
	for _, pos := range resp.Positions {
		if pos.Market != market {
			continue
		}
		size := parseFloat(pos.Size)
		if pos.Side == "SHORT" && size > 0 {
			size = -size
		}
		createdAt, _ := time.Parse(time.RFC3339, pos.CreatedAt)
		records = append(records, gateway.PositionRecord{
			Market:     pos.Market,
			Size:       size,
			EntryPrice: parseFloat(pos.EntryPrice),
			CreatedAt:  createdAt,
		})
	}
	return records, nil
}

func (c *Client) OpenOrders(ctx context.Context, market string) ([]gateway.OrderRecord, error) {
	query := url.Values{}
	query.Set("address", c.address)
	query.Set("subaccountNumber", strconv.Itoa(c.subaccount))
	query.Set("ticker", market)
	query.Set("status", "OPEN")
	var orders []indexerOrder
	if err := c.get(ctx, c.indexerURL+"/v4/orders?"+query.Encode(), &orders); err != nil {
		return nil, err
	}
	records := make([]gateway.OrderRecord, 0, len(orders))
	for _, order := range orders {
		records = append(records, gateway.OrderRecord{
			Market:   order.Ticker,
			ClientID: order.ClientID,
			Side:     gateway.Side(order.Side),
			Size:     parseFloat(order.Size),
			Price:    parseFloat(order.Price),
			Status:   order.Status,
		})
	}
	return records, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderReceipt, error) {
	body := nodeOrderRequest{
		Market:       req.Market,
		Side:         string(req.Side),
		Type:         string(req.Type),
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Size:         req.Size,
		ClientID:     req.ClientID,
		TimeInForce:  req.TimeInForce,
		ReduceOnly:   req.ReduceOnly,
		Subaccount:   c.subaccount,
	}
	var resp struct {
		OrderID string `json:"orderId"`
	}
	if err := c.send(ctx, http.MethodPost, c.nodeURL+"/v4/orders", body, &resp); err != nil {
		return gateway.OrderReceipt{}, err
	}
	return gateway.OrderReceipt{OrderID: resp.OrderID, ClientID: req.ClientID}, nil
}

func (c *Client) CancelOrder(ctx context.Context, market, clientID string) error {
	query := url.Values{}
	query.Set("market", market)
	query.Set("subaccount", strconv.Itoa(c.subaccount))
	path := fmt.Sprintf("%s/v4/orders/%s?%s", c.nodeURL, url.PathEscape(clientID), query.Encode())
	return c.send(ctx, http.MethodDelete, path, nil, nil)
}

// FilledSize reports the filled size observed on the fills feed for a client
// order id. Zero until the feed has seen the order.
func (c *Client) FilledSize(clientID string) float64 {
	return c.fills.filled(clientID)
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) send(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: http %d: %s", gateway.ErrRejected, resp.StatusCode, string(raw))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type subaccountResponse struct {
	Subaccount struct {
		Address string `json:"address"`
		Equity  string `json:"equity"`
	} `json:"subaccount"`
}

type indexerPosition struct {
	Market     string `json:"market"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	EntryPrice string `json:"entryPrice"`
	CreatedAt  string `json:"createdAt"`
}

type indexerOrder struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Ticker   string `json:"ticker"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	Price    string `json:"price"`
	Status   string `json:"status"`
}

type nodeOrderRequest struct {
	Market       string  `json:"market"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	Price        float64 `json:"price"`
	TriggerPrice float64 `json:"triggerPrice,omitempty"`
	Size         float64 `json:"size"`
	ClientID     string  `json:"clientId"`
	TimeInForce  string  `json:"timeInForce"`
	ReduceOnly   bool    `json:"reduceOnly"`
	Subaccount   int     `json:"subaccount"`
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
