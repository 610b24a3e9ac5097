package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tv-connector/internal/config"
	"tv-connector/internal/gateway"

	"go.uber.org/zap"
)

// Client implements gateway.Gateway against the Hyperliquid API: reads via
// /info, writes via signed /exchange actions.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *Signer
	wallet  string
	log     *zap.Logger

	lastNonce atomic.Uint64

	assetMu sync.Mutex
	assets  map[string]int
}

// mainnetURL picks the agent signature source for the endpoint: testnet hosts
// sign with source "b", everything else with "a".
func mainnetURL(baseURL string) bool {
	return !strings.Contains(strings.ToLower(baseURL), "testnet")
}

func New(cfg config.HyperliquidConfig, log *zap.Logger) (*Client, error) {
	signer, err := NewSigner(cfg.PrivateKey, mainnetURL(cfg.BaseURL))
	if err != nil {
		return nil, err
	}
	wallet := strings.TrimSpace(cfg.WalletAddress)
	if wallet == "" {
		return nil, errors.New("wallet address is required")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		signer:  signer,
		wallet:  wallet,
		log:     log,
		assets:  make(map[string]int),
	}, nil
}

// coinFromMarket strips the quote suffix: "BTC-USD" -> "BTC".
func coinFromMarket(market string) string {
	coin, _, _ := strings.Cut(market, "-")
	return coin
}

func (c *Client) AccountReady(ctx context.Context) (bool, error) {
	state, err := c.clearinghouseState(ctx)
	if err != nil {
		return false, err
	}
	return state.MarginSummary.AccountValue != "", nil
}

func (c *Client) Equity(ctx context.Context) (float64, error) {
	state, err := c.clearinghouseState(ctx)
	if err != nil {
		return 0, err
	}
	return parseFloat(state.MarginSummary.AccountValue), nil
}

func (c *Client) Positions(ctx context.Context, market string) ([]gateway.PositionRecord, error) {
	state, err := c.clearinghouseState(ctx)
	if err != nil {
		return nil, err
	}
	coin := coinFromMarket(market)
	records := make([]gateway.PositionRecord, 0, 1)
	for _, entry := range state.AssetPositions {
		if entry.Position.Coin != coin {
			continue
		}
		records = append(records, gateway.PositionRecord{
			Market:     market,
			Size:       parseFloat(entry.Position.Szi),
			EntryPrice: parseFloat(entry.Position.EntryPx),
		})
	}
	return records, nil
}

func (c *Client) OpenOrders(ctx context.Context, market string) ([]gateway.OrderRecord, error) {
	var orders []openOrder
	if err := c.info(ctx, map[string]any{"type": "openOrders", "user": c.wallet}, &orders); err != nil {
		return nil, err
	}
	coin := coinFromMarket(market)
	records := make([]gateway.OrderRecord, 0, len(orders))
	for _, order := range orders {
		if order.Coin != coin {
			continue
		}
		side := gateway.SideSell
		if order.Side == "B" {
			side = gateway.SideBuy
		}
		records = append(records, gateway.OrderRecord{
			Market:   market,
			ClientID: order.Cloid,
			Side:     side,
			Size:     parseFloat(order.Sz),
			Price:    parseFloat(order.LimitPx),
			Status:   "OPEN",
		})
	}
	return records, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderReceipt, error) {
	asset, err := c.assetIndex(ctx, coinFromMarket(req.Market))
	if err != nil {
		return gateway.OrderReceipt{}, err
	}
	cloid := cloidFromClientID(req.ClientID)
	var wire OrderWire
	switch req.Type {
	case gateway.OrderStopMarket:
		wire, err = StopOrderWire(asset, req.Side == gateway.SideBuy, req.Size, req.Price, req.TriggerPrice, cloid)
	default:
		tif := TifIoc
		if strings.EqualFold(req.TimeInForce, "GTC") {
			tif = TifGtc
		}
		wire, err = LimitOrderWire(asset, req.Side == gateway.SideBuy, req.Size, req.Price, req.ReduceOnly, tif, cloid)
	}
	if err != nil {
		return gateway.OrderReceipt{}, err
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{wire}, Grouping: "na"}
	payload, err := EncodeOrderAction(action)
	if err != nil {
		return gateway.OrderReceipt{}, err
	}
	resp, err := c.postAction(ctx, action, payload)
	if err != nil {
		return gateway.OrderReceipt{}, err
	}
	orderID, err := orderIDFromResponse(resp)
	if err != nil {
		return gateway.OrderReceipt{}, err
	}
	return gateway.OrderReceipt{OrderID: orderID, ClientID: req.ClientID}, nil
}

func (c *Client) CancelOrder(ctx context.Context, market, clientID string) error {
	asset, err := c.assetIndex(ctx, coinFromMarket(market))
	if err != nil {
		return err
	}
	action := CancelByCloidAction{
		Type:    "cancelByCloid",
		Cancels: []CancelByCloidWire{{Asset: asset, Cloid: cloidFromClientID(clientID)}},
	}
	payload, err := EncodeCancelByCloidAction(action)
	if err != nil {
		return err
	}
	_, err = c.postAction(ctx, action, payload)
	return err
}

func (c *Client) assetIndex(ctx context.Context, coin string) (int, error) {
	c.assetMu.Lock()
	if index, ok := c.assets[coin]; ok {
		c.assetMu.Unlock()
		return index, nil
	}
	c.assetMu.Unlock()

	var meta struct {
		Universe []struct {
			Name string `json:"name"`
		} `json:"universe"`
	}
	if err := c.info(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
		return 0, err
	}

	c.assetMu.Lock()
	defer c.assetMu.Unlock()
	for i, entry := range meta.Universe {
		c.assets[entry.Name] = i
	}
	index, ok := c.assets[coin]
	if !ok {
		return 0, fmt.Errorf("unknown asset %q", coin)
	}
	return index, nil
}

func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (c *Client) postAction(ctx context.Context, action any, encoded []byte) (*exchangeResponse, error) {
	nonce := c.nextNonce()
	sig, err := c.signer.SignAction(encoded, nonce)
	if err != nil {
		return nil, err
	}
	signed := SignedAction{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}
	var resp exchangeResponse
	if err := c.post(ctx, "/exchange", signed, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("%w: %s", gateway.ErrRejected, resp.Status)
	}
	for _, status := range resp.Response.Data.Statuses {
		if status.Error != "" {
			return nil, fmt.Errorf("%w: %s", gateway.ErrRejected, status.Error)
		}
	}
	return &resp, nil
}

func (c *Client) clearinghouseState(ctx context.Context) (*clearinghouseState, error) {
	var state clearinghouseState
	if err := c.info(ctx, map[string]any{"type": "clearinghouseState", "user": c.wallet}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) info(ctx context.Context, req, out any) error {
	return c.post(ctx, "/info", req, out)
}

func (c *Client) post(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(payload))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type clearinghouseState struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	AssetPositions []struct {
		Position struct {
			Coin    string `json:"coin"`
			Szi     string `json:"szi"`
			EntryPx string `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
}

type openOrder struct {
	Coin    string `json:"coin"`
	Oid     int64  `json:"oid"`
	Side    string `json:"side"`
	Sz      string `json:"sz"`
	LimitPx string `json:"limitPx"`
	Cloid   string `json:"cloid"`
}

type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []struct {
				Error   string `json:"error"`
				Resting struct {
					Oid int64 `json:"oid"`
				} `json:"resting"`
				Filled struct {
					Oid int64 `json:"oid"`
				} `json:"filled"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

func orderIDFromResponse(resp *exchangeResponse) (string, error) {
	for _, status := range resp.Response.Data.Statuses {
		if status.Resting.Oid != 0 {
			return strconv.FormatInt(status.Resting.Oid, 10), nil
		}
		if status.Filled.Oid != 0 {
			return strconv.FormatInt(status.Filled.Oid, 10), nil
		}
	}
	return "", nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
