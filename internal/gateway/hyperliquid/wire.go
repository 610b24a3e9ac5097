package hyperliquid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Tif string

const (
	TifAlo Tif = "Alo"
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

type LimitOrderType struct {
	Tif Tif `json:"tif"`
}

// TriggerOrderType is the wire form of stop/take-profit orders. IsMarket
// makes the order execute at market once the trigger price trades.
type TriggerOrderType struct {
	IsMarket  bool   `json:"isMarket"`
	TriggerPx string `json:"triggerPx"`
	Tpsl      string `json:"tpsl"`
}

type OrderTypeWire struct {
	Limit   *LimitOrderType   `json:"limit,omitempty"`
	Trigger *TriggerOrderType `json:"trigger,omitempty"`
}

type OrderWire struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	OrderType  OrderTypeWire `json:"t"`
	Cloid      string        `json:"c,omitempty"`
}

type OrderAction struct {
	Type     string      `json:"type"`
	Orders   []OrderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

type CancelByCloidWire struct {
	Asset int    `json:"asset"`
	Cloid string `json:"cloid"`
}

type CancelByCloidAction struct {
	Type    string              `json:"type"`
	Cancels []CancelByCloidWire `json:"cancels"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type SignedAction struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
	ExpiresAfter *uint64   `json:"expiresAfter"`
}

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

func StopOrderWire(asset int, isBuy bool, size, limit, trigger float64, cloid string) (OrderWire, error) {
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	triggerPx, err := floatToWire(trigger)
	if err != nil {
		return OrderWire{}, fmt.Errorf("trigger price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: true,
		OrderType: OrderTypeWire{Trigger: &TriggerOrderType{
			IsMarket:  true,
			TriggerPx: triggerPx,
			Tpsl:      "sl",
		}},
		Cloid: cloid,
	}, nil
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}

// cloidFromClientID maps the connector's client ids onto Hyperliquid's
// 16-byte hex cloid format. Numeric ids embed directly so the same logical
// order always maps to the same cloid; anything else goes through sha256.
func cloidFromClientID(clientID string) string {
	clean := strings.TrimSpace(clientID)
	if clean == "" {
		return ""
	}
	if strings.HasPrefix(clean, "0x") && len(clean) == 34 {
		return strings.ToLower(clean)
	}
	if n, err := strconv.ParseUint(clean, 10, 64); err == nil {
		return fmt.Sprintf("0x%032x", n)
	}
	sum := sha256.Sum256([]byte(clean))
	return "0x" + hex.EncodeToString(sum[:16])
}
