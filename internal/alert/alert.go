package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalid = errors.New("invalid alert")

const (
	PositionLong  = "LONG"
	PositionShort = "SHORT"
	PositionFlat  = "FLAT"
)

// Alert is one inbound TradingView strategy alert, already JSON-decoded.
// Intent alerts carry desired_position; legacy alerts carry order/position/reverse
// and are translated into an intent before execution.
type Alert struct {
	Exchange        string  `json:"exchange,omitempty"`
	Strategy        string  `json:"strategy"`
	Market          string  `json:"market"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size,omitempty"`
	SizeUSD         float64 `json:"sizeUsd,omitempty"`
	SizeByLeverage  float64 `json:"sizeByLeverage,omitempty"`
	Time            int64   `json:"time"`
	DesiredPosition string  `json:"desired_position,omitempty"`
	Passphrase      string  `json:"passphrase,omitempty"`

	Order    string `json:"order,omitempty"`
	Position string `json:"position,omitempty"`
	Reverse  *bool  `json:"reverse,omitempty"`
}

// NormalizeMarket maps the alert's underscore form onto the hyphen form the
// exchanges expect, e.g. "BTC_USD" -> "BTC-USD".
func NormalizeMarket(market string) string {
	return strings.ReplaceAll(strings.TrimSpace(market), "_", "-")
}

func (a *Alert) NormalizedMarket() string {
	return NormalizeMarket(a.Market)
}

// ExchangeKey resolves the venue for this alert: the alert's own exchange
// field wins, then the configured default, then dydxv4.
func (a *Alert) ExchangeKey(defaultKey string) string {
	key := strings.ToLower(strings.TrimSpace(a.Exchange))
	if key == "" {
		key = strings.ToLower(strings.TrimSpace(defaultKey))
	}
	if key == "" {
		key = "dydxv4"
	}
	return key
}

// SignalID identifies the logical signal for in-process execution dedup.
func (a *Alert) SignalID() string {
	return fmt.Sprintf("%s|%s|%d", a.Strategy, a.Market, a.Time)
}

// StoreKey identifies the alert in the persisted idempotency store.
func (a *Alert) StoreKey() string {
	return fmt.Sprintf("%s_%s_%d", a.Strategy, a.Market, a.Time)
}

// Desired returns the canonical target direction token. Legacy order-based
// alerts translate buy->LONG and sell->SHORT, with position "flat" winning.
func (a *Alert) Desired() (string, error) {
	if a.DesiredPosition != "" {
		switch strings.ToUpper(strings.TrimSpace(a.DesiredPosition)) {
		case PositionLong, "BUY":
			return PositionLong, nil
		case PositionShort, "SELL":
			return PositionShort, nil
		case PositionFlat:
			return PositionFlat, nil
		}
		return "", fmt.Errorf("%w: desired_position must be LONG, SHORT or FLAT", ErrInvalid)
	}
	if strings.EqualFold(a.Position, "flat") {
		return PositionFlat, nil
	}
	switch strings.ToLower(strings.TrimSpace(a.Order)) {
	case "buy":
		return PositionLong, nil
	case "sell":
		return PositionShort, nil
	}
	return "", fmt.Errorf("%w: desired_position is required", ErrInvalid)
}

// Validate checks the alert's structure and the shared passphrase. An empty
// configured passphrase disables the check, matching the original connector.
func (a *Alert) Validate(passphrase string) error {
	if passphrase != "" {
		if a.Passphrase == "" {
			return fmt.Errorf("%w: passphrase is missing", ErrInvalid)
		}
		if a.Passphrase != passphrase {
			return fmt.Errorf("%w: passphrase does not match", ErrInvalid)
		}
	}
	if strings.TrimSpace(a.Strategy) == "" {
		return fmt.Errorf("%w: strategy is required", ErrInvalid)
	}
	if strings.TrimSpace(a.Market) == "" {
		return fmt.Errorf("%w: market is required", ErrInvalid)
	}
	if a.DesiredPosition != "" {
		if _, err := a.Desired(); err != nil {
			return err
		}
		return nil
	}
	return a.validateLegacy()
}

func (a *Alert) validateLegacy() error {
	if a.Order != "buy" && a.Order != "sell" {
		return fmt.Errorf("%w: order must be buy or sell", ErrInvalid)
	}
	switch a.Position {
	case "long", "short", "flat":
	default:
		return fmt.Errorf("%w: position must be long, short or flat", ErrInvalid)
	}
	if a.Reverse == nil {
		return fmt.Errorf("%w: reverse must be a boolean", ErrInvalid)
	}
	return nil
}

// ClientOrderID derives the primary entry order's client id from the alert's
// identity, so a retried submission of the same logical order is recognized by
// the exchange instead of creating a duplicate. Matches the original scheme:
// first 8 hex chars of sha256("strategy|market|time|side") as a uint32.
func (a *Alert) ClientOrderID(side string) string {
	raw := fmt.Sprintf("%s|%s|%d|%s", a.Strategy, a.Market, a.Time, side)
	sum := sha256.Sum256([]byte(raw))
	val, err := strconv.ParseUint(hex.EncodeToString(sum[:4]), 16, 64)
	if err != nil {
		return hex.EncodeToString(sum[:4])
	}
	return strconv.FormatUint(val, 10)
}
