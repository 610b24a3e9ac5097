package hyperliquid

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

func TestFloatToWire(t *testing.T) {
	cases := []struct {
		in  float64
		out string
	}{
		{in: 1.23, out: "1.23"},
		{in: 0, out: "0"},
		{in: math.Copysign(0, -1), out: "0"},
		{in: 30000, out: "30000"},
	}
	for _, tc := range cases {
		got, err := floatToWire(tc.in)
		if err != nil {
			t.Fatalf("unexpected error for %f: %v", tc.in, err)
		}
		if got != tc.out {
			t.Fatalf("expected %s, got %s", tc.out, got)
		}
	}
	if _, err := floatToWire(1.234567891); err == nil {
		t.Fatalf("expected rounding error")
	}
}

func TestCloidFromClientID(t *testing.T) {
	if got := cloidFromClientID("42"); got != "0x0000000000000000000000000000002a" {
		t.Fatalf("unexpected numeric cloid: %s", got)
	}
	if got := cloidFromClientID("42"); got != cloidFromClientID("42") {
		t.Fatalf("numeric cloid must be stable")
	}
	passthrough := "0x0123456789abcdef0123456789abcdef"
	if got := cloidFromClientID(passthrough); got != passthrough {
		t.Fatalf("expected hex cloid passthrough, got %s", got)
	}
	uuidCloid := cloidFromClientID("3b2e9f1c-5a77-4a21-9d40-000000000001")
	if len(uuidCloid) != 34 || uuidCloid[:2] != "0x" {
		t.Fatalf("unexpected hashed cloid: %s", uuidCloid)
	}
	if got := cloidFromClientID(""); got != "" {
		t.Fatalf("expected empty cloid for empty id, got %s", got)
	}
}

func TestEncodeOrderActionDeterministic(t *testing.T) {
	order, err := LimitOrderWire(1, true, 2.5, 100.0, false, TifIoc, "")
	if err != nil {
		t.Fatalf("unexpected order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	b1, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	b2, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected deterministic encoding")
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["type"] != "order" {
		t.Fatalf("unexpected action type")
	}
	orders, ok := decoded["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected 1 order")
	}
	orderMap, ok := orders[0].(map[string]any)
	if !ok {
		t.Fatalf("expected order map")
	}
	if orderMap["p"] != "100" {
		t.Fatalf("expected price 100, got %v", orderMap["p"])
	}
	if orderMap["s"] != "2.5" {
		t.Fatalf("expected size 2.5, got %v", orderMap["s"])
	}
}

func TestEncodeStopOrderWire(t *testing.T) {
	order, err := StopOrderWire(3, false, 1.5, 0.000001, 29400, "0x0000000000000000000000000000002a")
	if err != nil {
		t.Fatalf("stop order wire error: %v", err)
	}
	if !order.ReduceOnly {
		t.Fatalf("stop orders must be reduce-only")
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	payload, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	orderMap := decoded["orders"].([]any)[0].(map[string]any)
	typeMap, ok := orderMap["t"].(map[string]any)
	if !ok {
		t.Fatalf("expected order type map")
	}
	trigger, ok := typeMap["trigger"].(map[string]any)
	if !ok {
		t.Fatalf("expected trigger order type, got %v", typeMap)
	}
	if trigger["triggerPx"] != "29400" || trigger["tpsl"] != "sl" || trigger["isMarket"] != true {
		t.Fatalf("unexpected trigger wire: %v", trigger)
	}
}

func TestEncodeCancelByCloidAction(t *testing.T) {
	action := CancelByCloidAction{
		Type:    "cancelByCloid",
		Cancels: []CancelByCloidWire{{Asset: 1, Cloid: "0x0000000000000000000000000000002a"}},
	}
	payload, err := EncodeCancelByCloidAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["type"] != "cancelByCloid" {
		t.Fatalf("unexpected action type: %v", decoded["type"])
	}
	cancels := decoded["cancels"].([]any)
	if len(cancels) != 1 {
		t.Fatalf("expected 1 cancel")
	}
}

func TestSignerRecover(t *testing.T) {
	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	order, err := LimitOrderWire(1, true, 2.5, 100.0, false, TifIoc, "")
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	payload, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	nonce := uint64(1700000000000)
	sig, err := signer.SignAction(payload, nonce)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	digest, err := typedDataHash(actionHash(payload, nonce), true)
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	sigBytes, err := signatureBytes(sig)
	if err != nil {
		t.Fatalf("signature bytes error: %v", err)
	}
	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		t.Fatalf("recover error: %v", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	if recovered != signer.Address() {
		t.Fatalf("expected %s, got %s", signer.Address().Hex(), recovered.Hex())
	}
}

func signatureBytes(sig Signature) ([]byte, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return nil, err
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return nil, err
	}
	if len(r) != 32 || len(s) != 32 {
		return nil, errors.New("unexpected signature length")
	}
	v := sig.V - 27
	if v < 0 || v > 1 {
		return nil, errors.New("unexpected signature v")
	}
	out := append(append([]byte{}, r...), s...)
	out = append(out, byte(v))
	return out, nil
}
