package hyperliquid

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Action encoding must be byte-for-byte deterministic because the signature
// covers the msgpack payload; field order follows the reference client.

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("type"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(action.Type); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("orders"); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(action.Orders)); err != nil {
		return nil, err
	}
	for _, order := range action.Orders {
		if err := encodeOrderWire(enc, order); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeString("grouping"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(action.Grouping); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeCancelByCloidAction(action CancelByCloidAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(2); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("type"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(action.Type); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("cancels"); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(action.Cancels)); err != nil {
		return nil, err
	}
	for _, cancel := range action.Cancels {
		if err := encodeCancelByCloidWire(enc, cancel); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeOrderWire(enc *msgpack.Encoder, order OrderWire) error {
	mapLen := 6
	if order.Cloid != "" {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return err
	}
	if err := enc.EncodeString("a"); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(order.Asset)); err != nil {
		return err
	}
	if err := enc.EncodeString("b"); err != nil {
		return err
	}
	if err := enc.EncodeBool(order.IsBuy); err != nil {
		return err
	}
	if err := enc.EncodeString("p"); err != nil {
		return err
	}
	if err := enc.EncodeString(order.Price); err != nil {
		return err
	}
	if err := enc.EncodeString("s"); err != nil {
		return err
	}
	if err := enc.EncodeString(order.Size); err != nil {
		return err
	}
	if err := enc.EncodeString("r"); err != nil {
		return err
	}
	if err := enc.EncodeBool(order.ReduceOnly); err != nil {
		return err
	}
	if err := enc.EncodeString("t"); err != nil {
		return err
	}
	if err := encodeOrderTypeWire(enc, order.OrderType); err != nil {
		return err
	}
	if order.Cloid != "" {
		if err := enc.EncodeString("c"); err != nil {
			return err
		}
		if err := enc.EncodeString(order.Cloid); err != nil {
			return err
		}
	}
	return nil
}

func encodeCancelByCloidWire(enc *msgpack.Encoder, cancel CancelByCloidWire) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString("asset"); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(cancel.Asset)); err != nil {
		return err
	}
	if err := enc.EncodeString("cloid"); err != nil {
		return err
	}
	return enc.EncodeString(cancel.Cloid)
}

func encodeOrderTypeWire(enc *msgpack.Encoder, orderType OrderTypeWire) error {
	switch {
	case orderType.Limit != nil:
		if err := enc.EncodeMapLen(1); err != nil {
			return err
		}
		if err := enc.EncodeString("limit"); err != nil {
			return err
		}
		if err := enc.EncodeMapLen(1); err != nil {
			return err
		}
		if err := enc.EncodeString("tif"); err != nil {
			return err
		}
		return enc.EncodeString(string(orderType.Limit.Tif))
	case orderType.Trigger != nil:
		if err := enc.EncodeMapLen(1); err != nil {
			return err
		}
		if err := enc.EncodeString("trigger"); err != nil {
			return err
		}
		if err := enc.EncodeMapLen(3); err != nil {
			return err
		}
		if err := enc.EncodeString("isMarket"); err != nil {
			return err
		}
		if err := enc.EncodeBool(orderType.Trigger.IsMarket); err != nil {
			return err
		}
		if err := enc.EncodeString("triggerPx"); err != nil {
			return err
		}
		if err := enc.EncodeString(orderType.Trigger.TriggerPx); err != nil {
			return err
		}
		if err := enc.EncodeString("tpsl"); err != nil {
			return err
		}
		return enc.EncodeString(orderType.Trigger.Tpsl)
	default:
		return errors.New("limit or trigger order type required")
	}
}
