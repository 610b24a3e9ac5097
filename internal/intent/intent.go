package intent

import (
	"context"
	"fmt"
	"math"

	"tv-connector/internal/alert"
)

// EquityFunc reports the account's current equity in USD. Only invoked when
// the alert sizes by leverage.
type EquityFunc func(ctx context.Context) (float64, error)

// Resolve turns an alert into a target signed size, independent of current
// exchange state. Size basis precedence when several fields are set: explicit
// size first, then sizeUsd (notional / price), then sizeByLeverage
// (equity * leverage / price). FLAT always resolves to zero.
func Resolve(ctx context.Context, a *alert.Alert, equity EquityFunc) (float64, error) {
	desired, err := a.Desired()
	if err != nil {
		return 0, err
	}
	if desired == alert.PositionFlat {
		return 0, nil
	}
	magnitude, err := magnitude(ctx, a, equity)
	if err != nil {
		return 0, err
	}
	if desired == alert.PositionShort {
		return -magnitude, nil
	}
	return magnitude, nil
}

func magnitude(ctx context.Context, a *alert.Alert, equity EquityFunc) (float64, error) {
	if a.Size > 0 {
		return math.Abs(a.Size), nil
	}
	if a.SizeUSD > 0 {
		if a.Price <= 0 {
			return 0, fmt.Errorf("%w: sizeUsd requires a positive price", alert.ErrInvalid)
		}
		return a.SizeUSD / a.Price, nil
	}
	if a.SizeByLeverage > 0 {
		if a.Price <= 0 {
			return 0, fmt.Errorf("%w: sizeByLeverage requires a positive price", alert.ErrInvalid)
		}
		if equity == nil {
			return 0, fmt.Errorf("%w: sizeByLeverage requires account equity", alert.ErrInvalid)
		}
		eq, err := equity(ctx)
		if err != nil {
			return 0, err
		}
		return eq * a.SizeByLeverage / a.Price, nil
	}
	return 0, fmt.Errorf("%w: one of size, sizeUsd or sizeByLeverage is required", alert.ErrInvalid)
}
