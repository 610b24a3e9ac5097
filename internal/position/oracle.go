package position

import (
	"context"
	"math"
	"time"

	"tv-connector/internal/gateway"
)

const sizeEpsilon = 1e-9

// Snapshot is the canonical view of one market's position: positive long,
// negative short, zero flat. Always derived fresh from the gateway, never
// cached; the exchange is the only source of truth.
type Snapshot struct {
	Market     string
	SignedSize float64
	EntryPrice float64

	createdAt time.Time
}

func (s Snapshot) Flat() bool {
	return math.Abs(s.SignedSize) <= sizeEpsilon
}

// Current queries the gateway for the market's position records and reduces
// them to a snapshot. Historical/closed entries carry zero size and are
// ignored; of the remaining records the most recent by creation order wins.
// An empty or missing list means flat. No side effects; safe to poll.
func Current(ctx context.Context, gw gateway.Gateway, market string) (Snapshot, error) {
	records, err := gw.Positions(ctx, market)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Market: market}
	found := false
	for _, rec := range records {
		if rec.Market != "" && rec.Market != market {
			continue
		}
		if math.Abs(rec.Size) <= sizeEpsilon {
			continue
		}
		if !found || rec.CreatedAt.After(snap.createdAt) {
			snap.SignedSize = rec.Size
			snap.EntryPrice = rec.EntryPrice
			snap.createdAt = rec.CreatedAt
			found = true
		}
	}
	return snap, nil
}
