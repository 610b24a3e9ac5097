package dedup

import (
	"context"
	"sync"

	"tv-connector/internal/alert"
	"tv-connector/internal/state"
)

const alertKeyPrefix = "alert:"

// Guard deduplicates signals at two independent levels: a persisted
// executed-alert store that survives restarts, and an in-process signal set
// guarding the engine entry point within one process lifetime.
type Guard struct {
	store state.Store

	mu       sync.Mutex
	executed map[string]struct{}
}

func NewGuard(store state.Store) *Guard {
	return &Guard{store: store, executed: make(map[string]struct{})}
}

// SeenAlert reports whether the alert was already marked in the persisted
// store. A nil store disables the persisted layer.
func (g *Guard) SeenAlert(ctx context.Context, a *alert.Alert) (bool, error) {
	if g.store == nil {
		return false, nil
	}
	_, ok, err := g.store.Get(ctx, alertKeyPrefix+a.StoreKey())
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MarkAlert records the alert as seen. Called before execution starts so a
// near-simultaneous duplicate delivery short-circuits; the trade-off is that
// an alert whose execution later fails stays marked and is not retried.
func (g *Guard) MarkAlert(ctx context.Context, a *alert.Alert) error {
	if g.store == nil {
		return nil
	}
	return g.store.Set(ctx, alertKeyPrefix+a.StoreKey(), "1")
}

// ClaimSignal atomically claims the signal id for execution. Returns false if
// the id was already claimed in this process.
func (g *Guard) ClaimSignal(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.executed[id]; ok {
		return false
	}
	g.executed[id] = struct{}{}
	return true
}
