package engine

import (
	"context"
	"sync"
	"time"
)

// MarketLocks serializes reconciliations per market. Acquire blocks, polling
// with a short backoff, until the market is free; it never fails except on
// context cancellation.
type MarketLocks struct {
	mu   sync.Mutex
	busy map[string]bool

	poll  time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

func NewMarketLocks(poll time.Duration) *MarketLocks {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &MarketLocks{busy: make(map[string]bool), poll: poll, sleep: sleepCtx}
}

func (l *MarketLocks) Acquire(ctx context.Context, market string) error {
	for {
		l.mu.Lock()
		if !l.busy[market] {
			l.busy[market] = true
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		if err := l.sleep(ctx, l.poll); err != nil {
			return err
		}
	}
}

func (l *MarketLocks) Release(market string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, market)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
