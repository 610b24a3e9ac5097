// Package state persists the connector's small durable facts: processed
// alert keys and the last execution per market.
package state

import "context"

// Store is a string key/value surface. Callers namespace their keys
// ("alert:" for idempotency, "exec:last:" for execution records).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
