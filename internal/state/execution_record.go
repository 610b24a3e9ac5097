package state

import (
	"context"
	"encoding/json"
	"strings"
)

const lastExecutionKeyPrefix = "exec:last:"

// ExecutionRecord is the persisted outcome of the most recent reconciliation
// for one market. Kept for operator inspection across restarts; never read on
// the execution path.
type ExecutionRecord struct {
	Strategy    string  `json:"strategy"`
	Market      string  `json:"market"`
	Exchange    string  `json:"exchange"`
	Target      float64 `json:"target"`
	Final       float64 `json:"final"`
	Attempts    int     `json:"attempts"`
	Converged   bool    `json:"converged"`
	Outcome     string  `json:"outcome"`
	UpdatedAtMS int64   `json:"updated_at_ms"`
}

func lastExecutionKey(market string) string {
	return lastExecutionKeyPrefix + market
}

func LoadLastExecution(ctx context.Context, store Store, market string) (ExecutionRecord, bool, error) {
	if store == nil {
		return ExecutionRecord{}, false, nil
	}
	raw, ok, err := store.Get(ctx, lastExecutionKey(market))
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return ExecutionRecord{}, false, nil
	}
	var rec ExecutionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return ExecutionRecord{}, false, err
	}
	return rec, true, nil
}

func SaveLastExecution(ctx context.Context, store Store, rec ExecutionRecord) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, lastExecutionKey(rec.Market), string(payload))
}
