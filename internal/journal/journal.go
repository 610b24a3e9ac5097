package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tv-connector/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Execution is one reconciliation outcome as written to the journal table.
type Execution struct {
	Time      time.Time
	Strategy  string
	Market    string
	Exchange  string
	Target    float64
	Final     float64
	Attempts  int
	Converged bool
	Outcome   string
}

// Writer records executions to Postgres/Timescale asynchronously. Enqueue
// never blocks the webhook path; when the queue is full the execution is
// dropped and counted. A nil Writer is valid and does nothing, so callers can
// wire it unconditionally.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	table   string
	queue   chan Execution
	started atomic.Bool
	dropped atomic.Uint64
}

func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "signal_executions"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := &Writer{
		db:    db,
		log:   log,
		table: table,
		queue: make(chan Execution, 256),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) Enqueue(exec Execution) {
	if w == nil {
		return
	}
	if exec.Time.IsZero() {
		exec.Time = time.Now().UTC()
	}
	select {
	case w.queue <- exec:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal queue full, dropping executions")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case exec := <-w.queue:
			w.write(ctx, exec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy TEXT NOT NULL,
		market TEXT NOT NULL,
		exchange TEXT NOT NULL,
		target DOUBLE PRECISION NOT NULL,
		final DOUBLE PRECISION NOT NULL,
		attempts INTEGER NOT NULL,
		converged BOOLEAN NOT NULL,
		outcome TEXT NOT NULL
	)`, w.table)); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table)); err != nil && w.log != nil {
		w.log.Warn("journal hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) write(ctx context.Context, exec Execution) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy, market, exchange, target, final, attempts, converged, outcome
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table)
	if _, err := w.db.ExecContext(ctx, query,
		exec.Time,
		exec.Strategy,
		exec.Market,
		exec.Exchange,
		exec.Target,
		exec.Final,
		exec.Attempts,
		exec.Converged,
		exec.Outcome,
	); err != nil && w.log != nil {
		w.log.Warn("journal insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}
