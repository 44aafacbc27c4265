// Package timescale writes hedge fills and cycles to Postgres/TimescaleDB off
// the trading path.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dn-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Fill struct {
	Time      time.Time
	CycleID   string
	Venue     string
	Side      string
	Price     float64
	Quantity  float64
	OrderType string
	Mode      string
}

type Cycle struct {
	Started       time.Time
	Finished      time.Time
	ID            string
	Seq           int64
	Phase         string
	Side          string
	PrimaryVenue  string
	HedgeVenue    string
	Quantity      float64
	PrimaryPrice  float64
	HedgePrice    float64
	PnL           float64
	CumulativePnL float64
	Outcome       string
}

// execer is the subset of *sql.DB the writer uses.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	db         execer
	closer     func() error
	log        *zap.Logger
	schema     string
	fills      chan Fill
	cycles     chan Cycle
	started    atomic.Bool
	dropFill   atomic.Uint64
	dropCycle  atomic.Uint64
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeError error
}

// New returns nil, nil when the writer is disabled; every method is nil-safe.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	writer.closer = db.Close
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db execer, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		fills:  make(chan Fill, queueSize),
		cycles: make(chan Cycle, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the run loop (cancel its context first), then drains queued
// rows with a fresh timeout and closes the pool.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		w.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 2*writeTimeout)
		w.drain(ctx)
		cancel()
		if w.closer != nil {
			w.closeError = w.closer()
		}
	})
	return w.closeError
}

func (w *Writer) EnqueueFill(fill Fill) {
	if w == nil {
		return
	}
	select {
	case w.fills <- fill:
	default:
		if w.dropFill.Add(1) == 1 {
			w.log.Warn("timescale fill queue full")
		}
	}
}

func (w *Writer) EnqueueCycle(cycle Cycle) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- cycle:
	default:
		if w.dropCycle.Add(1) == 1 {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

func (w *Writer) Dropped() (fills, cycles uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropFill.Load(), w.dropCycle.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill := <-w.fills:
			w.writeFill(ctx, fill)
		case cycle := <-w.cycles:
			w.writeCycle(ctx, cycle)
		}
	}
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case fill := <-w.fills:
			w.writeFill(ctx, fill)
		case cycle := <-w.cycles:
			w.writeCycle(ctx, cycle)
		default:
			return
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		venue TEXT NOT NULL,
		side TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		order_type TEXT NOT NULL,
		mode TEXT NOT NULL
	)`, w.table("hedge_fills"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		cycle_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		phase TEXT NOT NULL,
		side TEXT NOT NULL,
		primary_venue TEXT NOT NULL,
		hedge_venue TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		primary_price DOUBLE PRECISION NOT NULL,
		hedge_price DOUBLE PRECISION NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		cumulative_pnl DOUBLE PRECISION NOT NULL,
		outcome TEXT NOT NULL
	)`, w.table("hedge_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"hedge_fills", "hedge_cycles"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeFill(ctx context.Context, fill Fill) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle_id, venue, side, price, quantity, order_type, mode
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("hedge_fills"))
	if _, err := w.db.ExecContext(ctx, query,
		fill.Time,
		fill.CycleID,
		fill.Venue,
		fill.Side,
		fill.Price,
		fill.Quantity,
		fill.OrderType,
		fill.Mode,
	); err != nil {
		w.log.Warn("timescale fill insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, cycle Cycle) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, started_at, cycle_id, seq, phase, side, primary_venue, hedge_venue,
		quantity, primary_price, hedge_price, pnl, cumulative_pnl, outcome
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, w.table("hedge_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		cycle.Finished,
		cycle.Started,
		cycle.ID,
		cycle.Seq,
		cycle.Phase,
		cycle.Side,
		cycle.PrimaryVenue,
		cycle.HedgeVenue,
		cycle.Quantity,
		cycle.PrimaryPrice,
		cycle.HedgePrice,
		cycle.PnL,
		cycle.CumulativePnL,
		cycle.Outcome,
	); err != nil {
		w.log.Warn("timescale cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
