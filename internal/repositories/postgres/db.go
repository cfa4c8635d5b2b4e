package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mobishop/api/internal/platform/config"
	"github.com/mobishop/api/internal/repositories"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	price BIGINT NOT NULL DEFAULT 0,
	stock INT NOT NULL DEFAULT 0 CHECK (stock >= 0),
	category TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	items JSONB NOT NULL,
	buyer JSONB NOT NULL,
	total BIGINT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	payment_preference_id TEXT NOT NULL DEFAULT '',
	payment_charge_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	paid_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS orders_created_idx ON orders (created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS processed_events (
	key TEXT PRIMARY KEY,
	notification_id TEXT NOT NULL,
	notification_type TEXT NOT NULL,
	provider TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS processed_events_expires_idx ON processed_events (expires_at);
`

type txKey struct{}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Registry is the Postgres-backed repository set. Transactions are carried on the context.
type Registry struct {
	db       *sql.DB
	products *ProductRepository
	orders   *OrderRepository
	events   *ProcessedEventRepository
}

var _ repositories.Registry = (*Registry)(nil)

// Open connects with lib/pq, verifies the connection and applies the schema.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Registry, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres registry: dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres registry: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres registry: migrate: %w", err)
	}
	return NewRegistry(db), nil
}

// NewRegistry wraps an existing pool. The schema must already exist.
func NewRegistry(db *sql.DB) *Registry {
	r := &Registry{db: db}
	r.products = &ProductRepository{registry: r}
	r.orders = &OrderRepository{registry: r}
	r.events = &ProcessedEventRepository{registry: r}
	return r
}

func (r *Registry) Products() repositories.ProductRepository               { return r.products }
func (r *Registry) Orders() repositories.OrderRepository                   { return r.orders }
func (r *Registry) ProcessedEvents() repositories.ProcessedEventRepository { return r.events }

// RunInTx opens a transaction, or joins the one already on ctx.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("postgres.begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("postgres.commit", err)
	}
	return nil
}

func (r *Registry) SupportsTransactions(context.Context) bool { return true }

func (r *Registry) Ping(ctx context.Context) error {
	return classify("postgres.ping", r.db.PingContext(ctx))
}

func (r *Registry) Close(context.Context) error {
	return r.db.Close()
}

func (r *Registry) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// classify maps driver errors onto repository error categories.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &repositories.Error{Op: op, Err: err, NotFound: true}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23", "40":
			return repositories.NewConflict(op, err)
		case "08", "53", "57":
			return repositories.NewUnavailable(op, err)
		}
		return &repositories.Error{Op: op, Err: err}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return repositories.NewUnavailable(op, err)
	}
	return &repositories.Error{Op: op, Err: err}
}
