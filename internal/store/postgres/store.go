// Package postgres implements monitor.Store on Postgres. Each record is kept
// as a JSONB document next to the handful of columns the pipeline filters on.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/socialwatch/sentinel/internal/monitor"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Config controls the connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is the Postgres-backed monitor.Store.
type Store struct {
	pool Pool
	now  func() time.Time
}

var _ monitor.Store = (*Store)(nil)

// New connects to Postgres and optionally applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewWithPool(pool)
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return persistence("apply schema", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, monitor.ErrPersistence, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func decode[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode document: %w", err)
	}
	return v, nil
}

// getDoc loads one document by primary key.
func getDoc[T any](ctx context.Context, pool Pool, table, id string) (T, error) {
	var (
		zero T
		raw  []byte
	)
	err := pool.QueryRow(ctx, "SELECT doc FROM "+table+" WHERE id = $1", id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, fmt.Errorf("%s %s: %w", table, id, monitor.ErrNotFound)
	}
	if err != nil {
		return zero, persistence("select "+table, err)
	}
	return decode[T](raw)
}

// listDocs runs a query returning a single doc column.
func listDocs[T any](ctx context.Context, pool Pool, sql string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistence("query", err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, persistence("scan", err)
		}
		v, err := decode[T](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("iterate rows", err)
	}
	return out, nil
}

// mutate locks a row, applies fn to its decoded document and writes it back
// with write, all inside one transaction.
func mutate[T any](
	ctx context.Context,
	pool Pool,
	table, id string,
	fn func(*T) error,
	write func(ctx context.Context, tx pgx.Tx, v T, doc []byte) error,
) (T, error) {
	var zero T
	tx, err := pool.Begin(ctx)
	if err != nil {
		return zero, persistence("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var raw []byte
	err = tx.QueryRow(ctx, "SELECT doc FROM "+table+" WHERE id = $1 FOR UPDATE", id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, fmt.Errorf("%s %s: %w", table, id, monitor.ErrNotFound)
	}
	if err != nil {
		return zero, persistence("lock "+table, err)
	}
	v, err := decode[T](raw)
	if err != nil {
		return zero, err
	}
	if err := fn(&v); err != nil {
		return v, err
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encode document: %w", err)
	}
	if err := write(ctx, tx, v, doc); err != nil {
		return zero, persistence("update "+table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, persistence("commit", err)
	}
	committed = true
	return v, nil
}
