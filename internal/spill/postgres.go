package spill

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/venndor/marketgate/db"
	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

// PostgresConfig configures the Postgres spill sink.
type PostgresConfig struct {
	DSN          string
	MaxConns     int32
	WriteTimeout time.Duration
}

func (c PostgresConfig) normalize() PostgresConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// PostgresSink writes spilled envelopes to the spill_envelopes table.
type PostgresSink struct {
	cfg  PostgresConfig
	pool *pgxpool.Pool
}

// NewPostgresSink applies pending migrations and opens the connection pool.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	cfg = cfg.normalize()
	if cfg.DSN == "" {
		return nil, errs.New("spill/postgres", errs.KindInternal, errs.CodeInvalid,
			errs.WithMessage("spill store DSN required"))
	}
	if err := runMigrations(cfg.DSN); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.New("spill/postgres", errs.KindInternal, errs.CodeInvalid,
			errs.WithMessage("parse spill store DSN"), errs.WithCause(err))
	}
	poolCfg.MaxConns = cfg.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.New("spill/postgres", errs.KindConnection, errs.CodeConnect,
			errs.WithMessage("open spill store pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("spill/postgres", errs.KindConnection, errs.CodeConnect,
			errs.WithMessage("ping spill store"), errs.WithCause(err))
	}
	return &PostgresSink{cfg: cfg, pool: pool}, nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(db.Migrations, "migrations")
	if err != nil {
		return errs.New("spill/postgres", errs.KindInternal, errs.CodeInvalid,
			errs.WithMessage("load embedded migrations"), errs.WithCause(err))
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New("spill/postgres", errs.KindConnection, errs.CodeConnect,
			errs.WithMessage("open migration connection"), errs.WithCause(err))
	}
	defer sqlDB.Close()

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return errs.New("spill/postgres", errs.KindConnection, errs.CodeConnect,
			errs.WithMessage("init migration driver"), errs.WithCause(err))
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errs.New("spill/postgres", errs.KindInternal, errs.CodeInvalid,
			errs.WithMessage("init migrator"), errs.WithCause(err))
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errs.New("spill/postgres", errs.KindInternal, errs.CodeConflict,
			errs.WithMessage("apply migrations"), errs.WithCause(err))
	}
	return nil
}

// Spill batch-inserts the envelopes.
func (s *PostgresSink) Spill(ctx context.Context, envs []*schema.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, env := range envs {
		if env == nil || env.Record == nil {
			continue
		}
		body, err := json.Marshal(env)
		if err != nil {
			return errs.New("spill/postgres", errs.KindInternal, errs.CodeInvalid,
				errs.WithMessage("marshal envelope"), errs.WithCause(err))
		}
		batch.Queue(`INSERT INTO spill_envelopes
			(id, source, exchange, symbol, data_type, priority, envelope, queued_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			env.ID, env.Source, env.Metadata.Exchange, env.Metadata.Symbol,
			string(env.Metadata.DataType), int16(env.Metadata.Priority), body, env.QueuedAt)
	}

	results := s.pool.SendBatch(writeCtx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return errs.New("spill/postgres", errs.KindConnection, errs.CodeNetwork,
				errs.WithMessage("insert spilled envelope"), errs.WithCause(err),
				errs.WithRetryable(true))
		}
	}
	observability.Telemetry().IncCounter("spill_written", float64(batch.Len()), nil)
	return nil
}

// Drain replays up to limit spilled envelopes in spill order, deleting each
// batch only after fn accepts it.
func (s *PostgresSink) Drain(ctx context.Context, limit int, fn func(*schema.Envelope) error) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, envelope FROM spill_envelopes ORDER BY spilled_at ASC LIMIT $1`, limit)
	if err != nil {
		return 0, errs.New("spill/postgres", errs.KindConnection, errs.CodeNetwork,
			errs.WithMessage("query spilled envelopes"), errs.WithCause(err))
	}
	defer rows.Close()

	var ids []string
	var envs []*schema.Envelope
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return 0, errs.New("spill/postgres", errs.KindConnection, errs.CodeNetwork,
				errs.WithMessage("scan spilled envelope"), errs.WithCause(err))
		}
		var env schema.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return 0, errs.New("spill/postgres", errs.KindParsing, errs.CodeInvalid,
				errs.WithMessage("decode spilled envelope"), errs.WithCause(err),
				errs.WithField("id", id))
		}
		ids = append(ids, id)
		envs = append(envs, &env)
	}
	if err := rows.Err(); err != nil {
		return 0, errs.New("spill/postgres", errs.KindConnection, errs.CodeNetwork,
			errs.WithMessage("iterate spilled envelopes"), errs.WithCause(err))
	}

	delivered := 0
	for i, env := range envs {
		if err := fn(env); err != nil {
			break
		}
		delivered = i + 1
	}
	if delivered == 0 {
		return 0, nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM spill_envelopes WHERE id = ANY($1)`, ids[:delivered]); err != nil {
		return delivered, errs.New("spill/postgres", errs.KindConnection, errs.CodeNetwork,
			errs.WithMessage("delete drained envelopes"), errs.WithCause(err))
	}
	return delivered, nil
}

// Count returns the number of spilled envelopes awaiting replay.
func (s *PostgresSink) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM spill_envelopes`).Scan(&count); err != nil {
		return 0, errs.New("spill/postgres", errs.KindConnection, errs.CodeNetwork,
			errs.WithMessage("count spilled envelopes"), errs.WithCause(err))
	}
	return count, nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

var _ Sink = (*PostgresSink)(nil)
