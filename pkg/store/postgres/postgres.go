// Package postgres is the durable ChallengeStore backing for multi-node
// deployments: a pgx/v5 pool plus a golang-migrate/iofs embedded migration
// set, selected by cmd/server whenever DATABASE_URL is configured. The
// in-memory store (pkg/challenge.MemoryStore) remains the default for a
// single-node deployment.
package postgres

import (
	"context"
	"embed"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jpillora/backoff"

	"github.com/veriproof/engine/pkg/common"
)

const (
	migrationsTable                 = "schema_migrations"
	migrationsSchema                = "public"
	idleInTransactionSessionTimeout = 10 * time.Second
	statementTimeout                = 10 * time.Second
)

var errConnectionTimeout = errors.New("postgres: connection timed out")

//go:embed migrations/*.sql
var migrationsFS embed.FS

type queryTracer struct{}

func (queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	slog.Log(ctx, common.LevelTrace, "Starting SQL command", "sql", data.SQL, "args", data.Args, "source", "postgres")
	return context.WithValue(ctx, common.TimeContextKey, time.Now())
}

func (queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		slog.Log(ctx, common.LevelTrace, "SQL command failed", common.ErrAttr(data.Err), "source", "postgres")
		return
	}
	start, ok := ctx.Value(common.TimeContextKey).(time.Time)
	if !ok {
		start = time.Now()
	}
	slog.Log(ctx, common.LevelTrace, "SQL command finished", "source", "postgres", "duration", time.Since(start).Milliseconds())
}

// Connect builds a pgxpool.Pool from the DATABASE_URL config key, retrying
// until timeout since the database may still be starting up alongside this
// process in a fresh deployment.
func Connect(ctx context.Context, cfg common.ConfigStore, timeout time.Duration) (*pgxpool.Pool, error) {
	dbURL := cfg.Get(common.DatabaseURLKey).Value()

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to parse Postgres URL", common.ErrAttr(err))
		return nil, err
	}

	poolConfig.ConnConfig.Tracer = queryTracer{}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "veriproof-engine"
	poolConfig.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] =
		strconv.Itoa(int(idleInTransactionSessionTimeout.Milliseconds()))
	poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
		strconv.Itoa(int(statementTimeout.Milliseconds()))

	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errConnectionTimeout
		case <-time.After(b.Duration()):
			pool, perr := pgxpool.NewWithConfig(ctx, poolConfig)
			if perr == nil {
				return pool, nil
			}
			slog.ErrorContext(ctx, "Failed to create pgxpool", common.ErrAttr(perr))
		}
	}
}

// Migrate applies (or rolls back) the embedded challenges-table migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool, up bool) error {
	db := stdlib.OpenDBFromPool(pool)

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		slog.ErrorContext(ctx, "Failed to read embedded migrations", common.ErrAttr(err))
		return err
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{
		MigrationsTable: migrationsTable,
		SchemaName:      migrationsSchema,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to create migrate driver", common.ErrAttr(err))
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to create migration engine", common.ErrAttr(err))
		return err
	}
	defer func() {
		srcErr, dstErr := m.Close()
		if srcErr != nil {
			slog.ErrorContext(ctx, "Migration source error on close", common.ErrAttr(srcErr))
		}
		if dstErr != nil {
			slog.ErrorContext(ctx, "Migration destination error on close", common.ErrAttr(dstErr))
		}
	}()

	if up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		slog.ErrorContext(ctx, "Failed to run migrations", "up", up, common.ErrAttr(err))
		return err
	}

	return nil
}
