package postgres

import (
	"context"
	"database/sql"
	"embed"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return errors.Wrap(err, "[postgres.Migrate] goose dialect")
	}
	if err := gooseUpContext(ctx, db, "migrations"); err != nil {
		return errors.Wrap(err, "[postgres.Migrate] goose up")
	}
	return nil
}

// Open connects a pool to dsn and brings the schema up to date.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "[postgres.Open] connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "[postgres.Open] ping")
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := Migrate(ctx, db); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
