// Package migrations carries the production store's ordered, immutable
// schema changes (spec.md §6: "migrations are ordered and immutable") and
// applies them through pressly/goose/v3 against an embed.FS of ordered
// SQL files.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/chengis/chengis/internal/cherrors"
)

//go:embed *.sql
var files embed.FS

// Up applies every pending migration against dsn, in order, and returns
// once the database is at the latest version. It opens its own short-lived
// *sql.DB over pgx's database/sql adapter rather than reusing the store's
// pgxpool.Pool, since goose's driver needs a database/sql.DB and migrations
// only run once at boot (or from the CLI's migrate subcommand), not on the
// hot path.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeStorageContention, "open migration connection", err)
	}
	defer db.Close()

	goose.SetBaseFS(files)
	if err := goose.SetDialect("postgres"); err != nil {
		return cherrors.Wrap(cherrors.CodeStorageContention, "set goose dialect", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return cherrors.Wrap(cherrors.CodeStorageContention, "apply migrations", err)
	}
	return nil
}

// Status reports the applied/pending state without changing anything, for
// the CLI's `migrate status` subcommand.
func Status(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeStorageContention, "open migration connection", err)
	}
	defer db.Close()

	goose.SetBaseFS(files)
	if err := goose.SetDialect("postgres"); err != nil {
		return cherrors.Wrap(cherrors.CodeStorageContention, "set goose dialect", err)
	}
	return goose.StatusContext(ctx, db, ".")
}
