package migrate

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// DefaultDir is where the jobs schema migrations live relative to the
// process working directory.
const DefaultDir = "db/migrations"

// Run applies every pending migration in dir (DefaultDir when empty)
// with goose. It opens its own short-lived handle rather than borrowing
// the store's pool, so a failed migration never poisons live queries.
func Run(dsn, dir string) error {
	if dir == "" {
		dir = DefaultDir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("apply migrations from %s: %w", dir, err)
	}
	return nil
}

// Status reports the applied/pending state of each migration in dir,
// for the ops CLI.
func Status(dsn, dir string) error {
	if dir == "" {
		dir = DefaultDir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Status(db, dir); err != nil {
		return fmt.Errorf("migration status from %s: %w", dir, err)
	}
	return nil
}
