package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	mdatabase "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration in migrations/ to db using
// golang-migrate's generic engine (spec's persisted-state table list, §6).
// golang-migrate ships database drivers for cgo sqlite3 only, so sqliteDriver
// below is a minimal database.Driver adapter over the already-open
// modernc.org/sqlite (pure Go, no cgo) connection — the same
// NewWithInstance wiring golang-migrate documents for any driver it doesn't
// ship out of the box.
func Migrate(ctx context.Context, db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventstore: migration source: %w", err)
	}
	drv := &sqliteDriver{db: db}
	m, err := migrate.NewWithInstance("iofs", src, "nanobot-sqlite", drv)
	if err != nil {
		return fmt.Errorf("eventstore: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("eventstore: migrate up: %w", err)
	}
	return nil
}

// sqliteDriver is a tiny golang-migrate database.Driver over *sql.DB backed
// by modernc.org/sqlite. It intentionally supports only what migrate's
// engine calls during NewWithInstance + Up(): Lock/Unlock are no-ops since
// Store already serializes writers via SetMaxOpenConns(1); Run executes raw
// migration SQL; {Set,}Version tracks progress in a one-row table.
type sqliteDriver struct {
	db *sql.DB
}

var _ mdatabase.Driver = (*sqliteDriver)(nil)

func (d *sqliteDriver) Open(url string) (mdatabase.Driver, error) { return d, nil }
func (d *sqliteDriver) Close() error                              { return nil }
func (d *sqliteDriver) Lock() error                               { return nil }
func (d *sqliteDriver) Unlock() error                             { return nil }

func (d *sqliteDriver) Run(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(string(b))
	return err
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
		return err
	}
	if _, err := d.db.Exec(`DELETE FROM schema_migrations`); err != nil {
		return err
	}
	_, err := d.db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty)
	return err
}

func (d *sqliteDriver) Version() (int, bool, error) {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
		return 0, false, err
	}
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err == sql.ErrNoRows {
		return -1, false, nil
	}
	return version, dirty, err
}

func (d *sqliteDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	for _, t := range tables {
		if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, t)); err != nil {
			return err
		}
	}
	return nil
}
