// Package store provides the kernel's durable Metadata Store: sandboxes,
// executions, audit_events and rotation_outbox, backed by a single
// transactional relational engine selected at startup.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/glebarez/go-sqlite" // registers the pure-Go "sqlite" database/sql driver
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationRunner wraps golang-migrate against the embedded SQL migration
// set, grounded on the teacher's database.MigrationRunner but fed from
// embed.FS via the iofs source instead of a filesystem path, since the
// migrations ship inside the kernel binary.
type migrationRunner struct {
	m      *migrate.Migrate
	db     *sql.DB
	logger *log.Logger
}

func newMigrationRunner(dsn string) (*migrationRunner, error) {
	eng := detectEngine(dsn)

	logger := log.New(os.Stdout, "[store] ", log.LstdFlags)

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	var sqlDB *sql.DB
	var driver database.Driver
	var driverName string

	switch eng {
	case enginePostgres:
		sqlDB, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		driver, err = postgres.WithInstance(sqlDB, &postgres.Config{})
		if err != nil {
			return nil, fmt.Errorf("postgres migrate driver: %w", err)
		}
		driverName = "postgres"
	case engineSQLite:
		path := sqliteDSN(dsn)
		sqlDB, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		driver, err = sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
		if err != nil {
			return nil, fmt.Errorf("sqlite migrate driver: %w", err)
		}
		driverName = "sqlite3"
	default:
		return nil, fmt.Errorf("unsupported engine %q", eng)
	}

	m, err := migrate.NewWithInstance("iofs", src, driverName, driver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &migrationRunner{m: m, db: sqlDB, logger: logger}, nil
}

// run applies all pending migrations. ErrNoChange is swallowed: re-applying
// an already-migrated schema is tolerated per spec §4.F ("repeated
// application is tolerated").
func (r *migrationRunner) run() error {
	r.logger.Println("running database migrations...")
	err := r.m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Println("no migrations to apply - database is up to date")
		return nil
	}
	version, dirty, verErr := r.m.Version()
	if verErr != nil {
		r.logger.Println("migrations applied successfully")
		return nil
	}
	r.logger.Printf("migrations applied successfully, current version: %d (dirty: %v)", version, dirty)
	return nil
}

func (r *migrationRunner) close() error {
	srcErr, dbErr := r.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// Migrator exposes the embedded migration set to the cmd/migrate CLI,
// wrapping the same golang-migrate instance Open uses internally so the CLI
// and the kernel's own startup migration never drift apart.
type Migrator struct {
	r *migrationRunner
}

// OpenMigrator connects to dsn without opening a gorm session, for
// migration-only tooling.
func OpenMigrator(dsn string) (*Migrator, error) {
	r, err := newMigrationRunner(dsn)
	if err != nil {
		return nil, err
	}
	return &Migrator{r: r}, nil
}

func (m *Migrator) Close() error { return m.r.close() }

// Up applies every pending migration.
func (m *Migrator) Up() error { return m.r.run() }

// Down rolls back exactly one migration.
func (m *Migrator) Down() error {
	m.r.logger.Println("rolling back last migration...")
	if err := m.r.m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.r.logger.Println("no migrations to rollback")
			return nil
		}
		return fmt.Errorf("migrate down: %w", err)
	}
	version, dirty, _ := m.r.m.Version()
	m.r.logger.Printf("rollback completed, current version: %d (dirty: %v)", version, dirty)
	return nil
}

// DownAll rolls back every applied migration.
func (m *Migrator) DownAll() error {
	m.r.logger.Println("rolling back all migrations...")
	if err := m.r.m.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.r.logger.Println("no migrations to rollback")
			return nil
		}
		return fmt.Errorf("migrate down-all: %w", err)
	}
	m.r.logger.Println("all migrations rolled back")
	return nil
}

// Version reports the current schema version and dirty flag.
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = m.r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// To migrates forward or backward to an exact version.
func (m *Migrator) To(version uint) error {
	m.r.logger.Printf("migrating to version %d...", version)
	if err := m.r.m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate to %d: %w", version, err)
	}
	m.r.logger.Printf("successfully migrated to version %d", version)
	return nil
}

// Force sets the schema version without running any migration, for
// recovering from a dirty state left by a failed migration.
func (m *Migrator) Force(version int) error {
	m.r.logger.Printf("forcing migration version to %d...", version)
	if err := m.r.m.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	m.r.logger.Printf("version forced to %d", version)
	return nil
}
