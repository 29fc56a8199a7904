package store

import "strings"

// engine identifies the single backing relational engine chosen at startup.
type engine string

const (
	enginePostgres engine = "postgres"
	engineSQLite   engine = "sqlite3"
)

// detectEngine inspects the connection string exactly once, the way the
// teacher's database.Manager dispatches CreateDatabase by URL scheme.
// Anything that isn't recognizably a Postgres DSN is treated as a SQLite
// path or DSN — the kernel assumes exactly one transactional relational
// engine is configured, never both.
func detectEngine(dsn string) engine {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return enginePostgres
	}
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return enginePostgres
	}
	return engineSQLite
}

// sqliteDSN strips a sqlite:// prefix if present, leaving a bare file path,
// matching how golang-migrate's sqlite3 driver and glebarez/sqlite both
// expect a plain path rather than a URL.
func sqliteDSN(dsn string) string {
	trimmed := dsn
	for _, prefix := range []string{"sqlite://", "sqlite3://", "file://"} {
		if strings.HasPrefix(strings.ToLower(trimmed), prefix) {
			trimmed = trimmed[len(prefix):]
			break
		}
	}
	return trimmed
}
