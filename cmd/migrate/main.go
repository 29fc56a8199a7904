// Command migrate is the kernel's standalone migration CLI, grounded on
// the teacher's cmd/migrate/main.go but repointed at internal/store's
// embedded migration set.
//
// Usage:
//
//	go run cmd/migrate/main.go up           # Apply all pending migrations
//	go run cmd/migrate/main.go down         # Rollback last migration
//	go run cmd/migrate/main.go down-all     # Rollback all migrations
//	go run cmd/migrate/main.go version      # Show current migration version
//	go run cmd/migrate/main.go to N         # Migrate to specific version N
//	go run cmd/migrate/main.go force N      # Force version to N (fix dirty state)
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"sandboxkernel/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("no .env file found, using environment variables")
		}
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	dsn := getEnv("db_dsn", "")
	if dsn == "" {
		dsn = getEnv("DB_DSN", "")
	}
	if dsn == "" {
		log.Fatal("db_dsn is required")
	}

	m, err := store.OpenMigrator(dsn)
	if err != nil {
		log.Fatalf("failed to open migrator: %v", err)
	}
	defer m.Close()

	switch command := os.Args[1]; command {
	case "up":
		runUp(m)
	case "down":
		runDown(m)
	case "down-all":
		runDownAll(m)
	case "version":
		showVersion(m)
	case "to":
		if len(os.Args) < 3 {
			log.Fatal("usage: migrate to <version>")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			log.Fatalf("invalid version number: %s", os.Args[2])
		}
		runTo(m, uint(version))
	case "force":
		if len(os.Args) < 3 {
			log.Fatal("usage: migrate force <version>")
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("invalid version number: %s", os.Args[2])
		}
		runForce(m, version)
	case "help":
		printUsage()
	default:
		log.Printf("unknown command: %s", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`
Sandbox Kernel Migration Tool

Usage:
  migrate <command> [arguments]

Commands:
  up              Apply all pending migrations
  down            Rollback the last migration
  down-all        Rollback all migrations (WARNING: deletes all data!)
  version         Show current migration version
  to <N>          Migrate to specific version N
  force <N>       Force version to N (use to fix dirty state)
  help            Show this help message

Environment Variables:
  db_dsn / DB_DSN    Database connection string (postgres://... or a sqlite path)

Migrations are embedded in the binary at build time; there is no
"create" command here, unlike a filesystem-backed migration tool.
`)
}

func runUp(m *store.Migrator) {
	log.Println("applying all pending migrations...")
	if err := m.Up(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("all migrations applied successfully")
}

func runDown(m *store.Migrator) {
	log.Println("rolling back last migration...")
	if err := m.Down(); err != nil {
		log.Fatalf("rollback failed: %v", err)
	}
	log.Println("rollback completed successfully")
}

func runDownAll(m *store.Migrator) {
	log.Println("WARNING: this will roll back ALL migrations and delete all data")
	log.Println("press Ctrl+C within 5 seconds to cancel...")
	time.Sleep(5 * time.Second)

	if err := m.DownAll(); err != nil {
		log.Fatalf("rollback all failed: %v", err)
	}
	log.Println("all migrations rolled back")
}

func showVersion(m *store.Migrator) {
	version, dirty, err := m.Version()
	if err != nil {
		log.Fatalf("failed to get version: %v", err)
	}

	fmt.Println("current migration status:")
	fmt.Printf("  version: %d\n", version)
	fmt.Printf("  dirty:   %v\n", dirty)

	if dirty {
		fmt.Println("\nWARNING: database is in a dirty state")
		fmt.Println("this usually means a migration failed halfway")
		fmt.Printf("use 'migrate force %d' to fix, then retry\n", version-1)
	}
}

func runTo(m *store.Migrator, version uint) {
	log.Printf("migrating to version %d...", version)
	if err := m.To(version); err != nil {
		log.Fatalf("migration to version %d failed: %v", version, err)
	}
	log.Printf("successfully migrated to version %d", version)
}

func runForce(m *store.Migrator, version int) {
	log.Printf("forcing migration version to %d...", version)
	log.Println("WARNING: this does not run any migrations, it only updates the version")
	if err := m.Force(version); err != nil {
		log.Fatalf("force failed: %v", err)
	}
	log.Printf("version forced to %d", version)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
