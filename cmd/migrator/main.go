// Package main provides the database migration CLI tool for Wareflow.
//
// Migrations are embedded into the binary, supporting up/down/status/version
// commands for zero-config deployment.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/wareflow-io/wareflow/internal/config"
	"github.com/wareflow-io/wareflow/migrations"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "wareflow-migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	databaseURL := config.GetEnvStr("DATABASE_URL", "")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	defer func() {
		_ = db.Close()
	}()

	m, err := migrations.New(db, config.GetEnvStr("MIGRATION_TABLE", ""))
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}

	if err := executeCommand(flag.Arg(0), m); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// executeCommand runs the specified migration command.
func executeCommand(command string, m *migrate.Migrate) error {
	switch command {
	case "up":
		if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("Schema is already up to date.")

			return nil
		} else if err != nil {
			return err
		}

		fmt.Println("Migrations applied.")

		return nil
	case "down":
		if err := m.Steps(-1); err != nil {
			return err
		}

		fmt.Println("Rolled back one migration.")

		return nil
	case "status", "version":
		return printStatus(m)
	case "drop":
		fmt.Print("WARNING: This will drop all tables. Are you sure? (y/N): ")

		var response string

		_, _ = fmt.Scanln(&response)

		if response == "y" || response == "Y" {
			return m.Drop()
		}

		fmt.Println("Operation cancelled.")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printStatus prints the current schema version and dirty state.
func printStatus(m *migrate.Migrate) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("No migrations applied yet.")

		return nil
	}

	if err != nil {
		return err
	}

	fmt.Printf("Current version: %d (dirty: %v)\n", v, dirty)

	return nil
}

// printUsage displays usage information.
func printUsage() {
	fmt.Printf(`%s v%s - Database Migration Tool for Wareflow

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show current migration version
    version Alias for status
    drop    Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)

    MIGRATION_TABLE Name of migration tracking table
                   (default: schema_migrations)

EXAMPLES:
    %s up         # Apply all pending migrations
    %s status     # Show current migration version
    %s down       # Rollback last migration

Migrations are embedded into the binary; no migration files are needed at runtime.
`, name, version, name, name, name, name)
}
