// Package migrations embeds the database schema migrations and provides
// helpers for applying them with golang-migrate.
//
// Migrations are embedded at build time using go:embed for zero-config
// deployment: the migrator binary and integration tests always carry the
// exact schema they were built against.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// FS returns the embedded file system containing all migration files.
func FS() fs.FS {
	return embedded
}

// List returns all embedded migration files that conform to the strict naming
// standard (001_name.up.sql / 001_name.down.sql), in lexicographic order.
// Invalid filenames are rejected to prevent operational mistakes.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate performs startup validation of the embedded migration files:
// filename format, up/down pairing, and gap-free sequence starting at 001.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return errors.New("no embedded migration files found")
	}

	pairs := make(map[string]map[string]bool) // 001_name -> direction -> present
	sequences := make(map[int]bool)

	for _, file := range files {
		matches := migrationFilenameRegex.FindStringSubmatch(file)
		if len(matches) != 4 {
			return fmt.Errorf("invalid migration filename format: %s", file)
		}

		seq, err := strconv.Atoi(matches[1])
		if err != nil {
			return fmt.Errorf("invalid sequence number in filename %s: %w", file, err)
		}

		key := matches[1] + "_" + matches[2]
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][matches[3]] = true
		sequences[seq] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	var sequenceNumbers []int
	for seq := range sequences {
		sequenceNumbers = append(sequenceNumbers, seq)
	}

	sort.Ints(sequenceNumbers)

	if sequenceNumbers[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequenceNumbers[0])
	}

	for i := 1; i < len(sequenceNumbers); i++ {
		if sequenceNumbers[i] != sequenceNumbers[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d",
				sequenceNumbers[i-1]+1, sequenceNumbers[i])
		}
	}

	return nil
}

// New creates a migrate instance backed by the embedded migrations and the
// given open database connection. The caller owns the database connection;
// closing the returned instance does not close it.
func New(db *sql.DB, migrationTable string) (*migrate.Migrate, error) {
	if err := Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: migrationTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// Run applies all pending migrations to the given database connection.
// ErrNoChange is not an error: it means the schema is already current.
func Run(db *sql.DB) error {
	m, err := New(db, "")
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
