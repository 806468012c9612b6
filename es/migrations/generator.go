// Package migrations provides SQL migration generation for the event
// store schema.
//
// The emitted DDL is the same the relational adapters run through
// Initialize, so teams that manage schema through migration tooling get
// byte-identical tables and indexes.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valeriob/eventstore/es/adapters/mysql"
	"github.com/valeriob/eventstore/es/adapters/postgres"
	"github.com/valeriob/eventstore/es/adapters/sqlite"
	"github.com/valeriob/eventstore/es/adapters/sqlstore"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// CommitsTable is the name of the commits table
	CommitsTable string

	// StreamsTable is the name of the stream-head tracking table
	StreamsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_event_store.sql", timestamp),
		CommitsTable:   "commits",
		StreamsTable:   "streams",
		SnapshotsTable: "snapshots",
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return generate(config, postgres.Dialect{})
}

// GenerateMySQL generates a MySQL migration file.
func GenerateMySQL(config *Config) error {
	return generate(config, mysql.Dialect{})
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return generate(config, sqlite.Dialect{})
}

func generate(config *Config, dialect sqlstore.Dialect) error {
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	sql := Render(config, dialect)

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return nil
}

// Render returns the migration SQL for a dialect without touching disk.
func Render(config *Config, dialect sqlstore.Dialect) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Event Store Schema Migration (%s)\n", dialect.Name())
	fmt.Fprintf(&b, "-- Tables: %s, %s, %s\n\n", config.CommitsTable, config.StreamsTable, config.SnapshotsTable)
	for _, stmt := range dialect.CreateSchema(config.CommitsTable, config.StreamsTable, config.SnapshotsTable) {
		b.WriteString(strings.TrimSpace(stmt))
		b.WriteString(";\n\n")
	}
	return b.String()
}
