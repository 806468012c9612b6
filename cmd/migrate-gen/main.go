// Command migrate-gen generates SQL migration files for the event store
// schema.
//
// Usage:
//
//	go run github.com/valeriob/eventstore/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/valeriob/eventstore/cmd/migrate-gen -output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/valeriob/eventstore/cmd/migrate-gen -adapter postgres -output migrations
//	go run github.com/valeriob/eventstore/cmd/migrate-gen -adapter mysql -output migrations
//	go run github.com/valeriob/eventstore/cmd/migrate-gen -adapter sqlite -output migrations
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/valeriob/eventstore/es/migrations"
)

func main() {
	var (
		adapter        = flag.String("adapter", "postgres", "Database adapter: postgres, mysql, or sqlite")
		outputFolder   = flag.String("output", "migrations", "Output folder for migration file")
		outputFilename = flag.String("filename", "", "Output filename (default: timestamp-based)")
		commitsTable   = flag.String("commits-table", "commits", "Name of commits table")
		streamsTable   = flag.String("streams-table", "streams", "Name of stream-head table")
		snapshotsTable = flag.String("snapshots-table", "snapshots", "Name of snapshots table")
	)

	flag.Parse()

	config := migrations.DefaultConfig()
	config.OutputFolder = *outputFolder
	config.CommitsTable = *commitsTable
	config.StreamsTable = *streamsTable
	config.SnapshotsTable = *snapshotsTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	var err error
	switch *adapter {
	case "postgres":
		err = migrations.GeneratePostgres(&config)
	case "mysql":
		err = migrations.GenerateMySQL(&config)
	case "sqlite":
		err = migrations.GenerateSQLite(&config)
	default:
		fmt.Fprintf(os.Stderr, "Error: unsupported adapter '%s'. Supported adapters are: postgres, mysql, sqlite\n", *adapter)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Migration written to %s\n", config.OutputFolder)
}
