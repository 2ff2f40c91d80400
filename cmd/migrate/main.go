// Command migrate manages the broker's ledger schema via goose.
//
// Usage:
//
//	migrate up                    # apply pending migrations
//	migrate down                  # roll back the last one
//	migrate status                # list applied and pending versions
//	migrate up-to 3               # migrate to a specific version
//	migrate -dir db/migrations up # non-default migrations directory
//
// DATABASE_URL names the PostgreSQL ledger to migrate.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	dir := flag.String("dir", "migrations", "migrations directory")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dir migrations] <command> [args]")
		fmt.Fprintln(os.Stderr, "commands: up, down, status, version, redo, up-to <v>, down-to <v>")
		os.Exit(2)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL must name the ledger database")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		fmt.Fprintf(os.Stderr, "goose: %v\n", err)
		os.Exit(1)
	}

	command := flag.Arg(0)
	if err := goose.RunContext(context.Background(), command, db, *dir, flag.Args()[1:]...); err != nil {
		fmt.Fprintf(os.Stderr, "migration %s failed: %v\n", command, err)
		os.Exit(1)
	}
}
