package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"

	"chatsync/internal/migrations"
	"chatsync/internal/security"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

func main() {
	dbPath := flag.String("db", "./chatsync.db", "Path to the database file")
	statusOnly := flag.Bool("status", false, "Print the schema version without applying migrations")
	flag.Parse()

	if err := run(context.Background(), *dbPath, *statusOnly, os.Stdout); err != nil {
		logrus.Fatalf("Migration failed: %v", err)
	}
}

func run(ctx context.Context, dbPath string, statusOnly bool, out io.Writer) error {
	if err := security.ValidateDatabasePath(dbPath); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) && !statusOnly {
		fmt.Fprintf(out, "Database file not found, creating %s\n", dbPath)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	all, err := migrations.List()
	if err != nil {
		return err
	}
	latest := 0
	if len(all) > 0 {
		latest = all[len(all)-1].Version
	}

	if statusOnly {
		current, err := migrations.CurrentVersion(ctx, db)
		if err != nil {
			// A database the relay has never opened has no migrations table yet
			current = 0
		}
		fmt.Fprintf(out, "Schema version %d of %d\n", current, latest)
		return nil
	}

	version, err := migrations.Apply(ctx, db)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Schema at version %d of %d\n", version, latest)
	return nil
}
