package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/migrations"
	"chatsync/internal/retry"
	"chatsync/internal/security"
	"chatsync/pkg/chatapi/types"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const dsnParams = "_busy_timeout=5000&_foreign_keys=1"

var _ types.Repository = (*Database)(nil)

// Database is the sqlite implementation of the repository contract
type Database struct {
	db      *sql.DB
	logger  *logrus.Logger
	clock   clock.Clock
	backoff retry.BackoffConfig
}

// Option customizes a Database
type Option func(*Database)

// WithClock overrides the clock used for server-side timestamps
func WithClock(c clock.Clock) Option {
	return func(d *Database) { d.clock = c }
}

// WithBackoff overrides the retry policy for transient sqlite errors
func WithBackoff(cfg retry.BackoffConfig) Option {
	return func(d *Database) { d.backoff = cfg }
}

// New opens the database, retrying the initial connection, and applies
// pending migrations
func New(ctx context.Context, dbPath string, logger *logrus.Logger, opts ...Option) (*Database, error) {
	if err := security.ValidateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	d := &Database{
		logger:  logger,
		clock:   clock.Real(),
		backoff: retry.DefaultBackoffConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}

	db, err := sql.Open("sqlite3", buildDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite has a single writer; one connection also keeps ":memory:" alive
	db.SetMaxOpenConns(1)

	backoff := retry.NewBackoff(d.backoff).OnRetry(func(attempt int, delay time.Duration, err error) {
		logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).WithError(err).Warn("Database not reachable yet, retrying")
	})
	if err := backoff.Retry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	version, err := migrations.Apply(ctx, db)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.db = db
	logger.WithFields(logrus.Fields{
		"schema_version": version,
	}).Info("Database ready")
	return d, nil
}

func buildDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + dsnParams
	}
	return path + "?" + dsnParams
}

// Ping checks the connection for health reporting
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) nowMillis() int64 {
	return clock.NowMillis(d.clock)
}
