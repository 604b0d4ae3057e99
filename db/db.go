package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/agora/domain"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB wraps the sqlite handle. Every call takes a context; there is no
// package-level instance, so tests open an isolated database each.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

const maxBusyRetries = 5

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		logger.Warn("Failed to enable WAL mode", zap.Error(err))
	} else {
		logger.Debug("Database journal mode", zap.String("mode", journalMode))
	}

	// Optimize PRAGMAs for concurrent federation workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")

	database := &DB{db: sqlDB, logger: logger}
	if err := database.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying
// from scratch when sqlite reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = db.runTransaction(ctx, f)
		if err == nil || !isBusy(err) {
			break
		}
		db.logger.Debug("Database busy, retrying transaction", zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	if err != nil {
		db.logger.Warn("Error in transaction", zap.Error(err))
	}
	return err
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqlitelib.SQLITE_BUSY
	}
	return false
}

// notFound maps sql.ErrNoRows to domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Stats are the federation counters shown by the status command.
type Stats struct {
	LocalActors       int
	RemoteActors      int
	Objects           int
	Follows           int
	InboundActivities int
	OutboundActivites int
	PendingDeliveries int
}

const sqlSelectStats = `SELECT
	(SELECT COUNT(*) FROM actors WHERE local = 1),
	(SELECT COUNT(*) FROM actors WHERE local = 0),
	(SELECT COUNT(*) FROM objects),
	(SELECT COUNT(*) FROM follows WHERE accepted = 1),
	(SELECT COUNT(*) FROM activities WHERE local = 0),
	(SELECT COUNT(*) FROM activities WHERE local = 1),
	(SELECT COUNT(*) FROM delivery_queue)`

func (db *DB) ReadStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.db.QueryRowContext(ctx, sqlSelectStats).Scan(
		&s.LocalActors, &s.RemoteActors, &s.Objects, &s.Follows,
		&s.InboundActivities, &s.OutboundActivites, &s.PendingDeliveries,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
