package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"token-engine/internal/config"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// signingKeyLock is the advisory lock id serializing key activation.
const signingKeyLock int64 = 0x6b657973

// Database is the Postgres-backed Store.
type Database struct {
	db     *sql.DB
	config *config.DatabaseConfig
}

var _ Store = (*Database)(nil)

// NewDatabase opens a pooled connection, verifies it and applies pending
// migrations.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := NewMigrationManager(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if _, err := migrations.Up(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return NewDatabaseFromDB(sqlDB, cfg), nil
}

// NewDatabaseFromDB wraps an already open handle without migrating it.
func NewDatabaseFromDB(sqlDB *sql.DB, cfg *config.DatabaseConfig) *Database {
	return &Database{db: sqlDB, config: cfg}
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// DB exposes the handle for health checks.
func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Stats() *DatabaseStats {
	stats := d.db.Stats()
	return &DatabaseStats{
		OpenConnections:   stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		WaitCount:         stats.WaitCount,
		WaitDuration:      int64(stats.WaitDuration),
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxIdleTimeClosed: stats.MaxIdleTimeClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
	}
}

// withTimeout bounds a single statement by the configured query timeout.
func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.config == nil || d.config.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.config.QueryTimeout)
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (d *Database) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// exec runs a statement and returns the affected row count.
func (d *Database) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return result.RowsAffected()
}

// expectOne turns a zero-row conditional update into ErrConflict.
func expectOne(rows int64, err error) error {
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
