// Package db establishes the kernel's Postgres connection and provides the
// serializable-transaction helper every component builds its transactional
// boundaries on (spec §5).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	kerrors "github.com/r3e-network/lattice/internal/errors"
)

// Open establishes a Postgres connection via sqlx and verifies
// connectivity with a ping. The returned *sqlx.DB must be closed by the
// caller.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return conn, nil
}

// isRetryableSerializationError reports whether err is a Postgres
// serialization failure or deadlock, the two transient conditions the
// propagation policy (spec §7) says to retry once internally.
func isRetryableSerializationError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "40001") || // serialization_failure
		strings.Contains(msg, "40P01") || // deadlock_detected
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected")
}

// WithSerializableTx runs fn inside a single SERIALIZABLE transaction,
// committing on success and rolling back on error. Per spec §7, a
// serialization failure or deadlock is retried exactly once before being
// surfaced as an Internal error.
func WithSerializableTx(ctx context.Context, conn *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	attempt := func() error {
		tx, err := conn.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	}

	err := attempt()
	if err != nil && isRetryableSerializationError(err) {
		err = attempt()
	}
	if err != nil {
		if kerrors.IsKernelError(err) {
			return err
		}
		if isRetryableSerializationError(err) {
			return kerrors.Internal("transaction could not be serialized", err)
		}
	}
	return err
}
