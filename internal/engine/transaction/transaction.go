// Package transaction wraps database/sql transactions with isolation
// control and bounded retry for transient failures. All engine writes
// go through a Manager so that batch operations stay atomic.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/enginerr"
)

// ErrRetriesExhausted is returned when a retryable transaction keeps
// failing past the configured attempt limit.
var ErrRetriesExhausted = errors.New("transaction retries exhausted")

// IsolationLevel selects the transaction isolation level
type IsolationLevel int

const (
	// ReadCommitted is the PostgreSQL default
	ReadCommitted IsolationLevel = iota
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "READ COMMITTED"
	}
}

// ToSQLOptions converts the level into sql.TxOptions
func (l IsolationLevel) ToSQLOptions() *sql.TxOptions {
	var level sql.IsolationLevel
	switch l {
	case RepeatableRead:
		level = sql.LevelRepeatableRead
	case Serializable:
		level = sql.LevelSerializable
	default:
		level = sql.LevelReadCommitted
	}
	return &sql.TxOptions{Isolation: level}
}

// RetryConfig bounds retry behavior for transient failures
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultRetryConfig retries three times with exponential backoff
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond}
}

// Manager runs functions inside transactions against one database
type Manager struct {
	db  *sql.DB
	log *zap.Logger
}

func NewManager(db *sql.DB, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{db: db, log: log}
}

// DB returns the underlying database handle
func (m *Manager) DB() *sql.DB {
	return m.db
}

// WithTransaction runs fn inside a READ COMMITTED transaction,
// committing on success and rolling back on error or panic.
func (m *Manager) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return m.WithTransactionIsolation(ctx, ReadCommitted, fn)
}

// WithTransactionIsolation runs fn inside a transaction at the given
// isolation level.
func (m *Manager) WithTransactionIsolation(ctx context.Context, level IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, level.ToSQLOptions())
	if err != nil {
		return enginerr.ConvertDBError("transaction.Begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return enginerr.ConvertDBError("transaction.Commit", err)
	}
	return nil
}

// WithRetry runs fn inside a transaction, retrying on deadlocks,
// serialization failures, and connection loss with exponential
// backoff. Non-retryable errors fail immediately.
func (m *Manager) WithRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return m.WithRetryConfig(ctx, ReadCommitted, DefaultRetryConfig(), fn)
}

// WithRetryConfig is WithRetry with explicit isolation level and
// retry bounds.
func (m *Manager) WithRetryConfig(ctx context.Context, level IsolationLevel, cfg RetryConfig, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.WithTransactionIsolation(ctx, level, fn)
		if err == nil {
			return nil
		}
		if !enginerr.Retryable(err) {
			return err
		}
		lastErr = err

		backoff := cfg.BaseBackoff * time.Duration(1<<uint(attempt))
		m.log.Warn("transaction retry",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, cfg.MaxAttempts, lastErr)
}
