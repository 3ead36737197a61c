package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/metrics"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSACTION COORDINATOR - Atomic multi-table mutation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every mutation of positions, events and the ledger goes through RunInTx.
// Contract:
// 1. All writes inside the op commit together or not at all
// 2. Deadlocks are retried with exponential backoff
// 3. The op is aborted once the timeout elapses
// 4. Each transaction leaves an audit row; audit failures never fail the tx
//
// ═══════════════════════════════════════════════════════════════════════════════

// Isolation selects the transaction isolation level
type Isolation string

const (
	ReadCommitted  Isolation = "READ_COMMITTED"
	RepeatableRead Isolation = "REPEATABLE_READ"
	Serializable   Isolation = "SERIALIZABLE"
)

func (i Isolation) sqlLevel() sql.IsolationLevel {
	switch i {
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

// TxOptions configures one coordinator transaction
type TxOptions struct {
	Name       string
	Isolation  Isolation
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// Coordinator defaults, overridable at bootstrap via SetTxDefaults
var (
	defaultTxTimeout    = 5 * time.Second
	defaultTxMaxRetries = 3
	defaultTxRetryBase  = 100 * time.Millisecond
)

// SetTxDefaults installs the configured coordinator defaults
func SetTxDefaults(timeout time.Duration, maxRetries int, retryBase time.Duration) {
	if timeout > 0 {
		defaultTxTimeout = timeout
	}
	if maxRetries >= 0 {
		defaultTxMaxRetries = maxRetries
	}
	if retryBase > 0 {
		defaultTxRetryBase = retryBase
	}
}

// DefaultTxOptions returns the coordinator defaults
func DefaultTxOptions(name string) TxOptions {
	return TxOptions{
		Name:       name,
		Isolation:  ReadCommitted,
		Timeout:    defaultTxTimeout,
		MaxRetries: defaultTxMaxRetries,
		RetryBase:  defaultTxRetryBase,
	}
}

const (
	txStarted    = "STARTED"
	txCommitted  = "COMMITTED"
	txRolledBack = "ROLLED_BACK"
	txFailed     = "FAILED"
)

// RunInTx executes op inside a transaction with the given options.
// Deadlocks are retried with exponential backoff (base × 2^attempt);
// every other error rolls back and surfaces immediately.
func (d *Database) RunInTx(ctx context.Context, opts TxOptions, op func(tx *gorm.DB) error) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.Name == "" {
		opts.Name = "unnamed"
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = d.runOnce(ctx, opts, op)
		if err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrDeadlock) || attempt >= opts.MaxRetries {
			return err
		}

		backoff := opts.RetryBase * (1 << attempt)
		metrics.TxRetries.Inc()
		log.Warn().
			Str("op", opts.Name).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("⚠️ Deadlock detected, retrying transaction")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s aborted during retry wait", types.ErrTimeout, opts.Name)
		}
	}
}

func (d *Database) runOnce(ctx context.Context, opts TxOptions, op func(tx *gorm.DB) error) error {
	txID := uuid.NewString()
	startedAt := time.Now()
	d.auditTx(txID, opts, txStarted, startedAt, nil, nil)

	txCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// SQLite knows only serializable transactions; requesting weaker
	// levels through database/sql is rejected by the driver.
	sqlOpts := &sql.TxOptions{Isolation: opts.Isolation.sqlLevel()}
	if d.db.Dialector.Name() == "sqlite" {
		sqlOpts = &sql.TxOptions{}
	}

	err := d.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		return op(tx)
	}, sqlOpts)

	completedAt := time.Now()
	switch {
	case err == nil:
		d.auditTx(txID, opts, txCommitted, startedAt, &completedAt, nil)
		return nil
	case isDeadlock(err):
		err = fmt.Errorf("%w: %s: %v", types.ErrDeadlock, opts.Name, err)
		d.auditTx(txID, opts, txRolledBack, startedAt, &completedAt, err)
		return err
	case txCtx.Err() != nil:
		err = fmt.Errorf("%w: %s exceeded %s", types.ErrTimeout, opts.Name, opts.Timeout)
		d.auditTx(txID, opts, txFailed, startedAt, &completedAt, err)
		return err
	default:
		d.auditTx(txID, opts, txRolledBack, startedAt, &completedAt, err)
		return err
	}
}

// WithSavepoint runs fn inside a named savepoint on an open transaction.
// On error the transaction is rolled back to the savepoint and the error
// surfaces; the outer transaction stays usable.
func WithSavepoint(tx *gorm.DB, name string, fn func(tx *gorm.DB) error) error {
	if err := tx.SavePoint(name).Error; err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.RollbackTo(name).Error; rbErr != nil {
			return fmt.Errorf("rollback to savepoint %s failed: %v (original: %w)", name, rbErr, err)
		}
		return err
	}
	return nil
}

// auditTx writes a transaction log row outside the transaction.
// Best effort: a failed audit write never fails the operation.
func (d *Database) auditTx(txID string, opts TxOptions, status string, startedAt time.Time, completedAt *time.Time, opErr error) {
	entry := &TransactionLog{
		TxID:           txID,
		OpName:         opts.Name,
		Status:         status,
		IsolationLevel: string(opts.Isolation),
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		Metadata:       "{}",
	}
	if completedAt != nil {
		entry.DurationMs = completedAt.Sub(startedAt).Milliseconds()
	}
	if opErr != nil {
		entry.ErrorMessage = opErr.Error()
	}
	if err := d.db.Save(entry).Error; err != nil {
		log.Warn().Err(err).Str("tx_id", txID).Msg("Transaction audit write failed")
	}
}

// isDeadlock matches driver-specific deadlock and lock-contention errors
func isDeadlock(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "40p01")
}
