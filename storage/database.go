package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Persistence layer for positions, events and the account ledger
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// New opens the database. A postgres:// URL selects PostgreSQL,
// anything else is treated as a SQLite file path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	return NewWithDB(db)
}

// NewWithDB wraps an existing GORM handle (used by tests with a temporary SQLite file)
func NewWithDB(db *gorm.DB) (*Database, error) {
	if err := db.AutoMigrate(
		&Position{},
		&TradeExecution{},
		&PositionEvent{},
		&AccountBalance{},
		&AccountBalanceEvent{},
		&TransactionLog{},
		&ReconciliationLog{},
	); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// DB returns the underlying GORM handle
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Close closes the underlying connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SavePosition upserts a position row
func (d *Database) SavePosition(tx *gorm.DB, pos *Position) error {
	pos.UpdatedAt = time.Now()
	return d.handle(tx).Save(pos).Error
}

// GetPosition fetches a position by ID
func (d *Database) GetPosition(tx *gorm.DB, id string) (*Position, error) {
	var pos Position
	err := d.handle(tx).First(&pos, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, types.ErrNotFound
	}
	return &pos, err
}

// forUpdate applies SELECT ... FOR UPDATE where the dialect supports
// it. SQLite serializes writers at the database level instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetPositionForUpdate fetches a position holding its row lock.
// This is the sole cross-task mutex for per-position state.
func (d *Database) GetPositionForUpdate(tx *gorm.DB, id string) (*Position, error) {
	var pos Position
	err := forUpdate(tx).First(&pos, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, types.ErrNotFound
	}
	return &pos, err
}

// GetOpenPositions returns all OPEN positions
func (d *Database) GetOpenPositions(tx *gorm.DB) ([]Position, error) {
	var positions []Position
	err := d.handle(tx).Where("status = ?", types.StatusOpen).Find(&positions).Error
	return positions, err
}

// GetOpenPositionsByAccount returns OPEN positions for one account
func (d *Database) GetOpenPositionsByAccount(tx *gorm.DB, accountID string) ([]Position, error) {
	var positions []Position
	err := d.handle(tx).
		Where("account_id = ? AND status = ?", accountID, types.StatusOpen).
		Find(&positions).Error
	return positions, err
}

// GetPositionsByStatus returns positions in any of the given states
func (d *Database) GetPositionsByStatus(tx *gorm.DB, statuses ...types.PositionStatus) ([]Position, error) {
	var positions []Position
	err := d.handle(tx).Where("status IN ?", statuses).Find(&positions).Error
	return positions, err
}

// ListPositionIDs returns a page of position IDs ordered by creation time
func (d *Database) ListPositionIDs(limit, offset int) ([]string, error) {
	var ids []string
	err := d.db.Model(&Position{}).
		Order("created_at ASC").
		Limit(limit).Offset(offset).
		Pluck("id", &ids).Error
	return ids, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveExecution appends a trade execution row
func (d *Database) SaveExecution(tx *gorm.DB, exec *TradeExecution) error {
	exec.CreatedAt = time.Now()
	return d.handle(tx).Create(exec).Error
}

// GetExecutionsByPosition lists executions for a position in fill order
func (d *Database) GetExecutionsByPosition(positionID string) ([]TradeExecution, error) {
	var execs []TradeExecution
	err := d.db.Where("position_id = ?", positionID).
		Order("executed_at ASC, fill_sequence ASC").
		Find(&execs).Error
	return execs, err
}

// CountExecutionsByOrder counts fills already recorded for an order
func (d *Database) CountExecutionsByOrder(tx *gorm.DB, orderID string) (int64, error) {
	var count int64
	err := d.handle(tx).Model(&TradeExecution{}).Where("order_id = ?", orderID).Count(&count).Error
	return count, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNT OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// GetAccount fetches an account balance row
func (d *Database) GetAccount(tx *gorm.DB, accountID string) (*AccountBalance, error) {
	var acc AccountBalance
	err := d.handle(tx).First(&acc, "account_id = ?", accountID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, types.ErrNotFound
	}
	return &acc, err
}

// GetAccountForUpdate fetches an account holding its row lock
func (d *Database) GetAccountForUpdate(tx *gorm.DB, accountID string) (*AccountBalance, error) {
	var acc AccountBalance
	err := forUpdate(tx).First(&acc, "account_id = ?", accountID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, types.ErrNotFound
	}
	return &acc, err
}

// SaveAccount upserts an account balance row
func (d *Database) SaveAccount(tx *gorm.DB, acc *AccountBalance) error {
	acc.UpdatedAt = time.Now()
	return d.handle(tx).Save(acc).Error
}

// ListAccounts returns every account
func (d *Database) ListAccounts() ([]AccountBalance, error) {
	var accounts []AccountBalance
	err := d.db.Find(&accounts).Error
	return accounts, err
}

// SaveBalanceEvent appends a balance event row
func (d *Database) SaveBalanceEvent(tx *gorm.DB, ev *AccountBalanceEvent) error {
	ev.CreatedAt = time.Now()
	return d.handle(tx).Create(ev).Error
}

// GetBalanceEvents lists balance events for an account chronologically
func (d *Database) GetBalanceEvents(accountID string) ([]AccountBalanceEvent, error) {
	var events []AccountBalanceEvent
	err := d.db.Where("account_id = ?", accountID).Order("created_at ASC, id ASC").Find(&events).Error
	return events, err
}

// GetBalanceEventsByPosition lists balance events referencing a position
func (d *Database) GetBalanceEventsByPosition(positionID string) ([]AccountBalanceEvent, error) {
	var events []AccountBalanceEvent
	err := d.db.Where("position_id = ?", positionID).Order("created_at ASC").Find(&events).Error
	return events, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOG OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveReconciliationLog records one reconciliation cycle
func (d *Database) SaveReconciliationLog(entry *ReconciliationLog) error {
	entry.CreatedAt = time.Now()
	return d.db.Create(entry).Error
}

// handle picks the transactional handle when one is supplied
func (d *Database) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return d.db
}
