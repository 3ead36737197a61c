package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS - Logical tables of the position lifecycle engine
// ═══════════════════════════════════════════════════════════════════════════════

// Position is the root aggregate. Mutated only inside a coordinator
// transaction holding the row lock.
type Position struct {
	ID            string               `gorm:"primaryKey"`
	AccountID     string               `gorm:"index"`
	Symbol        string               `gorm:"index"`
	Side          types.Side           `gorm:"type:varchar(8)"`
	Size          decimal.Decimal      `gorm:"type:decimal(20,8)"`
	AvgEntryPrice decimal.Decimal      `gorm:"type:decimal(20,8)"`
	Leverage      decimal.Decimal      `gorm:"type:decimal(10,2)"`
	MarginUsed    decimal.Decimal      `gorm:"type:decimal(20,8)"`
	UnrealizedPnl decimal.Decimal      `gorm:"type:decimal(20,8)"`
	RealizedPnl   decimal.Decimal      `gorm:"type:decimal(20,8)"`
	StopLoss      *decimal.Decimal     `gorm:"type:decimal(20,8)"`
	TakeProfit    *decimal.Decimal     `gorm:"type:decimal(20,8)"`
	Status        types.PositionStatus `gorm:"type:varchar(16);index"`
	OpenedAt      time.Time
	ClosedAt      *time.Time
	CloseReason   *types.CloseReason `gorm:"type:varchar(32)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TradeExecution is an immutable fill record. Append-only.
type TradeExecution struct {
	ID            string              `gorm:"primaryKey"`
	PositionID    string              `gorm:"index"`
	OrderID       string              `gorm:"index"`
	ExecutionType types.ExecutionKind `gorm:"type:varchar(16)"`
	Price         decimal.Decimal     `gorm:"type:decimal(20,8)"`
	Size          decimal.Decimal     `gorm:"type:decimal(20,8)"`
	FillSequence  int
	ExecutedAt    time.Time
	CreatedAt     time.Time
}

// PositionEvent is an append-only audit entry, strictly ordered by
// created_at within a position.
type PositionEvent struct {
	ID             string          `gorm:"primaryKey"`
	PositionID     string          `gorm:"index"`
	EventType      types.EventType `gorm:"type:varchar(32)"`
	PreviousStatus *types.PositionStatus `gorm:"type:varchar(16)"`
	NewStatus      *types.PositionStatus `gorm:"type:varchar(16)"`
	Payload        string          `gorm:"type:json"` // opaque map, schema_version inside
	IdempotencyKey *string         `gorm:"uniqueIndex"`
	CreatedAt      time.Time       `gorm:"index"`
}

// AccountBalance is the per-account aggregate
type AccountBalance struct {
	AccountID  string          `gorm:"primaryKey"`
	Equity     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Balance    decimal.Decimal `gorm:"type:decimal(20,8)"`
	MarginUsed decimal.Decimal `gorm:"type:decimal(20,8)"`
	FreeMargin decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leverage   decimal.Decimal `gorm:"type:decimal(10,2)"`
	IsPaper    bool
	UpdatedAt  time.Time
}

// AccountBalanceEvent is an append-only ledger entry preserving
// balance_after = balance_before + amount.
type AccountBalanceEvent struct {
	ID            string                 `gorm:"primaryKey"`
	AccountID     string                 `gorm:"index"`
	EventType     types.BalanceEventType `gorm:"type:varchar(32)"`
	BalanceBefore decimal.Decimal        `gorm:"type:decimal(20,8)"`
	Amount        decimal.Decimal        `gorm:"type:decimal(20,8)"`
	BalanceAfter  decimal.Decimal        `gorm:"type:decimal(20,8)"`
	Reason        string
	PositionID    *string `gorm:"index"`
	ExecutionID   *string
	CreatedAt     time.Time
}

// TransactionLog audits every coordinator transaction
type TransactionLog struct {
	TxID           string `gorm:"primaryKey"`
	OpName         string
	Status         string `gorm:"type:varchar(16)"` // STARTED, COMMITTED, ROLLED_BACK, FAILED
	IsolationLevel string `gorm:"type:varchar(24)"`
	StartedAt      time.Time
	CompletedAt    *time.Time
	DurationMs     int64
	ErrorMessage   string
	Metadata       string `gorm:"type:json"`
}

// ReconciliationLog records one broker reconciliation cycle
type ReconciliationLog struct {
	ReconciliationID   string `gorm:"primaryKey"`
	PositionsChecked   int
	DiscrepanciesFound int
	Discrepancies      string `gorm:"type:json"`
	ActionsTaken       string `gorm:"type:json"`
	DurationMs         int64
	CreatedAt          time.Time
}
