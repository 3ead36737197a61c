package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a position
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	StatusPending    PositionStatus = "PENDING"
	StatusOpen       PositionStatus = "OPEN"
	StatusClosed     PositionStatus = "CLOSED"
	StatusLiquidated PositionStatus = "LIQUIDATED"
	StatusArchived   PositionStatus = "ARCHIVED"
)

// ExecutionKind classifies a trade execution
type ExecutionKind string

const (
	ExecEntry       ExecutionKind = "ENTRY"
	ExecPartialExit ExecutionKind = "PARTIAL_EXIT"
	ExecFullExit    ExecutionKind = "FULL_EXIT"
	ExecStopLoss    ExecutionKind = "STOP_LOSS"
	ExecTakeProfit  ExecutionKind = "TAKE_PROFIT"
	ExecLiquidation ExecutionKind = "LIQUIDATION"
)

// EventType is the closed set of position event types
type EventType string

const (
	EventPositionCreated     EventType = "POSITION_CREATED"
	EventOrderPlaced         EventType = "ORDER_PLACED"
	EventOrderFilled         EventType = "ORDER_FILLED"
	EventPartialFill         EventType = "PARTIAL_FILL"
	EventPositionOpened      EventType = "POSITION_OPENED"
	EventPositionUpdated     EventType = "POSITION_UPDATED"
	EventStopLossTriggered   EventType = "STOP_LOSS_TRIGGERED"
	EventTakeProfitTriggered EventType = "TAKE_PROFIT_TRIGGERED"
	EventPositionClosed      EventType = "POSITION_CLOSED"
	EventPositionLiquidated  EventType = "POSITION_LIQUIDATED"
)

// BalanceEventType classifies an account balance event
type BalanceEventType string

const (
	BalanceMarginReserved  BalanceEventType = "MARGIN_RESERVED"
	BalanceMarginReleased  BalanceEventType = "MARGIN_RELEASED"
	BalancePnlRealized     BalanceEventType = "PNL_REALIZED"
	BalanceLiquidationLoss BalanceEventType = "LIQUIDATION_LOSS"
	BalanceDeposit         BalanceEventType = "DEPOSIT"
	BalanceWithdrawal      BalanceEventType = "WITHDRAWAL"
)

// CloseReason explains why a position left the OPEN state
type CloseReason string

const (
	CloseManual               CloseReason = "MANUAL"
	CloseStopLoss             CloseReason = "STOP_LOSS"
	CloseTakeProfit           CloseReason = "TAKE_PROFIT"
	CloseLiquidation          CloseReason = "LIQUIDATION"
	CloseCancelled            CloseReason = "CANCELLED"
	CloseBrokerReconciliation CloseReason = "BROKER_RECONCILIATION"
)

// Signal is an accepted trade signal entering the engine
type Signal struct {
	AccountID  string
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	Entry      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Leverage   decimal.Decimal
}

// Validate checks basic signal structure
func (s *Signal) Validate() bool {
	if s.AccountID == "" || s.Symbol == "" {
		return false
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return false
	}
	if !s.Size.IsPositive() || !s.Entry.IsPositive() {
		return false
	}
	if s.Leverage.LessThan(decimal.NewFromInt(1)) {
		return false
	}
	return true
}

// OrderTracker aggregates partial fills against the original requested size.
// Transient state owned by the execution tracker; never shared across tasks.
type OrderTracker struct {
	OrderID          string
	PositionID       string
	OriginalSize     decimal.Decimal
	FilledSize       decimal.Decimal
	RemainingSize    decimal.Decimal
	AverageFillPrice decimal.Decimal
	FillCount        int
	IsComplete       bool
	LastFillSize     decimal.Decimal
	LastFillPrice    decimal.Decimal
	LastFillAt       time.Time
}

// RecordFill folds one fill into the tracker and recomputes the
// size-weighted average fill price.
func (t *OrderTracker) RecordFill(price, size decimal.Decimal, at time.Time) {
	totalCost := t.AverageFillPrice.Mul(t.FilledSize).Add(price.Mul(size))
	t.FilledSize = t.FilledSize.Add(size)
	if !t.FilledSize.IsZero() {
		t.AverageFillPrice = totalCost.Div(t.FilledSize)
	}
	t.RemainingSize = t.OriginalSize.Sub(t.FilledSize)
	t.FillCount++
	t.IsComplete = t.RemainingSize.IsZero()
	t.LastFillSize = size
	t.LastFillPrice = price
	t.LastFillAt = at
}

// BrokerPosition is the broker's view of an open position
type BrokerPosition struct {
	PositionID    string
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnl decimal.Decimal
	MarginUsed    decimal.Decimal
}

// OrderSpec describes an order handed to the broker
type OrderSpec struct {
	Symbol string
	Side   Side
	Size   decimal.Decimal
	Price  decimal.Decimal
}

// ExecutionReport is a fill/trigger event delivered by the broker
type ExecutionReport struct {
	OrderID    string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Partial    bool
	ExecutedAt time.Time
}

// MarginStatus is the ledger's margin snapshot for one account
type MarginStatus struct {
	AccountID     string
	Equity        decimal.Decimal
	Balance       decimal.Decimal
	MarginUsed    decimal.Decimal
	FreeMargin    decimal.Decimal
	MarginLevel   decimal.Decimal // equity / marginUsed; infinite when unused
	Unbounded     bool            // true when marginUsed = 0
	IsMarginCall  bool
	IsLiquidation bool
}

// UnrealizedPnl computes the floating P&L of a position at the given price.
func UnrealizedPnl(side Side, entry, current, size decimal.Decimal) decimal.Decimal {
	if side == SideBuy {
		return current.Sub(entry).Mul(size)
	}
	return entry.Sub(current).Mul(size)
}
