package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER - Account balance and margin arithmetic
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every mutation validates balance_after = balance_before + amount before
// writing the balance event, then updates the aggregate, all inside the
// caller's coordinator transaction. Balance history is append-only;
// corrections are new events, never edits.
//
// ═══════════════════════════════════════════════════════════════════════════════

// equationTolerance bounds the post-computation equation check
var equationTolerance = decimal.NewFromFloat(1e-4)

// Ledger performs margin and balance arithmetic for accounts
type Ledger struct {
	db               *storage.Database
	marginCallLevel  decimal.Decimal
	liquidationLevel decimal.Decimal
}

// New creates a ledger with the given margin thresholds
func New(db *storage.Database, marginCallLevel, liquidationLevel decimal.Decimal) *Ledger {
	return &Ledger{
		db:               db,
		marginCallLevel:  marginCallLevel,
		liquidationLevel: liquidationLevel,
	}
}

// OpenAccount creates an account funded with an initial deposit, so the
// balance series starts with an event covering the full balance.
func (l *Ledger) OpenAccount(tx *gorm.DB, accountID string, initial, leverage decimal.Decimal, isPaper bool) (*storage.AccountBalance, error) {
	if initial.IsNegative() {
		return nil, fmt.Errorf("initial balance must not be negative, got %s", initial)
	}

	acc := &storage.AccountBalance{
		AccountID:  accountID,
		Equity:     initial,
		Balance:    initial,
		MarginUsed: decimal.Zero,
		FreeMargin: initial,
		Leverage:   leverage,
		IsPaper:    isPaper,
	}
	if err := l.db.SaveAccount(tx, acc); err != nil {
		return nil, err
	}
	if initial.IsPositive() {
		if err := l.writeEvent(tx, acc, types.BalanceDeposit, initial, "initial deposit", nil, nil); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("account", accountID).
		Str("balance", initial.StringFixed(2)).
		Bool("paper", isPaper).
		Msg("🏦 Account opened")
	return acc, nil
}

// ReserveMargin moves amount from free margin into used margin.
// Fails with ErrInsufficientMargin when free margin is short.
func (l *Ledger) ReserveMargin(tx *gorm.DB, accountID, positionID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("margin amount must be positive, got %s", amount)
	}

	acc, err := l.db.GetAccountForUpdate(tx, accountID)
	if err != nil {
		return err
	}
	if acc.FreeMargin.LessThan(amount) {
		return fmt.Errorf("%w: free=%s required=%s account=%s",
			types.ErrInsufficientMargin, acc.FreeMargin.StringFixed(2), amount.StringFixed(2), accountID)
	}

	acc.MarginUsed = acc.MarginUsed.Add(amount)
	acc.FreeMargin = acc.Equity.Sub(acc.MarginUsed)

	// Margin moves within equity: the cash balance is unchanged, so the
	// ledger event carries a zero delta against the balance series.
	if err := l.writeEvent(tx, acc, types.BalanceMarginReserved, decimal.Zero,
		fmt.Sprintf("margin reserved for position %s: %s", positionID, amount.StringFixed(2)),
		&positionID, nil); err != nil {
		return err
	}
	return l.db.SaveAccount(tx, acc)
}

// ReleaseMargin returns amount from used margin to free margin.
// Used margin is floored at zero.
func (l *Ledger) ReleaseMargin(tx *gorm.DB, accountID, positionID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("margin amount must be positive, got %s", amount)
	}

	acc, err := l.db.GetAccountForUpdate(tx, accountID)
	if err != nil {
		return err
	}

	acc.MarginUsed = acc.MarginUsed.Sub(amount)
	if acc.MarginUsed.IsNegative() {
		acc.MarginUsed = decimal.Zero
	}
	acc.FreeMargin = acc.Equity.Sub(acc.MarginUsed)

	if err := l.writeEvent(tx, acc, types.BalanceMarginReleased, decimal.Zero,
		fmt.Sprintf("margin released for position %s: %s", positionID, amount.StringFixed(2)),
		&positionID, nil); err != nil {
		return err
	}
	return l.db.SaveAccount(tx, acc)
}

// RealizePnl applies a realized profit or loss to balance and equity
func (l *Ledger) RealizePnl(tx *gorm.DB, accountID, positionID, executionID string, amount decimal.Decimal, reason string) error {
	acc, err := l.db.GetAccountForUpdate(tx, accountID)
	if err != nil {
		return err
	}

	acc.Balance = acc.Balance.Add(amount)
	acc.Equity = acc.Equity.Add(amount)
	acc.FreeMargin = acc.Equity.Sub(acc.MarginUsed)

	var execID *string
	if executionID != "" {
		execID = &executionID
	}
	if err := l.writeEvent(tx, acc, types.BalancePnlRealized, amount, reason, &positionID, execID); err != nil {
		return err
	}
	return l.db.SaveAccount(tx, acc)
}

// RecordLiquidationLoss books the aggregate loss of a liquidation cascade
func (l *Ledger) RecordLiquidationLoss(tx *gorm.DB, accountID string, amount decimal.Decimal, reason string) error {
	acc, err := l.db.GetAccountForUpdate(tx, accountID)
	if err != nil {
		return err
	}

	acc.Balance = acc.Balance.Add(amount)
	acc.Equity = acc.Equity.Add(amount)
	acc.FreeMargin = acc.Equity.Sub(acc.MarginUsed)

	if err := l.writeEvent(tx, acc, types.BalanceLiquidationLoss, amount, reason, nil, nil); err != nil {
		return err
	}
	return l.db.SaveAccount(tx, acc)
}

// UpdateBalance applies a generic signed balance change (deposit/withdrawal)
func (l *Ledger) UpdateBalance(tx *gorm.DB, accountID string, amount decimal.Decimal, reason string) error {
	acc, err := l.db.GetAccountForUpdate(tx, accountID)
	if err != nil {
		return err
	}

	eventType := types.BalanceDeposit
	if amount.IsNegative() {
		eventType = types.BalanceWithdrawal
		if acc.Balance.Add(amount).IsNegative() {
			return fmt.Errorf("%w: withdrawal %s exceeds balance %s",
				types.ErrInsufficientMargin, amount.Abs().StringFixed(2), acc.Balance.StringFixed(2))
		}
	}

	acc.Balance = acc.Balance.Add(amount)
	acc.Equity = acc.Equity.Add(amount)
	acc.FreeMargin = acc.Equity.Sub(acc.MarginUsed)

	if err := l.writeEvent(tx, acc, eventType, amount, reason, nil, nil); err != nil {
		return err
	}
	return l.db.SaveAccount(tx, acc)
}

// MarginStatus computes the margin snapshot for an account. Open-position
// unrealized PnL is folded into equity before levels are derived.
func (l *Ledger) MarginStatus(tx *gorm.DB, accountID string, unrealized decimal.Decimal) (*types.MarginStatus, error) {
	acc, err := l.db.GetAccount(tx, accountID)
	if err != nil {
		return nil, err
	}

	equity := acc.Balance.Add(unrealized)
	status := &types.MarginStatus{
		AccountID:  accountID,
		Equity:     equity,
		Balance:    acc.Balance,
		MarginUsed: acc.MarginUsed,
		FreeMargin: equity.Sub(acc.MarginUsed),
	}

	if acc.MarginUsed.IsZero() {
		status.Unbounded = true
		return status, nil
	}

	status.MarginLevel = equity.Div(acc.MarginUsed)
	status.IsLiquidation = status.MarginLevel.LessThan(l.liquidationLevel)
	status.IsMarginCall = !status.IsLiquidation && status.MarginLevel.LessThan(l.marginCallLevel)
	return status, nil
}

// writeEvent validates the balance equation and appends the ledger event.
// The aggregate's balance was already advanced by amount by the caller.
func (l *Ledger) writeEvent(tx *gorm.DB, acc *storage.AccountBalance, eventType types.BalanceEventType,
	amount decimal.Decimal, reason string, positionID, executionID *string) error {

	balanceAfter := acc.Balance
	balanceBefore := balanceAfter.Sub(amount)

	if balanceAfter.Sub(balanceBefore.Add(amount)).Abs().GreaterThan(equationTolerance) {
		return fmt.Errorf("%w: balance equation broken: %s != %s + %s",
			types.ErrIntegrity, balanceAfter, balanceBefore, amount)
	}

	ev := &storage.AccountBalanceEvent{
		ID:            uuid.NewString(),
		AccountID:     acc.AccountID,
		EventType:     eventType,
		BalanceBefore: balanceBefore,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		Reason:        reason,
		PositionID:    positionID,
		ExecutionID:   executionID,
	}
	if err := l.db.SaveBalanceEvent(tx, ev); err != nil {
		return err
	}

	log.Debug().
		Str("account", acc.AccountID).
		Str("type", string(eventType)).
		Str("amount", amount.StringFixed(4)).
		Str("balance", balanceAfter.StringFixed(2)).
		Msg("Ledger event")
	return nil
}
