package integrity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quayyum-a/tradecore/alerts"
	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INTEGRITY CHECKER - Ledger and event-log verification
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per-account report:
//   LedgerSum        – |balance − Σ event.amount| <= 0.01
//   EventCoverage    – reserved margin on every position; released
//                      margin and realized P&L on every closed one
//   OrphanEvents     – no balance event references a missing position
//   BalanceEquation  – after = before + amount on every event
//
// Violations are graded; Critical ones raise an alert. The checker
// never stops the engine — drift is surfaced, not silently repaired.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Severity grades a violation
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// Violation is one failed invariant
type Violation struct {
	Check    string
	Severity Severity
	Detail   string
}

// Report is the integrity result for one account
type Report struct {
	AccountID  string
	Passed     bool
	Violations []Violation
}

var (
	sumTolerance      = decimal.NewFromFloat(0.01)
	equationTolerance = decimal.NewFromFloat(1e-4)
)

// Checker verifies ledger and event-log invariants
type Checker struct {
	db       *storage.Database
	events   *events.Store
	notifier alerts.Notifier
}

// NewChecker creates the integrity checker
func NewChecker(db *storage.Database, store *events.Store, notifier alerts.Notifier) *Checker {
	return &Checker{db: db, events: store, notifier: notifier}
}

// CheckAccount computes the integrity report for one account
func (c *Checker) CheckAccount(ctx context.Context, accountID string) (*Report, error) {
	report := &Report{AccountID: accountID}

	acc, err := c.db.GetAccount(nil, accountID)
	if err != nil {
		return nil, err
	}
	balanceEvents, err := c.db.GetBalanceEvents(accountID)
	if err != nil {
		return nil, err
	}

	c.checkBalanceEquation(report, balanceEvents)
	c.checkLedgerSum(report, acc, balanceEvents)
	if err := c.checkOrphans(report, balanceEvents); err != nil {
		return nil, err
	}
	if err := c.checkCoverage(ctx, report, accountID); err != nil {
		return nil, err
	}

	report.Passed = len(report.Violations) == 0
	for _, v := range report.Violations {
		if v.Severity == SeverityCritical {
			c.notifier.Alert(alerts.LevelCritical, "Integrity violation",
				fmt.Sprintf("account %s: %s: %s", accountID, v.Check, v.Detail))
		}
	}

	if report.Passed {
		log.Debug().Str("account", accountID).Msg("Integrity check passed")
	} else {
		log.Warn().
			Str("account", accountID).
			Int("violations", len(report.Violations)).
			Msg("⚠️ Integrity check failed")
	}
	return report, nil
}

// checkBalanceEquation verifies after = before + amount per event
func (c *Checker) checkBalanceEquation(report *Report, events []storage.AccountBalanceEvent) {
	for _, ev := range events {
		diff := ev.BalanceAfter.Sub(ev.BalanceBefore.Add(ev.Amount)).Abs()
		if diff.GreaterThan(equationTolerance) {
			report.Violations = append(report.Violations, Violation{
				Check:    "BalanceEquation",
				Severity: SeverityCritical,
				Detail: fmt.Sprintf("event %s: %s != %s + %s",
					ev.ID, ev.BalanceAfter, ev.BalanceBefore, ev.Amount),
			})
		}
	}
}

// checkLedgerSum verifies the event amounts sum to the balance
func (c *Checker) checkLedgerSum(report *Report, acc *storage.AccountBalance, events []storage.AccountBalanceEvent) {
	sum := decimal.Zero
	for _, ev := range events {
		sum = sum.Add(ev.Amount)
	}
	diff := acc.Balance.Sub(sum).Abs()
	if diff.GreaterThan(sumTolerance) {
		report.Violations = append(report.Violations, Violation{
			Check:    "LedgerSum",
			Severity: SeverityCritical,
			Detail: fmt.Sprintf("balance %s != event sum %s (diff %s)",
				acc.Balance.StringFixed(4), sum.StringFixed(4), diff.StringFixed(4)),
		})
	}
}

// checkOrphans verifies every referenced position exists
func (c *Checker) checkOrphans(report *Report, events []storage.AccountBalanceEvent) error {
	for _, ev := range events {
		if ev.PositionID == nil {
			continue
		}
		_, err := c.db.GetPosition(nil, *ev.PositionID)
		if err == types.ErrNotFound {
			report.Violations = append(report.Violations, Violation{
				Check:    "OrphanEvents",
				Severity: SeverityHigh,
				Detail:   fmt.Sprintf("balance event %s references missing position %s", ev.ID, *ev.PositionID),
			})
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// checkCoverage verifies margin/P&L events exist per position state
func (c *Checker) checkCoverage(ctx context.Context, report *Report, accountID string) error {
	var positions []storage.Position
	err := c.db.DB().Where("account_id = ?", accountID).Find(&positions).Error
	if err != nil {
		return err
	}

	for i := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos := positions[i]
		balanceEvents, err := c.db.GetBalanceEventsByPosition(pos.ID)
		if err != nil {
			return err
		}

		have := map[types.BalanceEventType]bool{}
		for _, ev := range balanceEvents {
			have[ev.EventType] = true
		}

		if !have[types.BalanceMarginReserved] {
			report.Violations = append(report.Violations, Violation{
				Check:    "PositionEventCoverage",
				Severity: SeverityHigh,
				Detail:   fmt.Sprintf("position %s has no MARGIN_RESERVED event", pos.ID),
			})
		}

		closed := pos.Status == types.StatusClosed || pos.Status == types.StatusLiquidated
		if closed {
			if reason := pos.CloseReason; reason != nil && *reason == types.CloseCancelled {
				// Cancelled before any fill: margin released, nothing realized
				if !have[types.BalanceMarginReleased] {
					report.Violations = append(report.Violations, Violation{
						Check:    "PositionEventCoverage",
						Severity: SeverityHigh,
						Detail:   fmt.Sprintf("cancelled position %s has no MARGIN_RELEASED event", pos.ID),
					})
				}
				continue
			}
			if !have[types.BalanceMarginReleased] || !have[types.BalancePnlRealized] {
				report.Violations = append(report.Violations, Violation{
					Check:    "PositionEventCoverage",
					Severity: SeverityHigh,
					Detail: fmt.Sprintf("closed position %s lacks release/realize events (released=%v realized=%v)",
						pos.ID, have[types.BalanceMarginReleased], have[types.BalancePnlRealized]),
				})
			}
		}

		// Creation audit: every position needs its POSITION_CREATED event
		var created int64
		err = c.db.DB().Model(&storage.PositionEvent{}).
			Where("position_id = ? AND event_type = ?", pos.ID, types.EventPositionCreated).
			Count(&created).Error
		if err != nil {
			return err
		}
		if created == 0 {
			report.Violations = append(report.Violations, Violation{
				Check:    "PositionEventCoverage",
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("position %s has no POSITION_CREATED event", pos.ID),
			})
		}
	}
	return nil
}

// CheckAll runs the report for every account
func (c *Checker) CheckAll(ctx context.Context) ([]Report, error) {
	accounts, err := c.db.ListAccounts()
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(accounts))
	for i := range accounts {
		report, err := c.CheckAccount(ctx, accounts[i].AccountID)
		if err != nil {
			return reports, err
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

// Replay is the event store's replay, surfaced here for operators
func (c *Checker) Replay(ctx context.Context, positionID string) (*storage.Position, error) {
	return c.events.Replay(ctx, positionID)
}
