package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXITS - Idempotent position closure
// ═══════════════════════════════════════════════════════════════════════════════
//
// One coordinator transaction per closure, in order:
// 1. Lock and refetch the position; if it left OPEN, succeed (race-safe)
// 2. Write the trigger event carrying the idempotency key
// 3. Record the trade execution
// 4. Transition to CLOSED / LIQUIDATED
// 5. Realize P&L and release margin
//
// The key "close_<positionId>_<tsMs>" collapses duplicate trigger
// deliveries, retries and reconciliation repairs into one closure.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CloseRequest describes one closure trigger
type CloseRequest struct {
	PositionID  string
	Kind        types.ExecutionKind // STOP_LOSS, TAKE_PROFIT, FULL_EXIT, LIQUIDATION
	ExitPrice   decimal.Decimal
	TriggeredAt time.Time
	Reason      types.CloseReason
	Fee         decimal.Decimal // liquidation fee; zero elsewhere
}

// CloseResult reports the closure outcome
type CloseResult struct {
	AlreadyProcessed bool
	RealizedPnl      decimal.Decimal
}

// Close executes one closure trigger idempotently.
func (t *Tracker) Close(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	if !req.ExitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: exit price must be positive", types.ErrInvalidFill)
	}
	key := events.ClosureKey(req.PositionID, req.TriggeredAt)

	// Consult the event log before any side effects
	seen, err := t.events.HasKey(key)
	if err != nil {
		return nil, err
	}
	if seen {
		log.Debug().Str("key", key).Msg("Closure already processed, skipping")
		return &CloseResult{AlreadyProcessed: true}, nil
	}

	result := &CloseResult{}
	err = t.db.RunInTx(ctx, storage.DefaultTxOptions("close_position"), func(tx *gorm.DB) error {
		pos, err := t.db.GetPositionForUpdate(tx, req.PositionID)
		if err != nil {
			return err
		}
		if pos.Status != types.StatusOpen {
			result.AlreadyProcessed = true
			return nil
		}

		triggerType, transitionType, target := closureTypes(req.Kind)

		// Trigger event carries the idempotency key; the transition
		// event below is the one-per-transition audit entry.
		transitionKey := ""
		if triggerType != "" {
			if _, err := t.events.Append(tx, events.Record{
				PositionID:     pos.ID,
				Type:           triggerType,
				Payload: map[string]any{
					"trigger_price": events.DecimalPayload(req.ExitPrice),
					"triggered_at":  events.TimePayload(req.TriggeredAt),
				},
				IdempotencyKey: key,
			}); err != nil {
				return err
			}
		} else {
			transitionKey = key
		}

		exec, err := t.RecordExecution(tx, pos.ID, "", req.Kind, req.ExitPrice, pos.Size, req.TriggeredAt)
		if err != nil {
			return err
		}

		pnl := realizedPnl(pos.Side, pos.AvgEntryPrice, req.ExitPrice, pos.Size).Sub(req.Fee)
		result.RealizedPnl = pnl

		now := time.Now()
		reason := req.Reason
		marginShare := pos.MarginUsed
		pos.ClosedAt = &now
		pos.CloseReason = &reason
		pos.RealizedPnl = pos.RealizedPnl.Add(pnl)
		pos.Size = decimal.Zero
		pos.UnrealizedPnl = decimal.Zero
		pos.MarginUsed = decimal.Zero

		if _, err := t.sm.Transition(tx, pos, target, transitionType, map[string]any{
			"close_reason": string(reason),
			"exit_price":   events.DecimalPayload(req.ExitPrice),
			"realized_pnl": events.DecimalPayload(pos.RealizedPnl),
			"fee":          events.DecimalPayload(req.Fee),
		}, transitionKey); err != nil {
			return err
		}

		if err := t.ledger.RealizePnl(tx, pos.AccountID, pos.ID, exec.ID, pnl,
			fmt.Sprintf("%s exit of %s at %s", reason, pos.Symbol, req.ExitPrice)); err != nil {
			return err
		}
		return t.ledger.ReleaseMargin(tx, pos.AccountID, pos.ID, marginShare)
	})
	if err != nil {
		// A concurrent closure won the key race; the effect exists exactly once.
		if errors.Is(err, types.ErrDuplicate) {
			return &CloseResult{AlreadyProcessed: true}, nil
		}
		return nil, err
	}

	if !result.AlreadyProcessed {
		log.Info().
			Str("position_id", req.PositionID).
			Str("kind", string(req.Kind)).
			Str("exit_price", req.ExitPrice.StringFixed(5)).
			Str("pnl", result.RealizedPnl.StringFixed(4)).
			Msg("🔒 Position closed")
	}
	return result, nil
}

// TriggerStopLoss closes a position because its stop fired
func (t *Tracker) TriggerStopLoss(ctx context.Context, positionID string, price decimal.Decimal, triggeredAt time.Time) (*CloseResult, error) {
	return t.Close(ctx, CloseRequest{
		PositionID:  positionID,
		Kind:        types.ExecStopLoss,
		ExitPrice:   price,
		TriggeredAt: triggeredAt,
		Reason:      types.CloseStopLoss,
	})
}

// TriggerTakeProfit closes a position because its take-profit fired
func (t *Tracker) TriggerTakeProfit(ctx context.Context, positionID string, price decimal.Decimal, triggeredAt time.Time) (*CloseResult, error) {
	return t.Close(ctx, CloseRequest{
		PositionID:  positionID,
		Kind:        types.ExecTakeProfit,
		ExitPrice:   price,
		TriggeredAt: triggeredAt,
		Reason:      types.CloseTakeProfit,
	})
}

// CloseManual is the operator-initiated full exit
func (t *Tracker) CloseManual(ctx context.Context, positionID string, price decimal.Decimal) (*CloseResult, error) {
	return t.Close(ctx, CloseRequest{
		PositionID:  positionID,
		Kind:        types.ExecFullExit,
		ExitPrice:   price,
		TriggeredAt: time.Now(),
		Reason:      types.CloseManual,
	})
}

// PartialExit reduces an open position by exitSize at price, realizing
// the proportional P&L and releasing the proportional margin share.
func (t *Tracker) PartialExit(ctx context.Context, positionID string, exitSize, price decimal.Decimal) error {
	if !exitSize.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("%w: partial exit needs positive size and price", types.ErrInvalidFill)
	}

	return t.db.RunInTx(ctx, storage.DefaultTxOptions("partial_exit"), func(tx *gorm.DB) error {
		pos, err := t.db.GetPositionForUpdate(tx, positionID)
		if err != nil {
			return err
		}
		if pos.Status != types.StatusOpen {
			return fmt.Errorf("%w: position %s is %s", types.ErrInvalidTransition, pos.ID, pos.Status)
		}
		if exitSize.GreaterThanOrEqual(pos.Size) {
			return fmt.Errorf("%w: partial exit %s >= open size %s, use Close",
				types.ErrInvalidFill, exitSize, pos.Size)
		}

		exec, err := t.RecordExecution(tx, pos.ID, "", types.ExecPartialExit, price, exitSize, time.Now())
		if err != nil {
			return err
		}

		pnl := realizedPnl(pos.Side, pos.AvgEntryPrice, price, exitSize)
		marginShare := pos.MarginUsed.Mul(exitSize).Div(pos.Size)

		pos.Size = pos.Size.Sub(exitSize)
		pos.MarginUsed = pos.MarginUsed.Sub(marginShare)
		pos.RealizedPnl = pos.RealizedPnl.Add(pnl)

		if _, err := t.events.Append(tx, events.Record{
			PositionID: pos.ID,
			Type:       types.EventPositionUpdated,
			Payload: map[string]any{
				"size":         events.DecimalPayload(pos.Size),
				"realized_pnl": events.DecimalPayload(pos.RealizedPnl),
				"exit_price":   events.DecimalPayload(price),
				"exit_size":    events.DecimalPayload(exitSize),
			},
		}); err != nil {
			return err
		}
		if err := t.db.SavePosition(tx, pos); err != nil {
			return err
		}

		if err := t.ledger.RealizePnl(tx, pos.AccountID, pos.ID, exec.ID, pnl,
			fmt.Sprintf("partial exit of %s at %s", pos.Symbol, price)); err != nil {
			return err
		}
		return t.ledger.ReleaseMargin(tx, pos.AccountID, pos.ID, marginShare)
	})
}

// closureTypes maps an execution kind to its trigger event, transition
// event and target state.
func closureTypes(kind types.ExecutionKind) (trigger, transition types.EventType, target types.PositionStatus) {
	switch kind {
	case types.ExecStopLoss:
		return types.EventStopLossTriggered, types.EventPositionClosed, types.StatusClosed
	case types.ExecTakeProfit:
		return types.EventTakeProfitTriggered, types.EventPositionClosed, types.StatusClosed
	case types.ExecLiquidation:
		return "", types.EventPositionLiquidated, types.StatusLiquidated
	default:
		return "", types.EventPositionClosed, types.StatusClosed
	}
}
