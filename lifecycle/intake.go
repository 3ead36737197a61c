package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/broker"
	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/ledger"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL INTAKE - signal → PENDING position → margin reserve → order
// ═══════════════════════════════════════════════════════════════════════════════

// OrderRegistrar is the execution tracker capability the intake needs:
// registering the entry order so partial fills aggregate against the
// requested size.
type OrderRegistrar interface {
	TrackOrder(orderID, positionID string, originalSize decimal.Decimal)
}

// Intake turns accepted signals into pending positions
type Intake struct {
	db          *storage.Database
	events      *events.Store
	ledger      *ledger.Ledger
	sm          *StateMachine
	broker      broker.Adapter
	registrar   OrderRegistrar
	maxLeverage decimal.Decimal
}

// SetMaxLeverage caps the leverage accepted from signals
func (in *Intake) SetMaxLeverage(max decimal.Decimal) {
	in.maxLeverage = max
}

// NewIntake wires the signal intake
func NewIntake(db *storage.Database, store *events.Store, led *ledger.Ledger, sm *StateMachine, adapter broker.Adapter, registrar OrderRegistrar) *Intake {
	return &Intake{db: db, events: store, ledger: led, sm: sm, broker: adapter, registrar: registrar}
}

// OpenFromSignal creates a PENDING position, reserves margin and places
// the entry order, all in one coordinator transaction. The broker order
// id is returned alongside the created position.
func (in *Intake) OpenFromSignal(ctx context.Context, sig types.Signal) (*storage.Position, string, error) {
	if !sig.Validate() {
		return nil, "", fmt.Errorf("%w: malformed signal for %s", types.ErrInvalidFill, sig.Symbol)
	}
	if in.maxLeverage.IsPositive() && sig.Leverage.GreaterThan(in.maxLeverage) {
		return nil, "", fmt.Errorf("%w: leverage %s exceeds maximum %s",
			types.ErrInvalidFill, sig.Leverage, in.maxLeverage)
	}

	marginRequired := sig.Entry.Mul(sig.Size).Div(sig.Leverage)
	positionID := uuid.NewString()
	orderID := ""

	err := in.db.RunInTx(ctx, storage.DefaultTxOptions("open_from_signal"), func(tx *gorm.DB) error {
		// Size starts at zero: the filled quantity accumulates through
		// fill events, which keeps the row in lockstep with replay.
		pos := &storage.Position{
			ID:            positionID,
			AccountID:     sig.AccountID,
			Symbol:        sig.Symbol,
			Side:          sig.Side,
			Size:          decimal.Zero,
			AvgEntryPrice: sig.Entry,
			Leverage:      sig.Leverage,
			MarginUsed:    marginRequired,
			Status:        types.StatusPending,
			OpenedAt:      time.Now(),
			CreatedAt:     time.Now(),
		}
		if !sig.StopLoss.IsZero() {
			sl := sig.StopLoss
			pos.StopLoss = &sl
		}
		if !sig.TakeProfit.IsZero() {
			tp := sig.TakeProfit
			pos.TakeProfit = &tp
		}
		if err := in.db.SavePosition(tx, pos); err != nil {
			return err
		}

		pending := types.StatusPending
		if _, err := in.events.Append(tx, events.Record{
			PositionID: positionID,
			Type:       types.EventPositionCreated,
			NewStatus:  &pending,
			Payload: map[string]any{
				"account_id":  sig.AccountID,
				"symbol":      sig.Symbol,
				"side":        string(sig.Side),
				"size":        "0",
				"requested_size": events.DecimalPayload(sig.Size),
				"entry_price": events.DecimalPayload(sig.Entry),
				"leverage":    events.DecimalPayload(sig.Leverage),
				"margin_used": events.DecimalPayload(marginRequired),
				"stop_loss":   events.DecimalPayload(sig.StopLoss),
				"take_profit": events.DecimalPayload(sig.TakeProfit),
			},
		}); err != nil {
			return err
		}

		if err := in.ledger.ReserveMargin(tx, sig.AccountID, positionID, marginRequired); err != nil {
			return err
		}

		var err error
		orderID, err = in.broker.PlaceOrder(ctx, types.OrderSpec{
			Symbol: sig.Symbol,
			Side:   sig.Side,
			Size:   sig.Size,
			Price:  sig.Entry,
		})
		if err != nil {
			return fmt.Errorf("%w: place order: %v", types.ErrBroker, err)
		}

		_, err = in.events.Append(tx, events.Record{
			PositionID: positionID,
			Type:       types.EventOrderPlaced,
			Payload: map[string]any{
				"order_id": orderID,
				"size":     events.DecimalPayload(sig.Size),
				"price":    events.DecimalPayload(sig.Entry),
			},
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}

	in.registrar.TrackOrder(orderID, positionID, sig.Size)

	log.Info().
		Str("position_id", positionID).
		Str("order_id", orderID).
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Str("size", sig.Size.StringFixed(4)).
		Str("margin", marginRequired.StringFixed(2)).
		Msg("📤 Position pending, margin reserved")

	pos, err := in.db.GetPosition(nil, positionID)
	return pos, orderID, err
}

// Cancel closes a PENDING position before any fill, releasing its margin
func (in *Intake) Cancel(ctx context.Context, positionID string) error {
	return in.db.RunInTx(ctx, storage.DefaultTxOptions("cancel_pending"), func(tx *gorm.DB) error {
		pos, err := in.db.GetPositionForUpdate(tx, positionID)
		if err != nil {
			return err
		}
		if pos.Status != types.StatusPending {
			return fmt.Errorf("%w: cannot cancel %s position %s", types.ErrInvalidTransition, pos.Status, pos.ID)
		}

		reason := types.CloseCancelled
		now := time.Now()
		pos.CloseReason = &reason
		pos.ClosedAt = &now
		pos.Size = decimal.Zero

		if _, err := in.sm.Transition(tx, pos, types.StatusClosed, types.EventPositionClosed, map[string]any{
			"close_reason": string(reason),
			"realized_pnl": "0",
		}, ""); err != nil {
			return err
		}
		return in.ledger.ReleaseMargin(tx, pos.AccountID, pos.ID, pos.MarginUsed)
	})
}

// ArchiveClosed archives CLOSED and LIQUIDATED positions older than the
// retention window.
func (in *Intake) ArchiveClosed(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	candidates, err := in.db.GetPositionsByStatus(nil, types.StatusClosed, types.StatusLiquidated)
	if err != nil {
		return 0, err
	}

	archived := 0
	for i := range candidates {
		pos := candidates[i]
		if pos.ClosedAt == nil || pos.ClosedAt.After(cutoff) {
			continue
		}
		err := in.db.RunInTx(ctx, storage.DefaultTxOptions("archive_position"), func(tx *gorm.DB) error {
			locked, err := in.db.GetPositionForUpdate(tx, pos.ID)
			if err != nil {
				return err
			}
			if locked.Status != types.StatusClosed && locked.Status != types.StatusLiquidated {
				return nil
			}
			_, err = in.sm.Transition(tx, locked, types.StatusArchived, types.EventPositionUpdated, map[string]any{
				"archived": true,
			}, "")
			return err
		})
		if err != nil {
			return archived, err
		}
		archived++
	}

	if archived > 0 {
		log.Info().Int("count", archived).Msg("🗃️ Positions archived")
	}
	return archived, nil
}
