package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/ledger"
	"github.com/quayyum-a/tradecore/lifecycle"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION TRACKER - Fills, partial-fill aggregation, exits
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every fill (a) writes a TradeExecution row, (b) updates the order
// tracker, (c) mutates the position, (d) emits the matching event, and
// (e) asks the state machine for a transition when the order completes.
// All of it inside one coordinator transaction.
//
// Order trackers live in memory, owned by this component; nothing else
// mutates them.
//
// ═══════════════════════════════════════════════════════════════════════════════

// duplicateFillWindow flags identical (size, price) fills on the same
// order arriving within this window as suspected duplicates.
const duplicateFillWindow = 1000 * time.Millisecond

// Tracker records executions and aggregates partial fills
type Tracker struct {
	mu       sync.Mutex
	trackers map[string]*types.OrderTracker // by orderID

	db     *storage.Database
	events *events.Store
	ledger *ledger.Ledger
	sm     *lifecycle.StateMachine
}

// NewTracker creates the execution tracker
func NewTracker(db *storage.Database, store *events.Store, led *ledger.Ledger, sm *lifecycle.StateMachine) *Tracker {
	return &Tracker{
		trackers: make(map[string]*types.OrderTracker),
		db:       db,
		events:   store,
		ledger:   led,
		sm:       sm,
	}
}

// TrackOrder registers an entry order so fills aggregate against the
// requested size.
func (t *Tracker) TrackOrder(orderID, positionID string, originalSize decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackers[orderID] = &types.OrderTracker{
		OrderID:       orderID,
		PositionID:    positionID,
		OriginalSize:  originalSize,
		RemainingSize: originalSize,
	}
}

// Order returns a copy of an order tracker
func (t *Tracker) Order(orderID string) (types.OrderTracker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracker, ok := t.trackers[orderID]
	if !ok {
		return types.OrderTracker{}, false
	}
	return *tracker, true
}

// Fill is one execution report applied to a tracked order
type Fill struct {
	OrderID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	ExecutedAt time.Time
}

// validateFill enforces the fill contract before any mutation
func (t *Tracker) validateFill(tracker *types.OrderTracker, fill Fill) error {
	switch {
	case fill.OrderID == "":
		return fmt.Errorf("%w: missing order id", types.ErrInvalidFill)
	case !fill.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive, got %s", types.ErrInvalidFill, fill.Size)
	case !fill.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive, got %s", types.ErrInvalidFill, fill.Price)
	case fill.ExecutedAt.After(time.Now().Add(time.Second)):
		return fmt.Errorf("%w: executed_at is in the future", types.ErrInvalidFill)
	case tracker.IsComplete:
		return fmt.Errorf("%w: order %s already complete", types.ErrInvalidFill, fill.OrderID)
	case tracker.FilledSize.Add(fill.Size).GreaterThan(tracker.OriginalSize):
		return fmt.Errorf("%w: overfill: %s + %s > %s", types.ErrInvalidFill,
			tracker.FilledSize, fill.Size, tracker.OriginalSize)
	}
	if tracker.FillCount > 0 &&
		tracker.LastFillSize.Equal(fill.Size) &&
		tracker.LastFillPrice.Equal(fill.Price) &&
		fill.ExecutedAt.Sub(tracker.LastFillAt).Abs() < duplicateFillWindow {
		return fmt.Errorf("%w: suspected duplicate fill on order %s (%s @ %s)",
			types.ErrInvalidFill, fill.OrderID, fill.Size, fill.Price)
	}
	return nil
}

// ProcessPartialFill applies one partial fill to a tracked order
func (t *Tracker) ProcessPartialFill(ctx context.Context, fill Fill) error {
	return t.processFill(ctx, fill, true)
}

// ProcessFullFill applies a fill expected to complete the order
func (t *Tracker) ProcessFullFill(ctx context.Context, fill Fill) error {
	return t.processFill(ctx, fill, false)
}

func (t *Tracker) processFill(ctx context.Context, fill Fill, partial bool) error {
	t.mu.Lock()
	tracker, ok := t.trackers[fill.OrderID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: order %s is not tracked", types.ErrNotFound, fill.OrderID)
	}
	if err := t.validateFill(tracker, fill); err != nil {
		t.mu.Unlock()
		return err
	}
	// Work on a copy; the shared tracker is committed only if the
	// transaction commits.
	staged := *tracker
	staged.RecordFill(fill.Price, fill.Size, fill.ExecutedAt)
	t.mu.Unlock()

	eventType := types.EventPartialFill
	if staged.IsComplete {
		eventType = types.EventOrderFilled
	}

	err := t.db.RunInTx(ctx, storage.DefaultTxOptions("process_fill"), func(tx *gorm.DB) error {
		pos, err := t.db.GetPositionForUpdate(tx, staged.PositionID)
		if err != nil {
			return err
		}

		if err := t.db.SaveExecution(tx, &storage.TradeExecution{
			ID:            uuid.NewString(),
			PositionID:    pos.ID,
			OrderID:       fill.OrderID,
			ExecutionType: types.ExecEntry,
			Price:         fill.Price,
			Size:          fill.Size,
			FillSequence:  staged.FillCount,
			ExecutedAt:    fill.ExecutedAt,
		}); err != nil {
			return err
		}

		// Size-weighted average entry over prior state and this fill
		totalCost := pos.AvgEntryPrice.Mul(pos.Size).Add(fill.Price.Mul(fill.Size))
		pos.Size = pos.Size.Add(fill.Size)
		if !pos.Size.IsZero() {
			pos.AvgEntryPrice = totalCost.Div(pos.Size)
		}

		if _, err := t.events.Append(tx, events.Record{
			PositionID: pos.ID,
			Type:       eventType,
			Payload: map[string]any{
				"order_id":     fill.OrderID,
				"filled_size":  events.DecimalPayload(fill.Size),
				"filled_price": events.DecimalPayload(fill.Price),
				"fill_seq":     staged.FillCount,
			},
		}); err != nil {
			return err
		}
		if err := t.db.SavePosition(tx, pos); err != nil {
			return err
		}

		if staged.IsComplete && pos.Status == types.StatusPending {
			_, err := t.sm.Transition(tx, pos, types.StatusOpen, types.EventPositionOpened, map[string]any{
				"order_id":        fill.OrderID,
				"avg_entry_price": events.DecimalPayload(pos.AvgEntryPrice),
				"size":            events.DecimalPayload(pos.Size),
			}, "")
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.trackers[fill.OrderID] = &staged
	t.mu.Unlock()

	log.Info().
		Str("order_id", fill.OrderID).
		Str("position_id", staged.PositionID).
		Str("size", fill.Size.StringFixed(4)).
		Str("price", fill.Price.StringFixed(5)).
		Bool("complete", staged.IsComplete).
		Msg("✅ Fill recorded")

	if partial && staged.IsComplete {
		log.Debug().Str("order_id", fill.OrderID).Msg("Partial fill completed the order")
	}
	return nil
}

// RecordExecution appends a standalone execution row inside the
// caller's transaction (exits, liquidations).
func (t *Tracker) RecordExecution(tx *gorm.DB, positionID, orderID string, kind types.ExecutionKind,
	price, size decimal.Decimal, executedAt time.Time) (*storage.TradeExecution, error) {

	exec := &storage.TradeExecution{
		ID:            uuid.NewString(),
		PositionID:    positionID,
		OrderID:       orderID,
		ExecutionType: kind,
		Price:         price,
		Size:          size,
		ExecutedAt:    executedAt,
	}
	if err := t.db.SaveExecution(tx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// realizedPnl computes exit P&L: (exit − entry) × size for a long,
// (entry − exit) × size for a short.
func realizedPnl(side types.Side, entry, exit, size decimal.Decimal) decimal.Decimal {
	if side == types.SideBuy {
		return exit.Sub(entry).Mul(size)
	}
	return entry.Sub(exit).Mul(size)
}
