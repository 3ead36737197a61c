package events

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REPLAY - Deterministic fold of an event log into a position
// ═══════════════════════════════════════════════════════════════════════════════
//
// Events are loaded in batches ordered by created_at ASC; the fold yields
// to the scheduler between batches so replay never monopolizes a task.
// Replaying the same log twice yields an identical position.
//
// ═══════════════════════════════════════════════════════════════════════════════

const DefaultReplayBatchSize = 100

// Replay rebuilds the position aggregate from its event log.
func (s *Store) Replay(ctx context.Context, positionID string) (*storage.Position, error) {
	return s.ReplayBatched(ctx, positionID, s.batchSize)
}

// ReplayBatched is Replay with an explicit batch size.
func (s *Store) ReplayBatched(ctx context.Context, positionID string, batchSize int) (*storage.Position, error) {
	if batchSize <= 0 {
		batchSize = DefaultReplayBatchSize
	}

	var pos *storage.Position
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: replay of %s cancelled", types.ErrTimeout, positionID)
		}

		batch, err := s.ByPosition(positionID, "ASC", batchSize, offset)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			pos, err = ApplyEvent(pos, &batch[i])
			if err != nil {
				return nil, err
			}
		}

		offset += len(batch)
		if len(batch) < batchSize {
			break
		}
		// Yield between batches so long replays don't starve the scheduler
		runtime.Gosched()
	}

	if pos == nil {
		return nil, fmt.Errorf("%w: position %s has no events", types.ErrNotFound, positionID)
	}

	log.Debug().
		Str("position_id", positionID).
		Int("events", offset).
		Msg("Replay complete")
	return pos, nil
}

// ApplyEvent folds one event into the aggregate. The reduction is
// deterministic: the same event applied to the same state always
// produces the same result.
func ApplyEvent(pos *storage.Position, ev *storage.PositionEvent) (*storage.Position, error) {
	payload := map[string]any{}
	if ev.Payload != "" {
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			return nil, fmt.Errorf("decode payload of event %s: %w", ev.ID, err)
		}
	}

	if ev.EventType == types.EventPositionCreated {
		pos = &storage.Position{
			ID:            ev.PositionID,
			AccountID:     payloadString(payload, "account_id"),
			Symbol:        payloadString(payload, "symbol"),
			Side:          types.Side(payloadString(payload, "side")),
			Size:          payloadDecimal(payload, "size"),
			AvgEntryPrice: payloadDecimal(payload, "entry_price"),
			Leverage:      payloadDecimal(payload, "leverage"),
			MarginUsed:    payloadDecimal(payload, "margin_used"),
			Status:        types.StatusPending,
			OpenedAt:      ev.CreatedAt,
			CreatedAt:     ev.CreatedAt,
			UpdatedAt:     ev.CreatedAt,
		}
		if sl := payloadDecimal(payload, "stop_loss"); !sl.IsZero() {
			pos.StopLoss = &sl
		}
		if tp := payloadDecimal(payload, "take_profit"); !tp.IsZero() {
			pos.TakeProfit = &tp
		}
		applyStatus(pos, ev)
		return pos, nil
	}

	if pos == nil {
		return nil, fmt.Errorf("event %s (%s) precedes POSITION_CREATED", ev.ID, ev.EventType)
	}

	switch ev.EventType {
	case types.EventOrderFilled, types.EventPartialFill:
		fillSize := payloadDecimal(payload, "filled_size")
		fillPrice := payloadDecimal(payload, "filled_price")
		totalCost := pos.AvgEntryPrice.Mul(pos.Size).Add(fillPrice.Mul(fillSize))
		pos.Size = pos.Size.Add(fillSize)
		if !pos.Size.IsZero() {
			pos.AvgEntryPrice = totalCost.Div(pos.Size)
		}

	case types.EventPositionClosed, types.EventPositionLiquidated:
		closedAt := ev.CreatedAt
		pos.ClosedAt = &closedAt
		if reason := payloadString(payload, "close_reason"); reason != "" {
			cr := types.CloseReason(reason)
			pos.CloseReason = &cr
		}
		pos.RealizedPnl = payloadDecimal(payload, "realized_pnl")
		pos.Size = decimal.Zero

	case types.EventPositionUpdated:
		if _, ok := payload["stop_loss"]; ok {
			sl := payloadDecimal(payload, "stop_loss")
			pos.StopLoss = &sl
		}
		if _, ok := payload["take_profit"]; ok {
			tp := payloadDecimal(payload, "take_profit")
			pos.TakeProfit = &tp
		}
		if _, ok := payload["unrealized_pnl"]; ok {
			pos.UnrealizedPnl = payloadDecimal(payload, "unrealized_pnl")
		}
		// Partial exits overlay the reduced size and cumulative P&L
		if _, ok := payload["size"]; ok {
			pos.Size = payloadDecimal(payload, "size")
		}
		if _, ok := payload["realized_pnl"]; ok {
			pos.RealizedPnl = payloadDecimal(payload, "realized_pnl")
		}
	}

	applyStatus(pos, ev)
	return pos, nil
}

func applyStatus(pos *storage.Position, ev *storage.PositionEvent) {
	if ev.NewStatus != nil {
		pos.Status = *ev.NewStatus
	}
	pos.UpdatedAt = ev.CreatedAt
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// payloadDecimal decodes a decimal that JSON round-tripped as a string
// or a number. Missing keys decode to zero.
func payloadDecimal(payload map[string]any, key string) decimal.Decimal {
	switch v := payload[key].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case json.Number:
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return d
		}
	}
	return decimal.Zero
}

// DecimalPayload renders decimals as strings for lossless payload storage
func DecimalPayload(d decimal.Decimal) string {
	return d.String()
}

// TimePayload renders a timestamp in a payload-stable form
func TimePayload(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
