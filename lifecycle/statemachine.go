package lifecycle

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE MACHINE - Guarded position transitions
// ═══════════════════════════════════════════════════════════════════════════════
//
//   (none)     → PENDING     signal accepted
//   PENDING    → OPEN        order tracker completes
//   PENDING    → CLOSED      cancelled before any fill
//   OPEN       → CLOSED      exit / stop / take-profit / manual
//   OPEN       → LIQUIDATED  margin breach cascade
//   CLOSED     → ARCHIVED    retention
//   LIQUIDATED → ARCHIVED    retention
//
// Every accepted transition emits exactly one position event atomically
// with the row update. Everything else is rejected with no side effects.
//
// ═══════════════════════════════════════════════════════════════════════════════

var allowed = map[types.PositionStatus][]types.PositionStatus{
	types.StatusPending:    {types.StatusOpen, types.StatusClosed},
	types.StatusOpen:       {types.StatusClosed, types.StatusLiquidated},
	types.StatusClosed:     {types.StatusArchived},
	types.StatusLiquidated: {types.StatusArchived},
	types.StatusArchived:   {},
}

// StateMachine owns position status transitions
type StateMachine struct {
	db     *storage.Database
	events *events.Store
}

// NewStateMachine creates the state machine over storage and the event log
func NewStateMachine(db *storage.Database, store *events.Store) *StateMachine {
	return &StateMachine{db: db, events: store}
}

// CanTransition reports whether from → to is an allowed transition
func CanTransition(from, to types.PositionStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves pos to the target status, emitting one event and
// saving the row inside the caller's transaction. The event type and
// payload describe the trigger; idempotencyKey may be empty.
func (sm *StateMachine) Transition(tx *gorm.DB, pos *storage.Position, to types.PositionStatus,
	eventType types.EventType, payload map[string]any, idempotencyKey string) (*storage.PositionEvent, error) {

	from := pos.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s → %s for position %s", types.ErrInvalidTransition, from, to, pos.ID)
	}

	prev := from
	next := to
	ev, err := sm.events.Append(tx, events.Record{
		PositionID:     pos.ID,
		Type:           eventType,
		PrevStatus:     &prev,
		NewStatus:      &next,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	pos.Status = to
	if err := sm.db.SavePosition(tx, pos); err != nil {
		return nil, err
	}

	log.Debug().
		Str("position_id", pos.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("event", string(eventType)).
		Msg("State transition")
	return ev, nil
}
