package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT STORE - Append-only position event log
// ═══════════════════════════════════════════════════════════════════════════════
//
// Invariants:
// 1. Append-only: events are never mutated or deleted
// 2. Idempotency keys are unique; a second append with the same key fails
// 3. Events for one position are totally ordered by created_at
//
// ═══════════════════════════════════════════════════════════════════════════════

const payloadSchemaVersion = 1

// Store persists and replays position events
type Store struct {
	db        *storage.Database
	batchSize int
}

// NewStore creates an event store over the database
func NewStore(db *storage.Database) *Store {
	return &Store{db: db}
}

// SetReplayBatchSize overrides the replay batch size
func (s *Store) SetReplayBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// Record describes an event to append
type Record struct {
	PositionID     string
	Type           types.EventType
	PrevStatus     *types.PositionStatus
	NewStatus      *types.PositionStatus
	Payload        map[string]any
	IdempotencyKey string
}

// Append inserts an event. When an idempotency key is set and already
// present, ErrDuplicate is returned and nothing is written.
func (s *Store) Append(tx *gorm.DB, rec Record) (*storage.PositionEvent, error) {
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload["schema_version"] = payloadSchemaVersion

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	ev := &storage.PositionEvent{
		ID:             uuid.NewString(),
		PositionID:     rec.PositionID,
		EventType:      rec.Type,
		PreviousStatus: rec.PrevStatus,
		NewStatus:      rec.NewStatus,
		Payload:        string(raw),
		CreatedAt:      time.Now(),
	}
	if rec.IdempotencyKey != "" {
		exists, err := s.hasKey(tx, rec.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", types.ErrDuplicate, rec.IdempotencyKey)
		}
		key := rec.IdempotencyKey
		ev.IdempotencyKey = &key
	}

	handle := tx
	if handle == nil {
		handle = s.db.DB()
	}
	if err := handle.Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

// HasKey reports whether an idempotency key was already written.
// Closure emitters consult this before running side effects.
func (s *Store) HasKey(key string) (bool, error) {
	return s.hasKey(nil, key)
}

func (s *Store) hasKey(tx *gorm.DB, key string) (bool, error) {
	handle := tx
	if handle == nil {
		handle = s.db.DB()
	}
	var count int64
	err := handle.Model(&storage.PositionEvent{}).
		Where("idempotency_key = ?", key).
		Count(&count).Error
	return count > 0, err
}

// ByPosition returns a page of events for a position.
// order is "ASC" or "DESC"; limit <= 0 means no limit.
func (s *Store) ByPosition(positionID, order string, limit, offset int) ([]storage.PositionEvent, error) {
	if order != "DESC" {
		order = "ASC"
	}
	q := s.db.DB().
		Where("position_id = ?", positionID).
		Order("created_at " + order).Order("id " + order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var events []storage.PositionEvent
	err := q.Find(&events).Error
	return events, err
}

// CountByPosition counts a position's events
func (s *Store) CountByPosition(positionID string) (uint64, error) {
	var count int64
	err := s.db.DB().Model(&storage.PositionEvent{}).
		Where("position_id = ?", positionID).
		Count(&count).Error
	return uint64(count), err
}

// ClosureKey builds the deterministic idempotency key that collapses
// duplicate closure triggers into a single effect.
func ClosureKey(positionID string, triggeredAt time.Time) string {
	return fmt.Sprintf("close_%s_%d", positionID, triggeredAt.UnixMilli())
}
