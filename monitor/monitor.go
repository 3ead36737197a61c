package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/execution"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SL/TP MONITOR - Per-tick trigger evaluation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trigger rules per monitored open position:
//
//   side  | stop-loss fires     | take-profit fires
//   BUY   | price <= stopLoss   | price >= takeProfit
//   SELL  | price >= stopLoss   | price <= takeProfit
//
// Triggers are never executed inline on the tick path: they are
// enqueued and a single worker drains the queue. Only positions
// monitoring the ticked symbol are re-evaluated.
//
// ═══════════════════════════════════════════════════════════════════════════════

type watched struct {
	positionID string
	accountID  string
	symbol     string
	side       types.Side
	size       decimal.Decimal
	entry      decimal.Decimal
	stopLoss   *decimal.Decimal
	takeProfit *decimal.Decimal
}

// Monitor watches open positions for SL/TP conditions
type Monitor struct {
	mu        sync.RWMutex
	prices    map[string]decimal.Decimal // latest price per symbol
	bySymbol  map[string]map[string]*watched
	byID      map[string]*watched

	queue   *Queue
	db      *storage.Database
	events  *events.Store
	tracker *execution.Tracker
}

// New creates the monitor over the trigger queue
func New(db *storage.Database, store *events.Store, tracker *execution.Tracker, queue *Queue) *Monitor {
	return &Monitor{
		prices:   make(map[string]decimal.Decimal),
		bySymbol: make(map[string]map[string]*watched),
		byID:     make(map[string]*watched),
		queue:    queue,
		db:       db,
		events:   store,
		tracker:  tracker,
	}
}

// Register adds an open position to monitoring
func (m *Monitor) Register(pos *storage.Position) {
	if pos.Status != types.StatusOpen {
		return
	}
	w := &watched{
		positionID: pos.ID,
		accountID:  pos.AccountID,
		symbol:     pos.Symbol,
		side:       pos.Side,
		size:       pos.Size,
		entry:      pos.AvgEntryPrice,
		stopLoss:   pos.StopLoss,
		takeProfit: pos.TakeProfit,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySymbol[pos.Symbol] == nil {
		m.bySymbol[pos.Symbol] = make(map[string]*watched)
	}
	m.bySymbol[pos.Symbol][pos.ID] = w
	m.byID[pos.ID] = w

	log.Debug().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Msg("👁️ Position monitored")
}

// Deregister removes a position from monitoring and drops its queued
// triggers. Called immediately on closure or cancellation.
func (m *Monitor) Deregister(positionID string) {
	m.mu.Lock()
	w, ok := m.byID[positionID]
	if ok {
		delete(m.byID, positionID)
		delete(m.bySymbol[w.symbol], positionID)
	}
	m.mu.Unlock()

	if ok {
		m.queue.Remove(positionID)
	}
}

// RecoverOpenPositions registers every OPEN position after a restart
func (m *Monitor) RecoverOpenPositions() (int, error) {
	positions, err := m.db.GetOpenPositions(nil)
	if err != nil {
		return 0, err
	}
	for i := range positions {
		m.Register(&positions[i])
	}
	if len(positions) > 0 {
		log.Info().Int("count", len(positions)).Msg("📥 Open positions re-monitored")
	}
	return len(positions), nil
}

// OnTick updates the symbol's latest price and evaluates only the
// positions monitoring that symbol.
func (m *Monitor) OnTick(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	m.prices[symbol] = price
	candidates := make([]*watched, 0, len(m.bySymbol[symbol]))
	for _, w := range m.bySymbol[symbol] {
		candidates = append(candidates, w)
	}
	m.mu.Unlock()

	// Re-enqueue parked triggers for this symbol before fresh ones
	for _, parked := range m.queue.DrainParked() {
		if parked.Symbol != symbol {
			m.queue.Park(parked)
			continue
		}
		parked.CurrentPrice = price
		m.queue.Enqueue(parked)
	}

	now := time.Now()
	for _, w := range candidates {
		if t := m.evaluate(w, price, now); t != nil {
			if m.queue.Enqueue(t) {
				log.Debug().
					Str("position_id", t.PositionID).
					Str("kind", string(t.Kind)).
					Str("urgency", string(t.Urgency)).
					Str("price", price.StringFixed(5)).
					Msg("⏰ Trigger enqueued")
			}
		}
	}
}

// evaluate applies the trigger table to one watched position
func (m *Monitor) evaluate(w *watched, price decimal.Decimal, now time.Time) *Trigger {
	var kind types.ExecutionKind
	var triggerPrice decimal.Decimal

	if w.stopLoss != nil {
		sl := *w.stopLoss
		if (w.side == types.SideBuy && price.LessThanOrEqual(sl)) ||
			(w.side == types.SideSell && price.GreaterThanOrEqual(sl)) {
			kind = types.ExecStopLoss
			triggerPrice = sl
		}
	}
	if kind == "" && w.takeProfit != nil {
		tp := *w.takeProfit
		if (w.side == types.SideBuy && price.GreaterThanOrEqual(tp)) ||
			(w.side == types.SideSell && price.LessThanOrEqual(tp)) {
			kind = types.ExecTakeProfit
			triggerPrice = tp
		}
	}
	if kind == "" {
		return nil
	}

	return &Trigger{
		PositionID:   w.positionID,
		Symbol:       w.symbol,
		Kind:         kind,
		TriggerPrice: triggerPrice,
		CurrentPrice: price,
		PositionSize: w.size,
		Risk:         riskFor(w, price),
		Due:          true,
		TriggeredAt:  now,
	}
}

// riskFor classifies unrealized loss against notional
func riskFor(w *watched, price decimal.Decimal) Risk {
	notional := w.entry.Mul(w.size)
	if !notional.IsPositive() {
		return RiskLow
	}
	loss := types.UnrealizedPnl(w.side, w.entry, price, w.size).Neg()
	if !loss.IsPositive() {
		return RiskLow
	}
	ratio := loss.Div(notional)
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.05)):
		return RiskHigh
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.01)):
		return RiskMedium
	default:
		return RiskLow
	}
}

// Price returns the latest cached price for a symbol
func (m *Monitor) Price(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	return p, ok
}

// UpdateStops adjusts a live position's SL/TP, emitting one
// PositionUpdated event atomically with the row update.
func (m *Monitor) UpdateStops(ctx context.Context, positionID string, stopLoss, takeProfit *decimal.Decimal) error {
	err := m.db.RunInTx(ctx, storage.DefaultTxOptions("update_stops"), func(tx *gorm.DB) error {
		pos, err := m.db.GetPositionForUpdate(tx, positionID)
		if err != nil {
			return err
		}
		payload := map[string]any{}
		if stopLoss != nil {
			pos.StopLoss = stopLoss
			payload["stop_loss"] = events.DecimalPayload(*stopLoss)
		}
		if takeProfit != nil {
			pos.TakeProfit = takeProfit
			payload["take_profit"] = events.DecimalPayload(*takeProfit)
		}
		if len(payload) == 0 {
			return nil
		}
		if _, err := m.events.Append(tx, events.Record{
			PositionID: positionID,
			Type:       types.EventPositionUpdated,
			Payload:    payload,
		}); err != nil {
			return err
		}
		return m.db.SavePosition(tx, pos)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if w, ok := m.byID[positionID]; ok {
		if stopLoss != nil {
			w.stopLoss = stopLoss
		}
		if takeProfit != nil {
			w.takeProfit = takeProfit
		}
	}
	m.mu.Unlock()
	return nil
}
