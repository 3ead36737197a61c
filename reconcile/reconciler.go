package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quayyum-a/tradecore/alerts"
	"github.com/quayyum-a/tradecore/broker"
	"github.com/quayyum-a/tradecore/execution"
	"github.com/quayyum-a/tradecore/metrics"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER RECONCILER - Periodic broker-vs-DB convergence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each cycle diffs the DB's OPEN positions against the broker's open
// set, keyed by (symbol, side):
//   DB open, broker closed  → repair: close the DB position, release
//                             margin, alert (SYNC_DB)
//   broker open, DB missing → alert only, never auto-create
//
// A broker failure degrades to an empty broker set with an alert; the
// loop never terminates on a single-cycle failure. This prevents ghost
// positions surviving crashes or missed execution reports.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Action is the repair decision for one discrepancy
type Action string

const (
	ActionSyncDb    Action = "SYNC_DB"
	ActionAlertOnly Action = "ALERT_ONLY"
)

// Discrepancy is one broker-vs-DB mismatch
type Discrepancy struct {
	PositionID   string `json:"position_id,omitempty"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	DbStatus     string `json:"db_status"`
	BrokerStatus string `json:"broker_status"`
	Action       Action `json:"action"`
}

// Stats aggregates reconciler activity
type Stats struct {
	TotalReconciliations int64
	TotalDiscrepancies   int64
	LastRun              time.Time
	AverageDurationMs    float64
}

// PriceSource supplies the latest price for repair closes
type PriceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// Deregistrar removes repaired positions from SL/TP monitoring
type Deregistrar interface {
	Deregister(positionID string)
}

// Reconciler diffs and repairs broker-vs-DB drift
type Reconciler struct {
	mu    sync.Mutex
	stats Stats
	totalDurationMs int64

	interval time.Duration
	db       *storage.Database
	tracker  *execution.Tracker
	broker   broker.Adapter
	prices   PriceSource
	monitor  Deregistrar
	notifier alerts.Notifier
}

// New creates the reconciler
func New(interval time.Duration, db *storage.Database, tracker *execution.Tracker,
	adapter broker.Adapter, prices PriceSource, monitor Deregistrar, notifier alerts.Notifier) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		interval: interval,
		db:       db,
		tracker:  tracker,
		broker:   adapter,
		prices:   prices,
		monitor:  monitor,
		notifier: notifier,
	}
}

// Start runs the reconciliation loop until the context is cancelled
func (r *Reconciler) Start(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("🔄 Broker reconciler started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Broker reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("❌ Reconciliation cycle failed")
			}
		}
	}
}

// RunOnce performs a single reconciliation cycle
func (r *Reconciler) RunOnce(ctx context.Context) ([]Discrepancy, error) {
	started := time.Now()

	dbPositions, err := r.db.GetOpenPositions(nil)
	if err != nil {
		return nil, err
	}

	brokerPositions, err := r.broker.OpenPositions(ctx)
	if err != nil {
		// Tolerate broker failures: continue with an empty set
		log.Warn().Err(err).Msg("⚠️ Broker query failed, reconciling against empty set")
		r.notifier.Alert(alerts.LevelWarning, "Broker unreachable",
			fmt.Sprintf("reconciler proceeding with empty broker set: %v", err))
		brokerPositions = nil
	}

	brokerIndex := make(map[string]types.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerIndex[key(bp.Symbol, bp.Side)] = bp
	}
	dbIndex := make(map[string]bool, len(dbPositions))
	for i := range dbPositions {
		dbIndex[key(dbPositions[i].Symbol, dbPositions[i].Side)] = true
	}

	var discrepancies []Discrepancy
	var actions []string

	// DB open but broker closed: converge the DB to the broker's view
	for i := range dbPositions {
		pos := dbPositions[i]
		if _, ok := brokerIndex[key(pos.Symbol, pos.Side)]; ok {
			continue
		}
		disc := Discrepancy{
			PositionID:   pos.ID,
			Symbol:       pos.Symbol,
			Side:         string(pos.Side),
			DbStatus:     string(types.StatusOpen),
			BrokerStatus: "CLOSED",
			Action:       ActionSyncDb,
		}
		discrepancies = append(discrepancies, disc)
		metrics.Discrepancies.WithLabelValues("sync_db").Inc()

		if err := r.repair(ctx, &pos); err != nil {
			log.Error().Err(err).Str("position_id", pos.ID).Msg("❌ Reconciliation repair failed")
			actions = append(actions, fmt.Sprintf("repair %s failed: %v", pos.ID, err))
			continue
		}
		actions = append(actions, fmt.Sprintf("closed %s (%s %s)", pos.ID, pos.Symbol, pos.Side))
		r.notifier.Alert(alerts.LevelWarning, "Position repaired",
			fmt.Sprintf("%s %s position %s was open in the DB but closed at the broker; DB synced",
				pos.Symbol, pos.Side, pos.ID))
	}

	// Broker open but DB missing: never auto-create
	for _, bp := range brokerPositions {
		if dbIndex[key(bp.Symbol, bp.Side)] {
			continue
		}
		disc := Discrepancy{
			PositionID:   bp.PositionID,
			Symbol:       bp.Symbol,
			Side:         string(bp.Side),
			DbStatus:     "MISSING",
			BrokerStatus: string(types.StatusOpen),
			Action:       ActionAlertOnly,
		}
		discrepancies = append(discrepancies, disc)
		metrics.Discrepancies.WithLabelValues("alert_only").Inc()
		actions = append(actions, fmt.Sprintf("alert for broker position %s", bp.PositionID))
		r.notifier.Alert(alerts.LevelCritical, "Unknown broker position",
			fmt.Sprintf("broker reports %s %s size %s with no matching DB position — manual investigation required",
				bp.Symbol, bp.Side, bp.Size.StringFixed(4)))
	}

	duration := time.Since(started)
	r.record(len(dbPositions), discrepancies, actions, duration)
	metrics.Reconciliations.Inc()

	if len(discrepancies) > 0 {
		log.Warn().
			Int("discrepancies", len(discrepancies)).
			Dur("duration", duration).
			Msg("🔄 Reconciliation found drift")
	} else {
		log.Debug().
			Int("positions", len(dbPositions)).
			Dur("duration", duration).
			Msg("Reconciliation clean")
	}
	return discrepancies, nil
}

// repair closes the DB position the broker no longer has. The closure
// runs through the tracker's idempotent path, so a crashed repair
// retried next cycle collapses into one effect.
func (r *Reconciler) repair(ctx context.Context, pos *storage.Position) error {
	price, ok := r.prices.Price(pos.Symbol)
	if !ok {
		price = pos.AvgEntryPrice
	}

	result, err := r.tracker.Close(ctx, execution.CloseRequest{
		PositionID:  pos.ID,
		Kind:        types.ExecFullExit,
		ExitPrice:   price,
		TriggeredAt: time.Now(),
		Reason:      types.CloseBrokerReconciliation,
	})
	if err != nil {
		return err
	}
	if !result.AlreadyProcessed {
		r.monitor.Deregister(pos.ID)
		metrics.Closures.WithLabelValues(string(types.CloseBrokerReconciliation)).Inc()
	}
	return nil
}

// record updates stats and persists the reconciliation log row
func (r *Reconciler) record(checked int, discrepancies []Discrepancy, actions []string, duration time.Duration) {
	r.mu.Lock()
	r.stats.TotalReconciliations++
	r.stats.TotalDiscrepancies += int64(len(discrepancies))
	r.stats.LastRun = time.Now()
	r.totalDurationMs += duration.Milliseconds()
	r.stats.AverageDurationMs = float64(r.totalDurationMs) / float64(r.stats.TotalReconciliations)
	r.mu.Unlock()

	discJSON, _ := json.Marshal(discrepancies)
	actionsJSON, _ := json.Marshal(actions)
	entry := &storage.ReconciliationLog{
		ReconciliationID:   uuid.NewString(),
		PositionsChecked:   checked,
		DiscrepanciesFound: len(discrepancies),
		Discrepancies:      string(discJSON),
		ActionsTaken:       string(actionsJSON),
		DurationMs:         duration.Milliseconds(),
	}
	if err := r.db.SaveReconciliationLog(entry); err != nil {
		log.Warn().Err(err).Msg("Reconciliation log write failed")
	}
}

// Stats returns a snapshot of reconciler statistics
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func key(symbol string, side types.Side) string {
	return symbol + "_" + string(side)
}
