package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quayyum-a/tradecore/execution"
	"github.com/quayyum-a/tradecore/metrics"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DRAIN WORKER - Single consumer of the trigger queue
// ═══════════════════════════════════════════════════════════════════════════════
//
// One worker pops the highest-priority trigger every drain interval and
// executes the closure within a timeout. A failed or timed-out trigger
// never blocks the next one; the idempotency key makes retries safe.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Worker drains the trigger queue
type Worker struct {
	queue          *Queue
	tracker        *execution.Tracker
	monitor        *Monitor
	drainInterval  time.Duration
	executeTimeout time.Duration
}

// NewWorker creates the drain worker
func NewWorker(queue *Queue, tracker *execution.Tracker, monitor *Monitor, drainInterval, executeTimeout time.Duration) *Worker {
	if drainInterval <= 0 {
		drainInterval = 25 * time.Millisecond
	}
	if executeTimeout <= 0 {
		executeTimeout = 3 * time.Second
	}
	return &Worker{
		queue:          queue,
		tracker:        tracker,
		monitor:        monitor,
		drainInterval:  drainInterval,
		executeTimeout: executeTimeout,
	}
}

// Start runs the drain loop until the context is cancelled
func (w *Worker) Start(ctx context.Context) {
	log.Info().
		Dur("interval", w.drainInterval).
		Dur("timeout", w.executeTimeout).
		Msg("⚙️ SL/TP drain worker started")

	ticker := time.NewTicker(w.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("SL/TP drain worker stopped")
			return
		case <-ticker.C:
			w.drainOne(ctx)
		}
	}
}

// drainOne pops and executes a single trigger
func (w *Worker) drainOne(ctx context.Context) {
	trigger := w.queue.Dequeue()
	if trigger == nil {
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, w.executeTimeout)
	defer cancel()

	var result *execution.CloseResult
	var err error
	switch trigger.Kind {
	case types.ExecStopLoss:
		result, err = w.tracker.TriggerStopLoss(execCtx, trigger.PositionID, trigger.TriggerPrice, trigger.TriggeredAt)
	case types.ExecTakeProfit:
		result, err = w.tracker.TriggerTakeProfit(execCtx, trigger.PositionID, trigger.TriggerPrice, trigger.TriggeredAt)
	default:
		log.Error().Str("kind", string(trigger.Kind)).Msg("Unknown trigger kind dequeued")
		return
	}

	switch {
	case err != nil && errors.Is(err, types.ErrTimeout):
		metrics.TriggersExecuted.WithLabelValues(string(trigger.Kind), "timeout").Inc()
		log.Warn().
			Str("position_id", trigger.PositionID).
			Str("kind", string(trigger.Kind)).
			Msg("⚠️ Trigger execution timed out, left for retry")
	case err != nil:
		metrics.TriggersExecuted.WithLabelValues(string(trigger.Kind), "error").Inc()
		log.Error().Err(err).
			Str("position_id", trigger.PositionID).
			Str("kind", string(trigger.Kind)).
			Msg("❌ Trigger execution failed")
	case result.AlreadyProcessed:
		metrics.TriggersExecuted.WithLabelValues(string(trigger.Kind), "duplicate").Inc()
		w.monitor.Deregister(trigger.PositionID)
	default:
		metrics.TriggersExecuted.WithLabelValues(string(trigger.Kind), "ok").Inc()
		metrics.Closures.WithLabelValues(string(trigger.Kind)).Inc()
		w.monitor.Deregister(trigger.PositionID)
	}
}
