package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/alerts"
	"github.com/quayyum-a/tradecore/broker"
	"github.com/quayyum-a/tradecore/config"
	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/execution"
	"github.com/quayyum-a/tradecore/integrity"
	"github.com/quayyum-a/tradecore/ledger"
	"github.com/quayyum-a/tradecore/lifecycle"
	"github.com/quayyum-a/tradecore/liquidation"
	"github.com/quayyum-a/tradecore/metrics"
	"github.com/quayyum-a/tradecore/monitor"
	"github.com/quayyum-a/tradecore/reconcile"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

const VERSION = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("         POSITION LIFECYCLE ENGINE %s", VERSION)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 1: STORAGE + EVENT LOG
	// ═══════════════════════════════════════════════════════════════════════════════

	storage.SetTxDefaults(cfg.TransactionTimeout, cfg.TransactionMaxRetries, cfg.TransactionRetryBase)

	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Database init failed")
	}
	defer db.Close()

	eventStore := events.NewStore(db)
	eventStore.SetReplayBatchSize(cfg.ReplayBatchSize)
	log.Info().Msg("✅ Storage layer initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 2: LEDGER + STATE MACHINE + EXECUTION
	// ═══════════════════════════════════════════════════════════════════════════════

	led := ledger.New(db, cfg.MarginCallLevel, cfg.LiquidationLevel)
	sm := lifecycle.NewStateMachine(db, eventStore)
	tracker := execution.NewTracker(db, eventStore, led, sm)
	log.Info().Msg("✅ Ledger and execution tracker initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 3: ALERTS + BROKER
	// ═══════════════════════════════════════════════════════════════════════════════

	var notifier alerts.Notifier = alerts.LogNotifier{}
	if tg, err := alerts.NewTelegram(); err == nil {
		notifier = alerts.Multi{alerts.LogNotifier{}, tg}
	} else {
		log.Warn().Err(err).Msg("Telegram unavailable, alerts go to log only")
	}

	adapter := broker.Adapter(broker.NewPaper(broker.PaperConfig{
		Seed:                cfg.PaperSeed,
		SlippageMaxBps:      cfg.PaperSlippageMaxBps,
		LatencyMin:          cfg.PaperLatencyMin,
		LatencyMax:          cfg.PaperLatencyMax,
		PartialFillsEnabled: cfg.PaperPartialFills,
		RejectionRate:       cfg.PaperRejectionRate,
	}))
	if err := adapter.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Broker connect failed")
	}
	defer adapter.Disconnect(context.Background())

	intake := lifecycle.NewIntake(db, eventStore, led, sm, adapter, tracker)
	intake.SetMaxLeverage(cfg.MaxLeverage)
	_ = intake // driven by the embedding API surface

	// Paper runs get a funded default account on first start
	if cfg.PaperMode {
		if _, err := db.GetAccount(nil, "paper"); errors.Is(err, types.ErrNotFound) {
			err := db.RunInTx(ctx, storage.DefaultTxOptions("bootstrap_account"), func(tx *gorm.DB) error {
				_, err := led.OpenAccount(tx, "paper", cfg.InitialBalance, cfg.MaxLeverage, true)
				return err
			})
			if err != nil {
				log.Fatal().Err(err).Msg("Paper account bootstrap failed")
			}
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 4: MONITOR + WORKER
	// ═══════════════════════════════════════════════════════════════════════════════

	queue := monitor.NewQueue(cfg.QueueCapacity)
	mon := monitor.New(db, eventStore, tracker, queue)
	worker := monitor.NewWorker(queue, tracker, mon, cfg.SltpDrainInterval, cfg.TriggerExecuteTimeout)

	// Broker fills flow into the tracker; completed orders start monitoring
	adapter.SubscribeExecutions(func(report types.ExecutionReport) {
		fill := execution.Fill{
			OrderID:    report.OrderID,
			Price:      report.Price,
			Size:       report.Size,
			ExecutedAt: report.ExecutedAt,
		}
		process := func() error {
			if report.Partial {
				return tracker.ProcessPartialFill(ctx, fill)
			}
			return tracker.ProcessFullFill(ctx, fill)
		}
		err := process()
		if errors.Is(err, types.ErrNotFound) {
			// Fill can race the intake commit that registers the order
			time.Sleep(100 * time.Millisecond)
			err = process()
		}
		if err != nil {
			engineErr := types.Wrap(err)
			log.Error().Err(err).
				Str("order_id", report.OrderID).
				Str("kind", engineErr.Kind).
				Bool("retriable", engineErr.Retriable).
				Msg("❌ Fill processing failed")
			return
		}
		if order, ok := tracker.Order(report.OrderID); ok && order.IsComplete {
			if pos, err := db.GetPosition(nil, order.PositionID); err == nil {
				mon.Register(pos)
			}
		}
	})

	if _, err := mon.RecoverOpenPositions(); err != nil {
		log.Error().Err(err).Msg("Open position recovery failed")
	}

	go worker.Start(ctx)

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 5: LIQUIDATION + RECONCILER + INTEGRITY
	// ═══════════════════════════════════════════════════════════════════════════════

	liq := liquidation.New(liquidation.Config{
		Interval:    cfg.LiquidationInterval,
		MaxSlippage: cfg.MaxSlippage,
		FeeRate:     cfg.LiquidationFee,
	}, db, led, tracker, mon, mon, notifier)
	go liq.Start(ctx)

	rec := reconcile.New(cfg.ReconciliationInterval, db, tracker, adapter, mon, mon, notifier)
	go rec.Start(ctx)

	checker := integrity.NewChecker(db, eventStore, notifier)
	if getenvBool("RECOVER_ON_START") {
		if _, err := checker.SystemRecovery(ctx, cfg.RecoveryMaxDuration); err != nil {
			log.Error().Err(err).Msg("System recovery failed")
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 6: METRICS
	// ═══════════════════════════════════════════════════════════════════════════════

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("📊 Metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	log.Info().Msg("🚀 Engine running")

	// ═══════════════════════════════════════════════════════════════════════════════
	// SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down...")
	cancel()
	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("👋 Engine stopped")
}

func getenvBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}
