package liquidation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/alerts"
	"github.com/quayyum-a/tradecore/execution"
	"github.com/quayyum-a/tradecore/ledger"
	"github.com/quayyum-a/tradecore/metrics"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIQUIDATION ENGINE - Cascading forced close on margin breach
// ═══════════════════════════════════════════════════════════════════════════════
//
// The loop checks every account's margin level. On breach the account
// enters the liquidation set and its positions are closed worst-loss
// first, one coordinator transaction each, at a slippage-adjusted
// price. The margin is rechecked after every closure and the cascade
// halts as soon as the level recovers.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceSource supplies the latest price per symbol
type PriceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// Deregistrar removes closed positions from SL/TP monitoring
type Deregistrar interface {
	Deregister(positionID string)
}

// Config holds liquidation parameters
type Config struct {
	Interval    time.Duration
	MaxSlippage decimal.Decimal // e.g. 0.01 = 1%
	FeeRate     decimal.Decimal // fraction of loss, default 0.005
}

// DefaultConfig returns the liquidation defaults
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		MaxSlippage: decimal.NewFromFloat(0.01),
		FeeRate:     decimal.NewFromFloat(0.005),
	}
}

// Engine periodically sweeps accounts for margin breaches
type Engine struct {
	mu          sync.Mutex
	liquidating map[string]bool // accounts mid-cascade, prevents re-entry

	cfg      Config
	db       *storage.Database
	ledger   *ledger.Ledger
	tracker  *execution.Tracker
	prices   PriceSource
	monitor  Deregistrar
	notifier alerts.Notifier
}

// New creates the liquidation engine
func New(cfg Config, db *storage.Database, led *ledger.Ledger, tracker *execution.Tracker,
	prices PriceSource, monitor Deregistrar, notifier alerts.Notifier) *Engine {
	return &Engine{
		liquidating: make(map[string]bool),
		cfg:         cfg,
		db:          db,
		ledger:      led,
		tracker:     tracker,
		prices:      prices,
		monitor:     monitor,
		notifier:    notifier,
	}
}

// Start runs the margin sweep loop until the context is cancelled.
// A failed cycle logs and waits for the next tick, never terminating
// the loop.
func (e *Engine) Start(ctx context.Context) {
	log.Info().Dur("interval", e.cfg.Interval).Msg("🛡️ Liquidation engine started")

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Liquidation engine stopped")
			return
		case <-ticker.C:
			if err := e.sweep(ctx); err != nil {
				log.Error().Err(err).Msg("❌ Liquidation sweep failed")
			}
		}
	}
}

// sweep checks all accounts once
func (e *Engine) sweep(ctx context.Context) error {
	accounts, err := e.db.ListAccounts()
	if err != nil {
		return err
	}
	for i := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.CheckAccount(ctx, accounts[i].AccountID); err != nil {
			log.Error().Err(err).Str("account", accounts[i].AccountID).Msg("Account margin check failed")
		}
	}
	return nil
}

// CheckAccount liquidates the account if its margin level breached
func (e *Engine) CheckAccount(ctx context.Context, accountID string) error {
	e.mu.Lock()
	if e.liquidating[accountID] {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	status, err := e.marginStatus(accountID)
	if err != nil {
		return err
	}
	if !status.IsLiquidation {
		if status.IsMarginCall {
			log.Warn().
				Str("account", accountID).
				Str("margin_level", status.MarginLevel.StringFixed(4)).
				Msg("⚠️ Margin call")
		}
		return nil
	}

	e.mu.Lock()
	e.liquidating[accountID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.liquidating, accountID)
		e.mu.Unlock()
	}()

	return e.liquidate(ctx, accountID, status)
}

// liquidate closes positions worst-loss first until the margin recovers
func (e *Engine) liquidate(ctx context.Context, accountID string, status *types.MarginStatus) error {
	log.Warn().
		Str("account", accountID).
		Str("margin_level", status.MarginLevel.StringFixed(4)).
		Msg("🚨 LIQUIDATION triggered")
	e.notifier.Alert(alerts.LevelCritical, "Liquidation",
		fmt.Sprintf("account %s margin level %s crossed the liquidation threshold",
			accountID, status.MarginLevel.StringFixed(4)))

	positions, err := e.db.GetOpenPositionsByAccount(nil, accountID)
	if err != nil {
		return err
	}

	type candidate struct {
		pos   storage.Position
		pnl   decimal.Decimal
		price decimal.Decimal
	}
	candidates := make([]candidate, 0, len(positions))
	for i := range positions {
		pos := positions[i]
		price, ok := e.prices.Price(pos.Symbol)
		if !ok {
			price = pos.AvgEntryPrice
		}
		candidates = append(candidates, candidate{
			pos:   pos,
			pnl:   types.UnrealizedPnl(pos.Side, pos.AvgEntryPrice, price, pos.Size),
			price: price,
		})
	}

	// Worst unrealized loss first
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].pnl.LessThan(candidates[j].pnl)
	})

	totalLoss := decimal.Zero
	closed := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		exitPrice := e.slippageAdjusted(c.pos)
		fee := decimal.Zero
		if lossAtExit := types.UnrealizedPnl(c.pos.Side, c.pos.AvgEntryPrice, exitPrice, c.pos.Size); lossAtExit.IsNegative() {
			fee = lossAtExit.Abs().Mul(e.cfg.FeeRate)
		}

		result, err := e.tracker.Close(ctx, execution.CloseRequest{
			PositionID:  c.pos.ID,
			Kind:        types.ExecLiquidation,
			ExitPrice:   exitPrice,
			TriggeredAt: time.Now(),
			Reason:      types.CloseLiquidation,
			Fee:         fee,
		})
		if err != nil {
			log.Error().Err(err).Str("position_id", c.pos.ID).Msg("❌ Forced close failed")
			e.notifier.Alert(alerts.LevelCritical, "Forced close failed",
				fmt.Sprintf("position %s: %v", c.pos.ID, err))
			continue
		}
		if result.AlreadyProcessed {
			continue
		}

		e.monitor.Deregister(c.pos.ID)
		metrics.Liquidations.Inc()
		closed++
		if result.RealizedPnl.IsNegative() {
			totalLoss = totalLoss.Add(result.RealizedPnl)
		}

		log.Warn().
			Str("position_id", c.pos.ID).
			Str("symbol", c.pos.Symbol).
			Str("exit_price", exitPrice.StringFixed(5)).
			Str("pnl", result.RealizedPnl.StringFixed(2)).
			Msg("🔨 Position liquidated")

		// Halt the cascade once the account recovers
		status, err = e.marginStatus(accountID)
		if err != nil {
			return err
		}
		if !status.IsLiquidation {
			break
		}
	}

	if closed > 0 && totalLoss.IsNegative() {
		// Aggregate loss marker; the per-position P&L was already realized
		err := e.db.RunInTx(ctx, storage.DefaultTxOptions("liquidation_loss"), func(tx *gorm.DB) error {
			return e.ledger.RecordLiquidationLoss(tx, accountID, decimal.Zero,
				fmt.Sprintf("liquidation cascade closed %d positions, aggregate loss %s",
					closed, totalLoss.StringFixed(2)))
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to record liquidation loss event")
		}
	}

	log.Info().
		Str("account", accountID).
		Int("closed", closed).
		Str("aggregate_loss", totalLoss.StringFixed(2)).
		Msg("Liquidation cascade complete")
	return nil
}

// slippageAdjusted prices the forced close at entry × (1 ± maxSlippage)
func (e *Engine) slippageAdjusted(pos storage.Position) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if pos.Side == types.SideBuy {
		return pos.AvgEntryPrice.Mul(one.Sub(e.cfg.MaxSlippage))
	}
	return pos.AvgEntryPrice.Mul(one.Add(e.cfg.MaxSlippage))
}

// marginStatus folds open-position unrealized P&L into the ledger view
func (e *Engine) marginStatus(accountID string) (*types.MarginStatus, error) {
	positions, err := e.db.GetOpenPositionsByAccount(nil, accountID)
	if err != nil {
		return nil, err
	}
	unrealized := decimal.Zero
	for i := range positions {
		pos := positions[i]
		price, ok := e.prices.Price(pos.Symbol)
		if !ok {
			continue
		}
		unrealized = unrealized.Add(types.UnrealizedPnl(pos.Side, pos.AvgEntryPrice, price, pos.Size))
	}
	return e.ledger.MarginStatus(nil, accountID, unrealized)
}
