package liquidation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quayyum-a/tradecore/alerts"
	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/execution"
	"github.com/quayyum-a/tradecore/ledger"
	"github.com/quayyum-a/tradecore/lifecycle"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type stubPrices map[string]decimal.Decimal

func (s stubPrices) Price(symbol string) (decimal.Decimal, bool) {
	p, ok := s[symbol]
	return p, ok
}

type stubDeregistrar struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubDeregistrar) Deregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (c *captureNotifier) Alert(level alerts.Level, title, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, string(level)+": "+title)
}

type liqRig struct {
	db     *storage.Database
	events *events.Store
	ledger *ledger.Ledger
	engine *Engine
	prices stubPrices
	alerts *captureNotifier
}

// newLiqRig builds an account with two losing positions. The
// liquidation level is raised to 0.7 so the scenario's margin level of
// 0.625 crosses it.
func newLiqRig(t *testing.T) *liqRig {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := storage.NewWithDB(gdb)
	require.NoError(t, err)

	store := events.NewStore(db)
	led := ledger.New(db, dec(0.9), dec(0.7))
	sm := lifecycle.NewStateMachine(db, store)
	tracker := execution.NewTracker(db, store, led, sm)

	prices := stubPrices{"SYM_A": dec(70), "SYM_B": dec(80)}
	notifier := &captureNotifier{}
	cfg := DefaultConfig()
	engine := New(cfg, db, led, tracker, prices, &stubDeregistrar{}, notifier)

	ctx := context.Background()
	err = db.RunInTx(ctx, storage.DefaultTxOptions("seed"), func(tx *gorm.DB) error {
		if _, err := led.OpenAccount(tx, "a1", dec(1000), dec(100), true); err != nil {
			return err
		}
		for _, p := range []struct {
			id, symbol string
		}{{"pa", "SYM_A"}, {"pb", "SYM_B"}} {
			pending := types.StatusPending
			if _, err := store.Append(tx, events.Record{
				PositionID: p.id,
				Type:       types.EventPositionCreated,
				NewStatus:  &pending,
				Payload: map[string]any{
					"account_id": "a1", "symbol": p.symbol, "side": "BUY",
					"size": "0", "entry_price": "100", "leverage": "100",
				},
			}); err != nil {
				return err
			}
			open := types.StatusOpen
			if _, err := store.Append(tx, events.Record{
				PositionID: p.id,
				Type:       types.EventOrderFilled,
				NewStatus:  &open,
				Payload:    map[string]any{"filled_size": "10", "filled_price": "100"},
			}); err != nil {
				return err
			}
			if err := db.SavePosition(tx, &storage.Position{
				ID:            p.id,
				AccountID:     "a1",
				Symbol:        p.symbol,
				Side:          types.SideBuy,
				Size:          dec(10),
				AvgEntryPrice: dec(100),
				Leverage:      dec(100),
				MarginUsed:    dec(400),
				Status:        types.StatusOpen,
				OpenedAt:      time.Now(),
			}); err != nil {
				return err
			}
			if err := led.ReserveMargin(tx, "a1", p.id, dec(400)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	return &liqRig{db: db, events: store, ledger: led, engine: engine, prices: prices, alerts: notifier}
}

// Cascade closes the worst loss first and halts once the margin level
// recovers: SYM_A (−300) is liquidated, SYM_B (−200) survives.
func TestLiquidationCascadeWorstFirstAndHalts(t *testing.T) {
	r := newLiqRig(t)
	ctx := context.Background()

	require.NoError(t, r.engine.CheckAccount(ctx, "a1"))

	posA, err := r.db.GetPosition(nil, "pa")
	require.NoError(t, err)
	require.Equal(t, types.StatusLiquidated, posA.Status)
	require.Equal(t, types.CloseLiquidation, *posA.CloseReason)

	posB, err := r.db.GetPosition(nil, "pb")
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, posB.Status, "cascade must halt after margin recovers")

	// Forced close at entry × (1 − slippage) = 99: pnl −10, fee 0.5% of loss
	require.Equal(t, "-10.05", posA.RealizedPnl.String())

	// PositionLiquidated event present
	list, err := r.events.ByPosition("pa", "ASC", 0, 0)
	require.NoError(t, err)
	liquidated := 0
	for _, ev := range list {
		if ev.EventType == types.EventPositionLiquidated {
			liquidated++
		}
	}
	require.Equal(t, 1, liquidated)

	// Aggregate loss marker in the ledger
	balanceEvents, err := r.db.GetBalanceEvents("a1")
	require.NoError(t, err)
	var hasLiquidationLoss bool
	for _, ev := range balanceEvents {
		if ev.EventType == types.BalanceLiquidationLoss {
			hasLiquidationLoss = true
		}
	}
	require.True(t, hasLiquidationLoss)

	// Operator was alerted
	require.NotEmpty(t, r.alerts.alerts)
	require.Contains(t, r.alerts.alerts[0], "CRITICAL")
}

func TestHealthyAccountNotLiquidated(t *testing.T) {
	r := newLiqRig(t)
	ctx := context.Background()

	// Prices recover: no unrealized loss, level is healthy
	r.prices["SYM_A"] = dec(100)
	r.prices["SYM_B"] = dec(100)

	require.NoError(t, r.engine.CheckAccount(ctx, "a1"))

	posA, err := r.db.GetPosition(nil, "pa")
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, posA.Status)
}

func TestLiquidationSetPreventsReentry(t *testing.T) {
	r := newLiqRig(t)

	r.engine.mu.Lock()
	r.engine.liquidating["a1"] = true
	r.engine.mu.Unlock()

	// Re-entry is a no-op while the cascade is running
	require.NoError(t, r.engine.CheckAccount(context.Background(), "a1"))

	posA, err := r.db.GetPosition(nil, "pa")
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, posA.Status)
}

func TestSlippageAdjustedPricing(t *testing.T) {
	r := newLiqRig(t)

	long := storage.Position{Side: types.SideBuy, AvgEntryPrice: dec(100)}
	short := storage.Position{Side: types.SideSell, AvgEntryPrice: dec(100)}

	require.Equal(t, "99", r.engine.slippageAdjusted(long).String())
	require.Equal(t, "101", r.engine.slippageAdjusted(short).String())
}
