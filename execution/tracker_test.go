package execution

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/ledger"
	"github.com/quayyum-a/tradecore/lifecycle"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

type rig struct {
	db      *storage.Database
	events  *events.Store
	ledger  *ledger.Ledger
	sm      *lifecycle.StateMachine
	tracker *Tracker
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := storage.NewWithDB(gdb)
	require.NoError(t, err)

	store := events.NewStore(db)
	led := ledger.New(db, decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.2))
	sm := lifecycle.NewStateMachine(db, store)
	return &rig{
		db:      db,
		events:  store,
		ledger:  led,
		sm:      sm,
		tracker: NewTracker(db, store, led, sm),
	}
}

// seedPending creates a funded account and a pending position with its
// margin reserved and entry order tracked, mirroring the intake flow.
func (r *rig) seedPending(t *testing.T, positionID, orderID string, side types.Side,
	size, entry, margin float64, balance float64) {
	t.Helper()

	ctx := context.Background()
	err := r.db.RunInTx(ctx, storage.DefaultTxOptions("seed"), func(tx *gorm.DB) error {
		if _, err := r.ledger.OpenAccount(tx, "a1", decimal.NewFromFloat(balance), decimal.NewFromInt(100), true); err != nil {
			return err
		}

		pos := &storage.Position{
			ID:            positionID,
			AccountID:     "a1",
			Symbol:        "XAUUSD",
			Side:          side,
			Size:          decimal.Zero,
			AvgEntryPrice: decimal.NewFromFloat(entry),
			Leverage:      decimal.NewFromInt(100),
			MarginUsed:    decimal.NewFromFloat(margin),
			Status:        types.StatusPending,
			OpenedAt:      time.Now(),
		}
		if err := r.db.SavePosition(tx, pos); err != nil {
			return err
		}

		pending := types.StatusPending
		if _, err := r.events.Append(tx, events.Record{
			PositionID: positionID,
			Type:       types.EventPositionCreated,
			NewStatus:  &pending,
			Payload: map[string]any{
				"account_id": "a1", "symbol": "XAUUSD", "side": string(side),
				"size": "0", "entry_price": events.DecimalPayload(decimal.NewFromFloat(entry)),
				"leverage": "100", "margin_used": events.DecimalPayload(decimal.NewFromFloat(margin)),
			},
		}); err != nil {
			return err
		}
		return r.ledger.ReserveMargin(tx, "a1", positionID, decimal.NewFromFloat(margin))
	})
	require.NoError(t, err)

	r.tracker.TrackOrder(orderID, positionID, decimal.NewFromFloat(size))
}

func fillAt(orderID string, price, size float64, at time.Time) Fill {
	return Fill{
		OrderID:    orderID,
		Price:      decimal.NewFromFloat(price),
		Size:       decimal.NewFromFloat(size),
		ExecutedAt: at,
	}
}

// Partial fills average: (40 @ 1.23) + (60 @ 1.24) → 1.2360
func TestPartialFillsAveraging(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedPending(t, "p1", "o1", types.SideBuy, 100, 1.23, 123, 10000)

	base := time.Now().Add(-time.Minute)
	require.NoError(t, r.tracker.ProcessPartialFill(ctx, fillAt("o1", 1.2300, 40, base)))
	require.NoError(t, r.tracker.ProcessFullFill(ctx, fillAt("o1", 1.2400, 60, base.Add(5*time.Second))))

	tracker, ok := r.tracker.Order("o1")
	require.True(t, ok)
	require.True(t, tracker.IsComplete)
	require.True(t, tracker.RemainingSize.IsZero())
	require.Equal(t, 2, tracker.FillCount)

	pos, err := r.db.GetPosition(nil, "p1")
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, pos.Status)
	require.Equal(t, "100", pos.Size.String())

	want := decimal.RequireFromString("1.236")
	require.True(t, pos.AvgEntryPrice.Sub(want).Abs().LessThanOrEqual(decimal.RequireFromString("0.001")),
		"avg entry %s", pos.AvgEntryPrice)

	// PARTIAL_FILL, ORDER_FILLED, then exactly one POSITION_OPENED
	list, err := r.events.ByPosition("p1", "ASC", 0, 0)
	require.NoError(t, err)
	var kinds []types.EventType
	for _, ev := range list {
		kinds = append(kinds, ev.EventType)
	}
	require.Equal(t, []types.EventType{
		types.EventPositionCreated,
		types.EventPartialFill,
		types.EventOrderFilled,
		types.EventPositionOpened,
	}, kinds)
}

func TestFillValidationTable(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedPending(t, "p1", "o1", types.SideBuy, 100, 1.23, 123, 10000)

	now := time.Now().Add(-time.Minute)
	require.NoError(t, r.tracker.ProcessPartialFill(ctx, fillAt("o1", 1.23, 40, now)))

	cases := []struct {
		name string
		fill Fill
	}{
		{"zero size", fillAt("o1", 1.23, 0, now)},
		{"negative size", Fill{OrderID: "o1", Price: decimal.NewFromFloat(1.23), Size: decimal.NewFromInt(-5), ExecutedAt: now}},
		{"zero price", fillAt("o1", 0, 10, now)},
		{"future timestamp", fillAt("o1", 1.23, 10, now.Add(time.Hour))},
		{"overfill", fillAt("o1", 1.23, 70, now.Add(2*time.Second))},
		{"duplicate within window", fillAt("o1", 1.23, 40, now.Add(500*time.Millisecond))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.tracker.processFill(ctx, tc.fill, true)
			require.ErrorIs(t, err, types.ErrInvalidFill)
		})
	}

	t.Run("missing order id", func(t *testing.T) {
		err := r.tracker.ProcessPartialFill(ctx, Fill{Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1), ExecutedAt: now})
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("completed order rejects more fills", func(t *testing.T) {
		require.NoError(t, r.tracker.ProcessFullFill(ctx, fillAt("o1", 1.24, 60, now.Add(3*time.Second))))
		err := r.tracker.ProcessPartialFill(ctx, fillAt("o1", 1.24, 1, now.Add(4*time.Second)))
		require.ErrorIs(t, err, types.ErrInvalidFill)
	})
}

// Property: for any fill sequence, cumulative = Σ sizes,
// remaining = original − cumulative, complete ⇔ remaining = 0, and the
// average equals the size-weighted mean regardless of order.
func TestPartialFillArithmeticProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 120; run++ {
		tracker := &types.OrderTracker{
			OrderID:       "o",
			PositionID:    "p",
			OriginalSize:  decimal.NewFromInt(1000),
			RemainingSize: decimal.NewFromInt(1000),
		}

		remaining := decimal.NewFromInt(1000)
		weighted := decimal.Zero
		total := decimal.Zero
		at := time.Now()

		for !remaining.IsZero() {
			size := decimal.NewFromInt(int64(rng.Intn(300) + 1))
			if size.GreaterThan(remaining) {
				size = remaining
			}
			price := decimal.NewFromFloat(float64(rng.Intn(5000)+5000) / 10000)

			tracker.RecordFill(price, size, at)
			at = at.Add(2 * time.Second)

			weighted = weighted.Add(price.Mul(size))
			total = total.Add(size)
			remaining = remaining.Sub(size)

			require.True(t, tracker.FilledSize.Add(tracker.RemainingSize).Equal(tracker.OriginalSize),
				"run %d: filled %s + remaining %s != original", run, tracker.FilledSize, tracker.RemainingSize)
			require.Equal(t, remaining.IsZero(), tracker.IsComplete, "run %d", run)
		}

		wantAvg := weighted.Div(total)
		require.True(t, tracker.AverageFillPrice.Sub(wantAvg).Abs().LessThan(decimal.NewFromFloat(1e-9)),
			"run %d: avg %s want %s", run, tracker.AverageFillPrice, wantAvg)
	}
}

// Full lifecycle, long, take-profit: balance 10000, Buy 0.2 XAUUSD @
// 2000 with margin 400; TP at 2020 realizes +4.00.
func TestFullLifecycleTakeProfit(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedPending(t, "p1", "o1", types.SideBuy, 0.2, 2000, 400, 10000)

	require.NoError(t, r.tracker.ProcessFullFill(ctx, fillAt("o1", 2000, 0.2, time.Now())))

	pos, err := r.db.GetPosition(nil, "p1")
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, pos.Status)

	acc, err := r.db.GetAccount(nil, "a1")
	require.NoError(t, err)
	require.Equal(t, "400", acc.MarginUsed.String())
	require.Equal(t, "9600", acc.FreeMargin.String())

	result, err := r.tracker.TriggerTakeProfit(ctx, "p1", decimal.NewFromInt(2020), time.Now())
	require.NoError(t, err)
	require.False(t, result.AlreadyProcessed)
	require.Equal(t, "4", result.RealizedPnl.String())

	pos, err = r.db.GetPosition(nil, "p1")
	require.NoError(t, err)
	require.Equal(t, types.StatusClosed, pos.Status)
	require.True(t, pos.Size.IsZero())
	require.Equal(t, types.CloseTakeProfit, *pos.CloseReason)

	acc, err = r.db.GetAccount(nil, "a1")
	require.NoError(t, err)
	require.Equal(t, "10004", acc.Balance.String())
	require.True(t, acc.MarginUsed.IsZero())

	// Exactly one TAKE_PROFIT_TRIGGERED event
	list, err := r.events.ByPosition("p1", "ASC", 0, 0)
	require.NoError(t, err)
	triggered := 0
	for _, ev := range list {
		if ev.EventType == types.EventTakeProfitTriggered {
			triggered++
		}
	}
	require.Equal(t, 1, triggered)
}

// Short stop-loss: Sell 100000 EURUSD @ 1.2000, SL 1.2010 → −100
func TestShortStopLossPnl(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedPending(t, "p1", "o1", types.SideSell, 100000, 1.2, 1200, 10000)

	require.NoError(t, r.tracker.ProcessFullFill(ctx, fillAt("o1", 1.2, 100000, time.Now())))

	result, err := r.tracker.TriggerStopLoss(ctx, "p1", decimal.NewFromFloat(1.2010), time.Now())
	require.NoError(t, err)
	require.Equal(t, "-100", result.RealizedPnl.String())

	acc, err := r.db.GetAccount(nil, "a1")
	require.NoError(t, err)
	require.Equal(t, "9900", acc.Balance.String())
}

// Idempotent retry: the same trigger delivered twice produces one
// closure, one trigger event, one execution, one PnL event.
func TestIdempotentCloseRetry(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedPending(t, "p1", "o1", types.SideBuy, 0.2, 2000, 400, 10000)
	require.NoError(t, r.tracker.ProcessFullFill(ctx, fillAt("o1", 2000, 0.2, time.Now())))

	triggeredAt := time.Now()
	first, err := r.tracker.TriggerStopLoss(ctx, "p1", decimal.NewFromInt(1990), triggeredAt)
	require.NoError(t, err)
	require.False(t, first.AlreadyProcessed)

	accAfterFirst, err := r.db.GetAccount(nil, "a1")
	require.NoError(t, err)

	second, err := r.tracker.TriggerStopLoss(ctx, "p1", decimal.NewFromInt(1990), triggeredAt)
	require.NoError(t, err)
	require.True(t, second.AlreadyProcessed)

	accAfterSecond, err := r.db.GetAccount(nil, "a1")
	require.NoError(t, err)
	require.True(t, accAfterFirst.Balance.Equal(accAfterSecond.Balance))
	require.True(t, accAfterFirst.MarginUsed.Equal(accAfterSecond.MarginUsed))

	list, err := r.events.ByPosition("p1", "ASC", 0, 0)
	require.NoError(t, err)
	slCount, closedCount := 0, 0
	for _, ev := range list {
		switch ev.EventType {
		case types.EventStopLossTriggered:
			slCount++
		case types.EventPositionClosed:
			closedCount++
		}
	}
	require.Equal(t, 1, slCount)
	require.Equal(t, 1, closedCount)

	execs, err := r.db.GetExecutionsByPosition("p1")
	require.NoError(t, err)
	exits := 0
	for _, ex := range execs {
		if ex.ExecutionType == types.ExecStopLoss {
			exits++
		}
	}
	require.Equal(t, 1, exits)

	balanceEvents, err := r.db.GetBalanceEventsByPosition("p1")
	require.NoError(t, err)
	realized := 0
	for _, ev := range balanceEvents {
		if ev.EventType == types.BalancePnlRealized {
			realized++
		}
	}
	require.Equal(t, 1, realized)
}

func TestCloseOnNonOpenPositionIsRaceSafe(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedPending(t, "p1", "o1", types.SideBuy, 1, 100, 10, 1000)
	require.NoError(t, r.tracker.ProcessFullFill(ctx, fillAt("o1", 100, 1, time.Now())))

	_, err := r.tracker.CloseManual(ctx, "p1", decimal.NewFromInt(101))
	require.NoError(t, err)

	// A different trigger arrives after closure: success, no effects
	result, err := r.tracker.TriggerStopLoss(ctx, "p1", decimal.NewFromInt(99), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, result.AlreadyProcessed)
}

func TestPartialExitProportionalMargin(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedPending(t, "p1", "o1", types.SideBuy, 100, 10, 100, 10000)
	require.NoError(t, r.tracker.ProcessFullFill(ctx, fillAt("o1", 10, 100, time.Now())))

	require.NoError(t, r.tracker.PartialExit(ctx, "p1", decimal.NewFromInt(40), decimal.NewFromInt(11)))

	pos, err := r.db.GetPosition(nil, "p1")
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, pos.Status)
	require.Equal(t, "60", pos.Size.String())
	require.Equal(t, "40", pos.RealizedPnl.String()) // (11−10) × 40
	require.Equal(t, "60", pos.MarginUsed.String())

	// Replay agrees with the stored row after the partial exit
	replayed, err := r.events.Replay(ctx, "p1")
	require.NoError(t, err)
	require.True(t, replayed.Size.Equal(pos.Size))
	require.True(t, replayed.RealizedPnl.Equal(pos.RealizedPnl))

	// Exiting the full remainder goes through Close, not PartialExit
	err = r.tracker.PartialExit(ctx, "p1", decimal.NewFromInt(60), decimal.NewFromInt(11))
	require.ErrorIs(t, err, types.ErrInvalidFill)
}

func TestCloseRejectsNonPositivePrice(t *testing.T) {
	r := newRig(t)
	_, err := r.tracker.Close(context.Background(), CloseRequest{
		PositionID:  "p1",
		Kind:        types.ExecFullExit,
		ExitPrice:   decimal.Zero,
		TriggeredAt: time.Now(),
		Reason:      types.CloseManual,
	})
	require.ErrorIs(t, err, types.ErrInvalidFill)
}

func TestRealizedPnlFormula(t *testing.T) {
	cases := []struct {
		side  types.Side
		entry, exit, size float64
		want  string
	}{
		{types.SideBuy, 2000, 2020, 0.2, "4"},
		{types.SideBuy, 2000, 1990, 0.2, "-2"},
		{types.SideSell, 1.2, 1.201, 100000, "-100"},
		{types.SideSell, 1.2, 1.19, 100000, "1000"},
	}
	for i, tc := range cases {
		got := realizedPnl(tc.side,
			decimal.NewFromFloat(tc.entry),
			decimal.NewFromFloat(tc.exit),
			decimal.NewFromFloat(tc.size))
		require.Equal(t, tc.want, got.String(), fmt.Sprintf("case %d", i))
	}
}
