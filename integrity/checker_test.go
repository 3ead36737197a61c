package integrity

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

type captureNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (c *captureNotifier) Alert(level alerts.Level, title, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
}

type intRig struct {
	db       *storage.Database
	events   *events.Store
	ledger   *ledger.Ledger
	tracker  *execution.Tracker
	checker  *Checker
	notifier *captureNotifier
}

func newIntRig(t *testing.T) *intRig {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := storage.NewWithDB(gdb)
	require.NoError(t, err)

	store := events.NewStore(db)
	led := ledger.New(db, dec(0.5), dec(0.2))
	sm := lifecycle.NewStateMachine(db, store)
	tracker := execution.NewTracker(db, store, led, sm)
	notifier := &captureNotifier{}
	return &intRig{
		db:       db,
		events:   store,
		ledger:   led,
		tracker:  tracker,
		checker:  NewChecker(db, store, notifier),
		notifier: notifier,
	}
}

// runLifecycle opens an account, opens a position, fills it, closes it
func (r *intRig) runLifecycle(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	err := r.db.RunInTx(ctx, storage.DefaultTxOptions("seed"), func(tx *gorm.DB) error {
		if _, err := r.ledger.OpenAccount(tx, "a1", dec(10000), dec(100), true); err != nil {
			return err
		}
		pending := types.StatusPending
		if _, err := r.events.Append(tx, events.Record{
			PositionID: "p1",
			Type:       types.EventPositionCreated,
			NewStatus:  &pending,
			Payload: map[string]any{
				"account_id": "a1", "symbol": "XAUUSD", "side": "BUY",
				"size": "0", "entry_price": "2000", "leverage": "100",
			},
		}); err != nil {
			return err
		}
		if err := r.db.SavePosition(tx, &storage.Position{
			ID:            "p1",
			AccountID:     "a1",
			Symbol:        "XAUUSD",
			Side:          types.SideBuy,
			Size:          decimal.Zero,
			AvgEntryPrice: dec(2000),
			Leverage:      dec(100),
			MarginUsed:    dec(400),
			Status:        types.StatusPending,
			OpenedAt:      time.Now(),
		}); err != nil {
			return err
		}
		return r.ledger.ReserveMargin(tx, "a1", "p1", dec(400))
	})
	require.NoError(t, err)

	r.tracker.TrackOrder("o1", "p1", dec(0.2))
	require.NoError(t, r.tracker.ProcessFullFill(ctx, execution.Fill{
		OrderID: "o1", Price: dec(2000), Size: dec(0.2), ExecutedAt: time.Now(),
	}))
	_, err = r.tracker.TriggerTakeProfit(ctx, "p1", dec(2020), time.Now())
	require.NoError(t, err)
}

func TestCleanAccountPasses(t *testing.T) {
	r := newIntRig(t)
	r.runLifecycle(t)

	report, err := r.checker.CheckAccount(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, report.Passed, "violations: %v", report.Violations)
	require.Empty(t, r.notifier.titles)
}

func TestBrokenBalanceEquationDetected(t *testing.T) {
	r := newIntRig(t)
	r.runLifecycle(t)

	// Corrupt one balance event behind the ledger's back
	require.NoError(t, r.db.DB().Model(&storage.AccountBalanceEvent{}).
		Where("event_type = ?", types.BalancePnlRealized).
		Update("balance_after", dec(99999)).Error)

	report, err := r.checker.CheckAccount(context.Background(), "a1")
	require.NoError(t, err)
	require.False(t, report.Passed)

	var found bool
	for _, v := range report.Violations {
		if v.Check == "BalanceEquation" && v.Severity == SeverityCritical {
			found = true
		}
	}
	require.True(t, found)
	require.NotEmpty(t, r.notifier.titles, "critical violations must alert")
}

func TestLedgerSumDriftDetected(t *testing.T) {
	r := newIntRig(t)
	r.runLifecycle(t)

	// Drift the aggregate without a ledger event
	require.NoError(t, r.db.DB().Model(&storage.AccountBalance{}).
		Where("account_id = ?", "a1").
		Update("balance", dec(12345)).Error)

	report, err := r.checker.CheckAccount(context.Background(), "a1")
	require.NoError(t, err)
	require.False(t, report.Passed)

	var found bool
	for _, v := range report.Violations {
		if v.Check == "LedgerSum" {
			found = true
		}
	}
	require.True(t, found)
}

func TestOrphanEventDetected(t *testing.T) {
	r := newIntRig(t)
	r.runLifecycle(t)

	ghost := "ghost-position"
	require.NoError(t, r.db.SaveBalanceEvent(nil, &storage.AccountBalanceEvent{
		ID:            "orphan-1",
		AccountID:     "a1",
		EventType:     types.BalanceMarginReserved,
		BalanceBefore: dec(10004),
		Amount:        decimal.Zero,
		BalanceAfter:  dec(10004),
		Reason:        "orphan",
		PositionID:    &ghost,
	}))

	report, err := r.checker.CheckAccount(context.Background(), "a1")
	require.NoError(t, err)
	require.False(t, report.Passed)

	var found bool
	for _, v := range report.Violations {
		if v.Check == "OrphanEvents" {
			found = true
		}
	}
	require.True(t, found)
}

func TestMissingCoverageDetected(t *testing.T) {
	r := newIntRig(t)
	r.runLifecycle(t)

	// A closed position whose ledger events were lost
	closedAt := time.Now()
	reason := types.CloseManual
	require.NoError(t, r.db.SavePosition(nil, &storage.Position{
		ID:          "p2",
		AccountID:   "a1",
		Symbol:      "EURUSD",
		Side:        types.SideBuy,
		Status:      types.StatusClosed,
		ClosedAt:    &closedAt,
		CloseReason: &reason,
	}))

	report, err := r.checker.CheckAccount(context.Background(), "a1")
	require.NoError(t, err)
	require.False(t, report.Passed)

	coverage := 0
	for _, v := range report.Violations {
		if v.Check == "PositionEventCoverage" {
			coverage++
		}
	}
	require.GreaterOrEqual(t, coverage, 2, "missing reserve and release/realize coverage plus missing events")
}

func TestSystemRecoveryRebuildsAggregates(t *testing.T) {
	r := newIntRig(t)
	r.runLifecycle(t)
	ctx := context.Background()

	// Corrupt the stored row and the account aggregate; recovery must
	// converge both back onto the event log.
	require.NoError(t, r.db.DB().Model(&storage.Position{}).
		Where("id = ?", "p1").
		Updates(map[string]any{"status": types.StatusOpen, "size": 5}).Error)
	require.NoError(t, r.db.DB().Model(&storage.AccountBalance{}).
		Where("account_id = ?", "a1").
		Updates(map[string]any{"margin_used": 999, "free_margin": 0}).Error)

	result, err := r.checker.SystemRecovery(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, result.PositionsReplayed)
	require.Equal(t, 1, result.PositionsRepaired)
	require.Equal(t, 1, result.AccountsRebuilt)

	pos, err := r.db.GetPosition(nil, "p1")
	require.NoError(t, err)
	require.Equal(t, types.StatusClosed, pos.Status)
	require.True(t, pos.Size.IsZero())

	acc, err := r.db.GetAccount(nil, "a1")
	require.NoError(t, err)
	require.True(t, acc.MarginUsed.IsZero())
	require.True(t, acc.FreeMargin.Equal(acc.Balance))
}

func TestSystemRecoveryHonorsDeadline(t *testing.T) {
	r := newIntRig(t)
	r.runLifecycle(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.checker.SystemRecovery(ctx, time.Minute)
	require.ErrorIs(t, err, types.ErrTimeout)
}

func TestReplayAliasMatchesEventStore(t *testing.T) {
	r := newIntRig(t)
	r.runLifecycle(t)
	ctx := context.Background()

	fromChecker, err := r.checker.Replay(ctx, "p1")
	require.NoError(t, err)
	fromStore, err := r.events.Replay(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, fromStore, fromChecker)
}
