package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quayyum-a/tradecore/broker"
	"github.com/quayyum-a/tradecore/events"
	"github.com/quayyum-a/tradecore/ledger"
	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

type recordingRegistrar struct {
	orderID    string
	positionID string
	size       decimal.Decimal
}

func (r *recordingRegistrar) TrackOrder(orderID, positionID string, originalSize decimal.Decimal) {
	r.orderID = orderID
	r.positionID = positionID
	r.size = originalSize
}

type intakeRig struct {
	db        *storage.Database
	events    *events.Store
	ledger    *ledger.Ledger
	intake    *Intake
	registrar *recordingRegistrar
}

func newIntakeRig(t *testing.T) *intakeRig {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := storage.NewWithDB(gdb)
	require.NoError(t, err)

	store := events.NewStore(db)
	led := ledger.New(db, decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.2))
	sm := NewStateMachine(db, store)

	paperCfg := broker.DefaultPaperConfig()
	paperCfg.LatencyMin = time.Millisecond
	paperCfg.LatencyMax = 2 * time.Millisecond
	adapter := broker.NewPaper(paperCfg)
	registrar := &recordingRegistrar{}
	intake := NewIntake(db, store, led, sm, adapter, registrar)

	err = db.RunInTx(context.Background(), storage.DefaultTxOptions("open_account"), func(tx *gorm.DB) error {
		_, err := led.OpenAccount(tx, "a1", decimal.NewFromInt(10000), decimal.NewFromInt(100), true)
		return err
	})
	require.NoError(t, err)

	return &intakeRig{db: db, events: store, ledger: led, intake: intake, registrar: registrar}
}

func signal() types.Signal {
	return types.Signal{
		AccountID:  "a1",
		Symbol:     "XAUUSD",
		Side:       types.SideBuy,
		Size:       decimal.NewFromFloat(0.2),
		Entry:      decimal.NewFromInt(2000),
		StopLoss:   decimal.NewFromInt(1990),
		TakeProfit: decimal.NewFromInt(2020),
		Leverage:   decimal.NewFromInt(1),
	}
}

func TestOpenFromSignalReservesMargin(t *testing.T) {
	r := newIntakeRig(t)
	ctx := context.Background()

	pos, orderID, err := r.intake.OpenFromSignal(ctx, signal())
	require.NoError(t, err)
	require.NotEmpty(t, orderID)
	require.Equal(t, types.StatusPending, pos.Status)
	require.True(t, pos.Size.IsZero(), "size accumulates through fills")
	require.Equal(t, "400", pos.MarginUsed.String()) // 2000 × 0.2 / 1

	acc, err := r.db.GetAccount(nil, "a1")
	require.NoError(t, err)
	require.Equal(t, "400", acc.MarginUsed.String())
	require.Equal(t, "9600", acc.FreeMargin.String())

	// PositionCreated then OrderPlaced, in order
	list, err := r.events.ByPosition(pos.ID, "ASC", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, types.EventPositionCreated, list[0].EventType)
	require.Equal(t, types.EventOrderPlaced, list[1].EventType)

	// Entry order registered for fill aggregation
	require.Equal(t, orderID, r.registrar.orderID)
	require.Equal(t, pos.ID, r.registrar.positionID)
	require.True(t, r.registrar.size.Equal(decimal.NewFromFloat(0.2)))
}

func TestOpenFromSignalRejectsInvalid(t *testing.T) {
	r := newIntakeRig(t)

	bad := signal()
	bad.Size = decimal.Zero
	_, _, err := r.intake.OpenFromSignal(context.Background(), bad)
	require.ErrorIs(t, err, types.ErrInvalidFill)

	bad = signal()
	bad.Leverage = decimal.Zero
	_, _, err = r.intake.OpenFromSignal(context.Background(), bad)
	require.ErrorIs(t, err, types.ErrInvalidFill)
}

func TestOpenFromSignalInsufficientMarginRollsBack(t *testing.T) {
	r := newIntakeRig(t)

	big := signal()
	big.Size = decimal.NewFromInt(100) // needs 200000 margin
	_, _, err := r.intake.OpenFromSignal(context.Background(), big)
	require.ErrorIs(t, err, types.ErrInsufficientMargin)

	// Nothing persisted
	var count int64
	require.NoError(t, r.db.DB().Model(&storage.Position{}).Count(&count).Error)
	require.Zero(t, count)

	acc, err := r.db.GetAccount(nil, "a1")
	require.NoError(t, err)
	require.True(t, acc.MarginUsed.IsZero())
}

func TestCancelPendingReleasesMargin(t *testing.T) {
	r := newIntakeRig(t)
	ctx := context.Background()

	pos, _, err := r.intake.OpenFromSignal(ctx, signal())
	require.NoError(t, err)

	require.NoError(t, r.intake.Cancel(ctx, pos.ID))

	stored, err := r.db.GetPosition(nil, pos.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusClosed, stored.Status)
	require.Equal(t, types.CloseCancelled, *stored.CloseReason)

	acc, err := r.db.GetAccount(nil, "a1")
	require.NoError(t, err)
	require.True(t, acc.MarginUsed.IsZero())
	require.Equal(t, "10000", acc.FreeMargin.String())

	// Cancelling again is an invalid transition
	require.ErrorIs(t, r.intake.Cancel(ctx, pos.ID), types.ErrInvalidTransition)
}

func TestArchiveClosedHonorsRetention(t *testing.T) {
	r := newIntakeRig(t)
	ctx := context.Background()

	pos, _, err := r.intake.OpenFromSignal(ctx, signal())
	require.NoError(t, err)
	require.NoError(t, r.intake.Cancel(ctx, pos.ID))

	// Closed just now: a 24h retention keeps it
	archived, err := r.intake.ArchiveClosed(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, archived)

	// Zero retention archives it
	archived, err = r.intake.ArchiveClosed(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, archived)

	stored, err := r.db.GetPosition(nil, pos.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusArchived, stored.Status)
}
