package integrity

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quayyum-a/tradecore/storage"
	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYSTEM RECOVERY - Rebuild aggregates from the event log
// ═══════════════════════════════════════════════════════════════════════════════
//
// Replays every position in batches, then rebuilds each account's
// margin_used, equity and free_margin from the replayed state. Bounded
// by a max duration; exceeding it aborts cleanly between batches.
//
// ═══════════════════════════════════════════════════════════════════════════════

const recoveryBatchSize = 50

// RecoveryResult summarizes one system recovery run
type RecoveryResult struct {
	PositionsReplayed int
	PositionsRepaired int
	AccountsRebuilt   int
	Duration          time.Duration
}

// SystemRecovery replays all positions and rebuilds account aggregates
func (c *Checker) SystemRecovery(ctx context.Context, maxDuration time.Duration) (*RecoveryResult, error) {
	if maxDuration <= 0 {
		maxDuration = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	started := time.Now()
	result := &RecoveryResult{}
	marginByAccount := make(map[string]decimal.Decimal)

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%w: system recovery aborted after %d positions",
				types.ErrTimeout, result.PositionsReplayed)
		}

		ids, err := c.db.ListPositionIDs(recoveryBatchSize, offset)
		if err != nil {
			return result, err
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			replayed, err := c.events.Replay(ctx, id)
			if err != nil {
				log.Error().Err(err).Str("position_id", id).Msg("❌ Replay failed during recovery")
				continue
			}
			result.PositionsReplayed++

			repaired, err := c.repairPosition(ctx, replayed)
			if err != nil {
				return result, err
			}
			if repaired {
				result.PositionsRepaired++
			}

			if replayed.Status == types.StatusOpen || replayed.Status == types.StatusPending {
				stored, err := c.db.GetPosition(nil, id)
				if err != nil {
					return result, err
				}
				marginByAccount[stored.AccountID] = marginByAccount[stored.AccountID].Add(stored.MarginUsed)
			}
		}

		offset += len(ids)
		if len(ids) < recoveryBatchSize {
			break
		}
		runtime.Gosched()
	}

	// Rebuild account aggregates from the replayed open set
	accounts, err := c.db.ListAccounts()
	if err != nil {
		return result, err
	}
	for i := range accounts {
		acc := accounts[i]
		rebuilt := marginByAccount[acc.AccountID]
		err := c.db.RunInTx(ctx, storage.DefaultTxOptions("recovery_rebuild_account"), func(tx *gorm.DB) error {
			locked, err := c.db.GetAccountForUpdate(tx, acc.AccountID)
			if err != nil {
				return err
			}
			locked.MarginUsed = rebuilt
			locked.Equity = locked.Balance
			locked.FreeMargin = locked.Equity.Sub(locked.MarginUsed)
			return c.db.SaveAccount(tx, locked)
		})
		if err != nil {
			return result, err
		}
		result.AccountsRebuilt++
	}

	result.Duration = time.Since(started)
	log.Info().
		Int("replayed", result.PositionsReplayed).
		Int("repaired", result.PositionsRepaired).
		Int("accounts", result.AccountsRebuilt).
		Dur("duration", result.Duration).
		Msg("🔧 System recovery complete")
	return result, nil
}

// repairPosition converges the stored row onto the replayed state when
// they disagree on status, size or realized P&L.
func (c *Checker) repairPosition(ctx context.Context, replayed *storage.Position) (bool, error) {
	stored, err := c.db.GetPosition(nil, replayed.ID)
	if err != nil {
		return false, err
	}
	if stored.Status == replayed.Status &&
		stored.Size.Equal(replayed.Size) &&
		stored.RealizedPnl.Equal(replayed.RealizedPnl) {
		return false, nil
	}

	log.Warn().
		Str("position_id", replayed.ID).
		Str("stored_status", string(stored.Status)).
		Str("replayed_status", string(replayed.Status)).
		Msg("⚠️ Stored position diverged from its event log, repairing")

	err = c.db.RunInTx(ctx, storage.DefaultTxOptions("recovery_repair_position"), func(tx *gorm.DB) error {
		locked, err := c.db.GetPositionForUpdate(tx, replayed.ID)
		if err != nil {
			return err
		}
		locked.Status = replayed.Status
		locked.Size = replayed.Size
		locked.AvgEntryPrice = replayed.AvgEntryPrice
		locked.RealizedPnl = replayed.RealizedPnl
		locked.ClosedAt = replayed.ClosedAt
		locked.CloseReason = replayed.CloseReason
		return c.db.SavePosition(tx, locked)
	})
	return err == nil, err
}
