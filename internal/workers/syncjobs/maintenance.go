package syncjobs

import (
	"context"
	"fmt"

	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
)

// RunDailySnapshots records one daily snapshot per active account from its
// persisted portfolio aggregate. Accounts that have never completed a sync
// have no aggregate yet and are skipped.
func (r *Runner) RunDailySnapshots(ctx context.Context) error {
	accounts, err := r.accounts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts for snapshots: %w", err)
	}

	now := r.clock.Now()
	created, skipped, failed := 0, 0, 0

	for _, account := range accounts {
		folio, err := r.portfolios.GetByAccount(ctx, account.ID)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				skipped++
				continue
			}
			r.logger.Error("Failed to load portfolio for snapshot",
				"account_id", account.ID,
				"error", err)
			failed++
			continue
		}

		snapshot := entities.FromPortfolio(folio, entities.SnapshotKindDaily, now)
		if err := r.snapshots.Create(ctx, snapshot); err != nil {
			r.logger.Error("Failed to record daily snapshot",
				"account_id", account.ID,
				"error", err)
			failed++
			continue
		}
		created++
	}

	r.logger.Info("Daily snapshot pass finished",
		"created", created,
		"skipped", skipped,
		"failed", failed)
	return nil
}

// RunRetention prunes manual snapshots older than the retention window.
// Daily snapshots stay: they are the long-term performance series.
func (r *Runner) RunRetention(ctx context.Context) error {
	cutoff := r.clock.Now().AddDate(0, 0, -r.config.RetentionDays)

	deleted, err := r.snapshots.DeleteManualOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}

	r.logger.Info("Snapshot retention pass finished",
		"cutoff", cutoff,
		"deleted", deleted)
	return nil
}
