package syncjobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/retry"
)

// RunBulkSync syncs every active linked account with bounded concurrency.
// Brokerage outages are retried with exponential backoff; accounts already
// mid-sync are skipped. A failing account is alerted on and never stops
// the rest of the pass.
func (r *Runner) RunBulkSync(ctx context.Context) error {
	accounts, err := r.accounts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts for bulk sync: %w", err)
	}
	if len(accounts) == 0 {
		r.logger.Info("Bulk sync pass found no active accounts")
		return nil
	}

	r.logger.Info("Starting bulk sync pass",
		"accounts", len(accounts),
		"concurrency", r.config.Concurrency)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		skipped   int
		failed    int
	)
	semaphore := make(chan struct{}, r.config.Concurrency)

	for _, account := range accounts {
		wg.Add(1)
		go func(account *entities.LinkedAccount) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			err := r.syncOne(ctx, account)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperrors.HasCode(err, apperrors.ErrCodeSyncInProgress):
				skipped++
			default:
				failed++
			}
		}(account)
	}
	wg.Wait()

	r.logger.Info("Bulk sync pass finished",
		"succeeded", succeeded,
		"skipped", skipped,
		"failed", failed)
	return nil
}

// syncOne syncs a single account, retrying only brokerage-side failures.
// Auth and credential problems are terminal for this pass, and an account
// already mid-sync must not be hammered with repeat attempts.
func (r *Runner) syncOne(ctx context.Context, account *entities.LinkedAccount) error {
	retryCfg := retry.Config{
		MaxAttempts: r.config.RetryAttempts,
		BaseDelay:   r.config.RetryBaseDelay,
		MaxDelay:    10 * time.Minute,
		Multiplier:  2.0,
	}

	err := retry.WithExponentialBackoff(ctx, retryCfg, func() error {
		_, syncErr := r.syncer.Sync(ctx, account.ID)
		return syncErr
	}, func(err error) bool {
		return apperrors.HasCode(err, apperrors.ErrCodeBrokerAPI)
	})
	if err == nil {
		return nil
	}

	switch {
	case apperrors.HasCode(err, apperrors.ErrCodeSyncInProgress):
		r.logger.Debug("Skipping account already mid-sync",
			"account_id", account.ID)
	case apperrors.HasCode(err, apperrors.ErrCodeDecryptionFailed):
		r.logger.WithError(err).Error("Stored credentials undecryptable, account needs relinking",
			"account_id", account.ID)
		if alertErr := r.alerts.RelinkRequiredAlert(ctx, account); alertErr != nil {
			r.logger.WithError(alertErr).Error("Failed to send relink alert",
				"account_id", account.ID)
		}
	default:
		r.logger.WithError(err).Error("Bulk sync failed for account",
			"account_id", account.ID)
		if alertErr := r.alerts.SyncFailureAlert(ctx, account, err); alertErr != nil {
			r.logger.WithError(alertErr).Error("Failed to send sync failure alert",
				"account_id", account.ID)
		}
	}
	return err
}
