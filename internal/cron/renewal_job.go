package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

// NewRenewalJob builds the sweep that pre-creates renewal invoices inside the
// lead window and takes the first charge attempt once the boundary passes.
// Subscriptions flagged cancel_at_period_end are never renewed; once their
// last period ends the sweep terminalizes them to canceled instead.
func NewRenewalJob(params BillingSweepParams) (Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &renewalJob{
		logg:   params.Logger,
		runner: params.runner(),
		batch:  params.batchSize(),
		cfg:    params.Billing,
	}, nil
}

type renewalJob struct {
	logg   *logger.Logger
	runner *renewalRunner
	batch  int
	cfg    config.BillingConfig
}

func (j *renewalJob) Name() string { return "renewal" }

func (j *renewalJob) Run(ctx context.Context) error {
	now := j.runner.now().UTC()
	horizon := now.Add(j.cfg.RenewalLeadTime)
	subs, err := j.runner.repo.ListDueForRenewal(ctx, horizon, j.batch)
	if err != nil {
		return fmt.Errorf("listing renewals due: %w", err)
	}

	var errs error
	charged, scheduled := 0, 0
	for i := range subs {
		sub := &subs[i]
		attempted, err := j.renew(ctx, sub)
		if err != nil {
			logCtx := j.logg.WithFields(ctx, map[string]any{
				"subscription_id": sub.ID,
				"customer_id":     sub.CustomerID,
			})
			j.logg.Error(logCtx, "renewal failed", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if attempted {
			charged++
		} else {
			scheduled++
		}
	}

	finalized, finalizeErrs := j.finalizeCancellations(ctx, now)
	errs = multierr.Append(errs, finalizeErrs)

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"swept":     len(subs),
		"charged":   charged,
		"scheduled": scheduled,
		"finalized": finalized,
	})
	j.logg.Info(logCtx, "renewal sweep complete")
	return errs
}

// finalizeCancellations closes out cancel-at-period-end subscriptions whose
// last period has elapsed.
func (j *renewalJob) finalizeCancellations(ctx context.Context, now time.Time) (int, error) {
	subs, err := j.runner.repo.ListPendingCancellations(ctx, now, j.batch)
	if err != nil {
		return 0, fmt.Errorf("listing pending cancellations: %w", err)
	}

	var errs error
	finalized := 0
	for i := range subs {
		sub := &subs[i]
		if err := j.finalize(ctx, sub); err != nil {
			logCtx := j.logg.WithFields(ctx, map[string]any{
				"subscription_id": sub.ID,
				"customer_id":     sub.CustomerID,
			})
			j.logg.Error(logCtx, "cancellation finalize failed", err)
			errs = multierr.Append(errs, err)
			continue
		}
		finalized++
	}
	return finalized, errs
}

func (j *renewalJob) finalize(ctx context.Context, sub *models.Subscription) error {
	return j.runner.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.runner.repo.WithTx(tx)
		locked, err := repo.FindSubscriptionForUpdate(ctx, sub.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking subscription")
		}
		if locked == nil || !locked.CancelAtPeriodEnd || locked.Status == enums.SubscriptionStatusCanceled {
			// Undone or already closed between the list and the lock.
			return nil
		}
		return j.runner.subs.FinalizeCancelTx(ctx, tx, locked, j.runner.now().UTC())
	})
}

func (j *renewalJob) renew(ctx context.Context, sub *models.Subscription) (bool, error) {
	latest, err := j.runner.repo.LatestPeriod(ctx, sub.ID)
	if err != nil {
		return false, fmt.Errorf("loading latest period: %w", err)
	}
	if latest == nil {
		// Active subscription with no period is a data problem, not ours to
		// invent a boundary for.
		return false, fmt.Errorf("subscription %s has no periods", sub.ID)
	}
	boundary := latest.EndAt.UTC()
	if latest.Status == enums.PeriodStatusScheduled {
		// A prior sweep already pre-created the renewal; its start is the
		// boundary we are collecting for.
		boundary = latest.StartAt.UTC()
	}
	_, invoice, err := j.runner.ensureRenewal(ctx, sub, boundary)
	if err != nil {
		return false, err
	}
	if invoice.Status == enums.InvoiceStatusPaid {
		return false, nil
	}
	if boundary.After(j.runner.now().UTC()) {
		return false, nil
	}
	return true, j.runner.collect(ctx, sub, invoice)
}
