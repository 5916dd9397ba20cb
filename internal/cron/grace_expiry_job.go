package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

// NewGraceExpiryJob builds the sweep that pauses past_due subscriptions whose
// grace window has fully lapsed and writes off their renewal invoice as
// uncollectible. A late payment on an uncollectible invoice still settles it
// through the webhook path.
func NewGraceExpiryJob(params BillingSweepParams) (Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &graceExpiryJob{
		logg:   params.Logger,
		runner: params.runner(),
		batch:  params.batchSize(),
	}, nil
}

type graceExpiryJob struct {
	logg   *logger.Logger
	runner *renewalRunner
	batch  int
}

func (j *graceExpiryJob) Name() string { return "grace-expiry" }

func (j *graceExpiryJob) Run(ctx context.Context) error {
	now := j.runner.now().UTC()
	subs, err := j.runner.repo.ListGraceExpired(ctx, now, j.batch)
	if err != nil {
		return fmt.Errorf("listing expired grace windows: %w", err)
	}

	var errs error
	paused := 0
	for i := range subs {
		sub := &subs[i]
		if err := j.expire(ctx, sub); err != nil {
			logCtx := j.logg.WithFields(ctx, map[string]any{
				"subscription_id": sub.ID,
				"customer_id":     sub.CustomerID,
			})
			j.logg.Error(logCtx, "grace expiry failed", err)
			errs = multierr.Append(errs, err)
			continue
		}
		paused++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"swept":  len(subs),
		"paused": paused,
	})
	j.logg.Info(logCtx, "grace expiry sweep complete")
	return errs
}

func (j *graceExpiryJob) expire(ctx context.Context, sub *models.Subscription) error {
	return j.runner.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.runner.repo.WithTx(tx)
		locked, err := repo.FindSubscriptionForUpdate(ctx, sub.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking subscription")
		}
		if locked == nil || locked.Status != enums.SubscriptionStatusPastDue {
			// Recovered or canceled between the list and the lock.
			return nil
		}
		latest, err := repo.LatestPeriod(ctx, locked.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading latest period")
		}
		if latest != nil {
			invoice, err := repo.FindInvoiceForPeriod(ctx, latest.ID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading period invoice")
			}
			if invoice != nil && invoice.Status.IsSettleable() {
				invoice.Status = enums.InvoiceStatusUncollectible
				if err := repo.UpdateInvoice(ctx, invoice); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "writing off invoice")
				}
			}
		}
		return j.runner.subs.PauseTx(ctx, tx, locked, "grace_expired")
	})
}
