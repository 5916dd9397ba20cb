package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

// NewDunningJob builds the sweep that retries collection for past_due
// subscriptions whose next_retry_at has come up. Outcomes route through the
// payment failure policy, which advances the retry schedule and eventually
// exhausts into a pause.
func NewDunningJob(params BillingSweepParams) (Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &dunningJob{
		logg:   params.Logger,
		runner: params.runner(),
		batch:  params.batchSize(),
	}, nil
}

type dunningJob struct {
	logg   *logger.Logger
	runner *renewalRunner
	batch  int
}

func (j *dunningJob) Name() string { return "dunning" }

func (j *dunningJob) Run(ctx context.Context) error {
	now := j.runner.now().UTC()
	subs, err := j.runner.repo.ListDunningDue(ctx, now, j.batch)
	if err != nil {
		return fmt.Errorf("listing dunning due: %w", err)
	}

	var errs error
	retried := 0
	for i := range subs {
		sub := &subs[i]
		attempted, err := j.retry(ctx, sub)
		if err != nil {
			logCtx := j.logg.WithFields(ctx, map[string]any{
				"subscription_id":  sub.ID,
				"customer_id":      sub.CustomerID,
				"dunning_attempts": sub.DunningAttempts,
			})
			j.logg.Error(logCtx, "dunning retry failed", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if attempted {
			retried++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"swept":   len(subs),
		"retried": retried,
	})
	j.logg.Info(logCtx, "dunning sweep complete")
	return errs
}

// retry re-attempts the open invoice behind the subscription's newest period.
// A payment that settled out of band leaves nothing to do.
func (j *dunningJob) retry(ctx context.Context, sub *models.Subscription) (bool, error) {
	latest, err := j.runner.repo.LatestPeriod(ctx, sub.ID)
	if err != nil {
		return false, fmt.Errorf("loading latest period: %w", err)
	}
	if latest == nil {
		return false, nil
	}
	invoice, err := j.runner.repo.FindInvoiceForPeriod(ctx, latest.ID)
	if err != nil {
		return false, fmt.Errorf("loading period invoice: %w", err)
	}
	if invoice == nil || !invoice.Status.IsSettleable() {
		return false, nil
	}
	return true, j.runner.collect(ctx, sub, invoice)
}
