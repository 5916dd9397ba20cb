package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

// NewTrialConversionJob builds the sweep that converts expiring trials to
// paid. The horizon lets the renewal invoice exist before the trial actually
// ends; the charge only fires once the trial boundary has passed.
func NewTrialConversionJob(params BillingSweepParams) (Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &trialConversionJob{
		logg:   params.Logger,
		runner: params.runner(),
		batch:  params.batchSize(),
		cfg:    params.Billing,
	}, nil
}

type trialConversionJob struct {
	logg   *logger.Logger
	runner *renewalRunner
	batch  int
	cfg    config.BillingConfig
}

func (j *trialConversionJob) Name() string { return "trial-conversion" }

func (j *trialConversionJob) Run(ctx context.Context) error {
	now := j.runner.now().UTC()
	cutoff := now.Add(j.cfg.TrialSweepHorizon)
	subs, err := j.runner.repo.ListTrialsEndingBefore(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("listing expiring trials: %w", err)
	}

	var errs error
	converted, scheduled := 0, 0
	for i := range subs {
		sub := &subs[i]
		charged, err := j.convert(ctx, sub)
		if err != nil {
			logCtx := j.logg.WithFields(ctx, map[string]any{
				"subscription_id": sub.ID,
				"customer_id":     sub.CustomerID,
			})
			j.logg.Error(logCtx, "trial conversion failed", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if charged {
			converted++
		} else {
			scheduled++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"swept":     len(subs),
		"converted": converted,
		"scheduled": scheduled,
	})
	j.logg.Info(logCtx, "trial conversion sweep complete")
	return errs
}

// convert ensures the first paid invoice exists and attempts collection once
// the trial has ended. Returns whether a charge was attempted.
func (j *trialConversionJob) convert(ctx context.Context, sub *models.Subscription) (bool, error) {
	if sub.TrialEndsAt == nil {
		return false, nil
	}
	boundary := sub.TrialEndsAt.UTC()
	_, invoice, err := j.runner.ensureRenewal(ctx, sub, boundary)
	if err != nil {
		return false, err
	}
	if invoice.Status == enums.InvoiceStatusPaid {
		// Settled out of band, the webhook already activated the period.
		return false, nil
	}
	if boundary.After(j.runner.now().UTC()) {
		// Invoice pre-created; collection waits for the boundary.
		return false, nil
	}
	return true, j.runner.collect(ctx, sub, invoice)
}
