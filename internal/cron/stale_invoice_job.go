package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/outbox/payloads"
)

// NewStaleInvoiceJob builds the sweep that voids open invoices abandoned by
// prepaid-only providers. Recurring providers are skipped: their open
// invoices belong to the dunning schedule, not this sweep.
func NewStaleInvoiceJob(params BillingSweepParams) (Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &staleInvoiceJob{
		logg:   params.Logger,
		runner: params.runner(),
		batch:  params.batchSize(),
		cfg:    params.Billing,
	}, nil
}

type staleInvoiceJob struct {
	logg   *logger.Logger
	runner *renewalRunner
	batch  int
	cfg    config.BillingConfig
}

func (j *staleInvoiceJob) Name() string { return "stale-invoice" }

func (j *staleInvoiceJob) Run(ctx context.Context) error {
	now := j.runner.now().UTC()
	olderThan := now.Add(-j.cfg.StaleInvoiceWindow)
	invoices, err := j.runner.repo.ListStaleOpenInvoices(ctx, olderThan, j.batch)
	if err != nil {
		return fmt.Errorf("listing stale invoices: %w", err)
	}

	var errs error
	voided := 0
	for i := range invoices {
		invoice := &invoices[i]
		port, err := j.runner.ports.Resolve(invoice.Provider)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if port.SupportsRecurring() {
			continue
		}
		if err := j.void(ctx, invoice); err != nil {
			logCtx := j.logg.WithFields(ctx, map[string]any{
				"invoice_id":  invoice.ID,
				"customer_id": invoice.CustomerID,
			})
			j.logg.Error(logCtx, "voiding stale invoice failed", err)
			errs = multierr.Append(errs, err)
			continue
		}
		voided++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"swept":  len(invoices),
		"voided": voided,
	})
	j.logg.Info(logCtx, "stale invoice sweep complete")
	return errs
}

func (j *staleInvoiceJob) void(ctx context.Context, stale *models.Invoice) error {
	return j.runner.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.runner.repo.WithTx(tx)
		invoice, err := repo.FindInvoice(ctx, stale.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading invoice")
		}
		if invoice == nil || !invoice.Status.IsSettleable() {
			return nil
		}
		voidedAt := j.runner.now().UTC()
		invoice.Status = enums.InvoiceStatusVoid
		invoice.VoidedAt = &voidedAt
		if err := repo.UpdateInvoice(ctx, invoice); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "voiding invoice")
		}
		return j.runner.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventInvoiceVoided,
			AggregateType: enums.AggregateInvoice,
			AggregateID:   invoice.ID,
			Data: payloads.InvoiceVoidedEvent{
				InvoiceID:  invoice.ID,
				CustomerID: invoice.CustomerID,
				Purpose:    invoice.Purpose,
				VoidedAt:   voidedAt,
				Reason:     "stale",
			},
		})
	})
}
