package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/period"
	"github.com/cadencehq/cadence-backend/internal/settlement"
	"github.com/cadencehq/cadence-backend/internal/subscription"
	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type planCatalog interface {
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
}

type chargePorts interface {
	Resolve(provider enums.Provider) (settlement.Port, error)
}

type periodEngine interface {
	Start(ctx context.Context, tx *gorm.DB, input period.StartInput) (*models.SubscriptionPeriod, error)
	ScheduleRenewal(ctx context.Context, input period.ScheduleRenewalInput) (*models.SubscriptionPeriod, *models.Invoice, error)
}

type subscriptionHooks interface {
	ActivateTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error
	PauseTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error
	FinalizeCancelTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, at time.Time) error
	HandlePaymentFailure(ctx context.Context, tx *gorm.DB, input subscription.PaymentFailureInput) error
	ApplyPendingPlanTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (*models.Plan, error)
}

// BillingSweepParams carries the dependencies shared by the billing sweep
// jobs.
type BillingSweepParams struct {
	Logger        *logger.Logger
	DB            txRunner
	Repository    billing.Repository
	Catalog       planCatalog
	Ports         chargePorts
	Periods       periodEngine
	Subscriptions subscriptionHooks
	Outbox        outboxEmitter
	Billing       config.BillingConfig
}

func (p BillingSweepParams) validate() error {
	if p.Logger == nil {
		return fmt.Errorf("logger required")
	}
	if p.DB == nil {
		return fmt.Errorf("db runner required")
	}
	if p.Repository == nil {
		return fmt.Errorf("billing repository required")
	}
	if p.Catalog == nil {
		return fmt.Errorf("plan catalog required")
	}
	if p.Ports == nil {
		return fmt.Errorf("settlement ports required")
	}
	if p.Periods == nil {
		return fmt.Errorf("period engine required")
	}
	if p.Subscriptions == nil {
		return fmt.Errorf("subscription service required")
	}
	if p.Outbox == nil {
		return fmt.Errorf("outbox required")
	}
	return nil
}

func (p BillingSweepParams) runner() *renewalRunner {
	return &renewalRunner{
		repo:    p.Repository,
		db:      p.DB,
		catalog: p.Catalog,
		ports:   p.Ports,
		periods: p.Periods,
		subs:    p.Subscriptions,
		outbox:  p.Outbox,
		now:     time.Now,
	}
}

func (p BillingSweepParams) batchSize() int {
	if p.Billing.SweepBatchSize > 0 {
		return p.Billing.SweepBatchSize
	}
	return 250
}

// renewalRunner is the shared collection pipeline behind the trial, renewal,
// and dunning sweeps: ensure the boundary invoice exists, charge it through
// the provider (outside any transaction), and commit whatever outcome the
// charge reported. Asynchronous outcomes are left to the webhook reconciler.
type renewalRunner struct {
	repo    billing.Repository
	db      txRunner
	catalog planCatalog
	ports   chargePorts
	periods periodEngine
	subs    subscriptionHooks
	outbox  outboxEmitter
	now     func() time.Time
}

// renewalPlan resolves the plan the next period bills under. A scheduled plan
// change bills at the new plan's list price, so the grandfather lock is
// ignored for that invoice.
func (r *renewalRunner) renewalPlan(ctx context.Context, sub *models.Subscription) (*models.Plan, bool, error) {
	planID := sub.PlanID
	pending := sub.PendingPlanID != nil
	if pending {
		planID = *sub.PendingPlanID
	}
	plan, err := r.catalog.GetPlan(ctx, planID)
	if err != nil {
		return nil, false, err
	}
	return plan, pending, nil
}

// ensureRenewal idempotently creates the scheduled period and open invoice
// for the boundary.
func (r *renewalRunner) ensureRenewal(ctx context.Context, sub *models.Subscription, boundary time.Time) (*models.SubscriptionPeriod, *models.Invoice, error) {
	plan, pending, err := r.renewalPlan(ctx, sub)
	if err != nil {
		return nil, nil, err
	}
	billed := sub
	if pending {
		unlocked := *sub
		unlocked.LockedPriceCents = nil
		billed = &unlocked
	}
	return r.periods.ScheduleRenewal(ctx, period.ScheduleRenewalInput{
		CustomerID:   sub.CustomerID,
		Subscription: billed,
		Plan:         plan,
		BoundaryAt:   boundary,
	})
}

// collect attempts to take payment for an open renewal invoice and applies
// the synchronous outcome. Prepaid providers cannot be charged unattended, so
// their subscriptions go straight through the failure policy (pause with a
// renewal prompt).
func (r *renewalRunner) collect(ctx context.Context, sub *models.Subscription, invoice *models.Invoice) error {
	port, err := r.ports.Resolve(sub.Provider)
	if err != nil {
		return err
	}
	if !port.SupportsRecurring() {
		return r.recordFailure(ctx, port, sub, invoice, "")
	}

	customer, err := r.repo.FindCustomer(ctx, sub.CustomerID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading customer")
	}
	if customer == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	ref, ok := customer.ProviderRef(sub.Provider)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("customer has no %s reference", sub.Provider))
	}

	result, err := port.CreateCharge(ctx, settlement.ChargeRequest{
		InvoiceID:    invoice.ID,
		CustomerRef:  ref,
		AmountCents:  invoice.AmountCents,
		CurrencyCode: invoice.CurrencyCode,
		Description:  fmt.Sprintf("renewal %s", sub.PlanID),
	})
	if err != nil {
		// Transport failure: the invoice stays open and the next cycle (or
		// the provider's webhook) picks it up.
		return err
	}

	switch result.Status {
	case enums.PaymentStatusSucceeded:
		return r.settle(ctx, sub, invoice, result)
	case enums.PaymentStatusFailed:
		return r.recordFailure(ctx, port, sub, invoice, result.ProviderPaymentID)
	default:
		// Pending provider-side; the reconciler settles it on delivery.
		return nil
	}
}

// settle commits a successful synchronous charge: payment recorded, invoice
// paid, pending plan applied, period started, subscription active. The
// provider's own success webhook later no-ops on the already-paid invoice.
func (r *renewalRunner) settle(ctx context.Context, sub *models.Subscription, invoice *models.Invoice, result *settlement.ChargeResult) error {
	return r.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		locked, err := repo.FindSubscriptionForUpdate(ctx, sub.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking subscription")
		}
		if locked == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		current, err := repo.FindInvoice(ctx, invoice.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading invoice")
		}
		if current == nil || current.Status == enums.InvoiceStatusPaid {
			// The webhook beat us to it.
			return nil
		}

		paidAt := r.now().UTC()
		if result.ProviderPaymentID != "" {
			if err := r.createPayment(ctx, repo, current, result, paidAt); err != nil {
				return err
			}
		}
		current.Status = enums.InvoiceStatusPaid
		current.PaidAt = &paidAt
		if err := repo.UpdateInvoice(ctx, current); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking invoice paid")
		}
		err = r.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventInvoicePaid,
			AggregateType: enums.AggregateInvoice,
			AggregateID:   current.ID,
			Data: payloads.InvoicePaidEvent{
				InvoiceID:   current.ID,
				CustomerID:  current.CustomerID,
				Purpose:     current.Purpose,
				AmountCents: current.AmountCents,
				Provider:    current.Provider,
				PaidAt:      paidAt,
			},
		})
		if err != nil {
			return err
		}

		plan, err := r.subs.ApplyPendingPlanTx(ctx, tx, locked)
		if err != nil {
			return err
		}
		startAt := paidAt
		if current.PeriodID != nil {
			scheduled, err := repo.FindPeriod(ctx, *current.PeriodID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading scheduled period")
			}
			if scheduled != nil && startAt.Before(scheduled.StartAt) {
				startAt = scheduled.StartAt
			}
		}
		invoiceID := current.ID
		if _, err := r.periods.Start(ctx, tx, period.StartInput{
			CustomerID:   current.CustomerID,
			Subscription: locked,
			Plan:         plan,
			StartAt:      startAt,
			InvoiceID:    &invoiceID,
			PeriodID:     current.PeriodID,
		}); err != nil {
			return err
		}
		return r.subs.ActivateTx(ctx, tx, locked, "renewal_collected")
	})
}

// recordFailure routes a failed or impossible charge through the failure
// policy under lock.
func (r *renewalRunner) recordFailure(ctx context.Context, port settlement.Port, sub *models.Subscription, invoice *models.Invoice, providerPaymentID string) error {
	return r.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		locked, err := repo.FindSubscriptionForUpdate(ctx, sub.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking subscription")
		}
		if locked == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		now := r.now().UTC()
		if providerPaymentID != "" {
			failed := &models.Payment{
				CustomerID:        locked.CustomerID,
				InvoiceID:         &invoice.ID,
				Provider:          locked.Provider,
				ProviderPaymentID: providerPaymentID,
				AmountCents:       invoice.AmountCents,
				CurrencyCode:      invoice.CurrencyCode,
				Status:            enums.PaymentStatusFailed,
				FailedAt:          &now,
			}
			if err := repo.CreatePayment(ctx, failed); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recording failed payment")
			}
		}
		plan, err := r.catalog.GetPlan(ctx, locked.PlanID)
		if err != nil {
			return err
		}
		current, err := repo.FindPeriodCovering(ctx, locked.ID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading current period")
		}
		return r.subs.HandlePaymentFailure(ctx, tx, subscription.PaymentFailureInput{
			Subscription:      locked,
			Plan:              plan,
			Period:            current,
			Invoice:           invoice,
			SupportsRecurring: port.SupportsRecurring(),
			At:                now,
		})
	})
}

func (r *renewalRunner) createPayment(ctx context.Context, repo billing.Repository, invoice *models.Invoice, result *settlement.ChargeResult, paidAt time.Time) error {
	existing, err := repo.FindPaymentByProviderID(ctx, invoice.Provider, result.ProviderPaymentID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading payment")
	}
	if existing != nil {
		return nil
	}
	invoiceID := invoice.ID
	payment := &models.Payment{
		CustomerID:        invoice.CustomerID,
		InvoiceID:         &invoiceID,
		Provider:          invoice.Provider,
		ProviderPaymentID: result.ProviderPaymentID,
		AmountCents:       invoice.AmountCents,
		CurrencyCode:      invoice.CurrencyCode,
		Status:            enums.PaymentStatusSucceeded,
		ConfirmedAt:       &paidAt,
	}
	if err := repo.CreatePayment(ctx, payment); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recording payment")
	}
	return nil
}
