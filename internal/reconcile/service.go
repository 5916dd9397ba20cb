package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/ledger"
	"github.com/cadencehq/cadence-backend/internal/period"
	"github.com/cadencehq/cadence-backend/internal/settlement"
	"github.com/cadencehq/cadence-backend/internal/subscription"
	"github.com/cadencehq/cadence-backend/pkg/db"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	"github.com/cadencehq/cadence-backend/pkg/metrics"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/outbox/payloads"
)

// AckCode is the answer we give the provider for a delivery. AckOK tells it
// to stop sending the event; AckRetry asks for redelivery.
type AckCode int

const (
	AckOK AckCode = iota
	AckRetry
)

const markerConstraint = "idx_settlement_events_provider_eid"

// errDuplicateMarker aborts the transaction when a concurrent delivery of the
// same event won the race to the processed marker.
var errDuplicateMarker = errors.New("settlement event already recorded")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type portResolver interface {
	Resolve(provider enums.Provider) (settlement.Port, error)
}

type periodEngine interface {
	Start(ctx context.Context, tx *gorm.DB, input period.StartInput) (*models.SubscriptionPeriod, error)
	Revoke(ctx context.Context, tx *gorm.DB, input period.RevokeInput) (*models.SubscriptionPeriod, error)
}

type subscriptionHooks interface {
	ActivateTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error
	PauseTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error
	HandlePaymentFailure(ctx context.Context, tx *gorm.DB, input subscription.PaymentFailureInput) error
	ApplyPendingPlanTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (*models.Plan, error)
}

type creditRestorer interface {
	RestoreBySourceTx(ctx context.Context, tx *gorm.DB, input ledger.RestoreInput) (*models.CreditLedgerEntry, error)
}

type planCatalog interface {
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
}

type bundleEngine interface {
	FinalizeTx(ctx context.Context, tx *gorm.DB, invoice *models.Invoice) error
	RevokeTx(ctx context.Context, tx *gorm.DB, invoice *models.Invoice, source enums.LedgerSource) error
}

// Service turns raw provider webhook deliveries into exactly-once domain
// effects. The processed marker is written in the same transaction as the
// effects, so a crash mid-delivery leaves no marker and the redelivery
// reprocesses from scratch.
type Service interface {
	HandleWebhook(ctx context.Context, provider enums.Provider, payload []byte, signature string) (AckCode, error)
}

type service struct {
	events  Repository
	billing billing.Repository
	tx      txRunner
	ports   portResolver
	periods periodEngine
	subs    subscriptionHooks
	credits creditRestorer
	catalog planCatalog
	bundles bundleEngine
	outbox  outboxPublisher
	metrics *metrics.SettlementMetrics
	logg    *logger.Logger
}

// NewService builds the reconciliation service.
func NewService(
	events Repository,
	billingRepo billing.Repository,
	tx txRunner,
	ports portResolver,
	periods periodEngine,
	subs subscriptionHooks,
	credits creditRestorer,
	catalog planCatalog,
	bundles bundleEngine,
	outboxSvc outboxPublisher,
	settlementMetrics *metrics.SettlementMetrics,
	logg *logger.Logger,
) (Service, error) {
	if events == nil {
		return nil, fmt.Errorf("settlement event repository required")
	}
	if billingRepo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if ports == nil {
		return nil, fmt.Errorf("port registry required")
	}
	if periods == nil {
		return nil, fmt.Errorf("period engine required")
	}
	if subs == nil {
		return nil, fmt.Errorf("subscription service required")
	}
	if credits == nil {
		return nil, fmt.Errorf("credit ledger required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("plan catalog required")
	}
	if bundles == nil {
		return nil, fmt.Errorf("bundle engine required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		events:  events,
		billing: billingRepo,
		tx:      tx,
		ports:   ports,
		periods: periods,
		subs:    subs,
		credits: credits,
		catalog: catalog,
		bundles: bundles,
		outbox:  outboxSvc,
		metrics: settlementMetrics,
		logg:    logg,
	}, nil
}

// HandleWebhook verifies, parses, and applies one provider delivery. A non-nil
// error means the delivery itself was rejected (bad signature, unknown
// provider) and the caller should map the error code to an HTTP status. With a
// nil error the AckCode decides between acknowledging and asking for
// redelivery.
func (s *service) HandleWebhook(ctx context.Context, provider enums.Provider, payload []byte, signature string) (AckCode, error) {
	port, err := s.ports.Resolve(provider)
	if err != nil {
		return AckOK, err
	}

	event, err := port.ParseEvent(payload, signature)
	if errors.Is(err, settlement.ErrEventIgnored) {
		s.metrics.IncDiscarded(provider.String(), "ignored")
		return AckOK, nil
	}
	if err != nil {
		return AckOK, err
	}

	ctx = s.logg.WithProviderEvent(ctx, provider.String(), event.ProviderEventID)
	return s.process(ctx, port, event)
}

func (s *service) process(ctx context.Context, port settlement.Port, event *settlement.CanonicalEvent) (AckCode, error) {
	var duplicate bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		events := s.events.WithTx(tx)
		seen, err := events.FindEvent(ctx, event.Provider, event.ProviderEventID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "checking processed marker")
		}
		if seen != nil {
			duplicate = true
			return nil
		}

		if err := s.apply(ctx, tx, port, event); err != nil {
			return err
		}

		marker := &models.SettlementEvent{
			Provider:        event.Provider,
			ProviderEventID: event.ProviderEventID,
			Kind:            event.Kind,
			ProcessedAt:     time.Now().UTC(),
		}
		if err := events.CreateEvent(ctx, marker); err != nil {
			if db.IsUniqueViolation(err, markerConstraint) {
				return errDuplicateMarker
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "writing processed marker")
		}
		return nil
	})

	providerLabel := event.Provider.String()
	kindLabel := event.Kind.String()
	if err != nil {
		// The concurrent delivery that won the marker race carried the
		// effects; ours rolled back.
		if errors.Is(err, errDuplicateMarker) {
			s.metrics.IncDuplicate(providerLabel, kindLabel)
			return AckOK, nil
		}
		if event.Kind.MustSucceed() && pkgerrors.IsRetryable(err) {
			s.metrics.IncRetried(providerLabel, kindLabel)
			s.logg.Warn(ctx, "settlement event deferred for redelivery: "+err.Error())
			return AckRetry, nil
		}
		s.metrics.IncDiscarded(providerLabel, kindLabel)
		s.logg.Error(ctx, "settlement event discarded", err)
		return AckOK, nil
	}
	if duplicate {
		s.metrics.IncDuplicate(providerLabel, kindLabel)
		return AckOK, nil
	}
	s.metrics.IncProcessed(providerLabel, kindLabel)
	return AckOK, nil
}

func (s *service) apply(ctx context.Context, tx *gorm.DB, port settlement.Port, event *settlement.CanonicalEvent) error {
	switch event.Kind {
	case enums.SettlementEventCheckoutCompleted, enums.SettlementEventPaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, tx, event)
	case enums.SettlementEventPaymentFailed:
		return s.applyPaymentFailed(ctx, tx, port, event)
	case enums.SettlementEventChargeRefunded:
		return s.applyRefund(ctx, tx, event)
	case enums.SettlementEventInvoiceVoided:
		return s.applyInvoiceVoided(ctx, tx, event)
	case enums.SettlementEventDisputeOpened, enums.SettlementEventDisputeLost:
		return s.applyDispute(ctx, tx, event)
	case enums.SettlementEventDisputeWon:
		return s.applyDisputeWon(ctx, tx, event)
	}
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unhandled settlement event kind %q", event.Kind))
}

// applyPaymentSucceeded settles the invoice, records the payment, and for
// period invoices starts (or activates) the paid-for period and reactivates
// the subscription. A recovery payment that arrives after the boundary starts
// the period at the settlement moment, never backdated.
func (s *service) applyPaymentSucceeded(ctx context.Context, tx *gorm.DB, event *settlement.CanonicalEvent) error {
	repo := s.billing.WithTx(tx)
	invoice, err := s.resolveInvoice(ctx, repo, event)
	if err != nil {
		return err
	}
	if invoice == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "no invoice matches settlement event")
	}

	if err := s.upsertPayment(ctx, repo, event, invoice, enums.PaymentStatusSucceeded); err != nil {
		return err
	}

	switch invoice.Status {
	case enums.InvoiceStatusPaid:
		// Another provider event already settled it.
		return nil
	case enums.InvoiceStatusDraft, enums.InvoiceStatusOpen, enums.InvoiceStatusUncollectible:
		// Payable: late dunning payments can still settle an uncollectible
		// invoice.
	default:
		return nil
	}

	paidAt := event.OccurredAt
	invoice.Status = enums.InvoiceStatusPaid
	invoice.PaidAt = &paidAt
	if err := repo.UpdateInvoice(ctx, invoice); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking invoice paid")
	}
	err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventInvoicePaid,
		AggregateType: enums.AggregateInvoice,
		AggregateID:   invoice.ID,
		Data: payloads.InvoicePaidEvent{
			InvoiceID:   invoice.ID,
			CustomerID:  invoice.CustomerID,
			Purpose:     invoice.Purpose,
			AmountCents: invoice.AmountCents,
			Provider:    invoice.Provider,
			PaidAt:      paidAt,
		},
	})
	if err != nil {
		return err
	}

	if invoice.Purpose == enums.InvoicePurposeBundle {
		return s.bundles.FinalizeTx(ctx, tx, invoice)
	}
	if invoice.SubscriptionID == nil || invoice.PeriodID == nil {
		return nil
	}

	sub, err := repo.FindSubscriptionForUpdate(ctx, *invoice.SubscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking subscription")
	}
	if sub == nil || sub.Status == enums.SubscriptionStatusCanceled {
		// Money landed for a canceled subscription; keep the invoice paid
		// and leave access decisions to support.
		return nil
	}

	plan, err := s.subs.ApplyPendingPlanTx(ctx, tx, sub)
	if err != nil {
		return err
	}

	startAt := paidAt
	scheduled, err := repo.FindPeriod(ctx, *invoice.PeriodID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading scheduled period")
	}
	if scheduled != nil && startAt.Before(scheduled.StartAt) {
		startAt = scheduled.StartAt
	}
	invoiceID := invoice.ID
	periodID := *invoice.PeriodID
	if _, err := s.periods.Start(ctx, tx, period.StartInput{
		CustomerID:   invoice.CustomerID,
		Subscription: sub,
		Plan:         plan,
		StartAt:      startAt,
		InvoiceID:    &invoiceID,
		PeriodID:     &periodID,
	}); err != nil {
		return err
	}

	return s.subs.ActivateTx(ctx, tx, sub, "payment_settled")
}

// applyPaymentFailed records the failed attempt and routes the subscription
// through the failure policy (grace window, dunning, or pause).
func (s *service) applyPaymentFailed(ctx context.Context, tx *gorm.DB, port settlement.Port, event *settlement.CanonicalEvent) error {
	repo := s.billing.WithTx(tx)
	invoice, err := s.resolveInvoice(ctx, repo, event)
	if err != nil {
		return err
	}
	if invoice == nil {
		// Nothing of ours is waiting on this payment.
		return nil
	}

	if err := s.upsertPayment(ctx, repo, event, invoice, enums.PaymentStatusFailed); err != nil {
		return err
	}
	if invoice.Status == enums.InvoiceStatusPaid || invoice.SubscriptionID == nil {
		// A stale failure after settlement, or a bundle invoice that simply
		// stays open for the stale-invoice sweep.
		return nil
	}

	sub, err := repo.FindSubscriptionForUpdate(ctx, *invoice.SubscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking subscription")
	}
	if sub == nil {
		return nil
	}
	plan, err := s.planFor(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	current, err := repo.FindPeriodCovering(ctx, sub.ID, event.OccurredAt)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading current period")
	}
	return s.subs.HandlePaymentFailure(ctx, tx, subscription.PaymentFailureInput{
		Subscription:      sub,
		Plan:              plan,
		Period:            current,
		Invoice:           invoice,
		SupportsRecurring: port.SupportsRecurring(),
		At:                event.OccurredAt,
	})
}

// applyRefund marks the payment refunded and, when the refund covers the full
// invoice amount, revokes what the invoice bought. Partial refunds are
// bookkeeping only.
func (s *service) applyRefund(ctx context.Context, tx *gorm.DB, event *settlement.CanonicalEvent) error {
	repo := s.billing.WithTx(tx)
	invoice, err := s.resolveInvoice(ctx, repo, event)
	if err != nil {
		return err
	}
	if invoice == nil {
		return nil
	}

	if err := s.upsertPayment(ctx, repo, event, invoice, enums.PaymentStatusRefunded); err != nil {
		return err
	}
	if invoice.Status != enums.InvoiceStatusPaid {
		return nil
	}
	if event.AmountCents > 0 && event.AmountCents < invoice.AmountCents {
		return nil
	}

	invoice.Status = enums.InvoiceStatusRefunded
	if err := repo.UpdateInvoice(ctx, invoice); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking invoice refunded")
	}
	return s.revokePurchase(ctx, tx, repo, invoice, enums.LedgerSourceRefundReversal)
}

func (s *service) applyInvoiceVoided(ctx context.Context, tx *gorm.DB, event *settlement.CanonicalEvent) error {
	repo := s.billing.WithTx(tx)
	invoice, err := s.resolveInvoice(ctx, repo, event)
	if err != nil {
		return err
	}
	if invoice == nil || !invoice.Status.IsSettleable() {
		return nil
	}

	voidedAt := event.OccurredAt
	invoice.Status = enums.InvoiceStatusVoid
	invoice.VoidedAt = &voidedAt
	if err := repo.UpdateInvoice(ctx, invoice); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "voiding invoice")
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventInvoiceVoided,
		AggregateType: enums.AggregateInvoice,
		AggregateID:   invoice.ID,
		Data: payloads.InvoiceVoidedEvent{
			InvoiceID:  invoice.ID,
			CustomerID: invoice.CustomerID,
			Purpose:    invoice.Purpose,
			VoidedAt:   voidedAt,
			Reason:     "provider_voided",
		},
	})
}

// applyDispute treats an opened or lost dispute the same way: the money is
// gone or frozen, so the purchase is revoked and the subscription suspended.
// Every step is idempotent, so a dispute_lost after dispute_opened only fills
// in whatever the first event missed.
func (s *service) applyDispute(ctx context.Context, tx *gorm.DB, event *settlement.CanonicalEvent) error {
	repo := s.billing.WithTx(tx)
	invoice, err := s.resolveInvoice(ctx, repo, event)
	if err != nil {
		return err
	}
	if invoice == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "no invoice matches disputed payment")
	}

	if err := s.upsertPayment(ctx, repo, event, invoice, enums.PaymentStatusDisputed); err != nil {
		return err
	}
	if invoice.Status == enums.InvoiceStatusPaid || invoice.Status == enums.InvoiceStatusRefunded {
		invoice.Status = enums.InvoiceStatusDisputed
		if err := repo.UpdateInvoice(ctx, invoice); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking invoice disputed")
		}
	}

	if err := s.revokePurchase(ctx, tx, repo, invoice, enums.LedgerSourceDisputeReversal); err != nil {
		return err
	}

	if invoice.SubscriptionID == nil {
		return nil
	}
	sub, err := repo.FindSubscriptionForUpdate(ctx, *invoice.SubscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking subscription")
	}
	if sub == nil || sub.Status == enums.SubscriptionStatusCanceled {
		return nil
	}
	return s.subs.PauseTx(ctx, tx, sub, "payment_disputed")
}

// applyDisputeWon returns the withheld money: the invoice is paid again and
// the reversed credits are restored. The revoked period stays revoked and the
// subscription stays paused; access resumes only through reactivation.
func (s *service) applyDisputeWon(ctx context.Context, tx *gorm.DB, event *settlement.CanonicalEvent) error {
	repo := s.billing.WithTx(tx)
	invoice, err := s.resolveInvoice(ctx, repo, event)
	if err != nil {
		return err
	}
	if invoice == nil {
		return nil
	}

	if err := s.upsertPayment(ctx, repo, event, invoice, enums.PaymentStatusSucceeded); err != nil {
		return err
	}
	if invoice.Status == enums.InvoiceStatusDisputed {
		invoice.Status = enums.InvoiceStatusPaid
		if err := repo.UpdateInvoice(ctx, invoice); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "restoring invoice after dispute")
		}
	}

	sourceID, err := s.reversalSourceID(ctx, repo, invoice)
	if err != nil {
		return err
	}
	if sourceID == uuid.Nil {
		return nil
	}
	_, err = s.credits.RestoreBySourceTx(ctx, tx, ledger.RestoreInput{
		CustomerID:     invoice.CustomerID,
		ReversalSource: enums.LedgerSourceDisputeReversal,
		SourceID:       sourceID,
	})
	return err
}

// revokePurchase undoes whatever the invoice bought: a subscription period is
// revoked through the period engine, a bundle through the bundle engine.
func (s *service) revokePurchase(ctx context.Context, tx *gorm.DB, repo billing.Repository, invoice *models.Invoice, source enums.LedgerSource) error {
	if invoice.Purpose == enums.InvoicePurposeBundle {
		return s.bundles.RevokeTx(ctx, tx, invoice, source)
	}
	if invoice.PeriodID == nil || invoice.SubscriptionID == nil {
		return nil
	}

	row, err := repo.FindPeriod(ctx, *invoice.PeriodID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading period")
	}
	if row == nil {
		return nil
	}
	sub, err := repo.FindSubscription(ctx, *invoice.SubscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription")
	}
	if sub == nil {
		return nil
	}
	plan, err := s.planFor(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	_, err = s.periods.Revoke(ctx, tx, period.RevokeInput{
		CustomerID:     invoice.CustomerID,
		Period:         row,
		Plan:           plan,
		At:             time.Now().UTC(),
		ReversalSource: source,
	})
	return err
}

// reversalSourceID recovers the ledger source the dispute reversal was keyed
// by: the period for renewal invoices, the purchase for bundle invoices.
func (s *service) reversalSourceID(ctx context.Context, repo billing.Repository, invoice *models.Invoice) (uuid.UUID, error) {
	if invoice.PeriodID != nil {
		return *invoice.PeriodID, nil
	}
	if invoice.Purpose != enums.InvoicePurposeBundle {
		return uuid.Nil, nil
	}
	purchase, err := repo.FindBundlePurchaseByInvoice(ctx, invoice.ID)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading bundle purchase")
	}
	if purchase == nil {
		return uuid.Nil, nil
	}
	return purchase.ID, nil
}

// resolveInvoice finds the invoice a provider event is about, preferring the
// invoice reference the adapter extracted and falling back to the payment it
// references.
func (s *service) resolveInvoice(ctx context.Context, repo billing.Repository, event *settlement.CanonicalEvent) (*models.Invoice, error) {
	if event.InvoiceID != nil {
		invoice, err := repo.FindInvoice(ctx, *event.InvoiceID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading invoice")
		}
		if invoice != nil {
			return invoice, nil
		}
	}
	if event.ProviderPaymentID == "" {
		return nil, nil
	}
	payment, err := repo.FindPaymentByProviderID(ctx, event.Provider, event.ProviderPaymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading payment")
	}
	if payment == nil || payment.InvoiceID == nil {
		return nil, nil
	}
	invoice, err := repo.FindInvoice(ctx, *payment.InvoiceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading invoice")
	}
	return invoice, nil
}

// upsertPayment records the provider-side attempt keyed by
// (provider, provider_payment_id). Terminal states never regress to pending.
func (s *service) upsertPayment(ctx context.Context, repo billing.Repository, event *settlement.CanonicalEvent, invoice *models.Invoice, status enums.PaymentStatus) error {
	if event.ProviderPaymentID == "" {
		return nil
	}
	now := event.OccurredAt

	existing, err := repo.FindPaymentByProviderID(ctx, event.Provider, event.ProviderPaymentID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading payment")
	}
	if existing == nil {
		invoiceID := invoice.ID
		payment := &models.Payment{
			CustomerID:        invoice.CustomerID,
			InvoiceID:         &invoiceID,
			Provider:          event.Provider,
			ProviderPaymentID: event.ProviderPaymentID,
			AmountCents:       event.AmountCents,
			CurrencyCode:      event.CurrencyCode,
			Status:            status,
		}
		applyPaymentTimestamps(payment, status, now)
		if err := repo.CreatePayment(ctx, payment); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recording payment")
		}
		return nil
	}

	if existing.Status == status {
		return nil
	}
	existing.Status = status
	applyPaymentTimestamps(existing, status, now)
	if err := repo.UpdatePayment(ctx, existing); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating payment")
	}
	return nil
}

func applyPaymentTimestamps(payment *models.Payment, status enums.PaymentStatus, at time.Time) {
	switch status {
	case enums.PaymentStatusSucceeded:
		payment.ConfirmedAt = &at
		payment.FailedAt = nil
	case enums.PaymentStatusFailed:
		payment.FailedAt = &at
	}
}

// planFor resolves the subscription's plan, archived plans included.
func (s *service) planFor(ctx context.Context, planID string) (*models.Plan, error) {
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("plan %q not found", planID))
	}
	return plan, nil
}
