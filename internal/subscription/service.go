package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/entitlement"
	"github.com/cadencehq/cadence-backend/internal/period"
	"github.com/cadencehq/cadence-backend/internal/settlement"
	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/outbox/payloads"
)

const (
	PauseReasonTrialPaymentFailed = "trial_payment_failed"
	PauseReasonRenewalRequired    = "renewal_required"
	PauseReasonDunningExhausted   = "dunning_exhausted"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type planCatalog interface {
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	GetActivePlan(ctx context.Context, id string) (*models.Plan, error)
}

type periodEngine interface {
	Start(ctx context.Context, tx *gorm.DB, input period.StartInput) (*models.SubscriptionPeriod, error)
	ScheduleRenewal(ctx context.Context, input period.ScheduleRenewalInput) (*models.SubscriptionPeriod, *models.Invoice, error)
}

type chargePorts interface {
	Resolve(provider enums.Provider) (settlement.Port, error)
}

// Service owns the subscription lifecycle: creation, cancellation, recovery,
// renewal-failure policy, and plan changes. Every status move goes through the
// transition table in machine.go.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.Subscription, *models.Invoice, error)
	Get(ctx context.Context, customerID uuid.UUID) (*models.Subscription, error)
	Cancel(ctx context.Context, input CancelInput) (*models.Subscription, error)
	UndoCancel(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error)
	Reactivate(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, *models.Invoice, error)

	PreviewPlanChange(ctx context.Context, input PlanChangeInput) (*PlanChangePreview, error)
	ChangePlan(ctx context.Context, input PlanChangeInput) (*PlanChangeResult, error)

	// In-transaction hooks used by the reconciler and the scheduler.
	ActivateTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error
	PauseTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error
	FinalizeCancelTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, at time.Time) error
	HandlePaymentFailure(ctx context.Context, tx *gorm.DB, input PaymentFailureInput) error
	ApplyPendingPlanTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (*models.Plan, error)
}

// CreateInput creates the billing relationship for a customer. Plans with
// trial days start a trial window immediately; paid-start plans return the
// open first-period invoice for the product layer to settle.
type CreateInput struct {
	CustomerID uuid.UUID
	PlanID     string
	Provider   enums.Provider
}

// CancelInput cancels at period end by default. Immediate cancellation is
// terminal and clears any scheduled plan change.
type CancelInput struct {
	SubscriptionID uuid.UUID
	Immediate      bool
}

// PaymentFailureInput carries everything the failure policy needs: the
// subscription decides where to go, the period carries the grace window, the
// invoice is marked uncollectible when dunning exhausts.
type PaymentFailureInput struct {
	Subscription      *models.Subscription
	Plan              *models.Plan
	Period            *models.SubscriptionPeriod
	Invoice           *models.Invoice
	SupportsRecurring bool
	At                time.Time
}

type service struct {
	repo      billing.Repository
	tx        txRunner
	catalog   planCatalog
	periods   periodEngine
	projector entitlement.Projector
	ports     chargePorts
	outbox    outboxPublisher
	cfg       config.BillingConfig
}

// NewService builds the subscription lifecycle service.
func NewService(
	repo billing.Repository,
	tx txRunner,
	catalog planCatalog,
	periods periodEngine,
	projector entitlement.Projector,
	ports chargePorts,
	outboxSvc outboxPublisher,
	cfg config.BillingConfig,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("plan catalog required")
	}
	if periods == nil {
		return nil, fmt.Errorf("period engine required")
	}
	if projector == nil {
		return nil, fmt.Errorf("entitlement projector required")
	}
	if ports == nil {
		return nil, fmt.Errorf("settlement ports required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:      repo,
		tx:        tx,
		catalog:   catalog,
		periods:   periods,
		projector: projector,
		ports:     ports,
		outbox:    outboxSvc,
		cfg:       cfg,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.Subscription, *models.Invoice, error) {
	if input.CustomerID == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.PlanID == "" {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	if !input.Provider.IsValid() {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown provider %q", input.Provider))
	}

	plan, err := s.catalog.GetActivePlan(ctx, input.PlanID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	trial := plan.TrialDays > 0
	sub := &models.Subscription{
		CustomerID: input.CustomerID,
		Status:     enums.SubscriptionStatusTrialing,
		PlanID:     plan.ID,
		Provider:   input.Provider,
	}
	if trial {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.TrialEndsAt = &trialEnd
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindLiveSubscriptionByCustomer(ctx, input.CustomerID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "checking for live subscription")
		}
		if existing != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "customer already has a subscription")
		}

		if err := repo.CreateSubscription(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating subscription")
		}

		if trial {
			if _, err := s.periods.Start(ctx, tx, period.StartInput{
				CustomerID:   input.CustomerID,
				Subscription: sub,
				Plan:         plan,
				StartAt:      now,
				Trial:        true,
			}); err != nil {
				return err
			}
		}

		return s.emitUpdated(ctx, tx, sub, sub.Status, "created")
	})
	if err != nil {
		return nil, nil, err
	}

	// A paid-start plan needs its first invoice settled before the
	// subscription activates. The pre-create is keyed by the boundary, so a
	// retried request converges on the same period and invoice.
	var invoice *models.Invoice
	if !trial {
		_, invoice, err = s.periods.ScheduleRenewal(ctx, period.ScheduleRenewalInput{
			CustomerID:   input.CustomerID,
			Subscription: sub,
			Plan:         plan,
			BoundaryAt:   now,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return sub, invoice, nil
}

func (s *service) Get(ctx context.Context, customerID uuid.UUID) (*models.Subscription, error) {
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	sub, err := s.repo.FindLiveSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no live subscription")
	}
	return sub, nil
}

func (s *service) Cancel(ctx context.Context, input CancelInput) (*models.Subscription, error) {
	if input.SubscriptionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}

	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		var err error
		sub, err = s.lockSubscription(ctx, repo, input.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == enums.SubscriptionStatusCanceled {
			return nil
		}

		if !input.Immediate {
			if sub.CancelAtPeriodEnd {
				return nil
			}
			sub.CancelAtPeriodEnd = true
			if err := repo.UpdateSubscription(ctx, sub); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "flagging cancellation")
			}
			return s.emitUpdated(ctx, tx, sub, sub.Status, "cancel_at_period_end")
		}

		from := sub.Status
		if err := ValidateTransition(from, enums.SubscriptionStatusCanceled); err != nil {
			return err
		}
		now := time.Now().UTC()
		sub.Status = enums.SubscriptionStatusCanceled
		sub.CanceledAt = &now
		sub.CancelAtPeriodEnd = false
		sub.PendingPlanID = nil
		sub.NextRetryAt = nil
		if err := repo.UpdateSubscription(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "canceling subscription")
		}

		if s.cfg.VoidInvoiceOnCancel {
			if err := s.voidOpenInvoice(ctx, tx, repo, sub); err != nil {
				return err
			}
		}
		if s.cfg.RevokeOnImmediateCancel {
			if err := s.endCurrentPeriod(ctx, tx, repo, sub, now); err != nil {
				return err
			}
		}
		return s.emitUpdated(ctx, tx, sub, from, "canceled")
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *service) UndoCancel(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	if subscriptionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}

	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		var err error
		sub, err = s.lockSubscription(ctx, repo, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == enums.SubscriptionStatusCanceled {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription already canceled")
		}
		if !sub.CancelAtPeriodEnd {
			return nil
		}
		sub.CancelAtPeriodEnd = false
		if err := repo.UpdateSubscription(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "clearing cancellation")
		}
		return s.emitUpdated(ctx, tx, sub, sub.Status, "cancel_undone")
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Reactivate issues a fresh renewal invoice for a paused subscription. The
// subscription stays paused until the payment settles; the reconciler flips
// it to active when the money arrives.
func (s *service) Reactivate(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, *models.Invoice, error) {
	if subscriptionID == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}

	sub, err := s.repo.FindSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up subscription")
	}
	if sub == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if sub.Status != enums.SubscriptionStatusPaused {
		return nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot reactivate subscription in %q", sub.Status))
	}

	plan, err := s.catalog.GetPlan(ctx, s.renewalPlanID(sub))
	if err != nil {
		return nil, nil, err
	}

	_, invoice, err := s.periods.ScheduleRenewal(ctx, period.ScheduleRenewalInput{
		CustomerID:   sub.CustomerID,
		Subscription: sub,
		Plan:         plan,
		BoundaryAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, invoice, nil
}

// ActivateTx moves the subscription to active at the moment of recovery and
// clears the dunning state. New periods start from now, never backdated.
func (s *service) ActivateTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error {
	if sub == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription is required")
	}
	if sub.Status == enums.SubscriptionStatusActive {
		return nil
	}
	from := sub.Status
	if err := ValidateTransition(from, enums.SubscriptionStatusActive); err != nil {
		return err
	}

	sub.Status = enums.SubscriptionStatusActive
	sub.DunningAttempts = 0
	sub.NextRetryAt = nil
	sub.PausedAt = nil
	sub.PauseReason = nil
	sub.TrialEndsAt = nil
	if err := s.repo.WithTx(tx).UpdateSubscription(ctx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "activating subscription")
	}
	return s.emitUpdated(ctx, tx, sub, from, reason)
}

// PauseTx suspends the subscription inside the caller's transaction. Already
// paused subscriptions are left untouched.
func (s *service) PauseTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error {
	if sub == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription is required")
	}
	if sub.Status == enums.SubscriptionStatusPaused {
		return nil
	}
	return s.pause(ctx, tx, s.repo.WithTx(tx), sub, time.Now().UTC(), reason)
}

// FinalizeCancelTx terminalizes a cancel-at-period-end subscription once its
// last period has elapsed. The renewal sweep excludes flagged subscriptions,
// so this is the only path that ever closes them out.
func (s *service) FinalizeCancelTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, at time.Time) error {
	if sub == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription is required")
	}
	if !sub.CancelAtPeriodEnd || sub.Status == enums.SubscriptionStatusCanceled {
		return nil
	}
	from := sub.Status
	if err := ValidateTransition(from, enums.SubscriptionStatusCanceled); err != nil {
		return err
	}

	canceledAt := at.UTC()
	sub.Status = enums.SubscriptionStatusCanceled
	sub.CanceledAt = &canceledAt
	sub.CancelAtPeriodEnd = false
	sub.PendingPlanID = nil
	sub.NextRetryAt = nil
	if err := s.repo.WithTx(tx).UpdateSubscription(ctx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "canceling subscription")
	}
	return s.emitUpdated(ctx, tx, sub, from, "period_end_cancel")
}

// HandlePaymentFailure applies the failure policy: trial conversion failure
// pauses with no grace, a recurring-capable renewal failure opens a grace
// window and starts dunning, a prepaid renewal failure pauses with a renewal
// prompt, and an exhausted dunning schedule pauses and marks the invoice
// uncollectible.
func (s *service) HandlePaymentFailure(ctx context.Context, tx *gorm.DB, input PaymentFailureInput) error {
	sub := input.Subscription
	if sub == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription is required")
	}
	now := input.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	repo := s.repo.WithTx(tx)

	switch sub.Status {
	case enums.SubscriptionStatusTrialing:
		return s.pause(ctx, tx, repo, sub, now, PauseReasonTrialPaymentFailed)

	case enums.SubscriptionStatusActive:
		if !input.SupportsRecurring {
			return s.pause(ctx, tx, repo, sub, now, PauseReasonRenewalRequired)
		}
		from := sub.Status
		if err := ValidateTransition(from, enums.SubscriptionStatusPastDue); err != nil {
			return err
		}
		sub.Status = enums.SubscriptionStatusPastDue
		sub.DunningAttempts = 1
		sub.NextRetryAt = s.nextRetryAt(now, sub.DunningAttempts)
		if err := repo.UpdateSubscription(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking subscription past due")
		}
		if err := s.openGraceWindow(ctx, tx, repo, input, now); err != nil {
			return err
		}
		return s.emitUpdated(ctx, tx, sub, from, "renewal_payment_failed")

	case enums.SubscriptionStatusPastDue:
		sub.DunningAttempts++
		if next := s.nextRetryAt(now, sub.DunningAttempts); next != nil {
			sub.NextRetryAt = next
			if err := repo.UpdateSubscription(ctx, sub); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recording dunning attempt")
			}
			return s.emitUpdated(ctx, tx, sub, sub.Status, "dunning_retry_failed")
		}
		// Schedule exhausted.
		if input.Invoice != nil && input.Invoice.Status == enums.InvoiceStatusOpen {
			input.Invoice.Status = enums.InvoiceStatusUncollectible
			if err := repo.UpdateInvoice(ctx, input.Invoice); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking invoice uncollectible")
			}
		}
		return s.pause(ctx, tx, repo, sub, now, PauseReasonDunningExhausted)

	case enums.SubscriptionStatusPaused, enums.SubscriptionStatusCanceled:
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown subscription status %q", sub.Status))
}

// ApplyPendingPlanTx applies a scheduled plan change at a renewal boundary.
// The grandfathered price lock is cleared with the change. Returns the plan
// the new period should use.
func (s *service) ApplyPendingPlanTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (*models.Plan, error) {
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription is required")
	}
	if sub.PendingPlanID == nil {
		return s.catalog.GetPlan(ctx, sub.PlanID)
	}

	plan, err := s.catalog.GetPlan(ctx, *sub.PendingPlanID)
	if err != nil {
		return nil, err
	}
	sub.PlanID = plan.ID
	sub.PendingPlanID = nil
	sub.LockedPriceCents = nil
	if err := s.repo.WithTx(tx).UpdateSubscription(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "applying pending plan")
	}
	if err := s.emitUpdated(ctx, tx, sub, sub.Status, "plan_change_applied"); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *service) renewalPlanID(sub *models.Subscription) string {
	if sub.PendingPlanID != nil {
		return *sub.PendingPlanID
	}
	return sub.PlanID
}

func (s *service) nextRetryAt(now time.Time, attempts int) *time.Time {
	offsets := s.cfg.DunningRetryOffsets
	if attempts >= len(offsets) {
		return nil
	}
	// Offsets are days relative to the first failure; the next attempt is the
	// delta from the current one.
	delta := offsets[attempts] - offsets[attempts-1]
	next := now.AddDate(0, 0, delta)
	return &next
}

func (s *service) pause(ctx context.Context, tx *gorm.DB, repo billing.Repository, sub *models.Subscription, now time.Time, reason string) error {
	from := sub.Status
	if err := ValidateTransition(from, enums.SubscriptionStatusPaused); err != nil {
		return err
	}
	sub.Status = enums.SubscriptionStatusPaused
	sub.PausedAt = &now
	sub.PauseReason = &reason
	sub.NextRetryAt = nil
	if err := repo.UpdateSubscription(ctx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "pausing subscription")
	}
	return s.emitUpdated(ctx, tx, sub, from, reason)
}

// openGraceWindow stretches the current period's entitlement past its end so
// access survives while dunning runs.
func (s *service) openGraceWindow(ctx context.Context, tx *gorm.DB, repo billing.Repository, input PaymentFailureInput, now time.Time) error {
	if input.Period == nil || input.Plan == nil {
		return nil
	}
	graceEnd := now.AddDate(0, 0, s.cfg.GraceDays)
	input.Period.GraceEndsAt = &graceEnd
	if err := repo.UpdatePeriod(ctx, input.Period); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "opening grace window")
	}
	_, err := s.projector.ProjectPeriod(ctx, tx, input.Subscription.CustomerID, input.Period, input.Plan)
	return err
}

func (s *service) voidOpenInvoice(ctx context.Context, tx *gorm.DB, repo billing.Repository, sub *models.Subscription) error {
	latest, err := repo.LatestPeriod(ctx, sub.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up latest period")
	}
	if latest == nil {
		return nil
	}
	invoice, err := repo.FindInvoiceForPeriod(ctx, latest.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up open invoice")
	}
	if invoice == nil || invoice.Status != enums.InvoiceStatusOpen {
		return nil
	}
	now := time.Now().UTC()
	invoice.Status = enums.InvoiceStatusVoid
	invoice.VoidedAt = &now
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
			VoidedAt:   now,
			Reason:     "subscription_canceled",
		},
	})
}

// endCurrentPeriod closes the covering period's window without touching the
// ledger. Credits already granted stay granted; only access ends early.
func (s *service) endCurrentPeriod(ctx context.Context, tx *gorm.DB, repo billing.Repository, sub *models.Subscription, now time.Time) error {
	current, err := repo.FindPeriodCovering(ctx, sub.ID, now)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up current period")
	}
	if current == nil {
		return nil
	}
	plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	// chk_period_window requires end_at > start_at, so a period closed in the
	// same instant it started keeps a one-second window.
	endAt := now
	if !endAt.After(current.StartAt) {
		endAt = current.StartAt.Add(time.Second)
	}
	current.Status = enums.PeriodStatusEnded
	current.EndAt = endAt
	current.GraceEndsAt = nil
	if err := repo.UpdatePeriod(ctx, current); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ending period")
	}
	_, err = s.projector.ProjectPeriod(ctx, tx, sub.CustomerID, current, plan)
	return err
}

func (s *service) lockSubscription(ctx context.Context, repo billing.Repository, id uuid.UUID) (*models.Subscription, error) {
	sub, err := repo.FindSubscriptionForUpdate(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) emitUpdated(ctx context.Context, tx *gorm.DB, sub *models.Subscription, from enums.SubscriptionStatus, reason string) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionUpdated,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Data: payloads.SubscriptionUpdatedEvent{
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			PlanID:         sub.PlanID,
			FromStatus:     from,
			ToStatus:       sub.Status,
			Reason:         reason,
		},
	})
}
