package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/period"
	"github.com/cadencehq/cadence-backend/internal/settlement"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/outbox/payloads"
)

// PlanChangeKind classifies how a requested change applies.
type PlanChangeKind string

const (
	// PlanChangeImmediate swaps plan and feature access now; the new price
	// applies at the next renewal.
	PlanChangeImmediate PlanChangeKind = "immediate"
	// PlanChangeScheduled records a pending plan applied at the next renewal
	// boundary.
	PlanChangeScheduled PlanChangeKind = "scheduled"
	// PlanChangeIntervalSwitch is the monthly-to-yearly path: remaining
	// monthly days are forfeited and the yearly price is charged now.
	PlanChangeIntervalSwitch PlanChangeKind = "interval_switch"
)

// PlanChangeInput identifies the subscription and the target plan.
type PlanChangeInput struct {
	SubscriptionID uuid.UUID
	NewPlanID      string
}

// PlanChangePreview describes what a change would do without doing it.
type PlanChangePreview struct {
	Kind                  PlanChangeKind
	CurrentPlanID         string
	NewPlanID             string
	ChargeNowCents        int64
	NextRenewalPriceCents int64
	CreditsGrantedNow     int64
	ForfeitedDays         int
	EffectiveAt           time.Time
	ClearsPriceLock       bool
}

// PlanChangeResult reports the applied change. Invoice is set only on the
// interval-switch path; ChargedNow reports whether the charge settled
// synchronously.
type PlanChangeResult struct {
	Kind         PlanChangeKind
	Subscription *models.Subscription
	Invoice      *models.Invoice
	ChargedNow   bool
}

func (s *service) PreviewPlanChange(ctx context.Context, input PlanChangeInput) (*PlanChangePreview, error) {
	sub, curPlan, newPlan, err := s.loadPlanChange(ctx, input)
	if err != nil {
		return nil, err
	}
	boundary, err := s.renewalBoundary(ctx, sub, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return classifyPlanChange(sub, curPlan, newPlan, time.Now().UTC(), boundary)
}

func (s *service) ChangePlan(ctx context.Context, input PlanChangeInput) (*PlanChangeResult, error) {
	sub, curPlan, newPlan, err := s.loadPlanChange(ctx, input)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	boundary, err := s.renewalBoundary(ctx, sub, now)
	if err != nil {
		return nil, err
	}
	preview, err := classifyPlanChange(sub, curPlan, newPlan, now, boundary)
	if err != nil {
		return nil, err
	}

	switch preview.Kind {
	case PlanChangeScheduled:
		return s.schedulePlanChange(ctx, sub, newPlan)
	case PlanChangeImmediate:
		return s.applyImmediateChange(ctx, sub, newPlan, now)
	case PlanChangeIntervalSwitch:
		return s.switchInterval(ctx, sub, newPlan, now)
	}
	return nil, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unknown plan change kind %q", preview.Kind))
}

func (s *service) loadPlanChange(ctx context.Context, input PlanChangeInput) (*models.Subscription, *models.Plan, *models.Plan, error) {
	if input.SubscriptionID == uuid.Nil {
		return nil, nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	if input.NewPlanID == "" {
		return nil, nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	sub, err := s.repo.FindSubscription(ctx, input.SubscriptionID)
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up subscription")
	}
	if sub == nil {
		return nil, nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if sub.Status != enums.SubscriptionStatusActive && sub.Status != enums.SubscriptionStatusTrialing {
		return nil, nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot change plan while subscription is %q", sub.Status))
	}
	if sub.PlanID == input.NewPlanID {
		return nil, nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription is already on this plan")
	}

	// The current plan may be archived; archived plans stay resolvable for
	// existing subscribers.
	curPlan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, nil, err
	}
	newPlan, err := s.catalog.GetActivePlan(ctx, input.NewPlanID)
	if err != nil {
		return nil, nil, nil, err
	}
	return sub, curPlan, newPlan, nil
}

// renewalBoundary is the natural end of the period covering now, falling back
// to now when no covering period exists.
func (s *service) renewalBoundary(ctx context.Context, sub *models.Subscription, now time.Time) (time.Time, error) {
	current, err := s.repo.FindPeriodCovering(ctx, sub.ID, now)
	if err != nil {
		return time.Time{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up current period")
	}
	if current == nil {
		return now, nil
	}
	return current.EndAt, nil
}

func classifyPlanChange(sub *models.Subscription, curPlan, newPlan *models.Plan, now, boundary time.Time) (*PlanChangePreview, error) {
	preview := &PlanChangePreview{
		CurrentPlanID:         curPlan.ID,
		NewPlanID:             newPlan.ID,
		NextRenewalPriceCents: newPlan.PriceCents,
		ClearsPriceLock:       sub.LockedPriceCents != nil,
	}

	switch {
	case curPlan.Interval == enums.BillingIntervalMonthly && newPlan.Interval == enums.BillingIntervalYearly:
		preview.Kind = PlanChangeIntervalSwitch
		preview.ChargeNowCents = newPlan.PriceCents
		preview.CreditsGrantedNow = newPlan.PeriodCredits()
		preview.EffectiveAt = now
		if boundary.After(now) {
			preview.ForfeitedDays = int(boundary.Sub(now).Hours() / 24)
		}
	case curPlan.Interval == enums.BillingIntervalYearly && newPlan.Interval == enums.BillingIntervalMonthly:
		// No proration: the yearly commitment runs to its natural end.
		preview.Kind = PlanChangeScheduled
		preview.EffectiveAt = boundary
	case newPlan.PriceCents >= sub.PriceCents(curPlan):
		preview.Kind = PlanChangeImmediate
		preview.EffectiveAt = now
	default:
		preview.Kind = PlanChangeScheduled
		preview.EffectiveAt = boundary
	}
	return preview, nil
}

func (s *service) schedulePlanChange(ctx context.Context, sub *models.Subscription, newPlan *models.Plan) (*PlanChangeResult, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := s.lockSubscription(ctx, repo, sub.ID)
		if err != nil {
			return err
		}
		if locked.Status != enums.SubscriptionStatusActive && locked.Status != enums.SubscriptionStatusTrialing {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot change plan while subscription is %q", locked.Status))
		}
		planID := newPlan.ID
		locked.PendingPlanID = &planID
		if err := repo.UpdateSubscription(ctx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "scheduling plan change")
		}
		*sub = *locked
		return s.emitUpdated(ctx, tx, sub, sub.Status, "plan_change_scheduled")
	})
	if err != nil {
		return nil, err
	}
	return &PlanChangeResult{Kind: PlanChangeScheduled, Subscription: sub}, nil
}

// applyImmediateChange is the same-interval upgrade: access moves now, money
// moves at the next renewal. No mid-period credit adjustment.
func (s *service) applyImmediateChange(ctx context.Context, sub *models.Subscription, newPlan *models.Plan, now time.Time) (*PlanChangeResult, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := s.lockSubscription(ctx, repo, sub.ID)
		if err != nil {
			return err
		}
		if locked.Status != enums.SubscriptionStatusActive && locked.Status != enums.SubscriptionStatusTrialing {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot change plan while subscription is %q", locked.Status))
		}

		locked.PlanID = newPlan.ID
		locked.PendingPlanID = nil
		locked.LockedPriceCents = nil
		if err := repo.UpdateSubscription(ctx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "applying plan change")
		}

		// Feature access follows the plan immediately: reproject the covering
		// period under the new plan.
		current, err := repo.FindPeriodCovering(ctx, locked.ID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up current period")
		}
		if current != nil {
			if _, err := s.projector.ProjectPeriod(ctx, tx, locked.CustomerID, current, newPlan); err != nil {
				return err
			}
		}

		*sub = *locked
		return s.emitUpdated(ctx, tx, sub, sub.Status, "plan_upgraded")
	})
	if err != nil {
		return nil, err
	}
	return &PlanChangeResult{Kind: PlanChangeImmediate, Subscription: sub}, nil
}

// switchInterval moves a monthly subscriber to yearly now. The charge runs
// before any transaction; what the transaction commits is the charge's
// outcome. A provider without recurring support cannot be charged off-session,
// so the invoice is returned open and the switch applies when it settles.
func (s *service) switchInterval(ctx context.Context, sub *models.Subscription, yearly *models.Plan, now time.Time) (*PlanChangeResult, error) {
	// The yearly price is always the list price: the switch is a plan change,
	// so any grandfathered lock is gone.
	unlockedSub := *sub
	unlockedSub.LockedPriceCents = nil
	_, invoice, err := s.periods.ScheduleRenewal(ctx, period.ScheduleRenewalInput{
		CustomerID:   sub.CustomerID,
		Subscription: &unlockedSub,
		Plan:         yearly,
		BoundaryAt:   now,
	})
	if err != nil {
		return nil, err
	}

	port, err := s.ports.Resolve(sub.Provider)
	if err != nil {
		return nil, err
	}
	if !port.SupportsRecurring() {
		if err := s.markPendingSwitch(ctx, sub, yearly); err != nil {
			return nil, err
		}
		return &PlanChangeResult{Kind: PlanChangeIntervalSwitch, Subscription: sub, Invoice: invoice}, nil
	}

	customer, err := s.repo.FindCustomer(ctx, sub.CustomerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up customer")
	}
	ref, err := providerCustomerRef(customer, sub.Provider)
	if err != nil {
		return nil, err
	}

	result, err := port.CreateCharge(ctx, settlement.ChargeRequest{
		InvoiceID:    invoice.ID,
		CustomerRef:  ref,
		AmountCents:  invoice.AmountCents,
		CurrencyCode: invoice.CurrencyCode,
		Description:  fmt.Sprintf("switch to %s", yearly.ID),
	})
	if err != nil {
		// The open invoice survives for a retry; the stale-invoice sweep voids
		// it if the switch is abandoned.
		return nil, err
	}
	if result.Status != enums.PaymentStatusSucceeded {
		if err := s.markPendingSwitch(ctx, sub, yearly); err != nil {
			return nil, err
		}
		return &PlanChangeResult{Kind: PlanChangeIntervalSwitch, Subscription: sub, Invoice: invoice}, nil
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := s.lockSubscription(ctx, repo, sub.ID)
		if err != nil {
			return err
		}

		invoice.Status = enums.InvoiceStatusPaid
		paidAt := now
		invoice.PaidAt = &paidAt
		if err := repo.UpdateInvoice(ctx, invoice); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking invoice paid")
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
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
		}); err != nil {
			return err
		}

		// Remaining monthly days are forfeited: the monthly window closes now
		// and the yearly window opens in its place. Credits already granted
		// stay granted.
		if err := s.endCurrentPeriod(ctx, tx, repo, locked, now); err != nil {
			return err
		}

		locked.PlanID = yearly.ID
		locked.PendingPlanID = nil
		locked.LockedPriceCents = nil
		if err := repo.UpdateSubscription(ctx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "applying interval switch")
		}

		invoiceID := invoice.ID
		if _, err := s.periods.Start(ctx, tx, period.StartInput{
			CustomerID:   locked.CustomerID,
			Subscription: locked,
			Plan:         yearly,
			StartAt:      now,
			InvoiceID:    &invoiceID,
		}); err != nil {
			return err
		}

		*sub = *locked
		return s.emitUpdated(ctx, tx, sub, sub.Status, "interval_switched")
	})
	if err != nil {
		return nil, err
	}
	return &PlanChangeResult{Kind: PlanChangeIntervalSwitch, Subscription: sub, Invoice: invoice, ChargedNow: true}, nil
}

// markPendingSwitch records the target yearly plan so the reconciler applies
// it when the switch invoice settles.
func (s *service) markPendingSwitch(ctx context.Context, sub *models.Subscription, yearly *models.Plan) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := s.lockSubscription(ctx, repo, sub.ID)
		if err != nil {
			return err
		}
		planID := yearly.ID
		locked.PendingPlanID = &planID
		if err := repo.UpdateSubscription(ctx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recording pending interval switch")
		}
		*sub = *locked
		return s.emitUpdated(ctx, tx, sub, sub.Status, "interval_switch_pending")
	})
}

func providerCustomerRef(customer *models.BillingCustomer, provider enums.Provider) (string, error) {
	if customer == nil {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	ref, ok := customer.ProviderRef(provider)
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("customer has no %s reference", provider))
	}
	return ref, nil
}
