package period

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/entitlement"
	"github.com/cadencehq/cadence-backend/internal/ledger"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type creditLedger interface {
	GrantTx(ctx context.Context, tx *gorm.DB, input ledger.GrantInput) (*models.CreditLedgerEntry, error)
	ReverseBySourceTx(ctx context.Context, tx *gorm.DB, input ledger.ReverseInput) (*models.CreditLedgerEntry, error)
}

// Service is the period engine: it owns the lifecycle of access windows and
// keeps credits, entitlements, and invoices moving with them in one
// transaction. Start and Revoke run inside the caller's transaction because
// the reconciler writes its processed marker alongside them.
type Service interface {
	Start(ctx context.Context, tx *gorm.DB, input StartInput) (*models.SubscriptionPeriod, error)
	ScheduleRenewal(ctx context.Context, input ScheduleRenewalInput) (*models.SubscriptionPeriod, *models.Invoice, error)
	Revoke(ctx context.Context, tx *gorm.DB, input RevokeInput) (*models.SubscriptionPeriod, error)
}

// StartInput starts (or activates) the period covering StartAt. When a
// scheduled renewal row already exists for the boundary it is activated in
// place; when a non-scheduled period already exists the call is a no-op, which
// is what makes redelivered settlement events safe. PeriodID pins the lookup
// to a specific scheduled row: late payments activate that row at StartAt
// instead of backdating to the original boundary.
type StartInput struct {
	CustomerID   uuid.UUID
	Subscription *models.Subscription
	Plan         *models.Plan
	StartAt      time.Time
	Trial        bool
	InvoiceID    *uuid.UUID
	PeriodID     *uuid.UUID
}

// ScheduleRenewalInput pre-creates the next period and its open invoice a
// fixed lead time before the current period ends.
type ScheduleRenewalInput struct {
	CustomerID   uuid.UUID
	Subscription *models.Subscription
	Plan         *models.Plan
	BoundaryAt   time.Time
}

// RevokeInput retroactively revokes a period after a refund or dispute.
type RevokeInput struct {
	CustomerID     uuid.UUID
	Period         *models.SubscriptionPeriod
	Plan           *models.Plan
	At             time.Time
	ReversalSource enums.LedgerSource
}

type service struct {
	repo      billing.Repository
	tx        txRunner
	credits   creditLedger
	projector entitlement.Projector
	outbox    outboxPublisher
}

// NewService builds the period engine.
func NewService(repo billing.Repository, tx txRunner, credits creditLedger, projector entitlement.Projector, outboxSvc outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if credits == nil {
		return nil, fmt.Errorf("credit ledger required")
	}
	if projector == nil {
		return nil, fmt.Errorf("entitlement projector required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:      repo,
		tx:        tx,
		credits:   credits,
		projector: projector,
		outbox:    outboxSvc,
	}, nil
}

func (s *service) Start(ctx context.Context, tx *gorm.DB, input StartInput) (*models.SubscriptionPeriod, error) {
	if err := validateStart(input); err != nil {
		return nil, err
	}

	repo := s.repo.WithTx(tx)
	var (
		row *models.SubscriptionPeriod
		err error
	)
	if input.PeriodID != nil {
		row, err = repo.FindPeriod(ctx, *input.PeriodID)
	} else {
		row, err = repo.FindPeriodByStart(ctx, input.Subscription.ID, input.StartAt)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up period to start")
	}
	if row != nil && row.Status != enums.PeriodStatusScheduled {
		// Already started: the redelivered or concurrent caller gets the
		// existing row and no second grant.
		return row, nil
	}

	endAt := input.Plan.PeriodEnd(input.StartAt)
	var credits int64
	if input.Trial {
		endAt = input.StartAt.AddDate(0, 0, input.Plan.TrialDays)
	} else {
		credits = input.Plan.PeriodCredits()
	}

	if row == nil {
		row = &models.SubscriptionPeriod{
			SubscriptionID: input.Subscription.ID,
			StartAt:        input.StartAt,
			EndAt:          endAt,
			Status:         enums.PeriodStatusActive,
			Trial:          input.Trial,
			CreditsGranted: credits,
			InvoiceID:      input.InvoiceID,
		}
		if err := repo.CreatePeriod(ctx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating period")
		}
	} else {
		row.StartAt = input.StartAt
		row.EndAt = endAt
		row.Status = enums.PeriodStatusActive
		row.Trial = input.Trial
		row.CreditsGranted = credits
		if input.InvoiceID != nil {
			row.InvoiceID = input.InvoiceID
		}
		if err := repo.UpdatePeriod(ctx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "activating period")
		}
	}

	if credits > 0 {
		periodID := row.ID
		if _, err := s.credits.GrantTx(ctx, tx, ledger.GrantInput{
			CustomerID: input.CustomerID,
			Amount:     credits,
			Source:     enums.LedgerSourcePeriodGrant,
			SourceID:   &periodID,
		}); err != nil {
			return nil, err
		}
	}

	if _, err := s.projector.ProjectPeriod(ctx, tx, input.CustomerID, row, input.Plan); err != nil {
		return nil, err
	}

	err = s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPeriodStarted,
		AggregateType: enums.AggregatePeriod,
		AggregateID:   row.ID,
		Data: payloads.PeriodStartedEvent{
			PeriodID:       row.ID,
			SubscriptionID: input.Subscription.ID,
			CustomerID:     input.CustomerID,
			StartAt:        row.StartAt,
			EndAt:          row.EndAt,
			Trial:          row.Trial,
			CreditsGranted: row.CreditsGranted,
		},
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ScheduleRenewal pre-creates the next period row (scheduled) and an open
// renewal invoice for it. Both writes are keyed by natural identity, so the
// sweep can run as often as it likes.
func (s *service) ScheduleRenewal(ctx context.Context, input ScheduleRenewalInput) (*models.SubscriptionPeriod, *models.Invoice, error) {
	if input.CustomerID == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.Subscription == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription is required")
	}
	if input.Plan == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is required")
	}
	if input.BoundaryAt.IsZero() {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "boundary is required")
	}

	var (
		row     *models.SubscriptionPeriod
		invoice *models.Invoice
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindPeriodByStart(ctx, input.Subscription.ID, input.BoundaryAt)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up period by boundary")
		}
		if existing != nil {
			row = existing
			invoice, err = repo.FindInvoiceForPeriod(ctx, existing.ID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up renewal invoice")
			}
			if invoice != nil {
				return nil
			}
		} else {
			row = &models.SubscriptionPeriod{
				SubscriptionID: input.Subscription.ID,
				StartAt:        input.BoundaryAt,
				EndAt:          input.Plan.PeriodEnd(input.BoundaryAt),
				Status:         enums.PeriodStatusScheduled,
			}
			if err := repo.CreatePeriod(ctx, row); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating scheduled period")
			}
		}

		subID := input.Subscription.ID
		periodID := row.ID
		dueAt := input.BoundaryAt
		invoice = &models.Invoice{
			CustomerID:     input.CustomerID,
			SubscriptionID: &subID,
			PeriodID:       &periodID,
			Purpose:        enums.InvoicePurposePeriod,
			Status:         enums.InvoiceStatusOpen,
			AmountCents:    input.Subscription.PriceCents(input.Plan),
			CurrencyCode:   input.Plan.CurrencyCode,
			Provider:       input.Subscription.Provider,
			DueAt:          &dueAt,
		}
		if err := repo.CreateInvoice(ctx, invoice); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating renewal invoice")
		}

		invoiceID := invoice.ID
		row.InvoiceID = &invoiceID
		if err := repo.UpdatePeriod(ctx, row); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "linking renewal invoice")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return row, invoice, nil
}

// Revoke forces the period to revoked regardless of its current status,
// reverses the credits it granted, and closes the derived entitlement. Safe
// to call on an already-revoked period.
func (s *service) Revoke(ctx context.Context, tx *gorm.DB, input RevokeInput) (*models.SubscriptionPeriod, error) {
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.Period == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "period is required")
	}
	if input.Plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is required")
	}
	if input.At.IsZero() {
		input.At = time.Now()
	}

	row := input.Period
	if row.RevokedAt != nil {
		return row, nil
	}

	repo := s.repo.WithTx(tx)
	at := input.At
	row.Status = enums.PeriodStatusRevoked
	row.RevokedAt = &at
	if err := repo.UpdatePeriod(ctx, row); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "revoking period")
	}

	if row.CreditsGranted > 0 {
		if _, err := s.credits.ReverseBySourceTx(ctx, tx, ledger.ReverseInput{
			CustomerID:     input.CustomerID,
			OriginalSource: enums.LedgerSourcePeriodGrant,
			SourceID:       row.ID,
			ReversalSource: input.ReversalSource,
		}); err != nil {
			return nil, err
		}
	}

	if _, err := s.projector.ProjectPeriod(ctx, tx, input.CustomerID, row, input.Plan); err != nil {
		return nil, err
	}

	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPeriodRevoked,
		AggregateType: enums.AggregatePeriod,
		AggregateID:   row.ID,
		Data: payloads.PeriodRevokedEvent{
			PeriodID:       row.ID,
			SubscriptionID: row.SubscriptionID,
			CustomerID:     input.CustomerID,
			RevokedAt:      at,
		},
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func validateStart(input StartInput) error {
	if input.CustomerID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.Subscription == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription is required")
	}
	if input.Plan == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan is required")
	}
	if input.StartAt.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "start time is required")
	}
	if input.Trial && input.Plan.TrialDays <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan has no trial")
	}
	return nil
}
