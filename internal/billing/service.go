package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/pagination"
)

// Service exposes customer-level billing operations.
type Service interface {
	RegisterCustomer(ctx context.Context, input RegisterCustomerInput) (*models.BillingCustomer, error)
	GetCustomer(ctx context.Context, id uuid.UUID) (*models.BillingCustomer, error)
	GetCustomerByExternalRef(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.BillingCustomer, error)
	ListInvoices(ctx context.Context, query ListInvoicesQuery) ([]models.Invoice, *pagination.Cursor, error)
	ListPayments(ctx context.Context, query ListPaymentsQuery) ([]models.Payment, *pagination.Cursor, error)
}

// RegisterCustomerInput captures the data required to register a billing customer.
type RegisterCustomerInput struct {
	TenantID         uuid.UUID
	ExternalRef      string
	StripeCustomerID string
	SquareCustomerID string
}

type service struct {
	repo Repository
}

// NewService builds a billing customer service.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	return &service{repo: repo}, nil
}

// RegisterCustomer creates the customer row or returns the existing one for
// the same (tenant, external_ref) pair.
func (s *service) RegisterCustomer(ctx context.Context, input RegisterCustomerInput) (*models.BillingCustomer, error) {
	if input.TenantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	externalRef := strings.TrimSpace(input.ExternalRef)
	if externalRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external ref is required")
	}

	existing, err := s.repo.FindCustomerByExternalRef(ctx, input.TenantID, externalRef)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up customer")
	}
	if existing != nil {
		return existing, nil
	}

	customer := &models.BillingCustomer{
		TenantID:    input.TenantID,
		ExternalRef: externalRef,
	}
	if id := strings.TrimSpace(input.StripeCustomerID); id != "" {
		customer.StripeCustomerID = &id
	}
	if id := strings.TrimSpace(input.SquareCustomerID); id != "" {
		customer.SquareCustomerID = &id
	}
	if err := s.repo.CreateCustomer(ctx, customer); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating customer")
	}
	return customer, nil
}

func (s *service) GetCustomer(ctx context.Context, id uuid.UUID) (*models.BillingCustomer, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	customer, err := s.repo.FindCustomer(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading customer")
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	return customer, nil
}

func (s *service) GetCustomerByExternalRef(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.BillingCustomer, error) {
	if tenantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external ref is required")
	}
	customer, err := s.repo.FindCustomerByExternalRef(ctx, tenantID, ref)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading customer")
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	return customer, nil
}

func (s *service) ListInvoices(ctx context.Context, query ListInvoicesQuery) ([]models.Invoice, *pagination.Cursor, error) {
	if query.CustomerID == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	invoices, next, err := s.repo.ListInvoices(ctx, query)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing invoices")
	}
	return invoices, next, nil
}

func (s *service) ListPayments(ctx context.Context, query ListPaymentsQuery) ([]models.Payment, *pagination.Cursor, error) {
	if query.CustomerID == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	payments, next, err := s.repo.ListPayments(ctx, query)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing payments")
	}
	return payments, next, nil
}
