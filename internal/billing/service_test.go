package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
)

type stubRepo struct {
	Repository

	customersByRef map[string]*models.BillingCustomer
	created        []*models.BillingCustomer
	findErr        error
}

func (s *stubRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubRepo) FindCustomerByExternalRef(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.BillingCustomer, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if customer, ok := s.customersByRef[externalRef]; ok {
		return customer, nil
	}
	return nil, nil
}

func (s *stubRepo) CreateCustomer(ctx context.Context, customer *models.BillingCustomer) error {
	customer.ID = uuid.New()
	s.created = append(s.created, customer)
	return nil
}

func (s *stubRepo) FindCustomer(ctx context.Context, id uuid.UUID) (*models.BillingCustomer, error) {
	for _, customer := range s.customersByRef {
		if customer.ID == id {
			return customer, nil
		}
	}
	return nil, nil
}

func TestRegisterCustomerCreates(t *testing.T) {
	repo := &stubRepo{customersByRef: map[string]*models.BillingCustomer{}}
	svc, err := NewService(repo)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	tenantID := uuid.New()
	customer, err := svc.RegisterCustomer(context.Background(), RegisterCustomerInput{
		TenantID:         tenantID,
		ExternalRef:      "acct_123",
		StripeCustomerID: "cus_abc",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if customer.ID == uuid.Nil {
		t.Fatal("expected assigned id")
	}
	if customer.TenantID != tenantID {
		t.Fatalf("tenant mismatch: %s", customer.TenantID)
	}
	if customer.StripeCustomerID == nil || *customer.StripeCustomerID != "cus_abc" {
		t.Fatalf("stripe customer id not set: %+v", customer.StripeCustomerID)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one create, got %d", len(repo.created))
	}
}

func TestRegisterCustomerReturnsExisting(t *testing.T) {
	existing := &models.BillingCustomer{ID: uuid.New(), ExternalRef: "acct_123"}
	repo := &stubRepo{customersByRef: map[string]*models.BillingCustomer{"acct_123": existing}}
	svc, _ := NewService(repo)

	customer, err := svc.RegisterCustomer(context.Background(), RegisterCustomerInput{
		TenantID:    uuid.New(),
		ExternalRef: "acct_123",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if customer.ID != existing.ID {
		t.Fatalf("expected existing customer, got %s", customer.ID)
	}
	if len(repo.created) != 0 {
		t.Fatal("expected no create call")
	}
}

func TestRegisterCustomerValidation(t *testing.T) {
	repo := &stubRepo{customersByRef: map[string]*models.BillingCustomer{}}
	svc, _ := NewService(repo)

	if _, err := svc.RegisterCustomer(context.Background(), RegisterCustomerInput{ExternalRef: "x"}); err == nil {
		t.Fatal("expected error for missing tenant")
	}
	_, err := svc.RegisterCustomer(context.Background(), RegisterCustomerInput{TenantID: uuid.New(), ExternalRef: "  "})
	if err == nil {
		t.Fatal("expected error for blank external ref")
	}
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetCustomerNotFound(t *testing.T) {
	repo := &stubRepo{customersByRef: map[string]*models.BillingCustomer{}}
	svc, _ := NewService(repo)

	_, err := svc.GetCustomer(context.Background(), uuid.New())
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
