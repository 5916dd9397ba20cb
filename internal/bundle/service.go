package bundle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/entitlement"
	"github.com/cadencehq/cadence-backend/internal/ledger"
	"github.com/cadencehq/cadence-backend/internal/settlement"
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
}

type bundleCatalog interface {
	GetBundle(ctx context.Context, id string) (*models.Bundle, error)
	GetActiveBundle(ctx context.Context, id string) (*models.Bundle, error)
}

type creditLedger interface {
	GrantTx(ctx context.Context, tx *gorm.DB, input ledger.GrantInput) (*models.CreditLedgerEntry, error)
	ReverseBySourceTx(ctx context.Context, tx *gorm.DB, input ledger.ReverseInput) (*models.CreditLedgerEntry, error)
}

type chargePorts interface {
	Resolve(provider enums.Provider) (settlement.Port, error)
}

// Service sells bundles. Purchase opens the invoice and attempts the charge;
// FinalizeTx and RevokeTx are the settlement hooks that grant and claw back
// what the bundle unlocked.
type Service interface {
	Purchase(ctx context.Context, input PurchaseInput) (*PurchaseResult, error)
	FinalizeTx(ctx context.Context, tx *gorm.DB, invoice *models.Invoice) error
	RevokeTx(ctx context.Context, tx *gorm.DB, invoice *models.Invoice, source enums.LedgerSource) error
}

// PurchaseInput requests a bundle checkout. SourceToken carries the one-time
// payment token for prepaid providers; recurring providers charge the saved
// instrument.
type PurchaseInput struct {
	CustomerID  uuid.UUID
	BundleID    string
	Provider    enums.Provider
	SourceToken string
}

// PurchaseResult reports the checkout outcome. Charged is false when the
// charge is still pending provider-side; the webhook finalizes it.
type PurchaseResult struct {
	Purchase *models.BundlePurchase
	Invoice  *models.Invoice
	Charged  bool
}

type service struct {
	repo    billing.Repository
	tx      txRunner
	catalog bundleCatalog
	credits creditLedger
	ports   chargePorts
	proj    entitlement.Projector
	outbox  outboxPublisher
}

// NewService builds the bundle service.
func NewService(repo billing.Repository, tx txRunner, catalog bundleCatalog, credits creditLedger, ports chargePorts, proj entitlement.Projector, outboxSvc outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("bundle catalog required")
	}
	if credits == nil {
		return nil, fmt.Errorf("credit ledger required")
	}
	if ports == nil {
		return nil, fmt.Errorf("port registry required")
	}
	if proj == nil {
		return nil, fmt.Errorf("entitlement projector required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:    repo,
		tx:      tx,
		catalog: catalog,
		credits: credits,
		ports:   ports,
		proj:    proj,
		outbox:  outboxSvc,
	}, nil
}

// Purchase opens the bundle invoice and charges for it. The charge runs
// outside any transaction; an abandoned or failed charge leaves the invoice
// open for the stale-invoice sweep to void.
func (s *service) Purchase(ctx context.Context, input PurchaseInput) (*PurchaseResult, error) {
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.BundleID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bundle id is required")
	}
	if !input.Provider.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid provider %q", input.Provider))
	}

	bundle, err := s.catalog.GetActiveBundle(ctx, input.BundleID)
	if err != nil {
		return nil, err
	}
	port, err := s.ports.Resolve(input.Provider)
	if err != nil {
		return nil, err
	}
	customer, err := s.repo.FindCustomer(ctx, input.CustomerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading customer")
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}

	var (
		purchase *models.BundlePurchase
		invoice  *models.Invoice
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		purchase = &models.BundlePurchase{
			CustomerID:  input.CustomerID,
			BundleID:    bundle.ID,
			PurchasedAt: time.Now().UTC(),
		}
		if err := repo.CreateBundlePurchase(ctx, purchase); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating bundle purchase")
		}
		purchaseID := purchase.ID
		invoice = &models.Invoice{
			CustomerID:       input.CustomerID,
			BundlePurchaseID: &purchaseID,
			Purpose:          enums.InvoicePurposeBundle,
			Status:           enums.InvoiceStatusOpen,
			AmountCents:      bundle.PriceCents,
			CurrencyCode:     bundle.CurrencyCode,
			Provider:         input.Provider,
		}
		if err := repo.CreateInvoice(ctx, invoice); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating bundle invoice")
		}
		invoiceID := invoice.ID
		purchase.InvoiceID = &invoiceID
		if err := repo.UpdateBundlePurchase(ctx, purchase); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "linking bundle invoice")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req := settlement.ChargeRequest{
		InvoiceID:    invoice.ID,
		SourceToken:  input.SourceToken,
		AmountCents:  invoice.AmountCents,
		CurrencyCode: invoice.CurrencyCode,
		Description:  fmt.Sprintf("bundle %s", bundle.ID),
	}
	if port.SupportsRecurring() {
		ref, err := providerCustomerRef(customer, input.Provider)
		if err != nil {
			return nil, err
		}
		req.CustomerRef = ref
	}
	result, err := port.CreateCharge(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Status != enums.PaymentStatusSucceeded {
		// The webhook finalizes once the provider confirms.
		s.recordPayment(ctx, invoice, result, result.Status)
		return &PurchaseResult{Purchase: purchase, Invoice: invoice, Charged: false}, nil
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		paidAt := time.Now().UTC()
		invoice.Status = enums.InvoiceStatusPaid
		invoice.PaidAt = &paidAt
		if err := repo.UpdateInvoice(ctx, invoice); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking bundle invoice paid")
		}
		if err := s.createPaymentTx(ctx, repo, invoice, result, paidAt); err != nil {
			return err
		}
		err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
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
		return s.FinalizeTx(ctx, tx, invoice)
	})
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{Purchase: purchase, Invoice: invoice, Charged: true}, nil
}

// FinalizeTx grants what the paid bundle invoice bought: the credit grant and
// the unlock entitlement. The caller guards idempotency by only invoking it on
// the invoice's open-to-paid transition.
func (s *service) FinalizeTx(ctx context.Context, tx *gorm.DB, invoice *models.Invoice) error {
	if invoice == nil || invoice.BundlePurchaseID == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "bundle invoice required")
	}
	repo := s.repo.WithTx(tx)
	purchase, err := repo.FindBundlePurchase(ctx, *invoice.BundlePurchaseID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading bundle purchase")
	}
	if purchase == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "bundle purchase not found")
	}
	bundle, err := s.catalog.GetBundle(ctx, purchase.BundleID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	purchase.PurchasedAt = now
	purchase.CreditsGranted = bundle.CreditsGranted
	if err := repo.UpdateBundlePurchase(ctx, purchase); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finalizing bundle purchase")
	}

	if bundle.CreditsGranted > 0 {
		purchaseID := purchase.ID
		if _, err := s.credits.GrantTx(ctx, tx, ledger.GrantInput{
			CustomerID: purchase.CustomerID,
			Amount:     bundle.CreditsGranted,
			Source:     enums.LedgerSourceBundlePurchase,
			SourceID:   &purchaseID,
		}); err != nil {
			return err
		}
	}
	_, err = s.proj.ProjectBundle(ctx, tx, purchase, bundle)
	return err
}

// RevokeTx claws a bundle back after a refund or dispute: reverses its credit
// grant and closes the unlock window. Safe to call twice.
func (s *service) RevokeTx(ctx context.Context, tx *gorm.DB, invoice *models.Invoice, source enums.LedgerSource) error {
	if invoice == nil || invoice.BundlePurchaseID == nil {
		return nil
	}
	repo := s.repo.WithTx(tx)
	purchase, err := repo.FindBundlePurchase(ctx, *invoice.BundlePurchaseID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading bundle purchase")
	}
	if purchase == nil || purchase.RevokedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	purchase.RevokedAt = &now
	if err := repo.UpdateBundlePurchase(ctx, purchase); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "revoking bundle purchase")
	}
	if purchase.CreditsGranted > 0 {
		if _, err := s.credits.ReverseBySourceTx(ctx, tx, ledger.ReverseInput{
			CustomerID:     purchase.CustomerID,
			OriginalSource: enums.LedgerSourceBundlePurchase,
			SourceID:       purchase.ID,
			ReversalSource: source,
		}); err != nil {
			return err
		}
	}
	bundle, err := s.catalog.GetBundle(ctx, purchase.BundleID)
	if err != nil {
		return err
	}
	_, err = s.proj.ProjectBundle(ctx, tx, purchase, bundle)
	return err
}

// recordPayment best-effort bookkeeping for a charge that did not settle
// synchronously. The webhook upsert is authoritative.
func (s *service) recordPayment(ctx context.Context, invoice *models.Invoice, result *settlement.ChargeResult, status enums.PaymentStatus) {
	if result == nil || result.ProviderPaymentID == "" {
		return
	}
	invoiceID := invoice.ID
	payment := &models.Payment{
		CustomerID:        invoice.CustomerID,
		InvoiceID:         &invoiceID,
		Provider:          invoice.Provider,
		ProviderPaymentID: result.ProviderPaymentID,
		AmountCents:       invoice.AmountCents,
		CurrencyCode:      invoice.CurrencyCode,
		Status:            status,
	}
	_ = s.repo.CreatePayment(ctx, payment)
}

func (s *service) createPaymentTx(ctx context.Context, repo billing.Repository, invoice *models.Invoice, result *settlement.ChargeResult, paidAt time.Time) error {
	if result == nil || result.ProviderPaymentID == "" {
		return nil
	}
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

func providerCustomerRef(customer *models.BillingCustomer, provider enums.Provider) (string, error) {
	ref, ok := customer.ProviderRef(provider)
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("customer has no %s reference", provider))
	}
	return ref, nil
}
