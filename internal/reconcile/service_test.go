package reconcile

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/ledger"
	"github.com/cadencehq/cadence-backend/internal/period"
	"github.com/cadencehq/cadence-backend/internal/settlement"
	"github.com/cadencehq/cadence-backend/internal/subscription"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
)

type stubEventRepo struct {
	markers   []*models.SettlementEvent
	createErr error
}

func (s *stubEventRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubEventRepo) CreateEvent(ctx context.Context, event *models.SettlementEvent) error {
	if s.createErr != nil {
		return s.createErr
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	s.markers = append(s.markers, event)
	return nil
}

func (s *stubEventRepo) FindEvent(ctx context.Context, provider enums.Provider, providerEventID string) (*models.SettlementEvent, error) {
	for _, marker := range s.markers {
		if marker.Provider == provider && marker.ProviderEventID == providerEventID {
			return marker, nil
		}
	}
	return nil, nil
}

type stubBillingRepo struct {
	billing.Repository

	subs      []*models.Subscription
	periods   []*models.SubscriptionPeriod
	invoices  []*models.Invoice
	payments  []*models.Payment
	purchases []*models.BundlePurchase

	updateInvoiceErr error
}

func (s *stubBillingRepo) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *stubBillingRepo) FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	for _, sub := range s.subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return nil, nil
}

func (s *stubBillingRepo) FindSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.FindSubscription(ctx, id)
}

func (s *stubBillingRepo) FindPeriod(ctx context.Context, id uuid.UUID) (*models.SubscriptionPeriod, error) {
	for _, row := range s.periods {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, nil
}

func (s *stubBillingRepo) FindPeriodCovering(ctx context.Context, subscriptionID uuid.UUID, at time.Time) (*models.SubscriptionPeriod, error) {
	for _, row := range s.periods {
		if row.SubscriptionID == subscriptionID && row.Covers(at) {
			return row, nil
		}
	}
	return nil, nil
}

func (s *stubBillingRepo) FindInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	for _, invoice := range s.invoices {
		if invoice.ID == id {
			return invoice, nil
		}
	}
	return nil, nil
}

func (s *stubBillingRepo) UpdateInvoice(ctx context.Context, invoice *models.Invoice) error {
	if s.updateInvoiceErr != nil {
		return s.updateInvoiceErr
	}
	for i, existing := range s.invoices {
		if existing.ID == invoice.ID {
			s.invoices[i] = invoice
		}
	}
	return nil
}

func (s *stubBillingRepo) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	s.payments = append(s.payments, payment)
	return nil
}

func (s *stubBillingRepo) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	for i, existing := range s.payments {
		if existing.ID == payment.ID {
			s.payments[i] = payment
		}
	}
	return nil
}

func (s *stubBillingRepo) FindPaymentByProviderID(ctx context.Context, provider enums.Provider, providerPaymentID string) (*models.Payment, error) {
	for _, payment := range s.payments {
		if payment.Provider == provider && payment.ProviderPaymentID == providerPaymentID {
			return payment, nil
		}
	}
	return nil, nil
}

func (s *stubBillingRepo) FindBundlePurchaseByInvoice(ctx context.Context, invoiceID uuid.UUID) (*models.BundlePurchase, error) {
	for _, purchase := range s.purchases {
		if purchase.InvoiceID != nil && *purchase.InvoiceID == invoiceID {
			return purchase, nil
		}
	}
	return nil, nil
}

type stubPort struct {
	provider  enums.Provider
	recurring bool
	event     *settlement.CanonicalEvent
	parseErr  error
}

func (p *stubPort) Provider() enums.Provider { return p.provider }
func (p *stubPort) SupportsRecurring() bool  { return p.recurring }

func (p *stubPort) CreateCharge(ctx context.Context, req settlement.ChargeRequest) (*settlement.ChargeResult, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

func (p *stubPort) ParseEvent(payload []byte, signature string) (*settlement.CanonicalEvent, error) {
	if p.parseErr != nil {
		return nil, p.parseErr
	}
	return p.event, nil
}

func (p *stubPort) FetchPayment(ctx context.Context, providerPaymentID string) (*settlement.PaymentInfo, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

func (p *stubPort) Refund(ctx context.Context, req settlement.RefundRequest) error {
	return pkgerrors.New(pkgerrors.CodeInternal, "not implemented")
}

type stubPorts struct{ port *stubPort }

func (s *stubPorts) Resolve(provider enums.Provider) (settlement.Port, error) {
	if s.port == nil || s.port.provider != provider {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "no settlement port for provider")
	}
	return s.port, nil
}

type stubPeriodEngine struct {
	starts   []period.StartInput
	revokes  []period.RevokeInput
	startErr error
}

func (s *stubPeriodEngine) Start(ctx context.Context, tx *gorm.DB, input period.StartInput) (*models.SubscriptionPeriod, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.starts = append(s.starts, input)
	return &models.SubscriptionPeriod{ID: uuid.New(), SubscriptionID: input.Subscription.ID, StartAt: input.StartAt}, nil
}

func (s *stubPeriodEngine) Revoke(ctx context.Context, tx *gorm.DB, input period.RevokeInput) (*models.SubscriptionPeriod, error) {
	s.revokes = append(s.revokes, input)
	return input.Period, nil
}

type stubSubHooks struct {
	activated  []string
	paused     []string
	failures   []subscription.PaymentFailureInput
	pendingErr error
	failureErr error
	plan       *models.Plan
}

func (s *stubSubHooks) ActivateTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error {
	s.activated = append(s.activated, reason)
	return nil
}

func (s *stubSubHooks) PauseTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error {
	s.paused = append(s.paused, reason)
	return nil
}

func (s *stubSubHooks) HandlePaymentFailure(ctx context.Context, tx *gorm.DB, input subscription.PaymentFailureInput) error {
	if s.failureErr != nil {
		return s.failureErr
	}
	s.failures = append(s.failures, input)
	return nil
}

func (s *stubSubHooks) ApplyPendingPlanTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (*models.Plan, error) {
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}
	return s.plan, nil
}

type stubRestorer struct {
	restores []ledger.RestoreInput
}

func (s *stubRestorer) RestoreBySourceTx(ctx context.Context, tx *gorm.DB, input ledger.RestoreInput) (*models.CreditLedgerEntry, error) {
	s.restores = append(s.restores, input)
	return &models.CreditLedgerEntry{ID: uuid.New()}, nil
}

type stubCatalog struct{ plans map[string]*models.Plan }

func (s *stubCatalog) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	if plan, ok := s.plans[id]; ok {
		return plan, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
}

type stubBundles struct {
	finalized []uuid.UUID
	revoked   []enums.LedgerSource
}

func (s *stubBundles) FinalizeTx(ctx context.Context, tx *gorm.DB, invoice *models.Invoice) error {
	s.finalized = append(s.finalized, invoice.ID)
	return nil
}

func (s *stubBundles) RevokeTx(ctx context.Context, tx *gorm.DB, invoice *models.Invoice, source enums.LedgerSource) error {
	s.revoked = append(s.revoked, source)
	return nil
}

type stubOutbox struct{ events []outbox.DomainEvent }

func (s *stubOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	s.events = append(s.events, event)
	return nil
}

type stubTxRunner struct{}

func (s *stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fixture struct {
	svc     Service
	events  *stubEventRepo
	repo    *stubBillingRepo
	port    *stubPort
	periods *stubPeriodEngine
	subs    *stubSubHooks
	credits *stubRestorer
	catalog *stubCatalog
	bundles *stubBundles
	outbox  *stubOutbox
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		events:  &stubEventRepo{},
		repo:    &stubBillingRepo{},
		port:    &stubPort{provider: enums.ProviderStripe, recurring: true},
		periods: &stubPeriodEngine{},
		subs:    &stubSubHooks{},
		credits: &stubRestorer{},
		bundles: &stubBundles{},
		outbox:  &stubOutbox{},
	}
	for _, opt := range opts {
		opt(f)
	}
	catalog := &stubCatalog{plans: map[string]*models.Plan{}}
	if f.subs.plan != nil {
		catalog.plans[f.subs.plan.ID] = f.subs.plan
	}
	f.catalog = catalog
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	svc, err := NewService(
		f.events,
		f.repo,
		&stubTxRunner{},
		&stubPorts{port: f.port},
		f.periods,
		f.subs,
		f.credits,
		catalog,
		f.bundles,
		f.outbox,
		nil,
		logg,
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func seedPlan(f *fixture) *models.Plan {
	plan := &models.Plan{
		ID:               "pro-monthly",
		Status:           enums.PlanStatusActive,
		PriceCents:       2900,
		CurrencyCode:     "usd",
		Interval:         enums.BillingIntervalMonthly,
		CreditsPerPeriod: 1000,
	}
	f.subs.plan = plan
	f.catalog.plans[plan.ID] = plan
	return plan
}

func seedPeriodInvoice(f *fixture, status enums.InvoiceStatus) (*models.Subscription, *models.SubscriptionPeriod, *models.Invoice) {
	sub := &models.Subscription{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		Status:     enums.SubscriptionStatusActive,
		PlanID:     "pro-monthly",
		Provider:   enums.ProviderStripe,
	}
	boundary := time.Now().Add(12 * time.Hour).Truncate(time.Second)
	row := &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        boundary,
		EndAt:          boundary.AddDate(0, 1, 0),
		Status:         enums.PeriodStatusScheduled,
	}
	subID := sub.ID
	periodID := row.ID
	invoice := &models.Invoice{
		ID:             uuid.New(),
		CustomerID:     sub.CustomerID,
		SubscriptionID: &subID,
		PeriodID:       &periodID,
		Purpose:        enums.InvoicePurposePeriod,
		Status:         status,
		AmountCents:    2900,
		CurrencyCode:   "usd",
		Provider:       enums.ProviderStripe,
	}
	invoiceID := invoice.ID
	row.InvoiceID = &invoiceID
	f.repo.subs = append(f.repo.subs, sub)
	f.repo.periods = append(f.repo.periods, row)
	f.repo.invoices = append(f.repo.invoices, invoice)
	return sub, row, invoice
}

func paymentEvent(kind enums.SettlementEventKind, invoiceID *uuid.UUID) *settlement.CanonicalEvent {
	return &settlement.CanonicalEvent{
		Provider:          enums.ProviderStripe,
		ProviderEventID:   "evt_" + uuid.NewString(),
		Kind:              kind,
		ProviderPaymentID: "pi_" + uuid.NewString(),
		InvoiceID:         invoiceID,
		AmountCents:       2900,
		CurrencyCode:      "usd",
		OccurredAt:        time.Now().Truncate(time.Second),
	}
}

func handle(t *testing.T, f *fixture) AckCode {
	t.Helper()
	ack, err := f.svc.HandleWebhook(context.Background(), f.port.provider, []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	return ack
}

func TestHandleWebhookIgnoredEvent(t *testing.T) {
	f := newFixture(t)
	f.port.parseErr = settlement.ErrEventIgnored

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if len(f.events.markers) != 0 {
		t.Fatalf("ignored event wrote a processed marker")
	}
}

func TestHandleWebhookBadSignature(t *testing.T) {
	f := newFixture(t)
	f.port.parseErr = pkgerrors.New(pkgerrors.CodeUnauthorized, "signature mismatch")

	_, err := f.svc.HandleWebhook(context.Background(), enums.ProviderStripe, []byte(`{}`), "bad")
	if err == nil {
		t.Fatal("expected signature error")
	}
	if domainErr := pkgerrors.As(err); domainErr == nil || domainErr.Code() != pkgerrors.CodeUnauthorized {
		t.Fatalf("err = %v, want CodeUnauthorized", err)
	}
}

func TestHandleWebhookUnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleWebhook(context.Background(), enums.ProviderSquare, []byte(`{}`), "sig")
	if err == nil {
		t.Fatal("expected resolution error")
	}
	if domainErr := pkgerrors.As(err); domainErr == nil || domainErr.Code() != pkgerrors.CodeConfiguration {
		t.Fatalf("err = %v, want CodeConfiguration", err)
	}
}

func TestDuplicateEventIsAckedWithoutEffects(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusOpen)
	invoiceID := invoice.ID
	event := paymentEvent(enums.SettlementEventPaymentSucceeded, &invoiceID)
	f.port.event = event
	f.events.markers = append(f.events.markers, &models.SettlementEvent{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		Kind:            event.Kind,
		ProcessedAt:     time.Now(),
	})

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusOpen {
		t.Fatalf("duplicate delivery re-applied effects: invoice %s", invoice.Status)
	}
	if len(f.periods.starts) != 0 || len(f.subs.activated) != 0 {
		t.Fatal("duplicate delivery touched the period engine")
	}
}

func TestMarkerRaceIsTreatedAsDuplicate(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusOpen)
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventPaymentSucceeded, &invoiceID)
	f.events.createErr = errors.New(`ERROR: duplicate key value violates unique constraint "idx_settlement_events_provider_eid"`)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
}

func TestPaymentSucceededSettlesInvoiceAndStartsPeriod(t *testing.T) {
	f := newFixture(t)
	plan := seedPlan(f)
	sub, row, invoice := seedPeriodInvoice(f, enums.InvoiceStatusOpen)
	invoiceID := invoice.ID
	event := paymentEvent(enums.SettlementEventPaymentSucceeded, &invoiceID)
	f.port.event = event

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusPaid || invoice.PaidAt == nil {
		t.Fatalf("invoice = %s, want paid", invoice.Status)
	}
	if len(f.repo.payments) != 1 || f.repo.payments[0].Status != enums.PaymentStatusSucceeded {
		t.Fatalf("payment row not recorded as succeeded")
	}
	if len(f.periods.starts) != 1 {
		t.Fatalf("period starts = %d, want 1", len(f.periods.starts))
	}
	start := f.periods.starts[0]
	if start.PeriodID == nil || *start.PeriodID != row.ID {
		t.Fatalf("period start not pinned to the invoiced period")
	}
	if !start.StartAt.Equal(row.StartAt) {
		t.Fatalf("on-time payment should start at the boundary, got %v", start.StartAt)
	}
	if start.Plan != plan || start.Subscription != sub {
		t.Fatal("period started with wrong plan or subscription")
	}
	if len(f.subs.activated) != 1 {
		t.Fatalf("subscription not activated")
	}
	if len(f.events.markers) != 1 {
		t.Fatalf("processed marker not written")
	}
	if len(f.outbox.events) != 1 || f.outbox.events[0].EventType != enums.EventInvoicePaid {
		t.Fatalf("invoice_paid event not emitted")
	}
}

func TestRecoveryPaymentNeverBackdatesPeriod(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, row, invoice := seedPeriodInvoice(f, enums.InvoiceStatusOpen)
	row.StartAt = time.Now().AddDate(0, 0, -5)
	invoiceID := invoice.ID
	event := paymentEvent(enums.SettlementEventPaymentSucceeded, &invoiceID)
	f.port.event = event

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if len(f.periods.starts) != 1 {
		t.Fatalf("period starts = %d, want 1", len(f.periods.starts))
	}
	if got := f.periods.starts[0].StartAt; !got.Equal(event.OccurredAt) {
		t.Fatalf("recovery start = %v, want settlement moment %v", got, event.OccurredAt)
	}
}

func TestPaymentForCanceledSubscriptionOnlySettlesInvoice(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	sub, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusOpen)
	sub.Status = enums.SubscriptionStatusCanceled
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventPaymentSucceeded, &invoiceID)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusPaid {
		t.Fatalf("invoice = %s, want paid", invoice.Status)
	}
	if len(f.periods.starts) != 0 || len(f.subs.activated) != 0 {
		t.Fatal("canceled subscription was granted access")
	}
}

func TestPaymentSucceededWithoutInvoiceIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.port.event = paymentEvent(enums.SettlementEventPaymentSucceeded, nil)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("not-found is non-retryable, ack = %v, want AckOK", ack)
	}
	if len(f.events.markers) != 0 {
		t.Fatal("discarded event must not be marked processed")
	}
}

func TestPaymentSucceededForUnknownInvoiceIsAcked(t *testing.T) {
	f := newFixture(t)
	unknown := uuid.New()
	f.port.event = paymentEvent(enums.SettlementEventPaymentSucceeded, &unknown)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("unknown invoice ref ack = %v, want AckOK", ack)
	}
	if len(f.events.markers) != 0 {
		t.Fatal("discarded event must not be marked processed")
	}
	if len(f.periods.starts) != 0 || len(f.subs.activated) != 0 {
		t.Fatal("unknown invoice ref must not grant access")
	}
}

func TestMustSucceedRetryableFailureAsksForRedelivery(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusOpen)
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventPaymentFailed, &invoiceID)
	f.subs.failureErr = pkgerrors.New(pkgerrors.CodeInternal, "deadlock detected")

	if ack := handle(t, f); ack != AckRetry {
		t.Fatalf("ack = %v, want AckRetry", ack)
	}
	if len(f.events.markers) != 0 {
		t.Fatal("failed event must not be marked processed")
	}
}

func TestBestEffortFailureIsAcked(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusPaid)
	f.repo.updateInvoiceErr = errors.New("connection reset")
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventChargeRefunded, &invoiceID)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("best-effort failure ack = %v, want AckOK", ack)
	}
}

func TestPaymentFailedRoutesThroughFailurePolicy(t *testing.T) {
	f := newFixture(t)
	plan := seedPlan(f)
	sub, row, invoice := seedPeriodInvoice(f, enums.InvoiceStatusOpen)
	// The covering period is the live one, not the scheduled renewal.
	now := time.Now()
	row.StartAt = now.AddDate(0, 0, -15)
	row.EndAt = now.AddDate(0, 0, 15)
	row.Status = enums.PeriodStatusActive
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventPaymentFailed, &invoiceID)
	f.port.recurring = true

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if len(f.subs.failures) != 1 {
		t.Fatalf("failure policy invocations = %d, want 1", len(f.subs.failures))
	}
	failure := f.subs.failures[0]
	if failure.Subscription != sub || failure.Plan != plan || failure.Period != row {
		t.Fatal("failure policy got wrong rows")
	}
	if !failure.SupportsRecurring {
		t.Fatal("recurring capability not forwarded from the port")
	}
	if len(f.repo.payments) != 1 || f.repo.payments[0].Status != enums.PaymentStatusFailed {
		t.Fatal("failed payment not recorded")
	}
}

func TestStaleFailureAfterSettlementIsIgnored(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusPaid)
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventPaymentFailed, &invoiceID)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if len(f.subs.failures) != 0 {
		t.Fatal("paid invoice must not trigger the failure policy")
	}
}

func TestFullRefundRevokesPeriod(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, row, invoice := seedPeriodInvoice(f, enums.InvoiceStatusPaid)
	invoiceID := invoice.ID
	event := paymentEvent(enums.SettlementEventChargeRefunded, &invoiceID)
	event.AmountCents = invoice.AmountCents
	f.port.event = event

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusRefunded {
		t.Fatalf("invoice = %s, want refunded", invoice.Status)
	}
	if len(f.periods.revokes) != 1 {
		t.Fatalf("revokes = %d, want 1", len(f.periods.revokes))
	}
	revoke := f.periods.revokes[0]
	if revoke.Period != row || revoke.ReversalSource != enums.LedgerSourceRefundReversal {
		t.Fatal("refund revoked the wrong period or used the wrong source")
	}
}

func TestPartialRefundIsBookkeepingOnly(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusPaid)
	invoiceID := invoice.ID
	event := paymentEvent(enums.SettlementEventChargeRefunded, &invoiceID)
	event.AmountCents = invoice.AmountCents / 2
	f.port.event = event

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusPaid {
		t.Fatalf("partial refund flipped the invoice to %s", invoice.Status)
	}
	if len(f.periods.revokes) != 0 {
		t.Fatal("partial refund revoked the period")
	}
	if len(f.repo.payments) != 1 || f.repo.payments[0].Status != enums.PaymentStatusRefunded {
		t.Fatal("refunded payment not recorded")
	}
}

func TestInvoiceVoidedVoidsOpenInvoice(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusOpen)
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventInvoiceVoided, &invoiceID)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusVoid || invoice.VoidedAt == nil {
		t.Fatalf("invoice = %s, want void", invoice.Status)
	}
	if len(f.outbox.events) != 1 || f.outbox.events[0].EventType != enums.EventInvoiceVoided {
		t.Fatal("invoice_voided event not emitted")
	}
}

func TestDisputeOpenedRevokesAndPauses(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusPaid)
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventDisputeOpened, &invoiceID)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusDisputed {
		t.Fatalf("invoice = %s, want disputed", invoice.Status)
	}
	if len(f.periods.revokes) != 1 || f.periods.revokes[0].ReversalSource != enums.LedgerSourceDisputeReversal {
		t.Fatal("dispute did not revoke the period")
	}
	if len(f.subs.paused) != 1 {
		t.Fatal("dispute did not pause the subscription")
	}
}

func TestDisputeWonRestoresCreditsOnly(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, row, invoice := seedPeriodInvoice(f, enums.InvoiceStatusDisputed)
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventDisputeWon, &invoiceID)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusPaid {
		t.Fatalf("invoice = %s, want paid", invoice.Status)
	}
	if len(f.credits.restores) != 1 {
		t.Fatalf("restores = %d, want 1", len(f.credits.restores))
	}
	restore := f.credits.restores[0]
	if restore.SourceID != row.ID || restore.ReversalSource != enums.LedgerSourceDisputeReversal {
		t.Fatal("restore keyed to the wrong reversal")
	}
	if len(f.periods.starts) != 0 || len(f.subs.activated) != 0 {
		t.Fatal("dispute_won must not restore access")
	}
}

func TestBundleInvoiceFinalizedOnPayment(t *testing.T) {
	f := newFixture(t)
	purchaseID := uuid.New()
	invoice := &models.Invoice{
		ID:               uuid.New(),
		CustomerID:       uuid.New(),
		BundlePurchaseID: &purchaseID,
		Purpose:          enums.InvoicePurposeBundle,
		Status:           enums.InvoiceStatusOpen,
		AmountCents:      4900,
		CurrencyCode:     "usd",
		Provider:         enums.ProviderStripe,
	}
	f.repo.invoices = append(f.repo.invoices, invoice)
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventPaymentSucceeded, &invoiceID)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusPaid {
		t.Fatalf("invoice = %s, want paid", invoice.Status)
	}
	if len(f.bundles.finalized) != 1 || f.bundles.finalized[0] != invoice.ID {
		t.Fatal("bundle purchase not finalized")
	}
	if len(f.periods.starts) != 0 {
		t.Fatal("bundle payment must not touch the period engine")
	}
}

func TestBundleRefundRevokesPurchase(t *testing.T) {
	f := newFixture(t)
	purchaseID := uuid.New()
	invoice := &models.Invoice{
		ID:               uuid.New(),
		CustomerID:       uuid.New(),
		BundlePurchaseID: &purchaseID,
		Purpose:          enums.InvoicePurposeBundle,
		Status:           enums.InvoiceStatusPaid,
		AmountCents:      4900,
		CurrencyCode:     "usd",
		Provider:         enums.ProviderStripe,
	}
	f.repo.invoices = append(f.repo.invoices, invoice)
	invoiceID := invoice.ID
	event := paymentEvent(enums.SettlementEventChargeRefunded, &invoiceID)
	event.AmountCents = invoice.AmountCents
	f.port.event = event

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if len(f.bundles.revoked) != 1 || f.bundles.revoked[0] != enums.LedgerSourceRefundReversal {
		t.Fatal("bundle purchase not revoked")
	}
}

func TestLatePaymentSettlesUncollectibleInvoice(t *testing.T) {
	f := newFixture(t)
	seedPlan(f)
	_, _, invoice := seedPeriodInvoice(f, enums.InvoiceStatusUncollectible)
	invoiceID := invoice.ID
	f.port.event = paymentEvent(enums.SettlementEventPaymentSucceeded, &invoiceID)

	if ack := handle(t, f); ack != AckOK {
		t.Fatalf("ack = %v, want AckOK", ack)
	}
	if invoice.Status != enums.InvoiceStatusPaid {
		t.Fatalf("invoice = %s, want paid", invoice.Status)
	}
	if len(f.periods.starts) != 1 || len(f.subs.activated) != 1 {
		t.Fatal("late dunning payment should restore access")
	}
}
