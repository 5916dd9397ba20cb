package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/period"
	"github.com/cadencehq/cadence-backend/internal/settlement"
	"github.com/cadencehq/cadence-backend/internal/subscription"
	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
)

type sweepRepo struct {
	billing.Repository

	customers []*models.BillingCustomer
	subs      []*models.Subscription
	periods   []*models.SubscriptionPeriod
	invoices  []*models.Invoice
	payments  []*models.Payment
}

func (s *sweepRepo) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *sweepRepo) FindCustomer(ctx context.Context, id uuid.UUID) (*models.BillingCustomer, error) {
	for _, customer := range s.customers {
		if customer.ID == id {
			return customer, nil
		}
	}
	return nil, nil
}

func (s *sweepRepo) FindSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	for _, sub := range s.subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return nil, nil
}

func (s *sweepRepo) ListTrialsEndingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status == enums.SubscriptionStatusTrialing && sub.TrialEndsAt != nil && !sub.TrialEndsAt.After(cutoff) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *sweepRepo) ListDueForRenewal(ctx context.Context, horizon time.Time, limit int) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status != enums.SubscriptionStatusActive || sub.CancelAtPeriodEnd {
			continue
		}
		for _, row := range s.periods {
			if row.SubscriptionID == sub.ID && row.Status != enums.PeriodStatusScheduled && row.RevokedAt == nil && !row.EndAt.After(horizon) {
				out = append(out, *sub)
				break
			}
		}
	}
	return out, nil
}

func (s *sweepRepo) ListPendingCancellations(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status == enums.SubscriptionStatusCanceled || !sub.CancelAtPeriodEnd {
			continue
		}
		var lastEnd time.Time
		for _, row := range s.periods {
			if row.SubscriptionID == sub.ID && row.Status != enums.PeriodStatusScheduled && row.RevokedAt == nil && row.EndAt.After(lastEnd) {
				lastEnd = row.EndAt
			}
		}
		if !lastEnd.IsZero() && !lastEnd.After(now) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *sweepRepo) ListDunningDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status == enums.SubscriptionStatusPastDue && sub.NextRetryAt != nil && !sub.NextRetryAt.After(now) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *sweepRepo) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status != enums.SubscriptionStatusPastDue {
			continue
		}
		for _, row := range s.periods {
			if row.SubscriptionID == sub.ID && row.GraceEndsAt != nil && !row.GraceEndsAt.After(now) {
				out = append(out, *sub)
				break
			}
		}
	}
	return out, nil
}

func (s *sweepRepo) ListStaleOpenInvoices(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error) {
	var out []models.Invoice
	for _, invoice := range s.invoices {
		if invoice.Status.IsSettleable() && !invoice.CreatedAt.After(olderThan) {
			out = append(out, *invoice)
		}
	}
	return out, nil
}

func (s *sweepRepo) LatestPeriod(ctx context.Context, subscriptionID uuid.UUID) (*models.SubscriptionPeriod, error) {
	var latest *models.SubscriptionPeriod
	for _, row := range s.periods {
		if row.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || row.StartAt.After(latest.StartAt) {
			latest = row
		}
	}
	return latest, nil
}

func (s *sweepRepo) FindPeriod(ctx context.Context, id uuid.UUID) (*models.SubscriptionPeriod, error) {
	for _, row := range s.periods {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, nil
}

func (s *sweepRepo) FindPeriodCovering(ctx context.Context, subscriptionID uuid.UUID, at time.Time) (*models.SubscriptionPeriod, error) {
	for _, row := range s.periods {
		if row.SubscriptionID == subscriptionID && row.RevokedAt == nil && row.Covers(at) {
			return row, nil
		}
	}
	return nil, nil
}

func (s *sweepRepo) FindInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	for _, invoice := range s.invoices {
		if invoice.ID == id {
			return invoice, nil
		}
	}
	return nil, nil
}

func (s *sweepRepo) FindInvoiceForPeriod(ctx context.Context, periodID uuid.UUID) (*models.Invoice, error) {
	for _, invoice := range s.invoices {
		if invoice.PeriodID != nil && *invoice.PeriodID == periodID {
			return invoice, nil
		}
	}
	return nil, nil
}

func (s *sweepRepo) UpdateInvoice(ctx context.Context, invoice *models.Invoice) error {
	for i, existing := range s.invoices {
		if existing.ID == invoice.ID {
			s.invoices[i] = invoice
		}
	}
	return nil
}

func (s *sweepRepo) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	s.payments = append(s.payments, payment)
	return nil
}

func (s *sweepRepo) FindPaymentByProviderID(ctx context.Context, provider enums.Provider, providerPaymentID string) (*models.Payment, error) {
	for _, payment := range s.payments {
		if payment.Provider == provider && payment.ProviderPaymentID == providerPaymentID {
			return payment, nil
		}
	}
	return nil, nil
}

type sweepTxRunner struct{}

func (sweepTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type sweepCatalog struct {
	plans map[string]*models.Plan
}

func (c *sweepCatalog) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	if plan, ok := c.plans[id]; ok {
		return plan, nil
	}
	return nil, errors.New("plan not found")
}

type sweepPort struct {
	provider  enums.Provider
	recurring bool
	result    *settlement.ChargeResult
	chargeErr error
	charges   []settlement.ChargeRequest
}

func (p *sweepPort) Provider() enums.Provider { return p.provider }
func (p *sweepPort) SupportsRecurring() bool  { return p.recurring }

func (p *sweepPort) CreateCharge(ctx context.Context, req settlement.ChargeRequest) (*settlement.ChargeResult, error) {
	p.charges = append(p.charges, req)
	if p.chargeErr != nil {
		return nil, p.chargeErr
	}
	return p.result, nil
}

func (p *sweepPort) ParseEvent(payload []byte, signature string) (*settlement.CanonicalEvent, error) {
	return nil, settlement.ErrEventIgnored
}

func (p *sweepPort) FetchPayment(ctx context.Context, providerPaymentID string) (*settlement.PaymentInfo, error) {
	return nil, nil
}

func (p *sweepPort) Refund(ctx context.Context, req settlement.RefundRequest) error { return nil }

type sweepPorts struct {
	ports map[enums.Provider]settlement.Port
}

func (s *sweepPorts) Resolve(provider enums.Provider) (settlement.Port, error) {
	if port, ok := s.ports[provider]; ok {
		return port, nil
	}
	return nil, errors.New("no port configured")
}

type sweepPeriods struct {
	repo *sweepRepo

	starts    []period.StartInput
	schedules []period.ScheduleRenewalInput

	scheduled *models.SubscriptionPeriod
	invoice   *models.Invoice
}

func (s *sweepPeriods) Start(ctx context.Context, tx *gorm.DB, input period.StartInput) (*models.SubscriptionPeriod, error) {
	s.starts = append(s.starts, input)
	return s.scheduled, nil
}

// ScheduleRenewal mimics the idempotent upsert: the first call materializes
// the scheduled period and invoice into the repo, later calls return them.
func (s *sweepPeriods) ScheduleRenewal(ctx context.Context, input period.ScheduleRenewalInput) (*models.SubscriptionPeriod, *models.Invoice, error) {
	s.schedules = append(s.schedules, input)
	if s.scheduled == nil {
		periodID := uuid.New()
		invoiceID := uuid.New()
		s.scheduled = &models.SubscriptionPeriod{
			ID:             periodID,
			SubscriptionID: input.Subscription.ID,
			StartAt:        input.BoundaryAt,
			EndAt:          input.Plan.PeriodEnd(input.BoundaryAt),
			Status:         enums.PeriodStatusScheduled,
		}
		s.invoice = &models.Invoice{
			ID:             invoiceID,
			CustomerID:     input.CustomerID,
			SubscriptionID: &input.Subscription.ID,
			PeriodID:       &periodID,
			Purpose:        enums.InvoicePurposePeriod,
			Status:         enums.InvoiceStatusOpen,
			AmountCents:    input.Subscription.PriceCents(input.Plan),
			CurrencyCode:   input.Plan.CurrencyCode,
			Provider:       input.Subscription.Provider,
		}
		if s.repo != nil {
			s.repo.periods = append(s.repo.periods, s.scheduled)
			s.repo.invoices = append(s.repo.invoices, s.invoice)
		}
	}
	return s.scheduled, s.invoice, nil
}

type sweepSubs struct {
	activated []string
	paused    []string
	finalized []uuid.UUID
	failures  []subscription.PaymentFailureInput
	plan      *models.Plan
}

func (s *sweepSubs) ActivateTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error {
	s.activated = append(s.activated, reason)
	sub.Status = enums.SubscriptionStatusActive
	return nil
}

func (s *sweepSubs) PauseTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error {
	s.paused = append(s.paused, reason)
	sub.Status = enums.SubscriptionStatusPaused
	return nil
}

func (s *sweepSubs) FinalizeCancelTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, at time.Time) error {
	s.finalized = append(s.finalized, sub.ID)
	sub.Status = enums.SubscriptionStatusCanceled
	sub.CancelAtPeriodEnd = false
	canceledAt := at.UTC()
	sub.CanceledAt = &canceledAt
	return nil
}

func (s *sweepSubs) HandlePaymentFailure(ctx context.Context, tx *gorm.DB, input subscription.PaymentFailureInput) error {
	s.failures = append(s.failures, input)
	return nil
}

func (s *sweepSubs) ApplyPendingPlanTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (*models.Plan, error) {
	return s.plan, nil
}

type sweepOutbox struct {
	events []outbox.DomainEvent
}

func (s *sweepOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	s.events = append(s.events, event)
	return nil
}

type sweepFixture struct {
	repo    *sweepRepo
	catalog *sweepCatalog
	port    *sweepPort
	periods *sweepPeriods
	subs    *sweepSubs
	outbox  *sweepOutbox
	now     time.Time
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	plan := &models.Plan{
		ID:               "pro-monthly",
		Name:             "Pro",
		Status:           enums.PlanStatusActive,
		Interval:         enums.BillingIntervalMonthly,
		PriceCents:       2900,
		CurrencyCode:     "usd",
		CreditsPerPeriod: 1000,
	}
	repo := &sweepRepo{}
	return &sweepFixture{
		repo:    repo,
		catalog: &sweepCatalog{plans: map[string]*models.Plan{plan.ID: plan}},
		port: &sweepPort{
			provider:  enums.ProviderStripe,
			recurring: true,
			result:    &settlement.ChargeResult{ProviderPaymentID: "pi_sweep_1", Status: enums.PaymentStatusSucceeded},
		},
		periods: &sweepPeriods{repo: repo},
		subs:    &sweepSubs{plan: plan},
		outbox:  &sweepOutbox{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *sweepFixture) params() BillingSweepParams {
	return BillingSweepParams{
		Logger:     logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		DB:         sweepTxRunner{},
		Repository: f.repo,
		Catalog:    f.catalog,
		Ports: &sweepPorts{ports: map[enums.Provider]settlement.Port{
			f.port.provider: f.port,
		}},
		Periods:       f.periods,
		Subscriptions: f.subs,
		Outbox:        f.outbox,
		Billing: config.BillingConfig{
			GraceDays:           7,
			DunningRetryOffsets: []int{0, 3, 7},
			RenewalLeadTime:     72 * time.Hour,
			StaleInvoiceWindow:  168 * time.Hour,
			TrialSweepHorizon:   24 * time.Hour,
			SweepBatchSize:      250,
		},
	}
}

func (f *sweepFixture) seedCustomer() *models.BillingCustomer {
	ref := "cus_sweep"
	customer := &models.BillingCustomer{ID: uuid.New(), StripeCustomerID: &ref}
	f.repo.customers = append(f.repo.customers, customer)
	return customer
}

func (f *sweepFixture) seedSubscription(status enums.SubscriptionStatus) *models.Subscription {
	customer := f.seedCustomer()
	sub := &models.Subscription{
		ID:         uuid.New(),
		CustomerID: customer.ID,
		Status:     status,
		PlanID:     "pro-monthly",
		Provider:   enums.ProviderStripe,
	}
	f.repo.subs = append(f.repo.subs, sub)
	return sub
}

func pinJobClock(t *testing.T, job Job, now time.Time) *renewalRunner {
	t.Helper()
	var runner *renewalRunner
	switch j := job.(type) {
	case *trialConversionJob:
		runner = j.runner
	case *renewalJob:
		runner = j.runner
	case *dunningJob:
		runner = j.runner
	case *graceExpiryJob:
		runner = j.runner
	case *staleInvoiceJob:
		runner = j.runner
	default:
		t.Fatalf("unexpected job type %T", job)
	}
	runner.now = func() time.Time { return now }
	return runner
}

func TestTrialConversionChargesAtBoundary(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusTrialing)
	trialEnd := f.now.Add(-time.Hour)
	sub.TrialEndsAt = &trialEnd

	job, err := NewTrialConversionJob(f.params())
	if err != nil {
		t.Fatalf("NewTrialConversionJob: %v", err)
	}
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.periods.schedules) != 1 {
		t.Fatalf("expected one renewal scheduled, got %d", len(f.periods.schedules))
	}
	if !f.periods.schedules[0].BoundaryAt.Equal(trialEnd) {
		t.Fatalf("boundary = %s, want trial end %s", f.periods.schedules[0].BoundaryAt, trialEnd)
	}
	if len(f.port.charges) != 1 {
		t.Fatalf("expected one charge, got %d", len(f.port.charges))
	}
	if f.periods.invoice.Status != enums.InvoiceStatusPaid {
		t.Fatalf("invoice status = %s, want paid", f.periods.invoice.Status)
	}
	if len(f.periods.starts) != 1 {
		t.Fatalf("expected period start, got %d", len(f.periods.starts))
	}
	start := f.periods.starts[0]
	if start.PeriodID == nil || *start.PeriodID != f.periods.scheduled.ID {
		t.Fatal("expected start pinned to the scheduled period")
	}
	if len(f.subs.activated) != 1 || f.subs.activated[0] != "renewal_collected" {
		t.Fatalf("activations = %v", f.subs.activated)
	}
	if len(f.repo.payments) != 1 || f.repo.payments[0].Status != enums.PaymentStatusSucceeded {
		t.Fatalf("expected succeeded payment row, got %+v", f.repo.payments)
	}
}

func TestTrialConversionPreCreatesInvoiceBeforeBoundary(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusTrialing)
	trialEnd := f.now.Add(12 * time.Hour)
	sub.TrialEndsAt = &trialEnd

	job, _ := NewTrialConversionJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.periods.schedules) != 1 {
		t.Fatalf("expected invoice pre-created, got %d schedules", len(f.periods.schedules))
	}
	if len(f.port.charges) != 0 {
		t.Fatalf("expected no charge before the boundary, got %d", len(f.port.charges))
	}
	if f.periods.invoice.Status != enums.InvoiceStatusOpen {
		t.Fatalf("invoice status = %s, want open", f.periods.invoice.Status)
	}
}

func TestTrialConversionSkipsPaidInvoice(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusTrialing)
	trialEnd := f.now.Add(-time.Hour)
	sub.TrialEndsAt = &trialEnd
	// Webhook settled it first.
	f.periods.scheduled = &models.SubscriptionPeriod{ID: uuid.New(), SubscriptionID: sub.ID}
	f.periods.invoice = &models.Invoice{ID: uuid.New(), Status: enums.InvoiceStatusPaid}

	job, _ := NewTrialConversionJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.port.charges) != 0 {
		t.Fatal("expected no charge for an already-paid invoice")
	}
}

func TestTrialConversionPrepaidProviderPauses(t *testing.T) {
	f := newSweepFixture(t)
	f.port.provider = enums.ProviderSquare
	f.port.recurring = false
	sub := f.seedSubscription(enums.SubscriptionStatusTrialing)
	sub.Provider = enums.ProviderSquare
	trialEnd := f.now.Add(-time.Hour)
	sub.TrialEndsAt = &trialEnd

	job, _ := NewTrialConversionJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.port.charges) != 0 {
		t.Fatal("prepaid provider must not be charged unattended")
	}
	if len(f.subs.failures) != 1 {
		t.Fatalf("expected one failure routed, got %d", len(f.subs.failures))
	}
	if f.subs.failures[0].SupportsRecurring {
		t.Fatal("failure input should report a non-recurring provider")
	}
}

func TestRenewalJobChargesPastBoundary(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusActive)
	boundary := f.now.Add(-time.Hour)
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        boundary.AddDate(0, -1, 0),
		EndAt:          boundary,
		Status:         enums.PeriodStatusActive,
	})

	job, err := NewRenewalJob(f.params())
	if err != nil {
		t.Fatalf("NewRenewalJob: %v", err)
	}
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.periods.schedules) != 1 || !f.periods.schedules[0].BoundaryAt.Equal(boundary) {
		t.Fatalf("schedules = %+v, want boundary %s", f.periods.schedules, boundary)
	}
	if len(f.port.charges) != 1 {
		t.Fatalf("expected one charge, got %d", len(f.port.charges))
	}
	if f.port.charges[0].CustomerRef != "cus_sweep" {
		t.Fatalf("charge ref = %q, want saved instrument", f.port.charges[0].CustomerRef)
	}
	if f.periods.invoice.Status != enums.InvoiceStatusPaid {
		t.Fatalf("invoice status = %s, want paid", f.periods.invoice.Status)
	}
	if len(f.subs.activated) != 1 {
		t.Fatalf("activations = %v", f.subs.activated)
	}
}

func TestRenewalJobFinalizesElapsedCancellation(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusActive)
	sub.CancelAtPeriodEnd = true
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        f.now.AddDate(0, -1, 0),
		EndAt:          f.now.Add(-time.Hour),
		Status:         enums.PeriodStatusActive,
	})

	job, err := NewRenewalJob(f.params())
	if err != nil {
		t.Fatalf("NewRenewalJob: %v", err)
	}
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.port.charges) != 0 {
		t.Fatal("flagged subscription must not be charged")
	}
	if len(f.subs.finalized) != 1 || f.subs.finalized[0] != sub.ID {
		t.Fatalf("finalized = %v, want %s", f.subs.finalized, sub.ID)
	}
	if sub.Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("status = %s, want canceled", sub.Status)
	}
}

func TestRenewalJobFinalizeSkipsRunningPeriod(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusActive)
	sub.CancelAtPeriodEnd = true
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        f.now.AddDate(0, -1, 0),
		EndAt:          f.now.Add(24 * time.Hour),
		Status:         enums.PeriodStatusActive,
	})

	job, _ := NewRenewalJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.subs.finalized) != 0 {
		t.Fatal("subscription with a running period must stay live")
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("status = %s, want active", sub.Status)
	}
}

func TestRenewalJobInsideLeadWindowOnlySchedules(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusActive)
	boundary := f.now.Add(48 * time.Hour)
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        boundary.AddDate(0, -1, 0),
		EndAt:          boundary,
		Status:         enums.PeriodStatusActive,
	})

	job, _ := NewRenewalJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.periods.schedules) != 1 {
		t.Fatalf("expected renewal pre-created, got %d", len(f.periods.schedules))
	}
	if len(f.port.charges) != 0 {
		t.Fatal("expected no charge inside the lead window")
	}
}

func TestRenewalJobPendingPlanBillsListPrice(t *testing.T) {
	f := newSweepFixture(t)
	downgrade := &models.Plan{
		ID:           "basic-monthly",
		Name:         "Basic",
		Status:       enums.PlanStatusActive,
		Interval:     enums.BillingIntervalMonthly,
		PriceCents:   900,
		CurrencyCode: "usd",
	}
	f.catalog.plans[downgrade.ID] = downgrade
	sub := f.seedSubscription(enums.SubscriptionStatusActive)
	pending := downgrade.ID
	locked := int64(1900)
	sub.PendingPlanID = &pending
	sub.LockedPriceCents = &locked
	boundary := f.now.Add(-time.Hour)
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        boundary.AddDate(0, -1, 0),
		EndAt:          boundary,
		Status:         enums.PeriodStatusActive,
	})

	job, _ := NewRenewalJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.periods.schedules) != 1 {
		t.Fatalf("expected one schedule, got %d", len(f.periods.schedules))
	}
	input := f.periods.schedules[0]
	if input.Plan.ID != downgrade.ID {
		t.Fatalf("billed plan = %s, want pending plan", input.Plan.ID)
	}
	if input.Subscription.LockedPriceCents != nil {
		t.Fatal("price lock must not apply to a plan-change invoice")
	}
	if sub.LockedPriceCents == nil {
		t.Fatal("the real subscription row must keep its lock until the change applies")
	}
	if f.periods.invoice.AmountCents != 900 {
		t.Fatalf("invoice amount = %d, want list price 900", f.periods.invoice.AmountCents)
	}
}

func TestRenewalJobUsesScheduledPeriodBoundary(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusActive)
	boundary := f.now.Add(-time.Hour)
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        boundary.AddDate(0, -1, 0),
		EndAt:          boundary,
		Status:         enums.PeriodStatusActive,
	})
	// A prior sweep already pre-created the renewal.
	scheduledID := uuid.New()
	scheduled := &models.SubscriptionPeriod{
		ID:             scheduledID,
		SubscriptionID: sub.ID,
		StartAt:        boundary,
		EndAt:          boundary.AddDate(0, 1, 0),
		Status:         enums.PeriodStatusScheduled,
	}
	invoice := &models.Invoice{
		ID:           uuid.New(),
		CustomerID:   sub.CustomerID,
		PeriodID:     &scheduledID,
		Purpose:      enums.InvoicePurposePeriod,
		Status:       enums.InvoiceStatusOpen,
		AmountCents:  2900,
		CurrencyCode: "usd",
		Provider:     enums.ProviderStripe,
	}
	f.repo.periods = append(f.repo.periods, scheduled)
	f.repo.invoices = append(f.repo.invoices, invoice)
	f.periods.scheduled = scheduled
	f.periods.invoice = invoice

	job, _ := NewRenewalJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.periods.schedules) != 1 || !f.periods.schedules[0].BoundaryAt.Equal(boundary) {
		t.Fatalf("expected boundary from the scheduled period, got %+v", f.periods.schedules)
	}
	if len(f.port.charges) != 1 {
		t.Fatalf("expected the overdue boundary charged, got %d", len(f.port.charges))
	}
}

func TestRenewalJobFailedChargeRoutesFailurePolicy(t *testing.T) {
	f := newSweepFixture(t)
	f.port.result = &settlement.ChargeResult{ProviderPaymentID: "pi_fail_1", Status: enums.PaymentStatusFailed}
	sub := f.seedSubscription(enums.SubscriptionStatusActive)
	boundary := f.now.Add(-time.Hour)
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        boundary.AddDate(0, -1, 0),
		EndAt:          boundary,
		Status:         enums.PeriodStatusActive,
	})

	job, _ := NewRenewalJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.subs.failures) != 1 {
		t.Fatalf("expected one failure routed, got %d", len(f.subs.failures))
	}
	if !f.subs.failures[0].SupportsRecurring {
		t.Fatal("failure input should report a recurring provider")
	}
	if len(f.repo.payments) != 1 || f.repo.payments[0].Status != enums.PaymentStatusFailed {
		t.Fatalf("expected failed payment row, got %+v", f.repo.payments)
	}
	if f.periods.invoice.Status != enums.InvoiceStatusOpen {
		t.Fatalf("invoice status = %s, want still open", f.periods.invoice.Status)
	}
}

func TestRenewalJobChargeTransportErrorLeavesInvoiceOpen(t *testing.T) {
	f := newSweepFixture(t)
	f.port.chargeErr = errors.New("provider timeout")
	sub := f.seedSubscription(enums.SubscriptionStatusActive)
	boundary := f.now.Add(-time.Hour)
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        boundary.AddDate(0, -1, 0),
		EndAt:          boundary,
		Status:         enums.PeriodStatusActive,
	})

	job, _ := NewRenewalJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected the transport error surfaced")
	}
	if len(f.subs.failures) != 0 {
		t.Fatal("a transport error is not a declined charge")
	}
	if f.periods.invoice.Status != enums.InvoiceStatusOpen {
		t.Fatalf("invoice status = %s, want still open", f.periods.invoice.Status)
	}
}

func TestDunningRetryCollectsOpenInvoice(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusPastDue)
	retryAt := f.now.Add(-time.Minute)
	sub.NextRetryAt = &retryAt
	sub.DunningAttempts = 1
	scheduledID := uuid.New()
	scheduled := &models.SubscriptionPeriod{
		ID:             scheduledID,
		SubscriptionID: sub.ID,
		StartAt:        f.now.Add(-24 * time.Hour),
		EndAt:          f.now.AddDate(0, 1, 0),
		Status:         enums.PeriodStatusScheduled,
	}
	invoice := &models.Invoice{
		ID:           uuid.New(),
		CustomerID:   sub.CustomerID,
		PeriodID:     &scheduledID,
		Purpose:      enums.InvoicePurposePeriod,
		Status:       enums.InvoiceStatusOpen,
		AmountCents:  2900,
		CurrencyCode: "usd",
		Provider:     enums.ProviderStripe,
	}
	f.repo.periods = append(f.repo.periods, scheduled)
	f.repo.invoices = append(f.repo.invoices, invoice)
	f.periods.scheduled = scheduled
	f.periods.invoice = invoice

	job, err := NewDunningJob(f.params())
	if err != nil {
		t.Fatalf("NewDunningJob: %v", err)
	}
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.port.charges) != 1 {
		t.Fatalf("expected one retry charge, got %d", len(f.port.charges))
	}
	if invoice.Status != enums.InvoiceStatusPaid {
		t.Fatalf("invoice status = %s, want paid", invoice.Status)
	}
	if len(f.subs.activated) != 1 {
		t.Fatalf("expected recovery to reactivate, got %v", f.subs.activated)
	}
}

func TestDunningSkipsSettledInvoice(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusPastDue)
	retryAt := f.now.Add(-time.Minute)
	sub.NextRetryAt = &retryAt
	scheduledID := uuid.New()
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             scheduledID,
		SubscriptionID: sub.ID,
		StartAt:        f.now.Add(-24 * time.Hour),
		EndAt:          f.now.AddDate(0, 1, 0),
		Status:         enums.PeriodStatusScheduled,
	})
	f.repo.invoices = append(f.repo.invoices, &models.Invoice{
		ID:       uuid.New(),
		PeriodID: &scheduledID,
		Status:   enums.InvoiceStatusPaid,
	})

	job, _ := NewDunningJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.port.charges) != 0 {
		t.Fatal("expected no charge for a settled invoice")
	}
}

func TestGraceExpiryPausesAndWritesOff(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusPastDue)
	graceEnd := f.now.Add(-time.Hour)
	periodID := uuid.New()
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             periodID,
		SubscriptionID: sub.ID,
		StartAt:        f.now.AddDate(0, -1, 0),
		EndAt:          f.now.Add(-8 * 24 * time.Hour),
		Status:         enums.PeriodStatusEnded,
		GraceEndsAt:    &graceEnd,
	})
	invoice := &models.Invoice{
		ID:       uuid.New(),
		PeriodID: &periodID,
		Status:   enums.InvoiceStatusOpen,
	}
	f.repo.invoices = append(f.repo.invoices, invoice)

	job, err := NewGraceExpiryJob(f.params())
	if err != nil {
		t.Fatalf("NewGraceExpiryJob: %v", err)
	}
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.subs.paused) != 1 || f.subs.paused[0] != "grace_expired" {
		t.Fatalf("pauses = %v", f.subs.paused)
	}
	if invoice.Status != enums.InvoiceStatusUncollectible {
		t.Fatalf("invoice status = %s, want uncollectible", invoice.Status)
	}
}

func TestGraceExpirySkipsRecoveredSubscription(t *testing.T) {
	f := newSweepFixture(t)
	sub := f.seedSubscription(enums.SubscriptionStatusPastDue)
	graceEnd := f.now.Add(-time.Hour)
	f.repo.periods = append(f.repo.periods, &models.SubscriptionPeriod{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		StartAt:        f.now.AddDate(0, -1, 0),
		EndAt:          f.now,
		GraceEndsAt:    &graceEnd,
	})
	// Recovered between the list and the lock: the listed copy is past_due
	// but the locked row has moved on.
	listed := *sub
	listed.Status = enums.SubscriptionStatusPastDue
	sub.Status = enums.SubscriptionStatusActive
	f.repo.subs = []*models.Subscription{sub, &listed}

	job, _ := NewGraceExpiryJob(f.params())
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.subs.paused) != 0 {
		t.Fatalf("expected no pause for a recovered subscription, got %v", f.subs.paused)
	}
}

func TestStaleInvoiceVoidsPrepaidOnly(t *testing.T) {
	f := newSweepFixture(t)
	square := &sweepPort{provider: enums.ProviderSquare, recurring: false}
	params := f.params()
	params.Ports = &sweepPorts{ports: map[enums.Provider]settlement.Port{
		enums.ProviderStripe: f.port,
		enums.ProviderSquare: square,
	}}
	old := f.now.Add(-200 * time.Hour)
	stripeInvoice := &models.Invoice{
		ID:        uuid.New(),
		Status:    enums.InvoiceStatusOpen,
		Provider:  enums.ProviderStripe,
		CreatedAt: old,
	}
	squareInvoice := &models.Invoice{
		ID:        uuid.New(),
		Status:    enums.InvoiceStatusOpen,
		Provider:  enums.ProviderSquare,
		Purpose:   enums.InvoicePurposeBundle,
		CreatedAt: old,
	}
	f.repo.invoices = append(f.repo.invoices, stripeInvoice, squareInvoice)

	job, err := NewStaleInvoiceJob(params)
	if err != nil {
		t.Fatalf("NewStaleInvoiceJob: %v", err)
	}
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stripeInvoice.Status != enums.InvoiceStatusOpen {
		t.Fatalf("recurring-provider invoice status = %s, want untouched", stripeInvoice.Status)
	}
	if squareInvoice.Status != enums.InvoiceStatusVoid || squareInvoice.VoidedAt == nil {
		t.Fatalf("prepaid invoice status = %s, want void", squareInvoice.Status)
	}
	if len(f.outbox.events) != 1 || f.outbox.events[0].EventType != enums.EventInvoiceVoided {
		t.Fatalf("events = %+v, want invoice_voided", f.outbox.events)
	}
}

func TestStaleInvoiceSkipsFreshAndSettled(t *testing.T) {
	f := newSweepFixture(t)
	square := &sweepPort{provider: enums.ProviderSquare, recurring: false}
	params := f.params()
	params.Ports = &sweepPorts{ports: map[enums.Provider]settlement.Port{
		enums.ProviderSquare: square,
	}}
	fresh := &models.Invoice{
		ID:        uuid.New(),
		Status:    enums.InvoiceStatusOpen,
		Provider:  enums.ProviderSquare,
		CreatedAt: f.now.Add(-time.Hour),
	}
	paid := &models.Invoice{
		ID:        uuid.New(),
		Status:    enums.InvoiceStatusPaid,
		Provider:  enums.ProviderSquare,
		CreatedAt: f.now.Add(-200 * time.Hour),
	}
	f.repo.invoices = append(f.repo.invoices, fresh, paid)

	job, _ := NewStaleInvoiceJob(params)
	pinJobClock(t, job, f.now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fresh.Status != enums.InvoiceStatusOpen {
		t.Fatalf("fresh invoice status = %s, want untouched", fresh.Status)
	}
	if len(f.outbox.events) != 0 {
		t.Fatalf("expected no void events, got %d", len(f.outbox.events))
	}
}
