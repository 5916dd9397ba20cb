package routes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	billingsvc "github.com/cadencehq/cadence-backend/internal/billing"
	catalogsvc "github.com/cadencehq/cadence-backend/internal/catalog"
	"github.com/cadencehq/cadence-backend/internal/reconcile"
	subsvc "github.com/cadencehq/cadence-backend/internal/subscription"
	pkgAuth "github.com/cadencehq/cadence-backend/pkg/auth"
	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type fakeCacheStore struct {
	mu       sync.Mutex
	data     map[string]string
	counters map[string]int64
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{data: map[string]string{}, counters: map[string]int64{}}
}

func (f *fakeCacheStore) Ping(context.Context) error { return nil }

func (f *fakeCacheStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeCacheStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	return true, nil
}

func (f *fakeCacheStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("idem:%s:%s", scope, id)
}

func (f *fakeCacheStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func (f *fakeCacheStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

type stubBillingService struct {
	billingsvc.Service

	customer *models.BillingCustomer
}

func (s *stubBillingService) GetCustomerByExternalRef(_ context.Context, tenantID uuid.UUID, externalRef string) (*models.BillingCustomer, error) {
	if s.customer != nil && s.customer.TenantID == tenantID && s.customer.ExternalRef == externalRef {
		return s.customer, nil
	}
	return nil, fmt.Errorf("customer not found")
}

type stubCatalogService struct {
	catalogsvc.Service

	plans   []models.Plan
	created []catalogsvc.CreatePlanInput
}

func (s *stubCatalogService) ListPlans(context.Context, *enums.PlanStatus) ([]models.Plan, error) {
	return s.plans, nil
}

func (s *stubCatalogService) CreatePlan(_ context.Context, input catalogsvc.CreatePlanInput) (*models.Plan, error) {
	s.created = append(s.created, input)
	return &models.Plan{ID: input.ID, Name: input.Name, Interval: input.Interval, PriceCents: input.PriceCents}, nil
}

type stubSubscriptionService struct {
	subsvc.Service

	sub *models.Subscription
}

func (s *stubSubscriptionService) Get(context.Context, uuid.UUID) (*models.Subscription, error) {
	return s.sub, nil
}

type stubReconcileService struct {
	ack      reconcile.AckCode
	err      error
	provider enums.Provider
}

func (s *stubReconcileService) HandleWebhook(_ context.Context, provider enums.Provider, _ []byte, _ string) (reconcile.AckCode, error) {
	s.provider = provider
	return s.ack, s.err
}

type routerFixture struct {
	cfg       *config.Config
	store     *fakeCacheStore
	billing   *stubBillingService
	catalog   *stubCatalogService
	subs      *stubSubscriptionService
	reconcile *stubReconcileService
	handler   http.Handler
	tenantID  uuid.UUID
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	tenantID := uuid.New()
	cfg := &config.Config{}
	cfg.App.Env = "test"
	cfg.JWT = config.JWTConfig{Secret: "router-secret", Issuer: "cadence", ExpirationMinutes: 30}
	cfg.RateLimit = config.RateLimitConfig{
		APIWindow:      time.Minute,
		APITenantLimit: 100,
		WebhookWindow:  time.Minute,
		WebhookIPLimit: 100,
	}

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	store := newFakeCacheStore()

	billing := &stubBillingService{customer: &models.BillingCustomer{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ExternalRef: "acct_1",
	}}
	catalog := &stubCatalogService{plans: []models.Plan{{ID: "pro-monthly", Name: "Pro", Interval: enums.BillingIntervalMonthly, PriceCents: 2900}}}
	subs := &stubSubscriptionService{sub: &models.Subscription{
		ID:         uuid.New(),
		CustomerID: billing.customer.ID,
		Status:     enums.SubscriptionStatusActive,
		PlanID:     "pro-monthly",
		Provider:   enums.ProviderStripe,
	}}
	rec := &stubReconcileService{ack: reconcile.AckOK}

	handler := NewRouter(cfg, logg, stubPinger{}, store, billing, catalog, subs, nil, nil, nil, rec)
	return &routerFixture{
		cfg:       cfg,
		store:     store,
		billing:   billing,
		catalog:   catalog,
		subs:      subs,
		reconcile: rec,
		handler:   handler,
		tenantID:  tenantID,
	}
}

func (f *routerFixture) token(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := pkgAuth.MintServiceToken(f.cfg.JWT, time.Now(), pkgAuth.ServiceTokenPayload{
		TenantID: f.tenantID,
		Service:  "product-api",
		Scopes:   scopes,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (f *routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	return resp
}

func TestHealthLive(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if resp.Header().Get("X-Cadence-Env") != "test" {
		t.Fatalf("expected env header, got %q", resp.Header().Get("X-Cadence-Env"))
	}
}

func TestHealthReady(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestPlanListWithToken(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t))
	resp := f.do(req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "pro-monthly") {
		t.Fatalf("expected plan in body: %s", resp.Body.String())
	}
}

func TestPlanCreateRequiresScope(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"id":"basic-monthly","name":"Basic","interval":"monthly","price_cents":900}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/plans", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token(t))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "plan-1")
	if resp := f.do(req); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without scope, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/plans", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token(t, ScopeCatalogWrite))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "plan-2")
	if resp := f.do(req); resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 with scope, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(f.catalog.created) != 1 {
		t.Fatalf("expected one created plan, got %d", len(f.catalog.created))
	}
}

func TestSubscriptionFetchResolvesCustomer(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions?customer_ref=acct_1", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t))
	resp := f.do(req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), f.subs.sub.ID.String()) {
		t.Fatalf("expected subscription id in body: %s", resp.Body.String())
	}
}

func TestSubscriptionCreateRequiresIdempotencyKey(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"customer_ref":"acct_1","plan_id":"pro-monthly","provider":"stripe"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token(t))
	req.Header.Set("Content-Type", "application/json")
	resp := f.do(req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestTenantRateLimit(t *testing.T) {
	f := newRouterFixture(t)
	f.cfg.RateLimit.APITenantLimit = 2

	// Rebuild so the router picks up the tightened policy.
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	f.handler = NewRouter(f.cfg, logg, stubPinger{}, f.store, f.billing, f.catalog, f.subs, nil, nil, nil, f.reconcile)

	token := f.token(t)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		last = f.do(req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %d", last.Code)
	}
}

func TestWebhookRouting(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal", strings.NewReader(`{}`)))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", resp.Code)
	}

	resp = f.do(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{}`)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for acked delivery, got %d: %s", resp.Code, resp.Body.String())
	}
	if f.reconcile.provider != enums.ProviderStripe {
		t.Fatalf("expected stripe routed, got %s", f.reconcile.provider)
	}

	f.reconcile.ack = reconcile.AckRetry
	resp = f.do(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{}`)))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for retry ask, got %d", resp.Code)
	}
}
