package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/api/middleware"
	"github.com/cadencehq/cadence-backend/api/responses"
	"github.com/cadencehq/cadence-backend/api/validators"
	billingsvc "github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

type customerRegisterRequest struct {
	ExternalRef      string `json:"external_ref" validate:"required,max=128"`
	StripeCustomerID string `json:"stripe_customer_id,omitempty"`
	SquareCustomerID string `json:"square_customer_id,omitempty"`
}

type customerResponse struct {
	ID               uuid.UUID `json:"id"`
	TenantID         uuid.UUID `json:"tenant_id"`
	ExternalRef      string    `json:"external_ref"`
	StripeCustomerID *string   `json:"stripe_customer_id,omitempty"`
	SquareCustomerID *string   `json:"square_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func CustomerRegister(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		tenantID := middleware.TenantIDFromContext(r.Context())
		if tenantID == uuid.Nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "tenant missing"))
			return
		}

		var payload customerRegisterRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		customer, err := svc.RegisterCustomer(r.Context(), billingsvc.RegisterCustomerInput{
			TenantID:         tenantID,
			ExternalRef:      payload.ExternalRef,
			StripeCustomerID: payload.StripeCustomerID,
			SquareCustomerID: payload.SquareCustomerID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newCustomerResponse(customer))
	}
}

func CustomerFetch(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		customer, err := resolveCustomer(r, svc, chi.URLParam(r, "externalRef"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newCustomerResponse(customer))
	}
}

// resolveCustomer loads the tenant-scoped customer behind an external ref.
// Every customer-facing controller funnels through here so a token can never
// read or mutate another tenant's billing state.
func resolveCustomer(r *http.Request, customers billingsvc.Service, externalRef string) (*models.BillingCustomer, error) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	if tenantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "tenant missing")
	}
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer_ref is required")
	}
	return customers.GetCustomerByExternalRef(r.Context(), tenantID, ref)
}

func newCustomerResponse(customer *models.BillingCustomer) *customerResponse {
	if customer == nil {
		return nil
	}
	return &customerResponse{
		ID:               customer.ID,
		TenantID:         customer.TenantID,
		ExternalRef:      customer.ExternalRef,
		StripeCustomerID: customer.StripeCustomerID,
		SquareCustomerID: customer.SquareCustomerID,
		CreatedAt:        customer.CreatedAt,
	}
}
