package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/api/middleware"
	"github.com/cadencehq/cadence-backend/api/responses"
	"github.com/cadencehq/cadence-backend/api/validators"
	billingsvc "github.com/cadencehq/cadence-backend/internal/billing"
	subsvc "github.com/cadencehq/cadence-backend/internal/subscription"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

type subscriptionCreateRequest struct {
	CustomerRef      string `json:"customer_ref" validate:"required,max=128"`
	PlanID           string `json:"plan_id" validate:"required"`
	Provider         string `json:"provider" validate:"required"`
	StripeCustomerID string `json:"stripe_customer_id,omitempty"`
	SquareCustomerID string `json:"square_customer_id,omitempty"`
}

type subscriptionActionRequest struct {
	CustomerRef string `json:"customer_ref" validate:"required,max=128"`
}

type subscriptionCancelRequest struct {
	CustomerRef string `json:"customer_ref" validate:"required,max=128"`
	Immediate   bool   `json:"immediate,omitempty"`
}

type planChangeRequest struct {
	CustomerRef string `json:"customer_ref" validate:"required,max=128"`
	NewPlanID   string `json:"new_plan_id" validate:"required"`
}

type subscriptionResponse struct {
	ID                uuid.UUID  `json:"id"`
	CustomerID        uuid.UUID  `json:"customer_id"`
	Status            string     `json:"status"`
	PlanID            string     `json:"plan_id"`
	PendingPlanID     *string    `json:"pending_plan_id,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	LockedPriceCents  *int64     `json:"locked_price_cents,omitempty"`
	TrialEndsAt       *time.Time `json:"trial_ends_at,omitempty"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	PauseReason       *string    `json:"pause_reason,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
	Provider          string     `json:"provider"`
	CreatedAt         time.Time  `json:"created_at"`
}

type subscriptionCreateResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	Invoice      *invoiceResponse      `json:"invoice,omitempty"`
}

type planChangePreviewResponse struct {
	Kind                  string    `json:"kind"`
	CurrentPlanID         string    `json:"current_plan_id"`
	NewPlanID             string    `json:"new_plan_id"`
	ChargeNowCents        int64     `json:"charge_now_cents"`
	NextRenewalPriceCents int64     `json:"next_renewal_price_cents"`
	CreditsGrantedNow     int64     `json:"credits_granted_now"`
	ForfeitedDays         int       `json:"forfeited_days"`
	EffectiveAt           time.Time `json:"effective_at"`
	ClearsPriceLock       bool      `json:"clears_price_lock"`
}

type planChangeResponse struct {
	Kind         string                `json:"kind"`
	Subscription *subscriptionResponse `json:"subscription"`
	Invoice      *invoiceResponse      `json:"invoice,omitempty"`
	ChargedNow   bool                  `json:"charged_now"`
}

// SubscriptionCreate registers the customer on first contact, then opens the
// billing relationship. Paid-start plans come back with the open first-period
// invoice; trials come back invoice-free.
func SubscriptionCreate(svc subsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload subscriptionCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		provider, err := enums.ParseProvider(payload.Provider)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, err.Error()))
			return
		}

		tenantID := middleware.TenantIDFromContext(r.Context())
		if tenantID == uuid.Nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "tenant missing"))
			return
		}

		customer, err := customers.RegisterCustomer(r.Context(), billingsvc.RegisterCustomerInput{
			TenantID:         tenantID,
			ExternalRef:      payload.CustomerRef,
			StripeCustomerID: payload.StripeCustomerID,
			SquareCustomerID: payload.SquareCustomerID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, invoice, err := svc.Create(r.Context(), subsvc.CreateInput{
			CustomerID: customer.ID,
			PlanID:     payload.PlanID,
			Provider:   provider,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, &subscriptionCreateResponse{
			Subscription: newSubscriptionResponse(sub),
			Invoice:      newInvoiceResponse(invoice),
		})
	}
}

func SubscriptionFetch(svc subsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		customer, err := resolveCustomer(r, customers, r.URL.Query().Get("customer_ref"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Get(r.Context(), customer.ID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func SubscriptionCancel(svc subsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload subscriptionCancelRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := liveSubscription(r, svc, customers, payload.CustomerRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		canceled, err := svc.Cancel(r.Context(), subsvc.CancelInput{
			SubscriptionID: sub.ID,
			Immediate:      payload.Immediate,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newSubscriptionResponse(canceled))
	}
}

func SubscriptionUndoCancel(svc subsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload subscriptionActionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := liveSubscription(r, svc, customers, payload.CustomerRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		restored, err := svc.UndoCancel(r.Context(), sub.ID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newSubscriptionResponse(restored))
	}
}

func SubscriptionReactivate(svc subsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload subscriptionActionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := liveSubscription(r, svc, customers, payload.CustomerRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		restored, invoice, err := svc.Reactivate(r.Context(), sub.ID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, &subscriptionCreateResponse{
			Subscription: newSubscriptionResponse(restored),
			Invoice:      newInvoiceResponse(invoice),
		})
	}
}

func SubscriptionPlanChangePreview(svc subsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload planChangeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := liveSubscription(r, svc, customers, payload.CustomerRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		preview, err := svc.PreviewPlanChange(r.Context(), subsvc.PlanChangeInput{
			SubscriptionID: sub.ID,
			NewPlanID:      payload.NewPlanID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, &planChangePreviewResponse{
			Kind:                  string(preview.Kind),
			CurrentPlanID:         preview.CurrentPlanID,
			NewPlanID:             preview.NewPlanID,
			ChargeNowCents:        preview.ChargeNowCents,
			NextRenewalPriceCents: preview.NextRenewalPriceCents,
			CreditsGrantedNow:     preview.CreditsGrantedNow,
			ForfeitedDays:         preview.ForfeitedDays,
			EffectiveAt:           preview.EffectiveAt,
			ClearsPriceLock:       preview.ClearsPriceLock,
		})
	}
}

func SubscriptionPlanChange(svc subsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload planChangeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := liveSubscription(r, svc, customers, payload.CustomerRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.ChangePlan(r.Context(), subsvc.PlanChangeInput{
			SubscriptionID: sub.ID,
			NewPlanID:      payload.NewPlanID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, &planChangeResponse{
			Kind:         string(result.Kind),
			Subscription: newSubscriptionResponse(result.Subscription),
			Invoice:      newInvoiceResponse(result.Invoice),
			ChargedNow:   result.ChargedNow,
		})
	}
}

func liveSubscription(r *http.Request, svc subsvc.Service, customers billingsvc.Service, customerRef string) (*models.Subscription, error) {
	customer, err := resolveCustomer(r, customers, customerRef)
	if err != nil {
		return nil, err
	}
	return svc.Get(r.Context(), customer.ID)
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                sub.ID,
		CustomerID:        sub.CustomerID,
		Status:            string(sub.Status),
		PlanID:            sub.PlanID,
		PendingPlanID:     sub.PendingPlanID,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		LockedPriceCents:  sub.LockedPriceCents,
		TrialEndsAt:       sub.TrialEndsAt,
		PausedAt:          sub.PausedAt,
		PauseReason:       sub.PauseReason,
		CanceledAt:        sub.CanceledAt,
		Provider:          string(sub.Provider),
		CreatedAt:         sub.CreatedAt,
	}
}
