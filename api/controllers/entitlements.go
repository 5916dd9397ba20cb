package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/api/responses"
	billingsvc "github.com/cadencehq/cadence-backend/internal/billing"
	entsvc "github.com/cadencehq/cadence-backend/internal/entitlement"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

type entitlementResponse struct {
	ID               uuid.UUID  `json:"id"`
	CustomerID       uuid.UUID  `json:"customer_id"`
	Kind             string     `json:"kind"`
	FeatureKey       string     `json:"feature_key"`
	Status           string     `json:"status"`
	ActiveFrom       time.Time  `json:"active_from"`
	ActiveTo         *time.Time `json:"active_to,omitempty"`
	SourcePeriodID   *uuid.UUID `json:"source_period_id,omitempty"`
	SourcePurchaseID *uuid.UUID `json:"source_purchase_id,omitempty"`
}

type entitlementCheckResponse struct {
	Active      bool                 `json:"active"`
	Entitlement *entitlementResponse `json:"entitlement,omitempty"`
}

func EntitlementList(svc entsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}

		customer, err := resolveCustomer(r, customers, r.URL.Query().Get("customer_ref"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entitlements, err := svc.ListByCustomer(r.Context(), customer.ID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]*entitlementResponse, 0, len(entitlements))
		for i := range entitlements {
			out = append(out, newEntitlementResponse(&entitlements[i]))
		}
		responses.WriteSuccess(w, map[string]any{"entitlements": out})
	}
}

// EntitlementCheck answers a point-in-time access question. The optional
// at parameter takes RFC 3339; it defaults to now.
func EntitlementCheck(svc entsvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}

		customer, err := resolveCustomer(r, customers, r.URL.Query().Get("customer_ref"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		featureKey := strings.TrimSpace(r.URL.Query().Get("feature"))
		if featureKey == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "feature is required"))
			return
		}

		at := time.Now().UTC()
		if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
			parsed, parseErr := time.Parse(time.RFC3339, raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "at must be RFC 3339"))
				return
			}
			at = parsed
		}

		result, err := svc.Check(r.Context(), customer.ID, featureKey, at)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, &entitlementCheckResponse{
			Active:      result.Active,
			Entitlement: newEntitlementResponse(result.Entitlement),
		})
	}
}

func newEntitlementResponse(entitlement *models.Entitlement) *entitlementResponse {
	if entitlement == nil {
		return nil
	}
	return &entitlementResponse{
		ID:               entitlement.ID,
		CustomerID:       entitlement.CustomerID,
		Kind:             string(entitlement.Kind),
		FeatureKey:       entitlement.FeatureKey,
		Status:           string(entitlement.Status),
		ActiveFrom:       entitlement.ActiveFrom,
		ActiveTo:         entitlement.ActiveTo,
		SourcePeriodID:   entitlement.SourcePeriodID,
		SourcePurchaseID: entitlement.SourcePurchaseID,
	}
}
