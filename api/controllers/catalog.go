package controllers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cadencehq/cadence-backend/api/responses"
	"github.com/cadencehq/cadence-backend/api/validators"
	catalogsvc "github.com/cadencehq/cadence-backend/internal/catalog"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

type planCreateRequest struct {
	ID               string          `json:"id" validate:"required,max=64"`
	Name             string          `json:"name" validate:"required,max=128"`
	Interval         string          `json:"interval" validate:"required"`
	PriceCents       int64           `json:"price_cents" validate:"min=0"`
	CurrencyCode     string          `json:"currency_code,omitempty"`
	TrialDays        int             `json:"trial_days,omitempty" validate:"min=0"`
	CreditsPerPeriod int64           `json:"credits_per_period,omitempty" validate:"min=0"`
	YearlyCreditsX12 bool            `json:"yearly_credits_x12,omitempty"`
	Capabilities     json.RawMessage `json:"capabilities,omitempty"`
}

type bundleCreateRequest struct {
	ID             string          `json:"id" validate:"required,max=64"`
	Name           string          `json:"name" validate:"required,max=128"`
	PriceCents     int64           `json:"price_cents" validate:"min=0"`
	CurrencyCode   string          `json:"currency_code,omitempty"`
	CreditsGranted int64           `json:"credits_granted,omitempty" validate:"min=0"`
	UnlockKey      string          `json:"unlock_key,omitempty"`
	Capabilities   json.RawMessage `json:"capabilities,omitempty"`
}

type planResponse struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Status           string          `json:"status"`
	Interval         string          `json:"interval"`
	PriceCents       int64           `json:"price_cents"`
	Price            string          `json:"price"`
	CurrencyCode     string          `json:"currency_code"`
	TrialDays        int             `json:"trial_days"`
	CreditsPerPeriod int64           `json:"credits_per_period"`
	YearlyCreditsX12 bool            `json:"yearly_credits_x12"`
	Capabilities     json.RawMessage `json:"capabilities,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type bundleResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	PriceCents     int64           `json:"price_cents"`
	Price          string          `json:"price"`
	CurrencyCode   string          `json:"currency_code"`
	CreditsGranted int64           `json:"credits_granted"`
	UnlockKey      string          `json:"unlock_key"`
	Capabilities   json.RawMessage `json:"capabilities,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func PlanCreate(svc catalogsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		var payload planCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		interval, err := enums.ParseBillingInterval(payload.Interval)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, err.Error()))
			return
		}

		plan, err := svc.CreatePlan(r.Context(), catalogsvc.CreatePlanInput{
			ID:               payload.ID,
			Name:             payload.Name,
			Interval:         interval,
			PriceCents:       payload.PriceCents,
			CurrencyCode:     payload.CurrencyCode,
			TrialDays:        payload.TrialDays,
			CreditsPerPeriod: payload.CreditsPerPeriod,
			YearlyCreditsX12: payload.YearlyCreditsX12,
			Capabilities:     payload.Capabilities,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newPlanResponse(plan))
	}
}

type planRepriceRequest struct {
	PriceCents int64 `json:"price_cents" validate:"min=0"`
}

func PlanReprice(svc catalogsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		var payload planRepriceRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plan, err := svc.RepricePlan(r.Context(), chi.URLParam(r, "planID"), payload.PriceCents)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func PlanArchive(svc catalogsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		plan, err := svc.ArchivePlan(r.Context(), chi.URLParam(r, "planID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func PlanFetch(svc catalogsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		plan, err := svc.GetPlan(r.Context(), chi.URLParam(r, "planID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func PlanList(svc catalogsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		status, err := catalogStatusFilter(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plans, err := svc.ListPlans(r.Context(), status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]*planResponse, 0, len(plans))
		for i := range plans {
			out = append(out, newPlanResponse(&plans[i]))
		}
		responses.WriteSuccess(w, map[string]any{"plans": out})
	}
}

func BundleCreate(svc catalogsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		var payload bundleCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		bundle, err := svc.CreateBundle(r.Context(), catalogsvc.CreateBundleInput{
			ID:             payload.ID,
			Name:           payload.Name,
			PriceCents:     payload.PriceCents,
			CurrencyCode:   payload.CurrencyCode,
			CreditsGranted: payload.CreditsGranted,
			UnlockKey:      payload.UnlockKey,
			Capabilities:   payload.Capabilities,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newBundleResponse(bundle))
	}
}

func BundleFetch(svc catalogsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		bundle, err := svc.GetBundle(r.Context(), chi.URLParam(r, "bundleID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newBundleResponse(bundle))
	}
}

func BundleList(svc catalogsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog service unavailable"))
			return
		}

		status, err := catalogStatusFilter(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		bundles, err := svc.ListBundles(r.Context(), status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]*bundleResponse, 0, len(bundles))
		for i := range bundles {
			out = append(out, newBundleResponse(&bundles[i]))
		}
		responses.WriteSuccess(w, map[string]any{"bundles": out})
	}
}

func catalogStatusFilter(r *http.Request) (*enums.PlanStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		return nil, nil
	}
	status, err := enums.ParsePlanStatus(raw)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
	}
	return &status, nil
}

// formatMinorUnits renders integer cents as a major-unit amount for display.
func formatMinorUnits(cents int64) string {
	return decimal.NewFromInt(cents).Shift(-2).StringFixed(2)
}

func newPlanResponse(plan *models.Plan) *planResponse {
	if plan == nil {
		return nil
	}
	return &planResponse{
		ID:               plan.ID,
		Name:             plan.Name,
		Status:           string(plan.Status),
		Interval:         string(plan.Interval),
		PriceCents:       plan.PriceCents,
		Price:            formatMinorUnits(plan.PriceCents),
		CurrencyCode:     plan.CurrencyCode,
		TrialDays:        plan.TrialDays,
		CreditsPerPeriod: plan.CreditsPerPeriod,
		YearlyCreditsX12: plan.YearlyCreditsX12,
		Capabilities:     plan.Capabilities,
		CreatedAt:        plan.CreatedAt,
	}
}

func newBundleResponse(bundle *models.Bundle) *bundleResponse {
	if bundle == nil {
		return nil
	}
	return &bundleResponse{
		ID:             bundle.ID,
		Name:           bundle.Name,
		Status:         string(bundle.Status),
		PriceCents:     bundle.PriceCents,
		Price:          formatMinorUnits(bundle.PriceCents),
		CurrencyCode:   bundle.CurrencyCode,
		CreditsGranted: bundle.CreditsGranted,
		UnlockKey:      bundle.UnlockKey,
		Capabilities:   bundle.Capabilities,
		CreatedAt:      bundle.CreatedAt,
	}
}
