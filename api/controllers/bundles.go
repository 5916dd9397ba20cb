package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/api/responses"
	"github.com/cadencehq/cadence-backend/api/validators"
	billingsvc "github.com/cadencehq/cadence-backend/internal/billing"
	bundlesvc "github.com/cadencehq/cadence-backend/internal/bundle"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

type bundlePurchaseRequest struct {
	CustomerRef string `json:"customer_ref" validate:"required,max=128"`
	Provider    string `json:"provider" validate:"required"`
	SourceToken string `json:"source_token,omitempty"`
}

type bundlePurchaseResponse struct {
	Purchase *purchaseResponse `json:"purchase"`
	Invoice  *invoiceResponse  `json:"invoice,omitempty"`
	Charged  bool              `json:"charged"`
}

type purchaseResponse struct {
	ID             uuid.UUID  `json:"id"`
	CustomerID     uuid.UUID  `json:"customer_id"`
	BundleID       string     `json:"bundle_id"`
	InvoiceID      *uuid.UUID `json:"invoice_id,omitempty"`
	CreditsGranted int64      `json:"credits_granted"`
	PurchasedAt    time.Time  `json:"purchased_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// BundlePurchase checks out a bundle. Charged false means the provider is
// still settling; the webhook finalizes credits and entitlements.
func BundlePurchase(svc bundlesvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "bundle service unavailable"))
			return
		}

		var payload bundlePurchaseRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		provider, err := enums.ParseProvider(payload.Provider)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, err.Error()))
			return
		}

		customer, err := resolveCustomer(r, customers, payload.CustomerRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Purchase(r.Context(), bundlesvc.PurchaseInput{
			CustomerID:  customer.ID,
			BundleID:    chi.URLParam(r, "bundleID"),
			Provider:    provider,
			SourceToken: payload.SourceToken,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, &bundlePurchaseResponse{
			Purchase: newPurchaseResponse(result.Purchase),
			Invoice:  newInvoiceResponse(result.Invoice),
			Charged:  result.Charged,
		})
	}
}

func newPurchaseResponse(purchase *models.BundlePurchase) *purchaseResponse {
	if purchase == nil {
		return nil
	}
	return &purchaseResponse{
		ID:             purchase.ID,
		CustomerID:     purchase.CustomerID,
		BundleID:       purchase.BundleID,
		InvoiceID:      purchase.InvoiceID,
		CreditsGranted: purchase.CreditsGranted,
		PurchasedAt:    purchase.PurchasedAt,
		RevokedAt:      purchase.RevokedAt,
	}
}
