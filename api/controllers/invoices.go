package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/api/responses"
	"github.com/cadencehq/cadence-backend/api/validators"
	billingsvc "github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	"github.com/cadencehq/cadence-backend/pkg/pagination"
)

type invoiceResponse struct {
	ID               uuid.UUID  `json:"id"`
	CustomerID       uuid.UUID  `json:"customer_id"`
	SubscriptionID   *uuid.UUID `json:"subscription_id,omitempty"`
	PeriodID         *uuid.UUID `json:"period_id,omitempty"`
	BundlePurchaseID *uuid.UUID `json:"bundle_purchase_id,omitempty"`
	Purpose          string     `json:"purpose"`
	Status           string     `json:"status"`
	AmountCents      int64      `json:"amount_cents"`
	CurrencyCode     string     `json:"currency_code"`
	Provider         string     `json:"provider"`
	DueAt            *time.Time `json:"due_at,omitempty"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	VoidedAt         *time.Time `json:"voided_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type invoiceListResponse struct {
	Invoices   []*invoiceResponse `json:"invoices"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paymentResponse struct {
	ID                uuid.UUID  `json:"id"`
	CustomerID        uuid.UUID  `json:"customer_id"`
	InvoiceID         *uuid.UUID `json:"invoice_id,omitempty"`
	Provider          string     `json:"provider"`
	ProviderPaymentID string     `json:"provider_payment_id"`
	AmountCents       int64      `json:"amount_cents"`
	CurrencyCode      string     `json:"currency_code"`
	Status            string     `json:"status"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type paymentListResponse struct {
	Payments   []*paymentResponse `json:"payments"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

func InvoiceList(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		customer, err := resolveCustomer(r, svc, r.URL.Query().Get("customer_ref"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		query := billingsvc.ListInvoicesQuery{CustomerID: customer.ID, Limit: limit}

		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, parseErr := enums.ParseInvoiceStatus(raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, parseErr.Error()))
				return
			}
			query.Status = &status
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("purpose")); raw != "" {
			purpose, parseErr := enums.ParseInvoicePurpose(raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, parseErr.Error()))
				return
			}
			query.Purpose = &purpose
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
			cursor, parseErr := pagination.ParseCursor(raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid cursor"))
				return
			}
			query.Cursor = cursor
		}

		invoices, next, err := svc.ListInvoices(r.Context(), query)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := &invoiceListResponse{Invoices: make([]*invoiceResponse, 0, len(invoices))}
		for i := range invoices {
			resp.Invoices = append(resp.Invoices, newInvoiceResponse(&invoices[i]))
		}
		if next != nil {
			resp.NextCursor = pagination.EncodeCursor(*next)
		}
		responses.WriteSuccess(w, resp)
	}
}

func PaymentList(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		customer, err := resolveCustomer(r, svc, r.URL.Query().Get("customer_ref"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		query := billingsvc.ListPaymentsQuery{CustomerID: customer.ID, Limit: limit}

		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, parseErr := enums.ParsePaymentStatus(raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, parseErr.Error()))
				return
			}
			query.Status = &status
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
			cursor, parseErr := pagination.ParseCursor(raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid cursor"))
				return
			}
			query.Cursor = cursor
		}

		payments, next, err := svc.ListPayments(r.Context(), query)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := &paymentListResponse{Payments: make([]*paymentResponse, 0, len(payments))}
		for i := range payments {
			resp.Payments = append(resp.Payments, newPaymentResponse(&payments[i]))
		}
		if next != nil {
			resp.NextCursor = pagination.EncodeCursor(*next)
		}
		responses.WriteSuccess(w, resp)
	}
}

func newInvoiceResponse(invoice *models.Invoice) *invoiceResponse {
	if invoice == nil {
		return nil
	}
	return &invoiceResponse{
		ID:               invoice.ID,
		CustomerID:       invoice.CustomerID,
		SubscriptionID:   invoice.SubscriptionID,
		PeriodID:         invoice.PeriodID,
		BundlePurchaseID: invoice.BundlePurchaseID,
		Purpose:          string(invoice.Purpose),
		Status:           string(invoice.Status),
		AmountCents:      invoice.AmountCents,
		CurrencyCode:     invoice.CurrencyCode,
		Provider:         string(invoice.Provider),
		DueAt:            invoice.DueAt,
		PaidAt:           invoice.PaidAt,
		VoidedAt:         invoice.VoidedAt,
		CreatedAt:        invoice.CreatedAt,
	}
}

func newPaymentResponse(payment *models.Payment) *paymentResponse {
	if payment == nil {
		return nil
	}
	return &paymentResponse{
		ID:                payment.ID,
		CustomerID:        payment.CustomerID,
		InvoiceID:         payment.InvoiceID,
		Provider:          string(payment.Provider),
		ProviderPaymentID: payment.ProviderPaymentID,
		AmountCents:       payment.AmountCents,
		CurrencyCode:      payment.CurrencyCode,
		Status:            string(payment.Status),
		ConfirmedAt:       payment.ConfirmedAt,
		FailedAt:          payment.FailedAt,
		CreatedAt:         payment.CreatedAt,
	}
}
