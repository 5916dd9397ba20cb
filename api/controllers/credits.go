package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/api/responses"
	"github.com/cadencehq/cadence-backend/api/validators"
	billingsvc "github.com/cadencehq/cadence-backend/internal/billing"
	ledgersvc "github.com/cadencehq/cadence-backend/internal/ledger"
	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	"github.com/cadencehq/cadence-backend/pkg/pagination"
)

type creditDeductRequest struct {
	CustomerRef string  `json:"customer_ref" validate:"required,max=128"`
	Amount      int64   `json:"amount" validate:"required,min=1"`
	SourceID    *string `json:"source_id,omitempty"`
	Note        *string `json:"note,omitempty" validate:"omitempty,max=256"`
}

type creditGrantRequest struct {
	CustomerRef string  `json:"customer_ref" validate:"required,max=128"`
	Amount      int64   `json:"amount" validate:"required,min=1"`
	Note        *string `json:"note,omitempty" validate:"omitempty,max=256"`
}

type ledgerEntryResponse struct {
	ID         uuid.UUID  `json:"id"`
	CustomerID uuid.UUID  `json:"customer_id"`
	Delta      int64      `json:"delta"`
	Source     string     `json:"source"`
	SourceID   *uuid.UUID `json:"source_id,omitempty"`
	Note       *string    `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type creditBalanceResponse struct {
	CustomerID uuid.UUID `json:"customer_id"`
	Balance    int64     `json:"balance"`
}

type ledgerHistoryResponse struct {
	Entries    []*ledgerEntryResponse `json:"entries"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func CreditBalance(svc ledgersvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		customer, err := resolveCustomer(r, customers, r.URL.Query().Get("customer_ref"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		balance, err := svc.Balance(r.Context(), customer.ID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, &creditBalanceResponse{CustomerID: customer.ID, Balance: balance})
	}
}

func CreditHistory(svc ledgersvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		customer, err := resolveCustomer(r, customers, r.URL.Query().Get("customer_ref"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		query := ledgersvc.ListEntriesQuery{CustomerID: customer.ID, Limit: limit}

		if raw := strings.TrimSpace(r.URL.Query().Get("source")); raw != "" {
			source, parseErr := enums.ParseLedgerSource(raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, parseErr.Error()))
				return
			}
			query.Source = &source
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
			cursor, parseErr := pagination.ParseCursor(raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid cursor"))
				return
			}
			query.Cursor = cursor
		}

		entries, next, err := svc.History(r.Context(), query)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := &ledgerHistoryResponse{Entries: make([]*ledgerEntryResponse, 0, len(entries))}
		for i := range entries {
			resp.Entries = append(resp.Entries, newLedgerEntryResponse(&entries[i]))
		}
		if next != nil {
			resp.NextCursor = pagination.EncodeCursor(*next)
		}
		responses.WriteSuccess(w, resp)
	}
}

func CreditDeduct(svc ledgersvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		var payload creditDeductRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		customer, err := resolveCustomer(r, customers, payload.CustomerRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := ledgersvc.DeductInput{
			CustomerID: customer.ID,
			Amount:     payload.Amount,
			Note:       payload.Note,
		}
		if payload.SourceID != nil {
			sourceID, parseErr := uuid.Parse(*payload.SourceID)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "source_id must be a uuid"))
				return
			}
			input.SourceID = &sourceID
		}

		entry, err := svc.Deduct(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newLedgerEntryResponse(entry))
	}
}

// CreditGrant writes a manual adjustment entry. The route requires an
// elevated token scope; ordinary grants come from periods and purchases.
func CreditGrant(svc ledgersvc.Service, customers billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || customers == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		var payload creditGrantRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		customer, err := resolveCustomer(r, customers, payload.CustomerRef)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entry, err := svc.Grant(r.Context(), ledgersvc.GrantInput{
			CustomerID: customer.ID,
			Amount:     payload.Amount,
			Source:     enums.LedgerSourceManual,
			Note:       payload.Note,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newLedgerEntryResponse(entry))
	}
}

func newLedgerEntryResponse(entry *models.CreditLedgerEntry) *ledgerEntryResponse {
	if entry == nil {
		return nil
	}
	return &ledgerEntryResponse{
		ID:         entry.ID,
		CustomerID: entry.CustomerID,
		Delta:      entry.Delta,
		Source:     string(entry.Source),
		SourceID:   entry.SourceID,
		Note:       entry.Note,
		CreatedAt:  entry.CreatedAt,
	}
}
