package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"

	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	pkgsquare "github.com/cadencehq/cadence-backend/pkg/square"
)

// SquarePaymentClient is the subset of the Square wrapper the port needs.
type SquarePaymentClient interface {
	CreatePayment(ctx context.Context, params pkgsquare.PaymentCreateParams) (*sq.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*sq.Payment, error)
	RefundPayment(ctx context.Context, params pkgsquare.RefundCreateParams) (*sq.PaymentRefund, error)
	VerifySignature(signature string, body []byte) bool
}

// SquarePort settles invoices through one-off Square payments. Square stores
// no reusable mandate here, so renewals require the customer to pay again and
// a failed renewal pauses the subscription instead of opening a grace window.
type SquarePort struct {
	client SquarePaymentClient
}

// NewSquarePort builds the Square settlement port.
func NewSquarePort(client SquarePaymentClient) (*SquarePort, error) {
	if client == nil {
		return nil, fmt.Errorf("square payment client required")
	}
	return &SquarePort{client: client}, nil
}

func (p *SquarePort) Provider() enums.Provider { return enums.ProviderSquare }

func (p *SquarePort) SupportsRecurring() bool { return false }

func (p *SquarePort) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.SourceToken == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square source token is required")
	}
	payment, err := p.client.CreatePayment(ctx, pkgsquare.PaymentCreateParams{
		AmountCents: req.AmountCents,
		Currency:    strings.ToUpper(req.CurrencyCode),
		CustomerID:  req.CustomerRef,
		SourceID:    req.SourceToken,
		Note:        req.Description,
		ReferenceID: req.InvoiceID.String(),
	})
	if err != nil {
		return nil, err
	}
	return &ChargeResult{
		ProviderPaymentID: derefString(payment.GetID()),
		Status:            paymentStatusFromSquare(derefString(payment.GetStatus())),
	}, nil
}

// squareWebhookEvent matches the envelope Square posts to webhook
// subscriptions.
type squareWebhookEvent struct {
	EventID   string            `json:"event_id"`
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	Data      squareWebhookData `json:"data"`
}

type squareWebhookData struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Object squareWebhookObject `json:"object"`
}

type squareWebhookObject struct {
	Payment *squarePaymentPayload `json:"payment"`
	Refund  *squareRefundPayload  `json:"refund"`
	Dispute *squareDisputePayload `json:"dispute"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squarePaymentPayload struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	AmountMoney *squareMoney `json:"amount_money"`
	ReferenceID string       `json:"reference_id"`
	CustomerID  string       `json:"customer_id"`
}

type squareRefundPayload struct {
	ID          string       `json:"id"`
	PaymentID   string       `json:"payment_id"`
	Status      string       `json:"status"`
	AmountMoney *squareMoney `json:"amount_money"`
}

type squareDisputePayload struct {
	ID              string       `json:"id"`
	State           string       `json:"state"`
	AmountMoney     *squareMoney `json:"amount_money"`
	DisputedPayment *struct {
		PaymentID string `json:"payment_id"`
	} `json:"disputed_payment"`
}

func (p *SquarePort) ParseEvent(payload []byte, signature string) (*CanonicalEvent, error) {
	if !p.client.VerifySignature(signature, payload) {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "square signature mismatch")
	}

	var event squareWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode square event")
	}
	return translateSquareEvent(&event)
}

func translateSquareEvent(event *squareWebhookEvent) (*CanonicalEvent, error) {
	out := &CanonicalEvent{
		Provider:        enums.ProviderSquare,
		ProviderEventID: event.EventID,
		OccurredAt:      event.CreatedAt.UTC(),
	}
	if out.OccurredAt.IsZero() {
		out.OccurredAt = time.Now().UTC()
	}

	switch strings.ToLower(event.Type) {
	case "payment.created", "payment.updated":
		payment := event.Data.Object.Payment
		if payment == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment payload missing")
		}
		switch strings.ToUpper(payment.Status) {
		case "COMPLETED":
			out.Kind = enums.SettlementEventPaymentSucceeded
		case "FAILED", "CANCELED":
			out.Kind = enums.SettlementEventPaymentFailed
		default:
			// APPROVED and PENDING resolve in a later update.
			return nil, ErrEventIgnored
		}
		out.ProviderPaymentID = payment.ID
		out.CustomerRef = payment.CustomerID
		out.InvoiceID = invoiceIDFromReference(payment.ReferenceID)
		if payment.AmountMoney != nil {
			out.AmountCents = payment.AmountMoney.Amount
			out.CurrencyCode = strings.ToLower(payment.AmountMoney.Currency)
		}
	case "refund.created", "refund.updated":
		ref := event.Data.Object.Refund
		if ref == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund payload missing")
		}
		if !strings.EqualFold(ref.Status, "COMPLETED") {
			return nil, ErrEventIgnored
		}
		out.Kind = enums.SettlementEventChargeRefunded
		out.ProviderPaymentID = ref.PaymentID
		if ref.AmountMoney != nil {
			out.AmountCents = ref.AmountMoney.Amount
			out.CurrencyCode = strings.ToLower(ref.AmountMoney.Currency)
		}
	case "dispute.created", "dispute.state.updated":
		dispute := event.Data.Object.Dispute
		if dispute == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute payload missing")
		}
		switch {
		case strings.EqualFold(event.Type, "dispute.created"):
			out.Kind = enums.SettlementEventDisputeOpened
		case strings.EqualFold(dispute.State, "WON"):
			out.Kind = enums.SettlementEventDisputeWon
		case strings.EqualFold(dispute.State, "LOST"):
			out.Kind = enums.SettlementEventDisputeLost
		default:
			return nil, ErrEventIgnored
		}
		if dispute.DisputedPayment != nil {
			out.ProviderPaymentID = dispute.DisputedPayment.PaymentID
		}
		if dispute.AmountMoney != nil {
			out.AmountCents = dispute.AmountMoney.Amount
			out.CurrencyCode = strings.ToLower(dispute.AmountMoney.Currency)
		}
	default:
		return nil, ErrEventIgnored
	}
	return out, nil
}

func (p *SquarePort) FetchPayment(ctx context.Context, providerPaymentID string) (*PaymentInfo, error) {
	payment, err := p.client.GetPayment(ctx, providerPaymentID)
	if err != nil {
		return nil, err
	}
	info := &PaymentInfo{
		ProviderPaymentID: derefString(payment.GetID()),
		Status:            paymentStatusFromSquare(derefString(payment.GetStatus())),
	}
	if money := payment.GetAmountMoney(); money != nil {
		if money.Amount != nil {
			info.AmountCents = *money.Amount
		}
		if money.Currency != nil {
			info.CurrencyCode = strings.ToLower(string(*money.Currency))
		}
	}
	return info, nil
}

func (p *SquarePort) Refund(ctx context.Context, req RefundRequest) error {
	_, err := p.client.RefundPayment(ctx, pkgsquare.RefundCreateParams{
		PaymentID:   req.ProviderPaymentID,
		AmountCents: req.AmountCents,
		Currency:    strings.ToUpper(req.CurrencyCode),
		Reason:      req.Reason,
	})
	return err
}

func paymentStatusFromSquare(status string) enums.PaymentStatus {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return enums.PaymentStatusSucceeded
	case "FAILED", "CANCELED":
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusPending
	}
}

func invoiceIDFromReference(ref string) *uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil
	}
	return &id
}

func derefString(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
