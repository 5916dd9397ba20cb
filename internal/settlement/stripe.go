package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	pkgstripe "github.com/cadencehq/cadence-backend/pkg/stripe"
)

const metadataInvoiceKey = "cadence_invoice_id"

// StripePaymentClient is the subset of Stripe operations the card port needs,
// narrowed so the port can be tested without the live SDK.
type StripePaymentClient interface {
	CreateIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClientWrapper struct{}

// NewStripePaymentClient wraps the package-level Stripe bindings. The pkg
// wrapper has already installed the API key globally.
func NewStripePaymentClient(api *pkgstripe.Client) StripePaymentClient {
	if api == nil {
		return nil
	}
	return &stripeClientWrapper{}
}

func (w *stripeClientWrapper) CreateIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if params != nil {
		params.Context = ctx
	}
	return paymentintent.New(params)
}

func (w *stripeClientWrapper) GetIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if params != nil {
		params.Context = ctx
	}
	return paymentintent.Get(id, params)
}

func (w *stripeClientWrapper) CreateRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error) {
	if params != nil {
		params.Context = ctx
	}
	return refund.New(params)
}

// StripePort settles invoices against Stripe. Cards support off-session
// recurring charges, so renewal failures open a grace window instead of
// pausing immediately.
type StripePort struct {
	client        StripePaymentClient
	signingSecret string
}

// NewStripePort builds the Stripe settlement port.
func NewStripePort(client StripePaymentClient, signingSecret string) (*StripePort, error) {
	if client == nil {
		return nil, fmt.Errorf("stripe payment client required")
	}
	if signingSecret == "" {
		return nil, fmt.Errorf("stripe signing secret required")
	}
	return &StripePort{client: client, signingSecret: signingSecret}, nil
}

func (p *StripePort) Provider() enums.Provider { return enums.ProviderStripe }

func (p *StripePort) SupportsRecurring() bool { return true }

func (p *StripePort) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.CustomerRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe customer ref is required")
	}
	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(req.AmountCents),
		Currency:   stripe.String(req.CurrencyCode),
		Customer:   stripe.String(req.CustomerRef),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.AddMetadata(metadataInvoiceKey, req.InvoiceID.String())

	intent, err := p.client.CreateIntent(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stripe charge failed")
	}
	return &ChargeResult{
		ProviderPaymentID: intent.ID,
		Status:            paymentStatusFromIntent(intent.Status),
	}, nil
}

func (p *StripePort) ParseEvent(payload []byte, signature string) (*CanonicalEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.signingSecret)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "verify stripe signature")
	}
	return p.translate(&event)
}

func (p *StripePort) translate(event *stripe.Event) (*CanonicalEvent, error) {
	out := &CanonicalEvent{
		Provider:        enums.ProviderStripe,
		ProviderEventID: event.ID,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
		}
		out.Kind = enums.SettlementEventCheckoutCompleted
		if session.PaymentIntent != nil {
			out.ProviderPaymentID = session.PaymentIntent.ID
		}
		out.AmountCents = session.AmountTotal
		out.CurrencyCode = string(session.Currency)
		out.InvoiceID = invoiceIDFromMetadata(session.Metadata)
		if session.Customer != nil {
			out.CustomerRef = session.Customer.ID
		}
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent")
		}
		out.Kind = enums.SettlementEventPaymentSucceeded
		if event.Type == stripe.EventTypePaymentIntentPaymentFailed {
			out.Kind = enums.SettlementEventPaymentFailed
		}
		out.ProviderPaymentID = intent.ID
		out.AmountCents = intent.Amount
		out.CurrencyCode = string(intent.Currency)
		out.InvoiceID = invoiceIDFromMetadata(intent.Metadata)
		if intent.Customer != nil {
			out.CustomerRef = intent.Customer.ID
		}
	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge")
		}
		out.Kind = enums.SettlementEventChargeRefunded
		out.ProviderPaymentID = chargePaymentID(&charge)
		out.AmountCents = charge.AmountRefunded
		out.CurrencyCode = string(charge.Currency)
		out.InvoiceID = invoiceIDFromMetadata(charge.Metadata)
	case stripe.EventTypeInvoiceVoided:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice")
		}
		out.Kind = enums.SettlementEventInvoiceVoided
		out.InvoiceID = invoiceIDFromMetadata(inv.Metadata)
	case stripe.EventTypeChargeDisputeCreated, stripe.EventTypeChargeDisputeClosed:
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode dispute")
		}
		out.ProviderPaymentID = disputePaymentID(&dispute)
		out.AmountCents = dispute.Amount
		out.CurrencyCode = string(dispute.Currency)
		switch {
		case event.Type == stripe.EventTypeChargeDisputeCreated:
			out.Kind = enums.SettlementEventDisputeOpened
		case dispute.Status == stripe.DisputeStatusWon:
			out.Kind = enums.SettlementEventDisputeWon
		case dispute.Status == stripe.DisputeStatusLost:
			out.Kind = enums.SettlementEventDisputeLost
		default:
			return nil, ErrEventIgnored
		}
	default:
		return nil, ErrEventIgnored
	}
	return out, nil
}

func (p *StripePort) FetchPayment(ctx context.Context, providerPaymentID string) (*PaymentInfo, error) {
	intent, err := p.client.GetIntent(ctx, providerPaymentID, &stripe.PaymentIntentParams{})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch stripe payment")
	}
	return &PaymentInfo{
		ProviderPaymentID: intent.ID,
		Status:            paymentStatusFromIntent(intent.Status),
		AmountCents:       intent.Amount,
		CurrencyCode:      string(intent.Currency),
	}, nil
}

func (p *StripePort) Refund(ctx context.Context, req RefundRequest) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderPaymentID),
	}
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	if _, err := p.client.CreateRefund(ctx, params); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stripe refund failed")
	}
	return nil
}

func paymentStatusFromIntent(status stripe.PaymentIntentStatus) enums.PaymentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return enums.PaymentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusPending
	}
}

func chargePaymentID(charge *stripe.Charge) string {
	if charge.PaymentIntent != nil {
		return charge.PaymentIntent.ID
	}
	return charge.ID
}

func disputePaymentID(dispute *stripe.Dispute) string {
	if dispute.PaymentIntent != nil {
		return dispute.PaymentIntent.ID
	}
	if dispute.Charge != nil {
		return dispute.Charge.ID
	}
	return ""
}

func invoiceIDFromMetadata(metadata map[string]string) *uuid.UUID {
	if metadata == nil {
		return nil
	}
	raw, ok := metadata[metadataInvoiceKey]
	if !ok {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
