package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
)

// ErrEventIgnored is returned by ParseEvent for provider event types the
// billing core has no interest in. The webhook controller acknowledges these
// without touching the reconciler.
var ErrEventIgnored = errors.New("settlement event ignored")

// CanonicalEvent is a provider event after the adapter has verified its
// signature and translated it. (Provider, ProviderEventID) is the dedup key.
type CanonicalEvent struct {
	Provider          enums.Provider
	ProviderEventID   string
	Kind              enums.SettlementEventKind
	ProviderPaymentID string
	InvoiceID         *uuid.UUID
	CustomerRef       string
	AmountCents       int64
	CurrencyCode      string
	OccurredAt        time.Time
}

// ChargeRequest asks a provider to settle an invoice. SourceToken is only
// used by prepaid providers where each charge needs a fresh payment source.
type ChargeRequest struct {
	InvoiceID    uuid.UUID
	CustomerRef  string
	SourceToken  string
	AmountCents  int64
	CurrencyCode string
	Description  string
}

// ChargeResult reports the provider-side outcome of a charge attempt. The
// authoritative state still arrives via webhook; this is the synchronous echo.
type ChargeResult struct {
	ProviderPaymentID string
	Status            enums.PaymentStatus
}

// PaymentInfo is the provider's current view of one payment.
type PaymentInfo struct {
	ProviderPaymentID string
	Status            enums.PaymentStatus
	AmountCents       int64
	CurrencyCode      string
}

// RefundRequest reverses a settled payment. A zero AmountCents refunds in
// full.
type RefundRequest struct {
	ProviderPaymentID string
	AmountCents       int64
	CurrencyCode      string
	Reason            string
}

// Port is the settlement boundary: everything the core needs from an external
// payment provider, and nothing else. Timeouts and retries against the
// provider live behind this interface; the core only sees success or a coded
// failure.
type Port interface {
	Provider() enums.Provider
	// SupportsRecurring distinguishes card providers (renewals charge
	// automatically, failures open a grace window) from prepaid providers
	// (renewals require the customer to come back, failures pause).
	SupportsRecurring() bool
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	ParseEvent(payload []byte, signature string) (*CanonicalEvent, error)
	FetchPayment(ctx context.Context, providerPaymentID string) (*PaymentInfo, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// Registry resolves the Port for a provider.
type Registry struct {
	ports map[enums.Provider]Port
}

// NewRegistry indexes the given ports by provider.
func NewRegistry(ports ...Port) (*Registry, error) {
	indexed := make(map[enums.Provider]Port, len(ports))
	for _, port := range ports {
		if port == nil {
			continue
		}
		provider := port.Provider()
		if !provider.IsValid() {
			return nil, fmt.Errorf("settlement port has invalid provider %q", provider)
		}
		if _, dup := indexed[provider]; dup {
			return nil, fmt.Errorf("duplicate settlement port for provider %q", provider)
		}
		indexed[provider] = port
	}
	return &Registry{ports: indexed}, nil
}

// Resolve returns the port for the provider or a configuration error.
func (r *Registry) Resolve(provider enums.Provider) (Port, error) {
	if r == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "settlement registry not configured")
	}
	port, ok := r.ports[provider]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("no settlement port for provider %q", provider))
	}
	return port, nil
}

// Providers lists the configured providers.
func (r *Registry) Providers() []enums.Provider {
	if r == nil {
		return nil
	}
	out := make([]enums.Provider, 0, len(r.ports))
	for provider := range r.ports {
		out = append(out, provider)
	}
	return out
}
