package enums

import "fmt"

// InvoiceStatus maps to the invoice_status enum in Postgres.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
	InvoiceStatusRefunded      InvoiceStatus = "refunded"
	InvoiceStatusDisputed      InvoiceStatus = "disputed"
)

var validInvoiceStatuses = []InvoiceStatus{
	InvoiceStatusDraft,
	InvoiceStatusOpen,
	InvoiceStatusPaid,
	InvoiceStatusVoid,
	InvoiceStatusUncollectible,
	InvoiceStatusRefunded,
	InvoiceStatusDisputed,
}

// String implements fmt.Stringer.
func (i InvoiceStatus) String() string {
	return string(i)
}

// IsValid reports whether the value is known.
func (i InvoiceStatus) IsValid() bool {
	for _, candidate := range validInvoiceStatuses {
		if candidate == i {
			return true
		}
	}
	return false
}

// IsSettleable reports whether a payment may still settle this invoice.
func (i InvoiceStatus) IsSettleable() bool {
	return i == InvoiceStatusDraft || i == InvoiceStatusOpen
}

// ParseInvoiceStatus converts raw input into an InvoiceStatus.
func ParseInvoiceStatus(value string) (InvoiceStatus, error) {
	for _, candidate := range validInvoiceStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid invoice status %q", value)
}

// InvoicePurpose maps to the invoice_purpose enum in Postgres.
type InvoicePurpose string

const (
	InvoicePurposePeriod InvoicePurpose = "period"
	InvoicePurposeBundle InvoicePurpose = "bundle"
)

var validInvoicePurposes = []InvoicePurpose{
	InvoicePurposePeriod,
	InvoicePurposeBundle,
}

// IsValid reports whether the value is known.
func (p InvoicePurpose) IsValid() bool {
	for _, candidate := range validInvoicePurposes {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParseInvoicePurpose converts raw input into an InvoicePurpose.
func ParseInvoicePurpose(value string) (InvoicePurpose, error) {
	for _, candidate := range validInvoicePurposes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid invoice purpose %q", value)
}
